package tables

import (
	"fmt"
	"net/netip"
	"strings"
)

// ARPEntry is one resolved row of the router's ARP cache.
type ARPEntry struct {
	IP        string `json:"ip"`        // dotted-quad, empty if unresolved
	MAC       string `json:"mac"`       // canonical lower-case colon form
	Interface string `json:"interface"` // e.g. "eth1", "switch0.10"
}

// ARPResult holds the accepted entries of an ARP table parse and the
// number of non-blank, non-header lines that were skipped.
type ARPResult struct {
	Entries []ARPEntry
	Dropped int
}

// arpMinFields is the minimum token count of an ARP data row: an
// address, a hardware address and at least one more column.
const arpMinFields = 3

// ParseARP parses "show arp" output. Three layouts are understood:
//
//	IP address      HW type  Flags  HW address         Mask  Device
//	Address         HWtype   HWaddress          Flags Mask   Iface
//	192.168.1.10 dev eth1 lladdr aa:bb:cc:dd:ee:01 REACHABLE
//
// Rows without a usable hardware address, and rows for link-local or
// multicast addresses, are skipped and counted in Dropped. Entry order
// follows the input. ErrUnrecognized is returned only when the output
// as a whole does not look like an ARP table.
func ParseARP(raw string) (ARPResult, error) {
	var res ARPResult
	if strings.TrimSpace(raw) == "" {
		return res, fmt.Errorf("arp table: empty output: %w", ErrUnrecognized)
	}

	recognized := false
	for _, line := range lines(raw) {
		if strings.TrimSpace(line) == "" || isRule(line) {
			continue
		}
		if isARPHeader(line) {
			recognized = true
			continue
		}

		fields := strings.Fields(line)
		if rowShaped(fields) {
			recognized = true
		}
		ip := addressField(fields)

		if len(fields) < arpMinFields {
			res.Dropped++
			continue
		}
		idx, mac := findMAC(fields)
		if idx < 0 || !endUserMAC(mac) || !endUserIP(ip) {
			res.Dropped++
			continue
		}

		res.Entries = append(res.Entries, ARPEntry{
			IP:        ip,
			MAC:       mac,
			Interface: arpInterface(fields),
		})
	}

	if !recognized && len(res.Entries) == 0 {
		return res, fmt.Errorf("arp table: no header or rows found: %w", ErrUnrecognized)
	}
	return res, nil
}

func isARPHeader(line string) bool {
	l := strings.ToLower(line)
	return strings.Contains(l, "hw address") ||
		strings.Contains(l, "hwaddress") ||
		strings.Contains(l, "hw type") ||
		strings.Contains(l, "hwtype")
}

// addressField returns the first token that parses as an IP address,
// with surrounding parentheses removed ("? (10.0.0.1) at ..." style).
// Only tokens before the hardware address are considered.
func addressField(fields []string) string {
	for _, f := range fields {
		if _, ok := NormalizeMAC(f); ok {
			break
		}
		f = strings.TrimSuffix(strings.TrimPrefix(f, "("), ")")
		if addr, err := netip.ParseAddr(f); err == nil {
			return addr.String()
		}
	}
	return ""
}

// arpInterface picks the interface column. "dev IFACE" and "on IFACE"
// forms name it explicitly; the tabular forms put it last.
func arpInterface(fields []string) string {
	for i := 0; i < len(fields)-1; i++ {
		if fields[i] == "dev" || fields[i] == "on" {
			return fields[i+1]
		}
	}
	if len(fields) > 4 {
		return fields[len(fields)-1]
	}
	return ""
}
