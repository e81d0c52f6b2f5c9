// Package tables parses the text output of EdgeOS operational commands
// ("show arp", "show dhcp leases", "show version") into structured
// records. Parsing is line-oriented and tolerant: rows that cannot be
// keyed by a hardware address are skipped and counted, never fatal.
package tables

import (
	"errors"
	"net/netip"
	"regexp"
	"strconv"
	"strings"
)

// ErrUnrecognized is returned when command output is empty or contains
// neither a recognizable table header nor a single valid row. It
// usually means the router answered with an error banner or an
// unexpected prompt instead of table data.
var ErrUnrecognized = errors.New("unrecognized command output")

// macPattern matches six groups of two hex digits separated by colons
// or hyphens.
var macPattern = regexp.MustCompile(`^([0-9a-fA-F]{2}[:-]){5}[0-9a-fA-F]{2}$`)

// NormalizeMAC returns the canonical lower-case, colon-separated form
// of s. The second return value is false if s is not MAC-shaped.
func NormalizeMAC(s string) (string, bool) {
	if !macPattern.MatchString(s) {
		return "", false
	}
	return strings.ToLower(strings.ReplaceAll(s, "-", ":")), true
}

// endUserMAC reports whether a canonical MAC can belong to an end-user
// device. All-zero, broadcast, and group (multicast) addresses cannot.
func endUserMAC(mac string) bool {
	if mac == "00:00:00:00:00:00" {
		return false
	}
	first, err := strconv.ParseUint(mac[:2], 16, 8)
	if err != nil {
		return false
	}
	// I/G bit set means group address; covers ff:ff:ff:ff:ff:ff too.
	return first&0x01 == 0
}

// endUserIP reports whether ip is usable as a device address. Empty
// strings are accepted (unresolved); link-local, multicast and
// unspecified addresses are not.
func endUserIP(ip string) bool {
	if ip == "" {
		return true
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	switch {
	case addr.IsLinkLocalUnicast(), addr.IsMulticast(), addr.IsUnspecified():
		return false
	}
	return true
}

// findMAC returns the index and canonical form of the first MAC-shaped
// token, or -1 if none is present.
func findMAC(fields []string) (int, string) {
	for i, f := range fields {
		if mac, ok := NormalizeMAC(f); ok {
			return i, mac
		}
	}
	return -1, ""
}

// rowShaped reports whether fields look like a table row: an address
// leads the line (optionally after "?") and the row carries a hardware
// address or an unresolved marker. Error banners that merely mention an
// address do not qualify.
func rowShaped(fields []string) bool {
	if len(fields) < 2 {
		return false
	}
	lead := fields[0]
	if lead == "?" {
		lead = fields[1]
	}
	lead = strings.TrimSuffix(strings.TrimPrefix(lead, "("), ")")
	if _, err := netip.ParseAddr(lead); err != nil {
		return false
	}
	if idx, _ := findMAC(fields); idx >= 0 {
		return true
	}
	for _, f := range fields[1:] {
		switch strings.ToLower(strings.Trim(f, "()<>")) {
		case "incomplete", "failed":
			return true
		}
	}
	return false
}

// lines splits raw command output into lines, tolerating CRLF endings.
func lines(raw string) []string {
	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	return strings.Split(raw, "\n")
}

// isRule reports whether a line is a table separator like "-------".
func isRule(line string) bool {
	t := strings.TrimSpace(line)
	return t != "" && strings.Trim(t, "- ") == ""
}
