package tables

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Expiry is a DHCP lease expiration. It is either an absolute time, the
// static marker for infinite leases, or the zero value when the router
// did not report one.
type Expiry struct {
	At     time.Time
	Static bool
}

// StaticExpiry returns the marker for a lease that never expires.
func StaticExpiry() Expiry { return Expiry{Static: true} }

// IsZero reports whether no expiration is known.
func (e Expiry) IsZero() bool { return !e.Static && e.At.IsZero() }

// String renders the expiry as RFC 3339, "static", or "" when unknown.
func (e Expiry) String() string {
	switch {
	case e.Static:
		return "static"
	case e.At.IsZero():
		return ""
	default:
		return e.At.Format(time.RFC3339)
	}
}

// MarshalJSON encodes unknown expiries as null.
func (e Expiry) MarshalJSON() ([]byte, error) {
	if e.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(e.String())
}

// LeaseEntry is one row of the router's DHCP lease table.
type LeaseEntry struct {
	MAC      string `json:"mac"`
	IP       string `json:"ip"`
	Hostname string `json:"hostname,omitempty"`
	Expires  Expiry `json:"expires"`
	Pool     string `json:"pool,omitempty"`
}

// LeaseResult holds the accepted entries of a lease table parse and the
// number of skipped lines.
type LeaseResult struct {
	Entries []LeaseEntry
	Dropped int
}

const (
	leaseMinFields   = 2
	leaseStampLayout = "2006/01/02 15:04:05"
)

var (
	leaseDate = regexp.MustCompile(`^\d{4}/\d{2}/\d{2}$`)
	leaseTime = regexp.MustCompile(`^\d{2}:\d{2}:\d{2}$`)
	// remaining-time forms like "1d02:03:04" or "02:03:04"
	leaseRemaining = regexp.MustCompile(`^(?:(\d+)d)?(\d{1,2}):(\d{2}):(\d{2})$`)
)

// ParseLeases parses "show dhcp leases" output:
//
//	IP address      Hardware Address   Lease expiration     Pool   Client Name
//	----------      ----------------   ----------------     ----   -----------
//	192.168.1.20    aa:bb:cc:dd:ee:02  2024/01/15 10:30:00  LAN    laptop
//
// Absolute expirations are interpreted in loc (nil means time.Local).
// Remaining-time expirations are resolved against sampledAt. A client
// name of "?" is treated as unknown.
func ParseLeases(raw string, sampledAt time.Time, loc *time.Location) (LeaseResult, error) {
	var res LeaseResult
	if loc == nil {
		loc = time.Local
	}
	if strings.TrimSpace(raw) == "" {
		return res, fmt.Errorf("lease table: empty output: %w", ErrUnrecognized)
	}

	recognized := false
	for _, line := range lines(raw) {
		if strings.TrimSpace(line) == "" || isRule(line) {
			continue
		}
		if isLeaseHeader(line) {
			recognized = true
			continue
		}

		fields := strings.Fields(line)
		if rowShaped(fields) {
			recognized = true
		}
		ip := addressField(fields)

		if len(fields) < leaseMinFields {
			res.Dropped++
			continue
		}
		idx, mac := findMAC(fields)
		if idx < 0 || !endUserMAC(mac) || !endUserIP(ip) {
			res.Dropped++
			continue
		}

		rest := fields[idx+1:]
		expires, used := parseExpiry(rest, sampledAt, loc)
		rest = rest[used:]

		entry := LeaseEntry{MAC: mac, IP: ip, Expires: expires}
		if len(rest) > 0 {
			entry.Pool = rest[0]
		}
		if len(rest) > 1 {
			if name := strings.Join(rest[1:], " "); name != "?" {
				entry.Hostname = name
			}
		}
		res.Entries = append(res.Entries, entry)
	}

	if !recognized && len(res.Entries) == 0 {
		return res, fmt.Errorf("lease table: no header or rows found: %w", ErrUnrecognized)
	}
	return res, nil
}

func isLeaseHeader(line string) bool {
	l := strings.ToLower(line)
	return strings.Contains(l, "hardware address") ||
		strings.Contains(l, "lease expiration") ||
		strings.Contains(l, "client name")
}

// parseExpiry consumes the expiration columns at the start of fields
// and reports how many tokens it used. Unparseable values use none, so
// the caller treats them as the pool column.
func parseExpiry(fields []string, sampledAt time.Time, loc *time.Location) (Expiry, int) {
	if len(fields) == 0 {
		return Expiry{}, 0
	}

	if len(fields) >= 2 && leaseDate.MatchString(fields[0]) && leaseTime.MatchString(fields[1]) {
		at, err := time.ParseInLocation(leaseStampLayout, fields[0]+" "+fields[1], loc)
		if err != nil {
			return Expiry{}, 2
		}
		return Expiry{At: at}, 2
	}

	switch strings.ToLower(fields[0]) {
	case "never", "infinite", "infinity", "static", "forever":
		return StaticExpiry(), 1
	}

	if d, ok := parseRemaining(fields[0]); ok {
		return Expiry{At: sampledAt.Add(d)}, 1
	}
	return Expiry{}, 0
}

// parseRemaining understands "1d02:03:04", "02:03:04" and Go duration
// strings with an explicit unit ("2h30m").
func parseRemaining(s string) (time.Duration, bool) {
	if m := leaseRemaining.FindStringSubmatch(s); m != nil {
		var days int
		if m[1] != "" {
			days, _ = strconv.Atoi(m[1])
		}
		h, _ := strconv.Atoi(m[2])
		mins, _ := strconv.Atoi(m[3])
		sec, _ := strconv.Atoi(m[4])
		return time.Duration(days)*24*time.Hour +
			time.Duration(h)*time.Hour +
			time.Duration(mins)*time.Minute +
			time.Duration(sec)*time.Second, true
	}
	if strings.IndexAny(s, "hms") < 0 {
		return 0, false
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, false
	}
	return d, true
}
