// Package device merges the router's ARP and DHCP lease tables into one
// record per hardware address.
package device

import "github.com/walljm/homeassistant-edgerouter/internal/tables"

// Connection types reported for a snapshot.
const (
	ConnectionDHCP         = "dhcp"          // in ARP with a lease
	ConnectionStatic       = "static"        // in ARP, no lease
	ConnectionDHCPInactive = "dhcp_inactive" // lease only
)

// Snapshot is the merged view of one MAC for a single poll.
type Snapshot struct {
	MAC          string        `json:"mac"`
	IP           string        `json:"ip,omitempty"`
	Hostname     string        `json:"hostname,omitempty"`
	Interface    string        `json:"interface,omitempty"`
	LeaseExpires tables.Expiry `json:"lease_expires"`
	HasLease     bool          `json:"has_lease"`
	SeenInARP    bool          `json:"seen_in_arp"`
}

// ConnectionType classifies how the device is attached.
func (s Snapshot) ConnectionType() string {
	switch {
	case s.SeenInARP && s.HasLease:
		return ConnectionDHCP
	case s.SeenInARP:
		return ConnectionStatic
	default:
		return ConnectionDHCPInactive
	}
}

// Name returns the best display name: hostname, then IP, then MAC.
func (s Snapshot) Name() string {
	if s.Hostname != "" {
		return s.Hostname
	}
	if s.IP != "" {
		return s.IP
	}
	return s.MAC
}

// Reconcile merges ARP and lease entries keyed by MAC.
//
// ARP entries seed the result and their IP always wins, since ARP
// reflects current traffic while a lease may be stale. Lease data only
// fills in a hostname or expiration the ARP-sourced snapshot lacks.
// Lease-only MACs are appended with SeenInARP false.
//
// Output order is ARP-derived snapshots in first-occurrence order,
// then lease-only snapshots in first-occurrence order. When a MAC
// repeats within one source, the later row's values replace the
// earlier ones but the first position is kept.
func Reconcile(arp []tables.ARPEntry, leases []tables.LeaseEntry) []Snapshot {
	out := make([]Snapshot, 0, len(arp)+len(leases))
	index := make(map[string]int, len(arp)+len(leases))

	for _, e := range arp {
		if i, ok := index[e.MAC]; ok {
			out[i].IP = e.IP
			out[i].Interface = e.Interface
			continue
		}
		index[e.MAC] = len(out)
		out = append(out, Snapshot{
			MAC:       e.MAC,
			IP:        e.IP,
			Interface: e.Interface,
			SeenInARP: true,
		})
	}

	for _, l := range lastLeases(leases) {
		i, ok := index[l.MAC]
		if !ok {
			index[l.MAC] = len(out)
			out = append(out, Snapshot{
				MAC:          l.MAC,
				IP:           l.IP,
				Hostname:     l.Hostname,
				LeaseExpires: l.Expires,
				HasLease:     true,
			})
			continue
		}

		s := &out[i]
		s.HasLease = true
		if s.Hostname == "" {
			s.Hostname = l.Hostname
		}
		if s.LeaseExpires.IsZero() {
			s.LeaseExpires = l.Expires
		}
		if s.IP == "" {
			s.IP = l.IP
		}
	}

	return out
}

// lastLeases collapses repeated MACs, keeping the first position and
// the last row's values.
func lastLeases(leases []tables.LeaseEntry) []tables.LeaseEntry {
	out := make([]tables.LeaseEntry, 0, len(leases))
	pos := make(map[string]int, len(leases))
	for _, l := range leases {
		if i, ok := pos[l.MAC]; ok {
			out[i] = l
			continue
		}
		pos[l.MAC] = len(out)
		out = append(out, l)
	}
	return out
}

// Counts returns the number of snapshots seen in ARP and the number
// holding a lease.
func Counts(snaps []Snapshot) (arp, leases int) {
	for _, s := range snaps {
		if s.SeenInARP {
			arp++
		}
		if s.HasLease {
			leases++
		}
	}
	return arp, leases
}
