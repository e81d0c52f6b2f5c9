package poller

import (
	"time"

	"github.com/walljm/homeassistant-edgerouter/internal/device"
	"github.com/walljm/homeassistant-edgerouter/internal/presence"
)

// Device is one tracked MAC as of a round. Observed is false when the
// MAC was absent from both router tables; Snapshot then holds the last
// data reported for it with SeenInARP cleared.
type Device struct {
	Snapshot device.Snapshot `json:"snapshot"`
	Record   presence.Record `json:"presence"`
	Observed bool            `json:"observed"`
}

// Counts summarizes a round.
type Counts struct {
	Total      int `json:"total"`
	ARPEntries int `json:"arp_entries"`
	Leases     int `json:"leases"`
	Home       int `json:"home"`
	Dropped    int `json:"dropped"`
}

// Result is the published outcome of a successful round. It is never
// modified after publication.
type Result struct {
	Round       uint64                `json:"round"`
	TakenAt     time.Time             `json:"taken_at"`
	Elapsed     time.Duration         `json:"elapsed"`
	Devices     []Device              `json:"devices"`
	Counts      Counts                `json:"counts"`
	Transitions []presence.Transition `json:"transitions,omitempty"`
}

// Device returns the entry for mac.
func (r *Result) Device(mac string) (Device, bool) {
	for _, d := range r.Devices {
		if d.Snapshot.MAC == mac {
			return d, true
		}
	}
	return Device{}, false
}

// Home returns the devices currently home.
func (r *Result) Home() []Device {
	var out []Device
	for _, d := range r.Devices {
		if d.Record.State == presence.Home {
			out = append(out, d)
		}
	}
	return out
}

// buildResult joins this round's snapshots with the presence table.
// Tracked MACs missing from snaps reuse their snapshot from prev.
func buildResult(round uint64, takenAt time.Time, snaps []device.Snapshot, table presence.Table, prev *Result) *Result {
	current := make(map[string]device.Snapshot, len(snaps))
	for _, s := range snaps {
		current[s.MAC] = s
	}
	var earlier map[string]device.Snapshot
	if prev != nil {
		earlier = make(map[string]device.Snapshot, len(prev.Devices))
		for _, d := range prev.Devices {
			earlier[d.Snapshot.MAC] = d.Snapshot
		}
	}

	records := table.Records()
	res := &Result{
		Round:   round,
		TakenAt: takenAt,
		Devices: make([]Device, 0, len(records)),
	}
	for _, rec := range records {
		d := Device{Record: rec}
		if s, ok := current[rec.MAC]; ok {
			d.Snapshot = s
			d.Observed = true
		} else {
			s := earlier[rec.MAC]
			s.MAC = rec.MAC
			s.SeenInARP = false
			d.Snapshot = s
		}
		if rec.State == presence.Home {
			res.Counts.Home++
		}
		res.Devices = append(res.Devices, d)
	}
	res.Counts.Total = len(res.Devices)
	return res
}
