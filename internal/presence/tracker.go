// Package presence derives a debounced home/away state for every
// hardware address the router has reported.
//
// A device is home while it appears in the ARP table. Once it drops
// out, it stays home until the consider-home window has elapsed since
// it was last seen, which absorbs the short gaps phones and sleeping
// laptops leave in ARP.
package presence

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/walljm/homeassistant-edgerouter/internal/device"
)

// ErrInvalidWindow is returned for a negative consider-home window.
var ErrInvalidWindow = errors.New("presence: consider-home window must not be negative")

// State is a device presence state. The string values are the ones
// Home Assistant expects for device_tracker entities.
type State string

const (
	Home State = "home"
	Away State = "not_home"
)

// Display returns "Home" or "Away".
func (s State) Display() string {
	if s == Away {
		return "Away"
	}
	return "Home"
}

// Record is the tracked presence of one MAC.
type Record struct {
	MAC   string `json:"mac"`
	State State  `json:"state"`
	// LastSeenAt is the last round the MAC appeared in ARP. It is zero
	// for a device only ever reported through a DHCP lease.
	LastSeenAt     time.Time `json:"last_seen_at"`
	EnteredStateAt time.Time `json:"entered_state_at"`
}

// lastActivity is the reference point for the consider-home window.
func (r Record) lastActivity() time.Time {
	if r.LastSeenAt.IsZero() {
		return r.EnteredStateAt
	}
	return r.LastSeenAt
}

// Transition records one state change.
type Transition struct {
	MAC  string    `json:"mac"`
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}

// Table is an immutable mac → Record map that remembers the order in
// which devices were first observed. The zero value is an empty table.
type Table struct {
	records map[string]Record
	order   []string
}

// Len returns the number of tracked devices.
func (t Table) Len() int { return len(t.order) }

// Get returns the record for mac.
func (t Table) Get(mac string) (Record, bool) {
	r, ok := t.records[mac]
	return r, ok
}

// Records returns a copy of every record in first-observed order.
func (t Table) Records() []Record {
	out := make([]Record, 0, len(t.order))
	for _, mac := range t.order {
		out = append(out, t.records[mac])
	}
	return out
}

// HomeCount returns the number of devices currently home.
func (t Table) HomeCount() int {
	n := 0
	for _, r := range t.records {
		if r.State == Home {
			n++
		}
	}
	return n
}

// Advance applies one round of snapshots taken at now to prev and
// returns the resulting table plus the transitions it caused. prev is
// not modified.
//
// Devices seen in ARP are refreshed and come home. Every other tracked
// device goes away once now is more than window past its last ARP
// sighting. The boundary is inclusive-home: a device last seen exactly
// window ago is still home, where the older Home Assistant integration
// already reported it away. Devices in snaps that are not yet tracked
// start out home.
func Advance(prev Table, snaps []device.Snapshot, now time.Time, window time.Duration) (Table, []Transition, error) {
	if window < 0 {
		return prev, nil, fmt.Errorf("%w: %v", ErrInvalidWindow, window)
	}

	next := Table{
		records: make(map[string]Record, len(prev.records)+len(snaps)),
		order:   make([]string, len(prev.order), len(prev.order)+len(snaps)),
	}
	copy(next.order, prev.order)
	for mac, r := range prev.records {
		next.records[mac] = r
	}

	var transitions []Transition
	observed := make(map[string]struct{}, len(snaps))

	for _, s := range snaps {
		observed[s.MAC] = struct{}{}
		r, known := next.records[s.MAC]
		if !known {
			r = Record{MAC: s.MAC, State: Home, EnteredStateAt: now}
			if s.SeenInARP {
				r.LastSeenAt = now
			}
			next.records[s.MAC] = r
			next.order = append(next.order, s.MAC)
			continue
		}

		if s.SeenInARP {
			r.LastSeenAt = now
			if r.State == Away {
				transitions = append(transitions, Transition{MAC: s.MAC, From: Away, To: Home, At: now})
				r.State = Home
				r.EnteredStateAt = now
			}
			next.records[s.MAC] = r
			continue
		}

		if t, ok := expire(&r, now, window); ok {
			transitions = append(transitions, t)
			next.records[s.MAC] = r
		}
	}

	for _, mac := range prev.order {
		if _, ok := observed[mac]; ok {
			continue
		}
		r := next.records[mac]
		if t, ok := expire(&r, now, window); ok {
			transitions = append(transitions, t)
			next.records[mac] = r
		}
	}

	return next, transitions, nil
}

// expire moves a home record away when its window has lapsed.
func expire(r *Record, now time.Time, window time.Duration) (Transition, bool) {
	if r.State != Home || now.Sub(r.lastActivity()) <= window {
		return Transition{}, false
	}
	r.State = Away
	r.EnteredStateAt = now
	return Transition{MAC: r.MAC, From: Home, To: Away, At: now}, true
}

// Tracker owns the current presence table across rounds. Readers get
// the table that was current when they asked; Apply replaces it
// atomically.
type Tracker struct {
	window time.Duration
	table  atomic.Pointer[Table]
	logger *slog.Logger
}

// NewTracker creates a tracker with an empty table.
func NewTracker(window time.Duration, logger *slog.Logger) (*Tracker, error) {
	if window < 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWindow, window)
	}
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{window: window, logger: logger}
	t.table.Store(&Table{})
	return t, nil
}

// Window returns the consider-home window.
func (t *Tracker) Window() time.Duration { return t.window }

// Current returns the current table.
func (t *Tracker) Current() Table { return *t.table.Load() }

// Compute advances the current table without installing the result.
// Callers that may still abandon the round install it later with
// Apply.
func (t *Tracker) Compute(snaps []device.Snapshot, now time.Time) (Table, []Transition) {
	// window is validated by NewTracker
	next, transitions, _ := Advance(t.Current(), snaps, now, t.window)
	return next, transitions
}

// Apply installs next as the current table and logs its transitions.
func (t *Tracker) Apply(next Table, transitions []Transition) {
	t.table.Store(&next)
	for _, tr := range transitions {
		t.logger.Info("presence changed",
			"mac", tr.MAC,
			"from", tr.From,
			"to", tr.To,
		)
	}
}
