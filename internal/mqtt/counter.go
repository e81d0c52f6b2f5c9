package mqtt

import (
	"sync"
	"time"
)

// DailyCounter counts events since local midnight. It backs the
// poll_failures_today sensor.
type DailyCounter struct {
	mu       sync.Mutex
	loc      *time.Location
	now      func() time.Time
	count    int64
	resetDay int
}

// NewDailyCounter creates a counter that resets at midnight in loc.
// A nil loc means time.Local.
func NewDailyCounter(loc *time.Location) *DailyCounter {
	if loc == nil {
		loc = time.Local
	}
	d := &DailyCounter{loc: loc, now: time.Now}
	d.resetDay = d.now().In(loc).YearDay()
	return d
}

// Inc records one event. If the local date has changed since the last
// event, the count is reset first.
func (d *DailyCounter) Inc() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	d.count++
}

// Value returns today's count after checking for midnight rollover.
func (d *DailyCounter) Value() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	return d.count
}

// maybeReset zeroes the count if the local day-of-year has changed.
// Must be called with d.mu held.
func (d *DailyCounter) maybeReset() {
	today := d.now().In(d.loc).YearDay()
	if today != d.resetDay {
		d.count = 0
		d.resetDay = today
	}
}
