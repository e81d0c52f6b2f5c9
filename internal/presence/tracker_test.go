package presence

import (
	"errors"
	"testing"
	"time"

	"github.com/walljm/homeassistant-edgerouter/internal/device"
)

var t0 = time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

func seen(mac string) device.Snapshot {
	return device.Snapshot{MAC: mac, SeenInARP: true}
}

func leaseOnly(mac string) device.Snapshot {
	return device.Snapshot{MAC: mac, HasLease: true}
}

func mustAdvance(t *testing.T, prev Table, snaps []device.Snapshot, now time.Time, window time.Duration) (Table, []Transition) {
	t.Helper()
	next, tr, err := Advance(prev, snaps, now, window)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	return next, tr
}

func TestAdvance_FirstObservation(t *testing.T) {
	next, tr := mustAdvance(t, Table{}, []device.Snapshot{seen("aa:00:00:00:00:01"), leaseOnly("aa:00:00:00:00:02")}, t0, 3*time.Minute)

	if len(tr) != 0 {
		t.Errorf("first observation should not transition, got %+v", tr)
	}
	if next.Len() != 2 {
		t.Fatalf("Len = %d, want 2", next.Len())
	}

	r, _ := next.Get("aa:00:00:00:00:01")
	if r.State != Home || !r.LastSeenAt.Equal(t0) || !r.EnteredStateAt.Equal(t0) {
		t.Errorf("ARP record = %+v", r)
	}
	r, _ = next.Get("aa:00:00:00:00:02")
	if r.State != Home || !r.LastSeenAt.IsZero() || !r.EnteredStateAt.Equal(t0) {
		t.Errorf("lease-only record = %+v", r)
	}
}

func TestAdvance_AwayOnlyAfterWindow(t *testing.T) {
	const mac = "aa:00:00:00:00:01"
	window := 180 * time.Second
	interval := 30 * time.Second

	table, _ := mustAdvance(t, Table{}, []device.Snapshot{seen(mac)}, t0, window)

	var awayAt time.Duration
	for elapsed := interval; elapsed <= 10*time.Minute; elapsed += interval {
		var tr []Transition
		table, tr = mustAdvance(t, table, nil, t0.Add(elapsed), window)
		r, _ := table.Get(mac)
		if elapsed <= window && r.State != Home {
			t.Fatalf("went away at elapsed %v, window %v", elapsed, window)
		}
		if len(tr) > 0 {
			awayAt = elapsed
			break
		}
	}
	if awayAt != 210*time.Second {
		t.Errorf("away at elapsed %v, want 210s", awayAt)
	}
}

func TestAdvance_ExactlyAtWindowStaysHome(t *testing.T) {
	const mac = "aa:00:00:00:00:01"
	table, _ := mustAdvance(t, Table{}, []device.Snapshot{seen(mac)}, t0, time.Minute)
	table, tr := mustAdvance(t, table, nil, t0.Add(time.Minute), time.Minute)
	if len(tr) != 0 {
		t.Errorf("elapsed == window should stay home, got %+v", tr)
	}
	if r, _ := table.Get(mac); r.State != Home {
		t.Errorf("state = %s, want home", r.State)
	}
}

func TestAdvance_ZeroWindow(t *testing.T) {
	const mac = "aa:00:00:00:00:01"
	table, _ := mustAdvance(t, Table{}, []device.Snapshot{seen(mac)}, t0, 0)
	_, tr := mustAdvance(t, table, nil, t0.Add(time.Second), 0)
	if len(tr) != 1 || tr[0].To != Away {
		t.Errorf("zero window should leave on the next absent round, got %+v", tr)
	}
}

func TestAdvance_FlappingNeverAway(t *testing.T) {
	const mac = "aa:00:00:00:00:01"
	window := 3 * time.Minute
	interval := 30 * time.Second

	table := Table{}
	now := t0
	for i := range 40 {
		var snaps []device.Snapshot
		// present one round in four
		if i%4 == 0 {
			snaps = []device.Snapshot{seen(mac)}
		}
		var tr []Transition
		table, tr = mustAdvance(t, table, snaps, now, window)
		if len(tr) != 0 {
			t.Fatalf("round %d: unexpected transition %+v", i, tr)
		}
		now = now.Add(interval)
	}
	if r, _ := table.Get(mac); r.State != Home {
		t.Errorf("state = %s, want home", r.State)
	}
}

func TestAdvance_ReturnHome(t *testing.T) {
	const mac = "aa:00:00:00:00:01"
	table, _ := mustAdvance(t, Table{}, []device.Snapshot{seen(mac)}, t0, time.Minute)
	table, _ = mustAdvance(t, table, nil, t0.Add(2*time.Minute), time.Minute)
	if r, _ := table.Get(mac); r.State != Away {
		t.Fatalf("state = %s, want not_home", r.State)
	}

	back := t0.Add(3 * time.Minute)
	table, tr := mustAdvance(t, table, []device.Snapshot{seen(mac)}, back, time.Minute)
	if len(tr) != 1 || tr[0].From != Away || tr[0].To != Home || !tr[0].At.Equal(back) {
		t.Fatalf("transitions = %+v", tr)
	}
	r, _ := table.Get(mac)
	if !r.EnteredStateAt.Equal(back) || !r.LastSeenAt.Equal(back) {
		t.Errorf("record = %+v", r)
	}
}

func TestAdvance_LeaseOnlyDoesNotRefresh(t *testing.T) {
	const mac = "aa:00:00:00:00:01"
	table, _ := mustAdvance(t, Table{}, []device.Snapshot{seen(mac)}, t0, time.Minute)
	_, tr := mustAdvance(t, table, []device.Snapshot{leaseOnly(mac)}, t0.Add(2*time.Minute), time.Minute)
	if len(tr) != 1 || tr[0].To != Away {
		t.Errorf("lease-only sighting should not keep device home, got %+v", tr)
	}
}

func TestAdvance_LeaseOnlyFirstObservationExpires(t *testing.T) {
	const mac = "aa:00:00:00:00:03"
	table, _ := mustAdvance(t, Table{}, []device.Snapshot{leaseOnly(mac)}, t0, time.Minute)

	_, tr := mustAdvance(t, table, []device.Snapshot{leaseOnly(mac)}, t0.Add(30*time.Second), time.Minute)
	if len(tr) != 0 {
		t.Fatalf("inside window: %+v", tr)
	}
	_, tr = mustAdvance(t, table, []device.Snapshot{leaseOnly(mac)}, t0.Add(90*time.Second), time.Minute)
	if len(tr) != 1 || tr[0].To != Away {
		t.Errorf("after window: %+v", tr)
	}
}

func TestAdvance_UnknownAbsentNotCreated(t *testing.T) {
	table, _ := mustAdvance(t, Table{}, []device.Snapshot{seen("aa:00:00:00:00:01")}, t0, time.Minute)
	table, _ = mustAdvance(t, table, nil, t0.Add(time.Hour), time.Minute)
	if table.Len() != 1 {
		t.Errorf("Len = %d, want 1", table.Len())
	}
	if _, ok := table.Get("aa:00:00:00:00:99"); ok {
		t.Error("unexpected record for unseen MAC")
	}
}

func TestAdvance_DoesNotMutatePrev(t *testing.T) {
	const mac = "aa:00:00:00:00:01"
	prev, _ := mustAdvance(t, Table{}, []device.Snapshot{seen(mac)}, t0, time.Minute)
	before, _ := prev.Get(mac)

	next, _ := mustAdvance(t, prev, []device.Snapshot{seen("aa:00:00:00:00:02")}, t0.Add(time.Hour), time.Minute)

	after, _ := prev.Get(mac)
	if after != before {
		t.Errorf("prev record changed: %+v -> %+v", before, after)
	}
	if prev.Len() != 1 || next.Len() != 2 {
		t.Errorf("Len prev=%d next=%d, want 1 and 2", prev.Len(), next.Len())
	}
}

func TestAdvance_NegativeWindow(t *testing.T) {
	_, _, err := Advance(Table{}, nil, t0, -time.Second)
	if !errors.Is(err, ErrInvalidWindow) {
		t.Errorf("err = %v, want ErrInvalidWindow", err)
	}
	if _, err := NewTracker(-time.Second, nil); !errors.Is(err, ErrInvalidWindow) {
		t.Errorf("NewTracker err = %v, want ErrInvalidWindow", err)
	}
}

// Three devices: .01 and .02 in ARP, .03 lease-only. With a 180s window
// and 30s rounds, .01 leaving ARP is away at the 210s round.
func TestAdvance_WorkedExample(t *testing.T) {
	arp := []device.Snapshot{
		seen("aa:bb:cc:dd:ee:01"),
		{MAC: "aa:bb:cc:dd:ee:02", IP: "192.168.1.11", Hostname: "laptop", SeenInARP: true, HasLease: true},
		leaseOnly("aa:bb:cc:dd:ee:03"),
	}
	withoutFirst := arp[1:]

	window := 180 * time.Second
	table, _ := mustAdvance(t, Table{}, arp, t0, window)

	for elapsed := 30 * time.Second; elapsed <= 210*time.Second; elapsed += 30 * time.Second {
		var tr []Transition
		table, tr = mustAdvance(t, table, withoutFirst, t0.Add(elapsed), window)
		r, _ := table.Get("aa:bb:cc:dd:ee:01")
		switch {
		case elapsed < 210*time.Second && r.State != Home:
			t.Fatalf(".01 away early at %v", elapsed)
		case elapsed == 210*time.Second:
			if r.State != Away {
				t.Fatalf(".01 state at %v = %s, want not_home", elapsed, r.State)
			}
			found := false
			for _, x := range tr {
				if x.MAC == "aa:bb:cc:dd:ee:01" && x.To == Away {
					found = true
				}
			}
			if !found {
				t.Errorf("no away transition for .01 in %+v", tr)
			}
		}
	}

	if r, _ := table.Get("aa:bb:cc:dd:ee:02"); r.State != Home {
		t.Errorf(".02 = %s, want home", r.State)
	}
	if r, _ := table.Get("aa:bb:cc:dd:ee:03"); r.State != Away {
		t.Errorf(".03 = %s, want not_home once its window lapsed", r.State)
	}
}

func TestTracker_ComputeApply(t *testing.T) {
	tr, err := NewTracker(time.Minute, nil)
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	if tr.Current().Len() != 0 {
		t.Fatalf("new tracker not empty")
	}

	next, _ := tr.Compute([]device.Snapshot{seen("aa:00:00:00:00:01")}, t0)
	if tr.Current().Len() != 0 {
		t.Error("Compute must not install the table")
	}
	tr.Apply(next, nil)
	if tr.Current().Len() != 1 {
		t.Errorf("Len after Apply = %d, want 1", tr.Current().Len())
	}
	if tr.Current().HomeCount() != 1 {
		t.Errorf("HomeCount = %d, want 1", tr.Current().HomeCount())
	}
}

func TestTable_RecordsOrder(t *testing.T) {
	table, _ := mustAdvance(t, Table{}, []device.Snapshot{seen("aa:00:00:00:00:02"), seen("aa:00:00:00:00:01")}, t0, time.Minute)
	table, _ = mustAdvance(t, table, []device.Snapshot{seen("aa:00:00:00:00:03"), seen("aa:00:00:00:00:01")}, t0.Add(time.Second), time.Minute)

	got := table.Records()
	want := []string{"aa:00:00:00:00:02", "aa:00:00:00:00:01", "aa:00:00:00:00:03"}
	for i, mac := range want {
		if got[i].MAC != mac {
			t.Errorf("Records()[%d] = %s, want %s", i, got[i].MAC, mac)
		}
	}
}

func TestState_Display(t *testing.T) {
	if Home.Display() != "Home" || Away.Display() != "Away" {
		t.Errorf("Display = %q/%q", Home.Display(), Away.Display())
	}
}
