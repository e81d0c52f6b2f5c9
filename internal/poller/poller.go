// Package poller runs the periodic router query: one SSH session per
// round, both tables parsed and merged, presence advanced, and the
// outcome published atomically.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/walljm/homeassistant-edgerouter/internal/device"
	"github.com/walljm/homeassistant-edgerouter/internal/edgeos"
	"github.com/walljm/homeassistant-edgerouter/internal/events"
	"github.com/walljm/homeassistant-edgerouter/internal/presence"
	"github.com/walljm/homeassistant-edgerouter/internal/tables"
)

// Listener is notified at the end of every round. Callbacks run on the
// round goroutine and must not block.
type Listener interface {
	RoundComplete(res *Result)
	RoundFailed(err *RoundError)
}

// Listeners fans out to several listeners in order.
type Listeners []Listener

func (ls Listeners) RoundComplete(res *Result) {
	for _, l := range ls {
		l.RoundComplete(res)
	}
}

func (ls Listeners) RoundFailed(err *RoundError) {
	for _, l := range ls {
		l.RoundFailed(err)
	}
}

// Config configures a Poller.
type Config struct {
	// Dialer opens the per-round router session.
	Dialer edgeos.Dialer

	// Target is the router address and credentials.
	Target edgeos.Target

	// Tracker owns presence state across rounds.
	Tracker *presence.Tracker

	// Interval is the time between round starts.
	Interval time.Duration

	// RoundTimeout bounds connect plus both commands. Zero means
	// Interval.
	RoundTimeout time.Duration

	// Location is the router's time zone for lease expirations. Nil
	// means time.Local.
	Location *time.Location

	Listener Listener
	Bus      *events.Bus
	Clock    Clock
	Logger   *slog.Logger
}

// Poller periodically queries the router and advances presence. At
// most one round runs at a time, and at most one router session is
// open at a time across rounds and Exec.
type Poller struct {
	cfg Config

	session chan struct{}
	running atomic.Bool
	rounds  atomic.Uint64
	latest  atomic.Pointer[Result]
	lastErr atomic.Pointer[RoundError]
	wg      sync.WaitGroup
}

// New validates cfg and returns a Poller.
func New(cfg Config) (*Poller, error) {
	if cfg.Dialer == nil {
		return nil, errors.New("poller: dialer is required")
	}
	if cfg.Tracker == nil {
		return nil, errors.New("poller: presence tracker is required")
	}
	if cfg.Interval <= 0 {
		return nil, errors.New("poller: interval must be positive")
	}
	if cfg.RoundTimeout <= 0 {
		cfg.RoundTimeout = cfg.Interval
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Listener == nil {
		cfg.Listener = Listeners(nil)
	}
	if cfg.Clock == nil {
		cfg.Clock = realClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Poller{cfg: cfg, session: make(chan struct{}, 1)}, nil
}

// Run polls immediately and then on every tick until ctx is cancelled.
// Ticks that arrive while a round is still running are skipped. Run
// returns once the in-flight round, if any, has finished.
func (p *Poller) Run(ctx context.Context) {
	ticker := p.cfg.Clock.Ticker(p.cfg.Interval)
	defer ticker.Stop()

	p.cfg.Logger.Info("router poller started",
		"host", edgeos.Address(p.cfg.Target),
		"interval", p.cfg.Interval,
		"consider_home", p.cfg.Tracker.Window(),
	)

	p.launch(ctx)
	for {
		select {
		case <-ctx.Done():
			p.wg.Wait()
			p.cfg.Logger.Info("router poller stopped")
			return
		case <-ticker.Chan():
			p.launch(ctx)
		}
	}
}

func (p *Poller) launch(ctx context.Context) {
	if !p.running.CompareAndSwap(false, true) {
		p.cfg.Logger.Warn("poll round still running, skipping tick",
			"round", p.rounds.Load(),
			"interval", p.cfg.Interval,
		)
		p.cfg.Bus.Emit(events.SourcePoller, events.KindRoundSkipped, map[string]any{
			"round": p.rounds.Load(),
		})
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.running.Store(false)
		p.round(ctx)
	}()
}

// PollNow runs a round on the calling goroutine and returns its result.
// It returns ErrRoundInProgress without waiting if a round is running.
func (p *Poller) PollNow(ctx context.Context) (*Result, error) {
	if !p.running.CompareAndSwap(false, true) {
		return nil, ErrRoundInProgress
	}
	defer p.running.Store(false)

	res, rerr := p.round(ctx)
	if rerr != nil {
		return nil, rerr
	}
	return res, nil
}

// Exec runs fn in its own router session once no other session is
// open. It is for commands outside the poll round, like "show version".
func (p *Poller) Exec(ctx context.Context, fn func(edgeos.Session) error) error {
	if err := p.acquireSession(ctx); err != nil {
		return err
	}
	defer p.releaseSession()
	return edgeos.WithSession(ctx, p.cfg.Dialer, p.cfg.Target, fn)
}

func (p *Poller) acquireSession(ctx context.Context) error {
	select {
	case p.session <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Poller) releaseSession() { <-p.session }

// Latest returns the last published result, or nil before the first
// successful round.
func (p *Poller) Latest() *Result { return p.latest.Load() }

// LastError returns the error of the most recent round, or nil if it
// succeeded.
func (p *Poller) LastError() *RoundError { return p.lastErr.Load() }

// InFlight reports whether a round is running.
func (p *Poller) InFlight() bool { return p.running.Load() }

// Rounds returns the number of rounds started.
func (p *Poller) Rounds() uint64 { return p.rounds.Load() }

// round performs one query. Nothing is published unless every step
// succeeds.
func (p *Poller) round(ctx context.Context) (*Result, *RoundError) {
	n := p.rounds.Add(1)
	start := p.cfg.Clock.Now()
	log := p.cfg.Logger.With("round", n)

	rctx, cancel := context.WithTimeout(ctx, p.cfg.RoundTimeout)
	defer cancel()

	if err := p.acquireSession(rctx); err != nil {
		return nil, p.fail(n, start, err)
	}
	var outputs map[edgeos.Command]string
	err := edgeos.WithSession(rctx, p.cfg.Dialer, p.cfg.Target, func(s edgeos.Session) error {
		var err error
		outputs, err = edgeos.Collect(rctx, s, edgeos.ShowARP, edgeos.ShowDHCPLeases)
		return err
	})
	p.releaseSession()
	if err != nil {
		return nil, p.fail(n, start, err)
	}

	arp, err := tables.ParseARP(outputs[edgeos.ShowARP])
	if err != nil {
		return nil, p.fail(n, start, err)
	}
	leases, err := tables.ParseLeases(outputs[edgeos.ShowDHCPLeases], start, p.cfg.Location)
	if err != nil {
		return nil, p.fail(n, start, err)
	}
	if arp.Dropped > 0 || leases.Dropped > 0 {
		log.Debug("skipped router table rows",
			"arp_dropped", arp.Dropped,
			"lease_dropped", leases.Dropped,
		)
	}

	snaps := device.Reconcile(arp.Entries, leases.Entries)
	next, transitions := p.cfg.Tracker.Compute(snaps, start)

	if err := ctx.Err(); err != nil {
		return nil, p.fail(n, start, err)
	}

	res := buildResult(n, start, snaps, next, p.latest.Load())
	res.Transitions = transitions
	res.Counts.ARPEntries = len(arp.Entries)
	res.Counts.Leases = len(leases.Entries)
	res.Counts.Dropped = arp.Dropped + leases.Dropped
	res.Elapsed = p.cfg.Clock.Now().Sub(start)

	p.cfg.Tracker.Apply(next, transitions)
	p.latest.Store(res)
	p.lastErr.Store(nil)

	log.Debug("poll round complete",
		"devices", res.Counts.Total,
		"arp_entries", res.Counts.ARPEntries,
		"leases", res.Counts.Leases,
		"home", res.Counts.Home,
		"elapsed", res.Elapsed,
	)
	p.cfg.Bus.Emit(events.SourcePoller, events.KindRoundComplete, map[string]any{
		"round":       n,
		"devices":     res.Counts.Total,
		"arp_entries": res.Counts.ARPEntries,
		"leases":      res.Counts.Leases,
		"home":        res.Counts.Home,
		"elapsed_ms":  res.Elapsed.Milliseconds(),
	})
	for _, t := range transitions {
		p.cfg.Bus.Emit(events.SourcePresence, events.KindPresenceChanged, map[string]any{
			"mac":  t.MAC,
			"from": string(t.From),
			"to":   string(t.To),
		})
	}

	p.cfg.Listener.RoundComplete(res)
	return res, nil
}

func (p *Poller) fail(n uint64, at time.Time, err error) *RoundError {
	rerr := &RoundError{Round: n, At: at, Kind: classify(err), Err: err}
	p.lastErr.Store(rerr)

	level := slog.LevelWarn
	switch rerr.Kind {
	case KindAuth:
		level = slog.LevelError
	case KindCanceled:
		level = slog.LevelDebug
	}
	p.cfg.Logger.Log(context.Background(), level, "poll round failed",
		"round", n,
		"kind", rerr.Kind,
		"retryable", rerr.Retryable(),
		"error", err,
	)
	p.cfg.Bus.Emit(events.SourcePoller, events.KindRoundFailed, map[string]any{
		"round":     n,
		"kind":      string(rerr.Kind),
		"retryable": rerr.Retryable(),
		"error":     err.Error(),
	})

	p.cfg.Listener.RoundFailed(rerr)
	return rerr
}
