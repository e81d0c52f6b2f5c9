package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/walljm/homeassistant-edgerouter/internal/connwatch"
	"github.com/walljm/homeassistant-edgerouter/internal/device"
	"github.com/walljm/homeassistant-edgerouter/internal/events"
	"github.com/walljm/homeassistant-edgerouter/internal/poller"
	"github.com/walljm/homeassistant-edgerouter/internal/presence"
)

type fakePoller struct {
	mu       sync.Mutex
	latest   *poller.Result
	lastErr  *poller.RoundError
	inFlight bool
	rounds   uint64
	pollErr  error
	polls    int
	started  chan struct{} // when set, PollNow blocks until its ctx ends
}

func (f *fakePoller) Latest() *poller.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latest
}

func (f *fakePoller) LastError() *poller.RoundError {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastErr
}

func (f *fakePoller) InFlight() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inFlight
}

func (f *fakePoller) Rounds() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rounds
}

func (f *fakePoller) PollNow(ctx context.Context) (*poller.Result, error) {
	f.mu.Lock()
	f.polls++
	started := f.started
	f.mu.Unlock()
	if started != nil {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pollErr != nil {
		return nil, f.pollErr
	}
	f.rounds++
	return f.latest, nil
}

type fakeHealth map[string]connwatch.ServiceStatus

func (f fakeHealth) Status() map[string]connwatch.ServiceStatus { return f }

var t0 = time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

func testResult() *poller.Result {
	return &poller.Result{
		Round:   3,
		TakenAt: t0,
		Devices: []poller.Device{
			{
				Snapshot: device.Snapshot{MAC: "aa:bb:cc:dd:ee:01", IP: "192.168.1.10", SeenInARP: true},
				Record:   presence.Record{MAC: "aa:bb:cc:dd:ee:01", State: presence.Home, LastSeenAt: t0, EnteredStateAt: t0},
				Observed: true,
			},
			{
				Snapshot: device.Snapshot{MAC: "aa:bb:cc:dd:ee:02", Hostname: "laptop", HasLease: true},
				Record:   presence.Record{MAC: "aa:bb:cc:dd:ee:02", State: presence.Away, EnteredStateAt: t0},
			},
		},
		Counts: poller.Counts{Total: 2, ARPEntries: 1, Leases: 1, Home: 1},
	}
}

func newTestServer(t *testing.T, p *fakePoller, health HealthSource, bus *events.Bus) (*Server, *httptest.Server) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewServer("127.0.0.1", 0, p, health, bus, logger)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("GET %s Content-Type = %q", url, ct)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
	return resp.StatusCode
}

func TestRoot(t *testing.T) {
	_, ts := newTestServer(t, &fakePoller{}, nil, nil)

	var body map[string]string
	if code := getJSON(t, ts.URL+"/", &body); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if body["name"] != "edgetrack" || body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestUnknownPath(t *testing.T) {
	_, ts := newTestServer(t, &fakePoller{}, nil, nil)
	resp, err := http.Get(ts.URL + "/nope")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestVersion(t *testing.T) {
	_, ts := newTestServer(t, &fakePoller{}, nil, nil)

	var body map[string]string
	getJSON(t, ts.URL+"/v1/version", &body)
	if body["version"] == "" || body["go_version"] == "" {
		t.Errorf("body = %v", body)
	}
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		health     HealthSource
		poller     *fakePoller
		wantCode   int
		wantStatus string
	}{
		{
			name:       "no watchers",
			poller:     &fakePoller{latest: testResult()},
			wantCode:   http.StatusOK,
			wantStatus: "healthy",
		},
		{
			name:       "router up",
			health:     fakeHealth{"router": {Name: "router", Ready: true}},
			poller:     &fakePoller{latest: testResult()},
			wantCode:   http.StatusOK,
			wantStatus: "healthy",
		},
		{
			name:       "router down",
			health:     fakeHealth{"router": {Name: "router", LastError: "connection refused"}},
			poller:     &fakePoller{},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "router_unreachable",
		},
		{
			name:   "last round failed",
			health: fakeHealth{"router": {Name: "router", Ready: true}},
			poller: &fakePoller{
				latest:  testResult(),
				lastErr: &poller.RoundError{Round: 4, Kind: poller.KindAuth, Err: errors.New("denied")},
			},
			wantCode:   http.StatusOK,
			wantStatus: "degraded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ts := newTestServer(t, tt.poller, tt.health, nil)
			var body map[string]any
			if code := getJSON(t, ts.URL+"/health", &body); code != tt.wantCode {
				t.Errorf("status code = %d, want %d", code, tt.wantCode)
			}
			if body["status"] != tt.wantStatus {
				t.Errorf("status = %v, want %q", body["status"], tt.wantStatus)
			}
		})
	}
}

func TestDevices(t *testing.T) {
	_, ts := newTestServer(t, &fakePoller{latest: testResult()}, nil, nil)

	var body devicesResponse
	getJSON(t, ts.URL+"/v1/devices", &body)
	if body.Round != 3 || len(body.Devices) != 2 {
		t.Fatalf("body = %+v", body)
	}
	if body.Devices[0].Snapshot.MAC != "aa:bb:cc:dd:ee:01" {
		t.Errorf("first device = %+v", body.Devices[0])
	}

	body = devicesResponse{}
	getJSON(t, ts.URL+"/v1/devices?state=not_home", &body)
	if len(body.Devices) != 1 || body.Devices[0].Snapshot.MAC != "aa:bb:cc:dd:ee:02" {
		t.Errorf("filtered devices = %+v", body.Devices)
	}
}

func TestDevices_BadFilter(t *testing.T) {
	_, ts := newTestServer(t, &fakePoller{latest: testResult()}, nil, nil)
	var body map[string]any
	if code := getJSON(t, ts.URL+"/v1/devices?state=gone", &body); code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", code)
	}
}

func TestDevices_BeforeFirstRound(t *testing.T) {
	_, ts := newTestServer(t, &fakePoller{}, nil, nil)

	resp, err := http.Get(ts.URL + "/v1/devices")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(raw), `"devices":[]`) {
		t.Errorf("body = %s, want empty devices array", raw)
	}
}

func TestDevice(t *testing.T) {
	_, ts := newTestServer(t, &fakePoller{latest: testResult()}, nil, nil)

	tests := []struct {
		name     string
		mac      string
		wantCode int
	}{
		{"canonical", "aa:bb:cc:dd:ee:02", http.StatusOK},
		{"upper dashes", "AA-BB-CC-DD-EE-02", http.StatusOK},
		{"unknown", "aa:bb:cc:dd:ee:99", http.StatusNotFound},
		{"malformed", "not-a-mac", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body map[string]any
			if code := getJSON(t, ts.URL+"/v1/devices/"+tt.mac, &body); code != tt.wantCode {
				t.Errorf("status = %d, want %d (body %v)", code, tt.wantCode, body)
			}
		})
	}
}

func TestDevice_BeforeFirstRound(t *testing.T) {
	_, ts := newTestServer(t, &fakePoller{}, nil, nil)
	var body map[string]any
	if code := getJSON(t, ts.URL+"/v1/devices/aa:bb:cc:dd:ee:01", &body); code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", code)
	}
}

func TestSummary(t *testing.T) {
	p := &fakePoller{
		latest:  testResult(),
		rounds:  4,
		lastErr: &poller.RoundError{Round: 4, Kind: poller.KindConnection, Err: errors.New("refused")},
	}
	_, ts := newTestServer(t, p, nil, nil)

	var body summaryResponse
	getJSON(t, ts.URL+"/v1/summary", &body)
	if body.Round != 3 || body.Attempts != 4 {
		t.Errorf("round/attempts = %d/%d, want 3/4", body.Round, body.Attempts)
	}
	if body.Counts.Home != 1 || body.Counts.Total != 2 {
		t.Errorf("counts = %+v", body.Counts)
	}
	if body.LastRound == nil || body.LastRound.OK || body.LastRound.Kind != poller.KindConnection || !body.LastRound.Retryable {
		t.Errorf("last round = %+v", body.LastRound)
	}
}

func TestLastRound(t *testing.T) {
	res := testResult()
	older := &poller.RoundError{Round: 2, Kind: poller.KindCommand}

	if got := lastRound(nil, nil); got != nil {
		t.Errorf("lastRound(nil, nil) = %+v", got)
	}
	if got := lastRound(res, older); got == nil || !got.OK || got.Round != 3 {
		t.Errorf("older failure: %+v", got)
	}
	if got := lastRound(nil, older); got == nil || got.OK {
		t.Errorf("only failure: %+v", got)
	}
}

func TestRefresh(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantType string
	}{
		{"ok", nil, http.StatusOK, ""},
		{"in progress", poller.ErrRoundInProgress, http.StatusConflict, "round_in_progress"},
		{"round failed", &poller.RoundError{Round: 5, Kind: poller.KindAuth, Err: errors.New("denied")}, http.StatusBadGateway, "auth"},
		{"other", errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakePoller{latest: testResult(), pollErr: tt.err}
			_, ts := newTestServer(t, p, nil, nil)

			resp, err := http.Post(ts.URL+"/v1/refresh", "application/json", nil)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.wantCode {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantCode)
			}
			p.mu.Lock()
			polls := p.polls
			p.mu.Unlock()
			if polls != 1 {
				t.Errorf("PollNow called %d times, want 1", polls)
			}
			if tt.wantType == "" {
				return
			}
			var body struct {
				Error struct {
					Type string `json:"type"`
				} `json:"error"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatal(err)
			}
			if body.Error.Type != tt.wantType {
				t.Errorf("error type = %q, want %q", body.Error.Type, tt.wantType)
			}
		})
	}
}

func TestRefresh_ShutdownAbortsRound(t *testing.T) {
	p := &fakePoller{started: make(chan struct{})}
	s, ts := newTestServer(t, p, nil, nil)

	done := make(chan int, 1)
	go func() {
		resp, err := http.Post(ts.URL+"/v1/refresh", "application/json", nil)
		if err != nil {
			done <- 0
			return
		}
		resp.Body.Close()
		done <- resp.StatusCode
	}()

	<-p.started
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	select {
	case code := <-done:
		if code == http.StatusOK {
			t.Errorf("status = %d after shutdown, want an error", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("refresh round not aborted by Shutdown")
	}
}

func TestRefresh_WrongMethod(t *testing.T) {
	_, ts := newTestServer(t, &fakePoller{}, nil, nil)
	resp, err := http.Get(ts.URL + "/v1/refresh")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", resp.StatusCode)
	}
}

func dialEvents(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) events.Event {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var e events.Event
	if err := conn.ReadJSON(&e); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return e
}

func TestEvents_BacklogThenLive(t *testing.T) {
	bus := events.New(8)
	bus.Emit(events.SourcePoller, events.KindRoundComplete, map[string]any{"round": 1})
	_, ts := newTestServer(t, &fakePoller{}, nil, bus)

	conn := dialEvents(t, ts, "")
	if e := readEvent(t, conn); e.Kind != events.KindRoundComplete {
		t.Errorf("backlog event = %+v", e)
	}

	waitForSubscriber(t, bus)
	bus.Emit(events.SourcePresence, events.KindPresenceChanged, map[string]any{"mac": "aa:bb:cc:dd:ee:01"})
	e := readEvent(t, conn)
	if e.Source != events.SourcePresence || e.Kind != events.KindPresenceChanged {
		t.Errorf("live event = %+v", e)
	}
	if e.Data["mac"] != "aa:bb:cc:dd:ee:01" {
		t.Errorf("live event data = %v", e.Data)
	}
}

func TestEvents_NoBacklog(t *testing.T) {
	bus := events.New(8)
	bus.Emit(events.SourcePoller, events.KindRoundComplete, nil)
	_, ts := newTestServer(t, &fakePoller{}, nil, bus)

	conn := dialEvents(t, ts, "?backlog=false")
	waitForSubscriber(t, bus)
	bus.Emit(events.SourcePoller, events.KindRoundFailed, nil)

	if e := readEvent(t, conn); e.Kind != events.KindRoundFailed {
		t.Errorf("first event = %+v, want round_failed", e)
	}
}

func TestEvents_UnsubscribeOnClose(t *testing.T) {
	bus := events.New(0)
	_, ts := newTestServer(t, &fakePoller{}, nil, bus)

	conn := dialEvents(t, ts, "")
	waitForSubscriber(t, bus)
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for bus.SubscriberCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscription not released after client closed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEvents_Shutdown(t *testing.T) {
	bus := events.New(0)
	s, ts := newTestServer(t, &fakePoller{}, nil, bus)

	conn := dialEvents(t, ts, "")
	waitForSubscriber(t, bus)
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("read after shutdown = %v, want going-away close", err)
	}
}

func TestEvents_Disabled(t *testing.T) {
	_, ts := newTestServer(t, &fakePoller{}, nil, nil)
	resp, err := http.Get(ts.URL + "/v1/events")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func waitForSubscriber(t *testing.T, bus *events.Bus) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for bus.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("event stream never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServer_ShutdownBeforeStart(t *testing.T) {
	s := NewServer("127.0.0.1", 0, &fakePoller{}, nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := s.Start(context.Background()); !errors.Is(err, http.ErrServerClosed) {
		t.Errorf("Start after Shutdown = %v, want ErrServerClosed", err)
	}
}
