// Package api implements the read-mostly HTTP status API and the
// WebSocket event stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/netutil"

	"github.com/walljm/homeassistant-edgerouter/internal/buildinfo"
	"github.com/walljm/homeassistant-edgerouter/internal/connwatch"
	"github.com/walljm/homeassistant-edgerouter/internal/events"
	"github.com/walljm/homeassistant-edgerouter/internal/poller"
	"github.com/walljm/homeassistant-edgerouter/internal/presence"
	"github.com/walljm/homeassistant-edgerouter/internal/tables"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response,
// which is not actionable but worth tracking for debugging.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Poller is the part of the poller the API reads and triggers.
type Poller interface {
	Latest() *poller.Result
	LastError() *poller.RoundError
	InFlight() bool
	Rounds() uint64
	PollNow(ctx context.Context) (*poller.Result, error)
}

// HealthSource reports the status of watched dependencies.
type HealthSource interface {
	Status() map[string]connwatch.ServiceStatus
}

// maxConnections caps concurrent client connections. Event streams hold
// theirs open, so the cap also bounds subscribers.
const maxConnections = 64

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	poller  Poller
	health  HealthSource
	bus     *events.Bus
	logger  *slog.Logger

	mu     sync.Mutex
	server *http.Server

	closing   chan struct{}
	closeOnce sync.Once
}

// NewServer creates a server. health and bus may be nil; the health
// endpoint then reports only the poller and the event stream is
// unavailable.
func NewServer(address string, port int, p Poller, health HealthSource, bus *events.Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		poller:  p,
		health:  health,
		bus:     bus,
		logger:  logger,
		closing: make(chan struct{}),
	}
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	// Presence
	mux.HandleFunc("GET /v1/devices", s.handleDevices)
	mux.HandleFunc("GET /v1/devices/{mac}", s.handleDevice)
	mux.HandleFunc("GET /v1/summary", s.handleSummary)
	mux.HandleFunc("POST /v1/refresh", s.handleRefresh)

	// Event stream
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It returns http.ErrServerClosed
// after Shutdown.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}
	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()

	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", srv.Addr, err)
	}
	select {
	case <-s.closing:
		ln.Close()
		return http.ErrServerClosed
	default:
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return srv.Serve(netutil.LimitListener(ln, maxConnections))
}

// Shutdown gracefully stops the server and closes event streams.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.closing) })
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    kind,
			"code":    code,
		},
	}, s.logger)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "edgetrack",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

// roundStatus summarizes the most recent round outcome.
type roundStatus struct {
	Round     uint64        `json:"round"`
	At        time.Time     `json:"at"`
	OK        bool          `json:"ok"`
	Kind      poller.Kind   `json:"kind,omitempty"`
	Error     string        `json:"error,omitempty"`
	Retryable bool          `json:"retryable"`
	Elapsed   time.Duration `json:"elapsed_ns,omitempty"`
}

// lastRound picks whichever of the latest result and the latest
// failure is newer.
func lastRound(latest *poller.Result, failed *poller.RoundError) *roundStatus {
	switch {
	case failed != nil && (latest == nil || failed.Round > latest.Round):
		return &roundStatus{
			Round:     failed.Round,
			At:        failed.At,
			Kind:      failed.Kind,
			Error:     failed.Error(),
			Retryable: failed.Retryable(),
		}
	case latest != nil:
		return &roundStatus{
			Round:     latest.Round,
			At:        latest.TakenAt,
			OK:        true,
			Retryable: true,
			Elapsed:   latest.Elapsed,
		}
	default:
		return nil
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var services map[string]connwatch.ServiceStatus
	if s.health != nil {
		services = s.health.Status()
	}

	last := lastRound(s.poller.Latest(), s.poller.LastError())
	status, code := "healthy", http.StatusOK
	if st, ok := services["router"]; ok && !st.Ready {
		status, code = "router_unreachable", http.StatusServiceUnavailable
	} else if last != nil && !last.OK {
		status = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"status":     status,
		"services":   services,
		"last_round": last,
		"uptime":     buildinfo.Uptime().String(),
	}, s.logger)
}

type devicesResponse struct {
	Round   uint64          `json:"round"`
	TakenAt time.Time       `json:"taken_at"`
	Devices []poller.Device `json:"devices"`
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	resp := devicesResponse{Devices: []poller.Device{}}
	filter := presence.State(r.URL.Query().Get("state"))
	switch filter {
	case "", presence.Home, presence.Away:
	default:
		s.errorResponse(w, http.StatusBadRequest, "invalid_request_error",
			fmt.Sprintf("state must be %q or %q", presence.Home, presence.Away))
		return
	}

	if latest := s.poller.Latest(); latest != nil {
		resp.Round = latest.Round
		resp.TakenAt = latest.TakenAt
		for _, d := range latest.Devices {
			if filter == "" || d.Record.State == filter {
				resp.Devices = append(resp.Devices, d)
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	mac, ok := tables.NormalizeMAC(r.PathValue("mac"))
	if !ok {
		s.errorResponse(w, http.StatusBadRequest, "invalid_request_error", "malformed MAC address")
		return
	}

	latest := s.poller.Latest()
	if latest == nil {
		s.errorResponse(w, http.StatusNotFound, "not_found", "no poll has completed yet")
		return
	}
	d, ok := latest.Device(mac)
	if !ok {
		s.errorResponse(w, http.StatusNotFound, "not_found", "device "+mac+" is not tracked")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, d, s.logger)
}

type summaryResponse struct {
	Round     uint64        `json:"round"`
	Attempts  uint64        `json:"attempts"`
	TakenAt   time.Time     `json:"taken_at,omitzero"`
	Counts    poller.Counts `json:"counts"`
	InFlight  bool          `json:"in_flight"`
	LastRound *roundStatus  `json:"last_round"`
}

func (s *Server) summary() summaryResponse {
	latest := s.poller.Latest()
	resp := summaryResponse{
		Attempts:  s.poller.Rounds(),
		InFlight:  s.poller.InFlight(),
		LastRound: lastRound(latest, s.poller.LastError()),
	}
	if latest != nil {
		resp.Round = latest.Round
		resp.TakenAt = latest.TakenAt
		resp.Counts = latest.Counts
	}
	return resp
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.summary(), s.logger)
}

// refreshContext ends when the request does or when Shutdown begins,
// so a refresh-triggered round does not outlive the server.
func (s *Server) refreshContext(r *http.Request) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(r.Context())
	go func() {
		select {
		case <-s.closing:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.refreshContext(r)
	defer cancel()

	_, err := s.poller.PollNow(ctx)
	if err != nil {
		if errors.Is(err, poller.ErrRoundInProgress) {
			s.errorResponse(w, http.StatusConflict, "round_in_progress", err.Error())
			return
		}
		var re *poller.RoundError
		if errors.As(err, &re) {
			s.errorResponse(w, http.StatusBadGateway, string(re.Kind), re.Error())
			return
		}
		s.errorResponse(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.summary(), s.logger)
}
