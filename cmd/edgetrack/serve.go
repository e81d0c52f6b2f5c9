package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/walljm/homeassistant-edgerouter/internal/api"
	"github.com/walljm/homeassistant-edgerouter/internal/buildinfo"
	"github.com/walljm/homeassistant-edgerouter/internal/config"
	"github.com/walljm/homeassistant-edgerouter/internal/connwatch"
	"github.com/walljm/homeassistant-edgerouter/internal/edgeos"
	"github.com/walljm/homeassistant-edgerouter/internal/events"
	"github.com/walljm/homeassistant-edgerouter/internal/mqtt"
	"github.com/walljm/homeassistant-edgerouter/internal/opstate"
	"github.com/walljm/homeassistant-edgerouter/internal/poller"
	"github.com/walljm/homeassistant-edgerouter/internal/presence"
)

// recentEvents is how many events the bus keeps for new stream clients.
const recentEvents = 100

// stateDBName is the operational state database inside data_dir.
const stateDBName = "edgetrack.db"

// openRegistry opens the entity registry under cfg.DataDir.
func openRegistry(cfg *config.Config) (*opstate.Store, *opstate.Registry, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}
	store, err := opstate.NewStore(filepath.Join(cfg.DataDir, stateDBName))
	if err != nil {
		return nil, nil, fmt.Errorf("open state store: %w", err)
	}
	return store, opstate.NewRegistry(store), nil
}

// runServe polls the router until ctx is cancelled or SIGINT/SIGTERM
// arrives, publishing every round to MQTT and the status API.
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger = newLogger(stdout, logLevel(cfg), cfg.LogFormat)
	logger.Info("starting edgetrack",
		"version", buildinfo.Version,
		"commit", buildinfo.ShortCommit(),
		"config", cfgPath,
	)

	store, registry, err := openRegistry(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	bus := events.New(recentEvents)
	dialer := edgeos.NewSSHDialer(logger)
	target := routerTarget(cfg)

	tracker, err := presence.NewTracker(cfg.Poll.ConsiderHome(), logger)
	if err != nil {
		return err
	}

	// NotifyContext wraps the parent so SIGINT/SIGTERM cancellation
	// reaches every component through the same ctx.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	connMgr := connwatch.NewManager(logger)
	defer connMgr.Stop()

	// --- MQTT publisher ---
	var listeners poller.Listeners
	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("load mqtt instance id: %w", err)
		}
		logger.Info("mqtt instance ID loaded", "instance_id", instanceID)

		mqttPub = mqtt.New(cfg.MQTT, instanceID, registry, bus, logger)
		listeners = append(listeners, mqttPub)
		go func() {
			if err := mqttPub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()

		connMgr.Watch(ctx, connwatch.WatcherConfig{
			Name: "mqtt",
			Probe: func(pCtx context.Context) error {
				awaitCtx, awaitCancel := context.WithTimeout(pCtx, 2*time.Second)
				defer awaitCancel()
				return mqttPub.AwaitConnection(awaitCtx)
			},
			Backoff: connwatch.DefaultBackoffConfig(),
			Logger:  logger,
		})

		logger.Info("mqtt publishing enabled",
			"broker", cfg.MQTT.Broker,
			"device_name", cfg.MQTT.DeviceName,
		)
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	// --- Poller ---
	p, err := poller.New(poller.Config{
		Dialer:       dialer,
		Target:       target,
		Tracker:      tracker,
		Interval:     cfg.Poll.Interval(),
		RoundTimeout: cfg.Poll.RoundTimeout(),
		Location:     cfg.Router.Location(),
		Listener:     listeners,
		Bus:          bus,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	pollerDone := make(chan struct{})
	go func() {
		defer close(pollerDone)
		p.Run(ctx)
	}()

	// The router watcher only reads the SSH banner. Each time the router
	// becomes reachable the system info is refreshed; after an outage a
	// round also runs immediately instead of waiting for the next tick.
	var routerSeen atomic.Bool
	routerBackoff := connwatch.DefaultBackoffConfig()
	routerBackoff.PollInterval = cfg.Poll.Interval()
	connMgr.Watch(ctx, connwatch.WatcherConfig{
		Name:    "router",
		Probe:   connwatch.SSHBannerProbe(edgeos.Address(target)),
		Backoff: routerBackoff,
		OnReady: func() {
			refreshRouterInfo(ctx, p.Exec, registry, mqttPub, logger)
			if !routerSeen.Swap(true) {
				return
			}
			bus.Emit(events.SourcePoller, events.KindRouterUp, nil)
			if _, err := p.PollNow(ctx); err != nil && !errors.Is(err, poller.ErrRoundInProgress) {
				logger.Debug("poll after router recovery failed", "error", err)
			}
		},
		OnDown: func(err error) {
			bus.Emit(events.SourcePoller, events.KindRouterDown, map[string]any{"error": err.Error()})
		},
		Logger: logger,
	})

	// --- Status API ---
	var server *api.Server
	if cfg.Listen.Port > 0 {
		server = api.NewServer(cfg.Listen.Address, cfg.Listen.Port, p, connMgr, bus, logger)
	} else {
		logger.Info("status API disabled (listen.port is 0)")
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		if mqttPub != nil {
			offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer offlineCancel()
			if err := mqttPub.Stop(offlineCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}

		if server != nil {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = server.Shutdown(shutdownCtx)
		}
	}()

	if server != nil {
		if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if ctx.Err() == nil {
				cancel()
				<-pollerDone
				return fmt.Errorf("server failed: %w", err)
			}
		}
	}

	<-ctx.Done()
	<-pollerDone
	logger.Info("edgetrack stopped")
	return nil
}

// refreshRouterInfo fetches "show version" and records it for the MQTT
// device block. Failures are logged; the previous info stays in place.
// The timeout covers waiting for an in-flight round to release the
// router session.
func refreshRouterInfo(ctx context.Context, open sessionFunc, registry *opstate.Registry, pub *mqtt.Publisher, logger *slog.Logger) {
	vctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	info, err := fetchSystemInfo(vctx, open)
	if err != nil {
		logger.Warn("failed to read router system info", "error", err)
		return
	}
	logger.Info("router identified", "model", info.Model(), "version", info.Version())

	if pub != nil {
		pub.SetRouterInfo(info)
		return
	}
	if err := registry.SaveRouterInfo(info); err != nil {
		logger.Warn("failed to persist router info", "error", err)
	}
}
