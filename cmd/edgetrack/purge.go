package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/walljm/homeassistant-edgerouter/internal/mqtt"
)

// purgeTimeout bounds connecting to the broker and clearing topics.
const purgeTimeout = 60 * time.Second

// runPurge removes every retained discovery config this instance has
// published, so Home Assistant drops the device and its trackers.
func runPurge(ctx context.Context, w io.Writer, configPath string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if !cfg.MQTT.Configured() {
		return errors.New("purge: mqtt.broker is not configured")
	}
	logger := newLogger(w, logLevel(cfg), cfg.LogFormat)

	store, registry, err := openRegistry(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("load mqtt instance id: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, purgeTimeout)
	defer cancel()

	pub := mqtt.New(cfg.MQTT, instanceID, registry, nil, logger)
	removed, err := pub.Purge(ctx)
	if err != nil {
		return fmt.Errorf("purge: %w", err)
	}
	fmt.Fprintf(w, "✓ removed discovery for %d device trackers from %s\n", removed, cfg.MQTT.Broker)
	return nil
}
