package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/walljm/homeassistant-edgerouter/internal/config"
	"github.com/walljm/homeassistant-edgerouter/internal/device"
	"github.com/walljm/homeassistant-edgerouter/internal/edgeos"
	"github.com/walljm/homeassistant-edgerouter/internal/presence"
	"github.com/walljm/homeassistant-edgerouter/internal/tables"
)

// routerError rewrites a connection failure so the two cases users can
// act on, bad credentials and an unreachable router, read differently.
func routerError(t edgeos.Target, err error) error {
	addr := edgeos.Address(t)
	switch {
	case errors.Is(err, edgeos.ErrAuth):
		return fmt.Errorf("router %s rejected the login for %q: %w", addr, t.Username, err)
	case errors.Is(err, edgeos.ErrConnection):
		return fmt.Errorf("router %s is unreachable: %w", addr, err)
	default:
		return fmt.Errorf("router %s: %w", addr, err)
	}
}

// sessionFunc opens a router session and runs fn in it.
type sessionFunc func(ctx context.Context, fn func(edgeos.Session) error) error

// directSession opens sessions straight from d. serve goes through
// Poller.Exec instead so it never overlaps a poll round.
func directSession(d edgeos.Dialer, t edgeos.Target) sessionFunc {
	return func(ctx context.Context, fn func(edgeos.Session) error) error {
		return edgeos.WithSession(ctx, d, t, fn)
	}
}

// fetchSystemInfo runs "show version" in a session from open.
func fetchSystemInfo(ctx context.Context, open sessionFunc) (tables.SystemInfo, error) {
	var raw string
	err := open(ctx, func(s edgeos.Session) error {
		var err error
		raw, err = s.Run(ctx, edgeos.ShowVersion)
		return err
	})
	if err != nil {
		return nil, err
	}
	return tables.ParseVersion(raw)
}

// runCheck verifies that the router accepts the configured credentials
// and prints what it reports about itself.
func runCheck(ctx context.Context, w io.Writer, d edgeos.Dialer, t edgeos.Target, outputFmt string) error {
	info, err := fetchSystemInfo(ctx, directSession(d, t))
	if err != nil {
		return routerError(t, err)
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"router": edgeos.Address(t),
			"user":   t.Username,
			"system": info,
		})
	}

	fmt.Fprintf(w, "✓ connected to %s as %s\n", edgeos.Address(t), t.Username)
	fmt.Fprintf(w, "  %-12s %s\n", "model:", info.Model())
	fmt.Fprintf(w, "  %-12s %s\n", "version:", info.Version())
	keys := make([]string, 0, len(info))
	for k := range info {
		if k != "hw_model" && k != "version" {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "  %-12s %s\n", k+":", info[k])
	}
	return nil
}

// scanClient is one merged device in scan output.
type scanClient struct {
	device.Snapshot
	Name           string         `json:"name"`
	ConnectionType string         `json:"connection_type"`
	State          presence.State `json:"state"`
}

type scanCounts struct {
	Clients    int `json:"clients"`
	ARPEntries int `json:"arp_entries"`
	Leases     int `json:"leases"`
	Home       int `json:"home"`
	Dropped    int `json:"dropped"`
}

type scanReport struct {
	Router  string              `json:"router"`
	TakenAt time.Time           `json:"taken_at"`
	ARP     []tables.ARPEntry   `json:"arp"`
	Leases  []tables.LeaseEntry `json:"leases"`
	Clients []scanClient        `json:"clients"`
	Counts  scanCounts          `json:"counts"`
}

// scan performs one query round against the router without touching
// MQTT or the registry. Presence is evaluated from an empty history.
func scan(ctx context.Context, d edgeos.Dialer, cfg *config.Config, now time.Time) (*scanReport, error) {
	t := routerTarget(cfg)
	rctx, cancel := context.WithTimeout(ctx, cfg.Poll.RoundTimeout())
	defer cancel()

	var outputs map[edgeos.Command]string
	err := edgeos.WithSession(rctx, d, t, func(s edgeos.Session) error {
		var err error
		outputs, err = edgeos.Collect(rctx, s, edgeos.ShowARP, edgeos.ShowDHCPLeases)
		return err
	})
	if err != nil {
		return nil, routerError(t, err)
	}

	arp, err := tables.ParseARP(outputs[edgeos.ShowARP])
	if err != nil {
		return nil, err
	}
	leases, err := tables.ParseLeases(outputs[edgeos.ShowDHCPLeases], now, cfg.Router.Location())
	if err != nil {
		return nil, err
	}

	snaps := device.Reconcile(arp.Entries, leases.Entries)
	table, _, err := presence.Advance(presence.Table{}, snaps, now, cfg.Poll.ConsiderHome())
	if err != nil {
		return nil, err
	}

	report := &scanReport{
		Router:  edgeos.Address(t),
		TakenAt: now,
		ARP:     arp.Entries,
		Leases:  leases.Entries,
		Clients: make([]scanClient, 0, len(snaps)),
		Counts: scanCounts{
			Clients:    len(snaps),
			ARPEntries: len(arp.Entries),
			Leases:     len(leases.Entries),
			Home:       table.HomeCount(),
			Dropped:    arp.Dropped + leases.Dropped,
		},
	}
	for _, s := range snaps {
		rec, _ := table.Get(s.MAC)
		report.Clients = append(report.Clients, scanClient{
			Snapshot:       s,
			Name:           s.Name(),
			ConnectionType: s.ConnectionType(),
			State:          rec.State,
		})
	}
	return report, nil
}

// runScan runs one round and prints the tables and merged clients.
func runScan(ctx context.Context, w io.Writer, d edgeos.Dialer, cfg *config.Config, outputFmt string) error {
	report, err := scan(ctx, d, cfg, time.Now())
	if err != nil {
		return err
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	printScan(w, report)
	return nil
}

func printScan(w io.Writer, r *scanReport) {
	fmt.Fprintf(w, "Router %s at %s\n", r.Router, r.TakenAt.Format(time.RFC3339))

	fmt.Fprintf(w, "\nARP (%d):\n", len(r.ARP))
	for _, e := range r.ARP {
		fmt.Fprintf(w, "  %-17s  %-15s  %s\n", e.MAC, e.IP, e.Interface)
	}

	fmt.Fprintf(w, "\nDHCP leases (%d):\n", len(r.Leases))
	for _, e := range r.Leases {
		fmt.Fprintf(w, "  %-17s  %-15s  %-25s  %-8s  %s\n", e.MAC, e.IP, e.Expires, e.Pool, e.Hostname)
	}

	fmt.Fprintf(w, "\nClients (%d):\n", len(r.Clients))
	for _, c := range r.Clients {
		fmt.Fprintf(w, "  %-17s  %-15s  %-13s  %-5s  %s\n", c.MAC, c.IP, c.ConnectionType, c.State.Display(), c.Name)
	}

	fmt.Fprintf(w, "\n%d clients, %d home, %d ARP entries, %d leases",
		r.Counts.Clients, r.Counts.Home, r.Counts.ARPEntries, r.Counts.Leases)
	if r.Counts.Dropped > 0 {
		fmt.Fprintf(w, ", %d rows skipped", r.Counts.Dropped)
	}
	fmt.Fprintln(w)
}
