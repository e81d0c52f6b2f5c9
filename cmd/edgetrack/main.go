// Edgetrack reports which devices are home by polling an Ubiquiti
// EdgeRouter's ARP and DHCP lease tables over SSH.
//
// It publishes presence to Home Assistant through MQTT discovery and
// exposes a small status API. Configuration is loaded from a single YAML
// file discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	edgetrack serve          Poll the router and publish presence
//	edgetrack check          Verify the router connection
//	edgetrack scan           Run one query round and print the result
//	edgetrack purge          Remove retained MQTT discovery configs
//	edgetrack init [dir]     Initialize a working directory with defaults
//	edgetrack version        Print version and build information
//	edgetrack -o json scan   Output the scan as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/walljm/homeassistant-edgerouter/internal/buildinfo"
	"github.com/walljm/homeassistant-edgerouter/internal/config"
	"github.com/walljm/homeassistant-edgerouter/internal/edgeos"
)

// main only builds the OS-level environment and hands off to [run], so
// the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Structured logs go to stdout; the caller
// prints the returned error to stderr. Arguments are parsed by hand so
// that run can be called concurrently from tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "check", "scan":
		cfg, _, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		logger := newLogger(stderr, logLevel(cfg), cfg.LogFormat)
		dialer := edgeos.NewSSHDialer(logger)
		if command == "check" {
			return runCheck(ctx, stdout, dialer, routerTarget(cfg), outputFmt)
		}
		return runScan(ctx, stdout, dialer, cfg, outputFmt)
	case "purge":
		return runPurge(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Edgetrack - EdgeRouter presence tracker for Home Assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: edgetrack [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Poll the router and publish presence")
	fmt.Fprintln(w, "  check        Connect to the router and print its system info")
	fmt.Fprintln(w, "  scan         Run one query round and print the merged clients")
	fmt.Fprintln(w, "  purge        Remove retained MQTT discovery configs")
	fmt.Fprintln(w, "  init [dir]   Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// newLogger creates a structured logger writing to w.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// logLevel returns the configured level. Validate has already rejected
// unknown names.
func logLevel(cfg *config.Config) slog.Level {
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return level
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist). Returns the
// parsed config and the path that was loaded.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// routerTarget converts the router section of cfg to an SSH target.
func routerTarget(cfg *config.Config) edgeos.Target {
	return edgeos.Target{
		Host:           cfg.Router.Host,
		Port:           cfg.Router.Port,
		Username:       cfg.Router.Username,
		Password:       cfg.Router.Password,
		KeyFile:        cfg.Router.KeyFile,
		KnownHostsFile: cfg.Router.KnownHosts,
		ConnectTimeout: cfg.Router.ConnectTimeout(),
	}
}
