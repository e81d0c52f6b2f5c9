// Package config handles edgetrack configuration loading.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/walljm/homeassistant-edgerouter/internal/paths"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("invalid configuration")

// Poll bounds enforced by Validate.
const (
	MinIntervalSec     = 10
	MaxIntervalSec     = 300
	MaxConsiderHomeSec = 600
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/edgetrack/config.yaml, /etc/edgetrack/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "edgetrack", "config.yaml"))
	}

	paths = append(paths, "/etc/edgetrack/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all edgetrack configuration.
type Config struct {
	Router    RouterConfig `yaml:"router"`
	Poll      PollConfig   `yaml:"poll"`
	MQTT      MQTTConfig   `yaml:"mqtt"`
	Listen    ListenConfig `yaml:"listen"`
	DataDir   string       `yaml:"data_dir"`
	LogLevel  string       `yaml:"log_level"`
	LogFormat string       `yaml:"log_format"` // "text" (default) or "json"
}

// RouterConfig defines how to reach the EdgeOS router.
type RouterConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`     // Default: 22
	Username string `yaml:"username"` // Default: ubnt
	Password string `yaml:"password"`
	// KeyFile is an optional private key tried before the password.
	// Password doubles as its passphrase when the key is encrypted.
	KeyFile string `yaml:"key_file"`
	// KnownHosts verifies the router host key. Empty accepts any key.
	KnownHosts string `yaml:"known_hosts"`
	TimeoutSec int    `yaml:"timeout_sec"` // connect timeout, default 10
	// Timezone is the router's IANA zone, used to read lease
	// expirations. Empty means the local zone.
	Timezone string `yaml:"timezone"`
}

// PollConfig defines the query schedule and presence debounce.
type PollConfig struct {
	IntervalSec     int `yaml:"interval_sec"`      // 10-300, default 30
	ConsiderHomeSec int `yaml:"consider_home_sec"` // 0-600, default 180
	// RoundTimeoutSec bounds one query round. Default: IntervalSec.
	RoundTimeoutSec int `yaml:"round_timeout_sec"`

	considerHomeSet bool
}

// UnmarshalYAML records whether consider_home_sec was present so an
// explicit 0 is not replaced by the default.
func (p *PollConfig) UnmarshalYAML(node *yaml.Node) error {
	type plain PollConfig
	if err := node.Decode((*plain)(p)); err != nil {
		return err
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == "consider_home_sec" {
			p.considerHomeSet = true
		}
	}
	return nil
}

// MQTTConfig defines the Home Assistant MQTT publisher. It is disabled
// when Broker is empty.
type MQTTConfig struct {
	Broker          string `yaml:"broker"` // mqtt://host:1883 or mqtts://host:8883
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	DeviceName      string `yaml:"device_name"`      // Default: edgerouter
	DiscoveryPrefix string `yaml:"discovery_prefix"` // Default: homeassistant
	// BirthTopic is where Home Assistant announces it has (re)started.
	BirthTopic string `yaml:"birth_topic"` // Default: homeassistant/status
}

// Configured reports whether the publisher should run.
func (m MQTTConfig) Configured() bool { return m.Broker != "" }

// ListenConfig defines the status API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`    // Default: 8080; 0 disables the server
}

// Load reads configuration from a YAML file, applies defaults and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{
		Listen: ListenConfig{Port: 8080},
	}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied and no
// router host.
func Default() *Config {
	cfg := &Config{Listen: ListenConfig{Port: 8080}}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Router.Port == 0 {
		c.Router.Port = 22
	}
	if c.Router.Username == "" {
		c.Router.Username = "ubnt"
	}
	if c.Router.TimeoutSec == 0 {
		c.Router.TimeoutSec = 10
	}
	if c.Poll.IntervalSec == 0 {
		c.Poll.IntervalSec = 30
	}
	if c.Poll.ConsiderHomeSec == 0 && !c.Poll.considerHomeSet {
		c.Poll.ConsiderHomeSec = 180
	}
	if c.Poll.RoundTimeoutSec == 0 {
		c.Poll.RoundTimeoutSec = c.Poll.IntervalSec
	}
	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = "edgerouter"
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if c.MQTT.BirthTopic == "" {
		c.MQTT.BirthTopic = c.MQTT.DiscoveryPrefix + "/status"
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	c.DataDir = paths.ExpandHome(c.DataDir)
	c.Router.KeyFile = paths.ExpandHome(c.Router.KeyFile)
	c.Router.KnownHosts = paths.ExpandHome(c.Router.KnownHosts)
}

// Validate checks the configuration. Every error wraps ErrInvalid.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if strings.TrimSpace(c.Router.Host) == "" {
		add("router.host is required")
	}
	if c.Router.Port < 1 || c.Router.Port > 65535 {
		add("router.port %d out of range", c.Router.Port)
	}
	if c.Router.Password == "" && c.Router.KeyFile == "" {
		add("router.password or router.key_file is required")
	}
	if c.Router.TimeoutSec < 0 {
		add("router.timeout_sec must not be negative")
	}
	if c.Router.Timezone != "" {
		if _, err := time.LoadLocation(c.Router.Timezone); err != nil {
			add("router.timezone %q: %v", c.Router.Timezone, err)
		}
	}

	if c.Poll.IntervalSec < MinIntervalSec || c.Poll.IntervalSec > MaxIntervalSec {
		add("poll.interval_sec %d must be between %d and %d", c.Poll.IntervalSec, MinIntervalSec, MaxIntervalSec)
	}
	if c.Poll.ConsiderHomeSec < 0 || c.Poll.ConsiderHomeSec > MaxConsiderHomeSec {
		add("poll.consider_home_sec %d must be between 0 and %d", c.Poll.ConsiderHomeSec, MaxConsiderHomeSec)
	}
	if c.Poll.RoundTimeoutSec < 0 {
		add("poll.round_timeout_sec must not be negative")
	}

	if c.MQTT.Configured() {
		u, err := url.Parse(c.MQTT.Broker)
		if err != nil || u.Host == "" {
			add("mqtt.broker %q is not a URL", c.MQTT.Broker)
		} else {
			switch u.Scheme {
			case "mqtt", "tcp", "mqtts", "ssl", "tls", "ws", "wss":
			default:
				add("mqtt.broker scheme %q not supported", u.Scheme)
			}
		}
		if strings.ContainsAny(c.MQTT.DeviceName, "/#+ ") {
			add("mqtt.device_name %q must not contain spaces or MQTT wildcards", c.MQTT.DeviceName)
		}
	}

	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		add("listen.port %d out of range", c.Listen.Port)
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		add("log_format %q (valid: text, json)", c.LogFormat)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		add("%v", err)
	}

	return errors.Join(errs...)
}

// Interval returns the poll interval.
func (p PollConfig) Interval() time.Duration {
	return time.Duration(p.IntervalSec) * time.Second
}

// ConsiderHome returns the consider-home window.
func (p PollConfig) ConsiderHome() time.Duration {
	return time.Duration(p.ConsiderHomeSec) * time.Second
}

// RoundTimeout returns the per-round deadline.
func (p PollConfig) RoundTimeout() time.Duration {
	if p.RoundTimeoutSec <= 0 {
		return p.Interval()
	}
	return time.Duration(p.RoundTimeoutSec) * time.Second
}

// ConnectTimeout returns the SSH connect timeout.
func (r RouterConfig) ConnectTimeout() time.Duration {
	return time.Duration(r.TimeoutSec) * time.Second
}

// Location returns the router's time zone, or time.Local.
func (r RouterConfig) Location() *time.Location {
	if r.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// ListenAddr returns the host:port the status API binds to.
func (l ListenConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", l.Address, l.Port)
}
