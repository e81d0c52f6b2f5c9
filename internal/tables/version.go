package tables

import (
	"fmt"
	"strings"
)

// SystemInfo is the key/value content of "show version". Keys are
// lower-cased with spaces replaced by underscores, so "HW model"
// becomes "hw_model".
type SystemInfo map[string]string

// ParseVersion parses "show version" output:
//
//	Version:      v2.0.9-hotfix.7
//	Build ID:     5618279
//	HW model:     EdgeRouter X 5-Port
//
// Lines without a colon are ignored. ErrUnrecognized is returned when
// no key/value line is found.
func ParseVersion(raw string) (SystemInfo, error) {
	info := make(SystemInfo)
	for _, line := range lines(raw) {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.Join(strings.Fields(key), "_"))
		if key == "" {
			continue
		}
		info[key] = strings.TrimSpace(value)
	}
	if len(info) == 0 {
		return info, fmt.Errorf("show version: %w", ErrUnrecognized)
	}
	return info, nil
}

// Model returns the hardware model, or "EdgeRouter" if not reported.
func (s SystemInfo) Model() string {
	if m := s["hw_model"]; m != "" {
		return m
	}
	return "EdgeRouter"
}

// Version returns the firmware version, or "unknown".
func (s SystemInfo) Version() string {
	if v := s["version"]; v != "" {
		return v
	}
	return "unknown"
}
