package opstate

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/walljm/homeassistant-edgerouter/internal/tables"
)

// Namespaces used by edgetrack.
const (
	// NamespaceDiscovery maps a device MAC to the retained MQTT topic
	// its device_tracker discovery config was published on, plus the
	// entity name used.
	NamespaceDiscovery = "mqtt_discovery"
	// NamespaceRouter holds the router's "show version" fields.
	NamespaceRouter = "router"
)

// Registry is the typed view of the store used by the publisher and
// the CLI.
type Registry struct {
	store *Store
}

// NewRegistry wraps s.
func NewRegistry(s *Store) *Registry {
	return &Registry{store: s}
}

// Announcement is one device_tracker discovery config published to
// the broker.
type Announcement struct {
	MAC       string    `json:"-"`
	Topic     string    `json:"topic"`
	Name      string    `json:"name,omitempty"`
	UpdatedAt time.Time `json:"-"`
}

// RememberDiscovery records that a discovery config for a.MAC was
// published on a.Topic.
func (r *Registry) RememberDiscovery(a Announcement) error {
	value, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode announcement %s: %w", a.MAC, err)
	}
	return r.store.Set(NamespaceDiscovery, a.MAC, string(value))
}

// ForgetDiscovery removes mac from the announced set.
func (r *Registry) ForgetDiscovery(mac string) error {
	return r.store.Delete(NamespaceDiscovery, mac)
}

// Announced returns every announced device, ordered by MAC. A bare
// topic string is accepted as the stored value.
func (r *Registry) Announced() ([]Announcement, error) {
	entries, err := r.store.Entries(NamespaceDiscovery)
	if err != nil {
		return nil, err
	}
	out := make([]Announcement, 0, len(entries))
	for _, e := range entries {
		var a Announcement
		if err := json.Unmarshal([]byte(e.Value), &a); err != nil {
			a = Announcement{Topic: e.Value}
		}
		a.MAC = e.Key
		a.UpdatedAt = e.UpdatedAt
		out = append(out, a)
	}
	return out, nil
}

// SaveRouterInfo replaces the stored router identity.
func (r *Registry) SaveRouterInfo(info tables.SystemInfo) error {
	if err := r.store.DeleteNamespace(NamespaceRouter); err != nil {
		return err
	}
	for k, v := range info {
		if err := r.store.Set(NamespaceRouter, k, v); err != nil {
			return fmt.Errorf("save router info: %w", err)
		}
	}
	return nil
}

// RouterInfo returns the stored router identity. It is empty until
// SaveRouterInfo has been called once.
func (r *Registry) RouterInfo() (tables.SystemInfo, error) {
	m, err := r.store.List(NamespaceRouter)
	if err != nil {
		return nil, err
	}
	return tables.SystemInfo(m), nil
}
