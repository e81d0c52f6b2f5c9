package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/walljm/homeassistant-edgerouter/internal/config"
	"github.com/walljm/homeassistant-edgerouter/internal/events"
	"github.com/walljm/homeassistant-edgerouter/internal/opstate"
	"github.com/walljm/homeassistant-edgerouter/internal/poller"
	"github.com/walljm/homeassistant-edgerouter/internal/tables"
)

// Payloads written to device_tracker state topics. They match the
// presence state names.
const (
	payloadHome    = "home"
	payloadNotHome = "not_home"
)

// flushTimeout bounds one pass of the publish loop.
const flushTimeout = 15 * time.Second

// publishClient is the part of the autopaho connection manager the
// publish loop needs.
type publishClient interface {
	Publish(ctx context.Context, pub *paho.Publish) (*paho.PublishResponse, error)
}

// Publisher manages the MQTT connection and mirrors poll results into
// Home Assistant entities. It implements poller.Listener.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	origin     OriginInfo
	registry   *opstate.Registry
	bus        *events.Bus
	failures   *DailyCounter
	limiter    *messageRateLimiter
	logger     *slog.Logger

	mu      sync.Mutex
	cm      *autopaho.ConnectionManager
	client  publishClient
	device  DeviceInfo
	latest  *poller.Result
	lastErr *poller.RoundError
	resync  bool

	wake chan struct{}

	// Owned by the publish loop.
	announced map[string]bool
	sent      map[string]string
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and publish loop. registry and bus may be
// nil.
func New(cfg config.MQTTConfig, instanceID string, registry *opstate.Registry, bus *events.Bus, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}

	var info tables.SystemInfo
	if registry != nil {
		stored, err := registry.RouterInfo()
		if err != nil {
			logger.Warn("load stored router info", "error", err)
		} else {
			info = stored
		}
	}

	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		origin:     newOrigin(),
		registry:   registry,
		bus:        bus,
		failures:   NewDailyCounter(nil),
		limiter:    newMessageRateLimiter(birthRateLimit, birthRateInterval, logger),
		logger:     logger,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName, info),
		resync:     true,
		wake:       make(chan struct{}, 1),
		announced:  make(map[string]bool),
		sent:       make(map[string]string),
	}
}

// Start connects to the MQTT broker and runs the publish loop. It
// blocks until ctx is cancelled. On every (re-)connect it publishes a
// birth message, subscribes to the HA status topic and schedules a
// full republish.
func (p *Publisher) Start(ctx context.Context) error {
	cm, err := p.connect(ctx, true)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.cm = cm
	p.client = cm
	p.mu.Unlock()

	go p.limiter.start(ctx)

	// Wait for the initial connection before starting the publish loop.
	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.runLoop(ctx)
	return nil
}

// connect creates the autopaho connection manager. The serving
// connection carries the availability will and the birth
// subscription; the purge connection uses its own client ID and
// neither.
func (p *Publisher) connect(ctx context.Context, serving bool) (*autopaho.ConnectionManager, error) {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return nil, fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	clientID := "edgetrack-" + p.cfg.DeviceName
	if !serving {
		clientID += "-purge"
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker, "client_id", clientID)
			if !serving {
				return
			}
			p.publishAvailability(ctx, cm, "online")
			p.subscribeBirth(ctx, cm)
			p.requestResync()
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: clientID,
		},
	}

	if serving {
		pahoCfg.WillMessage = &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		}
		pahoCfg.ClientConfig.OnPublishReceived = []func(paho.PublishReceived) (bool, error){
			p.onPublishReceived,
		}
	}

	// Enable TLS for the secure schemes.
	switch brokerURL.Scheme {
	case "mqtts", "ssl", "tls", "wss":
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return cm, nil
}

// Stop gracefully disconnects by publishing an "offline" availability
// message before closing the MQTT connection. The provided context
// controls how long to wait for the publish and disconnect to complete.
func (p *Publisher) Stop(ctx context.Context) error {
	p.mu.Lock()
	cm := p.cm
	p.mu.Unlock()
	if cm == nil {
		return nil
	}
	p.publishAvailability(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the MQTT broker connection is
// established or ctx expires. Used by the connwatch probe.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	p.mu.Lock()
	cm := p.cm
	p.mu.Unlock()
	if cm == nil {
		return errors.New("mqtt publisher not started")
	}
	return cm.AwaitConnection(ctx)
}

// Device returns the router's current HA device block.
func (p *Publisher) Device() DeviceInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.device
}

// SetRouterInfo updates the device block from "show version" output
// and persists it. Discovery is republished when model or firmware
// changed.
func (p *Publisher) SetRouterInfo(info tables.SystemInfo) {
	dev := NewDeviceInfo(p.instanceID, p.cfg.DeviceName, info)

	p.mu.Lock()
	changed := dev.Model != p.device.Model || dev.SWVersion != p.device.SWVersion
	p.device = dev
	if changed {
		p.resync = true
	}
	p.mu.Unlock()

	if p.registry != nil {
		if err := p.registry.SaveRouterInfo(info); err != nil {
			p.logger.Warn("save router info", "error", err)
		}
	}
	if changed {
		p.logger.Info("router identity updated", "model", dev.Model, "version", dev.SWVersion)
		p.notify()
	}
}

// --- poller.Listener ---

// RoundComplete stores res for the publish loop. It never blocks.
func (p *Publisher) RoundComplete(res *poller.Result) {
	p.mu.Lock()
	p.latest = res
	p.lastErr = nil
	p.mu.Unlock()
	p.notify()
}

// RoundFailed records the failure for the poll_status sensor. Device
// trackers keep their last published state.
func (p *Publisher) RoundFailed(err *poller.RoundError) {
	p.failures.Inc()
	p.mu.Lock()
	p.lastErr = err
	p.mu.Unlock()
	p.notify()
}

func (p *Publisher) requestResync() {
	p.mu.Lock()
	p.resync = true
	p.mu.Unlock()
	p.notify()
}

func (p *Publisher) notify() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return "edgetrack/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) attributesTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/attributes"
}

func (p *Publisher) trackerTopic(mac, leaf string) string {
	return p.baseTopic() + "/tracker/" + macID(mac) + "/" + leaf
}

func (p *Publisher) discoveryTopic(component, entity string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + p.cfg.DeviceName + "/" + entity + "/config"
}

// macID is the MAC without separators, used in topics and unique IDs.
func macID(mac string) string {
	return strings.ReplaceAll(mac, ":", "")
}

// --- Discovery ---

type sensorDef struct {
	entitySuffix string
	config       SensorConfig
}

func (p *Publisher) sensorDefinitions(dev DeviceInfo) []sensorDef {
	avail := p.availabilityTopic()
	sensor := func(entity, name string) SensorConfig {
		return SensorConfig{
			Name:              dev.Name + " " + name,
			UniqueID:          p.instanceID + "_" + entity,
			StateTopic:        p.stateTopic(entity),
			AvailabilityTopic: avail,
			Device:            dev,
			Origin:            p.origin,
		}
	}

	clients := sensor("connected_clients", "Connected Clients")
	clients.JsonAttributesTopic = p.attributesTopic("connected_clients")
	clients.Icon = "mdi:lan-connect"
	clients.StateClass = "measurement"
	clients.UnitOfMeasurement = "clients"

	arp := sensor("arp_entries", "ARP Entries")
	arp.Icon = "mdi:table-network"
	arp.StateClass = "measurement"
	arp.EntityCategory = "diagnostic"

	leases := sensor("dhcp_leases", "DHCP Leases")
	leases.Icon = "mdi:ip-network"
	leases.StateClass = "measurement"
	leases.EntityCategory = "diagnostic"

	tracked := sensor("tracked_devices", "Tracked Devices")
	tracked.Icon = "mdi:devices"
	tracked.StateClass = "measurement"

	lastPoll := sensor("last_poll", "Last Poll")
	lastPoll.Icon = "mdi:clock-check"
	lastPoll.DeviceClass = "timestamp"
	lastPoll.EntityCategory = "diagnostic"

	status := sensor("poll_status", "Poll Status")
	status.JsonAttributesTopic = p.attributesTopic("poll_status")
	status.Icon = "mdi:router-network"
	status.EntityCategory = "diagnostic"

	failures := sensor("poll_failures_today", "Poll Failures Today")
	failures.Icon = "mdi:alert-circle-outline"
	failures.StateClass = "total_increasing"
	failures.EntityCategory = "diagnostic"

	return []sensorDef{
		{"connected_clients", clients},
		{"arp_entries", arp},
		{"dhcp_leases", leases},
		{"tracked_devices", tracked},
		{"last_poll", lastPoll},
		{"poll_status", status},
		{"poll_failures_today", failures},
	}
}

func (p *Publisher) trackerConfig(dev DeviceInfo, mac, name string) TrackerConfig {
	id := macID(mac)
	return TrackerConfig{
		Name:                name,
		ObjectID:            p.cfg.DeviceName + "_" + id,
		UniqueID:            p.instanceID + "_" + id,
		StateTopic:          p.trackerTopic(mac, "state"),
		JsonAttributesTopic: p.trackerTopic(mac, "attributes"),
		AvailabilityTopic:   p.availabilityTopic(),
		PayloadHome:         payloadHome,
		PayloadNotHome:      payloadNotHome,
		SourceType:          "router",
		Icon:                "mdi:lan-connect",
		Device:              dev,
		Origin:              p.origin,
	}
}

func (p *Publisher) publishSensorDiscovery(ctx context.Context, client publishClient, dev DeviceInfo) int {
	published := 0
	for _, s := range p.sensorDefinitions(dev) {
		topic := p.discoveryTopic("sensor", s.entitySuffix)
		if err := p.publishJSON(ctx, client, topic, s.config, 1); err != nil {
			p.logger.Warn("mqtt discovery publish failed",
				"entity", s.entitySuffix, "topic", topic, "error", err)
			continue
		}
		p.logger.Debug("mqtt discovery published",
			"entity", s.entitySuffix, "topic", topic)
		published++
	}
	return published
}

// announce publishes the device_tracker discovery config for mac and
// records it in the registry.
func (p *Publisher) announce(ctx context.Context, client publishClient, dev DeviceInfo, mac, name string) bool {
	topic := p.discoveryTopic("device_tracker", macID(mac))
	if err := p.publishJSON(ctx, client, topic, p.trackerConfig(dev, mac, name), 1); err != nil {
		p.logger.Warn("mqtt tracker discovery publish failed",
			"mac", mac, "topic", topic, "error", err)
		return false
	}
	p.announced[mac] = true
	p.logger.Debug("mqtt tracker discovery published", "mac", mac, "name", name)

	if p.registry != nil {
		if err := p.registry.RememberDiscovery(opstate.Announcement{MAC: mac, Topic: topic, Name: name}); err != nil {
			p.logger.Warn("record announced device", "mac", mac, "error", err)
		}
	}
	return true
}

// announceKnown re-announces devices from the registry that res does
// not cover. Their retained state is left as it was.
func (p *Publisher) announceKnown(ctx context.Context, client publishClient, dev DeviceInfo, res *poller.Result) int {
	if p.registry == nil {
		return 0
	}
	known, err := p.registry.Announced()
	if err != nil {
		p.logger.Warn("load announced devices", "error", err)
		return 0
	}

	n := 0
	for _, a := range known {
		if res != nil {
			if _, ok := res.Device(a.MAC); ok {
				continue
			}
		}
		name := a.Name
		if name == "" {
			name = a.MAC
		}
		if p.announce(ctx, client, dev, a.MAC, name) {
			n++
		}
	}
	return n
}

func (p *Publisher) publishAvailability(ctx context.Context, client publishClient, status string) {
	if _, err := client.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

// --- Publish loop ---

func (p *Publisher) runLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.wake:
			p.flush(ctx)
		}
	}
}

// flush publishes whatever changed since the last pass. A pending
// resync republishes every discovery config and state first.
func (p *Publisher) flush(ctx context.Context) {
	p.mu.Lock()
	client := p.client
	if client == nil {
		p.mu.Unlock()
		return
	}
	res, roundErr, dev, resync := p.latest, p.lastErr, p.device, p.resync
	p.resync = false
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, flushTimeout)
	defer cancel()

	announced := 0
	if resync {
		clear(p.announced)
		clear(p.sent)
		p.publishSensorDiscovery(ctx, client, dev)
		announced += p.announceKnown(ctx, client, dev, res)
	}
	if res != nil {
		announced += p.publishTrackers(ctx, client, dev, res)
	}
	p.publishStates(ctx, client, res, roundErr)

	if announced > 0 {
		reason := "new_devices"
		if resync {
			reason = "resync"
		}
		p.bus.Emit(events.SourceMQTT, events.KindDiscoveryPublished, map[string]any{
			"devices": announced,
			"reason":  reason,
		})
		p.logger.Info("mqtt device trackers announced", "devices", announced, "reason", reason)
	}
}

// trackerAttributes is the JSON attributes payload of a device_tracker.
type trackerAttributes struct {
	MAC            string        `json:"mac"`
	IP             string        `json:"ip,omitempty"`
	Hostname       string        `json:"hostname,omitempty"`
	Interface      string        `json:"interface,omitempty"`
	LeaseExpires   tables.Expiry `json:"lease_expires"`
	LastSeen       *time.Time    `json:"last_seen"`
	Since          time.Time     `json:"since"`
	ConnectionType string        `json:"connection_type"`
	Observed       bool          `json:"observed"`
}

func newTrackerAttributes(d poller.Device) trackerAttributes {
	attrs := trackerAttributes{
		MAC:            d.Snapshot.MAC,
		IP:             d.Snapshot.IP,
		Hostname:       d.Snapshot.Hostname,
		Interface:      d.Snapshot.Interface,
		LeaseExpires:   d.Snapshot.LeaseExpires,
		Since:          d.Record.EnteredStateAt,
		ConnectionType: d.Snapshot.ConnectionType(),
		Observed:       d.Observed,
	}
	if !d.Record.LastSeenAt.IsZero() {
		seen := d.Record.LastSeenAt
		attrs.LastSeen = &seen
	}
	return attrs
}

// publishTrackers announces MACs new to this connection and publishes
// every tracker's state and attributes. It returns the number of
// discovery configs published.
func (p *Publisher) publishTrackers(ctx context.Context, client publishClient, dev DeviceInfo, res *poller.Result) int {
	n := 0
	for _, d := range res.Devices {
		mac := d.Snapshot.MAC
		if !p.announced[mac] {
			if !p.announce(ctx, client, dev, mac, d.Snapshot.Name()) {
				continue
			}
			n++
		}
		p.publishState(ctx, client, p.trackerTopic(mac, "state"), []byte(d.Record.State))
		if payload, err := json.Marshal(newTrackerAttributes(d)); err == nil {
			p.publishState(ctx, client, p.trackerTopic(mac, "attributes"), payload)
		}
	}
	return n
}

type connectedClient struct {
	MAC            string `json:"mac"`
	Name           string `json:"name"`
	IP             string `json:"ip,omitempty"`
	ConnectionType string `json:"connection_type"`
}

func (p *Publisher) publishStates(ctx context.Context, client publishClient, res *poller.Result, roundErr *poller.RoundError) {
	states := map[string]string{
		"poll_failures_today": strconv.FormatInt(p.failures.Value(), 10),
	}
	attrs := map[string]any{}

	if roundErr != nil {
		states["poll_status"] = string(roundErr.Kind)
		attrs["poll_status"] = map[string]any{
			"error":     roundErr.Error(),
			"retryable": roundErr.Retryable(),
			"round":     roundErr.Round,
			"at":        roundErr.At,
		}
	} else if res != nil {
		states["poll_status"] = "ok"
		attrs["poll_status"] = map[string]any{
			"error":     nil,
			"retryable": true,
			"round":     res.Round,
			"at":        res.TakenAt,
		}
	}

	if res != nil {
		home := res.Home()
		list := make([]connectedClient, 0, len(home))
		for _, d := range home {
			list = append(list, connectedClient{
				MAC:            d.Snapshot.MAC,
				Name:           d.Snapshot.Name(),
				IP:             d.Snapshot.IP,
				ConnectionType: d.Snapshot.ConnectionType(),
			})
		}
		states["connected_clients"] = strconv.Itoa(res.Counts.Home)
		attrs["connected_clients"] = map[string]any{"clients": list}
		states["arp_entries"] = strconv.Itoa(res.Counts.ARPEntries)
		states["dhcp_leases"] = strconv.Itoa(res.Counts.Leases)
		states["tracked_devices"] = strconv.Itoa(res.Counts.Total)
		states["last_poll"] = res.TakenAt.Format(time.RFC3339)
	}

	for entity, value := range states {
		p.publishState(ctx, client, p.stateTopic(entity), []byte(value))
	}
	for entity, value := range attrs {
		payload, err := json.Marshal(value)
		if err != nil {
			p.logger.Error("mqtt marshal attributes", "entity", entity, "error", err)
			continue
		}
		p.publishState(ctx, client, p.attributesTopic(entity), payload)
	}

	p.logger.Debug("mqtt sensor states published", "entities", len(states))
}

// publishState publishes a retained QoS 0 payload unless the same
// payload already went out on topic during this connection.
func (p *Publisher) publishState(ctx context.Context, client publishClient, topic string, payload []byte) {
	if prev, ok := p.sent[topic]; ok && prev == string(payload) {
		return
	}
	if _, err := client.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     0,
		Retain:  true,
	}); err != nil {
		p.logger.Debug("mqtt state publish failed", "topic", topic, "error", err)
		return
	}
	p.sent[topic] = string(payload)
}

func (p *Publisher) publishJSON(ctx context.Context, client publishClient, topic string, v any, qos byte) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", topic, err)
	}
	_, err = client.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
		Retain:  true,
	})
	return err
}

// --- Purge ---

// Purge removes every retained discovery config and state this
// instance published: the summary sensors and each device in the
// registry. Registry entries are forgotten as their topics are
// cleared. It returns the number of device trackers removed.
func (p *Publisher) Purge(ctx context.Context) (int, error) {
	if p.registry == nil {
		return 0, errors.New("purge requires the device registry")
	}

	cm, err := p.connect(ctx, false)
	if err != nil {
		return 0, err
	}
	defer func() {
		discCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = cm.Disconnect(discCtx)
	}()

	if err := cm.AwaitConnection(ctx); err != nil {
		return 0, fmt.Errorf("mqtt connect: %w", err)
	}
	return p.purge(ctx, cm)
}

func (p *Publisher) purge(ctx context.Context, client publishClient) (int, error) {
	clearTopic := func(topic string) error {
		_, err := client.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: []byte{},
			QoS:     1,
			Retain:  true,
		})
		if err != nil {
			return fmt.Errorf("clear %s: %w", topic, err)
		}
		return nil
	}

	var errs []error
	for _, s := range p.sensorDefinitions(p.Device()) {
		for _, topic := range []string{
			p.discoveryTopic("sensor", s.entitySuffix),
			p.stateTopic(s.entitySuffix),
			p.attributesTopic(s.entitySuffix),
		} {
			if err := clearTopic(topic); err != nil {
				errs = append(errs, err)
			}
		}
	}

	known, err := p.registry.Announced()
	if err != nil {
		return 0, errors.Join(append(errs, err)...)
	}

	removed := 0
	for _, a := range known {
		topics := []string{a.Topic, p.trackerTopic(a.MAC, "state"), p.trackerTopic(a.MAC, "attributes")}
		failed := false
		for _, topic := range topics {
			if topic == "" {
				continue
			}
			if err := clearTopic(topic); err != nil {
				errs = append(errs, err)
				failed = true
			}
		}
		if failed {
			continue
		}
		if err := p.registry.ForgetDiscovery(a.MAC); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
		p.logger.Info("purged device tracker", "mac", a.MAC, "topic", a.Topic)
	}

	if err := clearTopic(p.availabilityTopic()); err != nil {
		errs = append(errs, err)
	}
	return removed, errors.Join(errs...)
}
