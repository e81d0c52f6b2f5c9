package mqtt

import (
	"github.com/walljm/homeassistant-edgerouter/internal/buildinfo"
	"github.com/walljm/homeassistant-edgerouter/internal/tables"
)

// DeviceInfo holds the Home Assistant device registry fields shared
// across all discovery payloads. Sensors and device trackers reference
// the same block so HA groups them under the router's device page.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version"`
}

// OriginInfo names the software publishing discovery configs.
type OriginInfo struct {
	Name       string `json:"name"`
	SWVersion  string `json:"sw_version"`
	SupportURL string `json:"support_url,omitempty"`
}

// SensorConfig is the JSON payload for an HA MQTT sensor discovery
// message. It is published (retained) to the discovery topic on every
// broker (re-)connect.
type SensorConfig struct {
	Name                string     `json:"name"`
	ObjectID            string     `json:"object_id,omitempty"`
	HasEntityName       bool       `json:"has_entity_name,omitempty"`
	UniqueID            string     `json:"unique_id"`
	StateTopic          string     `json:"state_topic"`
	AvailabilityTopic   string     `json:"availability_topic"`
	JsonAttributesTopic string     `json:"json_attributes_topic,omitempty"`
	Device              DeviceInfo `json:"device"`
	Origin              OriginInfo `json:"origin"`
	Icon                string     `json:"icon,omitempty"`
	DeviceClass         string     `json:"device_class,omitempty"`
	UnitOfMeasurement   string     `json:"unit_of_measurement,omitempty"`
	StateClass          string     `json:"state_class,omitempty"`
	EntityCategory      string     `json:"entity_category,omitempty"`
}

// TrackerConfig is the discovery payload for one device_tracker
// entity.
type TrackerConfig struct {
	Name                string     `json:"name"`
	ObjectID            string     `json:"object_id,omitempty"`
	UniqueID            string     `json:"unique_id"`
	StateTopic          string     `json:"state_topic"`
	JsonAttributesTopic string     `json:"json_attributes_topic"`
	AvailabilityTopic   string     `json:"availability_topic"`
	PayloadHome         string     `json:"payload_home"`
	PayloadNotHome      string     `json:"payload_not_home"`
	SourceType          string     `json:"source_type"`
	Icon                string     `json:"icon,omitempty"`
	Device              DeviceInfo `json:"device"`
	Origin              OriginInfo `json:"origin"`
}

// NewDeviceInfo builds the router's device block. The instance ID is
// the primary identifier so HA keeps entity history when device_name
// changes. Model and firmware come from "show version"; an empty info
// yields generic values until the router has been queried.
func NewDeviceInfo(instanceID, deviceName string, info tables.SystemInfo) DeviceInfo {
	return DeviceInfo{
		Identifiers:  []string{instanceID},
		Name:         deviceName,
		Manufacturer: "Ubiquiti",
		Model:        info.Model(),
		SWVersion:    info.Version(),
	}
}

func newOrigin() OriginInfo {
	return OriginInfo{
		Name:       "edgetrack",
		SWVersion:  buildinfo.Version,
		SupportURL: "https://github.com/walljm/homeassistant-edgerouter",
	}
}
