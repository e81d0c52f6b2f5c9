// Package mqtt publishes router presence to Home Assistant over MQTT
// discovery. The router appears as one HA device carrying summary
// sensors, and every tracked MAC becomes a device_tracker entity with
// source_type router.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes a birth message ("online") to the
// availability topic and schedules a full republish of discovery
// configs and states. A will message moves the availability topic to
// "offline" on unexpected disconnects.
//
// Poll results reach the publisher through the poller.Listener
// callbacks, which only store the latest outcome and wake the publish
// loop. Broker latency never delays a poll round.
package mqtt
