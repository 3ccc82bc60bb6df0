// Package mqtt announces service status over MQTT. When a broker is
// configured, Reeve publishes an availability topic, periodic service
// stats, and a notification for every operational event on the bus,
// so fleet dashboards and automations can watch the service without
// polling the HTTP API.
//
// The announcer uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes a birth message ("online") to the
// availability topic; a will message ensures the topic transitions to
// "offline" on unexpected disconnects.
package mqtt
