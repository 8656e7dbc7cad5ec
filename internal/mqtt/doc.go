// Package mqtt mirrors the agent onto a LAN MQTT broker. Every
// heartbeat and status payload sent to the relay is also published
// under the configured topic prefix, the printer appears as a Home
// Assistant device through MQTT discovery, and commands published to
// the command topic are routed exactly as if the relay had sent them.
//
// The connection is managed by Eclipse Paho v2's [autopaho] package.
// On every (re-)connect the mirror publishes retained discovery
// configs, a birth message ("online") to the availability topic, and
// re-subscribes to the command topic. A will message flips
// availability to "offline" on unexpected disconnects.
package mqtt
