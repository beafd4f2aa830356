// Package mqtt publishes operational telemetry for the voice relay to
// an MQTT broker: a retained availability topic, a periodic status
// snapshot (active calls, provider readiness, tokens used today), and a
// live feed of call and turn events taken from the event bus.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes a birth message ("online") to the
// availability topic; a will message flips it to "offline" on an
// unexpected disconnect.
package mqtt
