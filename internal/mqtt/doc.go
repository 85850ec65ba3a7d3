// Package mqtt mirrors Wright's activity to an MQTT broker. Wright shows
// up in Home Assistant as a device with run counters, a last-run sensor
// carrying the full audit record, and one connectivity sensor per model
// provider fed by the health monitor's bus events.
//
// Connection management is Eclipse Paho v2's [autopaho]. Each
// (re)connect republishes retained discovery configs and the birth
// message; the will message flips availability to "offline" if the
// process disappears.
package mqtt
