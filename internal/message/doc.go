// Package message implements the server's log/alarm channel.
//
// Messages are filtered by an event-type bitmask (alarms always pass),
// encoded as CBOR and published on the message channel. Identical
// consecutive descriptions are held back while the replicate watchdog is
// running; the watchdog later sends a single "message repeated N times"
// notice in their place.
package message
