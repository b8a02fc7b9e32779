// Package mqtt connects a FeeServer to an MQTT broker, which plays the role
// of the publish/subscribe transport: named monitoring channels are retained
// topics, the command channel is a subscription and ACKs and messages are
// plain publishes.
//
// The client restores subscriptions on reconnect, recovers panics in
// handlers and maintains a retained status topic with a Last Will.
package mqtt
