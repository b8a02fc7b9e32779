// Package transport abstracts the publish/subscribe layer that exposes a
// server's named channels and delivers its inbound commands.
//
// Two implementations are provided: Loopback, an in-memory transport used by
// tests and the bench, and MQTT, which maps channels onto broker topics.
package transport

import "errors"

// ChannelID identifies a registered channel.
type ChannelID uint32

// Reserved channel names.
const (
	AckChannel     = "ACK"
	MessageChannel = "MSG"
	CommandChannel = "COMMAND"
)

// Provider returns the current contents of a channel. It is called when an
// update carries no payload and when a client asks for the current value.
type Provider func() []byte

// CommandHandler receives the raw bytes of one inbound command.
type CommandHandler func(payload []byte)

// Transport is the publish/subscribe layer.
type Transport interface {
	// AddChannel registers a named outbound channel.
	AddChannel(name string, provider Provider) (ChannelID, error)

	// RemoveChannel withdraws a channel.
	RemoveChannel(id ChannelID) error

	// Update publishes payload on the channel and returns the number of
	// clients notified. A nil payload asks the channel's provider.
	Update(id ChannelID, payload []byte) (int, error)

	// SubscribeCommand registers the inbound command channel.
	SubscribeCommand(name string, handler CommandHandler) (ChannelID, error)

	// Close releases the transport.
	Close() error
}

// Errors.
var (
	ErrChannelExists  = errors.New("transport: channel already registered")
	ErrUnknownChannel = errors.New("transport: unknown channel")
	ErrClosed         = errors.New("transport: closed")
	ErrCommandTaken   = errors.New("transport: command channel already registered")
)
