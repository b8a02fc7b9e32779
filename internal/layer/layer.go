// Package layer defines the contract between the server core and a
// pluggable device layer.
//
// The core calls Initialize once at startup and Issue for every device
// command. The device layer talks back through Host: it publishes its
// channels while the server is still collecting, signals readiness, and
// logs on the message channel.
package layer

import (
	"context"
	"time"

	"github.com/nerrad567/feeserver/internal/item"
	"github.com/nerrad567/feeserver/internal/memory"
	"github.com/nerrad567/feeserver/internal/message"
	"github.com/nerrad567/feeserver/internal/transport"
)

// DeviceLayer is implemented by the hardware side of the server.
type DeviceLayer interface {
	// Initialize sets up the device layer. It must call host.SignalReady
	// exactly once, from any goroutine, when channels are published.
	// ctx is cancelled if initialisation takes too long.
	Initialize(ctx context.Context, host Host) error

	// Issue executes a device command and returns its result payload.
	// Implementations should return promptly once ctx is done. Errors may
	// carry a protocol.CodeError.
	Issue(ctx context.Context, payload []byte) ([]byte, error)

	// Cleanup releases device resources at shutdown.
	Cleanup()
}

// Property identifies a server setting a device layer may adjust during
// initialisation.
type Property int

// Settable properties.
const (
	PropertyUpdateRate   Property = iota + 1 // time.Duration
	PropertyIssueTimeout                     // time.Duration
	PropertyLogLevel                         // message.EventType
)

func (p Property) String() string {
	switch p {
	case PropertyUpdateRate:
		return "update_rate"
	case PropertyIssueTimeout:
		return "issue_timeout"
	case PropertyLogLevel:
		return "log_level"
	default:
		return "unknown"
	}
}

// Host is the core API available to the device layer.
type Host interface {
	// Arena holds the cells backing float and int channels.
	Arena() *item.Arena

	PublishFloat(it item.FloatItem) (transport.ChannelID, error)
	PublishInt(it item.IntItem) (transport.ChannelID, error)
	PublishChar(it item.CharItem) (transport.ChannelID, error)
	Unpublish(name string) error

	// UpdateChannel pushes a channel's current contents to its clients and
	// returns the number of clients notified.
	UpdateChannel(name string) (int, error)

	// SignalReady ends initialisation. A non-nil err puts the server in
	// its error state.
	SignalReady(err error)

	// Log sends a message on the message channel.
	Log(t message.EventType, description, origin string) bool

	Allocate(size int, typeTag byte, owner string, prefixed bool) (*memory.Block, error)
	Free(h memory.Handle) error

	// SetProperty is honoured only before the server is running.
	SetProperty(p Property, value any) bool
}

// Durations accepted by SetProperty are bounded by these limits.
const (
	MinIssueTimeout = time.Second
	MaxIssueTimeout = time.Hour
)
