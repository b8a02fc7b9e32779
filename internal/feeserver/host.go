package feeserver

import (
	"time"

	"github.com/nerrad567/feeserver/internal/item"
	"github.com/nerrad567/feeserver/internal/layer"
	"github.com/nerrad567/feeserver/internal/memory"
	"github.com/nerrad567/feeserver/internal/message"
	"github.com/nerrad567/feeserver/internal/transport"
)

var _ layer.Host = (*Server)(nil)

// Arena implements layer.Host.
func (s *Server) Arena() *item.Arena { return s.arena }

// PublishFloat implements layer.Host.
func (s *Server) PublishFloat(it item.FloatItem) (transport.ChannelID, error) {
	return s.registry.PublishFloat(it)
}

// PublishInt implements layer.Host.
func (s *Server) PublishInt(it item.IntItem) (transport.ChannelID, error) {
	return s.registry.PublishInt(it)
}

// PublishChar implements layer.Host.
func (s *Server) PublishChar(it item.CharItem) (transport.ChannelID, error) {
	return s.registry.PublishChar(it)
}

// Unpublish implements layer.Host.
func (s *Server) Unpublish(name string) error {
	return s.registry.Unpublish(name)
}

// UpdateChannel implements layer.Host.
func (s *Server) UpdateChannel(name string) (int, error) {
	return s.registry.UpdateChannel(name)
}

// SignalReady implements layer.Host. Only the first call counts.
func (s *Server) SignalReady(err error) {
	s.readyOnce.Do(func() {
		s.readyCh <- err
	})
}

// Log implements layer.Host.
func (s *Server) Log(t message.EventType, description, origin string) bool {
	return s.msgs.Log(t, description, origin)
}

// Allocate implements layer.Host.
func (s *Server) Allocate(size int, typeTag byte, owner string, prefixed bool) (*memory.Block, error) {
	return s.alloc.Allocate(size, typeTag, owner, prefixed)
}

// Free implements layer.Host.
func (s *Server) Free(h memory.Handle) error {
	return s.alloc.Free(h)
}

// SetProperty implements layer.Host.
func (s *Server) SetProperty(p layer.Property, value any) bool {
	if s.State() != StateCollecting {
		s.logger.Warn("property change refused outside initialisation", "property", p.String())
		return false
	}

	switch p {
	case layer.PropertyUpdateRate:
		d, ok := value.(time.Duration)
		if !ok || d <= 0 {
			return false
		}
		s.mon.SetUpdateRate(d)

	case layer.PropertyIssueTimeout:
		d, ok := value.(time.Duration)
		if !ok || d < layer.MinIssueTimeout || d > layer.MaxIssueTimeout {
			return false
		}
		s.issueTimeout.Store(int64(d))

	case layer.PropertyLogLevel:
		mask, ok := value.(message.EventType)
		if !ok {
			return false
		}
		s.msgs.SetLevel(mask)

	default:
		return false
	}

	s.logger.Debug("property set", "property", p.String(), "value", value)
	return true
}
