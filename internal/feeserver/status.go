package feeserver

import (
	"time"

	"github.com/nerrad567/feeserver/internal/item"
	"github.com/nerrad567/feeserver/internal/memory"
	"github.com/nerrad567/feeserver/internal/monitor"
)

// Status is a point-in-time view of the server.
type Status struct {
	Name         string        `json:"name"`
	InstanceID   string        `json:"instance_id"`
	State        string        `json:"state"`
	Reason       string        `json:"reason,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	Uptime       time.Duration `json:"uptime_ns"`
	IssueTimeout time.Duration `json:"issue_timeout_ns"`
	UpdateRate   time.Duration `json:"update_rate_ns"`
	LogLevel     string        `json:"log_level"`
	Commands     uint64        `json:"commands"`
	Timeouts     uint64        `json:"timeouts"`
	Channels     int           `json:"channels"`
	Replicates   int           `json:"replicates"`
	Monitor      monitor.Stats `json:"monitor"`
	Memory       memory.Stats  `json:"memory"`
}

// Status returns the current server status.
func (s *Server) Status() Status {
	s.stateMu.RLock()
	st := Status{
		Name:       s.cfg.Name,
		InstanceID: s.instanceID,
		State:      s.state.String(),
		Reason:     s.reason,
		StartedAt:  s.started,
	}
	s.stateMu.RUnlock()

	if !st.StartedAt.IsZero() {
		st.Uptime = time.Since(st.StartedAt)
	}
	st.IssueTimeout = s.IssueTimeout()
	st.UpdateRate = s.mon.UpdateRate()
	st.LogLevel = s.msgs.Level().String()
	st.Commands = s.commands.Load()
	st.Timeouts = s.timeouts.Load()
	st.Replicates = s.msgs.Replicates()
	st.Monitor = s.mon.Stats()
	st.Memory = s.alloc.Stats()
	for _, kind := range []item.Kind{item.KindFloat, item.KindInt, item.KindChar} {
		st.Channels += s.registry.Len(kind)
	}
	return st
}
