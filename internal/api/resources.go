package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/feeserver/internal/audit"
	"github.com/nerrad567/feeserver/internal/item"
	"github.com/nerrad567/feeserver/internal/message"
)

// Query limits.
const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// queryInt parses an optional integer query parameter.
func queryInt(r *http.Request, name string, def int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}

func queryLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	limit, ok := queryInt(r, "limit", defaultListLimit)
	if !ok {
		writeBadRequest(w, "limit must be a non-negative integer")
		return 0, false
	}
	if limit == 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	return limit, true
}

// handleListChannels lists published channels, optionally filtered by kind.
func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	kind := r.URL.Query().Get("kind")
	channels := s.core.Channels()

	out := make([]item.ChannelInfo, 0, len(channels))
	for _, c := range channels {
		if kind == "" || c.Kind == kind {
			out = append(out, c)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"channels": out,
		"count":    len(out),
	})
}

// handleListDevices lists the control engine's device tree.
func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	if s.devices == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "no control engine")
		return
	}
	devices := s.devices.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"devices": devices,
		"count":   len(devices),
	})
}

// handleDeviceHistory returns recorded transitions of one device.
func (s *Server) handleDeviceHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "state history not enabled")
		return
	}
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || id < 0 {
		writeBadRequest(w, "device id must be a non-negative integer")
		return
	}
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}

	entries, err := s.history.GetHistory(r.Context(), id, limit)
	if err != nil {
		s.logger.Error("loading device history failed", "device_id", id, "error", err)
		writeInternalError(w, "failed to load history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"device_id": id,
		"history":   entries,
		"count":     len(entries),
	})
}

// handleListMessages returns recent messages, from the store when
// persistence is enabled and from memory otherwise.
func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	mask, ok := queryInt(r, "mask", int(message.AllEvents))
	if !ok || mask == 0 || message.EventType(mask)&^message.AllEvents != 0 {
		writeBadRequest(w, "mask must be a non-zero event type bitmask")
		return
	}

	var msgs []message.Message
	if s.messages != nil {
		var err error
		msgs, err = s.messages.List(r.Context(), message.EventType(mask), limit)
		if err != nil {
			s.logger.Error("loading messages failed", "error", err)
			writeInternalError(w, "failed to load messages")
			return
		}
	} else {
		for _, m := range s.core.Messages().Recent(limit) {
			if m.EventType&message.EventType(mask) != 0 {
				msgs = append(msgs, m)
			}
		}
	}
	if msgs == nil {
		msgs = []message.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"messages": msgs,
		"count":    len(msgs),
	})
}

// handleListCommands returns the command audit trail.
func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	if s.auditRepo == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "command audit not enabled")
		return
	}
	limit, ok := queryInt(r, "limit", 0)
	if !ok {
		writeBadRequest(w, "limit must be a non-negative integer")
		return
	}
	offset, ok := queryInt(r, "offset", 0)
	if !ok {
		writeBadRequest(w, "offset must be a non-negative integer")
		return
	}

	result, err := s.auditRepo.List(r.Context(), audit.Filter{
		Origin:     r.URL.Query().Get("origin"),
		FailedOnly: r.URL.Query().Get("failed") == "true",
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		s.logger.Error("listing command audit failed", "error", err)
		writeInternalError(w, "failed to list commands")
		return
	}
	writeJSON(w, http.StatusOK, result)
}
