package api

import (
	"encoding/json"
	"net/http"

	"github.com/nerrad567/feeserver/internal/protocol"
)

// commandOrigin tags commands injected over HTTP in the audit trail.
const commandOrigin = "api"

// commandRequest is the body of POST /commands. Payload is base64 in JSON.
type commandRequest struct {
	ID       uint32 `json:"id"`
	Flags    uint16 `json:"flags"`
	Payload  []byte `json:"payload"`
	Checksum bool   `json:"checksum"`
}

// commandResponse describes the ACK of an injected command.
type commandResponse struct {
	ID         uint32  `json:"id"`
	Code       int16   `json:"code"`
	Result     string  `json:"result"`
	Flags      string  `json:"flags"`
	Payload    []byte  `json:"payload,omitempty"`
	AckSize    int     `json:"ack_size"`
	Checksum   *uint32 `json:"checksum,omitempty"`
	DurationMS float64 `json:"duration_ms"`
}

// handleExecuteCommand builds a raw command and runs it through the same
// path as the transport command channel. The ACK is still published on
// the ACK channel.
func (s *Server) handleExecuteCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	flags := protocol.Flags(req.Flags)
	if req.Checksum {
		flags |= protocol.FlagChecksum
	}
	raw := protocol.EncodeCommand(req.ID, flags, req.Payload)

	res, err := s.core.Execute(r.Context(), raw, commandOrigin)
	if err != nil {
		s.logger.Info("api command failed",
			"id", req.ID,
			"flags", flags.String(),
			"subject", r.Context().Value(ctxKeySubject),
			"error", err,
		)
	}

	resp := commandResponse{
		ID:         res.ID,
		Code:       int16(res.Code),
		Result:     res.Code.String(),
		Flags:      res.Flags.String(),
		Payload:    res.Payload,
		AckSize:    len(res.Ack),
		DurationMS: float64(res.Duration.Microseconds()) / 1000,
	}
	if h, herr := protocol.DecodeHeader(res.Ack); herr == nil && h.Flags.Has(protocol.FlagChecksum) {
		sum := uint32(h.Checksum)
		resp.Checksum = &sum
	}
	writeJSON(w, http.StatusOK, resp)
}
