package feeserver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/feeserver/internal/audit"
	"github.com/nerrad567/feeserver/internal/message"
	"github.com/nerrad567/feeserver/internal/protocol"
)

// ackTypeTag marks ACK buffers in the allocator.
const ackTypeTag = 'A'

const auditTimeout = 2 * time.Second

// Result describes one executed command.
type Result struct {
	ID       uint32              `json:"id"`
	Flags    protocol.Flags      `json:"flags"`
	Code     protocol.ResultCode `json:"code"`
	Payload  []byte              `json:"payload,omitempty"`
	Ack      []byte              `json:"-"`
	Duration time.Duration       `json:"duration_ns"`
}

// Err returns the sentinel error for the result code, or nil.
func (r Result) Err() error {
	return r.Code.Err()
}

// onCommand is the command channel handler.
func (s *Server) onCommand(raw []byte) {
	if _, err := s.Execute(context.Background(), raw, "transport"); err != nil {
		s.logger.Debug("command rejected", "error", err)
	}
}

// Execute runs one raw command, publishes its ACK and returns the result.
// The returned error is the command's failure, if any; the ACK has
// already been sent by then. Commands are serialised.
//
// Before the server is running commands are dropped without an ACK and
// reported as ThreadError.
func (s *Server) Execute(ctx context.Context, raw []byte, origin string) (Result, error) {
	// The state only moves forward, so a server seen running stays
	// running or in error.
	if st := s.State(); st != StateRunning && st != StateError {
		s.logger.Debug("command dropped", "state", st.String(), "origin", origin)
		return Result{Code: protocol.ThreadError}, fmt.Errorf("%w: server is %s", protocol.ErrThreadError, st)
	}

	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	start := time.Now()
	s.commands.Add(1)

	h, payload, err := protocol.ParseCommand(raw)
	var (
		data  []byte
		after func()
	)
	if err == nil {
		data, after, err = s.dispatch(ctx, h, payload)
	}

	code := protocol.CodeOf(err)
	if code != protocol.OK {
		data = nil
		after = nil
	}

	ack, code := s.composeAck(h, code, data)
	if code == protocol.InsufficientMemory && err == nil {
		err = fmt.Errorf("%w: ACK of %d bytes", protocol.ErrInsufficientMemory, len(data))
		data = nil
	}
	if _, perr := s.tr.Update(s.channels.ack, ack); perr != nil {
		s.logger.Warn("publishing ACK failed", "command", h.ID, "error", perr)
	}

	res := Result{
		ID:       h.ID,
		Flags:    h.Flags,
		Code:     code,
		Payload:  data,
		Ack:      ack,
		Duration: time.Since(start),
	}
	s.record(ctx, res, origin, len(payload))

	if after != nil {
		after()
	}
	return res, err
}

// dispatch routes a parsed command to the administrative handlers or the
// device layer.
func (s *Server) dispatch(ctx context.Context, h protocol.Header, payload []byte) ([]byte, func(), error) {
	if u := h.Flags.Unknown(); u != 0 {
		return nil, nil, fmt.Errorf("%w: unknown flag bits %#04x", protocol.ErrInvalidParameter, uint16(u))
	}
	if !h.Flags.IsDevice() {
		return s.admin(h.Flags.Admin(), payload)
	}

	if s.State() == StateError {
		return nil, nil, fmt.Errorf("%w: device commands refused in error state", protocol.ErrWrongState)
	}
	data, err := s.issue(ctx, payload)
	return data, nil, err
}

type outcome struct {
	data     []byte
	err      error
	panicked bool
}

// issue runs a device command in a worker bounded by the issue timeout.
// The worker only sees cancellation from the watchdog or from the caller
// giving up. Either way the command lock is held until the worker returns
// or AbandonGrace passes; an abandoned worker puts the server in Error so
// no second worker can start beside it.
func (s *Server) issue(ctx context.Context, payload []byte) ([]byte, error) {
	timeout := s.IssueTimeout()

	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	done := make(chan outcome, 1)
	s.inFlight.Add(1)
	go func() {
		defer s.inFlight.Done()
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("%w: device layer panicked: %v", protocol.ErrThreadError, r), panicked: true}
			}
		}()
		data, err := s.dev.Issue(wctx, payload)
		done <- outcome{data: data, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case o := <-done:
		if o.panicked {
			s.enterError(o.err.Error())
		}
		return o.data, o.err

	case <-timer.C:
		cancel()
		s.timeouts.Add(1)
		s.msgs.Log(message.Warning, fmt.Sprintf("device command timed out after %s", timeout), origin)
		s.awaitCancelled(done, "device command worker did not stop after timeout")
		return nil, fmt.Errorf("%w: device command exceeded %s", protocol.ErrTimeout, timeout)

	case <-ctx.Done():
		cancel()
		s.msgs.Log(message.Warning, "device command cancelled by caller", origin)
		s.awaitCancelled(done, "device command worker did not stop after cancellation")
		return nil, fmt.Errorf("%w: %w", protocol.ErrFailed, ctx.Err())
	}
}

// awaitCancelled waits up to AbandonGrace for a cancelled worker and enters
// Error when it is still running.
func (s *Server) awaitCancelled(done <-chan outcome, reason string) {
	grace := time.NewTimer(s.cfg.AbandonGrace)
	defer grace.Stop()
	select {
	case <-done:
	case <-grace.C:
		s.enterError(reason)
	}
}

// composeAck builds the ACK for a command. Non-empty results live in a
// prefixed allocator block with the header in the prefix; the previous
// ACK block is released first. When the block cannot be allocated the ACK
// carries InsufficientMemory and no payload; the code sent is returned.
func (s *Server) composeAck(cmd protocol.Header, code protocol.ResultCode, payload []byte) ([]byte, protocol.ResultCode) {
	s.ackMu.Lock()
	defer s.ackMu.Unlock()

	if s.ackBlock != nil {
		if err := s.alloc.Free(s.ackBlock.Identity); err != nil {
			s.logger.Warn("releasing previous ACK failed", "error", err)
		}
		s.ackBlock = nil
	}

	var ack []byte
	if len(payload) == 0 {
		ack = protocol.AckHeader(cmd, code, nil).Encode()
	} else {
		block, err := s.alloc.Allocate(len(payload), ackTypeTag, "ack", true)
		if err != nil {
			s.logger.Warn("allocating ACK failed", "command", cmd.ID, "size", len(payload), "error", err)
			code = protocol.InsufficientMemory
			ack = protocol.AckHeader(cmd, code, nil).Encode()
		} else {
			protocol.AckHeader(cmd, code, payload).Put(block.Prefix())
			copy(block.Data(), payload)
			s.ackBlock = block
			ack = block.Raw()
		}
	}
	s.ack = ack
	return ack, code
}

// currentAck is the ACK channel provider.
func (s *Server) currentAck() []byte {
	s.ackMu.Lock()
	defer s.ackMu.Unlock()
	return append([]byte(nil), s.ack...)
}

// record writes the command to the audit log and the command sink.
func (s *Server) record(ctx context.Context, res Result, origin string, payloadSize int) {
	if res.Code != protocol.OK {
		s.logger.Info("command failed",
			"id", res.ID,
			"flags", res.Flags.String(),
			"code", res.Code.String(),
			"origin", origin,
		)
	} else {
		s.logger.Debug("command executed",
			"id", res.ID,
			"flags", res.Flags.String(),
			"result_size", len(res.Payload),
			"duration", res.Duration,
		)
	}

	if s.cfg.CommandSink != nil {
		s.cfg.CommandSink.WriteCommand(uint16(res.Flags), int16(res.Code), res.Duration, len(res.Payload))
	}
	if s.cfg.Audit == nil {
		return
	}

	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
	defer cancel()
	err := s.cfg.Audit.Create(actx, &audit.Entry{
		CommandID:   res.ID,
		Flags:       uint16(res.Flags),
		Origin:      origin,
		ResultCode:  int16(res.Code),
		PayloadSize: payloadSize,
		ResultSize:  len(res.Payload),
		Duration:    res.Duration,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("recording command audit failed", "id", res.ID, "error", err)
	}
}
