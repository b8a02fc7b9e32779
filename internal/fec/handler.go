package fec

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/nerrad567/feeserver/internal/ce"
	"github.com/nerrad567/feeserver/internal/protocol"
)

// Front-end card command group.
const (
	GroupFEC uint8 = 0x10

	CmdReadRegister  uint8 = 0x01
	CmdWriteRegister uint8 = 0x02
	CmdSlowOperation uint8 = 0x03
)

// maxSlowOperation bounds the simulated busy time of CmdSlowOperation.
const maxSlowOperation = 10 * time.Minute

// Handler executes group 0x10 commands. The command parameter selects the
// board.
type Handler struct {
	layer *Layer
}

// GroupID implements ce.IssueHandler.
func (h *Handler) GroupID() uint8 { return GroupFEC }

// CheckCommand implements ce.CommandChecker.
func (h *Handler) CheckCommand(code uint8, param uint16) bool {
	return code >= CmdReadRegister && code <= CmdSlowOperation && int(param) < len(h.layer.boards)
}

// HandleCommand implements ce.IssueHandler.
func (h *Handler) HandleCommand(ctx context.Context, cmd ce.Command) ([]byte, error) {
	board, dev := h.layer.boards[cmd.Param], h.layer.devices[cmd.Param]

	switch cmd.Code {
	case CmdReadRegister:
		if len(cmd.Data) != 4 {
			return nil, fmt.Errorf("%w: read register wants 4 bytes, got %d", protocol.ErrInvalidParameter, len(cmd.Data))
		}
		v, err := board.ReadRegister(binary.LittleEndian.Uint32(cmd.Data))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", protocol.ErrInvalidParameter, err)
		}
		return binary.LittleEndian.AppendUint32(nil, v), nil

	case CmdWriteRegister:
		if len(cmd.Data) != 8 {
			return nil, fmt.Errorf("%w: write register wants 8 bytes, got %d", protocol.ErrInvalidParameter, len(cmd.Data))
		}
		if s := dev.State(); s == ce.Off || s == ce.Unknown || s == ce.Failure {
			return nil, fmt.Errorf("%w: %s is %s", protocol.ErrWrongState, dev.Name(), s)
		}
		addr := binary.LittleEndian.Uint32(cmd.Data)
		if err := board.WriteRegister(addr, binary.LittleEndian.Uint32(cmd.Data[4:])); err != nil {
			return nil, fmt.Errorf("%w: %w", protocol.ErrInvalidParameter, err)
		}
		return nil, nil

	case CmdSlowOperation:
		if len(cmd.Data) != 4 {
			return nil, fmt.Errorf("%w: slow operation wants 4 bytes, got %d", protocol.ErrInvalidParameter, len(cmd.Data))
		}
		d := time.Duration(binary.LittleEndian.Uint32(cmd.Data)) * time.Millisecond
		if d > maxSlowOperation {
			d = maxSlowOperation
		}
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
			return binary.LittleEndian.AppendUint32(nil, uint32(d/time.Millisecond)), nil
		}
	}
	return nil, fmt.Errorf("%w: fec command 0x%02x", protocol.ErrNotImplemented, cmd.Code)
}
