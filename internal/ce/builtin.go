package ce

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/nerrad567/feeserver/internal/protocol"
)

// Built-in command group of the control engine.
const (
	GroupEngine uint8 = 0x01

	CmdGetState       uint8 = 0x01
	CmdTrigger        uint8 = 0x02
	CmdListDevices    uint8 = 0x03
	CmdUpdateServices uint8 = 0x04
)

type engineHandler struct {
	ce *ControlEngine
}

func (engineHandler) GroupID() uint8 { return GroupEngine }

func (engineHandler) CheckCommand(code uint8, _ uint16) bool {
	return code >= CmdGetState && code <= CmdUpdateServices
}

func (h engineHandler) HandleCommand(_ context.Context, cmd Command) ([]byte, error) {
	switch cmd.Code {
	case CmdGetState:
		d, err := h.device(cmd.Param)
		if err != nil {
			return nil, err
		}
		return binary.LittleEndian.AppendUint32(nil, uint32(d.State())), nil

	case CmdTrigger:
		d, err := h.device(cmd.Param)
		if err != nil {
			return nil, err
		}
		if err := d.TriggerTransition(string(cmd.Data)); err != nil {
			return nil, transitionError(err)
		}
		return binary.LittleEndian.AppendUint32(nil, uint32(d.State())), nil

	case CmdListDevices:
		var b strings.Builder
		for _, info := range h.ce.Snapshot() {
			fmt.Fprintf(&b, "%d %s %d %s\n", info.ID, info.Name, info.Parent, info.State)
		}
		return []byte(b.String()), nil

	case CmdUpdateServices:
		n := h.ce.UpdateAll()
		return binary.LittleEndian.AppendUint32(nil, uint32(n)), nil
	}
	return nil, fmt.Errorf("%w: engine command 0x%02x", protocol.ErrNotImplemented, cmd.Code)
}

func (h engineHandler) device(param uint16) (*Device, error) {
	d, err := h.ce.Device(int(param))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", protocol.ErrInvalidParameter, err)
	}
	return d, nil
}

// transitionError maps transition failures onto result codes.
func transitionError(err error) error {
	switch {
	case errors.Is(err, ErrIllegalTransition):
		return fmt.Errorf("%w: %w", protocol.ErrWrongState, err)
	case errors.Is(err, ErrUnknownTransition):
		return fmt.Errorf("%w: %w", protocol.ErrInvalidParameter, err)
	default:
		return err
	}
}
