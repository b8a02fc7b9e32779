package ce

import (
	"context"
	"encoding/binary"
	"fmt"
)

// blockHeaderSize is the word plus the length field.
const blockHeaderSize = 8

// Command is one decoded command block.
type Command struct {
	Group uint8
	Code  uint8
	Param uint16
	Data  []byte
}

// Word packs group, code and parameter into the block's command word.
func (c Command) Word() uint32 {
	return uint32(c.Group)<<24 | uint32(c.Code)<<16 | uint32(c.Param)
}

func (c Command) String() string {
	return fmt.Sprintf("group=0x%02x cmd=0x%02x param=%d len=%d", c.Group, c.Code, c.Param, len(c.Data))
}

// IssueHandler executes the commands of one group.
type IssueHandler interface {
	GroupID() uint8
	HandleCommand(ctx context.Context, cmd Command) ([]byte, error)
}

// CommandChecker is implemented by handlers that claim only some commands
// of their group.
type CommandChecker interface {
	CheckCommand(code uint8, param uint16) bool
}

// EncodeBlocks frames commands as a device payload.
func EncodeBlocks(cmds ...Command) []byte {
	size := 0
	for _, c := range cmds {
		size += blockHeaderSize + len(c.Data)
	}

	out := make([]byte, 0, size)
	for _, c := range cmds {
		out = binary.LittleEndian.AppendUint32(out, c.Word())
		out = binary.LittleEndian.AppendUint32(out, uint32(len(c.Data)))
		out = append(out, c.Data...)
	}
	return out
}

// DecodeBlocks splits a device payload into commands. Data slices alias b.
func DecodeBlocks(b []byte) ([]Command, error) {
	var cmds []Command
	for off := 0; off < len(b); {
		if len(b)-off < blockHeaderSize {
			return nil, fmt.Errorf("%w: %d trailing bytes at offset %d", ErrMalformedBlock, len(b)-off, off)
		}
		word := binary.LittleEndian.Uint32(b[off:])
		n := binary.LittleEndian.Uint32(b[off+4:])
		off += blockHeaderSize
		if uint64(n) > uint64(len(b)-off) {
			return nil, fmt.Errorf("%w: block declares %d bytes, %d left", ErrMalformedBlock, n, len(b)-off)
		}
		cmds = append(cmds, Command{
			Group: uint8(word >> 24),
			Code:  uint8(word >> 16),
			Param: uint16(word),
			Data:  b[off : off+int(n)],
		})
		off += int(n)
	}
	return cmds, nil
}

func claims(h IssueHandler, cmd Command) bool {
	if h.GroupID() != cmd.Group {
		return false
	}
	if c, ok := h.(CommandChecker); ok {
		return c.CheckCommand(cmd.Code, cmd.Param)
	}
	return true
}
