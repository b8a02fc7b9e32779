package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/nerrad567/feeserver/internal/checksum"
)

// HeaderSize is the fixed size of a command or ACK header.
const HeaderSize = 12

// Header is the decoded command/ACK header.
type Header struct {
	ID        uint32
	ErrorCode int16
	Flags     Flags
	Checksum  int32
}

// Put writes h into the first HeaderSize bytes of dst.
func (h Header) Put(dst []byte) {
	_ = dst[HeaderSize-1]
	binary.LittleEndian.PutUint32(dst[0:4], h.ID)
	binary.LittleEndian.PutUint16(dst[4:6], uint16(h.ErrorCode))
	binary.LittleEndian.PutUint16(dst[6:8], uint16(h.Flags))
	binary.LittleEndian.PutUint32(dst[8:12], uint32(h.Checksum))
}

// Encode returns the 12-byte wire form of h.
func (h Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	h.Put(buf)
	return buf
}

// DecodeHeader parses the first HeaderSize bytes of b.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%w: header needs %d bytes, got %d", ErrInvalidParameter, HeaderSize, len(b))
	}
	return Header{
		ID:        binary.LittleEndian.Uint32(b[0:4]),
		ErrorCode: int16(binary.LittleEndian.Uint16(b[4:6])),
		Flags:     Flags(binary.LittleEndian.Uint16(b[6:8])),
		Checksum:  int32(binary.LittleEndian.Uint32(b[8:12])),
	}, nil
}

// ParseCommand splits a raw command into header and payload and, when the
// checksum flag is set, verifies the payload against the header checksum.
func ParseCommand(raw []byte) (Header, []byte, error) {
	h, err := DecodeHeader(raw)
	if err != nil {
		return Header{}, nil, err
	}
	payload := raw[HeaderSize:]
	if h.Flags.Has(FlagChecksum) && !checksum.Verify(payload, uint32(h.Checksum)) {
		return h, payload, fmt.Errorf("%w: command %d", ErrChecksumFailed, h.ID)
	}
	return h, payload, nil
}

// AckHeader builds the ACK header for a command: the command id is echoed,
// the result code is carried as error code and the checksum is computed over
// payload when the command requested one.
func AckHeader(cmd Header, code ResultCode, payload []byte) Header {
	ack := Header{
		ID:        cmd.ID,
		ErrorCode: int16(code),
		Flags:     cmd.Flags & FlagChecksum,
	}
	if ack.Flags.Has(FlagChecksum) {
		ack.Checksum = int32(checksum.Sum(payload))
	}
	return ack
}

// EncodeCommand builds a raw command. It is the client side of ParseCommand
// and is used by the HTTP API and tests.
func EncodeCommand(id uint32, flags Flags, payload []byte) []byte {
	h := Header{ID: id, Flags: flags}
	if flags.Has(FlagChecksum) {
		h.Checksum = int32(checksum.Sum(payload))
	}
	buf := make([]byte, HeaderSize+len(payload))
	h.Put(buf)
	copy(buf[HeaderSize:], payload)
	return buf
}
