package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// ResultCode is the error code carried in ACK headers and returned by
// device-layer operations.
type ResultCode int16

// Result codes.
const (
	OK                 ResultCode = 0
	Failed             ResultCode = -1
	InvalidParameter   ResultCode = -2
	NullPointer        ResultCode = -3
	ChecksumFailed     ResultCode = -4
	WrongState         ResultCode = -5
	ItemNameExists     ResultCode = -6
	InsufficientMemory ResultCode = -7
	ThreadError        ResultCode = -8
	Timeout            ResultCode = -9
	UnknownReturnValue ResultCode = -10
	NotImplemented     ResultCode = -11
	ItemNotFound       ResultCode = -12
)

// Sentinel errors, one per failing result code.
var (
	ErrFailed             = errors.New("feeserver: operation failed")
	ErrInvalidParameter   = errors.New("feeserver: invalid parameter")
	ErrNullPointer        = errors.New("feeserver: required value missing")
	ErrChecksumFailed     = errors.New("feeserver: checksum mismatch")
	ErrWrongState         = errors.New("feeserver: wrong state")
	ErrItemNameExists     = errors.New("feeserver: item name already exists")
	ErrInsufficientMemory = errors.New("feeserver: insufficient memory")
	ErrThreadError        = errors.New("feeserver: thread error")
	ErrTimeout            = errors.New("feeserver: timeout")
	ErrUnknownReturnValue = errors.New("feeserver: unknown return value")
	ErrNotImplemented     = errors.New("feeserver: not implemented")
	ErrItemNotFound       = errors.New("feeserver: item not found")
)

var codeTable = []struct {
	code ResultCode
	err  error
}{
	{InvalidParameter, ErrInvalidParameter},
	{NullPointer, ErrNullPointer},
	{ChecksumFailed, ErrChecksumFailed},
	{WrongState, ErrWrongState},
	{ItemNameExists, ErrItemNameExists},
	{InsufficientMemory, ErrInsufficientMemory},
	{ThreadError, ErrThreadError},
	{Timeout, ErrTimeout},
	{UnknownReturnValue, ErrUnknownReturnValue},
	{NotImplemented, ErrNotImplemented},
	{ItemNotFound, ErrItemNotFound},
	{Failed, ErrFailed},
}

func lookup(c ResultCode) (error, bool) {
	for _, e := range codeTable {
		if e.code == c {
			return e.err, true
		}
	}
	return nil, false
}

// Valid reports whether c is in the result code table.
func (c ResultCode) Valid() bool {
	if c == OK {
		return true
	}
	_, ok := lookup(c)
	return ok
}

// Err returns the sentinel for c, or nil for OK.
func (c ResultCode) Err() error {
	if c == OK {
		return nil
	}
	if err, ok := lookup(c); ok {
		return err
	}
	return ErrUnknownReturnValue
}

func (c ResultCode) String() string {
	if c == OK {
		return "ok"
	}
	if err, ok := lookup(c); ok {
		return strings.TrimPrefix(err.Error(), "feeserver: ")
	}
	return fmt.Sprintf("code(%d)", int16(c))
}

// CodeError lets a device layer report a raw result code.
type CodeError struct {
	Code ResultCode
}

func (e CodeError) Error() string {
	return fmt.Sprintf("device result code %d", int16(e.Code))
}

// Is matches the sentinel of the (clamped) code.
func (e CodeError) Is(target error) bool {
	return Clamp(e.Code).Err() == target
}

// Clamp maps codes outside the table to UnknownReturnValue.
func Clamp(c ResultCode) ResultCode {
	if c.Valid() {
		return c
	}
	return UnknownReturnValue
}

// CodeOf maps an error to its result code. Unrecognised errors are Failed.
// When err wraps several sentinels the first in table order wins.
func CodeOf(err error) ResultCode {
	if err == nil {
		return OK
	}
	var ce CodeError
	if errors.As(err, &ce) {
		return Clamp(ce.Code)
	}
	for _, e := range codeTable {
		if errors.Is(err, e.err) {
			return e.code
		}
	}
	return Failed
}
