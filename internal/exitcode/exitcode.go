// Package exitcode lists the process exit codes shared by the server and
// its supervisor. The supervisor, not the server, performs restarts.
package exitcode

import (
	"errors"
	"fmt"
)

// Code is a process exit status.
type Code int

// Exit codes.
const (
	Normal    Code = 0
	Failure   Code = 1
	Restart   Code = 2
	RetryInit Code = 3

	NoServerName Code = 201
	NoTransport  Code = 202
	NoMemory     Code = 203
	BadConfig    Code = 204
)

func (c Code) String() string {
	switch c {
	case Normal:
		return "normal"
	case Failure:
		return "failure"
	case Restart:
		return "restart"
	case RetryInit:
		return "retry_init"
	case NoServerName:
		return "no_server_name"
	case NoTransport:
		return "no_transport"
	case NoMemory:
		return "no_memory"
	case BadConfig:
		return "bad_config"
	default:
		return fmt.Sprintf("exit(%d)", int(c))
	}
}

// Restartable reports whether a supervisor should start the server again
// after it exited with c.
func (c Code) Restartable() bool {
	return c == Restart || c == RetryInit
}

// Fatal reports whether c is an unrecoverable startup failure.
func (c Code) Fatal() bool {
	return c >= NoServerName && c <= BadConfig
}

// Error carries an exit code through an error chain.
type Error struct {
	Code Code
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap attaches code to err.
func Wrap(code Code, err error) error {
	return &Error{Code: code, Err: err}
}

// Of returns the exit code carried by err: Normal for nil, Failure for
// errors without one.
func Of(err error) Code {
	if err == nil {
		return Normal
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Failure
}
