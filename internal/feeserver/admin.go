package feeserver

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/nerrad567/feeserver/internal/exitcode"
	"github.com/nerrad567/feeserver/internal/layer"
	"github.com/nerrad567/feeserver/internal/message"
	"github.com/nerrad567/feeserver/internal/protocol"
)

const hostCommandTimeout = 30 * time.Second

// admin executes a server-local command. The returned func runs after the
// ACK has been published.
func (s *Server) admin(flags protocol.Flags, payload []byte) ([]byte, func(), error) {
	if flags&(flags-1) != 0 {
		return nil, nil, fmt.Errorf("%w: more than one command flag set (%s)", protocol.ErrInvalidParameter, flags)
	}

	switch flags {
	case protocol.FlagHuffman:
		return nil, nil, fmt.Errorf("%w: huffman payloads", protocol.ErrNotImplemented)

	case protocol.FlagUpdateBinary:
		if err := s.updateBinary(payload); err != nil {
			return nil, nil, err
		}
		return []byte("binary updated, restarting"), s.exitAfter(exitcode.Restart, "binary update"), nil

	case protocol.FlagRestart:
		return nil, s.exitAfter(exitcode.Restart, "restart command"), nil

	case protocol.FlagExit:
		return nil, s.exitAfter(exitcode.Normal, "exit command"), nil

	case protocol.FlagRebootHost:
		return s.hostCommand("reboot", s.cfg.RebootCommand)

	case protocol.FlagShutdownHost:
		return s.hostCommand("shutdown", s.cfg.ShutdownCommand)

	case protocol.FlagSetDeadband:
		return s.setDeadband(payload)

	case protocol.FlagGetDeadband:
		name := cString(payload)
		if name == "" {
			return nil, nil, fmt.Errorf("%w: item name required", protocol.ErrInvalidParameter)
		}
		db, err := s.registry.GetDeadband(name)
		if err != nil {
			return nil, nil, err
		}
		return binary.LittleEndian.AppendUint32(nil, math.Float32bits(db)), nil, nil

	case protocol.FlagSetIssueTimeout:
		if len(payload) < 4 {
			return nil, nil, fmt.Errorf("%w: timeout needs 4 bytes", protocol.ErrInvalidParameter)
		}
		d := time.Duration(binary.LittleEndian.Uint32(payload)) * time.Second
		if d < layer.MinIssueTimeout || d > layer.MaxIssueTimeout {
			return nil, nil, fmt.Errorf("%w: timeout %s outside [%s, %s]",
				protocol.ErrInvalidParameter, d, layer.MinIssueTimeout, layer.MaxIssueTimeout)
		}
		s.issueTimeout.Store(int64(d))
		s.msgs.Log(message.Info, fmt.Sprintf("issue timeout set to %s", d), origin)
		return nil, nil, nil

	case protocol.FlagGetIssueTimeout:
		return binary.LittleEndian.AppendUint32(nil, uint32(s.IssueTimeout()/time.Second)), nil, nil

	case protocol.FlagSetUpdateRate:
		if len(payload) < 2 {
			return nil, nil, fmt.Errorf("%w: update rate needs 2 bytes", protocol.ErrInvalidParameter)
		}
		ms := binary.LittleEndian.Uint16(payload)
		if ms == 0 {
			return nil, nil, fmt.Errorf("%w: update rate must be positive", protocol.ErrInvalidParameter)
		}
		d := time.Duration(ms) * time.Millisecond
		s.mon.SetUpdateRate(d)
		s.msgs.Log(message.Info, fmt.Sprintf("update rate set to %s", d), origin)
		return nil, nil, nil

	case protocol.FlagGetUpdateRate:
		ms := s.mon.UpdateRate() / time.Millisecond
		if ms > math.MaxUint16 {
			ms = math.MaxUint16
		}
		return binary.LittleEndian.AppendUint16(nil, uint16(ms)), nil, nil

	case protocol.FlagSetLogLevel:
		if len(payload) < 4 {
			return nil, nil, fmt.Errorf("%w: log level needs 4 bytes", protocol.ErrInvalidParameter)
		}
		mask := message.EventType(binary.LittleEndian.Uint32(payload))
		if mask&^message.AllEvents != 0 {
			return nil, nil, fmt.Errorf("%w: unknown event bits %#x", protocol.ErrInvalidParameter, uint32(mask&^message.AllEvents))
		}
		level := s.msgs.SetLevel(mask)
		return binary.LittleEndian.AppendUint32(nil, uint32(level)), nil, nil

	case protocol.FlagGetLogLevel:
		return binary.LittleEndian.AppendUint32(nil, uint32(s.msgs.Level())), nil, nil
	}

	return nil, nil, fmt.Errorf("%w: command %s", protocol.ErrInvalidParameter, flags)
}

// setDeadband parses a little-endian float32 followed by a NUL-terminated
// name pattern.
func (s *Server) setDeadband(payload []byte) ([]byte, func(), error) {
	if len(payload) < 5 {
		return nil, nil, fmt.Errorf("%w: deadband needs value and name", protocol.ErrInvalidParameter)
	}
	db := math.Float32frombits(binary.LittleEndian.Uint32(payload))
	if math.IsNaN(float64(db)) || math.IsInf(float64(db), 0) {
		return nil, nil, fmt.Errorf("%w: deadband is not finite", protocol.ErrInvalidParameter)
	}
	pattern := cString(payload[4:])
	if pattern == "" {
		return nil, nil, fmt.Errorf("%w: item name required", protocol.ErrInvalidParameter)
	}

	n, err := s.registry.SetDeadband(pattern, db)
	if err != nil {
		return nil, nil, err
	}
	s.msgs.Log(message.Info, fmt.Sprintf("deadband of %s set to %g (%d items)", pattern, db, n), origin)
	return []byte(fmt.Sprintf("deadband set for %d item(s)", n)), nil, nil
}

// updateBinary replaces the configured executable. The new file is written
// next to the target and renamed over it.
func (s *Server) updateBinary(payload []byte) error {
	target := s.cfg.BinaryUpdatePath
	if target == "" {
		return fmt.Errorf("%w: no binary update path configured", protocol.ErrNotImplemented)
	}
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty binary", protocol.ErrInvalidParameter)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".feeserver-update-*")
	if err != nil {
		return fmt.Errorf("%w: creating temporary binary: %w", protocol.ErrFailed, err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("%w: writing binary: %w", protocol.ErrFailed, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("%w: closing binary: %w", protocol.ErrFailed, err)
	}
	if err := os.Chmod(tmpName, 0o755); err != nil { //nolint:gosec // the file is an executable
		cleanup()
		return fmt.Errorf("%w: setting binary mode: %w", protocol.ErrFailed, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		cleanup()
		return fmt.Errorf("%w: installing binary: %w", protocol.ErrFailed, err)
	}

	s.msgs.Log(message.Info, fmt.Sprintf("binary updated (%d bytes)", len(payload)), origin)
	return nil
}

func (s *Server) exitAfter(code exitcode.Code, reason string) func() {
	return func() {
		s.logger.Info("exit requested", "code", code.String(), "reason", reason)
		s.msgs.Log(message.Info, fmt.Sprintf("FeeServer %s exiting: %s", s.cfg.Name, reason), origin)
		s.requestExit(code)
	}
}

func (s *Server) hostCommand(what string, argv []string) ([]byte, func(), error) {
	if len(argv) == 0 {
		return nil, nil, fmt.Errorf("%w: no %s command configured", protocol.ErrNotImplemented, what)
	}
	return []byte(what + " scheduled"), func() {
		s.msgs.Log(message.Warning, "host "+what+" requested", origin)
		ctx, cancel := context.WithTimeout(context.Background(), hostCommandTimeout)
		defer cancel()
		if err := s.cfg.RunHostCommand(ctx, argv); err != nil {
			s.logger.Error("host command failed", "command", what, "error", err)
			s.msgs.Log(message.Error, fmt.Sprintf("host %s failed: %v", what, err), origin)
		}
	}, nil
}

// cString returns b up to the first NUL.
func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
