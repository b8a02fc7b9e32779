package process

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/feeserver/internal/exitcode"
)

func shell(script string) Config {
	return Config{
		Name:            "test",
		Binary:          "/bin/sh",
		Args:            []string{"-c", script},
		RestartDelay:    10 * time.Millisecond,
		GracefulTimeout: time.Second,
	}
}

func TestNewSupervisor_Defaults(t *testing.T) {
	s := NewSupervisor(Config{Binary: "/usr/bin/true"})

	if s.config.Name != "feeserver" {
		t.Errorf("Name = %q, want feeserver", s.config.Name)
	}
	if s.config.RestartDelay != 2*time.Second {
		t.Errorf("RestartDelay = %v, want 2s", s.config.RestartDelay)
	}
	if s.config.GracefulTimeout != 10*time.Second {
		t.Errorf("GracefulTimeout = %v, want 10s", s.config.GracefulTimeout)
	}
	if s.Status() != StatusStopped {
		t.Errorf("Status = %q, want stopped", s.Status())
	}
}

func TestDecide(t *testing.T) {
	tests := []struct {
		code    exitcode.Code
		onCrash bool
		want    action
	}{
		{exitcode.Normal, true, actionStop},
		{exitcode.Restart, false, actionRestart},
		{exitcode.RetryInit, false, actionRestart},
		{exitcode.NoServerName, true, actionStop},
		{exitcode.NoTransport, true, actionStop},
		{exitcode.Failure, false, actionStop},
		{exitcode.Failure, true, actionRestart},
		{exitcode.Code(42), true, actionRestart},
	}
	for _, tt := range tests {
		if got := decide(tt.code, tt.onCrash); got != tt.want {
			t.Errorf("decide(%s, %v) = %v, want %v", tt.code, tt.onCrash, got, tt.want)
		}
	}
}

func TestRun_NormalExit(t *testing.T) {
	s := NewSupervisor(shell("exit 0"))

	code, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if code != exitcode.Normal {
		t.Errorf("code = %s, want normal", code)
	}
	if s.RestartCount() != 0 {
		t.Errorf("RestartCount = %d, want 0", s.RestartCount())
	}
	if s.Status() != StatusStopped {
		t.Errorf("Status = %q, want stopped", s.Status())
	}
}

func TestRun_RestartRequests(t *testing.T) {
	cfg := shell(`if [ "$FEE_RESTART_COUNTER" -lt 2 ]; then exit 2; fi; exit 0`)
	var mu sync.Mutex
	var starts []int
	cfg.OnStart = func(n int) {
		mu.Lock()
		starts = append(starts, n)
		mu.Unlock()
	}
	s := NewSupervisor(cfg)

	code, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if code != exitcode.Normal {
		t.Errorf("code = %s, want normal", code)
	}
	if s.RestartCount() != 2 {
		t.Errorf("RestartCount = %d, want 2", s.RestartCount())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(starts) != 3 || starts[0] != 0 || starts[2] != 2 {
		t.Errorf("starts = %v, want [0 1 2]", starts)
	}
}

func TestRun_FatalCodeStops(t *testing.T) {
	cfg := shell("exit 201")
	cfg.RestartOnCrash = true
	s := NewSupervisor(cfg)

	code, _ := s.Run(context.Background())
	if code != exitcode.NoServerName {
		t.Errorf("code = %s, want %s", code, exitcode.NoServerName)
	}
	if s.RestartCount() != 0 {
		t.Errorf("RestartCount = %d, want 0", s.RestartCount())
	}
	if s.Status() != StatusFailed {
		t.Errorf("Status = %q, want failed", s.Status())
	}
	if got := s.Stats().LastExit; got != exitcode.NoServerName.String() {
		t.Errorf("LastExit = %q", got)
	}
}

func TestRun_CrashWithoutRestart(t *testing.T) {
	s := NewSupervisor(shell("exit 1"))

	code, _ := s.Run(context.Background())
	if code != exitcode.Failure {
		t.Errorf("code = %s, want failure", code)
	}
	if s.RestartCount() != 0 {
		t.Errorf("RestartCount = %d, want 0", s.RestartCount())
	}
}

func TestRun_MaxRestarts(t *testing.T) {
	cfg := shell("exit 1")
	cfg.RestartOnCrash = true
	cfg.MaxRestarts = 2
	s := NewSupervisor(cfg)

	_, err := s.Run(context.Background())
	if !errors.Is(err, ErrMaxRestarts) {
		t.Fatalf("err = %v, want ErrMaxRestarts", err)
	}
	if s.Status() != StatusFailed {
		t.Errorf("Status = %q, want failed", s.Status())
	}
}

func TestRun_ContextCancelTerminates(t *testing.T) {
	cfg := shell("sleep 30")
	cfg.RestartOnCrash = true
	started := make(chan struct{}, 1)
	cfg.OnStart = func(int) { started <- struct{}{} }
	s := NewSupervisor(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := s.Run(ctx)
		done <- err
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("process did not start")
	}
	if s.PID() == 0 {
		t.Error("PID = 0 while running")
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run after cancel: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if s.Status() != StatusStopped {
		t.Errorf("Status = %q, want stopped", s.Status())
	}
	if s.PID() != 0 {
		t.Errorf("PID = %d after stop", s.PID())
	}
}

func TestRun_StartFailure(t *testing.T) {
	s := NewSupervisor(Config{Binary: "/nonexistent/feeserver", RestartDelay: time.Millisecond})

	code, err := s.Run(context.Background())
	if err == nil {
		t.Fatal("expected error for missing binary")
	}
	if code != exitcode.Failure {
		t.Errorf("code = %s, want failure", code)
	}
}

func TestExitCodeOf(t *testing.T) {
	code, err := exitCodeOf(nil)
	if code != exitcode.Normal || err != nil {
		t.Errorf("exitCodeOf(nil) = %s, %v", code, err)
	}
	code, err = exitCodeOf(errors.New("boom"))
	if code != exitcode.Failure || err == nil {
		t.Errorf("exitCodeOf(boom) = %s, %v", code, err)
	}
}
