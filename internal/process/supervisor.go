package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/nerrad567/feeserver/internal/exitcode"
)

// Status represents the current state of the supervised process.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusWaiting  Status = "waiting"
	StatusFailed   Status = "failed"
)

// RestartCounterEnv carries the restart count to the child.
const RestartCounterEnv = "FEE_RESTART_COUNTER"

// maxLineSize bounds a captured output line.
const maxLineSize = 64 * 1024

// ErrMaxRestarts is returned by Run when the restart limit is reached.
var ErrMaxRestarts = errors.New("process: restart limit reached")

// Config holds configuration for the supervised process.
type Config struct {
	// Name is a human-readable identifier for logging.
	Name string

	// Binary is the path to the executable.
	Binary string

	// Args are command-line arguments to pass to the binary.
	Args []string

	// Env are additional environment variables (key=value format) on top
	// of the parent environment.
	Env []string

	// WorkDir is the working directory for the process.
	// If empty, inherits from parent process.
	WorkDir string

	// RestartDelay is the wait between an exit and the next start.
	RestartDelay time.Duration

	// MaxRestarts limits restarts. 0 means unlimited.
	MaxRestarts int

	// RestartOnCrash restarts after exits that carry no restart request:
	// Failure, unknown codes and signals.
	RestartOnCrash bool

	// GracefulTimeout is how long to wait after SIGTERM before SIGKILL.
	GracefulTimeout time.Duration

	// OnStart is called after each successful start.
	OnStart func(restarts int)

	// OnExit is called after each exit with the decoded code.
	OnExit func(code exitcode.Code, err error)
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig(name, binary string, args []string) Config {
	return Config{
		Name:            name,
		Binary:          binary,
		Args:            args,
		RestartDelay:    2 * time.Second,
		RestartOnCrash:  true,
		GracefulTimeout: 10 * time.Second,
	}
}

// Logger defines the logging interface for the supervisor.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Supervisor runs a process and restarts it according to its exit code.
type Supervisor struct {
	config Config
	logger Logger

	mu        sync.RWMutex
	cmd       *exec.Cmd
	status    Status
	restarts  int
	exited    bool
	lastCode  exitcode.Code
	lastError error
	startTime time.Time
}

// NewSupervisor creates a supervisor with the given configuration.
func NewSupervisor(cfg Config) *Supervisor {
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = 2 * time.Second
	}
	if cfg.GracefulTimeout <= 0 {
		cfg.GracefulTimeout = 10 * time.Second
	}
	if cfg.Name == "" {
		cfg.Name = "feeserver"
	}

	return &Supervisor{
		config: cfg,
		logger: noopLogger{},
		status: StatusStopped,
	}
}

// SetLogger sets the logger for the supervisor.
func (s *Supervisor) SetLogger(logger Logger) {
	s.logger = logger
}

// action is what the supervisor does after an exit.
type action int

const (
	actionStop action = iota
	actionRestart
)

// decide maps an exit onto the next step.
func decide(code exitcode.Code, restartOnCrash bool) action {
	switch {
	case code == exitcode.Normal:
		return actionStop
	case code.Restartable():
		return actionRestart
	case code.Fatal():
		return actionStop
	case restartOnCrash:
		return actionRestart
	default:
		return actionStop
	}
}

// Run supervises the process until it exits for good or ctx is cancelled,
// and returns the last exit code. Cancelling ctx terminates the child.
func (s *Supervisor) Run(ctx context.Context) (exitcode.Code, error) {
	for {
		s.mu.RLock()
		restarts := s.restarts
		s.mu.RUnlock()

		code, err := s.runOnce(ctx, restarts)

		s.mu.Lock()
		s.exited = true
		s.lastCode = code
		s.lastError = err
		s.mu.Unlock()

		if s.config.OnExit != nil {
			s.config.OnExit(code, err)
		}

		if ctx.Err() != nil {
			s.setStatus(StatusStopped)
			s.logger.Info("supervisor stopped", "name", s.config.Name, "code", code.String())
			return code, nil
		}

		if decide(code, s.config.RestartOnCrash) == actionStop {
			if code == exitcode.Normal {
				s.setStatus(StatusStopped)
				s.logger.Info("process exited normally", "name", s.config.Name)
				return code, nil
			}
			s.setStatus(StatusFailed)
			s.logger.Error("process exited, not restarting",
				"name", s.config.Name,
				"code", code.String(),
				"error", err,
			)
			return code, err
		}

		s.mu.Lock()
		s.restarts++
		restarts = s.restarts
		s.mu.Unlock()

		if s.config.MaxRestarts > 0 && restarts > s.config.MaxRestarts {
			s.setStatus(StatusFailed)
			s.logger.Error("max restarts reached", "name", s.config.Name, "restarts", restarts-1)
			return code, fmt.Errorf("%w after %d restarts (last exit %s)", ErrMaxRestarts, restarts-1, code)
		}

		s.setStatus(StatusWaiting)
		s.logger.Info("restarting process",
			"name", s.config.Name,
			"code", code.String(),
			"restart", restarts,
			"delay", s.config.RestartDelay,
		)

		t := time.NewTimer(s.config.RestartDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			s.setStatus(StatusStopped)
			return code, nil
		case <-t.C:
		}
	}
}

// runOnce starts the process and waits for it to exit.
func (s *Supervisor) runOnce(ctx context.Context, restarts int) (exitcode.Code, error) {
	s.setStatus(StatusStarting)
	s.logger.Info("starting process",
		"name", s.config.Name,
		"binary", s.config.Binary,
		"args", s.config.Args,
		"restarts", restarts,
	)

	cmd := exec.Command(s.config.Binary, s.config.Args...) //nolint:gosec // binary comes from the supervisor configuration

	// Create a new process group so we can signal all children on shutdown
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = append(os.Environ(), s.config.Env...)
	cmd.Env = append(cmd.Env, RestartCounterEnv+"="+strconv.Itoa(restarts))
	if s.config.WorkDir != "" {
		cmd.Dir = s.config.WorkDir
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return exitcode.Failure, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return exitcode.Failure, fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return exitcode.Failure, fmt.Errorf("starting %s: %w", s.config.Name, err)
	}

	s.mu.Lock()
	s.cmd = cmd
	s.status = StatusRunning
	s.startTime = time.Now()
	s.mu.Unlock()

	var output sync.WaitGroup
	output.Add(2)
	go s.captureOutput("stdout", stdout, &output)
	go s.captureOutput("stderr", stderr, &output)

	s.logger.Info("process started", "name", s.config.Name, "pid", cmd.Process.Pid)
	if s.config.OnStart != nil {
		s.config.OnStart(restarts)
	}

	exitCh := make(chan error, 1)
	go func() {
		// Pipes must be drained before Wait closes them.
		output.Wait()
		exitCh <- cmd.Wait()
	}()

	var waitErr error
	select {
	case waitErr = <-exitCh:
	case <-ctx.Done():
		waitErr = s.terminate(cmd, exitCh)
	}

	s.mu.Lock()
	s.cmd = nil
	s.mu.Unlock()

	return exitCodeOf(waitErr)
}

// terminate sends SIGTERM to the process group, then SIGKILL after the
// graceful timeout.
func (s *Supervisor) terminate(cmd *exec.Cmd, exitCh <-chan error) error {
	pid := cmd.Process.Pid
	s.logger.Info("stopping process", "name", s.config.Name, "pid", pid)

	// Use negative PID to signal the process group (created via Setpgid)
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		s.logger.Warn("failed to send SIGTERM to process group", "name", s.config.Name, "error", err)
	}

	t := time.NewTimer(s.config.GracefulTimeout)
	defer t.Stop()
	select {
	case err := <-exitCh:
		s.logger.Info("process stopped gracefully", "name", s.config.Name)
		return err
	case <-t.C:
		s.logger.Warn("graceful shutdown timeout, sending SIGKILL",
			"name", s.config.Name,
			"timeout", s.config.GracefulTimeout,
		)
	}

	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		s.logger.Error("killing process group failed", "name", s.config.Name, "error", err)
	}
	return <-exitCh
}

// exitCodeOf decodes a Wait error. Deaths by signal count as Failure.
func exitCodeOf(err error) (exitcode.Code, error) {
	if err == nil {
		return exitcode.Normal, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			return exitcode.Code(code), nil
		}
		return exitcode.Failure, fmt.Errorf("process killed: %w", err)
	}
	return exitcode.Failure, err
}

// captureOutput logs each line the child writes.
func (s *Supervisor) captureOutput(stream string, r io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxLineSize)
	for scanner.Scan() {
		s.logger.Info("process output",
			"name", s.config.Name,
			"stream", stream,
			"line", scanner.Text(),
		)
	}
	if err := scanner.Err(); err != nil {
		s.logger.Debug("output stream closed", "name", s.config.Name, "stream", stream, "error", err)
	}
}

func (s *Supervisor) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

// Status returns the current status of the supervised process.
func (s *Supervisor) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// RestartCount returns the number of restarts performed.
func (s *Supervisor) RestartCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.restarts
}

// PID returns the process ID, or 0 if not running.
func (s *Supervisor) PID() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cmd != nil && s.cmd.Process != nil {
		return s.cmd.Process.Pid
	}
	return 0
}

// Stats describes the supervised process.
type Stats struct {
	Name         string        `json:"name"`
	Status       Status        `json:"status"`
	PID          int           `json:"pid,omitempty"`
	Uptime       time.Duration `json:"uptime,omitempty"`
	RestartCount int           `json:"restart_count"`
	LastExit     string        `json:"last_exit,omitempty"`
	LastError    string        `json:"last_error,omitempty"`
}

// Stats returns current statistics for the process.
func (s *Supervisor) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{
		Name:         s.config.Name,
		Status:       s.status,
		RestartCount: s.restarts,
	}
	if s.cmd != nil && s.cmd.Process != nil {
		stats.PID = s.cmd.Process.Pid
	}
	if s.status == StatusRunning {
		stats.Uptime = time.Since(s.startTime)
	}
	if s.exited {
		stats.LastExit = s.lastCode.String()
	}
	if s.lastError != nil {
		stats.LastError = s.lastError.Error()
	}
	return stats
}
