package feeserver

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/feeserver/internal/audit"
	"github.com/nerrad567/feeserver/internal/exitcode"
	"github.com/nerrad567/feeserver/internal/item"
	"github.com/nerrad567/feeserver/internal/layer"
	"github.com/nerrad567/feeserver/internal/memory"
	"github.com/nerrad567/feeserver/internal/message"
	"github.com/nerrad567/feeserver/internal/monitor"
	"github.com/nerrad567/feeserver/internal/transport"
)

// Default values.
const (
	DefaultIssueTimeout = 60 * time.Second
	DefaultInitTimeout  = 10 * time.Second
	DefaultAbandonGrace = time.Second

	origin = "feeserver"
)

// ErrNoServerName is returned by New without a server name.
var ErrNoServerName = errors.New("feeserver: server name is required")

// State is the server lifecycle state.
type State int

// Server states.
const (
	StateCollecting State = iota
	StateRunning
	StateError
)

func (s State) String() string {
	switch s {
	case StateCollecting:
		return "collecting"
	case StateRunning:
		return "running"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Logger defines the logging interface used by the server.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// CommandSink receives one record per executed command, e.g. a
// time-series writer.
type CommandSink interface {
	WriteCommand(flags uint16, resultCode int16, duration time.Duration, resultSize int)
}

// Config holds server settings.
type Config struct {
	// Name identifies the server on the transport. Required.
	Name string

	IssueTimeout time.Duration
	InitTimeout  time.Duration

	// AbandonGrace is how long a cancelled command worker may take to
	// return before the server gives up on it and enters Error.
	AbandonGrace time.Duration

	UpdateRate              time.Duration
	ForcedRefreshMultiplier int

	// MemoryBudget caps tracked allocations in bytes; zero is unlimited.
	MemoryBudget int

	// BinaryUpdatePath is where update-binary writes the new executable.
	// Empty disables the command.
	BinaryUpdatePath string

	// RebootCommand and ShutdownCommand run on the host for the matching
	// administrative commands. Empty disables them.
	RebootCommand   []string
	ShutdownCommand []string

	Messages message.Config

	// Optional collaborators.
	ValueSink      monitor.Sink
	CommandSink    CommandSink
	Audit          audit.Repository
	MessageStore   message.Store
	OnPublish      func(item.Sample)
	OnMessage      func(message.Message)
	RunHostCommand func(ctx context.Context, argv []string) error
}

// Server is the FeeServer core. All exported methods are safe for
// concurrent use.
type Server struct {
	cfg        Config
	instanceID string

	tr       transport.Transport
	dev      layer.DeviceLayer
	arena    *item.Arena
	registry *item.Registry
	alloc    *memory.Allocator
	msgs     *message.Log
	mon      *monitor.Engine

	stateMu  sync.RWMutex
	state    State
	reason   string
	started  time.Time
	channels struct{ ack, msg, cmd transport.ChannelID }

	cmdMu    sync.Mutex
	ackMu    sync.Mutex
	ackBlock *memory.Block
	ack      []byte

	issueTimeout atomic.Int64

	readyCh   chan error
	readyOnce sync.Once
	exitCh    chan exitcode.Code

	commands atomic.Uint64
	timeouts atomic.Uint64
	inFlight sync.WaitGroup

	logger Logger
}

// New creates a server over a transport and a device layer.
func New(cfg Config, tr transport.Transport, dev layer.DeviceLayer) (*Server, error) {
	if cfg.Name == "" {
		return nil, exitcode.Wrap(exitcode.NoServerName, ErrNoServerName)
	}
	if cfg.IssueTimeout <= 0 {
		cfg.IssueTimeout = DefaultIssueTimeout
	}
	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = DefaultInitTimeout
	}
	if cfg.AbandonGrace <= 0 {
		cfg.AbandonGrace = DefaultAbandonGrace
	}
	if cfg.RunHostCommand == nil {
		cfg.RunHostCommand = runHostCommand
	}

	arena := item.NewArena()
	registry := item.NewRegistry(arena, tr)

	s := &Server{
		cfg:        cfg,
		instanceID: uuid.NewString(),
		tr:         tr,
		dev:        dev,
		arena:      arena,
		registry:   registry,
		alloc:      memory.NewAllocator(cfg.MemoryBudget),
		msgs:       message.NewLog(cfg.Messages),
		state:      StateCollecting,
		readyCh:    make(chan error, 1),
		exitCh:     make(chan exitcode.Code, 1),
		logger:     noopLogger{},
	}
	s.issueTimeout.Store(int64(cfg.IssueTimeout))

	s.mon = monitor.NewEngine(registry, tr, monitor.Config{
		UpdateRate:              cfg.UpdateRate,
		ForcedRefreshMultiplier: cfg.ForcedRefreshMultiplier,
		Sink:                    cfg.ValueSink,
		OnPublish:               cfg.OnPublish,
		OnIntegrity:             s.integrityEvent,
	})
	if cfg.MessageStore != nil {
		s.msgs.SetStore(cfg.MessageStore)
	}
	if cfg.OnMessage != nil {
		s.msgs.SetOnSend(cfg.OnMessage)
	}
	return s, nil
}

// SetLogger sets the logger for the server and its components.
func (s *Server) SetLogger(logger Logger) {
	s.logger = logger
	s.registry.SetLogger(logger)
	s.alloc.SetLogger(logger)
	s.msgs.SetLogger(logger)
	s.mon.SetLogger(logger)
}

// Name returns the server name.
func (s *Server) Name() string { return s.cfg.Name }

// InstanceID identifies this process run.
func (s *Server) InstanceID() string { return s.instanceID }

// Registry returns the item registry.
func (s *Server) Registry() *item.Registry { return s.registry }

// Messages returns the message log.
func (s *Server) Messages() *message.Log { return s.msgs }

// Monitor returns the monitoring engine.
func (s *Server) Monitor() *monitor.Engine { return s.mon }

// State returns the lifecycle state.
func (s *Server) State() State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// Exit delivers the exit code requested by a restart, exit or
// update-binary command.
func (s *Server) Exit() <-chan exitcode.Code {
	return s.exitCh
}

func (s *Server) requestExit(code exitcode.Code) {
	select {
	case s.exitCh <- code:
	default:
	}
}

// Start registers the server channels, runs device initialisation and
// starts monitoring. A device layer that fails or does not signal
// readiness in time leaves the server running in Error state; only
// transport failures are returned.
func (s *Server) Start(ctx context.Context) error {
	if err := s.registerChannels(); err != nil {
		return exitcode.Wrap(exitcode.NoTransport, err)
	}

	s.msgs.Attach(s.tr, s.channels.msg)
	s.msgs.Start(ctx)

	if err := s.initialise(ctx); err != nil {
		s.enterError(fmt.Sprintf("initialisation failed: %v", err))
	} else {
		s.stateMu.Lock()
		if s.state == StateCollecting {
			s.state = StateRunning
		}
		s.stateMu.Unlock()
	}

	s.registry.StopCollecting()
	announced := s.registry.Announce()

	s.stateMu.Lock()
	s.started = time.Now()
	s.stateMu.Unlock()

	if _, err := s.mon.Start(ctx); err != nil {
		s.logger.Warn("monitor start failed", "error", err)
	}

	s.logger.Info("feeserver started",
		"name", s.cfg.Name,
		"instance", s.instanceID,
		"state", s.State().String(),
		"channels", announced,
	)
	s.msgs.Log(message.Info, fmt.Sprintf("FeeServer %s started (%s)", s.cfg.Name, s.State()), origin)
	return nil
}

// registerChannels adds the ACK and message channels and subscribes the
// command channel. Outside Collecting it does nothing.
func (s *Server) registerChannels() error {
	if s.State() != StateCollecting {
		return nil
	}

	var err error
	if s.channels.ack, err = s.tr.AddChannel(transport.AckChannel, s.currentAck); err != nil {
		return fmt.Errorf("adding ACK channel: %w", err)
	}
	if s.channels.msg, err = s.tr.AddChannel(transport.MessageChannel, nil); err != nil {
		return fmt.Errorf("adding message channel: %w", err)
	}
	if s.channels.cmd, err = s.tr.SubscribeCommand(transport.CommandChannel, s.onCommand); err != nil {
		return fmt.Errorf("subscribing command channel: %w", err)
	}
	return nil
}

// initialise runs the device layer's Initialize and waits for readiness.
func (s *Server) initialise(ctx context.Context) error {
	if s.dev == nil {
		return errors.New("no device layer")
	}

	initCtx, cancel := context.WithTimeout(ctx, s.cfg.InitTimeout)
	defer cancel()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.SignalReady(fmt.Errorf("device initialisation panicked: %v", r))
			}
		}()
		if err := s.dev.Initialize(initCtx, s); err != nil {
			s.SignalReady(err)
		}
	}()

	select {
	case err := <-s.readyCh:
		return err
	case <-initCtx.Done():
		return fmt.Errorf("device layer not ready after %s: %w", s.cfg.InitTimeout, initCtx.Err())
	}
}

// Stop shuts the server down: monitoring stops, the device layer cleans
// up and every channel is withdrawn.
func (s *Server) Stop() {
	s.mon.Stop()

	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	if !s.drainWorkers(s.cfg.AbandonGrace) {
		s.logger.Warn("abandoned device command worker still running at stop")
	}
	if s.dev != nil {
		s.dev.Cleanup()
	}
	removed := s.registry.UnpublishAll()
	_ = s.msgs.Stop()

	for _, id := range []transport.ChannelID{s.channels.ack, s.channels.msg} {
		if id != 0 {
			_ = s.tr.RemoveChannel(id)
		}
	}

	s.ackMu.Lock()
	s.ackBlock = nil
	s.ack = nil
	s.ackMu.Unlock()

	s.registry.DeleteList()
	freed := s.alloc.FreeAll()
	s.logger.Info("feeserver stopped", "channels", removed, "blocks_freed", freed)
}

// drainWorkers waits up to d for device command workers to return.
func (s *Server) drainWorkers(d time.Duration) bool {
	finished := make(chan struct{})
	go func() {
		s.inFlight.Wait()
		close(finished)
	}()
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-finished:
		return true
	case <-t.C:
		return false
	}
}

// enterError moves the server to Error. The transition is one-way.
func (s *Server) enterError(reason string) {
	s.stateMu.Lock()
	if s.state == StateError {
		s.stateMu.Unlock()
		return
	}
	s.state = StateError
	s.reason = reason
	s.stateMu.Unlock()

	s.logger.Error("feeserver entered error state", "reason", reason)
	s.msgs.Log(message.Alarm, "FeeServer in error state: "+reason, origin)
}

func (s *Server) integrityEvent(sample item.Sample, err error) {
	if sample.Integrity == item.Corrupt {
		s.msgs.Log(message.Alarm, fmt.Sprintf("location of %s corrupt: %v", sample.Name, err), origin)
		return
	}
	s.msgs.Log(message.Warning, fmt.Sprintf("location of %s repaired", sample.Name), origin)
}

// IssueTimeout returns the current device command bound.
func (s *Server) IssueTimeout() time.Duration {
	return time.Duration(s.issueTimeout.Load())
}

func runHostCommand(ctx context.Context, argv []string) error {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...) //nolint:gosec // argv comes from the server configuration
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("running %s: %w (%s)", argv[0], err, out)
	}
	return nil
}

// Channels describes every published channel.
func (s *Server) Channels() []item.ChannelInfo {
	return s.registry.Channels()
}
