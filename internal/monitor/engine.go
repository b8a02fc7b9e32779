package monitor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/feeserver/internal/item"
	"github.com/nerrad567/feeserver/internal/transport"
)

// Default values.
const (
	DefaultUpdateRate              = time.Second
	DefaultForcedRefreshMultiplier = 60
)

// ErrRunning is returned by Start on an engine that is already running.
var ErrRunning = errors.New("monitor: already running")

// Publisher pushes a republished value to clients.
type Publisher interface {
	Update(id transport.ChannelID, payload []byte) (int, error)
}

// Sink receives every republished value, e.g. a time-series writer.
type Sink interface {
	WriteChannelValue(channel, kind string, value float64)
}

// Logger defines the logging interface used by the Engine.
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

// Config holds monitoring parameters.
type Config struct {
	// UpdateRate is the nominal duration of one full sweep.
	UpdateRate time.Duration

	// ForcedRefreshMultiplier is the number of sweeps after which a node is
	// republished regardless of its deadband. Zero disables forced refresh.
	ForcedRefreshMultiplier int

	// Sink is optional.
	Sink Sink

	// OnPublish is called after each republish. Optional.
	OnPublish func(item.Sample)

	// OnIntegrity is called when a node was repaired or found corrupt. Optional.
	OnIntegrity func(s item.Sample, err error)
}

// Stats counts monitoring activity since the engine was created.
type Stats struct {
	Sweeps      uint64 `json:"sweeps"`
	Republished uint64 `json:"republished"`
	Forced      uint64 `json:"forced"`
	Recovered   uint64 `json:"recovered"`
	Corrupt     uint64 `json:"corrupt"`
}

// Engine owns the monitoring workers.
type Engine struct {
	registry *item.Registry
	pub      Publisher
	cfg      Config

	updateRate atomic.Int64

	sweeps      atomic.Uint64
	republished atomic.Uint64
	forced      atomic.Uint64
	recovered   atomic.Uint64
	corrupt     atomic.Uint64

	mu       sync.Mutex
	running  bool
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	logger   Logger
	loggerMu sync.RWMutex
}

// NewEngine creates a monitoring engine over registry. Values are
// republished through pub.
func NewEngine(registry *item.Registry, pub Publisher, cfg Config) *Engine {
	if cfg.UpdateRate <= 0 {
		cfg.UpdateRate = DefaultUpdateRate
	}
	if cfg.ForcedRefreshMultiplier < 0 {
		cfg.ForcedRefreshMultiplier = 0
	}

	e := &Engine{
		registry: registry,
		pub:      pub,
		cfg:      cfg,
		done:     make(chan struct{}),
		logger:   noopLogger{},
	}
	e.updateRate.Store(int64(cfg.UpdateRate))
	return e
}

// SetLogger sets the logger for the engine.
func (e *Engine) SetLogger(logger Logger) {
	e.loggerMu.Lock()
	e.logger = logger
	e.loggerMu.Unlock()
}

func (e *Engine) log() Logger {
	e.loggerMu.RLock()
	defer e.loggerMu.RUnlock()
	return e.logger
}

// UpdateRate returns the current sweep period.
func (e *Engine) UpdateRate() time.Duration {
	return time.Duration(e.updateRate.Load())
}

// SetUpdateRate changes the sweep period. Running workers pick it up on
// their next node.
func (e *Engine) SetUpdateRate(d time.Duration) {
	if d <= 0 {
		return
	}
	e.updateRate.Store(int64(d))
}

// Start launches one worker per non-empty value registry. It returns the
// number of workers started.
func (e *Engine) Start(ctx context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return 0, ErrRunning
	}
	e.running = true

	started := 0
	for _, kind := range []item.Kind{item.KindFloat, item.KindInt} {
		if e.registry.Len(kind) == 0 {
			e.log().Debug("monitor worker not started, registry empty", "kind", kind.String())
			continue
		}
		e.wg.Add(1)
		go e.worker(ctx, kind)
		started++
	}

	e.log().Info("monitoring started", "workers", started, "update_rate", e.UpdateRate())
	return started, nil
}

// Stop halts the workers and waits for them to return.
// Safe to call multiple times.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.done)
		e.wg.Wait()
	})
}

func (e *Engine) worker(ctx context.Context, kind item.Kind) {
	defer e.wg.Done()

	for {
		nodes := e.registry.Nodes(kind)
		count := len(nodes)
		if count == 0 {
			count = 1
		}

		for _, n := range nodes {
			e.sweepNode(n)
			if !e.sleep(ctx, e.UpdateRate()/time.Duration(count)) {
				return
			}
		}
		e.sweeps.Add(1)

		if len(nodes) == 0 && !e.sleep(ctx, e.UpdateRate()) {
			return
		}
	}
}

// sleep waits for d; it reports false when the engine is stopping.
func (e *Engine) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-e.done:
		return false
	case <-t.C:
		return true
	}
}

// Sweep runs one full pass over a registry without pacing and returns the
// number of values republished.
func (e *Engine) Sweep(kind item.Kind) int {
	published := 0
	for _, n := range e.registry.Nodes(kind) {
		if e.sweepNode(n) {
			published++
		}
	}
	e.sweeps.Add(1)
	return published
}

func (e *Engine) sweepNode(n *item.Node) bool {
	s, due, err := e.registry.Poll(n, e.cfg.ForcedRefreshMultiplier)

	switch {
	case s.Integrity == item.Corrupt:
		e.corrupt.Add(1)
		e.log().Error("channel location corrupt, skipped", "channel", s.Name, "error", err)
		if e.cfg.OnIntegrity != nil {
			e.cfg.OnIntegrity(s, err)
		}
		return false
	case s.Integrity == item.Recovered:
		e.recovered.Add(1)
		e.log().Warn("channel location repaired", "channel", s.Name)
		if e.cfg.OnIntegrity != nil {
			e.cfg.OnIntegrity(s, nil)
		}
	}

	if err != nil {
		e.log().Warn("reading channel failed", "channel", s.Name, "error", err)
		return false
	}
	if !due {
		return false
	}

	if _, err := e.pub.Update(s.ID, s.Payload); err != nil {
		e.log().Warn("republishing channel failed", "channel", s.Name, "error", err)
		return false
	}
	e.registry.Commit(n, s)

	e.republished.Add(1)
	if s.Forced {
		e.forced.Add(1)
	}
	if e.cfg.Sink != nil {
		e.cfg.Sink.WriteChannelValue(s.Name, s.Kind.String(), s.Value)
	}
	if e.cfg.OnPublish != nil {
		e.cfg.OnPublish(s)
	}
	return true
}

// Stats returns activity counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Sweeps:      e.sweeps.Load(),
		Republished: e.republished.Load(),
		Forced:      e.forced.Load(),
		Recovered:   e.recovered.Load(),
		Corrupt:     e.corrupt.Load(),
	}
}
