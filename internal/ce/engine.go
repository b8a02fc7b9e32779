package ce

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nerrad567/feeserver/internal/layer"
	"github.com/nerrad567/feeserver/internal/message"
	"github.com/nerrad567/feeserver/internal/protocol"
)

// Default values.
const (
	DefaultRootName       = "CE"
	DefaultUpdateInterval = time.Second

	historyTimeout = 2 * time.Second
)

// Logger defines the logging interface used by the engine.
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

// HistoryRecorder persists state changes.
type HistoryRecorder interface {
	RecordTransition(ctx context.Context, change StateChange) error
}

// Config holds control engine settings.
type Config struct {
	// RootName names the root device. Default "CE".
	RootName string

	// UpdateInterval is the period of the service update loop.
	UpdateInterval time.Duration

	// Armor builds the tree below the root. Called once during Initialize.
	Armor func(ce *ControlEngine) error

	// History is optional.
	History HistoryRecorder

	// OnStateChange is called after every state change. Optional.
	OnStateChange func(StateChange)

	// Now stamps state changes. Defaults to time.Now.
	Now func() time.Time
}

// ControlEngine is the root of the device tree and the device layer the
// server core talks to.
type ControlEngine struct {
	cfg  Config
	root *Device

	mu       sync.RWMutex
	host     layer.Host
	devices  map[int]*Device
	nextID   int
	handlers []IssueHandler

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	logger   Logger
	loggerMu sync.RWMutex
}

// rootHardware backs the root device.
type rootHardware struct {
	ce *ControlEngine
}

func (rootHardware) EvaluateHardware() State { return Running }

func (h rootHardware) ArmorHardware(*Device) error {
	if h.ce.cfg.Armor == nil {
		return nil
	}
	return h.ce.cfg.Armor(h.ce)
}

// NewControlEngine creates an engine with its root device and the
// built-in CE command handler.
func NewControlEngine(cfg Config) *ControlEngine {
	if cfg.RootName == "" {
		cfg.RootName = DefaultRootName
	}
	if cfg.UpdateInterval <= 0 {
		cfg.UpdateInterval = DefaultUpdateInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	ce := &ControlEngine{
		cfg:     cfg,
		devices: make(map[int]*Device),
		done:    make(chan struct{}),
		logger:  noopLogger{},
	}
	ce.root = NewDevice(cfg.RootName, rootHardware{ce: ce})
	ce.attach(ce.root)
	ce.handlers = []IssueHandler{engineHandler{ce: ce}}
	return ce
}

// SetLogger sets the logger for the engine.
func (ce *ControlEngine) SetLogger(logger Logger) {
	ce.loggerMu.Lock()
	ce.logger = logger
	ce.loggerMu.Unlock()
}

func (ce *ControlEngine) log() Logger {
	ce.loggerMu.RLock()
	defer ce.loggerMu.RUnlock()
	return ce.logger
}

// Root returns the root device.
func (ce *ControlEngine) Root() *Device { return ce.root }

// Host returns the core API, nil before Initialize.
func (ce *ControlEngine) Host() layer.Host {
	ce.mu.RLock()
	defer ce.mu.RUnlock()
	return ce.host
}

// AddHandler appends a handler to the routing chain. Handlers are tried
// in registration order.
func (ce *ControlEngine) AddHandler(h IssueHandler) {
	ce.mu.Lock()
	ce.handlers = append(ce.handlers, h)
	ce.mu.Unlock()
}

// attach assigns ids to d and its subtree.
func (ce *ControlEngine) attach(d *Device) {
	ce.mu.Lock()
	d.mu.Lock()
	if d.engine == nil {
		d.id = ce.nextID
		ce.nextID++
		d.engine = ce
		ce.devices[d.id] = d
	}
	children := append([]*Device(nil), d.children...)
	d.mu.Unlock()
	ce.mu.Unlock()

	for _, c := range children {
		ce.attach(c)
	}
}

// Device returns the device with the given id.
func (ce *ControlEngine) Device(id int) (*Device, error) {
	ce.mu.RLock()
	defer ce.mu.RUnlock()

	d, ok := ce.devices[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrDeviceNotFound, id)
	}
	return d, nil
}

// Devices returns every device ordered by id.
func (ce *ControlEngine) Devices() []*Device {
	ce.mu.RLock()
	out := make([]*Device, 0, len(ce.devices))
	for _, d := range ce.devices {
		out = append(out, d)
	}
	ce.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Initialize implements layer.DeviceLayer. It armors the tree, signals
// readiness and starts the service update loop.
func (ce *ControlEngine) Initialize(ctx context.Context, host layer.Host) error {
	ce.mu.Lock()
	ce.host = host
	ce.mu.Unlock()

	err := ce.root.Armor()
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		host.SignalReady(err)
		return err
	}

	host.SignalReady(nil)
	ce.log().Info("control engine initialised", "devices", len(ce.Devices()))

	ce.wg.Add(1)
	go ce.updateLoop()
	return nil
}

// Issue implements layer.DeviceLayer. Results of all blocks are
// concatenated; the first failing block ends the command.
func (ce *ControlEngine) Issue(ctx context.Context, payload []byte) ([]byte, error) {
	cmds, err := DecodeBlocks(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", protocol.ErrInvalidParameter, err)
	}
	if len(cmds) == 0 {
		return nil, fmt.Errorf("%w: empty device command", protocol.ErrInvalidParameter)
	}

	var out []byte
	for _, cmd := range cmds {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		h := ce.route(cmd)
		if h == nil {
			return out, fmt.Errorf("%w: no handler for %v", protocol.ErrNotImplemented, cmd)
		}

		res, err := h.HandleCommand(ctx, cmd)
		out = append(out, res...)
		if err != nil {
			ce.log().Warn("device command failed", "command", cmd.String(), "error", err)
			return out, err
		}
	}
	return out, nil
}

func (ce *ControlEngine) route(cmd Command) IssueHandler {
	ce.mu.RLock()
	defer ce.mu.RUnlock()

	for _, h := range ce.handlers {
		if claims(h, cmd) {
			return h
		}
	}
	return nil
}

// Cleanup implements layer.DeviceLayer.
func (ce *ControlEngine) Cleanup() {
	ce.stopOnce.Do(func() {
		close(ce.done)
		ce.wg.Wait()
	})
	ce.root.Retire()
}

func (ce *ControlEngine) updateLoop() {
	defer ce.wg.Done()

	ticker := time.NewTicker(ce.cfg.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ce.done:
			return
		case <-ticker.C:
			ce.UpdateAll()
		}
	}
}

// UpdateAll refreshes the services of every device not in Error or
// Failure and returns the number of services updated.
func (ce *ControlEngine) UpdateAll() int {
	total := 0
	for _, d := range ce.Devices() {
		if s := d.State(); s == Error || s == Failure {
			continue
		}
		n, err := d.UpdateServices()
		total += n
		if err != nil && !errors.Is(err, ErrDetached) {
			ce.log().Warn("service update failed", "device", d.Name(), "error", err)
		}
	}
	return total
}

func (ce *ControlEngine) stateChanged(c StateChange) {
	c.At = ce.cfg.Now()

	ce.log().Info("device state changed",
		"device", c.DeviceName,
		"from", c.From.String(),
		"to", c.To.String(),
		"transition", c.Transition,
	)

	if host := ce.Host(); host != nil {
		t := message.Info
		if c.To == Error || c.To == Failure {
			t = message.Error
		}
		host.Log(t, fmt.Sprintf("%s: %s -> %s (%s)", c.DeviceName, c.From, c.To, c.Transition), c.DeviceName)
	}

	if ce.cfg.History != nil {
		ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
		if err := ce.cfg.History.RecordTransition(ctx, c); err != nil {
			ce.log().Warn("recording state change failed", "device", c.DeviceName, "error", err)
		}
		cancel()
	}

	if ce.cfg.OnStateChange != nil {
		ce.cfg.OnStateChange(c)
	}
}

// DeviceInfo describes a device for status reporting.
type DeviceInfo struct {
	ID          int      `json:"id"`
	Name        string   `json:"name"`
	Parent      int      `json:"parent"`
	State       string   `json:"state"`
	Transitions []string `json:"transitions"`
	Services    []string `json:"services"`
	Children    []int    `json:"children"`
}

// Snapshot describes every device ordered by id. The root's parent is -1.
func (ce *ControlEngine) Snapshot() []DeviceInfo {
	devices := ce.Devices()
	out := make([]DeviceInfo, 0, len(devices))
	for _, d := range devices {
		info := DeviceInfo{
			ID:          d.ID(),
			Name:        d.Name(),
			Parent:      -1,
			State:       d.State().String(),
			Transitions: d.Transitions(),
			Services:    []string{},
			Children:    []int{},
		}
		if p := d.Parent(); p != nil {
			info.Parent = p.ID()
		}
		for _, s := range d.Services() {
			info.Services = append(info.Services, s.Name)
		}
		for _, c := range d.Children() {
			info.Children = append(info.Children, c.ID())
		}
		out = append(out, info)
	}
	return out
}
