package ce

import (
	"fmt"
	"sync"

	"github.com/nerrad567/feeserver/internal/item"
	"github.com/nerrad567/feeserver/internal/layer"
)

// Hardware is the one capability every device has: probing the hardware
// for its current state. EvaluateHardware must not change anything.
type Hardware interface {
	EvaluateHardware() State
}

// Armorer is implemented by hardware that registers services or creates
// sub-devices when the device is armored.
type Armorer interface {
	ArmorHardware(d *Device) error
}

// StateHooks is implemented by hardware that reacts to state changes.
type StateHooks interface {
	LeaveState(d *Device, s State)
	EnterState(d *Device, s State)
}

// Updater is implemented by hardware that refreshes its readings before
// the device's services are updated.
type Updater interface {
	UpdateHardware(d *Device) error
}

// Service is a channel owned by a device.
type Service struct {
	Name     string
	Kind     item.Kind
	Location item.Location

	readFloat func() float32
	readInt   func() int32
}

// Device is one node of the control engine tree.
//
// State changes are serialised per device. Hooks run without the device's
// data lock held, so they may read State, Services and Children, but must
// not trigger transitions on the same device.
type Device struct {
	name string
	hw   Hardware

	tmu sync.Mutex

	mu          sync.RWMutex
	id          int
	parent      *Device
	children    []*Device
	state       State
	transitions map[string]Transition
	order       []string
	services    []*Service
	stateCell   item.Location
	armored     bool
	retired     bool
	engine      *ControlEngine
}

// NewDevice creates a detached device in state Unknown.
func NewDevice(name string, hw Hardware) *Device {
	return &Device{
		name:        name,
		hw:          hw,
		id:          -1,
		transitions: make(map[string]Transition),
	}
}

// ID returns the device id, or -1 while detached.
func (d *Device) ID() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.id
}

// Name returns the device name.
func (d *Device) Name() string { return d.name }

// Hardware returns the device's hardware implementation.
func (d *Device) Hardware() Hardware { return d.hw }

// State returns the current state.
func (d *Device) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// Parent returns the parent device, nil for the root.
func (d *Device) Parent() *Device {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.parent
}

// Children returns the child devices in the order they were added.
func (d *Device) Children() []*Device {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]*Device(nil), d.children...)
}

// Services returns the device's channels.
func (d *Device) Services() []*Service {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]*Service(nil), d.services...)
}

// Transitions returns the declared transition names in declaration order.
func (d *Device) Transitions() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.order...)
}

// Armored reports whether Armor has run.
func (d *Device) Armored() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.armored
}

// DeclareTransition adds a named transition to the device.
func (d *Device) DeclareTransition(t Transition) error {
	if t.Name == "" {
		return fmt.Errorf("%w: transition name is empty", ErrUnknownTransition)
	}
	if !t.To.Valid() || t.To == Unknown {
		return fmt.Errorf("transition %s: invalid target state %v", t.Name, t.To)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.transitions[t.Name]; exists {
		return fmt.Errorf("%w: %s on %s", ErrTransitionExists, t.Name, d.name)
	}
	t.From = append([]State(nil), t.From...)
	d.transitions[t.Name] = t
	d.order = append(d.order, t.Name)
	return nil
}

// AddChild attaches child below d. A child attached to an engine's tree
// is assigned an id.
func (d *Device) AddChild(child *Device) error {
	for p := d; p != nil; p = p.Parent() {
		if p == child {
			return fmt.Errorf("%w: %s would become its own ancestor", ErrAlreadyAttached, child.name)
		}
	}

	child.mu.Lock()
	if child.parent != nil {
		child.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyAttached, child.name)
	}
	child.parent = d
	child.mu.Unlock()

	d.mu.Lock()
	d.children = append(d.children, child)
	eng := d.engine
	d.mu.Unlock()

	if eng != nil {
		eng.attach(child)
	}
	return nil
}

func (d *Device) host() layer.Host {
	d.mu.RLock()
	eng := d.engine
	d.mu.RUnlock()
	if eng == nil {
		return nil
	}
	return eng.Host()
}

func (d *Device) channelName(service string) string {
	return d.name + "_" + service
}

// AddFloatService publishes a float channel named <device>_<name> whose
// value is refreshed from read on every service update.
func (d *Device) AddFloatService(name string, deadband float32, read func() float32) (*Service, error) {
	host := d.host()
	if host == nil {
		return nil, fmt.Errorf("%w: %s", ErrDetached, d.name)
	}

	s := &Service{Name: d.channelName(name), Kind: item.KindFloat, readFloat: read}
	s.Location = host.Arena().NewFloat(read())
	if _, err := host.PublishFloat(item.FloatItem{Location: s.Location, Name: s.Name, DefaultDeadband: deadband}); err != nil {
		_ = host.Arena().Release(s.Location)
		return nil, fmt.Errorf("publishing service %s: %w", s.Name, err)
	}

	d.mu.Lock()
	d.services = append(d.services, s)
	d.mu.Unlock()
	return s, nil
}

// AddIntService publishes an int channel named <device>_<name>.
func (d *Device) AddIntService(name string, deadband int32, read func() int32) (*Service, error) {
	host := d.host()
	if host == nil {
		return nil, fmt.Errorf("%w: %s", ErrDetached, d.name)
	}

	s := &Service{Name: d.channelName(name), Kind: item.KindInt, readInt: read}
	s.Location = host.Arena().NewInt(read())
	if _, err := host.PublishInt(item.IntItem{Location: s.Location, Name: s.Name, DefaultDeadband: deadband}); err != nil {
		_ = host.Arena().Release(s.Location)
		return nil, fmt.Errorf("publishing service %s: %w", s.Name, err)
	}

	d.mu.Lock()
	d.services = append(d.services, s)
	d.mu.Unlock()
	return s, nil
}

// UpdateServices refreshes the hardware, if it can, and copies every
// service reading into its cell. It returns the number of services updated.
func (d *Device) UpdateServices() (int, error) {
	host := d.host()
	if host == nil {
		return 0, fmt.Errorf("%w: %s", ErrDetached, d.name)
	}
	if u, ok := d.hw.(Updater); ok {
		if err := u.UpdateHardware(d); err != nil {
			return 0, fmt.Errorf("updating %s: %w", d.name, err)
		}
	}

	arena := host.Arena()
	count := 0
	for _, s := range d.Services() {
		var err error
		switch s.Kind {
		case item.KindFloat:
			err = arena.SetFloat(s.Location, s.readFloat())
		case item.KindInt:
			err = arena.SetInt(s.Location, s.readInt())
		}
		if err != nil {
			return count, fmt.Errorf("service %s: %w", s.Name, err)
		}
		count++
	}
	return count, nil
}

// Armor runs the one-time startup of the device: it publishes the state
// channel, lets the hardware register services and sub-devices, armors
// the children and finally synchronises against the hardware.
func (d *Device) Armor() error {
	d.mu.Lock()
	if d.armored {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyArmored, d.name)
	}
	d.armored = true
	d.mu.Unlock()

	if host := d.host(); host != nil {
		cell := host.Arena().NewInt(int32(d.State()))
		if _, err := host.PublishInt(item.IntItem{Location: cell, Name: d.channelName("STATE"), DefaultDeadband: 1}); err != nil {
			return fmt.Errorf("publishing state of %s: %w", d.name, err)
		}
		d.mu.Lock()
		d.stateCell = cell
		d.mu.Unlock()
	}

	if a, ok := d.hw.(Armorer); ok {
		if err := a.ArmorHardware(d); err != nil {
			return fmt.Errorf("armoring %s: %w", d.name, err)
		}
	}

	for _, c := range d.Children() {
		if c.Armored() {
			continue
		}
		if err := c.Armor(); err != nil {
			return err
		}
	}

	d.Synchronize()
	return nil
}

// Synchronize reconciles the device state with EvaluateHardware and
// returns the resulting state.
func (d *Device) Synchronize() State {
	d.tmu.Lock()
	defer d.tmu.Unlock()

	s := d.hw.EvaluateHardware()
	if !s.Valid() {
		s = Error
	}
	if s != d.State() {
		d.changeState(s, "synchronize")
	}
	return s
}

// TriggerTransition runs the named transition. When the current state is
// not one of its source states it fails with ErrIllegalTransition and the
// state is left unchanged.
func (d *Device) TriggerTransition(name string) error {
	d.tmu.Lock()
	defer d.tmu.Unlock()

	d.mu.RLock()
	t, ok := d.transitions[name]
	cur := d.state
	d.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s on %s", ErrUnknownTransition, name, d.name)
	}
	if !t.Allowed(cur) {
		return fmt.Errorf("%w: %s from %s on %s", ErrIllegalTransition, name, cur, d.name)
	}

	if t.Via != Unknown {
		d.changeState(t.Via, name)
	}
	if t.Action != nil {
		if err := t.Action(d); err != nil {
			d.changeState(Error, name)
			return fmt.Errorf("%s on %s: %w", name, d.name, err)
		}
	}
	d.changeState(t.To, name)
	return nil
}

// ForceError moves the device to Error from any state.
func (d *Device) ForceError(reason string) {
	d.force(Error, "error", reason)
}

// ForceFailure moves the device to Failure from any state.
func (d *Device) ForceFailure(reason string) {
	d.force(Failure, "failure", reason)
}

func (d *Device) force(to State, transition, reason string) {
	d.tmu.Lock()
	defer d.tmu.Unlock()

	if d.State() == to {
		return
	}
	if eng := d.engineRef(); eng != nil {
		eng.log().Warn("device forced", "device", d.name, "state", to.String(), "reason", reason)
	}
	d.changeState(to, transition)
}

// changeState must be called with tmu held.
func (d *Device) changeState(to State, transition string) {
	from := d.State()
	hooks, _ := d.hw.(StateHooks)
	if hooks != nil {
		hooks.LeaveState(d, from)
	}

	d.mu.Lock()
	d.state = to
	cell := d.stateCell
	eng := d.engine
	id := d.id
	d.mu.Unlock()

	if hooks != nil {
		hooks.EnterState(d, to)
	}

	if eng == nil {
		return
	}
	if cell != 0 {
		if host := eng.Host(); host != nil {
			_ = host.Arena().SetInt(cell, int32(to))
		}
	}
	eng.stateChanged(StateChange{
		DeviceID:   id,
		DeviceName: d.name,
		From:       from,
		To:         to,
		Transition: transition,
	})
}

func (d *Device) engineRef() *ControlEngine {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.engine
}

// Retire takes the device and its subtree out of service: every service
// channel, including the state channel, is withdrawn.
func (d *Device) Retire() {
	for _, c := range d.Children() {
		c.Retire()
	}

	d.mu.Lock()
	if d.retired {
		d.mu.Unlock()
		return
	}
	d.retired = true
	names := make([]string, 0, len(d.services)+1)
	for _, s := range d.services {
		names = append(names, s.Name)
	}
	if d.stateCell != 0 {
		names = append(names, d.channelName("STATE"))
	}
	d.mu.Unlock()

	host := d.host()
	if host == nil {
		return
	}
	for _, name := range names {
		if err := host.Unpublish(name); err != nil {
			d.engineRef().log().Debug("unpublishing service failed", "service", name, "error", err)
		}
	}
}
