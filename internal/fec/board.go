package fec

import (
	"fmt"
	"math"
	"sync"

	"github.com/nerrad567/feeserver/internal/ce"
)

// RegisterCount is the size of each board's register file.
const RegisterCount = 64

// Status bits reported on the STATUS service.
const (
	StatusPowered int32 = 1 << iota
	StatusConfigured
	StatusRunning
)

// Transitions every board declares.
func boardTransitions(b *Board) []ce.Transition {
	return []ce.Transition{
		{Name: "switchon", From: []ce.State{ce.Off}, To: ce.On},
		{Name: "switchoff", From: []ce.State{ce.On, ce.Configured, ce.Error}, To: ce.Off},
		{Name: "configure", From: []ce.State{ce.On}, Via: ce.Configuring, To: ce.Configured, Action: b.loadDefaults},
		{Name: "go", From: []ce.State{ce.Configured}, To: ce.Running},
		{Name: "stop", From: []ce.State{ce.Running}, To: ce.Configured},
	}
}

// Board simulates one front-end card.
type Board struct {
	index int

	mu         sync.Mutex
	powered    bool
	configured bool
	running    bool
	temp       float32
	voltage    float32
	current    float32
	registers  [RegisterCount]uint32
	ticks      int
}

// NewBoard creates a powered-off board.
func NewBoard(index int) *Board {
	return &Board{index: index, temp: 20}
}

// Name returns the device name of the board.
func (b *Board) Name() string {
	return fmt.Sprintf("FEC_%d", b.index)
}

// EvaluateHardware implements ce.Hardware.
func (b *Board) EvaluateHardware() ce.State {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case b.running:
		return ce.Running
	case b.configured:
		return ce.Configured
	case b.powered:
		return ce.On
	default:
		return ce.Off
	}
}

// ArmorHardware implements ce.Armorer.
func (b *Board) ArmorHardware(d *ce.Device) error {
	for _, t := range boardTransitions(b) {
		if err := d.DeclareTransition(t); err != nil {
			return err
		}
	}

	floats := []struct {
		name     string
		deadband float32
		read     func() float32
	}{
		{"TEMP", 0.5, b.Temperature},
		{"VOLTAGE", 0.05, b.Voltage},
		{"CURRENT", 0.05, b.Current},
	}
	for _, f := range floats {
		if _, err := d.AddFloatService(f.name, f.deadband, f.read); err != nil {
			return err
		}
	}
	_, err := d.AddIntService("STATUS", 1, b.Status)
	return err
}

// LeaveState implements ce.StateHooks.
func (b *Board) LeaveState(*ce.Device, ce.State) {}

// EnterState implements ce.StateHooks; it drives the simulated power and
// run flags.
func (b *Board) EnterState(_ *ce.Device, s ce.State) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch s {
	case ce.Off:
		b.powered, b.configured, b.running = false, false, false
	case ce.On:
		b.powered, b.configured, b.running = true, false, false
	case ce.Configured:
		b.configured, b.running = true, false
	case ce.Running:
		b.running = true
	}
}

// UpdateHardware implements ce.Updater. Readings drift slowly while the
// board is powered.
func (b *Board) UpdateHardware(*ce.Device) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.ticks++
	phase := float64(b.ticks+b.index) / 10
	switch {
	case !b.powered:
		b.temp += (20 - b.temp) / 4
		b.voltage, b.current = 0, 0
	default:
		b.temp = 35 + float32(2*math.Sin(phase))
		b.voltage = 4.0 + float32(0.02*math.Cos(phase))
		b.current = 0.3
		if b.running {
			b.current = 0.8
		}
	}
	return nil
}

func (b *Board) loadDefaults(*ce.Device) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range b.registers {
		b.registers[i] = 0
	}
	b.registers[0] = uint32(b.index)
	return nil
}

// Temperature returns the simulated temperature in degrees Celsius.
func (b *Board) Temperature() float32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.temp
}

// Voltage returns the simulated supply voltage.
func (b *Board) Voltage() float32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.voltage
}

// Current returns the simulated supply current.
func (b *Board) Current() float32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// Status returns the status bitmask.
func (b *Board) Status() int32 {
	b.mu.Lock()
	defer b.mu.Unlock()

	var s int32
	if b.powered {
		s |= StatusPowered
	}
	if b.configured {
		s |= StatusConfigured
	}
	if b.running {
		s |= StatusRunning
	}
	return s
}

// ReadRegister returns a register value.
func (b *Board) ReadRegister(addr uint32) (uint32, error) {
	if addr >= RegisterCount {
		return 0, fmt.Errorf("register %d out of range", addr)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.registers[addr], nil
}

// WriteRegister stores a register value. Register 0 holds the board
// address and is read-only.
func (b *Board) WriteRegister(addr, value uint32) error {
	if addr == 0 || addr >= RegisterCount {
		return fmt.Errorf("register %d not writable", addr)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.registers[addr] = value
	return nil
}
