package fec

import (
	"time"

	"github.com/nerrad567/feeserver/internal/ce"
)

// Config holds the simulated card layer settings.
type Config struct {
	// Boards is the number of simulated cards.
	Boards int

	// UpdateInterval is the service update period.
	UpdateInterval time.Duration

	History       ce.HistoryRecorder
	OnStateChange func(ce.StateChange)
}

// Layer is a control engine populated with simulated boards. It
// implements layer.DeviceLayer through the embedded engine.
type Layer struct {
	*ce.ControlEngine

	boards  []*Board
	devices []*ce.Device
}

// NewLayer creates the card layer. Boards are attached when the engine is
// initialised.
func NewLayer(cfg Config) *Layer {
	l := &Layer{}
	for i := 0; i < cfg.Boards; i++ {
		b := NewBoard(i)
		l.boards = append(l.boards, b)
		l.devices = append(l.devices, ce.NewDevice(b.Name(), b))
	}

	l.ControlEngine = ce.NewControlEngine(ce.Config{
		UpdateInterval: cfg.UpdateInterval,
		Armor:          l.armor,
		History:        cfg.History,
		OnStateChange:  cfg.OnStateChange,
	})
	l.AddHandler(&Handler{layer: l})
	return l
}

func (l *Layer) armor(engine *ce.ControlEngine) error {
	for _, d := range l.devices {
		if err := engine.Root().AddChild(d); err != nil {
			return err
		}
	}
	return nil
}

// Board returns the simulated board with the given index.
func (l *Layer) Board(i int) *Board {
	if i < 0 || i >= len(l.boards) {
		return nil
	}
	return l.boards[i]
}

// BoardDevice returns the device of the board with the given index.
func (l *Layer) BoardDevice(i int) *ce.Device {
	if i < 0 || i >= len(l.devices) {
		return nil
	}
	return l.devices[i]
}
