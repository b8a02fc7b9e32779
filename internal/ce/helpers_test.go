package ce

import (
	"sync"

	"github.com/nerrad567/feeserver/internal/item"
	"github.com/nerrad567/feeserver/internal/layer"
	"github.com/nerrad567/feeserver/internal/memory"
	"github.com/nerrad567/feeserver/internal/message"
	"github.com/nerrad567/feeserver/internal/transport"
)

// testHost is a minimal layer.Host over a real registry and loopback.
type testHost struct {
	arena *item.Arena
	reg   *item.Registry
	lb    *transport.Loopback
	alloc *memory.Allocator
	ready chan error

	mu   sync.Mutex
	logs []string
}

var _ layer.Host = (*testHost)(nil)

func newTestHost() *testHost {
	a := item.NewArena()
	lb := transport.NewLoopback()
	return &testHost{
		arena: a,
		reg:   item.NewRegistry(a, lb),
		lb:    lb,
		alloc: memory.NewAllocator(0),
		ready: make(chan error, 1),
	}
}

func (h *testHost) Arena() *item.Arena { return h.arena }
func (h *testHost) PublishFloat(it item.FloatItem) (transport.ChannelID, error) {
	return h.reg.PublishFloat(it)
}
func (h *testHost) PublishInt(it item.IntItem) (transport.ChannelID, error) {
	return h.reg.PublishInt(it)
}
func (h *testHost) PublishChar(it item.CharItem) (transport.ChannelID, error) {
	return h.reg.PublishChar(it)
}
func (h *testHost) Unpublish(name string) error { return h.reg.Unpublish(name) }
func (h *testHost) UpdateChannel(name string) (int, error) {
	return h.reg.UpdateChannel(name)
}
func (h *testHost) SignalReady(err error) { h.ready <- err }
func (h *testHost) Log(_ message.EventType, description, _ string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.logs = append(h.logs, description)
	return true
}
func (h *testHost) Allocate(size int, typeTag byte, owner string, prefixed bool) (*memory.Block, error) {
	return h.alloc.Allocate(size, typeTag, owner, prefixed)
}
func (h *testHost) Free(hd memory.Handle) error { return h.alloc.Free(hd) }
func (h *testHost) SetProperty(layer.Property, any) bool { return false }

// testHW is configurable hardware that records hook calls.
type testHW struct {
	initial State
	armor   func(d *Device) error

	mu     sync.Mutex
	events []string
}

func (h *testHW) EvaluateHardware() State { return h.initial }

func (h *testHW) ArmorHardware(d *Device) error {
	if h.armor == nil {
		return nil
	}
	return h.armor(d)
}

func (h *testHW) LeaveState(_ *Device, s State) {
	h.mu.Lock()
	h.events = append(h.events, "leave:"+s.String())
	h.mu.Unlock()
}

func (h *testHW) EnterState(_ *Device, s State) {
	h.mu.Lock()
	h.events = append(h.events, "enter:"+s.String())
	h.mu.Unlock()
}

func (h *testHW) Events() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.events...)
}

// boardTransitions is the usual front-end card state machine.
var boardTransitions = []Transition{
	{Name: "switchon", From: []State{Off}, To: On},
	{Name: "switchoff", From: []State{On, Configured, Error}, To: Off},
	{Name: "configure", From: []State{On}, Via: Configuring, To: Configured},
	{Name: "go", From: []State{Configured}, To: Running},
	{Name: "stop", From: []State{Running}, To: Configured},
}

func declareAll(d *Device, ts []Transition) error {
	for _, t := range ts {
		if err := d.DeclareTransition(t); err != nil {
			return err
		}
	}
	return nil
}
