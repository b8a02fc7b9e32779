package item

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/nerrad567/feeserver/internal/protocol"
)

// Location is a handle to a monitored value cell: generation<<32 | index.
// The zero Location is never valid.
type Location uint64

func makeLocation(gen, index uint32) Location {
	return Location(uint64(gen)<<32 | uint64(index))
}

// Index returns the slot index.
func (l Location) Index() uint32 { return uint32(l) }

// Generation returns the slot generation.
func (l Location) Generation() uint32 { return uint32(l >> 32) }

func (l Location) String() string {
	return fmt.Sprintf("%d@%d", l.Index(), l.Generation())
}

type cell struct {
	gen  uint32
	kind Kind
	bits atomic.Uint64
}

// Arena owns the value cells the device layer writes and the monitoring
// engine reads. Cell values are accessed atomically; reads never block
// device writes.
type Arena struct {
	mu    sync.RWMutex
	cells []*cell
	free  []uint32
}

// NewArena creates an empty arena.
func NewArena() *Arena {
	return &Arena{}
}

// NewFloat allocates a float cell holding v.
func (a *Arena) NewFloat(v float32) Location {
	return a.alloc(KindFloat, uint64(math.Float32bits(v)))
}

// NewInt allocates an int cell holding v.
func (a *Arena) NewInt(v int32) Location {
	return a.alloc(KindInt, uint64(uint32(v)))
}

func (a *Arena) alloc(kind Kind, bits uint64) Location {
	a.mu.Lock()
	defer a.mu.Unlock()

	var idx uint32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		idx = uint32(len(a.cells))
		a.cells = append(a.cells, &cell{})
	}
	c := a.cells[idx]
	c.gen++
	c.kind = kind
	c.bits.Store(bits)
	return makeLocation(c.gen, idx)
}

// Release invalidates loc. Its slot may be reused under a new generation.
func (a *Arena) Release(loc Location) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, err := a.lookupLocked(loc, 0); err != nil {
		return err
	}
	c := a.cells[loc.Index()]
	c.gen++
	c.kind = 0
	a.free = append(a.free, loc.Index())
	return nil
}

// SetFloat stores v in a float cell.
func (a *Arena) SetFloat(loc Location, v float32) error {
	c, err := a.lookup(loc, KindFloat)
	if err != nil {
		return err
	}
	c.bits.Store(uint64(math.Float32bits(v)))
	return nil
}

// SetInt stores v in an int cell.
func (a *Arena) SetInt(loc Location, v int32) error {
	c, err := a.lookup(loc, KindInt)
	if err != nil {
		return err
	}
	c.bits.Store(uint64(uint32(v)))
	return nil
}

// Float reads a float cell.
func (a *Arena) Float(loc Location) (float32, error) {
	c, err := a.lookup(loc, KindFloat)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(uint32(c.bits.Load())), nil
}

// Int reads an int cell.
func (a *Arena) Int(loc Location) (int32, error) {
	c, err := a.lookup(loc, KindInt)
	if err != nil {
		return 0, err
	}
	return int32(uint32(c.bits.Load())), nil
}

// Valid reports whether loc refers to a live cell.
func (a *Arena) Valid(loc Location) bool {
	_, err := a.lookup(loc, 0)
	return err == nil
}

func (a *Arena) lookup(loc Location, kind Kind) (*cell, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lookupLocked(loc, kind)
}

// lookupLocked resolves loc; kind 0 accepts any kind.
func (a *Arena) lookupLocked(loc Location, kind Kind) (*cell, error) {
	idx := loc.Index()
	if loc == 0 || int(idx) >= len(a.cells) {
		return nil, fmt.Errorf("%w: location %v out of range", protocol.ErrInvalidParameter, loc)
	}
	c := a.cells[idx]
	if c.gen != loc.Generation() || c.kind == 0 {
		return nil, fmt.Errorf("%w: stale location %v", protocol.ErrInvalidParameter, loc)
	}
	if kind != 0 && c.kind != kind {
		return nil, fmt.Errorf("%w: location %v holds %v, not %v", protocol.ErrInvalidParameter, loc, c.kind, kind)
	}
	return c, nil
}
