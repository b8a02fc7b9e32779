// Package memory implements the tracked allocator through which the device
// layer obtains buffers whose lifetime the server manages.
//
// Blocks are identified by their identity handle, the address-equivalent of
// the first byte past the optional header prefix. A prefixed block reserves
// protocol.HeaderSize bytes in front of the data so an ACK header can be
// written without copying the payload.
package memory

import (
	"fmt"
	"sync"

	"github.com/nerrad567/feeserver/internal/protocol"
)

// Handle is the identity address of a tracked block.
type Handle uint64

// PrefixSize is the header prefix reserved by prefixed blocks.
const PrefixSize = protocol.HeaderSize

// MaxBlockSize caps a single request, budget or not. Larger requests fail
// with InsufficientMemory.
const MaxBlockSize = 64 << 20

// baseAddress is the first address handed out; zero stays invalid.
const baseAddress = 0x1000

// Logger defines the logging interface used by the Allocator.
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

// Block is a tracked allocation.
type Block struct {
	Identity   Handle
	Size       int
	Type       byte
	Owner      string
	Prefixed   bool
	PrefixSize int

	raw []byte
}

// Data returns the caller-visible bytes (past the prefix).
func (b *Block) Data() []byte {
	return b.raw[b.PrefixSize:]
}

// Prefix returns the reserved header bytes, empty for unprefixed blocks.
func (b *Block) Prefix() []byte {
	return b.raw[:b.PrefixSize]
}

// Raw returns prefix and data as one contiguous slice.
func (b *Block) Raw() []byte {
	return b.raw
}

// Stats summarises the allocator.
type Stats struct {
	Blocks int `json:"blocks"`
	Bytes  int `json:"bytes"`
	Budget int `json:"budget"`
}

// Allocator keeps an insertion-ordered registry of live blocks.
// Lookups are linear; registries hold a handful of blocks.
//
// All methods are safe for concurrent use.
type Allocator struct {
	mu     sync.Mutex
	blocks []*Block
	next   uint64
	used   int
	budget int
	logger Logger
}

// NewAllocator creates an allocator. budget caps the total raw bytes held;
// zero means unlimited.
func NewAllocator(budget int) *Allocator {
	return &Allocator{
		next:   baseAddress,
		budget: budget,
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the allocator.
func (a *Allocator) SetLogger(logger Logger) {
	a.mu.Lock()
	a.logger = logger
	a.mu.Unlock()
}

// Allocate reserves size data bytes, plus PrefixSize header bytes when
// prefixed, and registers the block under owner with a type tag.
func (a *Allocator) Allocate(size int, typeTag byte, owner string, prefixed bool) (*Block, error) {
	prefix := 0
	if prefixed {
		prefix = PrefixSize
	}
	if size <= 0 {
		return nil, fmt.Errorf("%w: allocation of %d bytes", protocol.ErrInvalidParameter, size)
	}
	total := size + prefix

	a.mu.Lock()
	defer a.mu.Unlock()

	if size > MaxBlockSize {
		a.logger.Warn("allocation exceeds block size limit", "owner", owner, "size", size, "limit", MaxBlockSize)
		return nil, fmt.Errorf("%w: %d bytes requested, limit is %d",
			protocol.ErrInsufficientMemory, size, MaxBlockSize)
	}
	if a.budget > 0 && a.used+total > a.budget {
		a.logger.Warn("allocation exceeds memory budget",
			"owner", owner, "size", total, "used", a.used, "budget", a.budget)
		return nil, fmt.Errorf("%w: %d bytes requested, %d of %d in use",
			protocol.ErrInsufficientMemory, total, a.used, a.budget)
	}

	base := a.next
	// Keep identities 16-byte aligned and never overlapping.
	a.next += uint64(total+15) &^ 15

	b := &Block{
		Identity:   Handle(base + uint64(prefix)),
		Size:       size,
		Type:       typeTag,
		Owner:      owner,
		Prefixed:   prefixed,
		PrefixSize: prefix,
		raw:        make([]byte, total),
	}
	a.blocks = append(a.blocks, b)
	a.used += total

	a.logger.Debug("block allocated", "owner", owner, "identity", fmt.Sprintf("%#x", b.Identity), "size", size)
	return b, nil
}

// Find returns the block with the given identity handle. A miss is logged
// and reported as false.
func (a *Allocator) Find(h Handle) (*Block, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if i := a.index(h); i >= 0 {
		return a.blocks[i], true
	}
	a.logger.Debug("no tracked block for handle", "identity", fmt.Sprintf("%#x", h))
	return nil, false
}

// Free unlinks and releases a block.
func (a *Allocator) Free(h Handle) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	i := a.index(h)
	if i < 0 {
		a.logger.Warn("free of untracked handle", "identity", fmt.Sprintf("%#x", h))
		return fmt.Errorf("%w: handle %#x is not tracked", protocol.ErrInvalidParameter, h)
	}

	b := a.blocks[i]
	a.blocks = append(a.blocks[:i], a.blocks[i+1:]...)
	a.used -= len(b.raw)
	b.raw = nil
	return nil
}

// FreeAll releases every block and returns how many were held.
func (a *Allocator) FreeAll() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := len(a.blocks)
	for _, b := range a.blocks {
		b.raw = nil
	}
	a.blocks = nil
	a.used = 0
	return n
}

// Stats returns current usage.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{Blocks: len(a.blocks), Bytes: a.used, Budget: a.budget}
}

// Owners returns the owner of each live block in allocation order.
func (a *Allocator) Owners() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	owners := make([]string, len(a.blocks))
	for i, b := range a.blocks {
		owners[i] = b.Owner
	}
	return owners
}

func (a *Allocator) index(h Handle) int {
	for i, b := range a.blocks {
		if b.Identity == h {
			return i
		}
	}
	return -1
}
