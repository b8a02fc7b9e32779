package memory

import (
	"errors"
	"testing"

	"github.com/nerrad567/feeserver/internal/protocol"
)

func TestAllocate(t *testing.T) {
	a := NewAllocator(0)

	plain, err := a.Allocate(20, 'D', "fec", false)
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	if len(plain.Data()) != 20 || len(plain.Prefix()) != 0 {
		t.Errorf("plain block data = %d prefix = %d", len(plain.Data()), len(plain.Prefix()))
	}

	prefixed, err := a.Allocate(4, 'A', "ack", true)
	if err != nil {
		t.Fatalf("Allocate() prefixed error = %v", err)
	}
	if len(prefixed.Raw()) != 4+PrefixSize || len(prefixed.Data()) != 4 {
		t.Errorf("prefixed raw = %d data = %d", len(prefixed.Raw()), len(prefixed.Data()))
	}
	if prefixed.PrefixSize != PrefixSize || !prefixed.Prefixed {
		t.Errorf("prefixed metadata = %+v", prefixed)
	}
	if prefixed.Identity == plain.Identity {
		t.Error("identities must be distinct")
	}
	if uint64(prefixed.Identity)%16 != PrefixSize%16 {
		t.Errorf("prefixed identity %#x should sit PrefixSize past an aligned base", prefixed.Identity)
	}

	// Data writes are visible through Raw.
	prefixed.Data()[0] = 0xaa
	if prefixed.Raw()[PrefixSize] != 0xaa {
		t.Error("Data() and Raw() do not share storage")
	}

	if got := a.Stats(); got.Blocks != 2 || got.Bytes != 20+4+PrefixSize {
		t.Errorf("Stats() = %+v", got)
	}
	if owners := a.Owners(); len(owners) != 2 || owners[0] != "fec" || owners[1] != "ack" {
		t.Errorf("Owners() = %v", owners)
	}
}

func TestAllocate_InvalidSize(t *testing.T) {
	a := NewAllocator(0)

	for _, tt := range []struct {
		name     string
		size     int
		prefixed bool
	}{
		{"zero", 0, false},
		{"negative", -1, false},
		{"zero prefixed", 0, true},
	} {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.Allocate(tt.size, 'X', "t", tt.prefixed)
			if !errors.Is(err, protocol.ErrInvalidParameter) {
				t.Errorf("Allocate(%d) error = %v, want ErrInvalidParameter", tt.size, err)
			}
		})
	}
}

func TestAllocate_Budget(t *testing.T) {
	a := NewAllocator(64)

	if _, err := a.Allocate(60, 'D', "fec", false); err != nil {
		t.Fatalf("Allocate() within budget error = %v", err)
	}
	_, err := a.Allocate(8, 'D', "fec", false)
	if !errors.Is(err, protocol.ErrInsufficientMemory) {
		t.Errorf("Allocate() over budget error = %v, want ErrInsufficientMemory", err)
	}
	if protocol.CodeOf(err) != protocol.InsufficientMemory {
		t.Errorf("CodeOf() = %v", protocol.CodeOf(err))
	}
}

func TestAllocate_Oversized(t *testing.T) {
	a := NewAllocator(0)

	for _, size := range []int{MaxBlockSize + 1, 1 << 50} {
		_, err := a.Allocate(size, 'X', "dev", true)
		if !errors.Is(err, protocol.ErrInsufficientMemory) {
			t.Errorf("Allocate(%d) error = %v, want ErrInsufficientMemory", size, err)
		}
	}
	if got := a.Stats(); got.Blocks != 0 || got.Bytes != 0 {
		t.Errorf("Stats() after rejected allocations = %+v", got)
	}

	if _, err := a.Allocate(MaxBlockSize, 'X', "dev", false); err != nil {
		t.Errorf("Allocate(MaxBlockSize) error = %v", err)
	}
}

func TestFindAndFree(t *testing.T) {
	a := NewAllocator(0)
	b1, _ := a.Allocate(8, 'D', "one", false)
	b2, _ := a.Allocate(8, 'D', "two", true)
	b3, _ := a.Allocate(8, 'D', "three", false)

	if got, ok := a.Find(b2.Identity); !ok || got != b2 {
		t.Errorf("Find() = %v, %v", got, ok)
	}
	if _, ok := a.Find(Handle(1)); ok {
		t.Error("Find() of unknown handle should miss")
	}
	// The raw base of a prefixed block is not its identity.
	if _, ok := a.Find(b2.Identity - PrefixSize); ok {
		t.Error("Find() matched the raw base instead of the identity")
	}

	if err := a.Free(b2.Identity); err != nil {
		t.Fatalf("Free() error = %v", err)
	}
	if err := a.Free(b2.Identity); !errors.Is(err, protocol.ErrInvalidParameter) {
		t.Errorf("double Free() error = %v", err)
	}
	if owners := a.Owners(); len(owners) != 2 || owners[0] != "one" || owners[1] != "three" {
		t.Errorf("Owners() after free = %v", owners)
	}
	if _, ok := a.Find(b1.Identity); !ok {
		t.Error("b1 lost after freeing b2")
	}
	if _, ok := a.Find(b3.Identity); !ok {
		t.Error("b3 lost after freeing b2")
	}
}

func TestFreeAll(t *testing.T) {
	a := NewAllocator(100)
	for i := 0; i < 3; i++ {
		if _, err := a.Allocate(10, 'D', "x", false); err != nil {
			t.Fatalf("Allocate() error = %v", err)
		}
	}

	if n := a.FreeAll(); n != 3 {
		t.Errorf("FreeAll() = %d, want 3", n)
	}
	if got := a.Stats(); got.Blocks != 0 || got.Bytes != 0 {
		t.Errorf("Stats() after FreeAll = %+v", got)
	}
	// Budget is available again.
	if _, err := a.Allocate(90, 'D', "x", false); err != nil {
		t.Errorf("Allocate() after FreeAll error = %v", err)
	}
}
