// Package item holds the registry of monitored channels: float and int
// items backed by arena cells, and char items backed by a provider callback.
//
// Every float and int node keeps its location handle twice, together with
// two checksums of the handle. Before a value is read, the pair is
// reconciled so a single bit-flip in either copy is repaired rather than
// followed.
package item

import "fmt"

// Kind distinguishes the three item registries.
type Kind int

// Item kinds.
const (
	KindFloat Kind = iota + 1
	KindInt
	KindChar
)

func (k Kind) String() string {
	switch k {
	case KindFloat:
		return "float"
	case KindInt:
		return "int"
	case KindChar:
		return "char"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// FloatItem describes a float channel to publish.
type FloatItem struct {
	Location        Location
	Name            string
	DefaultDeadband float32
}

// IntItem describes an int channel to publish.
type IntItem struct {
	Location        Location
	Name            string
	DefaultDeadband int32
}

// CharItem describes an opaque channel whose contents come from Provider.
type CharItem struct {
	Name     string
	Tag      int
	Provider func(tag int) []byte
}

// Integrity is the outcome of a node's self-healing check.
type Integrity int

// Integrity states.
const (
	Valid Integrity = iota
	Recovered
	Corrupt
)

func (i Integrity) String() string {
	switch i {
	case Valid:
		return "valid"
	case Recovered:
		return "recovered"
	default:
		return "corrupt"
	}
}
