package item

import (
	"encoding/binary"
	"math"

	"github.com/nerrad567/feeserver/internal/checksum"
	"github.com/nerrad567/feeserver/internal/transport"
)

// Node is a registry entry.
//
// For float and int nodes, location and backup hold the same handle, and
// sum and sumBackup both hold its checksum. Either the handles agree or the
// checksums identify which copy is intact.
type Node struct {
	ID   transport.ChannelID
	Name string
	Kind Kind

	location  Location
	backup    Location
	sum       uint32
	sumBackup uint32

	last      float64
	threshold float64
	sinceTx   int
	active    bool

	tag      int
	provider func(tag int) []byte
}

func newValueNode(name string, kind Kind, loc Location, deadband float64) *Node {
	sum := checksum.SumUint64(uint64(loc))
	return &Node{
		Name:      name,
		Kind:      kind,
		location:  loc,
		backup:    loc,
		sum:       sum,
		sumBackup: sum,
		last:      math.NaN(),
		threshold: deadband / 2,
		active:    true,
	}
}

// checkIntegrity reconciles location and backup.
//
// Two independent flips that leave both checksums matching each other but
// neither handle are reported as corrupt; a relocation that rewrote a handle
// and its checksum consistently is indistinguishable from an intact node.
func (n *Node) checkIntegrity() Integrity {
	if n.location == n.backup {
		return Valid
	}

	locSum := checksum.SumUint64(uint64(n.location))
	backupSum := checksum.SumUint64(uint64(n.backup))

	switch {
	case n.sum == locSum:
		n.backup = n.location
		return Recovered
	case n.sum == backupSum:
		n.location = n.backup
		return Recovered
	case n.sum == n.sumBackup:
		return Corrupt
	case n.sumBackup == locSum:
		n.sum = n.sumBackup
		n.backup = n.location
		return Recovered
	case n.sumBackup == backupSum:
		n.sum = n.sumBackup
		n.location = n.backup
		return Recovered
	default:
		return Corrupt
	}
}

// Threshold returns half the deadband.
func (n *Node) Threshold() float64 {
	return n.threshold
}

// Last returns the last transmitted value. Char nodes report NaN.
func (n *Node) Last() float64 {
	return n.last
}

// Active reports whether the node is still published.
func (n *Node) Active() bool {
	return n.active
}

// Location returns the node's primary location handle.
func (n *Node) Location() Location {
	return n.location
}

func encodeFloat(v float32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, math.Float32bits(v))
	return b
}

func encodeInt(v int32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(v))
	return b
}
