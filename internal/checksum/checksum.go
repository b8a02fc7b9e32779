// Package checksum computes the Adler-32 checksum used for command payload
// validation and for integrity tags on monitored locations.
//
// Input is always treated as unsigned bytes. Two running sums are kept
// modulo 65521 and combined as (sum2<<16)+sum1, starting from sum1 = 1.
package checksum

import (
	"encoding/binary"
	"hash/adler32"
)

// Sum returns the Adler-32 checksum of data.
func Sum(data []byte) uint32 {
	return adler32.Checksum(data)
}

// Verify reports whether want is the checksum of data.
func Verify(data []byte, want uint32) bool {
	return Sum(data) == want
}

// SumUint64 checksums the 8 little-endian bytes of v. It is used to tag
// location handles so a corrupted handle can be told apart from its backup.
func SumUint64(v uint64) uint32 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return Sum(buf[:])
}
