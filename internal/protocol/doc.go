// Package protocol defines the FeeServer command wire format: the fixed
// 12-byte little-endian command header, the header flag bits and the result
// code table shared by the server and device layers.
//
// Wire layout (ACKs use the same header followed by the result payload):
//
//	offset  size  field
//	0       4     id         u32
//	4       2     error code i16
//	6       2     flags      u16
//	8       4     checksum   i32 (Adler-32 of the payload, 0 when unflagged)
//
// The flag table is a closed contract. New administrative commands need a
// new protocol revision rather than a reused or ad hoc bit.
package protocol
