package protocol

import "strings"

// Flags is the header flag bitfield.
type Flags uint16

// Header flag bits. A command with none of the administrative bits set is a
// device-layer command.
const (
	FlagHuffman Flags = 1 << iota
	FlagChecksum
	FlagUpdateBinary
	FlagRestart
	FlagRebootHost
	FlagShutdownHost
	FlagExit
	FlagSetDeadband
	FlagGetDeadband
	FlagSetIssueTimeout
	FlagGetIssueTimeout
	FlagSetUpdateRate
	FlagGetUpdateRate
	FlagSetLogLevel
	FlagGetLogLevel
)

// adminMask covers every bit that selects a server-local command.
// Huffman is included: it is reserved and rejected as not implemented.
const adminMask = FlagHuffman | FlagUpdateBinary | FlagRestart | FlagRebootHost |
	FlagShutdownHost | FlagExit | FlagSetDeadband | FlagGetDeadband |
	FlagSetIssueTimeout | FlagGetIssueTimeout | FlagSetUpdateRate |
	FlagGetUpdateRate | FlagSetLogLevel | FlagGetLogLevel

var flagNames = []struct {
	flag Flags
	name string
}{
	{FlagHuffman, "huffman"},
	{FlagChecksum, "checksum"},
	{FlagUpdateBinary, "update-binary"},
	{FlagRestart, "restart"},
	{FlagRebootHost, "reboot"},
	{FlagShutdownHost, "shutdown"},
	{FlagExit, "exit"},
	{FlagSetDeadband, "set-deadband"},
	{FlagGetDeadband, "get-deadband"},
	{FlagSetIssueTimeout, "set-issue-timeout"},
	{FlagGetIssueTimeout, "get-issue-timeout"},
	{FlagSetUpdateRate, "set-update-rate"},
	{FlagGetUpdateRate, "get-update-rate"},
	{FlagSetLogLevel, "set-log-level"},
	{FlagGetLogLevel, "get-log-level"},
}

// Has reports whether every bit of f2 is set.
func (f Flags) Has(f2 Flags) bool {
	return f&f2 == f2
}

// Admin returns the administrative bits of f.
func (f Flags) Admin() Flags {
	return f & adminMask
}

// IsDevice reports whether f routes the payload to the device layer.
func (f Flags) IsDevice() bool {
	return f.Admin() == 0
}

// Unknown returns bits outside the defined table.
func (f Flags) Unknown() Flags {
	return f &^ (adminMask | FlagChecksum)
}

func (f Flags) String() string {
	if f == 0 {
		return "none"
	}
	var parts []string
	for _, fn := range flagNames {
		if f.Has(fn.flag) {
			parts = append(parts, fn.name)
		}
	}
	if u := f.Unknown(); u != 0 {
		parts = append(parts, "unknown")
	}
	return strings.Join(parts, "|")
}
