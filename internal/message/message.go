package message

import (
	"fmt"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// EventType is a bit in the log-level mask.
type EventType uint32

// Event types.
const (
	Info         EventType = 1
	Warning      EventType = 2
	Error        EventType = 4
	FailureAudit EventType = 8
	SuccessAudit EventType = 16
	Debug        EventType = 32
	Alarm        EventType = 64

	// AllEvents enables every event type.
	AllEvents EventType = Info | Warning | Error | FailureAudit | SuccessAudit | Debug | Alarm
)

var eventNames = []struct {
	t    EventType
	name string
}{
	{Info, "info"},
	{Warning, "warning"},
	{Error, "error"},
	{FailureAudit, "failure_audit"},
	{SuccessAudit, "success_audit"},
	{Debug, "debug"},
	{Alarm, "alarm"},
}

func (t EventType) String() string {
	var parts []string
	for _, e := range eventNames {
		if t&e.t != 0 {
			parts = append(parts, e.name)
		}
	}
	if len(parts) == 0 {
		return fmt.Sprintf("event(%d)", uint32(t))
	}
	return strings.Join(parts, "|")
}

// Message is one record on the message channel.
// CBOR encoding uses integer keys for compactness.
type Message struct {
	EventType   EventType `cbor:"1,keyasint" json:"event_type"`
	Detector    string    `cbor:"2,keyasint" json:"detector"`
	Source      string    `cbor:"3,keyasint" json:"source"`
	Description string    `cbor:"4,keyasint" json:"description"`
	Date        time.Time `cbor:"5,keyasint" json:"date"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:        cbor.SortCanonical,
		IndefLength: cbor.IndefLengthForbidden,
		Time:        cbor.TimeRFC3339Nano,
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create message CBOR encoder mode: %v", err))
	}

	decOpts := cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyQuiet,
		IndefLength: cbor.IndefLengthAllowed,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create message CBOR decoder mode: %v", err))
	}
}

// Encode encodes m to CBOR.
func Encode(m Message) ([]byte, error) {
	return encMode.Marshal(m)
}

// Decode decodes a CBOR message.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := decMode.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decoding message: %w", err)
	}
	return m, nil
}

// replicateSummary is the notice sent in place of held-back duplicates.
func replicateSummary(count int, original string) string {
	return fmt.Sprintf("message repeated %d times: %s", count, original)
}
