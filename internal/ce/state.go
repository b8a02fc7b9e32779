package ce

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// State is a device state.
type State int

// Device states. Unknown is the only legal state before the hardware has
// been evaluated.
const (
	Unknown State = iota
	Off
	On
	Configuring
	Configured
	Running
	Error
	Failure
	User0
	User1
	User2
)

var stateNames = [...]string{
	Unknown:     "UNKNOWN",
	Off:         "OFF",
	On:          "ON",
	Configuring: "CONFIGURING",
	Configured:  "CONFIGURED",
	Running:     "RUNNING",
	Error:       "ERROR",
	Failure:     "FAILURE",
	User0:       "USER0",
	User1:       "USER1",
	User2:       "USER2",
}

// AllStates lists every state in enum order.
var AllStates = []State{Unknown, Off, On, Configuring, Configured, Running, Error, Failure, User0, User1, User2}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("STATE(%d)", int(s))
}

// Valid reports whether s is a declared state.
func (s State) Valid() bool {
	return s >= Unknown && s <= User2
}

// ParseState parses a state name, case-insensitively.
func ParseState(name string) (State, error) {
	for i, n := range stateNames {
		if strings.EqualFold(n, name) {
			return State(i), nil
		}
	}
	return Unknown, fmt.Errorf("unknown state %q", name)
}

// Transition is a named state change. When Via is set the device passes
// through it while Action runs; a failing Action forces the device into
// Error.
type Transition struct {
	Name   string
	From   []State
	Via    State
	To     State
	Action func(d *Device) error
}

// Allowed reports whether s is a legal source state.
func (t Transition) Allowed(s State) bool {
	return slices.Contains(t.From, s)
}

// StateChange describes one completed state change.
type StateChange struct {
	DeviceID   int       `json:"device_id"`
	DeviceName string    `json:"device_name"`
	From       State     `json:"-"`
	To         State     `json:"-"`
	Transition string    `json:"transition"`
	At         time.Time `json:"at"`
}
