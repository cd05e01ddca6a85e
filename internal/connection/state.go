package connection

import (
	"fmt"

	"github.com/srg/blecentral/pkg/device"
)

// State is the lifecycle state of one device link
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Discovering
	Ready
	Disconnecting
	// Failed is transient: a failed attempt passes through it on its way back to Disconnected
	Failed
)

var stateNames = [...]string{
	Disconnected:  "disconnected",
	Connecting:    "connecting",
	Connected:     "connected",
	Discovering:   "discovering",
	Ready:         "ready",
	Disconnecting: "disconnecting",
	Failed:        "failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// AcceptsGATT reports whether GATT operations may be submitted in this state
func (s State) AcceptsGATT() bool {
	return s == Connected || s == Discovering || s == Ready
}

// Transition records one state change of a device link
type Transition struct {
	ID    device.DeviceID
	From  State
	To    State
	Cause error // set for failures and forced transitions
}
