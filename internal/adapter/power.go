package adapter

import (
	"sync/atomic"

	"github.com/srg/blecentral/pkg/device"
)

// PowerState tracks the radio state reported by a platform stack
type PowerState struct {
	v atomic.Int32
}

// Load returns the last stored state
func (p *PowerState) Load() device.AdapterState {
	return device.AdapterState(p.v.Load())
}

// Store records s and reports whether it differs from the previous state
func (p *PowerState) Store(s device.AdapterState) bool {
	return device.AdapterState(p.v.Swap(int32(s))) != s
}
