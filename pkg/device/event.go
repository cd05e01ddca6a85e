package device

// Event is one of the adapter-originated notifications fanned out to
// listeners. The set is closed: AdapterStateChanged, ScanResult,
// DeviceStateChanged, Notification and RSSIRead are the only implementations,
// so a type switch over them is exhaustive.
//
// Events are immutable once constructed and are delivered by value.
type Event interface {
	isEvent()
	// Kind returns a short name for logging
	Kind() string
}

// AdapterStateChanged reports a change of the local radio state
type AdapterStateChanged struct {
	State AdapterState
}

// ScanResult reports a received advertisement, already merged into a device snapshot
type ScanResult struct {
	Device Device
}

// DeviceStateChanged reports a link coming up or going down. A Connected=false
// event for a device that is still connecting is a failed connect attempt and
// Err carries the adapter's reason when it has one.
type DeviceStateChanged struct {
	ID        DeviceID
	Connected bool
	Err       error
}

// Notification carries a notify/indicate value pushed by a peripheral
type Notification struct {
	ID             DeviceID
	Service        UUID
	Characteristic UUID
	Value          []byte
}

// RSSIRead reports a signal strength sample for a connected device
type RSSIRead struct {
	ID   DeviceID
	RSSI int
}

func (AdapterStateChanged) isEvent() {}
func (ScanResult) isEvent()          {}
func (DeviceStateChanged) isEvent()  {}
func (Notification) isEvent()        {}
func (RSSIRead) isEvent()            {}

func (AdapterStateChanged) Kind() string { return "adapter_state_changed" }
func (ScanResult) Kind() string          { return "scan_result" }
func (DeviceStateChanged) Kind() string  { return "device_state_changed" }
func (Notification) Kind() string        { return "notification" }
func (RSSIRead) Kind() string            { return "rssi_read" }

// EventDeviceID returns the device an event refers to, or "" for adapter-wide events
func EventDeviceID(ev Event) DeviceID {
	switch e := ev.(type) {
	case AdapterStateChanged:
		return ""
	case ScanResult:
		return e.Device.ID
	case DeviceStateChanged:
		return e.ID
	case Notification:
		return e.ID
	case RSSIRead:
		return e.ID
	default:
		return ""
	}
}
