package device

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// DeviceID identifies a physical peripheral. Its format is platform defined
// (a MAC address on Linux, a CoreBluetooth UUID on macOS) and the core treats
// it as opaque.
//
//nolint:revive // DeviceID reads better than ID at call sites (device.DeviceID)
type DeviceID string

// TransactionID groups operations for bulk cancellation
type TransactionID string

// NewTransactionID returns a fresh random transaction identifier
func NewTransactionID() TransactionID {
	return TransactionID(uuid.NewString())
}

// AdapterState mirrors the power/authorization state of the local radio
type AdapterState int

const (
	AdapterUnknown AdapterState = iota
	AdapterResetting
	AdapterUnsupported
	AdapterUnauthorized
	AdapterPoweredOff
	AdapterPoweredOn
)

func (s AdapterState) String() string {
	switch s {
	case AdapterResetting:
		return "resetting"
	case AdapterUnsupported:
		return "unsupported"
	case AdapterUnauthorized:
		return "unauthorized"
	case AdapterPoweredOff:
		return "powered_off"
	case AdapterPoweredOn:
		return "powered_on"
	default:
		return "unknown"
	}
}

// ----------------------------
// Advertisement / Device
// ----------------------------

// Advertisement holds the payload fields of a received advertisement
type Advertisement struct {
	LocalName        string
	TxPowerLevel     *int
	ManufacturerData map[uint16][]byte // company id -> payload
	ServiceData      map[UUID][]byte
	ServiceUUIDs     []UUID
	Connectable      bool
	Appearance       *int
	Flags            *int
}

// Device is a snapshot of everything known about a peripheral
type Device struct {
	ID            DeviceID
	Name          *string
	RSSI          *int
	ServiceUUIDs  []UUID
	Advertisement Advertisement
	Connected     bool
	Bonded        *bool // only reported by platforms that expose bonding
	LastSeen      time.Time
	Stale         bool // not seen since the last scan started
}

// DisplayName returns the advertised name, falling back to the identifier
func (d Device) DisplayName() string {
	if d.Name != nil && strings.TrimSpace(*d.Name) != "" {
		return *d.Name
	}
	return string(d.ID)
}

// Clone returns a deep copy so snapshots never alias registry state
func (d Device) Clone() Device {
	c := d
	if d.Name != nil {
		name := *d.Name
		c.Name = &name
	}
	c.RSSI = cloneIntPtr(d.RSSI)
	c.Bonded = cloneBoolPtr(d.Bonded)
	c.ServiceUUIDs = append([]UUID(nil), d.ServiceUUIDs...)
	c.Advertisement = d.Advertisement.Clone()
	return c
}

// Clone returns a deep copy of the advertisement
func (a Advertisement) Clone() Advertisement {
	c := a
	c.TxPowerLevel = cloneIntPtr(a.TxPowerLevel)
	c.Appearance = cloneIntPtr(a.Appearance)
	c.Flags = cloneIntPtr(a.Flags)
	c.ServiceUUIDs = append([]UUID(nil), a.ServiceUUIDs...)
	if a.ManufacturerData != nil {
		c.ManufacturerData = make(map[uint16][]byte, len(a.ManufacturerData))
		for k, v := range a.ManufacturerData {
			c.ManufacturerData[k] = append([]byte(nil), v...)
		}
	}
	if a.ServiceData != nil {
		c.ServiceData = make(map[UUID][]byte, len(a.ServiceData))
		for k, v := range a.ServiceData {
			c.ServiceData[k] = append([]byte(nil), v...)
		}
	}
	return c
}

// ----------------------------
// GATT hierarchy
// ----------------------------

// Service is a discovered GATT service
type Service struct {
	DeviceID        DeviceID
	UUID            UUID
	Primary         bool
	Characteristics []Characteristic
}

// Characteristic is a discovered GATT characteristic
type Characteristic struct {
	DeviceID    DeviceID
	ServiceUUID UUID
	UUID        UUID
	Properties  Property
	Notifying   bool
	Descriptors []Descriptor
}

// Descriptor is a discovered GATT descriptor
type Descriptor struct {
	DeviceID           DeviceID
	ServiceUUID        UUID
	CharacteristicUUID UUID
	UUID               UUID
}

// Clone returns a deep copy of the service subtree
func (s Service) Clone() Service {
	c := s
	c.Characteristics = make([]Characteristic, len(s.Characteristics))
	for i, ch := range s.Characteristics {
		c.Characteristics[i] = ch.Clone()
	}
	return c
}

// Clone returns a deep copy of the characteristic subtree
func (c Characteristic) Clone() Characteristic {
	r := c
	r.Descriptors = append([]Descriptor(nil), c.Descriptors...)
	return r
}

// ----------------------------
// Options
// ----------------------------

// ScanOptions configures a scan session
type ScanOptions struct {
	ServiceUUIDs    []UUID // only report advertisements carrying one of these (empty = all)
	AllowDuplicates bool
	LowLatency      *bool // Android hint
	Legacy          *bool // Android hint
}

// ConnectOptions configures a connection attempt
type ConnectOptions struct {
	AutoConnect  bool          // Android hint
	Timeout      time.Duration // 0 = use the client default
	RequestMTU   int           // 0 = keep the negotiated default
	RefreshGATT  bool          // Android hint
	AutoDiscover bool          // run service discovery as soon as the link is up
}

// WriteOptions configures a characteristic write
type WriteOptions struct {
	WithResponse bool
}

// ConnectionPriority is a platform hint; a no-op where unsupported
type ConnectionPriority int

const (
	PriorityBalanced ConnectionPriority = iota
	PriorityHigh
	PriorityLowPower
)

func (p ConnectionPriority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLowPower:
		return "low_power"
	default:
		return "balanced"
	}
}

func cloneIntPtr(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneBoolPtr(p *bool) *bool {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
