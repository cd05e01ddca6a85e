package device

import "context"

// EventSink receives adapter-originated events
type EventSink func(Event)

// Adapter is the boundary to a platform Bluetooth stack.
//
// Implementations must honour the following contract:
//
//   - Exactly one EventSink is set. It is invoked from a single logical
//     sequence: an implementation that is multi-threaded internally must
//     serialize its own event emission.
//   - Connect and Disconnect either fail synchronously or are later confirmed
//     by a DeviceStateChanged event for the same device. Connect may block
//     until the link is up; the event is still required.
//   - GATT calls (Discover, Read, Write, SetNotify, descriptor access, RSSI,
//     MTU) block until the radio operation completes and return its outcome.
//     The context is an advisory abort: an implementation may ignore it.
//   - Errors should be *Error values of the matching kind; anything else is
//     classified by NormalizeError.
type Adapter interface {
	State() AdapterState
	SetEventSink(sink EventSink)

	StartScan(opts ScanOptions) error
	StopScan() error

	Connect(ctx context.Context, id DeviceID, opts ConnectOptions) error
	Disconnect(ctx context.Context, id DeviceID) error

	// Discover returns the complete service/characteristic/descriptor tree
	Discover(ctx context.Context, id DeviceID) ([]Service, error)

	Read(ctx context.Context, id DeviceID, service, characteristic UUID) ([]byte, error)
	Write(ctx context.Context, id DeviceID, service, characteristic UUID, data []byte, opts WriteOptions) error
	SetNotify(ctx context.Context, id DeviceID, service, characteristic UUID, enable bool) error

	ReadDescriptor(ctx context.Context, id DeviceID, service, characteristic, descriptor UUID) ([]byte, error)
	WriteDescriptor(ctx context.Context, id DeviceID, service, characteristic, descriptor UUID, data []byte) error

	ReadRSSI(ctx context.Context, id DeviceID) (int, error)
	// RequestMTU returns the MTU actually negotiated
	RequestMTU(ctx context.Context, id DeviceID, mtu int) (int, error)
	SetConnectionPriority(id DeviceID, priority ConnectionPriority) error
}

// Bonder is implemented by adapters that support bonding. Adapters that do
// not implement it are treated as succeeding without doing anything.
type Bonder interface {
	CreateBond(ctx context.Context, id DeviceID) error
	RemoveBond(ctx context.Context, id DeviceID) error
}
