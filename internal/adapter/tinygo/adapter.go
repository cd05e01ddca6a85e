// Package tinygo implements device.Adapter on top of tinygo.org/x/bluetooth
// (BlueZ over D-Bus on Linux, CoreBluetooth on macOS, WinRT on Windows).
//
// The stack connects by address objects obtained from scan results, so a
// device must have been seen by a scan on this adapter before Connect.
// Descriptors, RSSI of a connected link and connection priority are not
// exposed by the stack and report Unsupported.
package tinygo

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/adapter"
	"github.com/srg/blecentral/internal/groutine"
	"github.com/srg/blecentral/pkg/device"
	"tinygo.org/x/bluetooth"
)

// allAccess is reported for every characteristic: the stack does not expose
// characteristic flags uniformly, so access checks are left to the peripheral
const allAccess = device.PropRead | device.PropWrite | device.PropWriteWithoutResponse | device.PropNotify

// Adapter is a device.Adapter backed by tinygo bluetooth
type Adapter struct {
	logger *logrus.Logger
	radio  *bluetooth.Adapter
	events *adapter.Emitter
	power  adapter.PowerState

	scanMu   sync.Mutex
	scanning bool
	scanDone chan struct{}

	mu    sync.Mutex
	seen  map[device.DeviceID]bluetooth.Address
	links map[device.DeviceID]*link
}

// link is one established connection and its discovered handles
type link struct {
	id     device.DeviceID
	device bluetooth.Device
	once   sync.Once

	mu    sync.Mutex
	chars map[charKey]*bluetooth.DeviceCharacteristic
}

type charKey struct {
	service, characteristic device.UUID
}

// New enables the default adapter
func New(logger *logrus.Logger) (*Adapter, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	radio := bluetooth.DefaultAdapter
	if err := radio.Enable(); err != nil {
		logger.WithField("error", err).Error("Failed to enable BLE adapter")
		return nil, &device.Error{Kind: device.KindNotReady, Op: "open", Msg: "enable adapter", Err: err}
	}

	a := &Adapter{
		logger: logger,
		radio:  radio,
		events: adapter.NewEmitter("tinygo", logger),
		seen:   make(map[device.DeviceID]bluetooth.Address),
		links:  make(map[device.DeviceID]*link),
	}
	a.power.Store(device.AdapterPoweredOn)
	radio.SetConnectHandler(a.onConnectionChange)
	return a, nil
}

func (a *Adapter) State() device.AdapterState {
	return a.power.Load()
}

func (a *Adapter) SetEventSink(sink device.EventSink) {
	a.events.SetSink(sink)
}

// Close stops scanning and disconnects every link
func (a *Adapter) Close() error {
	if err := a.StopScan(); err != nil {
		a.logger.WithField("error", err).Debug("Stop scan during close failed")
	}

	a.mu.Lock()
	links := make([]*link, 0, len(a.links))
	for _, l := range a.links {
		links = append(links, l)
	}
	a.mu.Unlock()

	for _, l := range links {
		if err := l.device.Disconnect(); err != nil {
			a.logger.WithFields(logrus.Fields{
				"address": l.id,
				"error":   err,
			}).Warn("Failed to disconnect during close")
		}
		a.linkDown(l, nil)
	}
	a.events.Close()
	return nil
}

// ----------------------------
// Scanning
// ----------------------------

func (a *Adapter) StartScan(opts device.ScanOptions) error {
	a.scanMu.Lock()
	defer a.scanMu.Unlock()

	if a.scanning {
		return &device.Error{Kind: device.KindBusy, Op: "scan", Msg: "scan already running"}
	}

	filter := make([]bluetooth.UUID, 0, len(opts.ServiceUUIDs))
	for _, u := range opts.ServiceUUIDs {
		bu, err := toStackUUID(u)
		if err != nil {
			return err
		}
		filter = append(filter, bu)
	}

	started := make(chan error, 1)
	done := make(chan struct{})
	a.scanning, a.scanDone = true, done

	var startOnce sync.Once
	signalStart := func(err error) {
		startOnce.Do(func() { started <- err })
	}

	groutine.GoWithLogger(context.Background(), a.logger, "tinygo-scan", func(context.Context) {
		defer close(done)
		err := a.radio.Scan(func(_ *bluetooth.Adapter, r bluetooth.ScanResult) {
			signalStart(nil)
			a.onScanResult(r, filter)
		})
		signalStart(err)

		a.scanMu.Lock()
		if a.scanDone == done {
			a.scanning, a.scanDone = false, nil
		}
		a.scanMu.Unlock()

		if err != nil {
			a.logger.WithField("error", err).Warn("BLE scan ended with error")
		}
	})

	// Scan blocks for the whole session; a start failure returns quickly
	select {
	case err := <-started:
		if err != nil {
			return &device.Error{Kind: device.KindGattFailure, Op: "scan", Err: err}
		}
	case <-time.After(100 * time.Millisecond):
	}

	a.logger.WithField("services", len(filter)).Debug("tinygo scan started")
	return nil
}

func (a *Adapter) onScanResult(r bluetooth.ScanResult, filter []bluetooth.UUID) {
	id := device.DeviceID(r.Address.String())

	a.mu.Lock()
	a.seen[id] = r.Address
	a.mu.Unlock()

	a.events.Emit(device.ScanResult{
		Device: convertScanResult(id, int(r.RSSI), r, filter, time.Now()),
	})
}

func (a *Adapter) StopScan() error {
	a.scanMu.Lock()
	if !a.scanning {
		a.scanMu.Unlock()
		return nil
	}
	done := a.scanDone
	a.scanning, a.scanDone = false, nil
	a.scanMu.Unlock()

	if err := a.radio.StopScan(); err != nil {
		return &device.Error{Kind: device.KindGattFailure, Op: "stop_scan", Err: err}
	}
	<-done
	a.logger.Debug("tinygo scan stopped")
	return nil
}

// ----------------------------
// Connection
// ----------------------------

func (a *Adapter) Connect(_ context.Context, id device.DeviceID, _ device.ConnectOptions) error {
	a.mu.Lock()
	if _, ok := a.links[id]; ok {
		a.mu.Unlock()
		return device.NewError(device.KindAlreadyConnected, "connect", id, nil)
	}
	addr, ok := a.seen[id]
	a.mu.Unlock()
	if !ok {
		return &device.Error{Kind: device.KindDeviceNotFound, Op: "connect", DeviceID: id, Msg: "device has not been seen by a scan"}
	}

	a.logger.WithField("address", id).Debug("Connecting to BLE device...")
	dev, err := a.radio.Connect(addr, bluetooth.ConnectionParams{})
	if err != nil {
		return device.NewError(device.KindConnectFailed, "connect", id, err)
	}

	l := &link{id: id, device: dev, chars: make(map[charKey]*bluetooth.DeviceCharacteristic)}
	a.mu.Lock()
	a.links[id] = l
	a.mu.Unlock()

	a.events.Emit(device.DeviceStateChanged{ID: id, Connected: true})
	a.logger.WithField("address", id).Info("BLE device connected")
	return nil
}

// onConnectionChange receives stack connect/disconnect notifications
func (a *Adapter) onConnectionChange(dev bluetooth.Device, connected bool) {
	if connected {
		return
	}
	id := device.DeviceID(dev.Address.String())
	a.mu.Lock()
	l := a.links[id]
	a.mu.Unlock()
	if l != nil {
		a.logger.WithField("address", id).Warn("Peripheral reported disconnection")
		a.linkDown(l, device.Errorf(device.KindNotConnected, "peripheral disconnected"))
	}
}

func (a *Adapter) linkDown(l *link, reason error) {
	l.once.Do(func() {
		a.mu.Lock()
		if a.links[l.id] == l {
			delete(a.links, l.id)
		}
		a.mu.Unlock()
		a.events.Emit(device.DeviceStateChanged{ID: l.id, Connected: false, Err: reason})
	})
}

func (a *Adapter) Disconnect(_ context.Context, id device.DeviceID) error {
	l := a.lookup(id)
	if l == nil {
		return device.NewError(device.KindNotConnected, "disconnect", id, nil)
	}
	if err := l.device.Disconnect(); err != nil {
		a.logger.WithFields(logrus.Fields{
			"address": id,
			"error":   err,
		}).Warn("BLE device disconnected with errors")
	}
	a.linkDown(l, nil)
	return nil
}

func (a *Adapter) lookup(id device.DeviceID) *link {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.links[id]
}

func (a *Adapter) connected(ctx context.Context, op string, id device.DeviceID) (*link, error) {
	if err := ctx.Err(); err != nil {
		return nil, device.NormalizeError(op, id, err)
	}
	l := a.lookup(id)
	if l == nil {
		return nil, device.NewError(device.KindNotConnected, op, id, nil)
	}
	return l, nil
}

// ----------------------------
// GATT
// ----------------------------

func (a *Adapter) Discover(ctx context.Context, id device.DeviceID) ([]device.Service, error) {
	l, err := a.connected(ctx, "discover", id)
	if err != nil {
		return nil, err
	}

	stackServices, err := l.device.DiscoverServices(nil)
	if err != nil {
		return nil, device.NewError(device.KindGattFailure, "discover", id, err)
	}

	chars := make(map[charKey]*bluetooth.DeviceCharacteristic)
	services := make([]device.Service, 0, len(stackServices))
	for i := range stackServices {
		ss := &stackServices[i]
		su, err := fromStackUUID(ss.UUID())
		if err != nil {
			continue
		}
		stackChars, err := ss.DiscoverCharacteristics(nil)
		if err != nil {
			return nil, device.NewError(device.KindGattFailure, "discover", id, err)
		}

		svc := device.Service{DeviceID: id, UUID: su, Primary: true}
		for j := range stackChars {
			sc := &stackChars[j]
			cu, err := fromStackUUID(sc.UUID())
			if err != nil {
				continue
			}
			chars[charKey{service: su, characteristic: cu}] = sc
			svc.Characteristics = append(svc.Characteristics, device.Characteristic{
				DeviceID:    id,
				ServiceUUID: su,
				UUID:        cu,
				Properties:  allAccess,
			})
		}
		sortCharacteristics(svc.Characteristics)
		services = append(services, svc)
	}
	sortServices(services)

	l.mu.Lock()
	l.chars = chars
	l.mu.Unlock()
	return services, nil
}

func (l *link) characteristic(op string, service, characteristic device.UUID) (*bluetooth.DeviceCharacteristic, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.chars[charKey{service: service, characteristic: characteristic}]
	if !ok {
		return nil, &device.Error{
			Kind:     device.KindCharacteristicNotFound,
			Op:       op,
			DeviceID: l.id,
			Msg:      characteristic.Short() + " in service " + service.Short(),
		}
	}
	return c, nil
}

// anyCharacteristic returns some discovered characteristic, for link-wide queries
func (l *link) anyCharacteristic() *bluetooth.DeviceCharacteristic {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, c := range l.chars {
		return c
	}
	return nil
}

func (a *Adapter) Read(ctx context.Context, id device.DeviceID, service, characteristic device.UUID) ([]byte, error) {
	l, err := a.connected(ctx, "read", id)
	if err != nil {
		return nil, err
	}
	c, err := l.characteristic("read", service, characteristic)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 512)
	n, err := c.Read(buf)
	if err != nil {
		return nil, device.NewError(device.KindGattFailure, "read", id, err)
	}
	return buf[:n], nil
}

func (a *Adapter) Write(ctx context.Context, id device.DeviceID, service, characteristic device.UUID, data []byte, opts device.WriteOptions) error {
	l, err := a.connected(ctx, "write", id)
	if err != nil {
		return err
	}
	c, err := l.characteristic("write", service, characteristic)
	if err != nil {
		return err
	}
	if opts.WithResponse {
		_, err = c.Write(data)
	} else {
		_, err = c.WriteWithoutResponse(data)
	}
	if err != nil {
		return device.NewError(device.KindGattFailure, "write", id, err)
	}
	return nil
}

func (a *Adapter) SetNotify(ctx context.Context, id device.DeviceID, service, characteristic device.UUID, enable bool) error {
	op := "unsubscribe"
	if enable {
		op = "subscribe"
	}
	l, err := a.connected(ctx, op, id)
	if err != nil {
		return err
	}
	c, err := l.characteristic(op, service, characteristic)
	if err != nil {
		return err
	}

	var handler func([]byte)
	if enable {
		handler = func(buf []byte) {
			a.events.Emit(device.Notification{
				ID:             id,
				Service:        service,
				Characteristic: characteristic,
				Value:          append([]byte(nil), buf...),
			})
		}
	}
	// a nil handler disables notifications
	if err := c.EnableNotifications(handler); err != nil {
		return device.NewError(device.KindGattFailure, op, id, err)
	}
	return nil
}

func (a *Adapter) ReadDescriptor(_ context.Context, id device.DeviceID, _, _, _ device.UUID) ([]byte, error) {
	return nil, unsupported("read_descriptor", id)
}

func (a *Adapter) WriteDescriptor(_ context.Context, id device.DeviceID, _, _, _ device.UUID, _ []byte) error {
	return unsupported("write_descriptor", id)
}

func (a *Adapter) ReadRSSI(_ context.Context, id device.DeviceID) (int, error) {
	return 0, unsupported("read_rssi", id)
}

// RequestMTU reports the MTU the stack negotiated on its own; the requested
// value cannot be influenced
func (a *Adapter) RequestMTU(ctx context.Context, id device.DeviceID, _ int) (int, error) {
	l, err := a.connected(ctx, "request_mtu", id)
	if err != nil {
		return 0, err
	}
	c := l.anyCharacteristic()
	if c == nil {
		return 0, &device.Error{Kind: device.KindUnsupported, Op: "request_mtu", DeviceID: id, Msg: "services not discovered"}
	}
	mtu, err := c.GetMTU()
	if err != nil {
		return 0, device.NewError(device.KindGattFailure, "request_mtu", id, err)
	}
	return int(mtu), nil
}

func (a *Adapter) SetConnectionPriority(id device.DeviceID, _ device.ConnectionPriority) error {
	return unsupported("connection_priority", id)
}

func unsupported(op string, id device.DeviceID) error {
	return &device.Error{Kind: device.KindUnsupported, Op: op, DeviceID: id, Msg: "not available on tinygo bluetooth"}
}
