// Package goble implements device.Adapter on top of github.com/go-ble/ble
// (CoreBluetooth on macOS, HCI sockets on Linux).
package goble

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/adapter"
	"github.com/srg/blecentral/internal/groutine"
	"github.com/srg/blecentral/pkg/device"
)

// Radio is the part of ble.Device used for scanning and shutdown
type Radio interface {
	Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error
	Stop() error
}

// Client is the part of ble.Client used by an established link
type Client interface {
	DiscoverProfile(force bool) (*ble.Profile, error)
	ReadCharacteristic(c *ble.Characteristic) ([]byte, error)
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	ReadDescriptor(d *ble.Descriptor) ([]byte, error)
	WriteDescriptor(d *ble.Descriptor, value []byte) error
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	Unsubscribe(c *ble.Characteristic, ind bool) error
	ReadRSSI() int
	ExchangeMTU(rxMTU int) (txMTU int, err error)
	CancelConnection() error
}

// Dialer opens a link to a peripheral
type Dialer func(ctx context.Context, addr ble.Addr) (Client, error)

// Adapter is a device.Adapter backed by go-ble
type Adapter struct {
	logger *logrus.Logger
	radio  Radio
	dial   Dialer
	events *adapter.Emitter
	power  adapter.PowerState

	scanMu     sync.Mutex
	scanCancel context.CancelFunc
	scanDone   chan struct{}

	mu      sync.Mutex
	links   map[device.DeviceID]*link
	dialing map[device.DeviceID]context.CancelFunc
}

// New opens the platform radio through DeviceFactory
func New(logger *logrus.Logger) (*Adapter, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	dev, err := DeviceFactory()
	if err != nil {
		logger.WithField("error", err).Error("Failed to create BLE device")
		return nil, NormalizeError("open", "", err)
	}

	dial := func(ctx context.Context, addr ble.Addr) (Client, error) {
		c, err := dev.Dial(ctx, addr)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	return NewWithRadio(dev, dial, logger), nil
}

// NewWithRadio builds an adapter over an already opened radio. The radio is
// assumed to be powered on.
func NewWithRadio(radio Radio, dial Dialer, logger *logrus.Logger) *Adapter {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	a := &Adapter{
		logger:  logger,
		radio:   radio,
		dial:    dial,
		events:  adapter.NewEmitter("goble", logger),
		links:   make(map[device.DeviceID]*link),
		dialing: make(map[device.DeviceID]context.CancelFunc),
	}
	a.power.Store(device.AdapterPoweredOn)
	return a
}

func (a *Adapter) State() device.AdapterState {
	return a.power.Load()
}

func (a *Adapter) SetEventSink(sink device.EventSink) {
	a.events.SetSink(sink)
}

// setPower records a radio state reported through an error path
func (a *Adapter) setPower(state device.AdapterState) {
	if a.power.Store(state) {
		a.logger.WithField("state", state.String()).Warn("BLE radio state changed")
		a.events.Emit(device.AdapterStateChanged{State: state})
	}
}

// Close stops scanning, drops every link and releases the radio
func (a *Adapter) Close() error {
	if err := a.StopScan(); err != nil {
		a.logger.WithField("error", err).Debug("Stop scan during close failed")
	}

	a.mu.Lock()
	links := make([]*link, 0, len(a.links))
	for _, l := range a.links {
		links = append(links, l)
	}
	for _, cancel := range a.dialing {
		cancel()
	}
	a.mu.Unlock()

	for _, l := range links {
		a.teardown(l)
	}
	a.events.Close()
	return NormalizeError("close", "", a.radio.Stop())
}

// ----------------------------
// Scanning
// ----------------------------

func (a *Adapter) StartScan(opts device.ScanOptions) error {
	a.scanMu.Lock()
	defer a.scanMu.Unlock()

	if a.scanCancel != nil {
		return &device.Error{Kind: device.KindBusy, Op: "scan", Msg: "scan already running"}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	a.scanCancel, a.scanDone = cancel, done

	groutine.GoWithLogger(ctx, a.logger, "goble-scan", func(ctx context.Context) {
		defer close(done)
		defer a.scanEnded(done)

		err := a.radio.Scan(ctx, opts.AllowDuplicates, func(adv ble.Advertisement) {
			a.events.Emit(device.ScanResult{Device: convertAdvertisement(adv, time.Now())})
		})
		if err == nil || ctx.Err() != nil {
			return
		}

		err = NormalizeError("scan", "", err)
		a.logger.WithField("error", err).Warn("BLE scan ended with error")
		if isPoweredOff(err) {
			a.setPower(device.AdapterPoweredOff)
		}
	})

	a.logger.WithField("duplicates", opts.AllowDuplicates).Debug("go-ble scan started")
	return nil
}

// scanEnded clears the scan slot when the scan goroutine exits on its own
func (a *Adapter) scanEnded(done chan struct{}) {
	a.scanMu.Lock()
	defer a.scanMu.Unlock()
	if a.scanDone == done {
		a.scanCancel()
		a.scanCancel, a.scanDone = nil, nil
	}
}

func (a *Adapter) StopScan() error {
	a.scanMu.Lock()
	cancel, done := a.scanCancel, a.scanDone
	a.scanCancel, a.scanDone = nil, nil
	a.scanMu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	a.logger.Debug("go-ble scan stopped")
	return nil
}

// ----------------------------
// Connection
// ----------------------------

func (a *Adapter) Connect(ctx context.Context, id device.DeviceID, _ device.ConnectOptions) error {
	if strings.TrimSpace(string(id)) == "" {
		return device.NewError(device.KindInvalidArgument, "connect", id, errors.New("device address is empty"))
	}

	a.mu.Lock()
	if _, ok := a.links[id]; ok {
		a.mu.Unlock()
		return device.NewError(device.KindAlreadyConnected, "connect", id, nil)
	}
	if _, ok := a.dialing[id]; ok {
		a.mu.Unlock()
		return &device.Error{Kind: device.KindBusy, Op: "connect", DeviceID: id, Msg: "dial in progress"}
	}
	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.dialing[id] = cancel
	a.mu.Unlock()

	a.logger.WithField("address", id).Debug("Dialing BLE device...")
	client, err := a.dial(dialCtx, ble.NewAddr(string(id)))

	a.mu.Lock()
	delete(a.dialing, id)
	if err == nil && dialCtx.Err() != nil {
		// canceled by Disconnect or Close while the dial was completing
		err = dialCtx.Err()
		a.mu.Unlock()
		if cancelErr := client.CancelConnection(); cancelErr != nil {
			a.logger.WithField("cancel_error", cancelErr).Warn("Failed to cancel connection after aborted dial")
		}
	} else {
		if err == nil {
			a.links[id] = newLink(id, client)
		}
		a.mu.Unlock()
	}

	if err != nil {
		a.logger.WithFields(logrus.Fields{
			"address": id,
			"error":   err,
		}).Error("Failed to dial BLE device")
		return NormalizeError("connect", id, err)
	}

	l := a.lookup(id)
	a.events.Emit(device.DeviceStateChanged{ID: id, Connected: true})
	a.monitor(l)

	a.logger.WithField("address", id).Info("BLE device connected")
	return nil
}

// monitor watches the client's Disconnected() channel where the platform
// provides one
func (a *Adapter) monitor(l *link) {
	if l == nil {
		return
	}
	watcher, ok := l.client.(interface{ Disconnected() <-chan struct{} })
	if !ok {
		a.logger.Debug("Client does not support Disconnected() channel")
		return
	}
	groutine.GoWithLogger(context.Background(), a.logger, "goble-link-"+string(l.id), func(context.Context) {
		select {
		case <-watcher.Disconnected():
			a.logger.WithField("address", l.id).Warn("Peripheral reported disconnection")
			a.linkDown(l, device.NewError(device.KindNotConnected, "link", l.id, errors.New("peripheral disconnected")))
		case <-l.done:
		}
	})
}

// linkDown forgets l and reports the link as gone, once
func (a *Adapter) linkDown(l *link, reason error) {
	l.once.Do(func() {
		a.mu.Lock()
		if a.links[l.id] == l {
			delete(a.links, l.id)
		}
		a.mu.Unlock()
		close(l.done)
		a.events.Emit(device.DeviceStateChanged{ID: l.id, Connected: false, Err: reason})
	})
}

func (a *Adapter) Disconnect(_ context.Context, id device.DeviceID) error {
	a.mu.Lock()
	l := a.links[id]
	cancelDial := a.dialing[id]
	a.mu.Unlock()

	if l == nil {
		if cancelDial != nil {
			cancelDial()
		}
		return device.NewError(device.KindNotConnected, "disconnect", id, nil)
	}

	a.logger.WithField("address", id).Info("Disconnecting BLE device...")
	a.teardown(l)
	return nil
}

// teardown unsubscribes, cancels the connection and reports the link down
func (a *Adapter) teardown(l *link) {
	for _, sub := range l.subscriptions() {
		if err := l.client.Unsubscribe(sub.char, sub.indicate); err != nil {
			a.logger.WithFields(logrus.Fields{
				"address": l.id,
				"error":   err,
			}).Warn("Failed to unsubscribe during disconnect")
		}
	}

	if err := l.client.CancelConnection(); err != nil {
		a.logger.WithFields(logrus.Fields{
			"address": l.id,
			"error":   err,
		}).Warn("BLE device disconnected with errors")
	}
	a.linkDown(l, nil)
}

func (a *Adapter) lookup(id device.DeviceID) *link {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.links[id]
}

// connected returns the live link to id or NotConnected
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

	profile, err := l.client.DiscoverProfile(true)
	if err != nil {
		return nil, NormalizeError("discover", id, err)
	}
	services, idx := convertProfile(id, profile)
	l.setIndex(idx)

	a.logger.WithFields(logrus.Fields{
		"address":  id,
		"services": len(services),
	}).Debug("Profile discovered successfully")
	return services, nil
}

func (a *Adapter) Read(ctx context.Context, id device.DeviceID, service, characteristic device.UUID) ([]byte, error) {
	l, err := a.connected(ctx, "read", id)
	if err != nil {
		return nil, err
	}
	ch, err := l.characteristic("read", service, characteristic)
	if err != nil {
		return nil, err
	}
	data, err := l.client.ReadCharacteristic(ch)
	if err != nil {
		return nil, NormalizeError("read", id, err)
	}
	return data, nil
}

func (a *Adapter) Write(ctx context.Context, id device.DeviceID, service, characteristic device.UUID, data []byte, opts device.WriteOptions) error {
	l, err := a.connected(ctx, "write", id)
	if err != nil {
		return err
	}
	ch, err := l.characteristic("write", service, characteristic)
	if err != nil {
		return err
	}
	return NormalizeError("write", id, l.client.WriteCharacteristic(ch, data, !opts.WithResponse))
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
	ch, err := l.characteristic(op, service, characteristic)
	if err != nil {
		return err
	}

	// indications only when the characteristic cannot notify
	indicate := ch.Property&ble.CharNotify == 0
	key := charKey{service: service, characteristic: characteristic}

	if !enable {
		if err := l.client.Unsubscribe(ch, indicate); err != nil {
			return NormalizeError(op, id, err)
		}
		l.forget(key)
		return nil
	}

	err = l.client.Subscribe(ch, indicate, func(data []byte) {
		a.events.Emit(device.Notification{
			ID:             id,
			Service:        service,
			Characteristic: characteristic,
			Value:          append([]byte(nil), data...),
		})
	})
	if err != nil {
		return NormalizeError(op, id, err)
	}
	l.remember(key, subscription{char: ch, indicate: indicate})
	return nil
}

func (a *Adapter) ReadDescriptor(ctx context.Context, id device.DeviceID, service, characteristic, descriptor device.UUID) ([]byte, error) {
	l, err := a.connected(ctx, "read_descriptor", id)
	if err != nil {
		return nil, err
	}
	d, err := l.descriptor("read_descriptor", service, characteristic, descriptor)
	if err != nil {
		return nil, err
	}
	data, err := l.client.ReadDescriptor(d)
	if err != nil {
		return nil, NormalizeError("read_descriptor", id, err)
	}
	return data, nil
}

func (a *Adapter) WriteDescriptor(ctx context.Context, id device.DeviceID, service, characteristic, descriptor device.UUID, data []byte) error {
	l, err := a.connected(ctx, "write_descriptor", id)
	if err != nil {
		return err
	}
	d, err := l.descriptor("write_descriptor", service, characteristic, descriptor)
	if err != nil {
		return err
	}
	return NormalizeError("write_descriptor", id, l.client.WriteDescriptor(d, data))
}

func (a *Adapter) ReadRSSI(ctx context.Context, id device.DeviceID) (int, error) {
	l, err := a.connected(ctx, "read_rssi", id)
	if err != nil {
		return 0, err
	}
	return l.client.ReadRSSI(), nil
}

func (a *Adapter) RequestMTU(ctx context.Context, id device.DeviceID, mtu int) (int, error) {
	l, err := a.connected(ctx, "request_mtu", id)
	if err != nil {
		return 0, err
	}
	negotiated, err := l.client.ExchangeMTU(mtu)
	if err != nil {
		return 0, NormalizeError("request_mtu", id, err)
	}
	return negotiated, nil
}

// SetConnectionPriority is not exposed by go-ble
func (a *Adapter) SetConnectionPriority(id device.DeviceID, _ device.ConnectionPriority) error {
	return &device.Error{Kind: device.KindUnsupported, Op: "connection_priority", DeviceID: id, Msg: "not available on go-ble"}
}
