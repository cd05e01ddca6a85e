// Package ble is the public BLE central client.
//
// A Client owns one adapter and coordinates everything above it: the
// connection state machine, the per-device operation queues, the device
// registry and the event bus. Radio operations return futures that resolve
// exactly once; contract violations (GATT while disconnected, malformed
// UUIDs, full queues) come back as already-failed futures without touching
// the adapter.
//
//	client, err := ble.New(adapter, ble.WithLogger(logger))
//	...
//	if _, err := client.Connect(id, device.ConnectOptions{AutoDiscover: true}).Wait(ctx); err != nil {
//		return err
//	}
//	level, err := client.Read(id, "180F", "2A19").Wait(ctx)
package ble

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/connection"
	"github.com/srg/blecentral/internal/eventbus"
	"github.com/srg/blecentral/internal/queue"
	"github.com/srg/blecentral/internal/registry"
	"github.com/srg/blecentral/pkg/config"
	"github.com/srg/blecentral/pkg/device"
	"github.com/srg/blecentral/pkg/future"
)

// Void is the value of futures that carry no result
type Void = connection.Void

// ListenerID identifies a listener registered with OnEvent
type ListenerID = eventbus.ListenerID

// Subscription is a channel-backed event listener returned by Events
type Subscription = eventbus.Subscription[device.Event]

// ConnectionState is the lifecycle state of a device link
type ConnectionState = connection.State

const (
	StateDisconnected  = connection.Disconnected
	StateConnecting    = connection.Connecting
	StateConnected     = connection.Connected
	StateDiscovering   = connection.Discovering
	StateReady         = connection.Ready
	StateDisconnecting = connection.Disconnecting
	StateFailed        = connection.Failed
)

// Client is the BLE central facade
type Client struct {
	cfg     *config.Config
	logger  *logrus.Logger
	adapter device.Adapter

	registry *registry.Registry
	tracker  *queue.Tracker
	queue    *queue.Queue
	machine  *connection.Machine
	bus      *eventbus.Bus[device.Event]

	scanMu sync.Mutex
	scan   *scanSession

	closed atomic.Bool
}

// New creates a client on top of adapter and registers itself as the
// adapter's event sink.
func New(adapter device.Adapter, opts ...Option) (*Client, error) {
	if adapter == nil {
		return nil, device.Errorf(device.KindInvalidArgument, "adapter is required")
	}

	o := clientOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.cfg == nil {
		o.cfg = config.DefaultConfig()
	}
	if err := o.cfg.Validate(); err != nil {
		return nil, &device.Error{Kind: device.KindInvalidArgument, Msg: "invalid configuration", Err: err}
	}
	if o.logger == nil {
		o.logger = o.cfg.NewLogger()
	}

	c := &Client{
		cfg:      o.cfg,
		logger:   o.logger,
		adapter:  adapter,
		registry: registry.New(o.logger),
		tracker:  queue.NewTracker(),
		bus:      eventbus.New[device.Event](o.logger),
	}
	c.queue = queue.New(queue.Config{Depth: o.cfg.QueueDepth}, c.tracker, o.logger)
	c.machine = connection.New(adapter, c.queue, c.registry, connection.Config{
		ConnectTimeout:    o.cfg.ConnectTimeout,
		DisconnectTimeout: o.cfg.DisconnectTimeout,
		OperationTimeout:  o.cfg.OperationTimeout,
		Emit:              c.bus.Emit,
	}, o.logger)

	adapter.SetEventSink(c.handleEvent)

	c.logger.WithFields(logrus.Fields{
		"adapter_state": adapter.State().String(),
		"queue_depth":   o.cfg.QueueDepth,
	}).Debug("BLE client created")
	return c, nil
}

// ----------------------------
// Events
// ----------------------------

// OnEvent registers a listener for every event the client publishes.
// Listeners run sequentially on the adapter's event path and may add or
// remove listeners, themselves included.
func (c *Client) OnEvent(fn func(device.Event)) ListenerID {
	return c.bus.Add(fn)
}

// RemoveListener deregisters a listener. Reports whether it was registered.
func (c *Client) RemoveListener(id ListenerID) bool {
	return c.bus.Remove(id)
}

// Events returns a channel-backed subscription. A non-positive capacity
// uses the configured event buffer. When the consumer falls behind the
// oldest buffered events are dropped.
func (c *Client) Events(capacity int) *Subscription {
	if capacity <= 0 {
		capacity = c.cfg.EventBuffer
	}
	return c.bus.Subscribe(capacity)
}

// handleEvent is the adapter event sink. State owners are updated before
// listeners see the event.
func (c *Client) handleEvent(ev device.Event) {
	if c.closed.Load() {
		return
	}

	switch e := ev.(type) {
	case device.AdapterStateChanged:
		c.handleAdapterState(e.State)
		c.bus.Emit(e)
	case device.ScanResult:
		if merged, ok := c.handleScanResult(e.Device); ok {
			c.bus.Emit(device.ScanResult{Device: merged})
		}
	case device.DeviceStateChanged:
		c.machine.HandleConnectionEvent(e)
		c.bus.Emit(e)
	case device.Notification:
		c.bus.Emit(e)
	case device.RSSIRead:
		c.registry.SetRSSI(e.ID, e.RSSI)
		c.bus.Emit(e)
	default:
		c.logger.WithField("event", ev).Warn("Ignoring unknown adapter event")
	}
}

func (c *Client) handleAdapterState(state device.AdapterState) {
	c.logger.WithField("state", state.String()).Info("Adapter state changed")
	if state == device.AdapterPoweredOn {
		return
	}

	c.endScan("adapter left powered on")
	c.machine.DropAll(adapterStateError("", state))
}

// adapterStateError maps a non-operational adapter state onto the taxonomy
func adapterStateError(op string, state device.AdapterState) error {
	kind := device.KindNotReady
	switch state {
	case device.AdapterUnauthorized:
		kind = device.KindUnauthorized
	case device.AdapterUnsupported:
		kind = device.KindUnsupported
	}
	return &device.Error{Kind: kind, Op: op, Msg: "adapter is " + state.String()}
}

// ready checks that the client is open and the radio is usable
func (c *Client) ready(op string) error {
	if c.closed.Load() {
		return &device.Error{Kind: device.KindNotReady, Op: op, Msg: "client is closed"}
	}
	if state := c.adapter.State(); state != device.AdapterPoweredOn {
		return adapterStateError(op, state)
	}
	return nil
}

// ----------------------------
// Queries
// ----------------------------

// AdapterState returns the current radio state
func (c *Client) AdapterState() device.AdapterState {
	return c.adapter.State()
}

// Device returns a snapshot of a known device
func (c *Client) Device(id device.DeviceID) (device.Device, bool) {
	return c.registry.Device(id)
}

// KnownDevices returns snapshots of every device seen this session, ordered by id
func (c *Client) KnownDevices() []device.Device {
	return c.registry.KnownDevices()
}

// State returns the lifecycle state of a device link
func (c *Client) State(id device.DeviceID) ConnectionState {
	return c.machine.State(id)
}

// PendingOperations returns the number of unresolved operations of a device
func (c *Client) PendingOperations(id device.DeviceID) int {
	return c.queue.Len(id)
}

// ----------------------------
// Connection
// ----------------------------

// Connect starts a connection attempt. The future resolves once the link is
// up; with ConnectOptions.AutoDiscover discovery is queued right after and
// any later operation on the device waits for it.
func (c *Client) Connect(id device.DeviceID, opts device.ConnectOptions, callOpts ...CallOption) *future.Future[Void] {
	if err := c.ready("connect"); err != nil {
		return future.Failed[Void](err)
	}
	if id == "" {
		return future.Failed[Void](device.Errorf(device.KindInvalidArgument, "device id is required"))
	}

	co := applyCallOptions(opts.Timeout, callOpts)
	opts.Timeout = co.timeout
	return c.machine.Connect(id, opts, co.tx)
}

// Disconnect tears the link down. A pending connect attempt is canceled.
func (c *Client) Disconnect(id device.DeviceID) *future.Future[Void] {
	if c.closed.Load() {
		return future.Failed[Void](&device.Error{Kind: device.KindNotReady, Op: "disconnect", Msg: "client is closed"})
	}
	return c.machine.Disconnect(id)
}

// Cancel resolves every pending operation, connect attempt and scan tagged
// with tx as Canceled. Reports whether anything was affected. Radio
// operations already dispatched still run to completion; their results are
// discarded.
func (c *Client) Cancel(tx device.TransactionID) bool {
	affected := c.tracker.Cancel(tx)
	c.logger.WithFields(logrus.Fields{
		"tx":       tx,
		"affected": affected,
	}).Debug("Transaction canceled")
	return affected
}

// Close stops scanning, disconnects every linked device on a best-effort
// basis and fails everything still pending with NotReady. The client cannot
// be used afterwards.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.endScan("client closed")

	var linked []device.DeviceID
	for _, d := range c.registry.KnownDevices() {
		if c.machine.State(d.ID) != connection.Disconnected {
			linked = append(linked, d.ID)
		}
	}
	for _, id := range linked {
		c.machine.Disconnect(id)
	}

	closedErr := &device.Error{Kind: device.KindNotReady, Msg: "client closed"}
	c.machine.DropAll(closedErr)
	c.queue.Close()
	c.adapter.SetEventSink(func(device.Event) {})

	c.logger.WithField("disconnected", len(linked)).Info("BLE client closed")
	return nil
}
