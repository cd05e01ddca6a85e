// Package connection tracks the lifecycle of every device link.
//
// A Machine holds one link per device, created lazily on the first connect
// attempt (or on an unsolicited connect event) and dropped when the link
// returns to Disconnected. It mediates between client calls, queue
// completions and adapter connection events:
//
//	Disconnected → Connecting → Connected → Discovering → Ready
//	      ↑             ↓           ↓            ↓          ↓
//	      └──── Failed ←┘      Disconnecting ←───┴──────────┘
//
// Adapter calls, queue flushes, future resolutions and transition hooks all
// run after the machine lock is released.
package connection

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/groutine"
	"github.com/srg/blecentral/internal/queue"
	"github.com/srg/blecentral/internal/registry"
	"github.com/srg/blecentral/pkg/device"
	"github.com/srg/blecentral/pkg/future"
)

// Config tunes a Machine
type Config struct {
	ConnectTimeout    time.Duration // used when ConnectOptions.Timeout is zero; 0 = none
	DisconnectTimeout time.Duration // forced Disconnected when no confirmation arrives; 0 = none
	OperationTimeout  time.Duration // deadline for discovery and MTU requests issued by the machine

	// OnTransition observes every state change
	OnTransition func(Transition)
	// Emit publishes events the machine synthesizes itself (timeouts, forced disconnects)
	Emit func(device.Event)
}

// Void is the value type of futures that carry no result
type Void = struct{}

type link struct {
	state State
	epoch uint64

	// connect attempt
	connectP      *future.Promise[Void]
	connectCancel context.CancelFunc
	connectTimer  *time.Timer
	untrack       func()
	opts          device.ConnectOptions

	// disconnect request
	disconnectPs    []*future.Promise[Void]
	disconnectTimer *time.Timer

	discovering int
	discovered  bool
}

// Machine is the per-device connection state machine
type Machine struct {
	adapter  device.Adapter
	queue    *queue.Queue
	registry *registry.Registry
	logger   *logrus.Logger
	cfg      Config

	mu    sync.Mutex
	epoch uint64
	links map[device.DeviceID]*link
}

// New creates a machine that drives adapter, serializes GATT work through q
// and mirrors link state into reg.
func New(adapter device.Adapter, q *queue.Queue, reg *registry.Registry, cfg Config, logger *logrus.Logger) *Machine {
	if logger == nil {
		logger = logrus.New()
	}
	return &Machine{
		adapter:  adapter,
		queue:    q,
		registry: reg,
		logger:   logger,
		cfg:      cfg,
		links:    make(map[device.DeviceID]*link),
	}
}

// outbox collects the side effects of a locked section
type outbox struct {
	transitions []Transition
	effects     []func()
}

func (o *outbox) then(fn func()) {
	o.effects = append(o.effects, fn)
}

func (m *Machine) run(out *outbox) {
	for _, t := range out.transitions {
		fields := logrus.Fields{
			"device": t.ID,
			"from":   t.From.String(),
			"to":     t.To.String(),
		}
		if t.Cause != nil {
			fields["cause"] = t.Cause.Error()
		}
		m.logger.WithFields(fields).Debug("Connection state transition")

		if m.cfg.OnTransition != nil {
			m.cfg.OnTransition(t)
		}
	}
	for _, fn := range out.effects {
		fn()
	}
}

func (m *Machine) setState(id device.DeviceID, l *link, to State, cause error, out *outbox) {
	if l.state == to {
		return
	}
	out.transitions = append(out.transitions, Transition{ID: id, From: l.state, To: to, Cause: cause})
	l.state = to
}

func (m *Machine) emit(ev device.Event) {
	if m.cfg.Emit != nil {
		m.cfg.Emit(ev)
	}
}

// State returns the lifecycle state of a device
func (m *Machine) State(id device.DeviceID) State {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l := m.links[id]; l != nil {
		return l.state
	}
	return Disconnected
}

// Epoch returns the generation of the current link, 0 when there is none.
// A new epoch starts with every connect attempt.
func (m *Machine) Epoch(id device.DeviceID) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l := m.links[id]; l != nil {
		return l.epoch
	}
	return 0
}

func (m *Machine) newLink(id device.DeviceID) *link {
	m.epoch++
	l := &link{state: Disconnected, epoch: m.epoch}
	m.links[id] = l
	return l
}

// ----------------------------
// Connect
// ----------------------------

// Connect starts a connection attempt. It is allowed only from Disconnected:
// an attempt on a linked device fails with AlreadyConnected and one on a
// device in transition fails with Busy. The future resolves when the adapter
// reports the link up, or fails with ConnectFailed, Timeout or Canceled.
func (m *Machine) Connect(id device.DeviceID, opts device.ConnectOptions, tx device.TransactionID) *future.Future[Void] {
	m.mu.Lock()

	if l := m.links[id]; l != nil && l.state != Disconnected {
		state := l.state
		m.mu.Unlock()

		kind := device.KindBusy
		if state.AcceptsGATT() {
			kind = device.KindAlreadyConnected
		}
		return future.Failed[Void](&device.Error{Kind: kind, Op: "connect", DeviceID: id, Msg: "link is " + state.String()})
	}

	out := &outbox{}
	l := m.newLink(id)
	epoch := l.epoch
	f, p := future.New[Void]()
	l.connectP = p
	l.opts = opts
	m.setState(id, l, Connecting, nil, out)

	ctx, cancel := context.WithCancel(context.Background())
	l.connectCancel = cancel

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = m.cfg.ConnectTimeout
	}
	if timeout > 0 {
		l.connectTimer = time.AfterFunc(timeout, func() {
			m.failConnect(id, epoch, &device.Error{Kind: device.KindTimeout, Op: "connect", DeviceID: id,
				Msg: "no connection event within " + timeout.String()}, true)
		})
	}
	l.untrack = m.queue.Tracker().Track(tx, func() bool {
		return m.failConnect(id, epoch, device.NewError(device.KindCanceled, "connect", id, nil), true)
	})
	m.mu.Unlock()

	m.run(out)

	m.logger.WithFields(logrus.Fields{
		"device":  id,
		"timeout": timeout,
		"tx":      tx,
	}).Info("Connecting to device")

	groutine.GoWithLogger(ctx, m.logger, "connect-"+string(id), func(ctx context.Context) {
		if err := m.adapter.Connect(ctx, id, opts); err != nil {
			m.failConnect(id, epoch, connectError(id, err), false)
		}
	})
	return f
}

func connectError(id device.DeviceID, err error) error {
	switch device.KindOf(err) {
	case device.KindUnknown, device.KindGattFailure:
		return device.NewError(device.KindConnectFailed, "connect", id, err)
	default:
		return device.NormalizeError("connect", id, err)
	}
}

// failConnect ends the attempt of the given epoch, if it is still pending.
// When abort is set the adapter is asked to tear down whatever it may have
// established.
func (m *Machine) failConnect(id device.DeviceID, epoch uint64, cause error, abort bool) bool {
	m.mu.Lock()
	l := m.links[id]
	if l == nil || l.epoch != epoch || l.state != Connecting {
		m.mu.Unlock()
		return false
	}

	out := &outbox{}
	p := m.endAttemptLocked(l)
	m.setState(id, l, Failed, cause, out)
	m.setState(id, l, Disconnected, nil, out)
	delete(m.links, id)
	m.mu.Unlock()

	out.then(func() { m.registry.SetConnected(id, false) })
	out.then(func() { m.queue.Flush(id, device.NewError(device.KindNotConnected, "", id, cause)) })
	out.then(func() { p.Reject(cause) })
	if abort {
		out.then(func() { m.disconnectBestEffort(id) })
		out.then(func() { m.emit(device.DeviceStateChanged{ID: id, Connected: false, Err: cause}) })
	}
	m.run(out)

	m.logger.WithFields(logrus.Fields{
		"device": id,
		"error":  cause,
	}).Warn("Connection attempt failed")
	return true
}

// endAttemptLocked releases the timer, context and transaction of a connect
// attempt and returns its promise
func (m *Machine) endAttemptLocked(l *link) *future.Promise[Void] {
	if l.connectTimer != nil {
		l.connectTimer.Stop()
		l.connectTimer = nil
	}
	if l.connectCancel != nil {
		l.connectCancel()
		l.connectCancel = nil
	}
	if l.untrack != nil {
		l.untrack()
		l.untrack = nil
	}
	p := l.connectP
	l.connectP = nil
	if p == nil {
		_, p = future.New[Void]()
	}
	return p
}

func (m *Machine) disconnectBestEffort(id device.DeviceID) {
	groutine.GoWithLogger(context.Background(), m.logger, "abort-"+string(id), func(ctx context.Context) {
		if m.cfg.DisconnectTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, m.cfg.DisconnectTimeout)
			defer cancel()
		}
		if err := m.adapter.Disconnect(ctx, id); err != nil {
			m.logger.WithFields(logrus.Fields{
				"device": id,
				"error":  err,
			}).Debug("Best-effort disconnect after aborted attempt failed")
		}
	})
}

// ----------------------------
// Disconnect
// ----------------------------

// Disconnect tears a link down. It is allowed from any state but
// Disconnected, which fails with NotConnected. A pending connect attempt is
// canceled. The future resolves on adapter confirmation or, after the
// disconnect timeout, when the link is forced down.
func (m *Machine) Disconnect(id device.DeviceID) *future.Future[Void] {
	m.mu.Lock()
	l := m.links[id]
	if l == nil || l.state == Disconnected {
		m.mu.Unlock()
		return future.Failed[Void](device.NewError(device.KindNotConnected, "disconnect", id, nil))
	}

	f, p := future.New[Void]()
	l.disconnectPs = append(l.disconnectPs, p)
	if l.state == Disconnecting {
		m.mu.Unlock()
		return f
	}

	out := &outbox{}
	prev := l.state
	epoch := l.epoch
	if prev == Connecting {
		canceled := device.NewError(device.KindCanceled, "connect", id, errors.New("disconnect requested"))
		cp := m.endAttemptLocked(l)
		out.then(func() { cp.Reject(canceled) })
	}
	m.setState(id, l, Disconnecting, nil, out)

	if m.cfg.DisconnectTimeout > 0 {
		l.disconnectTimer = time.AfterFunc(m.cfg.DisconnectTimeout, func() {
			m.forceDisconnected(id, epoch, device.Errorf(device.KindTimeout, "no disconnect confirmation within %s", m.cfg.DisconnectTimeout))
		})
	}
	m.mu.Unlock()
	m.run(out)

	m.logger.WithFields(logrus.Fields{
		"device": id,
		"from":   prev.String(),
	}).Info("Disconnecting from device")

	groutine.GoWithLogger(context.Background(), m.logger, "disconnect-"+string(id), func(ctx context.Context) {
		err := m.adapter.Disconnect(ctx, id)
		switch {
		case err == nil:
		case device.IsKind(err, device.KindNotConnected):
			// the adapter already considers the link gone
			m.forceDisconnected(id, epoch, nil)
		default:
			m.disconnectFailed(id, epoch, prev, device.NormalizeError("disconnect", id, err))
		}
	})
	return f
}

// disconnectFailed reverts a Disconnecting link after a synchronous adapter
// failure. An aborted connect attempt has nothing to revert to and is forced down.
func (m *Machine) disconnectFailed(id device.DeviceID, epoch uint64, prev State, cause error) {
	if prev == Connecting {
		m.forceDisconnected(id, epoch, cause)
		return
	}

	m.mu.Lock()
	l := m.links[id]
	if l == nil || l.epoch != epoch || l.state != Disconnecting {
		m.mu.Unlock()
		return
	}

	out := &outbox{}
	if l.disconnectTimer != nil {
		l.disconnectTimer.Stop()
		l.disconnectTimer = nil
	}
	ps := l.disconnectPs
	l.disconnectPs = nil
	m.setState(id, l, prev, cause, out)
	m.mu.Unlock()

	out.then(func() {
		for _, p := range ps {
			p.Reject(cause)
		}
	})
	m.run(out)

	m.logger.WithFields(logrus.Fields{
		"device": id,
		"error":  cause,
	}).Error("Adapter failed to disconnect")
}

// forceDisconnected drops the link of the given epoch without adapter
// confirmation. Pending disconnect requests succeed.
func (m *Machine) forceDisconnected(id device.DeviceID, epoch uint64, cause error) {
	m.mu.Lock()
	l := m.links[id]
	if l == nil || l.epoch != epoch {
		m.mu.Unlock()
		return
	}
	out := &outbox{}
	m.dropLocked(id, l, cause, device.NewError(device.KindNotConnected, "", id, cause), out)
	m.mu.Unlock()

	if cause != nil {
		out.then(func() { m.emit(device.DeviceStateChanged{ID: id, Connected: false, Err: cause}) })
		m.logger.WithFields(logrus.Fields{
			"device": id,
			"cause":  cause,
		}).Warn("Forcing link down")
	}
	m.run(out)
}

// dropLocked moves a link to Disconnected from any state and schedules the
// flush of its queue, the GATT cache reset and the resolution of every
// outstanding connect/disconnect future.
func (m *Machine) dropLocked(id device.DeviceID, l *link, cause error, flushErr error, out *outbox) {
	hadAttempt := l.connectP != nil
	cp := m.endAttemptLocked(l)
	if l.disconnectTimer != nil {
		l.disconnectTimer.Stop()
		l.disconnectTimer = nil
	}
	ps := l.disconnectPs
	l.disconnectPs = nil

	m.setState(id, l, Disconnected, cause, out)
	delete(m.links, id)

	out.then(func() { m.registry.SetConnected(id, false) })
	out.then(func() { m.queue.Flush(id, flushErr) })
	if hadAttempt {
		connectErr := device.NewError(device.KindConnectFailed, "connect", id, cause)
		out.then(func() { cp.Reject(connectErr) })
	}
	out.then(func() {
		for _, p := range ps {
			p.Resolve(Void{})
		}
	})
}

// ----------------------------
// Adapter events
// ----------------------------

// HandleConnectionEvent applies an adapter-reported link change.
//
// A link-up event completes a pending attempt; for an unknown device it
// creates a Connected link. A link-down event completes a pending
// disconnect, fails a pending attempt, or, when unsolicited, forces the link
// to Disconnected from any state. Every link-down flushes the device queue
// with NotConnected and drops its GATT cache.
func (m *Machine) HandleConnectionEvent(ev device.DeviceStateChanged) {
	if ev.Connected {
		m.linkUp(ev.ID)
		return
	}
	m.linkDown(ev.ID, ev.Err)
}

func (m *Machine) linkUp(id device.DeviceID) {
	m.mu.Lock()
	l := m.links[id]
	out := &outbox{}

	switch {
	case l == nil || l.state == Disconnected:
		// link came up without an attempt we know of (auto-connect or an
		// attempt that already timed out on our side)
		l = m.newLink(id)
		m.setState(id, l, Connected, nil, out)
		m.mu.Unlock()

		m.logger.WithField("device", id).Warn("Link came up without a pending connect")
		out.then(func() { m.registry.SetConnected(id, true) })
		m.run(out)
		return

	case l.state == Connecting:
		p := m.endAttemptLocked(l)
		opts, epoch := l.opts, l.epoch
		m.setState(id, l, Connected, nil, out)
		m.mu.Unlock()

		out.then(func() { m.registry.SetConnected(id, true) })
		out.then(func() { p.Resolve(Void{}) })
		m.run(out)

		m.logger.WithField("device", id).Info("Device connected")
		m.afterConnect(id, epoch, opts)
		return

	default:
		state := l.state
		m.mu.Unlock()
		m.logger.WithFields(logrus.Fields{
			"device": id,
			"state":  state.String(),
		}).Debug("Ignoring link-up event")
	}
}

// afterConnect queues the work requested through ConnectOptions
func (m *Machine) afterConnect(id device.DeviceID, epoch uint64, opts device.ConnectOptions) {
	if opts.RequestMTU > 0 {
		mtu := Do(m, id, "request_mtu", "", m.cfg.OperationTimeout, func(ctx context.Context) (int, error) {
			return m.adapter.RequestMTU(ctx, id, opts.RequestMTU)
		})
		mtu.Then(func(v int, err error) {
			fields := logrus.Fields{"device": id, "requested": opts.RequestMTU, "mtu": v}
			if err != nil {
				m.logger.WithFields(fields).WithError(err).Warn("MTU request after connect failed")
				return
			}
			m.logger.WithFields(fields).Debug("MTU negotiated")
		})
	}

	if opts.AutoDiscover {
		m.Discover(id, "").Then(func(services []device.Service, err error) {
			if err != nil {
				m.logger.WithFields(logrus.Fields{
					"device": id,
					"epoch":  epoch,
					"error":  err,
				}).Warn("Automatic discovery failed")
			}
		})
	}
}

func (m *Machine) linkDown(id device.DeviceID, reason error) {
	m.mu.Lock()
	l := m.links[id]
	if l == nil {
		m.mu.Unlock()
		m.registry.SetConnected(id, false)
		return
	}

	out := &outbox{}
	prev := l.state
	switch prev {
	case Connecting:
		cause := reason
		if cause == nil {
			cause = errors.New("adapter reported link down during connect")
		}
		m.setState(id, l, Failed, cause, out)
		m.dropLocked(id, l, cause, device.NewError(device.KindNotConnected, "", id, cause), out)
	case Disconnecting:
		m.dropLocked(id, l, nil, device.NewError(device.KindNotConnected, "", id, nil), out)
	default:
		m.dropLocked(id, l, reason, device.NewError(device.KindNotConnected, "", id, reason), out)
	}
	m.mu.Unlock()

	m.run(out)

	fields := logrus.Fields{"device": id, "from": prev.String()}
	if reason != nil {
		fields["reason"] = reason.Error()
	}
	switch prev {
	case Disconnecting:
		m.logger.WithFields(fields).Info("Device disconnected")
	case Connecting:
		m.logger.WithFields(fields).Warn("Connection attempt failed")
	default:
		m.logger.WithFields(fields).Warn("Link lost")
	}
}

// DropAll forces every link down, e.g. when the adapter leaves PoweredOn.
// Pending attempts fail and queued operations fail with NotConnected.
func (m *Machine) DropAll(cause error) {
	m.mu.Lock()
	out := &outbox{}
	for id, l := range m.links {
		m.dropLocked(id, l, cause, device.NewError(device.KindNotConnected, "", id, cause), out)
	}
	m.mu.Unlock()

	m.run(out)
}

// ----------------------------
// GATT gate
// ----------------------------

// Submit admits a GATT request for a linked device and enqueues it. It fails
// synchronously with NotConnected outside Connected, Discovering and Ready,
// and with Busy when the device queue is full. Requests whose link is
// replaced before dispatch fail with NotConnected without reaching the adapter.
func (m *Machine) Submit(req queue.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l := m.links[req.Device]
	if l == nil || !l.state.AcceptsGATT() {
		state := Disconnected
		if l != nil {
			state = l.state
		}
		return &device.Error{Kind: device.KindNotConnected, Op: req.Op, DeviceID: req.Device, Msg: "link is " + state.String()}
	}

	epoch := l.epoch
	req.Link = epoch
	run := req.Run
	req.Run = func(ctx context.Context) (any, error) {
		if !m.current(req.Device, epoch) {
			return nil, device.NewError(device.KindNotConnected, req.Op, req.Device, nil)
		}
		return run(ctx)
	}
	return m.queue.Enqueue(req)
}

func (m *Machine) current(id device.DeviceID, epoch uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	l := m.links[id]
	return l != nil && l.epoch == epoch && l.state.AcceptsGATT()
}

// Do submits a typed operation and returns its result as a future. Rejections
// surface as an already-failed future.
func Do[T any](m *Machine, id device.DeviceID, op string, tx device.TransactionID, timeout time.Duration, fn func(ctx context.Context) (T, error)) *future.Future[T] {
	f, p := future.New[T]()
	err := m.Submit(queue.Request{
		Device:  id,
		Op:      op,
		Tx:      tx,
		Timeout: timeout,
		Run: func(ctx context.Context) (any, error) {
			return fn(ctx)
		},
		Done: queue.Typed(p),
	})
	if err != nil {
		p.Reject(err)
	}
	return f
}

// ----------------------------
// Discovery
// ----------------------------

// Discover runs full GATT discovery through the device queue and stores the
// result in the registry. The link passes through Discovering and settles in
// Ready once a discovery has succeeded since the link came up.
func (m *Machine) Discover(id device.DeviceID, tx device.TransactionID) *future.Future[[]device.Service] {
	m.mu.Lock()
	l := m.links[id]
	if l == nil || !l.state.AcceptsGATT() {
		m.mu.Unlock()
		return future.Failed[[]device.Service](device.NewError(device.KindNotConnected, "discover", id, nil))
	}
	epoch := l.epoch
	m.mu.Unlock()

	f := Do(m, id, "discover", tx, m.cfg.OperationTimeout, func(ctx context.Context) ([]device.Service, error) {
		m.beginDiscovery(id, epoch)
		services, err := m.adapter.Discover(ctx, id)
		if err == nil {
			err = m.registry.SetServices(id, services)
		}
		m.endDiscovery(id, epoch, err == nil)
		if err != nil {
			return nil, err
		}
		return m.registry.Services(id)
	})
	return f
}

func (m *Machine) beginDiscovery(id device.DeviceID, epoch uint64) {
	m.mu.Lock()
	l := m.links[id]
	if l == nil || l.epoch != epoch || !l.state.AcceptsGATT() {
		m.mu.Unlock()
		return
	}
	out := &outbox{}
	l.discovering++
	m.setState(id, l, Discovering, nil, out)
	m.mu.Unlock()
	m.run(out)
}

func (m *Machine) endDiscovery(id device.DeviceID, epoch uint64, ok bool) {
	m.mu.Lock()
	l := m.links[id]
	if l == nil || l.epoch != epoch || l.discovering == 0 {
		m.mu.Unlock()
		return
	}
	out := &outbox{}
	l.discovering--
	if ok {
		l.discovered = true
	}
	if l.discovering == 0 && l.state == Discovering {
		if l.discovered {
			m.setState(id, l, Ready, nil, out)
		} else {
			m.setState(id, l, Connected, nil, out)
		}
	}
	m.mu.Unlock()
	m.run(out)
}
