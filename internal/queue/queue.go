// Package queue serializes GATT operations per device.
//
// Each device has a FIFO of pending operations and a single in-flight slot:
// at most one pending operation per device is dispatched to the adapter at a
// time. An in-flight operation that is timed out, canceled or flushed stops
// being pending right away: its adapter call is left to finish on its own,
// the slot goes to the next operation and the late result is discarded.
// Devices are independent of each other. Pending operations live in one arena per
// device keyed by a global sequence number; transactions index into it
// through the Tracker without owning anything.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/groutine"
	"github.com/srg/blecentral/pkg/device"
	"github.com/srg/blecentral/pkg/future"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Request describes one operation to serialize.
type Request struct {
	Device  device.DeviceID
	Op      string               // operation name for errors and logs, e.g. "read"
	Tx      device.TransactionID // optional
	Timeout time.Duration        // 0 = no deadline; the deadline covers queue wait and flight
	Link    uint64               // link epoch the request was issued on, for logs

	// Run performs the adapter call. It is invoked outside any queue lock on
	// its own goroutine. The context is canceled when the client stops caring
	// about the result; adapters may ignore it.
	Run func(ctx context.Context) (any, error)

	// Done receives the client-visible outcome exactly once
	Done func(value any, err error)
}

// Typed adapts a Promise to a Request.Done callback
func Typed[T any](p *future.Promise[T]) func(any, error) {
	return func(v any, err error) {
		if err != nil {
			p.Reject(err)
			return
		}
		t, _ := v.(T)
		p.Resolve(t)
	}
}

type pendingOp struct {
	seq     uint64
	req     Request
	ctx     context.Context
	cancel  context.CancelFunc
	timer   *time.Timer
	untrack func()

	// resolved is set once the client-visible outcome is decided. An
	// in-flight op resolved by abort or flush is detached from the slot and
	// its real result is discarded.
	resolved bool
}

type deviceQueue struct {
	waiting  *orderedmap.OrderedMap[uint64, *pendingOp]
	inflight *pendingOp
}

func (dq *deviceQueue) unresolved() int {
	n := dq.waiting.Len()
	if dq.inflight != nil && !dq.inflight.resolved {
		n++
	}
	return n
}

func (dq *deviceQueue) idle() bool {
	return dq.inflight == nil && dq.waiting.Len() == 0
}

// Config tunes a Queue
type Config struct {
	// Depth bounds the unresolved operations per device; <= 0 means unbounded
	Depth int
}

// Queue is the per-device operation serializer
type Queue struct {
	logger  *logrus.Logger
	tracker *Tracker
	depth   int

	mu      sync.Mutex
	seq     uint64
	devices map[device.DeviceID]*deviceQueue
	closed  bool
}

// New creates a queue. A nil tracker disables transaction support; a nil
// logger falls back to logrus.New().
func New(cfg Config, tracker *Tracker, logger *logrus.Logger) *Queue {
	if logger == nil {
		logger = logrus.New()
	}
	if tracker == nil {
		tracker = NewTracker()
	}
	return &Queue{
		logger:  logger,
		tracker: tracker,
		depth:   cfg.Depth,
		devices: make(map[device.DeviceID]*deviceQueue),
	}
}

// Tracker returns the transaction index used by the queue
func (q *Queue) Tracker() *Tracker {
	return q.tracker
}

// Enqueue appends req to its device's FIFO and dispatches it right away when
// the device is idle. It fails synchronously, without touching queue state,
// with Busy when the depth bound is reached and NotReady after Close; in that
// case req.Done is not called.
func (q *Queue) Enqueue(req Request) error {
	if req.Run == nil || req.Done == nil {
		return device.Errorf(device.KindInvalidArgument, "queue request needs Run and Done")
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return device.NewError(device.KindNotReady, req.Op, req.Device, nil)
	}

	dq := q.devices[req.Device]
	if dq == nil {
		dq = &deviceQueue{waiting: orderedmap.New[uint64, *pendingOp]()}
		q.devices[req.Device] = dq
	}

	if q.depth > 0 && dq.unresolved() >= q.depth {
		if dq.idle() {
			delete(q.devices, req.Device)
		}
		q.mu.Unlock()
		return &device.Error{
			Kind:     device.KindBusy,
			Op:       req.Op,
			DeviceID: req.Device,
			Msg:      fmt.Sprintf("queue full (%d pending)", q.depth),
		}
	}

	q.seq++
	op := &pendingOp{seq: q.seq, req: req}
	op.ctx, op.cancel = context.WithCancel(context.Background())
	dq.waiting.Set(op.seq, op)

	dev, seq := req.Device, op.seq
	if req.Timeout > 0 {
		op.timer = time.AfterFunc(req.Timeout, func() {
			q.abort(dev, seq, device.KindTimeout)
		})
	}
	tx := req.Tx
	op.untrack = q.tracker.Track(tx, func() bool {
		return q.cancelTx(dev, seq, tx)
	})

	next := q.promoteLocked(dq)
	q.mu.Unlock()

	q.logger.WithFields(logrus.Fields{
		"device": dev,
		"op":     req.Op,
		"seq":    seq,
		"tx":     req.Tx,
	}).Debug("Operation enqueued")

	if next != nil {
		q.dispatch(next)
	}
	return nil
}

// promoteLocked moves the head of the FIFO into the free in-flight slot
func (q *Queue) promoteLocked(dq *deviceQueue) *pendingOp {
	if dq.inflight != nil {
		return nil
	}
	head := dq.waiting.Oldest()
	if head == nil {
		return nil
	}
	dq.waiting.Delete(head.Key)
	dq.inflight = head.Value
	return head.Value
}

func (q *Queue) dispatch(op *pendingOp) {
	name := fmt.Sprintf("gatt-%s-%d", op.req.Device, op.seq)
	groutine.GoWithLogger(context.Background(), q.logger, name, func(ctx context.Context) {
		q.logger.WithFields(logrus.Fields{
			"device":    op.req.Device,
			"op":        op.req.Op,
			"seq":       op.seq,
			"link":      op.req.Link,
			"goroutine": groutine.GetName(ctx),
		}).Debug("Dispatching operation")

		v, err := q.run(op)
		q.complete(op, v, err)
	})
}

func (q *Queue) run(op *pendingOp) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = device.NewError(device.KindGattFailure, op.req.Op, op.req.Device, fmt.Errorf("panic: %v", r))
		}
	}()
	return op.req.Run(op.ctx)
}

// complete handles the adapter's answer for a dispatched op. The slot stays
// occupied until Done has returned so results are delivered in FIFO order.
// An op detached by abort or flush no longer owns the slot and only has its
// result discarded.
func (q *Queue) complete(op *pendingOp, v any, err error) {
	dev := op.req.Device

	q.mu.Lock()
	deliver := !op.resolved
	op.resolved = true
	q.releaseLocked(op)
	q.mu.Unlock()

	op.cancel()

	if deliver {
		op.req.Done(v, device.NormalizeError(op.req.Op, dev, err))
	} else {
		q.logger.WithFields(logrus.Fields{
			"device": dev,
			"op":     op.req.Op,
			"seq":    op.seq,
			"link":   op.req.Link,
			"error":  err,
		}).Warn("Discarding late result of an operation that was already resolved")
	}

	q.mu.Lock()
	var next *pendingOp
	if dq := q.devices[dev]; dq != nil && dq.inflight == op {
		dq.inflight = nil
		next = q.promoteLocked(dq)
		if dq.idle() {
			delete(q.devices, dev)
		}
	}
	q.mu.Unlock()

	if next != nil {
		q.dispatch(next)
	}
}

// releaseLocked stops the deadline timer and drops the transaction link
func (q *Queue) releaseLocked(op *pendingOp) {
	if op.timer != nil {
		op.timer.Stop()
	}
	if op.untrack != nil {
		op.untrack()
		op.untrack = nil
	}
}

// abort resolves one op with Timeout. A waiting op is removed; an
// in-flight op is detached and the next waiting op is dispatched. Reports
// whether the op was still unresolved.
func (q *Queue) abort(dev device.DeviceID, seq uint64, kind device.ErrorKind) bool {
	q.mu.Lock()
	dq := q.devices[dev]
	if dq == nil {
		q.mu.Unlock()
		return false
	}

	var op *pendingOp
	if w, ok := dq.waiting.Get(seq); ok {
		op = w
		dq.waiting.Delete(seq)
	} else if dq.inflight != nil && dq.inflight.seq == seq && !dq.inflight.resolved {
		op = dq.inflight
	}
	if op == nil {
		q.mu.Unlock()
		return false
	}

	op.resolved = true
	q.releaseLocked(op)
	inflight := dq.inflight == op
	var next *pendingOp
	if inflight {
		dq.inflight = nil
		next = q.promoteLocked(dq)
	}
	if dq.idle() {
		delete(q.devices, dev)
	}
	q.mu.Unlock()

	op.cancel()

	fields := logrus.Fields{
		"device":   dev,
		"op":       op.req.Op,
		"seq":      seq,
		"reason":   kind.String(),
		"inflight": inflight,
	}
	if inflight {
		q.logger.WithFields(fields).Warn("Abandoning in-flight operation; its adapter call keeps running")
	} else {
		q.logger.WithFields(fields).Debug("Operation aborted")
	}

	op.req.Done(nil, device.NewError(kind, op.req.Op, dev, nil))
	if next != nil {
		q.dispatch(next)
	}
	return true
}

// cancelTx resolves the op seq together with every other unresolved op of the
// device tagged tx, oldest first, in one pass. The slot is handed on only
// after all of them are gone so no op of a canceled transaction is
// dispatched on the way.
func (q *Queue) cancelTx(dev device.DeviceID, seq uint64, tx device.TransactionID) bool {
	q.mu.Lock()
	dq := q.devices[dev]
	if dq == nil {
		q.mu.Unlock()
		return false
	}

	var ops []*pendingOp
	inflight := dq.inflight != nil && !dq.inflight.resolved &&
		(dq.inflight.seq == seq || dq.inflight.req.Tx == tx)
	if inflight {
		ops = append(ops, dq.inflight)
		dq.inflight = nil
	}
	for pair := dq.waiting.Oldest(); pair != nil; {
		next := pair.Next()
		if pair.Key == seq || pair.Value.req.Tx == tx {
			ops = append(ops, pair.Value)
			dq.waiting.Delete(pair.Key)
		}
		pair = next
	}
	for _, op := range ops {
		op.resolved = true
		q.releaseLocked(op)
	}

	next := q.promoteLocked(dq)
	if dq.idle() {
		delete(q.devices, dev)
	}
	q.mu.Unlock()

	if len(ops) == 0 {
		return false
	}
	fields := logrus.Fields{
		"device":   dev,
		"tx":       tx,
		"count":    len(ops),
		"inflight": inflight,
	}
	if inflight {
		q.logger.WithFields(fields).Warn("Abandoning in-flight operation of a canceled transaction; its adapter call keeps running")
	} else {
		q.logger.WithFields(fields).Debug("Transaction operations canceled")
	}
	for _, op := range ops {
		op.cancel()
		op.req.Done(nil, device.NewError(device.KindCanceled, op.req.Op, dev, nil))
	}
	if next != nil {
		q.dispatch(next)
	}
	return true
}

// Flush resolves every unresolved operation of a device with err, oldest
// first, and leaves the device with an empty queue and a free slot. An
// outstanding adapter call is detached; its late result is discarded and
// never delays operations enqueued after the flush. Returns the number of
// operations resolved.
func (q *Queue) Flush(dev device.DeviceID, err error) int {
	q.mu.Lock()
	dq := q.devices[dev]
	if dq == nil {
		q.mu.Unlock()
		return 0
	}
	ops := q.drainLocked(dq)
	if dq.idle() {
		delete(q.devices, dev)
	}
	q.mu.Unlock()

	if len(ops) > 0 {
		q.logger.WithFields(logrus.Fields{
			"device": dev,
			"count":  len(ops),
			"error":  err,
		}).Debug("Flushing pending operations")
	}
	q.resolveAll(ops, err)
	return len(ops)
}

func (q *Queue) drainLocked(dq *deviceQueue) []*pendingOp {
	ops := make([]*pendingOp, 0, dq.unresolved())
	if dq.inflight != nil && !dq.inflight.resolved {
		ops = append(ops, dq.inflight)
	}
	dq.inflight = nil
	for pair := dq.waiting.Oldest(); pair != nil; pair = pair.Next() {
		ops = append(ops, pair.Value)
	}
	dq.waiting = orderedmap.New[uint64, *pendingOp]()

	for _, op := range ops {
		op.resolved = true
		q.releaseLocked(op)
	}
	return ops
}

func (q *Queue) resolveAll(ops []*pendingOp, err error) {
	for _, op := range ops {
		op.cancel()
		op.req.Done(nil, device.NormalizeError(op.req.Op, op.req.Device, err))
	}
}

// Len returns the number of unresolved operations of a device
func (q *Queue) Len(dev device.DeviceID) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if dq := q.devices[dev]; dq != nil {
		return dq.unresolved()
	}
	return 0
}

// InFlight reports whether a pending operation of a device is dispatched and
// owns the slot. Detached adapter calls do not count.
func (q *Queue) InFlight(dev device.DeviceID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	dq := q.devices[dev]
	return dq != nil && dq.inflight != nil
}

// Close rejects later enqueues with NotReady and flushes every device with
// NotReady. Outstanding adapter calls are detached.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true

	var ops []*pendingOp
	for dev, dq := range q.devices {
		ops = append(ops, q.drainLocked(dq)...)
		if dq.idle() {
			delete(q.devices, dev)
		}
	}
	q.mu.Unlock()

	q.resolveAll(ops, device.ErrNotReady)
}
