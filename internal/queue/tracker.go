package queue

import (
	"slices"
	"sync"

	"github.com/srg/blecentral/pkg/device"
)

// CancelFunc aborts one tracked operation. It reports whether the operation
// was still pending and is now resolved as canceled.
type CancelFunc func() bool

// Tracker is a non-owning index from transaction id to the cancel hooks of
// the operations tagged with it. A transaction exists only while at least
// one operation references it; it is forgotten when drained or canceled.
type Tracker struct {
	mu  sync.Mutex
	seq uint64
	txs map[device.TransactionID]map[uint64]CancelFunc
}

// NewTracker creates an empty tracker
func NewTracker() *Tracker {
	return &Tracker{txs: make(map[device.TransactionID]map[uint64]CancelFunc)}
}

// Track registers cancel under tx and returns the function that removes it
// again. An empty tx is not tracked.
func (t *Tracker) Track(tx device.TransactionID, cancel CancelFunc) (untrack func()) {
	if tx == "" {
		return func() {}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.seq++
	key := t.seq
	ops, ok := t.txs[tx]
	if !ok {
		ops = make(map[uint64]CancelFunc)
		t.txs[tx] = ops
	}
	ops[key] = cancel

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()

		ops, ok := t.txs[tx]
		if !ok {
			return
		}
		delete(ops, key)
		if len(ops) == 0 {
			delete(t.txs, tx)
		}
	}
}

// Cancel invokes every hook registered under tx and forgets the transaction.
// Hooks run outside the tracker lock. Returns whether any operation was
// affected. Never blocks on radio I/O.
func (t *Tracker) Cancel(tx device.TransactionID) bool {
	t.mu.Lock()
	ops := t.txs[tx]
	delete(t.txs, tx)
	keys := make([]uint64, 0, len(ops))
	for key := range ops {
		keys = append(keys, key)
	}
	t.mu.Unlock()

	// registration order, so queued operations are canceled oldest first
	slices.Sort(keys)

	affected := false
	for _, key := range keys {
		if ops[key]() {
			affected = true
		}
	}
	return affected
}

// Pending returns the number of live operations tagged with tx
func (t *Tracker) Pending(tx device.TransactionID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.txs[tx])
}

// Len returns the number of live transactions
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.txs)
}
