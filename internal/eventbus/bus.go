// Package eventbus fans events out to registered listeners.
//
// Listeners are kept in registration order and invoked sequentially outside
// the bus lock, so a listener may add or remove listeners (itself included)
// or emit further events without deadlocking.
package eventbus

import (
	"sync"

	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// ListenerID identifies a registered listener. IDs increase monotonically
// and are never reused within a Bus.
type ListenerID uint64

type listener[T any] struct {
	id ListenerID
	fn func(T)
}

// Bus is a thread-safe publish/subscribe hub
type Bus[T any] struct {
	logger *logrus.Logger

	mu        sync.Mutex
	nextID    ListenerID
	listeners *orderedmap.OrderedMap[ListenerID, func(T)]
}

// New creates an empty Bus. A nil logger falls back to logrus.New().
func New[T any](logger *logrus.Logger) *Bus[T] {
	if logger == nil {
		logger = logrus.New()
	}
	return &Bus[T]{
		logger:    logger,
		listeners: orderedmap.New[ListenerID, func(T)](),
	}
}

// Add registers fn and returns its id
func (b *Bus[T]) Add(fn func(T)) ListenerID {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.listeners.Set(id, fn)
	return id
}

// Remove deregisters a listener. Safe to call from within a listener.
// Returns false if the id was not registered.
func (b *Bus[T]) Remove(id ListenerID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, removed := b.listeners.Delete(id)
	return removed
}

// Len returns the number of registered listeners
func (b *Bus[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.listeners.Len()
}

// Emit delivers ev to every listener registered at the time of the call.
// A listener removed by an earlier listener of the same batch is skipped.
// A panicking listener is logged and does not stop the batch.
func (b *Bus[T]) Emit(ev T) {
	snapshot := b.snapshot()

	for _, l := range snapshot {
		if !b.registered(l.id) {
			continue
		}
		b.invoke(l, ev)
	}
}

func (b *Bus[T]) snapshot() []listener[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]listener[T], 0, b.listeners.Len())
	for pair := b.listeners.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, listener[T]{id: pair.Key, fn: pair.Value})
	}
	return out
}

func (b *Bus[T]) registered(id ListenerID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, ok := b.listeners.Get(id)
	return ok
}

func (b *Bus[T]) invoke(l listener[T], ev T) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.WithFields(logrus.Fields{
				"listener": l.id,
				"panic":    r,
			}).Error("Event listener panicked")
		}
	}()
	l.fn(ev)
}

// ----------------------------
// Channel subscriptions
// ----------------------------

// Subscription delivers events through a bounded channel. When the consumer
// falls behind the oldest buffered events are dropped.
type Subscription[T any] struct {
	bus *Bus[T]
	id  ListenerID
	rc  *RingChannel[T]

	mu     sync.Mutex
	closed bool
}

// Subscribe registers a channel-backed listener with the given buffer size
func (b *Bus[T]) Subscribe(capacity int) *Subscription[T] {
	s := &Subscription[T]{bus: b, rc: NewRingChannel[T](capacity)}
	s.id = b.Add(s.deliver)
	return s
}

func (s *Subscription[T]) deliver(ev T) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if s.rc.ForceSend(ev) {
		s.bus.logger.WithField("listener", s.id).Debug("Subscription buffer full, dropped oldest event")
	}
}

// C returns the event channel. It is closed by Close.
func (s *Subscription[T]) C() <-chan T {
	return s.rc.C()
}

// ID returns the underlying listener id
func (s *Subscription[T]) ID() ListenerID {
	return s.id
}

// Dropped returns how many events were overwritten before being read
func (s *Subscription[T]) Dropped() int64 {
	return s.rc.Metrics().Overwritten
}

// Close deregisters the subscription and closes its channel. Idempotent.
func (s *Subscription[T]) Close() {
	s.bus.Remove(s.id)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.rc.Close()
}
