// Package adapter holds the pieces shared by the platform backends that
// implement device.Adapter.
package adapter

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/groutine"
	"github.com/srg/blecentral/pkg/device"
)

// Emitter serializes events produced by concurrent stack callbacks into a
// single delivery goroutine, so the registered sink never runs concurrently
// with itself.
//
// Emit never blocks and never drops: events are buffered until the sink
// consumes them. Events emitted before a sink is set are delivered once one
// is set.
type Emitter struct {
	logger *logrus.Logger

	mu      sync.Mutex
	sink    device.EventSink
	pending []device.Event
	closed  bool

	wake chan struct{}
	done chan struct{}
}

// NewEmitter starts the delivery goroutine
func NewEmitter(name string, logger *logrus.Logger) *Emitter {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	e := &Emitter{
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	groutine.GoWithLogger(context.Background(), logger, name+"-events", e.loop)
	return e
}

// SetSink replaces the sink. Events already buffered go to the new sink.
func (e *Emitter) SetSink(sink device.EventSink) {
	e.mu.Lock()
	e.sink = sink
	e.mu.Unlock()
	e.signal()
}

// Emit queues ev for delivery. Events emitted after Close are discarded.
func (e *Emitter) Emit(ev device.Event) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		e.logger.WithField("event", ev.Kind()).Debug("Dropping event emitted after close")
		return
	}
	e.pending = append(e.pending, ev)
	e.mu.Unlock()
	e.signal()
}

// Close stops delivery once the buffered events are flushed and waits for
// the delivery goroutine to exit. Must not be called from the sink.
func (e *Emitter) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		<-e.done
		return
	}
	e.closed = true
	e.mu.Unlock()
	e.signal()
	<-e.done
}

func (e *Emitter) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Emitter) loop(_ context.Context) {
	defer close(e.done)
	for range e.wake {
		for {
			e.mu.Lock()
			if e.sink == nil || len(e.pending) == 0 {
				stop := e.closed && (len(e.pending) == 0 || e.sink == nil)
				e.mu.Unlock()
				if stop {
					return
				}
				break
			}
			ev := e.pending[0]
			e.pending[0] = nil
			e.pending = e.pending[1:]
			sink := e.sink
			e.mu.Unlock()

			e.deliver(sink, ev)
		}
	}
}

func (e *Emitter) deliver(sink device.EventSink, ev device.Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.WithFields(logrus.Fields{
				"event": ev.Kind(),
				"panic": r,
			}).Error("Event sink panicked")
		}
	}()
	sink(ev)
}
