package adapter

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/srg/blecentral/pkg/device"
	"github.com/stretchr/testify/suite"
)

type EmitterTestSuite struct {
	suite.Suite
	emitter *Emitter
}

func (s *EmitterTestSuite) SetupTest() {
	logger, _ := test.NewNullLogger()
	s.emitter = NewEmitter("test", logger)
}

func (s *EmitterTestSuite) TearDownTest() {
	s.emitter.Close()
}

func (s *EmitterTestSuite) TestDeliversInOrderFromConcurrentProducers() {
	// GOAL: Verify events from many goroutines reach the sink one at a time
	//
	// TEST SCENARIO: 8 producers × 50 events → sink never re-entered → per-producer order kept

	const producers, perProducer = 8, 50

	var inside atomic.Int32
	var overlapped atomic.Bool
	var mu sync.Mutex
	got := make(map[device.DeviceID][]int)
	all := make(chan struct{})
	var count atomic.Int32

	s.emitter.SetSink(func(ev device.Event) {
		if inside.Add(1) > 1 {
			overlapped.Store(true)
		}
		defer inside.Add(-1)

		r := ev.(device.RSSIRead)
		mu.Lock()
		got[r.ID] = append(got[r.ID], r.RSSI)
		mu.Unlock()
		if count.Add(1) == producers*perProducer {
			close(all)
		}
	})

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(id device.DeviceID) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				s.emitter.Emit(device.RSSIRead{ID: id, RSSI: i})
			}
		}(device.DeviceID(string(rune('A' + p))))
	}
	wg.Wait()

	select {
	case <-all:
	case <-time.After(2 * time.Second):
		s.FailNow("events MUST all be delivered")
	}

	s.Assert().False(overlapped.Load(), "sink MUST NOT be invoked concurrently")
	mu.Lock()
	defer mu.Unlock()
	for id, seq := range got {
		s.Require().Len(seq, perProducer, "producer %s MUST deliver every event", id)
		for i, v := range seq {
			s.Assert().Equal(i, v, "producer %s events MUST keep emission order", id)
		}
	}
}

func (s *EmitterTestSuite) TestBuffersUntilSinkIsSet() {
	// GOAL: Verify events emitted before SetSink are not lost
	//
	// TEST SCENARIO: Emit twice without a sink → set sink → both arrive in order

	s.emitter.Emit(device.AdapterStateChanged{State: device.AdapterPoweredOff})
	s.emitter.Emit(device.AdapterStateChanged{State: device.AdapterPoweredOn})

	received := make(chan device.Event, 2)
	s.emitter.SetSink(func(ev device.Event) { received <- ev })

	for _, want := range []device.AdapterState{device.AdapterPoweredOff, device.AdapterPoweredOn} {
		select {
		case ev := <-received:
			s.Assert().Equal(device.AdapterStateChanged{State: want}, ev)
		case <-time.After(time.Second):
			s.FailNow("buffered event MUST be delivered after SetSink")
		}
	}
}

func (s *EmitterTestSuite) TestSinkPanicDoesNotStopDelivery() {
	// GOAL: Verify a panicking sink does not kill the delivery goroutine
	//
	// TEST SCENARIO: First event panics → second event still delivered

	received := make(chan device.Event, 1)
	s.emitter.SetSink(func(ev device.Event) {
		if r, ok := ev.(device.RSSIRead); ok && r.RSSI == 0 {
			panic("boom")
		}
		received <- ev
	})

	s.emitter.Emit(device.RSSIRead{ID: "dev", RSSI: 0})
	s.emitter.Emit(device.RSSIRead{ID: "dev", RSSI: -40})

	select {
	case ev := <-received:
		s.Assert().Equal(device.RSSIRead{ID: "dev", RSSI: -40}, ev)
	case <-time.After(time.Second):
		s.FailNow("delivery MUST continue after a sink panic")
	}
}

func (s *EmitterTestSuite) TestCloseFlushesAndDropsLateEvents() {
	// GOAL: Verify Close delivers buffered events and ignores later ones
	//
	// TEST SCENARIO: Emit → Close → Emit → only the first event was delivered

	var mu sync.Mutex
	var got []device.Event
	s.emitter.SetSink(func(ev device.Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})

	s.emitter.Emit(device.DeviceStateChanged{ID: "dev", Connected: true})
	s.emitter.Close()
	s.emitter.Emit(device.DeviceStateChanged{ID: "dev", Connected: false})

	mu.Lock()
	defer mu.Unlock()
	s.Assert().Equal([]device.Event{device.DeviceStateChanged{ID: "dev", Connected: true}}, got,
		"events emitted before Close MUST be flushed, later ones MUST be dropped")
}

func (s *EmitterTestSuite) TestPowerStateReportsChanges() {
	// GOAL: Verify PowerState.Store reports only real transitions

	var p PowerState
	s.Assert().Equal(device.AdapterUnknown, p.Load())
	s.Assert().True(p.Store(device.AdapterPoweredOn))
	s.Assert().False(p.Store(device.AdapterPoweredOn), "same state MUST NOT count as a change")
	s.Assert().True(p.Store(device.AdapterPoweredOff))
	s.Assert().Equal(device.AdapterPoweredOff, p.Load())
}

func TestEmitterTestSuite(t *testing.T) {
	suite.Run(t, new(EmitterTestSuite))
}
