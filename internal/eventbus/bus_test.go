package eventbus

import (
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/suite"
)

type BusTestSuite struct {
	suite.Suite
	bus *Bus[int]
}

func (s *BusTestSuite) SetupTest() {
	logger, _ := test.NewNullLogger()
	s.bus = New[int](logger)
}

func (s *BusTestSuite) TestListenerIDsIncrease() {
	// GOAL: Verify listener ids are monotonically increasing and never reused
	//
	// TEST SCENARIO: Add → remove → add again → new id greater than every previous one

	a := s.bus.Add(func(int) {})
	b := s.bus.Add(func(int) {})
	s.Require().True(s.bus.Remove(a), "registered listener MUST be removable")
	c := s.bus.Add(func(int) {})

	s.Assert().Less(a, b, "ids MUST increase")
	s.Assert().Less(b, c, "ids MUST NOT be reused after removal")
	s.Assert().False(s.bus.Remove(a), "second removal MUST report false")
	s.Assert().Equal(2, s.bus.Len())
}

func (s *BusTestSuite) TestEmitPreservesRegistrationOrder() {
	// GOAL: Verify listeners are invoked sequentially in registration order
	//
	// TEST SCENARIO: Three listeners → one emit → calls recorded in order

	var calls []string
	s.bus.Add(func(v int) { calls = append(calls, "first") })
	s.bus.Add(func(v int) { calls = append(calls, "second") })
	s.bus.Add(func(v int) { calls = append(calls, "third") })

	s.bus.Emit(1)

	s.Assert().Equal([]string{"first", "second", "third"}, calls, "listeners MUST run in registration order")
}

func (s *BusTestSuite) TestSelfRemovalDuringEmit() {
	// GOAL: Verify a listener removing itself does not break the emit loop
	//
	// TEST SCENARIO: Listener removes itself on first call → remaining listeners still run → removed one gets nothing later

	var selfCalls, otherCalls int
	var selfID ListenerID
	selfID = s.bus.Add(func(int) {
		selfCalls++
		s.bus.Remove(selfID)
	})
	s.bus.Add(func(int) { otherCalls++ })

	s.bus.Emit(1)
	s.bus.Emit(2)

	s.Assert().Equal(1, selfCalls, "self-removing listener MUST be invoked exactly once")
	s.Assert().Equal(2, otherCalls, "other listeners MUST keep receiving events")
}

func (s *BusTestSuite) TestListenerRemovedMidBatchIsSkipped() {
	// GOAL: Verify a listener removed by an earlier listener in the same batch is not invoked
	//
	// TEST SCENARIO: first listener removes second → emit → second never runs

	var secondCalls int
	var secondID ListenerID
	s.bus.Add(func(int) { s.bus.Remove(secondID) })
	secondID = s.bus.Add(func(int) { secondCalls++ })

	s.bus.Emit(1)

	s.Assert().Zero(secondCalls, "listener removed mid-batch MUST NOT receive the event")
}

func (s *BusTestSuite) TestReentrantAddAndEmit() {
	// GOAL: Verify listeners may register listeners and emit without deadlock
	//
	// TEST SCENARIO: listener adds another and emits nested event → no deadlock → new listener only sees the nested event

	var late []int
	added := false
	s.bus.Add(func(v int) {
		if added {
			return
		}
		added = true
		s.bus.Add(func(v int) { late = append(late, v) })
		s.bus.Emit(v + 100)
	})

	done := make(chan struct{})
	go func() {
		s.bus.Emit(1)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		s.FailNow("reentrant emit MUST NOT deadlock")
	}
	s.Assert().Equal([]int{101}, late, "listener added during a batch MUST NOT see that batch")
}

func (s *BusTestSuite) TestPanickingListenerDoesNotStopBatch() {
	// GOAL: Verify a panicking listener is isolated
	//
	// TEST SCENARIO: first listener panics → second still invoked

	var reached bool
	s.bus.Add(func(int) { panic("listener bug") })
	s.bus.Add(func(int) { reached = true })

	s.Assert().NotPanics(func() { s.bus.Emit(1) }, "emit MUST recover listener panics")
	s.Assert().True(reached, "listeners after the panicking one MUST still run")
}

func (s *BusTestSuite) TestConcurrentEmitAndRemove() {
	// GOAL: Verify concurrent add/remove/emit is race free
	//
	// TEST SCENARIO: goroutines churn listeners while others emit → no panic, bus ends empty

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				id := s.bus.Add(func(int) {})
				s.bus.Remove(id)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s.bus.Emit(j)
			}
		}()
	}
	wg.Wait()

	s.Assert().Zero(s.bus.Len(), "all churned listeners MUST be gone")
}

func (s *BusTestSuite) TestSubscription() {
	s.Run("delivers events in order", func() {
		sub := s.bus.Subscribe(4)
		defer sub.Close()

		s.bus.Emit(1)
		s.bus.Emit(2)

		s.Assert().Equal(1, <-sub.C())
		s.Assert().Equal(2, <-sub.C())
	})

	s.Run("drops oldest when consumer lags", func() {
		sub := s.bus.Subscribe(2)
		defer sub.Close()

		for i := 1; i <= 5; i++ {
			s.bus.Emit(i)
		}

		s.Assert().Equal(4, <-sub.C(), "only the newest events MUST be retained")
		s.Assert().Equal(5, <-sub.C())
		s.Assert().Equal(int64(3), sub.Dropped(), "overwritten events MUST be counted")
	})

	s.Run("close deregisters and closes channel", func() {
		before := s.bus.Len()
		sub := s.bus.Subscribe(1)
		s.Require().Equal(before+1, s.bus.Len())

		sub.Close()
		sub.Close()
		s.bus.Emit(9)

		_, open := <-sub.C()
		s.Assert().False(open, "channel MUST be closed")
		s.Assert().Equal(before, s.bus.Len(), "listener MUST be removed")
	})
}

func TestBusTestSuite(t *testing.T) {
	suite.Run(t, new(BusTestSuite))
}
