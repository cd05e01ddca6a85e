package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/srg/blecentral/pkg/device"
	"github.com/srg/blecentral/pkg/future"
	"github.com/stretchr/testify/suite"
)

// gatedRun is an adapter call that blocks until released and records
// how many calls overlap per device.
type gatedRun struct {
	mu       sync.Mutex
	inflight map[device.DeviceID]int
	maxSeen  map[device.DeviceID]int
	started  chan string
	release  map[string]chan result
}

type result struct {
	v   any
	err error
}

func newGatedRun() *gatedRun {
	return &gatedRun{
		inflight: make(map[device.DeviceID]int),
		maxSeen:  make(map[device.DeviceID]int),
		started:  make(chan string, 64),
		release:  make(map[string]chan result),
	}
}

func (g *gatedRun) gate(name string) chan result {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch, ok := g.release[name]
	if !ok {
		ch = make(chan result, 1)
		g.release[name] = ch
	}
	return ch
}

func (g *gatedRun) run(dev device.DeviceID, name string) func(context.Context) (any, error) {
	return func(ctx context.Context) (any, error) {
		g.mu.Lock()
		g.inflight[dev]++
		if g.inflight[dev] > g.maxSeen[dev] {
			g.maxSeen[dev] = g.inflight[dev]
		}
		g.mu.Unlock()

		g.started <- name
		r := <-g.gate(name)

		g.mu.Lock()
		g.inflight[dev]--
		g.mu.Unlock()
		return r.v, r.err
	}
}

func (g *gatedRun) finish(name string, v any, err error) {
	g.gate(name) <- result{v: v, err: err}
}

func (g *gatedRun) max(dev device.DeviceID) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.maxSeen[dev]
}

type QueueTestSuite struct {
	suite.Suite
	q    *Queue
	gate *gatedRun
	hook *test.Hook
}

func (s *QueueTestSuite) SetupTest() {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	s.hook = hook
	s.q = New(Config{Depth: 3}, NewTracker(), logger)
	s.gate = newGatedRun()
}

func (s *QueueTestSuite) TearDownTest() {
	s.q.Close()
}

// submit enqueues a gated op and returns its future
func (s *QueueTestSuite) submit(dev device.DeviceID, name string, tx device.TransactionID, timeout time.Duration) (*future.Future[[]byte], error) {
	f, p := future.New[[]byte]()
	err := s.q.Enqueue(Request{
		Device:  dev,
		Op:      name,
		Tx:      tx,
		Timeout: timeout,
		Run:     s.gate.run(dev, name),
		Done:    Typed(p),
	})
	return f, err
}

func (s *QueueTestSuite) expectStarted(name string) {
	select {
	case got := <-s.gate.started:
		s.Require().Equal(name, got, "operations MUST be dispatched in FIFO order")
	case <-time.After(time.Second):
		s.FailNow("operation was not dispatched", name)
	}
}

func (s *QueueTestSuite) expectNothingStarted() {
	select {
	case got := <-s.gate.started:
		s.FailNow("unexpected dispatch", got)
	case <-time.After(30 * time.Millisecond):
	}
}

// expectDiscarded waits until n late adapter results have been dropped
func (s *QueueTestSuite) expectDiscarded(n int) {
	s.Require().Eventually(func() bool {
		count := 0
		for _, e := range s.hook.AllEntries() {
			if e.Message == "Discarding late result of an operation that was already resolved" {
				count++
			}
		}
		return count == n
	}, time.Second, 5*time.Millisecond, "late adapter result MUST be discarded")
}

func (s *QueueTestSuite) await(f *future.Future[[]byte]) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	v, err := f.Wait(ctx)
	s.Require().NotErrorIs(err, context.DeadlineExceeded, "future MUST resolve")
	return v, err
}

func (s *QueueTestSuite) TestFIFOAndSingleInFlight() {
	// GOAL: Verify at most one operation per device is dispatched and completions follow enqueue order
	//
	// TEST SCENARIO: Enqueue three reads → only first dispatched → finishing each dispatches the next → results in order

	dev := device.DeviceID("D1")
	f1, err := s.submit(dev, "r1", "", 0)
	s.Require().NoError(err)
	f2, err := s.submit(dev, "r2", "", 0)
	s.Require().NoError(err)
	f3, err := s.submit(dev, "r3", "", 0)
	s.Require().NoError(err)

	s.expectStarted("r1")
	s.expectNothingStarted()
	s.Assert().True(s.q.InFlight(dev))
	s.Assert().Equal(3, s.q.Len(dev))

	s.gate.finish("r1", []byte{0x64}, nil)
	v, err := s.await(f1)
	s.Require().NoError(err)
	s.Assert().Equal([]byte{0x64}, v)

	s.expectStarted("r2")
	s.gate.finish("r2", []byte{2}, nil)
	s.expectStarted("r3")
	s.gate.finish("r3", []byte{3}, nil)

	v2, _ := s.await(f2)
	v3, _ := s.await(f3)
	s.Assert().Equal([]byte{2}, v2)
	s.Assert().Equal([]byte{3}, v3)
	s.Assert().Equal(1, s.gate.max(dev), "in-flight count per device MUST never exceed one")
	s.Assert().Eventually(func() bool { return !s.q.InFlight(dev) && s.q.Len(dev) == 0 }, time.Second, 5*time.Millisecond)
}

func (s *QueueTestSuite) TestDevicesAreIndependent() {
	// GOAL: Verify operations on different devices may be in flight together
	//
	// TEST SCENARIO: One blocked op per device → both dispatched without waiting on each other

	_, err := s.submit("A", "a1", "", 0)
	s.Require().NoError(err)
	_, err = s.submit("B", "b1", "", 0)
	s.Require().NoError(err)

	started := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case name := <-s.gate.started:
			started[name] = true
		case <-time.After(time.Second):
			s.FailNow("both devices MUST dispatch concurrently")
		}
	}
	s.Assert().Equal(map[string]bool{"a1": true, "b1": true}, started)

	s.gate.finish("a1", nil, nil)
	s.gate.finish("b1", nil, nil)
}

func (s *QueueTestSuite) TestBusyAtDepthBound() {
	// GOAL: Verify the (N+1)th enqueue fails with Busy and leaves the queue untouched
	//
	// TEST SCENARIO: Depth 3 → three ops accepted → fourth rejected with Busy → length stays 3

	dev := device.DeviceID("D1")
	for _, name := range []string{"r1", "r2", "r3"} {
		_, err := s.submit(dev, name, "", 0)
		s.Require().NoError(err)
	}
	s.expectStarted("r1")

	_, err := s.submit(dev, "r4", "", 0)
	s.Assert().ErrorIs(err, device.ErrBusy, "enqueue beyond the bound MUST fail with Busy")
	s.Assert().Equal(3, s.q.Len(dev), "rejected enqueue MUST NOT change the queue length")

	s.gate.finish("r1", nil, nil)
	s.expectStarted("r2")
	s.gate.finish("r2", nil, nil)
	s.expectStarted("r3")
	s.gate.finish("r3", nil, nil)
	s.expectNothingStarted()
}

func (s *QueueTestSuite) TestCancelTransaction() {
	// GOAL: Verify cancel(tx) resolves every op tagged tx with Canceled exactly once
	//
	// TEST SCENARIO: in-flight tx op + queued tx op + untagged op → cancel → tagged ops Canceled →
	//                late adapter result discarded → untagged op still runs afterwards

	dev := device.DeviceID("D1")
	tx := device.TransactionID("tx-1")

	var doneCalls atomic.Int32
	f1, p1 := future.New[[]byte]()
	resolve := Typed(p1)
	s.Require().NoError(s.q.Enqueue(Request{
		Device: dev, Op: "r1", Tx: tx,
		Run: s.gate.run(dev, "r1"),
		Done: func(v any, err error) {
			doneCalls.Add(1)
			resolve(v, err)
		},
	}))
	f2, err := s.submit(dev, "r2", tx, 0)
	s.Require().NoError(err)
	f3, err := s.submit(dev, "r3", "", 0)
	s.Require().NoError(err)
	s.expectStarted("r1")
	s.Require().Equal(2, s.q.Tracker().Pending(tx))

	s.Assert().True(s.q.Tracker().Cancel(tx), "cancel MUST report affected operations")

	_, err = s.await(f1)
	s.Assert().ErrorIs(err, device.ErrCanceled, "in-flight tagged op MUST resolve Canceled")
	_, err = s.await(f2)
	s.Assert().ErrorIs(err, device.ErrCanceled, "queued tagged op MUST resolve Canceled")
	s.Assert().Zero(s.q.Tracker().Pending(tx), "canceled transaction MUST be forgotten")

	s.expectStarted("r3")
	s.Assert().True(s.q.InFlight(dev), "untagged op MUST own the slot")
	s.Assert().Equal(1, s.q.Len(dev), "canceled ops MUST NOT count as pending")

	s.gate.finish("r1", []byte{1}, nil)
	s.expectDiscarded(1)
	s.gate.finish("r3", []byte{3}, nil)
	v, err := s.await(f3)
	s.Require().NoError(err)
	s.Assert().Equal([]byte{3}, v)

	s.Assert().Equal(int32(1), doneCalls.Load(), "late completion MUST NOT resolve the caller a second time")
	s.Assert().False(s.q.Tracker().Cancel(tx), "second cancel MUST report nothing affected")
}

func (s *QueueTestSuite) TestTimeout() {
	// GOAL: Verify a deadline resolves the op with Timeout and discards the late result
	//
	// TEST SCENARIO: op with 20ms deadline blocks → Timeout delivered → adapter returns later → ignored

	dev := device.DeviceID("D1")
	f, err := s.submit(dev, "slow", "", 20*time.Millisecond)
	s.Require().NoError(err)
	s.expectStarted("slow")

	_, err = s.await(f)
	s.Assert().ErrorIs(err, device.ErrTimeout)
	s.Assert().False(s.q.InFlight(dev), "timed out op MUST give up the slot")

	s.gate.finish("slow", []byte{9}, nil)
	s.expectDiscarded(1)

	v, err, _ := f.Result()
	s.Assert().Nil(v)
	s.Assert().ErrorIs(err, device.ErrTimeout, "outcome MUST stay Timeout")
}

func (s *QueueTestSuite) TestHungCallDoesNotBlockDevice() {
	// GOAL: Verify an adapter call that never returns in time does not stall later operations
	//
	// TEST SCENARIO: hung op with 20ms deadline + queued op → Timeout → queued op dispatched
	//                and completed while the hung call is still outstanding → hung result discarded

	dev := device.DeviceID("D1")
	hung, err := s.submit(dev, "hung", "", 20*time.Millisecond)
	s.Require().NoError(err)
	next, err := s.submit(dev, "next", "", 0)
	s.Require().NoError(err)
	s.expectStarted("hung")

	_, err = s.await(hung)
	s.Assert().ErrorIs(err, device.ErrTimeout)
	s.expectStarted("next")
	s.Assert().Equal(1, s.q.Len(dev), "only the dispatched op MUST be pending")

	s.gate.finish("next", []byte{2}, nil)
	v, err := s.await(next)
	s.Require().NoError(err)
	s.Assert().Equal([]byte{2}, v)

	s.gate.finish("hung", []byte{9}, nil)
	s.expectDiscarded(1)
	s.expectNothingStarted()
	s.Assert().Zero(s.q.Len(dev))
}

func (s *QueueTestSuite) TestTimeoutWhileQueued() {
	dev := device.DeviceID("D1")
	_, err := s.submit(dev, "head", "", 0)
	s.Require().NoError(err)
	f, err := s.submit(dev, "waiting", "", 20*time.Millisecond)
	s.Require().NoError(err)
	s.expectStarted("head")

	_, err = s.await(f)
	s.Assert().ErrorIs(err, device.ErrTimeout, "deadline MUST cover time spent waiting in the queue")
	s.Assert().Equal(1, s.q.Len(dev))

	s.gate.finish("head", nil, nil)
	s.expectNothingStarted()
}

func (s *QueueTestSuite) TestFlush() {
	// GOAL: Verify flush resolves every pending op with the given error
	//
	// TEST SCENARIO: in-flight + two queued → flush NotConnected → all three fail → late result ignored

	dev := device.DeviceID("D1")
	f1, _ := s.submit(dev, "r1", "", 0)
	f2, _ := s.submit(dev, "r2", "", 0)
	f3, _ := s.submit(dev, "r3", "", 0)
	s.expectStarted("r1")

	n := s.q.Flush(dev, device.NewError(device.KindNotConnected, "", dev, nil))
	s.Assert().Equal(3, n)

	for _, f := range []*future.Future[[]byte]{f1, f2, f3} {
		_, err := s.await(f)
		s.Assert().ErrorIs(err, device.ErrNotConnected)
	}

	s.Assert().False(s.q.InFlight(dev), "flush MUST free the slot")

	s.gate.finish("r1", []byte{1}, nil)
	s.expectDiscarded(1)
	s.expectNothingStarted()
	s.Assert().Zero(s.q.Flush(dev, device.ErrNotConnected), "flushing an empty device MUST be a no-op")
}

func (s *QueueTestSuite) TestFlushDetachesHungCall() {
	// GOAL: Verify operations enqueued after a flush never wait for a call issued before it
	//
	// TEST SCENARIO: hung op → flush NotConnected → new op dispatched at once and completes →
	//                hung call returns later → result discarded

	dev := device.DeviceID("D1")
	old, err := s.submit(dev, "old-link", "", 0)
	s.Require().NoError(err)
	s.expectStarted("old-link")

	s.q.Flush(dev, device.ErrNotConnected)
	_, err = s.await(old)
	s.Assert().ErrorIs(err, device.ErrNotConnected)

	fresh, err := s.submit(dev, "new-link", "", 0)
	s.Require().NoError(err)
	s.expectStarted("new-link")
	s.gate.finish("new-link", []byte{0x64}, nil)
	v, err := s.await(fresh)
	s.Require().NoError(err)
	s.Assert().Equal([]byte{0x64}, v)

	s.gate.finish("old-link", []byte{1}, nil)
	s.expectDiscarded(1)
	v, _, _ = fresh.Result()
	s.Assert().Equal([]byte{0x64}, v, "late result MUST NOT touch operations of the new link")
}

func (s *QueueTestSuite) TestAdapterErrorsAreNormalized() {
	dev := device.DeviceID("D1")
	f, _ := s.submit(dev, "read", "", 0)
	s.expectStarted("read")

	cause := errors.New("att: insufficient encryption")
	s.gate.finish("read", nil, cause)

	_, err := s.await(f)
	s.Assert().ErrorIs(err, device.ErrGattFailure)
	s.Assert().ErrorIs(err, cause, "adapter cause MUST be preserved")
}

func (s *QueueTestSuite) TestPanickingRunFailsOperation() {
	dev := device.DeviceID("D1")
	f, p := future.New[[]byte]()
	s.Require().NoError(s.q.Enqueue(Request{
		Device: dev, Op: "read",
		Run:  func(context.Context) (any, error) { panic("adapter bug") },
		Done: Typed(p),
	}))

	_, err := s.await(f)
	s.Assert().ErrorIs(err, device.ErrGattFailure)
	s.Assert().Eventually(func() bool { return !s.q.InFlight(dev) }, time.Second, 5*time.Millisecond,
		"panicking op MUST release the slot")
}

func (s *QueueTestSuite) TestClose() {
	dev := device.DeviceID("D1")
	f, _ := s.submit(dev, "r1", "", 0)
	s.expectStarted("r1")

	s.q.Close()

	_, err := s.await(f)
	s.Assert().ErrorIs(err, device.ErrNotReady)

	_, err = s.submit(dev, "r2", "", 0)
	s.Assert().ErrorIs(err, device.ErrNotReady, "enqueue after close MUST fail with NotReady")

	s.gate.finish("r1", nil, nil)
}

func TestQueueTestSuite(t *testing.T) {
	suite.Run(t, new(QueueTestSuite))
}
