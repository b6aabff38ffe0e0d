package compositor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap/zaptest"

	"github.com/srediag/shm-registry/pkg/executor"
	"github.com/srediag/shm-registry/pkg/metrics"
	"github.com/srediag/shm-registry/pkg/registry"
	"github.com/srediag/shm-registry/pkg/shm"
	"github.com/srediag/shm-registry/pkg/transport"
)

const (
	compositorPID shm.ProcessID = 1
	producerPID   shm.ProcessID = 10
)

type fakeOwner struct{ pid shm.ProcessID }

func (o *fakeOwner) OtherPID() shm.ProcessID { return o.pid }

type ManagerTestSuite struct {
	suite.Suite
	pool     *executor.Pool
	compExec *executor.Executor
	prodExec *executor.Executor
	metrics  *metrics.Metrics
	mgr      *Manager
	producer *transport.Endpoint
	ns       shm.Namespace
	segments []*shm.Segment
}

func (s *ManagerTestSuite) SetupTest() {
	logger := zaptest.NewLogger(s.T())
	p, err := executor.NewPool(executor.PoolOptions{Size: 4, Logger: logger})
	s.Require().NoError(err)
	s.pool = p
	s.compExec, err = p.NewExecutor("compositor")
	s.Require().NoError(err)
	s.prodExec, err = p.NewExecutor("producer")
	s.Require().NoError(err)

	s.metrics = metrics.New(prometheus.NewRegistry())
	reg, err := registry.New(registry.Options{Executor: s.compExec, Metrics: s.metrics, Logger: logger})
	s.Require().NoError(err)
	s.mgr, err = New(Options{PID: compositorPID, Registry: reg, Metrics: s.metrics, Logger: logger})
	s.Require().NoError(err)

	s.producer, s.ns, err = s.mgr.Connect(transport.Side{PID: producerPID, Executor: s.prodExec, Logger: logger})
	s.Require().NoError(err)
}

func (s *ManagerTestSuite) TearDownTest() {
	s.NoError(s.mgr.Shutdown(context.Background()))
	s.pool.Close()
	for _, seg := range s.segments {
		_ = seg.Close()
	}
	s.segments = nil
}

func (s *ManagerTestSuite) id(local uint32) shm.ResourceID {
	return shm.NewResourceID(s.ns, local)
}

func (s *ManagerTestSuite) addMessage(local uint32) transport.Message {
	seg, err := shm.NewSegment(shm.Size{Width: 4, Height: 4}, 16, shm.FormatR8G8B8A8, shm.SegmentOptions{})
	s.Require().NoError(err)
	for i, data := 0, seg.Data(); i < len(data); i++ {
		data[i] = byte(local)
	}
	s.segments = append(s.segments, seg)
	desc, err := seg.Share()
	s.Require().NoError(err)
	return transport.Message{Kind: transport.KindAdd, ID: s.id(local), Desc: desc}
}

// flush waits until everything the producer sent so far has been handled.
func (s *ManagerTestSuite) flush() {
	s.Require().NoError(s.mgr.pingNamespace(s.ns))
}

func (s *ManagerTestSuite) TestFastPath() {
	ctx := context.Background()
	s.Require().NoError(s.producer.Send(ctx, s.addMessage(1)))
	s.flush()

	buf, ok := s.mgr.LookupTexture(ctx, producerPID, s.id(1))
	s.Require().True(ok)
	s.Equal(shm.Size{Width: 4, Height: 4}, buf.Size())
	s.Equal(int32(16), buf.Stride())
	s.Equal(shm.FormatR8G8B8A8, buf.Format())
	s.Equal(float64(1), testutil.ToFloat64(s.metrics.Lookups.WithLabelValues(metrics.ResultHit)))

	_, ok = s.mgr.LookupTexture(ctx, producerPID+1, s.id(1))
	s.False(ok, "lookups are scoped to the creating process")
}

func (s *ManagerTestSuite) TestConcurrentLookupsShareOneWait() {
	ctx := context.Background()
	const delay = 50 * time.Millisecond
	msg := s.addMessage(1)
	s.Require().NoError(s.prodExec.Post(func(ctx context.Context) {
		time.Sleep(delay)
		s.NoError(s.producer.Send(ctx, msg))
	}))

	start := time.Now()
	var wg sync.WaitGroup
	bufs := make([]*shm.Buffer, 2)
	for i := range bufs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			buf, ok := s.mgr.LookupTexture(ctx, producerPID, s.id(1))
			s.True(ok)
			bufs[i] = buf
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(start)

	s.Require().NotNil(bufs[0])
	s.Same(bufs[0], bufs[1])
	s.GreaterOrEqual(elapsed, delay)
	s.Less(elapsed, delay+time.Second)

	data, err := bufs[0].Map()
	s.Require().NoError(err)
	s.Equal(byte(1), data[0])
	bufs[0].Unmap()
}

func (s *ManagerTestSuite) TestLookupAfterAddSentDoesNotShareOlderPing() {
	ctx := context.Background()
	gate := make(chan struct{})
	s.Require().NoError(s.prodExec.Post(func(context.Context) { <-gate }))

	first := make(chan bool, 1)
	go func() {
		_, ok := s.mgr.LookupTexture(ctx, producerPID, s.id(1))
		first <- ok
	}()
	s.Require().Eventually(func() bool { return s.prodExec.Len() == 1 }, time.Second, time.Millisecond,
		"first lookup's ping should be queued behind the held producer")

	s.Require().NoError(s.producer.Send(ctx, s.addMessage(1)))
	s.Require().Equal(2, s.prodExec.Len())

	second := make(chan bool, 1)
	go func() {
		_, ok := s.mgr.LookupTexture(ctx, producerPID, s.id(1))
		second <- ok
	}()
	s.Require().Eventually(func() bool { return s.prodExec.Len() == 3 }, time.Second, time.Millisecond,
		"a lookup started after the add was sent needs a ping of its own")
	close(gate)

	select {
	case ok := <-second:
		s.True(ok, "the add was in flight when the lookup started")
	case <-time.After(2 * time.Second):
		s.Fail("second lookup did not return")
	}
	select {
	case <-first:
	case <-time.After(2 * time.Second):
		s.Fail("first lookup did not return")
	}
}

func (s *ManagerTestSuite) TestNoMissedWakeup() {
	ctx := context.Background()
	for i := uint32(1); i <= 20; i++ {
		release := make(chan struct{})
		s.Require().NoError(s.compExec.Post(func(context.Context) { <-release }))
		s.Require().NoError(s.producer.Send(ctx, s.addMessage(i)))

		done := make(chan bool, 1)
		go func(i uint32) {
			_, ok := s.mgr.LookupTexture(ctx, producerPID, s.id(i))
			done <- ok
		}(i)
		time.Sleep(time.Duration(i%4) * time.Millisecond)
		close(release)

		select {
		case ok := <-done:
			s.True(ok, "lookup %d", i)
		case <-time.After(5 * time.Second):
			s.FailNow("lookup never woke", "iteration %d", i)
		}
	}
}

func (s *ManagerTestSuite) TestMissingResourceIsNotFound() {
	start := time.Now()
	_, ok := s.mgr.LookupTexture(context.Background(), producerPID, s.id(42))
	s.False(ok)
	s.Less(time.Since(start), time.Second)
}

func (s *ManagerTestSuite) TestUnknownNamespaceIsNotFound() {
	_, ok := s.mgr.LookupTexture(context.Background(), producerPID, shm.NewResourceID(s.ns+100, 1))
	s.False(ok)
}

func (s *ManagerTestSuite) TestLookupOnManagerExecutorDoesNotWait() {
	var ok bool
	s.Require().NoError(s.compExec.Sync(context.Background(), func(ctx context.Context) {
		_, ok = s.mgr.LookupTexture(ctx, producerPID, s.id(1))
	}))
	s.False(ok)
}

func (s *ManagerTestSuite) TestChannelCloseWakesLookup() {
	release := make(chan struct{})
	s.Require().NoError(s.prodExec.Post(func(context.Context) { <-release }))
	defer close(release)

	done := make(chan bool, 1)
	go func() {
		_, ok := s.mgr.LookupTexture(context.Background(), producerPID, s.id(1))
		done <- ok
	}()
	time.Sleep(10 * time.Millisecond)
	s.Require().NoError(s.producer.Close())

	select {
	case ok := <-done:
		s.False(ok)
	case <-time.After(5 * time.Second):
		s.Fail("lookup not woken by channel close")
	}
}

func (s *ManagerTestSuite) TestRemoveMessage() {
	ctx := context.Background()
	s.Require().NoError(s.producer.Send(ctx, s.addMessage(1)))
	s.Require().NoError(s.producer.Send(ctx, transport.Message{Kind: transport.KindRemove, ID: s.id(1)}))
	s.Require().NoError(s.producer.Send(ctx, transport.Message{Kind: transport.KindRemove, ID: s.id(1)}))
	s.flush()

	_, ok := s.mgr.Registry().Lookup(s.id(1))
	s.False(ok)
}

func (s *ManagerTestSuite) TestDestroyedProducerIsNotFound() {
	ctx := context.Background()
	s.Require().NoError(s.producer.Send(ctx, s.addMessage(1)))
	s.flush()
	_, ok := s.mgr.Registry().Lookup(s.id(1))
	s.Require().True(ok)

	s.Require().NoError(s.producer.Close())
	s.Eventually(func() bool { return s.mgr.Channels() == 0 }, time.Second, time.Millisecond)
	s.Require().NoError(s.compExec.Sync(ctx, func(context.Context) {}))

	_, ok = s.mgr.LookupTexture(ctx, producerPID, s.id(1))
	s.False(ok)
	s.Equal(0, s.mgr.Registry().Len())
}

func (s *ManagerTestSuite) TestMemoryReport() {
	ctx := context.Background()
	s.Require().NoError(s.producer.Send(ctx, s.addMessage(1)))
	s.Require().NoError(s.producer.Send(ctx, s.addMessage(2)))
	s.flush()

	report := s.mgr.ReportSharedSurfaces(producerPID)
	s.Len(report.Surfaces, 2)
	s.Equal(128, report.TotalBytes())
}

func (s *ManagerTestSuite) TestReplayTimeout() {
	const timeout = 30 * time.Millisecond
	start := time.Now()
	_, ok := s.mgr.WaitForReplayTexture(context.Background(), producerPID, s.id(1), timeout)
	elapsed := time.Since(start)
	s.False(ok)
	s.GreaterOrEqual(elapsed, timeout)
	s.Less(elapsed, timeout+time.Second)
	s.Equal(float64(1), testutil.ToFloat64(s.metrics.ReplayWaits.WithLabelValues(metrics.ResultTimeout)))
}

func (s *ManagerTestSuite) TestReplayArrivesDuringWait() {
	owner := &fakeOwner{pid: producerPID}
	desc := s.addMessage(1).Desc
	go func() {
		time.Sleep(10 * time.Millisecond)
		s.mgr.AddReplayTexture(owner, s.id(1), desc)
	}()
	got, ok := s.mgr.WaitForReplayTexture(context.Background(), producerPID, s.id(1), 5*time.Second)
	s.Require().True(ok)
	s.Equal(desc.Size, got.Size)
	_ = shm.CloseHandle(got.Handle)
}

func (s *ManagerTestSuite) TestDisableReplayWakesWaiters() {
	done := make(chan bool, 1)
	go func() {
		_, ok := s.mgr.WaitForReplayTexture(context.Background(), producerPID, s.id(1), 5*time.Second)
		done <- ok
	}()
	time.Sleep(10 * time.Millisecond)
	s.mgr.DisableReplay()
	select {
	case ok := <-done:
		s.False(ok)
	case <-time.After(time.Second):
		s.Fail("replay wait not woken")
	}
	s.False(s.mgr.AddReplayTexture(&fakeOwner{pid: producerPID}, s.id(2), s.addMessage(2).Desc))
}

func (s *ManagerTestSuite) TestRemoveReplayTextures() {
	owner := &fakeOwner{pid: producerPID}
	s.Require().True(s.mgr.AddReplayTexture(owner, s.id(1), s.addMessage(1).Desc))
	s.Require().True(s.mgr.AddReplayTexture(owner, s.id(2), s.addMessage(2).Desc))
	s.True(s.mgr.RemoveReplayTexture(owner, s.id(1)))
	s.mgr.RemoveReplayTextures(owner)
	_, ok := s.mgr.WaitForReplayTexture(context.Background(), producerPID, s.id(2), time.Millisecond)
	s.False(ok)
}

func (s *ManagerTestSuite) TestShutdownRejectsWaiters() {
	release := make(chan struct{})
	s.Require().NoError(s.prodExec.Post(func(context.Context) { <-release }))
	defer close(release)

	done := make(chan bool, 2)
	go func() {
		_, ok := s.mgr.LookupTexture(context.Background(), producerPID, s.id(1))
		done <- ok
	}()
	go func() {
		_, ok := s.mgr.WaitForReplayTexture(context.Background(), producerPID, s.id(1), 5*time.Second)
		done <- ok
	}()
	time.Sleep(10 * time.Millisecond)
	s.Require().NoError(s.mgr.Shutdown(context.Background()))

	for i := 0; i < 2; i++ {
		select {
		case ok := <-done:
			s.False(ok)
		case <-time.After(5 * time.Second):
			s.FailNow("waiter not woken by shutdown")
		}
	}
	_, _, err := s.mgr.Connect(transport.Side{PID: 99, Executor: s.prodExec})
	s.ErrorIs(err, ErrShutdown)
}

func TestManagerTestSuite(t *testing.T) {
	suite.Run(t, new(ManagerTestSuite))
}
