package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/zap/zaptest"

	"github.com/srediag/shm-registry/pkg/executor"
	"github.com/srediag/shm-registry/pkg/shm"
)

type recordingHandler struct {
	mu     sync.Mutex
	msgs   []Message
	closed chan struct{}
	once   sync.Once
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{closed: make(chan struct{})}
}

func (h *recordingHandler) HandleMessage(_ context.Context, _ *Endpoint, msg Message) {
	h.mu.Lock()
	h.msgs = append(h.msgs, msg)
	h.mu.Unlock()
}

func (h *recordingHandler) ChannelClosed(context.Context, *Endpoint) {
	h.once.Do(func() { close(h.closed) })
}

func (h *recordingHandler) ids() []shm.ResourceID {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]shm.ResourceID, 0, len(h.msgs))
	for _, m := range h.msgs {
		out = append(out, m.ID)
	}
	return out
}

type TransportTestSuite struct {
	suite.Suite
	pool           *executor.Pool
	clientExec     *executor.Executor
	serverExec     *executor.Executor
	client, server *Endpoint
	serverHandler  *recordingHandler
	clientHandler  *recordingHandler
}

func (s *TransportTestSuite) SetupTest() {
	logger := zaptest.NewLogger(s.T())
	p, err := executor.NewPool(executor.PoolOptions{Size: 4, Logger: logger})
	s.Require().NoError(err)
	s.pool = p
	s.clientExec, err = p.NewExecutor("client")
	s.Require().NoError(err)
	s.serverExec, err = p.NewExecutor("server")
	s.Require().NoError(err)

	s.client, s.server = Connect(
		Side{PID: 10, Executor: s.clientExec, Logger: logger},
		Side{PID: 1, Executor: s.serverExec, Logger: logger},
	)
	s.serverHandler = newRecordingHandler()
	s.clientHandler = newRecordingHandler()
	s.server.Bind(s.serverHandler)
	s.client.Bind(s.clientHandler)
}

func (s *TransportTestSuite) TearDownTest() {
	s.pool.Close()
}

func (s *TransportTestSuite) TestPIDs() {
	s.Equal(shm.ProcessID(10), s.client.PID())
	s.Equal(shm.ProcessID(1), s.client.OtherPID())
	s.Equal(shm.ProcessID(10), s.server.OtherPID())
}

func (s *TransportTestSuite) TestOrderedDelivery() {
	ctx := context.Background()
	for i := 1; i <= 50; i++ {
		s.Require().NoError(s.client.Send(ctx, Message{Kind: KindRemove, ID: shm.ResourceID(i)}))
	}
	s.Require().NoError(s.server.Ping(ctx))

	ids := s.serverHandler.ids()
	s.Require().Len(ids, 50)
	for i, id := range ids {
		s.Equal(shm.ResourceID(i+1), id)
	}
}

func (s *TransportTestSuite) TestPingWaitsForBusyPeer() {
	ctx := context.Background()
	const delay = 50 * time.Millisecond
	s.Require().NoError(s.clientExec.Post(func(ctx context.Context) {
		time.Sleep(delay)
		s.NoError(s.client.Send(ctx, Message{Kind: KindRemove, ID: 7}))
	}))

	start := time.Now()
	s.Require().NoError(s.server.Ping(ctx))
	s.GreaterOrEqual(time.Since(start), delay)
	s.Equal([]shm.ResourceID{7}, s.serverHandler.ids())
}

func (s *TransportTestSuite) TestCloseNotifiesBothSides() {
	s.Require().NoError(s.client.Close())
	s.Require().NoError(s.server.Close())

	for _, h := range []*recordingHandler{s.clientHandler, s.serverHandler} {
		select {
		case <-h.closed:
		case <-time.After(5 * time.Second):
			s.Fail("close not delivered")
		}
	}
	s.False(s.client.CanSend())
	s.ErrorIs(s.client.Send(context.Background(), Message{Kind: KindRemove, ID: 1}), ErrChannelClosed)
	s.ErrorIs(s.server.Ping(context.Background()), ErrChannelClosed)
}

func (s *TransportTestSuite) TestCloseRejectsPingInFlight() {
	release := make(chan struct{})
	s.Require().NoError(s.clientExec.Post(func(context.Context) { <-release }))

	errc := make(chan error, 1)
	go func() { errc <- s.server.Ping(context.Background()) }()

	s.Eventually(func() bool { return s.server.pings.Len() == 1 }, time.Second, time.Millisecond)
	s.Require().NoError(s.server.Close())
	close(release)

	select {
	case err := <-errc:
		s.ErrorIs(err, ErrChannelClosed)
	case <-time.After(5 * time.Second):
		s.Fail("ping not rejected")
	}
}

func (s *TransportTestSuite) TestPingHonoursContext() {
	release := make(chan struct{})
	s.Require().NoError(s.clientExec.Post(func(context.Context) { <-release }))
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	s.ErrorIs(s.server.Ping(ctx), context.DeadlineExceeded)
}

func TestTransportTestSuite(t *testing.T) {
	suite.Run(t, new(TransportTestSuite))
}
