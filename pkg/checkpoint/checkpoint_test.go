package checkpoint

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/zap/zaptest"

	"github.com/srediag/shm-registry/pkg/pending"
	"github.com/srediag/shm-registry/pkg/shm"
)

// gate blocks every event until opened.
type gate struct {
	open chan struct{}
	once sync.Once
	mu   sync.Mutex
	seen []Event
	// early records events whose sequence was published before they ran.
	early  int
	stream *Stream
}

func newGate(stream *Stream) *gate {
	return &gate{open: make(chan struct{}), stream: stream}
}

func (g *gate) HandleEvent(ctx context.Context, ev Event) error {
	select {
	case <-g.open:
	case <-ctx.Done():
		return ctx.Err()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stream.ProcessedSeq() >= ev.Seq {
		g.early++
	}
	g.seen = append(g.seen, ev)
	return nil
}

func (g *gate) release() { g.once.Do(func() { close(g.open) }) }

func (g *gate) events() []Event {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Event(nil), g.seen...)
}

type countingSurface struct {
	mu       sync.Mutex
	released int
}

func (s *countingSurface) Release(context.Context) error {
	s.mu.Lock()
	s.released++
	s.mu.Unlock()
	return nil
}

func (s *countingSurface) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

type replayOwner struct{ pid shm.ProcessID }

func (o *replayOwner) OtherPID() shm.ProcessID { return o.pid }

type CheckpointTestSuite struct {
	suite.Suite
	stream     *Stream
	gate       *gate
	recorder   *Recorder
	translator *Translator
	cancel     context.CancelFunc
	done       chan error
}

func (s *CheckpointTestSuite) SetupTest() {
	s.start(16, time.Second, nil)
}

func (s *CheckpointTestSuite) start(capacity uint64, timeout time.Duration, replay ReplaySink) {
	logger := zaptest.NewLogger(s.T())
	stream, err := NewStream(capacity)
	s.Require().NoError(err)
	s.stream = stream
	s.gate = newGate(stream)
	s.recorder = NewRecorder(RecorderOptions{Stream: stream, WaitTimeout: timeout, Logger: logger})
	s.translator = NewTranslator(TranslatorOptions{
		Stream:  stream,
		Handler: s.gate,
		Replay:  replay,
		Owner:   &replayOwner{pid: 7},
		Logger:  logger,
	})
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan error, 1)
	go func() { s.done <- s.translator.Run(ctx) }()
}

func (s *CheckpointTestSuite) TearDownTest() {
	s.gate.release()
	s.cancel()
	<-s.done
	s.NoError(s.stream.Close())
}

func (s *CheckpointTestSuite) TestSequencesAreAssignedInOrder() {
	for i := uint64(1); i <= 3; i++ {
		seq, err := s.recorder.RecordEvent(Event{Kind: EventCommand})
		s.Require().NoError(err)
		s.Equal(i, seq)
	}
	s.Equal(uint64(3), s.recorder.CreateCheckpoint())

	s.gate.release()
	s.Require().NoError(s.recorder.WaitForCheckpoint(context.Background(), 3))
	events := s.gate.events()
	s.Require().Len(events, 3)
	for i, ev := range events {
		s.Equal(uint64(i+1), ev.Seq)
	}
	s.Zero(s.gate.early)
}

func (s *CheckpointTestSuite) TestNoEarlyReturnWhileTranslatorStalled() {
	for i := 0; i < 3; i++ {
		_, err := s.recorder.RecordEvent(Event{Kind: EventCommand, Payload: []byte{byte(i)}})
		s.Require().NoError(err)
	}
	done := make(chan error, 1)
	go func() { done <- s.recorder.ReadBack(context.Background(), Event{}) }()

	select {
	case err := <-done:
		s.FailNow("read back returned while the translator was stalled", "err: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	s.Less(s.stream.ProcessedSeq(), uint64(4))

	s.gate.release()
	select {
	case err := <-done:
		s.NoError(err)
	case <-time.After(5 * time.Second):
		s.FailNow("read back never returned")
	}
	s.Equal(uint64(4), s.stream.ProcessedSeq())
	events := s.gate.events()
	s.Equal(EventPrepareReadBack, events[len(events)-1].Kind)
}

func (s *CheckpointTestSuite) TestWaitTimesOut() {
	s.TearDownTest()
	s.start(16, 30*time.Millisecond, nil)

	seq, err := s.recorder.RecordEvent(Event{Kind: EventCommand})
	s.Require().NoError(err)
	start := time.Now()
	err = s.recorder.WaitForCheckpoint(context.Background(), seq)
	s.ErrorIs(err, ErrCheckpointTimeout)
	s.GreaterOrEqual(time.Since(start), 30*time.Millisecond)
}

func (s *CheckpointTestSuite) TestWaitHonoursContext() {
	seq, err := s.recorder.RecordEvent(Event{Kind: EventCommand})
	s.Require().NoError(err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err = s.recorder.WaitForCheckpoint(ctx, seq)
	s.True(errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled), "got %v", err)
}

func (s *CheckpointTestSuite) TestReaderCloseStopsWaiting() {
	seq, err := s.recorder.RecordEvent(Event{Kind: EventCommand})
	s.Require().NoError(err)
	done := make(chan error, 1)
	go func() { done <- s.recorder.WaitForCheckpoint(context.Background(), seq) }()

	time.Sleep(10 * time.Millisecond)
	s.translator.Close()
	select {
	case err := <-done:
		s.ErrorIs(err, ErrReaderClosed)
	case <-time.After(5 * time.Second):
		s.FailNow("wait not stopped by reader close")
	}
	_, err = s.recorder.RecordEvent(Event{Kind: EventCommand})
	s.ErrorIs(err, ErrReaderClosed)
}

func (s *CheckpointTestSuite) TestFullStreamBlocksUntilReaderCloses() {
	s.TearDownTest()
	s.start(2, time.Second, nil)

	results := make(chan error, 8)
	go func() {
		for i := 0; i < 8; i++ {
			_, err := s.recorder.RecordEvent(Event{Kind: EventCommand})
			results <- err
			if err != nil {
				return
			}
		}
	}()
	time.Sleep(20 * time.Millisecond)
	s.Less(len(results), 8, "writer blocks on a full stream")

	s.translator.Close()
	var last error
	for err := range results {
		last = err
		if err != nil {
			break
		}
	}
	s.ErrorIs(last, ErrReaderClosed)
}

func (s *CheckpointTestSuite) TestTextureForwardedWaitsAndReleasesPreviousTransaction() {
	first, second := &countingSurface{}, &countingSurface{}
	ctx := context.Background()

	s.recorder.HoldExternalSurface(first)
	s.recorder.OnTextureWriteLock()
	_, err := s.recorder.RecordEvent(Event{Kind: EventCommand})
	s.Require().NoError(err)

	forwarded := make(chan struct{})
	go func() {
		s.recorder.OnTextureForwarded(ctx)
		close(forwarded)
	}()
	select {
	case <-forwarded:
		s.FailNow("forwarded before the reader caught up")
	case <-time.After(30 * time.Millisecond):
	}
	s.gate.release()
	<-forwarded

	events := s.gate.events()
	s.Require().Len(events, 2)
	s.Equal(EventFlush, events[1].Kind)
	s.Equal(0, first.count(), "held until the next transaction")

	s.recorder.HoldExternalSurface(second)
	s.recorder.OnTextureForwarded(ctx)
	s.Equal(1, first.count())
	s.Equal(0, second.count())
	s.Len(s.gate.events(), 2, "no flush without a write lock")
}

func (s *CheckpointTestSuite) TestForwardTimeoutIsOnlyLogged() {
	s.TearDownTest()
	s.start(16, 20*time.Millisecond, nil)

	s.recorder.OnTextureWriteLock()
	start := time.Now()
	s.recorder.OnTextureForwarded(context.Background())
	s.GreaterOrEqual(time.Since(start), 20*time.Millisecond)
	s.False(s.recorder.writeLocked.Load())
}

// replaySink adapts a pending.ReplayTable to ReplaySink.
type replaySink struct{ *pending.ReplayTable }

func (r replaySink) AddReplayTexture(o pending.ReplayOwner, id shm.ResourceID, d shm.Descriptor) bool {
	return r.Add(o, id, d)
}

func (s *CheckpointTestSuite) TestPresentTextureRegistersReplay() {
	s.TearDownTest()
	table := pending.NewReplayTable()
	s.start(16, time.Second, replaySink{table})
	s.gate.release()

	id := shm.NewResourceID(2, 5)
	desc := shm.Descriptor{Size: shm.Size{Width: 1, Height: 1}, Stride: 4, Format: shm.FormatR8G8B8A8, Handle: shm.InvalidHandle}
	_, err := s.recorder.RecordEvent(Event{Kind: EventPresentTexture, ID: id, Desc: desc})
	s.Require().NoError(err)

	got, err := table.Wait(context.Background(), 7, id, time.Second)
	s.Require().NoError(err)
	s.Equal(desc.Size, got.Size)
	s.Empty(s.gate.events(), "presentations bypass the handler")
}

func TestCheckpointTestSuite(t *testing.T) {
	suite.Run(t, new(CheckpointTestSuite))
}
