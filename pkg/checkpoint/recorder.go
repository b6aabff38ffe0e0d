package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/srediag/shm-registry/internal/logging"
	"github.com/srediag/shm-registry/pkg/metrics"
)

// DefaultWaitTimeout bounds WaitForCheckpoint when no timeout is configured.
const DefaultWaitTimeout = 10 * time.Second

var errNotReached = errors.New("checkpoint: not reached")

// ExternalSurface is a surface a transaction keeps alive until the reader is
// known to be done with it.
type ExternalSurface interface {
	Release(ctx context.Context) error
}

// RecorderOptions configures a Recorder.
type RecorderOptions struct {
	Stream *Stream
	// WaitTimeout bounds WaitForCheckpoint.
	WaitTimeout time.Duration
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
}

// Recorder is the writing side of a Stream.
type Recorder struct {
	stream  *Stream
	timeout time.Duration
	metrics *metrics.Metrics
	logger  *zap.Logger

	writeMu sync.Mutex

	writeLocked atomic.Bool

	heldMu  sync.Mutex
	pending []ExternalSurface
	last    []ExternalSurface
}

// NewRecorder returns a recorder writing to opts.Stream.
func NewRecorder(opts RecorderOptions) *Recorder {
	timeout := opts.WaitTimeout
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}
	return &Recorder{
		stream:  opts.Stream,
		timeout: timeout,
		metrics: metrics.OrNew(opts.Metrics),
		logger:  logging.OrNop(opts.Logger).Named("checkpoint"),
	}
}

// RecordEvent stamps ev with the next sequence and queues it, blocking while
// the stream is full.
func (r *Recorder) RecordEvent(ev Event) (uint64, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if r.stream.ReaderClosed() {
		return 0, ErrReaderClosed
	}
	ev.Seq = r.stream.nextSeq()
	if err := r.stream.ring.Put(ev); err != nil {
		if errors.Is(err, queue.ErrDisposed) {
			return 0, ErrReaderClosed
		}
		return 0, fmt.Errorf("checkpoint: record: %w", err)
	}
	return ev.Seq, nil
}

// CreateCheckpoint returns the sequence of the last recorded event.
func (r *Recorder) CreateCheckpoint() uint64 {
	return r.stream.writeSeq()
}

// WaitForCheckpoint waits until the reader has processed seq, the timeout
// expires or the reader goes away.
func (r *Recorder) WaitForCheckpoint(ctx context.Context, seq uint64) error {
	if r.stream.ProcessedSeq() >= seq {
		r.metrics.CheckpointWaits.WithLabelValues(metrics.ResultHit).Inc()
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Microsecond
	b.MaxInterval = 5 * time.Millisecond
	b.Multiplier = 2
	b.MaxElapsedTime = r.timeout
	b.Reset()

	err := backoff.Retry(func() error {
		if r.stream.ProcessedSeq() >= seq {
			return nil
		}
		if r.stream.ReaderClosed() {
			return backoff.Permanent(ErrReaderClosed)
		}
		return errNotReached
	}, backoff.WithContext(b, ctx))

	switch {
	case err == nil:
		r.metrics.CheckpointWaits.WithLabelValues(metrics.ResultWaited).Inc()
		return nil
	case errors.Is(err, ErrReaderClosed):
		r.metrics.CheckpointWaits.WithLabelValues(metrics.ResultClosed).Inc()
		return ErrReaderClosed
	case errors.Is(err, errNotReached):
		r.metrics.CheckpointWaits.WithLabelValues(metrics.ResultTimeout).Inc()
		return fmt.Errorf("%w: seq %d, processed %d after %s", ErrCheckpointTimeout, seq, r.stream.ProcessedSeq(), r.timeout)
	default:
		return err
	}
}

// HoldExternalSurface keeps s alive until the transaction after the current
// one has been forwarded.
func (r *Recorder) HoldExternalSurface(s ExternalSurface) {
	r.heldMu.Lock()
	r.pending = append(r.pending, s)
	r.heldMu.Unlock()
}

// OnTextureWriteLock notes that a texture was written in this transaction.
func (r *Recorder) OnTextureWriteLock() {
	r.writeLocked.Store(true)
}

// OnTextureForwarded ends a transaction. If a texture was written, it flushes
// and waits for the reader to catch up so the consumer sees the writes; a
// timeout is only logged. Surfaces held by the previous transaction are then
// released.
func (r *Recorder) OnTextureForwarded(ctx context.Context) {
	if r.writeLocked.Load() {
		if _, err := r.RecordEvent(Event{Kind: EventFlush}); err != nil {
			r.logger.Warn("flush not recorded", zap.Error(err))
		} else if err := r.WaitForCheckpoint(ctx, r.CreateCheckpoint()); err != nil {
			r.logger.Warn("reader did not reach checkpoint", zap.Error(err))
		}
		r.writeLocked.Store(false)
	}

	r.heldMu.Lock()
	release := r.last
	r.last, r.pending = r.pending, nil
	r.heldMu.Unlock()
	for _, s := range release {
		if err := s.Release(ctx); err != nil {
			r.logger.Debug("release external surface", zap.Error(err))
		}
	}
}

// ReadBack records ev and waits until the reader has processed it, so a
// snapshot can be read synchronously.
func (r *Recorder) ReadBack(ctx context.Context, ev Event) error {
	if ev.Kind == 0 {
		ev.Kind = EventPrepareReadBack
	}
	seq, err := r.RecordEvent(ev)
	if err != nil {
		return err
	}
	return r.WaitForCheckpoint(ctx, seq)
}
