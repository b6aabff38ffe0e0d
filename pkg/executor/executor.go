// Package executor provides single-threaded FIFO executors. Each executor is
// one goroutine draining a task queue in order; it stands in for a thread that
// owns some state, and posting a task to it is the only way to touch that state
// from elsewhere.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/srediag/shm-registry/internal/logging"
	"github.com/srediag/shm-registry/pkg/metrics"
)

// ErrClosed is returned when posting to an executor that has shut down.
var ErrClosed = errors.New("executor: closed")

const (
	defaultQueueHint = 64
	drainBatch       = 32
)

// Task is a unit of work. ctx identifies the executor running it, see On.
type Task func(ctx context.Context)

type ctxKey struct{}

// On reports whether ctx belongs to a task running on e.
func On(ctx context.Context, e *Executor) bool {
	return ctx != nil && e != nil && ctx.Value(ctxKey{}) == e
}


// Pool hosts executor loops on a bounded ants pool.
type Pool struct {
	pool    *ants.Pool
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	executors map[*Executor]struct{}
}

// PoolOptions configures a Pool.
type PoolOptions struct {
	Size    int
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

type antsLogger struct{ l *zap.SugaredLogger }

func (a antsLogger) Printf(format string, args ...any) { a.l.Warnf(format, args...) }

// NewPool creates a pool able to run opts.Size executors at once.
func NewPool(opts PoolOptions) (*Pool, error) {
	logger := logging.OrNop(opts.Logger).Named("executor")
	p, err := ants.NewPool(opts.Size,
		ants.WithNonblocking(true),
		ants.WithLogger(antsLogger{l: logger.Sugar()}),
		ants.WithPanicHandler(func(v any) {
			logger.Error("executor loop panicked", zap.Any("panic", v))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create executor pool: %w", err)
	}
	return &Pool{
		pool:      p,
		logger:    logger,
		metrics:   metrics.OrNew(opts.Metrics),
		executors: make(map[*Executor]struct{}),
	}, nil
}

// Running returns the number of live executor loops.
func (p *Pool) Running() int { return p.pool.Running() }

// NewExecutor starts an executor loop on the pool.
func (p *Pool) NewExecutor(name string) (*Executor, error) {
	e := &Executor{
		name:   name,
		q:      queue.New(defaultQueueHint),
		done:   make(chan struct{}),
		logger: p.logger.With(zap.String("executor", name)),
		depth:  p.metrics.QueueDepth.WithLabelValues(name),
		pool:   p,
	}
	e.ctx = context.WithValue(context.Background(), ctxKey{}, e)
	if err := p.pool.Submit(e.loop); err != nil {
		return nil, fmt.Errorf("start executor %s: %w", name, err)
	}
	p.mu.Lock()
	p.executors[e] = struct{}{}
	p.mu.Unlock()
	return e, nil
}

// Close shuts down every executor and releases the pool.
func (p *Pool) Close() {
	p.mu.Lock()
	executors := make([]*Executor, 0, len(p.executors))
	for e := range p.executors {
		executors = append(executors, e)
	}
	p.mu.Unlock()
	for _, e := range executors {
		_ = e.Close()
	}
	p.pool.Release()
}

func (p *Pool) forget(e *Executor) {
	p.mu.Lock()
	delete(p.executors, e)
	p.mu.Unlock()
}

// Executor runs posted tasks one at a time in posting order.
type Executor struct {
	name   string
	q      *queue.Queue
	ctx    context.Context
	done   chan struct{}
	logger *zap.Logger
	depth  prometheus.Gauge
	pool   *Pool
}

// Name returns the executor's name.
func (e *Executor) Name() string { return e.name }

// Len returns the number of queued tasks.
func (e *Executor) Len() int { return int(e.q.Len()) }

// Post queues task. Tasks still queued at shutdown are dropped.
func (e *Executor) Post(task Task) error {
	if err := e.q.Put(task); err != nil {
		if errors.Is(err, queue.ErrDisposed) {
			return ErrClosed
		}
		return err
	}
	e.depth.Set(float64(e.q.Len()))
	return nil
}

// Sync runs task on the executor and waits for it to finish. Called from a
// task already running on e it runs task inline.
func (e *Executor) Sync(ctx context.Context, task Task) error {
	if On(ctx, e) {
		task(ctx)
		return nil
	}
	finished := make(chan struct{})
	if err := e.Post(func(ctx context.Context) {
		defer close(finished)
		task(ctx)
	}); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-e.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the loop has exited.
func (e *Executor) Done() <-chan struct{} { return e.done }

// Shutdown stops the executor, dropping queued tasks, and waits for the
// running task to finish unless called from that task.
func (e *Executor) Shutdown(ctx context.Context) error {
	if !e.q.Disposed() {
		if dropped := e.q.Dispose(); len(dropped) > 0 {
			e.logger.Debug("dropped queued tasks", zap.Int("count", len(dropped)))
		}
	}
	e.pool.forget(e)
	if On(ctx, e) {
		return nil
	}
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close is Shutdown without a deadline.
func (e *Executor) Close() error {
	return e.Shutdown(context.Background())
}

func (e *Executor) loop() {
	defer close(e.done)
	for {
		items, err := e.q.Get(drainBatch)
		if err != nil {
			return
		}
		for _, item := range items {
			if e.q.Disposed() {
				return
			}
			e.run(item.(Task))
		}
		e.depth.Set(float64(e.q.Len()))
	}
}

func (e *Executor) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("task panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	task(e.ctx)
}
