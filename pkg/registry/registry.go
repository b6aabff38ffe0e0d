// Package registry is the per-process table of shared resources. It maps
// resource ids to lazily mapped buffers, tracks who may still use each one and
// destroys it on the coordinating executor once nobody can.
package registry

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/srediag/shm-registry/internal/assert"
	"github.com/srediag/shm-registry/internal/logging"
	"github.com/srediag/shm-registry/pkg/executor"
	"github.com/srediag/shm-registry/pkg/expiration"
	"github.com/srediag/shm-registry/pkg/metrics"
	"github.com/srediag/shm-registry/pkg/pending"
	"github.com/srediag/shm-registry/pkg/shm"
)

// Sweep kinds recorded in metrics.
const (
	SweepPeriodic = "periodic"
	SweepPressure = "pressure"
	SweepOnDemand = "on_demand"
)

// Options configures a Registry.
type Options struct {
	// Executor runs destruction. Required.
	Executor *executor.Executor
	// MinUnmapSizeBytes: buffers no larger than this are never unmapped.
	MinUnmapSizeBytes int
	// ForceUnmap allows unmapping on 64-bit targets.
	ForceUnmap bool
	// Generations is the expiration tracker depth.
	Generations int
	// Mapper maps received handles. Defaults to shm.SystemMapper.
	Mapper  shm.Mapper
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Registry is the resource table of one process.
type Registry struct {
	exec    *executor.Executor
	opts    shm.BufferOptions
	metrics *metrics.Metrics
	logger  *zap.Logger

	entries cmap.ConcurrentMap[shm.ResourceID, *Entry]
	owners  cmap.ConcurrentMap[shm.Namespace, shm.ProcessID]
	tracker *expiration.Tracker[*shm.Buffer]
	waits   *pending.Table[shm.ResourceID, struct{}]

	closed    atomic.Bool
	dupLogger rate.Sometimes
}

var _ shm.Evictor = (*Registry)(nil)

func shardID(id shm.ResourceID) uint32 { return uint32(id) ^ uint32(id>>32) }

func shardNamespace(ns shm.Namespace) uint32 { return uint32(ns) }

// New creates a registry.
func New(opts Options) (*Registry, error) {
	if opts.Executor == nil {
		return nil, fmt.Errorf("registry: executor is required")
	}
	m := metrics.OrNew(opts.Metrics)
	logger := logging.OrNop(opts.Logger).Named("registry")
	r := &Registry{
		exec:      opts.Executor,
		metrics:   m,
		logger:    logger,
		entries:   cmap.NewWithCustomShardingFunction[shm.ResourceID, *Entry](shardID),
		owners:    cmap.NewWithCustomShardingFunction[shm.Namespace, shm.ProcessID](shardNamespace),
		tracker:   expiration.New[*shm.Buffer](opts.Generations),
		waits:     pending.NewTable[shm.ResourceID, struct{}](),
		dupLogger: rate.Sometimes{First: 5, Interval: 10 * time.Second},
	}
	r.opts = shm.BufferOptions{
		MinUnmapSizeBytes: opts.MinUnmapSizeBytes,
		ForceUnmap:        opts.ForceUnmap,
		Mapper:            opts.Mapper,
		Evictor:           r,
		Metrics:           m,
		Logger:            logger,
	}
	return r, nil
}

// Executor returns the coordinating executor.
func (r *Registry) Executor() *executor.Executor { return r.exec }

// BindNamespace records pid as the owner of ns.
func (r *Registry) BindNamespace(ns shm.Namespace, pid shm.ProcessID) {
	r.owners.Set(ns, pid)
}

// UnbindNamespace forgets the owner of ns.
func (r *Registry) UnbindNamespace(ns shm.Namespace) {
	r.owners.Remove(ns)
}

// OwnsID reports whether pid owns the namespace of id.
func (r *Registry) OwnsID(pid shm.ProcessID, id shm.ResourceID) bool {
	owner, ok := r.owners.Get(id.Namespace())
	return ok && owner == pid
}

// NamespaceOwner returns the process bound to ns.
func (r *Registry) NamespaceOwner(ns shm.Namespace) (shm.ProcessID, bool) {
	return r.owners.Get(ns)
}

// Add registers a resource received from owner. It takes ownership of
// desc.Handle whatever the outcome.
func (r *Registry) Add(ctx context.Context, owner shm.ProcessID, id shm.ResourceID, desc shm.Descriptor) error {
	fields := []zap.Field{zap.Stringer("id", id), zap.Uint32("owner", uint32(owner))}
	if err := r.checkAdd(owner, id, true); err != nil {
		_ = shm.CloseHandle(desc.Handle)
		return err
	}
	buf, err := shm.OpenBuffer(desc, owner, r.opts)
	if err != nil {
		r.metrics.Adds.WithLabelValues(metrics.ResultFailed).Inc()
		r.logger.Warn("add failed to open buffer", append(fields, zap.Error(err))...)
		r.waits.Reject(id, err)
		return fmt.Errorf("add %s: %w", id, err)
	}
	return r.insert(owner, id, buf)
}

// AddSameProcess registers a producer-local segment. The buffer shares the
// producer's mapping, keeps it alive until the entry is destroyed and never
// takes part in expiration.
func (r *Registry) AddSameProcess(ctx context.Context, owner shm.ProcessID, id shm.ResourceID, seg *shm.Segment) error {
	if err := r.checkAdd(owner, id, false); err != nil {
		return err
	}
	buf, err := shm.WrapSegment(seg, owner)
	if err != nil {
		r.metrics.Adds.WithLabelValues(metrics.ResultFailed).Inc()
		return fmt.Errorf("add %s: %w", id, err)
	}
	return r.insert(owner, id, buf)
}

func (r *Registry) checkAdd(owner shm.ProcessID, id shm.ResourceID, checkOwner bool) error {
	fields := []zap.Field{zap.Stringer("id", id), zap.Uint32("owner", uint32(owner))}
	switch {
	case r.closed.Load():
		r.metrics.Adds.WithLabelValues(metrics.ResultShutdown).Inc()
		return ErrShutdown
	case !id.Valid():
		r.metrics.Adds.WithLabelValues(metrics.ResultFailed).Inc()
		r.logger.Warn("add with invalid id", fields...)
		return ErrInvalidID
	case checkOwner && !r.OwnsID(owner, id):
		r.metrics.Adds.WithLabelValues(metrics.ResultNotOwner).Inc()
		r.logger.Warn("add from process that does not own the namespace", fields...)
		return ErrNotOwner
	case r.entries.Has(id):
		r.duplicate(id, owner)
		return ErrDuplicate
	}
	return nil
}

func (r *Registry) duplicate(id shm.ResourceID, owner shm.ProcessID) {
	r.metrics.Adds.WithLabelValues(metrics.ResultDuplicate).Inc()
	r.dupLogger.Do(func() {
		r.logger.Warn("duplicate add ignored", zap.Stringer("id", id), zap.Uint32("owner", uint32(owner)))
	})
}

func (r *Registry) insert(owner shm.ProcessID, id shm.ResourceID, buf *shm.Buffer) error {
	e := &Entry{id: id, owner: owner, buf: buf, creatorRef: true}
	if !r.entries.SetIfAbsent(id, e) {
		_ = buf.Close()
		r.duplicate(id, owner)
		return ErrDuplicate
	}
	r.metrics.LiveEntries.Inc()
	if r.closed.Load() {
		r.destroyNow(e)
		r.metrics.Adds.WithLabelValues(metrics.ResultShutdown).Inc()
		return ErrShutdown
	}
	r.metrics.Adds.WithLabelValues(metrics.ResultOK).Inc()
	r.logger.Debug("added", zap.Stringer("id", id), zap.Uint32("owner", uint32(owner)), zap.Bool("same_process", buf.SameProcess()))
	r.waits.Resolve(id, struct{}{})
	return nil
}

// Remove drops the creator reference of id. Removing an unknown or already
// removed id is a no-op.
func (r *Registry) Remove(ctx context.Context, owner shm.ProcessID, id shm.ResourceID) error {
	e, ok := r.entries.Get(id)
	if !ok {
		r.logger.Debug("remove of unknown id", zap.Stringer("id", id))
		return nil
	}
	if e.owner != owner {
		r.logger.Warn("remove from process that did not create the resource",
			zap.Stringer("id", id), zap.Uint32("owner", uint32(e.owner)), zap.Uint32("sender", uint32(owner)))
		return ErrNotOwner
	}
	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		return nil
	}
	r.clearCreatorRefLocked(e)
	release := e.releasableLocked()
	e.mu.Unlock()

	r.metrics.Removes.Inc()
	if release {
		r.destroy(ctx, e)
	}
	return nil
}

func (r *Registry) clearCreatorRefLocked(e *Entry) {
	assert.That(e.creatorRef, r.logger, "creator reference cleared twice", zap.Stringer("id", e.id))
	e.creatorRef = false
	e.removed = true
}

// Lookup returns the buffer for id if it was added and not yet removed.
func (r *Registry) Lookup(id shm.ResourceID) (*shm.Buffer, bool) {
	e, ok := r.entries.Get(id)
	if !ok || !e.visible() {
		return nil, false
	}
	r.touch(e.buf)
	return e.buf, true
}

// LookupFor is Lookup restricted to resources created by owner.
func (r *Registry) LookupFor(owner shm.ProcessID, id shm.ResourceID) (*shm.Buffer, bool) {
	e, ok := r.entries.Get(id)
	if !ok || e.owner != owner || !e.visible() {
		return nil, false
	}
	r.touch(e.buf)
	return e.buf, true
}

// Acquire adds a consumer reference to id.
func (r *Registry) Acquire(id shm.ResourceID) (*shm.Buffer, bool) {
	e, ok := r.entries.Get(id)
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return nil, false
	}
	e.consumers++
	return e.buf, true
}

// Release drops a consumer reference taken with Acquire.
func (r *Registry) Release(ctx context.Context, id shm.ResourceID) {
	e, ok := r.entries.Get(id)
	if !ok {
		assert.Fail(r.logger, "release of unknown resource", zap.Stringer("id", id))
		return
	}
	e.mu.Lock()
	if e.consumers == 0 {
		e.mu.Unlock()
		assert.Fail(r.logger, "consumer count underflow", zap.Stringer("id", id))
		return
	}
	e.consumers--
	release := e.releasableLocked()
	e.mu.Unlock()
	if release {
		r.destroy(ctx, e)
	}
}

// Attach returns the future settled when id is added or the wait for it is
// abandoned, together with the wait generation it belongs to.
func (r *Registry) Attach(id shm.ResourceID) (*pending.Future[struct{}], uint64, error) {
	f, gen, err := r.waits.Attach(id)
	if err != nil {
		return nil, 0, ErrShutdown
	}
	return f, gen, nil
}

// Seal closes wait generation gen of id to new waiters; it is called before
// the ping that ends the generation is sent.
func (r *Registry) Seal(id shm.ResourceID, gen uint64) bool {
	return r.waits.Seal(id, gen)
}

// Settle wakes the waiters for id in sealed generations up to gen: resolved
// when err is nil, rejected otherwise.
func (r *Registry) Settle(id shm.ResourceID, gen uint64, err error) {
	r.waits.SettleThrough(id, gen, struct{}{}, err)
}

// DestroyProcess drops every creator reference held by pid, forgets its
// namespaces and rejects waits for ids in them.
func (r *Registry) DestroyProcess(ctx context.Context, pid shm.ProcessID) int {
	namespaces := make(map[shm.Namespace]struct{})
	r.owners.IterCb(func(ns shm.Namespace, owner shm.ProcessID) {
		if owner == pid {
			namespaces[ns] = struct{}{}
		}
	})
	n := r.dropCreators(ctx, namespaces, func(e *Entry) bool { return e.owner == pid })
	if n > 0 {
		r.logger.Info("destroyed process resources", zap.Uint32("pid", uint32(pid)), zap.Int("count", n))
	}
	return n
}

// DestroyNamespace is DestroyProcess for the resources of one namespace.
func (r *Registry) DestroyNamespace(ctx context.Context, ns shm.Namespace) int {
	namespaces := map[shm.Namespace]struct{}{ns: {}}
	return r.dropCreators(ctx, namespaces, func(e *Entry) bool { return e.id.Namespace() == ns })
}

func (r *Registry) dropCreators(ctx context.Context, namespaces map[shm.Namespace]struct{}, match func(*Entry) bool) int {
	for ns := range namespaces {
		r.owners.Remove(ns)
	}
	r.waits.RejectMatching(func(id shm.ResourceID) bool {
		_, ok := namespaces[id.Namespace()]
		return ok
	}, ErrProcessGone)

	var released []*Entry
	dropped := 0
	for item := range r.entries.IterBuffered() {
		e := item.Val
		if !match(e) {
			continue
		}
		e.mu.Lock()
		if e.creatorRef {
			r.clearCreatorRefLocked(e)
			dropped++
			if e.releasableLocked() {
				released = append(released, e)
			}
		}
		e.mu.Unlock()
	}
	for _, e := range released {
		r.destroy(ctx, e)
	}
	return dropped
}

// AccumulateMemoryReport reports every resource created by pid.
func (r *Registry) AccumulateMemoryReport(pid shm.ProcessID) Report {
	report := Report{Surfaces: make(map[shm.ResourceID]SurfaceReport)}
	r.entries.IterCb(func(id shm.ResourceID, e *Entry) {
		if e.owner != pid {
			return
		}
		e.mu.Lock()
		report.Surfaces[id] = SurfaceReport{
			CreatorPID: e.owner,
			Size:       e.buf.Size(),
			Stride:     e.buf.Stride(),
			Bytes:      e.buf.Len(),
			Consumers:  e.consumers,
			CreatorRef: e.creatorRef,
		}
		e.mu.Unlock()
	})
	return report
}

// Len returns the number of entries, including removed ones still held by
// consumers.
func (r *Registry) Len() int { return r.entries.Count() }

// Closed reports whether Shutdown has been called.
func (r *Registry) Closed() bool { return r.closed.Load() }

// Shutdown refuses new registrations, rejects every waiter and destroys all
// entries.
func (r *Registry) Shutdown() {
	if r.closed.Swap(true) {
		return
	}
	r.waits.Shutdown()
	for item := range r.entries.IterBuffered() {
		r.destroyNow(item.Val)
	}
	r.logger.Info("registry shut down")
}

// destroy releases e on the coordinating executor, posting a task when called
// from anywhere else. If the executor is gone it releases inline.
func (r *Registry) destroy(ctx context.Context, e *Entry) {
	if executor.On(ctx, r.exec) {
		r.destroyNow(e)
		return
	}
	if err := r.exec.Post(func(context.Context) { r.destroyNow(e) }); err != nil {
		r.destroyNow(e)
	}
}

func (r *Registry) destroyNow(e *Entry) {
	removed := r.entries.RemoveCb(e.id, func(_ shm.ResourceID, v *Entry, exists bool) bool {
		return exists && v == e
	})
	if !removed {
		return
	}
	if err := e.buf.Close(); err != nil {
		r.logger.Warn("close buffer", zap.Stringer("id", e.id), zap.Error(err))
	}
	r.metrics.Destroyed.Inc()
	r.metrics.LiveEntries.Dec()
	r.logger.Debug("destroyed", zap.Stringer("id", e.id))
}
