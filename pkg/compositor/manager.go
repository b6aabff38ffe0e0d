// Package compositor is the consuming side of surface sharing. A Manager
// accepts producer channels, feeds their Add and Remove messages into the
// registry and answers lookups for resources whose creation message may still
// be in flight.
package compositor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/srediag/shm-registry/internal/logging"
	"github.com/srediag/shm-registry/pkg/executor"
	"github.com/srediag/shm-registry/pkg/metrics"
	"github.com/srediag/shm-registry/pkg/pending"
	"github.com/srediag/shm-registry/pkg/registry"
	"github.com/srediag/shm-registry/pkg/shm"
	"github.com/srediag/shm-registry/pkg/transport"
)

const instrumentationName = "github.com/srediag/shm-registry/pkg/compositor"

// ErrShutdown is returned by Connect after Shutdown.
var ErrShutdown = errors.New("compositor: shut down")

// Options configures a Manager.
type Options struct {
	// PID is the consumer process id.
	PID shm.ProcessID
	// Registry holds the received resources. Required; its executor is the
	// manager's executor.
	Registry *registry.Registry
	Meter    metric.Meter
	Tracer   trace.Tracer
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

// Manager owns the channels from producer processes.
type Manager struct {
	pid     shm.ProcessID
	reg     *registry.Registry
	exec    *executor.Executor
	tracer  trace.Tracer
	waitDur metric.Float64Histogram
	metrics *metrics.Metrics
	logger  *zap.Logger

	channels cmap.ConcurrentMap[shm.ProcessID, *transport.Endpoint]
	// nsByEP is only touched on the manager's executor.
	nsByEP   map[*transport.Endpoint]shm.Namespace
	replay   *pending.ReplayTable
	pings    singleflight.Group
	nextNS   atomic.Uint32

	lifetime context.Context
	cancel   context.CancelFunc
	closed   atomic.Bool
}

var _ transport.Handler = (*Manager)(nil)

func shardPID(pid shm.ProcessID) uint32 { return uint32(pid) }

// New creates a manager.
func New(opts Options) (*Manager, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("compositor: registry is required")
	}
	meter := opts.Meter
	if meter == nil {
		meter = metricnoop.NewMeterProvider().Meter(instrumentationName)
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = tracenoop.NewTracerProvider().Tracer(instrumentationName)
	}
	waitDur, err := meter.Float64Histogram("shm_registry.wait.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Time spent blocked waiting for a shared resource."))
	if err != nil {
		return nil, fmt.Errorf("compositor: create histogram: %w", err)
	}
	lifetime, cancel := context.WithCancel(context.Background())
	return &Manager{
		pid:      opts.PID,
		reg:      opts.Registry,
		exec:     opts.Registry.Executor(),
		tracer:   tracer,
		waitDur:  waitDur,
		metrics:  metrics.OrNew(opts.Metrics),
		logger:   logging.OrNop(opts.Logger).Named("compositor"),
		channels: cmap.NewWithCustomShardingFunction[shm.ProcessID, *transport.Endpoint](shardPID),
		nsByEP:   make(map[*transport.Endpoint]shm.Namespace),
		replay:   pending.NewReplayTable(),
		lifetime: lifetime,
		cancel:   cancel,
	}, nil
}

// Registry returns the manager's registry.
func (m *Manager) Registry() *registry.Registry { return m.reg }

// Executor returns the executor the manager handles messages on.
func (m *Manager) Executor() *executor.Executor { return m.exec }

// Connect opens a channel to a producer and binds a fresh namespace to it.
// It returns the producer's endpoint. The binding happens on the manager's
// executor, after any close already queued there, so Connect must not be
// called from that executor.
func (m *Manager) Connect(producer transport.Side) (*transport.Endpoint, shm.Namespace, error) {
	if m.closed.Load() {
		return nil, 0, ErrShutdown
	}
	local, remote := transport.Connect(
		transport.Side{PID: m.pid, Executor: m.exec, Logger: m.logger},
		producer,
	)
	ns := shm.Namespace(m.nextNS.Add(1))
	local.Bind(m)

	var prev *transport.Endpoint
	err := m.exec.Sync(context.Background(), func(context.Context) {
		prev, _ = m.channels.Get(producer.PID)
		m.channels.Set(producer.PID, local)
		m.nsByEP[local] = ns
		m.reg.BindNamespace(ns, producer.PID)
	})
	if err != nil {
		return nil, 0, fmt.Errorf("compositor: connect: %w", err)
	}
	if prev != nil {
		m.logger.Info("replacing channel", zap.Uint32("pid", uint32(producer.PID)))
		_ = prev.Close()
	}
	m.logger.Info("producer connected", zap.Uint32("pid", uint32(producer.PID)), zap.Uint32("namespace", uint32(ns)))
	return remote, ns, nil
}

// Channels returns the number of connected producers.
func (m *Manager) Channels() int { return m.channels.Count() }

// HandleMessage implements transport.Handler.
func (m *Manager) HandleMessage(ctx context.Context, ep *transport.Endpoint, msg transport.Message) {
	switch msg.Kind {
	case transport.KindAdd:
		_ = m.reg.Add(ctx, ep.OtherPID(), msg.ID, msg.Desc)
	case transport.KindRemove:
		_ = m.reg.Remove(ctx, ep.OtherPID(), msg.ID)
	default:
		m.logger.Warn("unexpected message", zap.Stringer("kind", msg.Kind))
	}
}

// ChannelClosed implements transport.Handler. Everything the producer held
// through this channel is released; once the process has no channel left,
// everything it created is.
func (m *Manager) ChannelClosed(ctx context.Context, ep *transport.Endpoint) {
	pid := ep.OtherPID()
	m.channels.RemoveCb(pid, func(_ shm.ProcessID, v *transport.Endpoint, exists bool) bool {
		return exists && v == ep
	})
	ns, ok := m.nsByEP[ep]
	delete(m.nsByEP, ep)

	m.replay.RemoveOwner(ep)
	var n int
	if m.channels.Has(pid) {
		if ok {
			n = m.reg.DestroyNamespace(ctx, ns)
		}
	} else {
		n = m.reg.DestroyProcess(ctx, pid)
	}
	m.logger.Info("producer disconnected", zap.Uint32("pid", uint32(pid)), zap.Uint32("namespace", uint32(ns)), zap.Int("released", n))
}

// LookupTexture returns the buffer for id created by owner. When the creation
// message has not been handled yet it pings the owner's channel and waits
// until every earlier message from owner has been processed, then looks up
// once more. It never waits when called on the manager's executor.
func (m *Manager) LookupTexture(ctx context.Context, owner shm.ProcessID, id shm.ResourceID) (*shm.Buffer, bool) {
	if buf, ok := m.reg.LookupFor(owner, id); ok {
		m.metrics.Lookups.WithLabelValues(metrics.ResultHit).Inc()
		return buf, true
	}
	if executor.On(ctx, m.exec) {
		m.logger.Warn("lookup miss on the manager executor, not waiting", zap.Stringer("id", id))
		m.metrics.Lookups.WithLabelValues(metrics.ResultMiss).Inc()
		return nil, false
	}

	ctx, span := m.tracer.Start(ctx, "compositor.LookupTexture", trace.WithAttributes(
		attribute.String("resource.id", id.String()),
		attribute.Int64("owner.pid", int64(owner)),
	))
	defer span.End()

	fut, gen, err := m.reg.Attach(id)
	if err != nil {
		m.finishWait(ctx, span, "lookup", time.Now(), metrics.ResultShutdown)
		return nil, false
	}
	if buf, ok := m.reg.LookupFor(owner, id); ok {
		m.metrics.Lookups.WithLabelValues(metrics.ResultHit).Inc()
		return buf, true
	}

	start := time.Now()
	// Lookups share a ping only within one wait generation. The generation is
	// sealed before the ping goes out, so every waiter it settles attached
	// before the ping was sent.
	key := strconv.FormatUint(uint64(id), 10) + "/" + strconv.FormatUint(gen, 10)
	flight := m.pings.DoChan(key, func() (any, error) {
		m.reg.Seal(id, gen)
		err := m.pingNamespace(id.Namespace())
		m.reg.Settle(id, gen, err)
		return nil, err
	})
	var waitErr error
	select {
	case <-fut.Done():
		_, _, waitErr = fut.Poll()
	case res := <-flight:
		waitErr = res.Err
	case <-ctx.Done():
		waitErr = ctx.Err()
	}

	buf, ok := m.reg.LookupFor(owner, id)
	result := metrics.ResultWaited
	switch {
	case ok:
	case errors.Is(waitErr, transport.ErrChannelClosed), errors.Is(waitErr, registry.ErrProcessGone):
		result = metrics.ResultClosed
	case errors.Is(waitErr, pending.ErrShutdown), errors.Is(waitErr, registry.ErrShutdown):
		result = metrics.ResultShutdown
	default:
		result = metrics.ResultNotFound
	}
	m.finishWait(ctx, span, "lookup", start, result)
	if ok {
		m.metrics.Lookups.WithLabelValues(metrics.ResultWaited).Inc()
	} else {
		m.metrics.Lookups.WithLabelValues(metrics.ResultNotFound).Inc()
		m.logger.Debug("lookup not found after wait", zap.Stringer("id", id), zap.String("result", result), zap.Error(waitErr))
	}
	return buf, ok
}

func (m *Manager) pingNamespace(ns shm.Namespace) error {
	pid, ok := m.reg.NamespaceOwner(ns)
	if !ok {
		return transport.ErrChannelClosed
	}
	ep, ok := m.channels.Get(pid)
	if !ok {
		return transport.ErrChannelClosed
	}
	return ep.Ping(m.lifetime)
}

func (m *Manager) finishWait(ctx context.Context, span trace.Span, kind string, start time.Time, result string) {
	attrs := metric.WithAttributes(attribute.String("kind", kind), attribute.String("result", result))
	m.waitDur.Record(ctx, time.Since(start).Seconds(), attrs)
	span.SetAttributes(attribute.String("result", result))
	if result != metrics.ResultWaited && result != metrics.ResultOK {
		span.SetStatus(codes.Error, result)
	}
	if kind == "lookup" {
		m.metrics.PendingWaits.WithLabelValues(result).Inc()
	} else {
		m.metrics.ReplayWaits.WithLabelValues(result).Inc()
	}
}

// AddReplayTexture makes desc available to WaitForReplayTexture. The table
// takes ownership of desc.Handle.
func (m *Manager) AddReplayTexture(owner pending.ReplayOwner, id shm.ResourceID, desc shm.Descriptor) bool {
	return m.replay.Add(owner, id, desc)
}

// RemoveReplayTexture drops one replay texture.
func (m *Manager) RemoveReplayTexture(owner pending.ReplayOwner, id shm.ResourceID) bool {
	return m.replay.Remove(owner, id)
}

// RemoveReplayTextures drops every replay texture added by owner.
func (m *Manager) RemoveReplayTextures(owner pending.ReplayOwner) {
	m.replay.RemoveOwner(owner)
}

// DisableReplay clears the replay table, wakes waiters and refuses new
// textures.
func (m *Manager) DisableReplay() {
	m.replay.Disable()
	m.logger.Info("replay textures disabled")
}

// WaitForReplayTexture waits up to timeout for a replay texture from the
// process pid. On timeout it reports not found and changes nothing.
func (m *Manager) WaitForReplayTexture(ctx context.Context, pid shm.ProcessID, id shm.ResourceID, timeout time.Duration) (shm.Descriptor, bool) {
	ctx, span := m.tracer.Start(ctx, "compositor.WaitForReplayTexture", trace.WithAttributes(
		attribute.String("resource.id", id.String()),
		attribute.Int64("owner.pid", int64(pid)),
	))
	defer span.End()

	start := time.Now()
	desc, err := m.replay.Wait(ctx, pid, id, timeout)
	result := metrics.ResultOK
	switch {
	case err == nil:
	case errors.Is(err, pending.ErrTimeout):
		result = metrics.ResultTimeout
		m.logger.Warn("timed out waiting for replay texture", zap.Stringer("id", id), zap.Duration("timeout", timeout))
	case errors.Is(err, pending.ErrDisabled):
		result = metrics.ResultDisabled
	case errors.Is(err, pending.ErrShutdown):
		result = metrics.ResultShutdown
	default:
		result = metrics.ResultFailed
	}
	m.finishWait(ctx, span, "replay", start, result)
	return desc, err == nil
}

// ReportSharedSurfaces reports the resources pid shared with this process.
func (m *Manager) ReportSharedSurfaces(pid shm.ProcessID) registry.Report {
	return m.reg.AccumulateMemoryReport(pid)
}

// Shutdown closes every channel, rejects all waiters and shuts down the
// registry.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.closed.Swap(true) {
		return nil
	}
	m.cancel()
	var g errgroup.Group
	for item := range m.channels.IterBuffered() {
		ep := item.Val
		g.Go(ep.Close)
	}
	err := g.Wait()
	m.replay.Shutdown()
	m.reg.Shutdown()
	m.logger.Info("compositor shut down")
	return err
}
