package registry

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/srediag/shm-registry/pkg/shm"
)

// Track implements shm.Evictor.
func (r *Registry) Track(b *shm.Buffer) { r.tracker.Add(b) }

// Untrack implements shm.Evictor.
func (r *Registry) Untrack(b *shm.Buffer) { r.tracker.Remove(b) }

// touch defers expiry of an idle tracked buffer that was just looked up. A
// mapped buffer is not in the tracker and stays out of it.
func (r *Registry) touch(b *shm.Buffer) {
	if b.Tracked() {
		r.tracker.MarkUsed(b)
	}
}

// EvictOneGeneration implements shm.Evictor. It is called by a buffer whose
// mapping failed.
func (r *Registry) EvictOneGeneration() bool {
	expired, ok := r.tracker.AgeOneGeneration()
	r.expire(expired, SweepOnDemand)
	return ok
}

// Tracked returns the number of idle buffers eligible for unmapping.
func (r *Registry) Tracked() int { return r.tracker.Len() }

// Sweep ages one generation and unmaps the buffers that fell out of it.
func (r *Registry) Sweep() int {
	expired, _ := r.tracker.AgeOneGeneration()
	return r.expire(expired, SweepPeriodic)
}

// NotifyMemoryPressure unmaps every idle tracked buffer at once.
func (r *Registry) NotifyMemoryPressure() int {
	n := r.expire(r.tracker.AgeAllGenerations(), SweepPressure)
	if n > 0 {
		r.logger.Info("unmapped idle buffers under memory pressure", zap.Int("count", n))
	}
	return n
}

// Run sweeps every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if r.closed.Load() {
				return ErrShutdown
			}
			if n := r.Sweep(); n > 0 {
				r.logger.Debug("periodic sweep", zap.Int("unmapped", n))
			}
		}
	}
}

// expire runs outside the tracker lock. A buffer mapped again since it was
// aged out keeps its mapping.
func (r *Registry) expire(buffers []*shm.Buffer, kind string) int {
	r.metrics.SweepsByKind.WithLabelValues(kind).Inc()
	n := 0
	for _, b := range buffers {
		if b.ExpireMap() {
			n++
		}
	}
	return n
}
