// Package pressure watches system memory and asks the registry to drop idle
// mappings when available memory runs low.
package pressure

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/srediag/shm-registry/internal/logging"
)

// Sweeper releases idle mappings on demand.
type Sweeper interface {
	NotifyMemoryPressure() int
}

// SampleFunc returns the bytes of memory currently available.
type SampleFunc func(ctx context.Context) (uint64, error)

// SystemSample reads available memory from the OS.
func SystemSample(ctx context.Context) (uint64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("pressure: read memory: %w", err)
	}
	return vm.Available, nil
}

// Options configures a Monitor.
type Options struct {
	Sweeper Sweeper
	// MinAvailableBytes is the level below which memory counts as low.
	MinAvailableBytes uint64
	PollInterval      time.Duration
	// Sample defaults to SystemSample.
	Sample SampleFunc
	Logger *zap.Logger
}

// Monitor notifies its sweeper each time available memory drops below the
// threshold. It fires once per episode and re-arms when memory recovers.
type Monitor struct {
	sweeper  Sweeper
	min      uint64
	interval time.Duration
	sample   SampleFunc
	logger   *zap.Logger
	low      bool
}

// NewMonitor returns a monitor.
func NewMonitor(opts Options) *Monitor {
	sample := opts.Sample
	if sample == nil {
		sample = SystemSample
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Monitor{
		sweeper:  opts.Sweeper,
		min:      opts.MinAvailableBytes,
		interval: interval,
		sample:   sample,
		logger:   logging.OrNop(opts.Logger).Named("pressure"),
	}
}

// Check samples memory once and reports whether it notified the sweeper.
// Not safe for concurrent use; Run calls it from one goroutine.
func (m *Monitor) Check(ctx context.Context) (bool, error) {
	avail, err := m.sample(ctx)
	if err != nil {
		return false, err
	}
	if avail >= m.min {
		if m.low {
			m.logger.Info("memory pressure relieved", zap.Uint64("available", avail))
		}
		m.low = false
		return false, nil
	}
	if m.low {
		return false, nil
	}
	m.low = true
	n := m.sweeper.NotifyMemoryPressure()
	m.logger.Warn("memory pressure", zap.Uint64("available", avail), zap.Uint64("threshold", m.min), zap.Int("unmapped", n))
	return true, nil
}

// Run polls until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := m.Check(ctx); err != nil {
				m.logger.Debug("memory sample failed", zap.Error(err))
			}
		}
	}
}
