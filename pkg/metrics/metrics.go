// Package metrics holds the Prometheus collectors shared by the registry
// components.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "shm_registry"

// Result labels.
const (
	ResultOK        = "ok"
	ResultDuplicate = "duplicate"
	ResultNotOwner  = "not_owner"
	ResultShutdown  = "shutdown"
	ResultFailed    = "failed"

	ResultHit      = "hit"
	ResultMiss     = "miss"
	ResultWaited   = "waited"
	ResultNotFound = "not_found"
	ResultClosed   = "closed"
	ResultTimeout  = "timeout"
	ResultDisabled = "disabled"
)

// Metrics holds all Prometheus metrics.
type Metrics struct {
	// Registry metrics
	Adds        *prometheus.CounterVec
	Removes     prometheus.Counter
	Destroyed   prometheus.Counter
	Lookups     *prometheus.CounterVec
	LiveEntries prometheus.Gauge

	// Mapping metrics
	MappedBytes  prometheus.Gauge
	MapFailures  prometheus.Counter
	Expirations  prometheus.Counter
	SweepsByKind *prometheus.CounterVec

	// Wait metrics
	PendingWaits    *prometheus.CounterVec
	ReplayWaits     *prometheus.CounterVec
	CheckpointWaits *prometheus.CounterVec

	// Transport metrics
	QueueDepth *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg. A nil reg creates
// unregistered collectors.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Adds: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "adds_total",
			Help:      "Shared resource registrations by result.",
		}, []string{"result"}),
		Removes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "removes_total",
			Help:      "Creator references released.",
		}),
		Destroyed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "destroyed_total",
			Help:      "Shared resources whose buffers were released.",
		}),
		Lookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lookups_total",
			Help:      "Texture lookups by result.",
		}, []string{"result"}),
		LiveEntries: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_entries",
			Help:      "Entries visible to Lookup.",
		}),
		MappedBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mapped_bytes",
			Help:      "Bytes of shared memory currently mapped by consumers.",
		}),
		MapFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "map_failures_total",
			Help:      "Failed mapping attempts, including ones retried after eviction.",
		}),
		Expirations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expirations_total",
			Help:      "Idle mappings released by the expiration tracker.",
		}),
		SweepsByKind: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeps_total",
			Help:      "Expiration sweeps by trigger.",
		}, []string{"kind"}),
		PendingWaits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pending_waits_total",
			Help:      "Blocking lookups by outcome.",
		}, []string{"result"}),
		ReplayWaits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replay_waits_total",
			Help:      "Replay texture waits by outcome.",
		}, []string{"result"}),
		CheckpointWaits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_waits_total",
			Help:      "Checkpoint waits by outcome.",
		}, []string{"result"}),
		QueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "executor_queue_depth",
			Help:      "Tasks waiting on each executor.",
		}, []string{"executor"}),
	}
}

var discard = New(nil)

// OrNew returns m, or a shared set of unregistered collectors when m is nil.
func OrNew(m *Metrics) *Metrics {
	if m == nil {
		return discard
	}
	return m
}
