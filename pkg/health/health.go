// Package health exposes liveness and readiness of the registry daemon.
package health

import (
	"errors"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ErrRegistryClosed fails liveness once the registry has shut down.
	ErrRegistryClosed = errors.New("health: registry shut down")
	// ErrNoProducers fails readiness while no producer is connected.
	ErrNoProducers = errors.New("health: no producer connected")
)

// DefaultMaxGoroutines is the liveness goroutine ceiling.
const DefaultMaxGoroutines = 10000

// Closer reports whether a component has shut down.
type Closer interface {
	Closed() bool
}

// ChannelCounter reports how many producers are connected.
type ChannelCounter interface {
	Channels() int
}

// Options configures the handler.
type Options struct {
	Registry      Closer
	Channels      ChannelCounter
	MaxGoroutines int
	// Registerer, when set, also exports check results as metrics.
	Registerer prometheus.Registerer
}

// NewHandler returns a handler serving /live and /ready.
func NewHandler(opts Options) healthcheck.Handler {
	var h healthcheck.Handler
	if opts.Registerer != nil {
		h = healthcheck.NewMetricsHandler(opts.Registerer, "shm_registry")
	} else {
		h = healthcheck.NewHandler()
	}
	limit := opts.MaxGoroutines
	if limit <= 0 {
		limit = DefaultMaxGoroutines
	}
	h.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(limit))
	if opts.Registry != nil {
		h.AddLivenessCheck("registry", RegistryOpen(opts.Registry))
	}
	if opts.Channels != nil {
		h.AddReadinessCheck("producers", HasProducers(opts.Channels))
	}
	return h
}

// RegistryOpen fails once c has shut down.
func RegistryOpen(c Closer) healthcheck.Check {
	return func() error {
		if c.Closed() {
			return ErrRegistryClosed
		}
		return nil
	}
}

// HasProducers fails while no producer channel is connected.
func HasProducers(c ChannelCounter) healthcheck.Check {
	return func() error {
		if c.Channels() == 0 {
			return ErrNoProducers
		}
		return nil
	}
}
