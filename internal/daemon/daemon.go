// Package daemon wires the registry components into a running consumer
// process with an HTTP endpoint for metrics and health.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/srediag/shm-registry/internal/logging"
	"github.com/srediag/shm-registry/pkg/compositor"
	"github.com/srediag/shm-registry/pkg/config"
	"github.com/srediag/shm-registry/pkg/executor"
	"github.com/srediag/shm-registry/pkg/health"
	"github.com/srediag/shm-registry/pkg/metrics"
	"github.com/srediag/shm-registry/pkg/pressure"
	"github.com/srediag/shm-registry/pkg/registry"
	"github.com/srediag/shm-registry/pkg/shm"
)

// ConsumerPID is the process id the daemon uses for itself.
const ConsumerPID shm.ProcessID = 1

const shutdownTimeout = 5 * time.Second

// Daemon is a consumer process: registry, compositor manager, sweepers and
// the HTTP endpoint.
type Daemon struct {
	cfg     *config.Config
	logger  *zap.Logger
	prom    *prometheus.Registry
	metrics *metrics.Metrics

	pool    *executor.Pool
	reg     *registry.Registry
	mgr     *compositor.Manager
	monitor *pressure.Monitor

	listener net.Listener
	server   *http.Server

	mu        sync.Mutex
	producers []*Producer
	closeOnce sync.Once
}

// New builds a daemon from cfg. The listener is bound immediately so Addr is
// valid before Run.
func New(cfg *config.Config, logger *zap.Logger) (*Daemon, error) {
	if err := config.VerifyConfig(cfg); err != nil {
		return nil, err
	}
	logger = logging.OrNop(logger)

	prom := prometheus.NewRegistry()
	prom.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(prom)

	pool, err := executor.NewPool(executor.PoolOptions{Size: cfg.Executor.PoolSize, Logger: logger, Metrics: m})
	if err != nil {
		return nil, err
	}
	exec, err := pool.NewExecutor("compositor")
	if err != nil {
		pool.Close()
		return nil, err
	}
	reg, err := registry.New(registry.Options{
		Executor:          exec,
		MinUnmapSizeBytes: cfg.Memory.MinUnmapSizeBytes,
		ForceUnmap:        cfg.Memory.ForceUnmapOnSmallAddressSpace,
		Generations:       cfg.Memory.ExpirationGenerations,
		Metrics:           m,
		Logger:            logger,
	})
	if err != nil {
		pool.Close()
		return nil, err
	}
	mgr, err := compositor.New(compositor.Options{PID: ConsumerPID, Registry: reg, Metrics: m, Logger: logger})
	if err != nil {
		pool.Close()
		return nil, err
	}

	listener, err := net.Listen("tcp", cfg.Server.MetricsAddr)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("listen on %s: %w", cfg.Server.MetricsAddr, err)
	}
	checks := health.NewHandler(health.Options{Registry: reg, Channels: mgr, Registerer: prom})
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(prom, promhttp.HandlerOpts{Registry: prom}))
	mux.Handle("/live", checks)
	mux.Handle("/ready", checks)

	d := &Daemon{
		cfg:     cfg,
		logger:  logger,
		prom:    prom,
		metrics: m,
		pool:    pool,
		reg:     reg,
		mgr:     mgr,
		monitor: pressure.NewMonitor(pressure.Options{
			Sweeper:           reg,
			MinAvailableBytes: cfg.Pressure.MinAvailableBytes,
			PollInterval:      cfg.Pressure.PollInterval,
			Logger:            logger,
		}),
		listener: listener,
		server:   &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
	}
	return d, nil
}

// Addr returns the address the HTTP endpoint listens on.
func (d *Daemon) Addr() string { return d.listener.Addr().String() }

// Manager returns the compositor manager.
func (d *Daemon) Manager() *compositor.Manager { return d.mgr }

// Registry returns the resource registry.
func (d *Daemon) Registry() *registry.Registry { return d.reg }

// Run serves until ctx is done, then shuts everything down.
func (d *Daemon) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := d.server.Serve(d.listener); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := d.reg.Run(ctx, d.cfg.Memory.UnmapInterval); !errors.Is(err, registry.ErrShutdown) {
			return err
		}
		return nil
	})
	g.Go(func() error { return d.monitor.Run(ctx) })
	g.Go(func() error {
		<-ctx.Done()
		return d.Close()
	})
	d.logger.Info("daemon running", zap.String("addr", d.Addr()))
	return g.Wait()
}

// Close stops the HTTP endpoint, every attached producer and the manager.
func (d *Daemon) Close() error {
	var err error
	d.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err = d.server.Shutdown(ctx)

		d.mu.Lock()
		producers := d.producers
		d.producers = nil
		d.mu.Unlock()
		for _, p := range producers {
			p.close()
		}
		if merr := d.mgr.Shutdown(ctx); err == nil {
			err = merr
		}
		d.pool.Close()
		d.logger.Info("daemon stopped")
	})
	return err
}
