// Command surfaced runs a shared-surface consumer process.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/srediag/shm-registry/internal/daemon"
	"github.com/srediag/shm-registry/internal/logging"
	"github.com/srediag/shm-registry/pkg/config"
)

func main() {
	addr := flag.String("metrics-addr", "", "override SHM_SERVER_METRICS_ADDR")
	demo := flag.Duration("demo", 0, "attach an in-process producer publishing a frame at this interval")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.MetricsAddr = *addr
	}
	logger, err := logging.New(cfg.Logging.Logger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	d, err := daemon.New(cfg, logger)
	if err != nil {
		logger.Fatal("create daemon", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *demo > 0 {
		p, err := d.AttachProducer(ctx, 2)
		if err != nil {
			logger.Fatal("attach demo producer", zap.Error(err))
		}
		go func() { _ = p.RunDemo(ctx, *demo) }()
	}

	start := time.Now()
	if err := d.Run(ctx); err != nil {
		logger.Error("daemon stopped", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("shutdown complete", zap.Duration("uptime", time.Since(start)))
}
