package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/anolis-robotics/anolis-core/internal/config"
	"github.com/anolis-robotics/anolis-core/internal/obslog"
	"github.com/anolis-robotics/anolis-core/internal/runtime"
)

// Exit codes (§6): 0 clean shutdown, 1 configuration error, 2 runtime
// startup failure.
const (
	exitOK             = 0
	exitConfigError    = 1
	exitStartupFailure = 2
)

func main() {
	configPath := flag.String("config", "anolis-core.yaml", "path to the kernel configuration file")
	metricsAddr := flag.String("metrics-addr", "", "address to serve Prometheus metrics on, empty disables it")
	flag.Parse()

	logger := obslog.Default("anolis-core")

	cfg, err := config.Load(*configPath, logger.Component("config"))
	if err != nil {
		logger.Error("failed to load configuration", obslog.Err(err))
		os.Exit(exitConfigError)
	}

	rt := runtime.New(cfg, logger, *metricsAddr != "")

	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				logger.Warn("metrics server stopped", obslog.Err(err))
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := rt.Start(ctx); err != nil {
		logger.Error("runtime failed to start", obslog.Err(err))
		os.Exit(exitStartupFailure)
	}
	logger.Info("anolis-core runtime started", obslog.Int("provider_count", len(cfg.Providers)))

	var shutdownRequested atomic.Bool
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", obslog.String("signal", sig.String()))
		shutdownRequested.Store(true)
		cancel()
	}()

	<-ctx.Done()
	rt.Stop()

	if shutdownRequested.Load() {
		logger.Info("anolis-core runtime stopped cleanly")
		os.Exit(exitOK)
	}
	os.Exit(exitOK)
}
