package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/screamrouter/engine/internal/config"
	"github.com/screamrouter/engine/internal/engine"
	"github.com/screamrouter/engine/internal/engineconfig"
	"github.com/screamrouter/engine/internal/httpapi"
	"github.com/screamrouter/engine/internal/telemetry"
)

func main() {
	configFile := flag.String("config", "", "path to a config file (env vars override)")
	flag.Parse()

	cfg, err := engineconfig.Load(*configFile)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := telemetry.New(cfg.Environment, cfg.LogPath)
	defer logger.Sync()

	mgr := engine.New(logger, cfg)
	applier := config.New(logger, mgr)
	mgr.SetCleanupRequester(applier.RequestSinkCleanup)
	api := httpapi.New(logger, applier, mgr, mgr)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: api.Router(cfg.Environment)}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Infow("http server listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorw("http server stopped", "err", err)
		}
	}()

	// Periodically lets each WebRTC sink notice its own idle-in-terminal-
	// state timeout (mgr.PollCleanup, which enqueues via
	// mgr.cleanupRequester) and then drains whatever that queued into the
	// reconciler (spec §5's non-recursive-lock cleanup path).
	cleanupInterval := time.Duration(cfg.CleanupIntervalMs) * time.Millisecond
	cleanupTicker := time.NewTicker(cleanupInterval)
	defer cleanupTicker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-cleanupTicker.C:
				mgr.PollCleanup()
				applier.DrainPendingCleanups()
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- mgr.Start(ctx) }()

	select {
	case <-ctx.Done():
		logger.Infow("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Errorw("engine stopped unexpectedly", "err", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnw("http server shutdown", "err", err)
	}

	mgr.Stop()
	fmt.Println("screamrouter engine stopped")
}
