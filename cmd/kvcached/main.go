package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	_ "go.uber.org/automaxprocs"

	"kvcached/internal/config"
	"kvcached/internal/eventbus"
	"kvcached/internal/eviction"
	"kvcached/internal/expiry"
	"kvcached/internal/logging"
	"kvcached/internal/metrics"
	"kvcached/internal/store"
	"kvcached/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // nolint:errcheck

	metricsRegistry := metrics.NewRegistry()

	accountant := store.NewMemoryAccountant(cfg.Store.CeilingBytes(), cfg.Store.EvictionThreshold)
	st := store.New(accountant, !cfg.Store.StrictExpiry, logger)

	expiryMode := expiry.Strict
	if !cfg.Store.StrictExpiry {
		expiryMode = expiry.Lazy
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	expiryEngine := expiry.New(st, cfg.Store.SweepInterval, expiryMode, logger, metricsRegistry)
	evictionEngine := eviction.New(st, cfg.Store.EvictionFactor, logger, metricsRegistry)
	bus := eventbus.New(logger, metricsRegistry)

	go expiryEngine.Run(ctx, st.Subscribe("expiry", 256))
	go evictionEngine.Run(ctx, st.Subscribe("eviction", 256))
	go bus.Run(ctx, st.Subscribe("eventbus", 256))

	registry := transport.NewRegistry(metricsRegistry)
	dispatcher := transport.NewDispatcher(1024, st, bus, logger, metricsRegistry)
	go dispatcher.Run()

	transportServer := transport.NewServer(cfg.Server, logger, metricsRegistry, registry, dispatcher, bus)
	if err := transportServer.Start(ctx); err != nil {
		logger.Fatal("transport start failed", zap.Error(err))
	}

	httpErrCh := make(chan error, 1)
	go func() {
		httpErrCh <- runHTTPServer(ctx, cfg, st, registry, metricsRegistry, logger)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-httpErrCh:
		if err != nil {
			logger.Error("http server error", zap.Error(err))
		}
		stop()
	}

	transportServer.Stop()
	dispatcher.Close()
	logger.Info("transport stopped")
}

func runHTTPServer(ctx context.Context, cfg config.Config, st *store.Store, registry *transport.Registry, metricsRegistry *metrics.Registry, logger *zap.Logger) error {
	if !cfg.Metrics.Enabled {
		<-ctx.Done()
		return nil
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		metricsRegistry.Store.EntryCount.Set(float64(st.Len()))
		metricsRegistry.Store.BytesInUse.Set(float64(st.Accountant().CurrentBytes()))
		writeJSON(w, map[string]any{
			"status":      "healthy",
			"timestamp":   time.Now().UTC().Format(time.RFC3339Nano),
			"connections": registry.Count(),
			"entries":     st.Len(),
		})
	})

	mux.Handle(cfg.Metrics.Endpoint, metricsRegistry.Handler())

	httpServer := &http.Server{
		Addr:         cfg.Metrics.ListenAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("diagnostics http server starting", zap.String("addr", cfg.Metrics.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("diagnostics http server shutdown error", zap.Error(err))
		}
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
