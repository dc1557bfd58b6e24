// Command gateway runs the outward-facing server: a session
// multiplexer per WebSocket client, backed by the shell service, plus
// REST access to persisted session history.
package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/shellmux/shellmux/internal/gateway"
	"github.com/shellmux/shellmux/internal/history"
	"github.com/shellmux/shellmux/internal/infrastructure/config"
	"github.com/shellmux/shellmux/internal/infrastructure/logging"
	"github.com/shellmux/shellmux/internal/infrastructure/monitoring"
)

func main() {
	cfg := config.LoadOrDefault()

	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		logger = logging.NewDefault()
	}
	defer logger.Sync()

	metrics := monitoring.NewDefault()
	go trackUptime(metrics)

	var store *history.Store
	if cfg.History.Enabled {
		if err := os.MkdirAll(filepath.Dir(cfg.History.Path), 0o755); err != nil {
			logger.Warn("history directory unavailable, persistence disabled", zap.Error(err))
		} else {
			store, err = history.Open(context.Background(), cfg.History.Path)
			if err != nil {
				logger.Warn("history store unavailable, persistence disabled", zap.Error(err))
				store = nil
			} else {
				defer store.Close()
				logger.Info("session history enabled", zap.String("path", cfg.History.Path))
			}
		}
	}

	srv := gateway.NewServer(cfg, store, logger, metrics)
	addr := net.JoinHostPort(cfg.Gateway.Host, cfg.Gateway.Port)

	httpSrv := &http.Server{Addr: addr, Handler: srv.Router()}
	go func() {
		logger.Info("gateway listening",
			zap.String("addr", addr),
			zap.String("service_url", cfg.Gateway.ServiceURL))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutting down", zap.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		logger.Warn("shutdown incomplete", zap.Error(err))
	}
}

func trackUptime(metrics *monitoring.Metrics) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		metrics.UpdateUptime()
	}
}
