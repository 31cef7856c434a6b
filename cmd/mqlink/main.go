// Package main is the entry point for the mqlink client. It loads
// configuration, starts the connection engine with its event loop, exposes
// health/metrics/admin endpoints, and handles graceful shutdown on
// SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/dskow/mqlink/internal/admin"
	"github.com/dskow/mqlink/internal/condition"
	"github.com/dskow/mqlink/internal/config"
	"github.com/dskow/mqlink/internal/engine"
	"github.com/dskow/mqlink/internal/health"
	"github.com/dskow/mqlink/internal/logging"
	"github.com/dskow/mqlink/internal/loop"
	"github.com/dskow/mqlink/internal/metrics"
	"github.com/dskow/mqlink/internal/tlsutil"
	"github.com/dskow/mqlink/internal/transport"
)

// appHandler logs connection lifecycle events and signals process shutdown
// when the engine reaches its terminal state.
type appHandler struct {
	engine.NopHandler
	logger *slog.Logger
	closed chan struct{}
	failed atomic.Bool
}

func (h *appHandler) OnConnectionOpen(c *engine.Conn) {
	h.logger.Info("connection open",
		"container_id", c.ContainerID(),
		"target", c.Status().Target,
		"reconnected", c.Reconnected(),
	)
}

func (h *appHandler) OnConnectionError(c *engine.Conn, cond *condition.Condition) {
	h.failed.Store(true)
	h.logger.Error("connection failed",
		"container_id", c.ContainerID(),
		"code", string(cond.Code),
		"description", cond.Description,
	)
}

func (h *appHandler) OnConnectionClose(c *engine.Conn) {
	h.logger.Info("connection closed cleanly", "container_id", c.ContainerID())
}

func (h *appHandler) OnTransportError(c *engine.Conn, err error) {
	h.logger.Warn("transport error", "container_id", c.ContainerID(), "error", err)
}

func (h *appHandler) OnTransportClose(c *engine.Conn) {
	close(h.closed)
}

func main() {
	configPath := flag.String("config", "configs/mqlink.yaml", "path to configuration file")
	flag.Parse()

	bootstrapLogger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootstrapLogger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger, logCloser, err := logging.Setup(cfg.Logging)
	if err != nil {
		bootstrapLogger.Error("failed to set up logging", "error", err)
		os.Exit(1)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}
	slog.SetDefault(logger)

	for _, w := range cfg.Warnings {
		logger.Warn("config warning", "message", w)
	}

	logger.Info("configuration loaded",
		"address", cfg.Connection.Address,
		"failover", len(cfg.Connection.FailoverAddresses),
		"reconnect_enabled", cfg.Reconnect.IsEnabled(),
		"tls_enabled", cfg.TLS.Enabled,
		"http_port", cfg.HTTP.Port,
		"metrics_enabled", cfg.Metrics.IsEnabled(),
	)

	if cfg.Metrics.IsEnabled() {
		metrics.Init()
	}

	tlsConf, certLoader, err := tlsutil.ClientConfig(cfg.TLS, logger)
	if err != nil {
		logger.Error("failed to build TLS config", "error", err)
		os.Exit(1)
	}
	if certLoader != nil {
		defer certLoader.Stop()
	}

	dialer := &transport.NetDialer{Logger: logger}
	if r := cfg.Connection.DialRatePerSec; r > 0 {
		dialer.Limiter = rate.NewLimiter(rate.Limit(r), cfg.Connection.DialBurst)
		logger.Info("dial throttle enabled", "rate_per_sec", r, "burst", cfg.Connection.DialBurst)
	}

	lp := loop.New(logger)
	go lp.Run()

	handler := &appHandler{logger: logger, closed: make(chan struct{})}
	conn, err := engine.Connect(engine.Config{
		Loop:    lp,
		Dialer:  dialer,
		Handler: handler,
		Logger:  logger,
		TLS:     tlsConf,
	}, cfg.Connection.Address, cfg.Options())
	if err != nil {
		logger.Error("failed to start connection", "error", err)
		lp.Stop()
		os.Exit(1)
	}

	// Initialize config reloader: a reloaded file is merged onto the live
	// overlay, taking effect at the next candidate selection.
	reloader := config.NewReloader(*configPath, cfg, logger)
	reloader.Start()
	defer reloader.Stop()
	reloader.OnReload(func(newCfg *config.Config) {
		if err := conn.UpdateOptions(newCfg.Options()); err != nil {
			logger.Error("failed to apply reloaded options", "error", err)
		}
	})

	// Health, metrics, and admin endpoints.
	mux := http.NewServeMux()
	health.New(conn).RegisterRoutes(mux)
	if cfg.Metrics.IsEnabled() {
		mux.Handle(cfg.Metrics.Path, metrics.Handler())
		logger.Info("metrics endpoint registered", "path", cfg.Metrics.Path)
	}
	if cfg.Admin.Enabled {
		admin.New(conn, reloader, cfg.Admin.IPAllowlist, logger).RegisterRoutes(mux)
		logger.Info("admin endpoints registered")
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}
	go func() {
		logger.Info("starting http endpoint", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for a shutdown signal or for the engine to terminate on its own.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-quit:
		logger.Info("shutdown signal received", "signal", sig.String())
		conn.Close(nil)
		select {
		case <-handler.closed:
		case <-time.After(cfg.HTTP.ShutdownTimeout):
			logger.Warn("close handshake timed out, aborting")
		}
	case <-handler.closed:
		if handler.failed.Load() {
			exitCode = 1
		}
		logger.Info("connection reached terminal state")
	}

	lp.Stop()
	<-lp.Done()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("forced http shutdown", "error", err)
	}

	logger.Info("mqlink stopped")
	os.Exit(exitCode)
}
