// Command proxy runs one A2A bus-proxy instance. Exit codes: 0 on clean
// shutdown, 1 on fatal startup failure (invalid config, unreachable
// bus), 2 when topology creation is refused (coordinator role only).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/arcline/a2a-busproxy/internal/bus"
	"github.com/arcline/a2a-busproxy/internal/config"
	"github.com/arcline/a2a-busproxy/internal/directory"
	"github.com/arcline/a2a-busproxy/internal/pending"
	"github.com/arcline/a2a-busproxy/internal/router"
	"github.com/arcline/a2a-busproxy/internal/server"
	"github.com/arcline/a2a-busproxy/internal/session"
	"github.com/arcline/a2a-busproxy/internal/telemetry"
)

const (
	exitFatal           = 1
	exitTopologyRefused = 2
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	// Load .env file if it exists
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	os.Exit(run(*configPath, logger))
}

func run(configPath string, logger *slog.Logger) int {
	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		return exitFatal
	}

	shutdownTracer, err := telemetry.InitTracer("a2a-busproxy", logger)
	if err != nil {
		logger.Error("failed to initialise tracer", slog.String("error", err.Error()))
		return exitFatal
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("tracer shutdown failed", slog.String("error", err.Error()))
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Directory is immutable after this point; rebuilding it requires a
	// restart.
	entries := make([]directory.Entry, 0, len(cfg.Agents))
	for _, a := range cfg.Agents {
		entries = append(entries, directory.Entry{
			ID:                a.ID,
			Group:             a.Group,
			Host:              a.Host,
			HostingProxyID:    a.Proxy,
			Capabilities:      a.Capabilities,
			AgentCardEndpoint: a.AgentCardEndpoint,
			HealthEndpoint:    a.HealthEndpoint,
		})
	}
	dir, err := directory.New(cfg.Proxy.ID, entries, cfg.Proxy.Hosted)
	if err != nil {
		logger.Error("invalid agent registry", slog.String("error", err.Error()))
		return exitFatal
	}

	adapter, err := bus.NewRedis(bus.RedisOptions{
		URL:            cfg.Bus.URL,
		Password:       cfg.Bus.Password,
		DB:             cfg.Bus.DB,
		MaxRetryCount:  cfg.Bus.MaxRetryCount,
		RetryBaseDelay: cfg.Bus.RetryBaseDelay,
		RetryMaxDelay:  cfg.Bus.RetryMaxDelay,
		ReceiveBlock:   cfg.Bus.ReceiveBlock,
		ClaimMinIdle:   cfg.Bus.ClaimMinIdle,
		ClaimInterval:  cfg.Bus.ClaimInterval,
	}, cfg.Proxy.ID, logger)
	if err != nil {
		logger.Error("invalid bus configuration", slog.String("error", err.Error()))
		return exitFatal
	}
	defer adapter.Close()

	if err := adapter.Connect(ctx); err != nil {
		logger.Error("bus unreachable", slog.String("error", err.Error()))
		return exitFatal
	}

	if cfg.RoleValue() == config.RoleCoordinator {
		if err := adapter.EnsureTopology(ctx, dir.Groups()); err != nil {
			if errors.Is(err, bus.ErrTopologyRefused) {
				logger.Error("topology creation refused", slog.String("error", err.Error()))
				return exitTopologyRefused
			}
			logger.Error("topology creation failed", slog.String("error", err.Error()))
			return exitFatal
		}
		logger.Info("topology ensured", slog.Any("groups", dir.Groups()))
	}

	registry, err := pending.New(pending.Options{
		StreamBufferCap: cfg.Proxy.StreamBufferCap,
		StreamWindow:    cfg.Proxy.StreamWindow,
	}, logger)
	if err != nil {
		logger.Error("failed to create pending registry", slog.String("error", err.Error()))
		return exitFatal
	}
	registry.Start(ctx)

	var sessions router.SessionRecorder
	if cfg.Sessions.Enabled {
		store, err := session.NewStore(cfg.Sessions.Path)
		if err != nil {
			logger.Error("failed to open session store", slog.String("error", err.Error()))
			return exitFatal
		}
		defer store.Close()
		mgr := session.NewManager(store, cfg.Sessions.TTL, cfg.Sessions.CleanupInterval, logger)
		mgr.Start(ctx)
		sessions = mgr
	}

	fwd := router.NewForwarder(router.ForwarderOptions{
		RequestTimeout: cfg.Proxy.RequestTimeout,
	}, logger)

	routerCfg := router.Config{
		ProxyID:           cfg.Proxy.ID,
		BaseURL:           cfg.Proxy.BaseURL,
		RequestTimeout:    cfg.Proxy.RequestTimeout,
		StreamIdleTimeout: cfg.Proxy.StreamIdleTimeout,
		StreamBufferCap:   cfg.Proxy.StreamBufferCap,
		StreamWindow:      cfg.Proxy.StreamWindow,
	}

	receiver := router.NewReceiver(routerCfg, dir, registry, adapter, fwd, logger)
	if err := receiver.Start(ctx); err != nil {
		logger.Error("failed to start bus receiver", slog.String("error", err.Error()))
		return exitFatal
	}
	defer receiver.Close()

	prober := directory.NewProber(dir, logger)

	rt := router.New(routerCfg, dir, registry, adapter, fwd, sessions, logger)
	srv := server.New(cfg.Proxy.Port, logger)
	srv.Router.Get("/internal/health/agents", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(prober.Snapshot(r.Context()))
	})
	srv.Router.Mount("/", rt.Routes())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	logger.Info("proxy started",
		slog.String("proxy_id", cfg.Proxy.ID),
		slog.String("role", cfg.Proxy.Role),
		slog.Int("port", cfg.Proxy.Port),
		slog.Any("hosted", cfg.Proxy.Hosted),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("server failed", slog.String("error", err.Error()))
			return exitFatal
		}
	case <-sigCh:
		logger.Info("shutdown signal received, stopping proxy")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
		return exitFatal
	}

	logger.Info("proxy shutdown complete")
	return 0
}
