package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/haasonsaas/butler/internal/config"
	"github.com/haasonsaas/butler/internal/gateway"
)

type serveOptions struct {
	debug bool
	watch bool
}

// runServe loads the config, starts the gateway and blocks until a
// shutdown signal or a server error.
func runServe(ctx context.Context, configPath string, opts serveOptions) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := newLogger(cfg.Logging, opts.debug)
	slog.SetDefault(logger)

	logger.Info("starting butler gateway",
		"version", version,
		"commit", commit,
		"config", configPath,
		"llm_provider", cfg.LLM.Provider,
		"database", cfg.Database.Enabled(),
		"policy_source", cfg.Policy.Source,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := newBaseRuntime(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize runtime: %w", err)
	}
	defer func() {
		if err := rt.Close(context.Background()); err != nil {
			logger.Warn("runtime shutdown failed", "error", err)
		}
	}()

	service, err := rt.newService()
	if err != nil {
		return fmt.Errorf("failed to initialize agent: %w", err)
	}

	server, err := gateway.New(gateway.Config{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.HTTPPort,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		MaxBodyBytes:    cfg.Server.MaxBodyBytes,
		TaskTTL:         cfg.Server.TaskTTL,
		Service:         service,
		Auth:            newAuthService(cfg.Auth),
		Gatherer:        rt.registry,
		DisableMetrics:  cfg.Observability.Metrics.Enabled != nil && !*cfg.Observability.Metrics.Enabled,
		Logger:          logger,
		Metrics:         rt.metrics,
		Tracer:          rt.tracer,
		RateLimit: gateway.RateLimit{
			RequestsPerSecond: cfg.Server.RateLimit.RequestsPerSecond,
			Burst:             cfg.Server.RateLimit.Burst,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to initialize gateway: %w", err)
	}

	if opts.watch {
		watcher, err := config.Watch(ctx, configPath, rt.applyPolicy, config.WatchOptions{Logger: logger})
		if err != nil {
			return fmt.Errorf("failed to watch config: %w", err)
		}
		defer watcher.Close()
	}

	if err := server.Start(ctx); err != nil {
		return err
	}
	logger.Info("butler gateway started", "addr", server.Addr())

	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	if err := server.Shutdown(context.Background()); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return nil
}
