package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/haasonsaas/butler/internal/agent"
	"github.com/haasonsaas/butler/internal/agent/providers"
	"github.com/haasonsaas/butler/internal/auth"
	"github.com/haasonsaas/butler/internal/config"
	"github.com/haasonsaas/butler/internal/database"
	"github.com/haasonsaas/butler/internal/observability"
	"github.com/haasonsaas/butler/internal/sqlguard"
	tooldb "github.com/haasonsaas/butler/internal/tools/database"
)

// runtime holds the components built from a config file.
type runtime struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	db       *database.DB

	// policies is set when roles come from the config file, so a watcher
	// can swap them.
	policies *sqlguard.StaticSource
	checker  *sqlguard.Checker

	closers []func(context.Context) error
}

func newLogger(cfg config.LoggingConfig, debug bool) *slog.Logger {
	level := cfg.Level
	if debug {
		level = "debug"
	}
	return observability.NewLogger(observability.LogConfig{
		Level:  level,
		Format: cfg.Format,
		Output: os.Stderr,
	})
}

// newBaseRuntime builds logging, metrics, tracing and database access.
// The LLM side is added by newService.
func newBaseRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*runtime, error) {
	rt := &runtime{cfg: cfg, logger: logger}

	rt.registry = prometheus.NewRegistry()
	rt.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	rt.metrics = observability.NewMetrics(rt.registry)

	traceCfg := observability.TraceConfig{
		ServiceName:    cfg.Observability.Tracing.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Observability.Tracing.Environment,
	}
	if cfg.Observability.Tracing.Enabled {
		traceCfg.Endpoint = cfg.Observability.Tracing.Endpoint
		traceCfg.SamplingRate = cfg.Observability.Tracing.SampleRate
		traceCfg.EnableInsecure = cfg.Observability.Tracing.Insecure
	}
	tracer, shutdownTracer := observability.NewTracer(traceCfg)
	rt.tracer = tracer
	rt.closers = append(rt.closers, shutdownTracer)

	if cfg.Database.Enabled() {
		db, err := database.Open(ctx, database.Config{
			Driver:          cfg.Database.Driver,
			URL:             cfg.Database.URL,
			MaxOpenConns:    cfg.Database.MaxConnections,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
			MaxRows:         cfg.Database.MaxRows,
		})
		if err != nil {
			_ = rt.Close(ctx)
			return nil, err
		}
		rt.db = db.WithTracer(tracer)
		rt.closers = append(rt.closers, func(context.Context) error { return db.Close() })
	}

	var source sqlguard.PolicySource
	switch cfg.Policy.Source {
	case config.PolicySourceDatabase:
		if rt.db == nil {
			_ = rt.Close(ctx)
			return nil, errors.New("policy source database requires a database")
		}
		source = sqlguard.NewSQLSource(rt.db.DB, string(rt.db.Dialect()), cfg.Policy.GrantsTable, cfg.Policy.DefaultRole)
	default:
		rt.policies = sqlguard.NewStaticSource(cfg.Policy.Roles, cfg.Policy.DefaultRole)
		source = rt.policies
	}

	dialect, err := database.ParseDialect(cfg.Database.Driver)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, err
	}
	checkerCfg := sqlguard.CheckerConfig{
		Source:  source,
		Dialect: sqlguard.Dialect(dialect),
		Metrics: rt.metrics,
		Logger:  logger,
	}
	if rt.db != nil {
		checkerCfg.Executor = rt.db
	}
	checker, err := sqlguard.NewChecker(checkerCfg)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, err
	}
	rt.checker = checker
	return rt, nil
}

// newService builds the provider, the server-side tools and the agent
// service.
func (rt *runtime) newService() (*agent.Service, error) {
	llm := rt.cfg.LLM
	provider, err := providers.New(providers.Config{
		Provider:           llm.Provider,
		APIKey:             llm.APIKey,
		BaseURL:            llm.BaseURL,
		DefaultModel:       llm.DefaultModel,
		MaxRetries:         llm.MaxRetries,
		RetryDelay:         llm.RetryDelay,
		MaxTokens:          llm.MaxTokens,
		DisableNativeTools: !llm.UseNativeTools(),
	})
	if err != nil {
		return nil, fmt.Errorf("llm provider: %w", err)
	}

	tools := agent.NewToolRegistry()
	if rt.db != nil {
		if err := tooldb.Register(tools, tooldb.Config{Checker: rt.checker, Inspector: rt.db.Inspector()}); err != nil {
			return nil, err
		}
	}

	return agent.NewService(agent.ServiceConfig{
		Provider:     provider,
		Tools:        tools,
		Model:        llm.DefaultModel,
		NativeTools:  llm.UseNativeTools(),
		SystemPrompt: llm.SystemPrompt,
		Logger:       rt.logger,
		Metrics:      rt.metrics,
		Tracer:       rt.tracer,
	})
}

// applyPolicy swaps the role policies after a config reload. Database
// backed policies are read per call and need no swap.
func (rt *runtime) applyPolicy(cfg *config.Config) {
	if rt.policies == nil {
		return
	}
	if cfg.Policy.Source != config.PolicySourceStatic {
		rt.logger.Warn("policy source changed; restart to apply", "source", cfg.Policy.Source)
		return
	}
	rt.policies.Update(cfg.Policy.Roles, cfg.Policy.DefaultRole)
	rt.logger.Info("policies reloaded", "roles", len(cfg.Policy.Roles))
}

func newAuthService(cfg config.AuthConfig) *auth.Service {
	keys := make([]auth.APIKeyConfig, 0, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		keys = append(keys, auth.APIKeyConfig{Key: k.Key, UserID: k.UserID, Name: k.Name, Roles: k.Roles})
	}
	return auth.NewService(auth.Config{
		JWTSecret:   cfg.JWTSecret,
		TokenExpiry: cfg.TokenExpiry,
		APIKeys:     keys,
	})
}

// Close releases resources in reverse order of creation.
func (rt *runtime) Close(ctx context.Context) error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
