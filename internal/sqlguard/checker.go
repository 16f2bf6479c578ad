package sqlguard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/haasonsaas/butler/internal/observability"
)

// PolicySource returns the policy for the caller identified by ctx.
type PolicySource interface {
	Policy(ctx context.Context) (Policy, error)
}

// PolicySourceFunc adapts a function to PolicySource.
type PolicySourceFunc func(ctx context.Context) (Policy, error)

// Policy calls f.
func (f PolicySourceFunc) Policy(ctx context.Context) (Policy, error) {
	return f(ctx)
}

// Executor runs raw SQL. The result is whatever the backend returns for
// the statement.
type Executor interface {
	Execute(ctx context.Context, query string) (any, error)
}

// ErrNoExecutor is returned by ExecuteSQL when no executor is configured.
var ErrNoExecutor = errors.New("no sql executor configured")

// CheckerConfig wires a Checker.
type CheckerConfig struct {
	Source   PolicySource
	Executor Executor
	// Dialect is the backend's SQL dialect. Empty means MySQL.
	Dialect Dialect
	Metrics *observability.Metrics
	Logger  *slog.Logger
}

// Checker authorizes statements for the caller in ctx and forwards
// permitted ones to the executor.
type Checker struct {
	source  PolicySource
	exec    Executor
	dialect Dialect
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewChecker returns a Checker. A policy source is required.
func NewChecker(cfg CheckerConfig) (*Checker, error) {
	if cfg.Source == nil {
		return nil, errors.New("sqlguard: policy source is required")
	}
	if !cfg.Dialect.Valid() {
		return nil, fmt.Errorf("sqlguard: unknown dialect %q", cfg.Dialect)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Checker{
		source:  cfg.Source,
		exec:    cfg.Executor,
		dialect: cfg.Dialect.orDefault(),
		metrics: cfg.Metrics,
		logger:  cfg.Logger.With("component", "sqlguard"),
	}, nil
}

// Policy returns the caller's policy.
func (c *Checker) Policy(ctx context.Context) (Policy, error) {
	policy, err := c.source.Policy(ctx)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	return policy, nil
}

// Extract lists what query accesses, read in the checker's dialect.
func (c *Checker) Extract(query string) (*Access, error) {
	return ExtractDialect(query, c.dialect)
}

// Check authorizes query for the caller. See Authorize for the error
// contract.
func (c *Checker) Check(ctx context.Context, query string) error {
	policy, err := c.Policy(ctx)
	if err != nil {
		c.metrics.RecordSQLAuthorization("error")
		return err
	}

	err = AuthorizeDialect(query, policy, c.dialect)
	switch {
	case err == nil:
		c.metrics.RecordSQLAuthorization("allowed")
	case IsDenial(err):
		c.metrics.RecordSQLAuthorization("denied")
		c.logger.InfoContext(ctx, "sql denied", "reason", err.Error())
	default:
		c.metrics.RecordSQLAuthorization("invalid")
		c.logger.DebugContext(ctx, "sql rejected", "error", err)
	}
	return err
}

// ExecuteSQL runs query when the caller's policy permits it. The statement
// is passed to the executor unchanged.
func (c *Checker) ExecuteSQL(ctx context.Context, query string) (any, error) {
	if err := c.Check(ctx, query); err != nil {
		return nil, err
	}
	if c.exec == nil {
		return nil, ErrNoExecutor
	}
	return c.exec.Execute(ctx, query)
}
