// Package config loads the butler configuration file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/butler/internal/database"
	"github.com/haasonsaas/butler/internal/sqlguard"
)

// Config is the main configuration structure for butler.
type Config struct {
	Version       int                 `yaml:"version"`
	Server        ServerConfig        `yaml:"server"`
	LLM           LLMConfig           `yaml:"llm"`
	Database      DatabaseConfig      `yaml:"database"`
	Auth          AuthConfig          `yaml:"auth"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
	Policy        PolicyConfig        `yaml:"policy"`
}

type ServerConfig struct {
	Host            string          `yaml:"host"`
	HTTPPort        int             `yaml:"http_port"`
	TaskTTL         time.Duration   `yaml:"task_ttl"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout"`
	AllowedOrigins  []string        `yaml:"allowed_origins"`
	MaxBodyBytes    int64           `yaml:"max_body_bytes"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig throttles task and text generation requests per caller.
// Zero requests_per_second disables it.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

type LLMConfig struct {
	// Provider is one of openai, azure, openrouter, ollama or anthropic.
	Provider     string `yaml:"provider"`
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	DefaultModel string `yaml:"default_model"`

	// NativeTools sends tool definitions to providers that support them.
	// Unset means true.
	NativeTools  *bool         `yaml:"native_tools"`
	SystemPrompt string        `yaml:"system_prompt"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
	MaxTokens    int           `yaml:"max_tokens"`
}

// UseNativeTools reports the effective native_tools setting.
func (c LLMConfig) UseNativeTools() bool {
	return c.NativeTools == nil || *c.NativeTools
}

type DatabaseConfig struct {
	// Driver is mysql, postgres or sqlite. An empty URL disables the
	// database tools.
	Driver          string        `yaml:"driver"`
	URL             string        `yaml:"url"`
	MaxConnections  int           `yaml:"max_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	MaxRows         int           `yaml:"max_rows"`
}

// Enabled reports whether a database is configured.
func (c DatabaseConfig) Enabled() bool {
	return strings.TrimSpace(c.URL) != ""
}

type AuthConfig struct {
	JWTSecret   string         `yaml:"jwt_secret"`
	TokenExpiry time.Duration  `yaml:"token_expiry"`
	APIKeys     []APIKeyConfig `yaml:"api_keys"`
}

type APIKeyConfig struct {
	Key    string   `yaml:"key"`
	UserID string   `yaml:"user_id"`
	Name   string   `yaml:"name"`
	Roles  []string `yaml:"roles"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

type MetricsConfig struct {
	// Enabled serves /metrics. Unset means true.
	Enabled *bool `yaml:"enabled"`
}

type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	Environment string  `yaml:"environment"`
	SampleRate  float64 `yaml:"sample_rate"`
	Insecure    bool    `yaml:"insecure"`
}

// Policy sources.
const (
	PolicySourceStatic   = "static"
	PolicySourceDatabase = "database"
)

// PolicyConfig declares what each role may do with the database.
type PolicyConfig struct {
	Source      string                     `yaml:"source"`
	DefaultRole string                     `yaml:"default_role"`
	GrantsTable string                     `yaml:"grants_table"`
	Roles       map[string]sqlguard.Policy `yaml:"roles"`
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8080
	}
	if cfg.Server.TaskTTL == 0 {
		cfg.Server.TaskTTL = 30 * time.Minute
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "openai"
	}
	if cfg.LLM.MaxRetries == 0 {
		cfg.LLM.MaxRetries = 3
	}
	if cfg.LLM.RetryDelay == 0 {
		cfg.LLM.RetryDelay = time.Second
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "mysql"
	}
	if cfg.Database.MaxConnections == 0 {
		cfg.Database.MaxConnections = 10
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Auth.TokenExpiry == 0 {
		cfg.Auth.TokenExpiry = 24 * time.Hour
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Observability.Tracing.ServiceName == "" {
		cfg.Observability.Tracing.ServiceName = "butler"
	}
	if cfg.Observability.Tracing.SampleRate == 0 {
		cfg.Observability.Tracing.SampleRate = 1
	}
	if cfg.Policy.Source == "" {
		cfg.Policy.Source = PolicySourceStatic
	}
	if cfg.Policy.GrantsTable == "" {
		cfg.Policy.GrantsTable = sqlguard.DefaultGrantsTable
	}
}

// Validate reports every problem found in cfg.
func (cfg *Config) Validate() error {
	var errs []error
	if err := ValidateVersion(cfg.Version); err != nil {
		errs = append(errs, err)
	}
	if cfg.Server.HTTPPort < 0 || cfg.Server.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("server.http_port %d is out of range", cfg.Server.HTTPPort))
	}
	if cfg.Server.RateLimit.RequestsPerSecond < 0 || cfg.Server.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("server.rate_limit values must not be negative"))
	}
	if cfg.Server.TaskTTL < 0 {
		errs = append(errs, errors.New("server.task_ttl must not be negative"))
	}

	switch strings.ToLower(cfg.LLM.Provider) {
	case "openai", "azure", "openrouter", "ollama", "anthropic":
	default:
		errs = append(errs, fmt.Errorf("llm.provider %q is not supported", cfg.LLM.Provider))
	}
	if cfg.LLM.MaxRetries < 0 {
		errs = append(errs, errors.New("llm.max_retries must not be negative"))
	}

	if _, err := database.ParseDialect(cfg.Database.Driver); err != nil {
		errs = append(errs, fmt.Errorf("database.driver: %w", err))
	}

	for i, key := range cfg.Auth.APIKeys {
		if strings.TrimSpace(key.Key) == "" {
			errs = append(errs, fmt.Errorf("auth.api_keys[%d].key is required", i))
		}
	}

	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q is not supported", cfg.Logging.Level))
	}
	switch strings.ToLower(cfg.Logging.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q is not supported", cfg.Logging.Format))
	}

	tracing := cfg.Observability.Tracing
	if tracing.Enabled && strings.TrimSpace(tracing.Endpoint) == "" {
		errs = append(errs, errors.New("observability.tracing.endpoint is required when tracing is enabled"))
	}
	if tracing.SampleRate < 0 || tracing.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("observability.tracing.sample_rate %v must be between 0 and 1", tracing.SampleRate))
	}

	errs = append(errs, cfg.Policy.validate(cfg.Database)...)
	return errors.Join(errs...)
}

func (p PolicyConfig) validate(db DatabaseConfig) []error {
	var errs []error
	switch p.Source {
	case PolicySourceStatic:
	case PolicySourceDatabase:
		if !db.Enabled() {
			errs = append(errs, errors.New("policy.source database requires database.url"))
		}
	default:
		errs = append(errs, fmt.Errorf("policy.source %q must be static or database", p.Source))
	}
	for role, policy := range p.Roles {
		if err := policy.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("policy.roles.%s: %w", role, err))
		}
	}
	if p.Source == PolicySourceStatic && p.DefaultRole != "" {
		if _, ok := p.Roles[p.DefaultRole]; !ok {
			errs = append(errs, fmt.Errorf("policy.default_role %q is not declared in policy.roles", p.DefaultRole))
		}
	}
	return errs
}
