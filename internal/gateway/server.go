// Package gateway serves tasks over HTTP: a streaming task endpoint, the
// caller-side tool result endpoint, one-shot text generation, health and
// metrics.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/butler/internal/agent"
	"github.com/haasonsaas/butler/internal/auth"
	"github.com/haasonsaas/butler/internal/observability"
)

// ErrNoService is returned by New without an agent service.
var ErrNoService = errors.New("gateway: agent service is required")

const (
	defaultShutdownTimeout = 10 * time.Second
	defaultMaxBodyBytes    = 10 << 20
)

// Config wires the gateway.
type Config struct {
	Host string
	Port int

	// AllowedOrigins enables CORS for the listed origins; "*" allows all.
	AllowedOrigins []string

	ShutdownTimeout time.Duration
	MaxBodyBytes    int64
	RateLimit       RateLimit

	// Service runs tasks. Required.
	Service *agent.Service

	// Auth guards the /ai routes. Nil or disabled lets every caller in.
	Auth *auth.Service

	// Store defaults to a MemoryTaskStore whose entries live for TaskTTL,
	// or DefaultTaskTTL when TaskTTL is zero.
	Store   TaskStore
	TaskTTL time.Duration

	// Gatherer backs /metrics. Defaults to prometheus.DefaultGatherer.
	Gatherer       prometheus.Gatherer
	DisableMetrics bool

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// Server is the HTTP front end for an agent.Service.
type Server struct {
	config       Config
	service      *agent.Service
	store        TaskStore
	ownedStore   *MemoryTaskStore
	logger       *slog.Logger
	maxBodyBytes int64
	limiter      *rateLimiter
	now          func() time.Time

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
}

// New validates cfg and builds a server. It does not listen.
func New(cfg Config) (*Server, error) {
	if cfg.Service == nil {
		return nil, ErrNoService
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		config:       cfg,
		service:      cfg.Service,
		store:        cfg.Store,
		logger:       cfg.Logger.With("component", "gateway"),
		maxBodyBytes: cfg.MaxBodyBytes,
		now:          time.Now,
	}
	s.limiter = newRateLimiter(cfg.RateLimit, func() time.Time { return s.now() })
	if s.store == nil {
		s.ownedStore = NewMemoryTaskStore(cfg.TaskTTL, time.Minute)
		s.store = s.ownedStore
	}
	return s, nil
}

// Handler returns the routed and wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	limit := rateLimitMiddleware(s.limiter, s.logger)
	api := http.NewServeMux()
	api.Handle("POST /ai/task", limit(http.HandlerFunc(s.handleTask)))
	api.HandleFunc("POST /ai/functionCallResult", s.handleToolCallResult)
	api.Handle("POST /ai/generateText", limit(http.HandlerFunc(s.handleGenerateText)))

	mux := http.NewServeMux()
	if !s.config.DisableMetrics {
		mux.Handle("/metrics", promhttp.HandlerFor(s.config.Gatherer, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("/ai/", auth.Middleware(s.config.Auth, s.logger)(api))

	var h http.Handler = mux
	h = corsMiddleware(s.config.AllowedOrigins)(h)
	h = metricsMiddleware(s.config.Metrics, s.config.Tracer)(h)
	h = loggingMiddleware(s.logger)(h)
	return h
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpServer != nil {
		return errors.New("gateway: already started")
	}

	addr := net.JoinHostPort(s.config.Host, fmt.Sprint(s.config.Port))
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	s.httpServer = server
	s.listener = listener

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()
	s.logger.Info("starting http server", "addr", listener.Addr().String())
	return nil
}

// Addr returns the listening address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting requests and waits for in-flight ones until ctx
// or the configured shutdown timeout ends.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	server := s.httpServer
	s.httpServer = nil
	s.listener = nil
	s.mu.Unlock()

	if s.ownedStore != nil {
		defer s.ownedStore.Close()
	}
	if server == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http server shutdown error", "error", err)
		return err
	}
	return nil
}
