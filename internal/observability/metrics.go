package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects butler's Prometheus metrics.
//
// Every recording method is safe to call on a nil *Metrics.
//
// Usage:
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	metrics.TaskStarted()
//	defer metrics.TaskEnded("finished")
type Metrics struct {
	// TaskCounter counts tasks by outcome.
	// Labels: outcome (finished|stopped|error)
	TaskCounter *prometheus.CounterVec

	// ActiveTasks is a gauge of tasks currently running.
	ActiveTasks prometheus.Gauge

	// RoundCounter counts model rounds across all tasks.
	RoundCounter prometheus.Counter

	// LLMRequestDuration measures the time until a round's stream ends.
	// Labels: provider, model
	// Buckets: 0.1s, 0.5s, 1s, 2s, 5s, 10s, 30s, 60s
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM requests.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption reported by the backend.
	// Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool calls.
	// Labels: tool_name, status (success|error|deferred|invalid)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// SQLAuthorizationCounter counts SQL authorization decisions.
	// Labels: decision (allowed|denied|unparseable)
	SQLAuthorizationCounter *prometheus.CounterVec

	// ErrorCounter tracks errors by component and type.
	// Labels: component (agent|gateway|database|provider), error_type
	ErrorCounter *prometheus.CounterVec

	// HTTPRequestDuration measures HTTP request latency.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec

	// HTTPRequestCounter counts HTTP requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// registers with prometheus.DefaultRegisterer; tests pass a fresh
// prometheus.NewRegistry().
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		TaskCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "butler_tasks_total",
				Help: "Total number of tasks by outcome",
			},
			[]string{"outcome"},
		),

		ActiveTasks: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "butler_active_tasks",
				Help: "Number of tasks currently running",
			},
		),

		RoundCounter: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "butler_rounds_total",
				Help: "Total number of model rounds",
			},
		),

		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "butler_llm_request_duration_seconds",
				Help:    "Duration of streamed LLM requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "butler_llm_requests_total",
				Help: "Total number of LLM requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "butler_llm_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "butler_tool_executions_total",
				Help: "Total number of tool calls by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "butler_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		SQLAuthorizationCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "butler_sql_authorizations_total",
				Help: "Total number of SQL authorization decisions",
			},
			[]string{"decision"},
		),

		ErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "butler_errors_total",
				Help: "Total number of errors by component and error type",
			},
			[]string{"component", "error_type"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "butler_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "butler_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
	}
}

// TaskStarted increments the active task gauge.
func (m *Metrics) TaskStarted() {
	if m == nil {
		return
	}
	m.ActiveTasks.Inc()
}

// TaskEnded decrements the active task gauge and counts the outcome.
func (m *Metrics) TaskEnded(outcome string) {
	if m == nil {
		return
	}
	m.ActiveTasks.Dec()
	m.TaskCounter.WithLabelValues(outcome).Inc()
}

// RoundStarted counts a model round.
func (m *Metrics) RoundStarted() {
	if m == nil {
		return
	}
	m.RoundCounter.Inc()
}

// RecordLLMRequest records metrics for an LLM request.
//
// Example:
//
//	start := time.Now()
//	// ... stream the round ...
//	metrics.RecordLLMRequest("openai", "gpt-4o", "success", time.Since(start), 100, 500)
func (m *Metrics) RecordLLMRequest(provider, model, status string, d time.Duration, promptTokens, completionTokens int) {
	if m == nil {
		return
	}
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(d.Seconds())
	if promptTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordToolExecution records a tool call. Deferred calls are counted with
// their wait time.
func (m *Metrics) RecordToolExecution(toolName, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(d.Seconds())
}

// RecordSQLAuthorization counts an authorization decision.
func (m *Metrics) RecordSQLAuthorization(decision string) {
	if m == nil {
		return
	}
	m.SQLAuthorizationCounter.WithLabelValues(decision).Inc()
}

// RecordError increments the error counter for a given component and error type.
func (m *Metrics) RecordError(component, errorType string) {
	if m == nil {
		return
	}
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}

// RecordHTTPRequest records metrics for an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, d time.Duration) {
	if m == nil {
		return
	}
	code := strconv.Itoa(statusCode)
	m.HTTPRequestCounter.WithLabelValues(method, path, code).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, code).Observe(d.Seconds())
}
