// Package observability provides structured logging, Prometheus metrics and
// OpenTelemetry tracing for butler.
//
// # Logging
//
// NewLogger returns a *slog.Logger whose handler redacts secrets (API keys,
// bearer tokens, JWTs, passwords) from messages and attributes and adds
// correlation ids stored in the context (request, user, task, chat, tool call):
//
//	logger := observability.NewLogger(observability.LogConfig{Level: "info", Format: "json"})
//	ctx = observability.AddTaskID(ctx, task.ID())
//	logger.InfoContext(ctx, "task started", "tools", len(tools))
//
// # Metrics
//
// NewMetrics registers collectors with the given prometheus.Registerer. All
// recording methods accept a nil *Metrics, so components can run without
// metrics in tests.
//
// # Tracing
//
// NewTracer exports spans over OTLP/gRPC when an endpoint is configured and
// is a no-op otherwise. A nil *Tracer is also a valid no-op.
package observability
