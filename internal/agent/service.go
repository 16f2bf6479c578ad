package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/haasonsaas/butler/internal/observability"
	"github.com/haasonsaas/butler/pkg/models"
)

// ServiceConfig wires the collaborators shared by every task.
type ServiceConfig struct {
	// Provider streams completions. Required.
	Provider LLMProvider

	// Tools holds the server-side tools. Defaults to an empty registry.
	Tools *ToolRegistry

	// Model is passed through to the provider; empty uses its default.
	Model string

	// NativeTools sends tool definitions in the request when the provider
	// supports them. Otherwise the marker protocol is used.
	NativeTools bool

	// SystemPrompt, when set, is sent as a system message ahead of history.
	SystemPrompt string

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// Service creates tasks and answers one-shot completions.
type Service struct {
	provider     LLMProvider
	tools        *ToolRegistry
	model        string
	native       bool
	systemPrompt string
	logger       *slog.Logger
	metrics      *observability.Metrics
	tracer       *observability.Tracer
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Provider == nil {
		return nil, ErrNoProvider
	}
	if cfg.Tools == nil {
		cfg.Tools = NewToolRegistry()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		provider:     cfg.Provider,
		tools:        cfg.Tools,
		model:        cfg.Model,
		native:       cfg.NativeTools && cfg.Provider.SupportsTools(),
		systemPrompt: strings.TrimSpace(cfg.SystemPrompt),
		logger:       cfg.Logger.With("component", "agent"),
		metrics:      cfg.Metrics,
		tracer:       cfg.Tracer,
	}, nil
}

// Tools returns the service's tool registry.
func (s *Service) Tools() *ToolRegistry {
	return s.tools
}

// NativeTools reports whether rounds use native tool calling.
func (s *Service) NativeTools() bool {
	return s.native
}

// NewTask creates a pending task bound to this service.
func (s *Service) NewTask(opts TaskOptions) *Task {
	return newTask(s, opts)
}

// ChatResult is the outcome of a one-shot completion.
type ChatResult struct {
	Content   string            `json:"content"`
	ToolCalls []models.ToolCall `json:"tool_calls,omitempty"`
}

// Chat runs a single non-interactive completion over history. With tools,
// applicable registry tools plus extra are offered and any calls the model
// makes are returned, not executed.
func (s *Service) Chat(ctx context.Context, history []models.Message, withTools bool, extra ...ToolDefinition) (*ChatResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var tools []ToolDefinition
	if withTools {
		applicable, err := s.tools.ApplicableTools(ctx, nil)
		if err != nil {
			return nil, err
		}
		tools = mergeTools(applicable, extra)
	}

	req := s.buildRequest(history, tools)
	chunks, err := s.complete(ctx, req)
	if err != nil {
		return nil, err
	}

	var (
		text   strings.Builder
		native []models.ToolCall
	)
	for chunk := range chunks {
		if chunk == nil {
			continue
		}
		if chunk.Error != nil {
			return nil, chunk.Error
		}
		text.WriteString(chunk.Text)
		if chunk.ToolCall != nil {
			native = append(native, *chunk.ToolCall)
		}
	}

	result := &ChatResult{Content: text.String(), ToolCalls: native}
	if withTools && !s.native {
		content, calls := ExtractToolCalls(result.Content)
		result.Content = content
		result.ToolCalls = append(result.ToolCalls, calls...)
	}
	return result, nil
}

// GenerateText answers prompt after history without offering tools.
func (s *Service) GenerateText(ctx context.Context, history []models.Message, prompt string) (string, error) {
	msgs := append(cloneMessages(history), models.Message{Role: models.RoleUser, Content: prompt})
	res, err := s.Chat(ctx, msgs, false)
	if err != nil {
		return "", err
	}
	return res.Content, nil
}

func (s *Service) buildRequest(history []models.Message, tools []ToolDefinition) *CompletionRequest {
	if s.systemPrompt != "" {
		history = append([]models.Message{{Role: models.RoleSystem, Content: s.systemPrompt}}, history...)
	}
	return BuildRequest(s.model, history, tools, s.native)
}

// complete opens a stream and instruments it. The returned channel is
// closed when the provider's stream ends.
func (s *Service) complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	ctx, span := s.tracer.TraceLLMRequest(ctx, s.provider.Name(), req.Model)
	start := time.Now()

	chunks, err := s.provider.Complete(ctx, req)
	if err != nil {
		s.tracer.RecordError(span, err)
		span.End()
		s.metrics.RecordLLMRequest(s.provider.Name(), req.Model, "error", time.Since(start), 0, 0)
		s.metrics.RecordError("provider", "request")
		return nil, fmt.Errorf("%s completion: %w", s.provider.Name(), err)
	}

	out := make(chan *CompletionChunk)
	go func() {
		defer close(out)
		defer span.End()
		status := "success"
		var promptTokens, completionTokens int
		for chunk := range chunks {
			if chunk != nil {
				if chunk.Error != nil {
					status = "error"
					s.tracer.RecordError(span, chunk.Error)
				}
				promptTokens += chunk.InputTokens
				completionTokens += chunk.OutputTokens
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				// Drain so the provider goroutine can exit.
				for range chunks {
				}
				s.metrics.RecordLLMRequest(s.provider.Name(), req.Model, "cancelled", time.Since(start), promptTokens, completionTokens)
				return
			}
		}
		s.metrics.RecordLLMRequest(s.provider.Name(), req.Model, status, time.Since(start), promptTokens, completionTokens)
	}()
	return out, nil
}

// mergeTools appends extra to base; an extra tool replaces a base tool of
// the same name.
func mergeTools(base, extra []ToolDefinition) []ToolDefinition {
	if len(extra) == 0 {
		return base
	}
	names := make(map[string]struct{}, len(extra))
	for _, def := range extra {
		names[def.Name] = struct{}{}
	}
	out := make([]ToolDefinition, 0, len(base)+len(extra))
	for _, def := range base {
		if _, ok := names[def.Name]; !ok {
			out = append(out, def)
		}
	}
	return append(out, extra...)
}
