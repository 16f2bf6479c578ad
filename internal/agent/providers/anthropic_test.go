package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/haasonsaas/butler/internal/agent"
	"github.com/haasonsaas/butler/pkg/models"
)

func sseEvent(name, data string) string {
	return "event: " + name + "\ndata: " + data
}

func TestNewAnthropicProvider(t *testing.T) {
	if _, err := NewAnthropicProvider(Config{}); err == nil {
		t.Error("expected error for missing API key")
	}
	p, err := NewAnthropicProvider(Config{APIKey: "k"})
	if err != nil {
		t.Fatal(err)
	}
	if p.Name() != "anthropic" || p.defaultModel != defaultAnthropicModel || p.maxTokens != defaultAnthropicMaxTokens {
		t.Errorf("defaults = %q %q %d", p.Name(), p.defaultModel, p.maxTokens)
	}
	if !p.SupportsTools() {
		t.Error("SupportsTools() = false")
	}
	if p, _ := NewAnthropicProvider(Config{APIKey: "k", DisableNativeTools: true}); p.SupportsTools() {
		t.Error("SupportsTools() = true with native tools disabled")
	}
}

func TestAnthropicProvider_StreamsTextAndToolCall(t *testing.T) {
	var body map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/messages") {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("x-api-key = %q", r.Header.Get("x-api-key"))
		}
		raw, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(raw, &body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		writeSSE(t, w,
			sseEvent("message_start", `{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","content":[],"model":"claude-test","usage":{"input_tokens":11,"output_tokens":1}}}`),
			sseEvent("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`),
			sseEvent("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Checking"}}`),
			sseEvent("content_block_stop", `{"type":"content_block_stop","index":0}`),
			sseEvent("content_block_start", `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"get_weather","input":{}}}`),
			sseEvent("content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"city\":"}}`),
			sseEvent("content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"London\"}"}}`),
			sseEvent("content_block_stop", `{"type":"content_block_stop","index":1}`),
			sseEvent("message_delta", `{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":4}}`),
			sseEvent("message_stop", `{"type":"message_stop"}`),
		)
	}))
	defer server.Close()

	p, err := NewAnthropicProvider(Config{APIKey: "test-key", BaseURL: server.URL, DefaultModel: "claude-test"})
	if err != nil {
		t.Fatal(err)
	}
	chunks, err := p.Complete(context.Background(), &agent.CompletionRequest{
		Messages: []models.Message{
			{Role: models.RoleSystem, Content: "Be brief."},
			{Role: models.RoleUser, Content: "weather in London?"},
		},
		Tools: []agent.ToolSpec{{Name: "get_weather", Parameters: json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}}}`)}},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	out := collect(t, chunks)
	if len(out) != 3 {
		t.Fatalf("got %d chunks, want 3: %+v", len(out), out)
	}
	if out[0].Text != "Checking" {
		t.Errorf("text = %q", out[0].Text)
	}
	call := out[1].ToolCall
	if call == nil || call.ID != "toolu_1" || call.Name != "get_weather" || call.Arguments != `{"city":"London"}` {
		t.Errorf("tool call = %+v", call)
	}
	if !out[2].Done || out[2].InputTokens != 11 || out[2].OutputTokens != 4 {
		t.Errorf("done chunk = %+v", out[2])
	}

	if body["model"] != "claude-test" {
		t.Errorf("model = %v", body["model"])
	}
	if system, _ := body["system"].([]any); len(system) != 1 {
		t.Errorf("system = %v", body["system"])
	}
	if msgs, _ := body["messages"].([]any); len(msgs) != 1 {
		t.Errorf("messages = %v, want the system prompt lifted out", body["messages"])
	}
	if tools, _ := body["tools"].([]any); len(tools) != 1 {
		t.Errorf("tools = %v", body["tools"])
	}
}

func TestAnthropicProvider_RetriesOverloaded(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(529)
			fmt.Fprint(w, `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`)
			return
		}
		writeSSE(t, w,
			sseEvent("message_start", `{"type":"message_start","message":{"id":"msg_2","type":"message","role":"assistant","content":[],"usage":{"input_tokens":1}}}`),
			sseEvent("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hi"}}`),
			sseEvent("message_stop", `{"type":"message_stop"}`),
		)
	}))
	defer server.Close()

	p, err := NewAnthropicProvider(Config{APIKey: "k", BaseURL: server.URL, MaxRetries: 3, RetryDelay: time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	chunks, err := p.Complete(context.Background(), &agent.CompletionRequest{
		Messages: []models.Message{{Role: models.RoleUser, Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	out := collect(t, chunks)
	if len(out) != 2 || out[0].Text != "hi" || !out[1].Done {
		t.Errorf("chunks = %+v", out)
	}
	if attempts.Load() != 2 {
		t.Errorf("attempts = %d, want 2", attempts.Load())
	}
}

func TestAnthropicProvider_AuthError(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`)
	}))
	defer server.Close()

	p, err := NewAnthropicProvider(Config{APIKey: "bad", BaseURL: server.URL, MaxRetries: 3, RetryDelay: time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	_, err = p.Complete(context.Background(), &agent.CompletionRequest{
		Messages: []models.Message{{Role: models.RoleUser, Content: "hello"}},
	})
	providerErr, ok := GetProviderError(err)
	if !ok {
		t.Fatalf("Complete() error = %v, want ProviderError", err)
	}
	if providerErr.Reason != ReasonAuth || providerErr.Message != "invalid x-api-key" || providerErr.Code != "authentication_error" {
		t.Errorf("provider error = %+v", providerErr)
	}
	if attempts.Load() != 1 {
		t.Errorf("attempts = %d, want 1", attempts.Load())
	}
}

func TestToAnthropicMessages(t *testing.T) {
	history := []models.Message{
		{Role: models.RoleSystem, Content: "one"},
		{Role: models.RoleDeveloper, Content: "two"},
		{Role: models.RoleUser, Content: "hi"},
		{Role: models.RoleAssistant, Content: "calling", ToolCalls: []models.ToolCall{
			{ID: "a", Kind: models.ToolCallFunction, Name: "f", Arguments: `{"x":1}`},
			{ID: "b", Kind: models.ToolCallCustom, Name: models.ErrorToolName, Input: "{broken"},
		}},
		{Role: models.RoleTool, ToolCallID: "a", Content: "1"},
		{Role: models.RoleTool, ToolCallID: "b", Content: ""},
	}

	system, msgs := ToAnthropicMessages(history)
	if system != "one\n\ntwo" {
		t.Errorf("system = %q", system)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	if msgs[1].Role != anthropic.MessageParamRoleAssistant || len(msgs[1].Content) != 3 {
		t.Errorf("assistant message = %+v", msgs[1])
	}
	if msgs[2].Role != anthropic.MessageParamRoleUser || len(msgs[2].Content) != 2 {
		t.Errorf("tool results should merge into one user message, got %+v", msgs[2])
	}
}

func TestAnthropicToolInput(t *testing.T) {
	tests := []struct {
		name string
		call models.ToolCall
		want string
	}{
		{"object", models.ToolCall{Kind: models.ToolCallFunction, Arguments: `{"a":"b"}`}, `{"a":"b"}`},
		{"empty", models.ToolCall{Kind: models.ToolCallFunction}, `{}`},
		{"not an object", models.ToolCall{Kind: models.ToolCallFunction, Arguments: `[1]`}, `{"input":"[1]"}`},
		{"custom", models.ToolCall{Kind: models.ToolCallCustom, Input: "raw"}, `{"input":"raw"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := json.Marshal(anthropicToolInput(tt.call))
			if string(got) != tt.want {
				t.Errorf("anthropicToolInput() = %s, want %s", got, tt.want)
			}
		})
	}
}
