package providers

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	openai "github.com/sashabaranov/go-openai"
)

func TestErrorReasonIsRetryable(t *testing.T) {
	tests := []struct {
		reason   ErrorReason
		expected bool
	}{
		{ReasonRateLimit, true},
		{ReasonTimeout, true},
		{ReasonServerError, true},
		{ReasonBilling, false},
		{ReasonAuth, false},
		{ReasonInvalidRequest, false},
		{ReasonModelUnavailable, false},
		{ReasonContentFilter, false},
		{ReasonUnknown, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.reason), func(t *testing.T) {
			if got := tt.reason.IsRetryable(); got != tt.expected {
				t.Errorf("ErrorReason(%q).IsRetryable() = %v, want %v", tt.reason, got, tt.expected)
			}
		})
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorReason
	}{
		{"nil", nil, ReasonUnknown},
		{"deadline", context.DeadlineExceeded, ReasonTimeout},
		{"rate limit", errors.New("Rate limit exceeded"), ReasonRateLimit},
		{"429", errors.New("status 429"), ReasonRateLimit},
		{"auth", errors.New("invalid api key provided"), ReasonAuth},
		{"billing", errors.New("insufficient quota"), ReasonBilling},
		{"content filter", errors.New("blocked by content_filter"), ReasonContentFilter},
		{"model", errors.New("model not found: gpt-9"), ReasonModelUnavailable},
		{"server", errors.New("upstream returned 502"), ReasonServerError},
		{"other", errors.New("something odd"), ReasonUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != tt.expected {
				t.Errorf("ClassifyError(%v) = %q, want %q", tt.err, got, tt.expected)
			}
		})
	}
}

func TestProviderErrorWithStatus(t *testing.T) {
	tests := []struct {
		status   int
		expected ErrorReason
	}{
		{401, ReasonAuth},
		{403, ReasonAuth},
		{402, ReasonBilling},
		{408, ReasonTimeout},
		{429, ReasonRateLimit},
		{400, ReasonInvalidRequest},
		{422, ReasonInvalidRequest},
		{404, ReasonModelUnavailable},
		{503, ReasonServerError},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			err := NewProviderError("openai", "gpt-4o", errors.New("request failed")).WithStatus(tt.status)
			if err.Reason != tt.expected {
				t.Errorf("Reason = %q, want %q", err.Reason, tt.expected)
			}
		})
	}
}

func TestProviderErrorWithCodeKeepsKnownReason(t *testing.T) {
	err := NewProviderError("openai", "", errors.New("x")).WithStatus(429).WithCode("some_new_code")
	if err.Reason != ReasonRateLimit {
		t.Errorf("Reason = %q, an unknown code must not reclassify", err.Reason)
	}
	if err.Code != "some_new_code" {
		t.Errorf("Code = %q", err.Code)
	}
}

func TestProviderErrorString(t *testing.T) {
	err := NewProviderError("anthropic", "claude", errors.New("boom")).WithStatus(500)
	want := "[server_error] anthropic model=claude status=500 boom"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
	if !errors.Is(err, err.Cause) {
		t.Error("ProviderError does not unwrap to its cause")
	}
}

func TestWrapOpenAIError(t *testing.T) {
	if wrapOpenAIError("openai", "m", nil) != nil {
		t.Fatal("wrapOpenAIError(nil) != nil")
	}

	apiErr := &openai.APIError{HTTPStatusCode: 429, Message: "slow down", Code: "rate_limit_exceeded"}
	wrapped := wrapOpenAIError("openai", "gpt-4o", fmt.Errorf("create stream: %w", apiErr))
	providerErr, ok := GetProviderError(wrapped)
	if !ok {
		t.Fatalf("expected ProviderError, got %T", wrapped)
	}
	if providerErr.Reason != ReasonRateLimit || providerErr.Status != 429 {
		t.Errorf("got reason %q status %d", providerErr.Reason, providerErr.Status)
	}
	if providerErr.Message != "slow down" || providerErr.Code != "rate_limit_exceeded" {
		t.Errorf("got message %q code %q", providerErr.Message, providerErr.Code)
	}
	if !IsRetryable(wrapped) {
		t.Error("rate limit should be retryable")
	}

	reqErr := &openai.RequestError{HTTPStatusCode: 503, Err: errors.New("unavailable")}
	providerErr, _ = GetProviderError(wrapOpenAIError("azure", "gpt-4o", reqErr))
	if providerErr.Reason != ReasonServerError || providerErr.Provider != "azure" {
		t.Errorf("got reason %q provider %q", providerErr.Reason, providerErr.Provider)
	}

	if again := wrapOpenAIError("openai", "gpt-4o", wrapped); again != wrapped {
		t.Error("an already wrapped error should be returned as is")
	}
}

func TestWrapAnthropicError(t *testing.T) {
	apiErr := &anthropic.Error{StatusCode: 429, RequestID: "req_123"}
	providerErr, ok := GetProviderError(wrapAnthropicError("claude-sonnet-4", apiErr))
	if !ok {
		t.Fatal("expected ProviderError")
	}
	if providerErr.Status != 429 || providerErr.Reason != ReasonRateLimit {
		t.Errorf("got status %d reason %q", providerErr.Status, providerErr.Reason)
	}
	if providerErr.RequestID != "req_123" {
		t.Errorf("RequestID = %q", providerErr.RequestID)
	}
	if providerErr.Message != "anthropic request failed" {
		t.Errorf("Message = %q", providerErr.Message)
	}

	plain := wrapAnthropicError("claude", errors.New("connection reset"))
	if providerErr, _ := GetProviderError(plain); providerErr.Provider != "anthropic" {
		t.Errorf("Provider = %q", providerErr.Provider)
	}
}

func TestIsRetryable(t *testing.T) {
	if IsRetryable(nil) {
		t.Error("IsRetryable(nil) = true")
	}
	if !IsRetryable(errors.New("upstream overloaded")) {
		t.Error("overloaded should be retryable")
	}
	if IsRetryable(NewProviderError("openai", "", errors.New("timeout")).WithStatus(401)) {
		t.Error("the classified reason wins over the message")
	}
}
