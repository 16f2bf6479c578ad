// Package providers implements agent.LLMProvider for the supported
// chat-completion backends.
package providers

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/haasonsaas/butler/internal/agent"
)

// Config selects and configures a backend.
type Config struct {
	// Provider is one of openai, azure, openrouter, ollama or anthropic.
	// Empty means openai.
	Provider     string
	APIKey       string
	BaseURL      string
	DefaultModel string

	// MaxRetries is the number of attempts made to open a stream.
	MaxRetries int
	RetryDelay time.Duration
	MaxTokens  int

	HTTPClient *http.Client

	// DisableNativeTools makes SupportsTools report false so the agent
	// falls back to the marker protocol.
	DisableNativeTools bool
}

var defaultBaseURLs = map[string]string{
	"openrouter": "https://openrouter.ai/api/v1",
	"ollama":     "http://localhost:11434/v1",
}

// New returns the provider named by cfg.Provider.
func New(cfg Config) (agent.LLMProvider, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Provider))
	switch name {
	case "", "openai", "azure":
		if name == "" {
			name = "openai"
		}
		cfg.Provider = name
		return NewOpenAIProvider(cfg)
	case "openrouter", "ollama":
		cfg.Provider = name
		if cfg.BaseURL == "" {
			cfg.BaseURL = defaultBaseURLs[name]
		}
		return NewOpenAIProvider(cfg)
	case "anthropic":
		return NewAnthropicProvider(cfg)
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}
