// Package llm holds the completion backends: an OpenAI-compatible chat
// client and a generic JSON-over-HTTP client. Both translate failures into
// classify descriptors so the retry layer can tell transient from fatal.
package llm

import (
	"fmt"
	"time"

	"github.com/vietddude/llmbatch/internal/processing/retry"
)

const (
	ProviderOpenAI = "openai"
	ProviderHTTP   = "http"
)

// Provider is a completion backend with call statistics.
type Provider interface {
	retry.Completion
	Name() string
	Health() Health
}

// Config selects and configures a provider.
type Config struct {
	Provider        string
	BaseURL         string
	APIKey          string
	Model           string
	MaxOutputTokens int64
	Timeout         time.Duration
	Headers         map[string]string
	TextPath        string
}

// New builds the configured provider.
func New(cfg Config, prompt *Prompt) (Provider, error) {
	switch cfg.Provider {
	case "", ProviderOpenAI:
		return NewOpenAIProvider(cfg, prompt)
	case ProviderHTTP:
		return NewHTTPProvider(cfg, prompt)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}
