package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/vietddude/llmbatch/internal/core/domain"
	"github.com/vietddude/llmbatch/internal/processing/classify"
	"github.com/vietddude/llmbatch/internal/processing/retry"
)

// Default gjson paths into the HTTP provider's response body.
const (
	DefaultTextPath             = "text"
	DefaultPromptTokensPath     = "usage.prompt_tokens"
	DefaultCompletionTokensPath = "usage.completion_tokens"
)

// HTTPProvider posts {"model","prompt","max_tokens"} as JSON and reads the
// completion text from the response at a configurable gjson path, which
// covers most self-hosted inference servers.
type HTTPProvider struct {
	healthTracker

	endpoint   string
	apiKey     string
	model      string
	maxTokens  int64
	headers    map[string]string
	textPath   string
	prompt     *Prompt
	httpClient *http.Client
}

// NewHTTPProvider creates a new HTTP completion provider.
func NewHTTPProvider(cfg Config, prompt *Prompt) (*HTTPProvider, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("llm base_url is required for the http provider")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	textPath := cfg.TextPath
	if textPath == "" {
		textPath = DefaultTextPath
	}

	return &HTTPProvider{
		endpoint:  cfg.BaseURL,
		apiKey:    cfg.APIKey,
		model:     cfg.Model,
		maxTokens: cfg.MaxOutputTokens,
		headers:   cfg.Headers,
		textPath:  textPath,
		prompt:    prompt,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}, nil
}

func (p *HTTPProvider) Name() string { return ProviderHTTP }

// Complete makes a single completion call.
func (p *HTTPProvider) Complete(ctx context.Context, unit domain.Unit) (retry.Response, error) {
	text, err := p.prompt.Render(unit)
	if err != nil {
		return retry.Response{}, classify.NewProviderError(classify.ReasonBadRequest, err)
	}

	reqBody := map[string]any{
		"model":  p.model,
		"prompt": text,
	}
	if p.maxTokens > 0 {
		reqBody["max_tokens"] = p.maxTokens
	}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return retry.Response{}, classify.NewProviderError(classify.ReasonBadRequest, fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return retry.Response{}, classify.NewProviderError(classify.ReasonBadRequest, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	for k, v := range p.headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.recordFailure()
		return retry.Response{}, fmt.Errorf("completion call: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		p.recordFailure()
		return retry.Response{}, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		p.recordFailure()
		d := classify.FromStatus(resp.StatusCode, errorMessage(body))
		d.RetryAfter = retryAfterFromHeader(resp.Header, time.Now())
		return retry.Response{}, &classify.ProviderError{
			Descriptor: d,
			Err:        fmt.Errorf("http %d: %s", resp.StatusCode, d.Message),
		}
	}

	// The call itself succeeded; a body of the wrong shape is a parse failure.
	p.recordSuccess(time.Since(start))
	if !gjson.ValidBytes(body) {
		return retry.Response{}, fmt.Errorf("%w: response body is not JSON", retry.ErrMalformedResponse)
	}
	result := gjson.ParseBytes(body)
	out := result.Get(p.textPath)
	if !out.Exists() {
		return retry.Response{}, fmt.Errorf("%w: response has no %q", retry.ErrMalformedResponse, p.textPath)
	}

	usage := domain.TokenUsage{
		PromptTokens:     result.Get(DefaultPromptTokensPath).Int(),
		CompletionTokens: result.Get(DefaultCompletionTokensPath).Int(),
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens

	model := result.Get("model").String()
	if model == "" {
		model = p.model
	}
	return retry.Response{Text: out.String(), Usage: usage, Model: model}, nil
}

// errorMessage pulls a message out of common error body shapes.
func errorMessage(body []byte) string {
	for _, path := range []string{"error.message", "error", "message", "detail"} {
		if v := gjson.GetBytes(body, path); v.Exists() && v.Type == gjson.String {
			return v.String()
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	return msg
}
