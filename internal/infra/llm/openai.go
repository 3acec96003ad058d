package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/vietddude/llmbatch/internal/core/domain"
	"github.com/vietddude/llmbatch/internal/processing/classify"
	"github.com/vietddude/llmbatch/internal/processing/retry"
)

// OpenAIProvider calls an OpenAI-compatible chat completions endpoint.
type OpenAIProvider struct {
	healthTracker

	client    openai.Client
	model     string
	maxTokens int64
	prompt    *Prompt
}

// NewOpenAIProvider creates the client. SDK retries are disabled; retry
// policy belongs to the caller.
func NewOpenAIProvider(cfg Config, prompt *Prompt) (*OpenAIProvider, error) {
	if cfg.Model == "" {
		return nil, errors.New("llm model is required")
	}

	opts := []option.RequestOption{option.WithMaxRetries(0)}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}
	for k, v := range cfg.Headers {
		opts = append(opts, option.WithHeader(k, v))
	}

	return &OpenAIProvider{
		client:    openai.NewClient(opts...),
		model:     cfg.Model,
		maxTokens: cfg.MaxOutputTokens,
		prompt:    prompt,
	}, nil
}

func (p *OpenAIProvider) Name() string { return ProviderOpenAI }

// Complete sends one chat completion for unit.
func (p *OpenAIProvider) Complete(ctx context.Context, unit domain.Unit) (retry.Response, error) {
	text, err := p.prompt.Render(unit)
	if err != nil {
		return retry.Response{}, classify.NewProviderError(classify.ReasonBadRequest, err)
	}

	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(p.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(text),
		},
	}
	if p.maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(p.maxTokens)
	}

	start := time.Now()
	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		p.recordFailure()
		return retry.Response{}, translateOpenAIError(err)
	}
	p.recordSuccess(time.Since(start))
	if len(resp.Choices) == 0 {
		return retry.Response{}, fmt.Errorf("%w: completion returned no choices", retry.ErrMalformedResponse)
	}

	return retry.Response{
		Text:  resp.Choices[0].Message.Content,
		Model: resp.Model,
		Usage: domain.TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

// translateOpenAIError maps API errors by status code and keeps the
// server's retry hint. Transport errors pass through for classify.Describe.
func translateOpenAIError(err error) error {
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		return err
	}

	d := classify.FromStatus(apiErr.StatusCode, apiErr.Message)
	if d.Message == "" {
		d.Message = fmt.Sprintf("status %d", apiErr.StatusCode)
	}
	if apiErr.Response != nil {
		d.RetryAfter = retryAfterFromHeader(apiErr.Response.Header, time.Now())
	}
	return &classify.ProviderError{Descriptor: d, Err: err}
}
