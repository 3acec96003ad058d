package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vietddude/llmbatch/internal/core/domain"
	"github.com/vietddude/llmbatch/internal/processing/classify"
	"github.com/vietddude/llmbatch/internal/processing/retry"
)

func unit() domain.Unit {
	return domain.Unit{Index: 1, Fields: map[string]any{"text": "the cat sat"}}
}

func TestPrompt_Render(t *testing.T) {
	p, err := ParsePrompt("Classify: {{.text}}")
	if err != nil {
		t.Fatalf("ParsePrompt: %v", err)
	}
	got, err := p.Render(unit())
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if got != "Classify: the cat sat" {
		t.Errorf("Render = %q", got)
	}

	if _, err := p.Render(domain.Unit{Fields: map[string]any{"other": 1}}); err == nil {
		t.Error("expected error for missing field")
	}
}

func TestPrompt_DefaultIsJSON(t *testing.T) {
	p, err := ParsePrompt("")
	if err != nil {
		t.Fatalf("ParsePrompt: %v", err)
	}
	got, err := p.Render(unit())
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if got != `{"text":"the cat sat"}` {
		t.Errorf("Render = %q", got)
	}
}

func TestJSONValidator(t *testing.T) {
	v := JSONValidator{Required: []string{"label", "score"}}

	tests := []struct {
		name    string
		text    string
		want    string
		wantErr bool
	}{
		{"valid", `{"label":"a","score":1}`, `{"label":"a","score":1}`, false},
		{"fenced", "```json\n{\"label\":\"a\",\"score\":1}\n```", `{"label":"a","score":1}`, false},
		{"missing field", `{"label":"a"}`, "", true},
		{"not json", `label: a`, "", true},
		{"empty", "  ", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := v.Validate(retry.Response{Text: tt.text})
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Validate = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"7", 7 * time.Second},
		{"1.5", 1500 * time.Millisecond},
		{"-1", 0},
		{now.Add(30 * time.Second).Format(http.TimeFormat), 30 * time.Second},
		{"soon", 0},
	}
	for _, tt := range tests {
		if got := parseRetryAfter(tt.in, now); got != tt.want {
			t.Errorf("parseRetryAfter(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestOpenAIProvider_Success(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "cmpl-1", "object": "chat.completion", "created": 1, "model": "test-model",
			"choices": [{"index": 0, "finish_reason": "stop",
				"message": {"role": "assistant", "content": "{\"label\":\"cat\"}"}}],
			"usage": {"prompt_tokens": 11, "completion_tokens": 4, "total_tokens": 15}
		}`)
	}))
	defer srv.Close()

	prompt, _ := ParsePrompt("Label: {{.text}}")
	p, err := NewOpenAIProvider(Config{BaseURL: srv.URL + "/v1/", APIKey: "k", Model: "test-model", MaxOutputTokens: 64}, prompt)
	if err != nil {
		t.Fatalf("NewOpenAIProvider: %v", err)
	}

	resp, err := p.Complete(context.Background(), unit())
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Text != `{"label":"cat"}` {
		t.Errorf("Text = %q", resp.Text)
	}
	if resp.Usage.TotalTokens != 15 || resp.Usage.PromptTokens != 11 {
		t.Errorf("Usage = %+v", resp.Usage)
	}
	if gotBody["model"] != "test-model" {
		t.Errorf("request model = %v", gotBody["model"])
	}
	if gotBody["max_completion_tokens"] != float64(64) {
		t.Errorf("request max_completion_tokens = %v", gotBody["max_completion_tokens"])
	}
	if h := p.Health(); h.Requests != 1 || h.Failures != 0 {
		t.Errorf("Health = %+v", h)
	}
}

func TestOpenAIProvider_ErrorsAreClassified(t *testing.T) {
	tests := []struct {
		status     int
		retryAfter string
		want       classify.Reason
		wantDelay  time.Duration
	}{
		{http.StatusTooManyRequests, "7", classify.ReasonRateLimit, 7 * time.Second},
		{http.StatusUnauthorized, "", classify.ReasonAuth, 0},
		{http.StatusBadRequest, "", classify.ReasonBadRequest, 0},
		{http.StatusServiceUnavailable, "", classify.ReasonServer, 0},
	}

	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if tt.retryAfter != "" {
				w.Header().Set("Retry-After", tt.retryAfter)
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(tt.status)
			_, _ = io.WriteString(w, `{"error":{"message":"nope","type":"x"}}`)
		}))

		p, err := NewOpenAIProvider(Config{BaseURL: srv.URL + "/v1/", APIKey: "k", Model: "m"}, nil)
		if err != nil {
			t.Fatalf("NewOpenAIProvider: %v", err)
		}
		_, err = p.Complete(context.Background(), unit())
		srv.Close()

		var pe *classify.ProviderError
		if !errors.As(err, &pe) {
			t.Fatalf("status %d: expected ProviderError, got %v", tt.status, err)
		}
		d := classify.Describe(err)
		if d.Reason != tt.want {
			t.Errorf("status %d: reason = %s, want %s", tt.status, d.Reason, tt.want)
		}
		if d.RetryAfter != tt.wantDelay {
			t.Errorf("status %d: RetryAfter = %v, want %v", tt.status, d.RetryAfter, tt.wantDelay)
		}
	}
}

func TestHTTPProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["prompt"] == "fail" {
			w.Header().Set("Retry-After", "2")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = io.WriteString(w, `{"error":{"message":"slow down"}}`)
			return
		}
		if r.Header.Get("X-Tenant") != "t1" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_, _ = io.WriteString(w, `{"output":{"text":"ok"},"usage":{"prompt_tokens":2,"completion_tokens":3}}`)
	}))
	defer srv.Close()

	prompt, _ := ParsePrompt("{{.text}}")
	p, err := NewHTTPProvider(Config{
		BaseURL:  srv.URL,
		Model:    "m",
		TextPath: "output.text",
		Headers:  map[string]string{"X-Tenant": "t1"},
	}, prompt)
	if err != nil {
		t.Fatalf("NewHTTPProvider: %v", err)
	}

	resp, err := p.Complete(context.Background(), unit())
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Text != "ok" || resp.Usage.TotalTokens != 5 {
		t.Errorf("resp = %+v", resp)
	}

	_, err = p.Complete(context.Background(), domain.Unit{Fields: map[string]any{"text": "fail"}})
	d := classify.Describe(err)
	if d.Reason != classify.ReasonRateLimit || d.RetryAfter != 2*time.Second || d.Message != "slow down" {
		t.Errorf("descriptor = %+v", d)
	}
	if h := p.Health(); h.Requests != 2 || h.Failures != 1 {
		t.Errorf("Health = %+v", h)
	}
}

func TestHTTPProvider_MalformedBodyIsParseError(t *testing.T) {
	bodies := []string{
		`{"choices":[{"message":"hi"}]}`,
		`<html>gateway page</html>`,
	}
	for _, body := range bodies {
		t.Run(body, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				_, _ = io.WriteString(w, body)
			}))
			defer srv.Close()

			prompt, _ := ParsePrompt("{{.text}}")
			p, err := NewHTTPProvider(Config{BaseURL: srv.URL, Model: "m"}, prompt)
			if err != nil {
				t.Fatalf("NewHTTPProvider: %v", err)
			}

			c := retry.NewCompleter(p, retry.Config{
				MaxRetries: 3,
				Sleep:      func(ctx context.Context, d time.Duration) error { return nil },
			})
			out, err := c.Complete(context.Background(), unit())
			if err != nil {
				t.Fatalf("Complete: %v", err)
			}
			if out.ErrorKind != domain.ErrorKindParse {
				t.Errorf("ErrorKind = %q, want parse_error (%s)", out.ErrorKind, out.ErrorMessage)
			}
			if n := calls.Load(); n != 1 {
				t.Errorf("server called %d times, want 1", n)
			}
			if h := p.Health(); h.Failures != 0 {
				t.Errorf("a delivered reply is not a call failure: %+v", h)
			}
		})
	}
}

func TestOpenAIProvider_NoChoicesIsMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"x","object":"chat.completion","model":"m","choices":[]}`)
	}))
	defer srv.Close()

	p, err := NewOpenAIProvider(Config{BaseURL: srv.URL + "/v1/", APIKey: "k", Model: "m"}, nil)
	if err != nil {
		t.Fatalf("NewOpenAIProvider: %v", err)
	}
	_, err = p.Complete(context.Background(), unit())
	if !errors.Is(err, retry.ErrMalformedResponse) {
		t.Errorf("expected ErrMalformedResponse, got %v", err)
	}
}
