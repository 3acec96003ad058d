// Package retry wraps a completion call with failure classification and
// jittered exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/llmbatch/internal/core/domain"
	"github.com/vietddude/llmbatch/internal/processing/backoff"
	"github.com/vietddude/llmbatch/internal/processing/classify"
	"github.com/vietddude/llmbatch/internal/processing/metrics"
)

// ErrInterrupted is returned when the context ends before a unit reaches a
// terminal outcome. Interrupted units are not recorded.
var ErrInterrupted = errors.New("unit processing interrupted")

// ErrMalformedResponse marks a call that returned but whose body does not
// have the expected shape. It is recorded as parse_error without retrying.
var ErrMalformedResponse = errors.New("malformed response")

// DefaultMaxRetries is the attempt budget per unit.
const DefaultMaxRetries = 3

// Response is the raw result of one completion call.
type Response struct {
	Text  string
	Usage domain.TokenUsage
	Model string
}

// Completion performs one external completion call for a unit.
type Completion interface {
	Complete(ctx context.Context, unit domain.Unit) (Response, error)
}

// CompletionFunc adapts a function to Completion.
type CompletionFunc func(ctx context.Context, unit domain.Unit) (Response, error)

func (f CompletionFunc) Complete(ctx context.Context, unit domain.Unit) (Response, error) {
	return f(ctx, unit)
}

// Validator checks a response against the expected shape and returns the
// payload to persist. A validation error becomes a parse_error outcome.
type Validator interface {
	Validate(resp Response) (string, error)
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Config configures a Completer.
type Config struct {
	MaxRetries int
	Policy     backoff.Policy
	Validator  Validator
	Describe   func(error) classify.Descriptor
	Sleep      SleepFunc
	Logger     *slog.Logger
}

// Completer runs one unit through the completion call with retries.
// It keeps no per-unit state and is safe for concurrent use.
type Completer struct {
	call      Completion
	max       int
	policy    backoff.Policy
	validator Validator
	describe  func(error) classify.Descriptor
	sleep     SleepFunc
	log       *slog.Logger
}

// NewCompleter creates a Completer.
func NewCompleter(call Completion, cfg Config) *Completer {
	c := &Completer{
		call:      call,
		max:       cfg.MaxRetries,
		policy:    cfg.Policy,
		validator: cfg.Validator,
		describe:  cfg.Describe,
		sleep:     cfg.Sleep,
		log:       cfg.Logger,
	}
	if c.max < 1 {
		c.max = DefaultMaxRetries
	}
	if c.policy.Base == 0 && c.policy.Max == 0 {
		c.policy = backoff.NewPolicy(0, 0)
	}
	if c.describe == nil {
		c.describe = classify.Describe
	}
	if c.sleep == nil {
		c.sleep = Sleep
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	return c
}

// Complete processes unit until it succeeds, fails fatally, or exhausts
// MaxRetries attempts. Attempts for one unit are strictly sequential.
func (c *Completer) Complete(ctx context.Context, unit domain.Unit) (domain.Outcome, error) {
	for attempt := 1; ; attempt++ {
		start := time.Now()
		resp, err := c.call.Complete(ctx, unit)
		metrics.CompletionLatency.Observe(time.Since(start).Seconds())

		if err == nil {
			metrics.CompletionCallsTotal.WithLabelValues("ok").Inc()
			return c.success(unit, resp, attempt), nil
		}
		metrics.CompletionCallsTotal.WithLabelValues("error").Inc()

		if ctx.Err() != nil {
			return domain.Outcome{}, fmt.Errorf("%w: unit %d: %v", ErrInterrupted, unit.Index, ctx.Err())
		}

		if errors.Is(err, ErrMalformedResponse) {
			metrics.CompletionErrorsTotal.WithLabelValues(string(domain.ErrorKindParse)).Inc()
			c.log.Warn("Malformed completion response", "index", unit.Index, "attempt", attempt, "error", err)
			return domain.NewFailure(unit, domain.ErrorKindParse, err.Error(), attempt), nil
		}

		d := c.describe(err)
		metrics.CompletionErrorsTotal.WithLabelValues(string(d.Reason)).Inc()

		if d.Reason.Category() == classify.Fatal {
			c.log.Warn("Fatal completion error",
				"index", unit.Index, "attempt", attempt, "reason", d.Reason, "error", err)
			return domain.NewFailure(unit, domain.ErrorKindFatal, errorText(d, err), attempt), nil
		}

		if attempt >= c.max {
			c.log.Warn("Retries exhausted",
				"index", unit.Index, "attempts", attempt, "reason", d.Reason, "error", err)
			return domain.NewFailure(unit, domain.ErrorKindRetryableExhausted,
				fmt.Sprintf("failed after %d attempts: %s", attempt, errorText(d, err)), attempt), nil
		}

		delay := c.delay(attempt, d)
		metrics.RetriesTotal.Inc()
		c.log.Debug("Retrying completion",
			"index", unit.Index, "attempt", attempt, "reason", d.Reason, "delay", delay)

		if err := c.sleep(ctx, delay); err != nil {
			return domain.Outcome{}, fmt.Errorf("%w: unit %d: %v", ErrInterrupted, unit.Index, err)
		}
	}
}

// errorText prefixes the reason unless the error already starts with it.
func errorText(d classify.Descriptor, err error) string {
	var pe *classify.ProviderError
	if errors.As(err, &pe) {
		return err.Error()
	}
	return fmt.Sprintf("%s: %v", d.Reason, err)
}

func (c *Completer) success(unit domain.Unit, resp Response, attempt int) domain.Outcome {
	payload := resp.Text
	if c.validator != nil {
		p, err := c.validator.Validate(resp)
		if err != nil {
			c.log.Warn("Response failed validation", "index", unit.Index, "error", err)
			out := domain.NewFailure(unit, domain.ErrorKindParse, err.Error(), attempt)
			out.Usage = resp.Usage
			return out
		}
		payload = p
	}

	metrics.TokensTotal.WithLabelValues("prompt").Add(float64(resp.Usage.PromptTokens))
	metrics.TokensTotal.WithLabelValues("completion").Add(float64(resp.Usage.CompletionTokens))
	return domain.NewSuccess(unit.Index, payload, resp.Usage, attempt)
}

// delay honours a server retry hint, but never beyond the policy ceiling.
func (c *Completer) delay(attempt int, d classify.Descriptor) time.Duration {
	delay := c.policy.Delay(attempt)
	if d.RetryAfter > delay {
		delay = min(d.RetryAfter, c.policy.Ceiling())
	}
	return delay
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
