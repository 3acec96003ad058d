// Package classify maps completion errors to a closed set of reasons and
// decides whether retrying the same input can succeed.
package classify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// Category determines how the retrying completer handles an error.
type Category int

const (
	Fatal Category = iota
	Retryable
)

func (c Category) String() string {
	if c == Retryable {
		return "retryable"
	}
	return "fatal"
}

// Reason is the provider-agnostic error kind.
type Reason string

const (
	ReasonRateLimit  Reason = "rate_limit"
	ReasonTimeout    Reason = "timeout"
	ReasonServer     Reason = "server_error"
	ReasonNetwork    Reason = "network"
	ReasonAuth       Reason = "authentication"
	ReasonPermission Reason = "permission_denied"
	ReasonBadRequest Reason = "bad_request"
	ReasonUnknown    Reason = "unknown"
)

// Category returns the retry category for the reason. Unknown is fatal.
func (r Reason) Category() Category {
	switch r {
	case ReasonRateLimit, ReasonTimeout, ReasonServer, ReasonNetwork:
		return Retryable
	default:
		return Fatal
	}
}

// Descriptor is the translated form of a provider error.
type Descriptor struct {
	Reason     Reason
	StatusCode int
	Message    string
	// RetryAfter is a server-provided delay hint; zero when absent.
	RetryAfter time.Duration
}

// ProviderError lets completion adapters return an already translated error.
type ProviderError struct {
	Descriptor
	Err error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Reason, e.Message)
	}
	return string(e.Reason)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// NewProviderError wraps err with an explicit reason.
func NewProviderError(reason Reason, err error) *ProviderError {
	pe := &ProviderError{Descriptor: Descriptor{Reason: reason}, Err: err}
	if err != nil {
		pe.Message = err.Error()
	}
	return pe
}

// Classify returns the retry category for err.
func Classify(err error) Category {
	return Describe(err).Reason.Category()
}

// Describe translates err into a Descriptor. It is pure: the same error
// always yields the same descriptor.
func Describe(err error) Descriptor {
	if err == nil {
		return Descriptor{Reason: ReasonUnknown}
	}

	var pe *ProviderError
	if errors.As(err, &pe) {
		d := pe.Descriptor
		if d.Message == "" {
			d.Message = err.Error()
		}
		return d
	}

	if d, ok := fromGRPC(err); ok {
		return d
	}

	msg := err.Error()

	if errors.Is(err, context.DeadlineExceeded) {
		return Descriptor{Reason: ReasonTimeout, Message: msg}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Descriptor{Reason: ReasonTimeout, Message: msg}
	}

	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return Descriptor{Reason: ReasonNetwork, Message: msg}
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return Descriptor{Reason: ReasonNetwork, Message: msg}
	}

	// A url.Error never carries an HTTP status; only its cause is matched
	// so the URL text cannot masquerade as one.
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		reason := ReasonNetwork
		if urlErr.Err != nil {
			if r := reasonFromMessage(urlErr.Err.Error()); r != ReasonUnknown {
				reason = r
			}
		}
		return Descriptor{Reason: reason, Message: msg}
	}

	return Descriptor{Reason: reasonFromMessage(msg), Message: msg}
}

// FromStatus translates an HTTP status code.
func FromStatus(code int, msg string) Descriptor {
	d := Descriptor{StatusCode: code, Message: msg}
	switch {
	case code == http.StatusTooManyRequests:
		d.Reason = ReasonRateLimit
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		d.Reason = ReasonTimeout
	case code == http.StatusUnauthorized:
		d.Reason = ReasonAuth
	case code == http.StatusForbidden:
		d.Reason = ReasonPermission
	case code == http.StatusConflict:
		d.Reason = ReasonServer
	case code >= 500:
		d.Reason = ReasonServer
	case code >= 400:
		d.Reason = ReasonBadRequest
	default:
		d.Reason = ReasonUnknown
	}
	return d
}

// statusPattern matches a status code only where it is written as one:
// leading the message or after "status", "status code", "http" or "code".
var statusPattern = regexp.MustCompile(`(?i)(?:^|\b(?:status(?:\s+code)?|http|code)[\s:=]*)([45]\d\d)\b`)

// reasonFromMessage recognises the usual provider error strings.
func reasonFromMessage(s string) Reason {
	if m := statusPattern.FindStringSubmatch(s); m != nil {
		code, _ := strconv.Atoi(m[1])
		return FromStatus(code, "").Reason
	}

	lower := strings.ToLower(s)
	switch {
	case strings.Contains(lower, "unauthorized") || strings.Contains(lower, "invalid api key") ||
		strings.Contains(lower, "authentication"):
		return ReasonAuth
	case strings.Contains(lower, "forbidden") || strings.Contains(lower, "permission denied"):
		return ReasonPermission
	case strings.Contains(lower, "too many requests") || strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "quota"):
		return ReasonRateLimit
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "timed out") ||
		strings.Contains(lower, "deadline exceeded"):
		return ReasonTimeout
	case strings.Contains(lower, "bad request") || strings.Contains(lower, "invalid request") ||
		strings.Contains(lower, "context length"):
		return ReasonBadRequest
	case strings.Contains(lower, "server error") || strings.Contains(lower, "overloaded") ||
		strings.Contains(lower, "service unavailable") || strings.Contains(lower, "bad gateway"):
		return ReasonServer
	case strings.Contains(lower, "connection reset") || strings.Contains(lower, "connection refused") ||
		strings.Contains(lower, "broken pipe") || strings.Contains(lower, "eof"):
		return ReasonNetwork
	}
	return ReasonUnknown
}
