package classify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"testing"
	"time"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		err    error
		expect Category
	}{
		{errors.New("429 Too Many Requests"), Retryable},
		{errors.New("project rate limit exceeded"), Retryable},
		{errors.New("request timed out"), Retryable},
		{errors.New("503 Service Unavailable"), Retryable},
		{errors.New("connection reset by peer"), Retryable},
		{errors.New("401 Unauthorized"), Fatal},
		{errors.New("invalid api key provided"), Fatal},
		{errors.New("403 Forbidden"), Fatal},
		{errors.New("400 Bad Request: messages must not be empty"), Fatal},
		{errors.New("something odd happened"), Fatal},
		{context.DeadlineExceeded, Retryable},
		{fmt.Errorf("call: %w", context.DeadlineExceeded), Retryable},
		{&net.OpError{Op: "dial", Net: "tcp", Err: errors.New("no route")}, Retryable},
		{NewProviderError(ReasonAuth, errors.New("denied")), Fatal},
		{NewProviderError(ReasonServer, errors.New("boom")), Retryable},
		{status.Error(codes.ResourceExhausted, "slow down"), Retryable},
		{status.Error(codes.Unavailable, "try later"), Retryable},
		{status.Error(codes.Unauthenticated, "who are you"), Fatal},
		{status.Error(codes.InvalidArgument, "bad"), Fatal},
		// Ports, URLs and byte counts are not status codes.
		{&url.Error{Op: "Post", URL: "http://localhost:4010/v1/completions", Err: io.EOF}, Retryable},
		{&url.Error{Op: "Post", URL: "http://localhost:4000/generate", Err: io.EOF}, Retryable},
		{&url.Error{Op: "Post", URL: "http://10.0.0.4:4030/x", Err: errors.New("tls: handshake failure")}, Retryable},
		{errors.New("upstream closed connection after 14030 bytes: unexpected EOF"), Retryable},
		{fmt.Errorf("read body: %w", io.EOF), Retryable},
		{errors.New("request id 4001-abc failed: overloaded"), Retryable},
		{errors.New("error, status code: 429, message: slow down"), Retryable},
		{errors.New("http 401: key revoked"), Fatal},
	}

	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.expect {
			t.Errorf("Classify(%q) = %v, want %v", tt.err, got, tt.expect)
		}
	}
}

func TestDescribe_StatusCodeTokens(t *testing.T) {
	tests := []struct {
		msg  string
		want Reason
	}{
		{"429 Too Many Requests", ReasonRateLimit},
		{"status 403", ReasonPermission},
		{"HTTP 400 bad input", ReasonBadRequest},
		{"status code: 502", ReasonServer},
		{"dial tcp 127.0.0.1:4010: connection refused", ReasonNetwork},
		{"wrote 4003 bytes then: broken pipe", ReasonNetwork},
		{"job 500123 vanished", ReasonUnknown},
	}
	for _, tt := range tests {
		if got := Describe(errors.New(tt.msg)).Reason; got != tt.want {
			t.Errorf("Describe(%q).Reason = %s, want %s", tt.msg, got, tt.want)
		}
	}
}

func TestFromStatus(t *testing.T) {
	tests := []struct {
		code   int
		expect Reason
	}{
		{429, ReasonRateLimit},
		{408, ReasonTimeout},
		{504, ReasonTimeout},
		{500, ReasonServer},
		{529, ReasonServer},
		{401, ReasonAuth},
		{403, ReasonPermission},
		{400, ReasonBadRequest},
		{422, ReasonBadRequest},
	}

	for _, tt := range tests {
		if got := FromStatus(tt.code, "").Reason; got != tt.expect {
			t.Errorf("FromStatus(%d) = %v, want %v", tt.code, got, tt.expect)
		}
	}
}

func TestDescribe_GRPCRetryInfo(t *testing.T) {
	st, err := status.New(codes.ResourceExhausted, "quota").WithDetails(&errdetails.RetryInfo{
		RetryDelay: durationpb.New(3 * time.Second),
	})
	if err != nil {
		t.Fatalf("WithDetails: %v", err)
	}

	d := Describe(st.Err())
	if d.Reason != ReasonRateLimit {
		t.Errorf("expected rate_limit, got %s", d.Reason)
	}
	if d.RetryAfter != 3*time.Second {
		t.Errorf("expected 3s retry hint, got %v", d.RetryAfter)
	}
}

func TestDescribe_WrappedProviderError(t *testing.T) {
	pe := &ProviderError{Descriptor: FromStatus(429, "slow"), Err: errors.New("slow")}
	pe.RetryAfter = 2 * time.Second

	d := Describe(fmt.Errorf("openai: %w", pe))
	if d.Reason != ReasonRateLimit || d.StatusCode != 429 || d.RetryAfter != 2*time.Second {
		t.Errorf("unexpected descriptor %+v", d)
	}
}
