package domain

import "time"

// OutcomeStatus tags an Outcome as success or failure.
type OutcomeStatus string

const (
	OutcomeSuccess OutcomeStatus = "success"
	OutcomeFailure OutcomeStatus = "failure"
)

// ErrorKind is the sub-kind of a failed Outcome.
type ErrorKind string

const (
	ErrorKindParse              ErrorKind = "parse_error"
	ErrorKindRetryableExhausted ErrorKind = "retryable_exhausted"
	ErrorKindFatal              ErrorKind = "fatal"
)

// TokenUsage is the token accounting reported by the completion backend.
type TokenUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Add returns the sum of two usages.
func (u TokenUsage) Add(o TokenUsage) TokenUsage {
	return TokenUsage{
		PromptTokens:     u.PromptTokens + o.PromptTokens,
		CompletionTokens: u.CompletionTokens + o.CompletionTokens,
		TotalTokens:      u.TotalTokens + o.TotalTokens,
	}
}

// Outcome is the terminal result of processing one unit.
// Success outcomes carry Payload and Usage; failure outcomes carry the error
// fields and the raw unit so they can be re-submitted.
type Outcome struct {
	Index        int64          `json:"index"`
	Status       OutcomeStatus  `json:"status"`
	Payload      string         `json:"payload,omitempty"`
	Usage        TokenUsage     `json:"token_usage"`
	ErrorKind    ErrorKind      `json:"error_kind,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	RawUnit      map[string]any `json:"raw_unit,omitempty"`
	Attempts     int            `json:"attempts"`
	RecordedAt   time.Time      `json:"recorded_at"`
}

// NewSuccess builds a success outcome.
func NewSuccess(index int64, payload string, usage TokenUsage, attempts int) Outcome {
	return Outcome{
		Index:      index,
		Status:     OutcomeSuccess,
		Payload:    payload,
		Usage:      usage,
		Attempts:   attempts,
		RecordedAt: time.Now().UTC(),
	}
}

// NewFailure builds a failure outcome for unit.
func NewFailure(unit Unit, kind ErrorKind, msg string, attempts int) Outcome {
	return Outcome{
		Index:        unit.Index,
		Status:       OutcomeFailure,
		ErrorKind:    kind,
		ErrorMessage: msg,
		RawUnit:      unit.Fields,
		Attempts:     attempts,
		RecordedAt:   time.Now().UTC(),
	}
}

func (o Outcome) IsSuccess() bool { return o.Status == OutcomeSuccess }

func (o Outcome) IsFailure() bool { return o.Status == OutcomeFailure }

// Valid reports whether the outcome is well formed. Records failing this
// check are treated as torn writes and skipped when folding a log.
func (o Outcome) Valid() bool {
	if o.Index < 0 {
		return false
	}
	switch o.Status {
	case OutcomeSuccess:
		return true
	case OutcomeFailure:
		switch o.ErrorKind {
		case ErrorKindParse, ErrorKindRetryableExhausted, ErrorKindFatal:
			return true
		}
	}
	return false
}

// Unit rebuilds the unit a failure outcome was produced from.
func (o Outcome) Unit() Unit {
	return Unit{Index: o.Index, Fields: o.RawUnit}
}
