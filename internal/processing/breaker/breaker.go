// Package breaker implements the consecutive-failure circuit breaker that
// suspends dispatch until an operator decides how to proceed.
package breaker

import (
	"errors"
	"time"

	"github.com/vietddude/llmbatch/internal/core/domain"
)

// DefaultThreshold is the failure streak that trips the breaker.
const DefaultThreshold = 5

// ErrInvalidTransition is returned when a decision does not apply to the current state.
var ErrInvalidTransition = errors.New("invalid breaker transition")

// State is the breaker state.
type State string

const (
	StateClosed  State = "closed"
	StateOpen    State = "open"
	StateStopped State = "stopped"
)

// Policy decides which terminal failures count toward the streak.
type Policy struct {
	Threshold        int
	CountExhausted   bool
	CountParseErrors bool
}

// DefaultPolicy counts every terminal failure kind.
func DefaultPolicy() Policy {
	return Policy{
		Threshold:        DefaultThreshold,
		CountExhausted:   true,
		CountParseErrors: true,
	}
}

// Status is a copy of the breaker state for display.
type Status struct {
	State               State
	ConsecutiveFailures int
	Trips               int
	LastError           *ErrorInfo
	LastFailedUnit      *domain.Unit
}

// ErrorInfo describes the most recent terminal failure.
type ErrorInfo struct {
	Kind    domain.ErrorKind
	Message string
	Index   int64
	At      time.Time
}

// Breaker is not safe for concurrent use; the engine owns it and serialises
// access together with the rest of its run state.
type Breaker struct {
	policy      Policy
	state       State
	consecutive int
	trips       int
	lastError   *ErrorInfo
	lastUnit    *domain.Unit
}

// New creates a closed breaker.
func New(policy Policy) *Breaker {
	if policy.Threshold < 1 {
		policy.Threshold = DefaultThreshold
	}
	return &Breaker{policy: policy, state: StateClosed}
}

// Record applies one terminal outcome and reports whether it tripped the breaker.
func (b *Breaker) Record(o domain.Outcome) bool {
	if o.IsSuccess() {
		b.RecordSuccess()
		return false
	}
	return b.RecordFailure(o)
}

// RecordSuccess resets the failure streak. An open breaker stays open until
// the operator decides.
func (b *Breaker) RecordSuccess() {
	b.consecutive = 0
}

// RecordFailure extends the streak if the policy counts this failure kind
// and reports whether the breaker transitioned from closed to open.
func (b *Breaker) RecordFailure(o domain.Outcome) bool {
	b.lastError = &ErrorInfo{Kind: o.ErrorKind, Message: o.ErrorMessage, Index: o.Index, At: o.RecordedAt}
	u := o.Unit()
	b.lastUnit = &u

	if !b.counts(o.ErrorKind) {
		return false
	}

	b.consecutive++
	if b.state == StateClosed && b.consecutive >= b.policy.Threshold {
		b.state = StateOpen
		b.trips++
		return true
	}
	return false
}

func (b *Breaker) counts(kind domain.ErrorKind) bool {
	switch kind {
	case domain.ErrorKindRetryableExhausted:
		return b.policy.CountExhausted
	case domain.ErrorKindParse:
		return b.policy.CountParseErrors
	default:
		return true
	}
}

// Continue resets the streak and closes an open breaker.
func (b *Breaker) Continue() error {
	if b.state != StateOpen {
		return ErrInvalidTransition
	}
	b.consecutive = 0
	b.state = StateClosed
	return nil
}

// Abort moves the breaker to the terminal stopped state.
func (b *Breaker) Abort() {
	b.state = StateStopped
}

func (b *Breaker) State() State { return b.state }

func (b *Breaker) IsOpen() bool { return b.state == StateOpen }

func (b *Breaker) ConsecutiveFailures() int { return b.consecutive }

func (b *Breaker) Threshold() int { return b.policy.Threshold }

// Status returns a copy of the current state.
func (b *Breaker) Status() Status {
	s := Status{
		State:               b.state,
		ConsecutiveFailures: b.consecutive,
		Trips:               b.trips,
	}
	if b.lastError != nil {
		e := *b.lastError
		s.LastError = &e
	}
	if b.lastUnit != nil {
		u := *b.lastUnit
		s.LastFailedUnit = &u
	}
	return s
}
