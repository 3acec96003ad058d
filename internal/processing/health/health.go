// Package health serves run status, liveness and Prometheus metrics over
// HTTP, and optionally accepts breaker decisions from a remote operator.
package health

import (
	"github.com/vietddude/llmbatch/internal/core/domain"
	"github.com/vietddude/llmbatch/internal/infra/llm"
	"github.com/vietddude/llmbatch/internal/processing/breaker"
	"github.com/vietddude/llmbatch/internal/processing/engine"
)

// SystemStatus represents the overall health state of a run.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// degradedErrorRate is the provider error rate above which a run is degraded.
const degradedErrorRate = 0.5

// ProgressSource is implemented by *engine.Engine.
type ProgressSource interface {
	Progress() (engine.Progress, bool)
}

// ProviderSource is implemented by llm providers.
type ProviderSource interface {
	Name() string
	Health() llm.Health
}

// Report is the /status payload.
type Report struct {
	Status   SystemStatus       `json:"status"`
	Started  bool               `json:"started"`
	Snapshot *domain.Snapshot   `json:"snapshot,omitempty"`
	Breaker  *BreakerReport     `json:"breaker,omitempty"`
	InFlight int                `json:"in_flight"`
	Usage    *domain.TokenUsage `json:"token_usage,omitempty"`
	Provider *ProviderReport    `json:"provider,omitempty"`
	Pending  *engine.TripEvent  `json:"pending_decision,omitempty"`
}

// BreakerReport is the JSON view of breaker.Status.
type BreakerReport struct {
	State               breaker.State      `json:"state"`
	ConsecutiveFailures int                `json:"consecutive_failures"`
	Trips               int                `json:"trips"`
	LastError           *breaker.ErrorInfo `json:"last_error,omitempty"`
}

// ProviderReport is the JSON view of a provider's health.
type ProviderReport struct {
	Name string `json:"name"`
	llm.Health
}

// Evaluate derives the overall status. An open breaker is critical: the
// run is stalled until an operator decides.
func Evaluate(p engine.Progress, provider *llm.Health) SystemStatus {
	switch {
	case p.Breaker.State == breaker.StateOpen:
		return StatusCritical
	case p.Breaker.State == breaker.StateStopped:
		return StatusCritical
	case provider != nil && provider.Requests > 0 && provider.ErrorRate > degradedErrorRate:
		return StatusDegraded
	case p.Breaker.ConsecutiveFailures > 0:
		return StatusDegraded
	}
	return StatusHealthy
}
