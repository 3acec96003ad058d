package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OutcomesTotal tracks terminal outcomes per run and kind
	OutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmbatch_outcomes_total",
			Help: "Total number of terminal unit outcomes",
		},
		[]string{"run", "status", "error_kind"},
	)

	// CompletionCallsTotal tracks calls to the completion backend
	CompletionCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmbatch_completion_calls_total",
			Help: "Total number of completion calls",
		},
		[]string{"result"},
	)

	// CompletionErrorsTotal tracks completion errors by classified reason
	CompletionErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmbatch_completion_errors_total",
			Help: "Total number of completion errors",
		},
		[]string{"reason"},
	)

	// RetriesTotal tracks retry attempts scheduled after transient errors
	RetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "llmbatch_retries_total",
			Help: "Total number of retries scheduled",
		},
	)

	// CompletionLatency tracks completion call latency
	CompletionLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "llmbatch_completion_latency_seconds",
			Help:    "Completion call latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		},
	)

	// TokensTotal tracks token usage reported on successful outcomes
	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmbatch_tokens_total",
			Help: "Total tokens reported by the completion backend",
		},
		[]string{"type"},
	)

	// InFlight tracks units currently dispatched
	InFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "llmbatch_in_flight_units",
			Help: "Units currently being processed",
		},
		[]string{"run"},
	)

	// BreakerTripsTotal tracks circuit breaker trips
	BreakerTripsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmbatch_breaker_trips_total",
			Help: "Total number of circuit breaker trips",
		},
		[]string{"run"},
	)

	// ConsecutiveFailures tracks the current failure streak
	ConsecutiveFailures = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "llmbatch_consecutive_failures",
			Help: "Current run of consecutive terminal failures",
		},
		[]string{"run"},
	)

	// CheckpointErrorsTotal tracks checkpoint persistence errors
	CheckpointErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmbatch_checkpoint_errors_total",
			Help: "Total number of checkpoint write errors",
		},
		[]string{"op"},
	)

	// DBConnectionPoolUsage tracks open connections as a share of the pool limit
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "llmbatch_db_connection_pool_usage_percent",
			Help: "Open checkpoint database connections as a percentage of the pool limit",
		},
	)
)
