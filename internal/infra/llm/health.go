package llm

import (
	"sync"
	"time"
)

// Health is a provider's call statistics.
type Health struct {
	Requests      int           `json:"requests"`
	Failures      int           `json:"failures"`
	ErrorRate     float64       `json:"error_rate"`
	AvgLatency    time.Duration `json:"avg_latency"`
	LastSuccessAt time.Time     `json:"last_success_at"`
	LastFailureAt time.Time     `json:"last_failure_at"`
}

// healthTracker accumulates Health; embedded by providers.
type healthTracker struct {
	mu           sync.RWMutex
	health       Health
	totalLatency time.Duration
	successCount int
}

func (t *healthTracker) recordSuccess(latency time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.successCount++
	t.health.Requests++
	t.totalLatency += latency
	t.health.LastSuccessAt = time.Now()
	t.health.ErrorRate = float64(t.health.Failures) / float64(t.health.Requests)
	t.health.AvgLatency = t.totalLatency / time.Duration(t.successCount)
}

func (t *healthTracker) recordFailure() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.health.Failures++
	t.health.Requests++
	t.health.LastFailureAt = time.Now()
	t.health.ErrorRate = float64(t.health.Failures) / float64(t.health.Requests)
}

// Health returns a copy of the statistics.
func (t *healthTracker) Health() Health {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.health
}
