package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/llmbatch/internal/core/domain"
	"github.com/vietddude/llmbatch/internal/infra/storage"
	"github.com/vietddude/llmbatch/internal/processing/breaker"
	"github.com/vietddude/llmbatch/internal/processing/metrics"
)

// runState is everything workers share during a run. Every read and write
// goes through mu, so recording an outcome, updating the breaker and
// admitting the next dispatch are serialised.
type runState struct {
	mu sync.Mutex

	runID   string
	store   storage.CheckpointStore
	breaker *breaker.Breaker
	log     *slog.Logger

	total        int64
	prior        int64 // outcomes already in the log that are skipped this run
	priorFailed  int64
	processed    int64
	succeeded    int64
	failed       int64
	skipped      int64
	interrupted  int64
	inFlight     int
	lastIndex    int64
	usage        domain.TokenUsage
	checkpointed error
	tripStreak   int // streak length when the breaker last tripped

	interval       int
	period         time.Duration
	sinceSnapshot  int
	lastSnapshotAt time.Time
}

func newRunState(runID string, store storage.CheckpointStore, b *breaker.Breaker, cfg Config, log *slog.Logger) *runState {
	return &runState{
		runID:          runID,
		store:          store,
		breaker:        b,
		log:            log,
		total:          cfg.TotalCount,
		lastIndex:      -1,
		interval:       cfg.CheckpointInterval,
		period:         cfg.CheckpointPeriod,
		lastSnapshotAt: time.Now(),
	}
}

// admit reserves an in-flight slot unless the breaker is open or stopped or
// the run has hit a checkpoint error.
func (s *runState) admit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.checkpointed != nil || s.breaker.State() != breaker.StateClosed {
		return false
	}
	s.inFlight++
	metrics.InFlight.WithLabelValues(s.runID).Set(float64(s.inFlight))
	return true
}

// release returns a slot that was admitted but not used for a dispatch.
func (s *runState) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight--
	metrics.InFlight.WithLabelValues(s.runID).Set(float64(s.inFlight))
}

func (s *runState) skip() {
	s.mu.Lock()
	s.skipped++
	s.mu.Unlock()
}

func (s *runState) interrupt(index int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interrupted++
	s.inFlight--
	metrics.InFlight.WithLabelValues(s.runID).Set(float64(s.inFlight))
	s.log.Info("Unit interrupted before a terminal outcome", "index", index)
}

// record appends o, feeds the breaker and releases the unit's slot. It
// reports whether this outcome tripped the breaker.
func (s *runState) record(ctx context.Context, o domain.Outcome) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.inFlight--
	metrics.InFlight.WithLabelValues(s.runID).Set(float64(s.inFlight))

	if s.checkpointed != nil {
		return false, s.checkpointed
	}

	if err := s.store.Append(ctx, o); err != nil {
		metrics.CheckpointErrorsTotal.WithLabelValues("append").Inc()
		s.checkpointed = fmt.Errorf("%w: append unit %d: %v", ErrCheckpoint, o.Index, err)
		return false, s.checkpointed
	}

	s.processed++
	s.lastIndex = o.Index
	s.usage = s.usage.Add(o.Usage)
	if o.IsSuccess() {
		s.succeeded++
	} else {
		s.failed++
	}
	metrics.OutcomesTotal.WithLabelValues(s.runID, string(o.Status), string(o.ErrorKind)).Inc()

	tripped := s.breaker.Record(o)
	metrics.ConsecutiveFailures.WithLabelValues(s.runID).Set(float64(s.breaker.ConsecutiveFailures()))
	if tripped {
		s.tripStreak = s.breaker.ConsecutiveFailures()
		metrics.BreakerTripsTotal.WithLabelValues(s.runID).Inc()
		s.log.Warn("Circuit breaker tripped",
			"consecutive_failures", s.breaker.ConsecutiveFailures(),
			"threshold", s.breaker.Threshold(),
			"index", o.Index,
			"error_kind", o.ErrorKind,
		)
	}

	s.sinceSnapshot++
	if s.sinceSnapshot >= s.interval || (s.period > 0 && time.Since(s.lastSnapshotAt) >= s.period) {
		s.writeSnapshotLocked(ctx, domain.RunStateRunning)
	}
	return tripped, nil
}

func (s *runState) snapshotLocked(state domain.RunState) domain.Snapshot {
	total := s.total
	if done := s.prior + s.processed; total < done {
		total = done
	}
	return domain.Snapshot{
		RunID:            s.runID,
		State:            state,
		ProcessedCount:   s.prior + s.processed,
		TotalCount:       total,
		FailedCount:      s.priorFailed + s.failed,
		LastIndexWritten: s.lastIndex,
		UpdatedAt:        time.Now().UTC(),
	}
}

// Snapshots are advisory: a failed write is logged and the run goes on.
func (s *runState) writeSnapshotLocked(ctx context.Context, state domain.RunState) {
	s.sinceSnapshot = 0
	s.lastSnapshotAt = time.Now()
	if err := s.store.WriteSnapshot(ctx, s.snapshotLocked(state)); err != nil {
		metrics.CheckpointErrorsTotal.WithLabelValues("snapshot").Inc()
		s.log.Warn("Failed to write progress snapshot", "error", err)
	}
}

func (s *runState) writeSnapshot(ctx context.Context, state domain.RunState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeSnapshotLocked(ctx, state)
}

func (s *runState) checkpointErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkpointed
}

// continueRun closes an open breaker.
func (s *runState) continueRun() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.breaker.Continue(); err != nil {
		return err
	}
	metrics.ConsecutiveFailures.WithLabelValues(s.runID).Set(0)
	return nil
}

func (s *runState) abort() {
	s.mu.Lock()
	s.breaker.Abort()
	s.mu.Unlock()
}

func (s *runState) tripEvent() TripEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.breaker.Status()
	return TripEvent{
		RunID:               s.runID,
		ConsecutiveFailures: max(st.ConsecutiveFailures, s.tripStreak),
		Threshold:           s.breaker.Threshold(),
		LastError:           st.LastError,
		Stats:               Stats{Processed: s.processed, Succeeded: s.succeeded, Failed: s.failed},
	}
}

func (s *runState) inspection() *Inspection {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.breaker.Status()
	return &Inspection{LastError: st.LastError, LastFailedUnit: st.LastFailedUnit}
}

func (s *runState) progress() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Progress{
		Snapshot: s.snapshotLocked(domain.RunStateRunning),
		Breaker:  s.breaker.Status(),
		InFlight: s.inFlight,
		Usage:    s.usage,
	}
}

func (s *runState) result() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Result{
		RunID:       s.runID,
		Processed:   s.processed,
		Succeeded:   s.succeeded,
		Failed:      s.failed,
		Skipped:     s.skipped,
		Interrupted: s.interrupted,
		Trips:       s.breaker.Status().Trips,
		Usage:       s.usage,
	}
}

func (s *runState) tripPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.breaker.IsOpen()
}
