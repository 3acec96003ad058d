// Package engine runs units through a completer, records every terminal
// outcome to a checkpoint store and drives the circuit-breaker pause
// protocol. It supports sequential and bounded-concurrent dispatch,
// resume from an existing checkpoint, and re-processing of failures.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/vietddude/llmbatch/internal/core/domain"
	"github.com/vietddude/llmbatch/internal/infra/storage"
	"github.com/vietddude/llmbatch/internal/processing/breaker"
	"github.com/vietddude/llmbatch/internal/processing/retry"
)

// ErrCheckpoint wraps any checkpoint persistence failure. It is run-fatal.
var ErrCheckpoint = errors.New("checkpoint failure")

// Mode selects how units are dispatched.
type Mode string

const (
	ModeSequential Mode = "sequential"
	ModeConcurrent Mode = "concurrent"
)

const (
	DefaultBatchSize          = 8
	DefaultCheckpointInterval = 10
	DefaultCheckpointPeriod   = 30 * time.Second
)

// Processor turns a unit into a terminal outcome. *retry.Completer is the
// production implementation.
type Processor interface {
	Complete(ctx context.Context, unit domain.Unit) (domain.Outcome, error)
}

// Config configures one engine run.
type Config struct {
	RunID     string
	Mode      Mode
	BatchSize int

	// RetryFailures re-dispatches units whose latest outcome is a failure.
	RetryFailures bool

	CheckpointInterval int
	CheckpointPeriod   time.Duration

	// DrainTimeout bounds how long in-flight work may run after
	// cancellation. Zero waits for it to finish.
	DrainTimeout time.Duration

	// TotalCount is used for progress when the source is not Sized.
	TotalCount int64

	Breaker breaker.Policy
	Logger  *slog.Logger
}

// Result summarises a run.
type Result struct {
	RunID       string
	Processed   int64
	Succeeded   int64
	Failed      int64
	Skipped     int64
	Interrupted int64
	Trips       int
	Aborted     bool
	Cancelled   bool
	Usage       domain.TokenUsage
}

// State maps the result to the run state recorded in the final snapshot.
func (r Result) State() domain.RunState {
	switch {
	case r.Aborted:
		return domain.RunStateAborted
	case r.Cancelled:
		return domain.RunStateCancelled
	default:
		return domain.RunStateCompleted
	}
}

// Progress is a live view of a running engine.
type Progress struct {
	Snapshot domain.Snapshot
	Breaker  breaker.Status
	InFlight int
	Usage    domain.TokenUsage
}

// Engine executes one run. It is not reusable across runs.
type Engine struct {
	proc     Processor
	store    storage.CheckpointStore
	operator Operator
	cfg      Config
	log      *slog.Logger

	state   atomic.Pointer[runState]
	started atomic.Bool
}

// New creates an engine. A nil operator aborts on every trip.
func New(proc Processor, store storage.CheckpointStore, operator Operator, cfg Config) *Engine {
	if cfg.Mode == "" {
		cfg.Mode = ModeSequential
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.CheckpointInterval < 1 {
		cfg.CheckpointInterval = DefaultCheckpointInterval
	}
	if cfg.CheckpointPeriod == 0 {
		cfg.CheckpointPeriod = DefaultCheckpointPeriod
	}
	if cfg.Breaker.Threshold < 1 {
		cfg.Breaker = breaker.DefaultPolicy()
	}
	if operator == nil {
		operator = FixedOperator{Decision: Abort}
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Engine{
		proc:     proc,
		store:    store,
		operator: operator,
		cfg:      cfg,
		log:      log.With("component", "engine", "run_id", cfg.RunID),
	}
}

// Progress reports live counters. ok is false before Run starts.
func (e *Engine) Progress() (p Progress, ok bool) {
	st := e.state.Load()
	if st == nil {
		return Progress{}, false
	}
	return st.progress(), true
}

// Run processes src to exhaustion, abort or cancellation. Per-unit
// failures never make Run return an error; checkpoint and source failures
// do, after in-flight work has drained.
func (e *Engine) Run(ctx context.Context, src Source) (Result, error) {
	if !e.started.CompareAndSwap(false, true) {
		return Result{}, errors.New("engine already ran")
	}

	st := newRunState(e.cfg.RunID, e.store, breaker.New(e.cfg.Breaker), e.cfg, e.log)
	if sized, ok := src.(Sized); ok {
		st.total = sized.Len()
	}

	skip, err := e.plan(ctx, st)
	if err != nil {
		return Result{}, err
	}
	e.state.Store(st)

	e.log.Info("Starting run",
		"mode", e.cfg.Mode,
		"batch_size", e.cfg.BatchSize,
		"retry_failures", e.cfg.RetryFailures,
		"already_done", len(skip),
		"threshold", e.cfg.Breaker.Threshold,
	)
	st.writeSnapshot(ctx, domain.RunStateRunning)

	// In-flight work outlives ctx so it can finish and be recorded.
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()
	stopDrainTimer := context.AfterFunc(ctx, func() {
		if e.cfg.DrainTimeout > 0 {
			time.AfterFunc(e.cfg.DrainTimeout, cancelWork)
		}
	})
	defer stopDrainTimer()

	var (
		aborted bool
		runErr  error
	)
	if e.cfg.Mode == ModeConcurrent {
		aborted, runErr = e.runConcurrent(ctx, workCtx, st, src, skip)
	} else {
		aborted, runErr = e.runSequential(ctx, workCtx, st, src, skip)
	}

	res := st.result()
	res.Aborted = aborted
	res.Cancelled = !aborted && ctx.Err() != nil

	state := res.State()
	if runErr != nil {
		state = domain.RunStateFailed
	}
	if err := e.finalize(context.WithoutCancel(ctx), st, state); err != nil && runErr == nil {
		runErr = err
	}

	e.log.Info("Run finished",
		"state", state,
		"processed", res.Processed,
		"succeeded", res.Succeeded,
		"failed", res.Failed,
		"skipped", res.Skipped,
		"interrupted", res.Interrupted,
	)
	return res, runErr
}

// plan computes the set of indices that are not dispatched this run.
func (e *Engine) plan(ctx context.Context, st *runState) (storage.IndexSet, error) {
	completed, err := e.store.CompletedIndices(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: read completed indices: %v", ErrCheckpoint, err)
	}
	failed, err := e.store.FailedIndices(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: read failed indices: %v", ErrCheckpoint, err)
	}

	skip := completed
	if e.cfg.RetryFailures {
		skip = completed.Minus(failed)
	}

	st.prior = int64(len(skip))
	for i := range failed {
		if skip.Has(i) {
			st.priorFailed++
		}
	}
	return skip, nil
}

func (e *Engine) runSequential(
	ctx, workCtx context.Context,
	st *runState,
	src Source,
	skip storage.IndexSet,
) (bool, error) {
	for {
		if ctx.Err() != nil {
			return false, nil
		}

		unit, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return false, nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return false, nil
			}
			return false, fmt.Errorf("read unit: %w", err)
		}
		if skip.Has(unit.Index) {
			st.skip()
			continue
		}

		if !st.admit() {
			return false, st.checkpointErr()
		}
		tripped, err := e.process(workCtx, st, unit)
		if err != nil {
			return false, err
		}
		if tripped && !e.pause(ctx, st) {
			return ctx.Err() == nil, nil
		}
	}
}

func (e *Engine) runConcurrent(
	ctx, workCtx context.Context,
	st *runState,
	src Source,
	skip storage.IndexSet,
) (bool, error) {
	sem := semaphore.NewWeighted(int64(e.cfg.BatchSize))
	var wg sync.WaitGroup

	aborted, err := func() (bool, error) {
		for {
			if ctx.Err() != nil {
				return false, nil
			}
			if err := sem.Acquire(ctx, 1); err != nil {
				return false, nil
			}

			if !st.admit() {
				sem.Release(1)
				if err := st.checkpointErr(); err != nil {
					return false, err
				}
				// Breaker is open: let dispatched work land before asking.
				wg.Wait()
				if err := st.checkpointErr(); err != nil {
					return false, err
				}
				if !e.pause(ctx, st) {
					return ctx.Err() == nil, nil
				}
				continue
			}

			unit, err := src.Next(ctx)
			if err != nil || skip.Has(unit.Index) {
				st.release()
				sem.Release(1)
				switch {
				case errors.Is(err, io.EOF):
					return false, nil
				case err != nil && ctx.Err() != nil:
					return false, nil
				case err != nil:
					return false, fmt.Errorf("read unit: %w", err)
				}
				st.skip()
				continue
			}

			wg.Add(1)
			go func(u domain.Unit) {
				defer wg.Done()
				defer sem.Release(1)
				// Errors are sticky in st and surface through admit.
				_, _ = e.process(workCtx, st, u)
			}(unit)
		}
	}()

	wg.Wait()
	if err == nil {
		err = st.checkpointErr()
	}
	if err != nil {
		return false, err
	}
	// A trip recorded by the last in-flight units still needs a decision.
	if !aborted && ctx.Err() == nil && st.tripPending() {
		if !e.pause(ctx, st) {
			return ctx.Err() == nil, nil
		}
	}
	return aborted, nil
}

// process runs one admitted unit and records its outcome.
func (e *Engine) process(ctx context.Context, st *runState, unit domain.Unit) (bool, error) {
	outcome, err := e.proc.Complete(ctx, unit)
	if err != nil {
		if errors.Is(err, retry.ErrInterrupted) || ctx.Err() != nil {
			st.interrupt(unit.Index)
			return false, nil
		}
		// The processor could not produce an outcome; record it as fatal so
		// the unit is accounted for.
		outcome = domain.NewFailure(unit, domain.ErrorKindFatal, err.Error(), 1)
	}
	// The outcome exists; persist it even if the drain deadline has passed.
	return st.record(context.WithoutCancel(ctx), outcome)
}

// pause blocks on the operator while the breaker is open and reports
// whether the run continues.
func (e *Engine) pause(ctx context.Context, st *runState) bool {
	ev := st.tripEvent()
	e.log.Info("Dispatch suspended, awaiting operator decision",
		"consecutive_failures", ev.ConsecutiveFailures,
		"processed", ev.Stats.Processed,
	)

	for {
		d, err := e.operator.Decide(ctx, ev)
		if err != nil {
			if ctx.Err() == nil {
				e.log.Error("Operator failed, aborting run", "error", err)
			}
			st.abort()
			return false
		}

		switch d {
		case Continue:
			if err := st.continueRun(); err != nil {
				e.log.Error("Cannot continue run", "error", err)
				st.abort()
				return false
			}
			e.log.Info("Operator continued run")
			return true
		case Inspect:
			ev.Inspection = st.inspection()
		default:
			e.log.Info("Operator aborted run", "decision", d)
			st.abort()
			return false
		}
	}
}

// finalize writes the closing snapshot and the failures report.
func (e *Engine) finalize(ctx context.Context, st *runState, state domain.RunState) error {
	st.writeSnapshot(ctx, state)

	latest, err := e.store.LatestByIndex(ctx)
	if err != nil {
		return fmt.Errorf("%w: fold outcomes: %v", ErrCheckpoint, err)
	}
	failures := storage.Failures(latest)
	if err := e.store.WriteFailuresReport(ctx, failures); err != nil {
		return fmt.Errorf("%w: write failures report: %v", ErrCheckpoint, err)
	}
	if len(failures) > 0 {
		e.log.Info("Wrote failures report", "failures", len(failures))
	}
	return nil
}
