// Package control wires configuration, checkpoint backends, the completion
// provider and the engine into the run and resume entry points.
package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/llmbatch/internal/core/config"
	"github.com/vietddude/llmbatch/internal/core/domain"
	"github.com/vietddude/llmbatch/internal/infra/llm"
	"github.com/vietddude/llmbatch/internal/infra/source"
	"github.com/vietddude/llmbatch/internal/processing/backoff"
	"github.com/vietddude/llmbatch/internal/processing/breaker"
	"github.com/vietddude/llmbatch/internal/processing/engine"
	"github.com/vietddude/llmbatch/internal/processing/health"
	"github.com/vietddude/llmbatch/internal/processing/retry"
)

// Runner starts new runs and resumes existing ones.
type Runner struct {
	cfg      *config.AppConfig
	provider llm.Provider
	operator engine.Operator
	sleep    retry.SleepFunc
	in       io.Reader
	out      io.Writer
	log      *slog.Logger
}

// Option customises a Runner.
type Option func(*Runner)

// WithProvider replaces the provider built from configuration.
func WithProvider(p llm.Provider) Option {
	return func(r *Runner) { r.provider = p }
}

// WithOperator replaces the operator selected by run.on_trip.
func WithOperator(op engine.Operator) Option {
	return func(r *Runner) { r.operator = op }
}

// WithSleep replaces the backoff sleep.
func WithSleep(fn retry.SleepFunc) Option {
	return func(r *Runner) { r.sleep = fn }
}

// WithTerminal sets where the interactive operator reads and writes.
func WithTerminal(in io.Reader, out io.Writer) Option {
	return func(r *Runner) {
		r.in = in
		r.out = out
	}
}

// NewRunner creates a Runner.
func NewRunner(cfg *config.AppConfig, opts ...Option) *Runner {
	r := &Runner{
		cfg: cfg,
		in:  os.Stdin,
		out: os.Stderr,
		log: slog.Default().With("component", "runner"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run starts a new run over the configured input under a fresh run id.
func (r *Runner) Run(ctx context.Context) (engine.Result, error) {
	if r.cfg.Input.Path == "" {
		return engine.Result{}, errors.New("input path is required")
	}

	runID := uuid.NewString()
	b, err := OpenBackend(ctx, r.cfg.Checkpoint, runID, true)
	if err != nil {
		return engine.Result{RunID: runID}, err
	}
	defer r.closeBackend(b)

	m := domain.Manifest{
		RunID:     runID,
		InputPath: r.cfg.Input.Path,
		Model:     r.cfg.LLM.Model,
		CreatedAt: time.Now().UTC(),
	}
	if err := b.Store.SaveManifest(ctx, m); err != nil {
		return engine.Result{RunID: runID}, fmt.Errorf("failed to save manifest: %w", err)
	}

	r.log.Info("Starting run", "run_id", runID, "input", m.InputPath, "backend", r.cfg.Checkpoint.Backend)
	return r.execute(ctx, b, m, false)
}

// Resume continues runID from its checkpoint. Units with a recorded outcome
// are skipped, except failures when retryFailures is set.
func (r *Runner) Resume(ctx context.Context, runID string, retryFailures bool) (engine.Result, error) {
	b, err := OpenBackend(ctx, r.cfg.Checkpoint, runID, false)
	if err != nil {
		return engine.Result{RunID: runID}, err
	}
	defer r.closeBackend(b)

	m, err := b.Store.LoadManifest(ctx)
	if err != nil {
		return engine.Result{RunID: runID}, fmt.Errorf("failed to load manifest: %w", err)
	}
	if r.cfg.Input.Path != "" && r.cfg.Input.Path != m.InputPath {
		r.log.Warn("Input path overridden on resume", "run_id", runID, "recorded", m.InputPath, "input", r.cfg.Input.Path)
		m.InputPath = r.cfg.Input.Path
	}

	r.log.Info("Resuming run", "run_id", runID, "input", m.InputPath, "retry_failures", retryFailures)
	return r.execute(ctx, b, m, retryFailures)
}

func (r *Runner) execute(ctx context.Context, b *Backend, m domain.Manifest, retryFailures bool) (engine.Result, error) {
	res := engine.Result{RunID: m.RunID}

	src, err := source.Open(m.InputPath)
	if err != nil {
		return res, err
	}
	defer func() {
		_ = src.Close()
	}()

	provider, err := r.buildProvider(m)
	if err != nil {
		return res, err
	}

	completer := retry.NewCompleter(provider, retry.Config{
		MaxRetries: r.cfg.Run.MaxRetries,
		Policy:     backoff.NewPolicy(r.cfg.Run.BackoffBase, r.cfg.Run.BackoffMax),
		Validator:  r.validator(),
		Sleep:      r.sleep,
		Logger:     r.log.With("run_id", m.RunID),
	})

	operator, remote := r.buildOperator()
	if c, ok := operator.(io.Closer); ok && r.operator == nil {
		defer func() {
			_ = c.Close()
		}()
	}

	eng := engine.New(completer, b.Store, operator, engine.Config{
		RunID:              m.RunID,
		Mode:               engine.Mode(r.cfg.Run.Mode),
		BatchSize:          r.cfg.Run.BatchSize,
		RetryFailures:      retryFailures,
		CheckpointInterval: r.cfg.Run.CheckpointInterval,
		CheckpointPeriod:   r.cfg.Run.CheckpointPeriod,
		DrainTimeout:       r.cfg.Run.DrainTimeout,
		Breaker: breaker.Policy{
			Threshold:        r.cfg.Run.CircuitBreakerThreshold,
			CountExhausted:   r.cfg.Run.CountsExhausted(),
			CountParseErrors: r.cfg.Run.CountsParseErrors(),
		},
	})

	bgCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	b.StartMetricsCollector(bgCtx)

	if r.cfg.Server.Port > 0 {
		server := health.NewServer(eng, provider, remote, r.cfg.Server.Port)
		go func() {
			if err := server.Start(); err != nil {
				r.log.Error("Status server failed", "error", err)
			}
		}()
		go server.WatchOperator(bgCtx)
		defer func() {
			stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
			defer stop()
			if err := server.Stop(stopCtx); err != nil {
				r.log.Warn("Failed to stop status server", "error", err)
			}
		}()
		r.log.Info("Status server listening", "port", r.cfg.Server.Port)
	}

	return eng.Run(ctx, src)
}

func (r *Runner) buildProvider(m domain.Manifest) (llm.Provider, error) {
	if r.provider != nil {
		return r.provider, nil
	}
	prompt, err := llm.ParsePrompt(r.cfg.LLM.PromptTemplate)
	if err != nil {
		return nil, err
	}
	clientCfg := r.cfg.LLM.ClientConfig()
	if clientCfg.Model == "" {
		clientCfg.Model = m.Model
	}
	return llm.New(clientCfg, prompt)
}

func (r *Runner) validator() retry.Validator {
	if r.cfg.LLM.ExpectJSON || len(r.cfg.LLM.RequiredFields) > 0 {
		return llm.JSONValidator{Required: r.cfg.LLM.RequiredFields}
	}
	return llm.TextValidator{}
}

// buildOperator returns the trip operator and, for on_trip=http, the
// channel the status server answers through.
func (r *Runner) buildOperator() (engine.Operator, *engine.ChannelOperator) {
	if r.operator != nil {
		return r.operator, nil
	}
	switch r.cfg.Run.OnTrip {
	case "abort":
		return engine.FixedOperator{Decision: engine.Abort}, nil
	case "continue":
		return engine.FixedOperator{Decision: engine.Continue}, nil
	case "http":
		op := engine.NewChannelOperator()
		return op, op
	default:
		return engine.NewPromptOperator(r.in, r.out), nil
	}
}

func (r *Runner) closeBackend(b *Backend) {
	if err := b.Close(); err != nil {
		r.log.Warn("Failed to close checkpoint store", "error", err)
	}
}
