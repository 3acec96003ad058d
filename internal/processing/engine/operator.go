package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/vietddude/llmbatch/internal/core/domain"
	"github.com/vietddude/llmbatch/internal/processing/breaker"
)

// Decision is the operator's answer to a breaker trip.
type Decision int

const (
	Continue Decision = iota
	Abort
	Inspect
)

func (d Decision) String() string {
	switch d {
	case Continue:
		return "continue"
	case Abort:
		return "abort"
	case Inspect:
		return "inspect"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// ParseDecision accepts the decision name or its first letter.
func ParseDecision(s string) (Decision, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "c", "continue":
		return Continue, nil
	case "a", "abort":
		return Abort, nil
	case "i", "inspect":
		return Inspect, nil
	}
	return 0, fmt.Errorf("unknown decision %q", s)
}

// Stats summarises the run at the moment of a trip.
type Stats struct {
	Processed int64
	Succeeded int64
	Failed    int64
}

// SuccessRate is Succeeded/Processed, or 0 before anything was processed.
func (s Stats) SuccessRate() float64 {
	if s.Processed == 0 {
		return 0
	}
	return float64(s.Succeeded) / float64(s.Processed)
}

// Inspection carries the detail shown for an Inspect decision.
type Inspection struct {
	LastError      *breaker.ErrorInfo
	LastFailedUnit *domain.Unit
}

// TripEvent is yielded to the operator while dispatch is suspended.
// Inspection is set once the operator has asked to inspect.
type TripEvent struct {
	RunID               string
	ConsecutiveFailures int
	Threshold           int
	LastError           *breaker.ErrorInfo
	Stats               Stats
	Inspection          *Inspection
}

// Operator decides how a run proceeds after the breaker trips. Decide
// blocks until a decision is available or ctx is done.
type Operator interface {
	Decide(ctx context.Context, ev TripEvent) (Decision, error)
}

// OperatorFunc adapts a function to Operator.
type OperatorFunc func(ctx context.Context, ev TripEvent) (Decision, error)

func (f OperatorFunc) Decide(ctx context.Context, ev TripEvent) (Decision, error) {
	return f(ctx, ev)
}

// FixedOperator always returns the same decision. Inspect is not a valid
// fixed decision and is treated as Abort.
type FixedOperator struct {
	Decision Decision
}

func (o FixedOperator) Decide(ctx context.Context, ev TripEvent) (Decision, error) {
	if o.Decision == Inspect {
		return Abort, nil
	}
	return o.Decision, nil
}

// ChannelOperator publishes trip events and waits for decisions on
// channels, for drivers that live in another goroutine (an HTTP handler,
// a test).
type ChannelOperator struct {
	Events    chan TripEvent
	Decisions chan Decision
}

// NewChannelOperator creates a ChannelOperator with unbuffered channels.
func NewChannelOperator() *ChannelOperator {
	return &ChannelOperator{
		Events:    make(chan TripEvent),
		Decisions: make(chan Decision),
	}
}

func (o *ChannelOperator) Decide(ctx context.Context, ev TripEvent) (Decision, error) {
	select {
	case o.Events <- ev:
	case <-ctx.Done():
		return Abort, ctx.Err()
	}
	select {
	case d := <-o.Decisions:
		return d, nil
	case <-ctx.Done():
		return Abort, ctx.Err()
	}
}

// PromptOperator asks on a terminal. A single goroutine reads input lines
// for the life of the operator.
type PromptOperator struct {
	in  io.Reader
	out io.Writer

	once      sync.Once
	closeOnce sync.Once
	lines     chan string
	done      chan struct{}
	stopped   chan struct{}
	err       error
}

// NewPromptOperator reads answers from in and writes prompts to out.
func NewPromptOperator(in io.Reader, out io.Writer) *PromptOperator {
	return &PromptOperator{
		in:      in,
		out:     out,
		lines:   make(chan string, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Close stops handing input lines to Decide. A read already blocked on in
// returns when in does.
func (o *PromptOperator) Close() error {
	o.closeOnce.Do(func() { close(o.done) })
	return nil
}

func (o *PromptOperator) read() {
	defer close(o.stopped)

	scanner := bufio.NewScanner(o.in)
	for scanner.Scan() {
		select {
		case o.lines <- scanner.Text():
		case <-o.done:
			return
		}
	}
	o.err = scanner.Err()
	if o.err == nil {
		o.err = errors.New("operator input closed")
	}
	close(o.lines)
}

func (o *PromptOperator) Decide(ctx context.Context, ev TripEvent) (Decision, error) {
	o.once.Do(func() { go o.read() })

	if ev.Inspection != nil {
		writeInspection(o.out, ev.Inspection)
	} else {
		writeTrip(o.out, ev)
	}

	for {
		if err := ctx.Err(); err != nil {
			return Abort, err
		}
		fmt.Fprint(o.out, "[c]ontinue / [a]bort / [i]nspect: ")
		select {
		case <-ctx.Done():
			return Abort, ctx.Err()
		case <-o.done:
			return Abort, errors.New("operator closed")
		case line, ok := <-o.lines:
			if !ok {
				return Abort, o.err
			}
			d, err := ParseDecision(line)
			if err != nil {
				fmt.Fprintln(o.out, err)
				continue
			}
			return d, nil
		}
	}
}

func writeTrip(w io.Writer, ev TripEvent) {
	fmt.Fprintf(w, "\nCircuit breaker tripped after %d consecutive failures (threshold %d)\n",
		ev.ConsecutiveFailures, ev.Threshold)
	if ev.LastError != nil {
		fmt.Fprintf(w, "  last error:   [%s] unit %d: %s\n", ev.LastError.Kind, ev.LastError.Index, ev.LastError.Message)
	}
	fmt.Fprintf(w, "  processed:    %d (succeeded %d, failed %d)\n", ev.Stats.Processed, ev.Stats.Succeeded, ev.Stats.Failed)
	fmt.Fprintf(w, "  success rate: %.1f%%\n", ev.Stats.SuccessRate()*100)
}

func writeInspection(w io.Writer, in *Inspection) {
	if in.LastError != nil {
		fmt.Fprintf(w, "\nLast error (%s, unit %d, at %s):\n  %s\n",
			in.LastError.Kind, in.LastError.Index, in.LastError.At.Format("15:04:05"), in.LastError.Message)
	}
	if in.LastFailedUnit != nil {
		fmt.Fprintf(w, "Last failed unit %d:\n", in.LastFailedUnit.Index)
		for k, v := range in.LastFailedUnit.Fields {
			fmt.Fprintf(w, "  %s: %v\n", k, v)
		}
	}
}
