package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vietddude/llmbatch/internal/core/domain"
	"github.com/vietddude/llmbatch/internal/infra/llm"
	"github.com/vietddude/llmbatch/internal/processing/breaker"
	"github.com/vietddude/llmbatch/internal/processing/engine"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeProgress struct {
	p  engine.Progress
	ok bool
}

func (f *fakeProgress) Progress() (engine.Progress, bool) { return f.p, f.ok }

type fakeProvider struct{ h llm.Health }

func (f *fakeProvider) Name() string       { return "fake" }
func (f *fakeProvider) Health() llm.Health { return f.h }

// =============================================================================
// Tests
// =============================================================================

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name     string
		progress engine.Progress
		provider *llm.Health
		want     SystemStatus
	}{
		{"idle", engine.Progress{Breaker: breaker.Status{State: breaker.StateClosed}}, nil, StatusHealthy},
		{"streak", engine.Progress{Breaker: breaker.Status{State: breaker.StateClosed, ConsecutiveFailures: 2}}, nil, StatusDegraded},
		{"provider errors", engine.Progress{Breaker: breaker.Status{State: breaker.StateClosed}}, &llm.Health{Requests: 10, ErrorRate: 0.6}, StatusDegraded},
		{"open", engine.Progress{Breaker: breaker.Status{State: breaker.StateOpen}}, nil, StatusCritical},
	}
	for _, tt := range tests {
		if got := Evaluate(tt.progress, tt.provider); got != tt.want {
			t.Errorf("%s: Evaluate = %s, want %s", tt.name, got, tt.want)
		}
	}
}

func TestServer_HealthAndStatus(t *testing.T) {
	progress := &fakeProgress{
		ok: true,
		p: engine.Progress{
			Snapshot: domain.Snapshot{RunID: "r1", ProcessedCount: 7, TotalCount: 10},
			Breaker:  breaker.Status{State: breaker.StateOpen, ConsecutiveFailures: 5, Trips: 1},
			InFlight: 2,
		},
	}
	srv := NewServer(progress, &fakeProvider{}, nil, 0)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("/health code = %d, want 503", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	var report Report
	if err := json.NewDecoder(rec.Body).Decode(&report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !report.Started || report.Snapshot.ProcessedCount != 7 || report.Breaker.Trips != 1 || report.InFlight != 2 {
		t.Errorf("report = %+v", report)
	}
	if report.Provider == nil || report.Provider.Name != "fake" {
		t.Errorf("provider = %+v", report.Provider)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("/metrics code = %d", rec.Code)
	}
}

func TestServer_RemoteDecision(t *testing.T) {
	op := engine.NewChannelOperator()
	srv := NewServer(&fakeProgress{}, nil, op, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.WatchOperator(ctx)

	// Nothing pending yet.
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/decision?d=continue", nil))
	if rec.Code != http.StatusConflict {
		t.Fatalf("code = %d, want 409", rec.Code)
	}

	decided := make(chan engine.Decision, 1)
	go func() {
		d, _ := op.Decide(ctx, engine.TripEvent{RunID: "r1", ConsecutiveFailures: 5})
		decided <- d
	}()

	deadline := time.Now().Add(2 * time.Second)
	for srv.report().Pending == nil {
		if time.Now().After(deadline) {
			t.Fatal("trip event never became pending")
		}
		time.Sleep(time.Millisecond)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/decision?d=bogus", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bogus decision code = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/decision?d=abort", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d, body %s", rec.Code, rec.Body.String())
	}
	if d := <-decided; d != engine.Abort {
		t.Errorf("decision = %v, want abort", d)
	}
}
