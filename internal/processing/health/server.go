package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vietddude/llmbatch/internal/processing/engine"
)

// Server provides HTTP endpoints for run monitoring.
type Server struct {
	progress ProgressSource
	provider ProviderSource
	operator *engine.ChannelOperator
	server   *http.Server

	mu      sync.Mutex
	pending *engine.TripEvent
}

// NewServer creates a new status server. provider and operator may be nil.
func NewServer(progress ProgressSource, provider ProviderSource, operator *engine.ChannelOperator, port int) *Server {
	mux := http.NewServeMux()
	s := &Server{
		progress: progress,
		provider: provider,
		operator: operator,
		server: &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: mux,
		},
	}

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/decision", s.handleDecision)
	mux.Handle("/metrics", promhttp.Handler())

	return s
}

// Handler exposes the routes for embedding and tests.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Start starts the HTTP server. It returns nil after Stop.
func (s *Server) Start() error {
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// WatchOperator records trip events from the channel operator until ctx
// is done so /status can show them and /decision can answer them.
func (s *Server) WatchOperator(ctx context.Context) {
	if s.operator == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.operator.Events:
			s.mu.Lock()
			s.pending = &ev
			s.mu.Unlock()
		}
	}
}

func (s *Server) report() Report {
	r := Report{Status: StatusHealthy}

	var ph *ProviderReport
	if s.provider != nil {
		ph = &ProviderReport{Name: s.provider.Name(), Health: s.provider.Health()}
		r.Provider = ph
	}

	p, ok := s.progress.Progress()
	if ok {
		snap := p.Snapshot
		usage := p.Usage
		r.Started = true
		r.Snapshot = &snap
		r.InFlight = p.InFlight
		r.Usage = &usage
		r.Breaker = &BreakerReport{
			State:               p.Breaker.State,
			ConsecutiveFailures: p.Breaker.ConsecutiveFailures,
			Trips:               p.Breaker.Trips,
			LastError:           p.Breaker.LastError,
		}
		if ph != nil {
			r.Status = Evaluate(p, &ph.Health)
		} else {
			r.Status = Evaluate(p, nil)
		}
	}

	s.mu.Lock()
	r.Pending = s.pending
	s.mu.Unlock()
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.report().Status

	response := map[string]string{"status": string(status)}
	w.Header().Set("Content-Type", "application/json")

	if status == StatusCritical {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	json.NewEncoder(w).Encode(response)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.report())
}

// handleDecision answers a pending trip: POST /decision?d=continue|abort|inspect.
func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.operator == nil {
		http.Error(w, "remote decisions are not enabled", http.StatusNotFound)
		return
	}

	d, err := engine.ParseDecision(r.URL.Query().Get("d"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// Clear before sending: an Inspect answer produces the next event at once.
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	if pending == nil {
		http.Error(w, "no decision pending", http.StatusConflict)
		return
	}

	select {
	case s.operator.Decisions <- d:
	case <-r.Context().Done():
		s.mu.Lock()
		if s.pending == nil {
			s.pending = pending
		}
		s.mu.Unlock()
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"decision": d.String()})
}
