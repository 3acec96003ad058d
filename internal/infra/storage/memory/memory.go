package memory

import (
	"context"
	"sync"

	"github.com/vietddude/llmbatch/internal/core/domain"
	"github.com/vietddude/llmbatch/internal/infra/storage"
)

// Store keeps a run's checkpoint in process memory.
type Store struct {
	mu       sync.RWMutex
	log      []domain.Outcome
	snapshot *domain.Snapshot
	failures []domain.Outcome
	manifest *domain.Manifest
}

func NewStore() *Store {
	return &Store{}
}

func (s *Store) Append(ctx context.Context, o domain.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = append(s.log, o)
	return nil
}

// Log returns a copy of every appended record in order.
func (s *Store) Log() []domain.Outcome {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Outcome, len(s.log))
	copy(out, s.log)
	return out
}

func (s *Store) LatestByIndex(ctx context.Context) (map[int64]domain.Outcome, error) {
	return storage.Fold(s.Log()), nil
}

func (s *Store) CompletedIndices(ctx context.Context) (storage.IndexSet, error) {
	latest, err := s.LatestByIndex(ctx)
	if err != nil {
		return nil, err
	}
	return storage.Completed(latest), nil
}

func (s *Store) FailedIndices(ctx context.Context) (storage.IndexSet, error) {
	latest, err := s.LatestByIndex(ctx)
	if err != nil {
		return nil, err
	}
	return storage.Failed(latest), nil
}

func (s *Store) WriteSnapshot(ctx context.Context, snap domain.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = &snap
	return nil
}

func (s *Store) ReadSnapshot(ctx context.Context) (domain.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.snapshot == nil {
		return domain.Snapshot{}, storage.ErrNoSnapshot
	}
	return *s.snapshot, nil
}

func (s *Store) WriteFailuresReport(ctx context.Context, failures []domain.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append([]domain.Outcome(nil), failures...)
	return nil
}

// FailuresReport returns the last written failures report.
func (s *Store) FailuresReport() []domain.Outcome {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.Outcome(nil), s.failures...)
}

func (s *Store) SaveManifest(ctx context.Context, m domain.Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manifest = &m
	return nil
}

func (s *Store) LoadManifest(ctx context.Context) (domain.Manifest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.manifest == nil {
		return domain.Manifest{}, storage.ErrRunNotFound
	}
	return *s.manifest, nil
}

func (s *Store) Close() error { return nil }
