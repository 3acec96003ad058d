package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/llmbatch/internal/core/domain"
	"github.com/vietddude/llmbatch/internal/infra/storage"
)

// readChunk bounds each LRANGE while folding the outcome list.
const readChunk = 1000

// Store implements storage.RunStore on Redis lists and string keys.
// Outcomes are RPUSHed, so list order is append order.
type Store struct {
	client *Client
	runID  string
	owns   bool
}

// Open binds a store to runID.
func Open(ctx context.Context, client *Client, runID string, create bool) (*Store, error) {
	ok, err := client.HasRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !ok {
		if !create {
			return nil, fmt.Errorf("%w: %s", storage.ErrRunNotFound, runID)
		}
		if err := client.RegisterRun(ctx, runID, time.Now()); err != nil {
			return nil, err
		}
	}
	return &Store{client: client, runID: runID}, nil
}

// OpenOwned is Open for a store that closes its client when closed.
func OpenOwned(ctx context.Context, cfg Config, runID string, create bool) (*Store, error) {
	client, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}
	s, err := Open(ctx, client, runID, create)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	s.owns = true
	return s, nil
}

func (s *Store) Append(ctx context.Context, o domain.Outcome) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}
	if err := s.client.rdb.RPush(ctx, s.client.outcomesKey(s.runID), data).Err(); err != nil {
		return fmt.Errorf("rpush failed: %w", err)
	}
	return nil
}

func (s *Store) LatestByIndex(ctx context.Context) (map[int64]domain.Outcome, error) {
	key := s.client.outcomesKey(s.runID)
	folder := storage.NewFolder()

	for start := int64(0); ; start += readChunk {
		items, err := s.client.rdb.LRange(ctx, key, start, start+readChunk-1).Result()
		if err != nil {
			return nil, fmt.Errorf("lrange failed: %w", err)
		}
		for _, item := range items {
			var o domain.Outcome
			if err := json.Unmarshal([]byte(item), &o); err != nil {
				folder.Skip()
				continue
			}
			folder.Add(o)
		}
		if len(items) < readChunk {
			break
		}
	}

	if n := folder.Skipped(); n > 0 {
		slog.Warn("Skipped unreadable checkpoint records", "run_id", s.runID, "count", n)
	}
	return folder.Latest(), nil
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
	return s.setJSON(ctx, s.client.snapshotKey(s.runID), snap)
}

func (s *Store) ReadSnapshot(ctx context.Context) (domain.Snapshot, error) {
	var snap domain.Snapshot
	found, err := s.getJSON(ctx, s.client.snapshotKey(s.runID), &snap)
	if err != nil {
		return domain.Snapshot{}, err
	}
	if !found {
		return domain.Snapshot{}, storage.ErrNoSnapshot
	}
	return snap, nil
}

func (s *Store) WriteFailuresReport(ctx context.Context, failures []domain.Outcome) error {
	if failures == nil {
		failures = []domain.Outcome{}
	}
	return s.setJSON(ctx, s.client.failuresKey(s.runID), failures)
}

// FailuresReport returns the last written report.
func (s *Store) FailuresReport(ctx context.Context) ([]domain.Outcome, error) {
	var out []domain.Outcome
	if _, err := s.getJSON(ctx, s.client.failuresKey(s.runID), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) SaveManifest(ctx context.Context, m domain.Manifest) error {
	return s.setJSON(ctx, s.client.manifestKey(s.runID), m)
}

func (s *Store) LoadManifest(ctx context.Context) (domain.Manifest, error) {
	var m domain.Manifest
	found, err := s.getJSON(ctx, s.client.manifestKey(s.runID), &m)
	if err != nil {
		return domain.Manifest{}, err
	}
	if !found {
		return domain.Manifest{}, storage.ErrRunNotFound
	}
	return m, nil
}

func (s *Store) setJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if err := s.client.rdb.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("set failed: %w", err)
	}
	return nil
}

func (s *Store) getJSON(ctx context.Context, key string, dst any) (bool, error) {
	val, err := s.client.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get failed: %w", err)
	}
	if err := json.Unmarshal(val, dst); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (s *Store) Close() error {
	if s.owns {
		return s.client.Close()
	}
	return nil
}
