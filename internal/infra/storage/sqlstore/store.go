package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/llmbatch/internal/core/domain"
	"github.com/vietddude/llmbatch/internal/infra/storage"
)

// Store implements storage.RunStore for one run in a shared database.
type Store struct {
	db     *DB
	runID  string
	ownsDB bool
}

// Open binds a store to runID. With create set, the run row is inserted if
// missing; otherwise a missing run is ErrRunNotFound.
func Open(ctx context.Context, db *DB, runID string, create bool) (*Store, error) {
	if runID == "" {
		return nil, errors.New("run id is required")
	}

	var exists bool
	err := db.GetContext(ctx, &exists, db.Rebind(`SELECT EXISTS (SELECT 1 FROM runs WHERE run_id = ?)`), runID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up run: %w", err)
	}

	if !exists {
		if !create {
			return nil, fmt.Errorf("%w: %s", storage.ErrRunNotFound, runID)
		}
		query := db.Rebind(`INSERT INTO runs (run_id) VALUES (?) ON CONFLICT (run_id) DO NOTHING`)
		if _, err := db.ExecContext(ctx, query, runID); err != nil {
			return nil, fmt.Errorf("failed to create run: %w", err)
		}
	}

	return &Store{db: db, runID: runID}, nil
}

// OpenOwned is Open for a store that closes db when it is closed.
func OpenOwned(ctx context.Context, cfg Config, runID string, create bool) (*Store, error) {
	db, err := NewDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s, err := Open(ctx, db, runID, create)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.ownsDB = true
	return s, nil
}

// Append inserts one outcome row. The insert is committed before it returns.
func (s *Store) Append(ctx context.Context, o domain.Outcome) error {
	record, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}

	recordedAt := o.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now().UTC()
	}

	query := s.db.Rebind(`
		INSERT INTO outcomes (run_id, unit_index, status, error_kind, record, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	_, err = s.db.ExecContext(ctx, query,
		s.runID,
		o.Index,
		string(o.Status),
		string(o.ErrorKind),
		string(record),
		recordedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to append outcome %d: %w", o.Index, err)
	}
	return nil
}

// LatestByIndex returns the highest-sequence outcome per unit index.
func (s *Store) LatestByIndex(ctx context.Context) (map[int64]domain.Outcome, error) {
	query := s.db.Rebind(`
		SELECT o.record
		FROM outcomes o
		JOIN (
			SELECT unit_index, MAX(seq) AS seq
			FROM outcomes
			WHERE run_id = ?
			GROUP BY unit_index
		) latest ON o.seq = latest.seq
		ORDER BY o.unit_index
	`)

	var records []string
	if err := s.db.SelectContext(ctx, &records, query, s.runID); err != nil {
		return nil, fmt.Errorf("failed to fold outcomes: %w", err)
	}

	folder := storage.NewFolder()
	for _, rec := range records {
		var o domain.Outcome
		if err := json.Unmarshal([]byte(rec), &o); err != nil {
			folder.Skip()
			continue
		}
		folder.Add(o)
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
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	return s.setRunColumn(ctx, "snapshot", string(data))
}

func (s *Store) ReadSnapshot(ctx context.Context) (domain.Snapshot, error) {
	raw, err := s.getRunColumn(ctx, "snapshot")
	if err != nil {
		return domain.Snapshot{}, err
	}
	if !raw.Valid {
		return domain.Snapshot{}, storage.ErrNoSnapshot
	}
	var snap domain.Snapshot
	if err := json.Unmarshal([]byte(raw.String), &snap); err != nil {
		return domain.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

func (s *Store) SaveManifest(ctx context.Context, m domain.Manifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	return s.setRunColumn(ctx, "manifest", string(data))
}

func (s *Store) LoadManifest(ctx context.Context) (domain.Manifest, error) {
	raw, err := s.getRunColumn(ctx, "manifest")
	if err != nil {
		return domain.Manifest{}, err
	}
	if !raw.Valid {
		return domain.Manifest{}, storage.ErrRunNotFound
	}
	var m domain.Manifest
	if err := json.Unmarshal([]byte(raw.String), &m); err != nil {
		return domain.Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	return m, nil
}

// column is one of the fixed names below, never user input.
func (s *Store) setRunColumn(ctx context.Context, column, value string) error {
	query := s.db.Rebind(fmt.Sprintf(`UPDATE runs SET %s = ?, updated_at = CURRENT_TIMESTAMP WHERE run_id = ?`, column))
	res, err := s.db.ExecContext(ctx, query, value, s.runID)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", column, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", storage.ErrRunNotFound, s.runID)
	}
	return nil
}

func (s *Store) getRunColumn(ctx context.Context, column string) (sql.NullString, error) {
	var raw sql.NullString
	query := s.db.Rebind(fmt.Sprintf(`SELECT %s FROM runs WHERE run_id = ?`, column))
	err := s.db.GetContext(ctx, &raw, query, s.runID)
	if errors.Is(err, sql.ErrNoRows) {
		return raw, fmt.Errorf("%w: %s", storage.ErrRunNotFound, s.runID)
	}
	if err != nil {
		return raw, fmt.Errorf("failed to read %s: %w", column, err)
	}
	return raw, nil
}

// WriteFailuresReport replaces the run's report rows in one transaction.
func (s *Store) WriteFailuresReport(ctx context.Context, failures []domain.Outcome) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM failure_reports WHERE run_id = ?`), s.runID); err != nil {
		return fmt.Errorf("failed to clear failures report: %w", err)
	}

	insert := tx.Rebind(`INSERT INTO failure_reports (run_id, unit_index, record) VALUES (?, ?, ?)`)
	for _, o := range failures {
		record, err := json.Marshal(o)
		if err != nil {
			return fmt.Errorf("marshal failure %d: %w", o.Index, err)
		}
		if _, err := tx.ExecContext(ctx, insert, s.runID, o.Index, string(record)); err != nil {
			return fmt.Errorf("failed to insert failure %d: %w", o.Index, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit failures report: %w", err)
	}
	return nil
}

// FailuresReport reads the stored report ordered by unit index.
func (s *Store) FailuresReport(ctx context.Context) ([]domain.Outcome, error) {
	var records []string
	query := s.db.Rebind(`SELECT record FROM failure_reports WHERE run_id = ? ORDER BY unit_index`)
	if err := s.db.SelectContext(ctx, &records, query, s.runID); err != nil {
		return nil, fmt.Errorf("failed to read failures report: %w", err)
	}
	out := make([]domain.Outcome, 0, len(records))
	for _, rec := range records {
		var o domain.Outcome
		if err := json.Unmarshal([]byte(rec), &o); err != nil {
			return nil, fmt.Errorf("decode failure record: %w", err)
		}
		out = append(out, o)
	}
	return out, nil
}

// ListRuns returns every run id in the database.
func ListRuns(ctx context.Context, db *DB) ([]string, error) {
	var ids []string
	if err := db.SelectContext(ctx, &ids, `SELECT run_id FROM runs ORDER BY created_at`); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return ids, nil
}

// Close releases the database only when the store opened it.
func (s *Store) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}
