// Package file persists a run's checkpoint under <dir>/<run_id>/:
//
//	outcomes.jsonl  append-only outcome log, fsync'd per record
//	snapshot.json   advisory progress snapshot
//	failures.jsonl  failures report
//	manifest.json   run manifest
//
// Whole-file writes are atomic (temp file, fsync, rename, dir sync).
package file

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/vietddude/llmbatch/internal/core/domain"
	"github.com/vietddude/llmbatch/internal/infra/storage"
)

const (
	outcomesFile = "outcomes.jsonl"
	snapshotFile = "snapshot.json"
	failuresFile = "failures.jsonl"
	manifestFile = "manifest.json"
)

// Store is a file-backed storage.RunStore for one run.
type Store struct {
	dir string

	mu  sync.Mutex
	log *os.File
}

// Open opens the checkpoint directory for runID under baseDir. When create
// is false the run must already exist.
func Open(baseDir, runID string, create bool) (*Store, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, errors.New("checkpoint dir is required")
	}
	if strings.TrimSpace(runID) == "" || strings.ContainsAny(runID, `/\`) {
		return nil, fmt.Errorf("invalid run id %q", runID)
	}

	dir := filepath.Join(baseDir, runID)
	if _, err := os.Stat(dir); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat run dir: %w", err)
		}
		if !create {
			return nil, fmt.Errorf("%w: %s", storage.ErrRunNotFound, runID)
		}
		if err := ensureDirDurable(dir); err != nil {
			return nil, fmt.Errorf("create run dir: %w", err)
		}
	}

	path := filepath.Join(dir, outcomesFile)
	if err := repairTail(path); err != nil {
		return nil, fmt.Errorf("repair outcome log: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open outcome log: %w", err)
	}

	return &Store{dir: dir, log: f}, nil
}

// Dir returns the run directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) path(name string) string { return filepath.Join(s.dir, name) }

// Append writes one JSON line and syncs it before returning.
func (s *Store) Append(ctx context.Context, o domain.Outcome) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.log == nil {
		return errors.New("store is closed")
	}
	if _, err := s.log.Write(data); err != nil {
		return fmt.Errorf("append outcome %d: %w", o.Index, err)
	}
	if err := s.log.Sync(); err != nil {
		return fmt.Errorf("sync outcome log: %w", err)
	}
	return nil
}

// LatestByIndex folds the outcome log. A torn final line or any undecodable
// line is skipped.
func (s *Store) LatestByIndex(ctx context.Context) (map[int64]domain.Outcome, error) {
	f, err := os.Open(s.path(outcomesFile))
	if err != nil {
		if os.IsNotExist(err) {
			return map[int64]domain.Outcome{}, nil
		}
		return nil, fmt.Errorf("open outcome log: %w", err)
	}
	defer f.Close()

	folder := storage.NewFolder()
	r := bufio.NewReaderSize(f, 64*1024)
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			foldLine(folder, line, err == nil)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read outcome log: %w", err)
		}
	}

	if n := folder.Skipped(); n > 0 {
		slog.Warn("Skipped unreadable checkpoint records", "dir", s.dir, "count", n)
	}
	return folder.Latest(), nil
}

func foldLine(folder *storage.Folder, line []byte, terminated bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	if !terminated {
		folder.Skip()
		return
	}
	var o domain.Outcome
	if err := json.Unmarshal(line, &o); err != nil {
		folder.Skip()
		return
	}
	folder.Add(o)
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
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := writeFileAtomicDurable(s.path(snapshotFile), append(data, '\n')); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

func (s *Store) ReadSnapshot(ctx context.Context) (domain.Snapshot, error) {
	var snap domain.Snapshot
	if err := readJSON(s.path(snapshotFile), &snap); err != nil {
		if os.IsNotExist(err) {
			return domain.Snapshot{}, storage.ErrNoSnapshot
		}
		return domain.Snapshot{}, fmt.Errorf("read snapshot: %w", err)
	}
	return snap, nil
}

// WriteFailuresReport writes one JSON line per failure, replacing any
// previous report.
func (s *Store) WriteFailuresReport(ctx context.Context, failures []domain.Outcome) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, o := range failures {
		if err := enc.Encode(o); err != nil {
			return fmt.Errorf("marshal failure %d: %w", o.Index, err)
		}
	}
	if err := writeFileAtomicDurable(s.path(failuresFile), buf.Bytes()); err != nil {
		return fmt.Errorf("write failures report: %w", err)
	}
	return nil
}

// FailuresReportPath returns where the failures report is written.
func (s *Store) FailuresReportPath() string { return s.path(failuresFile) }

func (s *Store) SaveManifest(ctx context.Context, m domain.Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := writeFileAtomicDurable(s.path(manifestFile), append(data, '\n')); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

func (s *Store) LoadManifest(ctx context.Context) (domain.Manifest, error) {
	var m domain.Manifest
	if err := readJSON(s.path(manifestFile), &m); err != nil {
		if os.IsNotExist(err) {
			return domain.Manifest{}, storage.ErrRunNotFound
		}
		return domain.Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	return m, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.log == nil {
		return nil
	}
	err := s.log.Close()
	s.log = nil
	return err
}

// ListRuns returns the run ids present under baseDir.
func ListRuns(baseDir string) ([]string, error) {
	entries, err := os.ReadDir(baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}
