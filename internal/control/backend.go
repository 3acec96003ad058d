package control

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/vietddude/llmbatch/internal/core/config"
	"github.com/vietddude/llmbatch/internal/core/domain"
	redisclient "github.com/vietddude/llmbatch/internal/infra/redis"
	"github.com/vietddude/llmbatch/internal/infra/storage"
	"github.com/vietddude/llmbatch/internal/infra/storage/file"
	"github.com/vietddude/llmbatch/internal/infra/storage/memory"
	"github.com/vietddude/llmbatch/internal/infra/storage/sqlstore"
)

// Checkpoint backends.
const (
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMemory   = "memory"
)

// Backend is an opened checkpoint store plus the shared resources behind it.
type Backend struct {
	Store storage.RunStore

	db    *sqlstore.DB
	redis *redisclient.Client
}

// StartMetricsCollector reports connection pool usage for SQL backends.
func (b *Backend) StartMetricsCollector(ctx context.Context) {
	if b.db != nil {
		b.db.StartMetricsCollector(ctx)
	}
}

// Close closes the store and its connection.
func (b *Backend) Close() error {
	err := b.Store.Close()
	if b.db != nil {
		if cerr := b.db.Close(); err == nil {
			err = cerr
		}
	}
	if b.redis != nil {
		if cerr := b.redis.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// OpenBackend opens the checkpoint store for runID. With create unset a
// run that does not exist yields storage.ErrRunNotFound.
func OpenBackend(ctx context.Context, cfg config.CheckpointConfig, runID string, create bool) (*Backend, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", BackendFile:
		s, err := file.Open(cfg.Dir, runID, create)
		if err != nil {
			return nil, err
		}
		return &Backend{Store: s}, nil

	case BackendSQLite, BackendPostgres:
		db, err := openDB(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s, err := sqlstore.Open(ctx, db, runID, create)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		return &Backend{Store: s, db: db}, nil

	case BackendRedis:
		client, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s, err := redisclient.Open(ctx, client, runID, create)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		return &Backend{Store: s, redis: client}, nil

	case BackendMemory:
		if !create {
			return nil, fmt.Errorf("%w: %s (memory backend keeps no state between processes)", storage.ErrRunNotFound, runID)
		}
		return &Backend{Store: memory.NewStore()}, nil

	default:
		return nil, fmt.Errorf("unknown checkpoint backend %q", cfg.Backend)
	}
}

// ListRuns returns the run ids known to the configured backend.
func ListRuns(ctx context.Context, cfg config.CheckpointConfig) ([]string, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", BackendFile:
		return file.ListRuns(cfg.Dir)

	case BackendSQLite, BackendPostgres:
		db, err := openDB(ctx, cfg)
		if err != nil {
			return nil, err
		}
		defer func() {
			_ = db.Close()
		}()
		return sqlstore.ListRuns(ctx, db)

	case BackendRedis:
		client, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer func() {
			_ = client.Close()
		}()
		return client.ListRuns(ctx)

	case BackendMemory:
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown checkpoint backend %q", cfg.Backend)
	}
}

func openDB(ctx context.Context, cfg config.CheckpointConfig) (*sqlstore.DB, error) {
	dbCfg := databaseConfig(cfg)
	if dbCfg.Driver == sqlstore.DriverSQLite && cfg.Database.DSN == "" {
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("create checkpoint dir: %w", err)
		}
	}
	db, err := sqlstore.NewDB(ctx, dbCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to init db: %w", err)
	}
	return db, nil
}

// databaseConfig fills the driver and the default SQLite path.
func databaseConfig(cfg config.CheckpointConfig) sqlstore.Config {
	db := cfg.Database
	if strings.EqualFold(cfg.Backend, BackendSQLite) {
		db.Driver = sqlstore.DriverSQLite
		if db.DSN == "" {
			db.DSN = filepath.Join(cfg.Dir, "checkpoint.db")
		}
		return db
	}
	if !slices.Contains([]string{sqlstore.DriverPgx, sqlstore.DriverPostgres}, db.Driver) {
		db.Driver = sqlstore.DriverPgx
	}
	return db
}

// RunInfo is what the status command shows for one run.
type RunInfo struct {
	RunID    string
	Manifest domain.Manifest
	Snapshot *domain.Snapshot
}

// Inspect loads the manifest and latest snapshot of a run.
func Inspect(ctx context.Context, cfg config.CheckpointConfig, runID string) (RunInfo, error) {
	b, err := OpenBackend(ctx, cfg, runID, false)
	if err != nil {
		return RunInfo{}, err
	}
	defer func() {
		_ = b.Close()
	}()

	info := RunInfo{RunID: runID}
	info.Manifest, err = b.Store.LoadManifest(ctx)
	if err != nil && !isNotFound(err) {
		return RunInfo{}, err
	}
	snap, err := b.Store.ReadSnapshot(ctx)
	switch {
	case err == nil:
		info.Snapshot = &snap
	case !isNotFound(err):
		return RunInfo{}, err
	}
	return info, nil
}

// Outcomes returns the latest outcome of every unit in index order.
func Outcomes(ctx context.Context, cfg config.CheckpointConfig, runID string) ([]domain.Outcome, error) {
	b, err := OpenBackend(ctx, cfg, runID, false)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = b.Close()
	}()

	latest, err := b.Store.LatestByIndex(ctx)
	if err != nil {
		return nil, err
	}
	return storage.Ordered(latest), nil
}

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrNoSnapshot) || errors.Is(err, storage.ErrRunNotFound)
}
