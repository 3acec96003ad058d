package storage

import (
	"context"
	"errors"

	"github.com/vietddude/llmbatch/internal/core/domain"
)

var (
	// ErrNoSnapshot is returned when a run has not written a snapshot yet
	ErrNoSnapshot = errors.New("no snapshot found")

	// ErrRunNotFound is returned when resuming a run id with no checkpoint
	ErrRunNotFound = errors.New("run not found")
)

// CheckpointStore is the durable, append-only record of unit outcomes for one run.
type CheckpointStore interface {
	// Append persists one outcome. It must not return before the record is durable.
	Append(ctx context.Context, outcome domain.Outcome) error

	// CompletedIndices returns indices with at least one recorded outcome
	CompletedIndices(ctx context.Context) (IndexSet, error)

	// FailedIndices returns indices whose most recent outcome is a failure
	FailedIndices(ctx context.Context) (IndexSet, error)

	// LatestByIndex folds the log, keeping the last appended outcome per index
	LatestByIndex(ctx context.Context) (map[int64]domain.Outcome, error)

	// WriteSnapshot stores advisory progress metadata
	WriteSnapshot(ctx context.Context, snapshot domain.Snapshot) error

	// ReadSnapshot returns the last snapshot or ErrNoSnapshot
	ReadSnapshot(ctx context.Context) (domain.Snapshot, error)

	// WriteFailuresReport replaces the run's failures artifact
	WriteFailuresReport(ctx context.Context, failures []domain.Outcome) error

	// Close releases the store's resources
	Close() error
}

// RunStore is a CheckpointStore that also keeps the run manifest.
type RunStore interface {
	CheckpointStore

	// SaveManifest stores how the run was started
	SaveManifest(ctx context.Context, m domain.Manifest) error

	// LoadManifest returns the manifest or ErrRunNotFound
	LoadManifest(ctx context.Context) (domain.Manifest, error)
}
