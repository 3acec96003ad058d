// Package storagetest holds the behaviour every checkpoint backend must share.
package storagetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vietddude/llmbatch/internal/core/domain"
	"github.com/vietddude/llmbatch/internal/infra/storage"
)

// Opener returns a fresh, empty store for one test.
type Opener func(t *testing.T) storage.RunStore

// Run exercises a backend against the checkpoint contract.
func Run(t *testing.T, open Opener) {
	t.Run("AppendAndFold", func(t *testing.T) { testAppendAndFold(t, open(t)) })
	t.Run("RetryThenSupersede", func(t *testing.T) { testRetryThenSupersede(t, open(t)) })
	t.Run("Snapshot", func(t *testing.T) { testSnapshot(t, open(t)) })
	t.Run("FailuresReport", func(t *testing.T) { testFailuresReport(t, open(t)) })
	t.Run("Manifest", func(t *testing.T) { testManifest(t, open(t)) })
}

func unit(i int64) domain.Unit {
	return domain.Unit{Index: i, Fields: map[string]any{"text": "item"}}
}

func testAppendAndFold(t *testing.T, s storage.RunStore) {
	ctx := context.Background()
	defer s.Close()

	require.NoError(t, s.Append(ctx, domain.NewSuccess(0, `{"label":"a"}`, domain.TokenUsage{TotalTokens: 4}, 1)))
	require.NoError(t, s.Append(ctx, domain.NewFailure(unit(1), domain.ErrorKindFatal, "401", 1)))
	require.NoError(t, s.Append(ctx, domain.NewSuccess(2, `{"label":"b"}`, domain.TokenUsage{}, 2)))

	completed, err := s.CompletedIndices(ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{0, 1, 2}, completed.Sorted())

	failed, err := s.FailedIndices(ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{1}, failed.Sorted())

	latest, err := s.LatestByIndex(ctx)
	require.NoError(t, err)
	require.Equal(t, `{"label":"a"}`, latest[0].Payload)
	require.Equal(t, int64(4), latest[0].Usage.TotalTokens)
	require.Equal(t, "item", latest[1].RawUnit["text"])
	require.Equal(t, 2, latest[2].Attempts)
}

func testRetryThenSupersede(t *testing.T, s storage.RunStore) {
	ctx := context.Background()
	defer s.Close()

	require.NoError(t, s.Append(ctx, domain.NewFailure(unit(7), domain.ErrorKindRetryableExhausted, "timeout", 3)))
	require.NoError(t, s.Append(ctx, domain.NewFailure(unit(8), domain.ErrorKindFatal, "401", 1)))
	require.NoError(t, s.Append(ctx, domain.NewSuccess(7, "ok", domain.TokenUsage{}, 1)))

	latest, err := s.LatestByIndex(ctx)
	require.NoError(t, err)
	require.True(t, latest[7].IsSuccess())

	failed, err := s.FailedIndices(ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{8}, failed.Sorted())

	failures := storage.Failures(latest)
	require.Len(t, failures, 1)
	require.Equal(t, int64(8), failures[0].Index)
}

func testSnapshot(t *testing.T, s storage.RunStore) {
	ctx := context.Background()
	defer s.Close()

	_, err := s.ReadSnapshot(ctx)
	require.True(t, errors.Is(err, storage.ErrNoSnapshot), "expected ErrNoSnapshot, got %v", err)

	snap := domain.Snapshot{
		RunID:            "run-1",
		State:            domain.RunStateRunning,
		ProcessedCount:   10,
		TotalCount:       20,
		FailedCount:      2,
		LastIndexWritten: 9,
		UpdatedAt:        time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, s.WriteSnapshot(ctx, snap))

	snap.ProcessedCount = 12
	snap.State = domain.RunStateCompleted
	require.NoError(t, s.WriteSnapshot(ctx, snap))

	got, err := s.ReadSnapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(12), got.ProcessedCount)
	require.Equal(t, domain.RunStateCompleted, got.State)
	require.Equal(t, int64(9), got.LastIndexWritten)
}

func testFailuresReport(t *testing.T, s storage.RunStore) {
	ctx := context.Background()
	defer s.Close()

	first := []domain.Outcome{
		domain.NewFailure(unit(1), domain.ErrorKindFatal, "401", 1),
		domain.NewFailure(unit(2), domain.ErrorKindParse, "bad json", 1),
	}
	require.NoError(t, s.WriteFailuresReport(ctx, first))
	require.NoError(t, s.WriteFailuresReport(ctx, first[1:]))
}

func testManifest(t *testing.T, s storage.RunStore) {
	ctx := context.Background()
	defer s.Close()

	m := domain.Manifest{RunID: "run-1", InputPath: "units.jsonl", Model: "gpt-4o-mini", CreatedAt: time.Now().UTC().Truncate(time.Second)}
	require.NoError(t, s.SaveManifest(ctx, m))

	got, err := s.LoadManifest(ctx)
	require.NoError(t, err)
	require.Equal(t, m.InputPath, got.InputPath)
	require.Equal(t, m.Model, got.Model)
}
