package file

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vietddude/llmbatch/internal/core/domain"
	"github.com/vietddude/llmbatch/internal/infra/storage"
	"github.com/vietddude/llmbatch/internal/infra/storage/storagetest"
)

func TestStore_Contract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.RunStore {
		s, err := Open(t.TempDir(), "run-1", true)
		require.NoError(t, err)
		return s
	})
}

func TestOpen_MissingRun(t *testing.T) {
	_, err := Open(t.TempDir(), "nope", false)
	require.True(t, errors.Is(err, storage.ErrRunNotFound), "expected ErrRunNotFound, got %v", err)
}

func TestStore_TornTailIsDiscardedAndRepaired(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()

	s, err := Open(base, "run-1", true)
	require.NoError(t, err)
	require.NoError(t, s.Append(ctx, domain.NewSuccess(0, "a", domain.TokenUsage{}, 1)))
	require.NoError(t, s.Append(ctx, domain.NewSuccess(1, "b", domain.TokenUsage{}, 1)))
	require.NoError(t, s.Close())

	// Simulate a crash halfway through writing index 2.
	path := filepath.Join(base, "run-1", outcomesFile)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"index":2,"status":"succ`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s, err = Open(base, "run-1", false)
	require.NoError(t, err)
	defer s.Close()

	completed, err := s.CompletedIndices(ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{0, 1}, completed.Sorted())

	// The next append must not be glued to the torn record.
	require.NoError(t, s.Append(ctx, domain.NewSuccess(2, "c", domain.TokenUsage{}, 1)))
	completed, err = s.CompletedIndices(ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{0, 1, 2}, completed.Sorted())
}

func TestStore_UnterminatedLineIgnoredOnRead(t *testing.T) {
	ctx := context.Background()
	s, err := Open(t.TempDir(), "run-1", true)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Append(ctx, domain.NewSuccess(0, "a", domain.TokenUsage{}, 1)))

	// A reader racing a writer can observe a line without its newline.
	f, err := os.OpenFile(filepath.Join(s.Dir(), outcomesFile), os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"index":5,"status":"success","attempts":1}`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	latest, err := s.LatestByIndex(ctx)
	require.NoError(t, err)
	require.Len(t, latest, 1)
}

func TestStore_FailuresReportFile(t *testing.T) {
	ctx := context.Background()
	s, err := Open(t.TempDir(), "run-1", true)
	require.NoError(t, err)
	defer s.Close()

	failures := []domain.Outcome{domain.NewFailure(domain.Unit{Index: 3}, domain.ErrorKindFatal, "401", 1)}
	require.NoError(t, s.WriteFailuresReport(ctx, failures))

	data, err := os.ReadFile(s.FailuresReportPath())
	require.NoError(t, err)
	require.Contains(t, string(data), `"index":3`)
	require.Contains(t, string(data), `"error_kind":"fatal"`)
}

func TestListRuns(t *testing.T) {
	base := t.TempDir()
	for _, id := range []string{"a", "b"} {
		s, err := Open(base, id, true)
		require.NoError(t, err)
		require.NoError(t, s.Close())
	}
	ids, err := ListRuns(base)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "b"}, ids)
}
