package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vietddude/llmbatch/internal/core/domain"
	"github.com/vietddude/llmbatch/internal/infra/storage"
	"github.com/vietddude/llmbatch/internal/infra/storage/storagetest"
)

func TestStore_Contract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.RunStore { return NewStore() })
}

func TestStore_LogIsAppendOnly(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	require.NoError(t, s.Append(ctx, domain.NewFailure(domain.Unit{Index: 1}, domain.ErrorKindFatal, "x", 1)))
	require.NoError(t, s.Append(ctx, domain.NewSuccess(1, "ok", domain.TokenUsage{}, 1)))

	log := s.Log()
	require.Len(t, log, 2)
	require.True(t, log[0].IsFailure())
	require.True(t, log[1].IsSuccess())
}
