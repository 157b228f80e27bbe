package memory

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/glee/core/internal/repo"
	"github.com/glee/core/internal/store"
)

func newTestRetriever(t *testing.T) (*Retriever, *repo.MemoryRepo, *repo.EmbeddingRepo) {
	t.Helper()
	st, err := store.Open(context.Background(), store.Options{Path: ":memory:", Log: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	memories := repo.NewMemoryRepo(st)
	embeddings := repo.NewEmbeddingRepo(st)
	return NewRetriever(memories, embeddings), memories, embeddings
}

func TestRetrieve_FiltersByMinSimAndRanksByFinalScore(t *testing.T) {
	r, memories, embeddings := newTestRetriever(t)
	ctx := context.Background()
	now := time.Now()

	closeMatch, err := memories.Insert(ctx, "char-1", nil, "User: loves dragons", 0.9, nil)
	require.NoError(t, err)
	require.NoError(t, embeddings.Upsert(ctx, "memory", closeMatch.ID, []float32{1, 0, 0}))

	farMatch, err := memories.Insert(ctx, "char-1", nil, "User: dislikes cabbage", 0.1, nil)
	require.NoError(t, err)
	require.NoError(t, embeddings.Upsert(ctx, "memory", farMatch.ID, []float32{0, 1, 0}))

	results, err := r.Retrieve(ctx, "char-1", []float32{1, 0, 0}, 5, 0.5, now)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, closeMatch.ID, results[0].Memory.ID)
}

func TestRetrieve_SkipsMemoriesWithoutEmbedding(t *testing.T) {
	r, memories, _ := newTestRetriever(t)
	ctx := context.Background()

	_, err := memories.Insert(ctx, "char-1", nil, "User: has no embedding yet", 0.5, nil)
	require.NoError(t, err)

	results, err := r.Retrieve(ctx, "char-1", []float32{1, 0, 0}, 5, 0.0, time.Now())
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestRetrieve_TruncatesToK(t *testing.T) {
	r, memories, embeddings := newTestRetriever(t)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 5; i++ {
		m, err := memories.Insert(ctx, "char-1", nil, "User: fact", 0.5, nil)
		require.NoError(t, err)
		require.NoError(t, embeddings.Upsert(ctx, "memory", m.ID, []float32{1, 0, 0}))
	}

	results, err := r.Retrieve(ctx, "char-1", []float32{1, 0, 0}, 2, 0.0, now)
	require.NoError(t, err)
	require.Len(t, results, 2)
}

func TestRetrieve_RecencyFloorClampsForVeryOldMemories(t *testing.T) {
	r, memories, embeddings := newTestRetriever(t)
	ctx := context.Background()

	m, err := memories.Insert(ctx, "char-1", nil, "User: ancient fact", 0.5, nil)
	require.NoError(t, err)
	require.NoError(t, embeddings.Upsert(ctx, "memory", m.ID, []float32{1, 0, 0}))

	farFuture := time.Now().Add(365 * 24 * time.Hour)
	results, err := r.Retrieve(ctx, "char-1", []float32{1, 0, 0}, 5, 0.0, farFuture)
	require.NoError(t, err)
	require.Len(t, results, 1)
	// recency floors at 0.5 however old the memory is, so final score
	// never goes negative: 0.5*1 + 0.3*0.5 + 0.2*0.5 = 0.75.
	require.InDelta(t, 0.75, results[0].Score, 0.01)
}
