package memory

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/glee/core/internal/inference"
	"github.com/glee/core/internal/repo"
	"github.com/glee/core/internal/store"
)

type fakeGenerator struct {
	response    string
	genErr      error
	embedding   []float32
	embedErr    error
	embedCalls  int
	failEmbedN  int // number of leading Embed calls to fail before succeeding
}

func (f *fakeGenerator) GenerateOnce(ctx context.Context, messages []inference.ChatMessage, params inference.GenerationParams) (string, error) {
	return f.response, f.genErr
}

func (f *fakeGenerator) Embed(ctx context.Context, text string) ([]float32, error) {
	f.embedCalls++
	if f.embedCalls <= f.failEmbedN {
		return nil, f.embedErr
	}
	return f.embedding, nil
}

func newTestExtractor(t *testing.T, gen *fakeGenerator) (*Extractor, *repo.MemoryRepo, *repo.EmbeddingRepo) {
	t.Helper()
	st, err := store.Open(context.Background(), store.Options{Path: ":memory:", Log: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	memories := repo.NewMemoryRepo(st)
	embeddings := repo.NewEmbeddingRepo(st)
	return NewExtractor(zerolog.Nop(), gen, memories, embeddings), memories, embeddings
}

func TestExtract_SkipsShortContent(t *testing.T) {
	gen := &fakeGenerator{response: `["User: likes tea"]`}
	ex, memories, _ := newTestExtractor(t, gen)

	require.NoError(t, ex.Extract(context.Background(), "char-1", nil, "hi", nil))
	got, err := memories.AllForCharacter(context.Background(), "char-1")
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestExtract_InsertsNewFactWithEmbedding(t *testing.T) {
	gen := &fakeGenerator{response: `["User: enjoys long walks on the beach"]`, embedding: []float32{1, 0, 0}}
	ex, memories, embeddings := newTestExtractor(t, gen)
	ctx := context.Background()

	require.NoError(t, ex.Extract(ctx, "char-1", nil, "I really enjoy long walks on the beach at sunset.", []string{"m1"}))

	got, err := memories.AllForCharacter(ctx, "char-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Contains(t, got[0].Content, "enjoys long walks on the beach")

	embeds, err := embeddings.AllOfType(ctx, "memory")
	require.NoError(t, err)
	require.Len(t, embeds, 1)
}

func TestExtract_EmptyArrayIsValidNoOp(t *testing.T) {
	gen := &fakeGenerator{response: `[]`}
	ex, memories, _ := newTestExtractor(t, gen)
	ctx := context.Background()

	require.NoError(t, ex.Extract(ctx, "char-1", nil, "A message long enough to pass the threshold check.", nil))
	got, err := memories.AllForCharacter(ctx, "char-1")
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestExtract_DedupSkipsSubstringMatch(t *testing.T) {
	gen := &fakeGenerator{response: `["User: likes tea"]`, embedding: []float32{1, 0, 0}}
	ex, memories, _ := newTestExtractor(t, gen)
	ctx := context.Background()

	_, err := memories.Insert(ctx, "char-1", nil, "User: likes tea very much", 0.5, nil)
	require.NoError(t, err)

	require.NoError(t, ex.Extract(ctx, "char-1", nil, "As I mentioned before, I do like tea quite a lot.", nil))

	got, err := memories.AllForCharacter(ctx, "char-1")
	require.NoError(t, err)
	require.Len(t, got, 1, "duplicate fact should not have been inserted")
}

func TestExtract_ContradictionUpdatesInPlace(t *testing.T) {
	gen := &fakeGenerator{response: `["User: is 42 years old"]`, embedding: []float32{1, 0, 0}}
	ex, memories, _ := newTestExtractor(t, gen)
	ctx := context.Background()

	existing, err := memories.Insert(ctx, "char-1", nil, "User: is 30 years old", 0.5, nil)
	require.NoError(t, err)

	require.NoError(t, ex.Extract(ctx, "char-1", nil, "Actually I just turned 42 years old last week.", nil))

	got, err := memories.AllForCharacter(ctx, "char-1")
	require.NoError(t, err)
	require.Len(t, got, 1, "contradiction should update in place, not insert a second row")
	require.Equal(t, existing.ID, got[0].ID)
	require.Contains(t, got[0].Content, "42 years old")
}

func TestExtract_EmbeddingFailsTwiceInsertsWithoutOne(t *testing.T) {
	gen := &fakeGenerator{response: `["World: the kingdom has a new queen"]`, failEmbedN: 2, embedErr: assertErr{}}
	ex, memories, embeddings := newTestExtractor(t, gen)
	ctx := context.Background()

	require.NoError(t, ex.Extract(ctx, "char-1", nil, "Word has it the kingdom now has a new queen ruling.", nil))

	got, err := memories.AllForCharacter(ctx, "char-1")
	require.NoError(t, err)
	require.Len(t, got, 1)

	embeds, err := embeddings.AllOfType(ctx, "memory")
	require.NoError(t, err)
	require.Empty(t, embeds)
	require.Equal(t, 2, gen.embedCalls)
}

func TestExtract_BulletPointFallbackParsing(t *testing.T) {
	gen := &fakeGenerator{response: "- User: has a pet cat named Whiskers\n- World: the tavern burned down"}
	ex, memories, _ := newTestExtractor(t, gen)
	ctx := context.Background()

	require.NoError(t, ex.Extract(ctx, "char-1", nil, "My cat Whiskers knocked over a candle at the tavern.", nil))

	got, err := memories.AllForCharacter(ctx, "char-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
}

type assertErr struct{}

func (assertErr) Error() string { return "embedding unavailable" }
