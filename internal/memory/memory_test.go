package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conclave-ai/conclave/internal/embedding"
)

func TestMemStore_SearchFindsExactContentAboveThreshold(t *testing.T) {
	ctx := context.Background()
	emb := embedding.NewDeterministic(32)
	store := NewMemStore(emb)

	vec, err := emb.Embed(ctx, "quarterly budget plan")
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, Entry{ID: "m1", MemoryType: TypeKnowledge, Content: "quarterly budget plan", Embedding: vec, ImportanceScore: 0.8}))

	results, err := store.Search(ctx, vec, Filters{}, 5, 0.99)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "m1", results[0].ID)
}

func TestMemStore_TouchIncrementsAccessCountMonotonically(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore(embedding.NewDeterministic(8))
	require.NoError(t, store.Put(ctx, Entry{ID: "m1", Content: "x", Embedding: []float32{1, 0, 0, 0, 0, 0, 0, 0}}))

	require.NoError(t, store.Touch(ctx, "m1"))
	require.NoError(t, store.Touch(ctx, "m1"))

	got, err := store.ByType(ctx, "", Filters{}, 10)
	require.NoError(t, err)
	require.Len(t, got, 1) // the entry has no MemoryType, so the empty type matches it
	assert.Equal(t, 2, got[0].AccessCount)
}

func TestMemStore_PurgeRemovesExpiredAndStaleLowImportance(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore(embedding.NewDeterministic(4))
	past := time.Now().Add(-time.Hour)
	require.NoError(t, store.Put(ctx, Entry{ID: "expired", Content: "a", Embedding: []float32{1, 0, 0, 0}, ExpiresAt: &past}))

	old := Entry{ID: "stale", Content: "b", Embedding: []float32{0, 1, 0, 0}, ImportanceScore: 0.1}
	require.NoError(t, store.Put(ctx, old))
	store.mu.Lock()
	e := store.entries["stale"]
	e.CreatedAt = time.Now().Add(-48 * time.Hour)
	store.entries["stale"] = e
	store.mu.Unlock()

	keep := Entry{ID: "keep", Content: "c", Embedding: []float32{0, 0, 1, 0}, ImportanceScore: 0.9}
	require.NoError(t, store.Put(ctx, keep))

	removed, err := store.Purge(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	remaining, err := store.Search(ctx, []float32{0, 0, 1, 0}, Filters{}, 10, 0)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "keep", remaining[0].ID)
}
