package rag

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conclave-ai/conclave/internal/embedding"
	"github.com/conclave-ai/conclave/internal/memory"
)

func TestDedupeByContent_KeepsHighestCompositePerGroup(t *testing.T) {
	items := []ContextItem{
		{Content: "Status update", CompositeScore: 0.9},
		{Content: "status update", CompositeScore: 0.8},
		{Content: "STATUS   UPDATE", CompositeScore: 0.7},
		{Content: "budget plan for Q3", CompositeScore: 0.6},
	}
	out := dedupeByContent(items)
	require.Len(t, out, 2)
	assert.Equal(t, 0.9, out[0].CompositeScore)
	assert.Equal(t, 0.6, out[1].CompositeScore)
}

func TestBuildContext_EmptyWhenNoCandidatesQualify(t *testing.T) {
	ctx := context.Background()
	store := memory.NewMemStore(embedding.NewDeterministic(16))
	retr := NewRetriever(store, embedding.NewDeterministic(16), nil, 10*time.Minute)

	block, err := retr.BuildContext(ctx, Options{
		UserID: "u1", Query: "anything", K: 5, Threshold: 0.99,
		Weights: Weights{Relevance: 0.3, Importance: 0.4, Recency: 0.3},
	})
	require.NoError(t, err)
	assert.Nil(t, block)
}

func TestBuildContext_ReturnsExactContentMatchAboveThreshold(t *testing.T) {
	ctx := context.Background()
	emb := embedding.NewDeterministic(16)
	store := memory.NewMemStore(emb)

	vec, err := emb.Embed(ctx, "quarterly roadmap")
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, memory.Entry{
		ID: "m1", MemoryType: memory.TypeKnowledge, Content: "quarterly roadmap",
		Embedding: vec, ImportanceScore: 0.9, UserID: "u1",
	}))

	retr := NewRetriever(store, emb, nil, 10*time.Minute)
	block, err := retr.BuildContext(ctx, Options{
		UserID: "u1", Query: "quarterly roadmap", K: 5, Threshold: 0.5,
		Weights: Weights{Relevance: 0.3, Importance: 0.4, Recency: 0.3},
	})
	require.NoError(t, err)
	require.NotNil(t, block)
	assert.Contains(t, block.Text, "quarterly roadmap")
}

func TestBuildContext_CacheHitSkipsStore(t *testing.T) {
	ctx := context.Background()
	emb := embedding.NewDeterministic(8)
	store := memory.NewMemStore(emb)
	cache := NewMemCache()
	retr := NewRetriever(store, emb, cache, 10*time.Minute)

	opts := Options{UserID: "u1", Query: "x", K: 3, Threshold: 0.1, Weights: Weights{Relevance: 0.3, Importance: 0.4, Recency: 0.3}}
	seeded := &ContextBlock{Text: "from-cache"}
	require.NoError(t, cache.Set(ctx, cacheKey(opts), seeded, time.Minute))

	block, err := retr.BuildContext(ctx, opts)
	require.NoError(t, err)
	require.NotNil(t, block)
	assert.Equal(t, "from-cache", block.Text)
}

func TestNormalizeContent_CollapsesWhitespaceAndCase(t *testing.T) {
	assert.Equal(t, normalizeContent("Hello   World"), normalizeContent("hello world"))
}
