// Package rag implements the RAG Retriever (C6): assembling a scored,
// deduplicated context block for a (user, agent, query) request out of the
// Memory Store's candidates.
package rag

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/conclave-ai/conclave/internal/embedding"
	"github.com/conclave-ai/conclave/internal/memory"
)

// ContextItem is one scored RAGContext entry.
type ContextItem struct {
	Content         string
	RelevanceScore  float64
	ImportanceScore float64
	RecencyScore    float64
	CompositeScore  float64
	SourceAgent     string
	MemoryType      memory.Type
	Timestamp       time.Time
}

// ContextBlock is the non-empty retrieval result; build_context returns nil
// when nothing qualifies.
type ContextBlock struct {
	Text  string
	Items []ContextItem
}

// Weights are the configurable composite-score weights; they must sum to 1
// (enforced by config.validate, not here).
type Weights struct {
	Relevance  float64
	Importance float64
	Recency    float64
}

// Options parameterizes one build_context call.
type Options struct {
	UserID        string
	AgentID       string
	Query         string
	K             int
	Threshold     float64
	Weights       Weights
	RecencyTau    time.Duration
	MemoryTypes   []memory.Type
	CandidatesPer int // how many candidates to request per type before scoring
}

// Cache is the keyed, short-TTL layer in front of Retriever.BuildContext.
type Cache interface {
	Get(ctx context.Context, key string) (*ContextBlock, bool, error)
	Set(ctx context.Context, key string, block *ContextBlock, ttl time.Duration) error
}

// Retriever is C6: it owns a Memory Store, an embedder for the query, and an
// optional cache.
type Retriever struct {
	store    memory.Store
	embedder embedding.Embedder
	cache    Cache
	cacheTTL time.Duration
}

// NewRetriever wires the store/embedder/cache together. cache may be nil.
func NewRetriever(store memory.Store, embedder embedding.Embedder, cache Cache, cacheTTL time.Duration) *Retriever {
	if cacheTTL > 15*time.Minute {
		cacheTTL = 15 * time.Minute
	}
	return &Retriever{store: store, embedder: embedder, cache: cache, cacheTTL: cacheTTL}
}

// BuildContext implements spec.md §4.8's algorithm. It never returns an
// error for store failures: it degrades to (nil, nil) instead, since a
// missing retrieval context must never abort a conversation turn.
func (r *Retriever) BuildContext(ctx context.Context, opts Options) (*ContextBlock, error) {
	if opts.K <= 0 {
		opts.K = 5
	}
	if opts.RecencyTau <= 0 {
		opts.RecencyTau = 72 * time.Hour
	}
	if len(opts.MemoryTypes) == 0 {
		opts.MemoryTypes = []memory.Type{
			memory.TypeConversation, memory.TypeContext, memory.TypeKnowledge,
			memory.TypePreference, memory.TypeRelationship, memory.TypeDocument,
		}
	}
	if opts.CandidatesPer <= 0 {
		opts.CandidatesPer = opts.K * 3
	}

	key := cacheKey(opts)
	if r.cache != nil {
		if cached, hit, err := r.cache.Get(ctx, key); err == nil && hit {
			return cached, nil
		}
	}

	block, err := r.buildFromStore(ctx, opts)
	if err != nil {
		// Degrade silently; store unavailability never propagates.
		return nil, nil
	}
	if r.cache != nil && block != nil {
		_ = r.cache.Set(ctx, key, block, r.cacheTTL)
	}
	return block, nil
}

func (r *Retriever) buildFromStore(ctx context.Context, opts Options) (*ContextBlock, error) {
	filters := memory.Filters{UserID: opts.UserID}

	var queryEmbedding []float32
	var embedErr error
	if r.embedder != nil {
		queryEmbedding, embedErr = r.embedder.Embed(ctx, opts.Query)
	}

	var candidates []memory.Entry
	for _, typ := range opts.MemoryTypes {
		f := filters
		f.MemoryType = typ
		if queryEmbedding != nil && embedErr == nil {
			found, err := r.store.Search(ctx, queryEmbedding, f, opts.CandidatesPer, opts.Threshold)
			if err != nil {
				return nil, err
			}
			candidates = append(candidates, found...)
		}
		found, err := r.store.ByType(ctx, typ, f, opts.CandidatesPer)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, found...)
	}

	now := time.Now().UTC()
	items := make([]ContextItem, 0, len(candidates))
	for _, c := range candidates {
		relevance := 0.0
		if queryEmbedding != nil && embedErr == nil && len(c.Embedding) > 0 {
			relevance = embedding.CosineSimilarity(queryEmbedding, c.Embedding)
		} else {
			relevance = keywordJaccard(opts.Query, c.Content)
		}
		recency := 0.0
		if !c.LastAccessed.IsZero() {
			recency = recencyScore(now.Sub(c.LastAccessed), opts.RecencyTau)
		} else if !c.CreatedAt.IsZero() {
			recency = recencyScore(now.Sub(c.CreatedAt), opts.RecencyTau)
		}
		importance := c.ImportanceScore

		composite := opts.Weights.Relevance*relevance + opts.Weights.Importance*importance + opts.Weights.Recency*recency

		items = append(items, ContextItem{
			Content:         c.Content,
			RelevanceScore:  relevance,
			ImportanceScore: importance,
			RecencyScore:    recency,
			CompositeScore:  composite,
			SourceAgent:     c.AgentID,
			MemoryType:      c.MemoryType,
			Timestamp:       c.CreatedAt,
		})
	}

	items = dedupeByContent(items)

	sort.Slice(items, func(i, j int) bool { return items[i].CompositeScore > items[j].CompositeScore })
	if len(items) > opts.K {
		items = items[:opts.K]
	}
	if len(items) == 0 {
		return nil, nil
	}

	parts := make([]string, len(items))
	for i, it := range items {
		parts[i] = it.Content
	}
	return &ContextBlock{Text: strings.Join(parts, "\n---\n"), Items: items}, nil
}

func recencyScore(age time.Duration, tau time.Duration) float64 {
	if age < 0 {
		age = 0
	}
	return math.Exp(-age.Hours() / tau.Hours())
}

// normalizeContent lowercases, collapses whitespace, and truncates to the
// first 256 chars, per the dedup grouping key.
func normalizeContent(s string) string {
	fields := strings.Fields(strings.ToLower(s))
	joined := strings.Join(fields, " ")
	if len(joined) > 256 {
		joined = joined[:256]
	}
	return joined
}

func dedupeByContent(items []ContextItem) []ContextItem {
	best := make(map[string]ContextItem)
	order := make([]string, 0, len(items))
	for _, it := range items {
		key := normalizeContent(it.Content)
		if cur, ok := best[key]; !ok || it.CompositeScore > cur.CompositeScore {
			if !ok {
				order = append(order, key)
			}
			best[key] = it
		}
	}
	out := make([]ContextItem, 0, len(order))
	for _, k := range order {
		out = append(out, best[k])
	}
	return out
}

func keywordJaccard(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	var intersection int
	for t := range setA {
		if _, ok := setB[t]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func tokenSet(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, f := range strings.Fields(strings.ToLower(s)) {
		out[f] = struct{}{}
	}
	return out
}

func cacheKey(opts Options) string {
	h := sha256.Sum256([]byte(opts.Query))
	return fmt.Sprintf("rag:%s:%s:%s:%d:%.4f", opts.UserID, opts.AgentID, hex.EncodeToString(h[:]), opts.K, opts.Threshold)
}
