// Package memory implements the Memory Store (C5): a typed store of
// recallable content with vector embeddings, searched by cosine similarity
// and by metadata scan.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/conclave-ai/conclave/internal/embedding"
	"github.com/conclave-ai/conclave/internal/errs"
)

// Type is one of MemoryEntry.memory_type's fixed values.
type Type string

const (
	TypeConversation Type = "conversation"
	TypeContext      Type = "context"
	TypeKnowledge    Type = "knowledge"
	TypePreference   Type = "preference"
	TypeRelationship Type = "relationship"
	TypeDocument     Type = "document"
)

// Entry is one MemoryEntry. access_count only ever increases, enforced by
// the store's Touch implementation rather than by callers mutating it
// directly.
type Entry struct {
	ID              string
	MemoryType      Type
	Content         string
	Embedding       []float32
	Metadata        map[string]string
	UserID          string
	AgentID         string
	ConversationID  string
	ImportanceScore float64
	AccessCount     int
	CreatedAt       time.Time
	LastAccessed    time.Time
	ExpiresAt       *time.Time
}

// Filters narrows Search/ByType to a subset of entries.
type Filters struct {
	UserID         string
	ConversationID string
	MemoryType     Type
}

// Store is the C5 contract.
type Store interface {
	// Put upserts entry by ID. If Embedding is empty, the store computes one
	// via the configured embedder before writing.
	Put(ctx context.Context, entry Entry) error
	// Search returns up to k entries scoring >= threshold cosine similarity
	// against queryEmbedding, narrowed by filters, highest similarity first.
	Search(ctx context.Context, queryEmbedding []float32, filters Filters, k int, threshold float64) ([]Entry, error)
	// ByType is a non-vector metadata scan.
	ByType(ctx context.Context, typ Type, filters Filters, k int) ([]Entry, error)
	// Touch increments access_count and bumps last_accessed.
	Touch(ctx context.Context, id string) error
	// Purge deletes expired and low-importance-past-retention entries and
	// returns the count removed.
	Purge(ctx context.Context, retention time.Duration) (int, error)
}

// MemStore is an in-process Store used in tests and as a cold-start
// fallback before Qdrant/Postgres is configured.
type MemStore struct {
	mu       sync.Mutex
	entries  map[string]Entry
	embedder embedding.Embedder
}

// NewMemStore constructs an empty MemStore. embedder fills in embeddings for
// Put calls that arrive without one; pass nil to require callers to always
// supply an embedding.
func NewMemStore(embedder embedding.Embedder) *MemStore {
	return &MemStore{entries: make(map[string]Entry), embedder: embedder}
}

func (s *MemStore) Put(ctx context.Context, entry Entry) error {
	if len(entry.Embedding) == 0 {
		if s.embedder == nil {
			return errs.New(errs.KindInternal, "no_embedding_and_no_embedder", nil)
		}
		vec, err := s.embedder.Embed(ctx, entry.Content)
		if err != nil {
			return err
		}
		entry.Embedding = vec
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.entries[entry.ID]; ok {
		entry.AccessCount = existing.AccessCount
		entry.CreatedAt = existing.CreatedAt
	}
	s.entries[entry.ID] = entry
	return nil
}

func (s *MemStore) Search(_ context.Context, queryEmbedding []float32, filters Filters, k int, threshold float64) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type scored struct {
		entry Entry
		sim   float64
	}
	var candidates []scored
	for _, e := range s.entries {
		if !matches(e, filters) {
			continue
		}
		sim := embedding.CosineSimilarity(queryEmbedding, e.Embedding)
		if sim >= threshold {
			candidates = append(candidates, scored{entry: e, sim: sim})
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].sim > candidates[j].sim })
	if k > 0 && len(candidates) > k {
		candidates = candidates[:k]
	}
	out := make([]Entry, len(candidates))
	for i, c := range candidates {
		out[i] = c.entry
	}
	return out, nil
}

func (s *MemStore) ByType(_ context.Context, typ Type, filters Filters, k int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Entry
	for _, e := range s.entries {
		if e.MemoryType != typ {
			continue
		}
		if !matches(e, filters) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (s *MemStore) Touch(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return errs.New(errs.KindInternal, "memory_entry_not_found", nil)
	}
	e.AccessCount++
	e.LastAccessed = time.Now().UTC()
	s.entries[id] = e
	return nil
}

func (s *MemStore) Purge(_ context.Context, retention time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	var removed int
	for id, e := range s.entries {
		expired := e.ExpiresAt != nil && e.ExpiresAt.Before(now)
		stale := now.Sub(e.CreatedAt) > retention && e.ImportanceScore < 0.5
		if expired || stale {
			delete(s.entries, id)
			removed++
		}
	}
	return removed, nil
}

func matches(e Entry, f Filters) bool {
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.ConversationID != "" && e.ConversationID != f.ConversationID {
		return false
	}
	if f.MemoryType != "" && e.MemoryType != f.MemoryType {
		return false
	}
	return true
}
