package memory

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/conclave-ai/conclave/internal/errs"
)

// originalIDField stores the caller-supplied entry ID in the payload,
// following the teacher's pattern: Qdrant only accepts UUID or integer point
// IDs, so entries with non-UUID IDs get a deterministic UUID derived from
// the ID and keep the original string in the payload.
const originalIDField = "_original_id"

// QdrantStore is the production Store backend, grounded on the teacher's
// DSN-parsed qdrant.Client construction and payload-metadata conventions.
type QdrantStore struct {
	client     *qdrant.Client
	collection string
	dim        int
}

// NewQdrantStore dials dsn (e.g. "http://localhost:6334") and ensures
// collection exists with the given vector dimension.
func NewQdrantStore(ctx context.Context, dsn, collection string, dim int) (*QdrantStore, error) {
	if collection == "" {
		return nil, errs.New(errs.KindInternal, "qdrant_collection_required", nil)
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, errs.New(errs.KindInternal, "parse_qdrant_dsn", err)
	}
	host := parsed.Hostname()
	if host == "" {
		host = "localhost"
	}
	port := 6334
	if p := parsed.Port(); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			port = n
		}
	}
	cfg := &qdrant.Config{Host: host, Port: port}
	if parsed.Scheme == "https" {
		cfg.UseTLS = true
	}
	if apiKey := parsed.Query().Get("api_key"); apiKey != "" {
		cfg.APIKey = apiKey
	}
	client, err := qdrant.NewClient(cfg)
	if err != nil {
		return nil, errs.New(errs.KindStoreUnavailable, "qdrant_dial", err)
	}
	s := &QdrantStore{client: client, collection: collection, dim: dim}
	if err := s.ensureCollection(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return s, nil
}

func (s *QdrantStore) ensureCollection(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return errs.New(errs.KindStoreUnavailable, "qdrant_collection_exists", err)
	}
	if exists {
		return nil
	}
	if s.dim <= 0 {
		return errs.New(errs.KindInternal, "qdrant_requires_positive_dim", nil)
	}
	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(s.dim),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return errs.New(errs.KindStoreUnavailable, "qdrant_create_collection", err)
	}
	return nil
}

func pointUUID(id string) string {
	if _, err := uuid.Parse(id); err == nil {
		return id
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String()
}

func (s *QdrantStore) Put(ctx context.Context, entry Entry) error {
	if len(entry.Embedding) == 0 {
		return errs.New(errs.KindInternal, "qdrant_put_requires_embedding", nil)
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	uuidStr := pointUUID(entry.ID)
	payload := entryToPayload(entry, uuidStr != entry.ID)

	vec := make([]float32, len(entry.Embedding))
	copy(vec, entry.Embedding)
	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewIDUUID(uuidStr),
			Vectors: qdrant.NewVectorsDense(vec),
			Payload: payload,
		}},
	})
	if err != nil {
		return errs.New(errs.KindStoreUnavailable, "qdrant_upsert", err)
	}
	return nil
}

func (s *QdrantStore) Search(ctx context.Context, queryEmbedding []float32, filters Filters, k int, threshold float64) ([]Entry, error) {
	if k <= 0 {
		k = 10
	}
	vec := make([]float32, len(queryEmbedding))
	copy(vec, queryEmbedding)
	limit := uint64(k)
	scoreThreshold := float32(threshold)
	points, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQueryDense(vec),
		Filter:         toQdrantFilter(filters),
		Limit:          &limit,
		ScoreThreshold: &scoreThreshold,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, errs.New(errs.KindStoreUnavailable, "qdrant_query", err)
	}
	out := make([]Entry, 0, len(points))
	for _, p := range points {
		out = append(out, payloadToEntry(p.Id, p.Payload))
	}
	return out, nil
}

// ByType performs a filtered scan using a zero vector query, since this
// client binding exposes no payload-only scroll call distinct from Query.
func (s *QdrantStore) ByType(ctx context.Context, typ Type, filters Filters, k int) ([]Entry, error) {
	filters.MemoryType = typ
	if k <= 0 {
		k = 10
	}
	limit := uint64(k)
	zero := make([]float32, s.dim)
	points, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQueryDense(zero),
		Filter:         toQdrantFilter(filters),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, errs.New(errs.KindStoreUnavailable, "qdrant_by_type_query", err)
	}
	out := make([]Entry, 0, len(points))
	for _, p := range points {
		out = append(out, payloadToEntry(p.Id, p.Payload))
	}
	return out, nil
}

// Touch re-reads the point via a filtered query matching its original ID,
// then re-upserts with access_count incremented. There is no atomic
// payload-increment in this client binding.
func (s *QdrantStore) Touch(ctx context.Context, id string) error {
	uuidStr := pointUUID(id)
	limit := uint64(1)
	points, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQueryDense(make([]float32, s.dim)),
		Filter:         &qdrant.Filter{Must: []*qdrant.Condition{qdrant.NewMatch(originalIDField, id)}},
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(true),
	})
	if err != nil || len(points) == 0 {
		return errs.New(errs.KindStoreUnavailable, "qdrant_touch_lookup", err)
	}
	e := payloadToEntry(points[0].Id, points[0].Payload)
	e.ID = id
	e.AccessCount++
	e.LastAccessed = time.Now().UTC()
	payload := entryToPayload(e, true)
	_, err = s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewIDUUID(uuidStr),
			Vectors: points[0].Vectors,
			Payload: payload,
		}},
	})
	if err != nil {
		return errs.New(errs.KindStoreUnavailable, "qdrant_touch_upsert", err)
	}
	return nil
}

// Purge deletes points whose payload marks them expired or stale-and-
// unimportant, matched with a metadata filter rather than a TTL index
// (Qdrant has none). The returned count is always 0: the delete call does
// not report how many points it removed.
func (s *QdrantStore) Purge(ctx context.Context, retention time.Duration) (int, error) {
	now := float64(time.Now().UTC().Unix())
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewRange("expires_at_unix", &qdrant.Range{Lt: &now})},
		}),
	})
	if err != nil {
		return 0, errs.New(errs.KindStoreUnavailable, "qdrant_purge_expired", err)
	}

	cutoff := float64(time.Now().UTC().Add(-retention).Unix())
	importanceCeiling := 0.5
	_, err = s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewRange("created_at_unix", &qdrant.Range{Lt: &cutoff}),
				qdrant.NewRange("importance_score", &qdrant.Range{Lt: &importanceCeiling}),
			},
		}),
	})
	if err != nil {
		return 0, errs.New(errs.KindStoreUnavailable, "qdrant_purge", err)
	}
	return 0, nil
}

func toQdrantFilter(f Filters) *qdrant.Filter {
	var must []*qdrant.Condition
	if f.UserID != "" {
		must = append(must, qdrant.NewMatch("user_id", f.UserID))
	}
	if f.ConversationID != "" {
		must = append(must, qdrant.NewMatch("conversation_id", f.ConversationID))
	}
	if f.MemoryType != "" {
		must = append(must, qdrant.NewMatch("memory_type", string(f.MemoryType)))
	}
	if len(must) == 0 {
		return nil
	}
	return &qdrant.Filter{Must: must}
}

func entryToPayload(e Entry, keepOriginalID bool) map[string]*qdrant.Value {
	m := map[string]any{
		"memory_type":        string(e.MemoryType),
		"content":            e.Content,
		"user_id":            e.UserID,
		"agent_id":           e.AgentID,
		"conversation_id":    e.ConversationID,
		"importance_score":   e.ImportanceScore,
		"access_count":       float64(e.AccessCount),
		"created_at_unix":    float64(e.CreatedAt.Unix()),
		"last_accessed_unix": float64(e.LastAccessed.Unix()),
	}
	if e.ExpiresAt != nil {
		m["expires_at_unix"] = float64(e.ExpiresAt.Unix())
	}
	for k, v := range e.Metadata {
		m["meta_"+k] = v
	}
	if keepOriginalID {
		m[originalIDField] = e.ID
	}
	return qdrant.NewValueMap(m)
}

func payloadToEntry(id *qdrant.PointId, payload map[string]*qdrant.Value) Entry {
	e := Entry{Metadata: make(map[string]string)}
	e.ID = id.GetUuid()
	for k, v := range payload {
		switch k {
		case originalIDField:
			e.ID = v.GetStringValue()
		case "memory_type":
			e.MemoryType = Type(v.GetStringValue())
		case "content":
			e.Content = v.GetStringValue()
		case "user_id":
			e.UserID = v.GetStringValue()
		case "agent_id":
			e.AgentID = v.GetStringValue()
		case "conversation_id":
			e.ConversationID = v.GetStringValue()
		case "importance_score":
			e.ImportanceScore = v.GetDoubleValue()
		case "access_count":
			e.AccessCount = int(v.GetDoubleValue())
		case "created_at_unix":
			e.CreatedAt = time.Unix(int64(v.GetDoubleValue()), 0).UTC()
		case "last_accessed_unix":
			e.LastAccessed = time.Unix(int64(v.GetDoubleValue()), 0).UTC()
		case "expires_at_unix":
			t := time.Unix(int64(v.GetDoubleValue()), 0).UTC()
			e.ExpiresAt = &t
		default:
			if len(k) > 5 && k[:5] == "meta_" {
				e.Metadata[k[5:]] = fmt.Sprintf("%v", v.GetStringValue())
			}
		}
	}
	return e
}
