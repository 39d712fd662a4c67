// Package embedding defines the embedding interface consumed by the Memory
// Store and RAG Retriever, plus a deterministic fallback used in tests.
package embedding

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/conclave-ai/conclave/internal/errs"
)

// Embedder produces fixed-dimension vectors for text. Dim is
// deployment-fixed and must match MemoryEntry.Embedding's length.
type Embedder interface {
	Dim() int
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Deterministic is a hash-based embedder with no external dependency: each
// dimension is derived from a SHA-256 stream seeded by the text, so equal
// inputs always produce equal vectors. Used in tests and as an
// infrastructure-free fallback.
type Deterministic struct {
	dim int
}

// NewDeterministic builds a Deterministic embedder of the given dimension.
func NewDeterministic(dim int) *Deterministic {
	if dim <= 0 {
		dim = 256
	}
	return &Deterministic{dim: dim}
}

func (d *Deterministic) Dim() int { return d.dim }

func (d *Deterministic) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, d.dim)
	seed := []byte(text)
	block := sha256.Sum256(seed)
	for i := 0; i < d.dim; i++ {
		if i > 0 && i%32 == 0 {
			block = sha256.Sum256(block[:])
		}
		b := block[i%32]
		vec[i] = (float32(b)/255.0)*2 - 1
	}
	normalize(vec)
	return vec, nil
}

func (d *Deterministic) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := d.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func normalize(v []float32) {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	if sumSq == 0 {
		return
	}
	norm := float32(1.0)
	inv := norm / sqrt32(float32(sumSq))
	for i := range v {
		v[i] *= inv
	}
}

func sqrt32(x float32) float32 {
	// Newton's method, a handful of iterations is plenty for normalization.
	if x == 0 {
		return 0
	}
	z := x
	for i := 0; i < 8; i++ {
		z -= (z*z - x) / (2 * z)
	}
	return z
}

// HTTPEmbedder calls an HTTP embedding endpoint (OpenAI-compatible
// /embeddings shape) for production use.
type HTTPEmbedder struct {
	baseURL string
	apiKey  string
	model   string
	dim     int
	client  *http.Client
}

// NewHTTPEmbedder constructs an HTTPEmbedder against baseURL/model.
func NewHTTPEmbedder(baseURL, apiKey, model string, dim int, client *http.Client) *HTTPEmbedder {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPEmbedder{baseURL: baseURL, apiKey: apiKey, model: model, dim: dim, client: client}
}

func (h *HTTPEmbedder) Dim() int { return h.dim }

func (h *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := h.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (h *HTTPEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	body, err := json.Marshal(embeddingRequest{Model: h.model, Input: texts})
	if err != nil {
		return nil, errs.New(errs.KindInternal, "marshal_embedding_request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, errs.New(errs.KindInternal, "build_embedding_request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, errs.New(errs.KindStoreUnavailable, "embedding_endpoint_unreachable", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return nil, errs.New(errs.KindStoreUnavailable, fmt.Sprintf("embedding_endpoint_status_%d", resp.StatusCode), nil)
	}
	if resp.StatusCode >= 400 {
		return nil, errs.New(errs.KindInternal, fmt.Sprintf("embedding_endpoint_status_%d", resp.StatusCode), nil)
	}
	var parsed embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, errs.New(errs.KindInternal, "decode_embedding_response", err)
	}
	if len(parsed.Data) != len(texts) {
		return nil, errs.New(errs.KindInternal, "embedding_response_count_mismatch", nil)
	}
	out := make([][]float32, len(parsed.Data))
	for i, d := range parsed.Data {
		out[i] = d.Embedding
	}
	return out, nil
}
