// Package pricing implements the Provider Pricing Table (C1): the
// authoritative active price record per (provider, model), with an
// append-only history enforced by closing the previous active record's
// effective_to when a new one is set.
package pricing

import (
	"context"
	"sync"
	"time"

	"github.com/conclave-ai/conclave/internal/errs"
)

// Record is the active or historical price for one (provider, model) pair.
// Unit is always "per 1k tokens"; callers normalize at ingestion per the
// fixed unit decision (see DESIGN.md open-question resolution).
type Record struct {
	Provider         string
	Model            string
	InputPricePer1K  float64
	OutputPricePer1K float64
	PricePerRequest  float64 // 0 means none configured
	ContextWindow    int
	EffectiveFrom    time.Time
	EffectiveTo      *time.Time
	IsActive         bool
}

// Table owns the pricing catalogue. Set closes the previous active record
// for the same (provider, model) before inserting the new one, so history is
// append-only.
type Table interface {
	// Active returns the pricing record active at asOf for (provider, model).
	Active(ctx context.Context, provider, model string, asOf time.Time) (Record, error)
	// Set installs a new active record, closing any previously active one.
	Set(ctx context.Context, rec Record) error
	// History returns every record ever set for (provider, model), oldest first.
	History(ctx context.Context, provider, model string) ([]Record, error)
}

// Fetcher is the optional external pricing feed (§6, "Pricing feed").
type Fetcher interface {
	FetchPricing(ctx context.Context, provider string) ([]Record, error)
}

// NoopFetcher never returns pricing updates; it is the default when no
// external feed is configured.
type NoopFetcher struct{}

func (NoopFetcher) FetchPricing(context.Context, string) ([]Record, error) { return nil, nil }

type key struct{ provider, model string }

// MemTable is an in-process Table, the reader-writer-serialized reference
// implementation used in tests; cmd/conclaved always uses PostgresTable.
type MemTable struct {
	mu      sync.RWMutex
	history map[key][]Record
}

// NewMemTable constructs an empty MemTable.
func NewMemTable() *MemTable {
	return &MemTable{history: make(map[key][]Record)}
}

func (t *MemTable) Active(_ context.Context, provider, model string, asOf time.Time) (Record, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, r := range t.history[key{provider, model}] {
		if !r.IsActive {
			continue
		}
		if r.EffectiveFrom.After(asOf) {
			continue
		}
		if r.EffectiveTo != nil && !r.EffectiveTo.After(asOf) {
			continue
		}
		return r, nil
	}
	return Record{}, errs.New(errs.KindPricingUnknown, "no_active_pricing_record", nil)
}

func (t *MemTable) Set(_ context.Context, rec Record) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := key{rec.Provider, rec.Model}
	list := t.history[k]
	for i := range list {
		if list[i].IsActive {
			closedAt := rec.EffectiveFrom
			list[i].EffectiveTo = &closedAt
			list[i].IsActive = false
		}
	}
	rec.IsActive = true
	t.history[k] = append(list, rec)
	return nil
}

func (t *MemTable) History(_ context.Context, provider, model string) ([]Record, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	src := t.history[key{provider, model}]
	out := make([]Record, len(src))
	copy(out, src)
	return out, nil
}

// Cost computes input_cost + output_cost + request_fee for a call against
// rec, satisfying the CostRecord.total_cost invariant.
func Cost(rec Record, inputTokens, outputTokens int) (inputCost, outputCost, totalCost float64) {
	inputCost = (float64(inputTokens) / 1000.0) * rec.InputPricePer1K
	outputCost = (float64(outputTokens) / 1000.0) * rec.OutputPricePer1K
	totalCost = inputCost + outputCost + rec.PricePerRequest
	return inputCost, outputCost, totalCost
}
