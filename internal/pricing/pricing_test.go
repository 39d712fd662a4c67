package pricing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemTable_SetClosesPreviousActive(t *testing.T) {
	tbl := NewMemTable()
	ctx := context.Background()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(24 * time.Hour)

	require.NoError(t, tbl.Set(ctx, Record{Provider: "openai", Model: "gpt", InputPricePer1K: 1, OutputPricePer1K: 2, EffectiveFrom: t0}))
	require.NoError(t, tbl.Set(ctx, Record{Provider: "openai", Model: "gpt", InputPricePer1K: 1.5, OutputPricePer1K: 2.5, EffectiveFrom: t1}))

	history, err := tbl.History(ctx, "openai", "gpt")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.False(t, history[0].IsActive)
	assert.NotNil(t, history[0].EffectiveTo)
	assert.Equal(t, t1, *history[0].EffectiveTo)
	assert.True(t, history[1].IsActive)

	active, err := tbl.Active(ctx, "openai", "gpt", t1.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1.5, active.InputPricePer1K)
}

func TestMemTable_ActiveMissingIsPricingUnknown(t *testing.T) {
	tbl := NewMemTable()
	_, err := tbl.Active(context.Background(), "openai", "gpt", time.Now())
	require.Error(t, err)
}

func TestCost_TotalIsSumOfParts(t *testing.T) {
	rec := Record{InputPricePer1K: 1.0, OutputPricePer1K: 2.0, PricePerRequest: 0.01}
	in, out, total := Cost(rec, 1000, 500)
	assert.Equal(t, 1.0, in)
	assert.Equal(t, 1.0, out)
	assert.InDelta(t, 2.01, total, 1e-9)
}
