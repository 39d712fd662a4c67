package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemLedger_SessionTotalMatchesSumOfRecords(t *testing.T) {
	ctx := context.Background()
	l := NewMemLedger()
	require.NoError(t, l.EnsureSession(ctx, "s1", "c1", "u1"))

	r1 := NewRecord("s1", "c1", "t0", "agent-a", "openai", "gpt", 100, 50, 0.1, 0.05, 0)
	r2 := NewRecord("s1", "c1", "t1", "agent-b", "openai", "gpt", 200, 80, 0.2, 0.08, 0.01)
	require.NoError(t, l.Append(ctx, r1))
	require.NoError(t, l.Append(ctx, r2))

	sess, err := l.Session(ctx, "s1")
	require.NoError(t, err)
	assert.InDelta(t, r1.TotalCost+r2.TotalCost, sess.TotalCost, 1e-9)
	assert.Equal(t, 2, sess.TotalInteractions)
}

func TestMemLedger_AppendToUnknownSessionFails(t *testing.T) {
	l := NewMemLedger()
	err := l.Append(context.Background(), NewRecord("missing", "c1", "t0", "", "openai", "gpt", 1, 1, 0, 0, 0))
	require.Error(t, err)
}

func TestMemLedger_DailyTotalGroupsByUTCDate(t *testing.T) {
	ctx := context.Background()
	l := NewMemLedger()
	require.NoError(t, l.EnsureSession(ctx, "s1", "c1", "u1"))
	rec := NewRecord("s1", "c1", "t0", "", "openai", "gpt", 1000, 0, 1.0, 0, 0)
	rec.CreatedAt = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, l.Append(ctx, rec))

	total, err := l.DailyTotal(ctx, time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 1.0, total)
}

func TestNewRecord_TotalCostIsSumOfParts(t *testing.T) {
	r := NewRecord("s", "c", "t", "a", "openai", "gpt", 1, 1, 0.3, 0.2, 0.05)
	assert.InDelta(t, 0.55, r.TotalCost, 1e-9)
}
