package budget

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conclave-ai/conclave/internal/breaker"
	"github.com/conclave-ai/conclave/internal/ledger"
)

func TestPredictSpend_InsufficientDataUnderThreeDays(t *testing.T) {
	history := []ledger.DailyTotal{
		{Day: time.Now(), Total: 1.0},
		{Day: time.Now(), Total: 2.0},
	}
	p := PredictSpend(history)
	assert.Equal(t, "insufficient_data", p.Status)
}

func TestPredictSpend_LinearTrendProjectsForward(t *testing.T) {
	history := []ledger.DailyTotal{
		{Total: 1.0}, {Total: 2.0}, {Total: 3.0}, {Total: 4.0},
	}
	p := PredictSpend(history)
	require.Equal(t, "ok", p.Status)
	assert.InDelta(t, 1.0, p.SlopePerDay, 1e-9)
	assert.InDelta(t, 4.0, p.ProjectedToday, 1e-9)
	assert.InDelta(t, 5.0, p.ProjectedTomorrow, 1e-9)
}

func TestDetectAnomalies_FlagsOutlierAboveFactorAndFloor(t *testing.T) {
	sessions := []ledger.Session{
		{SessionID: "a", TotalCost: 0.1},
		{SessionID: "b", TotalCost: 0.1},
		{SessionID: "c", TotalCost: 5.0},
		{SessionID: "d", TotalCost: 0.1},
		{SessionID: "e", TotalCost: 0.1},
		{SessionID: "f", TotalCost: 0.1},
	}
	anomalies := detectAnomalies(sessions)
	require.Len(t, anomalies, 1)
	assert.Equal(t, "c", anomalies[0].SessionID)
}

func TestDetectAnomalies_IgnoresSmallAbsoluteOutliers(t *testing.T) {
	sessions := []ledger.Session{
		{SessionID: "a", TotalCost: 0.01},
		{SessionID: "b", TotalCost: 0.01},
		{SessionID: "c", TotalCost: 0.05}, // > 3x mean but under the 1.0 floor
		{SessionID: "d", TotalCost: 0.01},
		{SessionID: "e", TotalCost: 0.01},
		{SessionID: "f", TotalCost: 0.01},
	}
	anomalies := detectAnomalies(sessions)
	assert.Empty(t, anomalies)
}

func TestMonitor_SweepTripsBreakerOnCriticalDailyUtilization(t *testing.T) {
	ctx := context.Background()
	led := ledger.NewMemLedger()
	require.NoError(t, led.EnsureSession(ctx, "s1", "c1", "u1"))
	require.NoError(t, led.Append(ctx, ledger.NewRecord("s1", "c1", "t1", "", "openai", "gpt", 0, 0, 0.96, 0, 0)))

	br, err := breaker.New(ctx, breaker.Limits{
		BudgetLimitDaily: 1.0, RecoveryTimeout: time.Minute,
	}, led, breaker.NewMemRateLimiter(), breaker.NewMemAlertSink(), breaker.NewMemSnapshotStore())
	require.NoError(t, err)

	mon := NewMonitor(led, br, Limits{DailyBudget: 1.0, CriticalThreshold: 0.9}, time.Hour)
	mon.sweep(ctx)

	assert.Equal(t, breaker.StateOpen, br.Snapshot().State)
}
