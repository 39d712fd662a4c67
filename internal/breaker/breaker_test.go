package breaker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conclave-ai/conclave/internal/ledger"
)

func newTestBreaker(t *testing.T, limits Limits) (*Breaker, ledger.Ledger) {
	t.Helper()
	led := ledger.NewMemLedger()
	b, err := New(context.Background(), limits, led, NewMemRateLimiter(), NewMemAlertSink(), NewMemSnapshotStore())
	require.NoError(t, err)
	return b, led
}

func baseLimits() Limits {
	return Limits{
		BudgetLimitDaily:        1.0,
		ConversationLimit:       0.5,
		TurnLimit:               0.1,
		WarningThreshold:        0.7,
		CriticalThreshold:       0.9,
		MaxTurnsPerMinute:       1000,
		MaxConversationsPerHour: 1000,
		SpikeFactor:             3,
		FailureThreshold:        3,
		SuccessThreshold:        3,
		RecoveryTimeout:         60 * time.Second,
	}
}

func TestAdmit_BoundaryAtExactTurnLimit(t *testing.T) {
	b, led := newTestBreaker(t, baseLimits())
	ctx := context.Background()
	require.NoError(t, led.EnsureSession(ctx, "s1", "c1", "u1"))

	dec, err := b.Admit(ctx, AdmitRequest{ConversationID: "c1", EstimatedCost: 0.1})
	require.NoError(t, err)
	assert.True(t, dec.Admitted)
}

func TestAdmit_RejectsJustAboveTurnLimit(t *testing.T) {
	b, led := newTestBreaker(t, baseLimits())
	ctx := context.Background()
	require.NoError(t, led.EnsureSession(ctx, "s1", "c1", "u1"))

	dec, err := b.Admit(ctx, AdmitRequest{ConversationID: "c1", EstimatedCost: 0.1 + 1e-9})
	require.NoError(t, err)
	assert.False(t, dec.Admitted)
	assert.Equal(t, "turn_limit_exceeded", dec.Reason)
}

func TestAdmit_TurnLimitBreach_NoCostRecordWritten(t *testing.T) {
	limits := baseLimits()
	limits.TurnLimit = 0.01
	b, led := newTestBreaker(t, limits)
	ctx := context.Background()
	require.NoError(t, led.EnsureSession(ctx, "s1", "c1", "u1"))

	dec, err := b.Admit(ctx, AdmitRequest{ConversationID: "c1", EstimatedCost: 0.02})
	require.NoError(t, err)
	assert.False(t, dec.Admitted)
	assert.Equal(t, "turn_limit_exceeded", dec.Reason)

	sess, err := led.Session(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 0, sess.TotalInteractions)
}

func TestAdmit_DailyBudgetTripsBreakerMidConversation(t *testing.T) {
	limits := baseLimits()
	limits.DailyLimitTest()
	b, led := newTestBreaker(t, limits)
	ctx := context.Background()
	require.NoError(t, led.EnsureSession(ctx, "s1", "c1", "u1"))

	// Seed day_total = 0.95 by appending a record dated today.
	rec := ledger.NewRecord("s1", "c1", "t-1", "", "openai", "gpt", 0, 0, 0.95, 0, 0)
	require.NoError(t, led.Append(ctx, rec))

	// First turn: estimated 0.03, admitted (0.95+0.03=0.98 <= 1.00).
	dec1, err := b.Admit(ctx, AdmitRequest{ConversationID: "c1", EstimatedCost: 0.03})
	require.NoError(t, err)
	require.True(t, dec1.Admitted)
	require.NoError(t, led.Append(ctx, ledger.NewRecord("s1", "c1", "t0", "", "openai", "gpt", 0, 0, 0.03, 0, 0)))

	// Second turn: estimated 0.10 -> 0.98+0.10=1.08 > 1.00 -> rejected & breaker opens.
	dec2, err := b.Admit(ctx, AdmitRequest{ConversationID: "c1", EstimatedCost: 0.10})
	require.NoError(t, err)
	assert.False(t, dec2.Admitted)
	assert.Equal(t, "daily_budget_exceeded", dec2.Reason)
	assert.Equal(t, StateOpen, b.Snapshot().State)

	dec3, err := b.Admit(ctx, AdmitRequest{ConversationID: "c1", EstimatedCost: 0.0})
	require.NoError(t, err)
	assert.False(t, dec3.Admitted)
	assert.Equal(t, "circuit_open", dec3.Reason)
	assert.Greater(t, dec3.RetryAfter, time.Duration(0))
}

func TestCircuitRecovery_HalfOpenAfterTimeoutThenCloses(t *testing.T) {
	limits := baseLimits()
	limits.RecoveryTimeout = 10 * time.Millisecond
	b, led := newTestBreaker(t, limits)
	ctx := context.Background()
	require.NoError(t, led.EnsureSession(ctx, "s1", "c1", "u1"))

	b.TripOpen(ctx, "test")
	assert.Equal(t, StateOpen, b.Snapshot().State)

	dec, err := b.Admit(ctx, AdmitRequest{ConversationID: "c1", EstimatedCost: 0.01})
	require.NoError(t, err)
	assert.False(t, dec.Admitted)
	assert.Equal(t, "circuit_open", dec.Reason)

	time.Sleep(15 * time.Millisecond)
	dec2, err := b.Admit(ctx, AdmitRequest{ConversationID: "c1", EstimatedCost: 0.01})
	require.NoError(t, err)
	assert.True(t, dec2.Admitted)
	assert.Equal(t, StateHalfOpen, b.Snapshot().State)

	b.RecordOutcome(ctx, 0.01, true)
	b.RecordOutcome(ctx, 0.01, true)
	assert.Equal(t, StateHalfOpen, b.Snapshot().State)
	b.RecordOutcome(ctx, 0.01, true)
	assert.Equal(t, StateClosed, b.Snapshot().State)
}

func TestCircuitRecovery_FailureDuringHalfOpenReopens(t *testing.T) {
	limits := baseLimits()
	limits.RecoveryTimeout = 10 * time.Millisecond
	b, led := newTestBreaker(t, limits)
	ctx := context.Background()
	require.NoError(t, led.EnsureSession(ctx, "s1", "c1", "u1"))

	b.TripOpen(ctx, "test")
	time.Sleep(15 * time.Millisecond)
	_, err := b.Admit(ctx, AdmitRequest{ConversationID: "c1", EstimatedCost: 0.01})
	require.NoError(t, err)
	require.Equal(t, StateHalfOpen, b.Snapshot().State)

	b.RecordOutcome(ctx, 0.01, false)
	assert.Equal(t, StateOpen, b.Snapshot().State)
}

// DailyLimitTest nudges Limits to the fixture values used by the
// daily-budget-trip scenario above.
func (l *Limits) DailyLimitTest() {
	l.BudgetLimitDaily = 1.00
	l.ConversationLimit = 10
	l.TurnLimit = 10
}
