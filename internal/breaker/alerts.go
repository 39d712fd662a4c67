package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/conclave-ai/conclave/internal/errs"
	"github.com/conclave-ai/conclave/internal/observability"
)

// Alert is the persisted BudgetAlert record (SPEC_FULL §3.1): a budget-level
// transition. The once-per-hour throttle itself lives in Breaker's memory and
// is not rebuilt from these records after a restart.
type Alert struct {
	Level             BudgetLevel
	Scope             string
	ThresholdFraction float64
	CurrentValue      float64
	CreatedAt         time.Time
}

// LoggingAlertSink logs every transition and is always safe to wire even
// without Postgres; it never fails admission on its own error.
type LoggingAlertSink struct{}

func (LoggingAlertSink) Emit(ctx context.Context, level BudgetLevel, scope, reason string, fraction float64) error {
	observability.LoggerWithTrace(ctx).Warn().
		Str("level", string(level)).
		Str("scope", scope).
		Str("reason", reason).
		Float64("fraction", fraction).
		Msg("budget_level_transition")
	return nil
}

// MemAlertSink records alerts in memory for tests.
type MemAlertSink struct {
	mu     sync.Mutex
	Alerts []Alert
}

func NewMemAlertSink() *MemAlertSink { return &MemAlertSink{} }

func (m *MemAlertSink) Emit(_ context.Context, level BudgetLevel, scope, _ string, fraction float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Alerts = append(m.Alerts, Alert{Level: level, Scope: scope, ThresholdFraction: fraction, CurrentValue: fraction, CreatedAt: time.Now().UTC()})
	return nil
}

// PostgresAlertSink persists every transition to `cost_alerts`.
type PostgresAlertSink struct {
	pool *pgxpool.Pool
}

func NewPostgresAlertSink(pool *pgxpool.Pool) *PostgresAlertSink {
	return &PostgresAlertSink{pool: pool}
}

func (p *PostgresAlertSink) Emit(ctx context.Context, level BudgetLevel, scope, reason string, fraction float64) error {
	const q = `
		INSERT INTO cost_alerts (level, scope, threshold_fraction, current_value, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, now())`
	if _, err := p.pool.Exec(ctx, q, string(level), scope, fraction, fraction, reason); err != nil {
		return errs.New(errs.KindStoreUnavailable, "cost_alert_insert", err)
	}
	return nil
}
