package ledger

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/conclave-ai/conclave/internal/errs"
)

// PostgresLedger persists CostRecords to `cost_tracking` and session
// aggregates to `cost_sessions`, updating both within one transaction so the
// session.total_cost invariant never observes a partial write.
type PostgresLedger struct {
	pool *pgxpool.Pool
}

// NewPostgresLedger wraps an existing pool.
func NewPostgresLedger(pool *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{pool: pool}
}

func (p *PostgresLedger) EnsureSession(ctx context.Context, sessionID, conversationID, userID string) error {
	const q = `
		INSERT INTO cost_sessions (session_id, conversation_id, user_id, started_at, total_cost, total_interactions, status)
		VALUES ($1, $2, $3, now(), 0, 0, 'active')
		ON CONFLICT (session_id) DO NOTHING`
	if _, err := p.pool.Exec(ctx, q, sessionID, conversationID, userID); err != nil {
		return errs.New(errs.KindStoreUnavailable, "ensure_session", err)
	}
	return nil
}

func (p *PostgresLedger) Append(ctx context.Context, rec Record) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return errs.New(errs.KindStoreUnavailable, "ledger_begin_tx", err)
	}
	defer tx.Rollback(ctx)

	const insert = `
		INSERT INTO cost_tracking
			(id, session_id, conversation_id, turn_id, agent_id, provider, model,
			 input_tokens, output_tokens, input_cost, output_cost, request_fee, total_cost, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`
	if _, err := tx.Exec(ctx, insert, rec.ID, rec.SessionID, rec.ConversationID, rec.TurnID, rec.AgentID,
		rec.Provider, rec.Model, rec.InputTokens, rec.OutputTokens, rec.InputCost, rec.OutputCost,
		rec.RequestFee, rec.TotalCost, rec.CreatedAt); err != nil {
		return errs.New(errs.KindStoreUnavailable, "ledger_insert_record", err)
	}

	const updateSession = `
		UPDATE cost_sessions
		SET total_cost = total_cost + $2, total_interactions = total_interactions + 1
		WHERE session_id = $1`
	if _, err := tx.Exec(ctx, updateSession, rec.SessionID, rec.TotalCost); err != nil {
		return errs.New(errs.KindStoreUnavailable, "ledger_update_session", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return errs.New(errs.KindStoreUnavailable, "ledger_commit_tx", err)
	}
	return nil
}

func (p *PostgresLedger) Session(ctx context.Context, sessionID string) (Session, error) {
	const q = `
		SELECT session_id, conversation_id, user_id, started_at, ended_at, total_cost, total_interactions, status
		FROM cost_sessions WHERE session_id = $1`
	row := p.pool.QueryRow(ctx, q, sessionID)
	var s Session
	var status string
	if err := row.Scan(&s.SessionID, &s.ConversationID, &s.UserID, &s.StartedAt, &s.EndedAt, &s.TotalCost, &s.TotalInteractions, &status); err != nil {
		if err == pgx.ErrNoRows {
			return Session{}, errs.New(errs.KindInternal, "session_not_found", nil)
		}
		return Session{}, errs.New(errs.KindStoreUnavailable, "session_query", err)
	}
	s.Status = SessionStatus(status)
	return s, nil
}

func (p *PostgresLedger) SetSessionStatus(ctx context.Context, sessionID string, status SessionStatus) error {
	const q = `
		UPDATE cost_sessions
		SET status = $2, ended_at = CASE WHEN $2 <> 'active' THEN now() ELSE ended_at END
		WHERE session_id = $1`
	if _, err := p.pool.Exec(ctx, q, sessionID, string(status)); err != nil {
		return errs.New(errs.KindStoreUnavailable, "set_session_status", err)
	}
	return nil
}

func (p *PostgresLedger) ConversationTotal(ctx context.Context, conversationID string) (float64, error) {
	const q = `SELECT COALESCE(SUM(total_cost), 0) FROM cost_tracking WHERE conversation_id = $1`
	var total float64
	if err := p.pool.QueryRow(ctx, q, conversationID).Scan(&total); err != nil {
		return 0, errs.New(errs.KindStoreUnavailable, "conversation_total", err)
	}
	return total, nil
}

func (p *PostgresLedger) DailyTotal(ctx context.Context, day time.Time) (float64, error) {
	const q = `SELECT COALESCE(SUM(total_cost), 0) FROM cost_tracking WHERE created_at::date = $1::date`
	var total float64
	if err := p.pool.QueryRow(ctx, q, day).Scan(&total); err != nil {
		return 0, errs.New(errs.KindStoreUnavailable, "daily_total", err)
	}
	return total, nil
}

func (p *PostgresLedger) ProviderTotal(ctx context.Context, provider string, day time.Time) (float64, error) {
	const q = `SELECT COALESCE(SUM(total_cost), 0) FROM cost_tracking WHERE provider = $1 AND created_at::date = $2::date`
	var total float64
	if err := p.pool.QueryRow(ctx, q, provider, day).Scan(&total); err != nil {
		return 0, errs.New(errs.KindStoreUnavailable, "provider_total", err)
	}
	return total, nil
}

func (p *PostgresLedger) RecentDailyTotals(ctx context.Context, n int) ([]DailyTotal, error) {
	const q = `
		SELECT created_at::date AS day, SUM(total_cost) AS total
		FROM cost_tracking
		GROUP BY day
		ORDER BY day DESC
		LIMIT $1`
	rows, err := p.pool.Query(ctx, q, n)
	if err != nil {
		return nil, errs.New(errs.KindStoreUnavailable, "recent_daily_totals", err)
	}
	defer rows.Close()

	var out []DailyTotal
	for rows.Next() {
		var dt DailyTotal
		if err := rows.Scan(&dt.Day, &dt.Total); err != nil {
			return nil, errs.New(errs.KindStoreUnavailable, "recent_daily_totals_scan", err)
		}
		out = append(out, dt)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, rows.Err()
}

func (p *PostgresLedger) OpenSessions(ctx context.Context) ([]Session, error) {
	const q = `
		SELECT session_id, conversation_id, user_id, started_at, ended_at, total_cost, total_interactions, status
		FROM cost_sessions WHERE status = 'active'`
	rows, err := p.pool.Query(ctx, q)
	if err != nil {
		return nil, errs.New(errs.KindStoreUnavailable, "open_sessions", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var s Session
		var status string
		if err := rows.Scan(&s.SessionID, &s.ConversationID, &s.UserID, &s.StartedAt, &s.EndedAt, &s.TotalCost, &s.TotalInteractions, &status); err != nil {
			return nil, errs.New(errs.KindStoreUnavailable, "open_sessions_scan", err)
		}
		s.Status = SessionStatus(status)
		out = append(out, s)
	}
	return out, rows.Err()
}
