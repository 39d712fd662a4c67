package pricing

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/conclave-ai/conclave/internal/errs"
)

// PostgresTable persists pricing history to the `provider_pricing` table.
type PostgresTable struct {
	pool *pgxpool.Pool
}

// NewPostgresTable wraps an existing pool; callers run migrations separately
// (schema management is out of scope per spec.md §1).
func NewPostgresTable(pool *pgxpool.Pool) *PostgresTable {
	return &PostgresTable{pool: pool}
}

func (t *PostgresTable) Active(ctx context.Context, provider, model string, asOf time.Time) (Record, error) {
	const q = `
		SELECT provider, model, input_price_per_1k, output_price_per_1k,
		       COALESCE(price_per_request, 0), context_window, effective_from, effective_to, is_active
		FROM provider_pricing
		WHERE provider = $1 AND model = $2 AND is_active
		  AND effective_from <= $3
		  AND (effective_to IS NULL OR effective_to > $3)
		LIMIT 1`
	row := t.pool.QueryRow(ctx, q, provider, model, asOf)
	var r Record
	if err := row.Scan(&r.Provider, &r.Model, &r.InputPricePer1K, &r.OutputPricePer1K,
		&r.PricePerRequest, &r.ContextWindow, &r.EffectiveFrom, &r.EffectiveTo, &r.IsActive); err != nil {
		if err == pgx.ErrNoRows {
			return Record{}, errs.New(errs.KindPricingUnknown, "no_active_pricing_record", nil)
		}
		return Record{}, errs.New(errs.KindStoreUnavailable, "pricing_query_failed", err)
	}
	return r, nil
}

func (t *PostgresTable) Set(ctx context.Context, rec Record) error {
	tx, err := t.pool.Begin(ctx)
	if err != nil {
		return errs.New(errs.KindStoreUnavailable, "pricing_begin_tx", err)
	}
	defer tx.Rollback(ctx)

	const closePrev = `
		UPDATE provider_pricing SET effective_to = $3, is_active = false
		WHERE provider = $1 AND model = $2 AND is_active`
	if _, err := tx.Exec(ctx, closePrev, rec.Provider, rec.Model, rec.EffectiveFrom); err != nil {
		return errs.New(errs.KindStoreUnavailable, "pricing_close_prev", err)
	}

	const insert = `
		INSERT INTO provider_pricing
			(provider, model, input_price_per_1k, output_price_per_1k, price_per_request,
			 context_window, effective_from, effective_to, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULL, true)`
	if _, err := tx.Exec(ctx, insert, rec.Provider, rec.Model, rec.InputPricePer1K, rec.OutputPricePer1K,
		rec.PricePerRequest, rec.ContextWindow, rec.EffectiveFrom); err != nil {
		return errs.New(errs.KindStoreUnavailable, "pricing_insert", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return errs.New(errs.KindStoreUnavailable, "pricing_commit_tx", err)
	}
	return nil
}

func (t *PostgresTable) History(ctx context.Context, provider, model string) ([]Record, error) {
	const q = `
		SELECT provider, model, input_price_per_1k, output_price_per_1k,
		       COALESCE(price_per_request, 0), context_window, effective_from, effective_to, is_active
		FROM provider_pricing
		WHERE provider = $1 AND model = $2
		ORDER BY effective_from ASC`
	rows, err := t.pool.Query(ctx, q, provider, model)
	if err != nil {
		return nil, errs.New(errs.KindStoreUnavailable, "pricing_history_query", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.Provider, &r.Model, &r.InputPricePer1K, &r.OutputPricePer1K,
			&r.PricePerRequest, &r.ContextWindow, &r.EffectiveFrom, &r.EffectiveTo, &r.IsActive); err != nil {
			return nil, errs.New(errs.KindStoreUnavailable, "pricing_history_scan", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
