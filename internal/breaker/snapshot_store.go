package breaker

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/conclave-ai/conclave/internal/errs"
)

// MemSnapshotStore keeps the last snapshot in memory; used in tests.
type MemSnapshotStore struct {
	mu   sync.Mutex
	snap Snapshot
	has  bool
}

// NewMemSnapshotStore constructs an empty MemSnapshotStore.
func NewMemSnapshotStore() *MemSnapshotStore { return &MemSnapshotStore{} }

func (m *MemSnapshotStore) Load(context.Context) (Snapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap, m.has, nil
}

func (m *MemSnapshotStore) Save(_ context.Context, snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap = snap
	m.has = true
	return nil
}

// PostgresSnapshotStore persists the breaker's snapshot to `breaker_state`
// under a single fixed scope row, keyed by scope name.
type PostgresSnapshotStore struct {
	pool  *pgxpool.Pool
	scope string
}

// NewPostgresSnapshotStore wraps an existing pool for scope (e.g. "global").
func NewPostgresSnapshotStore(pool *pgxpool.Pool, scope string) *PostgresSnapshotStore {
	return &PostgresSnapshotStore{pool: pool, scope: scope}
}

func (p *PostgresSnapshotStore) Load(ctx context.Context) (Snapshot, bool, error) {
	const q = `
		SELECT state, state_changed_at, failures, total_cost_today, turn_count, cost_history, half_open_wins
		FROM breaker_state WHERE scope = $1`
	row := p.pool.QueryRow(ctx, q, p.scope)
	var snap Snapshot
	var state string
	var historyJSON []byte
	if err := row.Scan(&state, &snap.StateChangedAt, &snap.Failures, &snap.TotalCostToday, &snap.TurnCount, &historyJSON, &snap.HalfOpenWins); err != nil {
		if err == pgx.ErrNoRows {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, errs.New(errs.KindStoreUnavailable, "breaker_snapshot_load", err)
	}
	snap.State = State(state)
	_ = json.Unmarshal(historyJSON, &snap.CostHistory)
	return snap, true, nil
}

func (p *PostgresSnapshotStore) Save(ctx context.Context, snap Snapshot) error {
	historyJSON, err := json.Marshal(snap.CostHistory)
	if err != nil {
		return errs.New(errs.KindInternal, "marshal_cost_history", err)
	}
	const q = `
		INSERT INTO breaker_state (scope, state, state_changed_at, failures, total_cost_today, turn_count, cost_history, half_open_wins)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (scope) DO UPDATE SET
			state = EXCLUDED.state, state_changed_at = EXCLUDED.state_changed_at,
			failures = EXCLUDED.failures, total_cost_today = EXCLUDED.total_cost_today,
			turn_count = EXCLUDED.turn_count, cost_history = EXCLUDED.cost_history,
			half_open_wins = EXCLUDED.half_open_wins`
	if _, err := p.pool.Exec(ctx, q, p.scope, string(snap.State), snap.StateChangedAt, snap.Failures,
		snap.TotalCostToday, snap.TurnCount, historyJSON, snap.HalfOpenWins); err != nil {
		return errs.New(errs.KindStoreUnavailable, "breaker_snapshot_save", err)
	}
	return nil
}
