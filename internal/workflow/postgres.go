package workflow

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/conclave-ai/conclave/internal/errs"
)

// PostgresStore persists Execution to `workflow_executions`, upserting the
// full row on every state transition so Load always reflects the latest
// step_results snapshot.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an existing pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (p *PostgresStore) Save(ctx context.Context, exec Execution) error {
	results, err := json.Marshal(exec.StepResults)
	if err != nil {
		return errs.New(errs.KindInternal, "marshal_step_results", err)
	}

	const q = `
		INSERT INTO workflow_executions
			(execution_id, workflow_id, status, current_step, step_results,
			 start_time, end_time, error_message, user_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (execution_id) DO UPDATE SET
			status = EXCLUDED.status,
			current_step = EXCLUDED.current_step,
			step_results = EXCLUDED.step_results,
			end_time = EXCLUDED.end_time,
			error_message = EXCLUDED.error_message`
	if _, err := p.pool.Exec(ctx, q, exec.ExecutionID, exec.WorkflowID, string(exec.Status), exec.CurrentStep,
		results, exec.StartTime, exec.EndTime, exec.ErrorMessage, exec.UserID); err != nil {
		return errs.New(errs.KindStoreUnavailable, "save_execution", err)
	}
	return nil
}

func (p *PostgresStore) Load(ctx context.Context, executionID string) (Execution, bool, error) {
	const q = `
		SELECT execution_id, workflow_id, status, current_step, step_results,
		       start_time, end_time, error_message, user_id
		FROM workflow_executions WHERE execution_id = $1`
	row := p.pool.QueryRow(ctx, q, executionID)

	var exec Execution
	var status string
	var results []byte
	var endTime *time.Time
	if err := row.Scan(&exec.ExecutionID, &exec.WorkflowID, &status, &exec.CurrentStep, &results,
		&exec.StartTime, &endTime, &exec.ErrorMessage, &exec.UserID); err != nil {
		if err == pgx.ErrNoRows {
			return Execution{}, false, nil
		}
		return Execution{}, false, errs.New(errs.KindStoreUnavailable, "load_execution", err)
	}
	exec.Status = Status(status)
	exec.EndTime = endTime
	exec.StepResults = make(map[string]StepResult)
	if len(results) > 0 {
		if err := json.Unmarshal(results, &exec.StepResults); err != nil {
			return Execution{}, false, errs.New(errs.KindInternal, "unmarshal_step_results", err)
		}
	}
	return exec, true, nil
}
