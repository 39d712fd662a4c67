package budget

import (
	"context"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/conclave-ai/conclave/internal/config"
	"github.com/conclave-ai/conclave/internal/errs"
	"github.com/conclave-ai/conclave/internal/ledger"
)

// ClickHouseSink is the analytical sink SPEC_FULL §4.4 describes: every
// appended cost record is also written to a wide ClickHouse table for ad
// hoc spend analysis, decoupled from the Postgres system of record.
type ClickHouseSink struct {
	conn  driver.Conn
	table string
}

// NewClickHouseSink opens a connection using cfg.
func NewClickHouseSink(cfg config.ClickHouseConfig) (*ClickHouseSink, error) {
	opts, err := clickhouse.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, errs.New(errs.KindInternal, "parse_clickhouse_dsn", err)
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, errs.New(errs.KindStoreUnavailable, "clickhouse_open", err)
	}
	table := cfg.EventsTable
	if table == "" {
		table = "cost_events"
	}
	return &ClickHouseSink{conn: conn, table: table}, nil
}

func (s *ClickHouseSink) Record(ctx context.Context, rec ledger.Record) error {
	q := `INSERT INTO ` + s.table + ` (
		id, session_id, conversation_id, turn_id, agent_id, provider, model,
		input_tokens, output_tokens, input_cost, output_cost, request_fee, total_cost, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if err := s.conn.Exec(ctx, q,
		rec.ID, rec.SessionID, rec.ConversationID, rec.TurnID, rec.AgentID, rec.Provider, rec.Model,
		rec.InputTokens, rec.OutputTokens, rec.InputCost, rec.OutputCost, rec.RequestFee, rec.TotalCost, rec.CreatedAt,
	); err != nil {
		return errs.New(errs.KindStoreUnavailable, "clickhouse_insert_cost_event", err)
	}
	return nil
}

func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}
