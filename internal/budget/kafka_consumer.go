package budget

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/segmentio/kafka-go"

	"github.com/conclave-ai/conclave/internal/ledger"
	"github.com/conclave-ai/conclave/internal/observability"
)

// KafkaFeeder consumes the ledger's turns topic and forwards every decoded
// Record to an AnalyticalSink, decoupling the ClickHouse write path from the
// Postgres commit path so a slow or down analytical store never blocks a
// conversation turn.
type KafkaFeeder struct {
	reader *kafka.Reader
	sink   AnalyticalSink
}

// NewKafkaFeeder constructs a feeder reading topic as consumer group groupID.
func NewKafkaFeeder(brokers []string, topic, groupID string, sink AnalyticalSink) *KafkaFeeder {
	return &KafkaFeeder{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers: brokers,
			Topic:   topic,
			GroupID: groupID,
		}),
		sink: sink,
	}
}

// Run blocks, consuming until ctx is cancelled or the reader is closed.
// Malformed messages are logged and skipped rather than aborting the loop.
func (f *KafkaFeeder) Run(ctx context.Context) error {
	for {
		msg, err := f.reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		var rec ledger.Record
		if err := json.Unmarshal(msg.Value, &rec); err != nil {
			observability.LoggerWithTrace(ctx).Warn().Err(err).Msg("budget_monitor_malformed_turn_event")
			continue
		}
		if err := f.sink.Record(ctx, rec); err != nil {
			observability.LoggerWithTrace(ctx).Warn().Err(err).Msg("budget_monitor_sink_write_failed")
		}
	}
}

// Close releases the underlying reader.
func (f *KafkaFeeder) Close() error { return f.reader.Close() }
