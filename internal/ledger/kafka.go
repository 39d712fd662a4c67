package ledger

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"

	"github.com/conclave-ai/conclave/internal/observability"
)

// KafkaPublisher publishes each appended CostRecord as a
// turn-completed event, the way the teacher's orchestrator publishes
// workflow results. The Budget Monitor's ClickHouse consumer reads this
// topic to keep its analytical sink current without coupling it to
// Postgres.
type KafkaPublisher struct {
	writer *kafka.Writer
	topic  string
}

// NewKafkaPublisher constructs a publisher against brokers/topic.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.LeastBytes{},
		},
		topic: topic,
	}
}

// Publish emits rec to the turns topic; failures are logged, not returned,
// since Kafka unavailability must never block admission or the ledger write
// that already succeeded.
func (k *KafkaPublisher) Publish(ctx context.Context, rec Record) {
	payload, err := json.Marshal(rec)
	if err != nil {
		observability.LoggerWithTrace(ctx).Warn().Err(err).Msg("ledger_kafka_marshal_failed")
		return
	}
	if err := k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(rec.SessionID), Value: payload}); err != nil {
		observability.LoggerWithTrace(ctx).Warn().Err(err).Str("topic", k.topic).Msg("ledger_kafka_publish_failed")
	}
}

// Close releases the underlying writer.
func (k *KafkaPublisher) Close() error { return k.writer.Close() }
