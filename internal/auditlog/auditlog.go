// Package auditlog records privileged administrative actions, starting
// with circuit-breaker overrides, and optionally publishes them to Kafka
// for downstream ingestion.
package auditlog

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/conclave-ai/conclave/internal/observability"
)

// Entry is one recorded privileged action.
type Entry struct {
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Target    string    `json:"target"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists and lists audit entries.
type Store interface {
	Record(ctx context.Context, e Entry) error
	Recent(limit int) []Entry
}

// MemStore is an in-memory, append-only audit trail. Production deployments
// pair it with the Kafka publisher below so entries survive process restart
// in a durable log.
type MemStore struct {
	mu      sync.Mutex
	entries []Entry
}

// NewMemStore constructs an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{}
}

// Record appends e to the in-memory trail.
func (m *MemStore) Record(ctx context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

// Recent returns up to limit of the most recently recorded entries, newest
// first. limit <= 0 returns everything.
func (m *MemStore) Recent(limit int) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.entries)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Entry, limit)
	for i := 0; i < limit; i++ {
		out[i] = m.entries[n-1-i]
	}
	return out
}

// KafkaPublisher mirrors a Store's Record calls onto a Kafka topic, leaving
// the Writer's Topic unset so callers targeting multiple topics can still
// share one Writer, the same pattern used for the turn-completed /
// workflow-step-completed event fan-out.
type KafkaPublisher struct {
	writer *kafka.Writer
	topic  string
	next   Store
}

// NewKafkaPublisher wraps next so every Record call is also published to
// topic on brokers. next may be nil to publish only.
func NewKafkaPublisher(brokers []string, topic string, next Store) *KafkaPublisher {
	return &KafkaPublisher{
		writer: kafka.NewWriter(kafka.WriterConfig{
			Brokers:  brokers,
			Balancer: &kafka.LeastBytes{},
		}),
		topic: topic,
		next:  next,
	}
}

// Record persists to the wrapped store (if any) and publishes to Kafka.
// A publish failure is logged but does not fail the call: an audit entry
// already durable in next must not be lost because the broker is down.
func (p *KafkaPublisher) Record(ctx context.Context, e Entry) error {
	var err error
	if p.next != nil {
		err = p.next.Record(ctx, e)
	}

	body, merr := json.Marshal(e)
	if merr != nil {
		return err
	}
	if werr := p.writer.WriteMessages(ctx, kafka.Message{Topic: p.topic, Value: body}); werr != nil {
		observability.LoggerWithTrace(ctx).Warn().Err(werr).Str("audit_action", e.Action).Msg("audit log kafka publish failed")
	}
	return err
}

// Recent delegates to the wrapped store, or returns nil if there is none.
func (p *KafkaPublisher) Recent(limit int) []Entry {
	if p.next == nil {
		return nil
	}
	return p.next.Recent(limit)
}

// Close closes the underlying Kafka writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
