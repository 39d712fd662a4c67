package ledger

import "context"

// PublishingLedger decorates a Ledger so every successful Append also
// publishes the record to Kafka, feeding the Budget Monitor's ClickHouse
// analytics sink without the ledger itself depending on ClickHouse.
type PublishingLedger struct {
	Ledger
	publisher *KafkaPublisher
}

// WithPublisher wraps next so Append additionally publishes to Kafka.
func WithPublisher(next Ledger, publisher *KafkaPublisher) *PublishingLedger {
	return &PublishingLedger{Ledger: next, publisher: publisher}
}

func (p *PublishingLedger) Append(ctx context.Context, rec Record) error {
	if err := p.Ledger.Append(ctx, rec); err != nil {
		return err
	}
	if p.publisher != nil {
		p.publisher.Publish(ctx, rec)
	}
	return nil
}
