package repository

import (
	"context"

	"EdgeRefresh/internal/domain/models"
	domrepo "EdgeRefresh/internal/domain/repository"
	pkgkafka "EdgeRefresh/pkg/kafka"
)

// Producer is the subset of the Kafka producer the publisher needs.
type Producer interface {
	Publish(ctx context.Context, topic string, key []byte, value interface{}, headers ...pkgkafka.Header) error
	Close() error
}

// KafkaEventPublisher publishes refresh events keyed by run id, so events of
// one run stay ordered on a partition. The event type travels as a header
// for consumers that filter without decoding.
type KafkaEventPublisher struct {
	producer Producer
	topic    string
}

func NewKafkaEventPublisher(producer Producer, topic string) *KafkaEventPublisher {
	return &KafkaEventPublisher{producer: producer, topic: topic}
}

var _ domrepo.EventPublisher = (*KafkaEventPublisher)(nil)

func (p *KafkaEventPublisher) PublishRefreshEvent(ctx context.Context, ev models.RefreshEvent) error {
	return p.producer.Publish(ctx, p.topic, []byte(ev.RunID), ev,
		pkgkafka.Header{Key: "event_type", Value: []byte(ev.Type)})
}

func (p *KafkaEventPublisher) Close() error { return p.producer.Close() }
