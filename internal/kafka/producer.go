package kafka

import (
	"context"
	"time"

	"github.com/jmehdipour/licensing-gateway/internal/config"
	"github.com/segmentio/kafka-go"
)

// Producer publishes to any topic; the topic is set per message.
type Producer struct {
	w *kafka.Writer
}

func NewProducer(cfg config.KafkaConfig) *Producer {
	return &Producer{w: &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 20 * time.Millisecond,
	}}
}

// Publish writes msgs synchronously. Messages with the same key land on the
// same partition, keeping per-license order.
func (p *Producer) Publish(ctx context.Context, msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return p.w.WriteMessages(ctx, msgs...)
}

func (p *Producer) Close() error { return p.w.Close() }
