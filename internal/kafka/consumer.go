// Package kafka wraps segmentio/kafka-go for the outbox relay (producer) and
// the notification worker (consumer).
package kafka

import (
	"context"
	"time"

	"github.com/jmehdipour/licensing-gateway/internal/config"
	"github.com/segmentio/kafka-go"
)

type (
	Message = kafka.Message
	Header  = kafka.Header
)

// Consumer is a thin wrapper around a group kafka.Reader with explicit commits.
type Consumer struct {
	r *kafka.Reader
}

// NewConsumer reads topic as a member of cfg.GroupID.
func NewConsumer(cfg config.KafkaConfig, topic string) *Consumer {
	minBytes := cfg.MinBytes
	if minBytes <= 0 {
		minBytes = 1 << 10
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 10 << 20
	}
	ci := time.Duration(cfg.CommitInterval) * time.Millisecond
	if ci <= 0 {
		ci = time.Second
	}
	group := cfg.GroupID
	if group == "" {
		group = "lgw-notifier"
	}

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        group,
		Topic:          topic,
		MinBytes:       minBytes,
		MaxBytes:       maxBytes,
		CommitInterval: ci,
		MaxWait:        250 * time.Millisecond,
	})
	return &Consumer{r: r}
}

func (c *Consumer) Fetch(ctx context.Context) (Message, error) {
	return c.r.FetchMessage(ctx)
}

func (c *Consumer) Commit(ctx context.Context, m Message) error {
	return c.r.CommitMessages(ctx, m)
}

func (c *Consumer) Close() error { return c.r.Close() }
