package worker

import (
	"context"
	"time"

	"github.com/jmehdipour/licensing-gateway/internal/kafka"
	"github.com/jmehdipour/licensing-gateway/internal/metrics"
	"github.com/jmehdipour/licensing-gateway/internal/repository"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

type Publisher interface {
	Publish(ctx context.Context, msgs ...kafka.Message) error
}

// Relay moves committed outbox rows to Kafka. Delivery is at least once: a
// crash between publish and mark republishes the batch, and consumers
// dedupe on the event id header.
type Relay struct {
	db     *sqlx.DB
	outbox repository.OutboxRepository
	pub    Publisher
	log    *zap.Logger

	Batch    int
	Interval time.Duration
	Now      func() time.Time
}

func NewRelay(db *sqlx.DB, outbox repository.OutboxRepository, pub Publisher, log *zap.Logger) *Relay {
	return &Relay{
		db:       db,
		outbox:   outbox,
		pub:      pub,
		log:      log,
		Batch:    200,
		Interval: 2 * time.Second,
		Now:      time.Now,
	}
}

func (r *Relay) Run(ctx context.Context) error {
	tick := time.NewTicker(r.Interval)
	defer tick.Stop()

	for {
		// drain full batches without waiting for the next tick
		for {
			n, err := r.RunOnce(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				r.log.Error("outbox relay failed", zap.Error(err))
				break
			}
			if n < r.Batch {
				break
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
		}
	}
}

// RunOnce publishes one batch and returns how many rows it relayed.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	rows, err := r.outbox.FetchPending(ctx, r.db, r.Batch)
	if err != nil || len(rows) == 0 {
		return 0, err
	}

	msgs := make([]kafka.Message, 0, len(rows))
	ids := make([]int64, 0, len(rows))
	for _, row := range rows {
		msgs = append(msgs, kafka.Message{
			Topic: row.Topic,
			Key:   []byte(row.AggregateID),
			Value: row.Payload,
			Headers: []kafka.Header{
				{Key: "event_id", Value: []byte(row.EventID)},
				{Key: "aggregate", Value: []byte(row.Aggregate)},
			},
			Time: row.CreatedAt.Time,
		})
		ids = append(ids, row.ID)
	}

	if err := r.pub.Publish(ctx, msgs...); err != nil {
		return 0, err
	}
	if err := r.outbox.MarkPublished(ctx, r.db, ids, r.Now()); err != nil {
		return 0, err
	}
	for _, row := range rows {
		metrics.OutboxPublishedTotal.WithLabelValues(row.Topic).Inc()
	}
	return len(rows), nil
}
