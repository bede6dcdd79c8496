package repository

import (
	"context"
	"time"

	"github.com/jmehdipour/licensing-gateway/internal/model"
	"github.com/jmoiron/sqlx"
)

// OutboxRepository defines persistence methods for the outbox table.
type OutboxRepository interface {
	// Insert writes a single outbox event inside the caller's transaction,
	// so the event exists iff the state change that caused it committed.
	Insert(ctx context.Context, tx *sqlx.Tx, ev *model.OutboxEvent) error
	FetchPending(ctx context.Context, q sqlx.ExtContext, limit int) ([]model.OutboxEvent, error)
	MarkPublished(ctx context.Context, q sqlx.ExtContext, ids []int64, now time.Time) error
}

type OutboxRepositoryImpl struct{}

func NewOutboxRepository() *OutboxRepositoryImpl {
	return &OutboxRepositoryImpl{}
}

var _ OutboxRepository = (*OutboxRepositoryImpl)(nil)

func (r *OutboxRepositoryImpl) Insert(ctx context.Context, tx *sqlx.Tx, ev *model.OutboxEvent) error {
	const q = `
		INSERT INTO outbox (event_id, aggregate, aggregate_id, topic, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := tx.ExecContext(ctx, q, ev.EventID, ev.Aggregate, ev.AggregateID, ev.Topic, ev.Payload, ev.CreatedAt)
	return err
}

// FetchPending returns unpublished events oldest first.
func (r *OutboxRepositoryImpl) FetchPending(ctx context.Context, q sqlx.ExtContext, limit int) ([]model.OutboxEvent, error) {
	if limit <= 0 {
		limit = 200
	}
	var rows []model.OutboxEvent
	err := sqlx.SelectContext(ctx, q, &rows, `
		SELECT id, event_id, aggregate, aggregate_id, topic, payload, created_at, published_at
		FROM outbox
		WHERE published_at IS NULL
		ORDER BY id
		LIMIT ?
	`, limit)
	return rows, err
}

func (r *OutboxRepositoryImpl) MarkPublished(ctx context.Context, q sqlx.ExtContext, ids []int64, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`UPDATE outbox SET published_at = ? WHERE id IN (?)`, model.At(now), ids)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, q.Rebind(query), args...)
	return err
}
