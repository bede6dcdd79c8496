package model

type OutboxEvent struct {
	ID          int64     `db:"id"`
	EventID     string    `db:"event_id"`
	Aggregate   string    `db:"aggregate"`    // e.g. "license"
	AggregateID string    `db:"aggregate_id"` // license key
	Topic       string    `db:"topic"`
	Payload     []byte    `db:"payload"`
	CreatedAt   UnixTime  `db:"created_at"`
	PublishedAt *UnixTime `db:"published_at"`
}
