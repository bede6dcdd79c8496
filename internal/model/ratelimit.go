package model

// RateLimitWindow is one fixed window counter row.
type RateLimitWindow struct {
	ID           int64    `db:"id"`
	Scope        string   `db:"scope"`
	Identifier   string   `db:"identifier"`
	Endpoint     string   `db:"endpoint"`
	RequestCount int      `db:"request_count"`
	WindowStart  UnixTime `db:"window_start"`
}
