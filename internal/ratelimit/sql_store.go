package ratelimit

import (
	"context"
	"time"

	"github.com/jmehdipour/licensing-gateway/internal/model"
	"github.com/jmehdipour/licensing-gateway/internal/repository"
	"github.com/jmoiron/sqlx"
)

// SQLStore keeps counters in the rate_limit_windows table.
type SQLStore struct {
	db   *sqlx.DB
	repo repository.RateLimitRepository
}

func NewSQLStore(db *sqlx.DB, repo repository.RateLimitRepository) *SQLStore {
	return &SQLStore{db: db, repo: repo}
}

func (s *SQLStore) Hit(ctx context.Context, scope, identifier, endpoint string, windowStart time.Time, _ time.Duration, limit int) (bool, int, error) {
	return s.repo.Hit(ctx, s.db, model.RateLimitWindow{
		Scope:       scope,
		Identifier:  identifier,
		Endpoint:    endpoint,
		WindowStart: model.At(windowStart),
	}, limit)
}

func (s *SQLStore) Count(ctx context.Context, scope, identifier, endpoint string, windowStart time.Time) (int, error) {
	return s.repo.Count(ctx, s.db, scope, identifier, endpoint, windowStart)
}

func (s *SQLStore) Reset(ctx context.Context, scope, identifier, endpoint string) (int64, error) {
	return s.repo.Delete(ctx, s.db, scope, identifier, endpoint)
}

func (s *SQLStore) Cleanup(ctx context.Context, scope string, before time.Time) (int64, error) {
	return s.repo.DeleteBefore(ctx, s.db, scope, before)
}
