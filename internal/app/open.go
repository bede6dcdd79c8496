package app

import (
	"fmt"
	"strings"

	"github.com/jmehdipour/licensing-gateway/internal/config"
	"github.com/jmehdipour/licensing-gateway/internal/db"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Open connects the primary store and, when configured, Redis, then builds
// the services. Redis is optional unless it backs the rate limiter. The
// returned close func releases both connections.
func Open(cfg config.Config, log *zap.Logger) (*App, func(), error) {
	dbx, err := db.Open(cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("%s connect: %w", cfg.Database.Driver, err)
	}

	var rdb *redis.Client
	if strings.TrimSpace(cfg.Redis.Addr) != "" {
		rdb, err = db.NewRedisClient(cfg.Redis)
		if err != nil {
			if strings.EqualFold(cfg.RateLimit.Backend, "redis") {
				_ = dbx.Close()
				return nil, nil, fmt.Errorf("redis connect: %w", err)
			}
			log.Warn("redis unavailable, transcript cache disabled", zap.Error(err))
			rdb = nil
		}
	}

	closeAll := func() {
		if rdb != nil {
			_ = rdb.Close()
		}
		_ = dbx.Close()
	}

	a, err := New(cfg, dbx, rdb, log)
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	return a, closeAll, nil
}
