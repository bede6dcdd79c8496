// Package app wires the services shared by the serve, seed and worker
// commands.
package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/jmehdipour/licensing-gateway/internal/config"
	"github.com/jmehdipour/licensing-gateway/internal/events"
	"github.com/jmehdipour/licensing-gateway/internal/gateway"
	"github.com/jmehdipour/licensing-gateway/internal/ratelimit"
	"github.com/jmehdipour/licensing-gateway/internal/repository"
	"github.com/jmehdipour/licensing-gateway/internal/service/credits"
	"github.com/jmehdipour/licensing-gateway/internal/service/licensing"
	"github.com/jmehdipour/licensing-gateway/internal/service/plans"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type App struct {
	Cfg   config.Config
	DB    *sqlx.DB
	Redis *redis.Client
	Log   *zap.Logger

	Catalog   *plans.Catalog
	Outbox    *events.Outbox
	Licensing *licensing.Service
	Credits   *credits.Service
	Plans     *plans.Reconciler

	GatewayLimiter *ratelimit.Limiter
	LicenseLimiter *ratelimit.Limiter
}

// New builds the services over dbx. rdb may be nil unless the redis rate
// limit backend is selected.
func New(cfg config.Config, dbx *sqlx.DB, rdb *redis.Client, log *zap.Logger) (*App, error) {
	catalog, err := plans.NewCatalog(cfg.Plans)
	if err != nil {
		return nil, fmt.Errorf("plan catalog: %w", err)
	}

	licensesRepo := repository.NewLicensesRepository()
	ledgerRepo := repository.NewLedgerRepository()
	outbox := events.NewOutbox(repository.NewOutboxRepository(), cfg.Kafka.NotificationTopic, cfg.Kafka.LedgerTopic)

	creditsSvc := credits.New(dbx, licensesRepo, ledgerRepo, outbox, catalog, cfg.Credits, log.Named("credits"))
	a := &App{
		Cfg:       cfg,
		DB:        dbx,
		Redis:     rdb,
		Log:       log,
		Catalog:   catalog,
		Outbox:    outbox,
		Credits:   creditsSvc,
		Licensing: licensing.New(dbx, licensesRepo, repository.NewActivationsRepository(), ledgerRepo, outbox, catalog, cfg.Licensing, log.Named("licensing")),
		Plans:     plans.NewReconciler(dbx, catalog, licensesRepo, ledgerRepo, outbox, creditsSvc, log.Named("plans")),
	}

	store, err := a.rateLimitStore()
	if err != nil {
		return nil, err
	}
	a.GatewayLimiter = ratelimit.New(ratelimit.ScopeGateway, time.Minute, cfg.RateLimit.Gateway, store)
	a.LicenseLimiter = ratelimit.New(ratelimit.ScopeLicense, time.Hour, cfg.RateLimit.License, store)
	return a, nil
}

func (a *App) rateLimitStore() (ratelimit.Store, error) {
	switch strings.ToLower(a.Cfg.RateLimit.Backend) {
	case "", "sql":
		return ratelimit.NewSQLStore(a.DB, repository.NewRateLimitRepository()), nil
	case "redis":
		if a.Redis == nil {
			return nil, fmt.Errorf("rate_limit.backend is redis but no redis client is configured")
		}
		return ratelimit.NewRedisStore(a.Redis, "rl:"), nil
	default:
		return nil, fmt.Errorf("unsupported rate limit backend %q", a.Cfg.RateLimit.Backend)
	}
}

// Limiters returns both limiters, for the cleanup sweep.
func (a *App) Limiters() []*ratelimit.Limiter {
	return []*ratelimit.Limiter{a.GatewayLimiter, a.LicenseLimiter}
}

// Gateway builds the metered transcript gateway from the enabled providers.
// Transcripts are cached in Redis when a client is configured.
func (a *App) Gateway() *gateway.Service {
	var provs []gateway.Provider
	for _, pc := range a.Cfg.Providers {
		if !pc.Enabled || strings.TrimSpace(pc.BaseURL) == "" {
			continue
		}
		provs = append(provs, gateway.NewHTTPProvider(pc))
	}
	if len(provs) == 0 {
		a.Log.Warn("no transcript providers enabled; gateway calls will fail upstream")
	}

	var cache gateway.Cache
	if a.Redis != nil {
		cache = gateway.NewRedisCache(a.Redis)
	}
	fetcher := gateway.NewCachedFetcher(cache, gateway.NewDispatcher(provs, a.Cfg.Gateway.MaxAttempts), a.Cfg.Gateway.CacheTTL, a.Log.Named("gateway"))
	return gateway.NewService(fetcher, a.Credits, a.Cfg.Gateway.CreditsPerHit, a.Log.Named("gateway"))
}
