package http

import (
	"context"
	"net/http"

	"github.com/jmehdipour/licensing-gateway/internal/config"
	"github.com/jmehdipour/licensing-gateway/internal/gateway"
	"github.com/jmehdipour/licensing-gateway/internal/http/middleware"
	"github.com/jmehdipour/licensing-gateway/internal/metrics"
	"github.com/jmehdipour/licensing-gateway/internal/ratelimit"
	"github.com/jmehdipour/licensing-gateway/internal/repository"
	"github.com/jmehdipour/licensing-gateway/internal/service/credits"
	"github.com/jmehdipour/licensing-gateway/internal/service/licensing"
	"github.com/jmehdipour/licensing-gateway/internal/service/plans"
	"github.com/labstack/echo/v4"
	echoMid "github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Deps are the services the HTTP surface is built on. Usage may be nil when
// no reporting store is configured.
type Deps struct {
	Licensing      *licensing.Service
	Credits        *credits.Service
	Plans          *plans.Reconciler
	Gateway        *gateway.Service
	GatewayLimiter *ratelimit.Limiter
	LicenseLimiter *ratelimit.Limiter
	Usage          repository.CHUsageRepository
	Log            *zap.Logger
}

type Server struct{ e *echo.Echo }

func NewServer(cfg config.Config, d Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Logger.SetLevel(echoLogLevel(cfg.Log.Level))
	e.HTTPErrorHandler = errorHandler(d.Log)

	trusted, err := middleware.ParseTrustedProxies(cfg.HTTP.TrustedProxies)
	if err != nil {
		d.Log.Error("http: ignoring trusted proxies", zap.Error(err))
	}
	e.IPExtractor = middleware.IPExtractor(trusted)
	e.Use(echoMid.Recover(), echoMid.RequestID(), echoMid.Logger())

	metrics.MustRegister(prometheus.DefaultRegisterer)

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// health
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	// middlewares
	licLimit := func(endpoint string) echo.MiddlewareFunc {
		return middleware.RateLimitMiddleware(middleware.RateLimitConfig{
			Limiter:    d.LicenseLimiter,
			Endpoint:   endpoint,
			Identifier: middleware.ByClientIP,
		})
	}
	gwLimit := func(endpoint string) echo.MiddlewareFunc {
		return middleware.RateLimitMiddleware(middleware.RateLimitConfig{
			Limiter:  d.GatewayLimiter,
			Endpoint: endpoint,
		})
	}
	authMW := middleware.LicenseKeyMiddleware(d.Licensing.Lookup)
	adminMW := middleware.AdminTokenMiddleware(cfg.Licensing.AdminToken)

	// license lifecycle, keyed by client IP
	lic := e.Group("/v1/license")
	lic.POST("/activate", activateHandler(d.Licensing, d.Credits), licLimit("activate"))
	lic.POST("/deactivate", deactivateHandler(d.Licensing), licLimit("deactivate"))
	lic.POST("/validate", validateHandler(d.Licensing, d.Credits), licLimit("validate"))
	lic.POST("/heartbeat", heartbeatHandler(d.Licensing, d.Credits), licLimit("validate"))
	lic.GET("/info", licenseInfoHandler(d.Licensing, d.Credits), licLimit("info"))

	e.GET("/v1/plans", listPlansHandler(d.Plans), middleware.RateLimitMiddleware(middleware.RateLimitConfig{
		Limiter:    d.GatewayLimiter,
		Identifier: middleware.ByClientIP,
	}))

	// license-key authenticated surface; the limiter runs first so failed
	// lookups are counted too
	v1 := e.Group("/v1")
	v1.GET("/credits", creditsInfoHandler(d.Credits), gwLimit("license_info"), authMW)
	v1.POST("/credits/consume", consumeHandler(d.Licensing, d.Credits), gwLimit("gateway"), authMW)
	v1.GET("/credits/ledger", ledgerHandler(d.Credits), gwLimit("license_info"), authMW)
	v1.GET("/credits/stats", statsHandler(d.Credits), gwLimit("license_info"), authMW)
	v1.GET("/plans/preview", previewHandler(d.Plans), gwLimit(ratelimit.DefaultEndpoint), authMW)
	v1.POST("/plans/change", changePlanHandler(d.Licensing, d.Plans), gwLimit(ratelimit.DefaultEndpoint), authMW)
	if d.Gateway != nil {
		v1.POST("/gateway/transcript", transcriptHandler(d.Licensing, d.Gateway), gwLimit("gateway"), authMW)
		v1.GET("/gateway/transcript/download", downloadHandler(d.Licensing, d.Gateway), gwLimit("download"), authMW)
	}

	limiters := map[string]*ratelimit.Limiter{
		ratelimit.ScopeGateway: d.GatewayLimiter,
		ratelimit.ScopeLicense: d.LicenseLimiter,
	}
	admin := e.Group("/v1/admin", adminMW)
	admin.POST("/licenses", provisionHandler(d.Licensing))
	admin.GET("/licenses/:key", adminLookupHandler(d.Licensing, d.Credits))
	admin.POST("/licenses/:id/status", setStatusHandler(d.Licensing))
	admin.POST("/licenses/:id/unlock", unlockHandler(d.Licensing))
	admin.POST("/licenses/:id/rebind", rebindHandler(d.Licensing))
	admin.POST("/licenses/:id/grant", grantHandler(d.Credits))
	admin.POST("/licenses/:id/adjust", adjustHandler(d.Credits))
	admin.POST("/licenses/:id/reset", resetHandler(d.Credits))
	admin.POST("/licenses/:id/plan", adminPlanHandler(d.Plans))
	admin.GET("/ratelimit", rateLimitStatusHandler(limiters))
	admin.DELETE("/ratelimit", rateLimitResetHandler(limiters))
	admin.GET("/reports/usage", usageReportHandler(d.Usage))

	return &Server{e: e}
}

func echoLogLevel(level string) log.Lvl {
	switch level {
	case "debug":
		return log.DEBUG
	case "warn":
		return log.WARN
	case "error":
		return log.ERROR
	default:
		return log.INFO
	}
}

// ServeHTTP lets tests drive the router without a listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.e.ServeHTTP(w, r) }

func (s *Server) Start(addr string) error {
	s.e.Logger.Infof("http: listening on %s", addr)
	if err := s.e.Start(addr); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }
