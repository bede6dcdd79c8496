package middleware

import (
	"errors"
	"strconv"

	"github.com/jmehdipour/licensing-gateway/internal/apperr"
	"github.com/jmehdipour/licensing-gateway/internal/ratelimit"
	echo "github.com/labstack/echo/v4"
)

// RateLimitConfig binds a fixed-window limiter to a route.
type RateLimitConfig struct {
	Limiter  *ratelimit.Limiter
	Endpoint string
	// Identifier picks the counter key; nil keys by the request's license
	// key, else by client IP.
	Identifier func(c echo.Context) string
	// FailOpen lets requests through when the counter store errors.
	FailOpen bool
}

// ByClientIP keys the limiter by caller address.
func ByClientIP(c echo.Context) string {
	return ratelimit.IPIdentifier(ClientIP(c))
}

// maxKeyIdentifier bounds the raw key used as a counter key; real keys are
// far shorter.
const maxKeyIdentifier = 64

// ByLicenseKeyOrIP keys the limiter by the raw license key on the request,
// before it is validated, falling back to the caller address.
func ByLicenseKeyOrIP(c echo.Context) string {
	if k := KeyFromRequest(c); k != "" {
		if len(k) > maxKeyIdentifier {
			k = k[:maxKeyIdentifier]
		}
		return ratelimit.LicenseIdentifier(k)
	}
	return ByClientIP(c)
}

// RateLimitMiddleware counts the request in the limiter's current window
// and rejects it with 429 and Retry-After once the window is full.
func RateLimitMiddleware(cfg RateLimitConfig) echo.MiddlewareFunc {
	if cfg.Identifier == nil {
		cfg.Identifier = ByLicenseKeyOrIP
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = ratelimit.DefaultEndpoint
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Limiter == nil {
				return next(c)
			}

			d, err := cfg.Limiter.Allow(c.Request().Context(), cfg.Identifier(c), cfg.Endpoint)
			if d.Limit > 0 {
				hdr := c.Response().Header()
				hdr.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
				hdr.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
				hdr.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
			}
			if err != nil {
				var ae *apperr.Error
				if errors.As(err, &ae) && ae.Kind == apperr.RateLimited {
					secs, _ := ae.Details["retry_after"].(int)
					c.Response().Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
					return err
				}
				if cfg.FailOpen {
					c.Logger().Warnf("rate limit store failed, allowing: %v", err)
					return next(c)
				}
				return err
			}
			return next(c)
		}
	}
}
