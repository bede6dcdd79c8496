package middleware

import (
	"context"
	"strings"

	"github.com/jmehdipour/licensing-gateway/internal/apperr"
	"github.com/jmehdipour/licensing-gateway/internal/model"
	echo "github.com/labstack/echo/v4"
)

const ctxLicense = "license"

// LicenseFromCtx returns the license stored by LicenseKeyMiddleware.
func LicenseFromCtx(c echo.Context) (*model.License, bool) {
	l, ok := c.Get(ctxLicense).(*model.License)
	return l, ok && l != nil
}

// KeyFromRequest reads a license key from X-License-Key, a Bearer token,
// the license_key query parameter or the license_key form field, in that
// order.
func KeyFromRequest(c echo.Context) string {
	r := c.Request()
	if k := strings.TrimSpace(r.Header.Get("X-License-Key")); k != "" {
		return k
	}
	if auth := r.Header.Get(echo.HeaderAuthorization); len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		if k := strings.TrimSpace(auth[7:]); k != "" {
			return k
		}
	}
	if k := strings.TrimSpace(c.QueryParam("license_key")); k != "" {
		return k
	}
	if strings.HasPrefix(r.Header.Get(echo.HeaderContentType), echo.MIMEApplicationForm) {
		return strings.TrimSpace(c.FormValue("license_key"))
	}
	return ""
}

// LicenseLookup resolves a raw key; misses return invalid_license.
type LicenseLookup func(ctx context.Context, key string) (*model.License, error)

// LicenseKeyMiddleware authenticates requests by license key and stores the
// license in the context. Status checks are left to the handlers so that
// read-only endpoints still answer for suspended or expired licenses.
func LicenseKeyMiddleware(lookup LicenseLookup) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := KeyFromRequest(c)
			if key == "" {
				return apperr.New(apperr.MissingCredential, "license key is required")
			}
			l, err := lookup(c.Request().Context(), key)
			if err != nil {
				return err
			}
			c.Set(ctxLicense, l)
			return next(c)
		}
	}
}
