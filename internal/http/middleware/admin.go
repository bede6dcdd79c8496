package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/jmehdipour/licensing-gateway/internal/apperr"
	echo "github.com/labstack/echo/v4"
)

// AdminTokenMiddleware guards the admin surface with a static X-Admin-Token.
// An empty configured token disables the surface entirely.
func AdminTokenMiddleware(token string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			got := strings.TrimSpace(c.Request().Header.Get("X-Admin-Token"))
			if got == "" {
				return apperr.New(apperr.MissingCredential, "admin token is required")
			}
			if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				return apperr.New(apperr.InvalidLicense, "invalid admin token")
			}
			return next(c)
		}
	}
}
