package http

import (
	"errors"
	"net/http"

	"github.com/jmehdipour/licensing-gateway/internal/apperr"
	"github.com/jmehdipour/licensing-gateway/internal/gateway"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// errorHandler renders every handler error as
// {"error": kind, "message": ..., <details>}. Anything that is not a
// business-rule error is logged and reported as storage_error.
func errorHandler(log *zap.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status, body := errorBody(err)
		if status >= http.StatusInternalServerError {
			log.Error("request failed",
				zap.String("method", c.Request().Method),
				zap.String("path", c.Path()),
				zap.Error(err))
		}

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(status)
		} else {
			err = c.JSON(status, body)
		}
		if err != nil {
			log.Warn("write error response", zap.Error(err))
		}
	}
}

func errorBody(err error) (int, map[string]any) {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		body := make(map[string]any, len(ae.Details)+2)
		for k, v := range ae.Details {
			body[k] = v
		}
		body["error"] = string(ae.Kind)
		body["message"] = ae.Message
		return ae.Kind.HTTPStatus(), body
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		kind := apperr.InvalidInput
		switch he.Code {
		case http.StatusNotFound, http.StatusMethodNotAllowed:
			kind = apperr.NotFound
		case http.StatusUnauthorized:
			kind = apperr.MissingCredential
		}
		msg := http.StatusText(he.Code)
		if s, ok := he.Message.(string); ok {
			msg = s
		}
		return he.Code, map[string]any{"error": string(kind), "message": msg}
	}

	if errors.Is(err, gateway.ErrNoHealthy) || errors.Is(err, gateway.ErrNoAcquire) {
		return http.StatusServiceUnavailable, map[string]any{
			"error":   "upstream_unavailable",
			"message": "transcript providers are unavailable, try again later",
		}
	}

	return http.StatusInternalServerError, map[string]any{
		"error":   string(apperr.StorageError),
		"message": "internal error",
	}
}

// bindJSON decodes the request body, mapping decode failures to invalid_input.
func bindJSON(c echo.Context, v any) error {
	if err := c.Bind(v); err != nil {
		return apperr.New(apperr.InvalidInput, "malformed request body")
	}
	return nil
}
