package http

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/jmehdipour/licensing-gateway/internal/apperr"
	"github.com/jmehdipour/licensing-gateway/internal/http/middleware"
	"github.com/jmehdipour/licensing-gateway/internal/model"
	"github.com/jmehdipour/licensing-gateway/internal/service/credits"
	"github.com/jmehdipour/licensing-gateway/internal/service/licensing"
	echo "github.com/labstack/echo/v4"
)

// authedLicense returns the license set by LicenseKeyMiddleware.
func authedLicense(c echo.Context) (*model.License, error) {
	l, ok := middleware.LicenseFromCtx(c)
	if !ok {
		return nil, apperr.New(apperr.MissingCredential, "license key is required")
	}
	return l, nil
}

// usableLicense additionally requires the license to permit metered use.
func usableLicense(c echo.Context, lic *licensing.Service) (*model.License, error) {
	l, err := authedLicense(c)
	if err != nil {
		return nil, err
	}
	if err := lic.Usable(l); err != nil {
		return nil, err
	}
	return l, nil
}

func pageParams(c echo.Context, defLimit, maxLimit int) (limit, offset int) {
	limit = defLimit
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= maxLimit {
			limit = n
		}
	}
	if v := c.QueryParam("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

func creditsInfoHandler(cr *credits.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		l, err := authedLicense(c)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, cr.Info(l))
	}
}

type consumeReq struct {
	Amount         int64  `json:"amount"`
	Reference      string `json:"reference"`
	Note           string `json:"note"`
	IdempotencyKey string `json:"idempotency_key"`
}

func consumeHandler(lic *licensing.Service, cr *credits.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		l, err := usableLicense(c, lic)
		if err != nil {
			return err
		}

		req := consumeReq{Amount: 1}
		if err := bindJSON(c, &req); err != nil {
			return err
		}
		idem := strings.TrimSpace(req.IdempotencyKey)
		if idem == "" {
			idem = strings.TrimSpace(c.Request().Header.Get("Idempotency-Key"))
		}
		if len(idem) > 128 {
			return apperr.New(apperr.InvalidInput, "idempotency key too long")
		}
		if idem != "" {
			idem = "consume-" + l.Key + "-" + idem
		}

		res, err := cr.UseCredits(c.Request().Context(), l.ID, req.Amount, model.Ref{
			Type:           model.RefAPI,
			ID:             strings.TrimSpace(req.Reference),
			Note:           strings.TrimSpace(req.Note),
			IdempotencyKey: idem,
		})
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, map[string]any{
			"success":           true,
			"credits_used":      req.Amount,
			"credits_remaining": res.Balance,
			"credits_monthly":   res.Monthly,
			"credits_extra":     res.Extra,
			"idempotent":        res.Idempotent,
			"entry":             res.Entry,
		})
	}
}

func ledgerHandler(cr *credits.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		l, err := authedLicense(c)
		if err != nil {
			return err
		}
		limit, offset := pageParams(c, 50, 500)
		entries, err := cr.History(c.Request().Context(), l.Key, limit, offset)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, map[string]any{
			"limit":   limit,
			"offset":  offset,
			"count":   len(entries),
			"results": entries,
		})
	}
}

func statsHandler(cr *credits.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		l, err := authedLicense(c)
		if err != nil {
			return err
		}
		period := strings.ToLower(strings.TrimSpace(c.QueryParam("period")))
		if period == "" {
			period = "month"
		}
		st, err := cr.Stats(c.Request().Context(), l.Key, period)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, map[string]any{
			"period":            period,
			"total_used":        st.TotalUsed,
			"total_added":       st.TotalAdded,
			"transaction_count": st.TransactionCount,
		})
	}
}
