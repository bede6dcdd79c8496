package http

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jmehdipour/licensing-gateway/internal/apperr"
	"github.com/jmehdipour/licensing-gateway/internal/model"
	"github.com/jmehdipour/licensing-gateway/internal/ratelimit"
	"github.com/jmehdipour/licensing-gateway/internal/service/credits"
	"github.com/jmehdipour/licensing-gateway/internal/service/licensing"
	"github.com/jmehdipour/licensing-gateway/internal/service/plans"
	echo "github.com/labstack/echo/v4"
)

func licenseIDParam(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.New(apperr.InvalidInput, "invalid license id")
	}
	return id, nil
}

type provisionReq struct {
	Email     string `json:"email"`
	Plan      string `json:"plan"`
	OrderRef  string `json:"order_ref"`
	ExpiresAt *int64 `json:"expires_at"` // unix seconds
	KeyFormat string `json:"key_format"`
}

func provisionHandler(lic *licensing.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req provisionReq
		if err := bindJSON(c, &req); err != nil {
			return err
		}
		pr := licensing.ProvisionRequest{
			Email:     req.Email,
			Plan:      strings.TrimSpace(req.Plan),
			OrderRef:  strings.TrimSpace(req.OrderRef),
			KeyFormat: strings.TrimSpace(req.KeyFormat),
		}
		if req.ExpiresAt != nil {
			t := time.Unix(*req.ExpiresAt, 0).UTC()
			pr.ExpiresAt = &t
		}

		res, err := lic.Provision(c.Request().Context(), pr)
		if err != nil {
			return err
		}
		status := http.StatusCreated
		if res.Idempotent {
			status = http.StatusOK
		}
		return c.JSON(status, map[string]any{
			"success":    true,
			"idempotent": res.Idempotent,
			"license":    res.License,
			"entry":      res.Entry,
		})
	}
}

func adminLookupHandler(lic *licensing.Service, cr *credits.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		l, err := lic.Lookup(ctx, c.Param("key"))
		if err != nil {
			return err
		}
		acts, err := lic.Activations(ctx, l.ID, false)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, map[string]any{
			"license":     l,
			"credits":     cr.Info(l),
			"activations": acts,
		})
	}
}

func setStatusHandler(lic *licensing.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := licenseIDParam(c)
		if err != nil {
			return err
		}
		var req struct {
			Status string `json:"status"`
		}
		if err := bindJSON(c, &req); err != nil {
			return err
		}
		st, ok := model.ParseLicenseStatus(req.Status)
		if !ok {
			return apperr.Newf(apperr.InvalidInput, "unknown status %q", req.Status)
		}
		l, err := lic.SetStatus(c.Request().Context(), id, st)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, map[string]any{"success": true, "license": l})
	}
}

func unlockHandler(lic *licensing.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := licenseIDParam(c)
		if err != nil {
			return err
		}
		l, err := lic.UnlockSite(c.Request().Context(), id)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, map[string]any{
			"success": true,
			"message": "site unlocked",
			"license": l,
		})
	}
}

func rebindHandler(lic *licensing.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := licenseIDParam(c)
		if err != nil {
			return err
		}
		var req struct {
			SiteURL string `json:"site_url"`
		}
		if err := bindJSON(c, &req); err != nil {
			return err
		}
		if strings.TrimSpace(req.SiteURL) == "" {
			return apperr.New(apperr.InvalidInput, "site_url is required")
		}
		l, err := lic.RebindSite(c.Request().Context(), id, req.SiteURL)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, map[string]any{"success": true, "license": l})
	}
}

type grantReq struct {
	Amount   int64  `json:"amount"`
	OrderRef string `json:"order_ref"`
	Note     string `json:"note"`
}

// grantHandler adds extra credits; a repeated order_ref grants once.
func grantHandler(cr *credits.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := licenseIDParam(c)
		if err != nil {
			return err
		}
		var req grantReq
		if err := bindJSON(c, &req); err != nil {
			return err
		}
		ref := model.Ref{Type: model.RefAdmin, Note: strings.TrimSpace(req.Note)}
		if o := strings.TrimSpace(req.OrderRef); o != "" {
			ref.Type = model.RefOrder
			ref.ID = o
			ref.IdempotencyKey = "grant-" + o
		}
		res, err := cr.GrantExtra(c.Request().Context(), id, req.Amount, ref)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, res)
	}
}

func adjustHandler(cr *credits.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := licenseIDParam(c)
		if err != nil {
			return err
		}
		var req struct {
			Delta int64  `json:"delta"`
			Note  string `json:"note"`
		}
		if err := bindJSON(c, &req); err != nil {
			return err
		}
		res, err := cr.Adjust(c.Request().Context(), id, req.Delta, model.Ref{
			Type: model.RefAdmin,
			Note: strings.TrimSpace(req.Note),
		})
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, res)
	}
}

func resetHandler(cr *credits.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := licenseIDParam(c)
		if err != nil {
			return err
		}
		res, ok, err := cr.ResetMonthly(c.Request().Context(), id)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, map[string]any{"success": true, "reset": ok, "result": res})
	}
}

func adminPlanHandler(rec *plans.Reconciler) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := licenseIDParam(c)
		if err != nil {
			return err
		}
		var req struct {
			Target         string `json:"target"`
			IdempotencyKey string `json:"idempotency_key"`
			Note           string `json:"note"`
		}
		if err := bindJSON(c, &req); err != nil {
			return err
		}
		if strings.TrimSpace(req.Target) == "" {
			return apperr.New(apperr.InvalidInput, "target is required")
		}
		ref := model.Ref{Type: model.RefAdmin, Note: strings.TrimSpace(req.Note)}
		if k := strings.TrimSpace(req.IdempotencyKey); k != "" {
			ref.IdempotencyKey = "plan-" + k
		}
		res, err := rec.Execute(c.Request().Context(), id, strings.TrimSpace(req.Target), ref)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, res)
	}
}

// limiterByScope picks the gateway or license limiter from ?scope=.
func limiterByScope(c echo.Context, limiters map[string]*ratelimit.Limiter) (*ratelimit.Limiter, error) {
	scope := strings.TrimSpace(c.QueryParam("scope"))
	if scope == "" {
		scope = ratelimit.ScopeGateway
	}
	l, ok := limiters[scope]
	if !ok || l == nil {
		return nil, apperr.Newf(apperr.InvalidInput, "unknown rate limit scope %q", scope)
	}
	return l, nil
}

func rateLimitStatusHandler(limiters map[string]*ratelimit.Limiter) echo.HandlerFunc {
	return func(c echo.Context) error {
		lim, err := limiterByScope(c, limiters)
		if err != nil {
			return err
		}
		id := strings.TrimSpace(c.QueryParam("identifier"))
		if id == "" {
			return apperr.New(apperr.InvalidInput, "identifier is required")
		}
		if ep := strings.TrimSpace(c.QueryParam("endpoint")); ep != "" {
			d, err := lim.Status(c.Request().Context(), id, ep)
			if err != nil {
				return err
			}
			return c.JSON(http.StatusOK, map[string]any{"scope": lim.Scope(), "windows": []ratelimit.Decision{d}})
		}
		ds, err := lim.StatusAll(c.Request().Context(), id)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, map[string]any{"scope": lim.Scope(), "windows": ds})
	}
}

func rateLimitResetHandler(limiters map[string]*ratelimit.Limiter) echo.HandlerFunc {
	return func(c echo.Context) error {
		lim, err := limiterByScope(c, limiters)
		if err != nil {
			return err
		}
		n, err := lim.Reset(c.Request().Context(),
			strings.TrimSpace(c.QueryParam("identifier")),
			strings.TrimSpace(c.QueryParam("endpoint")))
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, map[string]any{"success": true, "deleted": n})
	}
}
