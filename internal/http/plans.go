package http

import (
	"net/http"
	"strings"

	"github.com/jmehdipour/licensing-gateway/internal/apperr"
	"github.com/jmehdipour/licensing-gateway/internal/service/licensing"
	"github.com/jmehdipour/licensing-gateway/internal/service/plans"
	echo "github.com/labstack/echo/v4"
)

func listPlansHandler(rec *plans.Reconciler) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{"plans": rec.Catalog().List()})
	}
}

func previewHandler(rec *plans.Reconciler) echo.HandlerFunc {
	return func(c echo.Context) error {
		l, err := authedLicense(c)
		if err != nil {
			return err
		}
		target := strings.TrimSpace(c.QueryParam("target"))
		if target == "" {
			return apperr.New(apperr.InvalidInput, "target is required")
		}
		p, err := rec.Preview(l, target)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, p)
	}
}

type changeReq struct {
	Target  string `json:"target"`
	Confirm bool   `json:"confirm"`
}

func changePlanHandler(lic *licensing.Service, rec *plans.Reconciler) echo.HandlerFunc {
	return func(c echo.Context) error {
		l, err := usableLicense(c, lic)
		if err != nil {
			return err
		}
		var req changeReq
		if err := bindJSON(c, &req); err != nil {
			return err
		}
		req.Target = strings.TrimSpace(req.Target)
		if req.Target == "" {
			return apperr.New(apperr.InvalidInput, "target is required")
		}

		res, err := rec.Change(c.Request().Context(), l, req.Target, req.Confirm)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, map[string]any{
			"success":    true,
			"preview":    res.Preview,
			"entry":      res.Entry,
			"idempotent": res.Idempotent,
		})
	}
}
