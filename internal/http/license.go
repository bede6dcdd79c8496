package http

import (
	"net/http"
	"strings"

	"github.com/jmehdipour/licensing-gateway/internal/apperr"
	"github.com/jmehdipour/licensing-gateway/internal/http/middleware"
	"github.com/jmehdipour/licensing-gateway/internal/model"
	"github.com/jmehdipour/licensing-gateway/internal/service/credits"
	"github.com/jmehdipour/licensing-gateway/internal/service/licensing"
	echo "github.com/labstack/echo/v4"
)

type licenseReq struct {
	LicenseKey     string `json:"license_key"     form:"license_key"`
	SiteURL        string `json:"site_url"        form:"site_url"`
	SiteName       string `json:"site_name"       form:"site_name"`
	ClientVersion  string `json:"client_version"  form:"client_version"`
	RuntimeVersion string `json:"runtime_version" form:"runtime_version"`
}

func (r *licenseReq) normalize(c echo.Context) {
	r.LicenseKey = strings.TrimSpace(r.LicenseKey)
	if r.LicenseKey == "" {
		r.LicenseKey = middleware.KeyFromRequest(c)
	}
	r.SiteURL = strings.TrimSpace(r.SiteURL)
	r.SiteName = strings.TrimSpace(r.SiteName)
}

func (r *licenseReq) versions() model.Versions {
	return model.Versions{
		Client:  strings.TrimSpace(r.ClientVersion),
		Runtime: strings.TrimSpace(r.RuntimeVersion),
	}
}

func bindLicenseReq(c echo.Context, needSite bool) (licenseReq, error) {
	var req licenseReq
	if err := bindJSON(c, &req); err != nil {
		return req, err
	}
	req.normalize(c)
	if req.LicenseKey == "" {
		return req, apperr.New(apperr.MissingCredential, "license key is required")
	}
	if needSite && req.SiteURL == "" {
		return req, apperr.New(apperr.InvalidInput, "site_url is required")
	}
	return req, nil
}

func activateHandler(lic *licensing.Service, cr *credits.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		req, err := bindLicenseReq(c, true)
		if err != nil {
			return err
		}

		res, err := lic.Activate(c.Request().Context(), licensing.ActivateRequest{
			Key:         req.LicenseKey,
			SiteURL:     req.SiteURL,
			SiteName:    req.SiteName,
			RequesterIP: middleware.ClientIP(c),
			Versions:    req.versions(),
		})
		if err != nil {
			return err
		}

		msg := "license activated"
		if res.Refreshed {
			msg = "license already active for this site"
		}
		return c.JSON(http.StatusOK, map[string]any{
			"success":    true,
			"message":    msg,
			"refreshed":  res.Refreshed,
			"license":    res.License,
			"activation": res.Activation,
			"credits":    cr.Info(res.License),
		})
	}
}

func deactivateHandler(lic *licensing.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		req, err := bindLicenseReq(c, true)
		if err != nil {
			return err
		}
		l, err := lic.Deactivate(c.Request().Context(), req.LicenseKey, req.SiteURL)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, map[string]any{
			"success": true,
			"message": "license deactivated",
			"license": l,
		})
	}
}

func validateHandler(lic *licensing.Service, cr *credits.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		req, err := bindLicenseReq(c, false)
		if err != nil {
			return err
		}
		res, err := lic.Validate(c.Request().Context(), req.LicenseKey, req.SiteURL)
		if err != nil {
			return err
		}
		body := map[string]any{
			"valid":   true,
			"license": res.License,
			"credits": cr.Info(res.License),
		}
		if req.SiteURL != "" {
			body["site_active"] = res.SiteActive
		}
		return c.JSON(http.StatusOK, body)
	}
}

func heartbeatHandler(lic *licensing.Service, cr *credits.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		req, err := bindLicenseReq(c, true)
		if err != nil {
			return err
		}
		l, err := lic.Heartbeat(c.Request().Context(), req.LicenseKey, req.SiteURL, req.versions())
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, map[string]any{
			"success": true,
			"license": l,
			"credits": cr.Info(l),
		})
	}
}

// licenseInfoHandler answers for licenses in any state so that clients can
// show why a key stopped working.
func licenseInfoHandler(lic *licensing.Service, cr *credits.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		key := middleware.KeyFromRequest(c)
		if key == "" {
			return apperr.New(apperr.MissingCredential, "license key is required")
		}
		ctx := c.Request().Context()
		l, err := lic.Lookup(ctx, key)
		if err != nil {
			return err
		}
		acts, err := lic.Activations(ctx, l.ID, true)
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
