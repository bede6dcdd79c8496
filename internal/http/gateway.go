package http

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/jmehdipour/licensing-gateway/internal/gateway"
	"github.com/jmehdipour/licensing-gateway/internal/service/licensing"
	echo "github.com/labstack/echo/v4"
)

func transcriptHandler(lic *licensing.Service, gw *gateway.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		l, err := usableLicense(c, lic)
		if err != nil {
			return err
		}
		var req gateway.Request
		if err := bindJSON(c, &req); err != nil {
			return err
		}
		res, err := gw.Transcript(c.Request().Context(), l, req)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, res)
	}
}

// downloadHandler serves the same transcript as a plain-text attachment.
func downloadHandler(lic *licensing.Service, gw *gateway.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		l, err := usableLicense(c, lic)
		if err != nil {
			return err
		}
		res, err := gw.Transcript(c.Request().Context(), l, gateway.Request{
			VideoID: c.QueryParam("video_id"),
			Mode:    strings.TrimSpace(c.QueryParam("mode")),
			Lang:    strings.TrimSpace(c.QueryParam("lang")),
		})
		if err != nil {
			return err
		}

		hdr := c.Response().Header()
		hdr.Set(echo.HeaderContentDisposition, fmt.Sprintf(`attachment; filename="%s-%s.txt"`, res.Transcript.VideoID, res.Transcript.Lang))
		hdr.Set("X-Cache", cacheHeader(res.CacheHit))
		hdr.Set("X-Credits-Remaining", strconv.FormatInt(res.CreditsRemaining, 10))
		return c.Blob(http.StatusOK, echo.MIMETextPlainCharsetUTF8, []byte(res.Transcript.Text))
	}
}

func cacheHeader(hit bool) string {
	if hit {
		return "HIT"
	}
	return "MISS"
}
