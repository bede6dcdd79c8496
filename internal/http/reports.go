package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/jmehdipour/licensing-gateway/internal/apperr"
	"github.com/jmehdipour/licensing-gateway/internal/repository"
	echo "github.com/labstack/echo/v4"
)

const dayLayout = "2006-01-02"

// usageReportHandler serves daily usage from the ClickHouse mirror of the
// ledger stream. from/to are inclusive days; the default is the last 30.
func usageReportHandler(chRepo repository.CHUsageRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		if chRepo == nil {
			return apperr.New(apperr.NotFound, "usage reporting is not configured")
		}
		key := strings.TrimSpace(c.QueryParam("license_key"))
		if key == "" {
			return apperr.New(apperr.InvalidInput, "license_key is required")
		}

		to := time.Now().UTC().Truncate(24 * time.Hour)
		from := to.AddDate(0, 0, -30)
		var err error
		if v := c.QueryParam("from"); v != "" {
			if from, err = time.Parse(dayLayout, v); err != nil {
				return apperr.New(apperr.InvalidInput, "from must be YYYY-MM-DD")
			}
		}
		if v := c.QueryParam("to"); v != "" {
			if to, err = time.Parse(dayLayout, v); err != nil {
				return apperr.New(apperr.InvalidInput, "to must be YYYY-MM-DD")
			}
		}
		if to.Before(from) {
			return apperr.New(apperr.InvalidInput, "to is before from")
		}
		limit, _ := pageParams(c, 31, 366)

		rows, err := chRepo.DailyUsage(c.Request().Context(), key, from, to.AddDate(0, 0, 1), limit)
		if err != nil {
			c.Logger().Errorf("clickhouse usage query failed: %v", err)
			return err
		}
		return c.JSON(http.StatusOK, map[string]any{
			"license_key": key,
			"from":        from.Format(dayLayout),
			"to":          to.Format(dayLayout),
			"count":       len(rows),
			"results":     rows,
		})
	}
}
