package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// Health reports liveness.  degraded is true when the service runs on the
// in-memory demo store.
func Health(degraded bool) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, echo.Map{"status": "ok", "degraded": degraded})
	}
}
