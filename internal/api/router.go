package api

import (
	"net/http"

	"morning-star-delivery/internal/modules/execution"
	"morning-star-delivery/internal/modules/schedule"
	"morning-star-delivery/internal/modules/tracking"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// NewRouter assembles the HTTP surface: health and the delivery window are
// public, everything else requires a driver token.
func NewRouter(
	jwtSecret string,
	executionHandler *execution.Handler,
	trackingHandler *tracking.Handler,
	scheduleHandler *schedule.Handler,
) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.Logger())

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/api/v1/delivery-window", scheduleHandler.GetDeliveryWindow)

	g := e.Group("/api/v1", JWTMiddleware(jwtSecret), DriverClaim)
	executionHandler.RegisterRoutes(g)
	trackingHandler.RegisterRoutes(g)

	return e
}
