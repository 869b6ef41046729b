package execution

import (
	"errors"
	"net/http"

	"morning-star-delivery/internal/models"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
)

// Handler handles HTTP requests for route execution.
type Handler struct {
	svc      ServiceInterface
	validate *validator.Validate
}

func NewHandler(svc ServiceInterface) *Handler {
	return &Handler{
		svc:      svc,
		validate: validator.New(),
	}
}

// RegisterRoutes mounts the driver-facing command surface.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/routes/today", h.GetTodayRoute)
	g.GET("/routes/:routeId", h.GetRoute)
	g.POST("/routes/:routeId/start", h.StartRoute)
	g.POST("/routes/:routeId/complete", h.CompleteRoute)
	g.POST("/routes/:routeId/stops/:stopId/advance", h.AdvanceStop)
	g.POST("/routes/:routeId/stops/:stopId/exception", h.ReportException)
	g.POST("/routes/:routeId/stops/:stopId/photo", h.AttachPhoto)
	g.GET("/sync/status", h.SyncStatus)
	g.POST("/sync/replay", h.Replay)
	g.POST("/sync/drain", h.Drain)
}

// respondError maps domain errors onto status codes. Precondition conflicts
// get their own status so the UI knows to refresh rather than retry.
func respondError(c echo.Context, err error, fallback string) error {
	var te *models.TransitionError
	switch {
	case errors.Is(err, models.ErrNotFound):
		return c.JSON(http.StatusNotFound, models.ErrorResponse{Message: "Route or stop not found"})
	case errors.Is(err, models.ErrForbidden):
		return c.JSON(http.StatusForbidden, models.ErrorResponse{Message: "Access denied"})
	case errors.As(err, &te):
		return c.JSON(http.StatusBadRequest, models.ErrorResponse{Message: te.Error()})
	case errors.Is(err, models.ErrPreconditionFailed):
		return c.JSON(http.StatusConflict, models.ErrorResponse{Message: "Stop was changed concurrently, refresh the route"})
	case errors.Is(err, models.ErrRouteNotInProgress):
		return c.JSON(http.StatusConflict, models.ErrorResponse{Message: "Route is not in progress"})
	case errors.Is(err, models.ErrRouteAlreadyStarted):
		return c.JSON(http.StatusConflict, models.ErrorResponse{Message: "Route has already been started"})
	case errors.Is(err, models.ErrRouteNotFinishable):
		return c.JSON(http.StatusConflict, models.ErrorResponse{Message: "Route still has unresolved stops"})
	case errors.Is(err, models.ErrNotesTooLong):
		return c.JSON(http.StatusBadRequest, models.ErrorResponse{Message: "Notes exceed the 500 character limit"})
	default:
		c.Logger().Error(fallback+": ", err)
		return c.JSON(http.StatusInternalServerError, models.ErrorResponse{Message: fallback})
	}
}

func driverID(c echo.Context) string {
	id, _ := c.Get("driverID").(string)
	return id
}

func (h *Handler) GetTodayRoute(c echo.Context) error {
	detail, err := h.svc.GetTodayRoute(c.Request().Context(), driverID(c))
	if err != nil {
		return respondError(c, err, "Failed to load today's route")
	}
	return c.JSON(http.StatusOK, detail)
}

func (h *Handler) GetRoute(c echo.Context) error {
	detail, err := h.svc.GetRoute(c.Request().Context(), driverID(c), c.Param("routeId"))
	if err != nil {
		return respondError(c, err, "Failed to load route")
	}
	return c.JSON(http.StatusOK, detail)
}

func (h *Handler) StartRoute(c echo.Context) error {
	detail, err := h.svc.StartRoute(c.Request().Context(), driverID(c), c.Param("routeId"))
	if err != nil {
		return respondError(c, err, "Failed to start route")
	}
	return c.JSON(http.StatusOK, detail)
}

func (h *Handler) CompleteRoute(c echo.Context) error {
	route, err := h.svc.CompleteRoute(c.Request().Context(), driverID(c), c.Param("routeId"))
	if err != nil {
		return respondError(c, err, "Failed to complete route")
	}
	return c.JSON(http.StatusOK, route)
}

func (h *Handler) AdvanceStop(c echo.Context) error {
	var req models.AdvanceStopRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, models.ErrorResponse{Message: "Invalid request body"})
	}
	if err := h.validate.Struct(req); err != nil {
		return c.JSON(http.StatusBadRequest, models.ErrorResponse{Message: "Validation failed: " + err.Error()})
	}

	result, err := h.svc.AdvanceStop(c.Request().Context(), driverID(c), c.Param("routeId"), c.Param("stopId"), req)
	if err != nil {
		return respondError(c, err, "Failed to advance stop")
	}
	// A queued action is still a success from the driver's point of view;
	// the Queued flag lets the UI show the pending-sync badge.
	status := http.StatusOK
	if result.Queued {
		status = http.StatusAccepted
	}
	return c.JSON(status, result)
}

func (h *Handler) ReportException(c echo.Context) error {
	var req models.ExceptionRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, models.ErrorResponse{Message: "Invalid request body"})
	}
	if err := h.validate.Struct(req); err != nil {
		return c.JSON(http.StatusBadRequest, models.ErrorResponse{Message: "Validation failed: " + err.Error()})
	}

	result, err := h.svc.ReportException(c.Request().Context(), driverID(c), c.Param("routeId"), c.Param("stopId"), req.Reason)
	if err != nil {
		return respondError(c, err, "Failed to report exception")
	}
	status := http.StatusOK
	if result.Queued {
		status = http.StatusAccepted
	}
	return c.JSON(status, result)
}

func (h *Handler) AttachPhoto(c echo.Context) error {
	var req models.PhotoRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, models.ErrorResponse{Message: "Invalid request body"})
	}
	if err := h.validate.Struct(req); err != nil {
		return c.JSON(http.StatusBadRequest, models.ErrorResponse{Message: "Validation failed: " + err.Error()})
	}

	stop, err := h.svc.AttachPhoto(c.Request().Context(), driverID(c), c.Param("routeId"), c.Param("stopId"), req.PhotoURL)
	if err != nil {
		return respondError(c, err, "Failed to attach photo")
	}
	return c.JSON(http.StatusOK, stop)
}

func (h *Handler) SyncStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, h.svc.SyncStatus())
}

func (h *Handler) Replay(c echo.Context) error {
	applied, err := h.svc.Replay(c.Request().Context())
	if err != nil {
		// Partial progress is still progress; report it with the error.
		return c.JSON(http.StatusServiceUnavailable, map[string]interface{}{
			"applied": applied,
			"error":   "replay stopped, remaining actions preserved",
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"applied": applied})
}

func (h *Handler) Drain(c echo.Context) error {
	if err := h.svc.Drain(c.Request().Context()); err != nil {
		return respondError(c, err, "Failed to drain queue")
	}
	return c.NoContent(http.StatusNoContent)
}
