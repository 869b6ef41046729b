package tracking

import (
	"net/http"
	"time"

	"morning-star-delivery/internal/models"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
)

// Handler receives device position uploads and feeds them to the tracker.
type Handler struct {
	feed     *SampleFeed
	tracker  *Tracker
	validate *validator.Validate
}

func NewHandler(feed *SampleFeed, tracker *Tracker) *Handler {
	return &Handler{
		feed:     feed,
		tracker:  tracker,
		validate: validator.New(),
	}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/location", h.PostLocation)
	g.POST("/location/error", h.PostLocationError)
	g.GET("/location/sync", h.GetSyncInfo)
}

// PostLocation accepts one position fix from the device. The fix always
// updates local observable state; whether it reaches the fleet backend is
// the throttle's business.
func (h *Handler) PostLocation(c echo.Context) error {
	var req models.LocationRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, models.ErrorResponse{Message: "Invalid request body"})
	}
	if err := h.validate.Struct(req); err != nil {
		return c.JSON(http.StatusBadRequest, models.ErrorResponse{Message: "Validation failed: " + err.Error()})
	}
	if req.RecordedAt.IsZero() {
		req.RecordedAt = time.Now()
	}

	h.feed.Push(models.LocationSample{
		Latitude:   req.Latitude,
		Longitude:  req.Longitude,
		Accuracy:   req.Accuracy,
		Heading:    req.Heading,
		Speed:      req.Speed,
		RecordedAt: req.RecordedAt,
	})
	return c.NoContent(http.StatusAccepted)
}

// locationErrorRequest reports a device-level geolocation failure.
type locationErrorRequest struct {
	Code    string `json:"code" validate:"required,oneof=permission_denied position_unavailable timeout"`
	Message string `json:"message,omitempty" validate:"max=500"`
}

func (h *Handler) PostLocationError(c echo.Context) error {
	var req locationErrorRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, models.ErrorResponse{Message: "Invalid request body"})
	}
	if err := h.validate.Struct(req); err != nil {
		return c.JSON(http.StatusBadRequest, models.ErrorResponse{Message: "Validation failed: " + err.Error()})
	}

	h.feed.Fail(GeoErrorCode(req.Code), req.Message)
	return c.NoContent(http.StatusAccepted)
}

// GetSyncInfo reports when the fleet backend last acknowledged a fix.
func (h *Handler) GetSyncInfo(c echo.Context) error {
	last := h.tracker.LastServerSync()
	resp := map[string]interface{}{"last_server_sync": nil}
	if !last.IsZero() {
		resp["last_server_sync"] = last
	}
	return c.JSON(http.StatusOK, resp)
}
