package schedule

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// Handler exposes the delivery window to the ordering UI.
type Handler struct {
	calc *Calculator
	now  func() time.Time
}

func NewHandler(calc *Calculator) *Handler {
	return &Handler{calc: calc, now: time.Now}
}

func (h *Handler) GetDeliveryWindow(c echo.Context) error {
	return c.JSON(http.StatusOK, h.calc.Window(h.now()))
}
