package delivery

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/notify/internal/platform/auth"
)

type Handler struct {
	tracker *Tracker
}

func NewHandler(tracker *Tracker) *Handler {
	return &Handler{tracker: tracker}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/deliveries/report", h.Report, auth.RequireRole(auth.RoleWorker))
	api.GET("/notifications/:id/deliveries", h.Deliveries, auth.RequireRole(auth.RoleAdmin))
}

// Report accepts a callback from an out-of-process channel worker. Ignored
// reports still answer 200 with the reason.
func (h *Handler) Report(c echo.Context) error {
	var r Report
	if err := c.Bind(&r); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	result, err := h.tracker.Report(c.Request().Context(), r)
	switch {
	case errors.Is(err, ErrInvalidReport):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "delivery attempt not found")
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, "apply delivery report")
	}
	return c.JSON(http.StatusOK, result)
}

func (h *Handler) Deliveries(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()
	attempts, err := h.tracker.Attempts(ctx, id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "list delivery attempts")
	}
	audit, err := h.tracker.AuditTrail(ctx, id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "list delivery audit")
	}
	if attempts == nil {
		attempts = []*Attempt{}
	}
	if audit == nil {
		audit = []*AuditEntry{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"attempts": attempts,
		"audit":    audit,
	})
}
