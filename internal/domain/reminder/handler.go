package reminder

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/notify/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the operator queries. Reminder configuration lives
// in the records API.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	ops := api.Group("/reminders", auth.RequireRole(auth.RoleAdmin))
	ops.GET("/unscheduled", h.ListUnscheduled)
	ops.GET("/:id", h.GetReminder)
}

func (h *Handler) ListUnscheduled(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	items, err := h.svc.ListUnscheduled(c.Request().Context(), limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "list unscheduled reminders")
	}
	if items == nil {
		items = []*Reminder{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"data":  items,
		"count": len(items),
	})
}

func (h *Handler) GetReminder(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	r, err := h.svc.Get(c.Request().Context(), id)
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "reminder not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "load reminder")
	}
	return c.JSON(http.StatusOK, r)
}
