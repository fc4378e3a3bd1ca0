package notification

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/notify/internal/platform/auth"
	"github.com/ehr/notify/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/notifications", h.List)
	api.GET("/notifications/unread-count", h.UnreadCount)
	api.POST("/notifications/:id/read", h.MarkRead)
	api.POST("/notifications/:id/dismiss", h.Dismiss)
}

func currentUser(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusUnauthorized, "caller is not a user")
	}
	return id, nil
}

func (h *Handler) List(c echo.Context) error {
	userID, err := currentUser(c)
	if err != nil {
		return err
	}
	page := pagination.FromContext(c)
	filter := ListFilter{
		UnreadOnly: c.QueryParam("unread") == "true",
		Category:   Category(c.QueryParam("type")),
		Limit:      page.Limit,
		Offset:     page.Offset,
	}

	items, total, err := h.svc.ListForUser(c.Request().Context(), userID, filter)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if items == nil {
		items = []*Notification{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, page))
}

func (h *Handler) UnreadCount(c echo.Context) error {
	userID, err := currentUser(c)
	if err != nil {
		return err
	}
	count, err := h.svc.UnreadCount(c.Request().Context(), userID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "count unread notifications")
	}
	return c.JSON(http.StatusOK, map[string]int{"unread": count})
}

func (h *Handler) MarkRead(c echo.Context) error {
	return h.transition(c, h.svc.MarkRead)
}

func (h *Handler) Dismiss(c echo.Context) error {
	return h.transition(c, h.svc.Dismiss)
}

func (h *Handler) transition(c echo.Context, apply func(ctx context.Context, userID, id uuid.UUID) (*Notification, error)) error {
	userID, err := currentUser(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}

	n, err := apply(c.Request().Context(), userID, id)
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "notification not found")
	case errors.Is(err, ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, "update notification")
	}
	return c.JSON(http.StatusOK, n)
}
