package db

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// Check probes one backing service.
type Check func(ctx context.Context) error

// PoolCheck pings the database pool.
func PoolCheck(pool *pgxpool.Pool) Check {
	return func(ctx context.Context) error { return pool.Ping(ctx) }
}

type componentHealth struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// HealthHandler runs every named check with a shared timeout. Any failure
// turns the response into 503.
func HealthHandler(checks map[string]Check) echo.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		code := http.StatusOK
		status := "healthy"
		components := make([]componentHealth, 0, len(names))
		for _, name := range names {
			h := componentHealth{Name: name, Status: "healthy"}
			if err := checks[name](ctx); err != nil {
				h.Status = "unhealthy"
				h.Error = err.Error()
				code = http.StatusServiceUnavailable
				status = "unhealthy"
			}
			components = append(components, h)
		}

		return c.JSON(code, map[string]interface{}{
			"status":     status,
			"components": components,
		})
	}
}
