// Package telemetry holds the process-wide Prometheus collectors.
package telemetry

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notify_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "notify_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	// LiveConnections is the number of registered socket connections.
	LiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "notify_live_connections",
		Help: "Live socket connections held by this replica",
	})
	// OnlineUsers is the number of users with at least one live connection.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "notify_online_users",
		Help: "Users with at least one live connection on this replica",
	})

	DeliveryTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notify_delivery_transitions_total",
			Help: "Applied delivery attempt transitions by channel and new status",
		},
		[]string{"channel", "status"},
	)
	DeliveryRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notify_delivery_retries_total",
			Help: "Delivery attempts requeued after a retryable failure",
		},
		[]string{"channel"},
	)
	ReportsIgnored = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notify_delivery_reports_ignored_total",
			Help: "Delivery reports absorbed without a state change",
		},
		[]string{"reason"},
	)

	ScanDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "notify_reminder_scan_duration_seconds",
		Help:    "Duration of one due-reminder scan",
		Buckets: prometheus.DefBuckets,
	})
	RemindersFired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notify_reminders_fired_total",
			Help: "Reminder firings by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal, httpRequestDuration,
		LiveConnections, OnlineUsers,
		DeliveryTransitions, DeliveryRetries, ReportsIgnored,
		ScanDuration, RemindersFired,
	)
}

// Middleware records request count and latency per route template.
func Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			path := c.Path()
			if path == "" {
				path = "unmatched"
			}
			labels := prometheus.Labels{
				"method": c.Request().Method,
				"path":   path,
				"status": strconv.Itoa(status),
			}
			httpRequestsTotal.With(labels).Inc()
			httpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler exposes the default registry.
func Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.Handler())
}
