// Package metrics provides Prometheus instrumentation for the Paylock platform.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paylock",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "paylock",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// DepositsTotal counts deposit creations by provider and initial outcome.
	DepositsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paylock",
			Name:      "deposits_total",
			Help:      "Total deposit transactions created, by provider and outcome.",
		},
		[]string{"provider", "outcome"},
	)

	// TransitionsTotal counts escrow state transitions.
	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paylock",
			Name:      "escrow_transitions_total",
			Help:      "Total escrow state transitions, labeled from->to.",
		},
		[]string{"from", "to"},
	)

	// PayoutsTotal counts provider payout attempts by result.
	PayoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paylock",
			Name:      "payouts_total",
			Help:      "Total provider payout attempts by result.",
		},
		[]string{"result"},
	)

	// WebhooksTotal counts inbound provider notifications by result.
	WebhooksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paylock",
			Name:      "provider_webhooks_total",
			Help:      "Total inbound provider webhook notifications by result.",
		},
		[]string{"result"},
	)

	// SweepChecksTotal counts reconciliation sweep status checks.
	SweepChecksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paylock",
		Name:      "sweep_checks_total",
		Help:      "Total transaction status checks performed by the polling sweep.",
	})

	// LedgerEntriesTotal counts wallet ledger entries by type.
	LedgerEntriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paylock",
			Name:      "ledger_entries_total",
			Help:      "Total wallet ledger entries appended, by type.",
		},
		[]string{"type"},
	)

	// RefundRequestsTotal counts two-phase refund flow events.
	RefundRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paylock",
			Name:      "refund_requests_total",
			Help:      "Total refund request flow events (requested, approved, rejected).",
		},
		[]string{"event"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "paylock",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paylock", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paylock", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paylock", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paylock", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		DepositsTotal,
		TransitionsTotal,
		PayoutsTotal,
		WebhooksTotal,
		SweepChecksTotal,
		LedgerEntriesTotal,
		RefundRequestsTotal,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// Middleware records request counts and latencies for every route.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		// Use the route pattern, not the raw path, to bound cardinality.
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		status := c.Writer.Status()
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, httpStatusClass(status)).Inc()
		HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

func httpStatusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

// Handler returns the /metrics endpoint handler.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// CollectDBStats periodically exports database pool statistics.
// Call in a goroutine; stops when ctx is cancelled.
func CollectDBStats(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}
