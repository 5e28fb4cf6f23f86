// Package metrics provides Prometheus instrumentation for the escrow service.
package metrics

import (
	"database/sql"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path pattern, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ojamart",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ojamart",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// SettlementTransitionsTotal counts escrow state transitions by kind.
	SettlementTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ojamart",
			Name:      "settlement_transitions_total",
			Help:      "Total escrow order state transitions by transition name.",
		},
		[]string{"transition"},
	)

	// GatewayWebhooksTotal counts inbound Paystack webhook outcomes.
	GatewayWebhooksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ojamart",
			Name:      "gateway_webhooks_total",
			Help:      "Inbound payment gateway webhooks by outcome.",
		},
		[]string{"outcome"},
	)

	// AmountMismatchesTotal counts payment confirmations refused for amount mismatch.
	AmountMismatchesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ojamart",
			Name:      "amount_mismatches_total",
			Help:      "Payment confirmations refused because paid amount != order total.",
		},
	)

	// ExpiredOrdersTotal counts orders expired by the sweep.
	ExpiredOrdersTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ojamart",
			Name:      "expired_orders_total",
			Help:      "Unpaid escrow orders force-expired by the sweep.",
		},
	)

	// NotificationDeliveriesTotal counts outbound notification attempts by result.
	NotificationDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ojamart",
			Name:      "notification_deliveries_total",
			Help:      "Outbound webhook notification deliveries by result.",
		},
		[]string{"result"},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ojamart", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ojamart", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		SettlementTransitionsTotal,
		GatewayWebhooksTotal,
		AmountMismatchesTotal,
		ExpiredOrdersTotal,
		NotificationDeliveriesTotal,
		DBOpenConnections,
		DBInUseConnections,
	)
}

// Middleware records request counts and latency per route pattern.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		method := c.Request.Method

		HTTPRequestsTotal.WithLabelValues(method, path, statusLabel(c.Writer.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}

func statusLabel(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
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

// UpdateDBStats copies connection pool stats into gauges. Call periodically.
func UpdateDBStats(db *sql.DB) {
	if db == nil {
		return
	}
	stats := db.Stats()
	DBOpenConnections.Set(float64(stats.OpenConnections))
	DBInUseConnections.Set(float64(stats.InUse))
}
