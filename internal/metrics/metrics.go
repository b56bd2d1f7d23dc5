// Package metrics exposes the ledger's Prometheus metrics.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	eventsAppendedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_events_appended_total",
		Help: "Total events durably appended, by event type.",
	}, []string{"event_type"})

	writeRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_write_rejections_total",
		Help: "Total writes rejected, by reason.",
	}, []string{"reason"})

	verificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_startup_verifications_total",
		Help: "Startup verification runs, by mode and outcome.",
	}, []string{"mode", "outcome"})

	chainMismatchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_chain_mismatches_total",
		Help: "Hash chain verification failures detected.",
	})

	terminated = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_terminated",
		Help: "1 once the ledger has terminated.",
	})

	ledgerSequence = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_sequence",
		Help: "Sequence number of the most recently appended event.",
	})

	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// Write rejection reasons.
const (
	ReasonProhibited   = "event_type_prohibited"
	ReasonInvalidType  = "event_type_invalid"
	ReasonTerminated   = "terminated"
	ReasonHalted       = "halted"
	ReasonLeaseLost    = "lease_lost"
	ReasonNotVerified  = "not_verified"
	ReasonSignature    = "signature"
	ReasonWitness      = "witness_unavailable"
	ReasonStorage      = "storage"
	ReasonInvalidInput = "invalid_input"
)

// RecordAppend records a durable append.
func RecordAppend(eventType string, sequence uint64) {
	eventsAppendedTotal.WithLabelValues(eventType).Inc()
	ledgerSequence.Set(float64(sequence))
}

// RecordRejection records a write rejected for reason.
func RecordRejection(reason string) {
	writeRejectionsTotal.WithLabelValues(reason).Inc()
}

// RecordVerification records the outcome of a startup verification run.
func RecordVerification(mode, outcome string) {
	verificationsTotal.WithLabelValues(mode, outcome).Inc()
}

// RecordChainMismatch records a detected chain corruption.
func RecordChainMismatch() {
	chainMismatchesTotal.Inc()
}

// SetTerminated marks the ledger terminated.
func SetTerminated() {
	terminated.Set(1)
}

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		requestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		requestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// Handler returns a Gin handler that serves Prometheus metrics.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
