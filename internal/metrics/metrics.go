// Package metrics provides Prometheus instrumentation for the escrow engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TicketsCreated counts tickets created, partitioned by type.
	TicketsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_tickets_created_total",
		Help: "Total number of trade tickets created",
	}, []string{"type"})

	// MatchAttempts counts findMatch calls by result (matched, none, gated).
	MatchAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_match_attempts_total",
		Help: "Match attempts by result",
	}, []string{"result"})

	// EscrowsOpened counts successful escrow creations.
	EscrowsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "escrow_escrows_opened_total",
		Help: "Escrow transactions opened",
	})

	// EscrowLatency tracks escrow transaction latency, including retries.
	EscrowLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "escrow_create_latency_seconds",
		Help:    "createEscrow latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// DisputeTransitions counts dispute status changes by target status.
	DisputeTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_dispute_transitions_total",
		Help: "Dispute status transitions",
	}, []string{"status"})

	// AlertsRaised counts violations recorded, whether they open an alert or
	// extend an open one.
	AlertsRaised = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_alerts_total",
		Help: "Monitoring alert violations by rule and severity",
	}, []string{"rule", "severity"})

	// RateLimitDecisions counts admission decisions.
	RateLimitDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_ratelimit_decisions_total",
		Help: "Rate limit decisions by operation and outcome",
	}, []string{"operation", "decision"})

	// RateLimitFallbacks counts requests served by the fallback backend.
	RateLimitFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "escrow_ratelimit_fallbacks_total",
		Help: "Rate limit checks that fell back to the document store",
	})

	// PaymentEvents counts accepted payment webhooks by normalized type.
	PaymentEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_payment_events_total",
		Help: "Payment gateway events received",
	}, []string{"type"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "escrow_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "escrow_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Route pattern keeps the path label low-cardinality.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				path = p
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
