// Package metrics provides Prometheus instrumentation for the paper engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TransitionsTotal counts position transitions by reason.
	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paper_transitions_total",
		Help: "Total position transitions, partitioned by reason",
	}, []string{"reason"})

	// PositionsCreated counts positions created, by side.
	PositionsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paper_positions_created_total",
		Help: "Total positions created",
	}, []string{"side"})

	// OpenPositions tracks live (opening or open) positions.
	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "paper_open_positions",
		Help: "Number of live positions",
	})

	// TickLatency tracks evaluate-tick duration per symbol batch.
	TickLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "paper_tick_latency_seconds",
		Help:    "Tick evaluation latency in seconds",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
	})

	// RejectedTicks counts ticks rejected before any state change, by cause.
	RejectedTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paper_rejected_ticks_total",
		Help: "Ticks rejected by the engine",
	}, []string{"cause"})

	// Rejections counts failed position creations by cause.
	Rejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paper_create_rejections_total",
		Help: "Position creations rejected by validation",
	}, []string{"cause"})

	// FundingSettlements counts funding periods applied, per side.
	FundingSettlements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paper_funding_settlements_total",
		Help: "Funding settlements applied",
	}, []string{"side"})

	// LedgerErrors counts failed ledger writes.
	LedgerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paper_ledger_errors_total",
		Help: "Ledger writes that failed",
	}, []string{"kind"})

	// AdapterErrors counts price feed and signal source failures. Each is
	// treated as a missed tick.
	AdapterErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paper_adapter_errors_total",
		Help: "Failed adapter calls (treated as no tick)",
	}, []string{"adapter"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "paper_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paper_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "paper_http_request_duration_seconds",
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

		// Use the route pattern for the path label to avoid one series per ID.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
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

// Hijack lets the websocket upgrade pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
