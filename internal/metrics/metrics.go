// Package metrics provides Prometheus instrumentation for the game server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TradesTotal counts executed trades, partitioned by side.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hedge_trades_total",
		Help: "Total number of trades executed",
	}, []string{"side"})

	// TradeRejections counts trades rejected before execution, by reason.
	TradeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hedge_trade_rejections_total",
		Help: "Trades rejected by admission checks",
	}, []string{"reason"})

	// PriceSnapshotsTotal counts recorded price snapshots.
	PriceSnapshotsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hedge_price_snapshots_total",
		Help: "Total number of price snapshots recorded",
	})

	// MatchmakingQueueDepth tracks players waiting in the matchmaking queue.
	MatchmakingQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hedge_matchmaking_queue_depth",
		Help: "Players currently waiting for a match",
	})

	// MatchesTotal counts successful matchmaking pairings.
	MatchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hedge_matches_total",
		Help: "Total number of matchmaking pairings",
	})

	// EventClients tracks connected lobby event WebSocket clients.
	EventClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hedge_event_clients",
		Help: "Number of connected lobby event clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hedge_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hedge_http_request_duration_seconds",
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

		path := r.URL.Path
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
