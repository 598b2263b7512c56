// Package metrics provides Prometheus instrumentation for the energy engine.
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
	// TradesTotal counts settled trades, partitioned by marketplace model.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "energy_trades_total",
		Help: "Total number of settled trades",
	}, []string{"model"})

	// TradeRejections counts settlement attempts rejected by validation or
	// concurrency conflicts.
	TradeRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "energy_trade_rejections_total",
		Help: "Settlements rejected by validation or lost races",
	})

	// PriceSyncs counts pricing refresh attempts by outcome.
	PriceSyncs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "energy_price_syncs_total",
		Help: "Pricing engine refresh attempts",
	}, []string{"result"})

	// SystemPrice tracks the current active price per kWh.
	SystemPrice = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "energy_system_price",
		Help: "Active system price per kWh",
	})

	// SimulationTicks counts completed simulation clock ticks.
	SimulationTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "energy_simulation_ticks_total",
		Help: "Completed simulation clock ticks",
	})

	// SimulationTickDuration tracks how long a full tick over all accounts takes.
	SimulationTickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "energy_simulation_tick_seconds",
		Help:    "Duration of a full simulation tick in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// SimulationAccountErrors counts per-account failures isolated during a tick.
	SimulationAccountErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "energy_simulation_account_errors_total",
		Help: "Per-account simulation failures (tick continues)",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "energy_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "energy_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "energy_http_request_duration_seconds",
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

		// Use the raw path for the label; route cardinality is small here.
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
