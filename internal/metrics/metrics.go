// Package metrics provides Prometheus instrumentation for the fCash engine.
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
	// TradesTotal counts executed trades by currency and direction
	// (lend or borrow).
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fcash_trades_total",
		Help: "Total number of trades executed",
	}, []string{"currency", "direction"})

	// TradeLatency tracks trade execution latency, including persistence.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fcash_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"direction"})

	// TradeRejections counts trades the curve or the limits refused.
	TradeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fcash_trade_rejections_total",
		Help: "Trades rejected, by reason",
	}, []string{"reason"})

	// MarketImpliedRate is the last implied rate of each market.
	MarketImpliedRate = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fcash_market_implied_rate",
		Help: "Last implied annualized rate per market",
	}, []string{"currency", "maturity"})

	// ActiveMarkets tracks the number of initialized, unmatured markets.
	ActiveMarkets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fcash_active_markets",
		Help: "Number of initialized, unmatured markets",
	})

	// LiquidityEvents counts liquidity additions, removals and market
	// initializations.
	LiquidityEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fcash_liquidity_events_total",
		Help: "Liquidity events, by action",
	}, []string{"action"})

	// LiquidationsTotal counts executed liquidations by kind.
	LiquidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fcash_liquidations_total",
		Help: "Liquidations executed, by kind",
	}, []string{"kind"})

	// FreeCollateralChecks counts free collateral evaluations by outcome.
	FreeCollateralChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fcash_free_collateral_checks_total",
		Help: "Free collateral evaluations, by outcome",
	}, []string{"outcome"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fcash_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fcash_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fcash_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})

	// PositionLimitRejections counts trades rejected by the position limiter.
	PositionLimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fcash_position_limit_rejections_total",
		Help: "Trades rejected by position limiter",
	})
)

// Outcome labels for FreeCollateralChecks.
const (
	OutcomeSolvent   = "solvent"
	OutcomeInsolvent = "insolvent"
	OutcomeError     = "error"
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

		path := routePattern(r)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// routePattern returns the matched chi route so account and currency ids
// do not become label values.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
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

// Hijack lets the websocket upgrader take over the connection through the
// wrapper.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
