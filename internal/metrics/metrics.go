// Package metrics exposes the engine's prometheus collectors.
//
//   - engine_orders_placed_total{kind}      orders accepted by the venue (signal|manual|martingale)
//   - engine_orders_rejected_total{reason}  placements refused or failed
//   - engine_trade_results_total{result}    settled orders (win|loss|equal)
//   - engine_chains_resolved_total{outcome} martingale chains reaching a final outcome
//   - engine_signals_skipped_total{reason}  signals not executed
//   - engine_stop_loss_trips_total          stop-loss guards tripped
//   - engine_running_sessions               sessions with a running scheduler
//   - api_requests_total{method,route,code} HTTP requests served
//   - cache_redis_healthy                   1 while the redis breaker is closed
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	OrdersPlaced = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "engine_orders_placed_total", Help: "Orders accepted by the venue"},
		[]string{"kind"},
	)
	OrdersRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "engine_orders_rejected_total", Help: "Order placements refused or failed"},
		[]string{"reason"},
	)
	TradeResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "engine_trade_results_total", Help: "Settled orders by result"},
		[]string{"result"},
	)
	ChainsResolved = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "engine_chains_resolved_total", Help: "Martingale chains by final outcome"},
		[]string{"outcome"},
	)
	SignalsSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "engine_signals_skipped_total", Help: "Signals not executed"},
		[]string{"reason"},
	)
	StopLossTrips = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "engine_stop_loss_trips_total", Help: "Stop-loss guards tripped"},
	)
	RunningSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "engine_running_sessions", Help: "Sessions with a running scheduler"},
	)
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "api_requests_total", Help: "HTTP requests served"},
		[]string{"method", "route", "code"},
	)
	CacheHealthy = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "cache_redis_healthy", Help: "1 while redis is reachable, 0 while the breaker is open"},
	)
)

func init() {
	prometheus.MustRegister(
		OrdersPlaced,
		OrdersRejected,
		TradeResults,
		ChainsResolved,
		SignalsSkipped,
		StopLossTrips,
		RunningSessions,
		APIRequests,
		CacheHealthy,
	)
}

// Handler serves the default registry in the text exposition format
func Handler() http.Handler {
	return promhttp.Handler()
}
