// Package metrics exposes the prometheus collectors updated by the trading engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	BarsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "bars_total", Help: "Bars received from the feed"},
		[]string{"symbol"},
	)
	SignalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "signals_total", Help: "Signals produced by the signal engine"},
		[]string{"symbol", "signal"},
	)
	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "orders_total", Help: "Orders attempted, by outcome"},
		[]string{"symbol", "side", "result"},
	)
	OpenPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "open_positions", Help: "Positions currently tracked by the ledger"},
	)
	ReconcileDriftTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "reconcile_drift_total", Help: "Ledger corrections applied during reconciliation"},
		[]string{"kind"},
	)
	LiquidationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "liquidations_total", Help: "Forced liquidation attempts"},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(BarsTotal, SignalsTotal, OrdersTotal, OpenPositions, ReconcileDriftTotal, LiquidationsTotal)
}

// Serve starts a /metrics endpoint in the background. The caller owns shutdown.
func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
