// Package metrics exposes prometheus collectors for the news and prediction
// pipelines plus the shared HTTP client.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"polyflux/internal/net/httpx"
)

// Set bundles every collector the process registers.
type Set struct {
	ProviderRequests *prometheus.CounterVec
	ProviderLatency  *prometheus.HistogramVec

	NewsCycles       *prometheus.CounterVec
	NewsCycleSeconds prometheus.Histogram
	ClustersCreated  prometheus.Counter
	ClustersMerged   prometheus.Counter
	AnomaliesFound   *prometheus.CounterVec

	TradesExecuted *prometheus.CounterVec
	TradeNotional  prometheus.Counter
	StopLossExits  prometheus.Counter
	PortfolioValue prometheus.Gauge
	OpenPositions  prometheus.Gauge
}

// New builds the Set and registers it on the given registerer.
func New(reg prometheus.Registerer) *Set {
	s := &Set{
		ProviderRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "polyflux_provider_requests_total",
			Help: "HTTP requests per upstream provider by status code.",
		}, []string{"provider", "status"}),
		ProviderLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "polyflux_provider_latency_seconds",
			Help:    "HTTP request latency per upstream provider.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),
		NewsCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "polyflux_news_cycles_total",
			Help: "News pipeline cycles by terminal step.",
		}, []string{"step"}),
		NewsCycleSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "polyflux_news_cycle_seconds",
			Help:    "Wall time of one news cycle.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
		}),
		ClustersCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "polyflux_clusters_created_total",
			Help: "Story clusters minted.",
		}),
		ClustersMerged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "polyflux_clusters_merged_total",
			Help: "Story clusters merged away.",
		}),
		AnomaliesFound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "polyflux_anomalies_total",
			Help: "Heat anomalies by type.",
		}, []string{"type"}),
		TradesExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "polyflux_trades_total",
			Help: "Executed trades by side.",
		}, []string{"side"}),
		TradeNotional: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "polyflux_trade_notional_usd_total",
			Help: "Gross traded notional in USD.",
		}),
		StopLossExits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "polyflux_stop_loss_exits_total",
			Help: "Positions closed by the stop-loss sweep.",
		}),
		PortfolioValue: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "polyflux_portfolio_value_usd",
			Help: "Current total portfolio value.",
		}),
		OpenPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "polyflux_open_positions",
			Help: "Number of open positions.",
		}),
	}

	reg.MustRegister(
		s.ProviderRequests, s.ProviderLatency,
		s.NewsCycles, s.NewsCycleSeconds, s.ClustersCreated, s.ClustersMerged, s.AnomaliesFound,
		s.TradesExecuted, s.TradeNotional, s.StopLossExits,
		s.PortfolioValue, s.OpenPositions,
	)
	return s
}

// HTTPInterceptor adapts the Set into the shared HTTP client's observe hook.
func (s *Set) HTTPInterceptor() httpx.Interceptor {
	return func(provider, _ string, status int, elapsed time.Duration, err error) {
		code := strconv.Itoa(status)
		if err != nil && status == 0 {
			code = "error"
		}
		s.ProviderRequests.WithLabelValues(provider, code).Inc()
		s.ProviderLatency.WithLabelValues(provider).Observe(elapsed.Seconds())
	}
}

// ObserveNewsCycle records one finished news cycle.
func (s *Set) ObserveNewsCycle(step string, elapsed time.Duration) {
	s.NewsCycles.WithLabelValues(step).Inc()
	s.NewsCycleSeconds.Observe(elapsed.Seconds())
}

// ObserveTrade records one executed trade.
func (s *Set) ObserveTrade(side string, notional float64) {
	s.TradesExecuted.WithLabelValues(side).Inc()
	s.TradeNotional.Add(notional)
}
