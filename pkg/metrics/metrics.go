package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// OrdersPlaced counts accepted orders by side (bid/ask)
var OrdersPlaced = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tradecore_orders_placed_total",
		Help: "Total number of orders accepted by the matching engine",
	},
	[]string{"side"},
)

// OrdersRejected counts rejected orders by reason (validation/insufficient_funds/transaction)
var OrdersRejected = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tradecore_orders_rejected_total",
		Help: "Total number of orders rejected before or during matching",
	},
	[]string{"reason"},
)

// TradesExecuted counts executed fills
var TradesExecuted = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "tradecore_trades_executed_total",
		Help: "Total number of trades produced by the matching engine",
	},
)

// MatchLatency records latency distribution for the place-order transaction
var MatchLatency = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "tradecore_match_latency_seconds",
		Help:    "Latency in seconds of the full place-order transaction",
		Buckets: prometheus.DefBuckets,
	},
)

// Book cache health
var (
	CacheSyncFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tradecore_book_cache_sync_failures_total",
			Help: "Number of book cache updates that exhausted all retries",
		},
	)

	CacheRebuilds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradecore_book_cache_rebuilds_total",
			Help: "Number of per-market book cache rebuilds by trigger",
		},
		[]string{"trigger"},
	)
)

func init() {
	prometheus.MustRegister(OrdersPlaced, OrdersRejected, TradesExecuted, MatchLatency)
	prometheus.MustRegister(CacheSyncFailures, CacheRebuilds)
}
