package broker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// UpstreamRequests - запросы к брокеру по операциям и исходу
	UpstreamRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tradebridge",
			Subsystem: "broker",
			Name:      "requests_total",
			Help:      "Total broker REST requests by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	// UpstreamLatency - задержка запросов к брокеру
	UpstreamLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tradebridge",
			Subsystem: "broker",
			Name:      "request_duration_seconds",
			Help:      "Broker REST request latency",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 15},
		},
		[]string{"operation"},
	)

	// TokenRefreshes - попытки обновления access токена
	TokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tradebridge",
			Subsystem: "broker",
			Name:      "token_refreshes_total",
			Help:      "Access token refresh attempts by outcome",
		},
		[]string{"outcome"},
	)

	// QuoteSkips - символы, пропущенные при получении котировок
	QuoteSkips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tradebridge",
			Subsystem: "broker",
			Name:      "quote_skips_total",
			Help:      "Symbols skipped while fetching quotes, by reason",
		},
		[]string{"reason"},
	)
)
