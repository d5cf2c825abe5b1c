package bot

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ============================================================
// Prometheus метрики ордерного пути
// ============================================================

// OrderSubmissions - отправки ордеров по исходу
var OrderSubmissions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tradebridge",
		Subsystem: "orders",
		Name:      "submissions_total",
		Help:      "Order submissions by outcome",
	},
	[]string{"outcome"}, // accepted, rejected, risk_denied, not_connected, no_account, error
)

// RiskDenials - отказы риск-контроля по причине
var RiskDenials = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tradebridge",
		Subsystem: "risk",
		Name:      "denials_total",
		Help:      "Orders denied by the risk gate, by reason",
	},
	[]string{"reason"},
)

// OrderLatency - время от запроса до ответа брокера
var OrderLatency = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "tradebridge",
		Subsystem: "orders",
		Name:      "latency_ms",
		Help:      "Broker order placement latency in milliseconds",
		Buckets:   []float64{50, 100, 200, 300, 500, 1000, 2000, 5000, 15000},
	},
)
