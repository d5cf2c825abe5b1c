package websocket

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectedClients - открытые realtime-соединения
	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "tradebridge",
		Subsystem: "realtime",
		Name:      "connected_clients",
		Help:      "Currently connected realtime clients",
	})

	// EvictedClients - принудительно закрытые соединения
	EvictedClients = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradebridge",
		Subsystem: "realtime",
		Name:      "evicted_clients_total",
		Help:      "Realtime clients evicted by the hub",
	}, []string{"reason"}) // heartbeat, slow

	// MessagesSent - сообщения, поставленные в очередь клиентам
	MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradebridge",
		Subsystem: "realtime",
		Name:      "messages_sent_total",
		Help:      "Realtime messages queued to clients by type",
	}, []string{"type"})

	// MessagesDropped - сообщения, не доставленные из-за переполнения
	MessagesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tradebridge",
		Subsystem: "realtime",
		Name:      "messages_dropped_total",
		Help:      "Realtime messages dropped because a queue was full",
	})
)
