// Package websocket реализует realtime-канал для наблюдателей:
// сигналы, их изменения и уведомления о котировках с фильтрацией по подписке.
package websocket

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"tradebridge/internal/models"
	"tradebridge/pkg/utils"
)

// Config - параметры hub'а
type Config struct {
	// HeartbeatInterval - период проверки живости соединений
	HeartbeatInterval time.Duration
	// HeartbeatTimeout - соединение без сигналов дольше этого закрывается
	HeartbeatTimeout time.Duration
	// PingPeriod - период ping от сервера (должен быть меньше HeartbeatTimeout)
	PingPeriod time.Duration
	WriteWait  time.Duration

	// SendBuffer - размер очереди исходящих сообщений клиента
	SendBuffer int
	// MaxMessageSize - лимит размера входящего сообщения
	MaxMessageSize int64

	// InboundRate/InboundBurst - лимит входящих сообщений на соединение
	InboundRate  float64
	InboundBurst float64

	// AllowedOrigins - пусто или "*" означает любые origin
	AllowedOrigins []string
}

// DefaultConfig возвращает параметры по умолчанию
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  60 * time.Second,
		PingPeriod:        25 * time.Second,
		WriteWait:         10 * time.Second,
		SendBuffer:        256,
		MaxMessageSize:    64 * 1024,
		InboundRate:       10,
		InboundBurst:      20,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.HeartbeatTimeout {
		c.PingPeriod = c.HeartbeatTimeout * 9 / 20
	}
	if c.WriteWait <= 0 {
		c.WriteWait = def.WriteWait
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = def.SendBuffer
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = def.MaxMessageSize
	}
	if c.InboundRate <= 0 {
		c.InboundRate = def.InboundRate
	}
	if c.InboundBurst <= 0 {
		c.InboundBurst = def.InboundBurst
	}
}

// outbound - подготовленное сообщение рассылки
type outbound struct {
	msgType MessageType
	event   Event
	data    []byte
}

// Hub управляет всеми активными realtime-соединениями
//
// Регистрация, отмена регистрации и рассылка идут через каналы
// в цикле Run. Рассылка копирует список клиентов под коротким RLock
// и отправляет без блокировки; клиент с переполненной очередью
// отключается, остальные получают сообщение.
//
// Hub не хранит и не повторяет события: соединение, которое не было
// открыто в момент рассылки, событие пропускает.
//
// Использование:
//
//	hub := NewHub(cfg, logger)
//	go hub.Run()
//	router.HandleFunc("/ws/stream", hub.ServeWS)
//	hub.BroadcastSignal(sig)
type Hub struct {
	cfg    Config
	logger *zap.Logger

	clients map[*Client]struct{}
	mu      sync.RWMutex

	register   chan *Client
	unregister chan *Client
	broadcast  chan outbound

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	dropped atomic.Int64

	upgrader websocket.Upgrader
	now      func() time.Time
}

// NewHub создает hub; Run нужно запустить отдельно
func NewHub(cfg Config, logger *zap.Logger) *Hub {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	origins := NewOriginChecker(cfg.AllowedOrigins)

	return &Hub{
		cfg:        cfg,
		logger:     logger.With(utils.Component("realtime")),
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan outbound, 256),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return origins.Check(r.Header.Get("Origin"))
			},
		},
		now: time.Now,
	}
}

// Run запускает главный цикл hub'а до вызова Stop
func (h *Hub) Run() {
	defer close(h.done)

	sweep := time.NewTicker(h.cfg.HeartbeatInterval)
	defer sweep.Stop()

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			ConnectedClients.Set(float64(total))
			h.logger.Debug("client connected",
				utils.ConnectionID(client.id),
				utils.Int("total", total))

		case client := <-h.unregister:
			if h.removeClient(client) {
				h.logger.Debug("client disconnected",
					utils.ConnectionID(client.id),
					utils.Int("total", h.ClientCount()))
			}

		case msg := <-h.broadcast:
			h.deliver(msg)

		case <-sweep.C:
			h.sweep()

		case <-h.stop:
			h.mu.Lock()
			clients := make([]*Client, 0, len(h.clients))
			for c := range h.clients {
				clients = append(clients, c)
			}
			h.clients = make(map[*Client]struct{})
			h.mu.Unlock()

			for _, c := range clients {
				c.close()
				c.closeConn()
			}
			ConnectedClients.Set(0)
			return
		}
	}
}

// Stop останавливает цикл и закрывает все соединения
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
	<-h.done
}

// deliver рассылает сообщение подходящим клиентам
func (h *Hub) deliver(msg outbound) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	var slow []*Client
	for _, c := range clients {
		if !ShouldDeliver(c.Subscription(), msg.event) {
			continue
		}
		if !c.enqueue(msg.data) {
			slow = append(slow, c)
			continue
		}
		MessagesSent.WithLabelValues(string(msg.msgType)).Inc()
	}

	for _, c := range slow {
		h.dropped.Add(1)
		MessagesDropped.Inc()
		if h.removeClient(c) {
			c.closeConn()
			EvictedClients.WithLabelValues("slow").Inc()
			h.logger.Warn("evicted slow client",
				utils.ConnectionID(c.id),
				utils.String("type", string(msg.msgType)))
		}
	}
}

// sweep закрывает соединения без сигналов живости дольше HeartbeatTimeout
func (h *Hub) sweep() {
	cutoff := h.now().Add(-h.cfg.HeartbeatTimeout)

	h.mu.RLock()
	var stale []*Client
	for c := range h.clients {
		if c.LastSeen().Before(cutoff) {
			stale = append(stale, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range stale {
		if h.removeClient(c) {
			c.closeConn()
			EvictedClients.WithLabelValues("heartbeat").Inc()
			h.logger.Info("evicted stale client",
				utils.ConnectionID(c.id),
				utils.Any("last_seen", c.LastSeen()))
		}
	}
}

// removeClient удаляет клиента из реестра и закрывает его очередь
func (h *Hub) removeClient(c *Client) bool {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
	}
	total := len(h.clients)
	h.mu.Unlock()

	if ok {
		c.close()
		ConnectedClients.Set(float64(total))
	}
	return ok
}

func (h *Hub) publish(t MessageType, ev Event, payload interface{}) {
	data, err := encodeMessage(t, payload)
	if err != nil {
		h.logger.Error("failed to encode realtime message",
			utils.String("type", string(t)), utils.Err(err))
		return
	}

	select {
	case h.broadcast <- outbound{msgType: t, event: ev, data: data}:
	case <-h.stop:
	default:
		h.dropped.Add(1)
		MessagesDropped.Inc()
		h.logger.Warn("broadcast queue full, message dropped", utils.String("type", string(t)))
	}
}

// BroadcastSignal рассылает новый сигнал
func (h *Hub) BroadcastSignal(sig *models.Signal) {
	if sig == nil {
		return
	}
	h.publish(MessageTypeSignal, Event{
		Kind:       EventSignal,
		Symbol:     sig.Symbol,
		StrategyID: sig.StrategyID,
	}, sig)
}

// BroadcastSignalUpdate рассылает изменение полей сигнала
func (h *Hub) BroadcastSignalUpdate(sig *models.Signal, changes map[string]interface{}) {
	if sig == nil {
		return
	}
	h.publish(MessageTypeSignalUpdate, Event{
		Kind:       EventSignal,
		Symbol:     sig.Symbol,
		StrategyID: sig.StrategyID,
	}, &SignalUpdatePayload{ID: sig.ID, Changes: changes})
}

// BroadcastMarketData уведомляет об обновлении котировок символов
func (h *Hub) BroadcastMarketData(symbols []string, quotes []models.Quote) {
	symbols = utils.NormalizeSymbols(symbols)
	if len(symbols) == 0 {
		return
	}
	h.publish(MessageTypeMarketData, Event{
		Kind:    EventMarket,
		Symbols: symbols,
	}, &MarketDataPayload{Symbols: symbols, Quotes: quotes})
}

// ClientCount возвращает количество подключенных клиентов
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// DroppedMessages - сообщения, не доставленные из-за переполненных очередей
func (h *Hub) DroppedMessages() int64 {
	return h.dropped.Load()
}

// ServeWS апгрейдит HTTP-соединение и регистрирует клиента
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", utils.Err(err))
		return
	}

	client := newClient(h, conn, ulid.Make().String())
	client.send(MessageTypeConnected, &ConnectedPayload{ClientID: client.id})

	select {
	case h.register <- client:
	case <-h.stop:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (h *Hub) unregisterClient(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.stop:
	}
}
