package websocket

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"tradebridge/pkg/ratelimit"
	"tradebridge/pkg/utils"
)

// OriginChecker проверяет Origin за O(1)
// Потокобезопасен для чтения после создания
type OriginChecker struct {
	allowed  map[string]struct{}
	allowAll bool
}

// NewOriginChecker создает проверку; пустой список или "*" разрешают всё
func NewOriginChecker(origins []string) *OriginChecker {
	oc := &OriginChecker{allowed: make(map[string]struct{})}
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o == "*" {
			oc.allowAll = true
		}
		if o != "" {
			oc.allowed[o] = struct{}{}
		}
	}
	if len(oc.allowed) == 0 {
		oc.allowAll = true
	}
	return oc
}

// Check проверяет origin
func (oc *OriginChecker) Check(origin string) bool {
	if origin == "" || oc.allowAll {
		return true // не браузерные клиенты приходят без Origin
	}
	_, ok := oc.allowed[origin]
	return ok
}

// Client - одно realtime-соединение
//
// У каждого клиента две горутины: readPump разбирает команды
// (subscribe, unsubscribe, ping), writePump пишет очередь и шлет ping.
// Очередь закрывается только hub'ом через close().
type Client struct {
	id     string
	hub    *Hub
	conn   *websocket.Conn
	logger *zap.Logger

	queue  chan []byte
	mu     sync.Mutex // защищает queue от записи после закрытия
	closed bool

	sub      atomic.Pointer[Subscription]
	lastSeen atomic.Int64 // unix nano

	limiter *ratelimit.TokenBucket
}

func newClient(h *Hub, conn *websocket.Conn, id string) *Client {
	c := &Client{
		id:      id,
		hub:     h,
		conn:    conn,
		logger:  h.logger.With(utils.ConnectionID(id)),
		queue:   make(chan []byte, h.cfg.SendBuffer),
		limiter: ratelimit.NewTokenBucket(h.cfg.InboundRate, h.cfg.InboundBurst),
	}
	c.sub.Store(DefaultSubscription())
	c.touch()
	return c
}

// ID возвращает идентификатор соединения
func (c *Client) ID() string { return c.id }

// Subscription возвращает текущую подписку
func (c *Client) Subscription() *Subscription { return c.sub.Load() }

// LastSeen - время последнего сигнала живости
func (c *Client) LastSeen() time.Time { return time.Unix(0, c.lastSeen.Load()) }

func (c *Client) touch() { c.lastSeen.Store(c.hub.now().UnixNano()) }

// enqueue кладет сообщение в очередь без блокировки
// false - очередь переполнена или закрыта
func (c *Client) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.queue <- data:
		return true
	default:
		return false
	}
}

// send отправляет ответ только этому клиенту
func (c *Client) send(t MessageType, payload interface{}) {
	data, err := encodeMessage(t, payload)
	if err != nil {
		c.logger.Error("failed to encode reply", utils.String("type", string(t)), utils.Err(err))
		return
	}
	if !c.enqueue(data) {
		c.logger.Warn("reply dropped", utils.String("type", string(t)))
		return
	}
	MessagesSent.WithLabelValues(string(t)).Inc()
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.queue)
	}
}

func (c *Client) closeConn() {
	if c.conn != nil {
		c.conn.Close()
	}
}

// readPump читает команды клиента до ошибки соединения
func (c *Client) readPump() {
	defer func() {
		c.hub.unregisterClient(c)
		c.closeConn()
	}()

	c.conn.SetReadLimit(c.hub.cfg.MaxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read error", utils.Err(err))
			}
			return
		}
		c.touch()

		if !c.limiter.Allow() {
			c.send(MessageTypeError, &ErrorPayload{Message: "rate limit exceeded"})
			continue
		}
		c.handleMessage(raw)
	}
}

// handleMessage разбирает одну команду
func (c *Client) handleMessage(raw []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Type == "" {
		c.send(MessageTypeError, &ErrorPayload{Message: "invalid message format"})
		return
	}

	switch msg.Type {
	case MessageTypeSubscribe:
		var req subscribeRequest
		if len(msg.Payload) > 0 {
			if err := json.Unmarshal(msg.Payload, &req); err != nil {
				c.send(MessageTypeError, &ErrorPayload{Message: "invalid subscribe payload"})
				return
			}
		}
		sub, err := NewSubscription(req.Type, req.Symbols, req.Strategies)
		if err != nil {
			c.send(MessageTypeError, &ErrorPayload{Message: err.Error()})
			return
		}
		c.sub.Store(sub)
		c.send(MessageTypeSubscriptionConfirmed, sub)
		c.logger.Debug("subscription replaced",
			utils.String("type", string(sub.Type)),
			utils.Int("symbols", len(sub.Symbols)),
			utils.Int("strategies", len(sub.Strategies)))

	case MessageTypeUnsubscribe:
		sub := DefaultSubscription()
		c.sub.Store(sub)
		c.send(MessageTypeSubscriptionConfirmed, sub)

	case MessageTypePing:
		c.send(MessageTypePong, nil)

	default:
		c.send(MessageTypeError, &ErrorPayload{Message: "unknown message type: " + string(msg.Type)})
	}
}

// writePump пишет очередь в соединение и шлет ping
func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConn()
	}()

	wait := c.hub.cfg.WriteWait

	for {
		select {
		case message, ok := <-c.queue:
			c.conn.SetWriteDeadline(time.Now().Add(wait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("websocket write failed", utils.Err(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
