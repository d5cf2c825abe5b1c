package websocket

import (
	"time"

	jsoniter "github.com/json-iterator/go"

	"tradebridge/internal/models"
	"tradebridge/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// MessageType - тип сообщения realtime-канала
type MessageType string

// Исходящие сообщения
const (
	MessageTypeConnected             MessageType = "connected"
	MessageTypeSubscriptionConfirmed MessageType = "subscription_confirmed"
	MessageTypePong                  MessageType = "pong"
	MessageTypeError                 MessageType = "error"
	MessageTypeSignal                MessageType = "signal"
	MessageTypeSignalUpdate          MessageType = "signal_update"
	MessageTypeMarketData            MessageType = "market_data"
)

// Входящие сообщения
const (
	MessageTypeSubscribe   MessageType = "subscribe"
	MessageTypeUnsubscribe MessageType = "unsubscribe"
	MessageTypePing        MessageType = "ping"
)

// Envelope - общий формат сообщения {type, payload, timestamp}
type Envelope struct {
	Type      MessageType `json:"type"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// inboundMessage - сообщение от клиента, payload разбирается по типу
type inboundMessage struct {
	Type    MessageType         `json:"type"`
	Payload jsoniter.RawMessage `json:"payload,omitempty"`
}

// ConnectedPayload отправляется сразу после открытия соединения
type ConnectedPayload struct {
	ClientID string `json:"clientId"`
}

// SignalUpdatePayload - изменение полей сигнала
//
// Применение changes поверх ранее полученного signal дает актуальную запись.
type SignalUpdatePayload struct {
	ID      string                 `json:"id"`
	Changes map[string]interface{} `json:"changes"`
}

// MarketDataPayload - уведомление об обновлении котировок
type MarketDataPayload struct {
	Symbols []string       `json:"symbols"`
	Quotes  []models.Quote `json:"quotes,omitempty"`
}

// ErrorPayload - ошибка обработки входящего сообщения
type ErrorPayload struct {
	Message string `json:"message"`
}

// subscribeRequest - payload входящего subscribe
type subscribeRequest struct {
	Type       SubscriptionType `json:"type"`
	Symbols    []string         `json:"symbols,omitempty"`
	Strategies []string         `json:"strategies,omitempty"`
}

func encodeMessage(t MessageType, payload interface{}) ([]byte, error) {
	return json.Marshal(&Envelope{
		Type:      t,
		Payload:   payload,
		Timestamp: utils.UnixMillis(time.Now()),
	})
}
