package models

import (
	"errors"
	"strings"
)

// OrderSide - направление ордера
type OrderSide string

// OrderType - тип ордера
type OrderType string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"

	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
	OrderTypeStop   OrderType = "stop"
)

// Статусы результата ордера
const (
	OrderStatusAccepted = "accepted"
	OrderStatusRejected = "rejected"
)

// Ошибки валидации ордера
var (
	ErrInvalidInstrument = errors.New("instrument id is required")
	ErrInvalidQuantity   = errors.New("quantity must be positive")
	ErrInvalidSide       = errors.New("side must be buy or sell")
	ErrInvalidOrderType  = errors.New("type must be market, limit or stop")
	ErrPriceRequired     = errors.New("price is required for limit and stop orders")
)

// OrderRequest - запрос на размещение ордера
//
// Не сохраняется этой подсистемой: история сделок ведется снаружи.
type OrderRequest struct {
	InstrumentID int64     `json:"instrument_id"`
	Symbol       string    `json:"symbol,omitempty"`
	Quantity     float64   `json:"qty"`
	Side         OrderSide `json:"side"`
	Type         OrderType `json:"type"`
	Price        *float64  `json:"price,omitempty"`
	StopLoss     *float64  `json:"stop_loss,omitempty"`
	TakeProfit   *float64  `json:"take_profit,omitempty"`
	RouteID      string    `json:"route_id,omitempty"`
}

// Normalize приводит side/type к нижнему регистру, market по умолчанию
func (r *OrderRequest) Normalize() {
	r.Side = OrderSide(strings.ToLower(strings.TrimSpace(string(r.Side))))
	r.Type = OrderType(strings.ToLower(strings.TrimSpace(string(r.Type))))
	if r.Type == "" {
		r.Type = OrderTypeMarket
	}
	r.Symbol = strings.ToUpper(strings.TrimSpace(r.Symbol))
}

// Validate проверяет обязательные поля
func (r *OrderRequest) Validate() error {
	if r.InstrumentID <= 0 {
		return ErrInvalidInstrument
	}
	if r.Quantity <= 0 {
		return ErrInvalidQuantity
	}
	if r.Side != SideBuy && r.Side != SideSell {
		return ErrInvalidSide
	}
	switch r.Type {
	case OrderTypeMarket:
	case OrderTypeLimit, OrderTypeStop:
		if r.Price == nil || *r.Price <= 0 {
			return ErrPriceRequired
		}
	default:
		return ErrInvalidOrderType
	}
	return nil
}

// OrderResult - ответ брокера на размещение
type OrderResult struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}
