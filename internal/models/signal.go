package models

import (
	"encoding/json"
	"time"
)

// Статусы сигнала
const (
	SignalStatusActive    = "active"
	SignalStatusExecuting = "executing"
	SignalStatusExecuted  = "executed"
	SignalStatusFailed    = "failed"
	SignalStatusCancelled = "cancelled"
)

// Signal - торговый сигнал от стратегии
type Signal struct {
	ID           string    `json:"id"`
	StrategyID   string    `json:"strategy_id,omitempty"`
	Symbol       string    `json:"symbol"`
	InstrumentID int64     `json:"instrument_id,omitempty"`
	Direction    OrderSide `json:"direction"`
	Confidence   float64   `json:"confidence"`
	EntryPrice   *float64  `json:"entry_price,omitempty"`
	StopLoss     *float64  `json:"stop_loss,omitempty"`
	TakeProfit   *float64  `json:"take_profit,omitempty"`
	Status       string    `json:"status"`
	OrderID      string    `json:"order_id,omitempty"`
	Message      string    `json:"message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ApplyChanges возвращает копию сигнала с поверхностно примененными изменениями
//
// Ключи changes - это JSON-имена полей. Результат совпадает с тем, что
// получит наблюдатель, применив signal_update к ранее полученному signal.
func (s *Signal) ApplyChanges(changes map[string]interface{}) (*Signal, error) {
	base, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	doc := make(map[string]interface{})
	if err := json.Unmarshal(base, &doc); err != nil {
		return nil, err
	}
	for k, v := range changes {
		doc[k] = v
	}
	merged, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	out := &Signal{}
	if err := json.Unmarshal(merged, out); err != nil {
		return nil, err
	}
	return out, nil
}
