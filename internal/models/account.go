package models

import "time"

// Account - торговый счет у брокера после нормализации ответа
type Account struct {
	ID            string  `json:"id"`
	AccountNumber string  `json:"account_number"`
	Name          string  `json:"name,omitempty"`
	Currency      string  `json:"currency,omitempty"`
	Status        string  `json:"status,omitempty"`
	Balance       float64 `json:"balance"`
	Equity        float64 `json:"equity"`
}

// Position - открытая позиция на счете
type Position struct {
	ID            string    `json:"id"`
	InstrumentID  int64     `json:"instrument_id"`
	RouteID       string    `json:"route_id,omitempty"`
	Side          string    `json:"side"`
	Quantity      float64   `json:"qty"`
	AvgPrice      float64   `json:"avg_price"`
	StopLossID    string    `json:"stop_loss_id,omitempty"`
	TakeProfitID  string    `json:"take_profit_id,omitempty"`
	OpenedAt      time.Time `json:"opened_at,omitempty"`
	UnrealizedPnl float64   `json:"unrealized_pnl"`
}

// Candle - свеча исторических данных
type Candle struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}
