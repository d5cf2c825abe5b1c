package models

import "time"

// Источники котировок
const (
	QuoteSourceBroker = "broker"
	QuoteSourceMock   = "mock" // заглушка, не настоящая цена
)

// Quote - котировка инструмента на момент получения
type Quote struct {
	Symbol    string    `json:"symbol"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Reason    string    `json:"reason,omitempty"` // почему вместо цены заглушка
}

// NewPlaceholderQuote создает заглушку, которую UI отличает от реальной цены
func NewPlaceholderQuote(symbol, reason string, at time.Time) Quote {
	return Quote{
		Symbol:    symbol,
		Timestamp: at,
		Source:    QuoteSourceMock,
		Reason:    reason,
	}
}

// IsPlaceholder возвращает true для заглушек
func (q Quote) IsPlaceholder() bool {
	return q.Source == QuoteSourceMock
}
