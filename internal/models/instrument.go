package models

// RouteType - назначение маршрута инструмента
type RouteType string

const (
	// RouteInfo используется для рыночных данных (котировки, история)
	RouteInfo RouteType = "INFO"
	// RouteTrade используется для исполнения ордеров
	RouteTrade RouteType = "TRADE"
)

// Route - маршрут, которым upstream адресует инструмент
type Route struct {
	ID   string    `json:"id"`
	Type RouteType `json:"type"`
}

// Instrument представляет торгуемый инструмент брокера
type Instrument struct {
	ID           int64   `json:"tradable_instrument_id"`
	Name         string  `json:"name"`
	PipSize      float64 `json:"pip_size"`
	LotSize      float64 `json:"lot_size"`
	MinOrderSize float64 `json:"min_order_size"`
	MaxOrderSize float64 `json:"max_order_size"`
	Routes       []Route `json:"routes"`
}

// RouteID возвращает id первого маршрута указанного типа
func (i *Instrument) RouteID(t RouteType) (string, bool) {
	for _, r := range i.Routes {
		if r.Type == t && r.ID != "" {
			return r.ID, true
		}
	}
	return "", false
}
