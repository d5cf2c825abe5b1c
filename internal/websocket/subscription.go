package websocket

import (
	"errors"
	"fmt"
	"strings"

	"tradebridge/pkg/utils"
)

// SubscriptionType - вид подписки
type SubscriptionType string

const (
	SubscriptionSignals SubscriptionType = "signals"
	SubscriptionMarket  SubscriptionType = "market"
	SubscriptionAll     SubscriptionType = "all"
)

// ErrInvalidSubscription - неизвестный тип подписки
var ErrInvalidSubscription = errors.New("invalid subscription type")

// Subscription - фильтр доставки событий соединению
//
// Пустые Symbols/Strategies означают "без фильтра".
// Подписка заменяется целиком при каждом subscribe.
type Subscription struct {
	Type       SubscriptionType `json:"type"`
	Symbols    []string         `json:"symbols,omitempty"`
	Strategies []string         `json:"strategies,omitempty"`

	symbolSet   map[string]struct{}
	strategySet map[string]struct{}
}

// DefaultSubscription - подписка нового соединения и после unsubscribe
func DefaultSubscription() *Subscription {
	return &Subscription{Type: SubscriptionAll}
}

// NewSubscription проверяет тип и нормализует фильтры
//
// Символы приводятся к верхнему регистру, дубликаты убираются.
// Пустой тип трактуется как "all".
func NewSubscription(t SubscriptionType, symbols, strategies []string) (*Subscription, error) {
	t = SubscriptionType(strings.ToLower(strings.TrimSpace(string(t))))
	switch t {
	case "":
		t = SubscriptionAll
	case SubscriptionSignals, SubscriptionMarket, SubscriptionAll:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidSubscription, t)
	}

	sub := &Subscription{Type: t}

	if norm := utils.NormalizeSymbols(symbols); len(norm) > 0 {
		sub.Symbols = norm
		sub.symbolSet = make(map[string]struct{}, len(norm))
		for _, s := range norm {
			sub.symbolSet[s] = struct{}{}
		}
	}

	for _, id := range strategies {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if sub.strategySet == nil {
			sub.strategySet = make(map[string]struct{})
		}
		if _, dup := sub.strategySet[id]; dup {
			continue
		}
		sub.strategySet[id] = struct{}{}
		sub.Strategies = append(sub.Strategies, id)
	}

	return sub, nil
}

// EventKind - класс события для фильтрации
type EventKind int

const (
	EventSignal EventKind = iota // signal и signal_update
	EventMarket                  // market_data
)

// Event - атрибуты события, по которым работает фильтр
type Event struct {
	Kind       EventKind
	Symbol     string
	StrategyID string
	Symbols    []string
}

// ShouldDeliver решает, получает ли подписка событие
//
//   - all получает всё;
//   - signals получает сигналы, если символ и стратегия проходят свои фильтры
//     (каждый фильтр проверяется, только если задан);
//   - market получает рыночные события, если фильтр символов пуст
//     или пересекается с символами события.
func ShouldDeliver(sub *Subscription, ev Event) bool {
	if sub == nil {
		return false
	}

	switch sub.Type {
	case SubscriptionAll:
		return true

	case SubscriptionSignals:
		if ev.Kind != EventSignal {
			return false
		}
		if len(sub.symbolSet) > 0 && !sub.hasSymbol(ev.Symbol) {
			return false
		}
		if len(sub.strategySet) > 0 {
			if _, ok := sub.strategySet[ev.StrategyID]; !ok {
				return false
			}
		}
		return true

	case SubscriptionMarket:
		if ev.Kind != EventMarket {
			return false
		}
		if len(sub.symbolSet) == 0 {
			return true
		}
		for _, s := range ev.Symbols {
			if sub.hasSymbol(s) {
				return true
			}
		}
		return false
	}

	return false
}

func (s *Subscription) hasSymbol(symbol string) bool {
	_, ok := s.symbolSet[utils.NormalizeSymbol(symbol)]
	return ok
}
