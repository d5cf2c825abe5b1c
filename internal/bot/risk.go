package bot

import (
	"fmt"
	"time"

	"tradebridge/internal/models"
	"tradebridge/pkg/utils"
)

// Причины отказа риск-контроля (стабильные коды для клиентов)
const (
	ReasonTradingWindowClosed = "trading_window_closed"
	ReasonMaxLotExceeded      = "max_lot_exceeded"
	ReasonMaxPositionExceeded = "max_position_exceeded"
	ReasonSymbolBlacklisted   = "symbol_blacklisted"
)

// Decision - результат проверки риск-контроля
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

func allow() Decision {
	return Decision{Allowed: true}
}

func deny(reason, detail string) Decision {
	return Decision{Allowed: false, Reason: reason, Detail: detail}
}

// Evaluate проверяет ордер против риск-профиля
//
// Чистая функция без ввода-вывода. Проверки идут в фиксированном порядке,
// первая неуспешная определяет причину:
//  1. торговое окно (может переходить через полночь)
//  2. максимальный лот
//  3. максимальный размер позиции (по объему этого ордера)
//  4. черный список символов
//
// Без профиля ордер разрешен. Nil-лимит не ограничивает.
// Время суток берется из now в его локации.
func Evaluate(profile *models.RiskProfile, req *models.OrderRequest, now time.Time) Decision {
	if profile == nil {
		return allow()
	}

	if d, ok := checkTradingWindow(profile, now); !ok {
		return d
	}

	if profile.MaxLotSize != nil && req.Quantity > *profile.MaxLotSize {
		return deny(ReasonMaxLotExceeded,
			fmt.Sprintf("qty %g exceeds max lot size %g", req.Quantity, *profile.MaxLotSize))
	}

	if profile.MaxPositionSize != nil && req.Quantity > *profile.MaxPositionSize {
		return deny(ReasonMaxPositionExceeded,
			fmt.Sprintf("qty %g exceeds max position size %g", req.Quantity, *profile.MaxPositionSize))
	}

	if profile.IsBlacklisted(req.Symbol) {
		return deny(ReasonSymbolBlacklisted, fmt.Sprintf("symbol %s is blacklisted", req.Symbol))
	}

	return allow()
}

// checkTradingWindow: окно действует, только если обе границы разбираются как HH:MM
func checkTradingWindow(profile *models.RiskProfile, now time.Time) (Decision, bool) {
	if profile.TradingHoursStart == nil || profile.TradingHoursEnd == nil {
		return Decision{}, true
	}
	start, err := utils.ParseClock(*profile.TradingHoursStart)
	if err != nil {
		return Decision{}, true
	}
	end, err := utils.ParseClock(*profile.TradingHoursEnd)
	if err != nil {
		return Decision{}, true
	}

	current := utils.MinutesOfDay(now)
	if utils.InDailyWindow(current, start, end) {
		return Decision{}, true
	}
	return deny(ReasonTradingWindowClosed,
		fmt.Sprintf("%s is outside trading hours %s-%s",
			utils.FormatClock(current), utils.FormatClock(start), utils.FormatClock(end))), false
}
