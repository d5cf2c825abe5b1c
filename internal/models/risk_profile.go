package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// RiskProfile - настройки риск-контроля принципала
//
// Nil-поля означают "без ограничения". Профиль сохраняется целиком,
// частичного слияния нет: последний записавший побеждает.
type RiskProfile struct {
	PrincipalID       string     `json:"principal_id" db:"principal_id"`
	MaxDailyLoss      *float64   `json:"max_daily_loss" db:"max_daily_loss"`
	MaxDailyLossPct   *float64   `json:"max_daily_loss_pct" db:"max_daily_loss_pct"`
	MaxPositions      *int       `json:"max_positions" db:"max_positions"`
	MaxLotSize        *float64   `json:"max_lot_size" db:"max_lot_size"`
	MaxPositionSize   *float64   `json:"max_position_size" db:"max_position_size"`
	TradingHoursStart *string    `json:"trading_hours_start" db:"trading_hours_start"` // HH:MM
	TradingHoursEnd   *string    `json:"trading_hours_end" db:"trading_hours_end"`     // HH:MM
	NewsFilter        bool       `json:"news_filter" db:"news_filter"`
	SymbolBlacklist   SymbolList `json:"symbol_blacklist" db:"symbol_blacklist"`
	UpdatedAt         time.Time  `json:"updated_at" db:"updated_at"`
}

// IsBlacklisted проверяет символ без учета регистра
func (p *RiskProfile) IsBlacklisted(symbol string) bool {
	if p == nil || symbol == "" {
		return false
	}
	for _, s := range p.SymbolBlacklist {
		if strings.EqualFold(s, symbol) {
			return true
		}
	}
	return false
}

// SymbolList хранится в БД как JSON массив
type SymbolList []string

// Value реализует driver.Valuer
func (l SymbolList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	data, err := json.Marshal([]string(l))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan реализует sql.Scanner
func (l *SymbolList) Scan(src interface{}) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*l = SymbolList{}
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return errors.New("symbol list: unsupported column type")
	}
	if len(data) == 0 {
		*l = SymbolList{}
		return nil
	}
	var out []string
	if err := json.Unmarshal(data, &out); err != nil {
		return err
	}
	*l = out
	return nil
}
