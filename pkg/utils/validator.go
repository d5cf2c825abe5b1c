package utils

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Ошибки валидации
var (
	ErrInvalidSymbol   = errors.New("invalid symbol format")
	ErrInvalidEmail    = errors.New("invalid email format")
	ErrInvalidServer   = errors.New("invalid broker server name")
	ErrInvalidClock    = errors.New("invalid time of day, expected HH:MM")
	ErrInvalidQuantity = errors.New("quantity must be positive")
	ErrInvalidLimit    = errors.New("limit must be positive")
)

var (
	// EURUSD, XAUUSD.m, US30, BTC/USD
	symbolRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._/\-]{1,29}$`)
	emailRe  = regexp.MustCompile(`^[A-Za-z0-9._%+\-]+@[A-Za-z0-9\-]+(\.[A-Za-z0-9\-]+)*\.[A-Za-z]{2,}$`)
	serverRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._\-]{0,63}$`)
)

// ValidateSymbol проверяет формат торгового символа
func ValidateSymbol(symbol string) error {
	if !symbolRe.MatchString(symbol) {
		return ErrInvalidSymbol
	}
	return nil
}

// NormalizeSymbol приводит символ к верхнему регистру без пробелов по краям
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// NormalizeSymbols нормализует список и убирает пустые и повторяющиеся символы
//
// Порядок первого вхождения сохраняется.
func NormalizeSymbols(symbols []string) []string {
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		n := NormalizeSymbol(s)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

// ValidateEmail проверяет формат email
func ValidateEmail(email string) error {
	if strings.Count(email, "@") != 1 || !emailRe.MatchString(email) {
		return ErrInvalidEmail
	}
	return nil
}

// ValidateServer проверяет имя сервера брокера (например OSP-DEMO)
func ValidateServer(server string) error {
	if !serverRe.MatchString(server) {
		return ErrInvalidServer
	}
	return nil
}

// ValidateClock проверяет строку времени суток HH:MM
func ValidateClock(value string) error {
	if _, err := ParseClock(value); err != nil {
		return err
	}
	return nil
}

// ValidateQuantity проверяет объем ордера
func ValidateQuantity(qty float64) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	return nil
}

// ValidateOptionalLimit проверяет необязательный лимит: nil допустим, иначе > 0
func ValidateOptionalLimit(limit *float64) error {
	if limit != nil && *limit <= 0 {
		return ErrInvalidLimit
	}
	return nil
}

// ValidationError - ошибка конкретного поля
type ValidationError struct {
	Field   string
	Message string
}

// ValidationErrors накапливает ошибки по полям
type ValidationErrors []ValidationError

func (v *ValidationErrors) Add(field, message string) {
	*v = append(*v, ValidationError{Field: field, Message: message})
}

// AddError добавляет ошибку, если она не nil
func (v *ValidationErrors) AddError(field string, err error) {
	if err != nil {
		v.Add(field, err.Error())
	}
}

func (v ValidationErrors) HasErrors() bool {
	return len(v) > 0
}

func (v ValidationErrors) Error() string {
	parts := make([]string, 0, len(v))
	for _, e := range v {
		parts = append(parts, fmt.Sprintf("%s: %s", e.Field, e.Message))
	}
	return strings.Join(parts, "; ")
}

// Err возвращает nil, если ошибок нет
func (v ValidationErrors) Err() error {
	if !v.HasErrors() {
		return nil
	}
	return v
}
