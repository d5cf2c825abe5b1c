package broker

import (
	"errors"
	"fmt"
	"time"
)

// Ошибки сессии
var (
	ErrNotAuthenticated   = errors.New("broker session is not authenticated")
	ErrAccountNotSelected = errors.New("no broker account selected")
	ErrNoRefreshToken     = errors.New("no refresh token held")
	ErrUnsupportedBroker  = errors.New("broker is not supported")
	ErrInstrumentNotFound = errors.New("instrument not found")
	ErrNoInfoRoute        = errors.New("instrument has no INFO route")
)

// AuthenticationError - upstream отклонил логин (неверные учетные данные)
//
// Фатальная ошибка: пользователь должен заново ввести данные.
type AuthenticationError struct {
	StatusCode int
	Body       string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("broker authentication failed: status %d: %s", e.StatusCode, e.Body)
}

// SessionExpiredError - refresh токен отсутствует или отклонен
//
// Вызывающий должен считать это требованием повторной аутентификации,
// а не временной ошибкой.
type SessionExpiredError struct {
	Reason     string
	StatusCode int
	Body       string
	Err        error
}

func (e *SessionExpiredError) Error() string {
	msg := "broker session expired, re-authentication required: " + e.Reason
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d: %s)", e.StatusCode, e.Body)
	}
	return msg
}

func (e *SessionExpiredError) Unwrap() error {
	return e.Err
}

// RequestTimedOutError - upstream не ответил за отведенное время
//
// Временная ошибка, вызывающий может повторить запрос сам.
type RequestTimedOutError struct {
	Method  string
	Path    string
	Timeout time.Duration
	Err     error
}

func (e *RequestTimedOutError) Error() string {
	return fmt.Sprintf("broker request %s %s timed out after %s", e.Method, e.Path, e.Timeout)
}

func (e *RequestTimedOutError) Unwrap() error {
	return e.Err
}

// OrderRejectedError - брокер отклонил ордер
//
// Тело ответа передается как есть и никогда не проглатывается.
type OrderRejectedError struct {
	StatusCode int
	Body       interface{} // разобранный JSON или строка
}

func (e *OrderRejectedError) Error() string {
	return fmt.Sprintf("order rejected by broker: status %d: %v", e.StatusCode, e.Body)
}

// UpstreamError - неуспешный ответ upstream на чтение
type UpstreamError struct {
	Operation  string
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("broker %s failed: status %d: %s", e.Operation, e.StatusCode, e.Body)
}

// IsSessionExpired проверяет, требует ли ошибка повторной аутентификации
func IsSessionExpired(err error) bool {
	var target *SessionExpiredError
	return errors.As(err, &target)
}

// IsTimeout проверяет, является ли ошибка таймаутом запроса к брокеру
func IsTimeout(err error) bool {
	var target *RequestTimedOutError
	return errors.As(err, &target)
}
