package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	jsoniter "github.com/json-iterator/go"

	"tradebridge/internal/api/middleware"
	"tradebridge/internal/bot"
	"tradebridge/internal/broker"
	"tradebridge/internal/repository"
	"tradebridge/internal/service"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// MaxRequestBodySize ограничение размера тела запроса (1 MB)
const MaxRequestBodySize = 1 << 20

// ErrorResponse стандартный формат ответа об ошибке для всех API endpoints
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
	// Reason - стабильный код отказа риск-контроля
	Reason string `json:"reason,omitempty"`
	// Upstream - тело отказа брокера как есть
	Upstream interface{} `json:"upstream,omitempty"`
}

// SuccessResponse стандартный формат успешного ответа
type SuccessResponse struct {
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// respondWithJSON отправляет JSON ответ
func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"Failed to marshal response"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(response)
}

// respondWithError отправляет JSON ответ с ошибкой
func respondWithError(w http.ResponseWriter, code int, message, errCode, details string) {
	respondWithJSON(w, code, ErrorResponse{
		Error:   message,
		Code:    errCode,
		Details: details,
	})
}

// decodeJSON читает тело запроса с ограничением размера
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			respondWithError(w, http.StatusBadRequest, "Request body is required", "invalid_request", "")
			return false
		}
		respondWithError(w, http.StatusBadRequest, "Invalid request body", "invalid_request", err.Error())
		return false
	}
	return true
}

// principal возвращает принципала запроса
func principal(r *http.Request) string {
	return middleware.PrincipalFromContext(r.Context())
}

// respondWithServiceError переводит ошибку сервисного слоя в HTTP ответ
func respondWithServiceError(w http.ResponseWriter, err error) {
	code, body := serviceError(err)
	respondWithJSON(w, code, body)
}

// serviceError сопоставляет ошибку со статусом и телом ответа
//
// Ордерный путь: 401 нет сессии, 409 нет счета или отказ риск-контроля,
// 400 неверный запрос или отказ брокера. Чтение: 504 таймаут, 502
// прочие ошибки upstream.
func serviceError(err error) (int, ErrorResponse) {
	var (
		riskErr     *bot.RiskRejectedError
		rejectedErr *broker.OrderRejectedError
		authErr     *broker.AuthenticationError
		upstreamErr *broker.UpstreamError
	)

	switch {
	case errors.As(err, &riskErr):
		return http.StatusConflict, ErrorResponse{
			Error:   "Order rejected by risk policy",
			Code:    "risk_rejected",
			Reason:  riskErr.Reason,
			Details: riskErr.Detail,
		}
	case errors.As(err, &rejectedErr):
		return http.StatusBadRequest, ErrorResponse{
			Error:    "Order rejected by broker",
			Code:     "order_rejected",
			Details:  rejectedErr.Error(),
			Upstream: rejectedErr.Body,
		}
	case errors.Is(err, bot.ErrNotConnected):
		return http.StatusUnauthorized, ErrorResponse{Error: "Broker is not connected", Code: "not_connected", Details: "Connect the broker first"}
	case errors.As(err, &authErr):
		return http.StatusUnauthorized, ErrorResponse{Error: "Invalid broker credentials", Code: "authentication_failed", Details: authErr.Error()}
	case broker.IsSessionExpired(err):
		return http.StatusUnauthorized, ErrorResponse{Error: "Broker session expired", Code: "session_expired", Details: "Reconnect the broker"}
	case errors.Is(err, bot.ErrNoAccountSelected):
		return http.StatusConflict, ErrorResponse{Error: "No broker account selected", Code: "no_account_selected", Details: "Select an account first"}
	case errors.Is(err, service.ErrInvalidRequest):
		return http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Code: "invalid_request", Details: err.Error()}
	case errors.Is(err, service.ErrInstrumentNotResolved):
		return http.StatusBadRequest, ErrorResponse{Error: "Instrument not found", Code: "instrument_not_found", Details: err.Error()}
	case errors.Is(err, service.ErrUnsupportedBroker):
		return http.StatusBadRequest, ErrorResponse{Error: "Broker is not supported", Code: "unsupported_broker", Details: err.Error()}
	case errors.Is(err, repository.ErrSignalNotFound):
		return http.StatusNotFound, ErrorResponse{Error: "Signal not found", Code: "not_found"}
	case errors.Is(err, service.ErrSignalNotExecutable):
		return http.StatusConflict, ErrorResponse{Error: "Signal is not executable", Code: "not_executable", Details: err.Error()}
	case errors.Is(err, service.ErrInvalidTransition):
		return http.StatusConflict, ErrorResponse{Error: "Invalid status transition", Code: "invalid_transition", Details: err.Error()}
	case broker.IsTimeout(err):
		return http.StatusGatewayTimeout, ErrorResponse{Error: "Broker request timed out", Code: "upstream_timeout", Details: err.Error()}
	case errors.As(err, &upstreamErr):
		return http.StatusBadGateway, ErrorResponse{Error: "Broker request failed", Code: "upstream_error", Details: upstreamErr.Error()}
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, ErrorResponse{Error: "Request timed out", Code: "timeout"}
	default:
		return http.StatusInternalServerError, ErrorResponse{Error: "Internal server error", Code: "internal_error"}
	}
}
