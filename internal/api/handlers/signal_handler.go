package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"tradebridge/internal/models"
	"tradebridge/internal/repository"
	"tradebridge/internal/service"
)

// SignalHandler - сигналы стратегий
//
// Endpoints:
// - GET /api/v1/signals - список (?status=&symbol=&strategy_id=&limit=)
// - POST /api/v1/signals - создать
// - GET /api/v1/signals/{id} - получить
// - PATCH /api/v1/signals/{id} - изменить поля
// - POST /api/v1/signals/{id}/execute - исполнить рыночным ордером
type SignalHandler struct {
	signalService service.SignalServiceInterface
}

// NewSignalHandler создает новый SignalHandler
func NewSignalHandler(signalService service.SignalServiceInterface) *SignalHandler {
	return &SignalHandler{signalService: signalService}
}

type signalsResponse struct {
	Signals []*models.Signal `json:"signals"`
	Total   int              `json:"total"`
}

// ExecuteSignalRequest - тело запроса исполнения
type ExecuteSignalRequest struct {
	Quantity float64 `json:"qty"`
}

// executeErrorResponse - ошибка ордера вместе с итоговым состоянием сигнала
type executeErrorResponse struct {
	ErrorResponse
	Signal *models.Signal `json:"signal,omitempty"`
}

// ListSignals GET /api/v1/signals
func (h *SignalHandler) ListSignals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repository.SignalFilter{
		Status:     strings.ToLower(q.Get("status")),
		Symbol:     strings.ToUpper(q.Get("symbol")),
		StrategyID: q.Get("strategy_id"),
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondWithError(w, http.StatusBadRequest, "Invalid limit", "invalid_request", "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}

	signals, err := h.signalService.List(r.Context(), filter)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	if signals == nil {
		signals = []*models.Signal{}
	}
	respondWithJSON(w, http.StatusOK, signalsResponse{Signals: signals, Total: len(signals)})
}

// CreateSignal POST /api/v1/signals
//
// Ответы: 201 Created, 400 Bad Request
func (h *SignalHandler) CreateSignal(w http.ResponseWriter, r *http.Request) {
	var sig models.Signal
	if !decodeJSON(w, r, &sig) {
		return
	}

	created, err := h.signalService.Create(r.Context(), &sig)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, created)
}

// GetSignal GET /api/v1/signals/{id}
func (h *SignalHandler) GetSignal(w http.ResponseWriter, r *http.Request) {
	sig, err := h.signalService.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, sig)
}

// UpdateSignal применяет изменения полей
// PATCH /api/v1/signals/{id}
//
// Тело - объект с изменяемыми полями, например {"status": "cancelled"}.
// Ответы: 200 OK, 400 Bad Request, 404 Not Found, 409 Conflict (недопустимый переход)
func (h *SignalHandler) UpdateSignal(w http.ResponseWriter, r *http.Request) {
	changes := make(map[string]interface{})
	if !decodeJSON(w, r, &changes) {
		return
	}

	updated, err := h.signalService.Update(r.Context(), mux.Vars(r)["id"], changes)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, updated)
}

// ExecuteSignal отправляет рыночный ордер по сигналу
// POST /api/v1/signals/{id}/execute
//
// Тело: {"qty": 0.1}. Статусы ошибок совпадают с POST /api/v1/orders;
// в теле ошибки дополнительно возвращается сигнал в итоговом статусе.
func (h *SignalHandler) ExecuteSignal(w http.ResponseWriter, r *http.Request) {
	var req ExecuteSignalRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := h.signalService.Execute(r.Context(), principal(r), mux.Vars(r)["id"], req.Quantity)
	if err != nil {
		code, body := serviceError(err)
		if result == nil || result.Signal == nil {
			respondWithJSON(w, code, body)
			return
		}
		respondWithJSON(w, code, executeErrorResponse{ErrorResponse: body, Signal: result.Signal})
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}
