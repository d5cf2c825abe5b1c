package handlers

import (
	"net/http"

	"tradebridge/internal/models"
	"tradebridge/internal/service"
)

// BrokerHandler отвечает за подключение к брокеру
//
// Endpoints:
// - POST /api/v1/broker/connect - вход в брокера
// - DELETE /api/v1/broker/connect - отключение
// - POST /api/v1/broker/account - выбор счета
// - GET /api/v1/broker/status - состояние подключения
// - GET /api/v1/broker/accounts - счета брокера
// - GET /api/v1/broker/instruments - инструменты выбранного счета
type BrokerHandler struct {
	brokerService service.BrokerServiceInterface
}

// NewBrokerHandler создает новый BrokerHandler
func NewBrokerHandler(brokerService service.BrokerServiceInterface) *BrokerHandler {
	return &BrokerHandler{brokerService: brokerService}
}

type accountsResponse struct {
	Accounts []models.Account `json:"accounts"`
}

type instrumentsResponse struct {
	Instruments []models.Instrument `json:"instruments"`
	Total       int                 `json:"total"`
}

// Connect аутентифицируется у брокера
// POST /api/v1/broker/connect
//
// Тело запроса:
//
//	{"email": "trader@example.com", "password": "...", "server": "OSP-DEMO"}
//
// Ответы:
// - 200 OK: подключено, возвращается статус
// - 400 Bad Request: некорректные данные
// - 401 Unauthorized: брокер отклонил учетные данные
// - 504 Gateway Timeout: брокер не ответил
func (h *BrokerHandler) Connect(w http.ResponseWriter, r *http.Request) {
	var req service.ConnectRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	status, err := h.brokerService.Connect(r.Context(), principal(r), req)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, status)
}

// SelectAccount выбирает счет для торговых операций
// POST /api/v1/broker/account
func (h *BrokerHandler) SelectAccount(w http.ResponseWriter, r *http.Request) {
	var req service.SelectAccountRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	status, err := h.brokerService.SelectAccount(r.Context(), principal(r), req)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, status)
}

// Disconnect удаляет подключение
// DELETE /api/v1/broker/connect
func (h *BrokerHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	if err := h.brokerService.Disconnect(r.Context(), principal(r)); err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, SuccessResponse{Message: "Broker disconnected"})
}

// Status возвращает состояние подключения
// GET /api/v1/broker/status
func (h *BrokerHandler) Status(w http.ResponseWriter, r *http.Request) {
	status, err := h.brokerService.Status(r.Context(), principal(r))
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, status)
}

// GetAccounts возвращает счета брокера
// GET /api/v1/broker/accounts
func (h *BrokerHandler) GetAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.brokerService.GetAccounts(r.Context(), principal(r))
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	if accounts == nil {
		accounts = []models.Account{}
	}
	respondWithJSON(w, http.StatusOK, accountsResponse{Accounts: accounts})
}

// GetInstruments возвращает инструменты выбранного счета
// GET /api/v1/broker/instruments
func (h *BrokerHandler) GetInstruments(w http.ResponseWriter, r *http.Request) {
	instruments, err := h.brokerService.GetInstruments(r.Context(), principal(r))
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	if instruments == nil {
		instruments = []models.Instrument{}
	}
	respondWithJSON(w, http.StatusOK, instrumentsResponse{Instruments: instruments, Total: len(instruments)})
}
