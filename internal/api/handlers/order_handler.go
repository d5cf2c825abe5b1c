package handlers

import (
	"net/http"

	"tradebridge/internal/models"
	"tradebridge/internal/service"
)

// OrderHandler - отправка ордеров
type OrderHandler struct {
	orders service.OrderSubmitter
}

// NewOrderHandler создает новый OrderHandler
func NewOrderHandler(orders service.OrderSubmitter) *OrderHandler {
	return &OrderHandler{orders: orders}
}

// PlaceOrder отправляет один ордер через риск-контроль
// POST /api/v1/orders
//
// Тело запроса:
//
//	{"instrument_id": 278, "qty": 0.1, "side": "buy", "type": "market"}
//
// Вместо instrument_id можно передать symbol.
//
// Ответы:
// - 200 OK: брокер принял ордер
// - 400 Bad Request: неверный запрос или отказ брокера (тело брокера в upstream)
// - 401 Unauthorized: нет подключения к брокеру
// - 409 Conflict: не выбран счет или отказ риск-контроля (код в reason)
func (h *OrderHandler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req models.OrderRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := h.orders.SubmitOrder(r.Context(), principal(r), &req)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}
