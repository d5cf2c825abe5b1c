package handlers

import (
	"net/http"

	"tradebridge/internal/models"
	"tradebridge/internal/service"
)

// RiskHandler - риск-профиль принципала
type RiskHandler struct {
	riskService service.RiskServiceInterface
}

// NewRiskHandler создает новый RiskHandler
func NewRiskHandler(riskService service.RiskServiceInterface) *RiskHandler {
	return &RiskHandler{riskService: riskService}
}

// riskProfileResponse: profile = null, если профиль не настроен
type riskProfileResponse struct {
	Profile *models.RiskProfile `json:"profile"`
}

// GetProfile GET /api/v1/risk/profile
func (h *RiskHandler) GetProfile(w http.ResponseWriter, r *http.Request) {
	profile, err := h.riskService.GetProfile(r.Context(), principal(r))
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, riskProfileResponse{Profile: profile})
}

// UpdateProfile заменяет профиль целиком
// PUT /api/v1/risk/profile
func (h *RiskHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	var profile models.RiskProfile
	if !decodeJSON(w, r, &profile) {
		return
	}

	saved, err := h.riskService.UpsertProfile(r.Context(), principal(r), &profile)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, riskProfileResponse{Profile: saved})
}

// Check - пробная проверка ордера без отправки
// POST /api/v1/risk/check
func (h *RiskHandler) Check(w http.ResponseWriter, r *http.Request) {
	var req models.OrderRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	decision, err := h.riskService.Check(r.Context(), principal(r), &req)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, decision)
}
