package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"tradebridge/internal/models"
	"tradebridge/internal/service"
)

// maxQuoteSymbols - ограничение числа символов в одном запросе котировок
const maxQuoteSymbols = 50

// MarketHandler - рыночные данные
//
// Котировки и позиции никогда не отвечают ошибкой брокера: вместо них
// приходят заглушки (source "mock") или пустой список.
type MarketHandler struct {
	brokerService service.BrokerServiceInterface
}

// NewMarketHandler создает новый MarketHandler
func NewMarketHandler(brokerService service.BrokerServiceInterface) *MarketHandler {
	return &MarketHandler{brokerService: brokerService}
}

type quotesResponse struct {
	Quotes []models.Quote `json:"quotes"`
}

type positionsResponse struct {
	Positions []models.Position `json:"positions"`
}

type candlesResponse struct {
	Symbol    string          `json:"symbol"`
	Timeframe string          `json:"timeframe"`
	Candles   []models.Candle `json:"candles"`
}

// GetQuotes возвращает котировки
// GET /api/v1/market/quotes?symbols=EURUSD,GBPUSD
func (h *MarketHandler) GetQuotes(w http.ResponseWriter, r *http.Request) {
	var symbols []string
	for _, part := range r.URL.Query()["symbols"] {
		symbols = append(symbols, strings.Split(part, ",")...)
	}
	if len(symbols) == 0 {
		respondWithError(w, http.StatusBadRequest, "symbols query parameter is required", "invalid_request", "")
		return
	}
	if len(symbols) > maxQuoteSymbols {
		respondWithError(w, http.StatusBadRequest, "Too many symbols", "invalid_request",
			"at most "+strconv.Itoa(maxQuoteSymbols)+" symbols per request")
		return
	}

	quotes := h.brokerService.GetQuotes(r.Context(), principal(r), symbols)
	respondWithJSON(w, http.StatusOK, quotesResponse{Quotes: quotes})
}

// GetPositions возвращает открытые позиции
// GET /api/v1/market/positions
func (h *MarketHandler) GetPositions(w http.ResponseWriter, r *http.Request) {
	positions := h.brokerService.GetPositions(r.Context(), principal(r))
	respondWithJSON(w, http.StatusOK, positionsResponse{Positions: positions})
}

// GetCandles возвращает исторические свечи
// GET /api/v1/market/candles?symbol=EURUSD&timeframe=1H&count=100
func (h *MarketHandler) GetCandles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	symbol := q.Get("symbol")
	timeframe := q.Get("timeframe")

	count := 0
	if raw := q.Get("count"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 5000 {
			respondWithError(w, http.StatusBadRequest, "Invalid count", "invalid_request", "count must be between 1 and 5000")
			return
		}
		count = n
	}

	candles, err := h.brokerService.GetCandles(r.Context(), principal(r), symbol, timeframe, count)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	if candles == nil {
		candles = []models.Candle{}
	}
	if timeframe == "" {
		timeframe = "1H"
	}
	respondWithJSON(w, http.StatusOK, candlesResponse{
		Symbol:    strings.ToUpper(strings.TrimSpace(symbol)),
		Timeframe: timeframe,
		Candles:   candles,
	})
}
