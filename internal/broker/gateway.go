package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/ratelimit"
	"go.uber.org/zap"

	"tradebridge/internal/models"
	"tradebridge/pkg/utils"
)

// Requester - авторизованный транспорт к брокеру (реализуется *Session)
type Requester interface {
	AuthorizedRequest(ctx context.Context, method, path string, body interface{}) (*Response, error)
	Account() AccountRef
}

var _ Requester = (*Session)(nil)

// GatewayConfig - настройки шлюза
type GatewayConfig struct {
	RequestsPerMinute int // лимит запросов к upstream; 0 - без ограничения
	QuoteConcurrency  int // параллельных запросов котировок (default: 4)

	// Limiter - общий лимит для нескольких шлюзов; иначе строится из RequestsPerMinute
	Limiter ratelimit.Limiter
}

// Gateway - типизированные операции поверх сессии
//
// Снимает конверт ответа и нормализует форму данных upstream.
type Gateway struct {
	session          Requester
	limiter          ratelimit.Limiter
	quoteConcurrency int
	logger           *zap.Logger
	now              func() time.Time
}

// NewGateway создает шлюз поверх сессии
func NewGateway(session Requester, cfg GatewayConfig, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}

	limiter := cfg.Limiter
	if limiter == nil {
		limiter = newLimiter(cfg.RequestsPerMinute)
	}

	concurrency := cfg.QuoteConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	return &Gateway{
		session:          session,
		limiter:          limiter,
		quoteConcurrency: concurrency,
		logger:           logger,
		now:              time.Now,
	}
}

func newLimiter(perMinute int) ratelimit.Limiter {
	if perMinute <= 0 {
		return ratelimit.NewUnlimited()
	}
	return ratelimit.New(perMinute, ratelimit.Per(time.Minute))
}

// request выполняет запрос с учетом лимита и метрик
//
// Ожидание лимитера не прерывается; если контекст истек за время
// ожидания, запрос к upstream не отправляется.
func (g *Gateway) request(ctx context.Context, op, method, path string, body interface{}) (*Response, error) {
	g.limiter.Take()
	if err := ctx.Err(); err != nil {
		UpstreamRequests.WithLabelValues(op, "cancelled").Inc()
		g.logger.Debug("request dropped after rate limit wait", utils.Operation(op), zap.Error(err))
		return nil, fmt.Errorf("broker %s: %w", op, err)
	}

	start := time.Now()
	resp, err := g.session.AuthorizedRequest(ctx, method, path, body)
	UpstreamLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())

	switch {
	case err != nil:
		UpstreamRequests.WithLabelValues(op, "error").Inc()
	case resp.IsSuccess():
		UpstreamRequests.WithLabelValues(op, "ok").Inc()
	default:
		UpstreamRequests.WithLabelValues(op, "status_"+strconv.Itoa(resp.StatusCode)).Inc()
	}
	return resp, err
}

// read выполняет GET и разбирает полезную нагрузку в v
func (g *Gateway) read(ctx context.Context, op, path string, v interface{}) error {
	resp, err := g.request(ctx, op, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		return &UpstreamError{Operation: op, StatusCode: resp.StatusCode, Body: string(resp.Body)}
	}
	if msg, failed := envelopeFailed(resp.Body); failed {
		return &UpstreamError{Operation: op, StatusCode: resp.StatusCode, Body: msg}
	}
	if err := decodePayload(resp.Body, v); err != nil {
		return fmt.Errorf("decode %s response: %w", op, err)
	}
	return nil
}

func (g *Gateway) accountPath(suffix string) (string, error) {
	ref := g.session.Account()
	if ref.IsZero() {
		return "", ErrAccountNotSelected
	}
	return "/trade/accounts/" + url.PathEscape(ref.PathRef()) + suffix, nil
}

// ============================================================
// Счета
// ============================================================

type rawAccount struct {
	ID             flexString `json:"id"`
	AccNum         flexString `json:"accNum"`
	AccountNumber  flexString `json:"accountNumber"`
	Name           string     `json:"name"`
	Currency       string     `json:"currency"`
	Status         string     `json:"status"`
	AccountBalance flexFloat  `json:"accountBalance"`
	Balance        flexFloat  `json:"balance"`
	AccountEquity  flexFloat  `json:"accountEquity"`
	Equity         flexFloat  `json:"equity"`
}

func (r rawAccount) normalize() models.Account {
	balance, _ := firstValid(r.AccountBalance, r.Balance)
	equity, ok := firstValid(r.Equity, r.AccountEquity)
	if !ok {
		equity = balance
	}
	number := string(r.AccNum)
	if number == "" {
		number = string(r.AccountNumber)
	}
	return models.Account{
		ID:            string(r.ID),
		AccountNumber: number,
		Name:          r.Name,
		Currency:      r.Currency,
		Status:        r.Status,
		Balance:       balance,
		Equity:        equity,
	}
}

// GetAccounts возвращает счета пользователя
//
// Баланс берется из accountBalance, иначе из balance.
func (g *Gateway) GetAccounts(ctx context.Context) ([]models.Account, error) {
	var raw json.RawMessage
	if err := g.read(ctx, "accounts", "/auth/jwt/all-accounts", &raw); err != nil {
		return nil, err
	}

	var list []rawAccount
	if err := decodeList(raw, "accounts", &list); err != nil {
		return nil, fmt.Errorf("decode accounts: %w", err)
	}

	accounts := make([]models.Account, 0, len(list))
	for _, a := range list {
		accounts = append(accounts, a.normalize())
	}
	return accounts, nil
}

// ============================================================
// Инструменты
// ============================================================

type rawRoute struct {
	ID   flexString `json:"id"`
	Type string     `json:"type"`
}

type rawInstrument struct {
	ID           flexString `json:"tradableInstrumentId"`
	Name         string     `json:"name"`
	PipSize      flexFloat  `json:"pipSize"`
	LotSize      flexFloat  `json:"lotSize"`
	MinOrderSize flexFloat  `json:"minOrderSize"`
	MaxOrderSize flexFloat  `json:"maxOrderSize"`
	Routes       []rawRoute `json:"routes"`
}

func (r rawInstrument) normalize() models.Instrument {
	inst := models.Instrument{
		ID:           toInt64(r.ID),
		Name:         r.Name,
		PipSize:      r.PipSize.Value,
		LotSize:      r.LotSize.Value,
		MinOrderSize: r.MinOrderSize.Value,
		MaxOrderSize: r.MaxOrderSize.Value,
		Routes:       make([]models.Route, 0, len(r.Routes)),
	}
	for _, rt := range r.Routes {
		inst.Routes = append(inst.Routes, models.Route{
			ID:   string(rt.ID),
			Type: models.RouteType(strings.ToUpper(rt.Type)),
		})
	}
	return inst
}

// GetInstruments возвращает инструменты выбранного счета
func (g *Gateway) GetInstruments(ctx context.Context) ([]models.Instrument, error) {
	path, err := g.accountPath("/instruments")
	if err != nil {
		return nil, err
	}

	var raw json.RawMessage
	if err := g.read(ctx, "instruments", path, &raw); err != nil {
		return nil, err
	}

	var list []rawInstrument
	if err := decodeList(raw, "instruments", &list); err != nil {
		return nil, fmt.Errorf("decode instruments: %w", err)
	}

	out := make([]models.Instrument, 0, len(list))
	for _, r := range list {
		out = append(out, r.normalize())
	}
	return out, nil
}

// indexInstruments строит индекс инструментов по имени без учета регистра
func indexInstruments(list []models.Instrument) map[string]models.Instrument {
	idx := make(map[string]models.Instrument, len(list))
	for _, inst := range list {
		key := strings.ToUpper(inst.Name)
		if _, exists := idx[key]; !exists {
			idx[key] = inst
		}
	}
	return idx
}

// FindInstrument ищет инструмент по символу
func (g *Gateway) FindInstrument(ctx context.Context, symbol string) (*models.Instrument, error) {
	list, err := g.GetInstruments(ctx)
	if err != nil {
		return nil, err
	}
	inst, ok := indexInstruments(list)[strings.ToUpper(strings.TrimSpace(symbol))]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInstrumentNotFound, symbol)
	}
	return &inst, nil
}

// ============================================================
// Котировки
// ============================================================

type rawQuote struct {
	Ask  flexFloat `json:"ap"`
	Bid  flexFloat `json:"bp"`
	Ask2 flexFloat `json:"ask"`
	Bid2 flexFloat `json:"bid"`
}

// GetQuotes возвращает котировки для символов
//
// Символ без инструмента или без INFO маршрута, а также символ, для
// которого upstream вернул ошибку, пропускается с предупреждением.
// Вызов всегда возвращает массив (возможно пустой); порядок соответствует
// порядку символов во входе.
func (g *Gateway) GetQuotes(ctx context.Context, symbols []string) []models.Quote {
	if len(symbols) == 0 {
		return []models.Quote{}
	}

	instruments, err := g.GetInstruments(ctx)
	if err != nil {
		g.logger.Warn("quotes unavailable: instrument lookup failed", zap.Error(err))
		QuoteSkips.WithLabelValues("instruments_failed").Add(float64(len(symbols)))
		return []models.Quote{}
	}
	idx := indexInstruments(instruments)

	results := make([]*models.Quote, len(symbols))
	sem := make(chan struct{}, g.quoteConcurrency)
	var wg sync.WaitGroup

	for i, symbol := range symbols {
		inst, ok := idx[strings.ToUpper(strings.TrimSpace(symbol))]
		if !ok {
			g.logger.Warn("quote skipped: unknown symbol", zap.String("symbol", symbol))
			QuoteSkips.WithLabelValues("unknown_symbol").Inc()
			continue
		}
		routeID, ok := inst.RouteID(models.RouteInfo)
		if !ok {
			g.logger.Warn("quote skipped: no INFO route", zap.String("symbol", symbol))
			QuoteSkips.WithLabelValues("no_info_route").Inc()
			continue
		}

		wg.Add(1)
		go func(i int, symbol string, instrumentID int64, routeID string) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}

			q, err := g.fetchQuote(ctx, symbol, instrumentID, routeID)
			if err != nil {
				g.logger.Warn("quote skipped: upstream error", zap.String("symbol", symbol), zap.Error(err))
				QuoteSkips.WithLabelValues("upstream_error").Inc()
				return
			}
			results[i] = q
		}(i, inst.Name, inst.ID, routeID)
	}
	wg.Wait()

	quotes := make([]models.Quote, 0, len(symbols))
	for _, q := range results {
		if q != nil {
			quotes = append(quotes, *q)
		}
	}
	return quotes
}

func (g *Gateway) fetchQuote(ctx context.Context, symbol string, instrumentID int64, routeID string) (*models.Quote, error) {
	q := url.Values{}
	q.Set("routeId", routeID)
	q.Set("tradableInstrumentId", strconv.FormatInt(instrumentID, 10))

	var raw rawQuote
	if err := g.read(ctx, "quotes", "/trade/quotes?"+q.Encode(), &raw); err != nil {
		return nil, err
	}

	ask, okAsk := firstValid(raw.Ask, raw.Ask2)
	bid, okBid := firstValid(raw.Bid, raw.Bid2)
	if !okAsk || !okBid {
		return nil, fmt.Errorf("quote for %s carries no bid/ask", symbol)
	}

	return &models.Quote{
		Symbol:    symbol,
		Bid:       bid,
		Ask:       ask,
		Timestamp: g.now().UTC(),
		Source:    models.QuoteSourceBroker,
	}, nil
}

// ============================================================
// Позиции
// ============================================================

type rawPosition struct {
	ID            flexString `json:"id"`
	InstrumentID  flexString `json:"tradableInstrumentId"`
	RouteID       flexString `json:"routeId"`
	Side          string     `json:"side"`
	Qty           flexFloat  `json:"qty"`
	AvgPrice      flexFloat  `json:"avgPrice"`
	StopLossID    flexString `json:"stopLossId"`
	TakeProfitID  flexString `json:"takeProfitId"`
	OpenDate      flexString `json:"openDate"`
	UnrealizedPnl flexFloat  `json:"unrealizedPl"`
}

// positionColumns - порядок колонок в табличном ответе позиций
var positionColumns = []string{
	"id", "tradableInstrumentId", "routeId", "side", "qty", "avgPrice",
	"stopLossId", "takeProfitId", "openDate", "unrealizedPl",
}

func (r rawPosition) normalize() models.Position {
	p := models.Position{
		ID:            string(r.ID),
		InstrumentID:  toInt64(r.InstrumentID),
		RouteID:       string(r.RouteID),
		Side:          strings.ToLower(r.Side),
		Quantity:      r.Qty.Value,
		AvgPrice:      r.AvgPrice.Value,
		StopLossID:    string(r.StopLossID),
		TakeProfitID:  string(r.TakeProfitID),
		UnrealizedPnl: r.UnrealizedPnl.Value,
	}
	if ms := toInt64(r.OpenDate); ms > 0 {
		p.OpenedAt = utils.FromUnixMillis(ms)
	}
	return p
}

// decodePositionRow разбирает позицию, пришедшую объектом или массивом колонок
func decodePositionRow(row json.RawMessage) (rawPosition, error) {
	var pos rawPosition
	trimmed := strings.TrimSpace(string(row))
	if !strings.HasPrefix(trimmed, "[") {
		err := json.Unmarshal(row, &pos)
		return pos, err
	}

	var cells []json.RawMessage
	if err := json.Unmarshal(row, &cells); err != nil {
		return pos, err
	}
	obj := make(map[string]json.RawMessage, len(cells))
	for i, cell := range cells {
		if i < len(positionColumns) {
			obj[positionColumns[i]] = cell
		}
	}
	data, err := json.Marshal(obj)
	if err != nil {
		return pos, err
	}
	err = json.Unmarshal(data, &pos)
	return pos, err
}

// GetOpenPositions возвращает открытые позиции выбранного счета
func (g *Gateway) GetOpenPositions(ctx context.Context) ([]models.Position, error) {
	path, err := g.accountPath("/positions")
	if err != nil {
		return nil, err
	}

	var raw json.RawMessage
	if err := g.read(ctx, "positions", path, &raw); err != nil {
		return nil, err
	}

	var rows []json.RawMessage
	if err := decodeList(raw, "positions", &rows); err != nil {
		return nil, fmt.Errorf("decode positions: %w", err)
	}

	positions := make([]models.Position, 0, len(rows))
	for _, row := range rows {
		p, err := decodePositionRow(row)
		if err != nil {
			return nil, fmt.Errorf("decode position: %w", err)
		}
		positions = append(positions, p.normalize())
	}
	return positions, nil
}

// ============================================================
// История
// ============================================================

type rawBar struct {
	T flexString `json:"t"`
	O flexFloat  `json:"o"`
	H flexFloat  `json:"h"`
	L flexFloat  `json:"l"`
	C flexFloat  `json:"c"`
	V flexFloat  `json:"v"`
}

// GetHistoricalCandles возвращает последние count свечей по символу
//
// timeframe передается как есть (1m, 5m, 1H, 1D).
func (g *Gateway) GetHistoricalCandles(ctx context.Context, symbol, timeframe string, count int) ([]models.Candle, error) {
	inst, err := g.FindInstrument(ctx, symbol)
	if err != nil {
		return nil, err
	}
	routeID, ok := inst.RouteID(models.RouteInfo)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoInfoRoute, symbol)
	}

	q := url.Values{}
	q.Set("routeId", routeID)
	q.Set("tradableInstrumentId", strconv.FormatInt(inst.ID, 10))
	q.Set("resolution", timeframe)
	q.Set("barsCount", strconv.Itoa(count))

	var payload struct {
		Bars []rawBar `json:"barDetails"`
	}
	if err := g.read(ctx, "history", "/trade/history?"+q.Encode(), &payload); err != nil {
		return nil, err
	}

	candles := make([]models.Candle, 0, len(payload.Bars))
	for _, b := range payload.Bars {
		candles = append(candles, models.Candle{
			Time:   utils.FromUnixMillis(toInt64(b.T)),
			Open:   b.O.Value,
			High:   b.H.Value,
			Low:    b.L.Value,
			Close:  b.C.Value,
			Volume: b.V.Value,
		})
	}
	return candles, nil
}

// ============================================================
// Ордера
// ============================================================

type placeOrderBody struct {
	InstrumentID   int64    `json:"tradableInstrumentId"`
	Qty            float64  `json:"qty"`
	Side           string   `json:"side"`
	Type           string   `json:"type"`
	Validity       string   `json:"validity"`
	RouteID        string   `json:"routeId,omitempty"`
	Price          *float64 `json:"price,omitempty"`
	StopLoss       *float64 `json:"stopLoss,omitempty"`
	StopLossType   string   `json:"stopLossType,omitempty"`
	TakeProfit     *float64 `json:"takeProfit,omitempty"`
	TakeProfitType string   `json:"takeProfitType,omitempty"`
}

// PlaceOrder отправляет ордер на выбранный счет
//
// Неуспешный ответ возвращает *OrderRejectedError с телом ответа upstream.
// Ошибки транспорта (таймаут, истекшая сессия) передаются как есть.
func (g *Gateway) PlaceOrder(ctx context.Context, req *models.OrderRequest) (*models.OrderResult, error) {
	path, err := g.accountPath("/orders")
	if err != nil {
		return nil, err
	}

	body := placeOrderBody{
		InstrumentID: req.InstrumentID,
		Qty:          req.Quantity,
		Side:         string(req.Side),
		Type:         string(req.Type),
		Validity:     "GTC",
		RouteID:      req.RouteID,
		Price:        req.Price,
		StopLoss:     req.StopLoss,
		TakeProfit:   req.TakeProfit,
	}
	if req.Type == models.OrderTypeMarket {
		body.Validity = "IOC"
		body.Price = nil
	}
	if req.StopLoss != nil {
		body.StopLossType = "absolute"
	}
	if req.TakeProfit != nil {
		body.TakeProfitType = "absolute"
	}

	resp, err := g.request(ctx, "place_order", http.MethodPost, path, body)
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, &OrderRejectedError{StatusCode: resp.StatusCode, Body: parseErrorBody(resp.Body)}
	}
	if _, failed := envelopeFailed(resp.Body); failed {
		return nil, &OrderRejectedError{StatusCode: resp.StatusCode, Body: parseErrorBody(resp.Body)}
	}

	var placed struct {
		OrderID flexString `json:"orderId"`
	}
	if err := decodePayload(resp.Body, &placed); err != nil {
		return nil, fmt.Errorf("decode order response: %w", err)
	}

	g.logger.Info("order placed",
		zap.String("order_id", string(placed.OrderID)),
		zap.Int64("instrument_id", req.InstrumentID),
		zap.String("side", string(req.Side)),
		zap.Float64("qty", req.Quantity),
	)

	return &models.OrderResult{
		OrderID: string(placed.OrderID),
		Status:  models.OrderStatusAccepted,
	}, nil
}

// decodeList разбирает список, пришедший массивом или объектом {key: [...]}
func decodeList(raw json.RawMessage, key string, v interface{}) error {
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "[") {
		return json.Unmarshal(raw, v)
	}

	var wrapped map[string]json.RawMessage
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return err
	}
	inner, ok := wrapped[key]
	if !ok || string(inner) == "null" {
		return json.Unmarshal([]byte("[]"), v)
	}
	return json.Unmarshal(inner, v)
}
