package broker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"tradebridge/internal/models"
)

// fakeRequester отвечает заранее заданными ответами по пути запроса
type fakeRequester struct {
	mu        sync.Mutex
	account   AccountRef
	responses map[string]*Response
	errs      map[string]error
	requests  []fakeCall
}

type fakeCall struct {
	Method string
	Path   string
	Body   interface{}
}

func newFakeRequester() *fakeRequester {
	return &fakeRequester{
		account:   AccountRef{ID: "42", Number: "7"},
		responses: make(map[string]*Response),
		errs:      make(map[string]error),
	}
}

func (f *fakeRequester) on(path string, status int, body string) {
	f.responses[path] = &Response{StatusCode: status, Body: []byte(body)}
}

func (f *fakeRequester) AuthorizedRequest(_ context.Context, method, path string, body interface{}) (*Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, fakeCall{Method: method, Path: path, Body: body})
	if err, ok := f.errs[path]; ok {
		return nil, err
	}
	if resp, ok := f.responses[path]; ok {
		return resp, nil
	}
	return &Response{StatusCode: http.StatusNotFound, Body: []byte(`{"s":"error","errmsg":"not found"}`)}, nil
}

func (f *fakeRequester) Account() AccountRef {
	return f.account
}

const instrumentsPayload = `{"s":"ok","d":{"instruments":[
	{"tradableInstrumentId":278,"name":"EURUSD","lotSize":100000,"routes":[{"id":9001,"type":"TRADE"},{"id":8001,"type":"INFO"}]},
	{"tradableInstrumentId":"279","name":"GBPUSD","routes":[{"id":"9002","type":"TRADE"}]},
	{"tradableInstrumentId":280,"name":"XAUUSD","routes":[{"id":8003,"type":"INFO"}]},
	{"tradableInstrumentId":281,"name":"USDJPY","routes":[{"id":8004,"type":"INFO"}]}
]}}`

func TestGateway_GetAccounts(t *testing.T) {
	f := newFakeRequester()
	f.on("/auth/jwt/all-accounts", 200, `{"accounts":[
		{"id":"42","accNum":"7","name":"Demo","currency":"USD","status":"ACTIVE","accountBalance":"1000.50"},
		{"id":43,"accNum":8,"currency":"EUR","balance":250}
	]}`)

	g := NewGateway(f, GatewayConfig{}, nil)
	accounts, err := g.GetAccounts(context.Background())
	if err != nil {
		t.Fatalf("GetAccounts() error: %v", err)
	}
	if len(accounts) != 2 {
		t.Fatalf("accounts = %d, want 2", len(accounts))
	}
	if accounts[0].ID != "42" || accounts[0].AccountNumber != "7" || accounts[0].Balance != 1000.50 {
		t.Errorf("first account = %+v", accounts[0])
	}
	if accounts[0].Equity != 1000.50 {
		t.Errorf("equity should fall back to balance, got %v", accounts[0].Equity)
	}
	if accounts[1].ID != "43" || accounts[1].AccountNumber != "8" || accounts[1].Balance != 250 {
		t.Errorf("second account = %+v", accounts[1])
	}
}

func TestGateway_GetInstruments(t *testing.T) {
	f := newFakeRequester()
	f.on("/trade/accounts/42/instruments", 200, instrumentsPayload)

	g := NewGateway(f, GatewayConfig{}, nil)
	list, err := g.GetInstruments(context.Background())
	if err != nil {
		t.Fatalf("GetInstruments() error: %v", err)
	}
	if len(list) != 4 {
		t.Fatalf("instruments = %d, want 4", len(list))
	}
	if list[0].ID != 278 || list[0].LotSize != 100000 {
		t.Errorf("EURUSD = %+v", list[0])
	}
	if id, ok := list[0].RouteID("INFO"); !ok || id != "8001" {
		t.Errorf("numeric route id not normalized: %q %v", id, ok)
	}
	if list[1].ID != 279 {
		t.Errorf("string instrument id not normalized: %d", list[1].ID)
	}
}

func TestGateway_RequiresAccount(t *testing.T) {
	f := newFakeRequester()
	f.account = AccountRef{}
	g := NewGateway(f, GatewayConfig{}, nil)

	if _, err := g.GetInstruments(context.Background()); !errors.Is(err, ErrAccountNotSelected) {
		t.Errorf("GetInstruments() = %v, want ErrAccountNotSelected", err)
	}
	if _, err := g.GetOpenPositions(context.Background()); !errors.Is(err, ErrAccountNotSelected) {
		t.Errorf("GetOpenPositions() = %v, want ErrAccountNotSelected", err)
	}
}

func TestGateway_GetQuotesSkipsFailures(t *testing.T) {
	f := newFakeRequester()
	f.on("/trade/accounts/42/instruments", 200, instrumentsPayload)
	f.on("/trade/quotes?routeId=8001&tradableInstrumentId=278", 200, `{"s":"ok","d":{"ap":1.0852,"bp":1.0850}}`)
	f.on("/trade/quotes?routeId=8003&tradableInstrumentId=280", 500, `{"s":"error"}`)
	f.on("/trade/quotes?routeId=8004&tradableInstrumentId=281", 200, `{"ask":"151.20","bid":"151.18"}`)

	g := NewGateway(f, GatewayConfig{QuoteConcurrency: 2}, nil)

	// GBPUSD без INFO маршрута, FAKE неизвестен, XAUUSD отвечает ошибкой
	quotes := g.GetQuotes(context.Background(), []string{"USDJPY", "GBPUSD", "FAKE", "XAUUSD", "eurusd"})

	if len(quotes) != 2 {
		t.Fatalf("quotes = %+v, want USDJPY and EURUSD", quotes)
	}
	if quotes[0].Symbol != "USDJPY" || quotes[0].Ask != 151.20 || quotes[0].Bid != 151.18 {
		t.Errorf("first quote = %+v", quotes[0])
	}
	if quotes[1].Symbol != "EURUSD" || quotes[1].Ask != 1.0852 || quotes[1].Bid != 1.0850 {
		t.Errorf("second quote = %+v", quotes[1])
	}
	for _, q := range quotes {
		if q.IsPlaceholder() {
			t.Errorf("gateway must not produce placeholders: %+v", q)
		}
	}
}

func TestGateway_GetQuotesInstrumentFailure(t *testing.T) {
	f := newFakeRequester()
	f.errs["/trade/accounts/42/instruments"] = errors.New("connection refused")

	g := NewGateway(f, GatewayConfig{}, nil)
	quotes := g.GetQuotes(context.Background(), []string{"EURUSD"})

	if quotes == nil || len(quotes) != 0 {
		t.Errorf("expected empty non-nil slice, got %#v", quotes)
	}
}

func TestGateway_GetOpenPositions(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"column rows", `{"s":"ok","d":{"positions":[["p-1","278","9001","buy","0.5","1.0850",null,"tp-1","1705320000000","12.5"]]}}`},
		{"objects", `{"positions":[{"id":"p-1","tradableInstrumentId":278,"routeId":9001,"side":"BUY","qty":0.5,"avgPrice":1.085,"takeProfitId":"tp-1","openDate":1705320000000,"unrealizedPl":12.5}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeRequester()
			f.on("/trade/accounts/42/positions", 200, tt.body)
			g := NewGateway(f, GatewayConfig{}, nil)

			positions, err := g.GetOpenPositions(context.Background())
			if err != nil {
				t.Fatalf("GetOpenPositions() error: %v", err)
			}
			if len(positions) != 1 {
				t.Fatalf("positions = %d, want 1", len(positions))
			}
			p := positions[0]
			if p.ID != "p-1" || p.InstrumentID != 278 || p.RouteID != "9001" || p.Side != "buy" {
				t.Errorf("position = %+v", p)
			}
			if p.Quantity != 0.5 || p.AvgPrice != 1.085 || p.UnrealizedPnl != 12.5 || p.TakeProfitID != "tp-1" {
				t.Errorf("position numbers = %+v", p)
			}
			if p.OpenedAt.UnixMilli() != 1705320000000 {
				t.Errorf("opened at = %v", p.OpenedAt)
			}
		})
	}
}

func TestGateway_GetHistoricalCandles(t *testing.T) {
	f := newFakeRequester()
	f.on("/trade/accounts/42/instruments", 200, instrumentsPayload)
	f.on("/trade/history?barsCount=2&resolution=1H&routeId=8001&tradableInstrumentId=278", 200,
		`{"s":"ok","d":{"barDetails":[{"t":1705320000000,"o":1.08,"h":1.09,"l":1.07,"c":1.085,"v":1200},{"t":1705323600000,"o":1.085,"h":1.086,"l":1.08,"c":1.081,"v":900}]}}`)

	g := NewGateway(f, GatewayConfig{}, nil)
	candles, err := g.GetHistoricalCandles(context.Background(), "EURUSD", "1H", 2)
	if err != nil {
		t.Fatalf("GetHistoricalCandles() error: %v", err)
	}
	if len(candles) != 2 || candles[0].Close != 1.085 || candles[1].Volume != 900 {
		t.Errorf("candles = %+v", candles)
	}

	if _, err := g.GetHistoricalCandles(context.Background(), "GBPUSD", "1H", 2); !errors.Is(err, ErrNoInfoRoute) {
		t.Errorf("GBPUSD history = %v, want ErrNoInfoRoute", err)
	}
	if _, err := g.GetHistoricalCandles(context.Background(), "FAKE", "1H", 2); !errors.Is(err, ErrInstrumentNotFound) {
		t.Errorf("FAKE history = %v, want ErrInstrumentNotFound", err)
	}
}

func TestGateway_PlaceOrder(t *testing.T) {
	f := newFakeRequester()
	f.on("/trade/accounts/42/orders", 200, `{"s":"ok","d":{"orderId":"7001"}}`)
	g := NewGateway(f, GatewayConfig{}, nil)

	sl := 1.07
	price := 1.09
	res, err := g.PlaceOrder(context.Background(), &models.OrderRequest{
		InstrumentID: 278,
		Quantity:     0.5,
		Side:         models.SideBuy,
		Type:         models.OrderTypeMarket,
		Price:        &price,
		StopLoss:     &sl,
		RouteID:      "9001",
	})
	if err != nil {
		t.Fatalf("PlaceOrder() error: %v", err)
	}
	if res.OrderID != "7001" || res.Status != models.OrderStatusAccepted {
		t.Errorf("result = %+v", res)
	}

	sent, ok := f.requests[len(f.requests)-1].Body.(placeOrderBody)
	if !ok {
		t.Fatalf("unexpected body type %T", f.requests[len(f.requests)-1].Body)
	}
	if sent.Validity != "IOC" || sent.Price != nil {
		t.Errorf("market order must be IOC without price: %+v", sent)
	}
	if sent.StopLossType != "absolute" || sent.TakeProfitType != "" {
		t.Errorf("stop loss type = %q, take profit type = %q", sent.StopLossType, sent.TakeProfitType)
	}
}

func TestGateway_PlaceOrderRejected(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"http error", 400, `{"s":"error","errmsg":"Insufficient margin"}`},
		{"envelope error", 200, `{"s":"error","errmsg":"Market closed"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeRequester()
			f.on("/trade/accounts/42/orders", tt.status, tt.body)
			g := NewGateway(f, GatewayConfig{}, nil)

			_, err := g.PlaceOrder(context.Background(), &models.OrderRequest{
				InstrumentID: 278, Quantity: 1, Side: models.SideSell, Type: models.OrderTypeMarket,
			})

			var rejected *OrderRejectedError
			if !errors.As(err, &rejected) {
				t.Fatalf("expected OrderRejectedError, got %v", err)
			}
			if rejected.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", rejected.StatusCode, tt.status)
			}
			body, ok := rejected.Body.(map[string]interface{})
			if !ok {
				t.Fatalf("body should be parsed JSON, got %T", rejected.Body)
			}
			var want map[string]interface{}
			_ = json.Unmarshal([]byte(tt.body), &want)
			if body["errmsg"] != want["errmsg"] {
				t.Errorf("body = %v, want %v", body, want)
			}
		})
	}
}

func TestGateway_PlaceOrderTransportErrorPassesThrough(t *testing.T) {
	f := newFakeRequester()
	f.errs["/trade/accounts/42/orders"] = &RequestTimedOutError{Method: "POST", Path: "/trade/accounts/42/orders"}
	g := NewGateway(f, GatewayConfig{}, nil)

	_, err := g.PlaceOrder(context.Background(), &models.OrderRequest{InstrumentID: 1, Quantity: 1, Side: models.SideBuy, Type: models.OrderTypeMarket})
	if !IsTimeout(err) {
		t.Errorf("expected timeout to pass through, got %v", err)
	}
}

// waitingLimiter имитирует ожидание слота, за которое истекает контекст
type waitingLimiter struct {
	onTake func()
}

func (l *waitingLimiter) Take() time.Time {
	l.onTake()
	return time.Now()
}

func TestGateway_ContextExpiredWhileRateLimited(t *testing.T) {
	f := newFakeRequester()
	f.on("/auth/jwt/all-accounts", 200, `{"accounts":[]}`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g := NewGateway(f, GatewayConfig{Limiter: &waitingLimiter{onTake: cancel}}, nil)

	_, err := g.GetAccounts(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(f.requests) != 0 {
		t.Errorf("request sent after context expired: %+v", f.requests)
	}
}

func TestGateway_TimestampsInSecondsOrMillis(t *testing.T) {
	f := newFakeRequester()
	f.on("/trade/accounts/42/positions", 200, `{"positions":[
		{"id":"p-1","tradableInstrumentId":278,"side":"buy","qty":1,"openDate":1705320000},
		{"id":"p-2","tradableInstrumentId":278,"side":"buy","qty":1,"openDate":1705320000000}
	]}`)
	g := NewGateway(f, GatewayConfig{}, nil)

	positions, err := g.GetOpenPositions(context.Background())
	if err != nil {
		t.Fatalf("GetOpenPositions() error: %v", err)
	}
	if len(positions) != 2 {
		t.Fatalf("positions = %d, want 2", len(positions))
	}
	for _, p := range positions {
		if p.OpenedAt.Unix() != 1705320000 {
			t.Errorf("%s opened at %v, want 2024-01-15 12:00 UTC", p.ID, p.OpenedAt)
		}
	}
}
