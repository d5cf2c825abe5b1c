package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"tradebridge/internal/bot"
	"tradebridge/internal/broker"
	"tradebridge/internal/models"
	"tradebridge/internal/repository"
)

const testPrincipal = "user-1"

func newTestBrokerService(gw *MockGateway) (*BrokerService, *MockSessionManager, *MockCredentialStore, *MockBroadcaster) {
	sessions := NewMockSessionManager(gw)
	creds := NewMockCredentialStore()
	hub := &MockBroadcaster{}
	svc := NewBrokerService("TradeLocker", sessions, creds, nil)
	svc.SetBroadcaster(hub)
	svc.now = func() time.Time { return time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC) }
	return svc, sessions, creds, hub
}

func connectAndSelect(t *testing.T, svc *BrokerService) {
	t.Helper()
	ctx := context.Background()
	if _, err := svc.Connect(ctx, testPrincipal, ConnectRequest{Email: "trader@example.com", Password: "pw", Server: "OSP-DEMO"}); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if _, err := svc.SelectAccount(ctx, testPrincipal, SelectAccountRequest{AccountID: "111", AccountNumber: "1"}); err != nil {
		t.Fatalf("SelectAccount failed: %v", err)
	}
}

func TestBrokerService_Connect_Validation(t *testing.T) {
	svc, sessions, _, _ := newTestBrokerService(nil)

	tests := []struct {
		name string
		req  ConnectRequest
	}{
		{"bad email", ConnectRequest{Email: "nope", Password: "pw", Server: "OSP-DEMO"}},
		{"no password", ConnectRequest{Email: "a@b.com", Server: "OSP-DEMO"}},
		{"no server", ConnectRequest{Email: "a@b.com", Password: "pw"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Connect(context.Background(), testPrincipal, tt.req)
			if !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("expected ErrInvalidRequest, got %v", err)
			}
		})
	}
	if sessions.created != 0 {
		t.Errorf("no session should be created on invalid input, got %d", sessions.created)
	}
}

func TestBrokerService_Connect_Success(t *testing.T) {
	svc, _, creds, _ := newTestBrokerService(nil)

	status, err := svc.Connect(context.Background(), testPrincipal, ConnectRequest{
		Email: " trader@example.com ", Password: "pw", Server: "OSP-DEMO",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !status.Connected || status.State != "authenticated" {
		t.Errorf("unexpected status: %+v", status)
	}
	if status.Broker != "tradelocker" || status.Email != "trader@example.com" {
		t.Errorf("unexpected identity in status: %+v", status)
	}

	stored, err := creds.GetByPrincipal(context.Background(), testPrincipal)
	if err != nil {
		t.Fatalf("credential not stored: %v", err)
	}
	if stored.AccessToken != "access-1" || stored.RefreshToken != "refresh-1" {
		t.Errorf("tokens not stored: %+v", stored)
	}
	if stored.LastConnected == nil {
		t.Error("expected LastConnected to be set")
	}
}

func TestBrokerService_Connect_AuthFailureEvictsSession(t *testing.T) {
	svc, sessions, creds, _ := newTestBrokerService(nil)
	sessions.authErr = &broker.AuthenticationError{StatusCode: 401, Body: "bad credentials"}

	_, err := svc.Connect(context.Background(), testPrincipal, ConnectRequest{Email: "a@b.com", Password: "pw", Server: "OSP-DEMO"})
	var authErr *broker.AuthenticationError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthenticationError, got %v", err)
	}
	if _, ok := sessions.Lookup(testPrincipal); ok {
		t.Error("failed session must be evicted")
	}
	if _, err := creds.GetByPrincipal(context.Background(), testPrincipal); !errors.Is(err, repository.ErrCredentialNotFound) {
		t.Error("credential must not be stored")
	}
}

func TestBrokerService_SelectAccount(t *testing.T) {
	gw := &MockGateway{accounts: []models.Account{
		{ID: "111", AccountNumber: "1"},
		{ID: "222", AccountNumber: "2"},
	}}
	svc, _, creds, _ := newTestBrokerService(gw)
	ctx := context.Background()

	if _, err := svc.SelectAccount(ctx, testPrincipal, SelectAccountRequest{AccountID: "111"}); !errors.Is(err, bot.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected before connect, got %v", err)
	}

	if _, err := svc.Connect(ctx, testPrincipal, ConnectRequest{Email: "a@b.com", Password: "pw", Server: "OSP-DEMO"}); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if _, err := svc.SelectAccount(ctx, testPrincipal, SelectAccountRequest{}); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("expected ErrInvalidRequest for empty selection, got %v", err)
	}

	status, err := svc.SelectAccount(ctx, testPrincipal, SelectAccountRequest{AccountNumber: "2"})
	if err != nil {
		t.Fatalf("SelectAccount failed: %v", err)
	}
	if status.AccountID != "222" || status.AccountNumber != "2" {
		t.Errorf("partial reference not completed: %+v", status)
	}
	if status.State != "account_selected" {
		t.Errorf("expected account_selected, got %s", status.State)
	}

	stored, _ := creds.GetByPrincipal(ctx, testPrincipal)
	if stored.AccountID != "222" || stored.AccountNumber != "2" {
		t.Errorf("selection not persisted: %+v", stored)
	}
}

func TestBrokerService_Status_NotConnected(t *testing.T) {
	svc, _, _, _ := newTestBrokerService(nil)

	status, err := svc.Status(context.Background(), testPrincipal)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status.Connected || status.State != "unauthenticated" {
		t.Errorf("unexpected status: %+v", status)
	}
}

func TestBrokerService_RestoresSessionFromStore(t *testing.T) {
	gw := &MockGateway{instruments: []models.Instrument{{ID: 7, Name: "EURUSD"}}}
	svc, sessions, creds, _ := newTestBrokerService(gw)

	creds.creds[testPrincipal] = &models.BrokerCredential{
		PrincipalID:  testPrincipal,
		Broker:       "tradelocker",
		Server:       "OSP-DEMO",
		AccessToken:  "stored-access",
		RefreshToken: "stored-refresh",
		AccountID:    "111",
		Connected:    true,
	}

	instruments, err := svc.GetInstruments(context.Background(), testPrincipal)
	if err != nil {
		t.Fatalf("GetInstruments failed: %v", err)
	}
	if len(instruments) != 1 {
		t.Errorf("expected 1 instrument, got %d", len(instruments))
	}

	restored := sessions.session(testPrincipal)
	if restored == nil {
		t.Fatal("session was not restored")
	}
	if restored.tokens.AccessToken != "stored-access" || restored.account.ID != "111" {
		t.Errorf("session restored with wrong data: %+v", restored)
	}

	// повторный вызов использует ту же сессию
	if _, err := svc.GetInstruments(context.Background(), testPrincipal); err != nil {
		t.Fatalf("second call failed: %v", err)
	}
	if sessions.created != 1 {
		t.Errorf("expected single restore, got %d sessions", sessions.created)
	}
}

func TestBrokerService_PersistsRotatedTokens(t *testing.T) {
	svc, sessions, creds, _ := newTestBrokerService(nil)
	connectAndSelect(t, svc)

	sessions.session(testPrincipal).rotate(broker.Tokens{AccessToken: "access-2", RefreshToken: "refresh-2"})

	stored, _ := creds.GetByPrincipal(context.Background(), testPrincipal)
	if stored.AccessToken != "access-2" || stored.RefreshToken != "refresh-2" {
		t.Errorf("rotated tokens not persisted: %+v", stored)
	}
	if creds.tokenUpdates != 1 {
		t.Errorf("expected 1 token update, got %d", creds.tokenUpdates)
	}
}

func TestBrokerService_GetQuotes_Placeholders(t *testing.T) {
	svc, _, _, hub := newTestBrokerService(&MockGateway{})
	ctx := context.Background()

	quotes := svc.GetQuotes(ctx, testPrincipal, []string{"eurusd", "EURUSD", "xauusd"})
	if len(quotes) != 2 {
		t.Fatalf("expected 2 deduplicated placeholders, got %d", len(quotes))
	}
	for _, q := range quotes {
		if !q.IsPlaceholder() || q.Reason != QuoteReasonNotConnected {
			t.Errorf("expected not_connected placeholder, got %+v", q)
		}
	}

	if _, err := svc.Connect(ctx, testPrincipal, ConnectRequest{Email: "a@b.com", Password: "pw", Server: "OSP-DEMO"}); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	quotes = svc.GetQuotes(ctx, testPrincipal, []string{"EURUSD"})
	if quotes[0].Reason != QuoteReasonNoAccount {
		t.Errorf("expected no_account_selected, got %q", quotes[0].Reason)
	}

	if _, err := svc.SelectAccount(ctx, testPrincipal, SelectAccountRequest{AccountID: "1", AccountNumber: "1"}); err != nil {
		t.Fatalf("SelectAccount failed: %v", err)
	}
	quotes = svc.GetQuotes(ctx, testPrincipal, []string{"EURUSD"})
	if quotes[0].Reason != QuoteReasonUnavailable {
		t.Errorf("expected quotes_unavailable when gateway returns nothing, got %q", quotes[0].Reason)
	}
	if len(hub.market) != 0 {
		t.Error("placeholders must not be broadcast")
	}
	if got := svc.GetQuotes(ctx, testPrincipal, nil); len(got) != 0 {
		t.Errorf("expected empty result for no symbols, got %d", len(got))
	}
}

func TestBrokerService_GetQuotes_BroadcastsRealQuotes(t *testing.T) {
	gw := &MockGateway{quotes: []models.Quote{
		{Symbol: "EURUSD", Bid: 1.1, Ask: 1.2, Source: models.QuoteSourceBroker},
	}}
	svc, _, _, hub := newTestBrokerService(gw)
	connectAndSelect(t, svc)

	quotes := svc.GetQuotes(context.Background(), testPrincipal, []string{"EURUSD", "GBPUSD"})
	if len(quotes) != 1 || quotes[0].IsPlaceholder() {
		t.Fatalf("expected real quotes, got %+v", quotes)
	}
	if got := gw.quoteRequests[0]; len(got) != 2 {
		t.Errorf("expected both symbols requested, got %v", got)
	}
	if len(hub.market) != 1 || hub.market[0][0] != "EURUSD" {
		t.Errorf("expected market_data broadcast for EURUSD, got %v", hub.market)
	}
}

func TestBrokerService_GetQuotes_PlaceholdersNotBroadcast(t *testing.T) {
	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	gw := &MockGateway{quotes: []models.Quote{
		{Symbol: "EURUSD", Bid: 1.1, Ask: 1.2, Source: models.QuoteSourceBroker},
		models.NewPlaceholderQuote("GBPUSD", QuoteReasonUnavailable, at),
	}}
	svc, _, _, hub := newTestBrokerService(gw)
	connectAndSelect(t, svc)

	quotes := svc.GetQuotes(context.Background(), testPrincipal, []string{"EURUSD", "GBPUSD"})
	if len(quotes) != 2 {
		t.Fatalf("caller must get every quote, got %+v", quotes)
	}
	if len(hub.market) != 1 || len(hub.market[0]) != 1 || hub.market[0][0] != "EURUSD" {
		t.Errorf("only broker prices may be broadcast, got %v", hub.market)
	}
}

func TestBrokerService_GetPositions_Degrades(t *testing.T) {
	gw := &MockGateway{positionsErr: &broker.UpstreamError{Operation: "positions", StatusCode: 500}}
	svc, _, _, _ := newTestBrokerService(gw)

	if got := svc.GetPositions(context.Background(), testPrincipal); got == nil || len(got) != 0 {
		t.Errorf("expected empty slice when not connected, got %v", got)
	}

	connectAndSelect(t, svc)
	if got := svc.GetPositions(context.Background(), testPrincipal); got == nil || len(got) != 0 {
		t.Errorf("expected empty slice on upstream error, got %v", got)
	}
}

func TestBrokerService_GetCandles(t *testing.T) {
	gw := &MockGateway{candles: []models.Candle{{Close: 1}}}
	svc, _, _, _ := newTestBrokerService(gw)
	ctx := context.Background()

	if _, err := svc.GetCandles(ctx, testPrincipal, "!!", "", 0); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("expected ErrInvalidRequest, got %v", err)
	}
	if _, err := svc.GetCandles(ctx, testPrincipal, "EURUSD", "", 0); !errors.Is(err, bot.ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}

	connectAndSelect(t, svc)
	candles, err := svc.GetCandles(ctx, testPrincipal, "eurusd", "", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(candles) != 1 {
		t.Errorf("expected 1 candle, got %d", len(candles))
	}
	if gw.candleArgs[0] != "EURUSD" || gw.candleArgs[1] != "1H" || gw.candleArgs[2] != 100 {
		t.Errorf("unexpected defaults: %v", gw.candleArgs)
	}
}

func TestBrokerService_Disconnect(t *testing.T) {
	svc, sessions, creds, _ := newTestBrokerService(nil)
	connectAndSelect(t, svc)

	if err := svc.Disconnect(context.Background(), testPrincipal); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	if _, ok := sessions.Lookup(testPrincipal); ok {
		t.Error("session must be evicted")
	}
	if len(creds.creds) != 0 {
		t.Error("credential must be deleted")
	}

	// повторное отключение не ошибка
	if err := svc.Disconnect(context.Background(), testPrincipal); err != nil {
		t.Errorf("second Disconnect failed: %v", err)
	}
}

func TestBrokerService_Connection(t *testing.T) {
	svc, _, _, _ := newTestBrokerService(nil)

	conn, err := svc.Connection(context.Background(), testPrincipal)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if conn.Session != nil || conn.Gateway != nil {
		t.Error("expected zero connection when not connected")
	}

	connectAndSelect(t, svc)
	conn, err = svc.Connection(context.Background(), testPrincipal)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if conn.Session == nil || conn.Session.State() != broker.StateAccountSelected {
		t.Errorf("expected selected session, got %+v", conn)
	}
}

func TestBrokerService_ResolveInstrument(t *testing.T) {
	gw := &MockGateway{instruments: []models.Instrument{{ID: 9, Name: "XAUUSD"}}}
	svc, _, _, _ := newTestBrokerService(gw)
	connectAndSelect(t, svc)

	inst, err := svc.ResolveInstrument(context.Background(), testPrincipal, "XAUUSD")
	if err != nil || inst.ID != 9 {
		t.Fatalf("expected instrument 9, got %+v, %v", inst, err)
	}
	if _, err := svc.ResolveInstrument(context.Background(), testPrincipal, "NOPE"); !errors.Is(err, ErrInstrumentNotResolved) {
		t.Errorf("expected ErrInstrumentNotResolved, got %v", err)
	}
}
