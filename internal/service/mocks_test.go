package service

import (
	"context"
	"sync"
	"time"

	"tradebridge/internal/broker"
	"tradebridge/internal/models"
	"tradebridge/internal/repository"
)

// ============ Mock CredentialStore ============

type MockCredentialStore struct {
	mu        sync.Mutex
	creds     map[string]*models.BrokerCredential
	getErr    error
	upsertErr error
	deleteErr error

	tokenUpdates int
}

func NewMockCredentialStore() *MockCredentialStore {
	return &MockCredentialStore{creds: make(map[string]*models.BrokerCredential)}
}

func (m *MockCredentialStore) GetByPrincipal(_ context.Context, principalID string) (*models.BrokerCredential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	c, ok := m.creds[principalID]
	if !ok {
		return nil, repository.ErrCredentialNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MockCredentialStore) Upsert(_ context.Context, cred *models.BrokerCredential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		return m.upsertErr
	}
	cp := *cred
	m.creds[cred.PrincipalID] = &cp
	return nil
}

func (m *MockCredentialStore) UpdateTokens(_ context.Context, principalID, accessToken, refreshToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creds[principalID]
	if !ok {
		return repository.ErrCredentialNotFound
	}
	c.AccessToken, c.RefreshToken = accessToken, refreshToken
	m.tokenUpdates++
	return nil
}

func (m *MockCredentialStore) SelectAccount(_ context.Context, principalID, accountID, accountNumber string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creds[principalID]
	if !ok {
		return repository.ErrCredentialNotFound
	}
	c.AccountID, c.AccountNumber = accountID, accountNumber
	return nil
}

func (m *MockCredentialStore) Delete(_ context.Context, principalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return m.deleteErr
	}
	if _, ok := m.creds[principalID]; !ok {
		return repository.ErrCredentialNotFound
	}
	delete(m.creds, principalID)
	return nil
}

// ============ Mock RiskProfileStore ============

type MockRiskProfileStore struct {
	profiles  map[string]*models.RiskProfile
	getErr    error
	upsertErr error
}

func NewMockRiskProfileStore() *MockRiskProfileStore {
	return &MockRiskProfileStore{profiles: make(map[string]*models.RiskProfile)}
}

func (m *MockRiskProfileStore) Get(_ context.Context, principalID string) (*models.RiskProfile, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	return m.profiles[principalID], nil
}

func (m *MockRiskProfileStore) Upsert(_ context.Context, profile *models.RiskProfile) error {
	if m.upsertErr != nil {
		return m.upsertErr
	}
	m.profiles[profile.PrincipalID] = profile
	return nil
}

// ============ Mock BrokerSession ============

type MockSession struct {
	mu          sync.Mutex
	server      string
	state       broker.State
	tokens      broker.Tokens
	account     broker.AccountRef
	invalidated bool
	authErr     error
	onRotate    func(broker.Tokens)

	authCalls int
}

func NewMockSession(server string) *MockSession {
	return &MockSession{server: server}
}

func (m *MockSession) AuthorizedRequest(context.Context, string, string, interface{}) (*broker.Response, error) {
	return nil, broker.ErrNotAuthenticated
}

func (m *MockSession) Authenticate(_ context.Context, _, _ string) (*broker.Tokens, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.authCalls++
	if m.authErr != nil {
		return nil, m.authErr
	}
	m.tokens = broker.Tokens{AccessToken: "access-1", RefreshToken: "refresh-1"}
	m.state = broker.StateAuthenticated
	t := m.tokens
	return &t, nil
}

func (m *MockSession) Restore(tokens broker.Tokens, account broker.AccountRef) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens = tokens
	m.account = account
	m.state = broker.StateAuthenticated
	if !account.IsZero() {
		m.state = broker.StateAccountSelected
	}
}

func (m *MockSession) SelectAccount(ref broker.AccountRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == broker.StateUnauthenticated {
		return broker.ErrNotAuthenticated
	}
	m.account = ref
	m.state = broker.StateAccountSelected
	return nil
}

func (m *MockSession) State() broker.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *MockSession) Server() string { return m.server }

func (m *MockSession) Account() broker.AccountRef {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.account
}

func (m *MockSession) Invalidated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.invalidated
}

func (m *MockSession) OnTokensRotated(fn func(broker.Tokens)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRotate = fn
}

func (m *MockSession) rotate(t broker.Tokens) {
	m.mu.Lock()
	fn := m.onRotate
	m.tokens = t
	m.mu.Unlock()
	if fn != nil {
		fn(t)
	}
}

// ============ Mock BrokerGateway ============

type MockGateway struct {
	accounts    []models.Account
	instruments []models.Instrument
	quotes      []models.Quote
	positions   []models.Position
	candles     []models.Candle
	result      *models.OrderResult

	accountsErr  error
	positionsErr error
	candlesErr   error
	orderErr     error

	placed        []*models.OrderRequest
	quoteRequests [][]string
	candleArgs    []interface{}
}

func (m *MockGateway) GetAccounts(context.Context) ([]models.Account, error) {
	if m.accountsErr != nil {
		return nil, m.accountsErr
	}
	return m.accounts, nil
}

func (m *MockGateway) GetInstruments(context.Context) ([]models.Instrument, error) {
	return m.instruments, nil
}

func (m *MockGateway) FindInstrument(_ context.Context, symbol string) (*models.Instrument, error) {
	for i := range m.instruments {
		if m.instruments[i].Name == symbol {
			inst := m.instruments[i]
			return &inst, nil
		}
	}
	return nil, broker.ErrInstrumentNotFound
}

func (m *MockGateway) GetQuotes(_ context.Context, symbols []string) []models.Quote {
	m.quoteRequests = append(m.quoteRequests, symbols)
	return m.quotes
}

func (m *MockGateway) GetOpenPositions(context.Context) ([]models.Position, error) {
	if m.positionsErr != nil {
		return nil, m.positionsErr
	}
	return m.positions, nil
}

func (m *MockGateway) GetHistoricalCandles(_ context.Context, symbol, timeframe string, count int) ([]models.Candle, error) {
	m.candleArgs = []interface{}{symbol, timeframe, count}
	if m.candlesErr != nil {
		return nil, m.candlesErr
	}
	return m.candles, nil
}

func (m *MockGateway) PlaceOrder(_ context.Context, req *models.OrderRequest) (*models.OrderResult, error) {
	cp := *req
	m.placed = append(m.placed, &cp)
	if m.orderErr != nil {
		return nil, m.orderErr
	}
	if m.result != nil {
		return m.result, nil
	}
	return &models.OrderResult{OrderID: "ord-1", Status: models.OrderStatusAccepted}, nil
}

// ============ Mock SessionManager ============

type MockSessionManager struct {
	mu       sync.Mutex
	sessions map[string]*MockSession
	gateway  *MockGateway
	authErr  error

	created int
}

func NewMockSessionManager(gw *MockGateway) *MockSessionManager {
	if gw == nil {
		gw = &MockGateway{}
	}
	return &MockSessionManager{sessions: make(map[string]*MockSession), gateway: gw}
}

func (m *MockSessionManager) Create(principalID, server string) BrokerSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := NewMockSession(server)
	s.authErr = m.authErr
	m.sessions[principalID] = s
	m.created++
	return s
}

func (m *MockSessionManager) Lookup(principalID string) (BrokerSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[principalID]
	if !ok {
		return nil, false
	}
	return s, true
}

func (m *MockSessionManager) Evict(principalID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[principalID]; !ok {
		return 0
	}
	delete(m.sessions, principalID)
	return 1
}

func (m *MockSessionManager) Gateway(BrokerSession) BrokerGateway {
	return m.gateway
}

func (m *MockSessionManager) session(principalID string) *MockSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[principalID]
}

// ============ Mock Broadcaster ============

type signalUpdate struct {
	id      string
	changes map[string]interface{}
}

type MockBroadcaster struct {
	mu      sync.Mutex
	signals []*models.Signal
	updates []signalUpdate
	market  [][]string
}

func (m *MockBroadcaster) BroadcastSignal(sig *models.Signal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sig
	m.signals = append(m.signals, &cp)
}

func (m *MockBroadcaster) BroadcastSignalUpdate(sig *models.Signal, changes map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates = append(m.updates, signalUpdate{id: sig.ID, changes: changes})
}

func (m *MockBroadcaster) BroadcastMarketData(symbols []string, _ []models.Quote) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.market = append(m.market, symbols)
}

// ============ Mock OrderSubmitter ============

type MockOrderSubmitter struct {
	mu     sync.Mutex
	result *models.OrderResult
	err    error
	calls  []*models.OrderRequest
}

func (m *MockOrderSubmitter) SubmitOrder(_ context.Context, _ string, req *models.OrderRequest) (*models.OrderResult, error) {
	cp := *req
	m.mu.Lock()
	m.calls = append(m.calls, &cp)
	m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return m.result, nil
}

// ============ slowSignalStore ============

// slowSignalStore расширяет окно между чтением сигнала и записью
type slowSignalStore struct {
	SignalStore
	delay time.Duration
}

func (s *slowSignalStore) Get(ctx context.Context, id string) (*models.Signal, error) {
	sig, err := s.SignalStore.Get(ctx, id)
	time.Sleep(s.delay)
	return sig, err
}

// ============ blockingSubmitter ============

// blockingSubmitter держит ордер до закрытия release
type blockingSubmitter struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingSubmitter) SubmitOrder(_ context.Context, _ string, _ *models.OrderRequest) (*models.OrderResult, error) {
	close(b.entered)
	<-b.release
	return &models.OrderResult{OrderID: "ord-late", Status: models.OrderStatusAccepted}, nil
}
