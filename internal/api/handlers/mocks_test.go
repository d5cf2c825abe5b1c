package handlers

import (
	"context"

	"tradebridge/internal/bot"
	"tradebridge/internal/models"
	"tradebridge/internal/repository"
	"tradebridge/internal/service"
)

// ============ Mock BrokerService ============

type MockBrokerService struct {
	status      *service.ConnectionStatus
	accounts    []models.Account
	instruments []models.Instrument
	quotes      []models.Quote
	positions   []models.Position
	candles     []models.Candle
	err         error

	lastPrincipal string
	lastConnect   service.ConnectRequest
	lastSymbols   []string
	lastCandles   []interface{}
}

func NewMockBrokerService() *MockBrokerService {
	return &MockBrokerService{status: &service.ConnectionStatus{State: "unauthenticated"}}
}

func (m *MockBrokerService) Connect(_ context.Context, principalID string, req service.ConnectRequest) (*service.ConnectionStatus, error) {
	m.lastPrincipal = principalID
	m.lastConnect = req
	if m.err != nil {
		return nil, m.err
	}
	return m.status, nil
}

func (m *MockBrokerService) SelectAccount(_ context.Context, principalID string, req service.SelectAccountRequest) (*service.ConnectionStatus, error) {
	m.lastPrincipal = principalID
	if m.err != nil {
		return nil, m.err
	}
	m.status.AccountID = req.AccountID
	m.status.AccountNumber = req.AccountNumber
	return m.status, nil
}

func (m *MockBrokerService) Disconnect(_ context.Context, principalID string) error {
	m.lastPrincipal = principalID
	return m.err
}

func (m *MockBrokerService) Status(_ context.Context, principalID string) (*service.ConnectionStatus, error) {
	m.lastPrincipal = principalID
	if m.err != nil {
		return nil, m.err
	}
	return m.status, nil
}

func (m *MockBrokerService) GetAccounts(context.Context, string) ([]models.Account, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.accounts, nil
}

func (m *MockBrokerService) GetInstruments(context.Context, string) ([]models.Instrument, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.instruments, nil
}

func (m *MockBrokerService) GetQuotes(_ context.Context, _ string, symbols []string) []models.Quote {
	m.lastSymbols = symbols
	return m.quotes
}

func (m *MockBrokerService) GetPositions(context.Context, string) []models.Position {
	if m.positions == nil {
		return []models.Position{}
	}
	return m.positions
}

func (m *MockBrokerService) GetCandles(_ context.Context, _ string, symbol, timeframe string, count int) ([]models.Candle, error) {
	m.lastCandles = []interface{}{symbol, timeframe, count}
	if m.err != nil {
		return nil, m.err
	}
	return m.candles, nil
}

// ============ Mock OrderSubmitter ============

type MockOrderSubmitter struct {
	result  *models.OrderResult
	err     error
	lastReq *models.OrderRequest
}

func (m *MockOrderSubmitter) SubmitOrder(_ context.Context, _ string, req *models.OrderRequest) (*models.OrderResult, error) {
	m.lastReq = req
	if m.err != nil {
		return nil, m.err
	}
	return m.result, nil
}

// ============ Mock RiskService ============

type MockRiskService struct {
	profile  *models.RiskProfile
	decision bot.Decision
	err      error
}

func (m *MockRiskService) GetProfile(context.Context, string) (*models.RiskProfile, error) {
	return m.profile, m.err
}

func (m *MockRiskService) UpsertProfile(_ context.Context, principalID string, profile *models.RiskProfile) (*models.RiskProfile, error) {
	if m.err != nil {
		return nil, m.err
	}
	profile.PrincipalID = principalID
	m.profile = profile
	return profile, nil
}

func (m *MockRiskService) Check(context.Context, string, *models.OrderRequest) (bot.Decision, error) {
	return m.decision, m.err
}

// ============ Mock SignalService ============

type MockSignalService struct {
	signals     map[string]*models.Signal
	execResult  *service.ExecutionResult
	err         error
	lastChanges map[string]interface{}
	lastFilter  repository.SignalFilter
	lastQty     float64
}

func NewMockSignalService() *MockSignalService {
	return &MockSignalService{signals: make(map[string]*models.Signal)}
}

func (m *MockSignalService) Create(_ context.Context, sig *models.Signal) (*models.Signal, error) {
	if m.err != nil {
		return nil, m.err
	}
	sig.ID = "sig-1"
	sig.Status = models.SignalStatusActive
	m.signals[sig.ID] = sig
	return sig, nil
}

func (m *MockSignalService) Update(_ context.Context, id string, changes map[string]interface{}) (*models.Signal, error) {
	m.lastChanges = changes
	if m.err != nil {
		return nil, m.err
	}
	sig, ok := m.signals[id]
	if !ok {
		return nil, repository.ErrSignalNotFound
	}
	if s, ok := changes["status"].(string); ok {
		sig.Status = s
	}
	return sig, nil
}

func (m *MockSignalService) Get(_ context.Context, id string) (*models.Signal, error) {
	sig, ok := m.signals[id]
	if !ok {
		return nil, repository.ErrSignalNotFound
	}
	return sig, nil
}

func (m *MockSignalService) List(_ context.Context, filter repository.SignalFilter) ([]*models.Signal, error) {
	m.lastFilter = filter
	out := make([]*models.Signal, 0, len(m.signals))
	for _, s := range m.signals {
		out = append(out, s)
	}
	return out, nil
}

func (m *MockSignalService) Execute(_ context.Context, _ string, id string, qty float64) (*service.ExecutionResult, error) {
	m.lastQty = qty
	return m.execResult, m.err
}
