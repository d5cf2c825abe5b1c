package service

import (
	"context"
	"errors"

	"tradebridge/internal/bot"
	"tradebridge/internal/broker"
	"tradebridge/internal/models"
	"tradebridge/internal/repository"
	"tradebridge/internal/websocket"
)

// Ошибки сервисного слоя
var (
	ErrInvalidRequest        = errors.New("invalid request")
	ErrSignalNotExecutable   = errors.New("signal is not executable")
	ErrInvalidTransition     = errors.New("invalid signal status transition")
	ErrUnsupportedBroker     = errors.New("broker is not supported")
	ErrInstrumentNotResolved = errors.New("instrument could not be resolved")
)

// ============ Хранилища ============

// CredentialStore - хранилище подключений к брокеру
type CredentialStore interface {
	GetByPrincipal(ctx context.Context, principalID string) (*models.BrokerCredential, error)
	Upsert(ctx context.Context, cred *models.BrokerCredential) error
	UpdateTokens(ctx context.Context, principalID, accessToken, refreshToken string) error
	SelectAccount(ctx context.Context, principalID, accountID, accountNumber string) error
	Delete(ctx context.Context, principalID string) error
}

// RiskProfileStore - хранилище риск-профилей
type RiskProfileStore interface {
	Get(ctx context.Context, principalID string) (*models.RiskProfile, error)
	Upsert(ctx context.Context, profile *models.RiskProfile) error
}

// SignalStore - хранилище сигналов
type SignalStore interface {
	Create(ctx context.Context, sig *models.Signal) error
	Get(ctx context.Context, id string) (*models.Signal, error)
	UpdateIfStatus(ctx context.Context, sig *models.Signal, fromStatus string) error
	List(ctx context.Context, filter repository.SignalFilter) ([]*models.Signal, error)
}

var _ CredentialStore = (*repository.CredentialRepository)(nil)
var _ RiskProfileStore = (*repository.RiskProfileRepository)(nil)
var _ SignalStore = (*repository.SignalRepository)(nil)

// ============ Брокер ============

// BrokerSession - сессия брокера одного принципала
type BrokerSession interface {
	broker.Requester
	Authenticate(ctx context.Context, email, password string) (*broker.Tokens, error)
	Restore(tokens broker.Tokens, account broker.AccountRef)
	SelectAccount(ref broker.AccountRef) error
	State() broker.State
	Server() string
	Invalidated() bool
	OnTokensRotated(fn func(broker.Tokens))
}

// BrokerGateway - операции брокера поверх сессии
type BrokerGateway interface {
	GetAccounts(ctx context.Context) ([]models.Account, error)
	GetInstruments(ctx context.Context) ([]models.Instrument, error)
	FindInstrument(ctx context.Context, symbol string) (*models.Instrument, error)
	GetQuotes(ctx context.Context, symbols []string) []models.Quote
	GetOpenPositions(ctx context.Context) ([]models.Position, error)
	GetHistoricalCandles(ctx context.Context, symbol, timeframe string, count int) ([]models.Candle, error)
	PlaceOrder(ctx context.Context, req *models.OrderRequest) (*models.OrderResult, error)
}

// SessionManager создает, находит и удаляет сессии принципалов
type SessionManager interface {
	Create(principalID, server string) BrokerSession
	Lookup(principalID string) (BrokerSession, bool)
	Evict(principalID string) int
	Gateway(session BrokerSession) BrokerGateway
}

var _ BrokerSession = (*broker.Session)(nil)
var _ BrokerGateway = (*broker.Gateway)(nil)

// ============ Realtime ============

// Broadcaster - рассылка событий наблюдателям
type Broadcaster interface {
	BroadcastSignal(sig *models.Signal)
	BroadcastSignalUpdate(sig *models.Signal, changes map[string]interface{})
	BroadcastMarketData(symbols []string, quotes []models.Quote)
}

var _ Broadcaster = (*websocket.Hub)(nil)

// noopBroadcaster используется, пока hub не подключен
type noopBroadcaster struct{}

func (noopBroadcaster) BroadcastSignal(*models.Signal)                                {}
func (noopBroadcaster) BroadcastSignalUpdate(*models.Signal, map[string]interface{}) {}
func (noopBroadcaster) BroadcastMarketData([]string, []models.Quote)                 {}

// ============ Интерфейсы сервисов для Dependency Injection ============

// ConnectionProvider выдает подключение принципала для ордерного пути
type ConnectionProvider interface {
	Connection(ctx context.Context, principalID string) (bot.Connection, error)
	ResolveInstrument(ctx context.Context, principalID, symbol string) (*models.Instrument, error)
}

// OrderSubmitter - отправка ордера с риск-контролем
type OrderSubmitter interface {
	SubmitOrder(ctx context.Context, principalID string, req *models.OrderRequest) (*models.OrderResult, error)
}

// BrokerServiceInterface используется HTTP-обработчиками
type BrokerServiceInterface interface {
	Connect(ctx context.Context, principalID string, req ConnectRequest) (*ConnectionStatus, error)
	SelectAccount(ctx context.Context, principalID string, req SelectAccountRequest) (*ConnectionStatus, error)
	Disconnect(ctx context.Context, principalID string) error
	Status(ctx context.Context, principalID string) (*ConnectionStatus, error)
	GetAccounts(ctx context.Context, principalID string) ([]models.Account, error)
	GetInstruments(ctx context.Context, principalID string) ([]models.Instrument, error)
	GetQuotes(ctx context.Context, principalID string, symbols []string) []models.Quote
	GetPositions(ctx context.Context, principalID string) []models.Position
	GetCandles(ctx context.Context, principalID, symbol, timeframe string, count int) ([]models.Candle, error)
}

// RiskServiceInterface - управление риск-профилем
type RiskServiceInterface interface {
	GetProfile(ctx context.Context, principalID string) (*models.RiskProfile, error)
	UpsertProfile(ctx context.Context, principalID string, profile *models.RiskProfile) (*models.RiskProfile, error)
	Check(ctx context.Context, principalID string, req *models.OrderRequest) (bot.Decision, error)
}

// SignalServiceInterface - сигналы и их исполнение
type SignalServiceInterface interface {
	Create(ctx context.Context, sig *models.Signal) (*models.Signal, error)
	Update(ctx context.Context, id string, changes map[string]interface{}) (*models.Signal, error)
	Get(ctx context.Context, id string) (*models.Signal, error)
	List(ctx context.Context, filter repository.SignalFilter) ([]*models.Signal, error)
	Execute(ctx context.Context, principalID, id string, qty float64) (*ExecutionResult, error)
}

var _ BrokerServiceInterface = (*BrokerService)(nil)
var _ ConnectionProvider = (*BrokerService)(nil)
var _ OrderSubmitter = (*OrderService)(nil)
var _ RiskServiceInterface = (*RiskService)(nil)
var _ SignalServiceInterface = (*SignalService)(nil)
