package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"tradebridge/internal/bot"
	"tradebridge/internal/broker"
	"tradebridge/internal/models"
	"tradebridge/internal/repository"
	"tradebridge/pkg/utils"
)

// Причины заглушек котировок
const (
	QuoteReasonNotConnected = "not_connected"
	QuoteReasonNoAccount    = "no_account_selected"
	QuoteReasonUnavailable  = "quotes_unavailable"
)

// ConnectRequest - параметры подключения к брокеру
type ConnectRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Server   string `json:"server"`
}

// SelectAccountRequest - выбор счета; достаточно одного из полей
type SelectAccountRequest struct {
	AccountID     string `json:"accountId"`
	AccountNumber string `json:"accountNumber"`
}

// ConnectionStatus - состояние подключения принципала
type ConnectionStatus struct {
	Connected      bool       `json:"connected"`
	Broker         string     `json:"broker,omitempty"`
	Email          string     `json:"email,omitempty"`
	Server         string     `json:"server,omitempty"`
	State          string     `json:"state"`
	AccountID      string     `json:"account_id,omitempty"`
	AccountNumber  string     `json:"account_number,omitempty"`
	SessionExpired bool       `json:"session_expired"`
	LastConnected  *time.Time `json:"last_connected,omitempty"`
}

// BrokerService - подключение к брокеру и чтение данных
//
// Источник истины для токенов - CredentialStore. Сессия в памяти
// восстанавливается из него лениво, например после рестарта процесса.
// Операции чтения котировок и позиций деградируют до заглушек/пустых
// списков, ошибки остальных операций возвращаются вызывающему.
type BrokerService struct {
	brokerName string
	sessions   SessionManager
	creds      CredentialStore
	hub        Broadcaster
	logger     *zap.Logger
	now        func() time.Time
}

// NewBrokerService создает сервис
func NewBrokerService(brokerName string, sessions SessionManager, creds CredentialStore, logger *zap.Logger) *BrokerService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BrokerService{
		brokerName: strings.ToLower(brokerName),
		sessions:   sessions,
		creds:      creds,
		hub:        noopBroadcaster{},
		logger:     logger.With(utils.Broker(brokerName)),
		now:        time.Now,
	}
}

// SetBroadcaster подключает realtime hub для market_data
func (s *BrokerService) SetBroadcaster(hub Broadcaster) {
	if hub == nil {
		hub = noopBroadcaster{}
	}
	s.hub = hub
}

// Connect аутентифицируется у брокера и сохраняет подключение
//
// Прежняя сессия принципала заменяется. Выбранный ранее счет сбрасывается.
func (s *BrokerService) Connect(ctx context.Context, principalID string, req ConnectRequest) (*ConnectionStatus, error) {
	var verr utils.ValidationErrors
	req.Email = strings.TrimSpace(req.Email)
	req.Server = strings.TrimSpace(req.Server)
	verr.AddError("email", utils.ValidateEmail(req.Email))
	verr.AddError("server", utils.ValidateServer(req.Server))
	if req.Password == "" {
		verr.Add("password", "is required")
	}
	if verr.HasErrors() {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, verr.Err())
	}
	if !broker.IsSupported(s.brokerName) {
		return nil, ErrUnsupportedBroker
	}

	session := s.sessions.Create(principalID, req.Server)
	tokens, err := session.Authenticate(ctx, req.Email, req.Password)
	if err != nil {
		s.sessions.Evict(principalID)
		s.logger.Warn("broker authentication failed",
			utils.PrincipalID(principalID), utils.Server(req.Server), utils.Err(err))
		return nil, err
	}

	now := s.now().UTC()
	cred := &models.BrokerCredential{
		PrincipalID:   principalID,
		Broker:        s.brokerName,
		Email:         req.Email,
		Server:        req.Server,
		AccessToken:   tokens.AccessToken,
		RefreshToken:  tokens.RefreshToken,
		Connected:     true,
		LastConnected: &now,
	}
	if err := s.creds.Upsert(ctx, cred); err != nil {
		s.sessions.Evict(principalID)
		return nil, fmt.Errorf("save credential: %w", err)
	}
	s.watchRotation(principalID, session)

	s.logger.Info("broker connected", utils.PrincipalID(principalID), utils.Server(req.Server))
	return s.statusFrom(cred, session), nil
}

// SelectAccount выбирает счет для операций
//
// Если известен только id или только номер, второй берется из списка
// счетов брокера, когда он доступен.
func (s *BrokerService) SelectAccount(ctx context.Context, principalID string, req SelectAccountRequest) (*ConnectionStatus, error) {
	ref := broker.AccountRef{
		ID:     strings.TrimSpace(req.AccountID),
		Number: strings.TrimSpace(req.AccountNumber),
	}
	if ref.IsZero() {
		return nil, fmt.Errorf("%w: accountId or accountNumber is required", ErrInvalidRequest)
	}

	session, cred, err := s.session(ctx, principalID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, bot.ErrNotConnected
	}

	if ref.ID == "" || ref.Number == "" {
		ref = s.completeAccountRef(ctx, session, ref)
	}

	if err := session.SelectAccount(ref); err != nil {
		if errors.Is(err, broker.ErrNotAuthenticated) {
			return nil, bot.ErrNotConnected
		}
		return nil, err
	}
	if err := s.creds.SelectAccount(ctx, principalID, ref.ID, ref.Number); err != nil {
		return nil, fmt.Errorf("save account selection: %w", err)
	}

	cred.AccountID, cred.AccountNumber = ref.ID, ref.Number
	s.logger.Info("broker account selected",
		utils.PrincipalID(principalID), utils.AccountID(ref.PathRef()))
	return s.statusFrom(cred, session), nil
}

func (s *BrokerService) completeAccountRef(ctx context.Context, session BrokerSession, ref broker.AccountRef) broker.AccountRef {
	accounts, err := s.sessions.Gateway(session).GetAccounts(ctx)
	if err != nil {
		s.logger.Debug("account list unavailable, using partial reference", utils.Err(err))
		return ref
	}
	for _, a := range accounts {
		if (ref.ID != "" && a.ID == ref.ID) || (ref.Number != "" && a.AccountNumber == ref.Number) {
			return broker.AccountRef{ID: a.ID, Number: a.AccountNumber}
		}
	}
	return ref
}

// Disconnect удаляет сессию и сохраненное подключение
func (s *BrokerService) Disconnect(ctx context.Context, principalID string) error {
	s.sessions.Evict(principalID)
	if err := s.creds.Delete(ctx, principalID); err != nil && !errors.Is(err, repository.ErrCredentialNotFound) {
		return fmt.Errorf("delete credential: %w", err)
	}
	s.logger.Info("broker disconnected", utils.PrincipalID(principalID))
	return nil
}

// Status возвращает состояние подключения
func (s *BrokerService) Status(ctx context.Context, principalID string) (*ConnectionStatus, error) {
	session, cred, err := s.session(ctx, principalID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return &ConnectionStatus{State: broker.StateUnauthenticated.String()}, nil
	}
	return s.statusFrom(cred, session), nil
}

// Connection реализует ConnectionProvider для ордерного пути
//
// Нет подключения - нулевое значение без ошибки: предусловия
// проверяет пайплайн.
func (s *BrokerService) Connection(ctx context.Context, principalID string) (bot.Connection, error) {
	session, _, err := s.session(ctx, principalID)
	if err != nil || session == nil {
		return bot.Connection{}, err
	}
	return bot.Connection{Session: session, Gateway: s.sessions.Gateway(session)}, nil
}

// ResolveInstrument находит инструмент по символу
func (s *BrokerService) ResolveInstrument(ctx context.Context, principalID, symbol string) (*models.Instrument, error) {
	gw, err := s.gateway(ctx, principalID)
	if err != nil {
		return nil, err
	}
	inst, err := gw.FindInstrument(ctx, symbol)
	if err != nil {
		if errors.Is(err, broker.ErrInstrumentNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrInstrumentNotResolved, symbol)
		}
		return nil, err
	}
	return inst, nil
}

// GetAccounts возвращает счета брокера
func (s *BrokerService) GetAccounts(ctx context.Context, principalID string) ([]models.Account, error) {
	session, _, err := s.session(ctx, principalID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, bot.ErrNotConnected
	}
	return s.sessions.Gateway(session).GetAccounts(ctx)
}

// GetInstruments возвращает инструменты выбранного счета
func (s *BrokerService) GetInstruments(ctx context.Context, principalID string) ([]models.Instrument, error) {
	gw, err := s.gateway(ctx, principalID)
	if err != nil {
		return nil, err
	}
	return gw.GetInstruments(ctx)
}

// GetQuotes возвращает котировки и никогда не падает
//
// Без подключения или при недоступности брокера возвращаются заглушки
// с Source "mock" и причиной. Реальные котировки рассылаются как market_data.
func (s *BrokerService) GetQuotes(ctx context.Context, principalID string, symbols []string) []models.Quote {
	symbols = utils.NormalizeSymbols(symbols)
	if len(symbols) == 0 {
		return []models.Quote{}
	}

	gw, err := s.gateway(ctx, principalID)
	if err != nil {
		reason := QuoteReasonUnavailable
		switch {
		case errors.Is(err, bot.ErrNotConnected):
			reason = QuoteReasonNotConnected
		case errors.Is(err, bot.ErrNoAccountSelected):
			reason = QuoteReasonNoAccount
		default:
			s.logger.Warn("quotes degraded to placeholders", utils.Operation("quotes"), utils.PrincipalID(principalID), utils.Err(err))
		}
		return s.placeholders(symbols, reason)
	}

	quotes := gw.GetQuotes(ctx, symbols)
	if len(quotes) == 0 {
		return s.placeholders(symbols, QuoteReasonUnavailable)
	}

	// в market_data уходят только цены брокера
	touched := make([]string, 0, len(quotes))
	priced := make([]models.Quote, 0, len(quotes))
	for _, q := range quotes {
		if q.IsPlaceholder() {
			continue
		}
		touched = append(touched, q.Symbol)
		priced = append(priced, q)
	}
	if len(priced) > 0 {
		s.hub.BroadcastMarketData(touched, priced)
	}
	return quotes
}

func (s *BrokerService) placeholders(symbols []string, reason string) []models.Quote {
	now := s.now()
	out := make([]models.Quote, 0, len(symbols))
	for _, sym := range symbols {
		out = append(out, models.NewPlaceholderQuote(sym, reason, now))
	}
	return out
}

// GetPositions возвращает открытые позиции или пустой список
func (s *BrokerService) GetPositions(ctx context.Context, principalID string) []models.Position {
	gw, err := s.gateway(ctx, principalID)
	if err != nil {
		return []models.Position{}
	}
	positions, err := gw.GetOpenPositions(ctx)
	if err != nil {
		s.logger.Warn("positions unavailable", utils.Operation("positions"), utils.PrincipalID(principalID), utils.Err(err))
		return []models.Position{}
	}
	if positions == nil {
		positions = []models.Position{}
	}
	return positions
}

// GetCandles возвращает исторические свечи
func (s *BrokerService) GetCandles(ctx context.Context, principalID, symbol, timeframe string, count int) ([]models.Candle, error) {
	if err := utils.ValidateSymbol(symbol); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if count <= 0 {
		count = 100
	}
	if timeframe == "" {
		timeframe = "1H"
	}

	gw, err := s.gateway(ctx, principalID)
	if err != nil {
		return nil, err
	}
	return gw.GetHistoricalCandles(ctx, utils.NormalizeSymbol(symbol), timeframe, count)
}

// gateway возвращает шлюз подключенного принципала с выбранным счетом
func (s *BrokerService) gateway(ctx context.Context, principalID string) (BrokerGateway, error) {
	session, _, err := s.session(ctx, principalID)
	if err != nil {
		return nil, err
	}
	if session == nil || session.State() == broker.StateUnauthenticated {
		return nil, bot.ErrNotConnected
	}
	if session.State() != broker.StateAccountSelected {
		return nil, bot.ErrNoAccountSelected
	}
	return s.sessions.Gateway(session), nil
}

// session находит сессию принципала или восстанавливает ее из хранилища
//
// (nil, nil, nil) - принципал не подключен.
func (s *BrokerService) session(ctx context.Context, principalID string) (BrokerSession, *models.BrokerCredential, error) {
	cred, err := s.creds.GetByPrincipal(ctx, principalID)
	if err != nil {
		if errors.Is(err, repository.ErrCredentialNotFound) {
			s.sessions.Evict(principalID)
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("load credential: %w", err)
	}
	if !cred.Connected || cred.AccessToken == "" {
		return nil, cred, nil
	}

	if session, ok := s.sessions.Lookup(principalID); ok && session.Server() == cred.Server {
		return session, cred, nil
	}

	session := s.sessions.Create(principalID, cred.Server)
	session.Restore(
		broker.Tokens{AccessToken: cred.AccessToken, RefreshToken: cred.RefreshToken},
		broker.AccountRef{ID: cred.AccountID, Number: cred.AccountNumber},
	)
	s.watchRotation(principalID, session)
	s.logger.Debug("broker session restored", utils.PrincipalID(principalID), utils.Server(cred.Server))
	return session, cred, nil
}

// watchRotation сохраняет обновленные токены в хранилище
func (s *BrokerService) watchRotation(principalID string, session BrokerSession) {
	session.OnTokensRotated(func(t broker.Tokens) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.creds.UpdateTokens(ctx, principalID, t.AccessToken, t.RefreshToken); err != nil {
			s.logger.Error("failed to persist rotated tokens", utils.PrincipalID(principalID), utils.Err(err))
		}
	})
}

func (s *BrokerService) statusFrom(cred *models.BrokerCredential, session BrokerSession) *ConnectionStatus {
	st := &ConnectionStatus{
		Connected:     cred.Connected,
		Broker:        cred.Broker,
		Email:         cred.Email,
		Server:        cred.Server,
		State:         broker.StateUnauthenticated.String(),
		AccountID:     cred.AccountID,
		AccountNumber: cred.AccountNumber,
		LastConnected: cred.LastConnected,
	}
	if session != nil {
		st.State = session.State().String()
		st.SessionExpired = session.Invalidated()
	}
	return st
}
