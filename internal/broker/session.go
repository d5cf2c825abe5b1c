package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Пути аутентификации upstream
const (
	authPath    = "/auth/jwt/token"
	refreshPath = "/auth/jwt/refresh"

	maxResponseBody = 8 << 20
)

// State - состояние сессии
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticated
	StateAccountSelected
)

func (s State) String() string {
	switch s {
	case StateAuthenticated:
		return "authenticated"
	case StateAccountSelected:
		return "account_selected"
	default:
		return "unauthenticated"
	}
}

// Tokens - пара JWT токенов upstream
type Tokens struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn,omitempty"`
}

// AccountRef - выбранный счет: внутренний id и/или номер счета
type AccountRef struct {
	ID     string `json:"id,omitempty"`
	Number string `json:"account_number,omitempty"`
}

// IsZero возвращает true, если счет не выбран
func (a AccountRef) IsZero() bool {
	return a.ID == "" && a.Number == ""
}

// PathRef - идентификатор счета для путей /trade/accounts/{ref}
func (a AccountRef) PathRef() string {
	if a.ID != "" {
		return a.ID
	}
	return a.Number
}

// headerNumber - значение для заголовков номера счета: номер, иначе id
func (a AccountRef) headerNumber() string {
	if a.Number != "" {
		return a.Number
	}
	return a.ID
}

// headerID - значение для заголовка accountId: id, иначе номер
func (a AccountRef) headerID() string {
	if a.ID != "" {
		return a.ID
	}
	return a.Number
}

// Response - тело и статус ответа upstream
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// IsSuccess возвращает true для 2xx
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Session - аутентифицированное подключение к брокеру
//
// Хранит токены и выбранный счет, добавляет авторизацию к запросам.
// На 401 выполняет ровно одно обновление токена и один повтор запроса.
// Параллельные 401 разделяют одно обновление (singleflight).
type Session struct {
	baseURL string
	server  string
	client  *HTTPClient
	timeout time.Duration
	logger  *zap.Logger

	mu           sync.RWMutex
	accessToken  string
	refreshToken string
	account      AccountRef
	invalidated  bool
	onRotate     func(Tokens)

	refreshGroup singleflight.Group
}

// NewSession создает неаутентифицированную сессию
func NewSession(baseURL, server string, client *HTTPClient, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		baseURL: strings.TrimRight(baseURL, "/"),
		server:  server,
		client:  client,
		timeout: client.RequestTimeout(),
		logger:  logger.With(zap.String("server", server)),
	}
}

// Server возвращает идентификатор сервера брокера
func (s *Session) Server() string {
	return s.server
}

// State возвращает текущее состояние сессии
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	switch {
	case s.accessToken == "":
		return StateUnauthenticated
	case s.account.IsZero():
		return StateAuthenticated
	default:
		return StateAccountSelected
	}
}

// Account возвращает выбранный счет
func (s *Session) Account() AccountRef {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.account
}

// Tokens возвращает копию текущих токенов
func (s *Session) Tokens() Tokens {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Tokens{AccessToken: s.accessToken, RefreshToken: s.refreshToken}
}

// Invalidated возвращает true после окончательного отказа в авторизации
func (s *Session) Invalidated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.invalidated
}

// OnTokensRotated регистрирует колбэк, вызываемый после успешного refresh
//
// Используется для сохранения новых токенов в хранилище учетных данных.
func (s *Session) OnTokensRotated(fn func(Tokens)) {
	s.mu.Lock()
	s.onRotate = fn
	s.mu.Unlock()
}

// Authenticate выполняет вход по email/паролю на сервере
//
// Неуспешный ответ возвращает *AuthenticationError; предыдущие токены
// и выбранный счет при этом не меняются.
func (s *Session) Authenticate(ctx context.Context, email, password string) (*Tokens, error) {
	payload := map[string]string{
		"email":    email,
		"password": password,
		"server":   s.server,
	}

	resp, err := s.send(ctx, http.MethodPost, authPath, payload, "", AccountRef{})
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, &AuthenticationError{StatusCode: resp.StatusCode, Body: string(resp.Body)}
	}

	var tokens Tokens
	if err := decodePayload(resp.Body, &tokens); err != nil {
		return nil, fmt.Errorf("decode auth response: %w", err)
	}
	if tokens.AccessToken == "" {
		return nil, &AuthenticationError{StatusCode: resp.StatusCode, Body: "response carries no access token"}
	}

	s.mu.Lock()
	s.accessToken = tokens.AccessToken
	s.refreshToken = tokens.RefreshToken
	s.account = AccountRef{}
	s.invalidated = false
	s.mu.Unlock()

	s.logger.Info("broker session authenticated")
	return &tokens, nil
}

// Restore восстанавливает сессию из сохраненных токенов без обращения к upstream
func (s *Session) Restore(tokens Tokens, account AccountRef) {
	s.mu.Lock()
	s.accessToken = tokens.AccessToken
	s.refreshToken = tokens.RefreshToken
	s.account = account
	s.invalidated = false
	s.mu.Unlock()
}

// SelectAccount запоминает счет для последующих запросов
//
// Разрешено только в аутентифицированной сессии. Повторный выбор заменяет счет.
func (s *Session) SelectAccount(ref AccountRef) error {
	if ref.IsZero() {
		return ErrAccountNotSelected
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.accessToken == "" {
		return ErrNotAuthenticated
	}
	s.account = ref
	s.invalidated = false
	return nil
}

// AuthorizedRequest выполняет запрос с Bearer токеном и заголовками счета
//
// Порядок: запрос; при 401 одно обновление токена (общее для всех
// параллельных вызовов) и ровно один повтор. 401 на повторе или
// отклоненный refresh возвращают *SessionExpiredError, сессия помечается
// недействительной до новой аутентификации. Таймаут или сетевая ошибка
// refresh сессию не меняют. Остальные статусы возвращаются вызывающему
// без интерпретации.
func (s *Session) AuthorizedRequest(ctx context.Context, method, path string, body interface{}) (*Response, error) {
	s.mu.RLock()
	token := s.accessToken
	account := s.account
	invalidated := s.invalidated
	s.mu.RUnlock()

	if token == "" {
		return nil, ErrNotAuthenticated
	}
	if invalidated {
		return nil, &SessionExpiredError{Reason: "session invalidated, authenticate again"}
	}

	resp, err := s.send(ctx, method, path, body, token, account)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	s.logger.Debug("upstream returned 401, refreshing token", zap.String("path", path))

	if err := s.sharedRefresh(ctx, token); err != nil {
		if IsSessionExpired(err) {
			s.invalidate()
		}
		return nil, err
	}

	s.mu.RLock()
	token = s.accessToken
	account = s.account
	s.mu.RUnlock()

	resp, err = s.send(ctx, method, path, body, token, account)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		s.invalidate()
		return nil, &SessionExpiredError{
			Reason:     "unauthorized after token refresh",
			StatusCode: resp.StatusCode,
			Body:       string(resp.Body),
		}
	}
	return resp, nil
}

// sharedRefresh выполняет одно обновление токена на всех ожидающих
//
// Обновление пропускается, если staleToken уже заменил другой вызов.
// Запрос идет без отмены контекста вызывающего и ограничен таймаутом
// сессии: отмена одного ожидающего не прерывает refresh для остальных.
func (s *Session) sharedRefresh(ctx context.Context, staleToken string) error {
	detached := context.WithoutCancel(ctx)
	ch := s.refreshGroup.DoChan("refresh", func() (interface{}, error) {
		s.mu.RLock()
		current := s.accessToken
		s.mu.RUnlock()
		if current != staleToken {
			return nil, nil
		}
		return nil, s.doRefresh(detached)
	})

	select {
	case res := <-ch:
		if res.Shared {
			s.logger.Debug("joined in-flight token refresh")
		}
		return res.Err
	case <-ctx.Done():
		return fmt.Errorf("broker token refresh: %w", ctx.Err())
	}
}

func (s *Session) doRefresh(ctx context.Context) error {
	s.mu.RLock()
	refreshToken := s.refreshToken
	s.mu.RUnlock()

	if refreshToken == "" {
		TokenRefreshes.WithLabelValues("no_token").Inc()
		return &SessionExpiredError{Reason: "no refresh token held", Err: ErrNoRefreshToken}
	}

	resp, err := s.send(ctx, http.MethodPost, refreshPath, map[string]string{"refreshToken": refreshToken}, "", AccountRef{})
	if err != nil {
		TokenRefreshes.WithLabelValues("error").Inc()
		return err
	}
	if !resp.IsSuccess() {
		TokenRefreshes.WithLabelValues("rejected").Inc()
		return &SessionExpiredError{
			Reason:     "refresh rejected",
			StatusCode: resp.StatusCode,
			Body:       string(resp.Body),
		}
	}

	var tokens Tokens
	if err := decodePayload(resp.Body, &tokens); err != nil || tokens.AccessToken == "" {
		TokenRefreshes.WithLabelValues("rejected").Inc()
		return &SessionExpiredError{Reason: "refresh response carries no access token", StatusCode: resp.StatusCode, Err: err}
	}

	s.mu.Lock()
	s.accessToken = tokens.AccessToken
	if tokens.RefreshToken != "" {
		s.refreshToken = tokens.RefreshToken
	} else {
		tokens.RefreshToken = s.refreshToken
	}
	s.invalidated = false
	onRotate := s.onRotate
	s.mu.Unlock()

	TokenRefreshes.WithLabelValues("ok").Inc()
	s.logger.Info("broker access token refreshed")

	if onRotate != nil {
		onRotate(tokens)
	}
	return nil
}

func (s *Session) invalidate() {
	s.mu.Lock()
	s.invalidated = true
	s.mu.Unlock()
	s.logger.Warn("broker session invalidated, re-authentication required")
}

// send выполняет один HTTP запрос с таймаутом сессии
func (s *Session) send(ctx context.Context, method, path string, body interface{}, token string, account AccountRef) (*Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, s.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if !account.IsZero() {
		number := account.headerNumber()
		req.Header.Set("accNum", number)
		req.Header.Set("accountNumber", number)
		req.Header.Set("Account-Number", number)
		req.Header.Set("accountId", account.headerID())
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, s.classifyTransportError(ctx, method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, s.classifyTransportError(ctx, method, path, err)
	}

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

// classifyTransportError отличает таймаут сессии от отмены вызывающим
func (s *Session) classifyTransportError(parent context.Context, method, path string, err error) error {
	if parent.Err() != nil {
		return fmt.Errorf("broker request %s %s: %w", method, path, parent.Err())
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &RequestTimedOutError{Method: method, Path: path, Timeout: s.timeout, Err: err}
	}
	return fmt.Errorf("broker request %s %s: %w", method, path, err)
}
