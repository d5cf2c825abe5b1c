package broker

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// SupportedBrokers - список поддерживаемых брокеров
var SupportedBrokers = []string{
	"tradelocker",
}

// Окружения TradeLocker
const (
	EnvironmentDemo = "demo"
	EnvironmentLive = "live"

	demoBaseURL = "https://demo.tradelocker.com/backend-api"
	liveBaseURL = "https://live.tradelocker.com/backend-api"
)

// IsSupported проверяет, поддерживается ли брокер
func IsSupported(name string) bool {
	name = strings.ToLower(name)
	for _, supported := range SupportedBrokers {
		if name == supported {
			return true
		}
	}
	return false
}

// BaseURL возвращает адрес REST API брокера для окружения
func BaseURL(broker, environment string) (string, error) {
	if !IsSupported(broker) {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedBroker, broker)
	}
	switch strings.ToLower(environment) {
	case EnvironmentDemo, "":
		return demoBaseURL, nil
	case EnvironmentLive:
		return liveBaseURL, nil
	default:
		return "", fmt.Errorf("unknown broker environment: %s", environment)
	}
}

// FactoryConfig - параметры создания сессий и шлюзов
type FactoryConfig struct {
	Broker      string
	Environment string
	BaseURL     string // переопределяет адрес окружения
	Gateway     GatewayConfig
}

// Factory создает сессии и шлюзы с общим HTTP клиентом
type Factory struct {
	client  *HTTPClient
	baseURL string
	gateway GatewayConfig
	logger  *zap.Logger
}

// NewFactory создает фабрику; ошибка для неподдерживаемого брокера или окружения
func NewFactory(client *HTTPClient, cfg FactoryConfig, logger *zap.Logger) (*Factory, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		u, err := BaseURL(cfg.Broker, cfg.Environment)
		if err != nil {
			return nil, err
		}
		baseURL = u
	}

	// все шлюзы делят один лимит запросов к upstream
	gw := cfg.Gateway
	if gw.Limiter == nil {
		gw.Limiter = newLimiter(gw.RequestsPerMinute)
	}

	return &Factory{
		client:  client,
		baseURL: baseURL,
		gateway: gw,
		logger:  logger,
	}, nil
}

// NewSession создает неаутентифицированную сессию для сервера
func (f *Factory) NewSession(server string) *Session {
	return NewSession(f.baseURL, server, f.client, f.logger.Named("session"))
}

// NewGateway создает шлюз поверх сессии
func (f *Factory) NewGateway(session Requester) *Gateway {
	return NewGateway(session, f.gateway, f.logger.Named("gateway"))
}
