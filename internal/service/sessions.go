package service

import (
	"tradebridge/internal/broker"
)

// registrySessions - SessionManager поверх реестра сессий и фабрики
//
// Шлюзы дешевые: лимит запросов к upstream общий и живет в фабрике,
// поэтому шлюз создается на каждый вызов.
type registrySessions struct {
	registry *broker.SessionRegistry
	factory  *broker.Factory
}

// NewSessionManager связывает реестр сессий с фабрикой шлюзов
func NewSessionManager(factory *broker.Factory) SessionManager {
	return &registrySessions{
		registry: broker.NewSessionRegistry(factory.NewSession),
		factory:  factory,
	}
}

func (m *registrySessions) Create(principalID, server string) BrokerSession {
	return m.registry.Create(principalID, server)
}

func (m *registrySessions) Lookup(principalID string) (BrokerSession, bool) {
	s, ok := m.registry.Lookup(principalID)
	if !ok {
		return nil, false
	}
	return s, true
}

func (m *registrySessions) Evict(principalID string) int {
	return m.registry.Evict(principalID)
}

func (m *registrySessions) Gateway(session BrokerSession) BrokerGateway {
	return m.factory.NewGateway(session)
}
