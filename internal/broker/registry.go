package broker

import (
	"sync"
)

// SessionKey - ключ сессии: принципал и сервер брокера
type SessionKey struct {
	PrincipalID string
	Server      string
}

// SessionRegistry хранит одну сессию на пару (принципал, сервер)
//
// Сессии разных принципалов изолированы: токены одного никогда не
// используются для запросов другого.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[SessionKey]*Session
	newFn    func(server string) *Session
}

// NewSessionRegistry создает реестр с функцией создания сессий
func NewSessionRegistry(newFn func(server string) *Session) *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[SessionKey]*Session),
		newFn:    newFn,
	}
}

// Get возвращает сессию принципала для сервера
func (r *SessionRegistry) Get(principalID, server string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[SessionKey{PrincipalID: principalID, Server: server}]
	return s, ok
}

// Lookup возвращает активную сессию принципала на любом сервере
func (r *SessionRegistry) Lookup(principalID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for key, s := range r.sessions {
		if key.PrincipalID == principalID {
			return s, true
		}
	}
	return nil, false
}

// Create создает новую сессию, заменяя прежние сессии принципала
func (r *SessionRegistry) Create(principalID, server string) *Session {
	s := r.newFn(server)

	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.sessions {
		if key.PrincipalID == principalID {
			delete(r.sessions, key)
		}
	}
	r.sessions[SessionKey{PrincipalID: principalID, Server: server}] = s
	return s
}

// Evict удаляет все сессии принципала, возвращает число удаленных
func (r *SessionRegistry) Evict(principalID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for key := range r.sessions {
		if key.PrincipalID == principalID {
			delete(r.sessions, key)
			n++
		}
	}
	return n
}
