package models

import "time"

// BrokerCredential представляет подключение к брокеру для одного принципала
//
// Единственный источник истины для токенов и выбранного счета.
// Сессия брокера держит только копию токенов в памяти.
type BrokerCredential struct {
	PrincipalID   string     `json:"principal_id" db:"principal_id"`
	Broker        string     `json:"broker" db:"broker"`           // tradelocker
	Email         string     `json:"email" db:"email"`
	Server        string     `json:"server" db:"server"`           // идентификатор сервера брокера
	AccessToken   string     `json:"-" db:"access_token"`          // в БД хранится зашифрованным
	RefreshToken  string     `json:"-" db:"refresh_token"`         // в БД хранится зашифрованным
	AccountID     string     `json:"account_id,omitempty" db:"account_id"`
	AccountNumber string     `json:"account_number,omitempty" db:"account_number"`
	Connected     bool       `json:"connected" db:"connected"`
	LastConnected *time.Time `json:"last_connected,omitempty" db:"last_connected"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at" db:"updated_at"`
}
