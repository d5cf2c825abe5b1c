package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"tradebridge/internal/models"
	"tradebridge/pkg/crypto"
)

// ErrCredentialNotFound - у принципала нет подключения к брокеру
var ErrCredentialNotFound = errors.New("broker credential not found")

const credentialColumns = `principal_id, broker, email, server, access_token, refresh_token,
	account_id, account_number, connected, last_connected, created_at, updated_at`

// CredentialRepository - хранилище подключений к брокеру
//
// Единственный источник истины для токенов и выбранного счета.
// Токены шифруются перед записью и расшифровываются при чтении.
type CredentialRepository struct {
	db     *sqlx.DB
	cipher *crypto.TokenCipher
}

// NewCredentialRepository создает репозиторий
func NewCredentialRepository(db *sqlx.DB, cipher *crypto.TokenCipher) *CredentialRepository {
	return &CredentialRepository{db: db, cipher: cipher}
}

// GetByPrincipal возвращает подключение с расшифрованными токенами
func (r *CredentialRepository) GetByPrincipal(ctx context.Context, principalID string) (*models.BrokerCredential, error) {
	query := r.db.Rebind(`SELECT ` + credentialColumns + ` FROM broker_credentials WHERE principal_id = ?`)

	cred := &models.BrokerCredential{}
	if err := r.db.GetContext(ctx, cred, query, principalID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCredentialNotFound
		}
		return nil, fmt.Errorf("get credential: %w", err)
	}

	var err error
	if cred.AccessToken, err = r.cipher.Open(cred.AccessToken); err != nil {
		return nil, fmt.Errorf("decrypt access token: %w", err)
	}
	if cred.RefreshToken, err = r.cipher.Open(cred.RefreshToken); err != nil {
		return nil, fmt.Errorf("decrypt refresh token: %w", err)
	}
	return cred, nil
}

// Upsert создает или полностью заменяет подключение принципала
func (r *CredentialRepository) Upsert(ctx context.Context, cred *models.BrokerCredential) error {
	access, refresh, err := r.seal(cred.AccessToken, cred.RefreshToken)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = now
	}
	cred.UpdatedAt = now

	query := r.db.Rebind(`
		INSERT INTO broker_credentials (` + credentialColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (principal_id) DO UPDATE SET
			broker = excluded.broker,
			email = excluded.email,
			server = excluded.server,
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			account_id = excluded.account_id,
			account_number = excluded.account_number,
			connected = excluded.connected,
			last_connected = excluded.last_connected,
			updated_at = excluded.updated_at`)

	_, err = r.db.ExecContext(ctx, query,
		cred.PrincipalID,
		cred.Broker,
		cred.Email,
		cred.Server,
		access,
		refresh,
		cred.AccountID,
		cred.AccountNumber,
		cred.Connected,
		cred.LastConnected,
		cred.CreatedAt,
		cred.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert credential: %w", err)
	}
	return nil
}

// UpdateTokens сохраняет ротированные токены
func (r *CredentialRepository) UpdateTokens(ctx context.Context, principalID, accessToken, refreshToken string) error {
	access, refresh, err := r.seal(accessToken, refreshToken)
	if err != nil {
		return err
	}

	query := r.db.Rebind(`
		UPDATE broker_credentials
		SET access_token = ?, refresh_token = ?, updated_at = ?
		WHERE principal_id = ?`)

	return r.execOne(ctx, "update tokens", query, access, refresh, time.Now().UTC(), principalID)
}

// SelectAccount запоминает выбранный счет
func (r *CredentialRepository) SelectAccount(ctx context.Context, principalID, accountID, accountNumber string) error {
	query := r.db.Rebind(`
		UPDATE broker_credentials
		SET account_id = ?, account_number = ?, updated_at = ?
		WHERE principal_id = ?`)

	return r.execOne(ctx, "select account", query, accountID, accountNumber, time.Now().UTC(), principalID)
}

// Delete удаляет подключение
func (r *CredentialRepository) Delete(ctx context.Context, principalID string) error {
	query := r.db.Rebind(`DELETE FROM broker_credentials WHERE principal_id = ?`)
	return r.execOne(ctx, "delete credential", query, principalID)
}

func (r *CredentialRepository) seal(accessToken, refreshToken string) (string, string, error) {
	access, err := r.cipher.Seal(accessToken)
	if err != nil {
		return "", "", fmt.Errorf("encrypt access token: %w", err)
	}
	refresh, err := r.cipher.Seal(refreshToken)
	if err != nil {
		return "", "", fmt.Errorf("encrypt refresh token: %w", err)
	}
	return access, refresh, nil
}

func (r *CredentialRepository) execOne(ctx context.Context, op, query string, args ...interface{}) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if rows == 0 {
		return ErrCredentialNotFound
	}
	return nil
}
