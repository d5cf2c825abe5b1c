package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"  // postgres
	_ "modernc.org/sqlite" // sqlite без cgo для локальной разработки
)

// Поддерживаемые драйверы
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// ErrUnsupportedDriver - драйвер БД не поддерживается
var ErrUnsupportedDriver = errors.New("unsupported database driver")

// Open открывает пул соединений и проверяет доступность БД
func Open(ctx context.Context, driver, dsn string) (*sqlx.DB, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	switch driver {
	case DriverPostgres, DriverSQLite:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}

	if driver == DriverSQLite {
		// sqlite не любит конкурентную запись из нескольких соединений
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	return db, nil
}

// schema - таблицы хранилища, DDL общий для postgres и sqlite
var schema = []string{
	`CREATE TABLE IF NOT EXISTS broker_credentials (
		principal_id   TEXT PRIMARY KEY,
		broker         TEXT NOT NULL,
		email          TEXT NOT NULL,
		server         TEXT NOT NULL,
		access_token   TEXT NOT NULL DEFAULT '',
		refresh_token  TEXT NOT NULL DEFAULT '',
		account_id     TEXT NOT NULL DEFAULT '',
		account_number TEXT NOT NULL DEFAULT '',
		connected      BOOLEAN NOT NULL DEFAULT FALSE,
		last_connected TIMESTAMP NULL,
		created_at     TIMESTAMP NOT NULL,
		updated_at     TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS risk_profiles (
		principal_id        TEXT PRIMARY KEY,
		max_daily_loss      DOUBLE PRECISION NULL,
		max_daily_loss_pct  DOUBLE PRECISION NULL,
		max_positions       INTEGER NULL,
		max_lot_size        DOUBLE PRECISION NULL,
		max_position_size   DOUBLE PRECISION NULL,
		trading_hours_start TEXT NULL,
		trading_hours_end   TEXT NULL,
		news_filter         BOOLEAN NOT NULL DEFAULT FALSE,
		symbol_blacklist    TEXT NOT NULL DEFAULT '[]',
		updated_at          TIMESTAMP NOT NULL
	)`,
}

// Migrate создает таблицы, если их нет
func Migrate(ctx context.Context, db *sqlx.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
