package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"tradebridge/internal/models"
	"tradebridge/pkg/crypto"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return sqlx.NewDb(db, "sqlmock"), mock
}

func newCipher(t *testing.T) *crypto.TokenCipher {
	t.Helper()
	c, err := crypto.NewTokenCipher(testSecret)
	if err != nil {
		t.Fatalf("NewTokenCipher() error: %v", err)
	}
	return c
}

// sealedArg проверяет, что в БД уходит шифротекст нужного значения
type sealedArg struct {
	cipher *crypto.TokenCipher
	plain  string
}

func (a sealedArg) Match(v driver.Value) bool {
	s, ok := v.(string)
	if !ok || s == a.plain {
		return false
	}
	opened, err := a.cipher.Open(s)
	return err == nil && opened == a.plain
}

func credentialRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"principal_id", "broker", "email", "server", "access_token", "refresh_token",
		"account_id", "account_number", "connected", "last_connected", "created_at", "updated_at",
	})
}

// ============================================================
// CredentialRepository
// ============================================================

func TestCredentialRepository_GetByPrincipal(t *testing.T) {
	db, mock := newMockDB(t)
	cipher := newCipher(t)
	repo := NewCredentialRepository(db, cipher)

	access, _ := cipher.Seal("access-1")
	refresh, _ := cipher.Seal("refresh-1")
	now := time.Now()

	mock.ExpectQuery(`SELECT (.+) FROM broker_credentials WHERE principal_id = \?`).
		WithArgs("user-1").
		WillReturnRows(credentialRows().AddRow(
			"user-1", "tradelocker", "t@example.com", "OSP-DEMO", access, refresh,
			"42", "L#42", true, now, now, now,
		))

	cred, err := repo.GetByPrincipal(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("GetByPrincipal() error: %v", err)
	}
	if cred.AccessToken != "access-1" || cred.RefreshToken != "refresh-1" {
		t.Errorf("tokens not decrypted: %q %q", cred.AccessToken, cred.RefreshToken)
	}
	if cred.AccountID != "42" || cred.AccountNumber != "L#42" || !cred.Connected {
		t.Errorf("unexpected credential: %+v", cred)
	}
	if cred.LastConnected == nil {
		t.Error("LastConnected must be set")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestCredentialRepository_GetByPrincipal_Errors(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(mock sqlmock.Sqlmock)
		wantErr error
	}{
		{
			name: "not found",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(`SELECT (.+) FROM broker_credentials`).WillReturnError(sql.ErrNoRows)
			},
			wantErr: ErrCredentialNotFound,
		},
		{
			name: "db error",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(`SELECT (.+) FROM broker_credentials`).WillReturnError(sql.ErrConnDone)
			},
			wantErr: sql.ErrConnDone,
		},
		{
			name: "tampered token",
			setup: func(mock sqlmock.Sqlmock) {
				now := time.Now()
				mock.ExpectQuery(`SELECT (.+) FROM broker_credentials`).
					WillReturnRows(credentialRows().AddRow(
						"user-1", "tradelocker", "t@example.com", "OSP", "not-base64!", "",
						"", "", false, nil, now, now,
					))
			},
			wantErr: crypto.ErrInvalidCiphertext,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := newMockDB(t)
			repo := NewCredentialRepository(db, newCipher(t))
			tt.setup(mock)

			_, err := repo.GetByPrincipal(context.Background(), "user-1")
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestCredentialRepository_UpsertEncryptsTokens(t *testing.T) {
	db, mock := newMockDB(t)
	cipher := newCipher(t)
	repo := NewCredentialRepository(db, cipher)

	cred := &models.BrokerCredential{
		PrincipalID:  "user-1",
		Broker:       "tradelocker",
		Email:        "t@example.com",
		Server:       "OSP-DEMO",
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		Connected:    true,
	}

	mock.ExpectExec(`INSERT INTO broker_credentials (.+) ON CONFLICT \(principal_id\) DO UPDATE`).
		WithArgs(
			"user-1", "tradelocker", "t@example.com", "OSP-DEMO",
			sealedArg{cipher, "access-1"}, sealedArg{cipher, "refresh-1"},
			"", "", true, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.Upsert(context.Background(), cred); err != nil {
		t.Fatalf("Upsert() error: %v", err)
	}
	if cred.CreatedAt.IsZero() || cred.UpdatedAt.IsZero() {
		t.Error("timestamps must be set")
	}
	if cred.AccessToken != "access-1" {
		t.Error("Upsert must not modify in-memory tokens")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestCredentialRepository_Updates(t *testing.T) {
	ctx := context.Background()

	t.Run("UpdateTokens", func(t *testing.T) {
		db, mock := newMockDB(t)
		cipher := newCipher(t)
		repo := NewCredentialRepository(db, cipher)

		mock.ExpectExec(`UPDATE broker_credentials SET access_token = \?, refresh_token = \?`).
			WithArgs(sealedArg{cipher, "a2"}, sealedArg{cipher, "r2"}, sqlmock.AnyArg(), "user-1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		if err := repo.UpdateTokens(ctx, "user-1", "a2", "r2"); err != nil {
			t.Fatalf("UpdateTokens() error: %v", err)
		}
	})

	t.Run("SelectAccount", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewCredentialRepository(db, newCipher(t))

		mock.ExpectExec(`UPDATE broker_credentials SET account_id = \?, account_number = \?`).
			WithArgs("42", "", sqlmock.AnyArg(), "user-1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		if err := repo.SelectAccount(ctx, "user-1", "42", ""); err != nil {
			t.Fatalf("SelectAccount() error: %v", err)
		}
	})

	t.Run("Delete missing", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewCredentialRepository(db, newCipher(t))

		mock.ExpectExec(`DELETE FROM broker_credentials WHERE principal_id = \?`).
			WithArgs("ghost").
			WillReturnResult(sqlmock.NewResult(0, 0))

		if err := repo.Delete(ctx, "ghost"); !errors.Is(err, ErrCredentialNotFound) {
			t.Errorf("Delete() = %v, want ErrCredentialNotFound", err)
		}
	})

	t.Run("exec error", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewCredentialRepository(db, newCipher(t))

		mock.ExpectExec(`DELETE FROM broker_credentials`).WillReturnError(sql.ErrConnDone)

		if err := repo.Delete(ctx, "user-1"); !errors.Is(err, sql.ErrConnDone) {
			t.Errorf("Delete() = %v", err)
		}
	})
}

// ============================================================
// RiskProfileRepository
// ============================================================

func TestRiskProfileRepository_GetMissingIsNil(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewRiskProfileRepository(db)

	mock.ExpectQuery(`SELECT (.+) FROM risk_profiles WHERE principal_id = \?`).
		WithArgs("user-1").
		WillReturnError(sql.ErrNoRows)

	profile, err := repo.Get(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if profile != nil {
		t.Errorf("profile = %+v, want nil", profile)
	}
}

func TestRiskProfileRepository_Get(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewRiskProfileRepository(db)

	rows := sqlmock.NewRows([]string{
		"principal_id", "max_daily_loss", "max_daily_loss_pct", "max_positions",
		"max_lot_size", "max_position_size", "trading_hours_start", "trading_hours_end",
		"news_filter", "symbol_blacklist", "updated_at",
	}).AddRow("user-1", nil, 2.5, 3, 0.5, nil, "08:00", "10:00", true, `["XAUUSD"]`, time.Now())

	mock.ExpectQuery(`SELECT (.+) FROM risk_profiles`).WillReturnRows(rows)

	p, err := repo.Get(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if p.MaxDailyLoss != nil || p.MaxPositionSize != nil {
		t.Error("NULL columns must map to nil limits")
	}
	if p.MaxLotSize == nil || *p.MaxLotSize != 0.5 {
		t.Errorf("MaxLotSize = %v", p.MaxLotSize)
	}
	if p.MaxPositions == nil || *p.MaxPositions != 3 {
		t.Errorf("MaxPositions = %v", p.MaxPositions)
	}
	if p.TradingHoursStart == nil || *p.TradingHoursStart != "08:00" {
		t.Errorf("TradingHoursStart = %v", p.TradingHoursStart)
	}
	if !p.IsBlacklisted("xauusd") {
		t.Error("blacklist not decoded")
	}
}

func TestRiskProfileRepository_Upsert(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewRiskProfileRepository(db)

	lot := 0.5
	start, end := "22:00", "02:00"
	profile := &models.RiskProfile{
		PrincipalID:       "user-1",
		MaxLotSize:        &lot,
		TradingHoursStart: &start,
		TradingHoursEnd:   &end,
	}

	mock.ExpectExec(`INSERT INTO risk_profiles (.+) ON CONFLICT \(principal_id\) DO UPDATE`).
		WithArgs("user-1", nil, nil, nil, 0.5, nil, "22:00", "02:00", false, "[]", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.Upsert(context.Background(), profile); err != nil {
		t.Fatalf("Upsert() error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

// ============================================================
// SQLite round trip
// ============================================================

func TestSQLiteRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "bridge.db")

	db, err := Open(ctx, DriverSQLite, path)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer db.Close()

	if err := Migrate(ctx, db); err != nil {
		t.Fatalf("Migrate() error: %v", err)
	}
	// повторная миграция безопасна
	if err := Migrate(ctx, db); err != nil {
		t.Fatalf("second Migrate() error: %v", err)
	}

	creds := NewCredentialRepository(db, newCipher(t))
	cred := &models.BrokerCredential{
		PrincipalID:  "user-1",
		Broker:       "tradelocker",
		Email:        "t@example.com",
		Server:       "OSP-DEMO",
		AccessToken:  "a1",
		RefreshToken: "r1",
		Connected:    true,
	}
	if err := creds.Upsert(ctx, cred); err != nil {
		t.Fatalf("Upsert() error: %v", err)
	}
	if err := creds.UpdateTokens(ctx, "user-1", "a2", "r2"); err != nil {
		t.Fatalf("UpdateTokens() error: %v", err)
	}
	if err := creds.SelectAccount(ctx, "user-1", "", "L#7"); err != nil {
		t.Fatalf("SelectAccount() error: %v", err)
	}

	got, err := creds.GetByPrincipal(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetByPrincipal() error: %v", err)
	}
	if got.AccessToken != "a2" || got.RefreshToken != "r2" || got.AccountNumber != "L#7" || !got.Connected {
		t.Errorf("unexpected credential: %+v", got)
	}

	if err := creds.Delete(ctx, "user-1"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if _, err := creds.GetByPrincipal(ctx, "user-1"); !errors.Is(err, ErrCredentialNotFound) {
		t.Errorf("after Delete: %v", err)
	}

	profiles := NewRiskProfileRepository(db)
	lot := 1.0
	if err := profiles.Upsert(ctx, &models.RiskProfile{PrincipalID: "user-1", MaxLotSize: &lot, SymbolBlacklist: models.SymbolList{"BTCUSD"}}); err != nil {
		t.Fatalf("risk Upsert() error: %v", err)
	}
	lot = 2.0
	if err := profiles.Upsert(ctx, &models.RiskProfile{PrincipalID: "user-1", MaxLotSize: &lot}); err != nil {
		t.Fatalf("risk Upsert() error: %v", err)
	}

	p, err := profiles.Get(ctx, "user-1")
	if err != nil {
		t.Fatalf("risk Get() error: %v", err)
	}
	if p.MaxLotSize == nil || *p.MaxLotSize != 2.0 {
		t.Errorf("MaxLotSize = %v, want last write", p.MaxLotSize)
	}
	if len(p.SymbolBlacklist) != 0 {
		t.Errorf("whole-document upsert must drop old blacklist, got %v", p.SymbolBlacklist)
	}
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	if _, err := Open(context.Background(), "oracle", ""); !errors.Is(err, ErrUnsupportedDriver) {
		t.Errorf("expected ErrUnsupportedDriver, got %v", err)
	}
}

// ============================================================
// SignalRepository
// ============================================================

func TestSignalRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewSignalRepository()
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	for i, s := range []*models.Signal{
		{ID: "a", Symbol: "EURUSD", StrategyID: "trend", Status: models.SignalStatusActive, CreatedAt: base},
		{ID: "b", Symbol: "GBPUSD", StrategyID: "trend", Status: models.SignalStatusExecuted, CreatedAt: base.Add(time.Minute)},
		{ID: "c", Symbol: "EURUSD", StrategyID: "scalp", Status: models.SignalStatusActive, CreatedAt: base.Add(2 * time.Minute)},
	} {
		if err := repo.Create(ctx, s); err != nil {
			t.Fatalf("Create(%d) error: %v", i, err)
		}
	}

	if err := repo.Create(ctx, &models.Signal{ID: "a"}); err == nil {
		t.Error("duplicate id must fail")
	}

	all, _ := repo.List(ctx, SignalFilter{})
	if len(all) != 3 || all[0].ID != "c" || all[2].ID != "a" {
		t.Errorf("List order wrong: %v", ids(all))
	}

	eur, _ := repo.List(ctx, SignalFilter{Symbol: "eurusd", Status: models.SignalStatusActive})
	if len(eur) != 2 {
		t.Errorf("filtered = %v", ids(eur))
	}

	limited, _ := repo.List(ctx, SignalFilter{StrategyID: "trend", Limit: 1})
	if len(limited) != 1 || limited[0].ID != "b" {
		t.Errorf("limited = %v", ids(limited))
	}

	got, _ := repo.Get(ctx, "a")
	got.Status = models.SignalStatusCancelled
	again, _ := repo.Get(ctx, "a")
	if again.Status != models.SignalStatusActive {
		t.Error("Get must return a copy")
	}

	if err := repo.UpdateIfStatus(ctx, got, models.SignalStatusActive); err != nil {
		t.Fatalf("UpdateIfStatus() error: %v", err)
	}
	if again, _ = repo.Get(ctx, "a"); again.Status != models.SignalStatusCancelled {
		t.Error("update not persisted")
	}

	// запись по устаревшему статусу отклоняется и ничего не меняет
	stale := *again
	stale.Status = models.SignalStatusExecuting
	if err := repo.UpdateIfStatus(ctx, &stale, models.SignalStatusActive); !errors.Is(err, ErrSignalStatusChanged) {
		t.Errorf("stale update = %v, want ErrSignalStatusChanged", err)
	}
	if again, _ = repo.Get(ctx, "a"); again.Status != models.SignalStatusCancelled {
		t.Errorf("stale update overwrote status: %s", again.Status)
	}

	if _, err := repo.Get(ctx, "zzz"); !errors.Is(err, ErrSignalNotFound) {
		t.Errorf("Get missing = %v", err)
	}
	if err := repo.UpdateIfStatus(ctx, &models.Signal{ID: "zzz"}, ""); !errors.Is(err, ErrSignalNotFound) {
		t.Errorf("update missing = %v", err)
	}
}

func TestSignalRepository_UpdateIfStatusSingleWinner(t *testing.T) {
	ctx := context.Background()
	repo := NewSignalRepository()
	if err := repo.Create(ctx, &models.Signal{ID: "s1", Status: models.SignalStatusActive}); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	const workers = 8
	var (
		wg   sync.WaitGroup
		wins int32
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			next := &models.Signal{ID: "s1", Status: models.SignalStatusExecuting}
			if err := repo.UpdateIfStatus(ctx, next, models.SignalStatusActive); err == nil {
				atomic.AddInt32(&wins, 1)
			} else if !errors.Is(err, ErrSignalStatusChanged) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("winners = %d, want 1", wins)
	}
}

func ids(list []*models.Signal) []string {
	out := make([]string, len(list))
	for i, s := range list {
		out[i] = s.ID
	}
	return out
}
