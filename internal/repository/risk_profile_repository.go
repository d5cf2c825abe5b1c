package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"tradebridge/internal/models"
)

const riskProfileColumns = `principal_id, max_daily_loss, max_daily_loss_pct, max_positions,
	max_lot_size, max_position_size, trading_hours_start, trading_hours_end,
	news_filter, symbol_blacklist, updated_at`

// RiskProfileRepository - профили риск-контроля, один на принципала
type RiskProfileRepository struct {
	db *sqlx.DB
}

// NewRiskProfileRepository создает репозиторий
func NewRiskProfileRepository(db *sqlx.DB) *RiskProfileRepository {
	return &RiskProfileRepository{db: db}
}

// Get возвращает профиль или nil, если принципал его не настраивал
func (r *RiskProfileRepository) Get(ctx context.Context, principalID string) (*models.RiskProfile, error) {
	query := r.db.Rebind(`SELECT ` + riskProfileColumns + ` FROM risk_profiles WHERE principal_id = ?`)

	profile := &models.RiskProfile{}
	if err := r.db.GetContext(ctx, profile, query, principalID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get risk profile: %w", err)
	}
	return profile, nil
}

// Upsert сохраняет профиль целиком (последняя запись побеждает)
func (r *RiskProfileRepository) Upsert(ctx context.Context, profile *models.RiskProfile) error {
	profile.UpdatedAt = time.Now().UTC()
	if profile.SymbolBlacklist == nil {
		profile.SymbolBlacklist = models.SymbolList{}
	}

	query := r.db.Rebind(`
		INSERT INTO risk_profiles (` + riskProfileColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (principal_id) DO UPDATE SET
			max_daily_loss = excluded.max_daily_loss,
			max_daily_loss_pct = excluded.max_daily_loss_pct,
			max_positions = excluded.max_positions,
			max_lot_size = excluded.max_lot_size,
			max_position_size = excluded.max_position_size,
			trading_hours_start = excluded.trading_hours_start,
			trading_hours_end = excluded.trading_hours_end,
			news_filter = excluded.news_filter,
			symbol_blacklist = excluded.symbol_blacklist,
			updated_at = excluded.updated_at`)

	_, err := r.db.ExecContext(ctx, query,
		profile.PrincipalID,
		profile.MaxDailyLoss,
		profile.MaxDailyLossPct,
		profile.MaxPositions,
		profile.MaxLotSize,
		profile.MaxPositionSize,
		profile.TradingHoursStart,
		profile.TradingHoursEnd,
		profile.NewsFilter,
		profile.SymbolBlacklist,
		profile.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert risk profile: %w", err)
	}
	return nil
}
