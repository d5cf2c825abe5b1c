package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"tradebridge/internal/bot"
	"tradebridge/internal/models"
	"tradebridge/pkg/utils"
)

// RiskService - риск-профиль принципала
//
// Сама проверка ордера - чистая функция bot.Evaluate; сервис только
// хранит профиль и дает пробную проверку без отправки ордера.
type RiskService struct {
	profiles RiskProfileStore
	pipeline *bot.OrderPipeline
	logger   *zap.Logger
}

// NewRiskService создает сервис
func NewRiskService(profiles RiskProfileStore, pipeline *bot.OrderPipeline, logger *zap.Logger) *RiskService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RiskService{profiles: profiles, pipeline: pipeline, logger: logger}
}

// GetProfile возвращает профиль или nil, если он не настроен
func (s *RiskService) GetProfile(ctx context.Context, principalID string) (*models.RiskProfile, error) {
	return s.profiles.Get(ctx, principalID)
}

// UpsertProfile проверяет и сохраняет профиль целиком
func (s *RiskService) UpsertProfile(ctx context.Context, principalID string, profile *models.RiskProfile) (*models.RiskProfile, error) {
	if profile == nil {
		return nil, fmt.Errorf("%w: profile is required", ErrInvalidRequest)
	}

	var verr utils.ValidationErrors
	verr.AddError("max_daily_loss", utils.ValidateOptionalLimit(profile.MaxDailyLoss))
	verr.AddError("max_daily_loss_pct", utils.ValidateOptionalLimit(profile.MaxDailyLossPct))
	verr.AddError("max_lot_size", utils.ValidateOptionalLimit(profile.MaxLotSize))
	verr.AddError("max_position_size", utils.ValidateOptionalLimit(profile.MaxPositionSize))
	if profile.MaxPositions != nil && *profile.MaxPositions < 0 {
		verr.Add("max_positions", "must not be negative")
	}
	if pct := profile.MaxDailyLossPct; pct != nil && *pct > 100 {
		verr.Add("max_daily_loss_pct", "must not exceed 100")
	}
	profile.TradingHoursStart = normalizeClock(profile.TradingHoursStart, "trading_hours_start", &verr)
	profile.TradingHoursEnd = normalizeClock(profile.TradingHoursEnd, "trading_hours_end", &verr)
	if verr.HasErrors() {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, verr.Err())
	}

	profile.PrincipalID = principalID
	profile.SymbolBlacklist = models.SymbolList(utils.NormalizeSymbols(profile.SymbolBlacklist))

	if err := s.profiles.Upsert(ctx, profile); err != nil {
		return nil, fmt.Errorf("save risk profile: %w", err)
	}
	s.logger.Info("risk profile updated", utils.PrincipalID(principalID))
	return profile, nil
}

// normalizeClock приводит "9:30" к "09:30"; пустая строка означает "без ограничения"
func normalizeClock(value *string, field string, verr *utils.ValidationErrors) *string {
	if value == nil {
		return nil
	}
	v := strings.TrimSpace(*value)
	if v == "" {
		return nil
	}
	minutes, err := utils.ParseClock(v)
	if err != nil {
		verr.AddError(field, err)
		return value
	}
	formatted := utils.FormatClock(minutes)
	return &formatted
}

// Check - пробная проверка ордера по текущему профилю
func (s *RiskService) Check(ctx context.Context, principalID string, req *models.OrderRequest) (bot.Decision, error) {
	if req == nil {
		return bot.Decision{}, fmt.Errorf("%w: order is required", ErrInvalidRequest)
	}
	req.Normalize()

	profile, err := s.profiles.Get(ctx, principalID)
	if err != nil {
		return bot.Decision{}, fmt.Errorf("load risk profile: %w", err)
	}
	return s.pipeline.Evaluate(profile, req), nil
}
