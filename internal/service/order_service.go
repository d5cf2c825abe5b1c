package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"tradebridge/internal/bot"
	"tradebridge/internal/models"
	"tradebridge/pkg/utils"
)

// OrderService - отправка ордеров принципала через риск-контроль
type OrderService struct {
	brokers  ConnectionProvider
	profiles RiskProfileStore
	pipeline *bot.OrderPipeline
	logger   *zap.Logger
}

// NewOrderService создает сервис
func NewOrderService(brokers ConnectionProvider, profiles RiskProfileStore, pipeline *bot.OrderPipeline, logger *zap.Logger) *OrderService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OrderService{
		brokers:  brokers,
		profiles: profiles,
		pipeline: pipeline,
		logger:   logger,
	}
}

// SubmitOrder проверяет запрос и отправляет ровно один ордер
//
// Если указан только символ, id инструмента берется у брокера.
// Ошибки пайплайна и брокера возвращаются без изменений.
func (s *OrderService) SubmitOrder(ctx context.Context, principalID string, req *models.OrderRequest) (*models.OrderResult, error) {
	req.Normalize()
	if req.InstrumentID <= 0 && req.Symbol == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, models.ErrInvalidInstrument)
	}

	conn, err := s.brokers.Connection(ctx, principalID)
	if err != nil {
		return nil, err
	}

	// без сессии предусловия проверит пайплайн
	if conn.Session != nil {
		if req.InstrumentID <= 0 {
			inst, err := s.brokers.ResolveInstrument(ctx, principalID, req.Symbol)
			if err != nil {
				return nil, err
			}
			req.InstrumentID = inst.ID
		}
		if err := req.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
	}

	profile, err := s.profiles.Get(ctx, principalID)
	if err != nil {
		return nil, fmt.Errorf("load risk profile: %w", err)
	}

	result, err := s.pipeline.Submit(ctx, conn, profile, req)
	if err != nil {
		return nil, err
	}

	fields := []zap.Field{
		utils.PrincipalID(principalID),
		utils.Symbol(req.Symbol),
		utils.Side(string(req.Side)),
		utils.Quantity(req.Quantity),
		utils.OrderID(result.OrderID),
	}
	if req.Price != nil {
		fields = append(fields, utils.Price(*req.Price))
	}
	s.logger.Info("order accepted", fields...)
	return result, nil
}
