package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tradebridge/internal/bot"
	"tradebridge/internal/broker"
	"tradebridge/internal/models"
	"tradebridge/internal/repository"
	"tradebridge/pkg/utils"
)

// Поля сигнала, которые нельзя менять через Update
var immutableSignalFields = map[string]struct{}{
	"id":         {},
	"created_at": {},
	"updated_at": {},
}

// ExecutionResult - итог исполнения сигнала
type ExecutionResult struct {
	Signal *models.Signal      `json:"signal"`
	Order  *models.OrderResult `json:"order,omitempty"`
}

// SignalService - прием, изменение и исполнение сигналов
//
// Каждое создание рассылается как signal, каждое изменение как
// signal_update{id, changes}; changes применяются к прежней записи
// поверхностным слиянием.
type SignalService struct {
	store  SignalStore
	orders OrderSubmitter
	hub    Broadcaster
	logger *zap.Logger
	now    func() time.Time
}

// NewSignalService создает сервис
func NewSignalService(store SignalStore, orders OrderSubmitter, logger *zap.Logger) *SignalService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SignalService{
		store:  store,
		orders: orders,
		hub:    noopBroadcaster{},
		logger: logger,
		now:    time.Now,
	}
}

// SetBroadcaster подключает realtime hub
func (s *SignalService) SetBroadcaster(hub Broadcaster) {
	if hub == nil {
		hub = noopBroadcaster{}
	}
	s.hub = hub
}

// Create сохраняет новый сигнал в статусе active и рассылает его
func (s *SignalService) Create(ctx context.Context, sig *models.Signal) (*models.Signal, error) {
	if sig == nil {
		return nil, fmt.Errorf("%w: signal is required", ErrInvalidRequest)
	}

	sig.Symbol = utils.NormalizeSymbol(sig.Symbol)
	sig.Direction = models.OrderSide(strings.ToLower(string(sig.Direction)))

	var verr utils.ValidationErrors
	verr.AddError("symbol", utils.ValidateSymbol(sig.Symbol))
	if sig.Direction != models.SideBuy && sig.Direction != models.SideSell {
		verr.Add("direction", "must be buy or sell")
	}
	if sig.Confidence < 0 || sig.Confidence > 1 {
		verr.Add("confidence", "must be between 0 and 1")
	}
	if verr.HasErrors() {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, verr.Err())
	}

	if sig.ID == "" {
		sig.ID = uuid.NewString()
	}
	now := s.now().UTC()
	sig.Status = models.SignalStatusActive
	sig.OrderID = ""
	sig.CreatedAt = now
	sig.UpdatedAt = now

	if err := s.store.Create(ctx, sig); err != nil {
		return nil, err
	}

	s.hub.BroadcastSignal(sig)
	s.logger.Info("signal created", utils.SignalID(sig.ID), utils.Symbol(sig.Symbol), utils.Side(string(sig.Direction)))
	return sig, nil
}

// Update применяет изменения полей и рассылает signal_update
//
// Смена статуса проверяется по таблице переходов.
func (s *SignalService) Update(ctx context.Context, id string, changes map[string]interface{}) (*models.Signal, error) {
	if len(changes) == 0 {
		return nil, fmt.Errorf("%w: no changes", ErrInvalidRequest)
	}
	for key := range changes {
		if _, ok := immutableSignalFields[key]; ok {
			return nil, fmt.Errorf("%w: field %q is read-only", ErrInvalidRequest, key)
		}
	}

	current, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if raw, ok := changes["status"]; ok {
		status, isString := raw.(string)
		if !isString {
			return nil, fmt.Errorf("%w: status must be a string", ErrInvalidRequest)
		}
		if !bot.CanTransition(current.Status, status) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, status)
		}
	}

	updated, err := s.apply(ctx, current, changes)
	if errors.Is(err, repository.ErrSignalStatusChanged) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTransition, err)
	}
	return updated, err
}

// apply сливает изменения, сохраняет и рассылает их вместе с updated_at
//
// Запись проходит, только если статус в хранилище все еще равен
// current.Status.
func (s *SignalService) apply(ctx context.Context, current *models.Signal, changes map[string]interface{}) (*models.Signal, error) {
	now := s.now().UTC()

	outgoing := make(map[string]interface{}, len(changes)+1)
	for k, v := range changes {
		outgoing[k] = v
	}
	outgoing["updated_at"] = now

	updated, err := current.ApplyChanges(outgoing)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	updated.ID = current.ID
	updated.CreatedAt = current.CreatedAt

	if err := s.store.UpdateIfStatus(ctx, updated, current.Status); err != nil {
		return nil, err
	}

	s.hub.BroadcastSignalUpdate(updated, outgoing)
	return updated, nil
}

// Get возвращает сигнал
func (s *SignalService) Get(ctx context.Context, id string) (*models.Signal, error) {
	return s.store.Get(ctx, id)
}

// List возвращает сигналы по фильтру
func (s *SignalService) List(ctx context.Context, filter repository.SignalFilter) ([]*models.Signal, error) {
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}
	return s.store.List(ctx, filter)
}

// Execute отправляет рыночный ордер по сигналу
//
// Сигнал проходит active -> executing -> executed|failed. Переход в
// executing атомарен: из параллельных вызовов ордер отправляет только
// один, остальные получают ErrSignalNotExecutable. Если ордер
// не ушел к брокеру (нет подключения, отказ риск-контроля, неверный
// запрос), сигнал возвращается в active. Ошибка ордера возвращается
// вызывающему без изменений.
func (s *SignalService) Execute(ctx context.Context, principalID, id string, qty float64) (*ExecutionResult, error) {
	if err := utils.ValidateQuantity(qty); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	sig, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !bot.IsExecutable(sig.Status) {
		return nil, fmt.Errorf("%w: status %s", ErrSignalNotExecutable, sig.Status)
	}

	// захват active -> executing; параллельный Execute или отмена проигрывают
	sig, err = s.apply(ctx, sig, map[string]interface{}{"status": models.SignalStatusExecuting})
	if errors.Is(err, repository.ErrSignalStatusChanged) {
		return nil, fmt.Errorf("%w: %v", ErrSignalNotExecutable, err)
	}
	if err != nil {
		return nil, err
	}

	req := &models.OrderRequest{
		InstrumentID: sig.InstrumentID,
		Symbol:       sig.Symbol,
		Quantity:     qty,
		Side:         sig.Direction,
		Type:         models.OrderTypeMarket,
		StopLoss:     sig.StopLoss,
		TakeProfit:   sig.TakeProfit,
	}

	result, orderErr := s.orders.SubmitOrder(ctx, principalID, req)

	var changes map[string]interface{}
	switch {
	case orderErr == nil:
		changes = map[string]interface{}{
			"status":   models.SignalStatusExecuted,
			"order_id": result.OrderID,
			"message":  result.Message,
		}
	case notSentToBroker(orderErr):
		changes = map[string]interface{}{
			"status":  models.SignalStatusActive,
			"message": orderErr.Error(),
		}
	default:
		changes = map[string]interface{}{
			"status":  models.SignalStatusFailed,
			"message": orderErr.Error(),
		}
	}

	// итоговый статус сохраняем даже при отмене запроса клиентом;
	// запись проходит только из executing
	final, err := s.apply(context.WithoutCancel(ctx), sig, changes)
	if err != nil {
		s.logger.Error("failed to record signal execution", utils.SignalID(sig.ID), utils.Err(err))
		final = sig
		if latest, getErr := s.store.Get(context.WithoutCancel(ctx), sig.ID); getErr == nil {
			final = latest
		}
	}

	if orderErr != nil {
		s.logger.Warn("signal execution failed", utils.SignalID(sig.ID), utils.Err(orderErr))
		return &ExecutionResult{Signal: final}, orderErr
	}

	s.logger.Info("signal executed", utils.SignalID(sig.ID), utils.OrderID(result.OrderID))
	return &ExecutionResult{Signal: final, Order: result}, nil
}

// notSentToBroker - ошибки, после которых ордер точно не дошел до брокера
func notSentToBroker(err error) bool {
	return errors.Is(err, bot.ErrNotConnected) ||
		errors.Is(err, bot.ErrNoAccountSelected) ||
		errors.Is(err, bot.ErrRiskRejected) ||
		errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrInstrumentNotResolved) ||
		errors.Is(err, broker.ErrNotAuthenticated)
}
