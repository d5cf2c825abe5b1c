package bot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"tradebridge/internal/broker"
	"tradebridge/internal/models"
	"tradebridge/pkg/utils"
)

// Ошибки предусловий ордерного пути
var (
	ErrNotConnected      = errors.New("broker is not connected")
	ErrNoAccountSelected = errors.New("no broker account selected")
	ErrRiskRejected      = errors.New("order rejected by risk policy")
)

// RiskRejectedError - локальный отказ риск-контроля со стабильным кодом причины
type RiskRejectedError struct {
	Reason string
	Detail string
}

func (e *RiskRejectedError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("order rejected by risk policy: %s", e.Reason)
	}
	return fmt.Sprintf("order rejected by risk policy: %s (%s)", e.Reason, e.Detail)
}

// Is позволяет проверять errors.Is(err, ErrRiskRejected)
func (e *RiskRejectedError) Is(target error) bool {
	return target == ErrRiskRejected
}

// SessionView - состояние сессии, нужное для проверки предусловий
type SessionView interface {
	State() broker.State
}

// OrderPlacer - отправка ордера брокеру
type OrderPlacer interface {
	PlaceOrder(ctx context.Context, req *models.OrderRequest) (*models.OrderResult, error)
}

// Connection - сессия и шлюз одного принципала
//
// Нулевое значение означает "не подключен".
type Connection struct {
	Session SessionView
	Gateway OrderPlacer
}

// OrderPipeline объединяет риск-контроль и шлюз в одну операцию отправки
//
// Повторов на этом уровне нет: единственный повтор делает сессия при 401.
type OrderPipeline struct {
	location *time.Location
	clock    func() time.Time
	logger   *zap.Logger
}

// NewOrderPipeline создает пайплайн; торговое окно считается в location
func NewOrderPipeline(location *time.Location, logger *zap.Logger) *OrderPipeline {
	if location == nil {
		location = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OrderPipeline{
		location: location,
		clock:    time.Now,
		logger:   logger,
	}
}

// Evaluate проверяет ордер по профилю на текущий момент
func (p *OrderPipeline) Evaluate(profile *models.RiskProfile, req *models.OrderRequest) Decision {
	return Evaluate(profile, req, p.clock().In(p.location))
}

// Submit выполняет проверки и отправляет ровно один ордер
//
// Ошибки брокера (*broker.OrderRejectedError, таймаут, истекшая сессия)
// возвращаются без изменений.
func (p *OrderPipeline) Submit(ctx context.Context, conn Connection, profile *models.RiskProfile, req *models.OrderRequest) (*models.OrderResult, error) {
	if conn.Session == nil || conn.Gateway == nil || conn.Session.State() == broker.StateUnauthenticated {
		OrderSubmissions.WithLabelValues("not_connected").Inc()
		return nil, ErrNotConnected
	}
	if conn.Session.State() != broker.StateAccountSelected {
		OrderSubmissions.WithLabelValues("no_account").Inc()
		return nil, ErrNoAccountSelected
	}

	if d := p.Evaluate(profile, req); !d.Allowed {
		OrderSubmissions.WithLabelValues("risk_denied").Inc()
		RiskDenials.WithLabelValues(d.Reason).Inc()
		p.logger.Info("order denied by risk gate",
			utils.Reason(d.Reason),
			zap.String("detail", d.Detail),
			utils.Symbol(req.Symbol),
			utils.Quantity(req.Quantity),
		)
		return nil, &RiskRejectedError{Reason: d.Reason, Detail: d.Detail}
	}

	start := time.Now()
	result, err := conn.Gateway.PlaceOrder(ctx, req)
	OrderLatency.Observe(float64(time.Since(start).Milliseconds()))

	if err != nil {
		var rejected *broker.OrderRejectedError
		if errors.As(err, &rejected) {
			OrderSubmissions.WithLabelValues("rejected").Inc()
		} else {
			OrderSubmissions.WithLabelValues("error").Inc()
		}
		p.logger.Warn("order placement failed", zap.String("symbol", req.Symbol), zap.Error(err))
		return nil, err
	}

	OrderSubmissions.WithLabelValues("accepted").Inc()
	return result, nil
}
