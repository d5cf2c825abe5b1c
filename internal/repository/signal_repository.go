package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"tradebridge/internal/models"
)

var (
	// ErrSignalNotFound - сигнала с таким id нет
	ErrSignalNotFound = errors.New("signal not found")
	// ErrSignalStatusChanged - статус сигнала изменился после чтения
	ErrSignalStatusChanged = errors.New("signal status changed concurrently")
)

// SignalFilter - фильтр списка сигналов; пустые поля не фильтруют
type SignalFilter struct {
	Status     string
	Symbol     string
	StrategyID string
	Limit      int
}

// SignalRepository - хранилище сигналов в памяти процесса
//
// Сигналы принадлежат внешнему источнику; здесь хранятся только
// для отображения, рассылки и исполнения. Возвращаются копии.
type SignalRepository struct {
	mu      sync.RWMutex
	signals map[string]*models.Signal
}

// NewSignalRepository создает пустое хранилище
func NewSignalRepository() *SignalRepository {
	return &SignalRepository{signals: make(map[string]*models.Signal)}
}

// Create сохраняет новый сигнал
func (r *SignalRepository) Create(_ context.Context, sig *models.Signal) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.signals[sig.ID]; exists {
		return errors.New("signal already exists: " + sig.ID)
	}
	cp := *sig
	r.signals[sig.ID] = &cp
	return nil
}

// Get возвращает копию сигнала
func (r *SignalRepository) Get(_ context.Context, id string) (*models.Signal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sig, ok := r.signals[id]
	if !ok {
		return nil, ErrSignalNotFound
	}
	cp := *sig
	return &cp, nil
}

// UpdateIfStatus заменяет сохраненный сигнал, только если его статус
// все еще равен fromStatus
//
// Проверка и запись выполняются под одной блокировкой. Проигравший
// параллельный вызов получает ErrSignalStatusChanged.
func (r *SignalRepository) UpdateIfStatus(_ context.Context, sig *models.Signal, fromStatus string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.signals[sig.ID]
	if !ok {
		return ErrSignalNotFound
	}
	if stored.Status != fromStatus {
		return fmt.Errorf("%w: expected %s, found %s", ErrSignalStatusChanged, fromStatus, stored.Status)
	}
	cp := *sig
	r.signals[sig.ID] = &cp
	return nil
}

// List возвращает сигналы от новых к старым
func (r *SignalRepository) List(_ context.Context, f SignalFilter) ([]*models.Signal, error) {
	r.mu.RLock()
	out := make([]*models.Signal, 0, len(r.signals))
	for _, sig := range r.signals {
		if f.Status != "" && sig.Status != f.Status {
			continue
		}
		if f.Symbol != "" && !strings.EqualFold(sig.Symbol, f.Symbol) {
			continue
		}
		if f.StrategyID != "" && sig.StrategyID != f.StrategyID {
			continue
		}
		cp := *sig
		out = append(out, &cp)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}
