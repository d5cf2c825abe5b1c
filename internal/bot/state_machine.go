package bot

import "tradebridge/internal/models"

// ValidSignalTransitions определяет допустимые переходы статусов сигнала
var ValidSignalTransitions = map[string][]string{
	models.SignalStatusActive:    {models.SignalStatusExecuting, models.SignalStatusCancelled},
	models.SignalStatusExecuting: {models.SignalStatusExecuted, models.SignalStatusFailed},
	models.SignalStatusFailed:    {models.SignalStatusActive, models.SignalStatusCancelled}, // Active при ручном повторе
	models.SignalStatusExecuted:  {},
	models.SignalStatusCancelled: {},
}

// CanTransition проверяет допустимость перехода
func CanTransition(from, to string) bool {
	if from == to {
		return true
	}
	allowed, ok := ValidSignalTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// IsExecutable возвращает true, если по сигналу можно отправить ордер
func IsExecutable(s string) bool {
	return s == models.SignalStatusActive
}
