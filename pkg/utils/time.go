package utils

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MinutesPerDay - число минут в сутках
const MinutesPerDay = 24 * 60

// ParseClock разбирает время суток "HH:MM" в минуты от полуночи
//
// Допустимы значения от 00:00 до 23:59, часы могут быть одной цифрой ("9:30").
func ParseClock(value string) (int, error) {
	parts := strings.Split(strings.TrimSpace(value), ":")
	if len(parts) != 2 || len(parts[1]) != 2 || len(parts[0]) == 0 || len(parts[0]) > 2 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidClock, value)
	}

	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidClock, value)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidClock, value)
	}
	return h*60 + m, nil
}

// FormatClock форматирует минуты от полуночи в "HH:MM"
func FormatClock(minutes int) string {
	minutes = ((minutes % MinutesPerDay) + MinutesPerDay) % MinutesPerDay
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}

// MinutesOfDay возвращает минуты от полуночи для t в его локации
func MinutesOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

// InDailyWindow проверяет попадание минуты суток в окно [start, end]
//
// Границы включительно. Окно с start > end переходит через полночь:
// 22:00-02:00 содержит 23:30 и 01:00. При start == end окно - одна минута.
func InDailyWindow(minute, start, end int) bool {
	if start <= end {
		return minute >= start && minute <= end
	}
	return minute >= start || minute <= end
}

// UnixMillis возвращает время в миллисекундах Unix
func UnixMillis(t time.Time) int64 {
	return t.UnixMilli()
}

// FromUnixMillis конвертирует миллисекунды Unix в time.Time (UTC)
//
// Значения меньше 1e11 считаются секундами: брокеры отдают оба варианта.
func FromUnixMillis(ms int64) time.Time {
	if ms > 0 && ms < 1e11 {
		return time.Unix(ms, 0).UTC()
	}
	return time.UnixMilli(ms).UTC()
}
