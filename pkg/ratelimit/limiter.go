package ratelimit

import (
	"context"
	"sync"
	"time"
)

// TokenBucket - rate limiter на основе ведра токенов
//
// Ведро наполняется со скоростью rate токенов/сек до burst.
// Каждое событие потребляет один токен.
//
//	limiter := NewTokenBucket(10, 20) // 10 сообщений/сек, всплеск до 20
//	if !limiter.Allow() { ... }
type TokenBucket struct {
	rate       float64
	burst      float64
	tokens     float64
	lastRefill time.Time
	now        func() time.Time
	mu         sync.Mutex
}

// NewTokenBucket создает полное ведро
func NewTokenBucket(rate, burst float64) *TokenBucket {
	return newTokenBucket(rate, burst, time.Now)
}

func newTokenBucket(rate, burst float64, now func() time.Time) *TokenBucket {
	if rate <= 0 {
		rate = 10
	}
	if burst < rate {
		burst = rate
	}
	return &TokenBucket{
		rate:       rate,
		burst:      burst,
		tokens:     burst,
		lastRefill: now(),
		now:        now,
	}
}

// refill вызывается под lock'ом
func (b *TokenBucket) refill() {
	now := b.now()
	b.tokens += now.Sub(b.lastRefill).Seconds() * b.rate
	if b.tokens > b.burst {
		b.tokens = b.burst
	}
	b.lastRefill = now
}

// Allow забирает токен без ожидания
func (b *TokenBucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Wait блокирует до получения токена или отмены контекста
func (b *TokenBucket) Wait(ctx context.Context) error {
	for {
		b.mu.Lock()
		b.refill()
		if b.tokens >= 1 {
			b.tokens--
			b.mu.Unlock()
			return nil
		}
		wait := time.Duration((1 - b.tokens) / b.rate * float64(time.Second))
		b.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// Tokens возвращает текущее количество токенов
func (b *TokenBucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return b.tokens
}

// ============================================================
// KeyedLimiter - отдельное ведро на ключ (IP клиента, принципал)
// ============================================================

type keyedEntry struct {
	bucket   *TokenBucket
	lastSeen time.Time
}

// KeyedLimiter выдает ведро на каждый ключ и забывает неактивные ключи
type KeyedLimiter struct {
	rate    float64
	burst   float64
	idleTTL time.Duration
	now     func() time.Time

	mu      sync.Mutex
	buckets map[string]*keyedEntry
}

// NewKeyedLimiter создает limiter; ключи без активности дольше idleTTL удаляются
func NewKeyedLimiter(rate, burst float64, idleTTL time.Duration) *KeyedLimiter {
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &KeyedLimiter{
		rate:    rate,
		burst:   burst,
		idleTTL: idleTTL,
		now:     time.Now,
		buckets: make(map[string]*keyedEntry),
	}
}

// Allow забирает токен из ведра ключа
func (k *KeyedLimiter) Allow(key string) bool {
	k.mu.Lock()
	entry, ok := k.buckets[key]
	if !ok {
		entry = &keyedEntry{bucket: newTokenBucket(k.rate, k.burst, k.now)}
		k.buckets[key] = entry
	}
	entry.lastSeen = k.now()
	k.mu.Unlock()

	return entry.bucket.Allow()
}

// Cleanup удаляет неактивные ключи, возвращает число удаленных
func (k *KeyedLimiter) Cleanup() int {
	k.mu.Lock()
	defer k.mu.Unlock()

	cutoff := k.now().Add(-k.idleTTL)
	removed := 0
	for key, entry := range k.buckets {
		if entry.lastSeen.Before(cutoff) {
			delete(k.buckets, key)
			removed++
		}
	}
	return removed
}

// Len возвращает количество отслеживаемых ключей
func (k *KeyedLimiter) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.buckets)
}
