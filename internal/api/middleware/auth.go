package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

// Заголовки аутентификации
const (
	APIKeyHeader    = "X-API-Key"
	PrincipalHeader = "X-Principal-ID"
)

type principalKey struct{}

// PrincipalConfig - настройки определения принципала запроса
//
// Подсистема не ведет пользователей: принципал приходит от внешнего
// слоя аутентификации в заголовке X-Principal-ID. Для локального
// развертывания с одним пользователем используется DefaultPrincipal.
type PrincipalConfig struct {
	APIKey           string // пусто - ключ не требуется
	DefaultPrincipal string
}

// PrincipalFromContext возвращает принципала, определенного middleware
func PrincipalFromContext(ctx context.Context) string {
	id, _ := ctx.Value(principalKey{}).(string)
	return id
}

// WithPrincipal кладет принципала в контекст (для тестов и CLI)
func WithPrincipal(ctx context.Context, principalID string) context.Context {
	return context.WithValue(ctx, principalKey{}, principalID)
}

// Principal проверяет API ключ и определяет принципала запроса
//
// API ключ берется из X-API-Key или Authorization: Bearer и сравнивается
// за постоянное время. Без принципала запрос отклоняется с 401.
func Principal(cfg PrincipalConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.APIKey != "" {
				key := r.Header.Get(APIKeyHeader)
				if key == "" {
					key = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
				}
				if subtle.ConstantTimeCompare([]byte(key), []byte(cfg.APIKey)) != 1 {
					writeJSONError(w, http.StatusUnauthorized, "Invalid API key", "unauthorized")
					return
				}
			}

			principal := strings.TrimSpace(r.Header.Get(PrincipalHeader))
			if principal == "" {
				principal = cfg.DefaultPrincipal
			}
			if principal == "" || len(principal) > 128 {
				writeJSONError(w, http.StatusUnauthorized, "Principal is required", "principal_required")
				return
			}

			r = r.WithContext(WithPrincipal(r.Context(), principal))
			next.ServeHTTP(w, r)
		})
	}
}
