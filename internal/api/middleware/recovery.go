package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	"tradebridge/pkg/utils"
)

// Recovery перехватывает panic в обработчиках
//
// Паника и stack trace уходят в лог, клиент получает 500 в JSON.
// Детали паники клиенту не отдаются.
func Recovery(logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				logger.Error("panic in http handler",
					zap.String("panic", fmt.Sprint(rec)),
					utils.Method(r.Method),
					utils.Path(r.URL.Path),
					utils.RequestID(RequestIDFromContext(r.Context())),
					zap.ByteString("stack", debug.Stack()),
				)

				writeJSONError(w, http.StatusInternalServerError, "Internal server error", "internal_error")
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// writeJSONError пишет ошибку в формате ErrorResponse обработчиков
func writeJSONError(w http.ResponseWriter, code int, message, errCode string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = fmt.Fprintf(w, `{"error":%q,"code":%q}`, message, errCode)
}
