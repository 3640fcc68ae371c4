package middleware

import (
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	"marketbot/pkg/utils"
)

// Recovery перехватывает panic в handlers и не дает упасть всему серверу.
//
// Паника логируется вместе со stack trace, клиент получает 500 без
// деталей: текст паники может содержать внутренние данные.
func Recovery(logger *utils.Logger) func(http.Handler) http.Handler {
	log := logger.Named("http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					log.Error("panic в handler",
						zap.Any("panic", err),
						zap.String("method", r.Method),
						zap.String("path", r.URL.Path),
						zap.ByteString("stack", debug.Stack()))

					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
