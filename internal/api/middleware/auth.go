package middleware

import (
	"net/http"
	"strings"

	"marketbot/pkg/crypto"
)

// Auth проверяет API токен из заголовка Authorization: Bearer <token>.
//
// Токен сравнивается с bcrypt-хешем, вычисленным при старте из API_TOKEN
// (сам токен в памяти процесса не хранится). Bcrypt сравнивает в constant
// time, timing attack невозможна.
//
// Ответы:
// - 401 Unauthorized: заголовок отсутствует, формат неверный или токен не совпал
func Auth(tokenHash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				unauthorized(w, "Authorization header is required")
				return
			}

			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				unauthorized(w, "Authorization header must be: Bearer <token>")
				return
			}

			if !crypto.TokenMatches(token, tokenHash) {
				unauthorized(w, "Invalid API token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="api"`)
	http.Error(w, message, http.StatusUnauthorized)
}
