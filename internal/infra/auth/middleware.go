package auth

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-gateway/internal/domain"
)

// TokenValidator реализуют и шлюз, и консоль
type TokenValidator interface {
	VerifyToken(tokenStr string) (*domain.CustomClaims, error)
}

type ctxKey struct{}

func WithClaims(ctx context.Context, c *domain.CustomClaims) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

// ClaimsFromContext достает проверенные claims. Для анонимного запроса nil.
func ClaimsFromContext(ctx context.Context) *domain.CustomClaims {
	c, _ := ctx.Value(ctxKey{}).(*domain.CustomClaims)
	return c
}

// NewMiddleware проверяет bearer-токен и кладет claims в контекст запроса
func NewMiddleware(v TokenValidator, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, "missing access token")
				return
			}

			claims, err := v.VerifyToken(authHeader)
			if err != nil {
				logger.Warn("auth failure", zap.String("path", r.URL.Path), zap.Error(err))
				writeError(w, http.StatusUnauthorized, "invalid access token")
				return
			}

			// Прокидываем данные в контекст
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

// RequireScope отклоняет запрос без нужного scope. Ставится после NewMiddleware.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !ClaimsFromContext(r.Context()).HasScope(scope) {
				writeError(w, http.StatusForbidden, "token does not grant "+scope)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Anonymous выдает все права. Нужен, когда публичный ключ не настроен (локальная разработка).
func Anonymous(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), AnonymousClaims())))
	})
}

func AnonymousClaims() *domain.CustomClaims {
	return &domain.CustomClaims{UserID: "anonymous", Scopes: map[string]bool{"admin": true}}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
