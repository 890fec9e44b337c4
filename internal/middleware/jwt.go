package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/titan-scrape/titan/internal/config"
)

type operatorClaims struct {
	Operator string `json:"operator"`
	jwt.RegisteredClaims
}

type operatorContextKey struct{}

// OperatorFromContext returns the operator name a valid JWT carried, or
// empty when resolver JWT auth is disabled and no token was presented.
func OperatorFromContext(ctx context.Context) string {
	op, _ := ctx.Value(operatorContextKey{}).(string)
	return op
}

// ResolverAuth validates a bearer JWT on operator-facing resolver routes
// when cfg.ResolverJWTSecret is set. With no secret configured, requests
// pass through unauthenticated — matching the internal-tool posture the
// operator CLI/TUI was built for.
func ResolverAuth(cfg *config.Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.ResolverJWTSecret == "" {
				next.ServeHTTP(w, r)
				return
			}

			auth := r.Header.Get("Authorization")
			tokenString, ok := strings.CutPrefix(auth, "Bearer ")
			if !ok || tokenString == "" {
				writeErrorResponse(w, http.StatusUnauthorized, "missing bearer token", time.Now())
				return
			}

			claims := &operatorClaims{}
			token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return []byte(cfg.ResolverJWTSecret), nil
			})
			if err != nil || !token.Valid {
				writeErrorResponse(w, http.StatusUnauthorized, "invalid or expired token", time.Now())
				return
			}

			ctx := context.WithValue(r.Context(), operatorContextKey{}, claims.Operator)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
