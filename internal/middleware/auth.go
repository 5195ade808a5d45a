package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/captivegate/captivegate/internal/auth"
)

// OperatorKey holds the subject of a validated admin token
const OperatorKey contextKey = "operator"

// AdminAuth rejects requests without a valid operator bearer token
func (m *Middleware) AdminAuth(tokens *auth.AdminTokenService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := bearerToken(r)
			if tokenString == "" {
				writeJSONError(w, http.StatusUnauthorized, "Operator authentication required")
				return
			}

			claims, err := tokens.Validate(tokenString)
			if err != nil {
				m.log.Debug().Err(err).Msg("admin token validation failed")
				writeJSONError(w, http.StatusUnauthorized, "The operator token is invalid or expired")
				return
			}

			ctx := context.WithValue(r.Context(), OperatorKey, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OptionalAdmin attaches the operator when a valid token is present and passes every request through
func (m *Middleware) OptionalAdmin(tokens *auth.AdminTokenService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if tokenString := bearerToken(r); tokenString != "" {
				if claims, err := tokens.Validate(tokenString); err == nil {
					r = r.WithContext(context.WithValue(r.Context(), OperatorKey, claims.Subject))
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// GetOperator returns the authenticated operator, or "" for subscriber requests
func GetOperator(ctx context.Context) string {
	if op, ok := ctx.Value(OperatorKey).(string); ok {
		return op
	}
	return ""
}

func bearerToken(r *http.Request) string {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}
