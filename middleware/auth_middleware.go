package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/upb/mcp-acp/oidc"
	"github.com/upb/mcp-acp/utils"
	"go.uber.org/zap"
)

// AdminAuth protects the approval and policy API with a shared bearer token
type AdminAuth struct {
	token  []byte
	logger *zap.Logger
}

// NewAdminAuth creates a new AdminAuth. An empty token disables the check,
// which config validation only allows outside production.
func NewAdminAuth(token string, logger *zap.Logger) *AdminAuth {
	if token == "" {
		logger.Warn("admin token not configured, admin API is unauthenticated")
	}
	return &AdminAuth{
		token:  []byte(token),
		logger: logger,
	}
}

// RequireAdmin is a middleware that requires the admin bearer token
func (m *AdminAuth) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(m.token) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		requestID := GetRequestIDFromContext(r.Context())

		token := oidc.BearerToken(r.Header.Get("Authorization"))
		if token == "" {
			m.logger.Warn("missing admin token",
				zap.String("request_id", requestID),
				zap.String("path", r.URL.Path))
			w.Header().Set("WWW-Authenticate", "Bearer")
			_ = utils.WriteUnauthorized(w, "Missing or invalid authorization")
			return
		}

		if subtle.ConstantTimeCompare([]byte(token), m.token) != 1 {
			m.logger.Warn("admin token rejected",
				zap.String("request_id", requestID),
				zap.String("path", r.URL.Path))
			w.Header().Set("WWW-Authenticate", "Bearer")
			_ = utils.WriteUnauthorized(w, "Invalid admin token")
			return
		}

		next.ServeHTTP(w, r)
	})
}
