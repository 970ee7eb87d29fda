package session

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/mcp-acp/models"
	"github.com/upb/mcp-acp/services/audit"
	"go.uber.org/zap"
)

var now = time.Date(2026, 4, 10, 9, 30, 0, 0, time.UTC)

func newTestAuthenticator(cfg Config) (*Authenticator, *audit.MemorySink) {
	sink := audit.NewMemorySink()
	a := NewAuthenticator(cfg, audit.NewEmitter(sink, zap.NewNop()), zap.NewNop())
	a.now = func() time.Time { return now }
	return a, sink
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"iss":                "https://idp.example.com",
		"sub":                "user-123",
		"aud":                "mcp-acp",
		"azp":                "cli-client",
		"scope":              "openid profile email",
		"email":              "ana@example.com",
		"name":               "Ana",
		"preferred_username": "ana",
		"groups":             []any{"admins"},
		"iat":                float64(now.Add(-time.Minute).Unix()),
		"exp":                float64(now.Add(time.Hour).Unix()),
	}
}

var request = RequestInfo{SessionID: "sess-1", RequestID: "7", Method: "tools/call"}

func TestAuthenticate_Success(t *testing.T) {
	a, sink := newTestAuthenticator(Config{Provider: "keycloak"})

	result := a.Authenticate(request, TokenResult{Claims: validClaims(), TokenType: "Bearer"})

	require.True(t, result.Authenticated())
	assert.Equal(t, "user-123", result.Subject.SubjectID)
	assert.Equal(t, map[string]string{
		"email":              "ana@example.com",
		"name":               "Ana",
		"preferred_username": "ana",
	}, result.Subject.SubjectClaims)
	assert.Empty(t, result.ErrorType)

	require.NotNil(t, result.OIDC)
	assert.Equal(t, "https://idp.example.com", result.OIDC.Issuer)
	assert.Equal(t, "keycloak", result.OIDC.Provider)
	assert.Equal(t, "cli-client", result.OIDC.ClientID)
	assert.Equal(t, []string{"mcp-acp"}, result.OIDC.Audience)
	assert.Equal(t, []string{"openid", "profile", "email"}, result.OIDC.Scopes)
	assert.Equal(t, "Bearer", result.OIDC.TokenType)
	require.NotNil(t, result.OIDC.TokenExpired)
	assert.False(t, *result.OIDC.TokenExpired)

	events, err := sink.AuthEvents()
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.AuthEventTokenValidated, events[0].EventType)
	assert.Equal(t, models.AuthStatusSuccess, events[0].Status)
	assert.Equal(t, "7", events[0].RequestID)
	assert.Equal(t, "tools/call", events[0].Method)
	assert.Equal(t, now, events[0].Time)
}

func TestAuthenticate_ExpiredKeepsSubject(t *testing.T) {
	a, sink := newTestAuthenticator(Config{})
	claims := validClaims()
	claims["exp"] = float64(now.Add(-time.Minute).Unix())

	result := a.Authenticate(request, TokenResult{
		Claims: claims,
		Err:    fmt.Errorf("token has invalid claims: %w", jwt.ErrTokenExpired),
	})

	assert.False(t, result.Authenticated())
	assert.Equal(t, models.AuthStatusFailure, result.Status)
	assert.Equal(t, ErrorTypeTokenExpired, result.ErrorType)
	require.NotNil(t, result.Subject)
	assert.Equal(t, "user-123", result.Subject.SubjectID)
	require.NotNil(t, result.OIDC.TokenExpired)
	assert.True(t, *result.OIDC.TokenExpired)

	events, err := sink.AuthEvents()
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.AuthEventTokenInvalid, events[0].EventType)
	assert.Equal(t, ErrorTypeTokenExpired, events[0].ErrorType)
	require.NotNil(t, events[0].Subject)
}

func TestAuthenticate_Failures(t *testing.T) {
	tests := []struct {
		name      string
		token     TokenResult
		errorType string
	}{
		{"no token", TokenResult{}, ErrorTypeMissingToken},
		{"missing token error", TokenResult{Err: ErrMissingToken}, ErrorTypeMissingToken},
		{"malformed", TokenResult{Err: jwt.ErrTokenMalformed}, ErrorTypeTokenMalformed},
		{"bad signature", TokenResult{Claims: validClaims(), Err: jwt.ErrTokenSignatureInvalid}, ErrorTypeTokenSignature},
		{"wrong audience", TokenResult{Claims: validClaims(), Err: jwt.ErrTokenInvalidAudience}, ErrorTypeTokenAudience},
		{"wrong issuer", TokenResult{Err: jwt.ErrTokenInvalidIssuer}, ErrorTypeTokenIssuer},
		{"not yet valid", TokenResult{Err: jwt.ErrTokenNotValidYet}, ErrorTypeTokenNotYetValid},
		{"other", TokenResult{Err: errors.New("jwks unavailable")}, ErrorTypeTokenInvalid},
		{"missing subject", TokenResult{Claims: jwt.MapClaims{"iss": "https://idp.example.com"}}, ErrorTypeMissingSubject},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, sink := newTestAuthenticator(Config{})

			result := a.Authenticate(request, tt.token)

			assert.False(t, result.Authenticated())
			assert.Nil(t, result.Subject)
			assert.Equal(t, models.AuthStatusFailure, result.Status)
			assert.Equal(t, tt.errorType, result.ErrorType)
			assert.NotEmpty(t, result.ErrorMessage)

			events, err := sink.AuthEvents()
			require.NoError(t, err)
			require.Len(t, events, 1)
			assert.Equal(t, models.AuthEventTokenInvalid, events[0].EventType)
			assert.Equal(t, tt.errorType, events[0].ErrorType)
		})
	}
}

func TestAuthenticate_CustomSafeClaims(t *testing.T) {
	a, _ := newTestAuthenticator(Config{SafeClaims: []string{"groups", "email_verified", "missing"}})
	claims := validClaims()
	claims["email_verified"] = true

	result := a.Authenticate(request, TokenResult{Claims: claims})

	require.True(t, result.Authenticated())
	assert.Equal(t, map[string]string{
		"groups":         `["admins"]`,
		"email_verified": "true",
	}, result.Subject.SubjectClaims)
}

func TestAuthenticate_NoIssuerOmitsOIDC(t *testing.T) {
	a, sink := newTestAuthenticator(Config{})

	result := a.Authenticate(request, TokenResult{Claims: jwt.MapClaims{"sub": "svc"}})

	assert.True(t, result.Authenticated())
	assert.Nil(t, result.OIDC)
	assert.Nil(t, result.Subject.SubjectClaims)

	events, err := sink.AuthEvents()
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestSessionBoundaryEvents(t *testing.T) {
	a, sink := newTestAuthenticator(Config{})
	subject := &models.SubjectIdentity{SubjectID: "user-123"}

	a.SessionStarted("sess-1", nil)
	a.SessionEnded("sess-1", subject, "client_disconnect")

	events, err := sink.AuthEvents()
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, models.AuthEventSessionStarted, events[0].EventType)
	assert.Nil(t, events[0].Subject)
	assert.Equal(t, models.AuthEventSessionEnded, events[1].EventType)
	assert.Equal(t, "client_disconnect", events[1].Details["reason"])
	assert.Equal(t, "user-123", events[1].Subject.SubjectID)
}

func TestClassifyError(t *testing.T) {
	assert.Empty(t, ClassifyError(nil))
	assert.Equal(t, ErrorTypeTokenSignature, ClassifyError(jwt.ErrTokenUnverifiable))
	assert.Equal(t, ErrorTypeTokenNotYetValid, ClassifyError(jwt.ErrTokenUsedBeforeIssued))
	assert.Equal(t, ErrorTypeTokenExpired, ClassifyError(fmt.Errorf("wrapped: %w", jwt.ErrTokenExpired)))
}
