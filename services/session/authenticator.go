package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/upb/mcp-acp/models"
	"go.uber.org/zap"
)

// Error types reported in AuthEvent.error_type
const (
	ErrorTypeTokenExpired     = "TokenExpiredError"
	ErrorTypeTokenMalformed   = "TokenMalformedError"
	ErrorTypeTokenSignature   = "TokenSignatureError"
	ErrorTypeTokenAudience    = "TokenAudienceError"
	ErrorTypeTokenIssuer      = "TokenIssuerError"
	ErrorTypeTokenNotYetValid = "TokenNotYetValidError"
	ErrorTypeMissingToken     = "MissingTokenError"
	ErrorTypeMissingSubject   = "MissingSubjectError"
	ErrorTypeTokenInvalid     = "TokenInvalidError"
)

// ErrMissingToken is reported by verifiers when the request carries no bearer token
var ErrMissingToken = errors.New("missing bearer token")

// DefaultSafeClaims are the claims copied into SubjectIdentity.subject_claims
var DefaultSafeClaims = []string{"email", "name", "preferred_username"}

// TokenResult is the outcome of cryptographic token verification. Claims may
// be set alongside Err when the token was readable but failed validation.
type TokenResult struct {
	Claims    jwt.MapClaims
	Err       error
	Provider  string
	TokenType string
}

// AuthResult is the authentication decision for one request
type AuthResult struct {
	Subject      *models.SubjectIdentity
	OIDC         *models.OIDCInfo
	Status       models.AuthStatus
	ErrorType    string
	ErrorMessage string
}

// Authenticated reports whether the request carries a usable identity
func (r AuthResult) Authenticated() bool {
	return r.Status == models.AuthStatusSuccess && r.Subject != nil
}

// RequestInfo identifies the request a token was presented with
type RequestInfo struct {
	SessionID string
	RequestID string
	Method    string
}

// AuthEmitter records authentication events
type AuthEmitter interface {
	EmitAuth(event models.AuthEvent) error
}

// Config holds configuration for the Authenticator
type Config struct {
	Provider   string
	SafeClaims []string
}

// Authenticator turns verified tokens into subject identities and records
// every decision on the audit/auth stream.
type Authenticator struct {
	provider   string
	safeClaims []string
	emitter    AuthEmitter
	logger     *zap.Logger
	now        func() time.Time
}

// NewAuthenticator creates a new Authenticator
func NewAuthenticator(cfg Config, emitter AuthEmitter, logger *zap.Logger) *Authenticator {
	safeClaims := cfg.SafeClaims
	if len(safeClaims) == 0 {
		safeClaims = DefaultSafeClaims
	}
	return &Authenticator{
		provider:   cfg.Provider,
		safeClaims: append([]string(nil), safeClaims...),
		emitter:    emitter,
		logger:     logger,
		now:        time.Now,
	}
}

// Authenticate derives the subject of a request from its token result and
// emits one token_validated or token_invalid event. It never fails: every
// problem is reported on the returned result.
func (a *Authenticator) Authenticate(req RequestInfo, token TokenResult) AuthResult {
	now := a.now().UTC()
	result := a.evaluate(token, now)

	event := models.AuthEvent{
		Time:         now,
		SessionID:    req.SessionID,
		RequestID:    req.RequestID,
		Method:       req.Method,
		Status:       result.Status,
		Subject:      result.Subject,
		OIDC:         result.OIDC,
		ErrorType:    result.ErrorType,
		ErrorMessage: result.ErrorMessage,
	}
	if result.Status == models.AuthStatusSuccess {
		event.EventType = models.AuthEventTokenValidated
		event.Message = "token validated"
	} else {
		event.EventType = models.AuthEventTokenInvalid
		event.Message = "token rejected"
		a.logger.Info("token rejected",
			zap.String("session_id", req.SessionID),
			zap.String("request_id", req.RequestID),
			zap.String("error_type", result.ErrorType))
	}
	a.emit(event)

	return result
}

// SessionStarted records the start of a session
func (a *Authenticator) SessionStarted(sessionID string, subject *models.SubjectIdentity) {
	a.emit(models.AuthEvent{
		Time:      a.now().UTC(),
		SessionID: sessionID,
		EventType: models.AuthEventSessionStarted,
		Status:    models.AuthStatusSuccess,
		Message:   "session started",
		Subject:   subject,
	})
}

// SessionEnded records the end of a session
func (a *Authenticator) SessionEnded(sessionID string, subject *models.SubjectIdentity, reason string) {
	event := models.AuthEvent{
		Time:      a.now().UTC(),
		SessionID: sessionID,
		EventType: models.AuthEventSessionEnded,
		Status:    models.AuthStatusSuccess,
		Message:   "session ended",
		Subject:   subject,
	}
	if reason != "" {
		event.Details = map[string]any{"reason": reason}
	}
	a.emit(event)
}

func (a *Authenticator) emit(event models.AuthEvent) {
	if a.emitter == nil {
		return
	}
	if err := a.emitter.EmitAuth(event); err != nil {
		a.logger.Error("failed to emit auth event",
			zap.String("session_id", event.SessionID),
			zap.String("event_type", string(event.EventType)),
			zap.Error(err))
	}
}

func (a *Authenticator) evaluate(token TokenResult, now time.Time) AuthResult {
	result := AuthResult{Status: models.AuthStatusFailure}

	if token.Err != nil {
		result.ErrorType = ClassifyError(token.Err)
		result.ErrorMessage = token.Err.Error()
		// Expired tokens are still attributed to their subject.
		if result.ErrorType != ErrorTypeTokenExpired || token.Claims == nil {
			return result
		}
	} else if token.Claims == nil {
		result.ErrorType = ErrorTypeMissingToken
		result.ErrorMessage = ErrMissingToken.Error()
		return result
	}

	result.OIDC = a.oidcInfo(token, now)

	sub, _ := token.Claims.GetSubject()
	if strings.TrimSpace(sub) == "" {
		if result.ErrorType == "" {
			result.ErrorType = ErrorTypeMissingSubject
			result.ErrorMessage = "token has no subject claim"
		}
		return result
	}
	result.Subject = &models.SubjectIdentity{
		SubjectID:     sub,
		SubjectClaims: a.safeSubset(token.Claims),
	}

	if token.Err == nil {
		result.Status = models.AuthStatusSuccess
	}
	return result
}

func (a *Authenticator) oidcInfo(token TokenResult, now time.Time) *models.OIDCInfo {
	claims := token.Claims
	iss, _ := claims.GetIssuer()
	if iss == "" {
		return nil
	}

	provider := token.Provider
	if provider == "" {
		provider = a.provider
	}
	info := &models.OIDCInfo{
		Issuer:    iss,
		Provider:  provider,
		ClientID:  firstString(claims, "client_id", "azp"),
		Scopes:    scopes(claims),
		TokenType: token.TokenType,
	}
	if info.TokenType == "" {
		info.TokenType = firstString(claims, "token_use", "typ")
	}
	if aud, err := claims.GetAudience(); err == nil && len(aud) > 0 {
		info.Audience = []string(aud)
	}
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		t := iat.Time.UTC()
		info.TokenIat = &t
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		t := exp.Time.UTC()
		expired := !now.Before(t)
		info.TokenExp = &t
		info.TokenExpired = &expired
	}
	return info
}

func (a *Authenticator) safeSubset(claims jwt.MapClaims) map[string]string {
	subset := make(map[string]string)
	for _, name := range a.safeClaims {
		v, ok := claims[name]
		if !ok || v == nil {
			continue
		}
		subset[name] = stringify(v)
	}
	if len(subset) == 0 {
		return nil
	}
	return subset
}

// ClassifyError maps a verification error to the error type recorded in audit events
func ClassifyError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMissingToken):
		return ErrorTypeMissingToken
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrorTypeTokenExpired
	case errors.Is(err, jwt.ErrTokenMalformed):
		return ErrorTypeTokenMalformed
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return ErrorTypeTokenSignature
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return ErrorTypeTokenAudience
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return ErrorTypeTokenIssuer
	case errors.Is(err, jwt.ErrTokenNotValidYet), errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return ErrorTypeTokenNotYetValid
	default:
		return ErrorTypeTokenInvalid
	}
}

func firstString(claims jwt.MapClaims, names ...string) string {
	for _, name := range names {
		if s, ok := claims[name].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func scopes(claims jwt.MapClaims) []string {
	if s, ok := claims["scope"].(string); ok {
		return strings.Fields(s)
	}
	if list, ok := claims["scp"].([]any); ok {
		out := make([]string, 0, len(list))
		for _, v := range list {
			out = append(out, stringify(v))
		}
		return out
	}
	return nil
}

func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	case json.Number:
		return val.String()
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
