package models

import "time"

// SubjectIdentity is the identity of the human user behind a session,
// derived from the validated OIDC token.
type SubjectIdentity struct {
	SubjectID     string            `json:"subject_id" validate:"required"`
	SubjectClaims map[string]string `json:"subject_claims,omitempty"`
}

// OIDCInfo is a snapshot of token and provider metadata taken at validation time.
type OIDCInfo struct {
	Issuer       string     `json:"issuer" validate:"required"`
	Provider     string     `json:"provider,omitempty"`
	ClientID     string     `json:"client_id,omitempty"`
	Audience     []string   `json:"audience,omitempty"`
	Scopes       []string   `json:"scopes,omitempty"`
	TokenType    string     `json:"token_type,omitempty"`
	TokenExp     *time.Time `json:"token_exp,omitempty"`
	TokenIat     *time.Time `json:"token_iat,omitempty"`
	TokenExpired *bool      `json:"token_expired,omitempty"`
}

// Session represents one client connection to the proxy
type Session struct {
	SessionID string           `json:"session_id"`
	Subject   *SubjectIdentity `json:"subject,omitempty"`
	StartedAt time.Time        `json:"started_at"`
	EndedAt   *time.Time       `json:"ended_at,omitempty"`
}

// NewSession creates a new Session starting now
func NewSession(sessionID string) *Session {
	return &Session{
		SessionID: sessionID,
		StartedAt: time.Now().UTC(),
	}
}

// IsEnded reports whether the session has been terminated
func (s *Session) IsEnded() bool {
	return s.EndedAt != nil
}

// End marks the session as ended at the given time. Ending twice keeps the first timestamp.
func (s *Session) End(at time.Time) {
	if s.EndedAt != nil {
		return
	}
	at = at.UTC()
	s.EndedAt = &at
}
