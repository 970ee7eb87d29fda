package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuditStream identifies the append-only stream an audit event belongs to
type AuditStream string

const (
	AuditStreamAuth          AuditStream = "audit/auth"
	AuditStreamOperations    AuditStream = "audit/operations"
	AuditStreamConfigHistory AuditStream = "system/config_history"
)

var auditStreamAliases = map[string]AuditStream{
	"auth":           AuditStreamAuth,
	"operations":     AuditStreamOperations,
	"config_history": AuditStreamConfigHistory,
}

// ParseAuditStream accepts a short alias (auth) or a stream name (audit/auth)
func ParseAuditStream(name string) (AuditStream, error) {
	if s, ok := auditStreamAliases[name]; ok {
		return s, nil
	}
	for _, s := range auditStreamAliases {
		if string(s) == name {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown audit stream %q: want auth, operations or config_history", name)
}

// AuthEventType classifies an authentication event
type AuthEventType string

const (
	AuthEventTokenValidated AuthEventType = "token_validated"
	AuthEventTokenInvalid   AuthEventType = "token_invalid"
	AuthEventSessionStarted AuthEventType = "session_started"
	AuthEventSessionEnded   AuthEventType = "session_ended"
)

// AuthStatus is the outcome of an authentication event
type AuthStatus string

const (
	AuthStatusSuccess AuthStatus = "Success"
	AuthStatusFailure AuthStatus = "Failure"
)

// OperationStatus is the outcome of a proxied operation
type OperationStatus string

const (
	OperationStatusSuccess OperationStatus = "Success"
	OperationStatusFailure OperationStatus = "Failure"
	OperationStatusDenied  OperationStatus = "Denied"
)

// ConfigEvent classifies a configuration history entry
type ConfigEvent string

const (
	ConfigEventCreated ConfigEvent = "config_created"
	ConfigEventUpdated ConfigEvent = "config_updated"
)

// ChangeType describes how a configuration version came to be active
type ChangeType string

const (
	ChangeTypeInitialLoad  ChangeType = "initial_load"
	ChangeTypeManualUpdate ChangeType = "manual_update"
	ChangeTypeReload       ChangeType = "reload"
)

// Snapshot formats for configuration history
const (
	SnapshotFormatYAML = "yaml"
	SnapshotFormatJSON = "json"
)

// AuthEvent is one authentication or session lifecycle entry (audit/auth.jsonl)
type AuthEvent struct {
	Time      time.Time `json:"time" validate:"required"`
	SessionID string    `json:"session_id" validate:"required"`

	// RequestID is the JSON-RPC id for per-request token checks; empty for session events.
	RequestID string `json:"request_id,omitempty"`

	EventType AuthEventType `json:"event_type" validate:"required,oneof=token_validated token_invalid session_started session_ended"`
	Status    AuthStatus    `json:"status" validate:"required,oneof=Success Failure"`
	Message   string        `json:"message,omitempty"`
	Method    string        `json:"method,omitempty"`

	Subject *SubjectIdentity `json:"subject,omitempty"`
	OIDC    *OIDCInfo        `json:"oidc,omitempty"`

	ErrorType    string         `json:"error_type,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
}

// Stream returns the stream the event is appended to
func (AuthEvent) Stream() AuditStream {
	return AuditStreamAuth
}

// LatencyInfo is the latency breakdown of one operation in milliseconds
type LatencyInfo struct {
	LatencyMsTotal             *float64 `json:"latency_ms_total" validate:"required"`
	LatencyMsClientToProxy     *float64 `json:"latency_ms_client_to_proxy,omitempty"`
	LatencyMsProxyToBackend    *float64 `json:"latency_ms_proxy_to_backend,omitempty"`
	LatencyMsBackendProcessing *float64 `json:"latency_ms_backend_processing,omitempty"`
}

// OperationEvent is one proxied MCP operation entry (audit/operations.jsonl)
type OperationEvent struct {
	Time      time.Time `json:"time" validate:"required"`
	SessionID string    `json:"session_id" validate:"required"`
	RequestID string    `json:"request_id" validate:"required"`
	Method    string    `json:"method" validate:"required"`

	Status  OperationStatus `json:"status" validate:"required,oneof=Success Failure Denied"`
	Message string          `json:"message,omitempty"`

	Subject SubjectIdentity `json:"subject" validate:"required"`

	BackendID string `json:"backend_id" validate:"required"`

	ToolName         string            `json:"tool_name,omitempty"`
	ArgumentsSummary *ArgumentsSummary `json:"arguments_summary,omitempty"`

	ConfigVersion string `json:"config_version,omitempty"`

	Latency LatencyInfo `json:"latency" validate:"required"`
}

// Stream returns the stream the event is appended to
func (OperationEvent) Stream() AuditStream {
	return AuditStreamOperations
}

// ConfigHistoryEvent is one configuration lifecycle entry (system/config_history.jsonl)
type ConfigHistoryEvent struct {
	Time    time.Time   `json:"time" validate:"required"`
	Event   ConfigEvent `json:"event" validate:"required,oneof=config_created config_updated"`
	Message string      `json:"message,omitempty"`

	ConfigVersion   string     `json:"config_version" validate:"required"`
	PreviousVersion string     `json:"previous_version,omitempty"`
	ChangeType      ChangeType `json:"change_type" validate:"required,oneof=initial_load manual_update reload"`

	Component  string `json:"component,omitempty"`
	ConfigPath string `json:"config_path,omitempty"`

	Checksum string `json:"checksum" validate:"required"`

	SnapshotFormat string `json:"snapshot_format" validate:"required,oneof=yaml json"`
	Snapshot       string `json:"snapshot" validate:"required"`
}

// Stream returns the stream the event is appended to
func (ConfigHistoryEvent) Stream() AuditStream {
	return AuditStreamConfigHistory
}

// Ms converts a duration into the float milliseconds used by LatencyInfo
func Ms(d time.Duration) *float64 {
	v := float64(d) / float64(time.Millisecond)
	return &v
}

// AuditRecord is a serialized audit event mirrored to the audit database
type AuditRecord struct {
	ID        uuid.UUID       `json:"id" db:"id"`
	Stream    AuditStream     `json:"stream" db:"stream"`
	EventType string          `json:"event_type" db:"event_type"`
	SessionID *string         `json:"session_id,omitempty" db:"session_id"`
	RequestID *string         `json:"request_id,omitempty" db:"request_id"`
	Time      time.Time       `json:"time" db:"event_time"`
	Payload   json.RawMessage `json:"payload" db:"payload"` // JSONB, the exact emitted line
}

// TableName returns the table name for the AuditRecord model
func (AuditRecord) TableName() string {
	return "audit_events"
}

// NewAuditRecord creates a new AuditRecord for an emitted line
func NewAuditRecord(stream AuditStream, eventType string, at time.Time, payload json.RawMessage) *AuditRecord {
	return &AuditRecord{
		ID:        uuid.New(),
		Stream:    stream,
		EventType: eventType,
		Time:      at,
		Payload:   payload,
	}
}

// WithSession sets the session ID
func (a *AuditRecord) WithSession(sessionID string) *AuditRecord {
	if sessionID != "" {
		a.SessionID = &sessionID
	}
	return a
}

// WithRequest sets the request ID
func (a *AuditRecord) WithRequest(requestID string) *AuditRecord {
	if requestID != "" {
		a.RequestID = &requestID
	}
	return a
}
