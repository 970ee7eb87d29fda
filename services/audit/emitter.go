package audit

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/upb/mcp-acp/models"
	"github.com/upb/mcp-acp/services"
	"go.uber.org/zap"
)

// Sink appends one serialized record to a stream
type Sink interface {
	Append(stream models.AuditStream, line []byte) error
}

// Mirror receives every record after it was appended to its stream
type Mirror interface {
	Enqueue(record *models.AuditRecord) error
}

// Emitter validates audit events and appends them to their streams. Appends
// are serialized, so the order of lines in a stream is the emission order.
type Emitter struct {
	mu     sync.Mutex
	sink   Sink
	mirror Mirror
	logger *zap.Logger
	now    func() time.Time
}

// Option configures an Emitter
type Option func(*Emitter)

// WithMirror forwards every appended record to m
func WithMirror(m Mirror) Option {
	return func(e *Emitter) {
		e.mirror = m
	}
}

// WithClock overrides the clock used to stamp events without a time
func WithClock(now func() time.Time) Option {
	return func(e *Emitter) {
		e.now = now
	}
}

// NewEmitter creates an emitter writing to sink
func NewEmitter(sink Sink, logger *zap.Logger, opts ...Option) *Emitter {
	e := &Emitter{
		sink:   sink,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// EmitAuth appends an authentication event to audit/auth
func (e *Emitter) EmitAuth(event models.AuthEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if event.Time.IsZero() {
		event.Time = e.now().UTC()
	}
	return e.appendLocked(event, string(event.EventType), event.SessionID, event.RequestID, event.Time)
}

// EmitOperation appends an operation event to audit/operations
func (e *Emitter) EmitOperation(event models.OperationEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if event.Time.IsZero() {
		event.Time = e.now().UTC()
	}
	return e.appendLocked(event, string(event.Status), event.SessionID, event.RequestID, event.Time)
}

// EmitConfigHistory appends a configuration history event to system/config_history
func (e *Emitter) EmitConfigHistory(event models.ConfigHistoryEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if event.Time.IsZero() {
		event.Time = e.now().UTC()
	}
	if event.SnapshotFormat == "" {
		event.SnapshotFormat = models.SnapshotFormatYAML
	}
	return e.appendLocked(event, string(event.Event), "", "", event.Time)
}

func (e *Emitter) appendLocked(event Event, eventType, sessionID, requestID string, at time.Time) error {
	stream := event.Stream()

	if err := Validate(event); err != nil {
		// The fallback channel for blocked records is the process log.
		e.logger.Error("audit event rejected by schema",
			zap.String("stream", string(stream)),
			zap.String("event_type", eventType),
			zap.String("session_id", sessionID),
			zap.String("request_id", requestID),
			zap.Any("fields", services.GetErrorDetails(err)["fields"]),
			zap.Error(err))
		return err
	}

	line, err := json.Marshal(event)
	if err != nil {
		return services.WrapInternal("failed to encode audit event", err)
	}

	if err := e.sink.Append(stream, line); err != nil {
		e.logger.Error("failed to append audit event",
			zap.String("stream", string(stream)),
			zap.String("event_type", eventType),
			zap.Error(err))
		return services.WrapInternal("failed to append audit event", err)
	}

	if e.mirror != nil {
		record := models.NewAuditRecord(stream, eventType, at, line).
			WithSession(sessionID).
			WithRequest(requestID)
		if err := e.mirror.Enqueue(record); err != nil {
			e.logger.Warn("audit mirror rejected record",
				zap.String("stream", string(stream)),
				zap.String("id", record.ID.String()),
				zap.Error(err))
		}
	}

	return nil
}
