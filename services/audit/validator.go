package audit

import (
	"bufio"
	"fmt"
	"io"

	"github.com/upb/mcp-acp/models"
	"github.com/upb/mcp-acp/services"
	"github.com/upb/mcp-acp/utils"
)

// maxLineSize bounds a single JSONL record when reading stream files
const maxLineSize = 4 << 20

// Event is implemented by every audit event model
type Event interface {
	Stream() models.AuditStream
}

// Validate checks an event against the closed schema of its stream
func Validate(event Event) error {
	switch event.(type) {
	case models.AuthEvent, *models.AuthEvent,
		models.OperationEvent, *models.OperationEvent,
		models.ConfigHistoryEvent, *models.ConfigHistoryEvent:
	default:
		return services.NewDomainError(services.ErrorTypeAuditValidation,
			fmt.Sprintf("unsupported audit event type %T", event), nil)
	}

	if err := utils.ValidateStruct(event); err != nil {
		return validationError(event.Stream(), err)
	}
	return nil
}

// ValidateRaw decodes one serialized record of the given stream. Unknown
// fields are rejected rather than dropped.
func ValidateRaw(stream models.AuditStream, data []byte) (Event, error) {
	var (
		event Event
		err   error
	)
	switch stream {
	case models.AuditStreamAuth:
		var e models.AuthEvent
		err = utils.DecodeStrict(data, &e)
		event = e
	case models.AuditStreamOperations:
		var e models.OperationEvent
		err = utils.DecodeStrict(data, &e)
		event = e
	case models.AuditStreamConfigHistory:
		var e models.ConfigHistoryEvent
		err = utils.DecodeStrict(data, &e)
		event = e
	default:
		return nil, services.NewDomainError(services.ErrorTypeAuditValidation, "unknown audit stream", nil).
			WithDetail("stream", string(stream))
	}
	if err != nil {
		return nil, validationError(stream, err)
	}
	if err := Validate(event); err != nil {
		return nil, err
	}
	return event, nil
}

// LineError reports the first invalid record of a stream file
type LineError struct {
	Line int
	Err  error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *LineError) Unwrap() error {
	return e.Err
}

// ValidateStream checks every JSONL record read from r and returns the number
// of valid records before the first failure.
func ValidateStream(stream models.AuditStream, r io.Reader) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	n := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if _, err := ValidateRaw(stream, line); err != nil {
			return n, &LineError{Line: n + 1, Err: err}
		}
		n++
	}
	if err := scanner.Err(); err != nil {
		return n, fmt.Errorf("failed to read %s: %w", stream, err)
	}
	return n, nil
}

func validationError(stream models.AuditStream, err error) error {
	domainErr := services.NewDomainError(services.ErrorTypeAuditValidation,
		"audit event failed schema validation", err).
		WithDetail("stream", string(stream))
	if fields := utils.GetValidationFields(err); fields != nil {
		domainErr.WithDetail("fields", fields)
	}
	return domainErr
}
