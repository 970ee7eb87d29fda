package services

import (
	"errors"
	"fmt"
)

// ErrorType represents the type/category of error
type ErrorType string

const (
	ErrorTypeAuthentication  ErrorType = "authentication"
	ErrorTypePolicy          ErrorType = "policy"
	ErrorTypeQueueContract   ErrorType = "queue_contract"
	ErrorTypeBackend         ErrorType = "backend"
	ErrorTypeAuditValidation ErrorType = "audit_validation"
	ErrorTypeNotFound        ErrorType = "not_found"
	ErrorTypeValidation      ErrorType = "validation"
	ErrorTypeUnavailable     ErrorType = "unavailable"
	ErrorTypeInternal        ErrorType = "internal"
)

// DomainError represents a structured error with additional context
type DomainError struct {
	Type    ErrorType
	Message string
	Err     error
	Details map[string]interface{}
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements errors.Unwrap
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is. Two domain errors match when their types match.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// WithDetail adds a detail to the error
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewDomainError creates a new domain error
func NewDomainError(errType ErrorType, message string, err error) *DomainError {
	return &DomainError{
		Type:    errType,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// Domain error variables. These are comparison targets for errors.Is; build
// new errors with NewDomainError instead of attaching details to them.

var (
	// Authentication Errors
	ErrInvalidToken = NewDomainError(ErrorTypeAuthentication, "invalid authentication token", nil)
	ErrTokenExpired = NewDomainError(ErrorTypeAuthentication, "authentication token expired", nil)
	ErrMissingToken = NewDomainError(ErrorTypeAuthentication, "missing authentication token", nil)

	// Policy Errors
	ErrInvalidPolicy = NewDomainError(ErrorTypePolicy, "invalid policy configuration", nil)

	// Queue Contract Errors
	ErrTicketNotActive = NewDomainError(ErrorTypeQueueContract, "ticket is not the active approval", nil)
	ErrTicketNotFound  = NewDomainError(ErrorTypeQueueContract, "approval ticket not found", nil)
	ErrDuplicateTicket = NewDomainError(ErrorTypeQueueContract, "approval ticket already pending for request", nil)
	ErrInvalidOutcome  = NewDomainError(ErrorTypeQueueContract, "invalid approval outcome", nil)
	ErrQueueClosed     = NewDomainError(ErrorTypeQueueContract, "approval queue closed", nil)

	// Backend Errors
	ErrBackendUnavailable = NewDomainError(ErrorTypeBackend, "backend unavailable", nil)
	ErrBackendTimeout     = NewDomainError(ErrorTypeBackend, "backend timeout", nil)
	ErrMalformedResponse  = NewDomainError(ErrorTypeBackend, "malformed backend response", nil)

	// Audit Validation Errors
	ErrInvalidAuditEvent = NewDomainError(ErrorTypeAuditValidation, "audit event failed schema validation", nil)

	// Not Found Errors
	ErrSessionNotFound  = NewDomainError(ErrorTypeNotFound, "session not found", nil)
	ErrApprovalNotFound = NewDomainError(ErrorTypeNotFound, "approval ticket not found", nil)

	// Unavailable Errors
	ErrSessionLimit = NewDomainError(ErrorTypeUnavailable, "session limit reached", nil)

	// Validation Errors
	ErrInvalidInput = NewDomainError(ErrorTypeValidation, "invalid input", nil)

	// Internal Errors
	ErrInternal = NewDomainError(ErrorTypeInternal, "internal server error", nil)
)

// Error type checking helper functions

func hasType(err error, errType ErrorType) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == errType
	}
	return false
}

// IsAuthenticationError checks if an error is an authentication error
func IsAuthenticationError(err error) bool {
	return hasType(err, ErrorTypeAuthentication)
}

// IsPolicyError checks if an error is a policy configuration error
func IsPolicyError(err error) bool {
	return hasType(err, ErrorTypePolicy)
}

// IsQueueContractError checks if an error is an approval queue contract violation
func IsQueueContractError(err error) bool {
	return hasType(err, ErrorTypeQueueContract)
}

// IsBackendError checks if an error is a backend error
func IsBackendError(err error) bool {
	return hasType(err, ErrorTypeBackend)
}

// IsAuditValidationError checks if an error is an audit schema validation error
func IsAuditValidationError(err error) bool {
	return hasType(err, ErrorTypeAuditValidation)
}

// IsNotFoundError checks if an error is a not found error
func IsNotFoundError(err error) bool {
	return hasType(err, ErrorTypeNotFound)
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	return hasType(err, ErrorTypeValidation)
}

// IsUnavailableError checks if an error reports exhausted capacity
func IsUnavailableError(err error) bool {
	return hasType(err, ErrorTypeUnavailable)
}

// IsInternalError checks if an error is an internal error
func IsInternalError(err error) bool {
	return hasType(err, ErrorTypeInternal)
}

// GetErrorType returns the ErrorType of a domain error, or empty string if not a domain error
func GetErrorType(err error) ErrorType {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type
	}
	return ""
}

// GetErrorDetails returns the details map of a domain error, or nil if not a domain error
func GetErrorDetails(err error) map[string]interface{} {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Details
	}
	return nil
}

// WrapInternal wraps an error as an internal error
func WrapInternal(message string, err error) error {
	return NewDomainError(ErrorTypeInternal, message, err)
}
