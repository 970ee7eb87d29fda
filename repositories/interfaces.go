package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/upb/mcp-acp/models"
)

// TransactionManager manages database transactions
type TransactionManager interface {
	// Begin starts a new transaction
	Begin(ctx context.Context) (Transaction, error)

	// InTransaction executes a function within a transaction
	// Automatically commits if function succeeds, rolls back on error
	InTransaction(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error
}

// Transaction represents a database transaction
type Transaction interface {
	// Commit commits the transaction
	Commit() error

	// Rollback rolls back the transaction
	Rollback() error

	// Context returns the transaction context
	Context() context.Context
}

// AuditRepository handles mirrored audit record operations
type AuditRepository interface {
	// Insert inserts a new audit record
	Insert(ctx context.Context, record *models.AuditRecord) error

	// GetByID retrieves an audit record by ID
	GetByID(ctx context.Context, id uuid.UUID) (*models.AuditRecord, error)

	// GetBySessionID retrieves a session's audit records in emission order
	GetBySessionID(ctx context.Context, sessionID string, limit, offset int) ([]*models.AuditRecord, error)

	// GetByRequestID retrieves the audit records of one request
	GetByRequestID(ctx context.Context, requestID string) ([]*models.AuditRecord, error)

	// GetByStream retrieves a stream's records within a time range
	GetByStream(ctx context.Context, stream models.AuditStream, start, end time.Time, limit, offset int) ([]*models.AuditRecord, error)
}

// Repositories holds all repository instances
type Repositories struct {
	AuditRecords AuditRepository
}
