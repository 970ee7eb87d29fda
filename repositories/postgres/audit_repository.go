package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/upb/mcp-acp/models"
	"github.com/upb/mcp-acp/repositories"
	"github.com/upb/mcp-acp/services"
	"go.uber.org/zap"
)

const auditColumns = `id, stream, event_type, session_id, request_id, event_time, payload`

// AuditRepository implements the repositories.AuditRepository interface
type AuditRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *DB, logger *zap.Logger) repositories.AuditRepository {
	return &AuditRepository{
		db:     db,
		logger: logger,
	}
}

// Insert inserts a new audit record
func (r *AuditRepository) Insert(ctx context.Context, record *models.AuditRecord) error {
	query := `
		INSERT INTO audit_events (` + auditColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	executor := GetExecutor(ctx, r.db)
	_, err := executor.ExecContext(ctx, query,
		record.ID,
		record.Stream,
		record.EventType,
		record.SessionID,
		record.RequestID,
		record.Time,
		[]byte(record.Payload),
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit record: %w", err)
	}

	r.logger.Debug("audit record inserted",
		zap.String("id", record.ID.String()),
		zap.String("stream", string(record.Stream)))
	return nil
}

// GetByID retrieves an audit record by ID
func (r *AuditRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.AuditRecord, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_events WHERE id = $1`

	executor := GetExecutor(ctx, r.db)
	record, err := scanAuditRecord(executor.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, services.NewDomainError(services.ErrorTypeNotFound, "audit record not found", err).
				WithDetail("id", id.String())
		}
		return nil, fmt.Errorf("failed to get audit record: %w", err)
	}
	return record, nil
}

// GetBySessionID retrieves a session's audit records in emission order
func (r *AuditRepository) GetBySessionID(ctx context.Context, sessionID string, limit, offset int) ([]*models.AuditRecord, error) {
	query := `
		SELECT ` + auditColumns + `
		FROM audit_events
		WHERE session_id = $1
		ORDER BY event_time ASC
		LIMIT $2 OFFSET $3
	`
	return r.queryAuditRecords(ctx, query, sessionID, limit, offset)
}

// GetByRequestID retrieves the audit records of one request
func (r *AuditRepository) GetByRequestID(ctx context.Context, requestID string) ([]*models.AuditRecord, error) {
	query := `
		SELECT ` + auditColumns + `
		FROM audit_events
		WHERE request_id = $1
		ORDER BY event_time ASC
	`
	return r.queryAuditRecords(ctx, query, requestID)
}

// GetByStream retrieves a stream's records within a time range
func (r *AuditRepository) GetByStream(ctx context.Context, stream models.AuditStream, start, end time.Time, limit, offset int) ([]*models.AuditRecord, error) {
	query := `
		SELECT ` + auditColumns + `
		FROM audit_events
		WHERE stream = $1 AND event_time >= $2 AND event_time <= $3
		ORDER BY event_time ASC
		LIMIT $4 OFFSET $5
	`
	return r.queryAuditRecords(ctx, query, stream, start, end, limit, offset)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAuditRecord(row rowScanner) (*models.AuditRecord, error) {
	record := &models.AuditRecord{}
	var (
		sessionID sql.NullString
		requestID sql.NullString
		payload   []byte
	)
	if err := row.Scan(
		&record.ID,
		&record.Stream,
		&record.EventType,
		&sessionID,
		&requestID,
		&record.Time,
		&payload,
	); err != nil {
		return nil, err
	}
	if sessionID.Valid {
		record.SessionID = &sessionID.String
	}
	if requestID.Valid {
		record.RequestID = &requestID.String
	}
	record.Payload = payload
	return record, nil
}

// queryAuditRecords is a helper method to query multiple audit records
func (r *AuditRepository) queryAuditRecords(ctx context.Context, query string, args ...interface{}) ([]*models.AuditRecord, error) {
	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}
	defer rows.Close()

	var records []*models.AuditRecord
	for rows.Next() {
		record, err := scanAuditRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit record rows: %w", err)
	}

	return records, nil
}
