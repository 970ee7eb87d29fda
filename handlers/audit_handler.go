package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/upb/mcp-acp/middleware"
	"github.com/upb/mcp-acp/models"
	"github.com/upb/mcp-acp/utils"
	"go.uber.org/zap"
)

const (
	defaultAuditLimit = 100
	maxAuditLimit     = 1000

	// defaultAuditWindow is the stream query range when no start is given
	defaultAuditWindow = 24 * time.Hour
)

// AuditReader is the read side of the audit mirror
type AuditReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.AuditRecord, error)
	GetBySessionID(ctx context.Context, sessionID string, limit, offset int) ([]*models.AuditRecord, error)
	GetByRequestID(ctx context.Context, requestID string) ([]*models.AuditRecord, error)
	GetByStream(ctx context.Context, stream models.AuditStream, start, end time.Time, limit, offset int) ([]*models.AuditRecord, error)
}

// AuditHandler serves mirrored audit records. Without a mirror database
// every request answers 503; the JSONL streams remain the record of truth.
type AuditHandler struct {
	reader AuditReader
	logger *zap.Logger
	now    func() time.Time
}

// NewAuditHandler creates a new AuditHandler. reader may be nil.
func NewAuditHandler(reader AuditReader, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{
		reader: reader,
		logger: logger,
		now:    time.Now,
	}
}

// HandleList handles GET /api/v1/audit. Exactly one of session_id,
// request_id or stream selects the records.
func (h *AuditHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	if !h.available(w) {
		return
	}
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)
	query := r.URL.Query()

	sessionID := query.Get("session_id")
	mcpRequestID := query.Get("request_id")
	streamName := query.Get("stream")

	selectors := 0
	for _, v := range []string{sessionID, mcpRequestID, streamName} {
		if v != "" {
			selectors++
		}
	}
	if selectors != 1 {
		_ = utils.WriteBadRequest(w, "Exactly one of session_id, request_id or stream is required", nil)
		return
	}

	limit, offset, ok := pagination(w, query.Get("limit"), query.Get("offset"))
	if !ok {
		return
	}

	var (
		records []*models.AuditRecord
		err     error
	)
	switch {
	case sessionID != "":
		records, err = h.reader.GetBySessionID(ctx, sessionID, limit, offset)
	case mcpRequestID != "":
		records, err = h.reader.GetByRequestID(ctx, mcpRequestID)
	default:
		stream, perr := models.ParseAuditStream(streamName)
		if perr != nil {
			_ = utils.WriteBadRequest(w, perr.Error(), nil)
			return
		}
		start, end, ok := h.timeRange(w, query.Get("start"), query.Get("end"))
		if !ok {
			return
		}
		records, err = h.reader.GetByStream(ctx, stream, start, end, limit, offset)
	}
	if err != nil {
		h.logger.Error("failed to query audit records",
			zap.String("request_id", requestID),
			zap.Error(err))
		HandleServiceError(w, err, h.logger)
		return
	}

	if records == nil {
		records = []*models.AuditRecord{}
	}
	if err := utils.WriteOK(w, records); err != nil {
		h.logger.Error("failed to write audit response", zap.Error(err))
	}
}

// HandleGet handles GET /api/v1/audit/{recordID}
func (h *AuditHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	if !h.available(w) {
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "recordID"))
	if err != nil {
		_ = utils.WriteBadRequest(w, "Invalid record ID format", nil)
		return
	}

	record, err := h.reader.GetByID(r.Context(), id)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, record)
}

func (h *AuditHandler) available(w http.ResponseWriter) bool {
	if h.reader != nil {
		return true
	}
	_ = utils.WriteError(w, http.StatusServiceUnavailable, "Audit mirror database is not configured", nil)
	return false
}

// timeRange parses RFC 3339 bounds. The end defaults to now and the start to
// one window before the end.
func (h *AuditHandler) timeRange(w http.ResponseWriter, startStr, endStr string) (time.Time, time.Time, bool) {
	end := h.now()
	if endStr != "" {
		parsed, err := time.Parse(time.RFC3339, endStr)
		if err != nil {
			_ = utils.WriteBadRequest(w, "Invalid end time, want RFC 3339", nil)
			return time.Time{}, time.Time{}, false
		}
		end = parsed
	}

	start := end.Add(-defaultAuditWindow)
	if startStr != "" {
		parsed, err := time.Parse(time.RFC3339, startStr)
		if err != nil {
			_ = utils.WriteBadRequest(w, "Invalid start time, want RFC 3339", nil)
			return time.Time{}, time.Time{}, false
		}
		start = parsed
	}

	if start.After(end) {
		_ = utils.WriteBadRequest(w, "start must not be after end", nil)
		return time.Time{}, time.Time{}, false
	}
	return start, end, true
}

func pagination(w http.ResponseWriter, limitStr, offsetStr string) (int, int, bool) {
	limit := defaultAuditLimit
	if limitStr != "" {
		n, err := strconv.Atoi(limitStr)
		if err != nil || n <= 0 {
			_ = utils.WriteBadRequest(w, "limit must be a positive integer", nil)
			return 0, 0, false
		}
		limit = min(n, maxAuditLimit)
	}

	offset := 0
	if offsetStr != "" {
		n, err := strconv.Atoi(offsetStr)
		if err != nil || n < 0 {
			_ = utils.WriteBadRequest(w, "offset must be a non-negative integer", nil)
			return 0, 0, false
		}
		offset = n
	}
	return limit, offset, true
}
