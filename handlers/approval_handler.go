package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/upb/mcp-acp/middleware"
	"github.com/upb/mcp-acp/services/approval"
	"github.com/upb/mcp-acp/utils"
	"go.uber.org/zap"
)

// ApprovalQueue is the subset of the approval queue the admin API drives
type ApprovalQueue interface {
	Snapshot() []approval.Info
	ResolveID(id uuid.UUID, outcome approval.State) (approval.TicketKey, error)
}

// ResolveResponse is the body returned after an approval decision
type ResolveResponse struct {
	TicketID  uuid.UUID      `json:"ticket_id"`
	SessionID string         `json:"session_id"`
	RequestID string         `json:"request_id"`
	Outcome   approval.State `json:"outcome"`
}

// ApprovalHandler handles the human approval API
type ApprovalHandler struct {
	queue  ApprovalQueue
	logger *zap.Logger
}

// NewApprovalHandler creates a new ApprovalHandler
func NewApprovalHandler(queue ApprovalQueue, logger *zap.Logger) *ApprovalHandler {
	return &ApprovalHandler{
		queue:  queue,
		logger: logger,
	}
}

// HandleList handles GET /api/v1/approvals. Tickets are listed in queue order.
func (h *ApprovalHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	tickets := h.queue.Snapshot()
	if tickets == nil {
		tickets = []approval.Info{}
	}
	if err := utils.WriteOK(w, tickets); err != nil {
		h.logger.Error("failed to write approvals response", zap.Error(err))
	}
}

// HandleApprove handles POST /api/v1/approvals/{ticketID}/approve
func (h *ApprovalHandler) HandleApprove(w http.ResponseWriter, r *http.Request) {
	h.resolve(w, r, approval.StateApproved)
}

// HandleDeny handles POST /api/v1/approvals/{ticketID}/deny
func (h *ApprovalHandler) HandleDeny(w http.ResponseWriter, r *http.Request) {
	h.resolve(w, r, approval.StateDenied)
}

func (h *ApprovalHandler) resolve(w http.ResponseWriter, r *http.Request, outcome approval.State) {
	requestID := middleware.GetRequestIDFromContext(r.Context())

	ticketID, err := uuid.Parse(chi.URLParam(r, "ticketID"))
	if err != nil {
		_ = utils.WriteBadRequest(w, "Invalid ticket ID format", nil)
		return
	}

	// Only the active ticket may be resolved; anything else is a conflict
	key, err := h.queue.ResolveID(ticketID, outcome)
	if err != nil {
		h.logger.Warn("approval decision rejected",
			zap.String("request_id", requestID),
			zap.String("ticket_id", ticketID.String()),
			zap.String("outcome", string(outcome)),
			zap.Error(err))
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("approval decision recorded",
		zap.String("request_id", requestID),
		zap.String("ticket_id", ticketID.String()),
		zap.String("session_id", key.SessionID),
		zap.String("mcp_request_id", key.RequestID),
		zap.String("outcome", string(outcome)))

	_ = utils.WriteOK(w, ResolveResponse{
		TicketID:  ticketID,
		SessionID: key.SessionID,
		RequestID: key.RequestID,
		Outcome:   outcome,
	})
}
