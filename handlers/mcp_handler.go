package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/upb/mcp-acp/middleware"
	"github.com/upb/mcp-acp/models"
	"github.com/upb/mcp-acp/oidc"
	"github.com/upb/mcp-acp/services"
	"github.com/upb/mcp-acp/services/arbiter"
	"github.com/upb/mcp-acp/services/backend"
	"github.com/upb/mcp-acp/services/session"
	"github.com/upb/mcp-acp/utils"
	"go.uber.org/zap"
)

// SessionHeader carries the MCP session id in both directions
const SessionHeader = "Mcp-Session-Id"

// maxRequestBody bounds one inbound JSON-RPC message
const maxRequestBody = 4 << 20

// TokenVerifier turns a bearer token into a verification result
type TokenVerifier interface {
	Verify(ctx context.Context, token string) session.TokenResult
}

// SessionOpener starts arbiter sessions
type SessionOpener interface {
	OpenSession(id string) *arbiter.Session
}

// MCPHandler is the client-facing JSON-RPC transport. The first request of a
// client opens a session. Once it authenticates, the session is registered
// and its id is returned in the Mcp-Session-Id header, which must accompany
// every later request. A session that never authenticates is never
// registered and ends with its first request.
type MCPHandler struct {
	arbiter  SessionOpener
	sessions *arbiter.Registry
	verifier TokenVerifier
	logger   *zap.Logger
	now      func() time.Time
}

// NewMCPHandler creates a new MCPHandler
func NewMCPHandler(arb SessionOpener, sessions *arbiter.Registry, verifier TokenVerifier, logger *zap.Logger) *MCPHandler {
	return &MCPHandler{
		arbiter:  arb,
		sessions: sessions,
		verifier: verifier,
		logger:   logger,
		now:      time.Now,
	}
}

// HandlePost handles POST /mcp
func (h *MCPHandler) HandlePost(w http.ResponseWriter, r *http.Request) {
	receivedAt := h.now()
	ctx := r.Context()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		h.logger.Warn("failed to read request body", append(middleware.LogFields(ctx), zap.Error(err))...)
		h.writeRPCError(w, http.StatusBadRequest, nil, utils.JSONRPCParseError, "failed to read request body", nil)
		return
	}
	if !json.Valid(body) {
		h.writeRPCError(w, http.StatusBadRequest, nil, utils.JSONRPCParseError, "parse error", nil)
		return
	}

	// Malformed messages never reach authentication or policy
	rpc, err := backend.ParseRequest(body)
	if err != nil {
		h.writeRPCError(w, http.StatusBadRequest, nil, utils.JSONRPCInvalidRequest, "invalid request", services.GetErrorDetails(err))
		return
	}

	sess, registered, ok := h.resolveSession(w, r)
	if !ok {
		return
	}
	ctx = middleware.WithSessionID(ctx, sess.ID())

	// The subject is bound once per session, later tokens are not consulted
	var token session.TokenResult
	if sess.Subject() == nil {
		token = h.verifier.Verify(ctx, oidc.BearerToken(r.Header.Get("Authorization")))
	}

	req := arbiter.Request{
		RPC:        rpc,
		Token:      token,
		ReceivedAt: receivedAt,
	}
	if !registered {
		req.OnAuthenticated = func(s *arbiter.Session) error {
			if err := h.sessions.Put(s); err != nil {
				return err
			}
			registered = true
			w.Header().Set(SessionHeader, s.ID())
			return nil
		}
	}

	res := sess.Handle(ctx, req)
	if !registered {
		sess.Close(arbiter.CloseReasonRejected)
	}

	h.writeResult(ctx, w, rpc, res)
}

// HandleDelete handles DELETE /mcp and ends the session
func (h *MCPHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(SessionHeader)
	if id == "" {
		_ = utils.WriteBadRequest(w, "Missing "+SessionHeader+" header", nil)
		return
	}

	sess, ok := h.sessions.Remove(id)
	if !ok {
		HandleServiceError(w, services.NewDomainError(services.ErrorTypeNotFound, services.ErrSessionNotFound.Message, nil).
			WithDetail("session_id", id), h.logger)
		return
	}
	sess.Close(arbiter.CloseReasonClientDisconnect)
	utils.WriteNoContent(w)
}

// resolveSession returns the session named by the request header and whether
// it is registered. Without the header a new, unregistered session is opened.
func (h *MCPHandler) resolveSession(w http.ResponseWriter, r *http.Request) (*arbiter.Session, bool, bool) {
	id := r.Header.Get(SessionHeader)
	if id == "" {
		return h.arbiter.OpenSession(uuid.NewString()), false, true
	}

	sess, ok := h.sessions.Get(id)
	if !ok {
		h.logger.Debug("unknown session", zap.String("session_id", id))
		h.writeRPCError(w, http.StatusNotFound, nil, utils.JSONRPCInvalidRequest, "session not found", map[string]interface{}{
			"session_id": id,
		})
		return nil, false, false
	}
	w.Header().Set(SessionHeader, sess.ID())
	return sess, true, true
}

func (h *MCPHandler) writeResult(ctx context.Context, w http.ResponseWriter, rpc *backend.Request, res *arbiter.Result) {
	// Notifications get no JSON-RPC response whatever happened to them
	if rpc.IsNotification() {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	switch res.Status {
	case models.OperationStatusSuccess:
		h.writeBody(ctx, w, http.StatusOK, res.Backend.Body)

	case models.OperationStatusDenied:
		status := http.StatusOK
		if res.Reason == arbiter.ReasonUnauthenticated {
			status = http.StatusUnauthorized
			w.Header().Set("WWW-Authenticate", "Bearer")
		}
		h.writeRPCError(w, status, rpc.ID, utils.JSONRPCAccessDenied, res.Message, res.DenialData())

	default:
		// A JSON-RPC error from the backend is relayed unchanged
		if res.Backend != nil && len(res.Backend.Body) > 0 {
			h.writeBody(ctx, w, http.StatusOK, res.Backend.Body)
			return
		}
		var code, status int
		switch {
		case services.IsBackendError(res.Err):
			code, status = utils.JSONRPCBackendError, http.StatusBadGateway
		case services.IsQueueContractError(res.Err):
			// e.g. the request id is already waiting for approval in this session
			code, status = utils.JSONRPCInvalidRequest, http.StatusConflict
		case services.IsUnavailableError(res.Err):
			code, status = utils.JSONRPCInternalError, http.StatusServiceUnavailable
		default:
			code, status = utils.JSONRPCInternalError, http.StatusInternalServerError
		}
		h.writeRPCError(w, status, rpc.ID, code, res.Message, map[string]string{
			"request_id": res.RequestID,
		})
	}
}

func (h *MCPHandler) writeBody(ctx context.Context, w http.ResponseWriter, status int, body []byte) {
	if err := utils.WriteRawJSON(w, status, body); err != nil && !errors.Is(err, context.Canceled) {
		h.logger.Error("failed to write response", append(middleware.LogFields(ctx), zap.Error(err))...)
	}
}

func (h *MCPHandler) writeRPCError(w http.ResponseWriter, status int, id json.RawMessage, code int, message string, data interface{}) {
	if err := utils.WriteJSONRPCError(w, status, id, code, message, data); err != nil {
		h.logger.Error("failed to write JSON-RPC error", zap.Error(err))
	}
}
