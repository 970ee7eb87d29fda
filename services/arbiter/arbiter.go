package arbiter

import (
	"context"
	"time"

	"github.com/upb/mcp-acp/models"
	"github.com/upb/mcp-acp/services/approval"
	"github.com/upb/mcp-acp/services/backend"
	"github.com/upb/mcp-acp/services/session"
	"go.uber.org/zap"
)

// AnonymousSubject is recorded on operations that were rejected before a subject was known
const AnonymousSubject = "anonymous"

// Stage is a step of the per-request pipeline
type Stage string

const (
	StageReceived         Stage = "received"
	StageAuthenticated    Stage = "authenticated"
	StagePolicyEvaluated  Stage = "policy_evaluated"
	StageAwaitingApproval Stage = "awaiting_approval"
	StageForwarded        Stage = "forwarded"
	StageDenied           Stage = "denied"
	StageCompleted        Stage = "completed"
)

// Reason explains a Denied outcome to the client
type Reason string

const (
	ReasonPolicy          Reason = "policy"
	ReasonDenied          Reason = "denied"
	ReasonTimeout         Reason = "timeout"
	ReasonCancelled       Reason = "cancelled"
	ReasonUnauthenticated Reason = "unauthenticated"
)

// Authenticator authenticates request tokens and records session boundaries
type Authenticator interface {
	Authenticate(req session.RequestInfo, token session.TokenResult) session.AuthResult
	SessionStarted(sessionID string, subject *models.SubjectIdentity)
	SessionEnded(sessionID string, subject *models.SubjectIdentity, reason string)
}

// PolicyEvaluator decides the effect of a request
type PolicyEvaluator interface {
	Evaluate(desc models.RequestDescriptor) models.PolicyDecision
	HITLTimeout(fallback time.Duration) time.Duration
}

// ApprovalQueue gates hitl requests on a human decision
type ApprovalQueue interface {
	Enqueue(key approval.TicketKey, timeout time.Duration) (*approval.Ticket, error)
	CancelSession(sessionID string) int
}

// OperationEmitter records the outcome of every request
type OperationEmitter interface {
	EmitOperation(event models.OperationEvent) error
}

// Dependencies are the collaborators of the Arbiter
type Dependencies struct {
	Authenticator Authenticator
	Policy        PolicyEvaluator
	Approvals     ApprovalQueue
	Backend       backend.Forwarder
	Audit         OperationEmitter
}

// Config holds configuration for the Arbiter
type Config struct {
	// HITLTimeout applies when the active policy does not set its own.
	HITLTimeout time.Duration
}

// Arbiter runs every inbound request through authentication, policy,
// optional human approval and forwarding, and records one operation event
// per request.
type Arbiter struct {
	deps        Dependencies
	hitlTimeout time.Duration
	logger      *zap.Logger
	now         func() time.Time
}

// New creates a new Arbiter
func New(deps Dependencies, cfg Config, logger *zap.Logger) *Arbiter {
	if cfg.HITLTimeout <= 0 {
		cfg.HITLTimeout = 60 * time.Second
	}
	return &Arbiter{
		deps:        deps,
		hitlTimeout: cfg.HITLTimeout,
		logger:      logger,
		now:         time.Now,
	}
}

// OpenSession starts a session for one client connection
func (a *Arbiter) OpenSession(id string) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		arbiter: a,
		state:   models.NewSession(id),
		ctx:     ctx,
		cancel:  cancel,
	}
	a.deps.Authenticator.SessionStarted(id, nil)
	a.logger.Info("session opened", zap.String("session_id", id))
	return s
}
