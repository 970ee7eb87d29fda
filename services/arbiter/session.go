package arbiter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/upb/mcp-acp/models"
	"github.com/upb/mcp-acp/services/approval"
	"github.com/upb/mcp-acp/services/backend"
	"github.com/upb/mcp-acp/services/policy"
	"github.com/upb/mcp-acp/services/session"
	"go.uber.org/zap"
)

// Close reasons recorded on session_ended events
const (
	CloseReasonClientDisconnect = "client_disconnect"
	CloseReasonIdleTimeout      = "idle_timeout"
	CloseReasonRejected         = "rejected"
	CloseReasonShutdown         = "shutdown"
)

// Request is one inbound JSON-RPC request of a session
type Request struct {
	RPC   *backend.Request
	Token session.TokenResult

	// ReceivedAt is when the transport started reading the request. Zero means now.
	ReceivedAt time.Time

	// OnAuthenticated runs once, right after the subject is bound to the
	// session. An error fails the request before policy is consulted.
	OnAuthenticated func(*Session) error
}

// Result is the outcome of one request
type Result struct {
	RequestID string
	Status    models.OperationStatus
	Reason    Reason // set when Status is Denied
	Message   string
	Decision  models.PolicyDecision
	TicketID  uuid.UUID // set when the request waited for approval
	Backend   *backend.Result
	Err       error // set when Status is Failure
	Stages    []Stage
	Event     models.OperationEvent
}

// Session is the arbiter-side state of one client connection. It owns the
// subject, which is attached on the first successful authentication.
type Session struct {
	arbiter *Arbiter
	ctx     context.Context
	cancel  context.CancelFunc

	mu         sync.Mutex
	state      *models.Session
	closed     bool
	inFlight   int
	lastActive time.Time
}

// ID returns the session id
func (s *Session) ID() string {
	return s.state.SessionID
}

// Subject returns the authenticated subject, or nil
func (s *Session) Subject() *models.SubjectIdentity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Subject
}

// Closed reports whether the session has ended
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close ends the session: pending approvals are cancelled, in-flight backend
// calls are abandoned and session_ended is recorded. Closing twice is a no-op.
func (s *Session) Close(reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.state.End(s.arbiter.now())
	subject := s.state.Subject
	s.mu.Unlock()

	s.cancel()
	cancelled := s.arbiter.deps.Approvals.CancelSession(s.ID())
	s.arbiter.deps.Authenticator.SessionEnded(s.ID(), subject, reason)
	s.arbiter.logger.Info("session closed",
		zap.String("session_id", s.ID()),
		zap.String("reason", reason),
		zap.Int("cancelled_tickets", cancelled))
}

// attach binds subject unless one is already bound, and reports whether it did
func (s *Session) attach(subject *models.SubjectIdentity) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Subject != nil {
		return false
	}
	s.state.Subject = subject
	return true
}

func (s *Session) begin() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight++
	s.lastActive = s.arbiter.now()
}

func (s *Session) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight--
	s.lastActive = s.arbiter.now()
}

// activity returns the number of requests in flight and when a request last
// started or finished
func (s *Session) activity() (int, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight, s.lastActive
}

// Handle runs one request through the pipeline. It blocks only this request
// while it waits for approval or the backend, and never returns an error:
// failures are reported on the result and in its operation event.
func (s *Session) Handle(ctx context.Context, req Request) *Result {
	a := s.arbiter
	s.begin()
	defer s.end()

	start := a.now()
	received := req.ReceivedAt
	if received.IsZero() || received.After(start) {
		received = start
	}

	// Closing the session abandons everything it has in flight.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	rpc := req.RPC
	requestID := rpc.IDString()
	if requestID == "" {
		requestID = "notification-" + uuid.NewString()
	}
	toolName, args := rpc.ToolCall()
	if rpc.Method != models.MethodToolsCall {
		args = rpc.Params
	}

	desc := models.RequestDescriptor{
		SessionID: s.ID(),
		RequestID: requestID,
		Method:    rpc.Method,
		ToolName:  toolName,
		Paths:     policy.ExtractPaths(args),
	}
	if len(args) > 0 {
		desc.ArgumentsSummary = models.NewArgumentsSummary(args)
	}

	res := &Result{
		RequestID: requestID,
		Stages:    []Stage{StageReceived},
	}
	event := models.OperationEvent{
		SessionID:        desc.SessionID,
		RequestID:        requestID,
		Method:           desc.Method,
		BackendID:        a.deps.Backend.ID(),
		ToolName:         toolName,
		ArgumentsSummary: desc.ArgumentsSummary,
		Latency: models.LatencyInfo{
			LatencyMsClientToProxy: models.Ms(start.Sub(received)),
		},
	}

	defer func() {
		res.Stages = append(res.Stages, StageCompleted)
		event.Status = res.Status
		event.Message = res.Message
		event.Latency.LatencyMsTotal = models.Ms(a.now().Sub(received))
		res.Event = event
		if err := a.deps.Audit.EmitOperation(event); err != nil {
			a.logger.Error("failed to emit operation event",
				zap.String("session_id", event.SessionID),
				zap.String("request_id", event.RequestID),
				zap.Error(err))
		}
	}()

	if s.Closed() {
		event.Subject = s.subjectOrAnonymous()
		s.deny(res, ReasonCancelled, "session closed")
		return res
	}

	subject := s.Subject()
	bound := false
	if subject == nil {
		auth := a.deps.Authenticator.Authenticate(session.RequestInfo{
			SessionID: desc.SessionID,
			RequestID: requestID,
			Method:    desc.Method,
		}, req.Token)
		if !auth.Authenticated() {
			event.Subject = models.SubjectIdentity{SubjectID: AnonymousSubject}
			s.deny(res, ReasonUnauthenticated, "authentication failed: "+auth.ErrorType)
			return res
		}
		bound = s.attach(auth.Subject)
		subject = s.Subject()
	}
	event.Subject = *subject
	res.Stages = append(res.Stages, StageAuthenticated)

	if bound && req.OnAuthenticated != nil {
		if err := req.OnAuthenticated(s); err != nil {
			s.fail(res, err)
			return res
		}
	}

	decision := a.deps.Policy.Evaluate(desc)
	res.Decision = decision
	event.ConfigVersion = decision.ConfigVersion
	res.Stages = append(res.Stages, StagePolicyEvaluated)

	switch decision.Effect {
	case models.EffectAllow:
		s.forward(ctx, rpc, res, &event)
	case models.EffectHITL:
		s.awaitApproval(ctx, desc, rpc, res, &event)
	default:
		s.deny(res, ReasonPolicy, policyMessage(decision))
	}
	return res
}

func (s *Session) awaitApproval(ctx context.Context, desc models.RequestDescriptor, rpc *backend.Request, res *Result, event *models.OperationEvent) {
	a := s.arbiter
	res.Stages = append(res.Stages, StageAwaitingApproval)

	key := approval.TicketKey{
		SessionID: desc.SessionID,
		RequestID: desc.RequestID,
		StringID:  rpc.HasStringID(),
	}
	ticket, err := a.deps.Approvals.Enqueue(key, a.deps.Policy.HITLTimeout(a.hitlTimeout))
	if err != nil {
		s.fail(res, err)
		return
	}
	res.TicketID = ticket.ID

	a.logger.Info("request awaiting approval",
		zap.String("session_id", desc.SessionID),
		zap.String("request_id", desc.RequestID),
		zap.String("ticket_id", ticket.ID.String()),
		zap.Int("position", ticket.Position()))

	switch ticket.Wait(ctx) {
	case approval.StateApproved:
		s.forward(ctx, rpc, res, event)
	case approval.StateDenied:
		s.deny(res, ReasonDenied, "request denied by approver")
	case approval.StateExpired:
		s.deny(res, ReasonTimeout, "approval timed out")
	default:
		s.deny(res, ReasonCancelled, "approval cancelled")
	}
}

func (s *Session) forward(ctx context.Context, rpc *backend.Request, res *Result, event *models.OperationEvent) {
	res.Stages = append(res.Stages, StageForwarded)

	result, err := s.arbiter.deps.Backend.Forward(ctx, rpc)
	if err != nil {
		s.fail(res, err)
		return
	}
	res.Backend = result
	event.Latency.LatencyMsProxyToBackend = models.Ms(result.Timings.ProxyToBackend)
	event.Latency.LatencyMsBackendProcessing = models.Ms(result.Timings.BackendProcessing)

	if result.Response != nil && result.Response.Error != nil {
		res.Status = models.OperationStatusFailure
		res.Message = fmt.Sprintf("backend error %d: %s", result.Response.Error.Code, result.Response.Error.Message)
		return
	}
	res.Status = models.OperationStatusSuccess
}

func (s *Session) deny(res *Result, reason Reason, message string) {
	res.Status = models.OperationStatusDenied
	res.Reason = reason
	res.Message = message
	res.Stages = append(res.Stages, StageDenied)
}

func (s *Session) fail(res *Result, err error) {
	res.Status = models.OperationStatusFailure
	res.Err = err
	res.Message = err.Error()
	s.arbiter.logger.Warn("request failed",
		zap.String("session_id", s.ID()),
		zap.String("request_id", res.RequestID),
		zap.Error(err))
}

func (s *Session) subjectOrAnonymous() models.SubjectIdentity {
	if subject := s.Subject(); subject != nil {
		return *subject
	}
	return models.SubjectIdentity{SubjectID: AnonymousSubject}
}

func policyMessage(d models.PolicyDecision) string {
	if d.IsDefault() {
		return "denied by default policy"
	}
	return "denied by rule " + d.MatchedRuleID
}

// DenialData is the data member of the JSON-RPC error returned for a denied request
func (r *Result) DenialData() json.RawMessage {
	data, _ := json.Marshal(map[string]string{
		"reason":     string(r.Reason),
		"request_id": r.RequestID,
	})
	return data
}
