package arbiter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/mcp-acp/models"
	"github.com/upb/mcp-acp/services"
	"github.com/upb/mcp-acp/services/approval"
	"github.com/upb/mcp-acp/services/audit"
	"github.com/upb/mcp-acp/services/backend"
	"github.com/upb/mcp-acp/services/policy"
	"github.com/upb/mcp-acp/services/session"
	"go.uber.org/zap"
)

const testPolicy = `
version: test-v1
default_effect: deny
rules:
  - id: handshake
    effect: allow
    conditions:
      methods: [initialize, tools/list]
  - id: reads
    effect: allow
    conditions:
      tools: ["read_*"]
      paths: ["/project/**"]
  - id: writes
    effect: hitl
    conditions:
      tools: ["write_*"]
  - id: deletes
    effect: deny
    conditions:
      tools: ["delete_*"]
`

type fakeBackend struct {
	mu      sync.Mutex
	calls   []string
	err     error
	rpcErr  *backend.ErrorObject
	timings backend.Timings
}

func (f *fakeBackend) ID() string {
	return "files"
}

func (f *fakeBackend) Forward(ctx context.Context, req *backend.Request) (*backend.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req.IDString())
	err, rpcErr, timings := f.err, f.rpcErr, f.timings
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	resp := &backend.Response{JSONRPC: backend.Version, ID: req.ID}
	if rpcErr != nil {
		resp.Error = rpcErr
	} else {
		resp.Result = json.RawMessage(`{"content":[]}`)
	}
	return &backend.Result{Response: resp, Status: 200, Timings: timings}, nil
}

func (f *fakeBackend) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type noteRecorder struct {
	mu    sync.Mutex
	notes []approval.Notification
}

func (r *noteRecorder) Notify(n approval.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
}

func (r *noteRecorder) all() []approval.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]approval.Notification(nil), r.notes...)
}

type harness struct {
	arbiter *Arbiter
	sink    *audit.MemorySink
	queue   *approval.Queue
	backend *fakeBackend
	notes   *noteRecorder
}

func newHarness(t *testing.T, doc string) *harness {
	t.Helper()
	logger := zap.NewNop()
	sink := audit.NewMemorySink()
	emitter := audit.NewEmitter(sink, logger)

	store := policy.NewStore(emitter, logger)
	rs, err := policy.Parse([]byte(doc), "policy.yaml")
	require.NoError(t, err)
	_, err = store.Activate(rs, models.ChangeTypeInitialLoad)
	require.NoError(t, err)

	notes := &noteRecorder{}
	queue := approval.NewQueue(logger, approval.WithNotifier(notes))
	t.Cleanup(queue.Close)

	fb := &fakeBackend{timings: backend.Timings{
		ProxyToBackend:    2 * time.Millisecond,
		BackendProcessing: 5 * time.Millisecond,
	}}

	a := New(Dependencies{
		Authenticator: session.NewAuthenticator(session.Config{}, emitter, logger),
		Policy:        store,
		Approvals:     queue,
		Backend:       fb,
		Audit:         emitter,
	}, Config{HITLTimeout: time.Hour}, logger)

	return &harness{arbiter: a, sink: sink, queue: queue, backend: fb, notes: notes}
}

func (h *harness) operations(t *testing.T) []models.OperationEvent {
	t.Helper()
	events, err := h.sink.OperationEvents()
	require.NoError(t, err)
	return events
}

func (h *harness) authEvents(t *testing.T) []models.AuthEvent {
	t.Helper()
	events, err := h.sink.AuthEvents()
	require.NoError(t, err)
	return events
}

func validToken() session.TokenResult {
	return session.TokenResult{Claims: jwt.MapClaims{
		"iss":   "https://idp.example.com",
		"sub":   "user-1",
		"email": "user@example.com",
	}}
}

// toolCall builds a tools/call request. It may run on goroutines other than the test's.
func toolCall(id int, tool, args string) Request {
	rpc, err := backend.ParseRequest([]byte(fmt.Sprintf(
		`{"jsonrpc":"2.0","id":%d,"method":"tools/call","params":{"name":%q,"arguments":%s}}`, id, tool, args)))
	if err != nil {
		panic(err)
	}
	return Request{RPC: rpc, Token: validToken()}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, time.Millisecond)
}

func TestHandle_AllowForwards(t *testing.T) {
	h := newHarness(t, testPolicy)
	s := h.arbiter.OpenSession("sess-1")

	req := toolCall(1, "read_file", `{"path":"/project/README.md"}`)
	req.ReceivedAt = time.Now().Add(-3 * time.Millisecond)
	res := s.Handle(context.Background(), req)

	require.Equal(t, models.OperationStatusSuccess, res.Status, res.Message)
	assert.Equal(t, []Stage{StageReceived, StageAuthenticated, StagePolicyEvaluated, StageForwarded, StageCompleted}, res.Stages)
	assert.Equal(t, "reads", res.Decision.MatchedRuleID)
	assert.Equal(t, []string{"1"}, h.backend.Calls())
	assert.Equal(t, "user-1", s.Subject().SubjectID)

	ops := h.operations(t)
	require.Len(t, ops, 1)
	op := ops[0]
	assert.Equal(t, "sess-1", op.SessionID)
	assert.Equal(t, "1", op.RequestID)
	assert.Equal(t, models.MethodToolsCall, op.Method)
	assert.Equal(t, "files", op.BackendID)
	assert.Equal(t, "read_file", op.ToolName)
	assert.Equal(t, "test-v1", op.ConfigVersion)
	assert.Equal(t, "user-1", op.Subject.SubjectID)
	require.NotNil(t, op.ArgumentsSummary)
	assert.True(t, op.ArgumentsSummary.Redacted)
	assert.Len(t, op.ArgumentsSummary.BodyHash, 64)
	require.NotNil(t, op.Latency.LatencyMsTotal)
	assert.GreaterOrEqual(t, *op.Latency.LatencyMsTotal, 3.0)
	assert.GreaterOrEqual(t, *op.Latency.LatencyMsClientToProxy, 3.0)
	assert.InDelta(t, 2.0, *op.Latency.LatencyMsProxyToBackend, 1e-9)
	assert.InDelta(t, 5.0, *op.Latency.LatencyMsBackendProcessing, 1e-9)
}

func TestHandle_SubjectCachedAfterFirstSuccess(t *testing.T) {
	h := newHarness(t, testPolicy)
	s := h.arbiter.OpenSession("sess-1")

	first := s.Handle(context.Background(), toolCall(1, "read_file", `{"path":"/project/a"}`))
	second := toolCall(2, "read_file", `{"path":"/project/b"}`)
	second.Token = session.TokenResult{Err: session.ErrMissingToken}
	res := s.Handle(context.Background(), second)

	assert.Equal(t, models.OperationStatusSuccess, first.Status)
	assert.Equal(t, models.OperationStatusSuccess, res.Status)

	var validated int
	for _, e := range h.authEvents(t) {
		if e.EventType == models.AuthEventTokenValidated || e.EventType == models.AuthEventTokenInvalid {
			validated++
		}
	}
	assert.Equal(t, 1, validated)
}

func TestHandle_DeniedByPolicy(t *testing.T) {
	h := newHarness(t, testPolicy)
	s := h.arbiter.OpenSession("sess-1")

	tests := []struct {
		name string
		req  Request
		rule string
	}{
		{"matching deny rule", toolCall(1, "delete_file", `{"path":"/project/a"}`), "deletes"},
		{"default effect", toolCall(2, "read_file", `{"path":"/etc/passwd"}`), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := s.Handle(context.Background(), tt.req)

			assert.Equal(t, models.OperationStatusDenied, res.Status)
			assert.Equal(t, ReasonPolicy, res.Reason)
			assert.Equal(t, tt.rule, res.Decision.MatchedRuleID)
			assert.Contains(t, res.Stages, StageDenied)
			assert.NotContains(t, res.Stages, StageForwarded)
		})
	}

	assert.Empty(t, h.backend.Calls())
	ops := h.operations(t)
	require.Len(t, ops, 2)
	for _, op := range ops {
		assert.Equal(t, models.OperationStatusDenied, op.Status)
		assert.Equal(t, "test-v1", op.ConfigVersion)
	}
}

func TestHandle_Unauthenticated(t *testing.T) {
	h := newHarness(t, testPolicy)
	s := h.arbiter.OpenSession("sess-1")

	req := toolCall(1, "read_file", `{"path":"/project/a"}`)
	req.Token = session.TokenResult{Err: jwt.ErrTokenSignatureInvalid}
	res := s.Handle(context.Background(), req)

	assert.Equal(t, models.OperationStatusDenied, res.Status)
	assert.Equal(t, ReasonUnauthenticated, res.Reason)
	assert.Equal(t, []Stage{StageReceived, StageDenied, StageCompleted}, res.Stages)
	assert.Nil(t, s.Subject())
	assert.Empty(t, h.backend.Calls())

	ops := h.operations(t)
	require.Len(t, ops, 1)
	assert.Equal(t, AnonymousSubject, ops[0].Subject.SubjectID)
	assert.Empty(t, ops[0].ConfigVersion)

	auth := h.authEvents(t)
	require.Len(t, auth, 2)
	assert.Equal(t, models.AuthEventSessionStarted, auth[0].EventType)
	assert.Equal(t, models.AuthEventTokenInvalid, auth[1].EventType)
	assert.Equal(t, session.ErrorTypeTokenSignature, auth[1].ErrorType)
	assert.Equal(t, "1", auth[1].RequestID)
}

func TestHandle_BackendFailures(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		rpcErr  *backend.ErrorObject
		message string
	}{
		{
			name:    "timeout",
			err:     services.NewDomainError(services.ErrorTypeBackend, services.ErrBackendTimeout.Message, context.DeadlineExceeded),
			message: "backend timeout",
		},
		{
			name:    "malformed",
			err:     services.NewDomainError(services.ErrorTypeBackend, services.ErrMalformedResponse.Message, nil),
			message: "malformed backend response",
		},
		{
			name:    "json-rpc error",
			rpcErr:  &backend.ErrorObject{Code: -32601, Message: "unknown tool"},
			message: "backend error -32601: unknown tool",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, testPolicy)
			h.backend.err = tt.err
			h.backend.rpcErr = tt.rpcErr
			s := h.arbiter.OpenSession("sess-1")

			res := s.Handle(context.Background(), toolCall(1, "read_file", `{"path":"/project/a"}`))

			assert.Equal(t, models.OperationStatusFailure, res.Status)
			assert.Contains(t, res.Message, tt.message)
			if tt.err != nil {
				assert.True(t, services.IsBackendError(res.Err))
			}

			ops := h.operations(t)
			require.Len(t, ops, 1)
			assert.Equal(t, models.OperationStatusFailure, ops[0].Status)
			assert.Contains(t, ops[0].Message, tt.message)
		})
	}
}

func TestHandle_NonToolMethod(t *testing.T) {
	h := newHarness(t, testPolicy)
	s := h.arbiter.OpenSession("sess-1")

	rpc, err := backend.ParseRequest([]byte(`{"jsonrpc":"2.0","id":"init","method":"initialize","params":{"protocolVersion":"2025-06-18"}}`))
	require.NoError(t, err)
	res := s.Handle(context.Background(), Request{RPC: rpc, Token: validToken()})

	assert.Equal(t, models.OperationStatusSuccess, res.Status)
	ops := h.operations(t)
	require.Len(t, ops, 1)
	assert.Empty(t, ops[0].ToolName)
	assert.Equal(t, "init", ops[0].RequestID)
	require.NotNil(t, ops[0].ArgumentsSummary)
}

func TestHandle_Notification(t *testing.T) {
	h := newHarness(t, testPolicy)
	s := h.arbiter.OpenSession("sess-1")

	rpc, err := backend.ParseRequest([]byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	require.NoError(t, err)
	res := s.Handle(context.Background(), Request{RPC: rpc, Token: validToken()})

	assert.Equal(t, models.OperationStatusDenied, res.Status)
	assert.Contains(t, res.RequestID, "notification-")
	assert.Len(t, h.operations(t), 1)
}

func TestHandle_HITLApproved(t *testing.T) {
	h := newHarness(t, testPolicy)
	s := h.arbiter.OpenSession("sess-1")

	done := make(chan *Result, 1)
	go func() {
		done <- s.Handle(context.Background(), toolCall(1, "write_file", `{"path":"/project/a"}`))
	}()

	waitFor(t, func() bool { return h.queue.Len() == 1 })
	require.NoError(t, h.queue.Resolve(approval.TicketKey{SessionID: "sess-1", RequestID: "1"}, approval.StateApproved))

	res := <-done
	assert.Equal(t, models.OperationStatusSuccess, res.Status)
	assert.NotEqual(t, uuid.Nil, res.TicketID)
	assert.Equal(t, []Stage{
		StageReceived, StageAuthenticated, StagePolicyEvaluated,
		StageAwaitingApproval, StageForwarded, StageCompleted,
	}, res.Stages)
	assert.Equal(t, []string{"1"}, h.backend.Calls())
}

func TestHandle_HITLDenied(t *testing.T) {
	h := newHarness(t, testPolicy)
	s := h.arbiter.OpenSession("sess-1")

	done := make(chan *Result, 1)
	go func() {
		done <- s.Handle(context.Background(), toolCall(1, "write_file", `{}`))
	}()

	waitFor(t, func() bool { return h.queue.Len() == 1 })
	require.NoError(t, h.queue.Resolve(approval.TicketKey{SessionID: "sess-1", RequestID: "1"}, approval.StateDenied))

	res := <-done
	assert.Equal(t, models.OperationStatusDenied, res.Status)
	assert.Equal(t, ReasonDenied, res.Reason)
	assert.Empty(t, h.backend.Calls())
}

func TestHandle_HITLRequestContextCancelled(t *testing.T) {
	h := newHarness(t, testPolicy)
	s := h.arbiter.OpenSession("sess-1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *Result, 1)
	go func() {
		done <- s.Handle(ctx, toolCall(1, "write_file", `{}`))
	}()

	waitFor(t, func() bool { return h.queue.Len() == 1 })
	cancel()

	res := <-done
	assert.Equal(t, models.OperationStatusDenied, res.Status)
	assert.Equal(t, ReasonCancelled, res.Reason)
	assert.Equal(t, 0, h.queue.Len())
}

func TestHandle_DuplicateInFlightRequestFails(t *testing.T) {
	h := newHarness(t, testPolicy)
	s := h.arbiter.OpenSession("sess-1")

	go s.Handle(context.Background(), toolCall(1, "write_file", `{}`))
	waitFor(t, func() bool { return h.queue.Len() == 1 })

	res := s.Handle(context.Background(), toolCall(1, "write_file", `{}`))

	assert.Equal(t, models.OperationStatusFailure, res.Status)
	assert.True(t, services.IsQueueContractError(res.Err))
	assert.Equal(t, 1, h.queue.Len())
}

func TestHandle_NumericAndStringIDsDoNotCollide(t *testing.T) {
	h := newHarness(t, testPolicy)
	s := h.arbiter.OpenSession("sess-1")

	stringID, err := backend.ParseRequest([]byte(`{"jsonrpc":"2.0","id":"1","method":"tools/call","params":{"name":"write_file","arguments":{}}}`))
	require.NoError(t, err)

	numeric := make(chan *Result, 1)
	go func() { numeric <- s.Handle(context.Background(), toolCall(1, "write_file", `{}`)) }()
	waitFor(t, func() bool { return h.queue.Len() == 1 })

	quoted := make(chan *Result, 1)
	go func() { quoted <- s.Handle(context.Background(), Request{RPC: stringID, Token: validToken()}) }()
	waitFor(t, func() bool { return h.queue.Len() == 2 })

	require.NoError(t, h.queue.Resolve(approval.TicketKey{SessionID: "sess-1", RequestID: "1"}, approval.StateApproved))
	res := <-numeric
	assert.Equal(t, models.OperationStatusSuccess, res.Status, res.Message)

	require.NoError(t, h.queue.Resolve(approval.TicketKey{SessionID: "sess-1", RequestID: "1", StringID: true}, approval.StateDenied))
	res = <-quoted
	assert.Equal(t, ReasonDenied, res.Reason)
}

func TestHandle_OnAuthenticated(t *testing.T) {
	t.Run("runs once when the subject is bound", func(t *testing.T) {
		h := newHarness(t, testPolicy)
		s := h.arbiter.OpenSession("sess-1")

		var calls []*Session
		hook := func(sess *Session) error {
			calls = append(calls, sess)
			assert.NotNil(t, sess.Subject())
			return nil
		}

		req := toolCall(1, "read_file", `{"path":"/project/a"}`)
		req.OnAuthenticated = hook
		res := s.Handle(context.Background(), req)
		require.Equal(t, models.OperationStatusSuccess, res.Status)

		req = toolCall(2, "read_file", `{"path":"/project/b"}`)
		req.OnAuthenticated = hook
		s.Handle(context.Background(), req)

		require.Len(t, calls, 1)
		assert.Same(t, s, calls[0])
	})

	t.Run("not run when authentication fails", func(t *testing.T) {
		h := newHarness(t, testPolicy)
		s := h.arbiter.OpenSession("sess-1")

		req := toolCall(1, "read_file", `{"path":"/project/a"}`)
		req.Token = session.TokenResult{Err: jwt.ErrTokenSignatureInvalid}
		req.OnAuthenticated = func(*Session) error {
			t.Error("hook ran for an unauthenticated request")
			return nil
		}
		res := s.Handle(context.Background(), req)
		assert.Equal(t, ReasonUnauthenticated, res.Reason)
	})

	t.Run("error fails the request before policy", func(t *testing.T) {
		h := newHarness(t, testPolicy)
		s := h.arbiter.OpenSession("sess-1")

		req := toolCall(1, "read_file", `{"path":"/project/a"}`)
		req.OnAuthenticated = func(*Session) error {
			return services.ErrSessionLimit
		}
		res := s.Handle(context.Background(), req)

		assert.Equal(t, models.OperationStatusFailure, res.Status)
		assert.True(t, services.IsUnavailableError(res.Err))
		assert.Equal(t, []Stage{StageReceived, StageAuthenticated, StageCompleted}, res.Stages)
		assert.Empty(t, h.backend.Calls())

		ops := h.operations(t)
		require.Len(t, ops, 1)
		assert.Equal(t, "user-1", ops[0].Subject.SubjectID)
		assert.Equal(t, models.OperationStatusFailure, ops[0].Status)
	})
}

// Three concurrent hitl requests share one approval slot.
func TestScenario_ConcurrentApprovals(t *testing.T) {
	h := newHarness(t, testPolicy)
	s := h.arbiter.OpenSession("sess-1")

	results := make(chan *Result, 3)
	for i := 1; i <= 3; i++ {
		go func(i int) {
			results <- s.Handle(context.Background(), toolCall(i, "write_file", `{}`))
		}(i)
	}

	waitFor(t, func() bool { return h.queue.Len() == 3 && len(h.notes.all()) >= 3 })
	snapshot := h.queue.Snapshot()

	notes := h.notes.all()[:3]
	newlyActive := 0
	positions := map[int]bool{}
	for _, n := range notes {
		positions[n.Position] = true
		if n.NewlyActive {
			newlyActive++
			assert.Equal(t, 1, n.Position)
			assert.Equal(t, snapshot[0].ID, n.TicketID)
		} else {
			assert.Greater(t, n.Position, 1)
		}
	}
	assert.Equal(t, 1, newlyActive)
	assert.Equal(t, map[int]bool{1: true, 2: true, 3: true}, positions)

	first := approval.TicketKey{SessionID: snapshot[0].SessionID, RequestID: snapshot[0].RequestID}
	require.NoError(t, h.queue.Resolve(first, approval.StateApproved))

	waitFor(t, func() bool {
		for _, n := range h.notes.all() {
			if n.TicketID == snapshot[1].ID && n.NewlyActive {
				return true
			}
		}
		return false
	})
	assert.Equal(t, approval.StateActive, h.queue.Snapshot()[0].State)
	assert.Equal(t, snapshot[1].ID, h.queue.Snapshot()[0].ID)

	for _, info := range snapshot[1:] {
		require.NoError(t, h.queue.Resolve(approval.TicketKey{SessionID: info.SessionID, RequestID: info.RequestID}, approval.StateApproved))
	}
	for i := 0; i < 3; i++ {
		res := <-results
		assert.Equal(t, models.OperationStatusSuccess, res.Status)
	}
	assert.Len(t, h.operations(t), 3)
}

// An active ticket that is never resolved times out and the next one takes the slot.
func TestScenario_ApprovalTimeout(t *testing.T) {
	h := newHarness(t, testPolicy+"hitl:\n  timeout_seconds: 0.2\n")
	s := h.arbiter.OpenSession("sess-1")

	done := make(chan *Result, 1)
	go func() {
		done <- s.Handle(context.Background(), toolCall(1, "write_file", `{}`))
	}()
	waitFor(t, func() bool { return h.queue.Len() == 1 })

	next, err := h.queue.Enqueue(approval.TicketKey{SessionID: "sess-2", RequestID: "9"}, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, approval.StateWaiting, next.State())

	select {
	case res := <-done:
		assert.Equal(t, models.OperationStatusDenied, res.Status)
		assert.Equal(t, ReasonTimeout, res.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("request did not time out")
	}
	assert.Equal(t, approval.StateActive, next.State())
	assert.Equal(t, 1, next.Position())
}

// Disconnecting a session cancels all of its tickets and promotes the next session's.
func TestScenario_SessionDisconnect(t *testing.T) {
	h := newHarness(t, testPolicy)
	s := h.arbiter.OpenSession("sess-1")
	other := h.arbiter.OpenSession("sess-2")

	results := make(chan *Result, 2)
	go func() { results <- s.Handle(context.Background(), toolCall(1, "write_file", `{}`)) }()
	waitFor(t, func() bool { return h.queue.Len() == 1 })
	go func() { results <- s.Handle(context.Background(), toolCall(2, "write_file", `{}`)) }()
	waitFor(t, func() bool { return h.queue.Len() == 2 })

	otherDone := make(chan *Result, 1)
	go func() { otherDone <- other.Handle(context.Background(), toolCall(1, "write_file", `{}`)) }()
	waitFor(t, func() bool { return h.queue.Len() == 3 })

	s.Close(CloseReasonClientDisconnect)

	for i := 0; i < 2; i++ {
		res := <-results
		assert.Equal(t, models.OperationStatusDenied, res.Status)
		assert.Equal(t, ReasonCancelled, res.Reason)
	}

	snapshot := h.queue.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, "sess-2", snapshot[0].SessionID)
	assert.Equal(t, approval.StateActive, snapshot[0].State)

	require.NoError(t, h.queue.Resolve(approval.TicketKey{SessionID: "sess-2", RequestID: "1"}, approval.StateApproved))
	assert.Equal(t, models.OperationStatusSuccess, (<-otherDone).Status)

	assert.True(t, s.Closed())
	late := s.Handle(context.Background(), toolCall(3, "read_file", `{"path":"/project/a"}`))
	assert.Equal(t, ReasonCancelled, late.Reason)

	var ended int
	for _, e := range h.authEvents(t) {
		if e.EventType == models.AuthEventSessionEnded && e.SessionID == "sess-1" {
			ended++
			assert.Equal(t, CloseReasonClientDisconnect, e.Details["reason"])
		}
	}
	assert.Equal(t, 1, ended)
	assert.Len(t, h.operations(t), 4)
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	h := newHarness(t, testPolicy)
	s := h.arbiter.OpenSession("sess-1")

	s.Close(CloseReasonShutdown)
	s.Close(CloseReasonShutdown)

	var ended int
	for _, e := range h.authEvents(t) {
		if e.EventType == models.AuthEventSessionEnded {
			ended++
		}
	}
	assert.Equal(t, 1, ended)
}

func TestResult_DenialData(t *testing.T) {
	res := &Result{RequestID: "7", Reason: ReasonTimeout}
	assert.JSONEq(t, `{"reason":"timeout","request_id":"7"}`, string(res.DenialData()))
}
