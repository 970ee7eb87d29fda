package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"sync"
	"time"

	"github.com/upb/mcp-acp/services"
	"go.uber.org/zap"
)

const maxResponseBytes = 16 << 20

// Forwarder delivers an allowed request to a backend tool server
type Forwarder interface {
	// ID returns the backend id recorded in operation events
	ID() string

	// Forward sends req and waits for its response. The response is nil for notifications.
	Forward(ctx context.Context, req *Request) (*Result, error)
}

// Timings is the latency breakdown of one backend call
type Timings struct {
	ProxyToBackend    time.Duration // until the request was written
	BackendProcessing time.Duration // request written until the first response byte
	Total             time.Duration
}

// Result is the outcome of a successful backend call
type Result struct {
	Response *Response
	Body     []byte // raw response body, relayed to the client unchanged
	Status   int
	Timings  Timings
}

// Config holds configuration for the HTTP forwarder
type Config struct {
	ID      string
	URL     string
	Timeout time.Duration
	Headers map[string]string
}

// HTTPForwarder forwards JSON-RPC requests to a backend over streamable HTTP
type HTTPForwarder struct {
	config     Config
	httpClient *http.Client
	logger     *zap.Logger
}

// NewHTTPForwarder creates a new HTTP forwarder
func NewHTTPForwarder(config Config, logger *zap.Logger) *HTTPForwarder {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	return &HTTPForwarder{
		config:     config,
		httpClient: &http.Client{},
		logger:     logger,
	}
}

// ID returns the backend id
func (f *HTTPForwarder) ID() string {
	return f.config.ID
}

// Forward performs one JSON-RPC call within the configured timeout
func (f *HTTPForwarder) Forward(ctx context.Context, req *Request) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, f.config.Timeout)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, services.WrapInternal("failed to encode backend request", err)
	}

	ct := newCallTrace()
	httpReq, err := http.NewRequestWithContext(httptrace.WithClientTrace(ctx, ct.clientTrace()), http.MethodPost, f.config.URL, bytes.NewReader(body))
	if err != nil {
		return nil, services.WrapInternal("failed to create backend request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range f.config.Headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := f.httpClient.Do(httpReq)
	if err != nil {
		return nil, f.transportError(ctx, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, f.transportError(ctx, err)
	}

	result := &Result{
		Body:    respBody,
		Status:  httpResp.StatusCode,
		Timings: ct.timings(time.Now()),
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return nil, services.NewDomainError(services.ErrorTypeBackend, "backend returned an error status", nil).
			WithDetail("backend_id", f.config.ID).
			WithDetail("status", httpResp.StatusCode)
	}

	if req.IsNotification() {
		return result, nil
	}

	resp, err := ParseResponse(respBody, req.ID)
	if err != nil {
		f.logger.Warn("malformed backend response",
			zap.String("backend_id", f.config.ID),
			zap.String("method", req.Method),
			zap.Error(err))
		return nil, err
	}
	result.Response = resp
	return result, nil
}

// callTrace records the timestamps of one backend call. The transport runs
// the httptrace hooks on its own goroutines, so every field is guarded.
type callTrace struct {
	mu        sync.Mutex
	start     time.Time
	wrote     time.Time
	firstByte time.Time
}

func newCallTrace() *callTrace {
	return &callTrace{start: time.Now()}
}

func (c *callTrace) clientTrace() *httptrace.ClientTrace {
	return &httptrace.ClientTrace{
		WroteRequest: func(httptrace.WroteRequestInfo) {
			c.mu.Lock()
			c.wrote = time.Now()
			c.mu.Unlock()
		},
		GotFirstResponseByte: func() {
			c.mu.Lock()
			c.firstByte = time.Now()
			c.mu.Unlock()
		},
	}
}

// timings returns the breakdown as of end. Stages that were not observed stay zero.
func (c *callTrace) timings(end time.Time) Timings {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := Timings{Total: end.Sub(c.start)}
	if !c.wrote.IsZero() {
		t.ProxyToBackend = c.wrote.Sub(c.start)
		if c.firstByte.After(c.wrote) {
			t.BackendProcessing = c.firstByte.Sub(c.wrote)
		}
	}
	return t
}

func (f *HTTPForwarder) transportError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return services.NewDomainError(services.ErrorTypeBackend, services.ErrBackendTimeout.Message, err).
			WithDetail("backend_id", f.config.ID).
			WithDetail("timeout", f.config.Timeout.String())
	}
	return services.NewDomainError(services.ErrorTypeBackend, services.ErrBackendUnavailable.Message, err).
		WithDetail("backend_id", f.config.ID)
}

// String implements fmt.Stringer
func (f *HTTPForwarder) String() string {
	return fmt.Sprintf("http-backend(%s %s)", f.config.ID, f.config.URL)
}
