package backend

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/upb/mcp-acp/models"
	"github.com/upb/mcp-acp/services"
	"github.com/upb/mcp-acp/utils"
)

// Version is the only JSON-RPC protocol version accepted
const Version = "2.0"

// Request is a JSON-RPC 2.0 request or notification
type Request struct {
	JSONRPC string          `json:"jsonrpc" validate:"required,eq=2.0"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method" validate:"required"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// ToolCallParams are the params of a tools/call request
type ToolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ErrorObject is a JSON-RPC error
type ErrorObject struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Response is a JSON-RPC 2.0 response
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

// ParseRequest decodes and validates a JSON-RPC request body. Batches are not supported.
func ParseRequest(body []byte) (*Request, error) {
	var req Request
	if err := utils.DecodeStrict(body, &req); err != nil {
		return nil, services.NewDomainError(services.ErrorTypeValidation, "invalid JSON-RPC request", err)
	}
	if err := utils.ValidateStruct(&req); err != nil {
		return nil, services.NewDomainError(services.ErrorTypeValidation, "invalid JSON-RPC request", err)
	}
	if !validID(req.ID) {
		return nil, services.NewDomainError(services.ErrorTypeValidation, "invalid JSON-RPC request id", nil).
			WithDetail("id", string(req.ID))
	}
	return &req, nil
}

// IsNotification reports whether the request expects no response
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0
}

// IDString renders the request id for audit records: string ids unquoted,
// numbers verbatim, empty for notifications.
func (r *Request) IDString() string {
	if len(r.ID) == 0 || string(r.ID) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(r.ID, &s); err == nil {
		return s
	}
	return string(r.ID)
}

// HasStringID reports whether the id is a JSON string. IDString renders 1 and
// "1" alike, so keys that must keep them apart pair it with this.
func (r *Request) HasStringID() bool {
	id := bytes.TrimSpace(r.ID)
	return len(id) > 0 && id[0] == '"'
}

// ToolCall returns the tool name and raw arguments of a tools/call request
func (r *Request) ToolCall() (string, json.RawMessage) {
	if r.Method != models.MethodToolsCall || len(r.Params) == 0 {
		return "", nil
	}
	var params ToolCallParams
	if err := json.Unmarshal(r.Params, &params); err != nil {
		return "", nil
	}
	return params.Name, params.Arguments
}

// ParseResponse decodes a backend response and checks it answers id
func ParseResponse(body []byte, id json.RawMessage) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, malformed("response is not a JSON object", err)
	}
	if resp.JSONRPC != Version {
		return nil, malformed(fmt.Sprintf("unexpected jsonrpc version %q", resp.JSONRPC), nil)
	}
	hasResult := len(resp.Result) > 0
	hasError := resp.Error != nil
	if hasResult == hasError {
		return nil, malformed("response must carry exactly one of result and error", nil)
	}
	if !sameID(resp.ID, id) {
		return nil, malformed(fmt.Sprintf("response id %s does not match request id %s", resp.ID, id), nil)
	}
	return &resp, nil
}

func malformed(message string, err error) error {
	if err == nil {
		err = errors.New(message)
	}
	return services.NewDomainError(services.ErrorTypeBackend, services.ErrMalformedResponse.Message, err).
		WithDetail("reason", message)
}

func validID(id json.RawMessage) bool {
	if len(id) == 0 {
		return true
	}
	trimmed := bytes.TrimSpace(id)
	if string(trimmed) == "null" {
		return true
	}
	if trimmed[0] == '"' {
		var s string
		return json.Unmarshal(trimmed, &s) == nil
	}
	_, err := strconv.ParseFloat(string(trimmed), 64)
	return err == nil
}

func sameID(a, b json.RawMessage) bool {
	var ca, cb bytes.Buffer
	if err := json.Compact(&ca, a); err != nil {
		return false
	}
	if err := json.Compact(&cb, b); err != nil {
		return false
	}
	return bytes.Equal(ca.Bytes(), cb.Bytes())
}
