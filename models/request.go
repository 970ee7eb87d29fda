package models

import (
	"crypto/sha256"
	"encoding/hex"
)

// Well-known MCP methods
const (
	MethodToolsCall  = "tools/call"
	MethodToolsList  = "tools/list"
	MethodInitialize = "initialize"
)

// ArgumentsSummary describes request arguments without carrying the payload itself
type ArgumentsSummary struct {
	Redacted      bool   `json:"redacted"`
	BodyHash      string `json:"body_hash,omitempty"`
	PayloadLength *int   `json:"payload_length,omitempty"`
}

// NewArgumentsSummary hashes the raw arguments payload. The payload is never retained.
func NewArgumentsSummary(payload []byte) *ArgumentsSummary {
	summary := &ArgumentsSummary{Redacted: true}
	if payload == nil {
		return summary
	}
	sum := sha256.Sum256(payload)
	length := len(payload)
	summary.BodyHash = hex.EncodeToString(sum[:])
	summary.PayloadLength = &length
	return summary
}

// RequestDescriptor is the policy-facing view of one inbound request
type RequestDescriptor struct {
	SessionID        string
	RequestID        string
	Method           string
	ToolName         string
	Paths            []string // Used for matching only, never logged
	ArgumentsSummary *ArgumentsSummary
}
