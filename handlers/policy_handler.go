package handlers

import (
	"io"
	"net/http"

	"github.com/upb/mcp-acp/middleware"
	"github.com/upb/mcp-acp/models"
	"github.com/upb/mcp-acp/services"
	"github.com/upb/mcp-acp/services/policy"
	"github.com/upb/mcp-acp/utils"
	"go.uber.org/zap"
)

// maxPolicyBody bounds a posted policy document
const maxPolicyBody = 1 << 20

// PolicyStore defines the policy operations exposed over the admin API
type PolicyStore interface {
	// Current returns the active rule set, or nil before the first activation
	Current() *policy.RuleSet

	// Activate makes rs the active rule set
	Activate(rs *policy.RuleSet, change models.ChangeType) (bool, error)

	// ReloadFile re-reads a policy file and activates it
	ReloadFile(path string, change models.ChangeType) (*policy.RuleSet, bool, error)
}

// PolicyResponse represents the active policy in API responses
type PolicyResponse struct {
	Version       string        `json:"version"`
	Checksum      string        `json:"checksum"`
	DefaultEffect models.Effect `json:"default_effect"`
	Rules         int           `json:"rules"`
	Source        string        `json:"source,omitempty"`
	Changed       *bool         `json:"changed,omitempty"`
	Snapshot      string        `json:"snapshot,omitempty"`
}

// PolicyHandler handles policy-related HTTP requests
type PolicyHandler struct {
	store  PolicyStore
	path   string
	logger *zap.Logger
}

// NewPolicyHandler creates a new PolicyHandler. path is the policy file
// re-read on reload.
func NewPolicyHandler(store PolicyStore, path string, logger *zap.Logger) *PolicyHandler {
	return &PolicyHandler{
		store:  store,
		path:   path,
		logger: logger,
	}
}

// HandleGet handles GET /api/v1/policy
func (h *PolicyHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	rs := h.store.Current()
	if rs == nil {
		_ = utils.WriteNotFound(w, "No policy is active")
		return
	}
	resp := policyToResponse(rs, nil)
	resp.Snapshot = rs.Snapshot
	_ = utils.WriteOK(w, resp)
}

// HandleReload handles POST /api/v1/policy/reload
func (h *PolicyHandler) HandleReload(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestIDFromContext(r.Context())

	rs, changed, err := h.store.ReloadFile(h.path, models.ChangeTypeReload)
	if err != nil {
		h.logger.Warn("policy reload rejected",
			zap.String("request_id", requestID),
			zap.String("path", h.path),
			zap.Error(err))
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("policy reloaded",
		zap.String("request_id", requestID),
		zap.String("version", rs.Version),
		zap.Bool("changed", changed))

	_ = utils.WriteOK(w, policyToResponse(rs, &changed))
}

// HandleUpdate handles PUT /api/v1/policy. The body is a YAML or JSON policy document.
func (h *PolicyHandler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestIDFromContext(r.Context())

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPolicyBody))
	if err != nil {
		_ = utils.WriteBadRequest(w, "Failed to read policy document", nil)
		return
	}
	if len(body) == 0 {
		HandleServiceError(w, services.NewDomainError(services.ErrorTypeValidation, "policy document is required", nil), h.logger)
		return
	}

	rs, err := policy.Parse(body, "")
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	changed, err := h.store.Activate(rs, models.ChangeTypeManualUpdate)
	if err != nil {
		h.logger.Warn("policy update rejected",
			zap.String("request_id", requestID),
			zap.Error(err))
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("policy updated",
		zap.String("request_id", requestID),
		zap.String("version", rs.Version),
		zap.Bool("changed", changed))

	active := h.store.Current()
	if active == nil {
		active = rs
	}
	_ = utils.WriteOK(w, policyToResponse(active, &changed))
}

func policyToResponse(rs *policy.RuleSet, changed *bool) PolicyResponse {
	return PolicyResponse{
		Version:       rs.Version,
		Checksum:      rs.Checksum,
		DefaultEffect: rs.DefaultEffect,
		Rules:         len(rs.Rules),
		Source:        rs.Source,
		Changed:       changed,
	}
}
