package policy

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/upb/mcp-acp/models"
	"github.com/upb/mcp-acp/services"
	"go.uber.org/zap"
)

// ComponentName identifies the policy engine in configuration history
const ComponentName = "policy_engine"

// HistoryRecorder records configuration lifecycle events
type HistoryRecorder interface {
	EmitConfigHistory(event models.ConfigHistoryEvent) error
}

// Store holds the active rule set. Readers load one whole snapshot per
// evaluation; activations replace the pointer and never touch a live set.
type Store struct {
	current  atomic.Pointer[RuleSet]
	mu       sync.Mutex // serializes activations
	recorder HistoryRecorder
	logger   *zap.Logger
}

// NewStore creates an empty store. Until the first activation every request is denied.
func NewStore(recorder HistoryRecorder, logger *zap.Logger) *Store {
	return &Store{
		recorder: recorder,
		logger:   logger,
	}
}

// Current returns the active rule set, or nil before the first activation
func (s *Store) Current() *RuleSet {
	return s.current.Load()
}

// Evaluate evaluates desc against the active rule set
func (s *Store) Evaluate(desc models.RequestDescriptor) models.PolicyDecision {
	return Evaluate(s.current.Load(), desc)
}

// HITLTimeout returns the approval timeout of the active rule set, or fallback
func (s *Store) HITLTimeout(fallback time.Duration) time.Duration {
	return s.current.Load().HITLTimeout(fallback)
}

// Activate validates rs and makes it the active rule set. It reports whether
// the active set changed: re-activating an identical document is a no-op.
// On error the previous rule set keeps serving.
func (s *Store) Activate(rs *RuleSet, change models.ChangeType) (bool, error) {
	if rs == nil {
		return false, services.NewDomainError(services.ErrorTypePolicy, "nil rule set", nil)
	}
	if err := rs.Validate(); err != nil {
		s.logger.Warn("policy activation rejected",
			zap.String("version", rs.Version),
			zap.String("source", rs.Source),
			zap.Error(err))
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.current.Load()
	if prev != nil && prev.Checksum == rs.Checksum {
		s.logger.Debug("policy unchanged", zap.String("version", prev.Version))
		return false, nil
	}

	event := models.ConfigHistoryEvent{
		Event:          models.ConfigEventUpdated,
		Message:        "policy activated",
		ConfigVersion:  rs.Version,
		ChangeType:     change,
		Component:      ComponentName,
		ConfigPath:     rs.Source,
		Checksum:       rs.Checksum,
		SnapshotFormat: models.SnapshotFormatYAML,
		Snapshot:       rs.Snapshot,
	}
	if change == models.ChangeTypeInitialLoad {
		event.Event = models.ConfigEventCreated
	}
	if prev != nil {
		event.PreviousVersion = prev.Version
	}

	// History is written before the swap so every served version has a record.
	if s.recorder != nil {
		if err := s.recorder.EmitConfigHistory(event); err != nil {
			s.logger.Error("policy activation aborted: config history not recorded",
				zap.String("version", rs.Version),
				zap.Error(err))
			return false, services.NewDomainError(services.ErrorTypePolicy, "config history not recorded", err)
		}
	}

	s.current.Store(rs)
	s.logger.Info("policy activated",
		zap.String("version", rs.Version),
		zap.String("previous_version", event.PreviousVersion),
		zap.String("change_type", string(change)),
		zap.Int("rules", len(rs.Rules)),
		zap.String("default_effect", string(rs.DefaultEffect)))
	return true, nil
}

// ReloadFile re-reads the active rule set's source file, or path when given
func (s *Store) ReloadFile(path string, change models.ChangeType) (*RuleSet, bool, error) {
	if path == "" {
		if cur := s.current.Load(); cur != nil {
			path = cur.Source
		}
	}
	if path == "" {
		return nil, false, services.NewDomainError(services.ErrorTypePolicy, "no policy file to reload", nil)
	}

	rs, err := LoadFile(path)
	if err != nil {
		s.logger.Warn("policy reload failed", zap.String("path", path), zap.Error(err))
		return nil, false, err
	}
	changed, err := s.Activate(rs, change)
	if err != nil {
		return nil, false, err
	}
	return s.current.Load(), changed, nil
}
