package policy

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/upb/mcp-acp/models"
	"github.com/upb/mcp-acp/services"
)

// subtreeSuffix marks a path pattern that matches a directory and everything below it
const subtreeSuffix = "/**"

// RuleSet is one immutable, versioned policy. A RuleSet is never modified
// after activation; reloads build a new one.
type RuleSet struct {
	Version       string
	DefaultEffect models.Effect
	Rules         []models.PolicyRule

	// hitlTimeout is nil when the document leaves the approval timeout to the proxy config.
	hitlTimeout *time.Duration

	Checksum string // sha256:<hex> of Snapshot
	Snapshot string // canonical YAML
	Source   string // file path, or empty for documents posted over the API
}

// HITLTimeout returns the approval timeout of this policy, or fallback when unset
func (rs *RuleSet) HITLTimeout(fallback time.Duration) time.Duration {
	if rs == nil || rs.hitlTimeout == nil {
		return fallback
	}
	return *rs.hitlTimeout
}

// Validate checks the rule set for configuration errors
func (rs *RuleSet) Validate() error {
	if !rs.DefaultEffect.IsValid() {
		return policyError("unknown default effect", "default_effect", string(rs.DefaultEffect))
	}
	if rs.hitlTimeout != nil && *rs.hitlTimeout < 0 {
		return policyError("hitl timeout must not be negative", "hitl.timeout_seconds", rs.hitlTimeout.String())
	}

	seen := make(map[string]struct{}, len(rs.Rules))
	for i, rule := range rs.Rules {
		field := fmt.Sprintf("rules[%d]", i)
		if strings.TrimSpace(rule.ID) == "" {
			return policyError("rule id is required", field+".id", "")
		}
		if _, dup := seen[rule.ID]; dup {
			return policyError("duplicate rule id", field+".id", rule.ID)
		}
		seen[rule.ID] = struct{}{}

		if !rule.Effect.IsValid() {
			return policyError("unknown rule effect", field+".effect", string(rule.Effect))
		}
		for _, m := range rule.Conditions.Methods {
			if m == "" {
				return policyError("empty method condition", field+".conditions.methods", rule.ID)
			}
		}
		for _, p := range rule.Conditions.Tools {
			if err := checkPattern(p); err != nil {
				return policyError("invalid tool pattern", field+".conditions.tools", p)
			}
		}
		for _, p := range rule.Conditions.Paths {
			if err := checkPattern(strings.TrimSuffix(p, subtreeSuffix)); err != nil {
				return policyError("invalid path pattern", field+".conditions.paths", p)
			}
		}
	}
	return nil
}

// Evaluate returns the decision for desc: the effect of the first matching rule,
// or the default effect when none matches. A nil rule set denies everything.
func Evaluate(rs *RuleSet, desc models.RequestDescriptor) models.PolicyDecision {
	if rs == nil {
		return models.PolicyDecision{Effect: models.EffectDeny}
	}

	for _, rule := range rs.Rules {
		if Matches(rule, desc) {
			return models.PolicyDecision{
				Effect:        rule.Effect,
				MatchedRuleID: rule.ID,
				ConfigVersion: rs.Version,
			}
		}
	}

	return models.PolicyDecision{
		Effect:        rs.DefaultEffect,
		ConfigVersion: rs.Version,
	}
}

// Matches reports whether every non-empty condition of rule holds for desc.
//
// Path conditions depend on the rule effect: an allow rule must cover every
// path of the request, while deny and hitl rules match when any path does.
func Matches(rule models.PolicyRule, desc models.RequestDescriptor) bool {
	c := rule.Conditions

	if len(c.Methods) > 0 && !containsString(c.Methods, desc.Method) {
		return false
	}

	if len(c.Tools) > 0 {
		if desc.ToolName == "" || !anyGlob(c.Tools, desc.ToolName) {
			return false
		}
	}

	if len(c.Paths) > 0 {
		if len(desc.Paths) == 0 {
			return false
		}
		if rule.Effect == models.EffectAllow {
			for _, p := range desc.Paths {
				if !anyPath(c.Paths, p) {
					return false
				}
			}
		} else {
			matched := false
			for _, p := range desc.Paths {
				if anyPath(c.Paths, p) {
					matched = true
					break
				}
			}
			if !matched {
				return false
			}
		}
	}

	return true
}

func containsString(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

func anyGlob(patterns []string, v string) bool {
	for _, p := range patterns {
		if ok, _ := path.Match(p, v); ok {
			return true
		}
	}
	return false
}

func anyPath(patterns []string, p string) bool {
	p = cleanPath(p)
	for _, pattern := range patterns {
		if matchPath(pattern, p) {
			return true
		}
	}
	return false
}

// matchPath matches a cleaned path against a glob, where a trailing /**
// matches the base directory and anything below it.
func matchPath(pattern, p string) bool {
	if pattern == "**" {
		return true
	}
	if base, ok := strings.CutSuffix(pattern, subtreeSuffix); ok {
		if base == "" {
			return strings.HasPrefix(p, "/")
		}
		// The base itself may be a glob; test it against each ancestor of p.
		for candidate := p; ; candidate = path.Dir(candidate) {
			if ok, _ := path.Match(base, candidate); ok {
				return true
			}
			if candidate == "/" || candidate == "." {
				return false
			}
		}
	}
	ok, _ := path.Match(pattern, p)
	return ok
}

// cleanPath resolves "." and ".." so traversal cannot escape a pattern
func cleanPath(p string) string {
	return path.Clean(strings.TrimPrefix(p, "file://"))
}

func checkPattern(p string) error {
	if p == "" {
		return path.ErrBadPattern
	}
	_, err := path.Match(p, "")
	return err
}

func policyError(message, field, value string) error {
	return services.NewDomainError(services.ErrorTypePolicy, message, nil).
		WithDetail("field", field).
		WithDetail("value", value)
}
