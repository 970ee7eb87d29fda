package policy

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/upb/mcp-acp/models"
	"github.com/upb/mcp-acp/services"
	"gopkg.in/yaml.v3"
)

// Document is the on-disk policy format. JSON documents are accepted as YAML.
type Document struct {
	Version       string              `yaml:"version,omitempty" json:"version,omitempty"`
	DefaultEffect models.Effect       `yaml:"default_effect,omitempty" json:"default_effect,omitempty"`
	HITL          *HITLSettings       `yaml:"hitl,omitempty" json:"hitl,omitempty"`
	Rules         []models.PolicyRule `yaml:"rules" json:"rules"`
}

// HITLSettings holds approval settings of a policy document
type HITLSettings struct {
	TimeoutSeconds *float64 `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
}

// LoadFile reads and parses a policy file
func LoadFile(filePath string) (*RuleSet, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, services.NewDomainError(services.ErrorTypePolicy, "failed to read policy file", err).
			WithDetail("path", filePath)
	}
	return Parse(data, filePath)
}

// Parse builds a validated rule set from a YAML or JSON document. Unknown
// fields are rejected.
func Parse(data []byte, source string) (*RuleSet, error) {
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			err = errors.New("empty policy document")
		}
		return nil, services.NewDomainError(services.ErrorTypePolicy, "failed to parse policy document", err).
			WithDetail("source", source)
	}
	return FromDocument(doc, source)
}

// FromDocument builds a validated rule set from an already decoded document
func FromDocument(doc Document, source string) (*RuleSet, error) {
	if doc.DefaultEffect == "" {
		doc.DefaultEffect = models.EffectDeny
	}

	snapshot, err := yaml.Marshal(&doc)
	if err != nil {
		return nil, services.WrapInternal("failed to encode policy snapshot", err)
	}
	sum := sha256.Sum256(snapshot)
	digest := hex.EncodeToString(sum[:])

	rs := &RuleSet{
		Version:       doc.Version,
		DefaultEffect: doc.DefaultEffect,
		Rules:         append([]models.PolicyRule(nil), doc.Rules...),
		Checksum:      "sha256:" + digest,
		Snapshot:      string(snapshot),
		Source:        source,
	}
	if rs.Version == "" {
		rs.Version = "sha256-" + digest[:12]
	}

	if doc.HITL != nil && doc.HITL.TimeoutSeconds != nil {
		secs := *doc.HITL.TimeoutSeconds
		if math.IsNaN(secs) || math.IsInf(secs, 0) {
			return nil, policyError("hitl timeout must be finite", "hitl.timeout_seconds", fmt.Sprint(secs))
		}
		timeout := time.Duration(secs * float64(time.Second))
		rs.hitlTimeout = &timeout
	}

	if err := rs.Validate(); err != nil {
		return nil, err
	}
	return rs, nil
}
