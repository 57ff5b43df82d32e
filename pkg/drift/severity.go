package drift

import (
	"fmt"
	"os"
	"path"

	"gopkg.in/yaml.v3"

	"github.com/quarryhq/quarry/pkg/engine"
)

// SeverityRule classifies one drifted attribute pattern. Patterns are
// glob-matched against the resource type and attribute name.
type SeverityRule struct {
	// ResourceType is a glob over resource types ("aws_*", "*").
	ResourceType string `yaml:"resource_type"`

	// Attribute is a glob over attribute names ("ingress*", "tags.*").
	Attribute string `yaml:"attribute"`

	// Severity is assigned to matching drift records.
	Severity engine.Severity `yaml:"severity"`
}

// SeverityRules classifies drift records. First matching rule wins;
// unmatched attributes default to warning.
type SeverityRules struct {
	Rules []SeverityRule `yaml:"rules"`
}

// Classify returns the severity for a drifted attribute.
func (s *SeverityRules) Classify(resourceType, attribute string) engine.Severity {
	for _, rule := range s.Rules {
		if globMatch(rule.ResourceType, resourceType) && globMatch(rule.Attribute, attribute) {
			return rule.Severity
		}
	}
	return engine.SeverityWarning
}

func globMatch(pattern, value string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	ok, err := path.Match(pattern, value)
	return err == nil && ok
}

// ParseSeverityRules decodes a rules document and validates severities.
func ParseSeverityRules(data []byte) (*SeverityRules, error) {
	var rules SeverityRules
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("failed to parse severity rules: %w", err)
	}
	for i, rule := range rules.Rules {
		switch rule.Severity {
		case engine.SeverityInfo, engine.SeverityWarning, engine.SeverityHigh, engine.SeverityCritical:
		default:
			return nil, fmt.Errorf("rule %d: invalid severity %q", i, rule.Severity)
		}
	}
	return &rules, nil
}

// LoadSeverityRules reads a rules file, or returns the built-in rules
// when path is empty.
func LoadSeverityRules(path string) (*SeverityRules, error) {
	if path == "" {
		return DefaultSeverityRules()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read severity rules: %w", err)
	}
	return ParseSeverityRules(data)
}

// DefaultSeverityRules returns the built-in classification table.
func DefaultSeverityRules() (*SeverityRules, error) {
	return ParseSeverityRules(defaultRules)
}
