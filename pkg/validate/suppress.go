package validate

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Suppression silences one (rule, resource) pair. A justification is
// mandatory; an expired suppression is treated as absent.
type Suppression struct {
	// RuleID is the suppressed rule.
	RuleID string `yaml:"rule_id"`

	// ResourceID is the suppressed resource address.
	ResourceID string `yaml:"resource_id"`

	// Justification records why the finding is accepted.
	Justification string `yaml:"justification"`

	// ExpiresAt ends the suppression. Zero means no expiry.
	ExpiresAt time.Time `yaml:"expires_at"`
}

// Active reports whether the suppression applies at the given time.
func (s *Suppression) Active(now time.Time) bool {
	return s.ExpiresAt.IsZero() || now.Before(s.ExpiresAt)
}

type suppressionsDocument struct {
	Suppressions []Suppression `yaml:"suppressions"`
}

// ParseSuppressions decodes a suppressions document and rejects entries
// without a justification.
func ParseSuppressions(data []byte) ([]Suppression, error) {
	var doc suppressionsDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse suppressions: %w", err)
	}
	for i, s := range doc.Suppressions {
		if s.RuleID == "" || s.ResourceID == "" {
			return nil, fmt.Errorf("suppression %d: rule_id and resource_id are required", i)
		}
		if s.Justification == "" {
			return nil, fmt.Errorf("suppression %d (%s on %s): justification is required",
				i, s.RuleID, s.ResourceID)
		}
	}
	return doc.Suppressions, nil
}

// LoadSuppressions reads a suppressions file; an empty path means none.
func LoadSuppressions(path string) ([]Suppression, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read suppressions: %w", err)
	}
	return ParseSuppressions(data)
}
