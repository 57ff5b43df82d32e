package validate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"

	"github.com/quarryhq/quarry/pkg/engine"
	"github.com/quarryhq/quarry/pkg/telemetry"
)

// Policy is one Rego policy evaluated by the policy scanner.
type Policy struct {
	// Name is the unique policy name; it becomes the finding rule ID.
	Name string

	// Description is a human-readable summary.
	Description string

	// Severity is the default severity for violations from this policy.
	Severity engine.Severity

	// Rego is the policy source.
	Rego string
}

// compiledPolicy caches the parsed module for one policy.
type compiledPolicy struct {
	policy Policy
	module *ast.Module
}

// PolicyScanner evaluates Rego policies against declared resources.
// Built-in policies are always present; additional policies can be
// loaded from a directory and reloaded at runtime.
type PolicyScanner struct {
	mu        sync.RWMutex
	policies  map[string]*compiledPolicy
	policyDir string
	logger    *telemetry.Logger
}

// NewPolicyScanner creates a scanner with the built-in policies plus
// any .rego files under policyDir (optional).
func NewPolicyScanner(policyDir string, logger *telemetry.Logger) (*PolicyScanner, error) {
	s := &PolicyScanner{
		policies:  make(map[string]*compiledPolicy),
		policyDir: policyDir,
		logger:    logger.NewComponentLogger("policy-scanner"),
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Name implements Scanner.
func (s *PolicyScanner) Name() string { return "policy" }

// Reload recompiles the built-in policies and re-reads the policy
// directory. Used directly and by the fsnotify watcher.
func (s *PolicyScanner) Reload() error {
	policies := make(map[string]*compiledPolicy)

	for _, p := range builtinPolicies() {
		cp, err := compile(p)
		if err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", p.Name, err)
		}
		policies[p.Name] = cp
	}

	if s.policyDir != "" {
		loaded, err := loadPolicyDir(s.policyDir)
		if err != nil {
			return err
		}
		for _, p := range loaded {
			cp, err := compile(p)
			if err != nil {
				return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
			}
			policies[p.Name] = cp
		}
	}

	s.mu.Lock()
	s.policies = policies
	s.mu.Unlock()

	s.logger.Debugf("loaded %d policies", len(policies))
	return nil
}

// Scan evaluates every policy against every declared resource.
func (s *PolicyScanner) Scan(ctx context.Context, ws *engine.Workspace, resources []DeclaredResource) ([]engine.ValidationFinding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var findings []engine.ValidationFinding
	for _, cp := range s.policies {
		for i := range resources {
			got, err := s.evaluate(ctx, cp, ws, &resources[i])
			if err != nil {
				return nil, fmt.Errorf("policy %s failed on %s: %w", cp.policy.Name, resources[i].Address, err)
			}
			findings = append(findings, got...)
		}
	}
	return findings, nil
}

// evaluate runs one policy's deny query against one resource.
func (s *PolicyScanner) evaluate(ctx context.Context, cp *compiledPolicy, ws *engine.Workspace, resource *DeclaredResource) ([]engine.ValidationFinding, error) {
	input := map[string]interface{}{
		"workspace": map[string]interface{}{
			"name":     ws.Name,
			"provider": ws.Provider,
			"region":   ws.Region,
		},
		"resource": map[string]interface{}{
			"address":    resource.Address,
			"type":       resource.Type,
			"name":       resource.Name,
			"attributes": resource.Attributes,
		},
	}

	query := fmt.Sprintf("data.%s.deny", cp.module.Package.Path.String()[len("data."):])
	r := rego.New(
		rego.ParsedModule(cp.module),
		rego.Query(query),
		rego.Input(input),
	)

	results, err := r.Eval(ctx)
	if err != nil {
		return nil, fmt.Errorf("evaluation error: %w", err)
	}

	var findings []engine.ValidationFinding
	for _, result := range results {
		for _, expr := range result.Expressions {
			denySet, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, d := range denySet {
				findings = append(findings, s.finding(cp.policy, d, resource))
			}
		}
	}
	return findings, nil
}

// finding builds a ValidationFinding from one deny result. Violations
// may override the policy's default severity and resource.
func (s *PolicyScanner) finding(policy Policy, result interface{}, resource *DeclaredResource) engine.ValidationFinding {
	f := engine.ValidationFinding{
		RuleID:     policy.Name,
		ResourceID: resource.Address,
		Severity:   policy.Severity,
	}

	switch v := result.(type) {
	case string:
		f.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			f.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			f.Severity = engine.Severity(sev)
		}
		if res, ok := v["resource"].(string); ok {
			f.ResourceID = res
		}
	default:
		f.Message = fmt.Sprintf("%v", result)
	}
	return f
}

func compile(p Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(p.Name, p.Rego)
	if err != nil {
		return nil, err
	}
	return &compiledPolicy{policy: p, module: module}, nil
}

// loadPolicyDir reads extra policies from .rego files. The policy name
// is the file name without extension; severity defaults to high and can
// be overridden per violation.
func loadPolicyDir(dir string) ([]Policy, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy dir: %w", err)
	}

	var policies []Policy
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".rego") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read policy %s: %w", entry.Name(), err)
		}
		policies = append(policies, Policy{
			Name:     strings.TrimSuffix(entry.Name(), ".rego"),
			Severity: engine.SeverityHigh,
			Rego:     string(data),
		})
	}
	return policies, nil
}
