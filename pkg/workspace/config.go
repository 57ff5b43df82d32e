// Package workspace loads and validates workspace configuration files.
// A workspace file declares everything a pipeline run needs: the target
// provider, the configuration root for the provisioning tool, state
// storage, validation, cost and drift settings.
package workspace

import (
	"time"

	"github.com/quarryhq/quarry/pkg/engine"
	"github.com/quarryhq/quarry/pkg/telemetry"
)

// Config is the root of a workspace configuration file.
type Config struct {
	// Workspace declares the workspace identity and inputs.
	Workspace WorkspaceConfig `yaml:"workspace" validate:"required"`

	// Tool configures the external provisioning tool subprocess.
	Tool ToolConfig `yaml:"tool"`

	// State configures the state store backing this workspace.
	State StateConfig `yaml:"state"`

	// Validation configures pre-apply configuration scanning.
	Validation ValidationConfig `yaml:"validation"`

	// Cost configures cost estimation and the budget gate.
	Cost CostConfig `yaml:"cost"`

	// Drift configures drift detection.
	Drift DriftConfig `yaml:"drift"`

	// Telemetry configures logging, metrics and tracing.
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// WorkspaceConfig identifies the workspace and its declared inputs.
type WorkspaceConfig struct {
	// Name is the workspace name. It feeds backend naming and must
	// satisfy the selected provider's naming constraints.
	Name string `yaml:"name" validate:"required,min=1,max=63"`

	// Provider selects the cloud provider variant (aws, azure, gcp).
	Provider string `yaml:"provider" validate:"required,oneof=aws azure gcp"`

	// Region is the provider region for backend and pricing lookups.
	Region string `yaml:"region" validate:"required"`

	// ConfigRoot is the directory holding the declared configuration
	// the provisioning tool operates on.
	ConfigRoot string `yaml:"config_root" validate:"required"`

	// Variables are key-value inputs passed to the tool.
	Variables map[string]string `yaml:"variables"`

	// VarFiles are additional variable files passed to the tool.
	VarFiles []string `yaml:"var_files"`
}

// ToolConfig configures the provisioning tool subprocess.
type ToolConfig struct {
	// Binary is the tool executable name or path.
	Binary string `yaml:"binary"`

	// PlanTimeout bounds a single plan invocation.
	PlanTimeout telemetry.Duration `yaml:"plan_timeout"`

	// ApplyTimeout bounds a single apply invocation.
	ApplyTimeout telemetry.Duration `yaml:"apply_timeout"`
}

// StateConfig configures the state store.
type StateConfig struct {
	// Path is the SQLite database path.
	Path string `yaml:"path"`

	// HistoryLimit is the number of state versions retained.
	HistoryLimit int `yaml:"history_limit" validate:"omitempty,min=1"`

	// LockTTL is the lock lifetime granted on acquisition.
	LockTTL telemetry.Duration `yaml:"lock_ttl"`
}

// ValidationConfig configures the validator.
type ValidationConfig struct {
	// Threshold is the minimum severity that fails validation.
	Threshold string `yaml:"threshold" validate:"omitempty,oneof=info warning high critical"`

	// PolicyDir holds additional Rego policies loaded at startup and
	// watched for changes.
	PolicyDir string `yaml:"policy_dir"`

	// SuppressionsFile lists findings suppressed with justification.
	SuppressionsFile string `yaml:"suppressions_file"`

	// Scanners lists external scanner executables to run alongside the
	// built-in policy scanner.
	Scanners []ScannerConfig `yaml:"scanners" validate:"dive"`
}

// ScannerConfig declares one external scanner subprocess.
type ScannerConfig struct {
	// Name identifies the scanner in logs and findings.
	Name string `yaml:"name" validate:"required"`

	// Command is the scanner executable.
	Command string `yaml:"command" validate:"required"`

	// Args are extra arguments passed before the config root.
	Args []string `yaml:"args"`
}

// CostConfig configures estimation and the budget gate.
type CostConfig struct {
	// PricingFile overrides the built-in pricing table.
	PricingFile string `yaml:"pricing_file"`

	// BudgetMonthly caps the estimated net monthly delta of a run.
	// Zero disables the gate.
	BudgetMonthly float64 `yaml:"budget_monthly" validate:"omitempty,min=0"`
}

// DriftConfig configures drift detection.
type DriftConfig struct {
	// Concurrency bounds parallel live reads.
	Concurrency int `yaml:"concurrency" validate:"omitempty,min=1"`

	// SeverityRulesFile overrides the built-in severity classification.
	SeverityRulesFile string `yaml:"severity_rules_file"`
}

// DefaultConfig returns a configuration with sensible defaults applied.
func DefaultConfig() *Config {
	return &Config{
		Tool: ToolConfig{
			Binary:       "terraform",
			PlanTimeout:  telemetry.Duration(10 * time.Minute),
			ApplyTimeout: telemetry.Duration(60 * time.Minute),
		},
		State: StateConfig{
			Path:         "quarry.db",
			HistoryLimit: 20,
			LockTTL:      telemetry.Duration(5 * time.Minute),
		},
		Validation: ValidationConfig{
			Threshold: string(engine.SeverityHigh),
		},
		Drift: DriftConfig{
			Concurrency: 8,
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}
