package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/quarryhq/quarry/pkg/engine"
)

// Loader reads and validates workspace configuration files.
type Loader struct {
	validator *validator.Validate
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		validator: validator.New(),
	}
}

// Load reads a workspace configuration file, applies defaults, expands
// environment references in string values, and validates the result.
// Unknown fields are rejected.
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, engine.NewConfigError(path, fmt.Errorf("failed to read config: %w", err))
	}

	cfg := DefaultConfig()

	decoder := yaml.NewDecoder(strings.NewReader(os.ExpandEnv(string(data))))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return nil, engine.NewConfigError(path, fmt.Errorf("failed to parse config: %w", err))
	}

	// Relative paths in the file resolve against the file's directory.
	base := filepath.Dir(path)
	cfg.Workspace.ConfigRoot = resolvePath(base, cfg.Workspace.ConfigRoot)
	cfg.State.Path = resolvePath(base, cfg.State.Path)
	cfg.Validation.PolicyDir = resolvePath(base, cfg.Validation.PolicyDir)
	cfg.Validation.SuppressionsFile = resolvePath(base, cfg.Validation.SuppressionsFile)
	cfg.Cost.PricingFile = resolvePath(base, cfg.Cost.PricingFile)
	cfg.Drift.SeverityRulesFile = resolvePath(base, cfg.Drift.SeverityRulesFile)
	for i, vf := range cfg.Workspace.VarFiles {
		cfg.Workspace.VarFiles[i] = resolvePath(base, vf)
	}

	if err := l.Validate(cfg); err != nil {
		return nil, engine.NewConfigError(path, err)
	}
	return cfg, nil
}

// Validate checks the configuration against struct tags and the
// structural rules tags cannot express.
func (l *Loader) Validate(cfg *Config) error {
	if err := l.validator.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry configuration: %w", err)
	}
	if cfg.Tool.PlanTimeout <= 0 || cfg.Tool.ApplyTimeout <= 0 {
		return fmt.Errorf("tool timeouts must be positive")
	}
	if cfg.State.LockTTL <= 0 {
		return fmt.Errorf("state lock_ttl must be positive")
	}
	return nil
}

// CheckName verifies the workspace name against a provider's naming
// constraints before anything is derived from it.
func CheckName(name string, nc engine.NamingConstraints) error {
	if nc.MaxLength > 0 && len(name) > nc.MaxLength {
		return fmt.Errorf("workspace name %q exceeds %d characters", name, nc.MaxLength)
	}
	if nc.Lowercase && name != strings.ToLower(name) {
		return fmt.Errorf("workspace name %q must be lowercase", name)
	}
	if nc.Pattern != "" {
		re, err := regexp.Compile(nc.Pattern)
		if err != nil {
			return fmt.Errorf("invalid naming pattern %q: %w", nc.Pattern, err)
		}
		if !re.MatchString(name) {
			return fmt.Errorf("workspace name %q does not match %s", name, nc.Pattern)
		}
	}
	return nil
}

// Build constructs the workspace record from the loaded configuration
// and the selected provider. The provider's naming constraints are
// enforced and the backend descriptor is derived deterministically.
func Build(cfg *Config, provider engine.CloudProvider) (*engine.Workspace, error) {
	if err := CheckName(cfg.Workspace.Name, provider.NamingConstraints()); err != nil {
		return nil, engine.NewConfigError("workspace name", err)
	}

	ws := &engine.Workspace{
		ID:         cfg.Workspace.Name,
		Name:       cfg.Workspace.Name,
		ConfigRoot: cfg.Workspace.ConfigRoot,
		Provider:   provider.Name(),
		Region:     cfg.Workspace.Region,
		Variables:  cfg.Workspace.Variables,
		VarFiles:   cfg.Workspace.VarFiles,
	}
	ws.Backend = provider.GenerateBackendConfig(ws)
	return ws, nil
}

func resolvePath(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}
