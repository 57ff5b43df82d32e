package validate

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/quarryhq/quarry/pkg/engine"
	"github.com/quarryhq/quarry/pkg/telemetry"
)

// Options configures a Validator.
type Options struct {
	// Scanners are run in order over the declared resources.
	Scanners []Scanner

	// Threshold is the minimum severity that blocks. Defaults to high.
	Threshold engine.Severity

	// Suppressions silences known, justified findings.
	Suppressions []Suppression

	// Logger receives scan logs.
	Logger *telemetry.Logger

	// Metrics records findings by severity. Optional.
	Metrics *telemetry.Metrics

	// now is injectable for suppression expiry tests.
	now func() time.Time
}

// Validator aggregates scanner findings, applies suppressions, and
// enforces the blocking threshold. Implements engine.Validator.
type Validator struct {
	scanners     []Scanner
	threshold    engine.Severity
	suppressions []Suppression
	logger       *telemetry.Logger
	metrics      *telemetry.Metrics
	now          func() time.Time
}

// New creates a Validator from options.
func New(opts Options) (*Validator, error) {
	if len(opts.Scanners) == 0 {
		return nil, fmt.Errorf("at least one scanner is required")
	}
	if opts.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	threshold := opts.Threshold
	if threshold == "" {
		threshold = engine.SeverityHigh
	}
	now := opts.now
	if now == nil {
		now = time.Now
	}
	return &Validator{
		scanners:     opts.Scanners,
		threshold:    threshold,
		suppressions: opts.Suppressions,
		logger:       opts.Logger.NewComponentLogger("validate"),
		metrics:      opts.Metrics,
		now:          now,
	}, nil
}

// Validate runs every scanner over the workspace's declared
// configuration. Findings are deduplicated by (rule, resource) keeping
// the highest severity, suppressed findings are dropped, and any
// remaining finding at or above the threshold fails validation with
// the full finding set attached.
func (v *Validator) Validate(ctx context.Context, ws *engine.Workspace) ([]engine.ValidationFinding, error) {
	resources, err := LoadDeclared(ws.ConfigRoot)
	if err != nil {
		return nil, engine.NewConfigError(ws.ConfigRoot, err)
	}

	var all []engine.ValidationFinding
	for _, scanner := range v.scanners {
		findings, err := scanner.Scan(ctx, ws, resources)
		if err != nil {
			return nil, fmt.Errorf("scanner %s: %w", scanner.Name(), err)
		}
		all = append(all, findings...)
	}

	findings := v.suppress(Dedupe(all))

	for _, f := range findings {
		v.metrics.RecordValidationFinding(string(f.Severity))
	}

	blocking := 0
	for _, f := range findings {
		if f.Severity.AtLeast(v.threshold) {
			blocking++
		}
	}
	log := v.logger.WithWorkspace(ws.ID)
	if blocking > 0 {
		log.Warnf("validation blocked: %d finding(s) at or above %s", blocking, v.threshold)
		return findings, &engine.ValidationError{
			Threshold: v.threshold,
			Findings:  findings,
		}
	}

	log.Infof("validation passed with %d finding(s) below threshold", len(findings))
	return findings, nil
}

// Dedupe collapses findings sharing (rule, resource) to a single
// finding at the highest reported severity, ordered by resource then
// rule.
func Dedupe(findings []engine.ValidationFinding) []engine.ValidationFinding {
	type key struct{ rule, resource string }

	merged := map[key]engine.ValidationFinding{}
	for _, f := range findings {
		k := key{rule: f.RuleID, resource: f.ResourceID}
		existing, seen := merged[k]
		if !seen || (f.Severity != existing.Severity && f.Severity.AtLeast(existing.Severity)) {
			merged[k] = f
		}
	}

	out := make([]engine.ValidationFinding, 0, len(merged))
	for _, f := range merged {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ResourceID != out[j].ResourceID {
			return out[i].ResourceID < out[j].ResourceID
		}
		return out[i].RuleID < out[j].RuleID
	})
	return out
}

// suppress drops findings covered by an active suppression.
func (v *Validator) suppress(findings []engine.ValidationFinding) []engine.ValidationFinding {
	if len(v.suppressions) == 0 {
		return findings
	}
	now := v.now()

	out := findings[:0]
	for _, f := range findings {
		if v.suppressed(f, now) {
			v.logger.WithResourceID(f.ResourceID).Debugf("finding %s suppressed", f.RuleID)
			continue
		}
		out = append(out, f)
	}
	return out
}

func (v *Validator) suppressed(f engine.ValidationFinding, now time.Time) bool {
	for i := range v.suppressions {
		s := &v.suppressions[i]
		if s.RuleID == f.RuleID && s.ResourceID == f.ResourceID && s.Active(now) {
			return true
		}
	}
	return false
}
