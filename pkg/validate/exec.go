package validate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"github.com/quarryhq/quarry/pkg/engine"
	"github.com/quarryhq/quarry/pkg/telemetry"
)

// ExecScanner invokes an external scanner binary with the workspace's
// config root as its final argument. The scanner writes a findings
// document to stdout:
//
//	{"findings": [{"rule_id": "...", "resource_id": "...",
//	               "severity": "high", "message": "..."}]}
//
// A non-zero exit is a scanner failure, with stderr preserved.
type ExecScanner struct {
	name    string
	command string
	args    []string
	timeout time.Duration
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
}

// findingsDocument is the exec scanner output contract.
type findingsDocument struct {
	Findings []scannerFinding `json:"findings"`
}

type scannerFinding struct {
	RuleID     string `json:"rule_id"`
	ResourceID string `json:"resource_id"`
	Severity   string `json:"severity"`
	Message    string `json:"message"`
}

// NewExecScanner creates an exec scanner.
func NewExecScanner(name, command string, args []string, logger *telemetry.Logger, metrics *telemetry.Metrics) *ExecScanner {
	return &ExecScanner{
		name:    name,
		command: command,
		args:    args,
		timeout: 2 * time.Minute,
		logger:  logger.NewComponentLogger("scanner." + name),
		metrics: metrics,
	}
}

// Name implements Scanner.
func (s *ExecScanner) Name() string { return s.name }

// Scan implements Scanner.
func (s *ExecScanner) Scan(ctx context.Context, ws *engine.Workspace, _ []DeclaredResource) ([]engine.ValidationFinding, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	args := append(append([]string{}, s.args...), ws.ConfigRoot)
	cmd := exec.CommandContext(ctx, s.command, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	result := "success"
	if err != nil {
		result = "failure"
	}
	s.metrics.RecordToolInvocation("scan", result, duration)

	if err != nil {
		return nil, fmt.Errorf("scanner %s failed: %w: %s", s.name, err, stderr.String())
	}

	var doc findingsDocument
	if err := json.Unmarshal(stdout.Bytes(), &doc); err != nil {
		return nil, &engine.MalformedOutputError{
			Phase:  "scan",
			Detail: fmt.Sprintf("scanner %s produced invalid findings document", s.name),
			Err:    err,
		}
	}

	findings := make([]engine.ValidationFinding, 0, len(doc.Findings))
	for _, f := range doc.Findings {
		if f.RuleID == "" {
			return nil, &engine.MalformedOutputError{
				Phase:  "scan",
				Detail: fmt.Sprintf("scanner %s reported a finding without rule_id", s.name),
			}
		}
		findings = append(findings, engine.ValidationFinding{
			RuleID:     f.RuleID,
			ResourceID: f.ResourceID,
			Severity:   engine.Severity(f.Severity),
			Message:    f.Message,
		})
	}
	s.logger.Debugf("scanner %s reported %d finding(s) in %s", s.name, len(findings), duration.Round(time.Millisecond))
	return findings, nil
}
