package commands

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/quarryhq/quarry/pkg/engine"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitOK},
		{"generic", errors.New("boom"), ExitGeneric},
		{"config", engine.NewConfigError("bad config", nil), ExitGeneric},
		{
			"validation",
			&engine.ValidationError{Threshold: engine.SeverityHigh, Findings: []engine.ValidationFinding{
				{RuleID: "R-1", ResourceID: "a.b", Severity: engine.SeverityCritical},
			}},
			ExitValidationFailure,
		},
		{
			"lock held",
			&engine.LockHeldError{WorkspaceID: "ws", Holder: "other", Remaining: time.Minute},
			ExitLockHeld,
		},
		{
			"provisioning",
			engine.NewProvisioningError("apply", engine.ErrorClassPermanent, "tool failed", nil),
			ExitProvisioningFailure,
		},
		{
			"budget",
			&engine.BudgetExceededError{BudgetMonthly: 500, EstimatedMonthly: 620},
			ExitBudgetExceeded,
		},
		{
			"wrapped validation",
			fmt.Errorf("pipeline: %w", &engine.ValidationError{Threshold: engine.SeverityHigh}),
			ExitValidationFailure,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.err); got != tt.want {
				t.Errorf("ExitCode(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}
