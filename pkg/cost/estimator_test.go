package cost

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/quarryhq/quarry/pkg/engine"
	"github.com/quarryhq/quarry/pkg/telemetry"
)

func testLogger(t *testing.T) *telemetry.Logger {
	t.Helper()

	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{
		Level:  "error",
		Format: "console",
		Output: "stderr",
	})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return logger
}

func newEstimator(t *testing.T) *Estimator {
	t.Helper()

	table, err := DefaultPricingTable()
	if err != nil {
		t.Fatalf("failed to load pricing: %v", err)
	}
	e, err := New(Options{Table: table, Provider: "aws", Region: "eu-west-1", Logger: testLogger(t)})
	if err != nil {
		t.Fatalf("failed to create estimator: %v", err)
	}
	return e
}

func approxEqual(a, b float64) bool {
	return math.Abs(a-b) < 0.001
}

func TestEstimateCreateUpdateDelete(t *testing.T) {
	e := newEstimator(t)

	changes := &engine.ChangeSet{
		WorkspaceID: "ws-1",
		Changes: []engine.ResourceChange{
			{
				ResourceID: "aws_instance.web",
				Type:       "aws_instance",
				Op:         engine.OpCreate,
				After:      map[string]interface{}{"instance_type": "m5.large"},
			},
			{
				ResourceID: "aws_instance.worker",
				Type:       "aws_instance",
				Op:         engine.OpUpdate,
				Before:     map[string]interface{}{"instance_type": "t3.micro"},
				After:      map[string]interface{}{"instance_type": "t3.medium"},
			},
			{
				ResourceID: "aws_nat_gateway.egress",
				Type:       "aws_nat_gateway",
				Op:         engine.OpDelete,
				Before:     map[string]interface{}{},
			},
		},
	}

	report, err := e.Estimate(context.Background(), changes)
	if err != nil {
		t.Fatalf("estimate failed: %v", err)
	}
	if len(report.Estimates) != 3 {
		t.Fatalf("estimates = %d, want 3", len(report.Estimates))
	}

	if got := report.Estimates[0]; !approxEqual(got.MonthlyDelta, 70.08) || got.Confidence != engine.ConfidenceExact {
		t.Errorf("create estimate = %+v", got)
	}
	if got := report.Estimates[1]; !approxEqual(got.MonthlyDelta, 30.37-7.59) {
		t.Errorf("update estimate = %+v", got)
	}
	if got := report.Estimates[2]; !approxEqual(got.MonthlyDelta, -32.85) {
		t.Errorf("delete estimate = %+v", got)
	}

	wantTotal := 70.08 + (30.37 - 7.59) - 32.85
	if !approxEqual(report.MonthlyTotal, wantTotal) {
		t.Errorf("total = %.2f, want %.2f", report.MonthlyTotal, wantTotal)
	}
}

func TestEstimateZeroNetChange(t *testing.T) {
	e := newEstimator(t)

	attrs := map[string]interface{}{"instance_type": "m5.large", "tags": map[string]interface{}{"env": "prod"}}
	changes := &engine.ChangeSet{
		WorkspaceID: "ws-1",
		Changes: []engine.ResourceChange{
			{ResourceID: "aws_instance.web", Type: "aws_instance", Op: engine.OpUpdate, Before: attrs, After: attrs},
			{ResourceID: "custom_thing.x", Type: "custom_thing", Op: engine.OpUpdate,
				Before: map[string]interface{}{"a": 1}, After: map[string]interface{}{"a": 2}},
		},
	}

	report, err := e.Estimate(context.Background(), changes)
	if err != nil {
		t.Fatalf("estimate failed: %v", err)
	}
	for _, estimate := range report.Estimates {
		if estimate.MonthlyDelta != 0 {
			t.Errorf("%s delta = %.2f, want 0", estimate.ResourceID, estimate.MonthlyDelta)
		}
	}
	if report.MonthlyTotal != 0 {
		t.Errorf("total = %.2f, want 0", report.MonthlyTotal)
	}
}

func TestEstimateUnknownTypeIsApproximate(t *testing.T) {
	e := newEstimator(t)

	changes := &engine.ChangeSet{
		WorkspaceID: "ws-1",
		Changes: []engine.ResourceChange{
			{ResourceID: "custom_widget.a", Type: "custom_widget", Op: engine.OpCreate,
				After: map[string]interface{}{"size": "huge"}},
		},
	}

	report, err := e.Estimate(context.Background(), changes)
	if err != nil {
		t.Fatalf("estimate failed: %v", err)
	}
	got := report.Estimates[0]
	if got.Confidence != engine.ConfidenceApproximate {
		t.Errorf("confidence = %s, want approximate", got.Confidence)
	}
	if got.MonthlyDelta != 0 {
		t.Errorf("delta = %.2f, want 0", got.MonthlyDelta)
	}
}

func TestEstimateMalformedChangeSet(t *testing.T) {
	e := newEstimator(t)

	if _, err := e.Estimate(context.Background(), nil); err == nil {
		t.Fatal("expected error for nil change-set")
	}

	changes := &engine.ChangeSet{
		WorkspaceID: "ws-1",
		Changes:     []engine.ResourceChange{{Type: "aws_instance", Op: engine.OpCreate}},
	}
	if _, err := e.Estimate(context.Background(), changes); err == nil {
		t.Fatal("expected error for change without resource id")
	}
}

func TestLookupFallsBackToTypeDefault(t *testing.T) {
	table, err := ParsePricing([]byte(`
entries:
  - provider: aws
    region: us-east-1
    resource_type: aws_instance
    sku: m5.large
    monthly: 68.00
  - provider: aws
    resource_type: aws_instance
    monthly: 50.00
`))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	if monthly, ok := table.Lookup("aws", "us-east-1", "aws_instance", "m5.large"); !ok || monthly != 68.00 {
		t.Errorf("exact lookup = %.2f, %v", monthly, ok)
	}
	// Unknown sku in an unknown region falls back to the type default.
	if monthly, ok := table.Lookup("aws", "eu-west-1", "aws_instance", "c5.metal"); !ok || monthly != 50.00 {
		t.Errorf("fallback lookup = %.2f, %v", monthly, ok)
	}
	if _, ok := table.Lookup("gcp", "", "aws_instance", ""); ok {
		t.Error("cross-provider lookup should miss")
	}
}

func TestParsePricingRejectsBadEntries(t *testing.T) {
	if _, err := ParsePricing([]byte("entries:\n  - region: us-east-1\n    monthly: 1\n")); err == nil {
		t.Error("expected error for missing provider and resource_type")
	}
	if _, err := ParsePricing([]byte("entries:\n  - provider: aws\n    resource_type: aws_instance\n    monthly: -1\n")); err == nil {
		t.Error("expected error for negative price")
	}
}

func TestCheckBudget(t *testing.T) {
	report := &engine.CostReport{WorkspaceID: "ws-1", MonthlyTotal: 620}

	err := CheckBudget(report, 500)
	var budgetErr *engine.BudgetExceededError
	if !errors.As(err, &budgetErr) {
		t.Fatalf("err = %v, want BudgetExceededError", err)
	}
	if budgetErr.BudgetMonthly != 500 || budgetErr.EstimatedMonthly != 620 {
		t.Errorf("budget error = %+v", budgetErr)
	}

	if err := CheckBudget(report, 1000); err != nil {
		t.Errorf("within budget, got %v", err)
	}
	// Zero disables the gate.
	if err := CheckBudget(report, 0); err != nil {
		t.Errorf("disabled gate, got %v", err)
	}
}
