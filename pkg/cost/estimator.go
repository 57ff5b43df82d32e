package cost

import (
	"context"
	"fmt"

	"github.com/quarryhq/quarry/pkg/engine"
	"github.com/quarryhq/quarry/pkg/telemetry"
)

// skuAttributes are the resource attributes consulted, in order, to
// derive the pricing SKU dimension.
var skuAttributes = []string{"instance_type", "sku", "size", "machine_type", "tier"}

// Options configures an Estimator.
type Options struct {
	// Table is the pricing table. Required.
	Table *PricingTable

	// Provider is the cloud provider prices are resolved against.
	Provider string

	// Region is the provider region prices are resolved against.
	Region string

	// Logger is required.
	Logger *telemetry.Logger
}

// Estimator prices change-sets against a pricing table. Missing
// pricing data degrades the estimate's confidence instead of failing.
type Estimator struct {
	table    *PricingTable
	provider string
	region   string
	logger   *telemetry.Logger
}

// New creates an Estimator.
func New(opts Options) (*Estimator, error) {
	if opts.Table == nil {
		return nil, fmt.Errorf("pricing table is required")
	}
	if opts.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	return &Estimator{
		table:    opts.Table,
		provider: opts.Provider,
		region:   opts.Region,
		logger:   opts.Logger.NewComponentLogger("cost"),
	}, nil
}

// Estimate implements engine.CostEstimator. Each planned operation is
// priced as new cost minus removed cost per month. Resources with no
// pricing entry still produce an estimate, flagged approximate.
func (e *Estimator) Estimate(ctx context.Context, changes *engine.ChangeSet) (*engine.CostReport, error) {
	if changes == nil {
		return nil, fmt.Errorf("change-set is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	report := &engine.CostReport{
		WorkspaceID: changes.WorkspaceID,
		Estimates:   make([]engine.CostEstimate, 0, len(changes.Changes)),
	}

	for i := range changes.Changes {
		change := &changes.Changes[i]
		if change.ResourceID == "" {
			return nil, fmt.Errorf("change %d has no resource id", i)
		}

		estimate := e.price(change)
		report.Estimates = append(report.Estimates, estimate)
		report.MonthlyTotal += estimate.MonthlyDelta
	}

	e.logger.Infof("estimated %d changes for %s: %.2f/mo delta",
		len(report.Estimates), changes.WorkspaceID, report.MonthlyTotal)
	return report, nil
}

// price computes one resource's monthly delta. A side that is absent
// (nil attributes on create or delete) costs nothing.
func (e *Estimator) price(change *engine.ResourceChange) engine.CostEstimate {
	estimate := engine.CostEstimate{
		ResourceID: change.ResourceID,
		Confidence: engine.ConfidenceExact,
	}

	removed, removedOK := e.side(change.Type, change.Before)
	added, addedOK := e.side(change.Type, change.After)
	if !removedOK || !addedOK {
		estimate.Confidence = engine.ConfidenceApproximate
	}
	estimate.MonthlyDelta = added - removed
	return estimate
}

// side prices one side of a change. Nil attributes mean the resource
// does not exist on that side and price as zero with full confidence.
func (e *Estimator) side(resourceType string, attrs map[string]interface{}) (float64, bool) {
	if attrs == nil {
		return 0, true
	}
	monthly, ok := e.table.Lookup(e.provider, e.region, resourceType, skuOf(attrs))
	return monthly, ok
}

// skuOf derives the SKU dimension from resource attributes.
func skuOf(attrs map[string]interface{}) string {
	for _, key := range skuAttributes {
		if v, ok := attrs[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// CheckBudget compares a report against a monthly budget. A zero or
// negative budget disables the gate.
func CheckBudget(report *engine.CostReport, budgetMonthly float64) error {
	if budgetMonthly <= 0 {
		return nil
	}
	if report.MonthlyTotal > budgetMonthly {
		return &engine.BudgetExceededError{
			BudgetMonthly:    budgetMonthly,
			EstimatedMonthly: report.MonthlyTotal,
		}
	}
	return nil
}
