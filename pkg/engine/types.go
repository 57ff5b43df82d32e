package engine

import (
	"encoding/json"
	"time"
)

// Severity is the shared severity scale for validation findings and
// drift records.
type Severity string

const (
	// SeverityInfo is for informational findings that never block.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityHigh is for findings that block under the default threshold.
	SeverityHigh Severity = "high"

	// SeverityCritical is for findings that must be addressed immediately.
	SeverityCritical Severity = "critical"
)

// rank orders severities for threshold comparison.
func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether s is at or above the given threshold.
func (s Severity) AtLeast(threshold Severity) bool {
	return s.rank() >= threshold.rank()
}

// Max returns the higher of two severities.
func (s Severity) Max(other Severity) Severity {
	if other.rank() > s.rank() {
		return other
	}
	return s
}

// Op is a planned resource operation.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// BackendConfig describes where a workspace's state lives and how it is
// locked. Generated deterministically by the provider variant.
type BackendConfig struct {
	// Store is the object-store location (bucket, container, ...).
	Store string `json:"store" yaml:"store"`

	// Prefix is the key prefix for state objects within the store.
	Prefix string `json:"prefix" yaml:"prefix"`

	// Region is the store region.
	Region string `json:"region" yaml:"region"`

	// CredentialsRef names the credentials used to reach the store.
	CredentialsRef string `json:"credentials_ref" yaml:"credentials_ref"`

	// Encrypt enables at-rest encryption for state objects.
	Encrypt bool `json:"encrypt" yaml:"encrypt"`

	// LockTable is the lock-record table or document reference.
	LockTable string `json:"lock_table" yaml:"lock_table"`
}

// Workspace is a declared configuration root bound to a provider identity.
// Created at first use; mutated only via configuration updates.
type Workspace struct {
	// ID is the unique workspace identifier.
	ID string `json:"id"`

	// Name is the human-readable workspace name.
	Name string `json:"name"`

	// ConfigRoot is the directory holding the declared configuration.
	ConfigRoot string `json:"config_root"`

	// Provider is the cloud provider name (e.g. "aws").
	Provider string `json:"provider"`

	// Region is the default provider region.
	Region string `json:"region"`

	// Backend describes the remote state location for this workspace.
	Backend BackendConfig `json:"backend"`

	// Variables are workspace-scoped input variables.
	Variables map[string]string `json:"variables,omitempty"`

	// VarFiles are additional variable files passed to the tool.
	VarFiles []string `json:"var_files,omitempty"`

	// Targets scopes plan/apply to the listed resource addresses.
	// Empty means the whole configuration. Set by remediation passes.
	Targets []string `json:"targets,omitempty"`

	// CreatedAt is when the workspace was first recorded.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the workspace configuration last changed.
	UpdatedAt time.Time `json:"updated_at"`
}

// StateResource is a single resource tracked in a state snapshot.
type StateResource struct {
	// ID is the resource address (e.g. "aws_instance.web").
	ID string `json:"id"`

	// Type is the resource type (e.g. "aws_instance").
	Type string `json:"type"`

	// Attributes are the tracked attribute values.
	Attributes map[string]interface{} `json:"attributes"`

	// Dependencies lists resource IDs this resource depends on.
	Dependencies []string `json:"dependencies,omitempty"`
}

// StateSnapshot is an immutable, versioned view of a workspace's
// infrastructure. Every successful write creates a new version.
type StateSnapshot struct {
	// WorkspaceID is the owning workspace.
	WorkspaceID string `json:"workspace_id"`

	// Version is the monotonically increasing snapshot version.
	Version int64 `json:"version"`

	// Lineage identifies the state history this snapshot belongs to.
	Lineage string `json:"lineage"`

	// Resources are the tracked resources, keyed by ID in Resource().
	Resources []StateResource `json:"resources"`

	// CreatedAt is when this version was written.
	CreatedAt time.Time `json:"created_at"`
}

// Resource returns the tracked resource with the given ID, or nil.
func (s *StateSnapshot) Resource(id string) *StateResource {
	for i := range s.Resources {
		if s.Resources[i].ID == id {
			return &s.Resources[i]
		}
	}
	return nil
}

// Lock is an exclusive, TTL-bounded hold on a workspace. At most one
// live lock exists per workspace.
type Lock struct {
	// WorkspaceID is the locked workspace.
	WorkspaceID string `json:"workspace_id"`

	// HolderID identifies the operator or process holding the lock.
	HolderID string `json:"holder_id"`

	// AcquiredAt is when the lock was granted.
	AcquiredAt time.Time `json:"acquired_at"`

	// TTL is how long the lock lives without renewal.
	TTL time.Duration `json:"ttl"`
}

// ExpiresAt returns the instant after which the lock may be reclaimed.
func (l *Lock) ExpiresAt() time.Time {
	return l.AcquiredAt.Add(l.TTL)
}

// Expired reports whether the lock has passed its TTL at the given time.
func (l *Lock) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt())
}

// Remaining returns the time left before expiry, floored at zero.
func (l *Lock) Remaining(now time.Time) time.Duration {
	d := l.ExpiresAt().Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// ResourceChange is one planned operation within a change-set.
type ResourceChange struct {
	// ResourceID is the resource address.
	ResourceID string `json:"resource_id"`

	// Type is the resource type.
	Type string `json:"type"`

	// Op is the planned operation.
	Op Op `json:"op"`

	// Before is the attribute set prior to the change (nil on create).
	Before map[string]interface{} `json:"before,omitempty"`

	// After is the attribute set after the change (nil on delete).
	After map[string]interface{} `json:"after,omitempty"`
}

// ChangeSet is the ordered list of operations computed by a plan.
// Immutable once produced.
type ChangeSet struct {
	// PlanID is the unique identifier for the plan that produced this set.
	PlanID string `json:"plan_id"`

	// WorkspaceID is the workspace the plan was computed for.
	WorkspaceID string `json:"workspace_id"`

	// Changes are the planned operations in tool order.
	Changes []ResourceChange `json:"changes"`

	// RawPlan preserves the tool's structured plan output for diagnostics.
	RawPlan json.RawMessage `json:"raw_plan,omitempty"`

	// CreatedAt is when the plan was computed.
	CreatedAt time.Time `json:"created_at"`
}

// Empty reports whether the change-set contains no operations.
func (c *ChangeSet) Empty() bool {
	return len(c.Changes) == 0
}

// ChangeSummary counts planned operations by kind.
type ChangeSummary struct {
	Create int `json:"create"`
	Update int `json:"update"`
	Delete int `json:"delete"`
}

// Summary returns operation counts for the change-set.
func (c *ChangeSet) Summary() ChangeSummary {
	var s ChangeSummary
	for _, ch := range c.Changes {
		switch ch.Op {
		case OpCreate:
			s.Create++
		case OpUpdate:
			s.Update++
		case OpDelete:
			s.Delete++
		}
	}
	return s
}

// OutcomeStatus is the per-resource result of an apply.
type OutcomeStatus string

const (
	OutcomeSucceeded OutcomeStatus = "succeeded"
	OutcomeFailed    OutcomeStatus = "failed"
	OutcomeSkipped   OutcomeStatus = "skipped"
)

// ResourceOutcome records what happened to one resource during apply.
type ResourceOutcome struct {
	// ResourceID is the resource address.
	ResourceID string `json:"resource_id"`

	// Op is the operation that was attempted.
	Op Op `json:"op"`

	// Status is the outcome for this resource.
	Status OutcomeStatus `json:"status"`

	// Error is the failure message when Status is failed.
	Error string `json:"error,omitempty"`
}

// ApplyStatus is the overall result of an apply run.
type ApplyStatus string

const (
	ApplySucceeded   ApplyStatus = "succeeded"
	ApplyPartial     ApplyStatus = "partial"
	ApplyFailed      ApplyStatus = "failed"
	ApplyInterrupted ApplyStatus = "interrupted"
)

// ApplyResult enumerates per-resource outcomes for an apply or destroy.
// Partial failures are reported here, never collapsed into a single error.
type ApplyResult struct {
	// RunID is the unique identifier for this run.
	RunID string `json:"run_id"`

	// WorkspaceID is the workspace the run operated on.
	WorkspaceID string `json:"workspace_id"`

	// Status is the overall run status.
	Status ApplyStatus `json:"status"`

	// Outcomes are the per-resource results.
	Outcomes []ResourceOutcome `json:"outcomes"`

	// StartedAt is when the run started.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the run finished or was interrupted.
	CompletedAt time.Time `json:"completed_at"`
}

// OutcomeCounts tallies per-resource outcomes.
type OutcomeCounts struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Counts returns outcome tallies for the result.
func (r *ApplyResult) Counts() OutcomeCounts {
	var c OutcomeCounts
	for _, o := range r.Outcomes {
		switch o.Status {
		case OutcomeSucceeded:
			c.Succeeded++
		case OutcomeFailed:
			c.Failed++
		case OutcomeSkipped:
			c.Skipped++
		}
	}
	return c
}

// DriftRecord is one divergence between recorded state and live reality.
// Producing a record never mutates infrastructure or stored state.
type DriftRecord struct {
	// ResourceID is the drifted resource address.
	ResourceID string `json:"resource_id"`

	// Field is the attribute that diverged.
	Field string `json:"field"`

	// Expected is the value recorded in the snapshot.
	Expected interface{} `json:"expected"`

	// Actual is the value observed live.
	Actual interface{} `json:"actual"`

	// Severity classifies the divergence.
	Severity Severity `json:"severity"`
}

// DriftReport aggregates drift detection output for a workspace.
// A resource whose live query failed appears in Errors, not Records.
type DriftReport struct {
	// WorkspaceID is the inspected workspace.
	WorkspaceID string `json:"workspace_id"`

	// SnapshotVersion is the state version drift was computed against.
	SnapshotVersion int64 `json:"snapshot_version"`

	// Records are the detected divergences.
	Records []DriftRecord `json:"records"`

	// Errors maps resource IDs to live-query failure messages.
	Errors map[string]string `json:"errors,omitempty"`

	// DetectedAt is when detection ran.
	DetectedAt time.Time `json:"detected_at"`
}

// Drifted reports whether any drift was found.
func (r *DriftReport) Drifted() bool {
	return len(r.Records) > 0
}

// ResourceIDs returns the distinct drifted resource IDs in record order.
func (r *DriftReport) ResourceIDs() []string {
	seen := make(map[string]bool)
	var ids []string
	for _, rec := range r.Records {
		if !seen[rec.ResourceID] {
			seen[rec.ResourceID] = true
			ids = append(ids, rec.ResourceID)
		}
	}
	return ids
}

// ValidationFinding is a single policy/security finding against declared
// configuration. Findings are deduplicated by (RuleID, ResourceID).
type ValidationFinding struct {
	// RuleID identifies the rule that fired.
	RuleID string `json:"rule_id"`

	// ResourceID is the offending resource address.
	ResourceID string `json:"resource_id"`

	// Severity is the finding severity.
	Severity Severity `json:"severity"`

	// Message is a human-readable description.
	Message string `json:"message"`
}

// Confidence qualifies a cost estimate.
type Confidence string

const (
	// ConfidenceExact means a pricing entry matched the resource.
	ConfidenceExact Confidence = "exact"

	// ConfidenceApproximate means no pricing entry exists for the type.
	ConfidenceApproximate Confidence = "approximate"
)

// CostEstimate is the priced impact of one planned resource operation.
type CostEstimate struct {
	// ResourceID is the resource address.
	ResourceID string `json:"resource_id"`

	// MonthlyDelta is new cost minus removed cost, per month.
	MonthlyDelta float64 `json:"monthly_delta"`

	// Confidence qualifies the estimate.
	Confidence Confidence `json:"confidence"`
}

// CostReport aggregates estimates for a change-set.
type CostReport struct {
	// WorkspaceID is the workspace the plan belongs to.
	WorkspaceID string `json:"workspace_id"`

	// Estimates are the per-resource estimates.
	Estimates []CostEstimate `json:"estimates"`

	// MonthlyTotal is the workspace-level monthly delta.
	MonthlyTotal float64 `json:"monthly_total"`
}

// CredentialStatus is the specific outcome of a credential check.
// Callers branch on the cause, so this is never collapsed to a bool.
type CredentialStatus string

const (
	CredentialsValid                  CredentialStatus = "valid"
	CredentialsExpired                CredentialStatus = "expired"
	CredentialsInsufficientPermission CredentialStatus = "insufficient_permission"
	CredentialsUnreachable            CredentialStatus = "unreachable"
)
