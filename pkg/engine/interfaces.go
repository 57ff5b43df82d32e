package engine

import (
	"context"
	"time"
)

// Provisioner executes plan/apply/destroy against the external
// provisioning tool and parses its structured output.
type Provisioner interface {
	// Plan computes the change-set for the workspace's declared config.
	Plan(ctx context.Context, ws *Workspace) (*ChangeSet, error)

	// Apply executes a change-set. The caller must hold a valid,
	// unexpired lock for the workspace or Apply fails with LockRequired.
	Apply(ctx context.Context, ws *Workspace, changes *ChangeSet, lock *Lock) (*ApplyResult, error)

	// Destroy tears down all managed resources under the same lock
	// discipline as Apply.
	Destroy(ctx context.Context, ws *Workspace, lock *Lock) (*ApplyResult, error)
}

// StateStore is the versioned, lockable storage for state snapshots.
type StateStore interface {
	// AcquireLock atomically grants an exclusive lock, or fails with
	// LockHeld carrying the current holder and remaining TTL.
	AcquireLock(ctx context.Context, workspaceID, holder string, ttl time.Duration) (*Lock, error)

	// RenewLock extends a held lock's TTL. Fails once the lock expired
	// or changed hands.
	RenewLock(ctx context.Context, lock *Lock, ttl time.Duration) (*Lock, error)

	// ReleaseLock destroys the lock if still held by the caller.
	ReleaseLock(ctx context.Context, lock *Lock) error

	// CheckLock verifies the lock is still live and held by its holder,
	// returning LockRequired otherwise.
	CheckLock(ctx context.Context, lock *Lock) error

	// Read returns the latest committed snapshot for the workspace.
	Read(ctx context.Context, workspaceID string) (*StateSnapshot, error)

	// ReadVersion returns a specific retained snapshot version.
	ReadVersion(ctx context.Context, workspaceID string, version int64) (*StateSnapshot, error)

	// Write commits a new snapshot version using optimistic concurrency:
	// expectedVersion must equal the latest stored version or the write
	// is rejected whole with VersionConflict.
	Write(ctx context.Context, workspaceID string, snapshot *StateSnapshot, expectedVersion int64) (int64, error)

	// SaveWorkspace creates or updates a workspace record.
	SaveWorkspace(ctx context.Context, ws *Workspace) error

	// GetWorkspace retrieves a workspace by ID.
	GetWorkspace(ctx context.Context, id string) (*Workspace, error)

	// SaveRun persists an apply result for later reconciliation.
	SaveRun(ctx context.Context, result *ApplyResult) error

	// GetRun retrieves a persisted apply result by run ID.
	GetRun(ctx context.Context, runID string) (*ApplyResult, error)

	// SetPendingReconcile flags the workspace as requiring drift
	// detection before the next mutating operation.
	SetPendingReconcile(ctx context.Context, workspaceID string, pending bool) error

	// PendingReconcile reports whether the flag is set.
	PendingReconcile(ctx context.Context, workspaceID string) (bool, error)
}

// LiveReader reads current attribute values from live infrastructure.
// Implementations must be read-only: no mutating provider API may be
// called from a LiveReader.
type LiveReader interface {
	ReadLive(ctx context.Context, ws *Workspace, resource StateResource) (map[string]interface{}, error)
}

// DriftDetector compares the committed snapshot to live reality.
type DriftDetector interface {
	Detect(ctx context.Context, ws *Workspace) (*DriftReport, error)
}

// Validator runs policy/security checks against declared configuration.
// It never touches live infrastructure.
type Validator interface {
	Validate(ctx context.Context, ws *Workspace) ([]ValidationFinding, error)
}

// CostEstimator prices a change-set before it is applied.
type CostEstimator interface {
	Estimate(ctx context.Context, changes *ChangeSet) (*CostReport, error)
}

// NamingConstraints are the resource naming rules a provider enforces.
type NamingConstraints struct {
	// MaxLength is the maximum resource name length.
	MaxLength int `json:"max_length"`

	// Pattern is the regular expression names must match.
	Pattern string `json:"pattern"`

	// Lowercase requires names to be lowercase.
	Lowercase bool `json:"lowercase"`
}

// CloudProvider is the uniform credential/backend capability set over
// provider variants. One variant per supported cloud, selected once at
// workspace construction.
type CloudProvider interface {
	// Name returns the provider name (e.g. "aws").
	Name() string

	// ValidateCredentials checks reachability and permission of the
	// configured credentials. The status is always specific; callers
	// branch on the cause.
	ValidateCredentials(ctx context.Context) (CredentialStatus, error)

	// GenerateBackendConfig derives the backend descriptor for a
	// workspace. Pure and deterministic: no I/O.
	GenerateBackendConfig(ws *Workspace) BackendConfig

	// NamingConstraints returns the provider's naming rules.
	NamingConstraints() NamingConstraints
}
