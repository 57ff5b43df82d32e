// Package engine defines the core types, error taxonomy, and retry policy
// shared by the quarry orchestration pipeline:
// validate -> estimate -> lock -> plan -> apply -> record -> release.
package engine

import (
	"errors"
	"fmt"
	"time"
)

// ErrorClass classifies an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed
	// on retry. Examples: network timeouts, provider blips.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates provider rate limiting or quota
	// exhaustion. Retried with a longer backoff.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a state conflict such as a lost lock
	// or a stale version. Retryable after re-reading current state.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error such as
	// malformed configuration or permission denied.
	ErrorClassPermanent ErrorClass = "permanent"
)

// ConfigError indicates malformed or inconsistent configuration.
// Always permanent.
type ConfigError struct {
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config: %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("config: %s", e.Message)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// NewConfigError creates a ConfigError.
func NewConfigError(message string, err error) *ConfigError {
	return &ConfigError{Message: message, Err: err}
}

// CredentialError reports a specific credential-check failure. The
// embedded status tells the caller the cause; Unreachable is transient,
// everything else is permanent.
type CredentialError struct {
	Provider string
	Status   CredentialStatus
	Err      error
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("credentials for provider %q: %s", e.Provider, e.Status)
}

func (e *CredentialError) Unwrap() error { return e.Err }

// Class returns the error class for the credential status.
func (e *CredentialError) Class() ErrorClass {
	if e.Status == CredentialsUnreachable {
		return ErrorClassTransient
	}
	return ErrorClassPermanent
}

// LockHeldError is returned when a live lock already exists on the
// workspace. Carries the current holder and remaining TTL so the caller
// can decide whether to wait.
type LockHeldError struct {
	WorkspaceID string
	Holder      string
	Remaining   time.Duration
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("workspace %s is locked by %s (expires in %s)",
		e.WorkspaceID, e.Holder, e.Remaining.Round(time.Second))
}

// LockRequiredError is returned when a mutating operation is attempted
// without a valid, unexpired lock.
type LockRequiredError struct {
	WorkspaceID string
}

func (e *LockRequiredError) Error() string {
	return fmt.Sprintf("workspace %s: operation requires a valid lock", e.WorkspaceID)
}

// VersionConflictError is returned when a state write supplies a stale
// expected version. The write is rejected whole; no partial write occurs.
type VersionConflictError struct {
	WorkspaceID string
	Expected    int64
	Current     int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("workspace %s: state version conflict (expected %d, current %d)",
		e.WorkspaceID, e.Expected, e.Current)
}

// ProvisioningError wraps a failure of the external provisioning tool.
// RawOutput preserves the tool's output for diagnostics; Result carries
// per-resource partial outcomes when the failure happened mid-apply.
type ProvisioningError struct {
	// Phase is the operation that failed: plan, apply, or destroy.
	Phase string

	// ErrClass classifies the failure for retry logic.
	ErrClass ErrorClass

	// Message is the human-readable summary.
	Message string

	// RawOutput is the tool's raw output, preserved verbatim.
	RawOutput string

	// Result carries partial per-resource outcomes, if known.
	Result *ApplyResult

	// Err is the underlying error.
	Err error
}

func (e *ProvisioningError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] provisioning %s failed: %s: %v", e.ErrClass, e.Phase, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] provisioning %s failed: %s", e.ErrClass, e.Phase, e.Message)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// Class returns the error class.
func (e *ProvisioningError) Class() ErrorClass { return e.ErrClass }

// NewProvisioningError creates a ProvisioningError for the given phase.
func NewProvisioningError(phase string, class ErrorClass, message string, err error) *ProvisioningError {
	return &ProvisioningError{Phase: phase, ErrClass: class, Message: message, Err: err}
}

// WithRawOutput attaches the tool's raw output.
func (e *ProvisioningError) WithRawOutput(out string) *ProvisioningError {
	e.RawOutput = out
	return e
}

// WithResult attaches partial per-resource outcomes.
func (e *ProvisioningError) WithResult(result *ApplyResult) *ProvisioningError {
	e.Result = result
	return e
}

// MalformedOutputError indicates the tool exited successfully but its
// structured output could not be decoded. Distinct from tool failure.
type MalformedOutputError struct {
	Phase  string
	Detail string
	Err    error
}

func (e *MalformedOutputError) Error() string {
	return fmt.Sprintf("malformed %s output: %s", e.Phase, e.Detail)
}

func (e *MalformedOutputError) Unwrap() error { return e.Err }

// ValidationError blocks the pipeline when findings at or above the
// threshold exist. Carries the full finding set for operator triage.
type ValidationError struct {
	Threshold Severity
	Findings  []ValidationFinding
}

func (e *ValidationError) Error() string {
	blocking := 0
	for _, f := range e.Findings {
		if f.Severity.AtLeast(e.Threshold) {
			blocking++
		}
	}
	return fmt.Sprintf("validation failed: %d finding(s) at or above %s (%d total)",
		blocking, e.Threshold, len(e.Findings))
}

// BudgetExceededError blocks apply when the estimated monthly delta
// exceeds the configured budget, unless explicitly overridden.
type BudgetExceededError struct {
	BudgetMonthly    float64
	EstimatedMonthly float64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("estimated monthly delta $%.2f exceeds budget $%.2f",
		e.EstimatedMonthly, e.BudgetMonthly)
}

// DriftDetectedError is informational: drift exists between the snapshot
// and live infrastructure. Never fatal and never auto-corrected.
type DriftDetectedError struct {
	WorkspaceID string
	Records     []DriftRecord
}

func (e *DriftDetectedError) Error() string {
	return fmt.Sprintf("workspace %s: %d drifted attribute(s) detected", e.WorkspaceID, len(e.Records))
}

// classifier is implemented by errors that carry an ErrorClass.
type classifier interface {
	Class() ErrorClass
}

// ClassOf returns the error class for err, defaulting to permanent.
func ClassOf(err error) ErrorClass {
	var c classifier
	if errors.As(err, &c) {
		return c.Class()
	}
	var lockHeld *LockHeldError
	var conflict *VersionConflictError
	if errors.As(err, &lockHeld) || errors.As(err, &conflict) {
		return ErrorClassConflict
	}
	return ErrorClassPermanent
}

// IsTransient reports whether err is classified transient.
func IsTransient(err error) bool { return ClassOf(err) == ErrorClassTransient }

// IsThrottled reports whether err is classified throttled.
func IsThrottled(err error) bool { return ClassOf(err) == ErrorClassThrottled }

// IsConflict reports whether err is classified as a conflict.
// Lock and version conflicts are always retryable after re-reading state.
func IsConflict(err error) bool { return ClassOf(err) == ErrorClassConflict }

// IsRetryable reports whether err may succeed on retry.
func IsRetryable(err error) bool {
	switch ClassOf(err) {
	case ErrorClassTransient, ErrorClassThrottled, ErrorClassConflict:
		return true
	default:
		return false
	}
}
