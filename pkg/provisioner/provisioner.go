// Package provisioner wraps the external provisioning tool subprocess.
// The tool is the only thing that talks to provider APIs for mutations;
// this package invokes it with a fixed argument contract, decodes its
// structured output, and translates failures into the engine error
// taxonomy.
package provisioner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quarryhq/quarry/pkg/engine"
	"github.com/quarryhq/quarry/pkg/telemetry"
)

// LockChecker verifies a lock is live before a mutating invocation.
type LockChecker interface {
	CheckLock(ctx context.Context, lock *engine.Lock) error
}

// Options configures a Tool.
type Options struct {
	// Binary is the tool executable name or path.
	Binary string

	// PlanTimeout bounds a single plan invocation.
	PlanTimeout time.Duration

	// ApplyTimeout bounds a single apply or destroy invocation.
	ApplyTimeout time.Duration

	// Env are extra environment variables for the subprocess, merged
	// over the current process environment.
	Env map[string]string

	// Retry governs plan retries. Apply is never retried: a failed
	// apply may have partially mutated infrastructure.
	Retry engine.RetryPolicy

	// Locks verifies lock liveness before apply and destroy.
	Locks LockChecker

	// Logger receives structured invocation logs.
	Logger *telemetry.Logger

	// Metrics records invocation counts and durations. Optional.
	Metrics *telemetry.Metrics
}

// Tool drives the external provisioning tool. Implements
// engine.Provisioner.
type Tool struct {
	binary       string
	planTimeout  time.Duration
	applyTimeout time.Duration
	env          map[string]string
	retry        engine.RetryPolicy
	locks        LockChecker
	logger       *telemetry.Logger
	metrics      *telemetry.Metrics
}

// New creates a Tool from options, applying defaults.
func New(opts Options) (*Tool, error) {
	if opts.Locks == nil {
		return nil, fmt.Errorf("lock checker is required")
	}
	if opts.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	binary := opts.Binary
	if binary == "" {
		binary = "terraform"
	}
	planTimeout := opts.PlanTimeout
	if planTimeout <= 0 {
		planTimeout = 10 * time.Minute
	}
	applyTimeout := opts.ApplyTimeout
	if applyTimeout <= 0 {
		applyTimeout = 60 * time.Minute
	}
	retry := opts.Retry
	if retry.MaxAttempts == 0 {
		retry = engine.DefaultRetryPolicy()
	}
	return &Tool{
		binary:       binary,
		planTimeout:  planTimeout,
		applyTimeout: applyTimeout,
		env:          opts.Env,
		retry:        retry,
		locks:        opts.Locks,
		logger:       opts.Logger.NewComponentLogger("provisioner"),
		metrics:      opts.Metrics,
	}, nil
}

// Plan computes the change-set for the workspace's declared config.
// The invocation is read-only against infrastructure and is retried on
// transient and throttled failures.
func (t *Tool) Plan(ctx context.Context, ws *engine.Workspace) (*engine.ChangeSet, error) {
	var changes *engine.ChangeSet

	err := t.retry.Do(ctx, func(ctx context.Context) error {
		out, err := t.invoke(ctx, ws, t.planTimeout, t.planArgs(ws)...)
		if err != nil {
			return err
		}
		cs, err := decodePlan(out)
		if err != nil {
			return err
		}
		cs.PlanID = uuid.New().String()
		cs.WorkspaceID = ws.ID
		cs.CreatedAt = time.Now()
		changes = cs
		return nil
	})
	if err != nil {
		return nil, err
	}

	summary := changes.Summary()
	t.logger.WithWorkspace(ws.ID).Infof("plan computed: %d create, %d update, %d delete",
		summary.Create, summary.Update, summary.Delete)
	return changes, nil
}

// Apply executes a change-set. The caller must hold a valid, unexpired
// lock for the workspace. Never retried.
func (t *Tool) Apply(ctx context.Context, ws *engine.Workspace, changes *engine.ChangeSet, lock *engine.Lock) (*engine.ApplyResult, error) {
	if err := t.locks.CheckLock(ctx, lock); err != nil {
		return nil, err
	}
	return t.run(ctx, ws, "apply", t.applyArgs(ws))
}

// Destroy tears down all managed resources under the same lock
// discipline as Apply.
func (t *Tool) Destroy(ctx context.Context, ws *engine.Workspace, lock *engine.Lock) (*engine.ApplyResult, error) {
	if err := t.locks.CheckLock(ctx, lock); err != nil {
		return nil, err
	}
	return t.run(ctx, ws, "destroy", t.destroyArgs(ws))
}

// run executes a mutating invocation and decodes its event stream.
// Partial per-resource outcomes are preserved on failure; they are
// never collapsed into a single opaque error.
func (t *Tool) run(ctx context.Context, ws *engine.Workspace, phase string, args []string) (*engine.ApplyResult, error) {
	started := time.Now()
	runID := uuid.New().String()

	log := t.logger.WithWorkspace(ws.ID).WithRunID(runID)
	log.Infof("starting %s", phase)

	out, invokeErr := t.invoke(ctx, ws, t.applyTimeout, args...)

	outcomes, streamErr := decodeEventStream(out, phase)

	result := &engine.ApplyResult{
		RunID:       runID,
		WorkspaceID: ws.ID,
		Outcomes:    outcomes,
		StartedAt:   started,
		CompletedAt: time.Now(),
	}
	result.Status = applyStatus(outcomes, invokeErr, ctx.Err())

	if ctx.Err() != nil {
		log.Warnf("%s interrupted: %v", phase, ctx.Err())
		return result, engine.NewProvisioningError(phase, engine.ErrorClassTransient,
			"interrupted", ctx.Err()).WithResult(result)
	}
	if invokeErr != nil {
		var provErr *engine.ProvisioningError
		if errors.As(invokeErr, &provErr) {
			return result, provErr.WithResult(result)
		}
		return result, engine.NewProvisioningError(phase, engine.ErrorClassPermanent,
			"tool invocation failed", invokeErr).WithResult(result)
	}
	if streamErr != nil {
		return result, streamErr
	}

	counts := result.Counts()
	log.Infof("%s finished: %s (%d succeeded, %d failed, %d skipped)",
		phase, result.Status, counts.Succeeded, counts.Failed, counts.Skipped)
	return result, nil
}

// applyStatus derives the overall run status from per-resource
// outcomes and the invocation error.
func applyStatus(outcomes []engine.ResourceOutcome, invokeErr, ctxErr error) engine.ApplyStatus {
	if ctxErr != nil {
		return engine.ApplyInterrupted
	}

	var succeeded, failed int
	for _, o := range outcomes {
		switch o.Status {
		case engine.OutcomeSucceeded:
			succeeded++
		case engine.OutcomeFailed:
			failed++
		}
	}

	switch {
	case invokeErr == nil && failed == 0:
		return engine.ApplySucceeded
	case succeeded > 0:
		return engine.ApplyPartial
	default:
		return engine.ApplyFailed
	}
}

func (t *Tool) planArgs(ws *engine.Workspace) []string {
	args := []string{"plan", "-chdir=" + ws.ConfigRoot, "-json"}
	return append(args, t.varArgs(ws)...)
}

func (t *Tool) applyArgs(ws *engine.Workspace) []string {
	args := []string{"apply", "-chdir=" + ws.ConfigRoot, "-json", "-auto-approve"}
	return append(args, t.varArgs(ws)...)
}

func (t *Tool) destroyArgs(ws *engine.Workspace) []string {
	args := []string{"destroy", "-chdir=" + ws.ConfigRoot, "-json", "-auto-approve"}
	return append(args, t.varArgs(ws)...)
}

func (t *Tool) varArgs(ws *engine.Workspace) []string {
	var args []string
	for _, vf := range ws.VarFiles {
		args = append(args, "-var-file="+vf)
	}
	for k, v := range ws.Variables {
		args = append(args, fmt.Sprintf("-var=%s=%s", k, v))
	}
	for _, target := range ws.Targets {
		args = append(args, "-target="+target)
	}
	return args
}

// invoke runs one subprocess invocation, returning stdout. Failures
// are classified from the tool's stderr.
func (t *Tool) invoke(ctx context.Context, ws *engine.Workspace, timeout time.Duration, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	phase := args[0]
	start := time.Now()

	cmd := exec.CommandContext(ctx, t.binary, args...)
	cmd.Env = t.environ(ws)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	duration := time.Since(start)

	result := "success"
	if err != nil {
		result = "failure"
	}
	t.metrics.RecordToolInvocation(phase, result, duration)
	t.logger.WithWorkspace(ws.ID).Debugf("%s %s took %s", t.binary, phase, duration.Round(time.Millisecond))

	if err != nil {
		if ctx.Err() != nil {
			return stdout.Bytes(), engine.NewProvisioningError(phase, engine.ErrorClassTransient,
				"invocation timed out or was cancelled", ctx.Err()).
				WithRawOutput(stderr.String())
		}
		return stdout.Bytes(), engine.NewProvisioningError(phase, classifyOutput(stderr.String()),
			fmt.Sprintf("%s exited with an error", t.binary), err).
			WithRawOutput(stderr.String())
	}
	return stdout.Bytes(), nil
}

func (t *Tool) environ(ws *engine.Workspace) []string {
	env := os.Environ()
	for k, v := range t.env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	env = append(env, "QUARRY_WORKSPACE="+ws.ID)
	return env
}

// classifyOutput maps tool stderr to an error class. Rate limiting and
// connectivity failures are retryable; everything else is permanent.
func classifyOutput(stderr string) engine.ErrorClass {
	lower := strings.ToLower(stderr)
	switch {
	case strings.Contains(lower, "throttl"),
		strings.Contains(lower, "rate limit"),
		strings.Contains(lower, "rate exceeded"),
		strings.Contains(lower, "too many requests"),
		strings.Contains(lower, "quota exceeded"):
		return engine.ErrorClassThrottled
	case strings.Contains(lower, "timeout"),
		strings.Contains(lower, "timed out"),
		strings.Contains(lower, "connection refused"),
		strings.Contains(lower, "connection reset"),
		strings.Contains(lower, "temporarily unavailable"),
		strings.Contains(lower, "no such host"),
		strings.Contains(lower, "service unavailable"):
		return engine.ErrorClassTransient
	default:
		return engine.ErrorClassPermanent
	}
}
