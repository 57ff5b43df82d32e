// Package orchestrator sequences the pipeline: validate, estimate
// cost, acquire lock, plan, apply, record, release lock. Every gate is
// fail-closed; a failed stage stops the pipeline with its typed error
// and whatever partial results exist.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/quarryhq/quarry/pkg/cost"
	"github.com/quarryhq/quarry/pkg/engine"
	"github.com/quarryhq/quarry/pkg/telemetry"
)

// Options configures an Orchestrator.
type Options struct {
	// Store is the state manager. Required.
	Store engine.StateStore

	// Provisioner drives the external tool. Required.
	Provisioner engine.Provisioner

	// Validator gates the pipeline on policy findings. Required.
	Validator engine.Validator

	// Estimator prices change-sets. Required.
	Estimator engine.CostEstimator

	// Detector compares snapshots to live infrastructure. Required.
	Detector engine.DriftDetector

	// Provider is the workspace's cloud provider. Required.
	Provider engine.CloudProvider

	// Holder identifies this process in locks. Defaults to
	// hostname/pid.
	Holder string

	// LockTTL is the lock lifetime. Renewed at a third of this
	// interval while a run is in flight. Defaults to 5 minutes.
	LockTTL time.Duration

	// BudgetMonthly blocks apply when the estimated monthly delta
	// exceeds it. Zero disables the gate.
	BudgetMonthly float64

	// Logger is required.
	Logger *telemetry.Logger

	// Metrics is optional.
	Metrics *telemetry.Metrics

	// Tracer is optional. When set, every pipeline run and stage gets
	// a span.
	Tracer *telemetry.Tracer
}

// ProvisionOptions are per-invocation pipeline switches.
type ProvisionOptions struct {
	// OverrideBudget lets the run proceed past a failed budget gate.
	// The estimate is still computed and reported.
	OverrideBudget bool
}

// Result carries everything a pipeline run produced, including partial
// results from a failed run.
type Result struct {
	// Findings are the validation findings, blocking or not.
	Findings []engine.ValidationFinding `json:"findings,omitempty"`

	// Cost is the priced change-set.
	Cost *engine.CostReport `json:"cost,omitempty"`

	// Changes is the change-set the run applied (or would apply).
	Changes *engine.ChangeSet `json:"changes,omitempty"`

	// Apply is the apply result, possibly partial.
	Apply *engine.ApplyResult `json:"apply,omitempty"`

	// StateVersion is the snapshot version the run committed, zero if
	// nothing was written.
	StateVersion int64 `json:"state_version,omitempty"`
}

// ReconcileRequiredError refuses a mutating operation on a workspace
// whose last run was interrupted. Drift detection must run first so the
// recorded state is reconciled with reality.
type ReconcileRequiredError struct {
	WorkspaceID string
}

func (e *ReconcileRequiredError) Error() string {
	return fmt.Sprintf("workspace %s has an interrupted run on record; run detect-drift before provisioning again", e.WorkspaceID)
}

// Orchestrator wires the components into the pipeline.
type Orchestrator struct {
	store       engine.StateStore
	provisioner engine.Provisioner
	validator   engine.Validator
	estimator   engine.CostEstimator
	detector    engine.DriftDetector
	provider    engine.CloudProvider
	holder      string
	lockTTL     time.Duration
	budget      float64
	logger      *telemetry.Logger
	metrics     *telemetry.Metrics
	tracer      *telemetry.Tracer
}

// New creates an Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil || opts.Provisioner == nil || opts.Validator == nil ||
		opts.Estimator == nil || opts.Detector == nil || opts.Provider == nil {
		return nil, fmt.Errorf("store, provisioner, validator, estimator, detector and provider are required")
	}
	if opts.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	holder := opts.Holder
	if holder == "" {
		hostname, _ := os.Hostname()
		holder = fmt.Sprintf("%s/%d", hostname, os.Getpid())
	}
	ttl := opts.LockTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Orchestrator{
		store:       opts.Store,
		provisioner: opts.Provisioner,
		validator:   opts.Validator,
		estimator:   opts.Estimator,
		detector:    opts.Detector,
		provider:    opts.Provider,
		holder:      holder,
		lockTTL:     ttl,
		budget:      opts.BudgetMonthly,
		logger:      opts.Logger.NewComponentLogger("orchestrator"),
		metrics:     opts.Metrics,
		tracer:      opts.Tracer,
	}, nil
}

// startSpan opens a pipeline span, or piggybacks on the ambient span
// when tracing is not configured.
func (o *Orchestrator) startSpan(ctx context.Context, operation, workspaceID string) (context.Context, trace.Span) {
	if o.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return o.tracer.StartPipelineSpan(ctx, operation, workspaceID)
}

func (o *Orchestrator) stage(ctx context.Context, name string) (context.Context, trace.Span) {
	if o.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return o.tracer.StartStageSpan(ctx, name)
}

// Provision runs the full pipeline for the workspace.
func (o *Orchestrator) Provision(ctx context.Context, ws *engine.Workspace, opts ProvisionOptions) (*Result, error) {
	ctx, span := o.startSpan(ctx, "provision", ws.ID)
	defer span.End()

	start := time.Now()
	result, err := o.provision(ctx, ws, opts)
	o.metrics.RecordPipelineRun("provision", outcomeLabel(err), time.Since(start))
	recordSpan(span, err)
	return result, err
}

func (o *Orchestrator) provision(ctx context.Context, ws *engine.Workspace, opts ProvisionOptions) (*Result, error) {
	log := o.logger.WithWorkspace(ws.ID)
	result := &Result{}

	if err := o.preflight(ctx, ws); err != nil {
		return result, err
	}

	stageCtx, stageSpan := o.stage(ctx, "validate")
	findings, err := o.validator.Validate(stageCtx, ws)
	stageSpan.End()
	result.Findings = findings
	if err != nil {
		return result, err
	}

	// Speculative plan: read-only, no lock, feeds the cost gate.
	stageCtx, stageSpan = o.stage(ctx, "plan")
	changes, err := o.provisioner.Plan(stageCtx, ws)
	stageSpan.End()
	if err != nil {
		return result, err
	}
	result.Changes = changes

	stageCtx, stageSpan = o.stage(ctx, "estimate")
	report, err := o.estimator.Estimate(stageCtx, changes)
	stageSpan.End()
	if err != nil {
		return result, err
	}
	result.Cost = report

	if err := cost.CheckBudget(report, o.budget); err != nil {
		if !opts.OverrideBudget {
			o.metrics.RecordBudgetRejection()
			return result, err
		}
		log.Warnf("budget gate overridden: %v", err)
	}

	if changes.Empty() {
		log.Infof("no changes to apply")
		return result, nil
	}

	return o.mutate(ctx, ws, result, func(ctx context.Context, lock *engine.Lock) (*engine.ApplyResult, error) {
		// Authoritative plan under the lock. The speculative set may
		// be stale if another holder wrote state in between.
		locked, err := o.provisioner.Plan(ctx, ws)
		if err != nil {
			return nil, err
		}
		result.Changes = locked
		if locked.Empty() {
			return nil, nil
		}
		return o.provisioner.Apply(ctx, ws, locked, lock)
	})
}

// Destroy tears down all managed resources under the same lock and
// record discipline as Provision.
func (o *Orchestrator) Destroy(ctx context.Context, ws *engine.Workspace) (*Result, error) {
	ctx, span := o.startSpan(ctx, "destroy", ws.ID)
	defer span.End()

	start := time.Now()
	result, err := o.destroy(ctx, ws)
	o.metrics.RecordPipelineRun("destroy", outcomeLabel(err), time.Since(start))
	recordSpan(span, err)
	return result, err
}

func (o *Orchestrator) destroy(ctx context.Context, ws *engine.Workspace) (*Result, error) {
	result := &Result{}
	if err := o.preflight(ctx, ws); err != nil {
		return result, err
	}
	return o.mutate(ctx, ws, result, func(ctx context.Context, lock *engine.Lock) (*engine.ApplyResult, error) {
		return o.provisioner.Destroy(ctx, ws, lock)
	})
}

// Detect runs drift detection. Read-only and lock-free: it may run
// concurrently with an in-progress apply, against the last committed
// snapshot. A clean pass also clears the pending-reconcile flag.
func (o *Orchestrator) Detect(ctx context.Context, ws *engine.Workspace) (*engine.DriftReport, error) {
	ctx, span := o.startSpan(ctx, "detect", ws.ID)
	defer span.End()

	start := time.Now()
	report, err := o.detect(ctx, ws)
	o.metrics.RecordPipelineRun("detect", outcomeLabel(err), time.Since(start))
	recordSpan(span, err)
	return report, err
}

func (o *Orchestrator) detect(ctx context.Context, ws *engine.Workspace) (*engine.DriftReport, error) {
	if err := o.store.SaveWorkspace(ctx, ws); err != nil {
		return nil, err
	}
	report, err := o.detector.Detect(ctx, ws)
	if err != nil {
		return nil, err
	}
	if err := o.store.SetPendingReconcile(ctx, ws.ID, false); err != nil {
		o.logger.WithWorkspace(ws.ID).Warnf("failed to clear reconcile flag: %v", err)
	}
	if report.Drifted() {
		o.logger.WithWorkspace(ws.ID).Warnf("drift detected: %d record(s) across %d resource(s)",
			len(report.Records), len(report.ResourceIDs()))
	}
	return report, nil
}

// Remediate re-enters the pipeline scoped to the given resources,
// typically the drifted IDs from a Detect report. Never triggered
// automatically.
func (o *Orchestrator) Remediate(ctx context.Context, ws *engine.Workspace, resourceIDs []string, opts ProvisionOptions) (*Result, error) {
	if len(resourceIDs) == 0 {
		return nil, fmt.Errorf("remediation requires at least one resource id")
	}
	scoped := *ws
	scoped.Targets = append([]string(nil), resourceIDs...)

	ctx, span := o.startSpan(ctx, "remediate", ws.ID)
	defer span.End()

	start := time.Now()
	result, err := o.provision(ctx, &scoped, opts)
	o.metrics.RecordPipelineRun("remediate", outcomeLabel(err), time.Since(start))
	recordSpan(span, err)
	return result, err
}

// preflight runs the gates shared by every mutating operation:
// credentials must check out, the workspace record is up to date, and
// no interrupted run may be pending reconciliation.
func (o *Orchestrator) preflight(ctx context.Context, ws *engine.Workspace) error {
	status, err := o.provider.ValidateCredentials(ctx)
	if err != nil {
		return &engine.CredentialError{Provider: o.provider.Name(), Status: status, Err: err}
	}
	if status != engine.CredentialsValid {
		return &engine.CredentialError{Provider: o.provider.Name(), Status: status}
	}

	if err := o.store.SaveWorkspace(ctx, ws); err != nil {
		return err
	}

	pending, err := o.store.PendingReconcile(ctx, ws.ID)
	if err != nil {
		return err
	}
	if pending {
		return &ReconcileRequiredError{WorkspaceID: ws.ID}
	}
	return nil
}

// mutate runs op under an exclusive lock with a renewal heartbeat, then
// records whatever the run produced before releasing the lock. The
// record and release steps run on a detached context so a cancelled run
// still persists its partial result.
func (o *Orchestrator) mutate(ctx context.Context, ws *engine.Workspace, result *Result,
	op func(ctx context.Context, lock *engine.Lock) (*engine.ApplyResult, error)) (*Result, error) {

	log := o.logger.WithWorkspace(ws.ID)

	lock, err := o.store.AcquireLock(ctx, ws.ID, o.holder, o.lockTTL)
	if err != nil {
		var held *engine.LockHeldError
		if errors.As(err, &held) {
			o.metrics.RecordLockAcquisition("held")
		}
		return result, err
	}
	o.metrics.RecordLockAcquisition("acquired")

	hb := newHeartbeat(o.store, lock, o.lockTTL, log, o.metrics)
	hb.start(ctx)

	stageCtx, stageSpan := o.stage(ctx, "apply")
	applyResult, applyErr := op(stageCtx, hb.lock())
	stageSpan.End()

	// A ProvisioningError carries the partial result for the run that
	// produced it.
	if applyResult == nil && applyErr != nil {
		var provErr *engine.ProvisioningError
		if errors.As(applyErr, &provErr) {
			applyResult = provErr.Result
		}
	}
	result.Apply = applyResult

	detached := context.WithoutCancel(ctx)
	hb.stop()

	if applyResult != nil {
		version, recordErr := o.record(detached, ws, result.Changes, applyResult)
		if recordErr != nil {
			log.Errorf("failed to record run %s: %v", applyResult.RunID, recordErr)
			if applyErr == nil {
				applyErr = recordErr
			}
		}
		result.StateVersion = version

		if applyResult.Status == engine.ApplyInterrupted {
			if err := o.store.SetPendingReconcile(detached, ws.ID, true); err != nil {
				log.Errorf("failed to flag workspace for reconciliation: %v", err)
			}
		}
	}

	if err := o.store.ReleaseLock(detached, hb.lock()); err != nil {
		log.Warnf("failed to release lock: %v", err)
	}
	return result, applyErr
}

// record folds the successful outcomes into a new snapshot version and
// persists the run. A nil changes value means a destroy run: every
// succeeded outcome removes its resource.
func (o *Orchestrator) record(ctx context.Context, ws *engine.Workspace, changes *engine.ChangeSet, result *engine.ApplyResult) (int64, error) {
	current, err := o.store.Read(ctx, ws.ID)
	if err != nil {
		return 0, err
	}

	byID := make(map[string]*engine.ResourceChange)
	if changes != nil {
		for i := range changes.Changes {
			byID[changes.Changes[i].ResourceID] = &changes.Changes[i]
		}
	}

	next := &engine.StateSnapshot{
		WorkspaceID: ws.ID,
		Lineage:     current.Lineage,
		Resources:   append([]engine.StateResource(nil), current.Resources...),
	}

	var dirty bool
	for _, outcome := range result.Outcomes {
		if outcome.Status != engine.OutcomeSucceeded {
			continue
		}
		change := byID[outcome.ResourceID]
		if change == nil || outcome.Op == engine.OpDelete {
			removeResource(next, outcome.ResourceID)
			dirty = true
			continue
		}
		upsertResource(next, engine.StateResource{
			ID:         change.ResourceID,
			Type:       change.Type,
			Attributes: change.After,
		})
		dirty = true
	}

	var version int64
	if dirty {
		version, err = o.store.Write(ctx, ws.ID, next, current.Version)
		if err != nil {
			o.metrics.RecordStateWrite("failure")
			return 0, err
		}
		o.metrics.RecordStateWrite("success")
	}

	if err := o.store.SaveRun(ctx, result); err != nil {
		return version, err
	}
	return version, nil
}

func upsertResource(snap *engine.StateSnapshot, res engine.StateResource) {
	for i := range snap.Resources {
		if snap.Resources[i].ID == res.ID {
			snap.Resources[i] = res
			return
		}
	}
	snap.Resources = append(snap.Resources, res)
}

func removeResource(snap *engine.StateSnapshot, id string) {
	for i := range snap.Resources {
		if snap.Resources[i].ID == id {
			snap.Resources = append(snap.Resources[:i], snap.Resources[i+1:]...)
			return
		}
	}
}

func outcomeLabel(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

func recordSpan(span trace.Span, err error) {
	if err != nil {
		telemetry.RecordError(span, err)
		return
	}
	telemetry.RecordSuccess(span)
}
