package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/quarryhq/quarry/pkg/engine"
	"github.com/quarryhq/quarry/pkg/statestore"
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

func testStore(t *testing.T) *statestore.Store {
	t.Helper()

	store, err := statestore.NewStore(statestore.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to init store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testWorkspace() *engine.Workspace {
	return &engine.Workspace{
		ID:         "ws-orch",
		Name:       "ws-orch",
		Provider:   "aws",
		Region:     "eu-west-1",
		ConfigRoot: "/tmp/cfg",
	}
}

type fakeProvider struct {
	status engine.CredentialStatus
}

func (p fakeProvider) Name() string { return "aws" }

func (p fakeProvider) ValidateCredentials(context.Context) (engine.CredentialStatus, error) {
	return p.status, nil
}

func (p fakeProvider) GenerateBackendConfig(*engine.Workspace) engine.BackendConfig {
	return engine.BackendConfig{}
}

func (p fakeProvider) NamingConstraints() engine.NamingConstraints {
	return engine.NamingConstraints{MaxLength: 63}
}

type fakeValidator struct {
	findings []engine.ValidationFinding
	err      error
	calls    int
}

func (v *fakeValidator) Validate(context.Context, *engine.Workspace) ([]engine.ValidationFinding, error) {
	v.calls++
	return v.findings, v.err
}

type fakeEstimator struct {
	total float64
	err   error
	calls int
}

func (e *fakeEstimator) Estimate(_ context.Context, changes *engine.ChangeSet) (*engine.CostReport, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	return &engine.CostReport{WorkspaceID: changes.WorkspaceID, MonthlyTotal: e.total}, nil
}

type fakeDetector struct {
	report *engine.DriftReport
	err    error
}

func (d *fakeDetector) Detect(_ context.Context, ws *engine.Workspace) (*engine.DriftReport, error) {
	if d.err != nil {
		return nil, d.err
	}
	if d.report != nil {
		return d.report, nil
	}
	return &engine.DriftReport{WorkspaceID: ws.ID, DetectedAt: time.Now()}, nil
}

type fakeProvisioner struct {
	changes   []engine.ResourceChange
	planCalls int
	planErr   error
	lastPlan  *engine.Workspace

	applyFn    func(ctx context.Context, ws *engine.Workspace, changes *engine.ChangeSet, lock *engine.Lock) (*engine.ApplyResult, error)
	applyCalls int

	destroyFn func(ctx context.Context, ws *engine.Workspace, lock *engine.Lock) (*engine.ApplyResult, error)
}

func (p *fakeProvisioner) Plan(_ context.Context, ws *engine.Workspace) (*engine.ChangeSet, error) {
	p.planCalls++
	p.lastPlan = ws
	if p.planErr != nil {
		return nil, p.planErr
	}
	return &engine.ChangeSet{
		PlanID:      uuid.New().String(),
		WorkspaceID: ws.ID,
		Changes:     p.changes,
		CreatedAt:   time.Now(),
	}, nil
}

func (p *fakeProvisioner) Apply(ctx context.Context, ws *engine.Workspace, changes *engine.ChangeSet, lock *engine.Lock) (*engine.ApplyResult, error) {
	p.applyCalls++
	if p.applyFn != nil {
		return p.applyFn(ctx, ws, changes, lock)
	}
	return succeededResult(ws, changes), nil
}

func (p *fakeProvisioner) Destroy(ctx context.Context, ws *engine.Workspace, lock *engine.Lock) (*engine.ApplyResult, error) {
	if p.destroyFn != nil {
		return p.destroyFn(ctx, ws, lock)
	}
	return &engine.ApplyResult{
		RunID:       uuid.New().String(),
		WorkspaceID: ws.ID,
		Status:      engine.ApplySucceeded,
		StartedAt:   time.Now(),
		CompletedAt: time.Now(),
	}, nil
}

func succeededResult(ws *engine.Workspace, changes *engine.ChangeSet) *engine.ApplyResult {
	result := &engine.ApplyResult{
		RunID:       uuid.New().String(),
		WorkspaceID: ws.ID,
		Status:      engine.ApplySucceeded,
		StartedAt:   time.Now(),
		CompletedAt: time.Now(),
	}
	for _, c := range changes.Changes {
		result.Outcomes = append(result.Outcomes, engine.ResourceOutcome{
			ResourceID: c.ResourceID,
			Op:         c.Op,
			Status:     engine.OutcomeSucceeded,
		})
	}
	return result
}

type fixture struct {
	store       *statestore.Store
	provisioner *fakeProvisioner
	validator   *fakeValidator
	estimator   *fakeEstimator
	detector    *fakeDetector
	orch        *Orchestrator
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()

	f := &fixture{
		store: testStore(t),
		provisioner: &fakeProvisioner{
			changes: []engine.ResourceChange{
				{
					ResourceID: "aws_instance.web",
					Type:       "aws_instance",
					Op:         engine.OpCreate,
					After:      map[string]interface{}{"instance_type": "t3.micro"},
				},
			},
		},
		validator: &fakeValidator{},
		estimator: &fakeEstimator{total: 10},
		detector:  &fakeDetector{},
	}

	opts := Options{
		Store:       f.store,
		Provisioner: f.provisioner,
		Validator:   f.validator,
		Estimator:   f.estimator,
		Detector:    f.detector,
		Provider:    fakeProvider{status: engine.CredentialsValid},
		Holder:      "test-holder",
		LockTTL:     time.Minute,
		Logger:      testLogger(t),
	}
	if mutate != nil {
		mutate(&opts)
	}

	orch, err := New(opts)
	if err != nil {
		t.Fatalf("failed to create orchestrator: %v", err)
	}
	f.orch = orch
	return f
}

func TestProvisionPipelineSuccess(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	ws := testWorkspace()

	result, err := f.orch.Provision(ctx, ws, ProvisionOptions{})
	if err != nil {
		t.Fatalf("provision failed: %v", err)
	}

	if result.Apply == nil || result.Apply.Status != engine.ApplySucceeded {
		t.Fatalf("apply = %+v", result.Apply)
	}
	if result.StateVersion != 1 {
		t.Errorf("state version = %d, want 1", result.StateVersion)
	}

	snapshot, err := f.store.Read(ctx, ws.ID)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if res := snapshot.Resource("aws_instance.web"); res == nil || res.Attributes["instance_type"] != "t3.micro" {
		t.Errorf("recorded resource = %+v", res)
	}

	run, err := f.store.GetRun(ctx, result.Apply.RunID)
	if err != nil {
		t.Fatalf("run not persisted: %v", err)
	}
	if run.Status != engine.ApplySucceeded {
		t.Errorf("run status = %s", run.Status)
	}

	// Two plans per run: the speculative one and the locked one.
	if f.provisioner.planCalls != 2 {
		t.Errorf("plan calls = %d, want 2", f.provisioner.planCalls)
	}

	// The lock must be released afterwards.
	if _, err := f.store.AcquireLock(ctx, ws.ID, "other", time.Minute); err != nil {
		t.Errorf("lock not released: %v", err)
	}
}

func TestProvisionValidationBlocksPipeline(t *testing.T) {
	f := newFixture(t, nil)
	findings := []engine.ValidationFinding{
		{RuleID: "R-1", ResourceID: "a.b", Severity: engine.SeverityCritical},
	}
	f.validator.findings = findings
	f.validator.err = &engine.ValidationError{Threshold: engine.SeverityHigh, Findings: findings}

	result, err := f.orch.Provision(context.Background(), testWorkspace(), ProvisionOptions{})
	var valErr *engine.ValidationError
	if !errors.As(err, &valErr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if len(result.Findings) != 1 {
		t.Errorf("findings = %+v", result.Findings)
	}
	// Fail-closed: nothing downstream of validation runs.
	if f.provisioner.planCalls != 0 || f.provisioner.applyCalls != 0 {
		t.Errorf("plan/apply calls = %d/%d, want 0/0", f.provisioner.planCalls, f.provisioner.applyCalls)
	}
}

func TestProvisionBudgetGate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(o *Options) { o.BudgetMonthly = 500 })
	f.estimator.total = 620

	result, err := f.orch.Provision(ctx, testWorkspace(), ProvisionOptions{})
	var budgetErr *engine.BudgetExceededError
	if !errors.As(err, &budgetErr) {
		t.Fatalf("err = %v, want BudgetExceededError", err)
	}
	if budgetErr.BudgetMonthly != 500 || budgetErr.EstimatedMonthly != 620 {
		t.Errorf("budget error = %+v", budgetErr)
	}
	if result.Cost == nil {
		t.Error("cost report should still be attached")
	}
	if f.provisioner.applyCalls != 0 {
		t.Errorf("apply calls = %d, want 0", f.provisioner.applyCalls)
	}

	// An explicit override lets the run proceed.
	if _, err := f.orch.Provision(ctx, testWorkspace(), ProvisionOptions{OverrideBudget: true}); err != nil {
		t.Fatalf("override provision failed: %v", err)
	}
	if f.provisioner.applyCalls != 1 {
		t.Errorf("apply calls = %d, want 1", f.provisioner.applyCalls)
	}
}

func TestProvisionRejectsBadCredentials(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Provider = fakeProvider{status: engine.CredentialsExpired}
	})

	_, err := f.orch.Provision(context.Background(), testWorkspace(), ProvisionOptions{})
	var credErr *engine.CredentialError
	if !errors.As(err, &credErr) {
		t.Fatalf("err = %v, want CredentialError", err)
	}
	if credErr.Status != engine.CredentialsExpired {
		t.Errorf("status = %s", credErr.Status)
	}
}

func TestProvisionRefusedWhileLockHeld(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	ws := testWorkspace()

	if _, err := f.store.AcquireLock(ctx, ws.ID, "someone-else", time.Minute); err != nil {
		t.Fatalf("failed to pre-acquire: %v", err)
	}

	_, err := f.orch.Provision(ctx, ws, ProvisionOptions{})
	var held *engine.LockHeldError
	if !errors.As(err, &held) {
		t.Fatalf("err = %v, want LockHeldError", err)
	}
	if held.Holder != "someone-else" {
		t.Errorf("holder = %s", held.Holder)
	}
}

func TestProvisionInterruptedFlagsReconcile(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	ws := testWorkspace()

	partial := &engine.ApplyResult{
		RunID:       uuid.New().String(),
		WorkspaceID: ws.ID,
		Status:      engine.ApplyInterrupted,
		Outcomes: []engine.ResourceOutcome{
			{ResourceID: "aws_instance.web", Op: engine.OpCreate, Status: engine.OutcomeSucceeded},
		},
		StartedAt:   time.Now(),
		CompletedAt: time.Now(),
	}
	f.provisioner.applyFn = func(context.Context, *engine.Workspace, *engine.ChangeSet, *engine.Lock) (*engine.ApplyResult, error) {
		return partial, engine.NewProvisioningError("apply", engine.ErrorClassTransient,
			"interrupted", context.Canceled).WithResult(partial)
	}

	_, err := f.orch.Provision(ctx, ws, ProvisionOptions{})
	var provErr *engine.ProvisioningError
	if !errors.As(err, &provErr) {
		t.Fatalf("err = %v, want ProvisioningError", err)
	}

	// The partial result is persisted and the workspace is flagged.
	if _, err := f.store.GetRun(ctx, partial.RunID); err != nil {
		t.Errorf("partial run not persisted: %v", err)
	}
	pending, err := f.store.PendingReconcile(ctx, ws.ID)
	if err != nil {
		t.Fatalf("pending check failed: %v", err)
	}
	if !pending {
		t.Error("workspace should be flagged for reconciliation")
	}

	// Further provisioning is refused until drift detection runs.
	_, err = f.orch.Provision(ctx, ws, ProvisionOptions{})
	var reconcile *ReconcileRequiredError
	if !errors.As(err, &reconcile) {
		t.Fatalf("err = %v, want ReconcileRequiredError", err)
	}

	if _, err := f.orch.Detect(ctx, ws); err != nil {
		t.Fatalf("detect failed: %v", err)
	}
	if _, err := f.orch.Provision(ctx, ws, ProvisionOptions{}); err != nil {
		t.Fatalf("provision after detect failed: %v", err)
	}
}

func TestProvisionNoChanges(t *testing.T) {
	f := newFixture(t, nil)
	f.provisioner.changes = nil

	result, err := f.orch.Provision(context.Background(), testWorkspace(), ProvisionOptions{})
	if err != nil {
		t.Fatalf("provision failed: %v", err)
	}
	if result.Apply != nil {
		t.Errorf("apply = %+v, want nil for empty plan", result.Apply)
	}
	if f.provisioner.applyCalls != 0 {
		t.Errorf("apply calls = %d, want 0", f.provisioner.applyCalls)
	}
}

func TestDestroyRemovesRecordedResources(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	ws := testWorkspace()

	if _, err := f.orch.Provision(ctx, ws, ProvisionOptions{}); err != nil {
		t.Fatalf("provision failed: %v", err)
	}

	f.provisioner.destroyFn = func(_ context.Context, ws *engine.Workspace, _ *engine.Lock) (*engine.ApplyResult, error) {
		return &engine.ApplyResult{
			RunID:       uuid.New().String(),
			WorkspaceID: ws.ID,
			Status:      engine.ApplySucceeded,
			Outcomes: []engine.ResourceOutcome{
				{ResourceID: "aws_instance.web", Op: engine.OpDelete, Status: engine.OutcomeSucceeded},
			},
			StartedAt:   time.Now(),
			CompletedAt: time.Now(),
		}, nil
	}

	result, err := f.orch.Destroy(ctx, ws)
	if err != nil {
		t.Fatalf("destroy failed: %v", err)
	}
	if result.StateVersion != 2 {
		t.Errorf("state version = %d, want 2", result.StateVersion)
	}

	snapshot, err := f.store.Read(ctx, ws.ID)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(snapshot.Resources) != 0 {
		t.Errorf("resources = %+v, want empty after destroy", snapshot.Resources)
	}
}

func TestRemediateScopesTargets(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	ws := testWorkspace()

	if _, err := f.orch.Remediate(ctx, ws, nil, ProvisionOptions{}); err == nil {
		t.Fatal("expected error for empty target list")
	}

	if _, err := f.orch.Remediate(ctx, ws, []string{"aws_instance.web"}, ProvisionOptions{}); err != nil {
		t.Fatalf("remediate failed: %v", err)
	}
	if got := f.provisioner.lastPlan.Targets; len(got) != 1 || got[0] != "aws_instance.web" {
		t.Errorf("targets = %v", got)
	}
	if len(ws.Targets) != 0 {
		t.Error("remediation must not mutate the caller's workspace")
	}
}

func TestHeartbeatKeepsLockAlive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(o *Options) { o.LockTTL = 300 * time.Millisecond })
	ws := testWorkspace()

	f.provisioner.applyFn = func(ctx context.Context, ws *engine.Workspace, changes *engine.ChangeSet, lock *engine.Lock) (*engine.ApplyResult, error) {
		// Outlive the original TTL; the renewal loop must keep the
		// lock valid in the store.
		time.Sleep(600 * time.Millisecond)
		if err := f.store.CheckLock(ctx, lock); err != nil {
			return nil, err
		}
		return succeededResult(ws, changes), nil
	}

	if _, err := f.orch.Provision(ctx, ws, ProvisionOptions{}); err != nil {
		t.Fatalf("provision failed: %v", err)
	}
}

func TestDetectReportsDrift(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.detector.report = &engine.DriftReport{
		WorkspaceID: "ws-orch",
		Records: []engine.DriftRecord{
			{ResourceID: "aws_instance.web", Field: "instance_type", Expected: "t3.micro", Actual: "m5.large", Severity: engine.SeverityHigh},
		},
		DetectedAt: time.Now(),
	}

	report, err := f.orch.Detect(ctx, testWorkspace())
	if err != nil {
		t.Fatalf("detect failed: %v", err)
	}
	if !report.Drifted() {
		t.Error("report should show drift")
	}
}
