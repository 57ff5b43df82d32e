package statestore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/quarryhq/quarry/pkg/engine"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := NewStore(Config{
		Path: ":memory:",
	})
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

	t.Cleanup(func() {
		_ = store.Close()
	})

	return store
}

func testWorkspace(id string) *engine.Workspace {
	return &engine.Workspace{
		ID:         id,
		Name:       id,
		ConfigRoot: "/srv/" + id,
		Provider:   "aws",
		Region:     "eu-west-1",
		Backend: engine.BackendConfig{
			Store:  "quarry-state-" + id,
			Prefix: "workspaces/" + id + "/state",
			Region: "eu-west-1",
		},
		Variables: map[string]string{"env": "test"},
	}
}

func TestStoreLifecycle(t *testing.T) {
	store, err := NewStore(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to init: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close: %v", err)
	}
}

func TestAcquireLockSingleWinner(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	const contenders = 10

	var wg sync.WaitGroup
	won := make(chan string, contenders)
	held := make(chan error, contenders)

	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lock, err := store.AcquireLock(ctx, "ws-prod", "", time.Minute)
			if err != nil {
				held <- err
				return
			}
			won <- lock.HolderID
		}()
	}
	wg.Wait()
	close(won)
	close(held)

	if len(won) != 1 {
		t.Fatalf("expected exactly one winner, got %d", len(won))
	}
	for err := range held {
		var lockErr *engine.LockHeldError
		if !errors.As(err, &lockErr) {
			t.Fatalf("loser got %v, want LockHeldError", err)
		}
		if lockErr.WorkspaceID != "ws-prod" {
			t.Errorf("workspace = %s, want ws-prod", lockErr.WorkspaceID)
		}
	}
}

func TestAcquireLockHeldReportsHolder(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if _, err := store.AcquireLock(ctx, "ws-1", "holder-a", time.Minute); err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}

	_, err := store.AcquireLock(ctx, "ws-1", "holder-b", time.Minute)
	var lockErr *engine.LockHeldError
	if !errors.As(err, &lockErr) {
		t.Fatalf("second acquire = %v, want LockHeldError", err)
	}
	if lockErr.Holder != "holder-a" {
		t.Errorf("holder = %s, want holder-a", lockErr.Holder)
	}
	if lockErr.Remaining <= 0 || lockErr.Remaining > time.Minute {
		t.Errorf("remaining = %v, want within (0, 1m]", lockErr.Remaining)
	}
}

func TestAcquireLockExpiredReclaim(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Now()
	store.now = func() time.Time { return base }

	if _, err := store.AcquireLock(ctx, "ws-1", "holder-a", 30*time.Second); err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}

	// Past the TTL the lock is reclaimable by anyone.
	store.now = func() time.Time { return base.Add(31 * time.Second) }

	lock, err := store.AcquireLock(ctx, "ws-1", "holder-b", 30*time.Second)
	if err != nil {
		t.Fatalf("acquire after expiry failed: %v", err)
	}
	if lock.HolderID != "holder-b" {
		t.Errorf("holder = %s, want holder-b", lock.HolderID)
	}
}

func TestRenewLock(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Now()
	store.now = func() time.Time { return base }

	lock, err := store.AcquireLock(ctx, "ws-1", "holder-a", 30*time.Second)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	store.now = func() time.Time { return base.Add(20 * time.Second) }
	renewed, err := store.RenewLock(ctx, lock, 30*time.Second)
	if err != nil {
		t.Fatalf("renew failed: %v", err)
	}
	if got := renewed.ExpiresAt(); !got.Equal(base.Add(50 * time.Second)) {
		t.Errorf("expires at %v, want %v", got, base.Add(50*time.Second))
	}

	// Renewal after expiry must fail rather than resurrect the lock.
	store.now = func() time.Time { return base.Add(2 * time.Minute) }
	if _, err := store.RenewLock(ctx, renewed, 30*time.Second); err == nil {
		t.Fatal("expected renew of expired lock to fail")
	}
}

func TestReleaseAndCheckLock(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	lock, err := store.AcquireLock(ctx, "ws-1", "holder-a", time.Minute)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	if err := store.CheckLock(ctx, lock); err != nil {
		t.Fatalf("check of held lock failed: %v", err)
	}

	stranger := &engine.Lock{WorkspaceID: "ws-1", HolderID: "holder-b"}
	var reqErr *engine.LockRequiredError
	if err := store.CheckLock(ctx, stranger); !errors.As(err, &reqErr) {
		t.Fatalf("check by non-holder = %v, want LockRequiredError", err)
	}

	if err := store.ReleaseLock(ctx, lock); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if err := store.CheckLock(ctx, lock); !errors.As(err, &reqErr) {
		t.Fatalf("check after release = %v, want LockRequiredError", err)
	}

	// Releasing twice reports the lock is gone.
	if err := store.ReleaseLock(ctx, lock); !errors.As(err, &reqErr) {
		t.Fatalf("double release = %v, want LockRequiredError", err)
	}
}

func TestReadEmptyWorkspace(t *testing.T) {
	store := setupTestStore(t)

	snapshot, err := store.Read(context.Background(), "ws-new")
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if snapshot.Version != 0 {
		t.Errorf("version = %d, want 0", snapshot.Version)
	}
	if len(snapshot.Resources) != 0 {
		t.Errorf("resources = %d, want 0", len(snapshot.Resources))
	}
}

func TestWriteOptimisticConcurrency(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	snapshot := &engine.StateSnapshot{
		Resources: []engine.StateResource{
			{ID: "vm-1", Type: "compute_instance", Attributes: map[string]interface{}{"size": "m5.large"}},
		},
	}

	version, err := store.Write(ctx, "ws-1", snapshot, 0)
	if err != nil {
		t.Fatalf("first write failed: %v", err)
	}
	if version != 1 {
		t.Errorf("version = %d, want 1", version)
	}

	// A writer still holding the old version must be rejected whole.
	_, err = store.Write(ctx, "ws-1", snapshot, 0)
	var conflict *engine.VersionConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("stale write = %v, want VersionConflictError", err)
	}
	if conflict.Expected != 0 || conflict.Current != 1 {
		t.Errorf("conflict expected=%d current=%d, want 0/1", conflict.Expected, conflict.Current)
	}

	// The stored state is untouched by the rejected write.
	got, err := store.Read(ctx, "ws-1")
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if got.Version != 1 {
		t.Errorf("version after conflict = %d, want 1", got.Version)
	}
	if got.Resources[0].ID != "vm-1" {
		t.Errorf("resource = %s, want vm-1", got.Resources[0].ID)
	}
}

func TestWriteLineageStableAcrossVersions(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if _, err := store.Write(ctx, "ws-1", &engine.StateSnapshot{}, 0); err != nil {
		t.Fatalf("write v1 failed: %v", err)
	}
	first, err := store.Read(ctx, "ws-1")
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if first.Lineage == "" {
		t.Fatal("expected lineage assigned on first write")
	}

	if _, err := store.Write(ctx, "ws-1", &engine.StateSnapshot{}, 1); err != nil {
		t.Fatalf("write v2 failed: %v", err)
	}
	second, err := store.Read(ctx, "ws-1")
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if second.Lineage != first.Lineage {
		t.Errorf("lineage changed across versions: %s -> %s", first.Lineage, second.Lineage)
	}
}

func TestWriteHistoryPruning(t *testing.T) {
	store, err := NewStore(Config{Path: ":memory:", HistoryLimit: 3})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to init: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	defer store.Close()

	for v := int64(0); v < 5; v++ {
		if _, err := store.Write(ctx, "ws-1", &engine.StateSnapshot{}, v); err != nil {
			t.Fatalf("write %d failed: %v", v+1, err)
		}
	}

	if _, err := store.ReadVersion(ctx, "ws-1", 1); err == nil {
		t.Error("expected pruned version 1 to be gone")
	}
	for v := int64(3); v <= 5; v++ {
		if _, err := store.ReadVersion(ctx, "ws-1", v); err != nil {
			t.Errorf("retained version %d unreadable: %v", v, err)
		}
	}
}

func TestWorkspaceRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	ws := testWorkspace("ws-prod")
	if err := store.SaveWorkspace(ctx, ws); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	got, err := store.GetWorkspace(ctx, "ws-prod")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Provider != "aws" || got.Region != "eu-west-1" {
		t.Errorf("provider/region = %s/%s", got.Provider, got.Region)
	}
	if got.Backend.Store != "quarry-state-ws-prod" {
		t.Errorf("backend store = %s", got.Backend.Store)
	}
	if got.Variables["env"] != "test" {
		t.Errorf("variables = %v", got.Variables)
	}

	if _, err := store.GetWorkspace(ctx, "ws-missing"); err == nil {
		t.Error("expected error for missing workspace")
	}
}

func TestPendingReconcileFlag(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.SaveWorkspace(ctx, testWorkspace("ws-1")); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	pending, err := store.PendingReconcile(ctx, "ws-1")
	if err != nil {
		t.Fatalf("read flag failed: %v", err)
	}
	if pending {
		t.Error("new workspace should not be pending reconcile")
	}

	if err := store.SetPendingReconcile(ctx, "ws-1", true); err != nil {
		t.Fatalf("set flag failed: %v", err)
	}
	pending, err = store.PendingReconcile(ctx, "ws-1")
	if err != nil {
		t.Fatalf("read flag failed: %v", err)
	}
	if !pending {
		t.Error("flag not set")
	}

	// Updating workspace metadata must not clear the flag.
	if err := store.SaveWorkspace(ctx, testWorkspace("ws-1")); err != nil {
		t.Fatalf("re-save failed: %v", err)
	}
	pending, err = store.PendingReconcile(ctx, "ws-1")
	if err != nil {
		t.Fatalf("read flag failed: %v", err)
	}
	if !pending {
		t.Error("flag cleared by workspace update")
	}

	if err := store.SetPendingReconcile(ctx, "ws-missing", true); err == nil {
		t.Error("expected error for missing workspace")
	}
}

func TestRunRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	started := time.Now().Add(-time.Minute)
	result := &engine.ApplyResult{
		RunID:       "run-1",
		WorkspaceID: "ws-1",
		Status:      engine.ApplyPartial,
		Outcomes: []engine.ResourceOutcome{
			{ResourceID: "vm-1", Op: engine.OpCreate, Status: engine.OutcomeSucceeded},
			{ResourceID: "vm-2", Op: engine.OpCreate, Status: engine.OutcomeFailed, Error: "quota exceeded"},
		},
		StartedAt:   started,
		CompletedAt: time.Now(),
	}
	if err := store.SaveRun(ctx, result); err != nil {
		t.Fatalf("save run failed: %v", err)
	}

	got, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("get run failed: %v", err)
	}
	if got.Status != engine.ApplyPartial {
		t.Errorf("status = %s, want partial", got.Status)
	}
	if len(got.Outcomes) != 2 {
		t.Fatalf("outcomes = %d, want 2", len(got.Outcomes))
	}
	if got.Outcomes[1].Error != "quota exceeded" {
		t.Errorf("error = %s", got.Outcomes[1].Error)
	}

	runs, err := store.ListRuns(ctx, "ws-1", 10)
	if err != nil {
		t.Fatalf("list runs failed: %v", err)
	}
	if len(runs) != 1 || runs[0].RunID != "run-1" {
		t.Errorf("runs = %v", runs)
	}
}

func TestAuditTrail(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	lock, err := store.AcquireLock(ctx, "ws-1", "holder-a", time.Minute)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if err := store.ReleaseLock(ctx, lock); err != nil {
		t.Fatalf("release failed: %v", err)
	}

	entries, err := store.ListAuditEntries(ctx, "lock.acquired", 10)
	if err != nil {
		t.Fatalf("list audit failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	if entries[0].Actor != "holder-a" || entries[0].WorkspaceID != "ws-1" {
		t.Errorf("entry = %+v", entries[0])
	}

	all, err := store.ListAuditEntries(ctx, "", 10)
	if err != nil {
		t.Fatalf("list all failed: %v", err)
	}
	if len(all) < 2 {
		t.Errorf("entries = %d, want at least 2", len(all))
	}
}
