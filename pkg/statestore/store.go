// Package statestore implements the versioned, lockable state backend.
// Snapshot writes use optimistic concurrency; lock acquisition is a
// single atomic conditional upsert at the storage layer.
package statestore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	"github.com/quarryhq/quarry/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store implements engine.StateStore on SQLite.
type Store struct {
	db           *sql.DB
	path         string
	historyLimit int
	maxOpen      int
	maxIdle      int
	connLifetime time.Duration

	// now is injectable for lock expiry tests.
	now func() time.Time
}

// NewStore creates a new store instance. Init must be called before use.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	limit := cfg.HistoryLimit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 5
	}
	lifetime := cfg.ConnMaxLifetime
	if lifetime <= 0 {
		lifetime = 5 * time.Minute
	}
	return &Store{
		path:         cfg.Path,
		historyLimit: limit,
		maxOpen:      maxOpen,
		maxIdle:      maxIdle,
		connLifetime: lifetime,
		now:          time.Now,
	}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *Store) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// An in-memory database exists per connection, so the pool must
	// stay at a single connection or migrations and queries would see
	// different databases.
	if s.path == ":memory:" {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(s.maxOpen)
		db.SetMaxIdleConns(s.maxIdle)
	}
	db.SetConnMaxLifetime(s.connLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations from the embedded filesystem.
func (s *Store) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (s *Store) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// AcquireLock atomically grants an exclusive lock for the workspace.
// The upsert only succeeds when no lock row exists or the existing lock
// has expired; otherwise LockHeld is returned with the current holder
// and remaining TTL.
func (s *Store) AcquireLock(ctx context.Context, workspaceID, holder string, ttl time.Duration) (*engine.Lock, error) {
	if holder == "" {
		holder = uuid.New().String()
	}
	now := s.now()

	query := `
		INSERT INTO locks (workspace_id, holder_id, acquired_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(workspace_id) DO UPDATE SET
			holder_id = excluded.holder_id,
			acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at
		WHERE locks.expires_at <= excluded.acquired_at
	`

	result, err := s.db.ExecContext(ctx, query,
		workspaceID, holder, now.UnixNano(), now.Add(ttl).UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		var currentHolder string
		var expiresAt int64
		err := s.db.QueryRowContext(ctx,
			`SELECT holder_id, expires_at FROM locks WHERE workspace_id = ?`,
			workspaceID).Scan(&currentHolder, &expiresAt)
		if err != nil {
			return nil, fmt.Errorf("failed to read current lock: %w", err)
		}
		return nil, &engine.LockHeldError{
			WorkspaceID: workspaceID,
			Holder:      currentHolder,
			Remaining:   time.Duration(expiresAt - now.UnixNano()),
		}
	}

	lock := &engine.Lock{
		WorkspaceID: workspaceID,
		HolderID:    holder,
		AcquiredAt:  now,
		TTL:         ttl,
	}

	s.audit(ctx, "lock.acquired", holder, workspaceID, "")
	return lock, nil
}

// RenewLock extends a held lock's TTL (heartbeat). The update is
// conditional on the caller still being the unexpired holder.
func (s *Store) RenewLock(ctx context.Context, lock *engine.Lock, ttl time.Duration) (*engine.Lock, error) {
	now := s.now()

	result, err := s.db.ExecContext(ctx, `
		UPDATE locks
		SET acquired_at = ?, expires_at = ?
		WHERE workspace_id = ? AND holder_id = ? AND expires_at > ?
	`, now.UnixNano(), now.Add(ttl).UnixNano(), lock.WorkspaceID, lock.HolderID, now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to renew lock: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return nil, &engine.LockRequiredError{WorkspaceID: lock.WorkspaceID}
	}

	return &engine.Lock{
		WorkspaceID: lock.WorkspaceID,
		HolderID:    lock.HolderID,
		AcquiredAt:  now,
		TTL:         ttl,
	}, nil
}

// ReleaseLock destroys the lock if still held by the caller.
func (s *Store) ReleaseLock(ctx context.Context, lock *engine.Lock) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM locks WHERE workspace_id = ? AND holder_id = ?`,
		lock.WorkspaceID, lock.HolderID)
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return &engine.LockRequiredError{WorkspaceID: lock.WorkspaceID}
	}

	s.audit(ctx, "lock.released", lock.HolderID, lock.WorkspaceID, "")
	return nil
}

// CheckLock verifies the lock is live and held by its holder.
func (s *Store) CheckLock(ctx context.Context, lock *engine.Lock) error {
	if lock == nil {
		return &engine.LockRequiredError{}
	}

	var holder string
	var expiresAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT holder_id, expires_at FROM locks WHERE workspace_id = ?`,
		lock.WorkspaceID).Scan(&holder, &expiresAt)
	if err == sql.ErrNoRows {
		return &engine.LockRequiredError{WorkspaceID: lock.WorkspaceID}
	}
	if err != nil {
		return fmt.Errorf("failed to check lock: %w", err)
	}

	if holder != lock.HolderID || expiresAt <= s.now().UnixNano() {
		return &engine.LockRequiredError{WorkspaceID: lock.WorkspaceID}
	}
	return nil
}

// Read returns the latest committed snapshot for the workspace. A
// workspace with no committed state yields an empty snapshot at
// version 0.
func (s *Store) Read(ctx context.Context, workspaceID string) (*engine.StateSnapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT version, lineage, snapshot, created_at
		FROM state_versions
		WHERE workspace_id = ?
		ORDER BY version DESC
		LIMIT 1
	`, workspaceID)

	snapshot, err := scanSnapshot(row, workspaceID)
	if err == sql.ErrNoRows {
		return &engine.StateSnapshot{WorkspaceID: workspaceID, Version: 0}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state: %w", err)
	}
	return snapshot, nil
}

// ReadVersion returns a specific retained snapshot version.
func (s *Store) ReadVersion(ctx context.Context, workspaceID string, version int64) (*engine.StateSnapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT version, lineage, snapshot, created_at
		FROM state_versions
		WHERE workspace_id = ? AND version = ?
	`, workspaceID, version)

	snapshot, err := scanSnapshot(row, workspaceID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("state version %d not found for workspace %s", version, workspaceID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state version: %w", err)
	}
	return snapshot, nil
}

func scanSnapshot(row *sql.Row, workspaceID string) (*engine.StateSnapshot, error) {
	var version, createdAt int64
	var lineage, blob string
	if err := row.Scan(&version, &lineage, &blob, &createdAt); err != nil {
		return nil, err
	}

	snapshot := &engine.StateSnapshot{}
	if err := json.Unmarshal([]byte(blob), snapshot); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	snapshot.WorkspaceID = workspaceID
	snapshot.Version = version
	snapshot.Lineage = lineage
	snapshot.CreatedAt = time.Unix(0, createdAt)
	return snapshot, nil
}

// Write commits a new snapshot version. The caller supplies the version
// it last read; if the stored version has advanced the write is rejected
// whole with VersionConflict. History is appended, never rewritten, and
// pruned to the configured retention.
func (s *Store) Write(ctx context.Context, workspaceID string, snapshot *engine.StateSnapshot, expectedVersion int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current int64
	var lineage sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version), 0),
		       (SELECT lineage FROM state_versions WHERE workspace_id = ? ORDER BY version DESC LIMIT 1)
		FROM state_versions
		WHERE workspace_id = ?
	`, workspaceID, workspaceID).Scan(&current, &lineage)
	if err != nil {
		return 0, fmt.Errorf("failed to read current version: %w", err)
	}

	if current != expectedVersion {
		return 0, &engine.VersionConflictError{
			WorkspaceID: workspaceID,
			Expected:    expectedVersion,
			Current:     current,
		}
	}

	newVersion := current + 1
	now := s.now()

	line := lineage.String
	if line == "" {
		line = snapshot.Lineage
	}
	if line == "" {
		line = uuid.New().String()
	}

	committed := *snapshot
	committed.WorkspaceID = workspaceID
	committed.Version = newVersion
	committed.Lineage = line
	committed.CreatedAt = now

	blob, err := json.Marshal(&committed)
	if err != nil {
		return 0, fmt.Errorf("failed to encode snapshot: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO state_versions (workspace_id, version, lineage, snapshot, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, workspaceID, newVersion, line, string(blob), now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to write snapshot: %w", err)
	}

	// Retain the last historyLimit versions; older ones are dropped.
	_, err = tx.ExecContext(ctx, `
		DELETE FROM state_versions
		WHERE workspace_id = ? AND version <= ?
	`, workspaceID, newVersion-int64(s.historyLimit))
	if err != nil {
		return 0, fmt.Errorf("failed to prune history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit write: %w", err)
	}

	s.audit(ctx, "state.written", "", workspaceID, fmt.Sprintf(`{"version":%d}`, newVersion))
	return newVersion, nil
}

// SaveWorkspace creates or updates a workspace record. Updates preserve
// created_at and the pending-reconcile flag.
func (s *Store) SaveWorkspace(ctx context.Context, ws *engine.Workspace) error {
	backend, err := json.Marshal(ws.Backend)
	if err != nil {
		return fmt.Errorf("failed to encode backend: %w", err)
	}
	variables, err := json.Marshal(ws.Variables)
	if err != nil {
		return fmt.Errorf("failed to encode variables: %w", err)
	}
	varFiles, err := json.Marshal(ws.VarFiles)
	if err != nil {
		return fmt.Errorf("failed to encode var files: %w", err)
	}

	now := s.now().UnixNano()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workspaces (id, name, config_root, provider, region, backend, variables, var_files, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			config_root = excluded.config_root,
			provider = excluded.provider,
			region = excluded.region,
			backend = excluded.backend,
			variables = excluded.variables,
			var_files = excluded.var_files,
			updated_at = excluded.updated_at
	`, ws.ID, ws.Name, ws.ConfigRoot, ws.Provider, ws.Region,
		string(backend), string(variables), string(varFiles), now, now)
	if err != nil {
		return fmt.Errorf("failed to save workspace: %w", err)
	}
	return nil
}

// GetWorkspace retrieves a workspace by ID.
func (s *Store) GetWorkspace(ctx context.Context, id string) (*engine.Workspace, error) {
	var ws engine.Workspace
	var backend, variables, varFiles string
	var createdAt, updatedAt int64

	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, config_root, provider, region, backend, variables, var_files, created_at, updated_at
		FROM workspaces
		WHERE id = ?
	`, id).Scan(&ws.ID, &ws.Name, &ws.ConfigRoot, &ws.Provider, &ws.Region,
		&backend, &variables, &varFiles, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("workspace not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workspace: %w", err)
	}

	if err := json.Unmarshal([]byte(backend), &ws.Backend); err != nil {
		return nil, fmt.Errorf("failed to decode backend: %w", err)
	}
	if err := json.Unmarshal([]byte(variables), &ws.Variables); err != nil {
		return nil, fmt.Errorf("failed to decode variables: %w", err)
	}
	if err := json.Unmarshal([]byte(varFiles), &ws.VarFiles); err != nil {
		return nil, fmt.Errorf("failed to decode var files: %w", err)
	}
	ws.CreatedAt = time.Unix(0, createdAt)
	ws.UpdatedAt = time.Unix(0, updatedAt)
	return &ws, nil
}

// SetPendingReconcile flags the workspace as requiring drift detection
// before the next mutating operation.
func (s *Store) SetPendingReconcile(ctx context.Context, workspaceID string, pending bool) error {
	val := 0
	if pending {
		val = 1
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE workspaces SET pending_reconcile = ? WHERE id = ?`, val, workspaceID)
	if err != nil {
		return fmt.Errorf("failed to set pending reconcile: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("workspace not found: %s", workspaceID)
	}
	return nil
}

// PendingReconcile reports whether the flag is set for the workspace.
func (s *Store) PendingReconcile(ctx context.Context, workspaceID string) (bool, error) {
	var val int
	err := s.db.QueryRowContext(ctx,
		`SELECT pending_reconcile FROM workspaces WHERE id = ?`, workspaceID).Scan(&val)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get pending reconcile: %w", err)
	}
	return val != 0, nil
}

// SaveRun persists an apply result, including partial and interrupted
// outcomes, for later reconciliation.
func (s *Store) SaveRun(ctx context.Context, result *engine.ApplyResult) error {
	outcomes, err := json.Marshal(result.Outcomes)
	if err != nil {
		return fmt.Errorf("failed to encode outcomes: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, workspace_id, status, outcomes, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			outcomes = excluded.outcomes,
			completed_at = excluded.completed_at
	`, result.RunID, result.WorkspaceID, string(result.Status), string(outcomes),
		result.StartedAt.UnixNano(), result.CompletedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

// GetRun retrieves a persisted apply result by run ID.
func (s *Store) GetRun(ctx context.Context, runID string) (*engine.ApplyResult, error) {
	var result engine.ApplyResult
	var status, outcomes string
	var startedAt, completedAt int64

	err := s.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, status, outcomes, started_at, completed_at
		FROM runs
		WHERE id = ?
	`, runID).Scan(&result.RunID, &result.WorkspaceID, &status, &outcomes, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run not found: %s", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	if err := json.Unmarshal([]byte(outcomes), &result.Outcomes); err != nil {
		return nil, fmt.Errorf("failed to decode outcomes: %w", err)
	}
	result.Status = engine.ApplyStatus(status)
	result.StartedAt = time.Unix(0, startedAt)
	result.CompletedAt = time.Unix(0, completedAt)
	return &result, nil
}

// ListRuns lists persisted runs for a workspace, most recent first.
func (s *Store) ListRuns(ctx context.Context, workspaceID string, limit int) ([]*engine.ApplyResult, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace_id, status, outcomes, started_at, completed_at
		FROM runs
		WHERE workspace_id = ?
		ORDER BY started_at DESC
		LIMIT ?
	`, workspaceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	results := []*engine.ApplyResult{}
	for rows.Next() {
		var result engine.ApplyResult
		var status, outcomes string
		var startedAt, completedAt int64
		if err := rows.Scan(&result.RunID, &result.WorkspaceID, &status, &outcomes, &startedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		if err := json.Unmarshal([]byte(outcomes), &result.Outcomes); err != nil {
			return nil, fmt.Errorf("failed to decode outcomes: %w", err)
		}
		result.Status = engine.ApplyStatus(status)
		result.StartedAt = time.Unix(0, startedAt)
		result.CompletedAt = time.Unix(0, completedAt)
		results = append(results, &result)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return results, nil
}

// audit writes an audit entry; failures are swallowed since the audit
// trail must never fail the primary operation.
func (s *Store) audit(ctx context.Context, action, actor, workspaceID, details string) {
	_, _ = s.db.ExecContext(ctx, `
		INSERT INTO audit (action, actor, workspace_id, details, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`, action, actor, workspaceID, details, s.now().UnixNano())
}

// ListAuditEntries lists audit entries, optionally filtered by action,
// most recent first.
func (s *Store) ListAuditEntries(ctx context.Context, action string, limit int) ([]*AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, action, actor, COALESCE(workspace_id, ''), COALESCE(details, ''), timestamp
		FROM audit
		WHERE (? = '' OR action = ?)
		ORDER BY timestamp DESC
		LIMIT ?
	`, action, action, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*AuditEntry{}
	for rows.Next() {
		entry := &AuditEntry{}
		var ts int64
		if err := rows.Scan(&entry.ID, &entry.Action, &entry.Actor, &entry.WorkspaceID, &entry.Details, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entry.Timestamp = time.Unix(0, ts)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}
	return entries, nil
}
