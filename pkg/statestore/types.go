package statestore

import "time"

// Config holds SQLite store configuration.
type Config struct {
	// Path is the database file path, or ":memory:" for tests.
	Path string

	// HistoryLimit is how many snapshot versions are retained per
	// workspace. Zero means DefaultHistoryLimit.
	HistoryLimit int

	// MaxOpenConns bounds the connection pool.
	MaxOpenConns int

	// MaxIdleConns bounds idle connections.
	MaxIdleConns int

	// ConnMaxLifetime recycles connections after this duration.
	ConnMaxLifetime time.Duration
}

// DefaultHistoryLimit is the number of snapshot versions retained when
// none is configured.
const DefaultHistoryLimit = 20

// AuditEntry is one row of the append-only audit trail.
type AuditEntry struct {
	ID          int64     `json:"id"`
	Action      string    `json:"action"` // e.g. "lock.acquired", "state.written"
	Actor       string    `json:"actor"`
	WorkspaceID string    `json:"workspace_id,omitempty"`
	Details     string    `json:"details,omitempty"` // JSON blob
	Timestamp   time.Time `json:"timestamp"`
}
