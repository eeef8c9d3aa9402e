// Package db persists workflow checkpoints and the workflow event log.
// Two backends are provided: SQLite (default, pure Go) and PostgreSQL.
package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrVersionConflict = errors.New("checkpoint version conflict")
)

// Checkpoint is the persisted snapshot of one workflow.
type Checkpoint struct {
	WorkflowID   string          `json:"workflow_id"`
	WorktreePath string          `json:"worktree_path"`
	Status       string          `json:"status"`
	Version      int64           `json:"version"`
	State        json.RawMessage `json:"state"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Event is one row of the append-only event log.
type Event struct {
	ID         int64           `json:"id"`
	WorkflowID string          `json:"workflow_id"`
	Type       string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"created_at"`
}

// NewEvent is an event waiting to be appended.
type NewEvent struct {
	Type    string
	Payload any
}

// ListFilter narrows ListCheckpoints. Empty fields match everything.
type ListFilter struct {
	Statuses     []string
	WorktreePath string
	Limit        int
}

// Store is implemented by every backend.
type Store interface {
	// Migrate applies the schema. It is idempotent.
	Migrate(ctx context.Context) error
	// Reset drops every table and re-applies the schema.
	Reset(ctx context.Context) error
	Close() error

	// Commit writes cp and appends events in one transaction. cp.Version
	// must be exactly one more than the stored version (1 for a new
	// workflow), otherwise ErrVersionConflict is returned and nothing is
	// written.
	Commit(ctx context.Context, cp Checkpoint, events []NewEvent) ([]Event, error)
	LoadCheckpoint(ctx context.Context, workflowID string) (*Checkpoint, error)
	ListCheckpoints(ctx context.Context, f ListFilter) ([]Checkpoint, error)
	DeleteCheckpoint(ctx context.Context, workflowID string) error
	// DeleteCheckpointsBefore removes checkpoints in one of statuses that
	// were last updated before cutoff.
	DeleteCheckpointsBefore(ctx context.Context, statuses []string, cutoff time.Time) (int64, error)

	// EventsAfter returns events with id > afterID in id order. limit <= 0
	// means no limit.
	EventsAfter(ctx context.Context, afterID int64, limit int) ([]Event, error)
	WorkflowEvents(ctx context.Context, workflowID string, afterID int64) ([]Event, error)
	// PurgeWatermark is the highest event ID ever purged, 0 if none.
	PurgeWatermark(ctx context.Context) (int64, error)
	// PurgeEvents deletes events created before cutoff (zero cutoff skips
	// the age rule) and all but the newest keepLast events (0 skips the
	// count rule). It advances the purge watermark.
	PurgeEvents(ctx context.Context, cutoff time.Time, keepLast int) (int64, error)
}

// DefaultDBPath returns ~/.orchestra/orchestra.db, creating the directory if needed.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	dir := filepath.Join(home, ".orchestra")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create directory %s: %w", dir, err)
	}
	return filepath.Join(dir, "orchestra.db"), nil
}

// IsPostgres reports whether dsn addresses a PostgreSQL server.
func IsPostgres(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

// Open connects to the backend named by dsn. An empty dsn opens the default
// SQLite file. The schema is not migrated; call Migrate.
func Open(ctx context.Context, dsn string) (Store, error) {
	if IsPostgres(dsn) {
		return OpenPostgres(ctx, dsn)
	}
	if dsn == "" {
		path, err := DefaultDBPath()
		if err != nil {
			return nil, err
		}
		dsn = path
	}
	return OpenSQLite(dsn)
}

func marshalPayloads(events []NewEvent) ([][]byte, error) {
	out := make([][]byte, len(events))
	for i, ev := range events {
		if ev.Payload == nil {
			out[i] = []byte("{}")
			continue
		}
		b, err := json.Marshal(ev.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", ev.Type, err)
		}
		out[i] = b
	}
	return out, nil
}

// purgeCutoff picks the highest event ID to delete given the age and count
// rules. ageCut is the newest ID older than the cutoff time.
func purgeCutoff(ageCut, maxID int64, keepLast int) int64 {
	cut := ageCut
	if keepLast > 0 {
		if c := maxID - int64(keepLast); c > cut {
			cut = c
		}
	}
	return cut
}
