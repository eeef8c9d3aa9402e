package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

var _ Store = (*SQLite)(nil)

// SQLite is the embedded Store backend.
type SQLite struct {
	conn *sql.DB
	path string
}

// OpenSQLite opens or creates the database at path.
func OpenSQLite(path string) (*SQLite, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	return &SQLite{conn: conn, path: path}, nil
}

// Close closes the database connection.
func (d *SQLite) Close() error {
	return d.conn.Close()
}

// Conn returns the underlying *sql.DB for advanced queries.
func (d *SQLite) Conn() *sql.DB {
	return d.conn
}

const sqliteSchemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS checkpoints (
    workflow_id   TEXT PRIMARY KEY,
    worktree_path TEXT NOT NULL,
    status        TEXT NOT NULL,
    version       INTEGER NOT NULL,
    state         TEXT NOT NULL,
    created_at    TEXT NOT NULL,
    updated_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_status ON checkpoints(status, updated_at);

CREATE TABLE IF NOT EXISTS workflow_events (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    workflow_id TEXT NOT NULL,
    event_type  TEXT NOT NULL,
    payload     TEXT NOT NULL,
    created_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_workflow ON workflow_events(workflow_id, id);

CREATE TABLE IF NOT EXISTS event_watermark (
    id             INTEGER PRIMARY KEY CHECK (id = 1),
    purged_through INTEGER NOT NULL
);
INSERT OR IGNORE INTO event_watermark (id, purged_through) VALUES (1, 0);
`

// Migrate applies the database schema.
func (d *SQLite) Migrate(ctx context.Context) error {
	var count int
	err := d.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_version WHERE version = 1").Scan(&count)
	if err == nil && count > 0 {
		return nil
	}

	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, sqliteSchemaV1); err != nil {
		return fmt.Errorf("apply schema v1: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (1)"); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

// Reset drops all tables and re-applies the schema.
func (d *SQLite) Reset(ctx context.Context) error {
	tables := []string{"workflow_events", "event_watermark", "checkpoints", "schema_version"}
	for _, t := range tables {
		if _, err := d.conn.ExecContext(ctx, "DROP TABLE IF EXISTS "+t); err != nil {
			return fmt.Errorf("drop table %s: %w", t, err)
		}
	}
	return d.Migrate(ctx)
}

// Commit writes the checkpoint and appends events atomically.
func (d *SQLite) Commit(ctx context.Context, cp Checkpoint, events []NewEvent) ([]Event, error) {
	payloads, err := marshalPayloads(events)
	if err != nil {
		return nil, err
	}

	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if cp.Version <= 1 {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO checkpoints (workflow_id, worktree_path, status, version, state, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			cp.WorkflowID, cp.WorktreePath, cp.Status, cp.Version, string(cp.State),
			formatTime(orNow(cp.CreatedAt, now)), formatTime(orNow(cp.UpdatedAt, now)))
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE") {
				return nil, fmt.Errorf("insert checkpoint %s: %w", cp.WorkflowID, ErrVersionConflict)
			}
			return nil, fmt.Errorf("insert checkpoint %s: %w", cp.WorkflowID, err)
		}
	} else {
		res, err := tx.ExecContext(ctx,
			`UPDATE checkpoints SET worktree_path = ?, status = ?, version = ?, state = ?, updated_at = ?
			 WHERE workflow_id = ? AND version = ?`,
			cp.WorktreePath, cp.Status, cp.Version, string(cp.State), formatTime(orNow(cp.UpdatedAt, now)),
			cp.WorkflowID, cp.Version-1)
		if err != nil {
			return nil, fmt.Errorf("update checkpoint %s: %w", cp.WorkflowID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, fmt.Errorf("update checkpoint %s to version %d: %w", cp.WorkflowID, cp.Version, ErrVersionConflict)
		}
	}

	out := make([]Event, 0, len(events))
	for i, ev := range events {
		created := now
		res, err := tx.ExecContext(ctx,
			"INSERT INTO workflow_events (workflow_id, event_type, payload, created_at) VALUES (?, ?, ?, ?)",
			cp.WorkflowID, ev.Type, string(payloads[i]), formatTime(created))
		if err != nil {
			return nil, fmt.Errorf("append event %s: %w", ev.Type, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("event id: %w", err)
		}
		out = append(out, Event{ID: id, WorkflowID: cp.WorkflowID, Type: ev.Type, Payload: payloads[i], CreatedAt: created})
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return out, nil
}

func orNow(t, now time.Time) time.Time {
	if t.IsZero() {
		return now
	}
	return t
}

const checkpointColumns = "workflow_id, worktree_path, status, version, state, created_at, updated_at"

func scanCheckpoint(row interface{ Scan(...any) error }) (*Checkpoint, error) {
	var cp Checkpoint
	var state, created, updated string
	if err := row.Scan(&cp.WorkflowID, &cp.WorktreePath, &cp.Status, &cp.Version, &state, &created, &updated); err != nil {
		return nil, err
	}
	cp.State = []byte(state)
	cp.CreatedAt = parseTime(created)
	cp.UpdatedAt = parseTime(updated)
	return &cp, nil
}

// LoadCheckpoint returns the checkpoint for workflowID or ErrNotFound.
func (d *SQLite) LoadCheckpoint(ctx context.Context, workflowID string) (*Checkpoint, error) {
	row := d.conn.QueryRowContext(ctx, "SELECT "+checkpointColumns+" FROM checkpoints WHERE workflow_id = ?", workflowID)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("checkpoint %s: %w", workflowID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", workflowID, err)
	}
	return cp, nil
}

// ListCheckpoints returns checkpoints matching f, oldest first.
func (d *SQLite) ListCheckpoints(ctx context.Context, f ListFilter) ([]Checkpoint, error) {
	query := "SELECT " + checkpointColumns + " FROM checkpoints"
	var where []string
	var args []any
	if len(f.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, s := range f.Statuses {
			args = append(args, s)
		}
	}
	if f.WorktreePath != "" {
		where = append(where, "worktree_path = ?")
		args = append(args, f.WorktreePath)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, workflow_id ASC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := d.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		out = append(out, *cp)
	}
	return out, rows.Err()
}

// DeleteCheckpoint removes one checkpoint. Deleting a missing one is not an error.
func (d *SQLite) DeleteCheckpoint(ctx context.Context, workflowID string) error {
	if _, err := d.conn.ExecContext(ctx, "DELETE FROM checkpoints WHERE workflow_id = ?", workflowID); err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", workflowID, err)
	}
	return nil
}

// DeleteCheckpointsBefore removes stale checkpoints in the given statuses.
func (d *SQLite) DeleteCheckpointsBefore(ctx context.Context, statuses []string, cutoff time.Time) (int64, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	args := []any{formatTime(cutoff)}
	for _, s := range statuses {
		args = append(args, s)
	}
	res, err := d.conn.ExecContext(ctx,
		"DELETE FROM checkpoints WHERE updated_at < ? AND status IN ("+placeholders(len(statuses))+")", args...)
	if err != nil {
		return 0, fmt.Errorf("delete checkpoints: %w", err)
	}
	return res.RowsAffected()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var ev Event
		var payload, created string
		if err := rows.Scan(&ev.ID, &ev.WorkflowID, &ev.Type, &payload, &created); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Payload = []byte(payload)
		ev.CreatedAt = parseTime(created)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// EventsAfter returns events with id > afterID in order.
func (d *SQLite) EventsAfter(ctx context.Context, afterID int64, limit int) ([]Event, error) {
	query := "SELECT id, workflow_id, event_type, payload, created_at FROM workflow_events WHERE id > ? ORDER BY id ASC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := d.conn.QueryContext(ctx, query, afterID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	return scanEvents(rows)
}

// WorkflowEvents returns one workflow's events with id > afterID in order.
func (d *SQLite) WorkflowEvents(ctx context.Context, workflowID string, afterID int64) ([]Event, error) {
	rows, err := d.conn.QueryContext(ctx,
		`SELECT id, workflow_id, event_type, payload, created_at FROM workflow_events
		 WHERE workflow_id = ? AND id > ? ORDER BY id ASC`, workflowID, afterID)
	if err != nil {
		return nil, fmt.Errorf("query workflow events: %w", err)
	}
	return scanEvents(rows)
}

// PurgeWatermark returns the highest purged event ID.
func (d *SQLite) PurgeWatermark(ctx context.Context) (int64, error) {
	var wm int64
	err := d.conn.QueryRowContext(ctx, "SELECT purged_through FROM event_watermark WHERE id = 1").Scan(&wm)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read watermark: %w", err)
	}
	return wm, nil
}

// PurgeEvents applies the retention rules and advances the watermark.
func (d *SQLite) PurgeEvents(ctx context.Context, cutoff time.Time, keepLast int) (int64, error) {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var maxID, ageCut int64
	if err := tx.QueryRowContext(ctx, "SELECT COALESCE(MAX(id), 0) FROM workflow_events").Scan(&maxID); err != nil {
		return 0, fmt.Errorf("max event id: %w", err)
	}
	if !cutoff.IsZero() {
		if err := tx.QueryRowContext(ctx,
			"SELECT COALESCE(MAX(id), 0) FROM workflow_events WHERE created_at < ?", formatTime(cutoff)).Scan(&ageCut); err != nil {
			return 0, fmt.Errorf("age cutoff: %w", err)
		}
	}
	cut := purgeCutoff(ageCut, maxID, keepLast)
	if cut <= 0 {
		return 0, nil
	}

	res, err := tx.ExecContext(ctx, "DELETE FROM workflow_events WHERE id <= ?", cut)
	if err != nil {
		return 0, fmt.Errorf("delete events: %w", err)
	}
	n, _ := res.RowsAffected()
	if _, err := tx.ExecContext(ctx,
		"UPDATE event_watermark SET purged_through = MAX(purged_through, ?) WHERE id = 1", cut); err != nil {
		return 0, fmt.Errorf("advance watermark: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return n, nil
}
