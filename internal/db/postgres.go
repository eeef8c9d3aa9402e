package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ Store = (*Postgres)(nil)

// Postgres is the server-backed Store, for deployments running several
// orchestrator processes against one database.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects a pool to dsn and pings it.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Close closes the pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

const postgresSchemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS checkpoints (
    workflow_id   TEXT PRIMARY KEY,
    worktree_path TEXT NOT NULL,
    status        TEXT NOT NULL,
    version       BIGINT NOT NULL,
    state         JSONB NOT NULL,
    created_at    TIMESTAMPTZ NOT NULL,
    updated_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_status ON checkpoints(status, updated_at);

CREATE TABLE IF NOT EXISTS workflow_events (
    id          BIGSERIAL PRIMARY KEY,
    workflow_id TEXT NOT NULL,
    event_type  TEXT NOT NULL,
    payload     JSONB NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_workflow ON workflow_events(workflow_id, id);

CREATE TABLE IF NOT EXISTS event_watermark (
    id             INTEGER PRIMARY KEY CHECK (id = 1),
    purged_through BIGINT NOT NULL
);
INSERT INTO event_watermark (id, purged_through) VALUES (1, 0) ON CONFLICT (id) DO NOTHING;
`

// Migrate applies the schema.
func (p *Postgres) Migrate(ctx context.Context) error {
	var count int
	err := p.pool.QueryRow(ctx, "SELECT COUNT(*) FROM schema_version WHERE version = 1").Scan(&count)
	if err == nil && count > 0 {
		return nil
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, postgresSchemaV1); err != nil {
		return fmt.Errorf("apply schema v1: %w", err)
	}
	if _, err := tx.Exec(ctx, "INSERT INTO schema_version (version) VALUES (1) ON CONFLICT DO NOTHING"); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit(ctx)
}

// Reset drops all tables and re-applies the schema.
func (p *Postgres) Reset(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx,
		"DROP TABLE IF EXISTS workflow_events, event_watermark, checkpoints, schema_version"); err != nil {
		return fmt.Errorf("drop tables: %w", err)
	}
	return p.Migrate(ctx)
}

// Commit writes the checkpoint and appends events atomically.
func (p *Postgres) Commit(ctx context.Context, cp Checkpoint, events []NewEvent) ([]Event, error) {
	payloads, err := marshalPayloads(events)
	if err != nil {
		return nil, err
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	if cp.Version <= 1 {
		_, err := tx.Exec(ctx,
			`INSERT INTO checkpoints (workflow_id, worktree_path, status, version, state, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			cp.WorkflowID, cp.WorktreePath, cp.Status, cp.Version, json.RawMessage(cp.State),
			orNow(cp.CreatedAt, now), orNow(cp.UpdatedAt, now))
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return nil, fmt.Errorf("insert checkpoint %s: %w", cp.WorkflowID, ErrVersionConflict)
			}
			return nil, fmt.Errorf("insert checkpoint %s: %w", cp.WorkflowID, err)
		}
	} else {
		tag, err := tx.Exec(ctx,
			`UPDATE checkpoints SET worktree_path = $1, status = $2, version = $3, state = $4, updated_at = $5
			 WHERE workflow_id = $6 AND version = $7`,
			cp.WorktreePath, cp.Status, cp.Version, json.RawMessage(cp.State), orNow(cp.UpdatedAt, now),
			cp.WorkflowID, cp.Version-1)
		if err != nil {
			return nil, fmt.Errorf("update checkpoint %s: %w", cp.WorkflowID, err)
		}
		if tag.RowsAffected() == 0 {
			return nil, fmt.Errorf("update checkpoint %s to version %d: %w", cp.WorkflowID, cp.Version, ErrVersionConflict)
		}
	}

	out := make([]Event, 0, len(events))
	for i, ev := range events {
		var id int64
		err := tx.QueryRow(ctx,
			`INSERT INTO workflow_events (workflow_id, event_type, payload, created_at)
			 VALUES ($1, $2, $3, $4) RETURNING id`,
			cp.WorkflowID, ev.Type, json.RawMessage(payloads[i]), now).Scan(&id)
		if err != nil {
			return nil, fmt.Errorf("append event %s: %w", ev.Type, err)
		}
		out = append(out, Event{ID: id, WorkflowID: cp.WorkflowID, Type: ev.Type, Payload: payloads[i], CreatedAt: now})
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return out, nil
}

func scanPgCheckpoint(row pgx.Row) (*Checkpoint, error) {
	var cp Checkpoint
	var state []byte
	if err := row.Scan(&cp.WorkflowID, &cp.WorktreePath, &cp.Status, &cp.Version, &state, &cp.CreatedAt, &cp.UpdatedAt); err != nil {
		return nil, err
	}
	cp.State = state
	return &cp, nil
}

// LoadCheckpoint returns the checkpoint for workflowID or ErrNotFound.
func (p *Postgres) LoadCheckpoint(ctx context.Context, workflowID string) (*Checkpoint, error) {
	row := p.pool.QueryRow(ctx, "SELECT "+checkpointColumns+" FROM checkpoints WHERE workflow_id = $1", workflowID)
	cp, err := scanPgCheckpoint(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("checkpoint %s: %w", workflowID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", workflowID, err)
	}
	return cp, nil
}

// ListCheckpoints returns checkpoints matching f, oldest first.
func (p *Postgres) ListCheckpoints(ctx context.Context, f ListFilter) ([]Checkpoint, error) {
	query := "SELECT " + checkpointColumns + " FROM checkpoints"
	var where []string
	var args []any
	if len(f.Statuses) > 0 {
		args = append(args, f.Statuses)
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if f.WorktreePath != "" {
		args = append(args, f.WorktreePath)
		where = append(where, fmt.Sprintf("worktree_path = $%d", len(args)))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, workflow_id ASC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		cp, err := scanPgCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		out = append(out, *cp)
	}
	return out, rows.Err()
}

// DeleteCheckpoint removes one checkpoint.
func (p *Postgres) DeleteCheckpoint(ctx context.Context, workflowID string) error {
	if _, err := p.pool.Exec(ctx, "DELETE FROM checkpoints WHERE workflow_id = $1", workflowID); err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", workflowID, err)
	}
	return nil
}

// DeleteCheckpointsBefore removes stale checkpoints in the given statuses.
func (p *Postgres) DeleteCheckpointsBefore(ctx context.Context, statuses []string, cutoff time.Time) (int64, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	tag, err := p.pool.Exec(ctx,
		"DELETE FROM checkpoints WHERE updated_at < $1 AND status = ANY($2)", cutoff, statuses)
	if err != nil {
		return 0, fmt.Errorf("delete checkpoints: %w", err)
	}
	return tag.RowsAffected(), nil
}

func collectEvents(rows pgx.Rows) ([]Event, error) {
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var ev Event
		var payload []byte
		if err := rows.Scan(&ev.ID, &ev.WorkflowID, &ev.Type, &payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Payload = payload
		out = append(out, ev)
	}
	return out, rows.Err()
}

// EventsAfter returns events with id > afterID in order.
func (p *Postgres) EventsAfter(ctx context.Context, afterID int64, limit int) ([]Event, error) {
	query := "SELECT id, workflow_id, event_type, payload, created_at FROM workflow_events WHERE id > $1 ORDER BY id ASC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := p.pool.Query(ctx, query, afterID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	return collectEvents(rows)
}

// WorkflowEvents returns one workflow's events with id > afterID in order.
func (p *Postgres) WorkflowEvents(ctx context.Context, workflowID string, afterID int64) ([]Event, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, workflow_id, event_type, payload, created_at FROM workflow_events
		 WHERE workflow_id = $1 AND id > $2 ORDER BY id ASC`, workflowID, afterID)
	if err != nil {
		return nil, fmt.Errorf("query workflow events: %w", err)
	}
	return collectEvents(rows)
}

// PurgeWatermark returns the highest purged event ID.
func (p *Postgres) PurgeWatermark(ctx context.Context) (int64, error) {
	var wm int64
	err := p.pool.QueryRow(ctx, "SELECT purged_through FROM event_watermark WHERE id = 1").Scan(&wm)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read watermark: %w", err)
	}
	return wm, nil
}

// PurgeEvents applies the retention rules and advances the watermark.
func (p *Postgres) PurgeEvents(ctx context.Context, cutoff time.Time, keepLast int) (int64, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var maxID, ageCut int64
	if err := tx.QueryRow(ctx, "SELECT COALESCE(MAX(id), 0) FROM workflow_events").Scan(&maxID); err != nil {
		return 0, fmt.Errorf("max event id: %w", err)
	}
	if !cutoff.IsZero() {
		if err := tx.QueryRow(ctx,
			"SELECT COALESCE(MAX(id), 0) FROM workflow_events WHERE created_at < $1", cutoff).Scan(&ageCut); err != nil {
			return 0, fmt.Errorf("age cutoff: %w", err)
		}
	}
	cut := purgeCutoff(ageCut, maxID, keepLast)
	if cut <= 0 {
		return 0, nil
	}

	tag, err := tx.Exec(ctx, "DELETE FROM workflow_events WHERE id <= $1", cut)
	if err != nil {
		return 0, fmt.Errorf("delete events: %w", err)
	}
	if _, err := tx.Exec(ctx,
		"UPDATE event_watermark SET purged_through = GREATEST(purged_through, $1) WHERE id = 1", cut); err != nil {
		return 0, fmt.Errorf("advance watermark: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return tag.RowsAffected(), nil
}
