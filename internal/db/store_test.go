package db

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *SQLite {
	t.Helper()
	d, err := OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, d.Migrate(context.Background()))
	t.Cleanup(func() { d.Close() })
	return d
}

// backends returns every Store implementation reachable from this test run.
// PostgreSQL is exercised only when ORCHESTRA_TEST_POSTGRES_DSN is set.
func backends(t *testing.T) map[string]Store {
	t.Helper()
	out := map[string]Store{"sqlite": testDB(t)}
	if dsn := os.Getenv("ORCHESTRA_TEST_POSTGRES_DSN"); dsn != "" {
		ctx := context.Background()
		pg, err := OpenPostgres(ctx, dsn)
		require.NoError(t, err)
		require.NoError(t, pg.Reset(ctx))
		t.Cleanup(func() { pg.Close() })
		out["postgres"] = pg
	}
	return out
}

func cp(id string, version int64, status string) Checkpoint {
	return Checkpoint{
		WorkflowID:   id,
		WorktreePath: "/wt/" + id,
		Status:       status,
		Version:      version,
		State:        json.RawMessage(`{"id":"` + id + `","status":"` + status + `"}`),
	}
}

func TestMigrate(t *testing.T) {
	ctx := context.Background()
	d := testDB(t)

	for _, table := range []string{"schema_version", "checkpoints", "workflow_events", "event_watermark"} {
		var name string
		err := d.conn.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		assert.NoError(t, err, "table %s", table)
	}
	require.NoError(t, d.Migrate(ctx), "second migrate should be a no-op")
}

func TestCommitAndLoad(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			events, err := s.Commit(ctx, cp("wf-1", 1, "pending"), []NewEvent{{Type: "workflow_created", Payload: map[string]any{"issue": "7"}}})
			require.NoError(t, err)
			require.Len(t, events, 1)
			assert.Positive(t, events[0].ID)
			assert.JSONEq(t, `{"issue":"7"}`, string(events[0].Payload))

			got, err := s.LoadCheckpoint(ctx, "wf-1")
			require.NoError(t, err)
			assert.Equal(t, int64(1), got.Version)
			assert.Equal(t, "pending", got.Status)
			assert.JSONEq(t, `{"id":"wf-1","status":"pending"}`, string(got.State))

			more, err := s.Commit(ctx, cp("wf-1", 2, "planning"), []NewEvent{{Type: "workflow_started"}, {Type: "x"}})
			require.NoError(t, err)
			require.Len(t, more, 2)
			assert.Less(t, events[0].ID, more[0].ID)
			assert.Less(t, more[0].ID, more[1].ID)

			got, err = s.LoadCheckpoint(ctx, "wf-1")
			require.NoError(t, err)
			assert.Equal(t, "planning", got.Status)
		})
	}
}

func TestCommitVersionConflictRollsBack(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := s.Commit(ctx, cp("wf-1", 1, "pending"), []NewEvent{{Type: "a"}})
			require.NoError(t, err)

			_, err = s.Commit(ctx, cp("wf-1", 1, "pending"), []NewEvent{{Type: "dup"}})
			assert.ErrorIs(t, err, ErrVersionConflict)

			_, err = s.Commit(ctx, cp("wf-1", 5, "executing"), []NewEvent{{Type: "skipped"}})
			assert.ErrorIs(t, err, ErrVersionConflict)

			events, err := s.EventsAfter(ctx, 0, 0)
			require.NoError(t, err)
			require.Len(t, events, 1, "failed commits must not append events")
			assert.Equal(t, "a", events[0].Type)

			got, err := s.LoadCheckpoint(ctx, "wf-1")
			require.NoError(t, err)
			assert.Equal(t, int64(1), got.Version)
		})
	}
}

func TestCommitBadPayloadWritesNothing(t *testing.T) {
	ctx := context.Background()
	s := testDB(t)
	_, err := s.Commit(ctx, cp("wf-1", 1, "pending"), []NewEvent{{Type: "bad", Payload: make(chan int)}})
	require.Error(t, err)

	_, err = s.LoadCheckpoint(ctx, "wf-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListAndDeleteCheckpoints(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, c := range []Checkpoint{cp("a", 1, "executing"), cp("b", 1, "completed"), cp("c", 1, "planning")} {
				_, err := s.Commit(ctx, c, nil)
				require.NoError(t, err)
			}

			active, err := s.ListCheckpoints(ctx, ListFilter{Statuses: []string{"executing", "planning"}})
			require.NoError(t, err)
			assert.Len(t, active, 2)

			byPath, err := s.ListCheckpoints(ctx, ListFilter{WorktreePath: "/wt/b"})
			require.NoError(t, err)
			require.Len(t, byPath, 1)
			assert.Equal(t, "b", byPath[0].WorkflowID)

			n, err := s.DeleteCheckpointsBefore(ctx, []string{"completed"}, time.Now().Add(time.Hour))
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)

			require.NoError(t, s.DeleteCheckpoint(ctx, "a"))
			require.NoError(t, s.DeleteCheckpoint(ctx, "a"))
			all, err := s.ListCheckpoints(ctx, ListFilter{})
			require.NoError(t, err)
			require.Len(t, all, 1)
			assert.Equal(t, "c", all[0].WorkflowID)
		})
	}
}

func TestEventsAfterAndWorkflowEvents(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			a, err := s.Commit(ctx, cp("a", 1, "pending"), []NewEvent{{Type: "a1"}, {Type: "a2"}})
			require.NoError(t, err)
			_, err = s.Commit(ctx, cp("b", 1, "pending"), []NewEvent{{Type: "b1"}})
			require.NoError(t, err)

			after, err := s.EventsAfter(ctx, a[0].ID, 0)
			require.NoError(t, err)
			require.Len(t, after, 2)
			assert.Equal(t, "a2", after[0].Type)
			assert.Equal(t, "b1", after[1].Type)

			limited, err := s.EventsAfter(ctx, 0, 1)
			require.NoError(t, err)
			assert.Len(t, limited, 1)

			onlyA, err := s.WorkflowEvents(ctx, "a", 0)
			require.NoError(t, err)
			assert.Len(t, onlyA, 2)
		})
	}
}

func TestPurgeEventsByCount(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var all []Event
			for i, c := range []Checkpoint{cp("a", 1, "pending"), cp("b", 1, "pending"), cp("c", 1, "pending")} {
				evs, err := s.Commit(ctx, c, []NewEvent{{Type: "e", Payload: map[string]int{"i": i}}})
				require.NoError(t, err)
				all = append(all, evs...)
			}

			wm, err := s.PurgeWatermark(ctx)
			require.NoError(t, err)
			assert.Zero(t, wm)

			n, err := s.PurgeEvents(ctx, time.Time{}, 1)
			require.NoError(t, err)
			assert.Equal(t, int64(2), n)

			wm, err = s.PurgeWatermark(ctx)
			require.NoError(t, err)
			assert.Equal(t, all[1].ID, wm)

			left, err := s.EventsAfter(ctx, 0, 0)
			require.NoError(t, err)
			require.Len(t, left, 1)
			assert.Equal(t, all[2].ID, left[0].ID)
		})
	}
}

func TestPurgeEventsByAge(t *testing.T) {
	ctx := context.Background()
	s := testDB(t)
	evs, err := s.Commit(ctx, cp("a", 1, "pending"), []NewEvent{{Type: "old"}})
	require.NoError(t, err)

	n, err := s.PurgeEvents(ctx, time.Now().Add(-time.Hour), 0)
	require.NoError(t, err)
	assert.Zero(t, n, "nothing is older than an hour")

	n, err = s.PurgeEvents(ctx, time.Now().Add(time.Second), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	wm, err := s.PurgeWatermark(ctx)
	require.NoError(t, err)
	assert.Equal(t, evs[0].ID, wm)

	// Watermark never moves backwards.
	_, err = s.PurgeEvents(ctx, time.Time{}, 10)
	require.NoError(t, err)
	wm2, _ := s.PurgeWatermark(ctx)
	assert.Equal(t, wm, wm2)
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	s := testDB(t)
	_, err := s.Commit(ctx, cp("a", 1, "pending"), []NewEvent{{Type: "e"}})
	require.NoError(t, err)

	require.NoError(t, s.Reset(ctx))
	_, err = s.LoadCheckpoint(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOpenPicksBackend(t *testing.T) {
	assert.True(t, IsPostgres("postgres://u@h/db"))
	assert.True(t, IsPostgres("postgresql://u@h/db"))
	assert.False(t, IsPostgres("/var/lib/orchestra.db"))

	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "o.db"))
	require.NoError(t, err)
	defer s.Close()
	_, ok := s.(*SQLite)
	assert.True(t, ok)
}

func TestPurgeCutoff(t *testing.T) {
	assert.Equal(t, int64(0), purgeCutoff(0, 10, 0))
	assert.Equal(t, int64(7), purgeCutoff(0, 10, 3))
	assert.Equal(t, int64(8), purgeCutoff(8, 10, 3))
	assert.Equal(t, int64(0), purgeCutoff(0, 2, 5))
}
