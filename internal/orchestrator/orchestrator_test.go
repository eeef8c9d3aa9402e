package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasnoah/orchestra/internal/checkpoint"
	"github.com/lucasnoah/orchestra/internal/config"
	"github.com/lucasnoah/orchestra/internal/db"
	"github.com/lucasnoah/orchestra/internal/guard"
	"github.com/lucasnoah/orchestra/internal/issue"
	"github.com/lucasnoah/orchestra/internal/taskgraph"
	"github.com/lucasnoah/orchestra/internal/workflow"
)

func TestHappyPath(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	st := env.create(t, "/wt/a")
	assert.Equal(t, workflow.StatusPlanning, st.Status)
	assert.True(t, st.Started)
	assert.Equal(t, 1, env.o.Active())

	waitStatus(t, env.o, st.ID, workflow.StatusPendingApproval)
	_, err := env.o.Approve(ctx, st.ID)
	require.NoError(t, err)

	done := waitStatus(t, env.o, st.ID, workflow.StatusCompleted)
	assert.True(t, done.Plan.Done())
	assert.Equal(t, 0, done.ReviewIteration)
	assert.Equal(t, []string{"A", "B"}, env.dev.executed())
	assert.Equal(t, []string{"feat: add model", "orchestra: B"}, env.git.commits)
	assert.Contains(t, done.StagedDiff, "model.go")
	assert.Equal(t, 0, env.o.Active(), "terminal workflows release the worktree")

	assert.Equal(t, []string{
		"workflow_created", "workflow_started", "plan_ready", "workflow_approved",
		"task_started", "task_completed", "task_started", "task_completed",
		"review_started", "review_completed", "workflow_completed",
	}, eventTypes(t, env.store, st.ID))

	events, err := env.o.Events(ctx, st.ID, 0)
	require.NoError(t, err)
	var review map[string]any
	for _, e := range events {
		if e.Type == "review_completed" {
			require.NoError(t, json.Unmarshal(e.Payload, &review))
		}
	}
	assert.Equal(t, "abc123", review["head"])
	assert.Equal(t, true, review["approved"])
}

func TestEventVersionsAreSequential(t *testing.T) {
	env := newTestEnv(t, nil)
	st := env.create(t, "/wt/a")
	waitStatus(t, env.o, st.ID, workflow.StatusPendingApproval)

	cp, err := env.store.LoadCheckpoint(context.Background(), st.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), cp.Version, "created, started, plan_ready")
}

func TestCreateConflictsAndCeiling(t *testing.T) {
	env := newTestEnv(t, func(env *testEnv) { env.cfg.Workflow.MaxConcurrent = 1 })
	ctx := context.Background()

	first := env.create(t, "/wt/a")

	_, err := env.o.Create(ctx, CreateRequest{IssueID: "43", WorktreePath: "/wt/a/"})
	var ce *guard.ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, first.ID, ce.Holder)

	_, err = env.o.Create(ctx, CreateRequest{IssueID: "44", WorktreePath: "/wt/b"})
	assert.ErrorIs(t, err, guard.ErrRateLimited)

	queued, err := env.o.Create(ctx, CreateRequest{IssueID: "45", WorktreePath: "/wt/a", Queue: true})
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusPending, queued.Status)
	assert.False(t, queued.Started)

	_, err = env.o.Start(ctx, queued.ID)
	assert.ErrorIs(t, err, guard.ErrWorkflowConflict)

	_, err = env.o.Cancel(ctx, first.ID)
	require.NoError(t, err)
	waitStatus(t, env.o, first.ID, workflow.StatusCancelled)

	st, err := env.o.Start(ctx, queued.ID)
	require.NoError(t, err)
	assert.True(t, st.Started)
	waitStatus(t, env.o, queued.ID, workflow.StatusPendingApproval)

	_, err = env.o.Start(ctx, queued.ID)
	assert.ErrorIs(t, err, workflow.ErrInvalidState)
}

func TestPlanningKeepsWorktreeSlot(t *testing.T) {
	release := make(chan struct{})
	env := newTestEnv(t, func(env *testEnv) {
		env.arch.plan = func(int) (*taskgraph.Graph, error) {
			<-release
			return taskgraph.New([]taskgraph.Task{{ID: "A"}}, "42")
		}
	})
	ctx := context.Background()
	first := env.create(t, "/wt/a")
	require.Eventually(t, func() bool { return env.arch.calls() == 1 }, 5*time.Second, 5*time.Millisecond)

	snap, err := env.o.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusPlanning, snap.Status)
	assert.Equal(t, 1, env.o.Active())

	_, err = env.o.Create(ctx, CreateRequest{IssueID: "43", WorktreePath: "/wt/a"})
	assert.ErrorIs(t, err, guard.ErrWorkflowConflict)

	close(release)
	waitStatus(t, env.o, first.ID, workflow.StatusPendingApproval)
	_, err = env.o.Reject(ctx, first.ID, "smaller tasks")
	require.NoError(t, err)
	_, err = env.o.Create(ctx, CreateRequest{IssueID: "44", WorktreePath: "/wt/a"})
	assert.ErrorIs(t, err, guard.ErrWorkflowConflict)
	waitStatus(t, env.o, first.ID, workflow.StatusPendingApproval)
}

func TestCreateValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	_, err := env.o.Create(ctx, CreateRequest{WorktreePath: "/wt/a"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = env.o.Create(ctx, CreateRequest{IssueID: "1", WorktreePath: "/wt/a", Profile: "missing"})
	assert.ErrorIs(t, err, ErrInvalidProfile)

	env.teamError = errors.New("api developer needs a diff applier")
	_, err = env.o.Create(ctx, CreateRequest{IssueID: "1", WorktreePath: "/wt/a"})
	assert.ErrorIs(t, err, ErrInvalidProfile)
	assert.Equal(t, 0, env.o.Active())
}

func TestCreateIssueUnavailableReleasesWorktree(t *testing.T) {
	env := newTestEnv(t, func(env *testEnv) {
		env.issues = fakeIssues{err: issue.ErrUnavailable}
	})
	_, err := env.o.Create(context.Background(), CreateRequest{IssueID: "1", WorktreePath: "/wt/a"})
	assert.ErrorIs(t, err, issue.ErrUnavailable)
	assert.Equal(t, 0, env.o.Active())
}

func TestRejectReplansWithFeedback(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	st := env.create(t, "/wt/a")
	waitStatus(t, env.o, st.ID, workflow.StatusPendingApproval)

	_, err := env.o.Reject(ctx, st.ID, "")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = env.o.Reject(ctx, st.ID, "split the handler task")
	require.NoError(t, err)
	replanned := waitStatus(t, env.o, st.ID, workflow.StatusPendingApproval)
	require.NotNil(t, replanned.HumanApproved)
	assert.False(t, *replanned.HumanApproved)

	env.arch.mu.Lock()
	assert.Equal(t, []string{"", "split the handler task"}, env.arch.feedback)
	env.arch.mu.Unlock()
	assert.Equal(t, 1, env.o.Active(), "replanning keeps the worktree")
}

func TestApproveOutsidePendingApproval(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	st := env.create(t, "/wt/a")
	waitStatus(t, env.o, st.ID, workflow.StatusPendingApproval)
	_, err := env.o.Approve(ctx, st.ID)
	require.NoError(t, err)
	waitStatus(t, env.o, st.ID, workflow.StatusCompleted)

	_, err = env.o.Approve(ctx, st.ID)
	var ise *workflow.InvalidStateError
	require.ErrorAs(t, err, &ise)
	assert.Equal(t, workflow.StatusCompleted, ise.Current)

	_, err = env.o.Cancel(ctx, st.ID)
	assert.ErrorIs(t, err, workflow.ErrInvalidState)

	_, err = env.o.Approve(ctx, "no-such-workflow")
	assert.ErrorIs(t, err, db.ErrNotFound)
	_, err = env.o.Get(ctx, "no-such-workflow")
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestReviewCapFailsWorkflow(t *testing.T) {
	env := newTestEnv(t, func(env *testEnv) {
		env.cfg.Workflow.MaxReviewIterations = 2
		env.rev.approve = func(int) bool { return false }
	})
	ctx := context.Background()
	st := env.create(t, "/wt/a")
	waitStatus(t, env.o, st.ID, workflow.StatusPendingApproval)
	_, err := env.o.Approve(ctx, st.ID)
	require.NoError(t, err)

	failed := waitStatus(t, env.o, st.ID, workflow.StatusFailed)
	assert.Equal(t, 2, failed.ReviewIteration)
	assert.Equal(t, 2, env.rev.calls())
	assert.Contains(t, failed.Reason, "review budget exhausted after 2 iterations")
	require.Len(t, failed.ReviewResults, 2)
	assert.Equal(t, 0, failed.ReviewResults[0].Iteration)
	assert.Equal(t, 1, failed.ReviewResults[1].Iteration)
	// both tasks, then one revision pass after the first rejection
	assert.Equal(t, []string{"A", "B", "revision-1"}, env.dev.executed())
	assert.Equal(t, 0, env.o.Active())
}

func TestRevisionThenApproval(t *testing.T) {
	env := newTestEnv(t, func(env *testEnv) {
		env.rev.approve = func(call int) bool { return call > 1 }
	})
	ctx := context.Background()
	st := env.create(t, "/wt/a")
	waitStatus(t, env.o, st.ID, workflow.StatusPendingApproval)
	_, err := env.o.Approve(ctx, st.ID)
	require.NoError(t, err)

	done := waitStatus(t, env.o, st.ID, workflow.StatusCompleted)
	assert.Equal(t, 1, done.ReviewIteration)
	assert.False(t, done.RevisionPending)
	assert.Contains(t, eventTypes(t, env.store, st.ID), "revision_started")
}

func TestFailedTaskRequeuedAfterReview(t *testing.T) {
	attempts := 0
	env := newTestEnv(t, func(env *testEnv) {
		env.dev.status = func(task taskgraph.Task) taskgraph.Status {
			if task.ID == "B" {
				attempts++
				if attempts == 1 {
					return taskgraph.StatusFailed
				}
			}
			return taskgraph.StatusCompleted
		}
		env.rev.approve = func(call int) bool { return call > 1 }
	})
	ctx := context.Background()
	st := env.create(t, "/wt/a")
	waitStatus(t, env.o, st.ID, workflow.StatusPendingApproval)
	_, err := env.o.Approve(ctx, st.ID)
	require.NoError(t, err)

	done := waitStatus(t, env.o, st.ID, workflow.StatusCompleted)
	assert.True(t, done.Plan.Done())
	assert.Equal(t, []string{"A", "B", "B"}, env.dev.executed())
	assert.Contains(t, eventTypes(t, env.store, st.ID), "task_failed")
}

func TestCancelDuringCallDiscardsResult(t *testing.T) {
	env := newTestEnv(t, func(env *testEnv) {
		env.dev.started = make(chan string, 4)
		env.dev.block = make(chan struct{})
	})
	ctx := context.Background()
	st := env.create(t, "/wt/a")
	waitStatus(t, env.o, st.ID, workflow.StatusPendingApproval)
	_, err := env.o.Approve(ctx, st.ID)
	require.NoError(t, err)

	select {
	case id := <-env.dev.started:
		assert.Equal(t, "A", id)
	case <-time.After(5 * time.Second):
		t.Fatal("developer never started")
	}

	snap, err := env.o.Cancel(ctx, st.ID)
	require.NoError(t, err)
	assert.True(t, snap.CancelRequested)
	assert.Equal(t, workflow.StatusExecuting, snap.Status)

	// The call is not interrupted: the workflow waits for it.
	time.Sleep(100 * time.Millisecond)
	pending, err := env.o.Get(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusExecuting, pending.Status)
	assert.False(t, env.dev.wasInterrupted())

	close(env.dev.block)

	cancelled := waitStatus(t, env.o, st.ID, workflow.StatusCancelled)
	assert.False(t, cancelled.CancelRequested)
	task, ok := cancelled.Plan.Task("A")
	require.True(t, ok)
	assert.Equal(t, taskgraph.StatusInProgress, task.Status, "the finished result is discarded")
	assert.Equal(t, []string{"A"}, env.dev.executed(), "no retry after cancel")
	assert.Empty(t, env.git.commits)
	assert.Equal(t, 0, env.o.Active())

	types := eventTypes(t, env.store, st.ID)
	assert.Contains(t, types, "cancel_requested")
	assert.Equal(t, "workflow_cancelled", types[len(types)-1])
}

func TestPlanWithBlankTaskIDFails(t *testing.T) {
	env := newTestEnv(t, func(env *testEnv) {
		env.arch.plan = func(int) (*taskgraph.Graph, error) {
			return &taskgraph.Graph{Tasks: []taskgraph.Task{{ID: "", Status: taskgraph.StatusPending}}}, nil
		}
	})
	st := env.create(t, "/wt/a")

	failed := waitStatus(t, env.o, st.ID, workflow.StatusFailed)
	assert.Nil(t, failed.Plan)
	assert.Contains(t, failed.Reason, "empty task id")
	assert.Empty(t, env.dev.executed())
	assert.Equal(t, 0, env.o.Active())
}

func TestCancelIdleIsImmediate(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	st := env.create(t, "/wt/a")
	waitStatus(t, env.o, st.ID, workflow.StatusPendingApproval)

	snap, err := env.o.Cancel(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCancelled, snap.Status)
	assert.Equal(t, 0, env.o.Active())
}

func TestRetriesThenPlanFails(t *testing.T) {
	env := newTestEnv(t, func(env *testEnv) {
		env.arch.plan = func(int) (*taskgraph.Graph, error) { return nil, errFlaky }
	})
	st := env.create(t, "/wt/a")

	failed := waitStatus(t, env.o, st.ID, workflow.StatusFailed)
	assert.Equal(t, 3, env.arch.calls(), "one attempt plus max_retries")
	assert.Contains(t, failed.Reason, "planning failed")
	assert.Contains(t, failed.Reason, errFlaky.Error())
	assert.Equal(t, 0, env.o.Active())
}

func TestRetryRecovers(t *testing.T) {
	env := newTestEnv(t, func(env *testEnv) {
		env.arch.plan = func(call int) (*taskgraph.Graph, error) {
			if call == 1 {
				return nil, errFlaky
			}
			return taskgraph.New([]taskgraph.Task{{ID: "A", Description: "a"}}, "42")
		}
	})
	st := env.create(t, "/wt/a")
	waitStatus(t, env.o, st.ID, workflow.StatusPendingApproval)
	assert.Equal(t, 2, env.arch.calls())
}

func TestIllegalTaskTransitionFailsOnlyThatWorkflow(t *testing.T) {
	env := newTestEnv(t, func(env *testEnv) {
		env.dev.status = func(task taskgraph.Task) taskgraph.Status {
			if task.Description == "model" {
				return taskgraph.StatusPending
			}
			return taskgraph.StatusCompleted
		}
	})
	ctx := context.Background()

	bad := env.create(t, "/wt/a")
	waitStatus(t, env.o, bad.ID, workflow.StatusPendingApproval)

	env.arch.plan = func(int) (*taskgraph.Graph, error) {
		return taskgraph.New([]taskgraph.Task{{ID: "C", Description: "other"}}, "7")
	}
	good := env.create(t, "/wt/b")
	waitStatus(t, env.o, good.ID, workflow.StatusPendingApproval)

	_, err := env.o.Approve(ctx, bad.ID)
	require.NoError(t, err)
	failed := waitStatus(t, env.o, bad.ID, workflow.StatusFailed)
	assert.Contains(t, failed.Reason, "cannot move from in_progress to pending")

	_, err = env.o.Approve(ctx, good.ID)
	require.NoError(t, err)
	waitStatus(t, env.o, good.ID, workflow.StatusCompleted)
}

// seedExecuting persists a workflow that crashed while task A was running.
func seedExecuting(t *testing.T, store db.Store, id, worktree, profile string) {
	t.Helper()
	ctx := context.Background()
	cp := checkpoint.New(store)
	m := workflow.NewMachine(3)

	st := workflow.NewState(id, workflow.Issue{ID: "9", Title: "crash"}, worktree, profile, time.Now().UTC())
	_, err := cp.Save(ctx, st, nil)
	require.NoError(t, err)

	g, err := taskgraph.New([]taskgraph.Task{
		{ID: "A", Description: "a"},
		{ID: "B", Description: "b", Dependencies: []string{"A"}},
	}, "9")
	require.NoError(t, err)
	for _, ev := range []workflow.Event{
		{Kind: workflow.EventStart},
		{Kind: workflow.EventPlanReady, Plan: g},
		{Kind: workflow.EventApprove},
		{Kind: workflow.EventTaskDispatch, TaskID: "A"},
	} {
		next, recs, err := m.Transition(st, ev)
		require.NoError(t, err)
		_, err = cp.Save(ctx, next, recs)
		require.NoError(t, err)
		st = next
	}
}

func TestResume(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	seedExecuting(t, env.store, "wf-crashed", "/wt/a", config.DefaultProfile)
	seedExecuting(t, env.store, "wf-orphan", "/wt/b", "deleted-profile")
	queued := workflow.NewState("wf-queued", workflow.Issue{ID: "10"}, "/wt/c", config.DefaultProfile, time.Now().UTC())
	_, err := checkpoint.New(env.store).Save(ctx, queued, nil)
	require.NoError(t, err)

	n, err := env.o.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	done := waitStatus(t, env.o, "wf-crashed", workflow.StatusCompleted)
	assert.True(t, done.Plan.Done())
	assert.Equal(t, []string{"A", "B"}, env.dev.executed(), "interrupted task runs again")
	assert.Contains(t, eventTypes(t, env.store, "wf-crashed"), "workflow_resumed")

	orphan := waitStatus(t, env.o, "wf-orphan", workflow.StatusFailed)
	assert.Contains(t, orphan.Reason, "deleted-profile")

	q, err := env.o.Get(ctx, "wf-queued")
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusPending, q.Status)
	_, err = env.o.Start(ctx, "wf-queued")
	require.NoError(t, err)
	waitStatus(t, env.o, "wf-queued", workflow.StatusPendingApproval)
}

func TestResumeRespectsLoweredCeiling(t *testing.T) {
	env := newTestEnv(t, func(env *testEnv) { env.cfg.Workflow.MaxConcurrent = 1 })
	ctx := context.Background()
	seedExecuting(t, env.store, "wf-1", "/wt/a", config.DefaultProfile)
	seedExecuting(t, env.store, "wf-2", "/wt/b", config.DefaultProfile)

	n, err := env.o.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var completed, failed int
	require.Eventually(t, func() bool {
		completed, failed = 0, 0
		for _, id := range []string{"wf-1", "wf-2"} {
			st, err := env.o.Get(ctx, id)
			if err != nil {
				return false
			}
			switch st.Status {
			case workflow.StatusCompleted:
				completed++
			case workflow.StatusFailed:
				failed++
				assert.Contains(t, st.Reason, "ceiling")
			}
		}
		return completed == 1 && failed == 1
	}, 5*time.Second, 5*time.Millisecond)
}

func TestCloseLeavesWorkflowResumable(t *testing.T) {
	env := newTestEnv(t, func(env *testEnv) {
		env.dev.started = make(chan string, 4)
		env.dev.block = make(chan struct{})
	})
	ctx := context.Background()
	st := env.create(t, "/wt/a")
	waitStatus(t, env.o, st.ID, workflow.StatusPendingApproval)
	_, err := env.o.Approve(ctx, st.ID)
	require.NoError(t, err)
	<-env.dev.started

	env.o.Close()
	persisted, err := checkpoint.New(env.store).Load(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusExecuting, persisted.Status)

	close(env.dev.block)
	env.guard = guard.New(5)
	restarted := env.start(t)
	n, err := restarted.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	waitStatus(t, restarted, st.ID, workflow.StatusCompleted)
}
