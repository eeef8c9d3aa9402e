package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/lucasnoah/orchestra/internal/agent"
	"github.com/lucasnoah/orchestra/internal/checkpoint"
	"github.com/lucasnoah/orchestra/internal/config"
	"github.com/lucasnoah/orchestra/internal/db"
	"github.com/lucasnoah/orchestra/internal/eventbus"
	"github.com/lucasnoah/orchestra/internal/guard"
	"github.com/lucasnoah/orchestra/internal/issue"
	"github.com/lucasnoah/orchestra/internal/metrics"
	"github.com/lucasnoah/orchestra/internal/taskgraph"
	"github.com/lucasnoah/orchestra/internal/workflow"
)

type fakeArchitect struct {
	mu       sync.Mutex
	feedback []string
	plan     func(call int) (*taskgraph.Graph, error)
}

func (f *fakeArchitect) Plan(_ context.Context, iss workflow.Issue, feedback string) (*taskgraph.Graph, error) {
	f.mu.Lock()
	f.feedback = append(f.feedback, feedback)
	n := len(f.feedback)
	f.mu.Unlock()
	if f.plan != nil {
		return f.plan(n)
	}
	return taskgraph.New([]taskgraph.Task{
		{ID: "A", Description: "model", CommitMessage: "feat: add model"},
		{ID: "B", Description: "handler", Dependencies: []string{"A"}},
	}, iss.ID)
}

func (f *fakeArchitect) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.feedback)
}

type fakeDeveloper struct {
	mu      sync.Mutex
	tasks   []string
	started chan string
	block   chan struct{}
	status  func(taskgraph.Task) taskgraph.Status

	interrupted bool
}

func (f *fakeDeveloper) Execute(ctx context.Context, task taskgraph.Task, _ agent.DevContext) (agent.DevResult, error) {
	f.mu.Lock()
	f.tasks = append(f.tasks, task.ID)
	f.mu.Unlock()
	if f.started != nil {
		f.started <- task.ID
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			f.mu.Lock()
			f.interrupted = true
			f.mu.Unlock()
			return agent.DevResult{}, ctx.Err()
		}
	}
	st := taskgraph.StatusCompleted
	if f.status != nil {
		st = f.status(task)
	}
	return agent.DevResult{Status: st, Summary: "did " + task.ID}, nil
}

func (f *fakeDeveloper) wasInterrupted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.interrupted
}

func (f *fakeDeveloper) executed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.tasks...)
}

type fakeReviewer struct {
	mu      sync.Mutex
	n       int
	approve func(call int) bool
}

func (f *fakeReviewer) Review(_ context.Context, _ string, rc agent.ReviewContext) (workflow.ReviewResult, error) {
	f.mu.Lock()
	f.n++
	n := f.n
	f.mu.Unlock()
	ok := f.approve == nil || f.approve(n)
	res := workflow.ReviewResult{ReviewerPersona: "general", Approved: ok, Severity: workflow.SeverityLow, Iteration: rc.Iteration}
	if !ok {
		res.Severity = workflow.SeverityHigh
		res.Comments = []string{fmt.Sprintf("pass %d: missing tests", n)}
	}
	return res, nil
}

func (f *fakeReviewer) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n
}

type fakeGit struct {
	mu      sync.Mutex
	commits []string
}

func (g *fakeGit) StageDiff(context.Context, string) (string, error) {
	return "diff --git a/model.go b/model.go\n+package model\n", nil
}

func (g *fakeGit) Commit(_ context.Context, _ string, msg string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.commits = append(g.commits, msg)
	return true, nil
}

type fakeIssues struct{ err error }

func (f fakeIssues) Fetch(_ context.Context, id string) (workflow.Issue, error) {
	if f.err != nil {
		return workflow.Issue{}, f.err
	}
	return workflow.Issue{ID: id, Title: "Issue " + id, Description: "do it", Status: "open"}, nil
}

type testEnv struct {
	o         *Orchestrator
	store     db.Store
	guard     *guard.Guard
	cfg       *config.Config
	arch      *fakeArchitect
	dev       *fakeDeveloper
	rev       *fakeReviewer
	git       *fakeGit
	issues    issue.Source
	teamError error
}

func newTestEnv(t *testing.T, mutate func(*testEnv)) *testEnv {
	t.Helper()
	store, err := db.OpenSQLite(filepath.Join(t.TempDir(), "orchestra.db"))
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))
	t.Cleanup(func() { store.Close() })

	cfg := config.Default()
	cfg.Workflow.RetryInitial = time.Millisecond
	cfg.Workflow.RetryMax = 5 * time.Millisecond
	cfg.Workflow.CallTimeout = 5 * time.Second

	env := &testEnv{
		store:  store,
		cfg:    &cfg,
		arch:   &fakeArchitect{},
		dev:    &fakeDeveloper{},
		rev:    &fakeReviewer{},
		git:    &fakeGit{},
		issues: fakeIssues{},
	}
	if mutate != nil {
		mutate(env)
	}
	env.guard = guard.New(env.cfg.Workflow.MaxConcurrent)
	env.o = env.start(t)
	return env
}

// start builds an orchestrator over the env's store, as a restarted
// process would.
func (env *testEnv) start(t *testing.T) *Orchestrator {
	t.Helper()
	bus := eventbus.New(env.store, eventbus.Options{})
	o := New(Options{
		Config:       env.cfg,
		Checkpointer: checkpoint.New(env.store),
		Bus:          bus,
		Guard:        env.guard,
		Issues:       env.issues,
		Git:          env.git,
		Teams: func(string, config.Profile, string) (*agent.Team, error) {
			if env.teamError != nil {
				return nil, env.teamError
			}
			return &agent.Team{Architect: env.arch, Developer: env.dev, Reviewers: []agent.Reviewer{env.rev}}, nil
		},
		ValidateWorktree: func(string) error { return nil },
		Head:             func(string) (string, error) { return "abc123", nil },
		Metrics:          metrics.New(),
		Logger:           zaptest.NewLogger(t),
	})
	t.Cleanup(o.Close)
	return o
}

func (env *testEnv) create(t *testing.T, worktree string) *workflow.State {
	t.Helper()
	st, err := env.o.Create(context.Background(), CreateRequest{IssueID: "42", WorktreePath: worktree})
	require.NoError(t, err)
	return st
}

func waitStatus(t *testing.T, o *Orchestrator, id string, want workflow.Status) *workflow.State {
	t.Helper()
	var st *workflow.State
	require.Eventually(t, func() bool {
		var err error
		st, err = o.Get(context.Background(), id)
		return err == nil && st.Status == want
	}, 5*time.Second, 5*time.Millisecond, "workflow %s never reached %s", id, want)
	return st
}

func eventTypes(t *testing.T, store db.Store, id string) []string {
	t.Helper()
	events, err := store.WorkflowEvents(context.Background(), id, 0)
	require.NoError(t, err)
	types := make([]string, len(events))
	for i, e := range events {
		types[i] = e.Type
	}
	return types
}

var errFlaky = errors.New("model overloaded")
