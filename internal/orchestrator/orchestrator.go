// Package orchestrator runs workflows. Every live workflow is owned by one
// actor goroutine that applies state machine events in order, persists each
// transition and publishes the resulting events.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lucasnoah/orchestra/internal/agent"
	"github.com/lucasnoah/orchestra/internal/checkpoint"
	"github.com/lucasnoah/orchestra/internal/config"
	"github.com/lucasnoah/orchestra/internal/db"
	"github.com/lucasnoah/orchestra/internal/eventbus"
	"github.com/lucasnoah/orchestra/internal/guard"
	"github.com/lucasnoah/orchestra/internal/issue"
	"github.com/lucasnoah/orchestra/internal/metrics"
	"github.com/lucasnoah/orchestra/internal/workflow"
	"github.com/lucasnoah/orchestra/internal/worktree"
)

var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrInvalidProfile = errors.New("invalid profile")
)

// InvalidProfileError names a profile that is missing or cannot be built.
type InvalidProfileError struct {
	Profile string
	Reason  string
}

func (e *InvalidProfileError) Error() string {
	return fmt.Sprintf("invalid profile %q: %s", e.Profile, e.Reason)
}

func (e *InvalidProfileError) Is(target error) bool { return target == ErrInvalidProfile }

// Git is the worktree plumbing the loop needs between collaborator calls.
type Git interface {
	StageDiff(ctx context.Context, path string) (string, error)
	Commit(ctx context.Context, path, message string) (bool, error)
}

// TeamFactory builds the collaborators for a workflow from its profile.
type TeamFactory func(name string, p config.Profile, worktree string) (*agent.Team, error)

// Options wires an Orchestrator. Config, Checkpointer, Bus, Guard and Issues
// are required.
type Options struct {
	Config       *config.Config
	Checkpointer *checkpoint.Checkpointer
	Bus          *eventbus.Bus
	Guard        *guard.Guard
	Issues       issue.Source

	// Git defaults to the git binary.
	Git Git
	// Teams defaults to agent.NewTeam, with Git as the diff applier when it
	// implements agent.Applier.
	Teams TeamFactory
	// ValidateWorktree defaults to worktree.Validate.
	ValidateWorktree func(path string) error
	// Head reports the worktree's HEAD for review events. Defaults to
	// worktree.Head.
	Head func(path string) (string, error)

	Metrics *metrics.Metrics
	Logger  *zap.Logger
	Now     func() time.Time
	NewID   func() string
}

// Orchestrator creates workflows and routes commands to their actors.
type Orchestrator struct {
	cfg      *config.Config
	cp       *checkpoint.Checkpointer
	bus      *eventbus.Bus
	guard    *guard.Guard
	issues   issue.Source
	git      Git
	teams    TeamFactory
	validate func(string) error
	head     func(string) (string, error)
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time
	newID    func() string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	actors map[string]*actor
}

// New returns an Orchestrator. Call Close to stop its actors.
func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		cfg:      opts.Config,
		cp:       opts.Checkpointer,
		bus:      opts.Bus,
		guard:    opts.Guard,
		issues:   opts.Issues,
		git:      opts.Git,
		teams:    opts.Teams,
		validate: opts.ValidateWorktree,
		head:     opts.Head,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
		now:      opts.Now,
		newID:    opts.NewID,
		actors:   make(map[string]*actor),
	}
	if o.git == nil {
		o.git = worktree.New(nil)
	}
	if o.teams == nil {
		var applier agent.Applier
		if a, ok := o.git.(agent.Applier); ok {
			applier = a
		}
		o.teams = func(name string, p config.Profile, wt string) (*agent.Team, error) {
			return agent.NewTeam(name, p, wt, agent.TeamOptions{Applier: applier})
		}
	}
	if o.validate == nil {
		o.validate = worktree.Validate
	}
	if o.head == nil {
		o.head = worktree.Head
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	o.logger = o.logger.Named("orchestrator")
	if o.now == nil {
		o.now = func() time.Time { return time.Now().UTC() }
	}
	if o.newID == nil {
		o.newID = uuid.NewString
	}
	o.ctx, o.cancel = context.WithCancel(context.Background())
	return o
}

// CreateRequest asks for a new workflow. Queued workflows are persisted but
// wait for Start before taking a worktree slot.
type CreateRequest struct {
	IssueID      string
	WorktreePath string
	Profile      string
	Queue        bool
}

// Create validates the request, admits the workflow through the guard
// (unless queued), fetches its issue and starts planning.
func (o *Orchestrator) Create(ctx context.Context, req CreateRequest) (*workflow.State, error) {
	if strings.TrimSpace(req.IssueID) == "" {
		return nil, fmt.Errorf("%w: issue_id is required", ErrInvalidRequest)
	}
	if err := o.validate(req.WorktreePath); err != nil {
		return nil, err
	}
	wt := filepath.Clean(req.WorktreePath)

	name := req.Profile
	if name == "" {
		name = config.DefaultProfile
	}
	profile, ok := o.cfg.Profiles[name]
	if !ok {
		return nil, &InvalidProfileError{Profile: name, Reason: "not configured"}
	}
	team, err := o.teams(name, profile, wt)
	if err != nil {
		return nil, &InvalidProfileError{Profile: name, Reason: err.Error()}
	}

	id := o.newID()
	// The slot is held from admission until a terminal state, planning and
	// replanning after a reject included. Only terminal transitions release it.
	if !req.Queue {
		if err := o.guard.Acquire(id, wt); err != nil {
			return nil, err
		}
	}
	release := func() {
		if !req.Queue {
			o.guard.Release(id)
		}
	}

	iss, err := o.issues.Fetch(ctx, req.IssueID)
	if err != nil {
		release()
		return nil, err
	}

	st := workflow.NewState(id, iss, wt, name, o.now())
	events, err := o.cp.Save(o.ctx, st, []workflow.Record{{
		Type: "workflow_created",
		Payload: map[string]any{
			"issue_id":      iss.ID,
			"worktree_path": wt,
			"profile":       name,
			"queued":        req.Queue,
			"status":        string(st.Status),
		},
	}})
	if err != nil {
		release()
		return nil, fmt.Errorf("checkpoint workflow: %w", err)
	}
	o.bus.Broadcast(o.ctx, events)

	a := o.newActor(st, team)
	if !req.Queue {
		if err := a.apply(workflow.Event{Kind: workflow.EventStart}, nil); err != nil {
			// persisted as queued; a later Start can admit it
			release()
			o.spawn(a)
			return nil, err
		}
	}
	snap := a.snapshot()
	o.spawn(a)
	o.metrics.SetActive(o.guard.Active())
	a.log.Info("workflow created", zap.String("issue_id", iss.ID), zap.String("worktree", wt),
		zap.String("profile", name), zap.Bool("queued", req.Queue))
	return snap, nil
}

// Start admits a queued workflow and begins planning.
func (o *Orchestrator) Start(ctx context.Context, id string) (*workflow.State, error) {
	return o.send(ctx, id, command{kind: workflow.EventStart})
}

// Approve accepts the proposed plan.
func (o *Orchestrator) Approve(ctx context.Context, id string) (*workflow.State, error) {
	return o.send(ctx, id, command{kind: workflow.EventApprove})
}

// Reject discards the proposed plan and replans with feedback.
func (o *Orchestrator) Reject(ctx context.Context, id, feedback string) (*workflow.State, error) {
	if strings.TrimSpace(feedback) == "" {
		return nil, fmt.Errorf("%w: feedback is required", ErrInvalidRequest)
	}
	return o.send(ctx, id, command{kind: workflow.EventReject, feedback: feedback})
}

// Cancel stops a workflow. When a collaborator call is running the request
// is recorded, the call is interrupted and its result discarded.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (*workflow.State, error) {
	return o.send(ctx, id, command{kind: workflow.EventCancel})
}

// Get returns a snapshot of a workflow. Unknown IDs wrap db.ErrNotFound.
func (o *Orchestrator) Get(ctx context.Context, id string) (*workflow.State, error) {
	if a := o.actor(id); a != nil {
		return a.snapshot(), nil
	}
	return o.cp.Load(ctx, id)
}

// List returns persisted workflows, optionally narrowed to statuses.
func (o *Orchestrator) List(ctx context.Context, statuses ...workflow.Status) ([]*workflow.State, error) {
	return o.cp.List(ctx, statuses...)
}

// Events returns the persisted events of one workflow after since.
func (o *Orchestrator) Events(ctx context.Context, id string, since int64) ([]db.Event, error) {
	if _, err := o.Get(ctx, id); err != nil {
		return nil, err
	}
	return o.cp.Store().WorkflowEvents(ctx, id, since)
}

// Active returns the number of workflows holding a worktree.
func (o *Orchestrator) Active() int { return o.guard.Active() }

// Resume reloads every non-terminal workflow after a restart and re-enters
// its current stage. Workflows that cannot be re-admitted are failed.
func (o *Orchestrator) Resume(ctx context.Context) (int, error) {
	states, err := o.cp.Resumable(ctx)
	if err != nil {
		return 0, fmt.Errorf("load resumable workflows: %w", err)
	}
	resumed := 0
	for _, st := range states {
		if o.actor(st.ID) != nil {
			continue
		}
		log := o.logger.With(zap.String("workflow_id", st.ID))

		var team *agent.Team
		var cause error
		if p, ok := o.cfg.Profiles[st.Profile]; !ok {
			cause = fmt.Errorf("profile %q is no longer configured", st.Profile)
		} else {
			team, cause = o.teams(st.Profile, p, st.WorktreePath)
		}
		a := o.newActor(st, team)
		if cause == nil && st.Started {
			if err := o.guard.Restore(st.ID, st.WorktreePath); err != nil {
				cause = fmt.Errorf("re-admit: %w", err)
			}
		}
		if cause != nil {
			log.Warn("cannot resume workflow", zap.Error(cause))
			if err := a.apply(workflow.Event{Kind: workflow.EventUnrecoverableError, Reason: "resume: " + cause.Error()}, nil); err != nil {
				log.Error("fail unresumable workflow", zap.Error(err))
			}
			continue
		}
		if st.Started {
			if err := a.apply(workflow.Event{Kind: workflow.EventResume}, nil); err != nil {
				o.guard.Release(st.ID)
				log.Error("resume workflow", zap.Error(err))
				continue
			}
		}
		o.spawn(a)
		resumed++
		log.Info("workflow resumed", zap.String("status", string(st.Status)))
	}
	o.metrics.SetActive(o.guard.Active())
	return resumed, nil
}

// Close stops every actor and interrupts in-flight calls. Workflows stay
// persisted in their last state and resume on the next start.
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
}

func (o *Orchestrator) actor(id string) *actor {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.actors[id]
}

func (o *Orchestrator) spawn(a *actor) {
	o.mu.Lock()
	o.actors[a.id] = a
	o.mu.Unlock()
	o.wg.Add(1)
	go a.run()
}

func (o *Orchestrator) forget(id string) {
	o.mu.Lock()
	delete(o.actors, id)
	o.mu.Unlock()
}

// send delivers cmd to the workflow's actor and waits for the outcome.
// Workflows without an actor have finished, so every command is refused
// with their persisted status.
func (o *Orchestrator) send(ctx context.Context, id string, cmd command) (*workflow.State, error) {
	cmd.reply = make(chan reply, 1)
	a := o.actor(id)
	if a != nil {
		select {
		case a.inbox <- cmd:
			select {
			case r := <-cmd.reply:
				return r.state, r.err
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		case <-a.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	st, err := o.cp.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	return st, &workflow.InvalidStateError{Current: st.Status, Event: cmd.kind}
}
