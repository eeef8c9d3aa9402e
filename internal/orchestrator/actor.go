package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/lucasnoah/orchestra/internal/agent"
	"github.com/lucasnoah/orchestra/internal/taskgraph"
	"github.com/lucasnoah/orchestra/internal/workflow"
)

type command struct {
	kind     workflow.EventKind
	feedback string
	reply    chan reply
}

// reply carries the state right after the command was handled.
type reply struct {
	state *workflow.State
	err   error
}

// errCallAbandoned ends a call whose workflow was cancelled meanwhile.
var errCallAbandoned = errors.New("workflow cancelled during call")

type callResult struct {
	event workflow.Event
	extra map[string]any
}

// persistError marks a transition the store refused. The state is left
// as it was.
type persistError struct{ err error }

func (e *persistError) Error() string { return "checkpoint: " + e.err.Error() }
func (e *persistError) Unwrap() error { return e.err }

// actor owns one workflow. Only run's goroutine touches state and inflight.
type actor struct {
	o       *Orchestrator
	id      string
	machine *workflow.Machine
	team    *agent.Team
	log     *zap.Logger

	state    *workflow.State
	snap     atomic.Pointer[workflow.State]
	inflight context.CancelFunc
	// stopping is set once a cancel arrives while a call is in flight. The
	// call finishes its current attempt but is not retried or committed.
	stopping atomic.Bool

	inbox   chan command
	results chan callResult
	done    chan struct{}
}

func (o *Orchestrator) newActor(st *workflow.State, team *agent.Team) *actor {
	a := &actor{
		o:       o,
		id:      st.ID,
		machine: workflow.NewMachine(o.cfg.ReviewIterations(st.Profile)),
		team:    team,
		log:     o.logger.With(zap.String("workflow_id", st.ID)),
		state:   st,
		inbox:   make(chan command),
		results: make(chan callResult, 1),
		done:    make(chan struct{}),
	}
	a.snap.Store(st)
	return a
}

func (a *actor) snapshot() *workflow.State {
	return a.snap.Load().Clone()
}

func (a *actor) run() {
	defer a.o.wg.Done()

	a.advance()
	for !(a.state.Status.Terminal() && a.inflight == nil) {
		select {
		case cmd := <-a.inbox:
			err := a.handle(cmd)
			cmd.reply <- reply{state: a.state.Clone(), err: err}
		case res := <-a.results:
			a.complete(res)
		case <-a.o.ctx.Done():
			if a.inflight != nil {
				a.inflight()
			}
			a.o.forget(a.id)
			close(a.done)
			return
		}
	}
	a.o.forget(a.id)
	close(a.done)
	a.log.Info("workflow finished", zap.String("status", string(a.state.Status)), zap.String("reason", a.state.Reason))
}

// apply runs one transition: machine, checkpoint, broadcast, snapshot swap
// and finally guard release for terminal states.
func (a *actor) apply(ev workflow.Event, extra map[string]any) error {
	if ev.At.IsZero() {
		ev.At = a.o.now()
	}
	prev := a.state
	next, recs, err := a.machine.Transition(prev, ev)
	if err != nil {
		return err
	}
	for _, r := range recs {
		for k, v := range extra {
			r.Payload[k] = v
		}
	}
	events, err := a.o.cp.Save(a.o.ctx, next, recs)
	if err != nil {
		return &persistError{err: err}
	}
	a.state = next
	a.o.metrics.ObserveTransition(string(prev.Status), string(next.Status))
	a.o.bus.Broadcast(a.o.ctx, events)
	a.snap.Store(next)
	if next.Status.Terminal() {
		a.o.guard.Release(next.ID)
		a.o.metrics.SetActive(a.o.guard.Active())
	}
	a.log.Debug("transition", zap.String("event", string(ev.Kind)),
		zap.String("from", string(prev.Status)), zap.String("status", string(next.Status)),
		zap.Int64("version", next.Version))
	return nil
}

// fail moves the workflow to failed after an error the loop cannot recover
// from. A store failure leaves the workflow where it is; it resumes from its
// last checkpoint on the next start.
func (a *actor) fail(cause error) {
	var pe *persistError
	if errors.As(cause, &pe) {
		a.log.Error("transition not persisted, workflow stalled", zap.Error(cause))
		return
	}
	a.log.Error("workflow failed", zap.Error(cause))
	err := a.apply(workflow.Event{Kind: workflow.EventUnrecoverableError, Reason: cause.Error()}, nil)
	if err != nil {
		a.log.Error("record failure", zap.Error(err))
	}
}

func (a *actor) handle(cmd command) error {
	st := a.state
	switch cmd.kind {
	case workflow.EventStart:
		if st.Status != workflow.StatusPending || st.Started {
			return &workflow.InvalidStateError{Current: st.Status, Event: cmd.kind}
		}
		if err := a.o.guard.Acquire(st.ID, st.WorktreePath); err != nil {
			return err
		}
		if err := a.apply(workflow.Event{Kind: workflow.EventStart}, nil); err != nil {
			a.o.guard.Release(st.ID)
			return err
		}
		a.o.metrics.SetActive(a.o.guard.Active())

	case workflow.EventApprove, workflow.EventReject:
		if !workflow.Accepts(st.Status, cmd.kind) {
			return &workflow.InvalidStateError{Current: st.Status, Event: cmd.kind}
		}
		if err := a.apply(workflow.Event{Kind: cmd.kind, Feedback: cmd.feedback}, nil); err != nil {
			return err
		}

	case workflow.EventCancel:
		if st.Status.Terminal() {
			return &workflow.InvalidStateError{Current: st.Status, Event: cmd.kind}
		}
		if a.inflight != nil {
			if !st.CancelRequested {
				if err := a.apply(workflow.Event{Kind: workflow.EventCancelRequest}, nil); err != nil {
					return err
				}
			}
			a.stopping.Store(true)
			return nil
		}
		if err := a.apply(workflow.Event{Kind: workflow.EventCancel}, nil); err != nil {
			return err
		}

	default:
		return fmt.Errorf("unsupported command %s", cmd.kind)
	}
	a.advance()
	return nil
}

func (a *actor) complete(res callResult) {
	a.inflight = nil
	if a.state.CancelRequested {
		a.log.Info("discarding result of cancelled call", zap.String("event", string(res.event.Kind)))
		if err := a.apply(workflow.Event{Kind: workflow.EventCancel}, nil); err != nil {
			a.fail(err)
		}
		return
	}
	if err := a.apply(res.event, res.extra); err != nil {
		a.fail(err)
		return
	}
	a.advance()
}

// advance starts the side effect of the current stage. Stages that wait for
// a human do nothing.
func (a *actor) advance() {
	if a.inflight != nil {
		return
	}
	st := a.state
	if st.CancelRequested && !st.Status.Terminal() {
		if err := a.apply(workflow.Event{Kind: workflow.EventCancel}, nil); err != nil {
			a.fail(err)
		}
		return
	}
	switch st.Status {
	case workflow.StatusPlanning:
		a.plan()
	case workflow.StatusExecuting:
		a.execute()
	case workflow.StatusReviewing:
		a.review()
	}
}

func (a *actor) plan() {
	st := a.state
	iss := st.Issue
	var feedback string
	if st.HumanApproved != nil && !*st.HumanApproved {
		feedback = st.LastFeedback()
	}
	a.call(string(workflow.RoleArchitect), func(ctx context.Context) (callResult, error) {
		g, err := a.team.Architect.Plan(ctx, iss, feedback)
		if err != nil {
			return callResult{}, err
		}
		if g == nil {
			return callResult{}, errors.New("architect returned no plan")
		}
		if err := g.Validate(); err != nil {
			return callResult{}, fmt.Errorf("invalid plan: %w", err)
		}
		return callResult{event: workflow.Event{Kind: workflow.EventPlanReady, Plan: g}}, nil
	}, func(err error) workflow.Event {
		return workflow.Event{Kind: workflow.EventPlanFailed, Reason: err.Error()}
	})
}

func (a *actor) execute() {
	st := a.state
	if st.RevisionPending {
		if err := a.apply(workflow.Event{Kind: workflow.EventRevisionDispatch}, nil); err != nil {
			a.fail(err)
			return
		}
		a.develop(revisionTask(st), "", st.LastFeedback())
		return
	}

	var ready []taskgraph.Task
	if st.Plan != nil {
		ready = st.Plan.ReadyTasks()
	}
	if len(ready) == 0 {
		a.stage()
		return
	}
	task := ready[0]
	if err := a.apply(workflow.Event{Kind: workflow.EventTaskDispatch, TaskID: task.ID}, nil); err != nil {
		a.fail(err)
		return
	}
	var feedback string
	if st.ReviewIteration > 0 {
		feedback = st.LastFeedback()
	}
	a.develop(task, task.ID, feedback)
}

// develop runs one developer pass and commits what it produced. graphID is
// empty for revision passes.
func (a *actor) develop(task taskgraph.Task, graphID, feedback string) {
	st := a.state
	dc := agent.DevContext{Issue: st.Issue, WorktreePath: st.WorktreePath, Feedback: feedback}
	a.call(string(workflow.RoleDeveloper), func(ctx context.Context) (callResult, error) {
		res, err := a.team.Developer.Execute(ctx, task, dc)
		if err != nil {
			return callResult{}, err
		}
		if a.stopping.Load() {
			return callResult{}, backoff.Permanent(errCallAbandoned)
		}
		if res.Status == taskgraph.StatusCompleted {
			msg := task.CommitMessage
			if msg == "" {
				msg = "orchestra: " + task.ID
			}
			if _, err := a.o.git.Commit(ctx, dc.WorktreePath, msg); err != nil {
				return callResult{}, err
			}
		}
		return callResult{event: workflow.Event{
			Kind:       workflow.EventTaskFinished,
			TaskID:     graphID,
			TaskStatus: res.Status,
			Summary:    res.Summary,
		}}, nil
	}, a.unrecoverable("developer"))
}

func (a *actor) stage() {
	path := a.state.WorktreePath
	a.call("git", func(ctx context.Context) (callResult, error) {
		diff, err := a.o.git.StageDiff(ctx, path)
		if err != nil {
			return callResult{}, err
		}
		return callResult{
			event: workflow.Event{Kind: workflow.EventAllTasksDone, Diff: diff},
			extra: a.headField(path),
		}, nil
	}, a.unrecoverable("stage diff"))
}

func (a *actor) review() {
	st := a.state
	rc := agent.ReviewContext{
		Issue:        st.Issue,
		Plan:         st.Plan.Clone(),
		Iteration:    st.ReviewIteration,
		WorktreePath: st.WorktreePath,
	}
	if st.ReviewIteration > 0 {
		rc.PriorFeedback = st.LastFeedback()
	}
	diff := st.StagedDiff
	a.call(string(workflow.RoleReviewer), func(ctx context.Context) (callResult, error) {
		results, err := a.team.Review(ctx, diff, rc)
		if err != nil {
			return callResult{}, err
		}
		return callResult{
			event: workflow.Event{Kind: workflow.EventReviewDone, Reviews: results},
			extra: a.headField(rc.WorktreePath),
		}, nil
	}, a.unrecoverable("review"))
}

func (a *actor) headField(path string) map[string]any {
	h, err := a.o.head(path)
	if err != nil || h == "" {
		return nil
	}
	return map[string]any{"head": h}
}

func (a *actor) unrecoverable(what string) func(error) workflow.Event {
	return func(err error) workflow.Event {
		return workflow.Event{Kind: workflow.EventUnrecoverableError, Reason: fmt.Sprintf("%s: %v", what, err)}
	}
}

// call runs fn off the actor goroutine with retries and posts the outcome
// back to the loop. On failure onErr decides the event to apply.
func (a *actor) call(role string, fn func(context.Context) (callResult, error), onErr func(error) workflow.Event) {
	ctx, cancel := context.WithCancel(a.o.ctx)
	a.inflight = cancel
	log := a.log.With(zap.String("role", role))

	a.o.wg.Add(1)
	go func() {
		defer a.o.wg.Done()
		defer cancel()
		start := time.Now()
		var res callResult
		err := a.o.retry(ctx, log, func(callCtx context.Context) error {
			if a.stopping.Load() {
				return backoff.Permanent(errCallAbandoned)
			}
			var err error
			res, err = fn(callCtx)
			return err
		})
		outcome := "ok"
		switch {
		case ctx.Err() != nil, errors.Is(err, errCallAbandoned):
			outcome = "cancelled"
		case err != nil:
			outcome = "error"
		}
		a.o.metrics.ObserveCall(role, outcome, time.Since(start))
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, errCallAbandoned) {
				log.Warn("collaborator call failed", zap.Error(err))
			}
			res = callResult{event: onErr(err)}
		}
		a.results <- res
	}()
}

func revisionTask(st *workflow.State) taskgraph.Task {
	return taskgraph.Task{
		ID:            fmt.Sprintf("revision-%d", st.ReviewIteration),
		Description:   "Address the review feedback on the current changes. Keep work that was not criticised.",
		CommitMessage: fmt.Sprintf("fix: address review feedback (pass %d)", st.ReviewIteration),
		Status:        taskgraph.StatusInProgress,
	}
}
