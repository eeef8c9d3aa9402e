package workflow

import (
	"errors"
	"fmt"
	"time"

	"github.com/lucasnoah/orchestra/internal/taskgraph"
)

// EventKind names a state machine input.
type EventKind string

const (
	EventStart              EventKind = "start"
	EventPlanReady          EventKind = "plan_ready"
	EventPlanFailed         EventKind = "plan_failed"
	EventApprove            EventKind = "approve"
	EventReject             EventKind = "reject"
	EventTaskDispatch       EventKind = "task_dispatch"
	EventTaskFinished       EventKind = "task_finished"
	EventRevisionDispatch   EventKind = "revision_dispatch"
	EventAllTasksDone       EventKind = "all_tasks_done"
	EventReviewDone         EventKind = "review_done"
	EventCancel             EventKind = "cancel"
	EventCancelRequest      EventKind = "cancel_request"
	EventUnrecoverableError EventKind = "unrecoverable_error"
	EventResume             EventKind = "resume"
)

// Event is a state machine input. Only the fields relevant to Kind are read.
type Event struct {
	Kind       EventKind
	Plan       *taskgraph.Graph
	Feedback   string
	Reason     string
	TaskID     string
	TaskStatus taskgraph.Status
	Summary    string
	Diff       string
	Reviews    []ReviewResult
	At         time.Time
}

// Record is an event to append to the log as part of a transition.
type Record struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

var (
	ErrInvalidState   = errors.New("invalid state")
	ErrTasksRemaining = errors.New("tasks remaining")
)

// InvalidStateError reports an event that is not legal from the current stage.
type InvalidStateError struct {
	Current Status
	Event   EventKind
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot apply %s while %s", e.Event, e.Current)
}

func (e *InvalidStateError) Is(target error) bool { return target == ErrInvalidState }

// DefaultMaxReviewIterations caps the executing/reviewing loop.
const DefaultMaxReviewIterations = 3

// ReasonReviewExhausted prefixes the failure reason when the loop runs out.
const ReasonReviewExhausted = "review budget exhausted"

// Machine applies events to workflow states. It holds no per-workflow state.
type Machine struct {
	MaxReviewIterations int
}

// NewMachine returns a Machine, falling back to the default cap when max < 1.
func NewMachine(max int) *Machine {
	if max < 1 {
		max = DefaultMaxReviewIterations
	}
	return &Machine{MaxReviewIterations: max}
}

var stageEvents = map[Status][]EventKind{
	StatusPending:         {EventStart},
	StatusPlanning:        {EventPlanReady, EventPlanFailed},
	StatusPendingApproval: {EventApprove, EventReject},
	StatusExecuting:       {EventTaskDispatch, EventTaskFinished, EventRevisionDispatch, EventAllTasksDone},
	StatusReviewing:       {EventReviewDone},
}

var anyStageEvents = []EventKind{EventCancel, EventCancelRequest, EventUnrecoverableError, EventResume}

// LegalEvents lists the events accepted from a status. Terminal states accept none.
func LegalEvents(s Status) []EventKind {
	if s.Terminal() {
		return nil
	}
	out := append([]EventKind(nil), stageEvents[s]...)
	return append(out, anyStageEvents...)
}

// Accepts reports whether ev is legal from s.
func Accepts(s Status, ev EventKind) bool {
	for _, k := range LegalEvents(s) {
		if k == ev {
			return true
		}
	}
	return false
}

// Transition applies ev to a copy of s and returns the new state with the
// records the transition produces. s is never modified.
func (m *Machine) Transition(s *State, ev Event) (*State, []Record, error) {
	if !Accepts(s.Status, ev.Kind) {
		return nil, nil, &InvalidStateError{Current: s.Status, Event: ev.Kind}
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	next := s.Clone()
	next.Version = s.Version + 1
	next.UpdatedAt = at

	var recs []Record
	emit := func(typ string, payload map[string]any) {
		if payload == nil {
			payload = map[string]any{}
		}
		recs = append(recs, Record{Type: typ, Payload: payload})
	}
	say := func(role Role, content string) {
		next.Messages = append(next.Messages, AgentMessage{Role: role, Content: content, CreatedAt: at})
	}

	switch ev.Kind {
	case EventStart:
		next.Status = StatusPlanning
		next.Started = true
		emit("workflow_started", map[string]any{"issue_id": s.Issue.ID})

	case EventPlanReady:
		if ev.Plan == nil {
			return nil, nil, fmt.Errorf("plan_ready without a plan")
		}
		next.Plan = ev.Plan.Clone()
		next.Status = StatusPendingApproval
		say(RoleArchitect, fmt.Sprintf("proposed plan with %d tasks", len(next.Plan.Tasks)))
		taskIDs := make([]string, 0, len(next.Plan.Tasks))
		for _, t := range next.Plan.Tasks {
			taskIDs = append(taskIDs, t.ID)
		}
		emit("plan_ready", map[string]any{"task_count": len(taskIDs), "task_ids": taskIDs})

	case EventPlanFailed:
		next.Status = StatusFailed
		next.Reason = "planning failed: " + ev.Reason
		emit("plan_failed", map[string]any{"reason": ev.Reason})

	case EventApprove:
		approved := true
		next.HumanApproved = &approved
		next.Status = StatusExecuting
		say(RoleHuman, "plan approved")
		emit("workflow_approved", nil)

	case EventReject:
		rejected := false
		next.HumanApproved = &rejected
		next.Plan = nil
		next.Status = StatusPlanning
		say(RoleHuman, ev.Feedback)
		emit("workflow_rejected", map[string]any{"feedback": ev.Feedback})

	case EventTaskDispatch:
		if next.Plan == nil {
			return nil, nil, fmt.Errorf("task_dispatch without a plan")
		}
		if err := next.Plan.Mark(ev.TaskID, taskgraph.StatusInProgress); err != nil {
			return nil, nil, err
		}
		next.CurrentTaskID = ev.TaskID
		emit("task_started", map[string]any{"task_id": ev.TaskID})

	case EventRevisionDispatch:
		if !next.RevisionPending {
			return nil, nil, fmt.Errorf("revision_dispatch with no pending revision")
		}
		next.CurrentTaskID = ""
		emit("revision_started", map[string]any{"iteration": next.ReviewIteration})

	case EventTaskFinished:
		if ev.TaskID == "" {
			// Revision pass; no graph task involved.
			next.RevisionPending = false
			if ev.Summary != "" {
				say(RoleDeveloper, ev.Summary)
			}
			emit("task_completed", map[string]any{"revision": true, "status": string(ev.TaskStatus)})
			break
		}
		if next.Plan == nil {
			return nil, nil, fmt.Errorf("task_finished without a plan")
		}
		if err := next.Plan.Mark(ev.TaskID, ev.TaskStatus); err != nil {
			return nil, nil, err
		}
		next.CurrentTaskID = ""
		if ev.Summary != "" {
			say(RoleDeveloper, ev.Summary)
		}
		typ := "task_completed"
		if ev.TaskStatus == taskgraph.StatusFailed {
			typ = "task_failed"
		}
		emit(typ, map[string]any{"task_id": ev.TaskID})

	case EventAllTasksDone:
		if next.RevisionPending || (next.Plan != nil && (next.Plan.Running() || len(next.Plan.ReadyTasks()) > 0)) {
			return nil, nil, fmt.Errorf("all_tasks_done: %w", ErrTasksRemaining)
		}
		next.StagedDiff = ev.Diff
		next.CurrentTaskID = ""
		next.Status = StatusReviewing
		emit("review_started", map[string]any{"iteration": next.ReviewIteration, "diff_bytes": len(ev.Diff)})

	case EventReviewDone:
		m.applyReview(next, ev, say, emit)

	case EventCancel:
		next.Status = StatusCancelled
		next.Reason = ev.Reason
		if next.Reason == "" {
			next.Reason = "cancelled by user"
		}
		next.CancelRequested = false
		next.CurrentTaskID = ""

	case EventCancelRequest:
		next.CancelRequested = true
		emit("cancel_requested", nil)

	case EventResume:
		var reset []string
		if next.Plan != nil {
			reset = next.Plan.ResetInProgress()
		}
		next.CurrentTaskID = ""
		emit("workflow_resumed", map[string]any{"reset_tasks": reset})

	case EventUnrecoverableError:
		next.Status = StatusFailed
		next.Reason = ev.Reason
		next.CurrentTaskID = ""
	}

	if next.Status.Terminal() {
		payload := map[string]any{"reason": next.Reason}
		switch next.Status {
		case StatusCompleted:
			emit("workflow_completed", payload)
		case StatusFailed:
			emit("workflow_failed", payload)
		case StatusCancelled:
			emit("workflow_cancelled", payload)
		}
	}
	for i := range recs {
		recs[i].Payload["status"] = string(next.Status)
		recs[i].Payload["previous_status"] = string(s.Status)
	}
	return next, recs, nil
}

func (m *Machine) applyReview(next *State, ev Event, say func(Role, string), emit func(string, map[string]any)) {
	for _, r := range ev.Reviews {
		r.Iteration = next.ReviewIteration
		r.Comments = append([]string(nil), r.Comments...)
		next.ReviewResults = append(next.ReviewResults, r)
	}
	v := Aggregate(ev.Reviews)
	emit("review_completed", map[string]any{
		"iteration": next.ReviewIteration,
		"approved":  v.Approved,
		"severity":  string(v.Severity),
		"reviewers": len(ev.Reviews),
	})
	if v.Approved {
		next.Status = StatusCompleted
		next.Reason = "approved by review"
		return
	}

	next.ReviewIteration++
	if v.Feedback != "" {
		say(RoleReviewer, v.Feedback)
	}
	if next.ReviewIteration >= m.MaxReviewIterations {
		next.Status = StatusFailed
		next.Reason = fmt.Sprintf("%s after %d iterations", ReasonReviewExhausted, next.ReviewIteration)
		return
	}
	next.Status = StatusExecuting
	var requeued []string
	if next.Plan != nil {
		requeued = next.Plan.Requeue()
	}
	next.RevisionPending = len(requeued) == 0
}
