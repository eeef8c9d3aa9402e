// Package taskgraph holds the dependency-ordered task plan produced by the
// Architect and answers which tasks may run next.
package taskgraph

import (
	"errors"
	"fmt"
	"strings"
)

// Status is the lifecycle state of a single task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// FileOperation describes a file the task is expected to touch.
type FileOperation struct {
	Operation string `json:"operation"` // "create", "modify", "test"
	Path      string `json:"path"`
	LineRange string `json:"line_range,omitempty"`
}

// Step is one concrete instruction inside a task.
type Step struct {
	Description    string `json:"description"`
	Code           string `json:"code,omitempty"`
	Command        string `json:"command,omitempty"`
	ExpectedOutput string `json:"expected_output,omitempty"`
}

// Task is a unit of implementation work.
type Task struct {
	ID            string          `json:"id"`
	Description   string          `json:"description"`
	Status        Status          `json:"status"`
	Dependencies  []string        `json:"dependencies,omitempty"`
	Files         []FileOperation `json:"files,omitempty"`
	Steps         []Step          `json:"steps,omitempty"`
	CommitMessage string          `json:"commit_message,omitempty"`
}

// Graph is an ordered arena of tasks referencing each other by ID.
type Graph struct {
	Tasks         []Task `json:"tasks"`
	OriginalIssue string `json:"original_issue"`
}

var (
	ErrUnknownDependency = errors.New("unknown dependency")
	ErrCyclicDependency  = errors.New("cyclic dependency")
	ErrUnknownTask       = errors.New("unknown task")
	ErrDuplicateTask     = errors.New("duplicate task id")
	ErrEmptyTaskID       = errors.New("empty task id")
	ErrIllegalTransition = errors.New("illegal task transition")
)

// UnknownDependencyError names the task and the missing dependency.
type UnknownDependencyError struct {
	TaskID     string
	Dependency string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("task %q depends on unknown task %q", e.TaskID, e.Dependency)
}

func (e *UnknownDependencyError) Is(target error) bool { return target == ErrUnknownDependency }

// CyclicDependencyError lists the tasks that could not be ordered.
type CyclicDependencyError struct {
	TaskIDs []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("cyclic dependency among tasks: %s", strings.Join(e.TaskIDs, ", "))
}

func (e *CyclicDependencyError) Is(target error) bool { return target == ErrCyclicDependency }

// TransitionError reports a status change outside pending→in_progress→{completed|failed}.
type TransitionError struct {
	TaskID string
	From   Status
	To     Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("task %q: cannot move from %s to %s", e.TaskID, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool { return target == ErrIllegalTransition }

var allowedTransitions = map[Status][]Status{
	StatusPending:    {StatusInProgress},
	StatusInProgress: {StatusCompleted, StatusFailed},
}

// New builds a graph from tasks and validates it. Empty statuses default to
// pending and duplicate dependency IDs are collapsed. On failure no graph is
// returned.
func New(tasks []Task, originalIssue string) (*Graph, error) {
	g := &Graph{OriginalIssue: originalIssue, Tasks: make([]Task, 0, len(tasks))}
	for _, t := range tasks {
		t.Dependencies = dedupe(t.Dependencies)
		if t.Status == "" {
			t.Status = StatusPending
		}
		t.Files = append([]FileOperation(nil), t.Files...)
		t.Steps = append([]Step(nil), t.Steps...)
		g.Tasks = append(g.Tasks, t)
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// Validate checks that IDs are non-empty and unique, that dependencies exist
// and that the graph is acyclic.
// A cycle is reported with exactly the tasks left over after repeatedly
// removing tasks with no unresolved dependencies, in insertion order.
func (g *Graph) Validate() error {
	index := make(map[string]int, len(g.Tasks))
	for i, t := range g.Tasks {
		if strings.TrimSpace(t.ID) == "" {
			return fmt.Errorf("%w: task %d", ErrEmptyTaskID, i)
		}
		if _, dup := index[t.ID]; dup {
			return fmt.Errorf("%w: %q", ErrDuplicateTask, t.ID)
		}
		index[t.ID] = i
	}
	for _, t := range g.Tasks {
		for _, dep := range t.Dependencies {
			if _, ok := index[dep]; !ok {
				return &UnknownDependencyError{TaskID: t.ID, Dependency: dep}
			}
		}
	}

	// Kahn's algorithm over the dependency edges.
	inDegree := make([]int, len(g.Tasks))
	dependents := make([][]int, len(g.Tasks))
	for i, t := range g.Tasks {
		inDegree[i] = len(t.Dependencies)
		for _, dep := range t.Dependencies {
			j := index[dep]
			dependents[j] = append(dependents[j], i)
		}
	}
	queue := make([]int, 0, len(g.Tasks))
	for i, d := range inDegree {
		if d == 0 {
			queue = append(queue, i)
		}
	}
	removed := 0
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		removed++
		for _, j := range dependents[i] {
			inDegree[j]--
			if inDegree[j] == 0 {
				queue = append(queue, j)
			}
		}
	}
	if removed == len(g.Tasks) {
		return nil
	}
	var stuck []string
	for i, d := range inDegree {
		if d > 0 {
			stuck = append(stuck, g.Tasks[i].ID)
		}
	}
	return &CyclicDependencyError{TaskIDs: stuck}
}

// ReadyTasks returns copies of the pending tasks whose dependencies have all
// completed, in insertion order.
func (g *Graph) ReadyTasks() []Task {
	status := make(map[string]Status, len(g.Tasks))
	for _, t := range g.Tasks {
		status[t.ID] = t.Status
	}
	var ready []Task
	for _, t := range g.Tasks {
		if t.Status != StatusPending {
			continue
		}
		ok := true
		for _, dep := range t.Dependencies {
			if status[dep] != StatusCompleted {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, t.clone())
		}
	}
	return ready
}

// Mark moves a task to a new status.
func (g *Graph) Mark(id string, status Status) error {
	i := g.find(id)
	if i < 0 {
		return fmt.Errorf("%w: %q", ErrUnknownTask, id)
	}
	from := g.Tasks[i].Status
	for _, to := range allowedTransitions[from] {
		if to == status {
			g.Tasks[i].Status = status
			return nil
		}
	}
	return &TransitionError{TaskID: id, From: from, To: status}
}

// Requeue returns every in-progress or failed task to pending and reports
// their IDs. Used when a review pass rejects the work.
func (g *Graph) Requeue() []string {
	var ids []string
	for i := range g.Tasks {
		switch g.Tasks[i].Status {
		case StatusInProgress, StatusFailed:
			g.Tasks[i].Status = StatusPending
			ids = append(ids, g.Tasks[i].ID)
		}
	}
	return ids
}

// ResetInProgress returns tasks interrupted mid-run to pending.
func (g *Graph) ResetInProgress() []string {
	var ids []string
	for i := range g.Tasks {
		if g.Tasks[i].Status == StatusInProgress {
			g.Tasks[i].Status = StatusPending
			ids = append(ids, g.Tasks[i].ID)
		}
	}
	return ids
}

// Task returns a copy of the task with the given ID.
func (g *Graph) Task(id string) (Task, bool) {
	i := g.find(id)
	if i < 0 {
		return Task{}, false
	}
	return g.Tasks[i].clone(), true
}

// Counts tallies tasks by status.
func (g *Graph) Counts() map[Status]int {
	counts := make(map[Status]int, 4)
	for _, t := range g.Tasks {
		counts[t.Status]++
	}
	return counts
}

// Running reports whether any task is in progress.
func (g *Graph) Running() bool {
	for _, t := range g.Tasks {
		if t.Status == StatusInProgress {
			return true
		}
	}
	return false
}

// Done reports whether every task completed.
func (g *Graph) Done() bool {
	for _, t := range g.Tasks {
		if t.Status != StatusCompleted {
			return false
		}
	}
	return true
}

// Blocked reports whether no task is ready although some are not completed,
// for example when a failed task holds back its dependents.
func (g *Graph) Blocked() bool {
	return !g.Done() && len(g.ReadyTasks()) == 0
}

// Clone returns a deep copy.
func (g *Graph) Clone() *Graph {
	if g == nil {
		return nil
	}
	c := &Graph{OriginalIssue: g.OriginalIssue, Tasks: make([]Task, len(g.Tasks))}
	for i, t := range g.Tasks {
		c.Tasks[i] = t.clone()
	}
	return c
}

func (g *Graph) find(id string) int {
	for i := range g.Tasks {
		if g.Tasks[i].ID == id {
			return i
		}
	}
	return -1
}

func (t Task) clone() Task {
	t.Dependencies = append([]string(nil), t.Dependencies...)
	t.Files = append([]FileOperation(nil), t.Files...)
	t.Steps = append([]Step(nil), t.Steps...)
	return t
}
