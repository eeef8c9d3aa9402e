// Package guard enforces one active workflow per worktree and a global
// ceiling on active workflows.
package guard

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"golang.org/x/sync/semaphore"
)

var (
	ErrWorkflowConflict = errors.New("workflow conflict")
	ErrRateLimited      = errors.New("rate limited")
)

// ConflictError names the workflow already holding a worktree.
type ConflictError struct {
	Worktree string
	Holder   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("worktree %s is held by workflow %s", e.Worktree, e.Holder)
}

func (e *ConflictError) Is(target error) bool { return target == ErrWorkflowConflict }

// LimitError reports the ceiling that was hit.
type LimitError struct {
	Limit int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("concurrency ceiling of %d active workflows reached", e.Limit)
}

func (e *LimitError) Is(target error) bool { return target == ErrRateLimited }

// Guard tracks admitted workflows. The zero value is not usable; use New.
type Guard struct {
	mu         sync.Mutex
	limit      int
	slots      *semaphore.Weighted
	byWorktree map[string]string
	byWorkflow map[string]string
}

// New returns a Guard admitting at most limit concurrent workflows.
func New(limit int) *Guard {
	if limit < 1 {
		limit = 1
	}
	return &Guard{
		limit:      limit,
		slots:      semaphore.NewWeighted(int64(limit)),
		byWorktree: make(map[string]string),
		byWorkflow: make(map[string]string),
	}
}

// Acquire admits workflowID on worktree. The worktree check and the ceiling
// check happen in one critical section, and neither ever blocks.
func (g *Guard) Acquire(workflowID, worktree string) error {
	key := filepath.Clean(worktree)

	g.mu.Lock()
	defer g.mu.Unlock()

	if held, ok := g.byWorkflow[workflowID]; ok {
		if held == key {
			return nil
		}
		return fmt.Errorf("workflow %s already admitted on %s", workflowID, held)
	}
	if holder, ok := g.byWorktree[key]; ok {
		return &ConflictError{Worktree: key, Holder: holder}
	}
	if !g.slots.TryAcquire(1) {
		return &LimitError{Limit: g.limit}
	}
	g.byWorktree[key] = workflowID
	g.byWorkflow[workflowID] = key
	return nil
}

// Release frees the worktree and slot held by workflowID. Releasing an
// unknown workflow is a no-op.
func (g *Guard) Release(workflowID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	key, ok := g.byWorkflow[workflowID]
	if !ok {
		return
	}
	delete(g.byWorkflow, workflowID)
	if g.byWorktree[key] == workflowID {
		delete(g.byWorktree, key)
	}
	g.slots.Release(1)
}

// Restore re-admits a workflow recovered from a checkpoint. It fails like
// Acquire, so a ceiling lowered between runs surfaces as ErrRateLimited.
func (g *Guard) Restore(workflowID, worktree string) error {
	return g.Acquire(workflowID, worktree)
}

// Holder returns the workflow admitted on worktree, if any.
func (g *Guard) Holder(worktree string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id, ok := g.byWorktree[filepath.Clean(worktree)]
	return id, ok
}

// Active returns the number of admitted workflows.
func (g *Guard) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.byWorkflow)
}

// Limit returns the configured ceiling.
func (g *Guard) Limit() int { return g.limit }
