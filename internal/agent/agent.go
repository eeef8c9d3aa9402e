// Package agent adapts external language-model tools into the three
// collaborator roles of a workflow: architect, developer and reviewer.
package agent

import (
	"context"
	"fmt"

	"github.com/lucasnoah/orchestra/internal/config"
	"github.com/lucasnoah/orchestra/internal/taskgraph"
	"github.com/lucasnoah/orchestra/internal/workflow"
)

// Architect turns an issue into a validated task graph. feedback carries the
// reason a previous plan was rejected, if any.
type Architect interface {
	Plan(ctx context.Context, issue workflow.Issue, feedback string) (*taskgraph.Graph, error)
}

// DevContext is what a developer needs beyond the task itself.
type DevContext struct {
	Issue        workflow.Issue
	WorktreePath string
	Feedback     string
}

// DevResult reports how a task went. Status is completed or failed.
type DevResult struct {
	Status  taskgraph.Status
	Summary string
	Diff    string
}

// Developer carries out one task inside the worktree.
type Developer interface {
	Execute(ctx context.Context, task taskgraph.Task, dc DevContext) (DevResult, error)
}

// ReviewContext is what a reviewer sees besides the diff.
type ReviewContext struct {
	Issue         workflow.Issue
	Plan          *taskgraph.Graph
	Iteration     int
	PriorFeedback string
	WorktreePath  string
}

// Reviewer judges a staged diff.
type Reviewer interface {
	Review(ctx context.Context, diff string, rc ReviewContext) (workflow.ReviewResult, error)
}

// Request is one prompt sent through a Driver.
type Request struct {
	Prompt  string
	WorkDir string
}

// Driver runs a prompt against some model and returns its raw answer.
type Driver interface {
	Complete(ctx context.Context, req Request) (string, error)
	// Mode returns "cli" or "api".
	Mode() string
}

// NewDriver builds the driver named by cfg.Driver.
func NewDriver(name string, cfg config.Agent) (Driver, error) {
	switch cfg.Driver {
	case config.DriverCLI, "":
		if cfg.Cmd == "" {
			return nil, fmt.Errorf("agent %s: cli driver needs a command", name)
		}
		return NewCLIDriver(name, cfg), nil
	case config.DriverAPI:
		return NewAPIDriver(name, cfg)
	default:
		return nil, fmt.Errorf("agent %s: unknown driver %q", name, cfg.Driver)
	}
}
