package agent

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/lucasnoah/orchestra/internal/prompt"
	"github.com/lucasnoah/orchestra/internal/taskgraph"
	"github.com/lucasnoah/orchestra/internal/workflow"
)

// Applier applies a unified diff to a worktree.
type Applier interface {
	Apply(ctx context.Context, dir, diff string) error
}

type architect struct {
	driver  Driver
	prompts *prompt.Library
	workDir string
}

// NewArchitect plans by prompting driver with the architect template from
// inside workDir.
func NewArchitect(driver Driver, prompts *prompt.Library, workDir string) Architect {
	return &architect{driver: driver, prompts: prompts, workDir: workDir}
}

func (a *architect) Plan(ctx context.Context, issue workflow.Issue, feedback string) (*taskgraph.Graph, error) {
	text, err := a.prompts.Render(prompt.Architect, prompt.Vars{
		"issue_id":      issue.ID,
		"issue_title":   issue.Title,
		"issue_body":    issue.Description,
		"worktree_path": a.workDir,
		"feedback":      feedback,

		"acceptance_criteria": issue.AcceptanceCriteria(),
	})
	if err != nil {
		return nil, err
	}
	out, err := a.driver.Complete(ctx, Request{Prompt: text, WorkDir: a.workDir})
	if err != nil {
		return nil, err
	}
	g, err := ParsePlan(out, issue.ID)
	if err != nil {
		return nil, fmt.Errorf("architect plan: %w", err)
	}
	return g, nil
}

type developer struct {
	driver  Driver
	prompts *prompt.Library
	applier Applier
}

// NewDeveloper executes tasks through driver. When applier is non-nil the
// model is asked for a diff, which is applied to the worktree; otherwise the
// driver is expected to edit the worktree itself.
func NewDeveloper(driver Driver, prompts *prompt.Library, applier Applier) Developer {
	return &developer{driver: driver, prompts: prompts, applier: applier}
}

func (d *developer) Execute(ctx context.Context, task taskgraph.Task, dc DevContext) (DevResult, error) {
	vars := prompt.Vars{
		"task_id":          task.ID,
		"issue_title":      dc.Issue.Title,
		"task_description": task.Description,
		"task_files":       formatFiles(task.Files),
		"task_steps":       formatSteps(task.Steps),
		"commit_message":   task.CommitMessage,
		"worktree_path":    dc.WorktreePath,
		"feedback":         dc.Feedback,
		"return_diff":      "",
	}
	if d.applier != nil {
		vars["return_diff"] = "yes"
	}
	text, err := d.prompts.Render(prompt.Developer, vars)
	if err != nil {
		return DevResult{}, err
	}
	out, err := d.driver.Complete(ctx, Request{Prompt: text, WorkDir: dc.WorktreePath})
	if err != nil {
		return DevResult{}, err
	}
	res, err := ParseDevResult(out)
	if err != nil {
		return DevResult{}, fmt.Errorf("developer task %s: %w", task.ID, err)
	}
	if d.applier != nil && res.Status == taskgraph.StatusCompleted && strings.TrimSpace(res.Diff) != "" {
		if err := d.applier.Apply(ctx, dc.WorktreePath, res.Diff); err != nil {
			res.Status = taskgraph.StatusFailed
			res.Summary = fmt.Sprintf("diff did not apply: %v", err)
		}
	}
	return res, nil
}

type reviewer struct {
	driver  Driver
	prompts *prompt.Library
	persona string
}

// NewReviewer reviews as persona through driver.
func NewReviewer(driver Driver, prompts *prompt.Library, persona string) Reviewer {
	return &reviewer{driver: driver, prompts: prompts, persona: persona}
}

func (r *reviewer) Review(ctx context.Context, diff string, rc ReviewContext) (workflow.ReviewResult, error) {
	text, err := r.prompts.Render(prompt.Reviewer, prompt.Vars{
		"issue_title":    rc.Issue.Title,
		"issue_body":     rc.Issue.Description,
		"persona":        r.persona,
		"iteration":      strconv.Itoa(rc.Iteration),
		"diff":           diff,
		"plan_summary":   planSummary(rc.Plan),
		"prior_feedback": rc.PriorFeedback,
	})
	if err != nil {
		return workflow.ReviewResult{}, err
	}
	out, err := r.driver.Complete(ctx, Request{Prompt: text, WorkDir: rc.WorktreePath})
	if err != nil {
		return workflow.ReviewResult{}, err
	}
	res, err := ParseReview(out, r.persona)
	if err != nil {
		return workflow.ReviewResult{}, fmt.Errorf("reviewer %s: %w", r.persona, err)
	}
	res.Iteration = rc.Iteration
	return res, nil
}

func formatFiles(files []taskgraph.FileOperation) string {
	var b strings.Builder
	for _, f := range files {
		fmt.Fprintf(&b, "- %s %s", f.Operation, f.Path)
		if f.LineRange != "" {
			fmt.Fprintf(&b, " (lines %s)", f.LineRange)
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatSteps(steps []taskgraph.Step) string {
	var b strings.Builder
	for i, s := range steps {
		fmt.Fprintf(&b, "%d. %s\n", i+1, s.Description)
		if s.Command != "" {
			fmt.Fprintf(&b, "   run: %s\n", s.Command)
		}
		if s.ExpectedOutput != "" {
			fmt.Fprintf(&b, "   expect: %s\n", s.ExpectedOutput)
		}
		if s.Code != "" {
			fmt.Fprintf(&b, "   ```\n%s\n   ```\n", s.Code)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func planSummary(g *taskgraph.Graph) string {
	if g == nil {
		return ""
	}
	var b strings.Builder
	for _, t := range g.Tasks {
		fmt.Fprintf(&b, "- [%s] %s: %s\n", t.Status, t.ID, t.Description)
	}
	return strings.TrimRight(b.String(), "\n")
}
