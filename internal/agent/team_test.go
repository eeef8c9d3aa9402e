package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasnoah/orchestra/internal/config"
	"github.com/lucasnoah/orchestra/internal/prompt"
	"github.com/lucasnoah/orchestra/internal/taskgraph"
	"github.com/lucasnoah/orchestra/internal/workflow"
)

// scriptedDriver answers prompts with reply and remembers what it was sent.
type scriptedDriver struct {
	mu      sync.Mutex
	mode    string
	reply   func(req Request) (string, error)
	prompts []Request
}

func (d *scriptedDriver) Mode() string { return d.mode }

func (d *scriptedDriver) Complete(_ context.Context, req Request) (string, error) {
	d.mu.Lock()
	d.prompts = append(d.prompts, req)
	d.mu.Unlock()
	return d.reply(req)
}

type recordingApplier struct {
	dir, diff string
	err       error
}

func (a *recordingApplier) Apply(_ context.Context, dir, diff string) error {
	a.dir, a.diff = dir, diff
	return a.err
}

func TestArchitectIncludesFeedback(t *testing.T) {
	d := &scriptedDriver{reply: func(Request) (string, error) {
		return `{"tasks":[{"id":"A","description":"do"}]}`, nil
	}}
	a := NewArchitect(d, prompt.NewLibrary(""), "/wt")

	g, err := a.Plan(context.Background(), workflow.Issue{ID: "7", Title: "Add auth"}, "smaller tasks please")
	require.NoError(t, err)
	assert.Len(t, g.Tasks, 1)
	require.Len(t, d.prompts, 1)
	assert.Equal(t, "/wt", d.prompts[0].WorkDir)
	assert.Contains(t, d.prompts[0].Prompt, "smaller tasks please")
	assert.Contains(t, d.prompts[0].Prompt, "Add auth")
}

func TestDeveloperAppliesReturnedDiff(t *testing.T) {
	d := &scriptedDriver{mode: config.DriverAPI, reply: func(req Request) (string, error) {
		return `{"status":"completed","summary":"ok","diff":"--- a/f\n+++ b/f\n"}`, nil
	}}
	ap := &recordingApplier{}
	dev := NewDeveloper(d, prompt.NewLibrary(""), ap)

	res, err := dev.Execute(context.Background(), taskgraph.Task{ID: "A", Description: "x"}, DevContext{WorktreePath: "/wt"})
	require.NoError(t, err)
	assert.Equal(t, taskgraph.StatusCompleted, res.Status)
	assert.Equal(t, "/wt", ap.dir)
	assert.Contains(t, d.prompts[0].Prompt, "unified diff")

	ap.err = errors.New("patch does not apply")
	res, err = dev.Execute(context.Background(), taskgraph.Task{ID: "A"}, DevContext{WorktreePath: "/wt"})
	require.NoError(t, err)
	assert.Equal(t, taskgraph.StatusFailed, res.Status)
	assert.Contains(t, res.Summary, "patch does not apply")
}

func TestDeveloperWithoutApplierLeavesWorktreeToAgent(t *testing.T) {
	d := &scriptedDriver{mode: config.DriverCLI, reply: func(Request) (string, error) {
		return `{"status":"completed","summary":"edited"}`, nil
	}}
	dev := NewDeveloper(d, prompt.NewLibrary(""), nil)

	task := taskgraph.Task{
		ID: "B", Description: "api",
		Files: []taskgraph.FileOperation{{Operation: "modify", Path: "api.go", LineRange: "1-20"}},
		Steps: []taskgraph.Step{{Description: "add handler", Command: "go test ./..."}},
	}
	_, err := dev.Execute(context.Background(), task, DevContext{WorktreePath: "/wt", Feedback: "rename it"})
	require.NoError(t, err)
	p := d.prompts[0].Prompt
	assert.NotContains(t, p, "unified diff")
	assert.Contains(t, p, "modify api.go (lines 1-20)")
	assert.Contains(t, p, "run: go test ./...")
	assert.Contains(t, p, "rename it")
}

func TestCompetitiveTeamReviewsEveryPersona(t *testing.T) {
	d := &scriptedDriver{reply: func(req Request) (string, error) {
		if strings.Contains(req.Prompt, "reviewing as: security") {
			return `{"approved":false,"severity":"high","comments":"injection"}`, nil
		}
		return `{"approved":true,"severity":"low"}`, nil
	}}
	prompts := prompt.NewLibrary("")
	team := &Team{Reviewers: []Reviewer{
		NewReviewer(d, prompts, "security"),
		NewReviewer(d, prompts, "performance"),
	}}

	results, err := team.Review(context.Background(), "+code", ReviewContext{Iteration: 2})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "security", results[0].ReviewerPersona)
	assert.False(t, results[0].Approved)
	assert.Equal(t, 2, results[0].Iteration)
	assert.True(t, results[1].Approved)

	v := workflow.Aggregate(results)
	assert.False(t, v.Approved)
	assert.Equal(t, workflow.SeverityHigh, v.Severity)
}

func TestTeamReviewFailsWhenAnyReviewerFails(t *testing.T) {
	prompts := prompt.NewLibrary("")
	ok := &scriptedDriver{reply: func(Request) (string, error) { return `{"approved":true}`, nil }}
	bad := &scriptedDriver{reply: func(Request) (string, error) { return "", errors.New("rate limited") }}
	team := &Team{Reviewers: []Reviewer{NewReviewer(ok, prompts, "a"), NewReviewer(bad, prompts, "b")}}

	_, err := team.Review(context.Background(), "+x", ReviewContext{Iteration: 1})
	assert.ErrorContains(t, err, "rate limited")
}

func TestNewTeam(t *testing.T) {
	p := config.Profile{
		Architect:      config.Agent{Driver: config.DriverCLI, Cmd: "claude"},
		Developer:      config.Agent{Driver: config.DriverCLI, Cmd: "claude"},
		Reviewer:       config.Agent{Driver: config.DriverCLI, Cmd: "claude"},
		ReviewStrategy: config.StrategySingle,
		Personas:       []string{"general", "ignored"},
	}
	team, err := NewTeam("default", p, "/wt", TeamOptions{})
	require.NoError(t, err)
	assert.Len(t, team.Reviewers, 1)

	p.ReviewStrategy = config.StrategyCompetitive
	team, err = NewTeam("default", p, "/wt", TeamOptions{})
	require.NoError(t, err)
	assert.Len(t, team.Reviewers, 2)

	p.Developer = config.Agent{Driver: config.DriverAPI, BaseURL: "http://localhost", Model: "m"}
	_, err = NewTeam("default", p, "/wt", TeamOptions{})
	assert.Error(t, err, "api developer without an applier")

	_, err = NewTeam("default", p, "/wt", TeamOptions{Applier: &recordingApplier{}})
	assert.NoError(t, err)

	p.Architect.Cmd = ""
	_, err = NewTeam("default", p, "/wt", TeamOptions{Applier: &recordingApplier{}})
	assert.Error(t, err)
}
