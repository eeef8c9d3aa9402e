package agent

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/lucasnoah/orchestra/internal/config"
	"github.com/lucasnoah/orchestra/internal/prompt"
	"github.com/lucasnoah/orchestra/internal/workflow"
)

// Team is the set of collaborators serving one workflow.
type Team struct {
	Architect Architect
	Developer Developer
	// Reviewers holds one reviewer per persona. Single review has exactly one.
	Reviewers []Reviewer
}

// Review runs every reviewer concurrently over diff and returns their
// results in persona order. Any failure fails the whole pass.
func (t *Team) Review(ctx context.Context, diff string, rc ReviewContext) ([]workflow.ReviewResult, error) {
	results := make([]workflow.ReviewResult, len(t.Reviewers))
	g, gctx := errgroup.WithContext(ctx)
	for i, r := range t.Reviewers {
		g.Go(func() error {
			res, err := r.Review(gctx, diff, rc)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// TeamOptions supplies what NewTeam cannot build from configuration.
type TeamOptions struct {
	// Applier applies diffs returned by api developers.
	Applier Applier
}

// NewTeam resolves a profile into drivers and role adapters for a workflow
// running in worktree.
func NewTeam(name string, p config.Profile, worktree string, opts TeamOptions) (*Team, error) {
	prompts := prompt.NewLibrary(p.PromptDir)

	archDriver, err := NewDriver(name+"/architect", p.Architect)
	if err != nil {
		return nil, err
	}
	devDriver, err := NewDriver(name+"/developer", p.Developer)
	if err != nil {
		return nil, err
	}
	revDriver, err := NewDriver(name+"/reviewer", p.Reviewer)
	if err != nil {
		return nil, err
	}

	var applier Applier
	if devDriver.Mode() == config.DriverAPI {
		if opts.Applier == nil {
			return nil, fmt.Errorf("profile %s: api developer needs a diff applier", name)
		}
		applier = opts.Applier
	}

	personas := p.Personas
	if len(personas) == 0 {
		personas = []string{"general"}
	}
	if p.ReviewStrategy != config.StrategyCompetitive {
		personas = personas[:1]
	}
	reviewers := make([]Reviewer, len(personas))
	for i, persona := range personas {
		reviewers[i] = NewReviewer(revDriver, prompts, persona)
	}

	return &Team{
		Architect: NewArchitect(archDriver, prompts, worktree),
		Developer: NewDeveloper(devDriver, prompts, applier),
		Reviewers: reviewers,
	}, nil
}
