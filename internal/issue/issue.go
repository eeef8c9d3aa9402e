// Package issue fetches the issue a workflow implements.
package issue

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/lucasnoah/orchestra/internal/config"
	"github.com/lucasnoah/orchestra/internal/workflow"
)

var (
	// ErrInvalidID means the ID cannot name an issue in this source.
	ErrInvalidID = errors.New("invalid issue id")
	// ErrUnavailable means the source could not produce the issue.
	ErrUnavailable = errors.New("issue unavailable")
)

// Source resolves issue IDs.
type Source interface {
	Fetch(ctx context.Context, id string) (workflow.Issue, error)
}

// New builds the source selected by cfg.Source.
func New(cfg config.IssuesConfig) (Source, error) {
	switch cfg.Source {
	case config.IssueSourceInline, "":
		return Inline{}, nil
	case config.IssueSourceFile:
		if cfg.Dir == "" {
			return nil, errors.New("file issue source needs issues.dir")
		}
		return NewFileSource(cfg.Dir), nil
	case config.IssueSourceGitHub:
		return NewGitHubSource(cfg.GitHub)
	default:
		return nil, fmt.Errorf("unknown issue source %q", cfg.Source)
	}
}

// Inline treats the ID itself as the issue text. The first line is the
// title and the whole text is the description.
type Inline struct{}

func (Inline) Fetch(_ context.Context, id string) (workflow.Issue, error) {
	text := strings.TrimSpace(id)
	if text == "" {
		return workflow.Issue{}, fmt.Errorf("%w: empty", ErrInvalidID)
	}
	title, _, _ := strings.Cut(text, "\n")
	return workflow.Issue{ID: id, Title: strings.TrimSpace(title), Description: text, Status: "open"}, nil
}
