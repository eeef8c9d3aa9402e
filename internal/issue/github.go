package issue

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/go-github/v57/github"

	"github.com/lucasnoah/orchestra/internal/config"
	"github.com/lucasnoah/orchestra/internal/workflow"
)

// owner/repo#123, or a bare 123 against the default repo.
var githubIDRe = regexp.MustCompile(`^(?:([\w.-]+)/([\w.-]+)#)?(\d+)$`)

// GitHubSource reads issues through the GitHub REST API.
type GitHubSource struct {
	client       *github.Client
	defaultOwner string
	defaultRepo  string
}

// NewGitHubSource builds a client authenticated with the token in
// cfg.TokenEnv (anonymous when unset). BaseURL targets GitHub Enterprise.
func NewGitHubSource(cfg config.GitHubConfig) (*GitHubSource, error) {
	client := github.NewClient(nil)
	if cfg.TokenEnv != "" {
		if token := os.Getenv(cfg.TokenEnv); token != "" {
			client = client.WithAuthToken(token)
		}
	}
	if cfg.BaseURL != "" {
		var err error
		client, err = client.WithEnterpriseURLs(cfg.BaseURL, cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("github base url: %w", err)
		}
	}
	return NewGitHubSourceWithClient(client, cfg.Repo), nil
}

// NewGitHubSourceWithClient wraps an existing client. repo is owner/name.
func NewGitHubSourceWithClient(client *github.Client, repo string) *GitHubSource {
	s := &GitHubSource{client: client}
	s.defaultOwner, s.defaultRepo, _ = strings.Cut(repo, "/")
	return s
}

// ParseID splits an issue ID into owner, repo and number.
func (s *GitHubSource) ParseID(id string) (owner, repo string, number int, err error) {
	m := githubIDRe.FindStringSubmatch(strings.TrimSpace(id))
	if m == nil {
		return "", "", 0, fmt.Errorf("%w: %q is not owner/repo#N or N", ErrInvalidID, id)
	}
	owner, repo = m[1], m[2]
	if owner == "" {
		if s.defaultOwner == "" || s.defaultRepo == "" {
			return "", "", 0, fmt.Errorf("%w: %q has no repository and issues.github.repo is unset", ErrInvalidID, id)
		}
		owner, repo = s.defaultOwner, s.defaultRepo
	}
	number, err = strconv.Atoi(m[3])
	if err != nil || number <= 0 {
		return "", "", 0, fmt.Errorf("%w: issue number must be positive", ErrInvalidID)
	}
	return owner, repo, number, nil
}

func (s *GitHubSource) Fetch(ctx context.Context, id string) (workflow.Issue, error) {
	owner, repo, number, err := s.ParseID(id)
	if err != nil {
		return workflow.Issue{}, err
	}
	gh, _, err := s.client.Issues.Get(ctx, owner, repo, number)
	if err != nil {
		return workflow.Issue{}, fmt.Errorf("%w: %s/%s#%d: %v", ErrUnavailable, owner, repo, number, err)
	}
	return workflow.Issue{
		ID:          fmt.Sprintf("%s/%s#%d", owner, repo, gh.GetNumber()),
		Title:       gh.GetTitle(),
		Description: gh.GetBody(),
		Status:      gh.GetState(),
	}, nil
}
