// Package worktree validates the git worktrees workflows run in and wraps
// the git operations the orchestrator performs on them.
package worktree

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// ErrInvalidWorktree is matched by every *InvalidWorktreeError.
var ErrInvalidWorktree = errors.New("invalid worktree")

// InvalidWorktreeError explains why a path cannot host a workflow.
type InvalidWorktreeError struct {
	Path   string
	Reason string
}

func (e *InvalidWorktreeError) Error() string {
	return fmt.Sprintf("invalid worktree %q: %s", e.Path, e.Reason)
}

func (e *InvalidWorktreeError) Is(target error) bool { return target == ErrInvalidWorktree }

func openOptions() *git.PlainOpenOptions {
	return &git.PlainOpenOptions{DetectDotGit: true, EnableDotGitCommonDir: true}
}

// Validate checks that path is an absolute directory inside a git
// repository or linked worktree.
func Validate(path string) error {
	if path == "" {
		return &InvalidWorktreeError{Path: path, Reason: "path is empty"}
	}
	if !filepath.IsAbs(path) {
		return &InvalidWorktreeError{Path: path, Reason: "path must be absolute"}
	}
	info, err := os.Stat(path)
	if err != nil {
		return &InvalidWorktreeError{Path: path, Reason: "path does not exist"}
	}
	if !info.IsDir() {
		return &InvalidWorktreeError{Path: path, Reason: "path is not a directory"}
	}
	if _, err := git.PlainOpenWithOptions(path, openOptions()); err != nil {
		return &InvalidWorktreeError{Path: path, Reason: "not a git repository: " + err.Error()}
	}
	return nil
}

// Head returns the commit hash HEAD points at, or "" for a repository
// without commits.
func Head(path string) (string, error) {
	repo, err := git.PlainOpenWithOptions(path, openOptions())
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	ref, err := repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("head %s: %w", path, err)
	}
	return ref.Hash().String(), nil
}

// GitRunner provides git commands. Interface for testing.
type GitRunner interface {
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

// ExecGit implements GitRunner with the git binary.
type ExecGit struct{}

func (ExecGit) Run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("git %s: %w", args[0], ctx.Err())
		}
		return stdout.String(), fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(stderr.String()), err)
	}
	return stdout.String(), nil
}

// Git runs the git operations a workflow needs against its worktree.
type Git struct {
	git GitRunner
}

// New returns a Git backed by runner; nil means the git binary.
func New(runner GitRunner) *Git {
	if runner == nil {
		runner = ExecGit{}
	}
	return &Git{git: runner}
}

// StageDiff stages every change in the worktree and returns the staged diff.
func (g *Git) StageDiff(ctx context.Context, path string) (string, error) {
	if _, err := g.git.Run(ctx, path, "add", "-A"); err != nil {
		return "", fmt.Errorf("stage changes: %w", err)
	}
	diff, err := g.git.Run(ctx, path, "diff", "--cached", "--no-color")
	if err != nil {
		return "", fmt.Errorf("staged diff: %w", err)
	}
	return diff, nil
}

// Commit stages and commits all changes. It reports false when there was
// nothing to commit.
func (g *Git) Commit(ctx context.Context, path, message string) (bool, error) {
	if _, err := g.git.Run(ctx, path, "add", "-A"); err != nil {
		return false, fmt.Errorf("stage changes: %w", err)
	}
	status, err := g.git.Run(ctx, path, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("status: %w", err)
	}
	if strings.TrimSpace(status) == "" {
		return false, nil
	}
	if message == "" {
		message = "orchestra: apply changes"
	}
	if _, err := g.git.Run(ctx, path, "commit", "-m", message); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// Apply applies a unified diff to the worktree.
func (g *Git) Apply(ctx context.Context, path, diff string) error {
	if strings.TrimSpace(diff) == "" {
		return nil
	}
	if !strings.HasSuffix(diff, "\n") {
		diff += "\n"
	}
	f, err := os.CreateTemp("", "orchestra-*.patch")
	if err != nil {
		return fmt.Errorf("write patch: %w", err)
	}
	defer os.Remove(f.Name())
	if _, err := f.WriteString(diff); err != nil {
		f.Close()
		return fmt.Errorf("write patch: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("write patch: %w", err)
	}
	if _, err := g.git.Run(ctx, path, "apply", "--whitespace=nowarn", f.Name()); err != nil {
		return fmt.Errorf("apply patch: %w", err)
	}
	return nil
}

// Manager creates and removes per-issue worktrees under baseDir.
type Manager struct {
	git     GitRunner
	repoDir string
	baseDir string
}

// NewManager creates a worktree manager. An empty baseDir means
// <repoDir>/worktrees.
func NewManager(runner GitRunner, repoDir, baseDir string) *Manager {
	if runner == nil {
		runner = ExecGit{}
	}
	if baseDir == "" {
		baseDir = filepath.Join(repoDir, "worktrees")
	}
	return &Manager{git: runner, repoDir: repoDir, baseDir: baseDir}
}

// CreateResult holds the result of creating a worktree.
type CreateResult struct {
	Path   string
	Branch string
}

// Path returns the worktree path for an issue.
func (m *Manager) Path(issueID string) string {
	return filepath.Join(m.baseDir, "issue-"+slug(issueID))
}

// Create adds a worktree for issueID on a new branch cut from base (default
// origin/main). An existing branch is checked out instead.
func (m *Manager) Create(ctx context.Context, issueID, branch, base string) (*CreateResult, error) {
	s := slug(issueID)
	if s == "" {
		return nil, fmt.Errorf("invalid issue id %q", issueID)
	}
	if branch == "" {
		branch = "feature/issue-" + s
	}
	branch = sanitizeBranch(branch)
	if base == "" {
		base = "origin/main"
	}
	path := m.Path(issueID)

	if strings.HasPrefix(base, "origin/") {
		// best effort, a stale base is better than no worktree
		m.git.Run(ctx, m.repoDir, "fetch", "origin", strings.TrimPrefix(base, "origin/"))
	}

	_, err := m.git.Run(ctx, m.repoDir, "worktree", "add", path, "-b", branch, base)
	if err != nil {
		if !strings.Contains(err.Error(), "already exists") {
			return nil, fmt.Errorf("create worktree: %w", err)
		}
		if _, err = m.git.Run(ctx, m.repoDir, "worktree", "add", path, branch); err != nil {
			return nil, fmt.Errorf("create worktree: %w", err)
		}
	}
	return &CreateResult{Path: path, Branch: branch}, nil
}

// Remove removes the issue's worktree and optionally deletes its branch.
func (m *Manager) Remove(ctx context.Context, issueID string, deleteBranch bool) error {
	if slug(issueID) == "" {
		return fmt.Errorf("invalid issue id %q", issueID)
	}
	path := m.Path(issueID)

	var branch string
	if deleteBranch {
		if out, err := m.git.Run(ctx, path, "rev-parse", "--abbrev-ref", "HEAD"); err == nil {
			branch = strings.TrimSpace(out)
		}
	}

	// no --force, uncommitted work stays protected
	if _, err := m.git.Run(ctx, m.repoDir, "worktree", "remove", path); err != nil {
		return fmt.Errorf("remove worktree: %w", err)
	}

	if deleteBranch && branch != "" && branch != "main" && branch != "master" && branch != "HEAD" {
		if _, err := m.git.Run(ctx, m.repoDir, "branch", "-d", branch); err != nil {
			return fmt.Errorf("delete branch %q: %w", branch, err)
		}
	}
	return nil
}

var (
	nonAlphaNum = regexp.MustCompile(`[^a-zA-Z0-9/_-]+`)
	nonSlug     = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)
)

func slug(id string) string {
	return strings.Trim(nonSlug.ReplaceAllString(id, "-"), "-")
}

func sanitizeBranch(name string) string {
	s := nonAlphaNum.ReplaceAllString(name, "-")
	s = strings.Trim(s, "-")
	if len(s) > 100 {
		s = s[:100]
	}
	return s
}
