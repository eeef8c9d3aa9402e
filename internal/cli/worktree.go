package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/orchestra/internal/worktree"
)

var worktreeCmd = &cobra.Command{
	Use:   "worktree",
	Short: "Manage git worktrees for issues",
}

var worktreeAddCmd = &cobra.Command{
	Use:   "add [issue-id]",
	Short: "Create a git worktree for an issue",
	Long: `Create <repo>/worktrees/issue-<id> on a new branch (feature/issue-<id>
unless --branch is given) cut from --base. The printed path is what
"orchestra workflow create --worktree" expects.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		branch, _ := cmd.Flags().GetString("branch")
		base, _ := cmd.Flags().GetString("base")

		mgr, err := newWorktreeManager(cmd)
		if err != nil {
			return err
		}
		result, err := mgr.Create(cmd.Context(), args[0], branch, base)
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Worktree created: %s (branch: %s)\n", result.Path, result.Branch)
		return nil
	},
}

var worktreeRemoveCmd = &cobra.Command{
	Use:   "remove [issue-id]",
	Short: "Remove a git worktree",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		deleteBranch, _ := cmd.Flags().GetBool("delete-branch")

		mgr, err := newWorktreeManager(cmd)
		if err != nil {
			return err
		}
		if err := mgr.Remove(cmd.Context(), args[0], deleteBranch); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Worktree removed for issue %s\n", args[0])
		return nil
	},
}

var worktreePathCmd = &cobra.Command{
	Use:   "path [issue-id]",
	Short: "Print the worktree path for an issue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := newWorktreeManager(cmd)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), mgr.Path(args[0]))
		return nil
	},
}

func init() {
	worktreeCmd.PersistentFlags().String("repo", "", "Repository root (default: the repository containing the working directory)")
	worktreeAddCmd.Flags().String("branch", "", "Override the generated branch name")
	worktreeAddCmd.Flags().String("base", "origin/main", "Ref to branch from")
	worktreeRemoveCmd.Flags().Bool("delete-branch", true, "Also delete the git branch")

	worktreeCmd.AddCommand(worktreeAddCmd)
	worktreeCmd.AddCommand(worktreeRemoveCmd)
	worktreeCmd.AddCommand(worktreePathCmd)
}

func newWorktreeManager(cmd *cobra.Command) (*worktree.Manager, error) {
	repoDir, _ := cmd.Flags().GetString("repo")
	if repoDir == "" {
		var err error
		if repoDir, err = findRepoRoot(); err != nil {
			return nil, err
		}
	}
	abs, err := filepath.Abs(repoDir)
	if err != nil {
		return nil, fmt.Errorf("resolve repo dir: %w", err)
	}
	return worktree.NewManager(worktree.ExecGit{}, abs, ""), nil
}

// findRepoRoot finds the git repository root.
func findRepoRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working dir: %w", err)
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("not in a git repository")
		}
		dir = parent
	}
}
