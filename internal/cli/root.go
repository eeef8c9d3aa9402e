package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/orchestra/internal/config"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

var configPath string

var rootCmd = &cobra.Command{
	Use:   "orchestra",
	Short: "Multi-agent workflow orchestrator",
	Long: `orchestra drives an architect, a developer and a reviewer through a
plan → approve → execute → review loop for each issue, one git worktree per
workflow.

"orchestra serve" runs the REST and WebSocket service. The other commands
manage configuration, the database and worktrees, or talk to a running
server. Configuration is read from --config, ./orchestra.yaml or
~/.orchestra/config.yaml, with ORCHESTRA_* environment overrides.`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(worktreeCmd)
	rootCmd.AddCommand(workflowCmd)
}

func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}

// loadValidConfig loads the configuration and refuses to continue when it
// has validation errors.
func loadValidConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if errs := config.Validate(cfg); len(errs) > 0 {
		for _, e := range errs {
			cmd.PrintErrf("  - %s\n", e)
		}
		return nil, fmt.Errorf("config has %d validation error(s)", len(errs))
	}
	return cfg, nil
}

func writeJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}
