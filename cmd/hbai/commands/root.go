// Package commands defines all Cobra CLI commands for the hbai binary.
package commands

import (
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/s4mc0/hbai-go/internal/audit"
	"github.com/s4mc0/hbai-go/internal/config"
	"github.com/s4mc0/hbai-go/internal/logging"
)

// configPath holds the --config flag value for YAML config file override.
var configPath string

// loadedConfigPath stores the resolved config file path for audit logging.
var loadedConfigPath string

// NewRootCmd constructs the root Cobra command that all subcommands attach to.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "hbai",
		Short: "hbai answers questions about your member handbook",
		Long: `hbai is a local-first assistant that answers questions about a member
handbook PDF. It indexes the handbook once, retrieves the passages relevant
to each question, and generates answers grounded in those passages, citing
the handbook pages they came from.

Model provider is selected via the MODEL_PROVIDER environment variable
or a YAML config file (~/.hbai/config.yaml).
See 'hbai --help' for available commands.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			// A local .env is a convenience for development; absent is fine.
			_ = godotenv.Load()

			log := logging.New()

			// Load YAML config (env vars always override YAML values).
			path, err := config.Load(configPath, log)
			if err != nil {
				return err
			}
			loadedConfigPath = path

			// Emit structured audit log for every command invocation.
			audit.LogCommandStart(log, cmd.Name(), loadedConfigPath)

			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file (default: ~/.hbai/config.yaml)")

	root.AddCommand(
		NewChatCmd(),
		NewAskCmd(),
		NewIngestCmd(),
		NewHistoryCmd(),
		NewVersionCmd(),
	)

	return root
}
