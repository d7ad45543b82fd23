// Package cmd contains the grounder CLI entry points.
package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "grounder",
	Short: "Grounder - retrieval-grounded chat over your documents",
	Long: `Grounder ingests documents into a pgvector index and answers chat
questions grounded in the retrieved passages, with citations back to the
source material. Running grounder without a subcommand starts the HTTP
API server.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

// Execute runs the root command. The context is canceled on SIGINT or
// SIGTERM so long-running subcommands shut down gracefully.
func Execute() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default: env and built-in defaults)")
}
