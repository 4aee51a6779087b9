// Package cli implements the hydra command-line interface.
//
// Every command is a pure consumer of the orchestrator and store packages:
// read commands project the event log without mutating it, and serve is the
// only command that runs the resume sweep.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version information - set at build time via ldflags
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "hydra",
	Short: "Event-sourced orchestration for Codex agent sessions",
	Long: `Hydra delegates units of work to Codex CLI agent sessions and keeps
an append-only event log as the single source of truth.

Tasks move through an explicit lifecycle (pending, running, queued,
completed, cancelled, failed); every transition is an event, and all
read commands are replays of the log. On startup the server rebuilds
its in-memory state from the log and attempts to reattach any sessions
that were running when the previous process exited.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("hydra %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.PersistentFlags().String("config", "", "Path to a config file (overrides discovery)")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// SetVersionInfo sets version information from build flags
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
}

// GetRootCmd returns the root command for testing and subcommand registration
func GetRootCmd() *cobra.Command {
	return rootCmd
}
