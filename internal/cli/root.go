// Package cli is the vkrunner command tree: run, enroll, version.
package cli

import (
	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags.
var Version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "vkrunner",
	Short: "Runs coding-agent executions dispatched by a remote control plane",
	Long: `vkrunner is the local agent that turns execution intents from a remote
control plane into safe, idempotent actions: creating per-repository git
worktrees, launching coding-agent processes, streaming their output,
snapshotting repository state, and brokering approvals.`,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to runner config file (default: ./vkrunner.yml)")
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
