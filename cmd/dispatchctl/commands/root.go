// Package commands implements the CLI commands for dispatchctl.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/dispatch-sh/dispatch/cmd/dispatchctl/cmdutil"
	"github.com/dispatch-sh/dispatch/cmd/dispatchctl/commands/session"
)

// Version information injected at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "dispatchctl",
	Short: "Control a Dispatch run-session broker",
	Long: `dispatchctl manages run sessions on a Dispatch server over its REST API.

Examples:
  # List sessions
  dispatchctl session list

  # Start a shell session
  dispatchctl session create pty

  # Replay a session's event log
  dispatchctl session events <run-id>

Server and credentials come from --server/--key or the DISPATCH_SERVER
and DISPATCH_API_KEY environment variables.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cmdutil.Flags.ServerURL, "server", "", "server URL (default: $DISPATCH_SERVER or http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&cmdutil.Flags.Key, "key", "", "API key (default: $DISPATCH_API_KEY)")
	rootCmd.PersistentFlags().StringVarP(&cmdutil.Flags.Output, "output", "o", "table", "output format: table, json, yaml")
	rootCmd.PersistentFlags().BoolVar(&cmdutil.Flags.NoColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(session.Cmd)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}
