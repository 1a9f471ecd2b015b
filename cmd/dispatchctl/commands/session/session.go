// Package session implements the dispatchctl session subcommands.
package session

import (
	"time"

	"github.com/spf13/cobra"
)

// Cmd is the parent command for session management.
var Cmd = &cobra.Command{
	Use:     "session",
	Aliases: []string{"sessions"},
	Short:   "Manage run sessions",
	Long:    `Create, inspect, replay, and close run sessions on a Dispatch server.`,
}

func init() {
	Cmd.AddCommand(listCmd)
	Cmd.AddCommand(createCmd)
	Cmd.AddCommand(getCmd)
	Cmd.AddCommand(eventsCmd)
	Cmd.AddCommand(inputCmd)
	Cmd.AddCommand(closeCmd)
}

// formatTimestamp renders a millisecond epoch for table output.
func formatTimestamp(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).Local().Format("2006-01-02 15:04:05")
}
