package session

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dispatch-sh/dispatch/cmd/dispatchctl/cmdutil"
	"github.com/dispatch-sh/dispatch/pkg/apiclient"
)

var (
	listStatus string
	listKind   string
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List run sessions",
	Long: `List run sessions on the Dispatch server.

Examples:
  # List all sessions
  dispatchctl session list

  # Only running PTY sessions
  dispatchctl session list --status running --kind pty

  # List as JSON
  dispatchctl session list -o json`,
	RunE: runList,
}

func init() {
	listCmd.Flags().StringVar(&listStatus, "status", "", "filter by status (starting, running, stopped, error)")
	listCmd.Flags().StringVar(&listKind, "kind", "", "filter by adapter kind")
}

// SessionList is a list of sessions for table rendering.
type SessionList []apiclient.Session

// Headers implements TableRenderer.
func (sl SessionList) Headers() []string {
	return []string{"RUN ID", "KIND", "STATUS", "CREATED"}
}

// Rows implements TableRenderer.
func (sl SessionList) Rows() [][]string {
	rows := make([][]string, 0, len(sl))
	for _, s := range sl {
		rows = append(rows, []string{s.RunID, s.Kind, s.Status, formatTimestamp(s.CreatedAt)})
	}
	return rows
}

func runList(cmd *cobra.Command, args []string) error {
	client, err := cmdutil.GetClient()
	if err != nil {
		return err
	}

	sessions, err := client.ListSessions(listStatus, listKind)
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}

	return cmdutil.PrintOutput(os.Stdout, sessions, len(sessions) == 0, "No sessions found.", SessionList(sessions))
}
