package session

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dispatch-sh/dispatch/cmd/dispatchctl/cmdutil"
)

var inputCmd = &cobra.Command{
	Use:   "input <run-id> <text>...",
	Short: "Send input text to a session",
	Long: `Send UTF-8 input to a running session.

Examples:
  # Run a command in a shell session (note the trailing newline)
  dispatchctl session input <run-id> 'ls -la
'

  # Ask the assistant something
  dispatchctl session input <run-id> "Summarize the last build failure"`,
	Args: cobra.MinimumNArgs(2),
	RunE: runInput,
}

func runInput(cmd *cobra.Command, args []string) error {
	client, err := cmdutil.GetClient()
	if err != nil {
		return err
	}

	runID := args[0]
	text := strings.Join(args[1:], " ")

	if err := client.SendText(runID, text); err != nil {
		return fmt.Errorf("failed to send input: %w", err)
	}

	cmdutil.PrintSuccess("Input sent")
	return nil
}
