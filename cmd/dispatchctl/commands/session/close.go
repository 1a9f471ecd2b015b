package session

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dispatch-sh/dispatch/cmd/dispatchctl/cmdutil"
)

var closeForce bool

var closeCmd = &cobra.Command{
	Use:   "close <run-id>",
	Short: "Close a run session",
	Long: `Request graceful close of a run session. Closing an already
terminal session succeeds without effect.`,
	Args: cobra.ExactArgs(1),
	RunE: runClose,
}

func init() {
	closeCmd.Flags().BoolVarP(&closeForce, "force", "f", false, "skip confirmation prompt")
}

func runClose(cmd *cobra.Command, args []string) error {
	client, err := cmdutil.GetClient()
	if err != nil {
		return err
	}

	runID := args[0]
	return cmdutil.RunCloseWithConfirmation(runID, closeForce, func() error {
		if err := client.CloseSession(runID); err != nil {
			return fmt.Errorf("failed to close session: %w", err)
		}
		return nil
	})
}
