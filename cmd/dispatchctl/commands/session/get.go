package session

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dispatch-sh/dispatch/cmd/dispatchctl/cmdutil"
	"github.com/dispatch-sh/dispatch/internal/cli/output"
)

var getCmd = &cobra.Command{
	Use:   "get <run-id>",
	Short: "Show one run session",
	Args:  cobra.ExactArgs(1),
	RunE:  runGet,
}

func runGet(cmd *cobra.Command, args []string) error {
	client, err := cmdutil.GetClient()
	if err != nil {
		return err
	}

	sess, err := client.GetSession(args[0])
	if err != nil {
		return fmt.Errorf("failed to get session: %w", err)
	}

	table := output.NewTableData("RUN ID", "KIND", "STATUS", "CREATED", "UPDATED")
	table.AddRow(sess.RunID, sess.Kind, sess.Status,
		formatTimestamp(sess.CreatedAt), formatTimestamp(sess.UpdatedAt))
	return cmdutil.PrintResource(os.Stdout, sess, table)
}
