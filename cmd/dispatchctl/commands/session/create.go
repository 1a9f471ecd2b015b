package session

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dispatch-sh/dispatch/cmd/dispatchctl/cmdutil"
	"github.com/dispatch-sh/dispatch/internal/cli/output"
	"github.com/dispatch-sh/dispatch/internal/cli/prompt"
)

var createMeta string

var createCmd = &cobra.Command{
	Use:   "create [kind]",
	Short: "Create a new run session",
	Long: `Create a new run session of the given adapter kind. When the kind
is omitted, an interactive picker lists the kinds the server supports.

Kind-specific parameters are passed as a JSON object via --meta.

Examples:
  # Start a default shell
  dispatchctl session create pty

  # Start a specific shell in a working directory
  dispatchctl session create pty --meta '{"shell":"/bin/zsh","cwd":"/srv/project"}'

  # Start an assistant conversation
  dispatchctl session create ai --meta '{"systemPrompt":"You are terse."}'

  # Watch a file
  dispatchctl session create file-editor --meta '{"path":"/srv/project/notes.md"}'`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCreate,
}

func init() {
	createCmd.Flags().StringVar(&createMeta, "meta", "", "kind-specific parameters as a JSON object")
}

func runCreate(cmd *cobra.Command, args []string) error {
	var meta map[string]any
	if createMeta != "" {
		if err := json.Unmarshal([]byte(createMeta), &meta); err != nil {
			return fmt.Errorf("invalid --meta JSON: %w", err)
		}
	}

	client, err := cmdutil.GetClient()
	if err != nil {
		return err
	}

	var kind string
	if len(args) > 0 {
		kind = args[0]
	} else {
		kinds, err := client.Kinds()
		if err != nil {
			return fmt.Errorf("failed to list session kinds: %w", err)
		}
		kind, err = prompt.SelectString("Select session kind", kinds)
		if err != nil {
			if prompt.IsAborted(err) {
				fmt.Println("Aborted.")
				return nil
			}
			return err
		}
	}

	sess, err := client.CreateSession(kind, meta)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	table := output.NewTableData("RUN ID", "KIND", "STATUS")
	table.AddRow(sess.RunID, sess.Kind, sess.Status)
	return cmdutil.PrintResource(os.Stdout, sess, table)
}
