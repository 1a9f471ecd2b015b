package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dispatch-sh/dispatch/cmd/dispatchctl/cmdutil"
	"github.com/dispatch-sh/dispatch/internal/cli/output"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check server health and registered adapter kinds",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := cmdutil.GetClient()
		if err != nil {
			return err
		}

		if err := client.Health(); err != nil {
			return fmt.Errorf("server unreachable: %w", err)
		}

		kinds, err := client.Kinds()
		if err != nil {
			return fmt.Errorf("failed to query adapter kinds: %w", err)
		}

		format, err := cmdutil.GetOutputFormatParsed()
		if err != nil {
			return err
		}

		result := map[string]any{"healthy": true, "kinds": kinds}
		switch format {
		case output.FormatJSON:
			return output.PrintJSON(os.Stdout, result)
		case output.FormatYAML:
			return output.PrintYAML(os.Stdout, result)
		default:
			return output.KeyValueTable(os.Stdout, [][2]string{
				{"Healthy", "true"},
				{"Kinds", strings.Join(kinds, ", ")},
			})
		}
	},
}
