// Package cmdutil provides shared utilities for dispatchctl commands.
package cmdutil

import (
	"fmt"
	"io"
	"os"

	"github.com/dispatch-sh/dispatch/internal/cli/output"
	"github.com/dispatch-sh/dispatch/internal/cli/prompt"
	"github.com/dispatch-sh/dispatch/pkg/apiclient"
)

// Flags stores global flag values accessible by subcommands.
var Flags = &GlobalFlags{}

// GlobalFlags holds the global flag values.
type GlobalFlags struct {
	ServerURL string
	Key       string
	Output    string
	NoColor   bool
}

// GetClient returns an API client configured from the global flags and
// environment. The server URL defaults to a local instance; the key
// falls back to DISPATCH_API_KEY.
func GetClient() (*apiclient.Client, error) {
	url := Flags.ServerURL
	if url == "" {
		url = os.Getenv("DISPATCH_SERVER")
	}
	if url == "" {
		url = "http://localhost:8080"
	}

	key := Flags.Key
	if key == "" {
		key = os.Getenv("DISPATCH_API_KEY")
	}

	client := apiclient.New(url)
	if key != "" {
		client = client.WithKey(key)
	}
	return client, nil
}

// GetOutputFormatParsed returns the parsed output format.
func GetOutputFormatParsed() (output.Format, error) {
	return output.ParseFormat(Flags.Output)
}

// IsColorDisabled returns whether color output is disabled.
func IsColorDisabled() bool {
	return Flags.NoColor
}

// PrintOutput prints data in the specified format (JSON, YAML, or table).
// For table format, it displays emptyMsg if data is empty, otherwise
// uses the tableRenderer.
func PrintOutput(w io.Writer, data any, isEmpty bool, emptyMsg string, tableRenderer output.TableRenderer) error {
	format, err := GetOutputFormatParsed()
	if err != nil {
		return err
	}

	switch format {
	case output.FormatJSON:
		return output.PrintJSON(w, data)
	case output.FormatYAML:
		return output.PrintYAML(w, data)
	default:
		if isEmpty {
			_, _ = fmt.Fprintln(w, emptyMsg)
			return nil
		}
		return output.PrintTable(w, tableRenderer)
	}
}

// PrintResource prints a resource in the specified format. For table
// format it uses the provided tableRenderer.
func PrintResource(w io.Writer, data any, tableRenderer output.TableRenderer) error {
	format, err := GetOutputFormatParsed()
	if err != nil {
		return err
	}

	switch format {
	case output.FormatJSON:
		return output.PrintJSON(w, data)
	case output.FormatYAML:
		return output.PrintYAML(w, data)
	default:
		return output.PrintTable(w, tableRenderer)
	}
}

// PrintSuccess prints a success message if the output format is table.
func PrintSuccess(msg string) {
	format, err := GetOutputFormatParsed()
	if err != nil || format != output.FormatTable {
		return
	}
	printer := output.NewPrinter(os.Stdout, !IsColorDisabled())
	printer.Success(msg)
}

// RunCloseWithConfirmation prompts for confirmation (unless force is
// true) and runs closeFn.
func RunCloseWithConfirmation(runID string, force bool, closeFn func() error) error {
	confirmed, err := prompt.ConfirmWithForce(fmt.Sprintf("Close session '%s'?", runID), force)
	if err != nil {
		if prompt.IsAborted(err) {
			fmt.Println("\nAborted.")
			return nil
		}
		return err
	}
	if !confirmed {
		fmt.Println("Aborted.")
		return nil
	}

	if err := closeFn(); err != nil {
		return err
	}

	PrintSuccess(fmt.Sprintf("Session '%s' closed", runID))
	return nil
}

// EmptyOr returns the value if not empty, otherwise returns the fallback.
// Useful for table display where empty fields should show "-".
func EmptyOr(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
