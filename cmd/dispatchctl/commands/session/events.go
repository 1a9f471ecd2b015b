package session

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dispatch-sh/dispatch/cmd/dispatchctl/cmdutil"
	"github.com/dispatch-sh/dispatch/pkg/apiclient"
)

var (
	eventsAfterSeq int64
	eventsLimit    int
)

var eventsCmd = &cobra.Command{
	Use:   "events <run-id>",
	Short: "Replay a session's event log",
	Long: `Replay the durable event log of a run session, oldest first.

Examples:
  # Full history
  dispatchctl session events <run-id>

  # Resume from a cursor
  dispatchctl session events <run-id> --after-seq 250

  # Raw events as JSON
  dispatchctl session events <run-id> -o json`,
	Args: cobra.ExactArgs(1),
	RunE: runEvents,
}

func init() {
	eventsCmd.Flags().Int64Var(&eventsAfterSeq, "after-seq", 0, "return events with seq greater than this cursor")
	eventsCmd.Flags().IntVar(&eventsLimit, "limit", 0, "maximum number of events (0 = server default)")
}

// EventList is a list of events for table rendering.
type EventList []apiclient.Event

// Headers implements TableRenderer.
func (el EventList) Headers() []string {
	return []string{"SEQ", "CHANNEL", "TYPE", "PAYLOAD", "TIME"}
}

// Rows implements TableRenderer.
func (el EventList) Rows() [][]string {
	rows := make([][]string, 0, len(el))
	for _, ev := range el {
		payload := string(ev.Payload)
		if ev.Encoding == "base64" {
			payload = "<binary>"
		}
		if len(payload) > 60 {
			payload = payload[:57] + "..."
		}
		rows = append(rows, []string{
			fmt.Sprintf("%d", ev.Seq), ev.Channel, ev.Type, payload, formatTimestamp(ev.Ts),
		})
	}
	return rows
}

func runEvents(cmd *cobra.Command, args []string) error {
	client, err := cmdutil.GetClient()
	if err != nil {
		return err
	}

	events, err := client.GetEvents(args[0], eventsAfterSeq, eventsLimit)
	if err != nil {
		return fmt.Errorf("failed to fetch events: %w", err)
	}

	return cmdutil.PrintOutput(os.Stdout, events, len(events) == 0, "No events.", EventList(events))
}
