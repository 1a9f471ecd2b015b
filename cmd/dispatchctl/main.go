package main

import (
	"fmt"
	"os"

	"github.com/dispatch-sh/dispatch/cmd/dispatchctl/cmdutil"
	"github.com/dispatch-sh/dispatch/cmd/dispatchctl/commands"
	"github.com/dispatch-sh/dispatch/internal/cli/output"
)

// Build-time variables injected via ldflags
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	commands.Version = version
	commands.Commit = commit
	commands.Date = date

	if err := commands.Execute(); err != nil {
		printer := output.NewPrinter(os.Stderr, !cmdutil.Flags.NoColor)
		printer.Error(fmt.Sprintf("Error: %v", err))
		os.Exit(1)
	}
}
