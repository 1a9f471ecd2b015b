package adapter

import "github.com/dispatch-sh/dispatch/pkg/session/models"

// knownEvents enumerates every (channel, type) pair the built-in
// adapters and the core emit. Adapters registered by embedders may emit
// pairs outside this table; the core records them regardless, the table
// only drives diagnostics.
var knownEvents = map[string]map[string]bool{
	models.ChannelSystemStatus: {
		models.TypeOpened:         true,
		models.TypeClosed:         true,
		models.TypeError:          true,
		models.TypeSubscriberSlow: true,
	},
	models.ChannelPtyStdout: {"chunk": true},
	models.ChannelPtyResize: {"dimensions": true},
	models.ChannelAIDelta:   {"stream": true},
	models.ChannelAIMessage: {"assistant": true},
	models.ChannelAIResult:  {"success": true, "interrupt": true},
	models.ChannelAIError:   {"execution_error": true},
	models.ChannelEditor:    {"snapshot": true, "update": true},
}

// KnownEvent reports whether the (channel, type) pair is one the
// built-in adapters emit.
func KnownEvent(channel, eventType string) bool {
	return knownEvents[channel][eventType]
}
