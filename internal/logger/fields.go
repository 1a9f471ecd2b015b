package logger

import "log/slog"

// Standard field keys for structured logging.
// Use these keys consistently across all log statements so session logs can
// be aggregated and queried by run, client, or channel.
const (
	// ========================================================================
	// Distributed Tracing
	// ========================================================================
	KeyTraceID = "trace_id" // OpenTelemetry trace ID for request correlation
	KeySpanID  = "span_id"  // OpenTelemetry span ID for operation tracking

	// ========================================================================
	// Run Sessions
	// ========================================================================
	KeyRunID   = "run_id"  // Run session identifier
	KeyKind    = "kind"    // Session kind: pty, ai, file-editor, ...
	KeyStatus  = "status"  // Session status: starting, running, stopped, error
	KeySeq     = "seq"     // Event sequence number
	KeyChannel = "channel" // Event channel: pty:stdout, ai:delta, system:status
	KeyBytes   = "bytes"   // Payload size in bytes

	// ========================================================================
	// Clients & Connections
	// ========================================================================
	KeyClientID   = "client_id"   // Stable client-chosen identifier
	KeySocketID   = "socket_id"   // Ephemeral per-connection identifier
	KeyRemoteAddr = "remote_addr" // Client remote address
	KeyAfterSeq   = "after_seq"   // Attach cursor
	KeyBacklog    = "backlog"     // Number of backlog events delivered

	// ========================================================================
	// Operations
	// ========================================================================
	KeyOp         = "op"         // Operation name: attach, input, resize, close
	KeyCapability = "capability" // Capability name for applyCapability calls
	KeyError      = "error"      // Error message

	// ========================================================================
	// Adapters
	// ========================================================================
	KeyPID      = "pid"       // Child process ID (PTY adapter)
	KeyExitCode = "exit_code" // Child process exit code
	KeySignal   = "signal"    // Signal name delivered or received
	KeyModel    = "model"     // Model identifier (AI adapter)
	KeyPath     = "path"      // File path (editor adapter, workspace checks)

	// ========================================================================
	// Storage
	// ========================================================================
	KeyDatabase = "database" // Database path or DSN host
	KeyAttempt  = "attempt"  // Retry attempt number
)

// ============================================================================
// Field constructors for type safety
// ============================================================================

// RunID returns a slog.Attr for a run session identifier
func RunID(id string) slog.Attr {
	return slog.String(KeyRunID, id)
}

// Kind returns a slog.Attr for a session kind
func Kind(kind string) slog.Attr {
	return slog.String(KeyKind, kind)
}

// Status returns a slog.Attr for a session status
func Status(status string) slog.Attr {
	return slog.String(KeyStatus, status)
}

// Seq returns a slog.Attr for an event sequence number
func Seq(seq int64) slog.Attr {
	return slog.Int64(KeySeq, seq)
}

// Channel returns a slog.Attr for an event channel
func Channel(ch string) slog.Attr {
	return slog.String(KeyChannel, ch)
}

// Bytes returns a slog.Attr for a payload size
func Bytes(n int) slog.Attr {
	return slog.Int(KeyBytes, n)
}

// ClientID returns a slog.Attr for a stable client identifier
func ClientID(id string) slog.Attr {
	return slog.String(KeyClientID, id)
}

// SocketID returns a slog.Attr for an ephemeral connection identifier
func SocketID(id string) slog.Attr {
	return slog.String(KeySocketID, id)
}

// RemoteAddr returns a slog.Attr for a client remote address
func RemoteAddr(addr string) slog.Attr {
	return slog.String(KeyRemoteAddr, addr)
}

// AfterSeq returns a slog.Attr for an attach cursor
func AfterSeq(seq int64) slog.Attr {
	return slog.Int64(KeyAfterSeq, seq)
}

// Backlog returns a slog.Attr for a backlog event count
func Backlog(n int) slog.Attr {
	return slog.Int(KeyBacklog, n)
}

// Capability returns a slog.Attr for a capability name
func Capability(name string) slog.Attr {
	return slog.String(KeyCapability, name)
}

// Err returns a slog.Attr for an error
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// PID returns a slog.Attr for a child process ID
func PID(pid int) slog.Attr {
	return slog.Int(KeyPID, pid)
}

// ExitCode returns a slog.Attr for a child process exit code
func ExitCode(code int) slog.Attr {
	return slog.Int(KeyExitCode, code)
}

// Signal returns a slog.Attr for a signal name
func Signal(name string) slog.Attr {
	return slog.String(KeySignal, name)
}

// Model returns a slog.Attr for a model identifier
func Model(name string) slog.Attr {
	return slog.String(KeyModel, name)
}

// Path returns a slog.Attr for a file path
func Path(p string) slog.Attr {
	return slog.String(KeyPath, p)
}

// Database returns a slog.Attr for a database location
func Database(loc string) slog.Attr {
	return slog.String(KeyDatabase, loc)
}

// Attempt returns a slog.Attr for a retry attempt number
func Attempt(n int) slog.Attr {
	return slog.Int(KeyAttempt, n)
}
