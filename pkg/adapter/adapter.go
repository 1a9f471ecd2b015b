// Package adapter defines the uniform contract between the session core
// and the processes it runs: PTY shells, AI assistants, file editors.
//
// An adapter turns a session kind into a live Handle. The core never sees
// a PTY file descriptor or an AI stream directly; it sees a Handle that
// accepts input bytes and emits events, and optional capability
// interfaces discovered by type assertion.
package adapter

import (
	"context"
)

// Event is one unit of output an adapter emits toward the session log.
// Seq and Ts are assigned later by the store; adapters only fill in the
// routing triple (Channel, Type) and the Payload.
type Event struct {
	Channel string
	Type    string
	Payload []byte
}

// EmitFunc delivers an adapter event to the session core. Implementations
// must be safe for concurrent use; adapters may call it from any goroutine.
// Events are recorded and broadcast in call order.
type EmitFunc func(event Event)

// Spec carries everything an adapter needs to open a new handle.
type Spec struct {
	// RunID identifies the session the handle belongs to.
	RunID string

	// Meta holds kind-specific options from the create request, already
	// validated as JSON. Adapters pick out what they understand and
	// ignore the rest.
	Meta map[string]any

	// Emit routes adapter output into the session's event log.
	Emit EmitFunc
}

// Handle is a live, open process bound to one run session.
//
// Input delivers client bytes to the process. Close tears the process
// down; it must be idempotent and must cause Wait to return. Wait blocks
// until the process has fully exited and returns its terminal error, nil
// for a clean exit.
type Handle interface {
	Input(ctx context.Context, data []byte) error
	Close(ctx context.Context) error
	Wait() error
}

// Factory opens handles for one session kind.
type Factory interface {
	// Kind returns the session kind this factory serves, e.g. "pty".
	Kind() string

	// Open starts the underlying process and returns its handle. On
	// error no handle exists and nothing was emitted.
	Open(ctx context.Context, spec Spec) (Handle, error)
}

// Capability side-interfaces. A handle advertises a capability by
// implementing the interface; the core discovers them with a type
// assertion and maps unsupported ones to a capability error.

// Resizer is implemented by handles with a resizable terminal.
type Resizer interface {
	Resize(ctx context.Context, cols, rows uint16) error
}

// Signaler is implemented by handles that can forward OS signals.
type Signaler interface {
	Signal(ctx context.Context, sig string) error
}

// Clearer is implemented by handles whose visible state can be reset
// without restarting the process.
type Clearer interface {
	Clear(ctx context.Context) error
}

// Pauser is implemented by handles whose output can be suspended and
// resumed.
type Pauser interface {
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
}

// Introspector is implemented by handles that expose live internal
// state beyond the event log, such as queue depth or child PID.
type Introspector interface {
	Introspect(ctx context.Context) (map[string]any, error)
}

// Capability names accepted by applyCapability.
const (
	CapResize     = "resize"
	CapSignal     = "signal"
	CapClear      = "clear"
	CapPause      = "pause"
	CapResume     = "resume"
	CapIntrospect = "introspect"
)

// Capabilities lists the capability names a handle supports, in a fixed
// order. Used to advertise supported operations in session metadata.
func Capabilities(h Handle) []string {
	var caps []string
	if _, ok := h.(Resizer); ok {
		caps = append(caps, CapResize)
	}
	if _, ok := h.(Signaler); ok {
		caps = append(caps, CapSignal)
	}
	if _, ok := h.(Clearer); ok {
		caps = append(caps, CapClear)
	}
	if _, ok := h.(Pauser); ok {
		caps = append(caps, CapPause, CapResume)
	}
	if _, ok := h.(Introspector); ok {
		caps = append(caps, CapIntrospect)
	}
	return caps
}
