package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys for session operations. Session-scoped keys use the
// "run." prefix, event-scoped ones "event.".
const (
	AttrClientID = "client.id"
	AttrSocketID = "client.socket_id"

	AttrRunID      = "run.id"
	AttrKind       = "run.kind"
	AttrCapability = "run.capability"

	AttrSeq      = "event.seq"
	AttrChannel  = "event.channel"
	AttrType     = "event.type"
	AttrBytes    = "event.bytes"
	AttrAfterSeq = "event.after_seq"
	AttrBacklog  = "event.backlog"
)

// Span names, <component>.<operation>.
const (
	SpanCreateSession = "manager.create_session"
	SpanSendInput     = "manager.send_input"
	SpanCapability    = "manager.apply_capability"
	SpanCloseSession  = "manager.close_session"

	SpanAppendEvent = "store.append_event"
	SpanEventsSince = "store.events_since"

	SpanAttach = "gateway.attach"
)

// ClientID returns an attribute for the stable client identifier
func ClientID(id string) attribute.KeyValue {
	return attribute.String(AttrClientID, id)
}

// SocketID returns an attribute for the ephemeral connection identifier
func SocketID(id string) attribute.KeyValue {
	return attribute.String(AttrSocketID, id)
}

// RunID returns an attribute for a run session identifier
func RunID(id string) attribute.KeyValue {
	return attribute.String(AttrRunID, id)
}

// Kind returns an attribute for a session kind
func Kind(kind string) attribute.KeyValue {
	return attribute.String(AttrKind, kind)
}

// Capability returns an attribute for a capability name
func Capability(name string) attribute.KeyValue {
	return attribute.String(AttrCapability, name)
}

// Seq returns an attribute for an event sequence number
func Seq(seq int64) attribute.KeyValue {
	return attribute.Int64(AttrSeq, seq)
}

// Channel returns an attribute for an event channel
func Channel(ch string) attribute.KeyValue {
	return attribute.String(AttrChannel, ch)
}

// EventType returns an attribute for an event type
func EventType(t string) attribute.KeyValue {
	return attribute.String(AttrType, t)
}

// Bytes returns an attribute for a payload size
func Bytes(n int) attribute.KeyValue {
	return attribute.Int(AttrBytes, n)
}

// AfterSeq returns an attribute for an attach cursor
func AfterSeq(seq int64) attribute.KeyValue {
	return attribute.Int64(AttrAfterSeq, seq)
}

// Backlog returns an attribute for a backlog event count
func Backlog(n int) attribute.KeyValue {
	return attribute.Int(AttrBacklog, n)
}

// StartSessionSpan starts a span for a manager operation on one run session.
func StartSessionSpan(ctx context.Context, name, runID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := []attribute.KeyValue{RunID(runID)}
	allAttrs = append(allAttrs, attrs...)
	return StartSpan(ctx, name, trace.WithAttributes(allAttrs...))
}

// StartStoreSpan starts a span for an event store operation.
func StartStoreSpan(ctx context.Context, name, runID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := []attribute.KeyValue{RunID(runID)}
	allAttrs = append(allAttrs, attrs...)
	return StartSpan(ctx, name, trace.WithAttributes(allAttrs...))
}
