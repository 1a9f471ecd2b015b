package gateway

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"unicode/utf8"

	"github.com/dispatch-sh/dispatch/pkg/session/models"
)

// Client -> server operations.
const (
	OpAuth   = "auth"
	OpHello  = "client:hello"
	OpAttach = "run:attach"
	OpInput  = "run:input"
	OpResize = "run:resize"
	OpSignal = "run:signal"
	OpCap    = "run:capability"
	OpClose  = "run:close"
	OpDetach = "run:detach"
)

// Server -> client operations.
const (
	OpAck   = "ack"
	OpEvent = "run:event"
)

// Error kinds carried on rejection acks.
const (
	KindUnauthenticated       = "Unauthenticated"
	KindNotFound              = "NotFound"
	KindUnknownKind           = "UnknownKind"
	KindCapabilityUnsupported = "CapabilityUnsupported"
	KindSessionNotRunning     = "SessionNotRunning"
	KindInvalidInput          = "InvalidInput"
	KindPersistence           = "Persistence"
	KindAdapterFault          = "AdapterFault"
)

// ClientMessage is the envelope for everything a client sends. Fields
// beyond ID and Op are op-specific; unused ones stay zero.
type ClientMessage struct {
	ID int64  `json:"id,omitempty"`
	Op string `json:"op"`

	// auth
	Key string `json:"key,omitempty"`

	// client:hello
	ClientID string `json:"clientId,omitempty"`

	// run:* operations
	RunID    string `json:"runId,omitempty"`
	AfterSeq int64  `json:"afterSeq,omitempty"`

	// run:input: exactly one of Data (base64 bytes) or Text.
	Data string `json:"data,omitempty"`
	Text string `json:"text,omitempty"`

	// run:resize
	Cols int `json:"cols,omitempty"`
	Rows int `json:"rows,omitempty"`

	// run:signal
	Signal string `json:"signal,omitempty"`

	// run:capability
	Name string         `json:"name,omitempty"`
	Args map[string]any `json:"args,omitempty"`
}

// InputBytes decodes the input payload of a run:input message.
func (m *ClientMessage) InputBytes() ([]byte, error) {
	if m.Data != "" {
		data, err := base64.StdEncoding.DecodeString(m.Data)
		if err != nil {
			return nil, errors.Join(models.ErrInvalidInput, err)
		}
		return data, nil
	}
	return []byte(m.Text), nil
}

// WireError is the error half of a rejection ack.
type WireError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Ack answers a request-response message.
type Ack struct {
	Op      string         `json:"op"`
	ID      int64          `json:"id"`
	OK      bool           `json:"ok"`
	Error   *WireError     `json:"error,omitempty"`
	Backlog []WireEvent    `json:"backlog,omitempty"`
	Result  map[string]any `json:"result,omitempty"`
}

// WireEvent is one session event as seen on the socket. Payload holds
// JSON verbatim; opaque bytes travel base64-wrapped with Encoding set.
type WireEvent struct {
	Op       string          `json:"op"`
	RunID    string          `json:"runId"`
	Seq      int64           `json:"seq"`
	Channel  string          `json:"channel"`
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload"`
	Encoding string          `json:"encoding,omitempty"` // "base64" for opaque bytes
	Ts       int64           `json:"ts"`
}

// encodeEvent converts a stored event for the wire. Structured payloads
// pass through as JSON; anything else is base64-wrapped so arbitrary
// terminal bytes survive the JSON framing.
func encodeEvent(ev *models.SessionEvent) WireEvent {
	wire := WireEvent{
		Op:      OpEvent,
		RunID:   ev.RunID,
		Seq:     ev.Seq,
		Channel: ev.Channel,
		Type:    ev.Type,
		Ts:      ev.Ts,
	}

	if len(ev.Payload) > 0 && json.Valid(ev.Payload) && utf8.Valid(ev.Payload) {
		wire.Payload = json.RawMessage(ev.Payload)
		return wire
	}

	encoded, _ := json.Marshal(base64.StdEncoding.EncodeToString(ev.Payload))
	wire.Payload = encoded
	wire.Encoding = "base64"
	return wire
}

// DecodePayload reverses encodeEvent for clients and tests.
func (w *WireEvent) DecodePayload() ([]byte, error) {
	if w.Encoding == "base64" {
		var s string
		if err := json.Unmarshal(w.Payload, &s); err != nil {
			return nil, err
		}
		return base64.StdEncoding.DecodeString(s)
	}
	return []byte(w.Payload), nil
}

// errorKind maps domain errors onto wire-level kinds.
func errorKind(err error) string {
	switch {
	case errors.Is(err, models.ErrUnauthenticated):
		return KindUnauthenticated
	case errors.Is(err, models.ErrSessionNotFound):
		return KindNotFound
	case errors.Is(err, models.ErrUnknownKind):
		return KindUnknownKind
	case errors.Is(err, models.ErrCapabilityUnsupported):
		return KindCapabilityUnsupported
	case errors.Is(err, models.ErrSessionNotRunning), errors.Is(err, models.ErrSessionTerminated):
		return KindSessionNotRunning
	case errors.Is(err, models.ErrInvalidInput):
		return KindInvalidInput
	default:
		return KindAdapterFault
	}
}

func rejectAck(id int64, err error) Ack {
	return Ack{
		Op: OpAck,
		ID: id,
		OK: false,
		Error: &WireError{
			Kind:    errorKind(err),
			Message: err.Error(),
		},
	}
}

func okAck(id int64) Ack {
	return Ack{Op: OpAck, ID: id, OK: true}
}
