package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"

	"github.com/dispatch-sh/dispatch/internal/logger"
	"github.com/dispatch-sh/dispatch/pkg/session"
	"github.com/dispatch-sh/dispatch/pkg/session/models"
	"github.com/dispatch-sh/dispatch/pkg/session/store"
)

// SessionHandler handles run-session management API endpoints.
//
// The REST surface covers lifecycle and history; the realtime stream
// lives on the WebSocket gateway.
type SessionHandler struct {
	manager *session.Manager
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(manager *session.Manager) *SessionHandler {
	return &SessionHandler{manager: manager}
}

// CreateSessionRequest is the request body for POST /api/v1/sessions.
type CreateSessionRequest struct {
	Kind string         `json:"kind"`
	Meta map[string]any `json:"meta,omitempty"`
}

// InputRequest is the request body for POST /api/v1/sessions/{runId}/input.
// Exactly one of Data (base64 bytes) or Text should be set.
type InputRequest struct {
	Data string `json:"data,omitempty"`
	Text string `json:"text,omitempty"`
}

// CapabilityRequest is the request body for POST /api/v1/sessions/{runId}/capability.
type CapabilityRequest struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// EventResponse is one session event in REST responses. Payload holds
// JSON verbatim; opaque bytes travel base64-wrapped with Encoding set.
type EventResponse struct {
	RunID    string          `json:"runId"`
	Seq      int64           `json:"seq"`
	Channel  string          `json:"channel"`
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload"`
	Encoding string          `json:"encoding,omitempty"`
	Ts       int64           `json:"ts"`
}

func eventToResponse(ev *models.SessionEvent) EventResponse {
	resp := EventResponse{
		RunID:   ev.RunID,
		Seq:     ev.Seq,
		Channel: ev.Channel,
		Type:    ev.Type,
		Ts:      ev.Ts,
	}

	if len(ev.Payload) > 0 && json.Valid(ev.Payload) && utf8.Valid(ev.Payload) {
		resp.Payload = json.RawMessage(ev.Payload)
		return resp
	}

	encoded, _ := json.Marshal(base64.StdEncoding.EncodeToString(ev.Payload))
	resp.Payload = encoded
	resp.Encoding = "base64"
	return resp
}

// Create handles POST /api/v1/sessions.
// Starts a new run session of the requested kind.
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	if req.Kind == "" {
		BadRequest(w, "Kind is required")
		return
	}

	sess, err := h.manager.CreateRunSession(opContext(r, "create"), req.Kind, req.Meta)
	if err != nil {
		writeSessionError(w, err, "Failed to create session")
		return
	}

	WriteJSONCreated(w, sess)
}

// List handles GET /api/v1/sessions.
// Optional query parameters: status, kind.
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	filter := store.ListFilter{
		Status: models.Status(r.URL.Query().Get("status")),
		Kind:   r.URL.Query().Get("kind"),
	}

	sessions, err := h.manager.ListSessions(r.Context(), filter)
	if err != nil {
		InternalServerError(w, "Failed to list sessions")
		return
	}

	WriteJSONOK(w, sessions)
}

// Get handles GET /api/v1/sessions/{runId}.
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runId")

	sess, err := h.manager.GetSession(r.Context(), runID)
	if err != nil {
		writeSessionError(w, err, "Failed to get session")
		return
	}

	WriteJSONOK(w, sess)
}

// Events handles GET /api/v1/sessions/{runId}/events.
// Returns the durable event log from a cursor, oldest first.
// Query parameters: after_seq (default 0), limit (default 1000).
func (h *SessionHandler) Events(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runId")

	afterSeq, ok := parseQueryInt64(w, r, "after_seq", 0)
	if !ok {
		return
	}
	limit, ok := parseQueryInt64(w, r, "limit", 1000)
	if !ok {
		return
	}

	events, err := h.manager.GetBacklog(r.Context(), runID, afterSeq, int(limit))
	if err != nil {
		writeSessionError(w, err, "Failed to fetch events")
		return
	}

	resp := make([]EventResponse, len(events))
	for i, ev := range events {
		resp[i] = eventToResponse(ev)
	}

	WriteJSONOK(w, resp)
}

// Input handles POST /api/v1/sessions/{runId}/input.
// Forwards bytes to the session's adapter.
func (h *SessionHandler) Input(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runId")

	var req InputRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	data := []byte(req.Text)
	if req.Data != "" {
		decoded, err := base64.StdEncoding.DecodeString(req.Data)
		if err != nil {
			BadRequest(w, "Invalid base64 input data")
			return
		}
		data = decoded
	}

	if err := h.manager.SendInput(opContext(r, "input"), runID, data); err != nil {
		writeSessionError(w, err, "Failed to send input")
		return
	}

	WriteNoContent(w)
}

// Capability handles POST /api/v1/sessions/{runId}/capability.
// Invokes an optional adapter capability such as resize or signal.
func (h *SessionHandler) Capability(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runId")

	var req CapabilityRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	if req.Name == "" {
		BadRequest(w, "Name is required")
		return
	}

	result, err := h.manager.ApplyCapability(opContext(r, "capability"), runID, req.Name, req.Args)
	if err != nil {
		writeSessionError(w, err, "Failed to apply capability")
		return
	}

	if result == nil {
		WriteNoContent(w)
		return
	}
	WriteJSONOK(w, result)
}

// Close handles DELETE /api/v1/sessions/{runId}.
// Initiates graceful close; idempotent for already-terminal sessions.
func (h *SessionHandler) Close(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runId")

	if err := h.manager.CloseRunSession(opContext(r, "close"), runID); err != nil {
		writeSessionError(w, err, "Failed to close session")
		return
	}

	WriteNoContent(w)
}

// Kinds handles GET /api/v1/kinds.
// Lists the registered adapter kinds.
func (h *SessionHandler) Kinds(w http.ResponseWriter, r *http.Request) {
	WriteJSONOK(w, map[string]any{"kinds": h.manager.Kinds()})
}

// opContext tags the request context so downstream structured logs
// carry the operation and caller address.
func opContext(r *http.Request, op string) context.Context {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return logger.WithContext(r.Context(), logger.NewLogContext(host).WithOp(op))
}

// writeSessionError maps domain errors onto problem responses.
func writeSessionError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, models.ErrSessionNotFound):
		NotFound(w, "Session not found")
	case errors.Is(err, models.ErrUnknownKind):
		UnprocessableEntity(w, "Unknown session kind")
	case errors.Is(err, models.ErrCapabilityUnsupported):
		UnprocessableEntity(w, "Capability not supported by this session")
	case errors.Is(err, models.ErrSessionNotRunning), errors.Is(err, models.ErrSessionTerminated):
		Conflict(w, "Session is not running")
	case errors.Is(err, models.ErrInvalidInput):
		BadRequest(w, err.Error())
	default:
		InternalServerError(w, fallback)
	}
}

func parseQueryInt64(w http.ResponseWriter, r *http.Request, name string, def int64) (int64, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		BadRequest(w, "Invalid "+name+" parameter")
		return 0, false
	}
	return v, true
}
