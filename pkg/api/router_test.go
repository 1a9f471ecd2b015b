package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dispatch-sh/dispatch/pkg/adapter"
	"github.com/dispatch-sh/dispatch/pkg/auth"
	"github.com/dispatch-sh/dispatch/pkg/session"
	"github.com/dispatch-sh/dispatch/pkg/session/models"
	"github.com/dispatch-sh/dispatch/pkg/session/store"
)

const testKey = "api-test-key"

// fakeHandle echoes input back as stdout chunks.
type fakeHandle struct {
	emit adapter.EmitFunc

	closeOnce sync.Once
	done      chan struct{}
}

func (h *fakeHandle) Input(_ context.Context, data []byte) error {
	h.emit(adapter.Event{
		Channel: models.ChannelPtyStdout,
		Type:    "chunk",
		Payload: data,
	})
	return nil
}

func (h *fakeHandle) Close(context.Context) error {
	h.closeOnce.Do(func() {
		h.emit(adapter.Event{
			Channel: models.ChannelSystemStatus,
			Type:    models.TypeClosed,
			Payload: []byte(`{"reason":"closed"}`),
		})
		close(h.done)
	})
	return nil
}

func (h *fakeHandle) Wait() error {
	<-h.done
	return nil
}

func (h *fakeHandle) Resize(_ context.Context, cols, rows uint16) error {
	h.emit(adapter.Event{
		Channel: models.ChannelPtyResize,
		Type:    "dimensions",
		Payload: []byte(fmt.Sprintf(`{"cols":%d,"rows":%d}`, cols, rows)),
	})
	return nil
}

type fakeFactory struct{}

func (f *fakeFactory) Kind() string { return "fake" }

func (f *fakeFactory) Open(_ context.Context, spec adapter.Spec) (adapter.Handle, error) {
	return &fakeHandle{emit: spec.Emit, done: make(chan struct{})}, nil
}

func newTestAPI(t *testing.T) (*httptest.Server, *session.Manager) {
	t.Helper()

	st, err := store.New(&store.Config{
		Type:   store.DatabaseTypeSQLite,
		SQLite: store.SQLiteConfig{Path: t.TempDir() + "/test.db"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	registry := adapter.NewRegistry()
	require.NoError(t, registry.Register(&fakeFactory{}))

	mgr := session.NewManager(session.Config{}, st, registry, nil)

	cfg := Config{}
	cfg.ApplyDefaults()
	router := NewRouter(cfg, RouterDeps{
		Manager: mgr,
		Store:   st,
		Auth:    auth.NewAuthenticator(testKey),
	})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, mgr
}

// doRequest performs an authenticated JSON request against the test server.
func doRequest(t *testing.T, srv *httptest.Server, method, path string, body any) *http.Response {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, srv.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func createSession(t *testing.T, srv *httptest.Server) *models.RunSession {
	t.Helper()
	resp := doRequest(t, srv, http.MethodPost, "/api/v1/sessions", map[string]any{"kind": "fake"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	sess := decodeBody[*models.RunSession](t, resp)
	require.NotEmpty(t, sess.RunID)
	return sess
}

func TestHealthLiveness(t *testing.T) {
	srv, _ := newTestAPI(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody[map[string]any](t, resp)
	assert.Equal(t, "healthy", body["status"])
}

func TestHealthReadiness(t *testing.T) {
	srv, _ := newTestAPI(t)

	resp, err := http.Get(srv.URL + "/health/ready")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPIRequiresBearerKey(t *testing.T) {
	srv, _ := newTestAPI(t)

	// No Authorization header
	resp, err := http.Get(srv.URL + "/api/v1/sessions")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Wrong key
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/sessions", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Correct key
	resp = doRequest(t, srv, http.MethodGet, "/api/v1/sessions", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCreateAndGetSession(t *testing.T) {
	srv, _ := newTestAPI(t)

	sess := createSession(t, srv)
	assert.Equal(t, "fake", sess.Kind)
	assert.Equal(t, string(models.StatusRunning), sess.Status)

	resp := doRequest(t, srv, http.MethodGet, "/api/v1/sessions/"+sess.RunID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	fetched := decodeBody[*models.RunSession](t, resp)
	assert.Equal(t, sess.RunID, fetched.RunID)
}

func TestCreateSessionUnknownKind(t *testing.T) {
	srv, _ := newTestAPI(t)

	resp := doRequest(t, srv, http.MethodPost, "/api/v1/sessions", map[string]any{"kind": "nope"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))
}

func TestCreateSessionMissingKind(t *testing.T) {
	srv, _ := newTestAPI(t)

	resp := doRequest(t, srv, http.MethodPost, "/api/v1/sessions", map[string]any{})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetSessionNotFound(t *testing.T) {
	srv, _ := newTestAPI(t)

	resp := doRequest(t, srv, http.MethodGet, "/api/v1/sessions/no-such-run", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListSessionsFilter(t *testing.T) {
	srv, _ := newTestAPI(t)

	first := createSession(t, srv)
	createSession(t, srv)

	resp := doRequest(t, srv, http.MethodGet, "/api/v1/sessions", nil)
	all := decodeBody[[]*models.RunSession](t, resp)
	assert.Len(t, all, 2)

	// Close one and filter by status
	closeResp := doRequest(t, srv, http.MethodDelete, "/api/v1/sessions/"+first.RunID, nil)
	closeResp.Body.Close()
	require.Equal(t, http.StatusNoContent, closeResp.StatusCode)

	resp = doRequest(t, srv, http.MethodGet, "/api/v1/sessions?status=running", nil)
	running := decodeBody[[]*models.RunSession](t, resp)
	assert.Len(t, running, 1)
}

func TestInputAppendsEvents(t *testing.T) {
	srv, _ := newTestAPI(t)
	sess := createSession(t, srv)

	resp := doRequest(t, srv, http.MethodPost, "/api/v1/sessions/"+sess.RunID+"/input",
		map[string]any{"text": "hello"})
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	// The echo is recorded asynchronously; poll the log briefly.
	var events []map[string]any
	require.Eventually(t, func() bool {
		resp := doRequest(t, srv, http.MethodGet, "/api/v1/sessions/"+sess.RunID+"/events", nil)
		events = decodeBody[[]map[string]any](t, resp)
		return len(events) >= 2
	}, 2*time.Second, 20*time.Millisecond)

	// Event log starts with the opened event at seq 1
	assert.Equal(t, float64(1), events[0]["seq"])
	assert.Equal(t, models.ChannelSystemStatus, events[0]["channel"])
	assert.Equal(t, models.TypeOpened, events[0]["type"])

	last := events[len(events)-1]
	assert.Equal(t, models.ChannelPtyStdout, last["channel"])
}

func TestEventsCursor(t *testing.T) {
	srv, _ := newTestAPI(t)
	sess := createSession(t, srv)

	for i := 0; i < 5; i++ {
		resp := doRequest(t, srv, http.MethodPost, "/api/v1/sessions/"+sess.RunID+"/input",
			map[string]any{"text": fmt.Sprintf("line-%d", i)})
		resp.Body.Close()
		require.Equal(t, http.StatusNoContent, resp.StatusCode)
	}

	require.Eventually(t, func() bool {
		resp := doRequest(t, srv, http.MethodGet, "/api/v1/sessions/"+sess.RunID+"/events", nil)
		return len(decodeBody[[]map[string]any](t, resp)) == 6
	}, 2*time.Second, 20*time.Millisecond)

	resp := doRequest(t, srv, http.MethodGet, "/api/v1/sessions/"+sess.RunID+"/events?after_seq=3", nil)
	page := decodeBody[[]map[string]any](t, resp)
	require.Len(t, page, 3)
	assert.Equal(t, float64(4), page[0]["seq"])

	resp = doRequest(t, srv, http.MethodGet, "/api/v1/sessions/"+sess.RunID+"/events?after_seq=bogus", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEventsUnknownSession(t *testing.T) {
	srv, _ := newTestAPI(t)

	resp := doRequest(t, srv, http.MethodGet, "/api/v1/sessions/missing/events", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCapabilityResize(t *testing.T) {
	srv, _ := newTestAPI(t)
	sess := createSession(t, srv)

	resp := doRequest(t, srv, http.MethodPost, "/api/v1/sessions/"+sess.RunID+"/capability",
		map[string]any{"name": "resize", "args": map[string]any{"cols": 120, "rows": 40}})
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestCapabilityUnsupported(t *testing.T) {
	srv, _ := newTestAPI(t)
	sess := createSession(t, srv)

	resp := doRequest(t, srv, http.MethodPost, "/api/v1/sessions/"+sess.RunID+"/capability",
		map[string]any{"name": "signal", "args": map[string]any{"signal": "interrupt"}})
	resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestCloseIsIdempotent(t *testing.T) {
	srv, _ := newTestAPI(t)
	sess := createSession(t, srv)

	for i := 0; i < 2; i++ {
		resp := doRequest(t, srv, http.MethodDelete, "/api/v1/sessions/"+sess.RunID, nil)
		resp.Body.Close()
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	}

	resp := doRequest(t, srv, http.MethodGet, "/api/v1/sessions/"+sess.RunID, nil)
	fetched := decodeBody[*models.RunSession](t, resp)
	assert.Equal(t, string(models.StatusStopped), fetched.Status)
}

func TestInputAfterCloseConflicts(t *testing.T) {
	srv, _ := newTestAPI(t)
	sess := createSession(t, srv)

	resp := doRequest(t, srv, http.MethodDelete, "/api/v1/sessions/"+sess.RunID, nil)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = doRequest(t, srv, http.MethodPost, "/api/v1/sessions/"+sess.RunID+"/input",
		map[string]any{"text": "too late"})
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestKinds(t *testing.T) {
	srv, _ := newTestAPI(t)

	resp := doRequest(t, srv, http.MethodGet, "/api/v1/kinds", nil)
	body := decodeBody[map[string][]string](t, resp)
	assert.Equal(t, []string{"fake"}, body["kinds"])
}
