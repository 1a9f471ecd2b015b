package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dispatch-sh/dispatch/pkg/adapter"
	"github.com/dispatch-sh/dispatch/pkg/session/models"
	"github.com/dispatch-sh/dispatch/pkg/session/store"
)

// fakeHandle is a scriptable adapter handle driven by tests.
type fakeHandle struct {
	emit adapter.EmitFunc

	mu       sync.Mutex
	inputs   [][]byte
	inputErr error
	silent   bool // ignore Close entirely: no closed event, no exit

	closeOnce sync.Once
	done      chan struct{}
}

func (h *fakeHandle) Input(_ context.Context, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.inputErr != nil {
		return h.inputErr
	}
	h.inputs = append(h.inputs, data)
	return nil
}

func (h *fakeHandle) Close(context.Context) error {
	h.mu.Lock()
	silent := h.silent
	h.mu.Unlock()
	if silent {
		return nil
	}
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

func (h *fakeHandle) emitChunk(data string) {
	h.emit(adapter.Event{
		Channel: models.ChannelPtyStdout,
		Type:    "chunk",
		Payload: []byte(data),
	})
}

type fakeFactory struct {
	kind string

	mu      sync.Mutex
	openErr error
	handles []*fakeHandle
}

func (f *fakeFactory) Kind() string { return f.kind }

func (f *fakeFactory) Open(_ context.Context, spec adapter.Spec) (adapter.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	h := &fakeHandle{emit: spec.Emit, done: make(chan struct{})}
	f.handles = append(f.handles, h)
	return h, nil
}

func (f *fakeFactory) lastHandle() *fakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handles[len(f.handles)-1]
}

// faultStore wraps a real store and fails appends on demand.
type faultStore struct {
	Store
	mu         sync.Mutex
	failAppend bool
}

func (f *faultStore) AppendEvent(ctx context.Context, runID, channel, eventType string, payload []byte) (*models.SessionEvent, error) {
	f.mu.Lock()
	fail := f.failAppend
	f.mu.Unlock()
	if fail && channel != models.ChannelSystemStatus {
		return nil, errors.New("disk full")
	}
	return f.Store.AppendEvent(ctx, runID, channel, eventType, payload)
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *fakeFactory, *faultStore) {
	t.Helper()

	st, err := store.New(&store.Config{
		Type:   store.DatabaseTypeSQLite,
		SQLite: store.SQLiteConfig{Path: filepath.Join(t.TempDir(), "test.db")},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	factory := &fakeFactory{kind: "fake"}
	registry := adapter.NewRegistry()
	require.NoError(t, registry.Register(factory))

	fs := &faultStore{Store: st}
	return NewManager(cfg, fs, registry, nil), factory, fs
}

func createSession(t *testing.T, m *Manager) *models.RunSession {
	t.Helper()
	sess, err := m.CreateRunSession(context.Background(), "fake", nil)
	require.NoError(t, err)
	return sess
}

func collectUntilClosed(t *testing.T, sub *Subscriber, max time.Duration) []*models.SessionEvent {
	t.Helper()
	var events []*models.SessionEvent
	deadline := time.After(max)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-deadline:
			return events
		}
	}
}

func TestCreateRunSession(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})
	ctx := context.Background()

	t.Run("unknown kind", func(t *testing.T) {
		_, err := m.CreateRunSession(ctx, "teleporter", nil)
		assert.ErrorIs(t, err, models.ErrUnknownKind)
	})

	t.Run("session starts running", func(t *testing.T) {
		sess := createSession(t, m)
		assert.Equal(t, models.StatusRunning, sess.GetStatus())
		assert.NotEmpty(t, sess.RunID)
	})

	t.Run("opened is the first event", func(t *testing.T) {
		sess := createSession(t, m)

		events, err := m.GetBacklog(ctx, sess.RunID, 0, 0)
		require.NoError(t, err)
		require.NotEmpty(t, events)
		assert.Equal(t, int64(1), events[0].Seq)
		assert.Equal(t, models.ChannelSystemStatus, events[0].Channel)
		assert.Equal(t, models.TypeOpened, events[0].Type)
	})
}

func TestCreateRunSessionAdapterFailure(t *testing.T) {
	m, factory, _ := newTestManager(t, Config{})
	ctx := context.Background()

	factory.mu.Lock()
	factory.openErr = errors.New("no shell")
	factory.mu.Unlock()

	_, err := m.CreateRunSession(ctx, "fake", nil)
	require.Error(t, err)

	// The failed session is recorded with status error and an error event.
	sessions, err := m.ListSessions(ctx, store.ListFilter{Status: models.StatusError})
	require.NoError(t, err)
	require.Len(t, sessions, 1)

	events, err := m.GetBacklog(ctx, sessions[0].RunID, 0, 0)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, models.ChannelSystemStatus, last.Channel)
	assert.Equal(t, models.TypeError, last.Type)
}

func TestWorkspaceConfinement(t *testing.T) {
	m, _, _ := newTestManager(t, Config{WorkspaceRoot: "/workspace"})
	ctx := context.Background()

	_, err := m.CreateRunSession(ctx, "fake", map[string]any{"cwd": "/etc"})
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	_, err = m.CreateRunSession(ctx, "fake", map[string]any{"cwd": "/workspace/demo"})
	assert.NoError(t, err)
}

func TestSendInput(t *testing.T) {
	m, factory, _ := newTestManager(t, Config{})
	ctx := context.Background()
	sess := createSession(t, m)

	t.Run("forwards to the adapter", func(t *testing.T) {
		require.NoError(t, m.SendInput(ctx, sess.RunID, []byte("echo hi\n")))

		h := factory.lastHandle()
		h.mu.Lock()
		defer h.mu.Unlock()
		require.Len(t, h.inputs, 1)
		assert.Equal(t, "echo hi\n", string(h.inputs[0]))
	})

	t.Run("unknown run", func(t *testing.T) {
		err := m.SendInput(ctx, "no-such-run", []byte("x"))
		assert.ErrorIs(t, err, models.ErrSessionNotFound)
	})

	t.Run("closed session rejects input", func(t *testing.T) {
		require.NoError(t, m.CloseRunSession(ctx, sess.RunID))

		err := m.SendInput(ctx, sess.RunID, []byte("x"))
		assert.ErrorIs(t, err, models.ErrSessionNotRunning)
	})
}

func TestAdapterFaultKillsSession(t *testing.T) {
	m, factory, _ := newTestManager(t, Config{})
	ctx := context.Background()
	sess := createSession(t, m)

	h := factory.lastHandle()
	h.emitChunk("some output")

	h.mu.Lock()
	h.inputErr = errors.New("broken pipe")
	h.mu.Unlock()

	err := m.SendInput(ctx, sess.RunID, []byte("x"))
	require.Error(t, err)

	loaded, err := m.GetSession(ctx, sess.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, loaded.GetStatus())

	// History is preserved and ends with the error event.
	events, err := m.GetBacklog(ctx, sess.RunID, 0, 0)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(events), 3)
	assert.Equal(t, models.TypeOpened, events[0].Type)
	assert.Equal(t, models.ChannelPtyStdout, events[1].Channel)
	last := events[len(events)-1]
	assert.Equal(t, models.TypeError, last.Type)

	err = m.SendInput(ctx, sess.RunID, []byte("again"))
	assert.ErrorIs(t, err, models.ErrSessionNotRunning)
}

func TestApplyCapability(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})
	ctx := context.Background()
	sess := createSession(t, m)

	t.Run("supported capability", func(t *testing.T) {
		_, err := m.ApplyCapability(ctx, sess.RunID, adapter.CapResize, map[string]any{
			"cols": float64(120), "rows": float64(40),
		})
		require.NoError(t, err)

		events, err := m.GetBacklog(ctx, sess.RunID, 0, 0)
		require.NoError(t, err)
		found := false
		for _, ev := range events {
			if ev.Channel == models.ChannelPtyResize {
				found = true
			}
		}
		assert.True(t, found)
	})

	t.Run("invalid resize args", func(t *testing.T) {
		_, err := m.ApplyCapability(ctx, sess.RunID, adapter.CapResize, map[string]any{})
		assert.ErrorIs(t, err, models.ErrInvalidInput)
	})

	t.Run("unsupported capability", func(t *testing.T) {
		_, err := m.ApplyCapability(ctx, sess.RunID, adapter.CapClear, nil)
		assert.ErrorIs(t, err, models.ErrCapabilityUnsupported)
	})

	t.Run("unknown capability name", func(t *testing.T) {
		_, err := m.ApplyCapability(ctx, sess.RunID, "teleport", nil)
		assert.ErrorIs(t, err, models.ErrCapabilityUnsupported)
	})
}

func TestCloseRunSession(t *testing.T) {
	t.Run("close records one closed event", func(t *testing.T) {
		m, _, _ := newTestManager(t, Config{})
		ctx := context.Background()
		sess := createSession(t, m)

		require.NoError(t, m.CloseRunSession(ctx, sess.RunID))

		loaded, err := m.GetSession(ctx, sess.RunID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusStopped, loaded.GetStatus())

		events, err := m.GetBacklog(ctx, sess.RunID, 0, 0)
		require.NoError(t, err)
		closed := 0
		for _, ev := range events {
			if ev.Channel == models.ChannelSystemStatus && ev.Type == models.TypeClosed {
				closed++
			}
		}
		assert.Equal(t, 1, closed)
	})

	t.Run("idempotent", func(t *testing.T) {
		m, _, _ := newTestManager(t, Config{})
		ctx := context.Background()
		sess := createSession(t, m)

		require.NoError(t, m.CloseRunSession(ctx, sess.RunID))
		require.NoError(t, m.CloseRunSession(ctx, sess.RunID))
	})

	t.Run("concurrent closes yield one closed event", func(t *testing.T) {
		m, _, _ := newTestManager(t, Config{})
		ctx := context.Background()
		sess := createSession(t, m)

		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, m.CloseRunSession(ctx, sess.RunID))
			}()
		}
		wg.Wait()

		events, err := m.GetBacklog(ctx, sess.RunID, 0, 0)
		require.NoError(t, err)
		closed := 0
		for _, ev := range events {
			if ev.Channel == models.ChannelSystemStatus && ev.Type == models.TypeClosed {
				closed++
			}
		}
		assert.Equal(t, 1, closed)
	})

	t.Run("unknown run", func(t *testing.T) {
		m, _, _ := newTestManager(t, Config{})
		err := m.CloseRunSession(context.Background(), "no-such-run")
		assert.ErrorIs(t, err, models.ErrSessionNotFound)
	})

	t.Run("grace expiry synthesizes timeout close", func(t *testing.T) {
		m, factory, _ := newTestManager(t, Config{CloseGrace: 200 * time.Millisecond})
		ctx := context.Background()
		sess := createSession(t, m)

		h := factory.lastHandle()
		h.mu.Lock()
		h.silent = true
		h.mu.Unlock()

		require.NoError(t, m.CloseRunSession(ctx, sess.RunID))

		loaded, err := m.GetSession(ctx, sess.RunID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusStopped, loaded.GetStatus())

		events, err := m.GetBacklog(ctx, sess.RunID, 0, 0)
		require.NoError(t, err)
		last := events[len(events)-1]
		assert.Equal(t, models.TypeClosed, last.Type)

		var payload map[string]any
		require.NoError(t, json.Unmarshal(last.Payload, &payload))
		assert.Equal(t, "timeout", payload["reason"])
	})
}

func TestSubscribeOrdering(t *testing.T) {
	m, factory, _ := newTestManager(t, Config{})
	ctx := context.Background()
	sess := createSession(t, m)

	sub, err := m.Subscribe(ctx, sess.RunID)
	require.NoError(t, err)

	h := factory.lastHandle()
	for i := 0; i < 20; i++ {
		h.emitChunk(fmt.Sprintf("line %d", i))
	}
	require.NoError(t, m.CloseRunSession(ctx, sess.RunID))

	live := collectUntilClosed(t, sub, 5*time.Second)
	require.NotEmpty(t, live)

	// Live events are strictly increasing in seq.
	for i := 1; i < len(live); i++ {
		assert.Greater(t, live[i].Seq, live[i-1].Seq)
	}

	// And match the durable log over the same range.
	backlog, err := m.GetBacklog(ctx, sess.RunID, live[0].Seq-1, 0)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(backlog), len(live))
	for i, ev := range live {
		assert.Equal(t, backlog[i].Seq, ev.Seq)
		assert.Equal(t, backlog[i].Payload, ev.Payload)
	}
}

func TestTwoSubscribersSeeIdenticalStreams(t *testing.T) {
	m, factory, _ := newTestManager(t, Config{})
	ctx := context.Background()
	sess := createSession(t, m)

	subA, err := m.Subscribe(ctx, sess.RunID)
	require.NoError(t, err)
	subB, err := m.Subscribe(ctx, sess.RunID)
	require.NoError(t, err)

	h := factory.lastHandle()
	for i := 0; i < 10; i++ {
		h.emitChunk(fmt.Sprintf("chunk %d", i))
	}
	require.NoError(t, m.CloseRunSession(ctx, sess.RunID))

	eventsA := collectUntilClosed(t, subA, 5*time.Second)
	eventsB := collectUntilClosed(t, subB, 5*time.Second)

	require.Equal(t, len(eventsA), len(eventsB))
	for i := range eventsA {
		assert.Equal(t, eventsA[i].Seq, eventsB[i].Seq)
		assert.Equal(t, eventsA[i].Payload, eventsB[i].Payload)
	}
}

func TestSlowSubscriberIsolation(t *testing.T) {
	m, factory, _ := newTestManager(t, Config{SubscriberBuffer: 4})
	ctx := context.Background()
	sess := createSession(t, m)

	slow, err := m.Subscribe(ctx, sess.RunID)
	require.NoError(t, err)
	fast, err := m.Subscribe(ctx, sess.RunID)
	require.NoError(t, err)

	// Drain the fast subscriber continuously; never read the slow one.
	var fastEvents []*models.SessionEvent
	var fastMu sync.Mutex
	go func() {
		for ev := range fast.Events() {
			fastMu.Lock()
			fastEvents = append(fastEvents, ev)
			fastMu.Unlock()
		}
	}()

	h := factory.lastHandle()
	for i := 0; i < 50; i++ {
		h.emitChunk(fmt.Sprintf("flood %d", i))
	}

	// The slow subscriber is dropped, channel closed, marked slow.
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-slow.Events():
			return !ok
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
	assert.True(t, slow.Slow())

	require.NoError(t, m.CloseRunSession(ctx, sess.RunID))

	// The fast subscriber saw the full stream with no gaps.
	require.Eventually(t, func() bool {
		fastMu.Lock()
		defer fastMu.Unlock()
		if len(fastEvents) == 0 {
			return false
		}
		return fastEvents[len(fastEvents)-1].Type == models.TypeClosed
	}, 5*time.Second, 10*time.Millisecond)

	fastMu.Lock()
	defer fastMu.Unlock()
	for i := 1; i < len(fastEvents); i++ {
		assert.Equal(t, fastEvents[i-1].Seq+1, fastEvents[i].Seq)
	}

	// Durable log has no gaps either.
	backlog, err := m.GetBacklog(ctx, sess.RunID, 0, 0)
	require.NoError(t, err)
	for i, ev := range backlog {
		assert.Equal(t, int64(i+1), ev.Seq)
	}
}

func TestSubscribeUnknownRun(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})
	_, err := m.Subscribe(context.Background(), "no-such-run")
	assert.ErrorIs(t, err, models.ErrSessionNotFound)
}

func TestSubscribeTerminalRunClosesImmediately(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})
	ctx := context.Background()
	sess := createSession(t, m)
	require.NoError(t, m.CloseRunSession(ctx, sess.RunID))

	sub, err := m.Subscribe(ctx, sess.RunID)
	require.NoError(t, err)

	select {
	case _, ok := <-sub.Events():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("expected subscription to close")
	}
}

func TestPersistenceFailureKillsSession(t *testing.T) {
	m, factory, fs := newTestManager(t, Config{})
	ctx := context.Background()
	sess := createSession(t, m)

	sub, err := m.Subscribe(ctx, sess.RunID)
	require.NoError(t, err)

	fs.mu.Lock()
	fs.failAppend = true
	fs.mu.Unlock()

	factory.lastHandle().emitChunk("doomed")

	loaded, err := m.GetSession(ctx, sess.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, loaded.GetStatus())

	// Subscribers hear about the failure before the stream ends.
	events := collectUntilClosed(t, sub, 5*time.Second)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, models.ChannelSystemStatus, last.Channel)
	assert.Equal(t, models.TypeError, last.Type)
}

func TestGetBacklogCursor(t *testing.T) {
	m, factory, _ := newTestManager(t, Config{})
	ctx := context.Background()
	sess := createSession(t, m)

	h := factory.lastHandle()
	for i := 0; i < 9; i++ {
		h.emitChunk(fmt.Sprintf("n=%d", i))
	}

	// opened + 9 chunks = 10 events
	all, err := m.GetBacklog(ctx, sess.RunID, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 10)

	tail, err := m.GetBacklog(ctx, sess.RunID, 4, 0)
	require.NoError(t, err)
	require.Len(t, tail, 6)
	assert.Equal(t, int64(5), tail[0].Seq)

	empty, err := m.GetBacklog(ctx, sess.RunID, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestRecover(t *testing.T) {
	st, err := store.New(&store.Config{
		Type:   store.DatabaseTypeSQLite,
		SQLite: store.SQLiteConfig{Path: filepath.Join(t.TempDir(), "test.db")},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()

	// Simulate a session left running by a dead process.
	_, err = st.CreateSession(ctx, "run-stale", "pty", nil)
	require.NoError(t, err)
	require.NoError(t, st.UpdateStatus(ctx, "run-stale", models.StatusRunning))
	_, err = st.AppendEvent(ctx, "run-stale", models.ChannelPtyStdout, "chunk", []byte("old output"))
	require.NoError(t, err)

	registry := adapter.NewRegistry()
	m := NewManager(Config{}, st, registry, nil)
	require.NoError(t, m.Recover(ctx))

	sess, err := st.GetSession(ctx, "run-stale")
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopped, sess.GetStatus())

	// History preserved, closed event appended last.
	events, err := st.EventsSince(ctx, "run-stale", 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, models.TypeClosed, events[1].Type)
}

func TestShutdownClosesAllSessions(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})
	ctx := context.Background()

	s1 := createSession(t, m)
	s2 := createSession(t, m)

	require.NoError(t, m.Shutdown(ctx))

	for _, runID := range []string{s1.RunID, s2.RunID} {
		sess, err := m.GetSession(ctx, runID)
		require.NoError(t, err)
		assert.True(t, sess.GetStatus().Terminal())
	}
}
