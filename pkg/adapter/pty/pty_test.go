package pty

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dispatch-sh/dispatch/pkg/adapter"
	"github.com/dispatch-sh/dispatch/pkg/session/models"
)

// collector gathers emitted events for assertions.
type collector struct {
	mu     sync.Mutex
	events []adapter.Event
}

func (c *collector) emit(ev adapter.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collector) snapshot() []adapter.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]adapter.Event, len(c.events))
	copy(out, c.events)
	return out
}

func (c *collector) stdout() string {
	var sb strings.Builder
	for _, ev := range c.snapshot() {
		if ev.Channel == models.ChannelPtyStdout {
			sb.Write(ev.Payload)
		}
	}
	return sb.String()
}

func (c *collector) closed() (adapter.Event, bool) {
	for _, ev := range c.snapshot() {
		if ev.Channel == models.ChannelSystemStatus && ev.Type == models.TypeClosed {
			return ev, true
		}
	}
	return adapter.Event{}, false
}

func openShell(t *testing.T, c *collector, meta map[string]any) adapter.Handle {
	t.Helper()

	if meta == nil {
		meta = map[string]any{}
	}
	if _, ok := meta["shell"]; !ok {
		meta["shell"] = "/bin/sh"
	}

	f := NewFactory()
	require.Equal(t, "pty", f.Kind())

	h, err := f.Open(context.Background(), adapter.Spec{
		RunID: "run-test",
		Meta:  meta,
		Emit:  c.emit,
	})
	require.NoError(t, err)
	return h
}

func TestShellRoundTrip(t *testing.T) {
	c := &collector{}
	h := openShell(t, c, nil)
	ctx := context.Background()

	require.NoError(t, h.Input(ctx, []byte("echo dispatch-marker\n")))

	require.Eventually(t, func() bool {
		return strings.Contains(c.stdout(), "dispatch-marker")
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, h.Input(ctx, []byte("exit 0\n")))
	require.NoError(t, h.Wait())

	closed, ok := c.closed()
	require.True(t, ok, "expected a closed event")

	var payload map[string]any
	require.NoError(t, json.Unmarshal(closed.Payload, &payload))
	assert.Equal(t, float64(0), payload["exitCode"])

	// Closed is the final event
	events := c.snapshot()
	last := events[len(events)-1]
	assert.Equal(t, models.ChannelSystemStatus, last.Channel)
	assert.Equal(t, models.TypeClosed, last.Type)
}

func TestExitCodePropagated(t *testing.T) {
	c := &collector{}
	h := openShell(t, c, nil)
	ctx := context.Background()

	require.NoError(t, h.Input(ctx, []byte("exit 3\n")))
	require.NoError(t, h.Wait())

	closed, ok := c.closed()
	require.True(t, ok)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(closed.Payload, &payload))
	assert.Equal(t, float64(3), payload["exitCode"])
}

func TestResize(t *testing.T) {
	c := &collector{}
	h := openShell(t, c, map[string]any{"cols": float64(80), "rows": float64(24)})
	ctx := context.Background()

	resizer, ok := h.(adapter.Resizer)
	require.True(t, ok, "pty handle must support resize")

	require.NoError(t, resizer.Resize(ctx, 120, 40))

	var resizeEvent adapter.Event
	require.Eventually(t, func() bool {
		for _, ev := range c.snapshot() {
			if ev.Channel == models.ChannelPtyResize {
				resizeEvent = ev
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	var dims map[string]any
	require.NoError(t, json.Unmarshal(resizeEvent.Payload, &dims))
	assert.Equal(t, float64(120), dims["cols"])
	assert.Equal(t, float64(40), dims["rows"])

	require.NoError(t, h.Close(ctx))
	require.NoError(t, h.Wait())
}

func TestSignalTerminates(t *testing.T) {
	c := &collector{}
	h := openShell(t, c, nil)
	ctx := context.Background()

	signaler, ok := h.(adapter.Signaler)
	require.True(t, ok, "pty handle must support signal")

	require.NoError(t, signaler.Signal(ctx, "kill"))
	require.NoError(t, h.Wait())

	closed, ok := c.closed()
	require.True(t, ok)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(closed.Payload, &payload))
	assert.Equal(t, "killed", payload["signal"])
}

func TestCloseIdempotent(t *testing.T) {
	c := &collector{}
	h := openShell(t, c, nil)
	ctx := context.Background()

	require.NoError(t, h.Close(ctx))
	require.NoError(t, h.Close(ctx))
	require.NoError(t, h.Wait())

	_, ok := c.closed()
	assert.True(t, ok)
}

func TestCloseKillsStubbornChild(t *testing.T) {
	c := &collector{}
	h := openShell(t, c, map[string]any{
		"args": []any{"-c", "trap '' TERM HUP; while :; do :; done"},
	})
	ctx := context.Background()

	// Shorten the escalation so the test does not sit out the full grace.
	h.(*handle).killDelay = 200 * time.Millisecond

	require.NoError(t, h.Close(ctx))

	done := make(chan error, 1)
	go func() { done <- h.Wait() }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("child survived close despite ignoring termination signals")
	}

	closed, ok := c.closed()
	require.True(t, ok)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(closed.Payload, &payload))
	assert.Equal(t, "killed", payload["signal"])
}

func TestInputAfterExit(t *testing.T) {
	c := &collector{}
	h := openShell(t, c, nil)
	ctx := context.Background()

	require.NoError(t, h.Input(ctx, []byte("exit 0\n")))
	require.NoError(t, h.Wait())

	err := h.Input(ctx, []byte("echo too late\n"))
	assert.ErrorIs(t, err, models.ErrSessionTerminated)
}

func TestIntrospectReportsPID(t *testing.T) {
	c := &collector{}
	h := openShell(t, c, nil)
	ctx := context.Background()

	intro, ok := h.(adapter.Introspector)
	require.True(t, ok)

	state, err := intro.Introspect(ctx)
	require.NoError(t, err)
	assert.Greater(t, state["pid"].(int), 0)

	require.NoError(t, h.Close(ctx))
	require.NoError(t, h.Wait())
}

func TestLookupSignal(t *testing.T) {
	for _, name := range []string{"interrupt", "terminate", "kill", "hangup", "quit", "SIGINT", "SIGTERM"} {
		_, err := lookupSignal(name)
		assert.NoError(t, err, name)
	}

	_, err := lookupSignal("SIGFOO")
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}
