package ai

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dispatch-sh/dispatch/pkg/adapter"
	"github.com/dispatch-sh/dispatch/pkg/session/models"
)

// testDecoder feeds a fixed sequence of events to the ssestream.Stream.
type testDecoder struct {
	events []ssestream.Event
	i      int
	err    error
}

func (d *testDecoder) Event() ssestream.Event { return d.events[d.i-1] }

func (d *testDecoder) Next() bool {
	if d.err != nil {
		return false
	}
	if d.i >= len(d.events) {
		return false
	}
	d.i++
	return true
}

func (d *testDecoder) Close() error { return nil }
func (d *testDecoder) Err() error   { return d.err }

// stubClient satisfies MessagesClient with canned responses.
type stubClient struct {
	mu       sync.Mutex
	events   []ssestream.Event
	decErr   error
	message  *sdk.Message
	newErr   error
	requests []sdk.MessageNewParams
}

func (s *stubClient) New(_ context.Context, params sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	s.mu.Lock()
	s.requests = append(s.requests, params)
	s.mu.Unlock()
	if s.newErr != nil {
		return nil, s.newErr
	}
	return s.message, nil
}

func (s *stubClient) NewStreaming(_ context.Context, params sdk.MessageNewParams, _ ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion] {
	s.mu.Lock()
	s.requests = append(s.requests, params)
	s.mu.Unlock()
	return ssestream.NewStream[sdk.MessageStreamEventUnion](&testDecoder{events: s.events, err: s.decErr}, nil)
}

func (s *stubClient) requestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func sseEvent(t *testing.T, raw string) ssestream.Event {
	t.Helper()
	var probe struct {
		Type string `json:"type"`
	}
	require.NoError(t, json.Unmarshal([]byte(raw), &probe))
	return ssestream.Event{Type: probe.Type, Data: json.RawMessage(raw)}
}

// streamFixture is a minimal happy-path SSE exchange producing the text
// "hello world" and a final usage count.
func streamFixture(t *testing.T) []ssestream.Event {
	t.Helper()
	return []ssestream.Event{
		sseEvent(t, `{"type":"message_start","message":{"id":"msg_1","role":"assistant","model":"claude-sonnet-4-5-20250929","content":[],"usage":{"input_tokens":10,"output_tokens":0}}}`),
		sseEvent(t, `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`),
		sseEvent(t, `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hello "}}`),
		sseEvent(t, `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"world"}}`),
		sseEvent(t, `{"type":"content_block_stop","index":0}`),
		sseEvent(t, `{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":5}}`),
		sseEvent(t, `{"type":"message_stop"}`),
	}
}

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

func (c *collector) onChannel(channel string) []adapter.Event {
	var out []adapter.Event
	for _, ev := range c.snapshot() {
		if ev.Channel == channel {
			out = append(out, ev)
		}
	}
	return out
}

func openAI(t *testing.T, client MessagesClient, meta map[string]any) (adapter.Handle, *collector) {
	t.Helper()

	c := &collector{}
	f := NewFactory(client)
	require.Equal(t, "ai", f.Kind())

	h, err := f.Open(context.Background(), adapter.Spec{
		RunID: "run-test",
		Meta:  meta,
		Emit:  c.emit,
	})
	require.NoError(t, err)
	return h, c
}

func waitForResult(t *testing.T, c *collector, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(c.onChannel(models.ChannelAIResult)) >= want
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStreamingTurn(t *testing.T) {
	client := &stubClient{events: streamFixture(t)}
	h, c := openAI(t, client, nil)
	ctx := context.Background()

	require.NoError(t, h.Input(ctx, []byte("say hello")))
	waitForResult(t, c, 1)

	t.Run("deltas forwarded in order", func(t *testing.T) {
		deltas := c.onChannel(models.ChannelAIDelta)
		require.Len(t, deltas, 2)
		assert.Equal(t, "stream", deltas[0].Type)

		var d1, d2 map[string]any
		require.NoError(t, json.Unmarshal(deltas[0].Payload, &d1))
		require.NoError(t, json.Unmarshal(deltas[1].Payload, &d2))
		assert.Equal(t, "hello ", d1["text"])
		assert.Equal(t, "world", d2["text"])
	})

	t.Run("assistant message assembled", func(t *testing.T) {
		msgs := c.onChannel(models.ChannelAIMessage)
		require.Len(t, msgs, 1)

		var msg map[string]any
		require.NoError(t, json.Unmarshal(msgs[0].Payload, &msg))
		assert.Equal(t, "hello world", msg["text"])
		assert.Equal(t, "assistant", msg["role"])
	})

	t.Run("success result carries usage", func(t *testing.T) {
		results := c.onChannel(models.ChannelAIResult)
		require.Len(t, results, 1)
		assert.Equal(t, "success", results[0].Type)

		var result map[string]any
		require.NoError(t, json.Unmarshal(results[0].Payload, &result))
		assert.Equal(t, "success", result["subtype"])

		usage, ok := result["usage"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, float64(10), usage["inputTokens"])
		assert.Equal(t, float64(5), usage["outputTokens"])
	})

	require.NoError(t, h.Close(ctx))
	require.NoError(t, h.Wait())

	t.Run("closed is the final event", func(t *testing.T) {
		events := c.snapshot()
		last := events[len(events)-1]
		assert.Equal(t, models.ChannelSystemStatus, last.Channel)
		assert.Equal(t, models.TypeClosed, last.Type)
	})
}

func TestNonStreamingTurn(t *testing.T) {
	client := &stubClient{
		message: &sdk.Message{
			Model:      "claude-sonnet-4-5-20250929",
			StopReason: sdk.StopReasonEndTurn,
			Content: []sdk.ContentBlockUnion{
				{Type: "text", Text: "plain answer"},
			},
			Usage: sdk.Usage{InputTokens: 7, OutputTokens: 3},
		},
	}
	h, c := openAI(t, client, map[string]any{"stream": false})
	ctx := context.Background()

	require.NoError(t, h.Input(ctx, []byte("question")))
	waitForResult(t, c, 1)

	assert.Empty(t, c.onChannel(models.ChannelAIDelta))

	msgs := c.onChannel(models.ChannelAIMessage)
	require.Len(t, msgs, 1)

	var msg map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &msg))
	assert.Equal(t, "plain answer", msg["text"])

	require.NoError(t, h.Close(ctx))
	require.NoError(t, h.Wait())
}

func TestUpstreamErrorIsRecoverable(t *testing.T) {
	client := &stubClient{newErr: errors.New("api unavailable")}
	h, c := openAI(t, client, map[string]any{"stream": false})
	ctx := context.Background()

	require.NoError(t, h.Input(ctx, []byte("first try")))

	require.Eventually(t, func() bool {
		return len(c.onChannel(models.ChannelAIError)) >= 1
	}, 5*time.Second, 10*time.Millisecond)

	errs := c.onChannel(models.ChannelAIError)
	assert.Equal(t, "execution_error", errs[0].Type)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(errs[0].Payload, &payload))
	assert.Contains(t, payload["message"], "api unavailable")

	// The session survives the failed turn and accepts further input.
	client.mu.Lock()
	client.newErr = nil
	client.message = &sdk.Message{
		Content: []sdk.ContentBlockUnion{{Type: "text", Text: "recovered"}},
	}
	client.mu.Unlock()

	require.NoError(t, h.Input(ctx, []byte("second try")))
	waitForResult(t, c, 1)

	require.NoError(t, h.Close(ctx))
	require.NoError(t, h.Wait())
}

func TestEmptyPromptRejected(t *testing.T) {
	client := &stubClient{}
	h, c := openAI(t, client, nil)
	ctx := context.Background()

	err := h.Input(ctx, []byte("   \n"))
	assert.ErrorIs(t, err, models.ErrInvalidInput)
	assert.Empty(t, c.snapshot())

	require.NoError(t, h.Close(ctx))
	require.NoError(t, h.Wait())
}

func TestTurnLimit(t *testing.T) {
	client := &stubClient{
		message: &sdk.Message{
			Content: []sdk.ContentBlockUnion{{Type: "text", Text: "ok"}},
		},
	}
	h, c := openAI(t, client, map[string]any{"stream": false, "maxTurns": float64(1)})
	ctx := context.Background()

	require.NoError(t, h.Input(ctx, []byte("turn one")))
	waitForResult(t, c, 1)

	require.NoError(t, h.Input(ctx, []byte("turn two")))
	require.Eventually(t, func() bool {
		return len(c.onChannel(models.ChannelAIError)) >= 1
	}, 5*time.Second, 10*time.Millisecond)

	var payload map[string]any
	errs := c.onChannel(models.ChannelAIError)
	require.NoError(t, json.Unmarshal(errs[0].Payload, &payload))
	assert.Contains(t, payload["message"], "turn limit")

	require.NoError(t, h.Close(ctx))
	require.NoError(t, h.Wait())
}

func TestHistoryGrowsAcrossTurns(t *testing.T) {
	client := &stubClient{
		message: &sdk.Message{
			Content: []sdk.ContentBlockUnion{{Type: "text", Text: "reply"}},
		},
	}
	h, c := openAI(t, client, map[string]any{"stream": false})
	ctx := context.Background()

	require.NoError(t, h.Input(ctx, []byte("first")))
	waitForResult(t, c, 1)
	require.NoError(t, h.Input(ctx, []byte("second")))
	waitForResult(t, c, 2)

	require.NoError(t, h.Close(ctx))
	require.NoError(t, h.Wait())

	client.mu.Lock()
	defer client.mu.Unlock()
	require.Len(t, client.requests, 2)
	assert.Len(t, client.requests[0].Messages, 1)
	// Second request carries user, assistant, user.
	assert.Len(t, client.requests[1].Messages, 3)
}

func TestIntrospect(t *testing.T) {
	client := &stubClient{}
	h, c := openAI(t, client, map[string]any{"model": "claude-test"})
	_ = c
	ctx := context.Background()

	intro, ok := h.(adapter.Introspector)
	require.True(t, ok)

	state, err := intro.Introspect(ctx)
	require.NoError(t, err)
	assert.Equal(t, "claude-test", state["model"])
	assert.Equal(t, "enqueue", state["queueMode"])

	require.NoError(t, h.Close(ctx))
	require.NoError(t, h.Wait())
}

func TestInputAfterClose(t *testing.T) {
	client := &stubClient{}
	h, _ := openAI(t, client, nil)
	ctx := context.Background()

	require.NoError(t, h.Close(ctx))
	require.NoError(t, h.Wait())

	err := h.Input(ctx, []byte("too late"))
	assert.ErrorIs(t, err, models.ErrSessionTerminated)
}
