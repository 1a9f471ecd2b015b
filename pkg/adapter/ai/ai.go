// Package ai drives a streaming LLM conversation as a session adapter.
//
// Each input is one user prompt. Prompts are processed strictly one at a
// time; prompts arriving while a turn is in flight wait in a bounded
// queue. Upstream failures are reported on the ai:error channel and do
// not terminate the session.
package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/dispatch-sh/dispatch/internal/logger"
	"github.com/dispatch-sh/dispatch/pkg/adapter"
	"github.com/dispatch-sh/dispatch/pkg/session/models"
)

const (
	defaultModel     = string(sdk.ModelClaudeSonnet4_5_20250929)
	defaultMaxTokens = 4096

	// promptQueueSize bounds how many prompts may wait behind the
	// in-flight turn before writes are refused.
	promptQueueSize = 16
)

// MessagesClient is the subset of the Anthropic messages API the adapter
// uses. The real client's Messages service satisfies it; tests substitute
// a fake.
type MessagesClient interface {
	New(ctx context.Context, params sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	NewStreaming(ctx context.Context, params sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// Factory opens AI conversation sessions against one shared client.
type Factory struct {
	client MessagesClient
}

// NewFactory returns an AI adapter factory backed by the given client.
func NewFactory(client MessagesClient) *Factory {
	return &Factory{client: client}
}

// Kind returns "ai".
func (f *Factory) Kind() string {
	return "ai"
}

// Open starts a conversation handle.
//
// Recognized meta keys: model, maxTokens, maxTurns, systemPrompt, stream.
// The handle records queueMode "enqueue" into its introspection state so
// clients know concurrent writes wait rather than fail.
func (f *Factory) Open(ctx context.Context, spec adapter.Spec) (adapter.Handle, error) {
	if f.client == nil {
		return nil, fmt.Errorf("ai adapter has no client configured")
	}

	turnCtx, cancel := context.WithCancel(context.Background())

	h := &handle{
		runID:     spec.RunID,
		client:    f.client,
		emit:      spec.Emit,
		model:     adapter.MetaString(spec.Meta, "model", defaultModel),
		maxTokens: adapter.MetaInt(spec.Meta, "maxTokens", defaultMaxTokens),
		maxTurns:  adapter.MetaInt(spec.Meta, "maxTurns", 0),
		system:    adapter.MetaString(spec.Meta, "systemPrompt", ""),
		stream:    adapter.MetaBool(spec.Meta, "stream", true),
		prompts:   make(chan string, promptQueueSize),
		turnCtx:   turnCtx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	logger.DebugCtx(ctx, "ai session started",
		logger.RunID(spec.RunID),
		logger.Model(h.model))

	go h.turnLoop()

	return h, nil
}

// handle is one live conversation bound to a run session.
type handle struct {
	runID     string
	client    MessagesClient
	emit      adapter.EmitFunc
	model     string
	maxTokens int
	maxTurns  int
	system    string
	stream    bool

	prompts chan string
	turnCtx context.Context
	cancel  context.CancelFunc

	closeOnce sync.Once
	done      chan struct{} // closed after the final status event

	mu      sync.Mutex
	history []sdk.MessageParam
	turns   int
	busy    bool
}

// Input enqueues one user prompt. A full queue is reported as an
// ai:error event rather than a session fault.
func (h *handle) Input(ctx context.Context, data []byte) error {
	prompt := string(data)
	if strings.TrimSpace(prompt) == "" {
		return fmt.Errorf("%w: empty prompt", models.ErrInvalidInput)
	}

	select {
	case <-h.done:
		return models.ErrSessionTerminated
	default:
	}

	select {
	case h.prompts <- prompt:
		return nil
	default:
		h.emitError("prompt queue full, try again after the current turn")
		return nil
	}
}

// turnLoop processes queued prompts one at a time until Close cancels it.
func (h *handle) turnLoop() {
	for {
		select {
		case <-h.turnCtx.Done():
			h.finish()
			return
		case prompt := <-h.prompts:
			h.runTurn(prompt)
		}
	}
}

// finish emits the terminal closed event exactly once.
func (h *handle) finish() {
	payload, _ := json.Marshal(map[string]any{"reason": "closed"})
	h.emit(adapter.Event{
		Channel: models.ChannelSystemStatus,
		Type:    models.TypeClosed,
		Payload: payload,
	})
	close(h.done)
}

// runTurn executes one prompt against the upstream model and emits the
// resulting events. Errors stay on the ai:error channel.
func (h *handle) runTurn(prompt string) {
	h.mu.Lock()
	if h.maxTurns > 0 && h.turns >= h.maxTurns {
		h.mu.Unlock()
		h.emitError(fmt.Sprintf("turn limit of %d reached", h.maxTurns))
		return
	}
	h.turns++
	h.busy = true
	h.history = append(h.history, sdk.NewUserMessage(sdk.NewTextBlock(prompt)))
	params := sdk.MessageNewParams{
		Model:     sdk.Model(h.model),
		MaxTokens: int64(h.maxTokens),
		Messages:  append([]sdk.MessageParam{}, h.history...),
	}
	if h.system != "" {
		params.System = []sdk.TextBlockParam{{Text: h.system}}
	}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		h.busy = false
		h.mu.Unlock()
	}()

	start := time.Now()

	var msg *sdk.Message
	var err error
	if h.stream {
		msg, err = h.runStreaming(params)
	} else {
		msg, err = h.client.New(h.turnCtx, params)
	}

	if err != nil {
		if errors.Is(err, context.Canceled) {
			h.emitResult("interrupt", nil, time.Since(start))
			return
		}
		h.emitError(err.Error())
		return
	}

	h.mu.Lock()
	h.history = append(h.history, msg.ToParam())
	h.mu.Unlock()

	msgPayload, _ := json.Marshal(map[string]any{
		"role":  "assistant",
		"model": string(msg.Model),
		"text":  messageText(msg),
	})
	h.emit(adapter.Event{
		Channel: models.ChannelAIMessage,
		Type:    "assistant",
		Payload: msgPayload,
	})

	h.emitResult("success", msg, time.Since(start))
}

// runStreaming consumes the SSE stream, forwarding text deltas as they
// arrive and returning the accumulated message.
func (h *handle) runStreaming(params sdk.MessageNewParams) (*sdk.Message, error) {
	stream := h.client.NewStreaming(h.turnCtx, params)
	defer stream.Close()

	acc := sdk.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := acc.Accumulate(event); err != nil {
			return nil, fmt.Errorf("failed to accumulate stream event: %w", err)
		}

		switch ev := event.AsAny().(type) {
		case sdk.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case sdk.TextDelta:
				payload, _ := json.Marshal(map[string]any{"text": delta.Text})
				h.emit(adapter.Event{
					Channel: models.ChannelAIDelta,
					Type:    "stream",
					Payload: payload,
				})
			}
		}
	}

	if err := stream.Err(); err != nil {
		return nil, err
	}
	return &acc, nil
}

// emitResult reports the terminal outcome of one turn on ai:result.
func (h *handle) emitResult(subtype string, msg *sdk.Message, elapsed time.Duration) {
	result := map[string]any{
		"subtype":    subtype,
		"durationMs": elapsed.Milliseconds(),
	}
	if msg != nil {
		result["usage"] = map[string]any{
			"inputTokens":  msg.Usage.InputTokens,
			"outputTokens": msg.Usage.OutputTokens,
		}
		result["stopReason"] = string(msg.StopReason)
	}

	payload, _ := json.Marshal(result)
	h.emit(adapter.Event{
		Channel: models.ChannelAIResult,
		Type:    subtype,
		Payload: payload,
	})
}

// emitError reports a per-turn failure on ai:error. The session keeps
// running; the next prompt starts a fresh turn.
func (h *handle) emitError(message string) {
	payload, _ := json.Marshal(map[string]any{"message": message})
	h.emit(adapter.Event{
		Channel: models.ChannelAIError,
		Type:    "execution_error",
		Payload: payload,
	})
}

// Introspect reports conversation progress and the write queueing policy.
func (h *handle) Introspect(ctx context.Context) (map[string]any, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return map[string]any{
		"model":     h.model,
		"turns":     h.turns,
		"busy":      h.busy,
		"queued":    len(h.prompts),
		"queueMode": "enqueue",
	}, nil
}

// Close interrupts any in-flight turn and ends the conversation.
func (h *handle) Close(ctx context.Context) error {
	h.closeOnce.Do(h.cancel)
	return nil
}

// Wait blocks until the closed event has been emitted.
func (h *handle) Wait() error {
	<-h.done
	return nil
}

// messageText concatenates the text blocks of an assistant message.
func messageText(msg *sdk.Message) string {
	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String()
}
