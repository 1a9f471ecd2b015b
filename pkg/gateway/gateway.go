// Package gateway is the socket surface of the session core: one duplex
// JSON-message connection per client, with attach/input/close operations
// and a fanned-out event stream per attached run.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/trace"

	"github.com/dispatch-sh/dispatch/internal/logger"
	"github.com/dispatch-sh/dispatch/internal/telemetry"
	"github.com/dispatch-sh/dispatch/pkg/auth"
	"github.com/dispatch-sh/dispatch/pkg/metrics"
	"github.com/dispatch-sh/dispatch/pkg/session"
	"github.com/dispatch-sh/dispatch/pkg/session/models"
)

// Config tunes the gateway.
type Config struct {
	// MaxBacklog caps the events returned in one attach ack; anything
	// beyond it streams after the ack.
	MaxBacklog int `mapstructure:"max_backlog" yaml:"max_backlog"`

	// OutboundBuffer is the per-connection send queue length.
	OutboundBuffer int `mapstructure:"outbound_buffer" yaml:"outbound_buffer"`

	WriteWait      time.Duration `mapstructure:"write_wait" yaml:"write_wait"`
	PongWait       time.Duration `mapstructure:"pong_wait" yaml:"pong_wait"`
	MaxMessageSize int64         `mapstructure:"max_message_size" yaml:"max_message_size"`
}

// ApplyDefaults fills in missing configuration with default values.
func (c *Config) ApplyDefaults() {
	if c.MaxBacklog <= 0 {
		c.MaxBacklog = 10000
	}
	if c.OutboundBuffer <= 0 {
		c.OutboundBuffer = 256
	}
	if c.WriteWait == 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.PongWait == 0 {
		c.PongWait = 60 * time.Second
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 1 << 20
	}
}

// Gateway upgrades HTTP requests to socket connections and speaks the
// wire protocol over them.
type Gateway struct {
	config   Config
	manager  *session.Manager
	auth     *auth.Authenticator
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
}

// New creates a gateway. The metrics argument may be nil.
func New(config Config, manager *session.Manager, authenticator *auth.Authenticator, m *metrics.Metrics) *Gateway {
	config.ApplyDefaults()
	return &Gateway{
		config:  config,
		manager: manager,
		auth:    authenticator,
		metrics: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Auth happens in-band via the auth message; the HTTP
			// handshake is origin-agnostic.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request and drives the connection until either
// side hangs up.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed",
			logger.RemoteAddr(r.RemoteAddr),
			logger.Err(err))
		return
	}

	c := &conn{
		gw:          g,
		ws:          ws,
		socketID:    uuid.NewString(),
		remoteAddr:  r.RemoteAddr,
		lc:          logger.NewLogContext(r.RemoteAddr),
		send:        make(chan any, g.config.OutboundBuffer),
		closed:      make(chan struct{}),
		attachments: make(map[string]*attachment),
	}

	if g.metrics != nil {
		g.metrics.ClientsConnected.Inc()
	}
	logger.Debug("client connected",
		logger.SocketID(c.socketID),
		logger.RemoteAddr(c.remoteAddr))

	go c.writePump()
	c.readPump()
}

// attachment is one run subscription bound to one connection.
type attachment struct {
	sub    *session.Subscriber
	cancel chan struct{}
}

// conn is the per-connection state machine. readPump owns authed and
// clientID; attachments are shared with event pump goroutines.
type conn struct {
	gw         *Gateway
	ws         *websocket.Conn
	socketID   string
	remoteAddr string
	lc         *logger.LogContext

	send      chan any
	closeOnce sync.Once
	closed    chan struct{}

	authed bool // readPump only

	mu          sync.Mutex
	clientID    string
	attachments map[string]*attachment
}

func (c *conn) getClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// enqueue queues one outbound message. A connection whose send queue is
// full is torn down; the client can reconnect and re-attach.
func (c *conn) enqueue(msg any) {
	select {
	case c.send <- msg:
	case <-c.closed:
	default:
		logger.Warn("outbound queue overflow, dropping connection",
			logger.SocketID(c.socketID))
		c.shutdown()
	}
}

func (c *conn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.Close()

		c.mu.Lock()
		atts := c.attachments
		c.attachments = make(map[string]*attachment)
		c.mu.Unlock()

		for _, att := range atts {
			close(att.cancel)
			c.gw.manager.Unsubscribe(att.sub)
		}

		if c.gw.metrics != nil {
			c.gw.metrics.ClientsConnected.Dec()
		}
		logger.Debug("client disconnected",
			logger.SocketID(c.socketID),
			logger.ClientID(c.getClientID()),
			"duration_ms", c.lc.DurationMs())
	})
}

// readPump decodes client messages until the connection dies.
func (c *conn) readPump() {
	defer c.shutdown()

	c.ws.SetReadLimit(c.gw.config.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.gw.config.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.gw.config.PongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.enqueue(rejectAck(0, fmt.Errorf("%w: malformed message", models.ErrInvalidInput)))
			continue
		}

		c.handle(&msg)
	}
}

// writePump serializes outbound messages and keeps the connection alive
// with pings.
func (c *conn) writePump() {
	pingInterval := c.gw.config.PongWait * 9 / 10
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.gw.config.WriteWait))
			if err := c.ws.WriteJSON(msg); err != nil {
				c.shutdown()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.gw.config.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}
		case <-c.closed:
			return
		}
	}
}

// handle dispatches one client message. Everything but auth requires a
// successful auth first.
func (c *conn) handle(msg *ClientMessage) {
	ctx := logger.WithContext(context.Background(),
		c.lc.WithOp(msg.Op).WithClient(c.getClientID()))

	if msg.Op == OpAuth {
		c.handleAuth(msg)
		return
	}
	if !c.authed {
		c.enqueue(rejectAck(msg.ID, models.ErrUnauthenticated))
		return
	}

	switch msg.Op {
	case OpHello:
		c.mu.Lock()
		c.clientID = msg.ClientID
		c.mu.Unlock()
		logger.Debug("client hello",
			logger.SocketID(c.socketID),
			logger.ClientID(msg.ClientID))
		c.enqueue(okAck(msg.ID))

	case OpAttach:
		c.handleAttach(ctx, msg)

	case OpInput:
		c.handleInput(ctx, msg)

	case OpResize:
		_, err := c.gw.manager.ApplyCapability(ctx, msg.RunID, "resize", map[string]any{
			"cols": msg.Cols, "rows": msg.Rows,
		})
		c.ackResult(msg.ID, nil, err)

	case OpSignal:
		_, err := c.gw.manager.ApplyCapability(ctx, msg.RunID, "signal", map[string]any{
			"signal": msg.Signal,
		})
		c.ackResult(msg.ID, nil, err)

	case OpCap:
		result, err := c.gw.manager.ApplyCapability(ctx, msg.RunID, msg.Name, msg.Args)
		c.ackResult(msg.ID, result, err)

	case OpClose:
		err := c.gw.manager.CloseRunSession(ctx, msg.RunID)
		c.ackResult(msg.ID, nil, err)

	case OpDetach:
		c.handleDetach(msg)

	default:
		c.enqueue(rejectAck(msg.ID, fmt.Errorf("%w: unknown op %q", models.ErrInvalidInput, msg.Op)))
	}
}

func (c *conn) handleAuth(msg *ClientMessage) {
	if !c.gw.auth.IsAuthorized(msg.Key) {
		logger.Warn("authentication failed",
			logger.SocketID(c.socketID),
			logger.RemoteAddr(c.remoteAddr))
		c.enqueue(rejectAck(msg.ID, models.ErrUnauthenticated))
		return
	}
	c.authed = true
	c.enqueue(okAck(msg.ID))
}

// handleAttach joins the run's subscriber group, replies with the
// backlog from the client's cursor, and starts streaming live events.
// Subscribing before fetching means nothing emitted during the fetch is
// lost; the seq dedup in the pump drops the overlap.
func (c *conn) handleAttach(ctx context.Context, msg *ClientMessage) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanAttach, trace.WithAttributes(
		telemetry.RunID(msg.RunID),
		telemetry.SocketID(c.socketID),
		telemetry.ClientID(c.getClientID()),
		telemetry.AfterSeq(msg.AfterSeq)))
	defer span.End()

	c.mu.Lock()
	_, already := c.attachments[msg.RunID]
	c.mu.Unlock()
	if already {
		c.enqueue(rejectAck(msg.ID, fmt.Errorf("%w: already attached to %s", models.ErrInvalidInput, msg.RunID)))
		return
	}

	sub, err := c.gw.manager.Subscribe(ctx, msg.RunID)
	if err != nil {
		c.enqueue(rejectAck(msg.ID, err))
		return
	}

	backlog, err := c.gw.manager.GetBacklog(ctx, msg.RunID, msg.AfterSeq, c.gw.config.MaxBacklog)
	if err != nil {
		c.gw.manager.Unsubscribe(sub)
		c.enqueue(rejectAck(msg.ID, err))
		return
	}

	wireBacklog := make([]WireEvent, len(backlog))
	lastSeq := msg.AfterSeq
	for i, ev := range backlog {
		wireBacklog[i] = encodeEvent(ev)
		lastSeq = ev.Seq
	}

	// A cursor past the head would make the pump's dedup swallow live
	// events until seq caught up to it; clamp to what the log holds.
	if len(backlog) == 0 && lastSeq > 0 {
		head, err := c.gw.manager.LastSeq(ctx, msg.RunID)
		if err != nil {
			c.gw.manager.Unsubscribe(sub)
			c.enqueue(rejectAck(msg.ID, err))
			return
		}
		if head < lastSeq {
			lastSeq = head
		}
	}

	att := &attachment{sub: sub, cancel: make(chan struct{})}
	c.mu.Lock()
	select {
	case <-c.closed:
		// Lost the race with the connection's close path; the sweep has
		// already run, so release the subscription here.
		c.mu.Unlock()
		c.gw.manager.Unsubscribe(sub)
		return
	default:
	}
	c.attachments[msg.RunID] = att
	c.mu.Unlock()

	c.enqueue(Ack{Op: OpAck, ID: msg.ID, OK: true, Backlog: wireBacklog})

	truncated := len(backlog) == c.gw.config.MaxBacklog
	span.SetAttributes(telemetry.Backlog(len(backlog)))
	go c.pumpEvents(msg.RunID, att, lastSeq, truncated)

	logger.Debug("client attached",
		logger.SocketID(c.socketID),
		logger.RunID(msg.RunID),
		logger.AfterSeq(msg.AfterSeq),
		logger.Backlog(len(backlog)))
}

// pumpEvents forwards one attachment's events to the socket in seq
// order. If the attach backlog hit the cap, the remaining history is
// paged from the store first; the seq dedup then splices the live
// stream on without gaps or duplicates.
func (c *conn) pumpEvents(runID string, att *attachment, lastSeq int64, truncated bool) {
	ctx := context.Background()

	for truncated {
		page, err := c.gw.manager.GetBacklog(ctx, runID, lastSeq, c.gw.config.MaxBacklog)
		if err != nil {
			logger.Warn("backlog paging failed",
				logger.RunID(runID),
				logger.Err(err))
			break
		}
		for _, ev := range page {
			lastSeq = ev.Seq
			c.enqueue(encodeEvent(ev))
		}
		truncated = len(page) == c.gw.config.MaxBacklog
	}

	for {
		select {
		case <-att.cancel:
			return
		case <-c.closed:
			return
		case ev, ok := <-att.sub.Events():
			if !ok {
				if att.sub.Slow() {
					c.handleSlowDrop(runID)
				}
				return
			}
			if ev.Seq <= lastSeq {
				continue
			}
			lastSeq = ev.Seq
			c.enqueue(encodeEvent(ev))
		}
	}
}

// handleSlowDrop tells one socket it fell behind and detaches it from
// the run. The event is synthetic and never enters the log; the client
// re-attaches with its cursor to catch up.
func (c *conn) handleSlowDrop(runID string) {
	c.mu.Lock()
	att := c.attachments[runID]
	delete(c.attachments, runID)
	c.mu.Unlock()

	if att != nil {
		c.gw.manager.Unsubscribe(att.sub)
	}

	payload, _ := json.Marshal(map[string]any{
		"message": "subscriber too slow, re-attach to resume",
	})
	c.enqueue(WireEvent{
		Op:      OpEvent,
		RunID:   runID,
		Channel: models.ChannelSystemStatus,
		Type:    models.TypeSubscriberSlow,
		Payload: payload,
		Ts:      models.NowMillis(),
	})

	logger.Warn("subscriber dropped for falling behind",
		logger.SocketID(c.socketID),
		logger.RunID(runID))
}

// handleInput is fire-and-forget: adapter faults surface as events on
// the run's own stream, not as message errors. An ack is only sent when
// the client asked for one by including an id.
func (c *conn) handleInput(ctx context.Context, msg *ClientMessage) {
	data, err := msg.InputBytes()
	if err == nil {
		err = c.gw.manager.SendInput(ctx, msg.RunID, data)
	}
	if err != nil {
		logger.Debug("input rejected",
			logger.SocketID(c.socketID),
			logger.RunID(msg.RunID),
			logger.Bytes(len(data)),
			logger.Err(err))
		if msg.ID != 0 {
			c.enqueue(rejectAck(msg.ID, err))
		}
		return
	}
	if msg.ID != 0 {
		c.enqueue(okAck(msg.ID))
	}
}

func (c *conn) handleDetach(msg *ClientMessage) {
	c.mu.Lock()
	att, ok := c.attachments[msg.RunID]
	delete(c.attachments, msg.RunID)
	c.mu.Unlock()

	if !ok {
		c.enqueue(rejectAck(msg.ID, fmt.Errorf("%w: not attached to %s", models.ErrInvalidInput, msg.RunID)))
		return
	}

	close(att.cancel)
	c.gw.manager.Unsubscribe(att.sub)
	c.enqueue(okAck(msg.ID))

	logger.Debug("client detached",
		logger.SocketID(c.socketID),
		logger.RunID(msg.RunID))
}

func (c *conn) ackResult(id int64, result map[string]any, err error) {
	if err != nil {
		c.enqueue(rejectAck(id, err))
		return
	}
	ack := okAck(id)
	ack.Result = result
	c.enqueue(ack)
}
