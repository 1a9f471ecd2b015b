// Package session implements the run-session manager: the one component
// that owns adapter handles, writes the event log, and fans live events
// out to subscribers.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dispatch-sh/dispatch/internal/logger"
	"github.com/dispatch-sh/dispatch/internal/telemetry"
	"github.com/dispatch-sh/dispatch/pkg/adapter"
	"github.com/dispatch-sh/dispatch/pkg/auth"
	"github.com/dispatch-sh/dispatch/pkg/metrics"
	"github.com/dispatch-sh/dispatch/pkg/session/models"
	"github.com/dispatch-sh/dispatch/pkg/session/store"
)

// Store is the persistence surface the manager needs. *store.GORMStore
// satisfies it; tests substitute fakes to inject persistence faults.
type Store interface {
	CreateSession(ctx context.Context, runID, kind string, meta map[string]any) (*models.RunSession, error)
	GetSession(ctx context.Context, runID string) (*models.RunSession, error)
	ListSessions(ctx context.Context, filter store.ListFilter) ([]*models.RunSession, error)
	UpdateStatus(ctx context.Context, runID string, status models.Status) error
	AppendEvent(ctx context.Context, runID, channel, eventType string, payload []byte) (*models.SessionEvent, error)
	EventsSince(ctx context.Context, runID string, afterSeq int64, limit int) ([]*models.SessionEvent, error)
	LastSeq(ctx context.Context, runID string) (int64, error)
	MarkStaleRunning(ctx context.Context) ([]string, error)
}

// Config tunes the manager.
type Config struct {
	// CloseGrace bounds how long closeRunSession waits for the adapter's
	// own closed event before synthesizing one. Default 10s, capped at 15s.
	CloseGrace time.Duration `mapstructure:"close_grace" yaml:"close_grace"`

	// SubscriberBuffer is the per-subscriber channel capacity.
	SubscriberBuffer int `mapstructure:"subscriber_buffer" yaml:"subscriber_buffer"`

	// WorkspaceRoot, when set, confines cwd and path meta values handed
	// to adapters.
	WorkspaceRoot string `mapstructure:"workspace_root" yaml:"workspace_root"`
}

// ApplyDefaults fills in missing configuration with default values.
func (c *Config) ApplyDefaults() {
	if c.CloseGrace == 0 {
		c.CloseGrace = 10 * time.Second
	}
	if c.CloseGrace > 15*time.Second {
		c.CloseGrace = 15 * time.Second
	}
	if c.SubscriberBuffer <= 0 {
		c.SubscriberBuffer = defaultSubscriberBuffer
	}
}

// Manager coordinates run sessions end to end: create, input,
// capabilities, close, backlog, and live subscriptions.
type Manager struct {
	config   Config
	store    Store
	registry *adapter.Registry
	broker   *broker
	metrics  *metrics.Metrics

	mu   sync.Mutex
	live map[string]*liveSession
}

// liveSession is the in-memory side of one non-terminal run session.
type liveSession struct {
	runID string
	kind  string

	// appendMu is the per-run serialization token: held across one
	// append plus the broadcast so broadcast order matches seq order.
	appendMu sync.Mutex

	handleMu sync.Mutex
	handle   adapter.Handle

	opened   bool // opened event recorded
	terminal bool // terminal event recorded

	// terminalCh closes once the terminal status event is persisted.
	terminalCh chan struct{}
}

func (ls *liveSession) getHandle() adapter.Handle {
	ls.handleMu.Lock()
	defer ls.handleMu.Unlock()
	return ls.handle
}

func (ls *liveSession) setHandle(h adapter.Handle) {
	ls.handleMu.Lock()
	ls.handle = h
	ls.handleMu.Unlock()
}

// NewManager creates a manager. The metrics argument may be nil.
func NewManager(config Config, st Store, registry *adapter.Registry, m *metrics.Metrics) *Manager {
	config.ApplyDefaults()

	mgr := &Manager{
		config:   config,
		store:    st,
		registry: registry,
		metrics:  m,
		live:     make(map[string]*liveSession),
	}
	mgr.broker = newBroker(config.SubscriberBuffer, mgr.onSubscriberDropped)
	return mgr
}

func (m *Manager) onSubscriberDropped(sub *Subscriber) {
	if m.metrics != nil {
		m.metrics.SubscribersDropped.Inc()
	}
}

// Kinds returns the registered session kinds.
func (m *Manager) Kinds() []string {
	return m.registry.Kinds()
}

// CreateRunSession starts a new run session of the given kind and
// returns its record once the adapter is open and the session is
// running.
func (m *Manager) CreateRunSession(ctx context.Context, kind string, meta map[string]any) (*models.RunSession, error) {
	ctx, span := telemetry.StartSessionSpan(ctx, telemetry.SpanCreateSession, "", telemetry.Kind(kind))
	defer span.End()

	factory, err := m.registry.Lookup(kind)
	if err != nil {
		return nil, err
	}

	if err := m.validateMeta(meta); err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	ctx = tagContext(ctx, runID, kind)

	if _, err := m.store.CreateSession(ctx, runID, kind, meta); err != nil {
		return nil, err
	}

	ls := &liveSession{
		runID:      runID,
		kind:       kind,
		terminalCh: make(chan struct{}),
	}
	m.mu.Lock()
	m.live[runID] = ls
	m.mu.Unlock()

	handle, err := factory.Open(ctx, adapter.Spec{
		RunID: runID,
		Meta:  meta,
		Emit: func(ev adapter.Event) {
			m.recordAndBroadcast(ls, ev)
		},
	})
	if err != nil {
		m.failSession(ctx, ls, fmt.Sprintf("adapter open failed: %v", err))
		return nil, fmt.Errorf("failed to open %s adapter: %w", kind, err)
	}

	ls.setHandle(handle)

	// Synthesize the opened event if the adapter did not emit one first.
	m.recordAndBroadcast(ls, adapter.Event{
		Channel: models.ChannelSystemStatus,
		Type:    models.TypeOpened,
		Payload: mustJSON(map[string]any{"kind": kind, "capabilities": adapter.Capabilities(handle)}),
	})

	if err := m.store.UpdateStatus(ctx, runID, models.StatusRunning); err != nil {
		m.failSession(ctx, ls, fmt.Sprintf("status update failed: %v", err))
		_ = handle.Close(ctx)
		return nil, err
	}

	go m.reapOnExit(ls)

	if m.metrics != nil {
		m.metrics.SessionsCreated.WithLabelValues(kind).Inc()
		m.metrics.SessionsActive.Inc()
	}

	logger.InfoCtx(ctx, "run session created",
		logger.RunID(runID),
		logger.Kind(kind))

	return m.store.GetSession(ctx, runID)
}

// validateMeta applies the workspace confinement checks to path-like
// meta values before they reach an adapter.
func (m *Manager) validateMeta(meta map[string]any) error {
	for _, key := range []string{"cwd", "path"} {
		if v, ok := meta[key].(string); ok && v != "" {
			if err := auth.ValidateWorkspacePath(m.config.WorkspaceRoot, v); err != nil {
				return err
			}
		}
	}
	return nil
}

// reapOnExit waits for the adapter to die on its own. If the handle
// exits without having emitted a terminal event, one is synthesized so
// the log always ends with closed or error.
func (m *Manager) reapOnExit(ls *liveSession) {
	waitErr := ls.getHandle().Wait()

	ls.appendMu.Lock()
	alreadyTerminal := ls.terminal
	ls.appendMu.Unlock()
	if alreadyTerminal {
		return
	}

	if waitErr != nil {
		m.recordAndBroadcast(ls, adapter.Event{
			Channel: models.ChannelSystemStatus,
			Type:    models.TypeError,
			Payload: mustJSON(map[string]any{"message": waitErr.Error()}),
		})
		return
	}
	m.recordAndBroadcast(ls, adapter.Event{
		Channel: models.ChannelSystemStatus,
		Type:    models.TypeClosed,
		Payload: mustJSON(map[string]any{"reason": "exited"}),
	})
}

// recordAndBroadcast persists one adapter event and delivers it to the
// run's subscribers. The per-run token is held across both steps so
// subscriber order always matches seq order. Terminal status events
// also flip the stored session status and end all subscriptions.
func (m *Manager) recordAndBroadcast(ls *liveSession, ev adapter.Event) {
	ctx := context.Background()

	ls.appendMu.Lock()
	defer ls.appendMu.Unlock()

	if ls.terminal {
		return
	}

	// First event must be system:status/opened; synthesize on demand.
	if !ls.opened {
		ls.opened = true
		if ev.Channel != models.ChannelSystemStatus || ev.Type != models.TypeOpened {
			m.appendAndPublishLocked(ctx, ls, adapter.Event{
				Channel: models.ChannelSystemStatus,
				Type:    models.TypeOpened,
				Payload: mustJSON(map[string]any{"kind": ls.kind}),
			})
		} else {
			m.appendAndPublishLocked(ctx, ls, ev)
			return
		}
	} else if ev.Channel == models.ChannelSystemStatus && ev.Type == models.TypeOpened {
		// Exactly one opened event per run.
		return
	}

	if !adapter.KnownEvent(ev.Channel, ev.Type) {
		logger.Debug("adapter emitted custom event pair",
			logger.RunID(ls.runID),
			logger.Channel(ev.Channel),
			"type", ev.Type)
	}

	m.appendAndPublishLocked(ctx, ls, ev)
}

// appendAndPublishLocked does one append + broadcast iteration. Callers
// hold ls.appendMu. Persistence failure is fatal to the session.
func (m *Manager) appendAndPublishLocked(ctx context.Context, ls *liveSession, ev adapter.Event) {
	start := time.Now()
	stored, err := m.store.AppendEvent(ctx, ls.runID, ev.Channel, ev.Type, ev.Payload)
	if err != nil {
		logger.Error("failed to persist session event",
			logger.RunID(ls.runID),
			logger.Channel(ev.Channel),
			logger.Err(err))
		m.escalatePersistFailureLocked(ctx, ls, err)
		return
	}

	if m.metrics != nil {
		m.metrics.EventsAppended.WithLabelValues(ev.Channel).Inc()
		m.metrics.EventBytes.Add(float64(len(ev.Payload)))
		m.metrics.AppendDuration.Observe(time.Since(start).Seconds())
	}

	m.broker.publish(stored)

	if ev.Channel == models.ChannelSystemStatus &&
		(ev.Type == models.TypeClosed || ev.Type == models.TypeError) {
		status := models.StatusStopped
		if ev.Type == models.TypeError {
			status = models.StatusError
		}
		m.finishLocked(ctx, ls, status)
	}
}

// escalatePersistFailureLocked kills a session whose log can no longer
// be written: status goes to error, the adapter is closed, and a final
// error event is attempted so subscribers hear about it.
func (m *Manager) escalatePersistFailureLocked(ctx context.Context, ls *liveSession, cause error) {
	if stored, err := m.store.AppendEvent(ctx, ls.runID, models.ChannelSystemStatus, models.TypeError,
		mustJSON(map[string]any{"message": fmt.Sprintf("persistence failure: %v", cause)})); err == nil {
		m.broker.publish(stored)
	}

	if h := ls.getHandle(); h != nil {
		_ = h.Close(ctx)
	}
	m.finishLocked(ctx, ls, models.StatusError)
}

// finishLocked marks the session terminal, updates the store, and tears
// down live state. Callers hold ls.appendMu.
func (m *Manager) finishLocked(ctx context.Context, ls *liveSession, status models.Status) {
	if ls.terminal {
		return
	}
	ls.terminal = true

	if err := m.store.UpdateStatus(ctx, ls.runID, status); err != nil && !errors.Is(err, models.ErrSessionTerminated) {
		logger.Error("failed to record terminal status",
			logger.RunID(ls.runID),
			logger.Status(string(status)),
			logger.Err(err))
	}

	m.mu.Lock()
	delete(m.live, ls.runID)
	m.mu.Unlock()

	m.broker.closeRun(ls.runID)
	close(ls.terminalCh)

	if m.metrics != nil {
		m.metrics.SessionsActive.Dec()
		m.metrics.SessionsClosed.WithLabelValues(string(status)).Inc()
	}

	logger.InfoCtx(ctx, "run session ended",
		logger.RunID(ls.runID),
		logger.Status(string(status)))
}

// tagContext enriches a request-scoped log context with run identity
// and the active trace, when the caller attached one.
func tagContext(ctx context.Context, runID, kind string) context.Context {
	lc := logger.FromContext(ctx)
	if lc == nil {
		return ctx
	}
	lc = lc.WithRun(runID, kind)
	if id := telemetry.TraceID(ctx); id != "" {
		lc = lc.WithTrace(id, telemetry.SpanID(ctx))
	}
	return logger.WithContext(ctx, lc)
}

// failSession handles a session that never got a working adapter.
func (m *Manager) failSession(ctx context.Context, ls *liveSession, message string) {
	ls.appendMu.Lock()
	defer ls.appendMu.Unlock()
	if ls.terminal {
		return
	}

	if stored, err := m.store.AppendEvent(ctx, ls.runID, models.ChannelSystemStatus, models.TypeError,
		mustJSON(map[string]any{"message": message})); err == nil {
		m.broker.publish(stored)
	}
	m.finishLocked(ctx, ls, models.StatusError)
}

// SendInput delivers client bytes to a running session's adapter.
func (m *Manager) SendInput(ctx context.Context, runID string, data []byte) error {
	ctx, span := telemetry.StartSessionSpan(ctx, telemetry.SpanSendInput, runID, telemetry.Bytes(len(data)))
	defer span.End()
	ctx = tagContext(ctx, runID, "")

	ls, err := m.requireRunning(ctx, runID)
	if err != nil {
		return err
	}

	if err := ls.getHandle().Input(ctx, data); err != nil {
		if errors.Is(err, models.ErrInvalidInput) {
			return err
		}
		if errors.Is(err, models.ErrSessionTerminated) {
			return models.ErrSessionNotRunning
		}
		// Adapter fault: fatal to the session.
		m.failSession(ctx, ls, fmt.Sprintf("adapter write failed: %v", err))
		if h := ls.getHandle(); h != nil {
			_ = h.Close(ctx)
		}
		return err
	}
	return nil
}

// ApplyCapability invokes an optional adapter capability: resize,
// signal, clear, pause, resume, introspect. Unsupported capabilities
// return models.ErrCapabilityUnsupported.
func (m *Manager) ApplyCapability(ctx context.Context, runID, name string, args map[string]any) (map[string]any, error) {
	ctx, span := telemetry.StartSessionSpan(ctx, telemetry.SpanCapability, runID, telemetry.Capability(name))
	defer span.End()
	ctx = tagContext(ctx, runID, "")

	ls, err := m.requireRunning(ctx, runID)
	if err != nil {
		return nil, err
	}
	handle := ls.getHandle()

	logger.DebugCtx(ctx, "capability requested",
		logger.RunID(runID),
		logger.Capability(name))

	switch name {
	case adapter.CapResize:
		r, ok := handle.(adapter.Resizer)
		if !ok {
			return nil, models.ErrCapabilityUnsupported
		}
		cols := adapter.MetaInt(args, "cols", 0)
		rows := adapter.MetaInt(args, "rows", 0)
		if cols <= 0 || rows <= 0 {
			return nil, fmt.Errorf("%w: resize needs positive cols and rows", models.ErrInvalidInput)
		}
		return nil, r.Resize(ctx, uint16(cols), uint16(rows))

	case adapter.CapSignal:
		s, ok := handle.(adapter.Signaler)
		if !ok {
			return nil, models.ErrCapabilityUnsupported
		}
		sig := adapter.MetaString(args, "signal", "")
		if sig == "" {
			return nil, fmt.Errorf("%w: signal name required", models.ErrInvalidInput)
		}
		return nil, s.Signal(ctx, sig)

	case adapter.CapClear:
		c, ok := handle.(adapter.Clearer)
		if !ok {
			return nil, models.ErrCapabilityUnsupported
		}
		return nil, c.Clear(ctx)

	case adapter.CapPause:
		p, ok := handle.(adapter.Pauser)
		if !ok {
			return nil, models.ErrCapabilityUnsupported
		}
		return nil, p.Pause(ctx)

	case adapter.CapResume:
		p, ok := handle.(adapter.Pauser)
		if !ok {
			return nil, models.ErrCapabilityUnsupported
		}
		return nil, p.Resume(ctx)

	case adapter.CapIntrospect:
		i, ok := handle.(adapter.Introspector)
		if !ok {
			return nil, models.ErrCapabilityUnsupported
		}
		return i.Introspect(ctx)

	default:
		return nil, models.ErrCapabilityUnsupported
	}
}

// CloseRunSession requests graceful termination. Idempotent: closing a
// terminal session succeeds without effect. If the adapter's own closed
// event does not arrive within the grace period, one is synthesized with
// reason timeout and the session is force-detached.
func (m *Manager) CloseRunSession(ctx context.Context, runID string) error {
	ctx, span := telemetry.StartSessionSpan(ctx, telemetry.SpanCloseSession, runID)
	defer span.End()
	ctx = tagContext(ctx, runID, "")

	m.mu.Lock()
	ls := m.live[runID]
	m.mu.Unlock()

	if ls == nil {
		sess, err := m.store.GetSession(ctx, runID)
		if err != nil {
			return err
		}
		if sess.GetStatus().Terminal() {
			return nil
		}
		// No live handle but not terminal: a stale record, settle it.
		return m.store.UpdateStatus(ctx, runID, models.StatusStopped)
	}

	if h := ls.getHandle(); h != nil {
		if err := h.Close(ctx); err != nil {
			logger.WarnCtx(ctx, "adapter close failed",
				logger.RunID(runID),
				logger.Err(err))
		}
	}

	select {
	case <-ls.terminalCh:
		return nil
	case <-time.After(m.config.CloseGrace):
	case <-ctx.Done():
		return ctx.Err()
	}

	logger.WarnCtx(ctx, "close grace period expired, forcing shutdown",
		logger.RunID(runID))
	m.recordAndBroadcast(ls, adapter.Event{
		Channel: models.ChannelSystemStatus,
		Type:    models.TypeClosed,
		Payload: mustJSON(map[string]any{"reason": "timeout"}),
	})
	return nil
}

// GetBacklog returns a session's events with seq > afterSeq, in order.
func (m *Manager) GetBacklog(ctx context.Context, runID string, afterSeq int64, limit int) ([]*models.SessionEvent, error) {
	events, err := m.store.EventsSince(ctx, runID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	if m.metrics != nil {
		m.metrics.BacklogEvents.Observe(float64(len(events)))
	}
	return events, nil
}

// LastSeq returns the highest seq in a session's log, or 0 for an empty
// log.
func (m *Manager) LastSeq(ctx context.Context, runID string) (int64, error) {
	return m.store.LastSeq(ctx, runID)
}

// GetSession returns one session record.
func (m *Manager) GetSession(ctx context.Context, runID string) (*models.RunSession, error) {
	return m.store.GetSession(ctx, runID)
}

// ListSessions returns session records matching the filter.
func (m *Manager) ListSessions(ctx context.Context, filter store.ListFilter) ([]*models.RunSession, error) {
	return m.store.ListSessions(ctx, filter)
}

// Subscribe joins the live event stream of a session. The session must
// exist; terminal sessions yield a subscription that closes immediately.
func (m *Manager) Subscribe(ctx context.Context, runID string) (*Subscriber, error) {
	sess, err := m.store.GetSession(ctx, runID)
	if err != nil {
		return nil, err
	}

	sub := m.broker.subscribe(runID)
	if m.metrics != nil {
		m.metrics.Subscribers.Inc()
	}

	// A run that ended between the lookup and the subscribe would leave
	// the subscription dangling forever; settle it here.
	if sess.GetStatus().Terminal() {
		m.broker.closeRun(runID)
	} else {
		m.mu.Lock()
		_, alive := m.live[runID]
		m.mu.Unlock()
		if !alive {
			m.broker.closeRun(runID)
		}
	}

	return sub, nil
}

// Unsubscribe leaves the live event stream.
func (m *Manager) Unsubscribe(sub *Subscriber) {
	m.broker.unsubscribe(sub)
	if m.metrics != nil {
		m.metrics.Subscribers.Dec()
	}
}

// Recover settles sessions left non-terminal by a previous process.
// PTYs and AI streams are not cold-resumable; the store appends a final
// closed event with reason restart and flips each record to stopped,
// leaving the logs replayable.
func (m *Manager) Recover(ctx context.Context) error {
	runIDs, err := m.store.MarkStaleRunning(ctx)
	if err != nil {
		return err
	}

	if len(runIDs) > 0 {
		logger.Info("recovered stale sessions", "count", len(runIDs))
	}
	return nil
}

// Shutdown closes every live session, bounded by the close grace per
// session but running them in parallel.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	runIDs := make([]string, 0, len(m.live))
	for runID := range m.live {
		runIDs = append(runIDs, runID)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, runID := range runIDs {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := m.CloseRunSession(ctx, id); err != nil {
				logger.Warn("failed to close session during shutdown",
					logger.RunID(id),
					logger.Err(err))
			}
		}(runID)
	}
	wg.Wait()
	return nil
}

// requireRunning resolves a live, running session or the appropriate
// domain error.
func (m *Manager) requireRunning(ctx context.Context, runID string) (*liveSession, error) {
	m.mu.Lock()
	ls := m.live[runID]
	m.mu.Unlock()

	if ls != nil && ls.getHandle() != nil {
		return ls, nil
	}

	if _, err := m.store.GetSession(ctx, runID); err != nil {
		return nil, err
	}
	return nil, models.ErrSessionNotRunning
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
