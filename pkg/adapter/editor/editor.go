// Package editor exposes a single file as a session adapter.
//
// The handle emits the file's content as an initial snapshot, then an
// update whenever the file changes on disk. Input replaces the file's
// content. External edits and session edits flow through the same event
// channel, so every attached client converges on the same bytes.
package editor

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/dispatch-sh/dispatch/internal/logger"
	"github.com/dispatch-sh/dispatch/pkg/adapter"
	"github.com/dispatch-sh/dispatch/pkg/session/models"
)

// defaultMaxBytes caps how large an edited file may grow. Event payloads
// carry the whole file, so this bounds event size as well.
const defaultMaxBytes = 1 << 20

// Factory opens file-editor sessions.
type Factory struct{}

// NewFactory returns the file-editor adapter factory.
func NewFactory() *Factory {
	return &Factory{}
}

// Kind returns "file-editor".
func (f *Factory) Kind() string {
	return "file-editor"
}

// Open starts watching the file named by meta's path key.
//
// Recognized meta keys: path (required), create (make the file if it
// does not exist), maxBytes.
func (f *Factory) Open(ctx context.Context, spec adapter.Spec) (adapter.Handle, error) {
	path := adapter.MetaString(spec.Meta, "path", "")
	if path == "" {
		return nil, fmt.Errorf("%w: file-editor requires a path", models.ErrInvalidInput)
	}
	path, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("invalid path: %w", err)
	}

	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) || !adapter.MetaBool(spec.Meta, "create", false) {
			return nil, fmt.Errorf("cannot open %s: %w", path, err)
		}
		if err := os.WriteFile(path, nil, 0644); err != nil {
			return nil, fmt.Errorf("cannot create %s: %w", path, err)
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	// Watch the directory, not the file: editors that save via rename
	// replace the inode and a file watch would silently die.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", path, err)
	}

	h := &handle{
		runID:    spec.RunID,
		path:     path,
		maxBytes: adapter.MetaInt(spec.Meta, "maxBytes", defaultMaxBytes),
		emit:     spec.Emit,
		watcher:  watcher,
		done:     make(chan struct{}),
	}

	logger.DebugCtx(ctx, "file-editor session started",
		logger.RunID(spec.RunID),
		logger.Path(path))

	if err := h.emitContent("snapshot"); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	go h.watchLoop()

	return h, nil
}

// handle is one watched file bound to a run session.
type handle struct {
	runID    string
	path     string
	maxBytes int
	emit     adapter.EmitFunc
	watcher  *fsnotify.Watcher

	closeOnce sync.Once
	done      chan struct{}

	mu       sync.Mutex
	lastHash [32]byte
	paused   bool
}

// watchLoop forwards on-disk changes as update events until the watcher
// is closed, then emits the terminal closed event.
func (h *handle) watchLoop() {
	for {
		select {
		case event, ok := <-h.watcher.Events:
			if !ok {
				h.finish()
				return
			}
			if event.Name != h.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := h.emitContent("update"); err != nil {
				logger.Warn("failed to read edited file",
					logger.RunID(h.runID),
					logger.Path(h.path),
					logger.Err(err))
			}

		case err, ok := <-h.watcher.Errors:
			if !ok {
				h.finish()
				return
			}
			logger.Warn("file watcher error",
				logger.RunID(h.runID),
				logger.Err(err))
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

// emitContent reads the file and emits it on editor:content unless the
// bytes match what was last emitted. The hash check breaks the echo loop
// between session writes and the resulting watcher event.
func (h *handle) emitContent(eventType string) error {
	content, err := os.ReadFile(h.path)
	if err != nil {
		return err
	}

	h.mu.Lock()
	if h.paused {
		h.mu.Unlock()
		return nil
	}
	hash := sha256.Sum256(content)
	if eventType == "update" && hash == h.lastHash {
		h.mu.Unlock()
		return nil
	}
	h.lastHash = hash
	h.mu.Unlock()

	h.emit(adapter.Event{
		Channel: models.ChannelEditor,
		Type:    eventType,
		Payload: content,
	})
	return nil
}

// Input replaces the file content with the given bytes.
func (h *handle) Input(ctx context.Context, data []byte) error {
	select {
	case <-h.done:
		return models.ErrSessionTerminated
	default:
	}

	if len(data) > h.maxBytes {
		return fmt.Errorf("%w: content exceeds %d bytes", models.ErrInvalidInput, h.maxBytes)
	}

	if err := writeAtomic(h.path, data); err != nil {
		return fmt.Errorf("failed to write %s: %w", h.path, err)
	}

	// Emit directly rather than waiting for the watcher so the edit is
	// in the log before Input returns.
	return h.emitContent("update")
}

// writeAtomic writes via a temp file and rename so the watcher and any
// concurrent reader never observe a half-written file.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".dispatch-edit-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Pause suspends update events; external edits are ignored until Resume.
func (h *handle) Pause(ctx context.Context) error {
	h.mu.Lock()
	h.paused = true
	h.mu.Unlock()
	return nil
}

// Resume re-enables updates and emits a fresh snapshot so clients catch
// up on anything changed while paused.
func (h *handle) Resume(ctx context.Context) error {
	h.mu.Lock()
	h.paused = false
	h.lastHash = [32]byte{}
	h.mu.Unlock()
	return h.emitContent("snapshot")
}

// Introspect reports the watched path and current file size.
func (h *handle) Introspect(ctx context.Context) (map[string]any, error) {
	info, err := os.Stat(h.path)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"path": h.path,
		"size": info.Size(),
	}, nil
}

// Close stops the watcher. The watch loop emits the closed event once
// the event channel drains.
func (h *handle) Close(ctx context.Context) error {
	h.closeOnce.Do(func() {
		_ = h.watcher.Close()
	})
	return nil
}

// Wait blocks until the closed event has been emitted.
func (h *handle) Wait() error {
	<-h.done
	return nil
}
