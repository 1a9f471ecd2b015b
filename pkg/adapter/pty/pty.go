// Package pty runs an interactive shell inside a pseudo-terminal and
// exposes it as a session adapter.
package pty

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/dispatch-sh/dispatch/internal/logger"
	"github.com/dispatch-sh/dispatch/pkg/adapter"
	"github.com/dispatch-sh/dispatch/pkg/session/models"
)

const (
	defaultCols = 80
	defaultRows = 24
	defaultTerm = "xterm-256color"

	// readBufSize matches the kernel's PTY buffer so one read drains
	// a full burst of output.
	readBufSize = 32 * 1024

	// killGrace is how long Close waits for the child to honor SIGHUP
	// and SIGTERM before it is killed outright.
	killGrace = 10 * time.Second
)

// Factory opens PTY-backed shell sessions.
type Factory struct{}

// NewFactory returns the PTY adapter factory.
func NewFactory() *Factory {
	return &Factory{}
}

// Kind returns "pty".
func (f *Factory) Kind() string {
	return "pty"
}

// Open spawns the shell in a fresh pseudo-terminal and starts pumping
// its output into the event log.
//
// Recognized meta keys: shell, args, cwd, env, cols, rows, name (TERM).
// Defaults are the login shell from $SHELL, 80x24, and xterm-256color.
func (f *Factory) Open(ctx context.Context, spec adapter.Spec) (adapter.Handle, error) {
	shell := adapter.MetaString(spec.Meta, "shell", os.Getenv("SHELL"))
	if shell == "" {
		shell = "/bin/sh"
	}
	args := adapter.MetaStringSlice(spec.Meta, "args")
	cols := adapter.MetaInt(spec.Meta, "cols", defaultCols)
	rows := adapter.MetaInt(spec.Meta, "rows", defaultRows)
	term := adapter.MetaString(spec.Meta, "name", defaultTerm)

	cmd := exec.Command(shell, args...)
	cmd.Dir = adapter.MetaString(spec.Meta, "cwd", "")
	cmd.Env = append(os.Environ(), "TERM="+term)
	cmd.Env = append(cmd.Env, adapter.MetaStringSlice(spec.Meta, "env")...)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Cols: uint16(cols),
		Rows: uint16(rows),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start pty: %w", err)
	}

	h := &handle{
		runID:     spec.RunID,
		cmd:       cmd,
		ptmx:      ptmx,
		emit:      spec.Emit,
		killDelay: killGrace,
		done:      make(chan struct{}),
	}

	logger.DebugCtx(ctx, "pty session started",
		logger.RunID(spec.RunID),
		logger.PID(cmd.Process.Pid),
		logger.Path(shell))

	go h.readLoop()

	return h, nil
}

// handle is one live shell bound to a run session.
type handle struct {
	runID     string
	cmd       *exec.Cmd
	ptmx      *os.File
	emit      adapter.EmitFunc
	killDelay time.Duration

	closeOnce sync.Once
	done      chan struct{} // closed after the exit event is emitted
	waitErr   error
}

// readLoop drains the PTY until the child exits, emitting a stdout chunk
// per read. The closed event goes out only after the final read, so no
// output is lost between the last kernel read and the exit notice.
func (h *handle) readLoop() {
	buf := make([]byte, readBufSize)
	for {
		n, err := h.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			h.emit(adapter.Event{
				Channel: models.ChannelPtyStdout,
				Type:    "chunk",
				Payload: chunk,
			})
		}
		if err != nil {
			// EIO is the normal PTY read error once the child side
			// hangs up; anything else still means the stream is over.
			break
		}
	}

	h.waitErr = h.cmd.Wait()
	_ = h.ptmx.Close()

	exitCode, signal := exitStatus(h.waitErr)
	logger.Debug("pty child exited",
		logger.RunID(h.runID),
		logger.ExitCode(exitCode),
		logger.Signal(signal))
	payload, _ := json.Marshal(map[string]any{
		"exitCode": exitCode,
		"signal":   signal,
	})
	h.emit(adapter.Event{
		Channel: models.ChannelSystemStatus,
		Type:    models.TypeClosed,
		Payload: payload,
	})

	close(h.done)
}

// Input forwards client bytes to the PTY verbatim.
func (h *handle) Input(ctx context.Context, data []byte) error {
	select {
	case <-h.done:
		return models.ErrSessionTerminated
	default:
	}

	_, err := h.ptmx.Write(data)
	return err
}

// Resize changes the terminal dimensions and reports them on pty:resize.
func (h *handle) Resize(ctx context.Context, cols, rows uint16) error {
	if err := pty.Setsize(h.ptmx, &pty.Winsize{Cols: cols, Rows: rows}); err != nil {
		return fmt.Errorf("failed to resize pty: %w", err)
	}

	payload, _ := json.Marshal(map[string]any{
		"cols": cols,
		"rows": rows,
	})
	h.emit(adapter.Event{
		Channel: models.ChannelPtyResize,
		Type:    "dimensions",
		Payload: payload,
	})
	return nil
}

// Signal forwards a named OS signal to the child process.
func (h *handle) Signal(ctx context.Context, sig string) error {
	s, err := lookupSignal(sig)
	if err != nil {
		return err
	}
	return h.cmd.Process.Signal(s)
}

// Introspect reports the child PID.
func (h *handle) Introspect(ctx context.Context) (map[string]any, error) {
	return map[string]any{
		"pid": h.cmd.Process.Pid,
	}, nil
}

// Close asks the shell to terminate. The read loop emits the closed
// event once the process is gone; callers that need to block on that use
// Wait.
func (h *handle) Close(ctx context.Context) error {
	h.closeOnce.Do(func() {
		// SIGHUP first, the signal a shell gets when its terminal goes
		// away, then SIGTERM. A child that ignores both is killed once
		// the grace period runs out.
		_ = h.cmd.Process.Signal(syscall.SIGHUP)
		_ = h.cmd.Process.Signal(syscall.SIGTERM)

		go func() {
			select {
			case <-h.done:
			case <-time.After(h.killDelay):
				logger.Warn("pty child ignored termination signals, killing",
					logger.RunID(h.runID),
					logger.PID(h.cmd.Process.Pid))
				_ = h.cmd.Process.Kill()
			}
		}()
	})
	return nil
}

// Wait blocks until the child has exited and the closed event is out.
func (h *handle) Wait() error {
	<-h.done
	if h.waitErr != nil && !isExpectedExit(h.waitErr) {
		return h.waitErr
	}
	return nil
}

// exitStatus extracts the exit code and terminating signal name from a
// Wait error. A nil error is a clean zero exit.
func exitStatus(err error) (int, string) {
	if err == nil {
		return 0, ""
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if ws.Signaled() {
				return -1, ws.Signal().String()
			}
			return ws.ExitStatus(), ""
		}
		return exitErr.ExitCode(), ""
	}

	return -1, ""
}

// isExpectedExit reports whether a Wait error is a normal way for an
// interactive shell to end rather than an adapter fault.
func isExpectedExit(err error) bool {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return true
	}
	return errors.Is(err, io.EOF)
}

// lookupSignal maps wire-level signal names onto OS signals.
func lookupSignal(name string) (os.Signal, error) {
	switch name {
	case "interrupt", "SIGINT":
		return syscall.SIGINT, nil
	case "terminate", "SIGTERM":
		return syscall.SIGTERM, nil
	case "kill", "SIGKILL":
		return syscall.SIGKILL, nil
	case "hangup", "SIGHUP":
		return syscall.SIGHUP, nil
	case "quit", "SIGQUIT":
		return syscall.SIGQUIT, nil
	case "suspend", "SIGTSTP":
		return syscall.SIGTSTP, nil
	case "continue", "SIGCONT":
		return syscall.SIGCONT, nil
	default:
		return nil, fmt.Errorf("%w: unknown signal %q", models.ErrInvalidInput, name)
	}
}
