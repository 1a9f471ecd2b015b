package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

// Config holds logger configuration.
type Config struct {
	Level  string // DEBUG, INFO, WARN, ERROR
	Format string // text, json
	Output string // stdout, stderr, or file path
}

var (
	// level is shared by every handler the package builds, so SetLevel
	// takes effect without rebuilding anything.
	level slog.LevelVar

	active atomic.Pointer[slog.Logger]

	mu       sync.Mutex // guards sink, useColor, format during rebuilds
	sink     io.Writer  = os.Stdout
	useColor bool
	format   = "text"
)

func init() {
	level.Set(slog.LevelInfo)
	if f, ok := sink.(*os.File); ok {
		useColor = isTerminal(f.Fd())
	}
	rebuild()
}

// rebuild swaps in a fresh logger for the current sink and format.
// Callers that changed sink/useColor/format must hold mu.
func rebuild() {
	var h slog.Handler
	opts := &slog.HandlerOptions{Level: &level}
	if format == "json" {
		h = slog.NewJSONHandler(sink, opts)
	} else {
		h = NewColorTextHandler(sink, opts, useColor)
	}
	active.Store(slog.New(h))
}

// parseLevel maps a config string onto a slog level.
func parseLevel(s string) (slog.Level, bool) {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug, true
	case "INFO":
		return slog.LevelInfo, true
	case "WARN":
		return slog.LevelWarn, true
	case "ERROR":
		return slog.LevelError, true
	}
	return 0, false
}

// Init applies the configuration to the process-wide logger.
// Output may be "stdout", "stderr", or a file path opened for append.
func Init(cfg Config) error {
	mu.Lock()
	defer mu.Unlock()

	switch strings.ToLower(cfg.Output) {
	case "", "stdout":
		sink = os.Stdout
		useColor = isTerminal(os.Stdout.Fd())
	case "stderr":
		sink = os.Stderr
		useColor = isTerminal(os.Stderr.Fd())
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file %q: %w", cfg.Output, err)
		}
		sink = f
		useColor = false
	}

	if cfg.Level != "" {
		if lvl, ok := parseLevel(cfg.Level); ok {
			level.Set(lvl)
		}
	}
	if f := strings.ToLower(cfg.Format); f == "text" || f == "json" {
		format = f
	}

	rebuild()
	return nil
}

// InitWithWriter points the logger at an arbitrary writer. Used by tests.
func InitWithWriter(w io.Writer, lvl, fmtName string, color bool) {
	mu.Lock()
	defer mu.Unlock()

	sink = w
	useColor = color
	if l, ok := parseLevel(lvl); ok {
		level.Set(l)
	}
	if f := strings.ToLower(fmtName); f == "text" || f == "json" {
		format = f
	}
	rebuild()
}

// SetLevel changes the minimum log level. Unknown names are ignored.
func SetLevel(name string) {
	if lvl, ok := parseLevel(name); ok {
		level.Set(lvl)
	}
}

// SetFormat switches between "text" and "json" output.
func SetFormat(name string) {
	name = strings.ToLower(name)
	if name != "text" && name != "json" {
		return
	}
	mu.Lock()
	format = name
	rebuild()
	mu.Unlock()
}

// Debug logs at debug level with structured key/value fields.
func Debug(msg string, args ...any) {
	active.Load().Debug(msg, args...)
}

// Info logs at info level with structured key/value fields.
func Info(msg string, args ...any) {
	active.Load().Info(msg, args...)
}

// Warn logs at warn level with structured key/value fields.
func Warn(msg string, args ...any) {
	active.Load().Warn(msg, args...)
}

// Error logs at error level with structured key/value fields.
func Error(msg string, args ...any) {
	active.Load().Error(msg, args...)
}

// DebugCtx logs at debug level, prepending any LogContext fields
// carried by ctx (trace_id, op, run_id, and friends).
func DebugCtx(ctx context.Context, msg string, args ...any) {
	active.Load().Debug(msg, appendContextFields(ctx, args)...)
}

// InfoCtx logs at info level with LogContext fields from ctx.
func InfoCtx(ctx context.Context, msg string, args ...any) {
	active.Load().Info(msg, appendContextFields(ctx, args)...)
}

// WarnCtx logs at warn level with LogContext fields from ctx.
func WarnCtx(ctx context.Context, msg string, args ...any) {
	active.Load().Warn(msg, appendContextFields(ctx, args)...)
}

// ErrorCtx logs at error level with LogContext fields from ctx.
func ErrorCtx(ctx context.Context, msg string, args ...any) {
	active.Load().Error(msg, appendContextFields(ctx, args)...)
}

// appendContextFields prepends LogContext fields so they lead the line.
func appendContextFields(ctx context.Context, args []any) []any {
	lc := FromContext(ctx)
	if lc == nil {
		return args
	}

	out := make([]any, 0, 14+len(args))
	add := func(key, val string) {
		if val != "" {
			out = append(out, key, val)
		}
	}
	add(KeyTraceID, lc.TraceID)
	add(KeySpanID, lc.SpanID)
	add(KeyOp, lc.Op)
	add(KeyRunID, lc.RunID)
	add(KeyKind, lc.Kind)
	add(KeyClientID, lc.ClientID)
	add(KeyRemoteAddr, lc.RemoteAddr)

	return append(out, args...)
}

// With returns a slog.Logger carrying pre-bound attributes.
func With(args ...any) *slog.Logger {
	return active.Load().With(args...)
}
