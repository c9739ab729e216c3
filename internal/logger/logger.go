// Package logger provides the process-wide slog logger with coloured level output.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
)

// Handler renders records as "time | LEVEL | message key=value..." lines.
type Handler struct {
	mu       *sync.Mutex
	writer   io.Writer
	attrs    []slog.Attr
	group    string
	logLevel slog.Level
}

// NewHandler creates a handler writing to w. Records below level are dropped.
func NewHandler(w io.Writer, level slog.Level) *Handler {
	return &Handler{
		mu:       &sync.Mutex{},
		writer:   w,
		logLevel: level,
	}
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.logLevel
}

func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	level := r.Level.String()

	switch {
	case r.Level >= slog.LevelError:
		level = color.RedString(level)
	case r.Level >= slog.LevelWarn:
		level = color.YellowString(level)
	case r.Level >= slog.LevelInfo:
		level = color.BlueString(level)
	default:
		level = color.MagentaString(level)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s | %-5s | %s",
		color.GreenString(r.Time.Format("2006-01-02T15:04:05.000")),
		level,
		color.CyanString(r.Message),
	)

	for _, attr := range h.attrs {
		b.WriteString(color.CyanString(" %s=%v", attr.Key, attr.Value))
	}
	r.Attrs(func(attr slog.Attr) bool {
		b.WriteString(color.CyanString(" %s=%v", h.key(attr.Key), attr.Value))
		return true
	})
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.writer, b.String())
	return err
}

func (h *Handler) key(k string) string {
	if h.group == "" {
		return k
	}
	return h.group + "." + k
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	newAttrs = append(newAttrs, h.attrs...)
	for _, attr := range attrs {
		attr.Key = h.key(attr.Key)
		newAttrs = append(newAttrs, attr)
	}

	clone := *h
	clone.attrs = newAttrs
	return &clone
}

func (h *Handler) WithGroup(name string) slog.Handler {
	clone := *h
	if clone.group != "" {
		name = clone.group + "." + name
	}
	clone.group = name
	return &clone
}

// Init installs the default logger. Debug output is enabled when debug is true.
func Init(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(NewHandler(os.Stderr, level)))
	slog.Debug("Logger initialized")
}

func Debug(msg string, v ...any) {
	slog.Debug(msg, v...)
}

func DebugF(msg string, v ...any) {
	slog.Debug(fmt.Sprintf(msg, v...))
}

func Info(msg string, v ...any) {
	slog.Info(msg, v...)
}

func InfoF(msg string, v ...any) {
	slog.Info(fmt.Sprintf(msg, v...))
}

func Warn(msg string, v ...any) {
	slog.Warn(msg, v...)
}

func WarnF(msg string, v ...any) {
	slog.Warn(fmt.Sprintf(msg, v...))
}

func Error(msg string, v ...any) {
	slog.Error(msg, v...)
}

func ErrorF(msg string, v ...any) {
	slog.Error(fmt.Sprintf(msg, v...))
}
