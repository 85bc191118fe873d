// Package klog wraps log/slog behind a small handler tailored to this
// kernel: one plain timestamped line per record, written to the single
// io.Writer passed to New. The panic report is rendered into
// intr.PanicScreen's preallocated buffer; boot's fatal handler then logs
// the finished report through klog like any other record.
package klog

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// Logger is the kernel-wide structured logger.
type Logger struct {
	*slog.Logger
}

type handler struct {
	mu  sync.Mutex
	out io.Writer
}

func (h *handler) Enabled(context.Context, slog.Level) bool { return true }

func (h *handler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(r.Time.Format("2006/01/02 15:04:05"))
	b.WriteByte(' ')
	b.WriteString(r.Level.String())
	b.WriteString(": ")
	b.WriteString(r.Message)
	r.Attrs(func(a slog.Attr) bool {
		b.WriteByte(' ')
		b.WriteString(a.Key)
		b.WriteByte('=')
		b.WriteString(a.Value.String())
		return true
	})
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, b.String())
	return err
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h
}

func (h *handler) WithGroup(name string) slog.Handler {
	return h
}

// New creates a Logger that writes through out (typically the console
// package's byte sink, or os.Stderr for a bare harness run).
func New(out io.Writer) *Logger {
	return &Logger{Logger: slog.New(&handler{out: out})}
}
