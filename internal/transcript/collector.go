// Package transcript buffers every log line produced during one deployment
// invocation so the run can be reduced to a single success/failure
// notification at the end, instead of a stream of small ones.
package transcript

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Collector is an slog.Handler that tees records to an inner handler and
// keeps a formatted copy of every line. It is passed by reference through
// the deployment call chain and flushed exactly once at the end of the run.
type Collector struct {
	inner slog.Handler

	mu      sync.Mutex
	lines   []string
	flushed bool
}

// NewCollector wraps inner. Records are always buffered regardless of the
// inner handler's level, so the transcript is complete even at INFO.
func NewCollector(inner slog.Handler) *Collector {
	return &Collector{inner: inner}
}

// Logger returns a logger that writes through this collector.
func (c *Collector) Logger() *slog.Logger {
	return slog.New(c)
}

// Lines returns a copy of the buffered transcript.
func (c *Collector) Lines() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.lines))
	copy(out, c.lines)
	return out
}

func (c *Collector) Enabled(_ context.Context, _ slog.Level) bool {
	return true
}

func (c *Collector) Handle(ctx context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(r.Time.UTC().Format(time.RFC3339))
	b.WriteByte(' ')
	b.WriteString(r.Level.String())
	b.WriteByte(' ')
	b.WriteString(r.Message)
	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value.Any())
		return true
	})

	c.mu.Lock()
	c.lines = append(c.lines, b.String())
	c.mu.Unlock()

	if c.inner != nil && c.inner.Enabled(ctx, r.Level) {
		return c.inner.Handle(ctx, r)
	}
	return nil
}

func (c *Collector) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &attrHandler{collector: c, inner: c.innerWith(attrs), attrs: attrs}
}

func (c *Collector) WithGroup(name string) slog.Handler {
	// Groups are flattened in the transcript; the inner handler keeps them.
	if c.inner == nil {
		return c
	}
	return &attrHandler{collector: c, inner: c.inner.WithGroup(name)}
}

func (c *Collector) innerWith(attrs []slog.Attr) slog.Handler {
	if c.inner == nil {
		return nil
	}
	return c.inner.WithAttrs(attrs)
}

// Flush sends the buffered transcript through mailer once. Repeat calls are
// no-ops. A nil mailer or empty recipient list skips sending but still marks
// the collector flushed.
func (c *Collector) Flush(ctx context.Context, mailer Mailer, subject string, recipients []string) error {
	c.mu.Lock()
	if c.flushed {
		c.mu.Unlock()
		return nil
	}
	c.flushed = true
	lines := make([]string, len(c.lines))
	copy(lines, c.lines)
	c.mu.Unlock()

	if mailer == nil || len(recipients) == 0 {
		return nil
	}
	return mailer.Send(ctx, subject, recipients, lines)
}

// attrHandler carries derived attributes while sharing the parent collector's
// line buffer, so child loggers still contribute to the same transcript.
type attrHandler struct {
	collector *Collector
	inner     slog.Handler
	attrs     []slog.Attr
}

func (h *attrHandler) Enabled(_ context.Context, _ slog.Level) bool { return true }

func (h *attrHandler) Handle(ctx context.Context, r slog.Record) error {
	clone := r.Clone()
	// Re-attach derived attrs so the buffered line includes them.
	rebuilt := slog.NewRecord(clone.Time, clone.Level, clone.Message, clone.PC)
	rebuilt.AddAttrs(h.attrs...)
	clone.Attrs(func(a slog.Attr) bool {
		rebuilt.AddAttrs(a)
		return true
	})

	sub := &Collector{inner: nil}
	if err := sub.Handle(ctx, rebuilt); err != nil {
		return err
	}
	h.collector.mu.Lock()
	h.collector.lines = append(h.collector.lines, sub.lines...)
	h.collector.mu.Unlock()

	if h.inner != nil && h.inner.Enabled(ctx, r.Level) {
		return h.inner.Handle(ctx, r)
	}
	return nil
}

func (h *attrHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := append(append([]slog.Attr{}, h.attrs...), attrs...)
	var inner slog.Handler
	if h.inner != nil {
		inner = h.inner.WithAttrs(attrs)
	}
	return &attrHandler{collector: h.collector, inner: inner, attrs: merged}
}

func (h *attrHandler) WithGroup(name string) slog.Handler {
	var inner slog.Handler
	if h.inner != nil {
		inner = h.inner.WithGroup(name)
	}
	return &attrHandler{collector: h.collector, inner: inner, attrs: h.attrs}
}
