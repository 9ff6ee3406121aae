package logger

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Entry is one captured log record.
type Entry struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"msg"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// Ring keeps the last N records of this process. The owner creates it, passes
// it to Init and reads it back; nothing is shared across processes.
type Ring struct {
	mu   sync.Mutex
	buf  []Entry
	next int
	full bool
}

func NewRing(size int) *Ring {
	if size <= 0 {
		size = 256
	}
	return &Ring{buf: make([]Entry, size)}
}

func (r *Ring) add(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = e
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// Recent returns captured entries, oldest first.
func (r *Ring) Recent() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]Entry(nil), r.buf[:r.next]...)
	}
	out := make([]Entry, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}

func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return len(r.buf)
	}
	return r.next
}

func (r *Ring) wrap(next slog.Handler) slog.Handler {
	return &ringHandler{next: next, ring: r}
}

type ringHandler struct {
	next   slog.Handler
	ring   *Ring
	attrs  []slog.Attr
	prefix string
}

func (h *ringHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.next.Enabled(ctx, l)
}

func (h *ringHandler) Handle(ctx context.Context, rec slog.Record) error {
	attrs := make(map[string]any, len(h.attrs)+rec.NumAttrs())
	for _, a := range h.attrs {
		attrs[a.Key] = plain(a.Value)
	}
	rec.Attrs(func(a slog.Attr) bool {
		attrs[h.prefix+a.Key] = plain(a.Value)
		return true
	})
	h.ring.add(Entry{
		Time:    rec.Time,
		Level:   rec.Level.String(),
		Message: rec.Message,
		Attrs:   attrs,
	})
	return h.next.Handle(ctx, rec)
}

func (h *ringHandler) WithAttrs(as []slog.Attr) slog.Handler {
	cp := make([]slog.Attr, 0, len(h.attrs)+len(as))
	cp = append(cp, h.attrs...)
	for _, a := range as {
		a.Key = h.prefix + a.Key
		cp = append(cp, a)
	}
	return &ringHandler{next: h.next.WithAttrs(as), ring: h.ring, attrs: cp, prefix: h.prefix}
}

func (h *ringHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &ringHandler{next: h.next.WithGroup(name), ring: h.ring, attrs: h.attrs, prefix: h.prefix + name + "."}
}

// ошибки сериализуются в JSON как {}, храним текст
func plain(v slog.Value) any {
	v = v.Resolve()
	if err, ok := v.Any().(error); ok {
		return err.Error()
	}
	return v.Any()
}
