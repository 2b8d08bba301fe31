// Package slogutil provides the slog handlers and helpers used by icdgraph components.
package slogutil

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

// LineHandler writes one record per line:
//
//	TIMESTAMP [level] Message | key=value key="value with spaces"
//
// Attributes added through WithAttrs are rendered once and reused.
type LineHandler struct {
	w     io.Writer
	level slog.Leveler
	// prefix is the dotted group path applied to record attributes.
	prefix string
	// static holds the rendered WithAttrs attributes, each with a leading space.
	static []byte
	mu     *sync.Mutex
}

var linePool = sync.Pool{
	New: func() any {
		b := make([]byte, 0, 256)
		return &b
	},
}

// NewLineHandler creates a new line handler.
func NewLineHandler(w io.Writer, opts *slog.HandlerOptions) *LineHandler {
	var level slog.Leveler = slog.LevelInfo
	if opts != nil && opts.Level != nil {
		level = opts.Level
	}
	return &LineHandler{w: w, level: level, mu: &sync.Mutex{}}
}

// Enabled reports whether the handler handles records at the given level.
func (h *LineHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

// Handle formats and writes the log record.
func (h *LineHandler) Handle(_ context.Context, r slog.Record) error {
	bp := linePool.Get().(*[]byte)
	b := (*bp)[:0]

	b = r.Time.UTC().AppendFormat(b, time.RFC3339)
	b = append(b, " ["...)
	b = append(b, levelString(r.Level)...)
	b = append(b, "] "...)
	b = append(b, r.Message...)

	if len(h.static) > 0 || r.NumAttrs() > 0 {
		b = append(b, " |"...)
		b = append(b, h.static...)
		r.Attrs(func(a slog.Attr) bool {
			b = appendAttr(b, h.prefix, a)
			return true
		})
	}
	b = append(b, '\n')

	h.mu.Lock()
	_, err := h.w.Write(b)
	h.mu.Unlock()

	*bp = b
	linePool.Put(bp)
	return err
}

// WithAttrs returns a new handler with the given attributes added.
func (h *LineHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	static := append([]byte(nil), h.static...)
	for _, a := range attrs {
		static = appendAttr(static, h.prefix, a)
	}
	next := *h
	next.static = static
	return &next
}

// WithGroup returns a new handler whose attribute keys are prefixed with name.
func (h *LineHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.prefix = h.prefix + name + "."
	return &next
}

// appendAttr renders " key=value", flattening group values into dotted keys.
func appendAttr(b []byte, prefix string, a slog.Attr) []byte {
	a.Value = a.Value.Resolve()
	if a.Value.Kind() == slog.KindGroup {
		if a.Key != "" {
			prefix += a.Key + "."
		}
		for _, ga := range a.Value.Group() {
			b = appendAttr(b, prefix, ga)
		}
		return b
	}
	if a.Key == "" {
		return b
	}

	b = append(b, ' ')
	b = append(b, prefix...)
	b = append(b, a.Key...)
	b = append(b, '=')
	return appendValue(b, a.Value)
}

func appendValue(b []byte, v slog.Value) []byte {
	switch v.Kind() {
	case slog.KindString:
		return appendText(b, v.String())
	case slog.KindInt64:
		return strconv.AppendInt(b, v.Int64(), 10)
	case slog.KindUint64:
		return strconv.AppendUint(b, v.Uint64(), 10)
	case slog.KindFloat64:
		return strconv.AppendFloat(b, v.Float64(), 'f', 2, 64)
	case slog.KindBool:
		return strconv.AppendBool(b, v.Bool())
	case slog.KindDuration:
		return append(b, v.Duration().Round(time.Millisecond).String()...)
	case slog.KindTime:
		return v.Time().AppendFormat(b, time.RFC3339)
	default:
		return appendText(b, fmt.Sprint(v.Any()))
	}
}

// appendText quotes values that would otherwise break key=value parsing.
func appendText(b []byte, s string) []byte {
	if s == "" || strings.ContainsAny(s, " =\"\t\r\n") {
		return strconv.AppendQuote(b, s)
	}
	return append(b, s...)
}

func levelString(level slog.Level) string {
	switch {
	case level < slog.LevelInfo:
		return "debug"
	case level < slog.LevelWarn:
		return "info"
	case level < slog.LevelError:
		return "warn"
	default:
		return "error"
	}
}
