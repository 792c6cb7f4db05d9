package logger

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

const (
	ansiReset = "\033[0m"
	ansiBold  = "\033[1m"
	ansiRed   = "\033[31m"
	ansiGreen = "\033[32m"
	ansiYel   = "\033[33m"
	ansiBlue  = "\033[34m"
	ansiCyan  = "\033[36m"
	ansiGray  = "\033[90m"
)

// PrettyHandler renders records as
//
//	[15:04:05.000] INFO  message key=value group.key=value
//
// with ANSI colors. Attributes added through WithAttrs are rendered once and
// reused for every record.
type PrettyHandler struct {
	level  slog.Leveler
	w      io.Writer
	mu     *sync.Mutex
	prefix string // dotted group path, including the trailing dot
	static []byte // pre-rendered handler attributes
}

func NewPrettyHandler(w io.Writer, opts *slog.HandlerOptions) *PrettyHandler {
	h := &PrettyHandler{level: slog.LevelInfo, w: w, mu: &sync.Mutex{}}
	if opts != nil && opts.Level != nil {
		h.level = opts.Level
	}
	return h
}

func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	buf := make([]byte, 0, 256)
	buf = append(buf, ansiGray+"["...)
	buf = r.Time.AppendFormat(buf, "15:04:05.000")
	buf = append(buf, "]"+ansiReset+" "...)
	buf = append(buf, levelColor(r.Level)+ansiBold...)
	buf = fmt.Appendf(buf, "%-5s", r.Level.String())
	buf = append(buf, ansiReset+" "...)
	buf = append(buf, r.Message...)

	if len(h.static) > 0 || r.NumAttrs() > 0 {
		buf = append(buf, " "+ansiCyan...)
		buf = append(buf, h.static...)
		first := len(h.static) == 0
		r.Attrs(func(a slog.Attr) bool {
			buf = appendAttr(buf, h.prefix, a, &first)
			return true
		})
		buf = append(buf, ansiReset...)
	}
	buf = append(buf, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(buf)
	return err
}

func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	next := *h
	next.static = append([]byte(nil), h.static...)
	first := len(next.static) == 0
	for _, a := range attrs {
		next.static = appendAttr(next.static, h.prefix, a, &first)
	}
	return &next
}

func (h *PrettyHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.prefix = h.prefix + name + "."
	return &next
}

func levelColor(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return ansiRed
	case l >= slog.LevelWarn:
		return ansiYel
	case l >= slog.LevelInfo:
		return ansiGreen
	default:
		return ansiBlue
	}
}

// appendAttr writes key=value, flattening groups into dotted keys.
func appendAttr(buf []byte, prefix string, a slog.Attr, first *bool) []byte {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return buf
	}
	if a.Value.Kind() == slog.KindGroup {
		inner := prefix
		if a.Key != "" {
			inner += a.Key + "."
		}
		for _, g := range a.Value.Group() {
			buf = appendAttr(buf, inner, g, first)
		}
		return buf
	}
	if !*first {
		buf = append(buf, ' ')
	}
	*first = false
	buf = append(buf, prefix...)
	buf = append(buf, a.Key...)
	buf = append(buf, '=')
	switch a.Value.Kind() {
	case slog.KindTime:
		return a.Value.Time().AppendFormat(buf, time.RFC3339)
	case slog.KindDuration:
		return append(buf, a.Value.Duration().String()...)
	default:
		s := a.Value.String()
		if needsQuoting(s) {
			return strconv.AppendQuote(buf, s)
		}
		return append(buf, s...)
	}
}

func needsQuoting(s string) bool {
	return s == "" || strings.ContainsFunc(s, func(r rune) bool {
		return r == ' ' || r == '=' || r == '"' || r < 0x20
	})
}
