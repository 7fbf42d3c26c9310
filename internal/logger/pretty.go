package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	ansiReset  = "\033[0m"
	ansiDim    = "\033[2m"
	ansiRed    = "\033[1;31m"
	ansiYellow = "\033[1;33m"
	ansiGreen  = "\033[32m"
	ansiMagent = "\033[35m"
	ansiCyan   = "\033[36m"
)

// PrettyHandler is a slog.Handler for operator consoles.
//
// A line reads "15:04:05.000 W [s3:t17] message key=value ...". The bracketed
// tag appears when a record carries both a "stream" and a "task" attribute;
// those two attributes are then left out of the key=value list. Unsigned
// attributes whose key ends in "addr", "code", "status" or "sqe" print in hex.
// Colour is used only when the writer is a terminal.
type PrettyHandler struct {
	opts   slog.HandlerOptions
	color  bool
	mu     *sync.Mutex
	w      io.Writer
	prefix string
	attrs  []slog.Attr
}

func NewPrettyHandler(w io.Writer, opts *slog.HandlerOptions) *PrettyHandler {
	h := &PrettyHandler{
		color: isTerminal(w),
		mu:    new(sync.Mutex),
		w:     w,
	}
	if opts != nil {
		h.opts = *opts
	}
	return h
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	st, err := f.Stat()
	return err == nil && st.Mode()&os.ModeCharDevice != 0
}

func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	threshold := slog.LevelInfo
	if h.opts.Level != nil {
		threshold = h.opts.Level.Level()
	}
	return level >= threshold
}

func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	attrs := make([]slog.Attr, 0, len(h.attrs)+r.NumAttrs())
	attrs = append(attrs, h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		if h.prefix != "" {
			a.Key = h.prefix + a.Key
		}
		attrs = append(attrs, a)
		return true
	})

	buf := make([]byte, 0, 256)
	buf = h.paint(buf, ansiDim, func(b []byte) []byte {
		return r.Time.AppendFormat(b, "15:04:05.000")
	})
	buf = append(buf, ' ')
	code, col := levelTag(r.Level)
	buf = h.paint(buf, col, func(b []byte) []byte { return append(b, code) })
	buf = append(buf, ' ')

	if tag, rest, ok := taskTag(attrs); ok {
		buf = h.paint(buf, ansiMagent, func(b []byte) []byte { return append(b, tag...) })
		buf = append(buf, ' ')
		attrs = rest
	}
	buf = append(buf, r.Message...)

	if len(attrs) > 0 {
		buf = append(buf, ' ')
		buf = h.paint(buf, ansiCyan, func(b []byte) []byte {
			for i, a := range attrs {
				if i > 0 {
					b = append(b, ' ')
				}
				b = appendAttr(b, a)
			}
			return b
		})
	}
	buf = append(buf, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(buf)
	return err
}

func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	c.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	c.attrs = append(c.attrs, h.attrs...)
	for _, a := range attrs {
		a.Key = h.prefix + a.Key
		c.attrs = append(c.attrs, a)
	}
	return &c
}

func (h *PrettyHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := *h
	c.prefix = h.prefix + name + "."
	return &c
}

func (h *PrettyHandler) paint(buf []byte, color string, body func([]byte) []byte) []byte {
	if !h.color {
		return body(buf)
	}
	buf = append(buf, color...)
	buf = body(buf)
	return append(buf, ansiReset...)
}

func levelTag(l slog.Level) (byte, string) {
	switch {
	case l >= slog.LevelError:
		return 'E', ansiRed
	case l >= slog.LevelWarn:
		return 'W', ansiYellow
	case l >= slog.LevelInfo:
		return 'I', ansiGreen
	}
	return 'D', ansiDim
}

// taskTag builds "[sN:tM]" from top-level stream and task attributes.
func taskTag(attrs []slog.Attr) (string, []slog.Attr, bool) {
	si, ti := -1, -1
	for i, a := range attrs {
		switch a.Key {
		case "stream":
			si = i
		case "task":
			ti = i
		}
	}
	if si < 0 || ti < 0 {
		return "", attrs, false
	}
	tag := "[s" + attrs[si].Value.String() + ":t" + attrs[ti].Value.String() + "]"
	rest := make([]slog.Attr, 0, len(attrs)-2)
	for i, a := range attrs {
		if i != si && i != ti {
			rest = append(rest, a)
		}
	}
	return tag, rest, true
}

func appendAttr(buf []byte, a slog.Attr) []byte {
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		buf = append(buf, a.Key...)
		buf = append(buf, "={"...)
		for i, ga := range v.Group() {
			if i > 0 {
				buf = append(buf, ' ')
			}
			buf = appendAttr(buf, ga)
		}
		return append(buf, '}')
	}

	buf = append(buf, a.Key...)
	buf = append(buf, '=')
	switch v.Kind() {
	case slog.KindUint64:
		if hexKey(a.Key) {
			buf = append(buf, "0x"...)
			return strconv.AppendUint(buf, v.Uint64(), 16)
		}
		return strconv.AppendUint(buf, v.Uint64(), 10)
	case slog.KindInt64:
		return strconv.AppendInt(buf, v.Int64(), 10)
	case slog.KindBool:
		return strconv.AppendBool(buf, v.Bool())
	case slog.KindDuration:
		return append(buf, v.Duration().String()...)
	case slog.KindTime:
		return v.Time().AppendFormat(buf, time.RFC3339Nano)
	case slog.KindString:
		return appendText(buf, v.String())
	}
	return appendText(buf, fmt.Sprint(v.Any()))
}

func appendText(buf []byte, s string) []byte {
	if needsQuoting(s) {
		return strconv.AppendQuote(buf, s)
	}
	return append(buf, s...)
}

func hexKey(key string) bool {
	key = strings.ToLower(key)
	for _, suf := range []string{"addr", "code", "status", "sqe"} {
		if strings.HasSuffix(key, suf) {
			return true
		}
	}
	return false
}

func needsQuoting(s string) bool {
	return strings.ContainsAny(s, " \t\n\"=")
}
