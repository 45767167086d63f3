package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"
)

// TextHandler writes log lines for interactive CLI use where each line carries
// a scope to allow filtering by a specific concern (reconcile run, connect
// client, fake server).
type TextHandler struct {
	scope string
	mu    *sync.Mutex // Serialize writes to attrs
	attrs []slog.Attr
}

func NewTextHandler() *TextHandler {
	return &TextHandler{
		mu:    &sync.Mutex{},
		scope: "main",
	}
}

func (h *TextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= globalLevel.Level()
}

func (h *TextHandler) Handle(ctx context.Context, r slog.Record) error {
	buf := make([]byte, 0, 1024)
	buf = fmt.Appendf(buf, "%s ", time.Now().Format("2006/01/02 15:04:05"))
	buf = fmt.Appendf(buf, "%s ", r.Level.String())
	buf = fmt.Appendf(buf, "[%s] ", h.scope)
	buf = fmt.Appendf(buf, "%s", r.Message)

	for _, a := range h.attrs {
		buf = fmt.Appendf(buf, " %s=", a.Key)
		buf = appendValue(buf, a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		buf = fmt.Appendf(buf, " %s=", a.Key)
		buf = appendValue(buf, a.Value)
		return true
	})

	fmt.Fprintln(os.Stderr, string(buf))
	return nil
}

func (h *TextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	h.mu.Lock()
	defer h.mu.Unlock()

	// A "scope" attr becomes the bracketed line prefix rather than a
	// key=value pair.
	nextHandler := h.clone()
	for i, a := range attrs {
		if a.Key == "scope" {
			nextHandler.scope = a.Value.String()
			attrs = slices.Delete(attrs, i, i+1)
			break
		}
	}

	nextHandler.attrs = append(nextHandler.attrs, attrs...)
	return nextHandler
}

func (h *TextHandler) WithGroup(name string) slog.Handler {
	panic("groups not supported")
}

func (h *TextHandler) clone() *TextHandler {
	return &TextHandler{
		mu:    h.mu,
		scope: h.scope,
		attrs: slices.Clone(h.attrs),
	}
}

// Append a value to the buffer wrapping in quotes if needed.
func appendValue(buf []byte, value slog.Value) []byte {
	s := value.String()
	if needsQuoting(s) {
		buf = fmt.Appendf(buf, "%q", s)
	} else {
		buf = fmt.Appendf(buf, "%s", s)
	}
	return buf
}

func needsQuoting(s string) bool {
	if len(s) == 0 {
		return true
	}
	for i := 0; i < len(s); {
		b := s[i]
		if b < utf8.RuneSelf {
			if b == ' ' || b == '=' || b == '"' {
				return true
			}
			i++
			continue
		}
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError || unicode.IsSpace(r) || !unicode.IsPrint(r) {
			return true
		}
		i += size
	}
	return false
}
