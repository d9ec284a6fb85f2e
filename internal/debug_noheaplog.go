//go:build !debugheaplog

package internal

import (
	"context"
	"log/slog"
)

// HeapAllocDebugging selects the non-allocating logger that reports heap
// growth alongside every log line. Enabled with the debugheaplog build tag.
const HeapAllocDebugging = false

// LogAttrs forwards to l, tolerating a nil logger. Package loggers call it
// so the debugheaplog build tag can swap in the allocation-reporting
// variant.
func LogAttrs(l *slog.Logger, level slog.Level, msg string, attrs ...slog.Attr) {
	if l == nil {
		return
	}
	l.LogAttrs(context.Background(), level, msg, attrs...)
}
