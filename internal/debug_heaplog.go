//go:build debugheaplog

package internal

import (
	"log/slog"
	"time"
	"unsafe"
)

// HeapAllocDebugging selects the non-allocating logger that reports heap
// growth alongside every log line. Enabled with the debugheaplog build tag.
const HeapAllocDebugging = true

const timeFormat = "[01-02 15:04:05.000]"

var timeBuf [2 * len(timeFormat)]byte

// LogAttrs prints the record through the runtime's print, bypassing slog
// handlers so the logging path itself stays off the heap. Attr kinds beyond
// string, int, uint and bool are omitted.
func LogAttrs(_ *slog.Logger, level slog.Level, msg string, attrs ...slog.Attr) {
	n := len(time.Now().AppendFormat(timeBuf[:0], timeFormat))
	LogAllocs(msg)
	print("time=", unsafe.String(&timeBuf[0], n), " ", levelName(level), " ", msg)
	for _, a := range attrs {
		switch a.Value.Kind() {
		case slog.KindString:
			print(" ", a.Key, "=", a.Value.String())
		case slog.KindInt64:
			print(" ", a.Key, "=", a.Value.Int64())
		case slog.KindUint64:
			print(" ", a.Key, "=", a.Value.Uint64())
		case slog.KindBool:
			print(" ", a.Key, "=", a.Value.Bool())
		}
	}
	println()
}

func levelName(level slog.Level) string {
	switch {
	case level == LevelTrace:
		return "TRACE"
	case level < slog.LevelDebug:
		return "SEQS"
	}
	return level.String()
}
