package internal

import (
	"log/slog"
	"runtime"
	"sync"
)

// LevelTrace logs per-segment events, below slog.LevelDebug.
const LevelTrace slog.Level = slog.LevelDebug - 2

var allocState struct {
	sync.Mutex
	memstats runtime.MemStats
	allocs   uint64
	mallocs  uint64
}

// LogAllocs prints heap growth since its previous call, prefixed with msg.
// Silent when no allocation happened. Uses the runtime's print to avoid
// allocating on the logging path itself.
func LogAllocs(msg string) {
	s := &allocState
	s.Lock()
	defer s.Unlock()
	runtime.ReadMemStats(&s.memstats)
	if s.memstats.TotalAlloc == s.allocs {
		return
	}
	print("[ALLOC] ", msg)
	print(" inc=", int64(s.memstats.TotalAlloc)-int64(s.allocs))
	print(" n=", int64(s.memstats.Mallocs)-int64(s.mallocs))
	print(" heap=", s.memstats.HeapAlloc)
	print(" free=", s.memstats.HeapSys-s.memstats.HeapInuse)
	print(" tot=", s.memstats.TotalAlloc)
	println()
	s.allocs = s.memstats.TotalAlloc
	s.mallocs = s.memstats.Mallocs
}
