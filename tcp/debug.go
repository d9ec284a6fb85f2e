package tcp

import (
	"context"
	"log/slog"

	"github.com/soypat/ipstack/internal"
)

func (t *Proto) logenabled(lvl slog.Level) bool {
	return internal.HeapAllocDebugging || (t.log != nil && t.log.Handler().Enabled(context.Background(), lvl))
}

func (t *Proto) logattrs(lvl slog.Level, msg string, attrs ...slog.Attr) {
	internal.LogAttrs(t.log, lvl, msg, attrs...)
}

func (t *Proto) debug(msg string, attrs ...slog.Attr) {
	t.logattrs(slog.LevelDebug, msg, attrs...)
}

func (t *Proto) trace(msg string, attrs ...slog.Attr) {
	t.logattrs(internal.LevelTrace, msg, attrs...)
}

func (t *Proto) logerr(msg string, attrs ...slog.Attr) {
	t.logattrs(slog.LevelError, msg, attrs...)
}

func (t *Proto) tracePCB(msg string, p *pcb) {
	if t.logenabled(internal.LevelTrace) {
		t.trace(msg,
			slog.String("state", p.state.String()),
			slog.Uint64("snd.nxt", uint64(p.sndNxt)),
			slog.Uint64("snd.una", uint64(p.sndUna)),
			slog.Uint64("snd.wnd", uint64(p.sndWnd)),
			slog.Uint64("rcv.nxt", uint64(p.rcvNxt)),
		)
	}
}
