package tcp

import (
	"log/slog"
)

// Stateless RST responses. Replies to stray segments are queued on a small
// fixed buffer and drained after input processing finishes, so reset
// generation never interleaves with the segment that provoked it and never
// reuses the input scratch state mid-parse. A full queue drops resets; the
// peer retries and provokes another.

type rstQueue struct {
	buf [4]rstEntry
	len uint8
}

type rstEntry struct {
	tup   tuple
	seq   Value
	ack   Value
	flags Flags
}

func (q *rstQueue) push(tup tuple, seq, ack Value, flags Flags) {
	if q.len < uint8(len(q.buf)) {
		q.buf[q.len] = rstEntry{tup: tup, seq: seq, ack: ack, flags: flags}
		q.len++
	}
}

// sendRst queues a bare RST for a segment that carried an ACK; the reset
// claims the sequence number the peer acknowledged.
func (t *Proto) sendRst(tup tuple, seq Value) {
	t.rstq.push(tup, seq, 0, FlagRST)
}

// sendRstAck queues an RST+ACK acknowledging the provoking segment, used
// when the stray segment carried no ACK of its own.
func (t *Proto) sendRstAck(tup tuple, seq, ack Value) {
	t.rstq.push(tup, seq, ack, FlagRST|FlagACK)
}

// drainRsts transmits every queued reset. Transmission failures drop the
// reset rather than rescheduling it.
func (t *Proto) drainRsts() {
	for t.rstq.len > 0 {
		t.rstq.len--
		e := t.rstq.buf[t.rstq.len]
		seg := Segment{SEQ: e.seq, ACK: e.ack, Flags: e.flags}
		err := t.transmit(e.tup, t.sndScratch[:sizeHeaderTCP], sizeHeaderTCP, seg, t.pseudoCRC(e.tup))
		if err != nil {
			t.debug("tcp:rst-drop", slog.String("err", err.Error()))
		}
	}
}
