package tcp

import (
	"github.com/soypat/ipstack/internal"
)

// sendQueue holds octets queued for transmission until acknowledged. The
// ring's read side is snd.una: acknowledged data is discarded, never read.
// sent marks how many buffered octets have been transmitted at least once,
// so [sendQueue.unsentBytes] is what snd.nxt has not yet covered. pshIndex
// is the offset one past the last octet that should be sent with PSH.
type sendQueue struct {
	ring     internal.Ring
	sent     int
	pshIndex int
}

func (sq *sendQueue) setBuffer(buf []byte) {
	sq.ring = internal.Ring{Buf: buf}
	sq.sent = 0
	sq.pshIndex = 0
}

func (sq *sendQueue) buffered() int { return sq.ring.Buffered() }
func (sq *sendQueue) free() int     { return sq.ring.Free() }

func (sq *sendQueue) unsentBytes() int { return sq.ring.Buffered() - sq.sent }

// extend queues data for transmission. Short writes do not happen; callers
// check [sendQueue.free] first.
func (sq *sendQueue) extend(data []byte) (int, error) {
	return sq.ring.Write(data)
}

// readAt copies len(p) octets starting at off octets past snd.una without
// consuming them. Used both for first transmission and retransmission.
func (sq *sendQueue) readAt(p []byte, off int) (int, error) {
	return sq.ring.ReadAt(p, int64(off))
}

// advanceSent records n more octets as transmitted.
func (sq *sendQueue) advanceSent(n int) {
	sq.sent += n
}

// ack discards n acknowledged octets from the front of the queue.
func (sq *sendQueue) ack(n int) {
	if n <= 0 {
		return
	}
	sq.ring.ReadDiscard(n)
	sq.sent -= n
	if sq.sent < 0 {
		sq.sent = 0
	}
	sq.pshIndex -= n
	if sq.pshIndex < 0 {
		sq.pshIndex = 0
	}
}

// push requests PSH on the segment carrying the last currently queued octet.
func (sq *sendQueue) push() {
	sq.pshIndex = sq.ring.Buffered()
}

// shouldPush reports whether a segment spanning queue offsets [off, off+n)
// must carry the PSH flag.
func (sq *sendQueue) shouldPush(off, n int) bool {
	return off < sq.pshIndex && sq.pshIndex <= off+n
}

// requeue returns all transmitted-but-unacknowledged data to unsent state
// for retransmission after an RTO.
func (sq *sendQueue) requeue() {
	sq.sent = 0
}
