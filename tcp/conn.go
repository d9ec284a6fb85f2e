package tcp

import (
	"github.com/soypat/ipstack"
)

// User-facing connection handle. A Conn owns the buffering (send queue,
// receive buffer, out-of-sequence metadata) while the PCB it references owns
// protocol state; the two detach independently so a closed handle can be
// rebound while its old PCB drains.

// ConnHandler receives connection events. All callbacks run synchronously
// from within stack processing; the handler may call back into the
// connection, including Close or Abort.
type ConnHandler interface {
	// Established fires when the three-way handshake completes.
	Established(c *Conn)
	// Aborted fires exactly once when the connection dies without the
	// user's doing: RST from the peer, timeout, resource reclamation.
	Aborted(c *Conn)
	// DataReceived reports n new bytes readable in the receive buffer.
	// n==0 means the peer sent FIN and no more data will arrive.
	DataReceived(c *Conn, n int)
	// DataSent reports n bytes acknowledged by the peer and freed from
	// the send queue. n==0 means our FIN was acknowledged.
	DataSent(c *Conn, n int)
}

// Conn is the user handle for one TCP connection.
type Conn struct {
	proto   *Proto
	pcb     *pcb
	handler ConnHandler

	snd sendQueue
	oos oosBuffer

	// rcvBuf[:rcvWritten] holds delivered in-sequence data; the tail is
	// where new data lands and what bounds the announced window.
	rcvBuf     []byte
	rcvWritten int
}

// State returns the connection state, StateClosed when unbound.
func (c *Conn) State() State {
	if c.pcb == nil {
		return StateClosed
	}
	return c.pcb.state
}

// LocalPort returns the bound local port, zero when unbound.
func (c *Conn) LocalPort() uint16 {
	if c.pcb == nil {
		return 0
	}
	return c.pcb.tup.lport
}

// RemoteAddr returns the peer address and port, zeros when unbound.
func (c *Conn) RemoteAddr() (addr [4]byte, port uint16) {
	if c.pcb == nil {
		return addr, 0
	}
	return c.pcb.tup.raddr, c.pcb.tup.rport
}

func (c *Conn) recvFree() int { return len(c.rcvBuf) - c.rcvWritten }

// recvWrite copies data into the receive buffer at off bytes past the
// delivered region, truncating at the buffer end. Returns bytes stored.
func (c *Conn) recvWrite(off int, data []byte) int {
	start := c.rcvWritten + off
	if start >= len(c.rcvBuf) {
		return 0
	}
	return copy(c.rcvBuf[start:], data)
}

// SetRecvBuf installs buf as the receive buffer. Any previously delivered
// but unread data is discarded; the call is refused while out-of-sequence
// data is buffered since its position is relative to the old buffer. Legal
// on an unbound handle so the buffer can be in place before [Proto.Connect]
// announces the SYN window.
func (c *Conn) SetRecvBuf(buf []byte) error {
	if !c.oos.isEmpty() {
		return errConnectionClosing
	}
	c.rcvBuf = buf
	c.rcvWritten = 0
	if c.pcb == nil {
		return nil
	}
	c.pcb.setFlag(pcbRcvWndUpd | pcbAckPending)
	c.proto.scheduleOutput(c.pcb)
	c.pcb.tim.doDelayedUpdate()
	return nil
}

// GetRecvBuf returns the unused tail of the receive buffer.
func (c *Conn) GetRecvBuf() []byte { return c.rcvBuf[c.rcvWritten:] }

// ReceivedBytes returns the delivered, unconsumed prefix of the receive
// buffer. The caller consumes it by installing a fresh buffer via
// [Conn.SetRecvBuf].
func (c *Conn) ReceivedBytes() []byte { return c.rcvBuf[:c.rcvWritten] }

// SetSendBuf installs buf as send queue storage. Only legal before any
// data has been queued.
func (c *Conn) SetSendBuf(buf []byte) error {
	if c.snd.buffered() != 0 {
		return errConnectionClosing
	}
	c.snd.setBuffer(buf)
	return nil
}

// SendFree returns the free space in the send queue.
func (c *Conn) SendFree() int { return c.snd.free() }

// ExtendSendBuf queues data for transmission. Fails once the send
// direction has been shut down.
func (c *Conn) ExtendSendBuf(data []byte) error {
	p := c.pcb
	if p == nil {
		return errConnNotExist
	}
	if !p.state.isSndOpen() || p.isSet(pcbFinPending|pcbFinSent) {
		return errConnectionClosing
	}
	if len(data) == 0 {
		return nil
	}
	if c.snd.free() < len(data) {
		return errBufferFull
	}
	if _, err := c.snd.extend(data); err != nil {
		return err
	}
	c.proto.scheduleOutput(p)
	p.tim.doDelayedUpdate()
	return nil
}

// SendPush marks all currently queued data as pushed so short tail
// segments are not held back waiting for more data.
func (c *Conn) SendPush() error {
	p := c.pcb
	if p == nil {
		return errConnNotExist
	}
	c.snd.push()
	c.proto.scheduleOutput(p)
	p.tim.doDelayedUpdate()
	return nil
}

// ShutdownSend closes the send direction: a FIN follows the queued data.
func (c *Conn) ShutdownSend() error {
	p := c.pcb
	if p == nil {
		return errConnNotExist
	}
	if !p.state.isSndOpen() || p.isSet(pcbFinPending|pcbFinSent) {
		return errConnectionClosing
	}
	c.proto.shutdownSend(p)
	p.tim.doDelayedUpdate()
	return nil
}

// Close detaches the handle and lets the connection drain gracefully:
// queued data and a FIN are still delivered, incoming data is discarded,
// and the protocol state is reclaimed once the teardown completes or a
// timeout expires. The handle is immediately reusable.
func (c *Conn) Close() {
	p := c.pcb
	if p == nil {
		return
	}
	c.pcb = nil
	c.handler = nil
	c.proto.abandon(p)
}

// Abort terminates the connection immediately with an RST where the peer
// holds synchronized state. No further callbacks fire.
func (c *Conn) Abort() {
	p := c.pcb
	if p == nil {
		return
	}
	c.pcb = nil
	c.handler = nil
	p.conn = nil
	c.proto.abort(p)
}

// MoveConnection transfers the live connection into dst, which must be
// unbound. All buffering moves with it; c is left zeroed and reusable.
func (c *Conn) MoveConnection(dst *Conn) error {
	if dst.pcb != nil {
		return errConnectionExists
	}
	dst.proto = c.proto
	dst.pcb = c.pcb
	dst.handler = c.handler
	dst.snd = c.snd
	dst.oos = c.oos
	dst.rcvBuf = c.rcvBuf
	dst.rcvWritten = c.rcvWritten
	if dst.pcb != nil {
		dst.pcb.conn = dst
		dst.pcb.snd = &dst.snd
	}
	*c = Conn{}
	return nil
}

// SetHandler replaces the event handler.
func (c *Conn) SetHandler(h ConnHandler) { c.handler = h }

// MtuRef exposes the path MTU reference of the connection, nil when the
// IP layer provides no path MTU tracking.
func (c *Conn) MtuRef() ipstack.MtuRef {
	if c.pcb == nil {
		return nil
	}
	return c.pcb.mtuRef
}

//
// Event delivery. Callbacks may close or abort the connection, so the
// proto tracks the PCB being processed and every delivery checks it
// survived before touching it again.
//

func (t *Proto) deliver(p *pcb, fn func(h ConnHandler, c *Conn)) (alive bool) {
	c := p.conn
	if c == nil || c.handler == nil {
		return true
	}
	prev := t.curProcPCB
	t.curProcPCB = p
	fn(c.handler, c)
	alive = t.curProcPCB == p
	t.curProcPCB = prev
	return alive
}

func (t *Proto) deliverEstablished(p *pcb) bool {
	return t.deliver(p, func(h ConnHandler, c *Conn) { h.Established(c) })
}

func (t *Proto) deliverDataReceived(p *pcb, n int) bool {
	return t.deliver(p, func(h ConnHandler, c *Conn) { h.DataReceived(c, n) })
}

func (t *Proto) deliverDataSent(p *pcb, n int) bool {
	return t.deliver(p, func(h ConnHandler, c *Conn) { h.DataSent(c, n) })
}

// notifyAborted fires the one-shot Aborted callback on a detached handle.
func (t *Proto) notifyAborted(c *Conn) {
	h := c.handler
	c.handler = nil
	if h != nil {
		h.Aborted(c)
	}
}
