package tcp

import (
	"github.com/soypat/ipstack"
)

// Passive opens. A Listener owns no per-connection resources of its own;
// SYN-RCVD PCBs reference it and the accept handoff happens synchronously
// inside the establishment callback, so a connection either gets a user
// handle immediately or is reset. An AcceptQueue layers slot storage on
// top of a Listener for users that cannot accept synchronously.

// ListenerHandler receives listener events.
type ListenerHandler interface {
	// ConnectionEstablished fires when a handshake on this listener
	// completes. The implementation must call [Listener.AcceptConnection]
	// to claim the connection; returning without accepting resets it.
	ConnectionEstablished(l *Listener)
}

// ListenConfig parameterizes a passive open.
type ListenConfig struct {
	// Addr is the local address to listen on. The zero address accepts
	// connections to any local address.
	Addr [4]byte
	// Port is the local port, required.
	Port uint16
	// MaxPCBs bounds connections in SYN-RCVD plus established-unaccepted
	// attributed to this listener. Zero means no bound beyond the pool.
	MaxPCBs int
	// InitialRecvWnd is the receive window announced on the SYN-ACK,
	// before the accepted connection gets a real receive buffer.
	InitialRecvWnd Size
}

// Listener accepts incoming connections on a local endpoint.
type Listener struct {
	proto   *Proto
	handler ListenerHandler

	addr [4]byte
	port uint16

	maxPCBs    int
	numPCBs    int
	initRcvWnd Size

	// accepting is the PCB being offered through ConnectionEstablished,
	// non-nil only for the duration of that callback.
	accepting *pcb
}

// Listen starts accepting connections on the endpoint described by cfg.
// One listener may exist per (address, port) pair.
func (t *Proto) Listen(h ListenerHandler, cfg ListenConfig) (*Listener, error) {
	if cfg.Port == 0 {
		return nil, errZeroDstPort
	}
	for _, l := range t.listeners {
		if l.port == cfg.Port && l.addr == cfg.Addr {
			return nil, errConnectionExists
		}
	}
	wnd := cfg.InitialRecvWnd
	if wnd > MaxWindow {
		wnd = MaxWindow
	}
	l := &Listener{
		proto:      t,
		handler:    h,
		addr:       cfg.Addr,
		port:       cfg.Port,
		maxPCBs:    cfg.MaxPCBs,
		initRcvWnd: wnd,
	}
	t.listeners = append(t.listeners, l)
	return l, nil
}

// LocalPort returns the listening port.
func (l *Listener) LocalPort() uint16 { return l.port }

// Close stops the listener. Connections already handed to the user are
// unaffected; PCBs still in the handshake are aborted.
func (l *Listener) Close() {
	t := l.proto
	for i, el := range t.listeners {
		if el == l {
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			break
		}
	}
	for _, p := range t.active {
		if p.lis == l {
			t.abortEx(p, false)
		}
	}
	l.port = 0
}

// AcceptConnection binds the connection whose handshake just completed to
// c. Only valid while a ConnectionEstablished callback for this listener
// is executing, and c must be unbound.
func (l *Listener) AcceptConnection(c *Conn, h ConnHandler) error {
	p := l.accepting
	if p == nil {
		return errConnNotExist
	}
	if c.pcb != nil {
		return errConnectionExists
	}
	l.proto.bindConn(c, p, h)
	l.accepting = nil
	return nil
}

func (l *Listener) initialRcvWnd() Size { return l.initRcvWnd }

// canAttach reports whether the listener accepts another handshake.
func (l *Listener) canAttach() bool {
	return l.maxPCBs == 0 || l.numPCBs < l.maxPCBs
}

// established offers the just-established PCB to the user. Reports whether
// the PCB was accepted; the caller resets it otherwise.
func (l *Listener) established(t *Proto, p *pcb) bool {
	l.accepting = p
	prev := t.curProcPCB
	t.curProcPCB = p
	l.handler.ConnectionEstablished(l)
	alive := t.curProcPCB == p
	t.curProcPCB = prev
	if !alive {
		return false
	}
	l.accepting = nil
	if p.conn == nil {
		t.abortEx(p, true)
		return false
	}
	p.lis = nil
	l.numPCBs--
	return true
}

// pcbGone drops the listener's claim on a dying PCB.
func (l *Listener) pcbGone(p *pcb) {
	if l.accepting == p {
		l.accepting = nil
	}
	l.numPCBs--
}

//
// Pre-accept queue. Established connections park in fixed slots, each with
// its own small receive buffer, until the peer sends data; only then is the
// connection offered to the user, from a timer callback rather than from
// inside stack processing. Slots that never become ready age out.
//

// AcceptQueueHandler receives dispatch events from an [AcceptQueue].
type AcceptQueueHandler interface {
	// ConnectionReady fires when a queued connection with received data is
	// offered to the user. The implementation should call
	// [AcceptQueue.AcceptConnection] to claim it; returning without
	// accepting halts dispatch until [AcceptQueue.ScheduleDequeue].
	ConnectionReady(q *AcceptQueue)
}

// AcceptQueueConfig parameterizes the queue of [Proto.ListenQueue].
type AcceptQueueConfig struct {
	// Slots is the number of connections that may sit established but
	// unaccepted, required.
	Slots int
	// SlotBufSize is the receive buffer size of each slot. It is also the
	// window announced on SYN-ACKs, overriding ListenConfig.InitialRecvWnd.
	SlotBufSize int
	// Timeout is how long a connection may occupy a slot without sending
	// data before it is reset, in platform ticks. Zero selects a default.
	Timeout ipstack.Time
}

// acceptSlot parks one established connection. The slot is free when its
// conn is unbound; ready and time are only meaningful while bound.
type acceptSlot struct {
	queue *AcceptQueue
	conn  Conn
	buf   []byte
	time  ipstack.Time
	ready bool
}

// AcceptQueue accepts connections into slots and hands them to the user
// once the peer has sent data, oldest first.
type AcceptQueue struct {
	proto   *Proto
	lis     *Listener
	handler AcceptQueueHandler

	slots   []acceptSlot
	timeout ipstack.Time

	// dequeueTim defers dispatch out of stack processing; timeoutTim is
	// kept armed for the oldest slot still waiting on data.
	dequeueTim ipstack.PlatformTimer
	timeoutTim ipstack.PlatformTimer

	// toAccept is the slot being offered through ConnectionReady, non-nil
	// only for the duration of that callback.
	toAccept *acceptSlot
}

// ListenQueue starts accepting connections on the endpoint described by
// cfg, parking each established connection in a queue slot until it is
// ready to be handed to h.
func (t *Proto) ListenQueue(h AcceptQueueHandler, cfg ListenConfig, qcfg AcceptQueueConfig) (*AcceptQueue, error) {
	if qcfg.Slots <= 0 || qcfg.SlotBufSize <= 0 {
		return nil, errBadQueueConfig
	}
	if qcfg.Timeout == 0 {
		qcfg.Timeout = defaultAcceptTimeout
	}
	q := &AcceptQueue{
		proto:   t,
		handler: h,
		timeout: qcfg.Timeout,
		slots:   make([]acceptSlot, qcfg.Slots),
	}
	for i := range q.slots {
		q.slots[i].queue = q
		q.slots[i].buf = make([]byte, qcfg.SlotBufSize)
	}
	// Announce the slot buffer as the handshake window; the slot buffer
	// is the receive buffer until the user installs their own.
	cfg.InitialRecvWnd = Size(qcfg.SlotBufSize)
	l, err := t.Listen(q, cfg)
	if err != nil {
		return nil, err
	}
	q.lis = l
	q.dequeueTim = t.plat.NewTimer(q.dispatch)
	q.timeoutTim = t.plat.NewTimer(q.timeoutExpired)
	return q, nil
}

// LocalPort returns the listening port.
func (q *AcceptQueue) LocalPort() uint16 { return q.lis.LocalPort() }

// Close stops the listener and aborts every queued connection. Connections
// already handed to the user are unaffected.
func (q *AcceptQueue) Close() {
	for i := range q.slots {
		q.slots[i].conn.Abort()
	}
	q.dequeueTim.Unset()
	q.timeoutTim.Unset()
	q.lis.Close()
}

// AcceptConnection claims the connection being offered through
// ConnectionReady, binding it to dst. Only valid while a ConnectionReady
// callback for this queue is executing, and dst must be unbound.
//
// initial is the data already delivered while the connection sat queued,
// stored in the slot's buffer. The caller must consume it, and copy out any
// bytes still reachable through [Conn.GetRecvBuf] since out-of-sequence
// data may sit past the delivered prefix, before installing its own buffer
// with [Conn.SetRecvBuf]. A FIN consumed while queued produces no later
// DataReceived callback.
func (q *AcceptQueue) AcceptConnection(dst *Conn, h ConnHandler) (initial []byte, err error) {
	s := q.toAccept
	if s == nil {
		return nil, errConnNotExist
	}
	if dst.pcb != nil {
		return nil, errConnectionExists
	}
	initial = s.conn.ReceivedBytes()
	if err := s.conn.MoveConnection(dst); err != nil {
		return nil, err
	}
	dst.handler = h
	q.toAccept = nil
	return initial, nil
}

// ScheduleDequeue arranges for ready connections to be offered again,
// typically once the user has a handle free after declining an offer. The
// offer comes from a timer callback, never synchronously from here.
func (q *AcceptQueue) ScheduleDequeue() {
	q.dequeueTim.SetAt(q.proto.plat.Now())
}

// ConnectionEstablished parks the just-established connection in the first
// free slot. With no slot free the connection goes unaccepted and the
// listener resets it.
func (q *AcceptQueue) ConnectionEstablished(l *Listener) {
	for i := range q.slots {
		s := &q.slots[i]
		if s.conn.pcb == nil {
			s.bind(l)
			return
		}
	}
}

// dispatch offers ready slots to the user, oldest first, until none remain
// or an offer goes unclaimed.
func (q *AcceptQueue) dispatch() {
	for {
		s := q.oldest(true)
		if s == nil {
			return
		}
		q.toAccept = s
		q.handler.ConnectionReady(q)
		q.toAccept = nil
		if s.conn.pcb != nil {
			return
		}
	}
}

// updateTimeout re-arms the age timer for the oldest slot still waiting on
// data. Called whenever the set of non-ready slots changes.
func (q *AcceptQueue) updateTimeout() {
	s := q.oldest(false)
	if s == nil {
		q.timeoutTim.Unset()
		return
	}
	q.timeoutTim.SetAt(s.time + q.timeout)
}

// timeoutExpired reclaims the oldest connection that sat in a slot for the
// full timeout without the peer sending anything.
func (q *AcceptQueue) timeoutExpired() {
	if s := q.oldest(false); s != nil {
		s.reset()
	}
}

// oldest returns the earliest-bound slot with the given readiness, nil
// when there is none.
func (q *AcceptQueue) oldest(ready bool) *acceptSlot {
	var best *acceptSlot
	for i := range q.slots {
		s := &q.slots[i]
		if s.conn.pcb == nil || s.ready != ready {
			continue
		}
		if best == nil || s.time.LessThan(best.time) {
			best = s
		}
	}
	return best
}

// bind claims the connection offered by the listener into the slot.
func (s *acceptSlot) bind(l *Listener) {
	q := s.queue
	if l.AcceptConnection(&s.conn, s) != nil {
		return
	}
	// A fresh bind has no out-of-sequence data, so this cannot fail.
	s.conn.SetRecvBuf(s.buf)
	s.time = q.proto.plat.Now()
	s.ready = false
	q.updateTimeout()
}

// reset aborts the queued connection and frees the slot.
func (s *acceptSlot) reset() {
	s.conn.Abort()
	s.release()
}

// release accounts for the slot's connection having detached.
func (s *acceptSlot) release() {
	if !s.ready {
		s.queue.updateTimeout()
	}
}

// The slot is the handler of its parked connection.

func (s *acceptSlot) Established(c *Conn) {}

func (s *acceptSlot) Aborted(c *Conn) { s.release() }

func (s *acceptSlot) DataReceived(c *Conn, n int) {
	if n == 0 && c.rcvWritten == 0 {
		// FIN with no data: nothing worth handing over.
		s.reset()
		return
	}
	if !s.ready {
		s.ready = true
		s.queue.updateTimeout()
		s.queue.dispatch()
	}
}

func (s *acceptSlot) DataSent(c *Conn, n int) {}
