package tcp

import (
	"github.com/soypat/ipstack"
)

// tuple is the connection identity. lport is always the local port even for
// connections initiated remotely.
type tuple struct {
	laddr, raddr [4]byte
	lport, rport uint16
}

// pcb is a protocol control block, the per-connection protocol state. PCBs
// live in the fixed pool owned by [Proto] and are never heap allocated after
// construction; user handles reference them through [Conn].
type pcb struct {
	proto *Proto
	// conn is the owning user handle, nil while unreferenced or abandoned.
	conn *Conn
	// lis is the accepting listener while in SYN-RCVD and through the
	// establishment callback.
	lis    *Listener
	mtuRef ipstack.MtuRef
	// snd survives abandonment so queued data and the FIN drain even after
	// the user handle detaches.
	snd *sendQueue

	// Intrusive membership in the proto's unreferenced list.
	unrefPrev, unrefNext *pcb

	tup   tuple
	state State
	flags pcbFlags
	tim   timerBundle

	// Send sequence variables.
	sndUna  Value
	sndNxt  Value
	sndWnd  Size
	recover Value

	// Receive sequence variables. rcvAnnWnd is the window already promised
	// to the peer beyond rcvNxt, in bytes before scaling.
	rcvNxt    Value
	rcvAnnWnd Size

	// Congestion control.
	cwnd      Size
	ssthresh  Size
	cwndAcked Size

	// RTT estimation, all in platform ticks.
	srtt    uint32
	rttvar  uint32
	rto     uint32
	rttSeq  Value
	rttTime ipstack.Time

	// baseSndMSS is the ceiling negotiated on the handshake; sndMSS is the
	// effective value tracking path MTU.
	baseSndMSS uint16
	sndMSS     uint16

	sndWndShift uint8
	rcvWndShift uint8
	numDupAcks  uint8
	numRtx      uint8
}

func (p *pcb) isSet(mask pcbFlags) bool { return p.flags.isSet(mask) }
func (p *pcb) setFlag(mask pcbFlags)    { p.flags |= mask }
func (p *pcb) clearFlag(mask pcbFlags)  { p.flags &^= mask }

// sndOutstanding is the amount of sequence space between snd.una and
// snd.nxt, data plus a sent FIN.
func (p *pcb) sndOutstanding() Size { return Sizeof(p.sndUna, p.sndNxt) }

// isUnreferenced reports whether no user object keeps this PCB alive: in
// SYN-RCVD the accepting listener is not a reference unless the PCB is the
// one currently being handed to the user.
func (p *pcb) isUnreferenced() bool {
	if p.state == StateSynRcvd {
		return p.lis == nil || p.lis.accepting != p
	}
	return p.conn == nil
}

// initialCwnd computes the initial congestion window per RFC 5681.
func initialCwnd(mss uint16) Size {
	m := Size(mss)
	if m > 2190 {
		return 2 * m
	} else if m > 1095 {
		return 3 * m
	}
	return 4 * m
}

// effSndMSS bounds mss to [MinAllowedMss, baseSndMSS].
func (p *pcb) effSndMSS(mss uint16) uint16 {
	if mss > p.baseSndMSS {
		mss = p.baseSndMSS
	}
	if mss < minAllowedMSS {
		mss = minAllowedMSS
	}
	return mss
}

// startRtxTimer arms the retransmission timer for one RTO from now.
func (p *pcb) startRtxTimer(now ipstack.Time) {
	p.setFlag(pcbRtxActive)
	p.clearFlag(pcbIdleTimer)
	p.tim.set(timerRtx, now+ipstack.Time(p.rto))
}

// startIdleTimer repurposes the rtx timer slot to detect send idleness.
func (p *pcb) startIdleTimer(now ipstack.Time) {
	p.clearFlag(pcbRtxActive)
	p.setFlag(pcbIdleTimer)
	p.tim.set(timerRtx, now+ipstack.Time(p.rto))
}

func (p *pcb) stopRtxTimer() {
	p.clearFlag(pcbRtxActive | pcbIdleTimer)
	p.tim.unset(timerRtx)
}

// enterTimeWait moves an established-side PCB into TIME-WAIT: all transfer
// machinery stops, only the 2MSL abort timer remains.
func (t *Proto) enterTimeWait(p *pcb) {
	now := t.plat.Now()
	p.tim.unset(timerOutput)
	p.stopRtxTimer()
	// AckPending survives so the ACK of the peer's FIN still goes out.
	p.flags &^= pcbOutPending | pcbOutRetry
	p.tim.set(timerAbrt, now+timeWaitTimeout)
	t.indexRemove(p)
	p.state = StateTimeWait
	t.timeWait[p.tup] = p
}

// abort terminates the connection immediately. An RST is sent to the peer
// except in states where the peer holds no synchronized state worth
// resetting. The owning connection, if any, receives exactly one Aborted
// callback and is detached.
func (t *Proto) abort(p *pcb) {
	sendRst := p.state != StateSynSent && p.state != StateSynRcvd && p.state != StateTimeWait
	t.abortEx(p, sendRst)
}

func (t *Proto) abortEx(p *pcb, sendRst bool) {
	if sendRst && p.state.IsSynchronized() {
		t.sendRstAck(p.tup, p.sndNxt, p.rcvNxt)
		t.drainRsts()
	}
	t.disposePCB(p, true)
}

// disposePCB unlinks the PCB from every index and user object and returns it
// to the unreferenced list as the preferred reuse candidate. aborted selects
// whether the owning connection learns of the teardown via its Aborted
// callback.
func (t *Proto) disposePCB(p *pcb, aborted bool) {
	if p == t.curProcPCB {
		t.curProcPCB = nil
	}
	switch p.state {
	case StateClosed:
	case StateTimeWait:
		delete(t.timeWait, p.tup)
	default:
		t.indexRemove(p)
	}
	if p.lis != nil {
		p.lis.pcbGone(p)
		p.lis = nil
	}
	con := p.conn
	p.conn = nil
	if p.mtuRef != nil {
		p.mtuRef.Close()
		p.mtuRef = nil
	}
	p.tim.unsetAll()
	p.state = StateClosed
	p.flags = 0
	t.unrefRemove(p)
	t.unrefPushBack(p)
	if con != nil {
		con.pcb = nil
		if aborted {
			t.notifyAborted(con)
		}
	}
}

// abandon detaches the user connection while letting the PCB drain: any
// queued data plus a FIN keeps flowing, the announced window is enlarged so
// the peer can finish quickly, and a 30 second timer bounds the lingering.
func (t *Proto) abandon(p *pcb) {
	p.conn = nil
	switch {
	case p.state == StateSynSent || p.state == StateSynRcvd:
		t.abortEx(p, false)
		return
	case p.state == StateTimeWait || p.state == StateClosed:
		return
	}
	if p.state.isSndOpen() {
		t.shutdownSend(p)
	}
	if p.rcvAnnWnd < MaxWindow-minAbandonRcvWndIncr {
		p.rcvAnnWnd += minAbandonRcvWndIncr
		p.setFlag(pcbRcvWndUpd | pcbAckPending)
		t.scheduleOutput(p)
	}
	p.tim.set(timerAbrt, t.plat.Now()+abandonTimeout)
	p.tim.doDelayedUpdate()
	t.unrefRemove(p)
	t.unrefPushFront(p)
}

// shutdownSend counts a FIN into the send direction: it will be transmitted
// once queued data runs out.
func (t *Proto) shutdownSend(p *pcb) {
	p.setFlag(pcbFinPending)
	switch p.state {
	case StateEstablished, StateSynRcvd:
		p.state = StateFinWait1
	case StateCloseWait:
		p.state = StateLastAck
	case StateSynSent:
		// FIN rides along once the handshake completes.
	}
	t.scheduleOutput(p)
}
