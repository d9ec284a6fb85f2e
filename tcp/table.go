package tcp

// PCB pool bookkeeping. PCBs come from the fixed array allocated at
// construction; two maps index them by 4-tuple (active states and TIME-WAIT
// separately) and a doubly-linked intrusive list tracks the ones no user
// object references, ordered so the tail is the preferred reuse candidate.

func (t *Proto) indexInsert(p *pcb) { t.active[p.tup] = p }

func (t *Proto) indexRemove(p *pcb) { delete(t.active, p.tup) }

// findPCB locates the PCB owning the 4-tuple, probing active connections
// first and TIME-WAIT second.
func (t *Proto) findPCB(tup tuple) *pcb {
	if p, ok := t.active[tup]; ok {
		return p
	}
	return t.timeWait[tup]
}

// tupleInUse reports whether any PCB in any state owns the 4-tuple.
func (t *Proto) tupleInUse(tup tuple) bool {
	_, active := t.active[tup]
	if active {
		return true
	}
	_, tw := t.timeWait[tup]
	return tw
}

// findListener locates a listener for the local endpoint. An exact local
// address match wins over a wildcard (all-zero address) listener.
func (t *Proto) findListener(laddr [4]byte, lport uint16) *Listener {
	var wildcard *Listener
	for _, l := range t.listeners {
		if l.port != lport {
			continue
		}
		if l.addr == laddr {
			return l
		}
		if l.addr == ([4]byte{}) && wildcard == nil {
			wildcard = l
		}
	}
	return wildcard
}

//
// Unreferenced list. Front holds still-live PCBs (TIME-WAIT, abandoned,
// SYN-RCVD) so they are evicted last; closed PCBs go to the back and are
// reused first.
//

func (t *Proto) unrefPushFront(p *pcb) {
	p.unrefPrev = nil
	p.unrefNext = t.unrefHead
	if t.unrefHead != nil {
		t.unrefHead.unrefPrev = p
	}
	t.unrefHead = p
	if t.unrefTail == nil {
		t.unrefTail = p
	}
}

func (t *Proto) unrefPushBack(p *pcb) {
	p.unrefNext = nil
	p.unrefPrev = t.unrefTail
	if t.unrefTail != nil {
		t.unrefTail.unrefNext = p
	}
	t.unrefTail = p
	if t.unrefHead == nil {
		t.unrefHead = p
	}
}

// onUnrefList uses the intrusive links themselves as the membership test.
func (t *Proto) onUnrefList(p *pcb) bool {
	return p.unrefPrev != nil || p.unrefNext != nil || t.unrefHead == p
}

func (t *Proto) unrefRemove(p *pcb) {
	if !t.onUnrefList(p) {
		return
	}
	if p.unrefPrev != nil {
		p.unrefPrev.unrefNext = p.unrefNext
	} else {
		t.unrefHead = p.unrefNext
	}
	if p.unrefNext != nil {
		p.unrefNext.unrefPrev = p.unrefPrev
	} else {
		t.unrefTail = p.unrefPrev
	}
	p.unrefPrev, p.unrefNext = nil, nil
}

// allocatePCB hands out the oldest unreferenced PCB, aborting it first when
// it is still mid-lifecycle. Fails only when every PCB is referenced by a
// live connection.
func (t *Proto) allocatePCB() (*pcb, error) {
	p := t.unrefTail
	if p == nil {
		return nil, errNoPCBAvail
	}
	if p.state != StateClosed {
		t.abort(p)
		p = t.unrefTail
		if p == nil || p.state != StateClosed {
			return nil, errNoPCBAvail
		}
	}
	t.unrefRemove(p)
	p.flags = 0
	p.conn = nil
	p.lis = nil
	p.snd = nil
	p.sndUna, p.sndNxt, p.rcvNxt = 0, 0, 0
	p.sndWnd, p.rcvAnnWnd = 0, 0
	p.cwnd, p.ssthresh, p.cwndAcked = 0, 0, 0
	p.recover = 0
	p.srtt, p.rttvar = 0, 0
	p.rto = initialRtxTime
	p.sndWndShift, p.rcvWndShift = 0, 0
	p.numDupAcks, p.numRtx = 0, 0
	return p, nil
}

// allocEphemeralPort finds a local port such that (laddr, raddr, port,
// rport) collides with no existing PCB, scanning the configured range
// round-robin from where the previous allocation stopped.
func (t *Proto) allocEphemeralPort(laddr, raddr [4]byte, rport uint16) (uint16, error) {
	first, last := t.cfg.EphemeralPortFirst, t.cfg.EphemeralPortLast
	span := int(last) - int(first) + 1
	for i := 0; i < span; i++ {
		port := t.nextEphemeral
		if t.nextEphemeral == last {
			t.nextEphemeral = first
		} else {
			t.nextEphemeral++
		}
		tup := tuple{laddr: laddr, raddr: raddr, lport: port, rport: rport}
		if !t.tupleInUse(tup) {
			return port, nil
		}
	}
	return 0, errNoPortAvail
}
