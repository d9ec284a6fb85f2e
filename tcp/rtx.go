package tcp

import (
	"github.com/soypat/ipstack"
)

// Congestion control and RTT estimation per RFC 5681/6298, plus the
// retransmission and idle timer handling that drives them.

// rttMeasure folds a completed round-trip sample into srtt/rttvar and
// recomputes the retransmission timeout.
func (p *pcb) rttMeasure(now ipstack.Time) {
	r := uint32(now.Sub(p.rttTime))
	if !p.isSet(pcbRttValid) {
		p.srtt = r
		p.rttvar = r / 2
		p.setFlag(pcbRttValid)
	} else {
		d := p.srtt - r
		if r > p.srtt {
			d = r - p.srtt
		}
		p.rttvar = (3*p.rttvar + d) / 4
		p.srtt = (7*p.srtt + r) / 8
	}
	k := 4 * p.rttvar
	if k < 1 {
		k = 1
	}
	rto := p.srtt + k
	if rto < minRtxTime {
		rto = minRtxTime
	} else if rto > maxRtxTime {
		rto = maxRtxTime
	}
	p.rto = rto
	p.clearFlag(pcbRttPending | pcbCwndIncrd)
}

// cwndAckUpdate grows the congestion window for acked bytes of new data:
// slow start below ssthresh, one MSS per window in congestion avoidance.
// Avoidance growth is inhibited until the running RTT sample completes so a
// burst of ACKs within one round trip counts once.
func (p *pcb) cwndAckUpdate(acked Size) {
	mss := Size(p.sndMSS)
	if p.cwnd <= p.ssthresh {
		p.cwnd += minSize(acked, mss)
		p.clearFlag(pcbCwndInit)
	} else if !p.isSet(pcbCwndIncrd) {
		p.cwndAcked += acked
		if p.cwndAcked >= p.cwnd {
			p.cwndAcked = 0
			p.cwnd += mss
			p.setFlag(pcbCwndIncrd)
			p.clearFlag(pcbCwndInit)
		}
	}
}

// dupAckReceived counts duplicate ACKs: the third triggers fast retransmit
// and enters recovery, later ones inflate cwnd so transmission continues
// while the hole is repaired.
func (t *Proto) dupAckReceived(p *pcb) {
	mss := Size(p.sndMSS)
	switch {
	case p.numDupAcks < fastRtxDupAcks:
		p.numDupAcks++
		if p.numDupAcks != fastRtxDupAcks {
			return
		}
		if p.isSet(pcbRecover) && p.sndUna.LessThanEq(p.recover) {
			return // Already repairing this flight.
		}
		flight := p.sndOutstanding()
		p.ssthresh = maxSize(flight/2, 2*mss)
		p.recover = p.sndNxt
		p.setFlag(pcbRecover)
		p.clearFlag(pcbCwndInit)
		t.retransmitHead(p)
		p.cwnd = p.ssthresh + fastRtxDupAcks*mss
	case p.numDupAcks < fastRtxDupAcks+maxAdditionalDupAcks:
		p.numDupAcks++
		p.cwnd += mss
		t.scheduleOutput(p)
	}
}

// recoveryExit deflates the window once a cumulative ACK covers the
// recover point snapshotted at entry into fast retransmit.
func (p *pcb) recoveryExit(ack Value) {
	p.clearFlag(pcbRecover)
	mss := Size(p.sndMSS)
	flight := Sizeof(ack, p.sndNxt)
	p.cwnd = minSize(p.ssthresh, maxSize(flight, mss)+mss)
	p.clearFlag(pcbCwndInit)
}

// retransmitHead emits exactly one segment starting at snd.una without
// disturbing the sent high-water mark, so only the suspected-lost head is
// repeated. Also the zero-window probe emitter.
func (t *Proto) retransmitHead(p *pcb) {
	saved := 0
	if p.snd != nil {
		saved = p.snd.sent
		p.snd.sent = 0
	}
	if p.isSet(pcbFinSent) {
		p.setFlag(pcbFinPending)
	}
	p.clearFlag(pcbRttPending)
	t.pcbOutput(p, true)
	if p.snd != nil && p.snd.sent < saved {
		p.snd.sent = saved
	}
	if p.isSet(pcbFinSent) {
		p.clearFlag(pcbFinPending)
	}
}

// requeueEverything returns all unacknowledged data, FIN included, to
// unsent state for go-back-N retransmission after a timeout.
func (t *Proto) requeueEverything(p *pcb) {
	if p.snd != nil {
		p.snd.requeue()
	}
	if p.isSet(pcbFinSent) {
		p.setFlag(pcbFinPending)
	}
	p.clearFlag(pcbRttPending)
}

// handleRtxTimer services the shared rtx/idle timer slot: idle-window
// decay, handshake retransmission, zero-window probing or a full
// retransmission timeout with exponential backoff.
func (t *Proto) handleRtxTimer(p *pcb) {
	now := t.plat.Now()
	if p.isSet(pcbIdleTimer) {
		p.clearFlag(pcbIdleTimer)
		p.cwnd = initialCwnd(p.sndMSS)
		p.setFlag(pcbCwndInit)
		return
	}
	if !p.isSet(pcbRtxActive) {
		return
	}
	switch p.state {
	case StateSynSent:
		p.rto = backoffRto(p.rto)
		t.sendSyn(p, false)
		p.tim.set(timerRtx, now+ipstack.Time(p.rto))
		return
	case StateSynRcvd:
		p.rto = backoffRto(p.rto)
		t.sendSyn(p, true)
		p.tim.set(timerRtx, now+ipstack.Time(p.rto))
		return
	}
	p.rto = backoffRto(p.rto)
	if p.sndWnd == 0 && p.sndOutstanding() == 0 {
		// Zero-window probing: one octet (or the FIN) every timeout.
		t.retransmitHead(p)
	} else {
		if p.numRtx == 0 {
			flight := p.sndOutstanding()
			p.ssthresh = maxSize(flight/2, 2*Size(p.sndMSS))
		}
		if p.numRtx != 0xff {
			p.numRtx++
		}
		p.cwnd = Size(p.sndMSS)
		p.clearFlag(pcbCwndInit)
		p.recover = p.sndNxt
		p.setFlag(pcbRecover)
		t.requeueEverything(p)
		t.pcbOutput(p, true)
	}
	p.tim.set(timerRtx, now+ipstack.Time(p.rto))
	p.setFlag(pcbRtxActive)
}

func backoffRto(rto uint32) uint32 {
	rto *= 2
	if rto > maxRtxTime {
		rto = maxRtxTime
	}
	return rto
}
