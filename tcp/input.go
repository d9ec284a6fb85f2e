package tcp

import (
	"encoding/binary"
	"log/slog"

	"github.com/soypat/ipstack"
	"github.com/soypat/ipstack/internal"
)

// Segment input processing per RFC 793/1122 with RFC 5961 acceptability
// hardening. Entry is [Proto.RecvDatagram]; everything below runs on the
// single stack executor.

// synOptions is what we interpret from a SYN's option list. Unknown options
// are skipped; malformed lists abort parsing but keep what was read.
type synOptions struct {
	mss      uint16
	wndShift uint8
	hasMSS   bool
	hasWS    bool
}

func parseSynOptions(opts []byte) (o synOptions) {
	codec := OptionCodec{Flags: OptFlagSkipObsolete}
	codec.ForEachOption(opts, func(kind OptionKind, data []byte) error {
		switch kind {
		case OptMaxSegmentSize:
			o.mss = binary.BigEndian.Uint16(data)
			o.hasMSS = true
		case OptWindowScale:
			o.hasWS = true
			o.wndShift = data[0]
			if o.wndShift > maxWndShift {
				o.wndShift = maxWndShift
			}
		}
		return nil
	})
	return o
}

// input processes one TCP segment delivered by the IP layer.
func (t *Proto) input(src, dst [4]byte, pkt []byte) error {
	frm, err := NewFrame(pkt)
	if err != nil {
		return err
	}
	frm.ValidateExceptCRC(&t.vld)
	if err := t.vld.ErrPop(); err != nil {
		t.debug("tcp:drop", slog.String("reason", "bad header"), slog.String("err", err.Error()))
		return errDropSegment
	}
	crc := t.inputPseudoCRC(src, dst, len(pkt))
	if crc.PayloadSum16(pkt) != 0 {
		t.debug("tcp:drop", slog.String("reason", "bad crc"))
		return errDropSegment
	}
	payload := frm.Payload()
	seg := frm.Segment(len(payload))
	tup := tuple{laddr: dst, raddr: src, lport: frm.DestinationPort(), rport: frm.SourcePort()}
	if t.logenabled(internal.LevelTrace) {
		t.trace("tcp:recv", slog.Uint64("lport", uint64(tup.lport)), slog.String("seg", seg.String()))
	}

	p := t.findPCB(tup)
	if p == nil {
		if l := t.findListener(dst, tup.lport); l != nil {
			t.listenInput(l, tup, frm, seg)
			t.drainRsts()
			return nil
		}
		t.replyRstFor(tup, seg)
		t.drainRsts()
		return nil
	}
	if p.state == StateTimeWait {
		t.timeWaitInput(p, seg)
		return nil
	}
	if p.state == StateSynSent {
		t.synSentInput(p, frm, seg)
		return nil
	}
	t.pcbInput(p, seg, payload)
	return nil
}

func (t *Proto) inputPseudoCRC(src, dst [4]byte, tcpLen int) (crc ipstack.CRC791) {
	crc.Write(src[:])
	crc.Write(dst[:])
	crc.AddUint16(uint16(ipstack.IPProtoTCP))
	crc.AddUint16(uint16(tcpLen))
	return crc
}

// replyRstFor answers a stray segment that matches no connection state:
// RST with the stray's ACK number when it carried one, RST+ACK over the
// whole stray otherwise. Never responds to an RST.
func (t *Proto) replyRstFor(tup tuple, seg Segment) {
	if seg.Flags.HasAny(FlagRST) {
		return
	}
	if seg.Flags.HasAny(FlagACK) {
		t.sendRst(tup, seg.ACK)
	} else {
		t.sendRstAck(tup, 0, Add(seg.SEQ, seg.LEN()))
	}
}

// listenInput performs a passive open for a SYN matching a listener.
func (t *Proto) listenInput(l *Listener, tup tuple, frm Frame, seg Segment) {
	flags := seg.Flags
	if flags.HasAny(FlagRST) {
		return
	}
	if flags.HasAny(FlagACK) {
		t.sendRst(tup, seg.ACK)
		return
	}
	if !flags.HasAny(FlagSYN) {
		return
	}
	if !l.canAttach() {
		return
	}
	p, err := t.allocatePCB()
	if err != nil {
		// Exhaustion drops the SYN silently; the peer retransmits.
		t.debug("tcp:listen", slog.String("reason", "no pcb"))
		return
	}
	now := t.plat.Now()
	opts := parseSynOptions(frm.Options())
	iss := t.genISS(tup)

	p.tup = tup
	p.state = StateSynRcvd
	p.lis = l
	l.numPCBs++
	p.rcvNxt = Add(seg.SEQ, 1)
	p.sndUna = iss
	p.sndNxt = Add(iss, 1)
	p.sndWnd = seg.WND // Unscaled until the handshake completes.
	p.baseSndMSS = minAllowedMSS
	if opts.hasMSS && opts.mss > minAllowedMSS {
		p.baseSndMSS = opts.mss
	}
	p.sndMSS = p.effSndMSS(t.localMSS())
	if opts.hasWS {
		p.setFlag(pcbWndScale)
		p.sndWndShift = opts.wndShift
		p.rcvWndShift = rcvWndShift
	}
	ann := l.initialRcvWnd()
	if ann > 0xffff {
		ann = 0xffff
	}
	p.rcvAnnWnd = ann
	t.indexInsert(p)
	t.unrefPushFront(p)
	t.sendSyn(p, true)
	p.tim.set(timerAbrt, now+synRcvdTimeout)
	p.startRtxTimer(now)
	p.tim.doDelayedUpdate()
}

// synSentInput handles segments for an active open awaiting the SYN-ACK.
// Simultaneous open is not supported; a plain SYN is dropped.
func (t *Proto) synSentInput(p *pcb, frm Frame, seg Segment) {
	ackOK := seg.Flags.HasAny(FlagACK) && seg.ACK == p.sndNxt
	if seg.Flags.HasAny(FlagACK) && !ackOK {
		if !seg.Flags.HasAny(FlagRST) {
			t.sendRst(p.tup, seg.ACK)
			t.drainRsts()
		}
		return
	}
	if seg.Flags.HasAny(FlagRST) {
		if ackOK {
			t.disposePCB(p, true)
		}
		return
	}
	if !seg.Flags.HasAny(FlagSYN) || !ackOK {
		return
	}
	opts := parseSynOptions(frm.Options())
	pmtu := uint16(p.sndMSS) // Temporarily held the PMTU while connecting.
	if opts.hasMSS && opts.mss < p.baseSndMSS {
		p.baseSndMSS = opts.mss
	}
	if p.baseSndMSS < minAllowedMSS {
		p.baseSndMSS = minAllowedMSS
	}
	mss := pmtu - sizeHeaderIPv4TCP
	p.sndMSS = p.effSndMSS(mss)
	if opts.hasWS {
		p.setFlag(pcbWndScale)
		p.sndWndShift = opts.wndShift
		p.rcvWndShift = rcvWndShift
	} else {
		p.sndWndShift, p.rcvWndShift = 0, 0
	}
	p.rcvNxt = Add(seg.SEQ, 1)
	p.sndUna = seg.ACK
	p.sndWnd = seg.WND // SYN-ACK window is unscaled.
	t.becomeEstablished(p)
	p.setFlag(pcbAckPending)
	if !t.deliverEstablished(p) {
		return
	}
	if p.isSet(pcbFinPending) {
		p.state = StateFinWait1
		p.setFlag(pcbOutPending)
	}
	t.flushOutput(p)
	p.tim.doDelayedUpdate()
}

// becomeEstablished finalizes handshake state common to both open paths.
func (t *Proto) becomeEstablished(p *pcb) {
	p.state = StateEstablished
	p.cwnd = initialCwnd(p.sndMSS)
	p.setFlag(pcbCwndInit)
	p.ssthresh = MaxWindow
	p.cwndAcked = 0
	p.stopRtxTimer()
	p.tim.unset(timerAbrt)
}

// timeWaitInput: a retransmitted FIN restarts the 2MSL wait and is
// re-acknowledged; an RST at rcv.nxt releases the PCB early; a SYN is
// ignored; anything else gets an ACK, without a window check.
func (t *Proto) timeWaitInput(p *pcb, seg Segment) {
	if seg.Flags.HasAny(FlagRST) {
		if seg.SEQ == p.rcvNxt {
			t.disposePCB(p, false)
		}
		return
	}
	if seg.Flags.HasAny(FlagSYN) {
		return
	}
	if seg.Flags.HasAny(FlagFIN) {
		p.tim.set(timerAbrt, t.plat.Now()+timeWaitTimeout)
	}
	t.sendEmptyAck(p)
	p.tim.doDelayedUpdate()
}

// pcbInput is the synchronized-state receive path: SYN-RCVD through
// LAST-ACK.
func (t *Proto) pcbInput(p *pcb, seg Segment, payload []byte) {
	// Sequence acceptability (RFC 793), then trim to the receive window.
	wnd := p.rcvAnnWnd
	seglen := seg.LEN()
	acceptable := false
	switch {
	case seglen == 0 && wnd == 0:
		acceptable = seg.SEQ == p.rcvNxt
	case seglen == 0:
		acceptable = seg.SEQ.InWindow(p.rcvNxt, wnd)
	case wnd == 0:
		acceptable = false
	default:
		acceptable = seg.SEQ.InWindow(p.rcvNxt, wnd) || seg.Last().InWindow(p.rcvNxt, wnd)
	}
	if !acceptable {
		if !seg.Flags.HasAny(FlagRST) {
			p.setFlag(pcbAckPending)
			t.flushOutput(p)
			p.tim.doDelayedUpdate()
		}
		return
	}
	// Trim the front below rcv.nxt and the tail beyond the window.
	if seg.SEQ.LessThan(p.rcvNxt) {
		trim := Sizeof(seg.SEQ, p.rcvNxt)
		if seg.Flags.HasAny(FlagSYN) {
			seg.Flags &^= FlagSYN
			trim--
		}
		if trim > seg.DATALEN {
			trim = seg.DATALEN
		}
		payload = payload[trim:]
		seg.DATALEN -= trim
		seg.SEQ = p.rcvNxt
	}
	if over := Sizeof(Add(p.rcvNxt, wnd), Add(seg.SEQ, seg.LEN())); int32(over) > 0 {
		if seg.Flags.HasAny(FlagFIN) {
			seg.Flags &^= FlagFIN
			over--
		}
		if over > 0 {
			seg.DATALEN -= over
			payload = payload[:seg.DATALEN]
		}
	}

	if seg.Flags.HasAny(FlagRST) {
		if seg.SEQ == p.rcvNxt {
			t.disposePCB(p, true)
		} else {
			// Blind-RST hardening: challenge instead of teardown.
			p.setFlag(pcbAckPending)
			t.flushOutput(p)
			p.tim.doDelayedUpdate()
		}
		return
	}
	if seg.Flags.HasAny(FlagSYN) {
		p.setFlag(pcbAckPending)
		t.flushOutput(p)
		p.tim.doDelayedUpdate()
		return
	}
	if !seg.Flags.HasAny(FlagACK) {
		return
	}
	if !t.processAck(p, seg) {
		return
	}
	if p.state.isAcceptingData() && (seg.DATALEN > 0 || seg.Flags.HasAny(FlagFIN)) {
		if !t.processData(p, seg, payload) {
			return
		}
	}
	t.flushOutput(p)
	p.tim.doDelayedUpdate()
}

// processAck validates and applies the segment's acknowledgment. Returns
// false when processing must stop (segment rejected or PCB gone).
func (t *Proto) processAck(p *pcb, seg Segment) bool {
	// RFC 5961: tolerate ACKs slightly below snd.una, reject ancient ones.
	lo := p.sndUna - Value(maxAckBefore)
	if !seg.ACK.InRange(lo, p.sndNxt) {
		p.setFlag(pcbAckPending)
		t.flushOutput(p)
		p.tim.doDelayedUpdate()
		return false
	}
	newWnd := seg.WND << p.sndWndShift
	if newWnd > MaxWindow {
		newWnd = MaxWindow
	}
	wndChanged := newWnd != p.sndWnd
	isDup := seg.ACK == p.sndUna && !wndChanged && seg.DATALEN == 0 &&
		!seg.Flags.HasAny(FlagSYN|FlagFIN) && p.sndOutstanding() != 0
	p.sndWnd = newWnd

	if p.sndUna.LessThan(seg.ACK) {
		// New data acknowledged.
		acked := Sizeof(p.sndUna, seg.ACK)
		if p.state == StateSynRcvd {
			if !t.synRcvdAcked(p) {
				return false
			}
			acked-- // The SYN occupied one count.
		}
		if p.isSet(pcbRttPending) && p.rttSeq.LessThan(seg.ACK) {
			p.rttMeasure(t.plat.Now())
		}
		p.numRtx = 0
		p.numDupAcks = 0
		finAcked := p.isSet(pcbFinSent) && seg.ACK == p.sndNxt
		dataAcked := acked
		if finAcked {
			dataAcked--
		}
		p.cwndAckUpdate(dataAcked)
		if p.isSet(pcbRecover) && p.recover.LessThanEq(seg.ACK) {
			p.recoveryExit(seg.ACK)
		}
		p.sndUna = seg.ACK
		if p.snd != nil && dataAcked > 0 {
			p.snd.ack(int(dataAcked))
		}
		now := t.plat.Now()
		if p.sndOutstanding() == 0 {
			p.startIdleTimer(now)
		} else {
			p.startRtxTimer(now)
		}
		if dataAcked > 0 || p.isSet(pcbFinPending) || (p.snd != nil && p.snd.unsentBytes() > 0) {
			p.setFlag(pcbOutPending)
		}
		if dataAcked > 0 && !t.deliverDataSent(p, int(dataAcked)) {
			return false
		}
		if finAcked {
			if !t.finAcked(p) {
				return false
			}
		}
	} else if isDup {
		t.dupAckReceived(p)
	} else if wndChanged && p.sndWnd > 0 &&
		(p.isSet(pcbFinPending) || (p.snd != nil && p.snd.unsentBytes() > 0)) {
		p.setFlag(pcbOutPending)
	}
	return p.state != StateClosed
}

// synRcvdAcked completes the passive handshake and hands the connection to
// the listener. Returns false when the PCB did not survive the handoff.
func (t *Proto) synRcvdAcked(p *pcb) bool {
	t.becomeEstablished(p)
	l := p.lis
	if l == nil {
		t.abort(p)
		return false
	}
	return l.established(t, p)
}

// finAcked runs the close-side transitions once our FIN is covered by an
// acknowledgment. Returns false when the PCB is gone.
func (t *Proto) finAcked(p *pcb) bool {
	if !t.deliverDataSent(p, 0) {
		return false
	}
	switch p.state {
	case StateFinWait1:
		p.state = StateFinWait2
	case StateClosing:
		t.enterTimeWait(p)
	case StateLastAck:
		t.disposePCB(p, false)
		return false
	}
	return true
}

// processData feeds segment payload and FIN into the receive side. Returns
// false when a user callback tore the PCB down.
func (t *Proto) processData(p *pcb, seg Segment, payload []byte) bool {
	c := p.conn
	fin := seg.Flags.HasAny(FlagFIN)
	if seg.SEQ == p.rcvNxt {
		n := Size(len(payload))
		delivered := 0
		if c != nil {
			delivered = c.recvWrite(0, payload)
			c.rcvWritten += delivered
			n = Size(delivered)
		}
		p.advanceRcvNxt(n)
		finNow := fin && n == Size(len(payload))
		if c != nil && !c.oos.isEmpty() {
			// Out-of-order data may be contiguous now.
			newNxt, oosFin := c.oos.consume(p.rcvNxt)
			extra := Sizeof(p.rcvNxt, newNxt)
			if extra > 0 {
				c.rcvWritten += int(extra)
				delivered += int(extra)
				p.advanceRcvNxt(extra)
			}
			finNow = finNow || oosFin
		}
		p.setFlag(pcbAckPending)
		if delivered > 0 || n > 0 {
			total := delivered
			if c == nil {
				total = int(n)
			}
			if total > 0 && !t.deliverDataReceived(p, total) {
				return false
			}
		}
		if finNow {
			return t.finReceived(p)
		}
	} else {
		// Ahead of rcv.nxt: record the range, stash the data at its
		// eventual position in the receive buffer, ACK to duplicate.
		p.setFlag(pcbAckPending)
		if c != nil {
			off := int(Sizeof(p.rcvNxt, seg.SEQ))
			stored := c.recvWrite(off, payload)
			if stored == len(payload) {
				end := Add(seg.SEQ, Size(stored))
				finHere := fin && stored == len(payload)
				c.oos.insert(seg.SEQ, end, finHere)
			}
		}
	}
	return true
}

// advanceRcvNxt moves the left window edge, consuming announced window.
func (p *pcb) advanceRcvNxt(n Size) {
	p.rcvNxt = Add(p.rcvNxt, n)
	if n > p.rcvAnnWnd {
		p.rcvAnnWnd = 0
	} else {
		p.rcvAnnWnd -= n
	}
}

// finReceived advances over the peer's FIN and runs the close-side receive
// transitions. Returns false when the PCB is gone.
func (t *Proto) finReceived(p *pcb) bool {
	p.advanceRcvNxt(1)
	p.setFlag(pcbAckPending)
	switch p.state {
	case StateEstablished:
		p.state = StateCloseWait
	case StateFinWait1:
		p.state = StateClosing
	case StateFinWait2:
		t.enterTimeWait(p)
	}
	return t.deliverDataReceived(p, 0)
}
