package tcp

import (
	"log/slog"

	"github.com/soypat/ipstack"
)

// Output engine. Segments are assembled in the proto's scratch buffer and
// handed to the IP layer with DontFragment set; the path MTU machinery
// depends on routers reporting oversize segments instead of fragmenting.

// scheduleOutput requests an output round for the PCB. The round runs from
// the output timer one tick later so that several mutations within one event
// coalesce into a single segment batch, unless delayed sends are disabled.
func (t *Proto) scheduleOutput(p *pcb) {
	p.setFlag(pcbOutPending)
	if t.cfg.DisableDelayedSends {
		t.flushOutput(p)
		return
	}
	if !p.isSet(pcbOutRetry) && !p.tim.isArmed(timerOutput) {
		p.tim.set(timerOutput, t.plat.Now()+outputDelayTicks)
	}
}

// flushOutput transmits whatever the PCB owes the peer: queued data and FIN
// through the output engine, or a bare ACK/window update. Called at the end
// of input processing and from the output timer.
func (t *Proto) flushOutput(p *pcb) {
	if p.isSet(pcbOutPending) {
		t.pcbOutput(p, false)
	}
	if p.isSet(pcbAckPending | pcbRcvWndUpd) {
		t.sendEmptyAck(p)
	}
}

// pcbOutput is the segment emitter. In normal mode it sends every full
// segment the send/congestion windows allow, holding back a short tail
// segment while earlier data is unacknowledged. In rtxOrProbe mode it emits
// exactly one segment from the head of the send buffer honoring only the
// peer window and forcing at least one sequence count, which serves both
// retransmission and zero-window probing.
func (t *Proto) pcbOutput(p *pcb, rtxOrProbe bool) {
	p.clearFlag(pcbOutPending)
	if !p.state.canOutput() {
		return
	}
	sq := p.snd
	now := t.plat.Now()
	crcBase := t.pseudoCRC(p.tup)
	wnd := minSize(p.sndWnd, p.cwnd)
	if rtxOrProbe {
		wnd = maxSize(p.sndWnd, 1)
	}
	for {
		var offset, unsent Size
		if sq != nil {
			offset = Size(sq.sent)
			unsent = Size(sq.unsentBytes())
		}
		rem := Size(0)
		if offset < wnd {
			rem = wnd - offset
		}
		segLen := minSize(unsent, minSize(Size(p.sndMSS), rem))
		finReady := p.isSet(pcbFinPending) && segLen == unsent
		fin := finReady && (rem > segLen || rtxOrProbe)
		if segLen == 0 && !fin {
			break
		}
		if !rtxOrProbe && !fin && segLen == unsent && segLen < Size(p.sndMSS) &&
			p.sndOutstanding() != 0 && !sq.shouldPush(sq.sent, int(segLen)) {
			// Short tail with data in flight: wait for an ACK or a push.
			break
		}
		seg := Segment{
			SEQ:     Add(p.sndUna, offset),
			ACK:     p.rcvNxt,
			DATALEN: segLen,
			WND:     t.pcbAnnWnd(p),
			Flags:   FlagACK,
		}
		if fin {
			seg.Flags |= FlagFIN | FlagPSH
		} else if sq != nil && sq.shouldPush(int(offset), int(segLen)) {
			seg.Flags |= FlagPSH
		}
		err := t.sendData(p, crcBase, seg, sq)
		if err != nil {
			t.sendFailed(p, err)
			return
		}
		p.clearFlag(pcbAckPending | pcbRcvWndUpd)
		if segLen > 0 {
			sq.advanceSent(int(segLen))
		}
		end := Add(seg.SEQ, segLen)
		if fin {
			end = Add(end, 1)
			p.setFlag(pcbFinSent)
			p.clearFlag(pcbFinPending)
		}
		// Only first transmissions of new data start a measurement (Karn).
		if !p.isSet(pcbRttPending) && segLen > 0 && !rtxOrProbe && seg.SEQ == p.sndNxt {
			p.setFlag(pcbRttPending)
			p.rttSeq = seg.SEQ
			p.rttTime = now
		}
		if p.sndNxt.LessThan(end) {
			p.sndNxt = end
		}
		if !p.isSet(pcbRtxActive) {
			p.startRtxTimer(now)
		}
		if rtxOrProbe {
			return
		}
	}
	// A closed peer window with nothing in flight would otherwise leave no
	// timer running; arm the rtx timer so probing starts.
	if !rtxOrProbe && !p.isSet(pcbRtxActive) && p.sndWnd == 0 &&
		(p.isSet(pcbFinPending) || (sq != nil && sq.unsentBytes() > 0)) {
		p.startRtxTimer(now)
	}
}

// sendData builds a header-only or data segment for p and transmits it.
// crcBase carries the pseudo-header checksum minus the length contribution.
func (t *Proto) sendData(p *pcb, crcBase ipstack.CRC791, seg Segment, sq *sendQueue) error {
	buf := t.sndScratch[:sizeHeaderTCP+int(seg.DATALEN)]
	if seg.DATALEN > 0 {
		_, err := sq.readAt(buf[sizeHeaderTCP:], sq.sent)
		if err != nil {
			return err
		}
	}
	return t.transmit(p.tup, buf, sizeHeaderTCP, seg, crcBase)
}

// sendEmptyAck emits a dataless ACK carrying the current window.
func (t *Proto) sendEmptyAck(p *pcb) {
	seg := Segment{SEQ: p.sndNxt, ACK: p.rcvNxt, WND: t.pcbAnnWnd(p), Flags: FlagACK}
	err := t.transmit(p.tup, t.sndScratch[:sizeHeaderTCP], sizeHeaderTCP, seg, t.pseudoCRC(p.tup))
	if err != nil {
		t.sendFailed(p, err)
		return
	}
	p.clearFlag(pcbAckPending | pcbRcvWndUpd)
}

// sendSyn emits the SYN or SYN-ACK for the handshake, carrying the MSS we
// accept and our window scale factor. The window field of SYN segments is
// never scaled.
func (t *Proto) sendSyn(p *pcb, withAck bool) {
	const optLen = 8 // MSS(4) + NOP(1) + WS(3), pads to a word boundary.
	hdrLen := sizeHeaderTCP + optLen
	buf := t.sndScratch[:hdrLen]
	var codec OptionCodec
	n, _ := codec.PutOption16(buf[sizeHeaderTCP:], OptMaxSegmentSize, t.localMSS())
	buf[sizeHeaderTCP+n] = byte(OptNop)
	codec.PutOption(buf[sizeHeaderTCP+n+1:], OptWindowScale, rcvWndShift)

	wnd := p.rcvAnnWnd
	if wnd > 0xffff {
		wnd = 0xffff
	}
	seg := Segment{SEQ: p.sndUna, WND: wnd, Flags: FlagSYN}
	if withAck {
		seg.ACK = p.rcvNxt
		seg.Flags |= FlagACK
	}
	err := t.transmit(p.tup, buf, hdrLen, seg, t.pseudoCRC(p.tup))
	if err != nil {
		t.sendFailed(p, err)
	}
}

// pcbAnnWnd computes the window to announce beyond rcv.nxt, growing the
// promised window only when the receive buffer gained at least the update
// threshold of free space (or a forced update is flagged), and records what
// the peer will believe after scaling truncation.
func (t *Proto) pcbAnnWnd(p *pcb) Size {
	target := p.rcvAnnWnd
	if c := p.conn; c != nil {
		free := minSize(Size(c.recvFree()), MaxWindow)
		if free > target && (free-target >= t.wndUpdThreshold || p.isSet(pcbRcvWndUpd)) {
			target = free
		}
	}
	field := target >> p.rcvWndShift
	if field > 0xffff {
		field = 0xffff
	}
	p.rcvAnnWnd = field << p.rcvWndShift
	return field
}

// localMSS is the MSS announced to peers, derived from the local interface.
func (t *Proto) localMSS() uint16 {
	mtu := t.sender.LocalMTU()
	if mtu < minMTU {
		mtu = minMTU
	}
	return mtu - sizeHeaderIPv4TCP
}

// pseudoCRC returns the TCP pseudo-header checksum state for the tuple,
// minus the TCP length word which differs per segment. One computation
// covers a whole output batch.
func (t *Proto) pseudoCRC(tup tuple) (crc ipstack.CRC791) {
	crc.Write(tup.laddr[:])
	crc.Write(tup.raddr[:])
	crc.AddUint16(uint16(ipstack.IPProtoTCP))
	return crc
}

// transmit finishes the frame in buf (header fields, checksum) and hands it
// to the IP layer with DontFragment.
func (t *Proto) transmit(tup tuple, buf []byte, hdrLen int, seg Segment, crc ipstack.CRC791) error {
	f, err := NewFrame(buf)
	if err != nil {
		return err
	}
	f.ClearHeader()
	f.SetSourcePort(tup.lport)
	f.SetDestinationPort(tup.rport)
	f.SetSegment(seg, uint8(hdrLen/4))
	crc.AddUint16(uint16(len(buf)))
	crc.Write(buf[:hdrLen])
	f.SetCRC(crc.PayloadSum16(buf[hdrLen:]))
	if t.logenabled(slog.LevelDebug) {
		t.debug("tcp:send", slog.Uint64("lport", uint64(tup.lport)), slog.Uint64("rport", uint64(tup.rport)), slog.String("seg", seg.String()))
	}
	return t.sender.SendDatagram(tup.laddr, tup.raddr, ipstack.IPProtoTCP, t.cfg.TTL, true, buf)
}

// sendFailed schedules recovery after a synchronous IP-layer send error:
// short retry for a full buffer, path MTU reevaluation plus long retry when
// the route cannot carry the segment, retry callback for pending ARP.
func (t *Proto) sendFailed(p *pcb, err error) {
	retry := ipstack.Time(outputRetryOtherTicks)
	switch err {
	case ipstack.ErrBufferFull:
		retry = outputRetryFullTicks
	case ipstack.ErrFragNeeded:
		t.pcbPmtuChanged(p, t.sender.LocalMTU())
	case ipstack.ErrARPPending:
		if rs, ok := t.sender.(ipstack.RetrySender); ok {
			rs.OnSendPossible(t.retryCallback(p))
		}
	}
	p.setFlag(pcbOutPending | pcbOutRetry)
	p.tim.set(timerOutput, t.plat.Now()+retry)
}

// retryCallback reattempts output for p when the IP layer signals that
// transmission may succeed, unless the PCB was recycled in the meantime.
func (t *Proto) retryCallback(p *pcb) func() {
	tup := p.tup
	return func() {
		if p.state == StateClosed || p.tup != tup {
			return
		}
		p.clearFlag(pcbOutRetry)
		t.pcbOutput(p, false)
		p.tim.doDelayedUpdate()
	}
}
