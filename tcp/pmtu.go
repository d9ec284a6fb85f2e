package tcp

import (
	"github.com/soypat/ipstack"
)

// Path MTU tracking. The IP layer owns the per-destination estimates; the
// engine only reacts to changes by recomputing the effective send MSS and
// recutting queued data.

// MtuSource is optionally implemented by an [ipstack.IPSender] whose IP
// layer tracks per-destination path MTU estimates.
type MtuSource interface {
	// MtuRef returns a reference to the path MTU estimate toward dst.
	MtuRef(dst [4]byte) ipstack.MtuRef
}

// attachMtuRef acquires a path MTU reference for the PCB's destination and
// subscribes to changes. No-op when the IP layer tracks no path MTU.
func (t *Proto) attachMtuRef(p *pcb) {
	src, ok := t.sender.(MtuSource)
	if !ok {
		return
	}
	ref := src.MtuRef(p.tup.raddr)
	if ref == nil {
		return
	}
	p.mtuRef = ref
	tup := p.tup
	ref.SetNotify(func(pmtu uint16) {
		if p.state == StateClosed || p.tup != tup {
			return
		}
		t.pcbPmtuChanged(p, pmtu)
		p.tim.doDelayedUpdate()
	})
}

// pmtuEstimate returns the current path MTU toward the PCB's destination,
// falling back to the local interface MTU when no estimate exists.
func (t *Proto) pmtuEstimate(p *pcb) uint16 {
	if p.mtuRef != nil {
		if pmtu := p.mtuRef.PMTU(); pmtu != 0 {
			return pmtu
		}
	}
	return t.sender.LocalMTU()
}

// pcbPmtuChanged folds a new path MTU estimate into the connection. While
// connecting, sndMSS holds the raw PMTU and the handshake completion
// derives the MSS; afterwards the effective MSS changes immediately and
// already-cut segments are returned to unsent so they are recut.
func (t *Proto) pcbPmtuChanged(p *pcb, pmtu uint16) {
	if pmtu < minMTU {
		pmtu = minMTU
	}
	if p.state == StateSynSent {
		p.sndMSS = pmtu
		return
	}
	if !p.state.canOutput() {
		return
	}
	mss := p.effSndMSS(pmtu - sizeHeaderIPv4TCP)
	if mss == p.sndMSS {
		return
	}
	p.sndMSS = mss
	if p.isSet(pcbCwndInit) {
		p.cwnd = initialCwnd(mss)
	}
	t.requeueEverything(p)
	t.scheduleOutput(p)
}
