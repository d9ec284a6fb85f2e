package tcp

import (
	"errors"
	"log/slog"

	"github.com/soypat/ipstack"
)

// Proto is the TCP protocol engine: a fixed pool of protocol control
// blocks, the segment input and output paths, and the timers that drive
// retransmission. All methods and callbacks must run on the single
// goroutine (or other serialization domain) that drives the stack; the
// engine performs no locking of its own.
type Proto struct {
	plat   ipstack.Platform
	sender ipstack.IPSender
	log    *slog.Logger
	cfg    ProtoConfig
	vld    ipstack.Validator

	pcbs      []pcb
	active    map[tuple]*pcb
	timeWait  map[tuple]*pcb
	unrefHead *pcb
	unrefTail *pcb
	listeners []*Listener

	nextEphemeral   uint16
	wndUpdThreshold Size
	issSecret       [32]byte

	// curProcPCB is the PCB whose event is being delivered; callbacks that
	// tear it down clear this so the caller knows not to touch it again.
	curProcPCB *pcb

	rstq       rstQueue
	sndScratch []byte
}

// ProtoConfig parameterizes a [Proto]. Zero values select defaults.
type ProtoConfig struct {
	Logger *slog.Logger
	// MaxPCBs fixes the size of the control block pool, bounding
	// concurrent connections in any state including TIME-WAIT.
	MaxPCBs int
	// OutOfSeqSegs is the per-connection capacity for tracking disjoint
	// out-of-sequence ranges.
	OutOfSeqSegs int
	// Ephemeral port range for active opens, inclusive.
	EphemeralPortFirst uint16
	EphemeralPortLast  uint16
	// WindowUpdateThreshold suppresses window announcements that would
	// grow the promised window by less than this many bytes.
	WindowUpdateThreshold Size
	// TTL of emitted segments.
	TTL uint8
	// DisableDelayedSends makes every output request transmit immediately
	// instead of coalescing through the output timer.
	DisableDelayedSends bool
}

const (
	defaultMaxPCBs            = 32
	defaultOutOfSeqSegs       = 4
	defaultEphemeralPortFirst = 0xc000
	defaultEphemeralPortLast  = 0xffff
	defaultTTL                = 64
)

var errBadProtoArgs = errors.New("tcp: nil platform or sender")

// NewProto allocates the engine and its control block pool. No further
// allocation happens per connection or per segment.
func NewProto(plat ipstack.Platform, sender ipstack.IPSender, cfg ProtoConfig) (*Proto, error) {
	if plat == nil || sender == nil {
		return nil, errBadProtoArgs
	}
	if cfg.MaxPCBs <= 0 {
		cfg.MaxPCBs = defaultMaxPCBs
	}
	if cfg.OutOfSeqSegs <= 0 {
		cfg.OutOfSeqSegs = defaultOutOfSeqSegs
	}
	if cfg.EphemeralPortFirst == 0 {
		cfg.EphemeralPortFirst = defaultEphemeralPortFirst
	}
	if cfg.EphemeralPortLast == 0 {
		cfg.EphemeralPortLast = defaultEphemeralPortLast
	}
	if cfg.EphemeralPortLast < cfg.EphemeralPortFirst {
		return nil, errors.New("tcp: inverted ephemeral port range")
	}
	if cfg.TTL == 0 {
		cfg.TTL = defaultTTL
	}
	thr := cfg.WindowUpdateThreshold
	if thr == 0 {
		thr = defaultWndAnnThreshold
	} else if thr > MaxWindow {
		thr = MaxWindow
	}
	t := &Proto{
		plat:            plat,
		sender:          sender,
		log:             cfg.Logger,
		cfg:             cfg,
		vld:             ipstack.NewValidator(0),
		active:          make(map[tuple]*pcb, cfg.MaxPCBs),
		timeWait:        make(map[tuple]*pcb, cfg.MaxPCBs),
		nextEphemeral:   cfg.EphemeralPortFirst,
		wndUpdThreshold: thr,
	}
	mtu := sender.LocalMTU()
	if mtu < minMTU {
		mtu = minMTU
	}
	t.sndScratch = make([]byte, mtu)
	t.pcbs = make([]pcb, cfg.MaxPCBs)
	for i := range t.pcbs {
		p := &t.pcbs[i]
		p.proto = t
		p.rto = initialRtxTime
		p.tim.init(plat, t.pcbTimerFunc(p))
		t.unrefPushBack(p)
	}
	t.initISS()
	return t, nil
}

// ConfigFromStack maps the TCP section of a [ipstack.StackConfig] onto a
// ProtoConfig.
func ConfigFromStack(sc *ipstack.StackConfig) ProtoConfig {
	return ProtoConfig{
		MaxPCBs:               sc.TCP.MaxPCBs,
		OutOfSeqSegs:          sc.TCP.OutOfSeqSegs,
		EphemeralPortFirst:    sc.TCP.EphemeralPortFirst,
		EphemeralPortLast:     sc.TCP.EphemeralPortLast,
		WindowUpdateThreshold: Size(sc.TCP.WindowUpdateThresh),
		DisableDelayedSends:   sc.TCP.DisableDelayedSends,
	}
}

// RecvDatagram feeds one TCP segment from the IP layer into the engine.
// It implements the demultiplexer's upper-protocol seam.
func (t *Proto) RecvDatagram(src, dst [4]byte, payload []byte) error {
	return t.input(src, dst, payload)
}

// SetWindowUpdateThreshold adjusts the minimum growth of the promised
// receive window that triggers a window update announcement.
func (t *Proto) SetWindowUpdateThreshold(thr Size) {
	if thr > MaxWindow {
		thr = MaxWindow
	}
	t.wndUpdThreshold = thr
}

// Connect performs an active open toward raddr:rport and binds c to the
// new connection. The handler's Established callback fires when the
// handshake completes; install a receive buffer before connecting so the
// SYN announces a nonzero window.
func (t *Proto) Connect(c *Conn, h ConnHandler, raddr [4]byte, rport uint16) error {
	if c.pcb != nil {
		return errConnectionExists
	}
	if rport == 0 {
		return errZeroDstPort
	}
	laddr := t.sender.LocalAddr()
	lport, err := t.allocEphemeralPort(laddr, raddr, rport)
	if err != nil {
		return err
	}
	p, err := t.allocatePCB()
	if err != nil {
		return err
	}
	now := t.plat.Now()
	tup := tuple{laddr: laddr, raddr: raddr, lport: lport, rport: rport}
	p.tup = tup
	p.state = StateSynSent
	iss := t.genISS(tup)
	p.sndUna = iss
	p.sndNxt = Add(iss, 1)
	p.baseSndMSS = 0xffff
	t.attachMtuRef(p)
	// sndMSS carries the raw path MTU until the SYN-ACK resolves the MSS.
	p.sndMSS = t.pmtuEstimate(p)
	t.bindConn(c, p, h)
	p.rcvAnnWnd = minSize(Size(c.recvFree()), 0xffff)
	t.indexInsert(p)
	t.sendSyn(p, false)
	p.tim.set(timerAbrt, now+synSentTimeout)
	p.startRtxTimer(now)
	p.tim.doDelayedUpdate()
	return nil
}

// bindConn wires an unbound user handle to a PCB.
func (t *Proto) bindConn(c *Conn, p *pcb, h ConnHandler) {
	c.proto = t
	c.pcb = p
	c.handler = h
	c.rcvWritten = 0
	if c.oos.segs == nil {
		c.oos.init(t.cfg.OutOfSeqSegs)
	} else {
		c.oos.clear()
	}
	p.conn = c
	p.snd = &c.snd
	t.unrefRemove(p)
}

//
// Timer dispatch. Each PCB multiplexes its logical timers over one
// platform timer; expiry funnels here and services every due tag.
//

func (t *Proto) pcbTimerFunc(p *pcb) func() {
	return func() { t.pcbTimerExpired(p) }
}

func (t *Proto) pcbTimerExpired(p *pcb) {
	now := t.plat.Now()
	if p.tim.expired(timerAbrt, now) {
		p.tim.unset(timerAbrt)
		t.handleAbrtTimer(p)
		if p.state == StateClosed {
			t.drainRsts()
			p.tim.doDelayedUpdate()
			return
		}
	}
	if p.tim.expired(timerOutput, now) {
		p.tim.unset(timerOutput)
		p.clearFlag(pcbOutRetry)
		t.flushOutput(p)
	}
	if p.tim.expired(timerRtx, now) {
		p.tim.unset(timerRtx)
		t.handleRtxTimer(p)
	}
	t.drainRsts()
	p.tim.doDelayedUpdate()
}

// handleAbrtTimer fires for handshake timeouts, TIME-WAIT expiry and the
// abandoned-connection linger bound.
func (t *Proto) handleAbrtTimer(p *pcb) {
	if t.logenabled(slog.LevelDebug) {
		t.debug("tcp:abrt-timer", slog.String("state", p.state.String()), slog.Uint64("lport", uint64(p.tup.lport)))
	}
	if p.state == StateTimeWait {
		t.disposePCB(p, false)
		return
	}
	t.abort(p)
}
