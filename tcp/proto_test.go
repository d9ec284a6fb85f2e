package tcp

import (
	"bytes"
	"testing"

	"github.com/soypat/ipstack"
	"github.com/soypat/ipstack/internal/ltesto"
)

// Test scaffolding: the shared manual-clock platform, a recording IP sender
// and an injector that builds checksummed segments as the remote peer would.

type sentPkt struct {
	src, dst [4]byte
	data     []byte
}

type testSender struct {
	pkts     []sentPkt
	mtu      uint16
	addr     [4]byte
	failWith error
}

func (s *testSender) SendDatagram(src, dst [4]byte, proto ipstack.IPProto, ttl uint8, df bool, seg []byte) error {
	if s.failWith != nil {
		return s.failWith
	}
	s.pkts = append(s.pkts, sentPkt{src: src, dst: dst, data: append([]byte(nil), seg...)})
	return nil
}

func (s *testSender) LocalMTU() uint16 {
	if s.mtu == 0 {
		return 1500
	}
	return s.mtu
}

func (s *testSender) LocalAddr() [4]byte { return s.addr }

type testEnv struct {
	t     *testing.T
	plat  *ltesto.TestPlatform
	snd   *testSender
	proto *Proto
	laddr [4]byte
	raddr [4]byte
}

func newTestEnv(t *testing.T, cfg ProtoConfig) *testEnv {
	t.Helper()
	cfg.DisableDelayedSends = true
	plat := ltesto.NewTestPlatform(100)
	snd := &testSender{addr: [4]byte{192, 168, 1, 2}}
	proto, err := NewProto(plat, snd, cfg)
	if err != nil {
		t.Fatal(err)
	}
	return &testEnv{
		t:     t,
		plat:  plat,
		snd:   snd,
		proto: proto,
		laddr: snd.addr,
		raddr: [4]byte{192, 168, 1, 99},
	}
}

// inject delivers a segment from the remote peer with a valid checksum.
// seg.DATALEN is taken from len(payload); opts length must be word aligned.
func (e *testEnv) inject(lport, rport uint16, seg Segment, opts, payload []byte) {
	e.t.Helper()
	buf := make([]byte, sizeHeaderTCP+len(opts)+len(payload))
	frm, err := NewFrame(buf)
	if err != nil {
		e.t.Fatal(err)
	}
	frm.ClearHeader()
	frm.SetSourcePort(rport)
	frm.SetDestinationPort(lport)
	frm.SetSegment(seg, uint8((sizeHeaderTCP+len(opts))/4))
	copy(buf[sizeHeaderTCP:], opts)
	copy(buf[sizeHeaderTCP+len(opts):], payload)
	var crc ipstack.CRC791
	crc.Write(e.raddr[:])
	crc.Write(e.laddr[:])
	crc.AddUint16(uint16(ipstack.IPProtoTCP))
	crc.AddUint16(uint16(len(buf)))
	frm.SetCRC(crc.PayloadSum16(buf))
	if err := e.proto.RecvDatagram(e.raddr, e.laddr, buf); err != nil {
		e.t.Fatalf("RecvDatagram: %v", err)
	}
}

// sentSeg parses the i-th transmitted packet.
func (e *testEnv) sentSeg(i int) (Segment, []byte) {
	e.t.Helper()
	if i >= len(e.snd.pkts) {
		e.t.Fatalf("no packet %d, sent %d", i, len(e.snd.pkts))
	}
	frm, err := NewFrame(e.snd.pkts[i].data)
	if err != nil {
		e.t.Fatal(err)
	}
	payload := frm.Payload()
	return frm.Segment(len(payload)), payload
}

func (e *testEnv) numSent() int { return len(e.snd.pkts) }

type connEvents struct {
	established int
	aborted     int
	received    []int
	sent        []int
}

func (h *connEvents) Established(c *Conn)         { h.established++ }
func (h *connEvents) Aborted(c *Conn)             { h.aborted++ }
func (h *connEvents) DataReceived(c *Conn, n int) { h.received = append(h.received, n) }
func (h *connEvents) DataSent(c *Conn, n int)     { h.sent = append(h.sent, n) }

// mssOption encodes a maximum segment size option, word aligned.
func mssOption(mss uint16) []byte {
	return []byte{byte(OptMaxSegmentSize), 4, byte(mss >> 8), byte(mss)}
}

// openActive drives the three-way handshake for an active open with the
// given peer MSS and returns the handle, its events and the local ISS.
func (e *testEnv) openActive(peerMSS uint16, peerWnd Size) (*Conn, *connEvents, Value) {
	e.t.Helper()
	c := new(Conn)
	if err := c.SetRecvBuf(make([]byte, 2048)); err != nil {
		e.t.Fatal(err)
	}
	h := &connEvents{}
	if err := e.proto.Connect(c, h, e.raddr, 80); err != nil {
		e.t.Fatal(err)
	}
	syn, _ := e.sentSeg(e.numSent() - 1)
	if syn.Flags != FlagSYN {
		e.t.Fatalf("expected SYN, got %v", syn.Flags)
	}
	iss := syn.SEQ
	e.inject(c.LocalPort(), 80, Segment{
		SEQ: 1000, ACK: Add(iss, 1), WND: peerWnd, Flags: FlagSYN | FlagACK,
	}, mssOption(peerMSS), nil)
	if h.established != 1 {
		e.t.Fatalf("established=%d", h.established)
	}
	if c.State() != StateEstablished {
		e.t.Fatalf("state=%v", c.State())
	}
	return c, h, iss
}

func TestActiveOpenHandshake(t *testing.T) {
	e := newTestEnv(t, ProtoConfig{})
	c := new(Conn)
	if err := c.SetRecvBuf(make([]byte, 2048)); err != nil {
		t.Fatal(err)
	}
	h := &connEvents{}
	if err := e.proto.Connect(c, h, e.raddr, 80); err != nil {
		t.Fatal(err)
	}
	if c.State() != StateSynSent {
		t.Fatalf("state=%v", c.State())
	}
	syn, _ := e.sentSeg(0)
	if syn.Flags != FlagSYN {
		t.Fatalf("first packet flags=%v", syn.Flags)
	}
	if syn.WND != 2048 {
		t.Fatalf("SYN window=%d, want 2048", syn.WND)
	}
	opts := parseSynOptions(func() []byte {
		frm, _ := NewFrame(e.snd.pkts[0].data)
		return frm.Options()
	}())
	if !opts.hasMSS || opts.mss != 1460 {
		t.Fatalf("SYN MSS option=%+v", opts)
	}
	if !opts.hasWS || opts.wndShift != rcvWndShift {
		t.Fatalf("SYN window scale option=%+v", opts)
	}
	iss := syn.SEQ

	e.inject(c.LocalPort(), 80, Segment{
		SEQ: 5000, ACK: Add(iss, 1), WND: 4096, Flags: FlagSYN | FlagACK,
	}, mssOption(1460), nil)
	if h.established != 1 {
		t.Fatalf("established=%d", h.established)
	}
	if c.State() != StateEstablished {
		t.Fatalf("state=%v", c.State())
	}
	ack, _ := e.sentSeg(1)
	if ack.Flags != FlagACK || ack.SEQ != Add(iss, 1) || ack.ACK != 5001 {
		t.Fatalf("handshake ACK=%v", ack)
	}
	ra, rp := c.RemoteAddr()
	if ra != e.raddr || rp != 80 {
		t.Fatalf("remote=%v:%d", ra, rp)
	}
}

func TestPassiveOpenAcceptAndReceive(t *testing.T) {
	e := newTestEnv(t, ProtoConfig{})
	accepted := new(Conn)
	if err := accepted.SetRecvBuf(make([]byte, 2048)); err != nil {
		t.Fatal(err)
	}
	ev := &connEvents{}
	lh := &acceptingHandler{conn: accepted, events: ev}
	l, err := e.proto.Listen(lh, ListenConfig{Port: 80, InitialRecvWnd: 1024})
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	e.inject(80, 40000, Segment{SEQ: 500, WND: 8192, Flags: FlagSYN}, mssOption(1460), nil)
	synack, _ := e.sentSeg(0)
	if synack.Flags != FlagSYN|FlagACK {
		t.Fatalf("flags=%v", synack.Flags)
	}
	if synack.ACK != 501 {
		t.Fatalf("SYN-ACK acks %d", synack.ACK)
	}
	if synack.WND != 1024 {
		t.Fatalf("SYN-ACK window=%d", synack.WND)
	}
	iss := synack.SEQ

	e.inject(80, 40000, Segment{SEQ: 501, ACK: Add(iss, 1), WND: 8192, Flags: FlagACK}, nil, nil)
	if lh.fired != 1 {
		t.Fatalf("ConnectionEstablished fired %d times", lh.fired)
	}
	if accepted.State() != StateEstablished {
		t.Fatalf("state=%v", accepted.State())
	}
	if accepted.LocalPort() != 80 {
		t.Fatalf("lport=%d", accepted.LocalPort())
	}

	msg := []byte("ping over tcp")
	e.inject(80, 40000, Segment{SEQ: 501, ACK: Add(iss, 1), WND: 8192, Flags: FlagACK}, nil, msg)
	if len(ev.received) != 1 || ev.received[0] != len(msg) {
		t.Fatalf("received events=%v", ev.received)
	}
	if !bytes.Equal(accepted.ReceivedBytes(), msg) {
		t.Fatalf("buffer=%q", accepted.ReceivedBytes())
	}
	ack, _ := e.sentSeg(e.numSent() - 1)
	if ack.ACK != Add(501, Size(len(msg))) {
		t.Fatalf("data ACK=%d", ack.ACK)
	}
}

type acceptingHandler struct {
	conn   *Conn
	events *connEvents
	fired  int
}

func (a *acceptingHandler) ConnectionEstablished(l *Listener) {
	a.fired++
	if err := l.AcceptConnection(a.conn, a.events); err != nil {
		panic(err)
	}
}

// rejectingHandler never accepts, so established connections must be reset.
type rejectingHandler struct{ fired int }

func (r *rejectingHandler) ConnectionEstablished(l *Listener) { r.fired++ }

func TestListenerRejectResets(t *testing.T) {
	e := newTestEnv(t, ProtoConfig{})
	lh := &rejectingHandler{}
	if _, err := e.proto.Listen(lh, ListenConfig{Port: 80, InitialRecvWnd: 1024}); err != nil {
		t.Fatal(err)
	}
	e.inject(80, 40000, Segment{SEQ: 500, WND: 8192, Flags: FlagSYN}, mssOption(1460), nil)
	synack, _ := e.sentSeg(0)
	e.inject(80, 40000, Segment{SEQ: 501, ACK: Add(synack.SEQ, 1), WND: 8192, Flags: FlagACK}, nil, nil)
	if lh.fired != 1 {
		t.Fatalf("fired=%d", lh.fired)
	}
	rst, _ := e.sentSeg(e.numSent() - 1)
	if !rst.Flags.HasAny(FlagRST) {
		t.Fatalf("expected RST after unaccepted handshake, got %v", rst.Flags)
	}
	if len(e.proto.active) != 0 {
		t.Fatalf("%d PCBs left active", len(e.proto.active))
	}
}

func TestSendDataAndAck(t *testing.T) {
	e := newTestEnv(t, ProtoConfig{})
	c, h, iss := e.openActive(1460, 4096)
	if err := c.SetSendBuf(make([]byte, 2048)); err != nil {
		t.Fatal(err)
	}
	msg := []byte("hello")
	if err := c.ExtendSendBuf(msg); err != nil {
		t.Fatal(err)
	}
	seg, payload := e.sentSeg(e.numSent() - 1)
	if seg.SEQ != Add(iss, 1) || seg.DATALEN != Size(len(msg)) {
		t.Fatalf("data segment=%v", seg)
	}
	if !seg.Flags.HasAny(FlagACK) {
		t.Fatalf("flags=%v", seg.Flags)
	}
	if !bytes.Equal(payload, msg) {
		t.Fatalf("payload=%q", payload)
	}

	e.inject(c.LocalPort(), 80, Segment{
		SEQ: 1001, ACK: Add(iss, 1+Size(len(msg))), WND: 4096, Flags: FlagACK,
	}, nil, nil)
	if len(h.sent) != 1 || h.sent[0] != len(msg) {
		t.Fatalf("sent events=%v", h.sent)
	}
	if c.SendFree() != 2048 {
		t.Fatalf("send free=%d", c.SendFree())
	}
}

func TestSendBufferFull(t *testing.T) {
	e := newTestEnv(t, ProtoConfig{})
	c, _, _ := e.openActive(1460, 4096)
	if err := c.SetSendBuf(make([]byte, 4)); err != nil {
		t.Fatal(err)
	}
	if err := c.ExtendSendBuf([]byte("toolong")); err != errBufferFull {
		t.Fatalf("err=%v", err)
	}
}

func TestFastRetransmit(t *testing.T) {
	e := newTestEnv(t, ProtoConfig{})
	c, _, iss := e.openActive(536, 4096)
	if err := c.SetSendBuf(make([]byte, 4096)); err != nil {
		t.Fatal(err)
	}
	data := make([]byte, 1072)
	for i := range data {
		data[i] = byte(i)
	}
	before := e.numSent()
	if err := c.ExtendSendBuf(data); err != nil {
		t.Fatal(err)
	}
	if e.numSent() != before+2 {
		t.Fatalf("sent %d segments, want 2", e.numSent()-before)
	}
	seg1, _ := e.sentSeg(before)
	seg2, _ := e.sentSeg(before + 1)
	if seg1.DATALEN != 536 || seg2.DATALEN != 536 || seg2.SEQ != Add(iss, 1+536) {
		t.Fatalf("segments %v %v", seg1, seg2)
	}

	dup := Segment{SEQ: 1001, ACK: Add(iss, 1), WND: 4096, Flags: FlagACK}
	e.inject(c.LocalPort(), 80, dup, nil, nil)
	e.inject(c.LocalPort(), 80, dup, nil, nil)
	before = e.numSent()
	e.inject(c.LocalPort(), 80, dup, nil, nil)
	if e.numSent() != before+1 {
		t.Fatalf("third duplicate ACK sent %d segments", e.numSent()-before)
	}
	rtx, payload := e.sentSeg(before)
	if rtx.SEQ != Add(iss, 1) || rtx.DATALEN != 536 {
		t.Fatalf("retransmission=%v", rtx)
	}
	if !bytes.Equal(payload, data[:536]) {
		t.Fatal("retransmitted wrong octets")
	}
	p := c.pcb
	if p.ssthresh != 1072 {
		t.Fatalf("ssthresh=%d", p.ssthresh)
	}
	if p.cwnd != 1072+3*536 {
		t.Fatalf("cwnd=%d", p.cwnd)
	}
	if !p.isSet(pcbRecover) {
		t.Fatal("not in recovery")
	}

	// A cumulative ACK past the recover point exits recovery.
	e.inject(c.LocalPort(), 80, Segment{
		SEQ: 1001, ACK: Add(iss, 1+1072), WND: 4096, Flags: FlagACK,
	}, nil, nil)
	if p.isSet(pcbRecover) {
		t.Fatal("still in recovery after full ACK")
	}
}

func TestRetransmissionTimeout(t *testing.T) {
	e := newTestEnv(t, ProtoConfig{})
	c, _, iss := e.openActive(536, 4096)
	if err := c.SetSendBuf(make([]byte, 1024)); err != nil {
		t.Fatal(err)
	}
	if err := c.ExtendSendBuf(make([]byte, 100)); err != nil {
		t.Fatal(err)
	}
	p := c.pcb
	if !p.isSet(pcbRtxActive) {
		t.Fatal("rtx timer not running after send")
	}
	before := e.numSent()
	e.plat.Advance(ipstack.Time(initialRtxTime) + 1)
	if e.numSent() != before+1 {
		t.Fatalf("timeout sent %d segments", e.numSent()-before)
	}
	rtx, _ := e.sentSeg(before)
	if rtx.SEQ != Add(iss, 1) || rtx.DATALEN != 100 {
		t.Fatalf("retransmission=%v", rtx)
	}
	if p.numRtx != 1 {
		t.Fatalf("numRtx=%d", p.numRtx)
	}
	if p.rto != 2*initialRtxTime {
		t.Fatalf("rto=%d", p.rto)
	}
	if p.cwnd != 536 {
		t.Fatalf("cwnd=%d", p.cwnd)
	}
}

func TestCloseDrainsThroughTimeWait(t *testing.T) {
	e := newTestEnv(t, ProtoConfig{})
	c, h, iss := e.openActive(1460, 4096)
	if err := c.SetSendBuf(make([]byte, 256)); err != nil {
		t.Fatal(err)
	}
	if err := c.ExtendSendBuf(make([]byte, 10)); err != nil {
		t.Fatal(err)
	}
	lport := c.LocalPort()
	p := c.pcb
	c.Close()
	if c.State() != StateClosed {
		t.Fatal("handle still bound after Close")
	}
	if p.state != StateFinWait1 {
		t.Fatalf("state=%v", p.state)
	}
	var fin Segment
	found := false
	for i := 0; i < e.numSent(); i++ {
		s, _ := e.sentSeg(i)
		if s.Flags.HasAny(FlagFIN) {
			fin, found = s, true
		}
	}
	if !found {
		t.Fatal("no FIN transmitted after Close")
	}
	if fin.SEQ != Add(iss, 11) {
		t.Fatalf("FIN seq=%d, want %d", fin.SEQ, Add(iss, 11))
	}

	// Peer acknowledges data and FIN.
	e.inject(lport, 80, Segment{SEQ: 1001, ACK: Add(iss, 12), WND: 4096, Flags: FlagACK}, nil, nil)
	if p.state != StateFinWait2 {
		t.Fatalf("state=%v", p.state)
	}
	// Peer closes its side.
	e.inject(lport, 80, Segment{SEQ: 1001, ACK: Add(iss, 12), WND: 4096, Flags: FlagFIN | FlagACK}, nil, nil)
	if p.state != StateTimeWait {
		t.Fatalf("state=%v", p.state)
	}
	finAck, _ := e.sentSeg(e.numSent() - 1)
	if finAck.ACK != 1002 {
		t.Fatalf("FIN not acknowledged, ACK=%d", finAck.ACK)
	}
	if h.aborted != 0 {
		t.Fatalf("aborted=%d on graceful close", h.aborted)
	}

	e.plat.Advance(ipstack.Time(timeWaitTimeout) + 1)
	if p.state != StateClosed {
		t.Fatalf("state=%v after 2MSL", p.state)
	}
	if len(e.proto.timeWait) != 0 || len(e.proto.active) != 0 {
		t.Fatal("PCB indices not empty")
	}
}

func TestPeerRstAborts(t *testing.T) {
	e := newTestEnv(t, ProtoConfig{})
	c, h, iss := e.openActive(1460, 4096)
	e.inject(c.LocalPort(), 80, Segment{SEQ: 1001, ACK: Add(iss, 1), WND: 4096, Flags: FlagRST}, nil, nil)
	if h.aborted != 1 {
		t.Fatalf("aborted=%d", h.aborted)
	}
	if c.State() != StateClosed {
		t.Fatalf("state=%v", c.State())
	}
	// The handle is detached; a second teardown path must not refire.
	c.Abort()
	if h.aborted != 1 {
		t.Fatalf("aborted refired: %d", h.aborted)
	}
}

func TestBlindRstChallenged(t *testing.T) {
	e := newTestEnv(t, ProtoConfig{})
	c, h, iss := e.openActive(1460, 4096)
	before := e.numSent()
	// In window but not exactly at rcv.nxt: challenge ACK, no teardown.
	e.inject(c.LocalPort(), 80, Segment{SEQ: 1500, ACK: Add(iss, 1), WND: 4096, Flags: FlagRST}, nil, nil)
	if h.aborted != 0 {
		t.Fatal("blind RST tore the connection down")
	}
	if e.numSent() != before+1 {
		t.Fatalf("challenge sent %d segments", e.numSent()-before)
	}
	ch, _ := e.sentSeg(before)
	if ch.Flags != FlagACK || ch.ACK != 1001 {
		t.Fatalf("challenge=%v", ch)
	}
}

func TestStraySegmentGetsRst(t *testing.T) {
	e := newTestEnv(t, ProtoConfig{})
	e.inject(9999, 40000, Segment{SEQ: 7, ACK: 1234, WND: 100, Flags: FlagACK}, nil, nil)
	rst, _ := e.sentSeg(0)
	if rst.Flags != FlagRST || rst.SEQ != 1234 {
		t.Fatalf("reply=%v", rst)
	}

	// A stray without ACK is answered with RST+ACK covering the segment.
	e.inject(9999, 40001, Segment{SEQ: 50, WND: 100, Flags: FlagSYN}, nil, nil)
	rst2, _ := e.sentSeg(1)
	if rst2.Flags != FlagRST|FlagACK || rst2.ACK != 51 {
		t.Fatalf("reply=%v", rst2)
	}
}

func TestOutOfOrderReassembly(t *testing.T) {
	e := newTestEnv(t, ProtoConfig{})
	c, h, iss := e.openActive(1460, 4096)
	lport := c.LocalPort()
	// Second chunk first: stored out of sequence, duplicate ACK emitted.
	e.inject(lport, 80, Segment{SEQ: 1011, ACK: Add(iss, 1), WND: 4096, Flags: FlagACK}, nil, []byte("0123456789"))
	if len(h.received) != 0 {
		t.Fatalf("premature delivery: %v", h.received)
	}
	dupAck, _ := e.sentSeg(e.numSent() - 1)
	if dupAck.ACK != 1001 {
		t.Fatalf("out of order ACK=%d", dupAck.ACK)
	}
	// The hole arrives; both chunks deliver at once.
	e.inject(lport, 80, Segment{SEQ: 1001, ACK: Add(iss, 1), WND: 4096, Flags: FlagACK}, nil, []byte("abcdefghij"))
	if len(h.received) != 1 || h.received[0] != 20 {
		t.Fatalf("received events=%v", h.received)
	}
	if !bytes.Equal(c.ReceivedBytes(), []byte("abcdefghij0123456789")) {
		t.Fatalf("buffer=%q", c.ReceivedBytes())
	}
	ack, _ := e.sentSeg(e.numSent() - 1)
	if ack.ACK != 1021 {
		t.Fatalf("cumulative ACK=%d", ack.ACK)
	}
}

func TestPeerFinDeliversZeroRead(t *testing.T) {
	e := newTestEnv(t, ProtoConfig{})
	c, h, iss := e.openActive(1460, 4096)
	e.inject(c.LocalPort(), 80, Segment{SEQ: 1001, ACK: Add(iss, 1), WND: 4096, Flags: FlagFIN | FlagACK}, nil, nil)
	if len(h.received) != 1 || h.received[0] != 0 {
		t.Fatalf("received events=%v", h.received)
	}
	if c.State() != StateCloseWait {
		t.Fatalf("state=%v", c.State())
	}
	ack, _ := e.sentSeg(e.numSent() - 1)
	if ack.ACK != 1002 {
		t.Fatalf("FIN ACK=%d", ack.ACK)
	}
}

func TestConnectRequiresFreePCB(t *testing.T) {
	e := newTestEnv(t, ProtoConfig{MaxPCBs: 1})
	c1, _, _ := e.openActive(1460, 4096)
	_ = c1
	c2 := new(Conn)
	if err := e.proto.Connect(c2, &connEvents{}, e.raddr, 81); err != errNoPCBAvail {
		t.Fatalf("err=%v", err)
	}
}

func TestMoveConnection(t *testing.T) {
	e := newTestEnv(t, ProtoConfig{})
	c, h, iss := e.openActive(1460, 4096)
	var dst Conn
	if err := c.MoveConnection(&dst); err != nil {
		t.Fatal(err)
	}
	if c.State() != StateClosed || dst.State() != StateEstablished {
		t.Fatalf("states %v %v", c.State(), dst.State())
	}
	e.inject(dst.LocalPort(), 80, Segment{SEQ: 1001, ACK: Add(iss, 1), WND: 4096, Flags: FlagACK}, nil, []byte("xy"))
	if len(h.received) != 1 || h.received[0] != 2 {
		t.Fatalf("received events after move=%v", h.received)
	}
	if !bytes.Equal(dst.ReceivedBytes(), []byte("xy")) {
		t.Fatalf("buffer=%q", dst.ReceivedBytes())
	}
}
