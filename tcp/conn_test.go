package tcp

import (
	"bytes"
	"testing"

	"github.com/soypat/ipstack"
)

func TestSynSentTimeoutAborts(t *testing.T) {
	e := newTestEnv(t, ProtoConfig{})
	c := new(Conn)
	if err := c.SetRecvBuf(make([]byte, 1024)); err != nil {
		t.Fatal(err)
	}
	h := &connEvents{}
	if err := e.proto.Connect(c, h, e.raddr, 80); err != nil {
		t.Fatal(err)
	}
	sent := e.numSent()
	e.plat.Advance(ipstack.Time(synSentTimeout) + 1)
	if h.aborted != 1 {
		t.Fatalf("aborted=%d", h.aborted)
	}
	if c.State() != StateClosed {
		t.Fatalf("state=%v", c.State())
	}
	// The SYN was retransmitted with backoff while waiting.
	if e.numSent() <= sent {
		t.Fatal("no SYN retransmissions before timeout")
	}
	for i := sent; i < e.numSent(); i++ {
		s, _ := e.sentSeg(i)
		if s.Flags != FlagSYN {
			t.Fatalf("packet %d flags=%v", i, s.Flags)
		}
	}
}

func TestSetRecvBufAnnouncesWindow(t *testing.T) {
	e := newTestEnv(t, ProtoConfig{})
	c, _, iss := e.openActive(1460, 4096)
	before := e.numSent()
	if err := c.SetRecvBuf(make([]byte, 8192)); err != nil {
		t.Fatal(err)
	}
	if e.numSent() != before+1 {
		t.Fatalf("sent %d segments", e.numSent()-before)
	}
	upd, _ := e.sentSeg(before)
	if upd.Flags != FlagACK || upd.SEQ != Add(iss, 1) {
		t.Fatalf("update=%v", upd)
	}
	if upd.WND != 8192 {
		t.Fatalf("announced window=%d", upd.WND)
	}
}

func TestListenerMaxPCBs(t *testing.T) {
	e := newTestEnv(t, ProtoConfig{})
	_, err := e.proto.Listen(&rejectingHandler{}, ListenConfig{Port: 80, MaxPCBs: 1, InitialRecvWnd: 512})
	if err != nil {
		t.Fatal(err)
	}
	e.inject(80, 40000, Segment{SEQ: 100, WND: 4096, Flags: FlagSYN}, mssOption(1460), nil)
	if e.numSent() != 1 {
		t.Fatalf("sent %d after first SYN", e.numSent())
	}
	// A second handshake attempt is dropped until the first resolves.
	e.inject(80, 40001, Segment{SEQ: 200, WND: 4096, Flags: FlagSYN}, mssOption(1460), nil)
	if e.numSent() != 1 {
		t.Fatalf("sent %d after second SYN", e.numSent())
	}
}

func TestShutdownSendHalfClose(t *testing.T) {
	e := newTestEnv(t, ProtoConfig{})
	c, h, iss := e.openActive(1460, 4096)
	if err := c.ShutdownSend(); err != nil {
		t.Fatal(err)
	}
	fin, _ := e.sentSeg(e.numSent() - 1)
	if !fin.Flags.HasAny(FlagFIN) || fin.SEQ != Add(iss, 1) {
		t.Fatalf("FIN=%v", fin)
	}
	if err := c.ExtendSendBuf([]byte("late")); err != errConnectionClosing {
		t.Fatalf("err=%v", err)
	}
	if err := c.ShutdownSend(); err != errConnectionClosing {
		t.Fatalf("second shutdown err=%v", err)
	}
	// The receive direction stays open past our FIN.
	e.inject(c.LocalPort(), 80, Segment{
		SEQ: 1001, ACK: Add(iss, 2), WND: 4096, Flags: FlagACK,
	}, nil, []byte("still coming"))
	if c.State() != StateFinWait2 {
		t.Fatalf("state=%v", c.State())
	}
	if len(h.received) != 1 || h.received[0] != 12 {
		t.Fatalf("received=%v", h.received)
	}
	if !bytes.Equal(c.ReceivedBytes(), []byte("still coming")) {
		t.Fatalf("buffer=%q", c.ReceivedBytes())
	}
}

func TestSetRecvBufRefusedWithOosData(t *testing.T) {
	e := newTestEnv(t, ProtoConfig{})
	c, _, iss := e.openActive(1460, 4096)
	e.inject(c.LocalPort(), 80, Segment{
		SEQ: 1501, ACK: Add(iss, 1), WND: 4096, Flags: FlagACK,
	}, nil, []byte("ahead"))
	if err := c.SetRecvBuf(make([]byte, 4096)); err != errConnectionClosing {
		t.Fatalf("err=%v", err)
	}
}

func TestSetSendBufRefusedWithQueuedData(t *testing.T) {
	e := newTestEnv(t, ProtoConfig{})
	c, _, _ := e.openActive(536, 4096)
	if err := c.SetSendBuf(make([]byte, 1024)); err != nil {
		t.Fatal(err)
	}
	if err := c.ExtendSendBuf(make([]byte, 700)); err != nil {
		t.Fatal(err)
	}
	if err := c.SetSendBuf(make([]byte, 2048)); err != errConnectionClosing {
		t.Fatalf("err=%v", err)
	}
}
