package tcp

import "testing"

func TestEphemeralPortRoundRobin(t *testing.T) {
	e := newTestEnv(t, ProtoConfig{EphemeralPortFirst: 0xc000, EphemeralPortLast: 0xc002})
	var got []uint16
	for i := 0; i < 4; i++ {
		port, err := e.proto.allocEphemeralPort(e.laddr, e.raddr, 80)
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, port)
	}
	want := []uint16{0xc000, 0xc001, 0xc002, 0xc000}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("allocation %d: got %#x want %#x", i, got[i], want[i])
		}
	}
}

func TestEphemeralPortSkipsInUse(t *testing.T) {
	e := newTestEnv(t, ProtoConfig{EphemeralPortFirst: 0xc000, EphemeralPortLast: 0xc002})
	busy := tuple{laddr: e.laddr, raddr: e.raddr, lport: 0xc000, rport: 80}
	e.proto.active[busy] = &pcb{}
	port, err := e.proto.allocEphemeralPort(e.laddr, e.raddr, 80)
	if err != nil {
		t.Fatal(err)
	}
	if port != 0xc001 {
		t.Fatalf("port=%#x", port)
	}
	// Round robin continues from the previous allocation.
	port, err = e.proto.allocEphemeralPort(e.laddr, e.raddr, 443)
	if err != nil {
		t.Fatal(err)
	}
	if port != 0xc002 {
		t.Fatalf("port=%#x", port)
	}
}

func TestEphemeralPortExhaustion(t *testing.T) {
	e := newTestEnv(t, ProtoConfig{EphemeralPortFirst: 0xc000, EphemeralPortLast: 0xc001})
	for _, lp := range []uint16{0xc000, 0xc001} {
		tup := tuple{laddr: e.laddr, raddr: e.raddr, lport: lp, rport: 80}
		e.proto.active[tup] = &pcb{}
	}
	if _, err := e.proto.allocEphemeralPort(e.laddr, e.raddr, 80); err != errNoPortAvail {
		t.Fatalf("err=%v", err)
	}
}

func TestFindListenerExactBeatsWildcard(t *testing.T) {
	e := newTestEnv(t, ProtoConfig{})
	wild, err := e.proto.Listen(&rejectingHandler{}, ListenConfig{Port: 80})
	if err != nil {
		t.Fatal(err)
	}
	exact, err := e.proto.Listen(&rejectingHandler{}, ListenConfig{Addr: e.laddr, Port: 80})
	if err != nil {
		t.Fatal(err)
	}
	if got := e.proto.findListener(e.laddr, 80); got != exact {
		t.Fatal("exact-address listener not preferred")
	}
	if got := e.proto.findListener([4]byte{10, 0, 0, 1}, 80); got != wild {
		t.Fatal("wildcard listener not found for other address")
	}
	if got := e.proto.findListener(e.laddr, 81); got != nil {
		t.Fatal("listener found on wrong port")
	}
}

func TestListenRejectsDuplicate(t *testing.T) {
	e := newTestEnv(t, ProtoConfig{})
	if _, err := e.proto.Listen(&rejectingHandler{}, ListenConfig{Port: 80}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.proto.Listen(&rejectingHandler{}, ListenConfig{Port: 80}); err != errConnectionExists {
		t.Fatalf("err=%v", err)
	}
	if _, err := e.proto.Listen(&rejectingHandler{}, ListenConfig{Port: 0}); err != errZeroDstPort {
		t.Fatalf("err=%v", err)
	}
}

func TestAllocateRecyclesTimeWait(t *testing.T) {
	e := newTestEnv(t, ProtoConfig{MaxPCBs: 1})
	c, _, iss := e.openActive(1460, 4096)
	lport := c.LocalPort()
	c.Close()
	e.inject(lport, 80, Segment{SEQ: 1001, ACK: Add(iss, 2), WND: 4096, Flags: FlagACK}, nil, nil)
	e.inject(lport, 80, Segment{SEQ: 1001, ACK: Add(iss, 2), WND: 4096, Flags: FlagFIN | FlagACK}, nil, nil)
	if len(e.proto.timeWait) != 1 {
		t.Fatalf("timeWait=%d", len(e.proto.timeWait))
	}
	// The only PCB is in TIME-WAIT; a new active open evicts it.
	c2 := new(Conn)
	if err := c2.SetRecvBuf(make([]byte, 1024)); err != nil {
		t.Fatal(err)
	}
	if err := e.proto.Connect(c2, &connEvents{}, e.raddr, 81); err != nil {
		t.Fatal(err)
	}
	if len(e.proto.timeWait) != 0 {
		t.Fatal("TIME-WAIT PCB survived eviction")
	}
	if c2.State() != StateSynSent {
		t.Fatalf("state=%v", c2.State())
	}
}
