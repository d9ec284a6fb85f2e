package ipv4_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/soypat/ipstack"
	"github.com/soypat/ipstack/internal/ltesto"
	"github.com/soypat/ipstack/ipv4"
)

var (
	fragSrc = [4]byte{10, 0, 0, 1}
	fragDst = [4]byte{10, 0, 0, 2}
)

// makeFragment builds a valid IPv4 fragment packet. off is in bytes and must
// be a multiple of 8. The payload is filled with byte(off+i) so reassembled
// datagrams carry a position-dependent pattern.
func makeFragment(t *testing.T, id uint16, ttl uint8, off, plen int, more bool) []byte {
	t.Helper()
	if off%8 != 0 {
		t.Fatalf("fragment offset %d not a multiple of 8", off)
	}
	buf := make([]byte, 20+plen)
	ifrm, err := ipv4.NewFrame(buf)
	if err != nil {
		t.Fatal(err)
	}
	ifrm.SetVersionAndIHL(4, 5)
	ifrm.SetTotalLength(uint16(20 + plen))
	ifrm.SetID(id)
	ifrm.SetFlags(ipv4.NewFlags(uint16(off/8), false, more))
	ifrm.SetTTL(ttl)
	ifrm.SetProtocol(ipstack.IPProtoTCP)
	*ifrm.SourceAddr() = fragSrc
	*ifrm.DestinationAddr() = fragDst
	for i := 0; i < plen; i++ {
		buf[20+i] = byte(off + i)
	}
	ifrm.SetCRC(ifrm.CalculateHeaderCRC())
	return buf
}

func feedFragment(t *testing.T, rs *ipv4.Reassembler, pkt []byte) (payload, hdr []byte, done bool) {
	t.Helper()
	ifrm, err := ipv4.NewFrame(pkt)
	if err != nil {
		t.Fatal(err)
	}
	return rs.ProcessFragment(ifrm)
}

func wantPattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}

func TestReassemblyInOrder(t *testing.T) {
	plat := ltesto.NewTestPlatform(0)
	rs, err := ipv4.NewReassembler(ipv4.ReassemblyConfig{Platform: plat, MaxDatagram: 2048})
	if err != nil {
		t.Fatal(err)
	}
	f1 := makeFragment(t, 77, 64, 0, 1480, true)
	f2 := makeFragment(t, 77, 64, 1480, 400, false)

	if _, _, done := feedFragment(t, rs, f1); done {
		t.Fatal("complete after first fragment")
	}
	payload, hdr, done := feedFragment(t, rs, f2)
	if !done {
		t.Fatal("incomplete after final fragment")
	}
	if len(payload) != 1880 {
		t.Fatalf("payload length = %d, want 1880", len(payload))
	}
	if diff := cmp.Diff(wantPattern(1880), payload); diff != "" {
		t.Errorf("payload mismatch (-want +got):\n%s", diff)
	}
	// Base header must come from the first fragment of the datagram.
	bfrm, err := ipv4.NewFrame(hdr)
	if err != nil {
		t.Fatal(err)
	}
	if bfrm.ID() != 77 || *bfrm.SourceAddr() != fragSrc || *bfrm.DestinationAddr() != fragDst {
		t.Errorf("bad base header: %s", bfrm.String())
	}
}

func TestReassemblyReordered(t *testing.T) {
	frags := [][3]int{ // off, len, more(1/0)
		{0, 1000, 1},
		{1000, 1000, 1},
		{2000, 500, 0},
	}
	perms := [][3]int{
		{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0},
	}
	want := wantPattern(2500)
	for _, perm := range perms {
		plat := ltesto.NewTestPlatform(0)
		rs, err := ipv4.NewReassembler(ipv4.ReassemblyConfig{Platform: plat, MaxDatagram: 4096})
		if err != nil {
			t.Fatal(err)
		}
		var payload []byte
		var completions int
		for _, i := range perm {
			f := frags[i]
			pkt := makeFragment(t, 42, 64, f[0], f[1], f[2] == 1)
			p, _, done := feedFragment(t, rs, pkt)
			if done {
				completions++
				payload = append([]byte(nil), p...)
			}
		}
		if completions != 1 {
			t.Fatalf("perm %v: %d completions, want 1", perm, completions)
		}
		if diff := cmp.Diff(want, payload); diff != "" {
			t.Errorf("perm %v: payload mismatch (-want +got):\n%s", perm, diff)
		}
	}
}

// A final fragment extending past the buffer limit must discard all progress
// on the entry, not just drop the fragment.
func TestReassemblyFinalFragmentOverflow(t *testing.T) {
	plat := ltesto.NewTestPlatform(0)
	rs, err := ipv4.NewReassembler(ipv4.ReassemblyConfig{Platform: plat}) // MaxDatagram 1480
	if err != nil {
		t.Fatal(err)
	}
	if _, _, done := feedFragment(t, rs, makeFragment(t, 9, 64, 0, 1480, true)); done {
		t.Fatal("complete after first fragment")
	}
	// Ends at 1600, beyond the 1480 byte buffer.
	if _, _, done := feedFragment(t, rs, makeFragment(t, 9, 64, 1200, 400, false)); done {
		t.Fatal("complete after overflowing final fragment")
	}
	// The entry was invalidated, so the key must reassemble from scratch.
	if _, _, done := feedFragment(t, rs, makeFragment(t, 9, 64, 1472, 8, false)); done {
		t.Fatal("complete without refeeding lost data")
	}
	if _, _, done := feedFragment(t, rs, makeFragment(t, 9, 64, 0, 1472, true)); !done {
		t.Fatal("incomplete after full refeed")
	}
}

// Splitting holes past MaxHoles discards the entry and its partial data.
func TestReassemblyTooManyHoles(t *testing.T) {
	plat := ltesto.NewTestPlatform(0)
	rs, err := ipv4.NewReassembler(ipv4.ReassemblyConfig{Platform: plat, MaxDatagram: 576, MaxHoles: 2})
	if err != nil {
		t.Fatal(err)
	}
	// Final fragment first: holes [0,40) and the tail sentinel.
	if _, _, done := feedFragment(t, rs, makeFragment(t, 5, 64, 40, 8, false)); done {
		t.Fatal("complete after final fragment alone")
	}
	// Splits [0,40) into [0,16) and [24,40): three holes, over the limit.
	if _, _, done := feedFragment(t, rs, makeFragment(t, 5, 64, 16, 8, true)); done {
		t.Fatal("complete after hole-splitting fragment")
	}
	// Were the entry still live these two would close every hole below 48.
	if _, _, done := feedFragment(t, rs, makeFragment(t, 5, 64, 0, 16, true)); done {
		t.Fatal("stale entry survived invalidation")
	}
	if _, _, done := feedFragment(t, rs, makeFragment(t, 5, 64, 24, 16, true)); done {
		t.Fatal("stale entry survived invalidation")
	}
}

func TestReassemblyExpiry(t *testing.T) {
	plat := ltesto.NewTestPlatform(0)
	rs, err := ipv4.NewReassembler(ipv4.ReassemblyConfig{Platform: plat, MaxDatagram: 576})
	if err != nil {
		t.Fatal(err)
	}
	// TTL 10 bounds the entry lifetime to 10 seconds.
	if _, _, done := feedFragment(t, rs, makeFragment(t, 3, 10, 0, 576-8, true)); done {
		t.Fatal("complete after first fragment")
	}
	plat.Advance(11 * ipstack.TicksPerSecond)
	// The entry expired: this final fragment starts a fresh entry.
	if _, _, done := feedFragment(t, rs, makeFragment(t, 3, 10, 576-8, 8, false)); done {
		t.Fatal("expired entry completed")
	}
	if _, _, done := feedFragment(t, rs, makeFragment(t, 3, 10, 0, 576-8, true)); !done {
		t.Fatal("incomplete after refeed of expired data")
	}
}

func TestReassemblyMaxTimeCapsTTL(t *testing.T) {
	plat := ltesto.NewTestPlatform(0)
	rs, err := ipv4.NewReassembler(ipv4.ReassemblyConfig{Platform: plat, MaxDatagram: 576, MaxTimeSeconds: 5})
	if err != nil {
		t.Fatal(err)
	}
	// TTL 255 would allow 255 s but the configured maximum wins.
	feedFragment(t, rs, makeFragment(t, 4, 255, 0, 568, true))
	plat.Advance(6 * ipstack.TicksPerSecond)
	if _, _, done := feedFragment(t, rs, makeFragment(t, 4, 255, 568, 8, false)); done {
		t.Fatal("entry outlived MaxTimeSeconds")
	}
}

func TestReassemblyEviction(t *testing.T) {
	plat := ltesto.NewTestPlatform(0)
	rs, err := ipv4.NewReassembler(ipv4.ReassemblyConfig{Platform: plat, MaxDatagram: 576, MaxEntries: 1})
	if err != nil {
		t.Fatal(err)
	}
	feedFragment(t, rs, makeFragment(t, 1, 64, 0, 64, true))
	// Different ident: with a single entry this evicts datagram 1.
	feedFragment(t, rs, makeFragment(t, 2, 64, 0, 64, true))
	if _, _, done := feedFragment(t, rs, makeFragment(t, 1, 64, 64, 8, false)); done {
		t.Fatal("evicted entry completed")
	}

	rs2, err := ipv4.NewReassembler(ipv4.ReassemblyConfig{Platform: ltesto.NewTestPlatform(0), MaxDatagram: 576, MaxEntries: 2})
	if err != nil {
		t.Fatal(err)
	}
	feedFragment(t, rs2, makeFragment(t, 1, 64, 0, 64, true))
	feedFragment(t, rs2, makeFragment(t, 2, 64, 0, 64, true))
	p1, _, done := feedFragment(t, rs2, makeFragment(t, 1, 64, 64, 8, false))
	if !done || len(p1) != 72 {
		t.Fatalf("datagram 1: done=%v len=%d, want 72", done, len(p1))
	}
	p2, _, done := feedFragment(t, rs2, makeFragment(t, 2, 64, 64, 8, false))
	if !done || len(p2) != 72 {
		t.Fatalf("datagram 2: done=%v len=%d, want 72", done, len(p2))
	}
}

func TestReassemblyIdentMismatch(t *testing.T) {
	plat := ltesto.NewTestPlatform(0)
	rs, err := ipv4.NewReassembler(ipv4.ReassemblyConfig{Platform: plat, MaxDatagram: 576, MaxEntries: 4})
	if err != nil {
		t.Fatal(err)
	}
	feedFragment(t, rs, makeFragment(t, 10, 64, 0, 64, true))
	// Same offsets under another ident must not complete datagram 10.
	if _, _, done := feedFragment(t, rs, makeFragment(t, 11, 64, 64, 8, false)); done {
		t.Fatal("completed across idents")
	}
	if _, _, done := feedFragment(t, rs, makeFragment(t, 10, 64, 64, 8, false)); !done {
		t.Fatal("matching final fragment did not complete")
	}
}

func TestReassemblyPurgeTimer(t *testing.T) {
	plat := ltesto.NewTestPlatform(0)
	rs, err := ipv4.NewReassembler(ipv4.ReassemblyConfig{Platform: plat, MaxDatagram: 576})
	if err != nil {
		t.Fatal(err)
	}
	if n := plat.ArmedTimers(); n != 1 {
		t.Fatalf("armed timers = %d, want 1 purge timer", n)
	}
	feedFragment(t, rs, makeFragment(t, 6, 64, 0, 64, true))
	// The periodic purge must re-arm itself across firings.
	plat.Advance(3 * 24 * 60 * 60 * ipstack.TicksPerSecond)
	if n := plat.ArmedTimers(); n != 1 {
		t.Fatalf("armed timers after purges = %d, want 1", n)
	}
	if _, _, done := feedFragment(t, rs, makeFragment(t, 6, 64, 64, 8, false)); done {
		t.Fatal("purged entry completed")
	}
}

func TestReassemblyConfigValidation(t *testing.T) {
	plat := ltesto.NewTestPlatform(0)
	for _, tc := range []struct {
		name string
		cfg  ipv4.ReassemblyConfig
	}{
		{"nil platform", ipv4.ReassemblyConfig{}},
		{"small datagram", ipv4.ReassemblyConfig{Platform: plat, MaxDatagram: 512}},
		{"huge datagram", ipv4.ReassemblyConfig{Platform: plat, MaxDatagram: 0xfffe}},
		{"many holes", ipv4.ReassemblyConfig{Platform: plat, MaxHoles: 251}},
		{"short lifetime", ipv4.ReassemblyConfig{Platform: plat, MaxTimeSeconds: 4}},
		{"negative entries", ipv4.ReassemblyConfig{Platform: plat, MaxEntries: -1}},
	} {
		if _, err := ipv4.NewReassembler(tc.cfg); err == nil {
			t.Errorf("%s: config accepted", tc.name)
		}
	}
}
