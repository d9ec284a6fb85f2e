package ipv4_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/soypat/ipstack"
	"github.com/soypat/ipstack/internal/ltesto"
	"github.com/soypat/ipstack/ipv4"
)

type captureUpper struct {
	src, dst [4]byte
	payloads [][]byte
	err      error
}

func (u *captureUpper) RecvDatagram(src, dst [4]byte, payload []byte) error {
	u.src, u.dst = src, dst
	u.payloads = append(u.payloads, append([]byte(nil), payload...))
	return u.err
}

func newTestDemux(t *testing.T) (*ipv4.Demux, *captureUpper) {
	t.Helper()
	dx, err := ipv4.NewDemux(ipv4.DemuxConfig{
		Reassembly: ipv4.ReassemblyConfig{
			Platform:    ltesto.NewTestPlatform(0),
			MaxDatagram: 2048,
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	up := &captureUpper{}
	if err := dx.Register(ipstack.IPProtoTCP, up); err != nil {
		t.Fatal(err)
	}
	return dx, up
}

func TestDemuxPassthrough(t *testing.T) {
	dx, up := newTestDemux(t)
	pkt := makeFragment(t, 1, 64, 0, 100, false) // unfragmented: off=0, MF clear
	if err := dx.Recv(pkt); err != nil {
		t.Fatal(err)
	}
	if len(up.payloads) != 1 || len(up.payloads[0]) != 100 {
		t.Fatalf("payloads = %d, want one of 100 bytes", len(up.payloads))
	}
	if up.src != fragSrc || up.dst != fragDst {
		t.Errorf("addresses = %v -> %v, want %v -> %v", up.src, up.dst, fragSrc, fragDst)
	}
}

func TestDemuxReassembles(t *testing.T) {
	dx, up := newTestDemux(t)
	if err := dx.Recv(makeFragment(t, 7, 64, 0, 1480, true)); err != nil {
		t.Fatal(err)
	}
	if len(up.payloads) != 0 {
		t.Fatal("delivery before datagram complete")
	}
	if err := dx.Recv(makeFragment(t, 7, 64, 1480, 400, false)); err != nil {
		t.Fatal(err)
	}
	if len(up.payloads) != 1 {
		t.Fatalf("payloads = %d, want 1", len(up.payloads))
	}
	if got := up.payloads[0]; len(got) != 1880 || !bytes.Equal(got, wantPattern(1880)) {
		t.Errorf("reassembled payload wrong, len=%d", len(got))
	}
	if up.src != fragSrc || up.dst != fragDst {
		t.Errorf("addresses = %v -> %v, want %v -> %v", up.src, up.dst, fragSrc, fragDst)
	}
}

func TestDemuxBadChecksum(t *testing.T) {
	dx, up := newTestDemux(t)
	pkt := makeFragment(t, 1, 64, 0, 100, false)
	pkt[10] ^= 0xff
	if err := dx.Recv(pkt); err == nil {
		t.Fatal("corrupted header accepted")
	}
	if len(up.payloads) != 0 {
		t.Fatal("corrupted packet delivered")
	}
}

func TestDemuxBadVersion(t *testing.T) {
	dx, up := newTestDemux(t)
	pkt := makeFragment(t, 1, 64, 0, 100, false)
	ifrm, _ := ipv4.NewFrame(pkt)
	ifrm.SetVersionAndIHL(6, 5)
	ifrm.SetCRC(ifrm.CalculateHeaderCRC())
	if err := dx.Recv(pkt); err == nil {
		t.Fatal("version 6 header accepted")
	}
	if len(up.payloads) != 0 {
		t.Fatal("bad version packet delivered")
	}
}

func TestDemuxTruncated(t *testing.T) {
	dx, up := newTestDemux(t)
	pkt := makeFragment(t, 1, 64, 0, 100, false)
	if err := dx.Recv(pkt[:60]); err == nil { // shorter than TotalLength
		t.Fatal("truncated packet accepted")
	}
	if err := dx.Recv(pkt[:10]); err == nil { // shorter than a header
		t.Fatal("short buffer accepted")
	}
	if len(up.payloads) != 0 {
		t.Fatal("truncated packet delivered")
	}
}

func TestDemuxNoUpper(t *testing.T) {
	dx, up := newTestDemux(t)
	pkt := makeFragment(t, 1, 64, 0, 100, false)
	ifrm, _ := ipv4.NewFrame(pkt)
	ifrm.SetProtocol(ipstack.IPProtoUDP)
	ifrm.SetCRC(ifrm.CalculateHeaderCRC())
	if err := dx.Recv(pkt); err == nil {
		t.Fatal("unregistered protocol accepted")
	}
	if len(up.payloads) != 0 {
		t.Fatal("unregistered protocol delivered")
	}
}

func TestDemuxRegister(t *testing.T) {
	dx, _ := newTestDemux(t)
	if err := dx.Register(ipstack.IPProtoTCP, &captureUpper{}); err == nil {
		t.Error("duplicate registration accepted")
	}
	if err := dx.Register(ipstack.IPProtoUDP, nil); err == nil {
		t.Error("nil upper accepted")
	}
	if err := dx.Register(ipstack.IPProtoUDP, &captureUpper{}); err != nil {
		t.Errorf("second protocol rejected: %v", err)
	}
}

func TestDemuxUpperError(t *testing.T) {
	dx, up := newTestDemux(t)
	wantErr := errors.New("upper busy")
	up.err = wantErr
	pkt := makeFragment(t, 1, 64, 0, 100, false)
	if err := dx.Recv(pkt); !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
}
