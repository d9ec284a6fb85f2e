package ipv4

import (
	"errors"
	"log/slog"

	"github.com/soypat/ipstack"
	"github.com/soypat/ipstack/internal"
)

// Upper consumes whole IPv4 payloads handed up by a [Demux], either taken
// directly from an unfragmented datagram or produced by reassembly.
// The payload slice is only valid for the duration of the call.
type Upper interface {
	RecvDatagram(src, dst [4]byte, payload []byte) error
}

// DemuxConfig configures a [Demux].
type DemuxConfig struct {
	// Reassembly configures the fragment reassembler. Reassembly.Platform
	// is required.
	Reassembly ReassemblyConfig
	// ValidationFlags tune receive-path header validation.
	ValidationFlags ipstack.ValidateFlags
	// Logger receives drop diagnostics.
	Logger *slog.Logger
}

// Demux is the receive-side entry of the stack. It validates IPv4 headers,
// passes whole datagrams through, routes fragments into the reassembler and
// delivers completed payloads to the [Upper] registered for the protocol.
type Demux struct {
	reass  *Reassembler
	uppers map[ipstack.IPProto]Upper
	vld    ipstack.Validator
	log    *slog.Logger
}

var (
	errNoUpper       = errors.New("ipv4: no upper registered for protocol")
	errUpperExists   = errors.New("ipv4: protocol already registered")
	errDemuxHdrCRC   = errors.New("ipv4: header checksum mismatch")
	errDemuxNilUpper = errors.New("ipv4: nil upper")
)

// NewDemux returns a Demux with an armed reassembler and no registered uppers.
func NewDemux(cfg DemuxConfig) (*Demux, error) {
	reass, err := NewReassembler(cfg.Reassembly)
	if err != nil {
		return nil, err
	}
	return &Demux{
		reass:  reass,
		uppers: make(map[ipstack.IPProto]Upper),
		vld:    ipstack.NewValidator(cfg.ValidationFlags),
		log:    cfg.Logger,
	}, nil
}

// Register installs up as the receiver of payloads of the given protocol.
func (dx *Demux) Register(proto ipstack.IPProto, up Upper) error {
	if up == nil {
		return errDemuxNilUpper
	}
	if _, exists := dx.uppers[proto]; exists {
		return errUpperExists
	}
	dx.uppers[proto] = up
	return nil
}

// Recv processes one received IPv4 packet starting at the IP header.
// Malformed packets are dropped with a logged reason and a descriptive
// error for the caller's accounting; delivery errors from the upper are
// returned as-is.
func (dx *Demux) Recv(pkt []byte) error {
	ifrm, err := NewFrame(pkt)
	if err != nil {
		dx.drop("short", err)
		return err
	}
	ifrm.ValidateExceptCRC(&dx.vld)
	if err := dx.vld.ErrPop(); err != nil {
		dx.drop("bad header", err)
		return err
	}
	if ifrm.CRC() != ifrm.CalculateHeaderCRC() {
		dx.drop("bad crc", errDemuxHdrCRC)
		return errDemuxHdrCRC
	}
	proto := ifrm.Protocol()
	up := dx.uppers[proto]
	if up == nil {
		dx.drop("no upper", errNoUpper)
		return errNoUpper
	}
	flags := ifrm.Flags()
	if !flags.MoreFragments() && flags.FragmentOffset() == 0 {
		return up.RecvDatagram(*ifrm.SourceAddr(), *ifrm.DestinationAddr(), ifrm.Payload())
	}
	payload, hdr, done := dx.reass.ProcessFragment(ifrm)
	if !done {
		return nil
	}
	// Addresses come from the stored base header; the completing fragment
	// is guaranteed to carry the same ones since they are part of the key.
	var src, dst [4]byte
	copy(src[:], hdr[12:16])
	copy(dst[:], hdr[16:20])
	return up.RecvDatagram(src, dst, payload)
}

func (dx *Demux) drop(reason string, err error) {
	if dx.log != nil {
		internal.LogAttrs(dx.log, slog.LevelDebug, "demux:drop",
			slog.String("reason", reason),
			slog.String("err", err.Error()),
		)
	}
}
