package icmpv4

import (
	"errors"
	"log/slog"

	"github.com/soypat/ipstack"
	"github.com/soypat/ipstack/internal"
)

// PMTUSink receives next-hop MTU reports parsed from fragmentation-needed
// messages. [ipv4.PathMTUCache] implements it.
type PMTUSink interface {
	Report(dst [4]byte, mtu uint16)
}

// HandlerConfig configures a [Handler].
type HandlerConfig struct {
	// Sender transmits echo replies. Required.
	Sender ipstack.IPSender
	// PMTU receives fragmentation-needed reports. May be nil, in which
	// case the reports are dropped.
	PMTU PMTUSink
	// TTL of transmitted replies. Defaults to 64.
	TTL uint8
	// Logger receives drop diagnostics.
	Logger *slog.Logger
}

// Handler answers echo requests and feeds fragmentation-needed reports
// into a path MTU sink. It is registered on a demux for [ipstack.IPProtoICMP].
type Handler struct {
	snd     ipstack.IPSender
	pmtu    PMTUSink
	ttl     uint8
	log     *slog.Logger
	scratch []byte
}

var errNilSender = errors.New("icmpv4: nil sender")

func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if cfg.Sender == nil {
		return nil, errNilSender
	}
	if cfg.TTL == 0 {
		cfg.TTL = 64
	}
	return &Handler{
		snd:  cfg.Sender,
		pmtu: cfg.PMTU,
		ttl:  cfg.TTL,
		log:  cfg.Logger,
	}, nil
}

// RecvDatagram processes one ICMP message. Messages of types the handler
// does not implement are ignored without error.
func (h *Handler) RecvDatagram(src, dst [4]byte, payload []byte) error {
	frm, err := NewFrame(payload)
	if err != nil {
		h.drop("short", src, err)
		return err
	}
	if frm.CRC() != frm.CalculateCRC() {
		h.drop("bad crc", src, errBadCRC)
		return errBadCRC
	}
	switch frm.Type() {
	case TypeEcho:
		return h.echoReply(src, dst, payload)
	case TypeDestinationUnreachable:
		du := FrameDestinationUnreachable{frm}
		if du.Code() == CodeFragNeededAndDFSet {
			h.fragNeeded(src, du)
		}
	}
	return nil
}

// echoReply transmits the request back to its source with the type
// flipped, keeping identifier, sequence number and data intact.
func (h *Handler) echoReply(src, dst [4]byte, payload []byte) error {
	h.scratch = append(h.scratch[:0], payload...)
	buf := h.scratch
	reply, _ := NewFrame(buf)
	reply.SetType(TypeEchoReply)
	reply.SetCode(0)
	reply.SetCRC(0)
	reply.SetCRC(reply.CalculateCRC())
	return h.snd.SendDatagram(dst, src, ipstack.IPProtoICMP, h.ttl, false, buf)
}

func (h *Handler) fragNeeded(src [4]byte, du FrameDestinationUnreachable) {
	if h.pmtu == nil {
		return
	}
	odst, err := du.OriginalDst()
	if err != nil {
		h.drop("truncated frag-needed", src, err)
		return
	}
	h.pmtu.Report(odst, du.NextHopMTU())
}

func (h *Handler) drop(reason string, src [4]byte, err error) {
	if h.log != nil {
		internal.LogAttrs(h.log, slog.LevelDebug, "icmp:drop",
			slog.String("reason", reason),
			internal.SlogAddr4("src", &src),
			slog.String("err", err.Error()),
		)
	}
}
