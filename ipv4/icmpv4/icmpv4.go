package icmpv4

import (
	"encoding/binary"
	"errors"

	"github.com/soypat/ipstack"
)

// Type is the ICMP message type in the first octet of the header.
type Type uint8

const (
	TypeEchoReply              Type = 0
	TypeDestinationUnreachable Type = 3
	TypeSourceQuench           Type = 4
	TypeRedirect               Type = 5
	TypeEcho                   Type = 8
	TypeTimeExceeded           Type = 11
	TypeParameterProblem       Type = 12
)

// CodeTimeExceeded is the code field of time exceeded messages.
type CodeTimeExceeded uint8

const (
	// CodeExceededInTransit reports TTL reaching zero in transit.
	CodeExceededInTransit CodeTimeExceeded = 0
	// CodeFragmentReassembly reports a reassembly timeout at the receiver.
	CodeFragmentReassembly CodeTimeExceeded = 1
)

// CodeDestinationUnreachable is the code field of destination unreachable
// messages.
type CodeDestinationUnreachable uint8

const (
	CodeNetUnreachable   CodeDestinationUnreachable = 0
	CodeHostUnreachable  CodeDestinationUnreachable = 1
	CodeProtoUnreachable CodeDestinationUnreachable = 2
	CodePortUnreachable  CodeDestinationUnreachable = 3
	// CodeFragNeededAndDFSet reports a datagram too big for the next hop
	// while DF forbade fragmenting it. Carries the next-hop MTU.
	CodeFragNeededAndDFSet CodeDestinationUnreachable = 4
	CodeSourceRouteFailed  CodeDestinationUnreachable = 5
)

var (
	errShortFrame = errors.New("icmpv4: short frame")
	errBadCRC     = errors.New("icmpv4: checksum mismatch")
)

// NewFrame wraps buf as an ICMP message starting at the type octet.
func NewFrame(buf []byte) (Frame, error) {
	if len(buf) < 8 {
		return Frame{}, errShortFrame
	}
	return Frame{buf: buf}, nil
}

// Frame provides accessors over an ICMP message. The rest-of-header
// octets 4..8 are interpreted by the per-type wrappers below.
type Frame struct {
	buf []byte
}

func (frm Frame) Type() Type { return Type(frm.buf[0]) }

func (frm Frame) SetType(t Type) { frm.buf[0] = uint8(t) }

func (frm Frame) Code() uint8 { return frm.buf[1] }

func (frm Frame) SetCode(code uint8) { frm.buf[1] = code }

// CRC returns the checksum field of the frame.
func (frm Frame) CRC() uint16 {
	return binary.BigEndian.Uint16(frm.buf[2:4])
}

// SetCRC sets the checksum field of the frame.
func (frm Frame) SetCRC(crc uint16) {
	binary.BigEndian.PutUint16(frm.buf[2:4], crc)
}

// CalculateCRC computes the RFC 792 checksum over the whole message with
// the checksum field taken as zero.
func (frm Frame) CalculateCRC() uint16 {
	var crc ipstack.CRC791
	crc.AddUint16(binary.BigEndian.Uint16(frm.buf[0:2]))
	return crc.PayloadSum16(frm.buf[4:])
}

func (frm Frame) RawData() []byte { return frm.buf }

// FrameEcho interprets the rest-of-header of echo and echo reply messages.
type FrameEcho struct {
	Frame
}

func (frm FrameEcho) Identifier() uint16 {
	return binary.BigEndian.Uint16(frm.buf[4:6])
}

func (frm FrameEcho) SetIdentifier(id uint16) {
	binary.BigEndian.PutUint16(frm.buf[4:6], id)
}

func (frm FrameEcho) SequenceNumber() uint16 {
	return binary.BigEndian.Uint16(frm.buf[6:8])
}

func (frm FrameEcho) SetSequenceNumber(seq uint16) {
	binary.BigEndian.PutUint16(frm.buf[6:8], seq)
}

func (frm FrameEcho) Data() []byte { return frm.buf[8:] }

// FrameDestinationUnreachable interprets destination unreachable messages,
// including the RFC 1191 next-hop MTU of fragmentation-needed reports.
type FrameDestinationUnreachable struct {
	Frame
}

func (frm FrameDestinationUnreachable) Code() CodeDestinationUnreachable {
	return CodeDestinationUnreachable(frm.Frame.Code())
}

func (frm FrameDestinationUnreachable) SetCode(code CodeDestinationUnreachable) {
	frm.Frame.SetCode(uint8(code))
}

// NextHopMTU returns the next-hop MTU field. Zero on reports from routers
// that predate RFC 1191.
func (frm FrameDestinationUnreachable) NextHopMTU() uint16 {
	return binary.BigEndian.Uint16(frm.buf[6:8])
}

func (frm FrameDestinationUnreachable) SetNextHopMTU(mtu uint16) {
	binary.BigEndian.PutUint16(frm.buf[6:8], mtu)
}

// OriginalDst returns the destination address of the embedded original
// datagram header, which is the path the MTU report applies to.
func (frm FrameDestinationUnreachable) OriginalDst() (dst [4]byte, err error) {
	if len(frm.buf) < 8+20 {
		return dst, errShortFrame
	}
	copy(dst[:], frm.buf[8+16:8+20])
	return dst, nil
}
