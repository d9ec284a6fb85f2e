package tcp

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/soypat/ipstack"
)

const sizeHeaderTCP = 20

// Frame provides field access over the raw bytes of a TCP segment. Accessors
// past the fixed 20-octet header panic on inconsistent offsets; run
// [Frame.ValidateSize] first. See RFC 9293.
type Frame struct {
	buf []byte
}

// NewFrame wraps buf as a TCP frame. It fails when buf cannot hold the fixed
// header. The data offset field is not checked here, see [Frame.ValidateSize].
func NewFrame(buf []byte) (Frame, error) {
	if len(buf) < sizeHeaderTCP {
		return Frame{}, ipstack.ErrShortBuffer
	}
	return Frame{buf: buf}, nil
}

// RawData returns the backing slice the frame was created with.
func (tfrm Frame) RawData() []byte { return tfrm.buf }

// SourcePort returns the sending port. Zero is invalid on the wire.
func (tfrm Frame) SourcePort() uint16 {
	return binary.BigEndian.Uint16(tfrm.buf[0:2])
}

// SetSourcePort sets the sending port.
func (tfrm Frame) SetSourcePort(port uint16) {
	binary.BigEndian.PutUint16(tfrm.buf[0:2], port)
}

// DestinationPort returns the receiving port. Zero is invalid on the wire.
func (tfrm Frame) DestinationPort() uint16 {
	return binary.BigEndian.Uint16(tfrm.buf[2:4])
}

// SetDestinationPort sets the receiving port.
func (tfrm Frame) SetDestinationPort(port uint16) {
	binary.BigEndian.PutUint16(tfrm.buf[2:4], port)
}

// Seq returns the sequence number of the first data octet of the segment.
// When SYN is set it is the initial sequence number and the first data octet
// follows it.
func (tfrm Frame) Seq() Value {
	return Value(binary.BigEndian.Uint32(tfrm.buf[4:8]))
}

// SetSeq sets the sequence number field.
func (tfrm Frame) SetSeq(v Value) {
	binary.BigEndian.PutUint32(tfrm.buf[4:8], uint32(v))
}

// Ack returns the acknowledgment number: the next sequence number the sender
// of the segment expects to receive. Meaningful only when the ACK flag is
// set, which it is on every segment of an established connection.
func (tfrm Frame) Ack() Value {
	return Value(binary.BigEndian.Uint32(tfrm.buf[8:12]))
}

// SetAck sets the acknowledgment number field.
func (tfrm Frame) SetAck(v Value) {
	binary.BigEndian.PutUint32(tfrm.buf[8:12], uint32(v))
}

// offsetFlags returns the raw 16-bit word holding the data offset in its top
// nibble and the flag bits below it.
func (tfrm Frame) offsetFlags() uint16 {
	return binary.BigEndian.Uint16(tfrm.buf[12:14])
}

// Flags returns the segment's flag bits.
func (tfrm Frame) Flags() Flags {
	return Flags(tfrm.offsetFlags()).Mask()
}

// HeaderLength returns the header length in octets as encoded in the data
// offset field, options included. Performs no validation.
func (tfrm Frame) HeaderLength() int {
	return 4 * int(tfrm.offsetFlags()>>12)
}

// setOffsetAndFlags packs the data offset in 32-bit words together with the
// flag bits.
func (tfrm Frame) setOffsetAndFlags(offset uint8, flags Flags) {
	binary.BigEndian.PutUint16(tfrm.buf[12:14], uint16(offset)<<12|uint16(flags.Mask()))
}

// WindowSize returns the unscaled receive window advertisement.
func (tfrm Frame) WindowSize() uint16 {
	return binary.BigEndian.Uint16(tfrm.buf[14:16])
}

// SetWindowSize sets the window field.
func (tfrm Frame) SetWindowSize(wnd uint16) {
	binary.BigEndian.PutUint16(tfrm.buf[14:16], wnd)
}

// CRC returns the checksum field.
func (tfrm Frame) CRC() uint16 {
	return binary.BigEndian.Uint16(tfrm.buf[16:18])
}

// SetCRC sets the checksum field.
func (tfrm Frame) SetCRC(checksum uint16) {
	binary.BigEndian.PutUint16(tfrm.buf[16:18], checksum)
}

// Options returns the variable portion of the header, which may be empty.
// Call [Frame.ValidateSize] first to avoid a panic on a bad data offset.
func (tfrm Frame) Options() []byte {
	return tfrm.buf[sizeHeaderTCP:tfrm.HeaderLength()]
}

// Payload returns the data octets following the header and options.
// Call [Frame.ValidateSize] first to avoid a panic on a bad data offset.
func (tfrm Frame) Payload() []byte {
	return tfrm.buf[tfrm.HeaderLength():]
}

// Segment returns the [Segment] describing the frame's header fields and
// the given payload length.
func (tfrm Frame) Segment(payloadSize int) Segment {
	if payloadSize > math.MaxInt32 {
		panic("tcp: payload size overflow")
	}
	return Segment{
		SEQ:     tfrm.Seq(),
		ACK:     tfrm.Ack(),
		WND:     Size(tfrm.WindowSize()),
		DATALEN: Size(payloadSize),
		Flags:   tfrm.Flags(),
	}
}

// SetSegment writes seg's sequence, acknowledgment, flag and window fields
// into the header along with the data offset in 32-bit words, minimum 5.
func (tfrm Frame) SetSegment(seg Segment, offset uint8) {
	if offset >= 1<<4 {
		panic("tcp: data offset overflow")
	}
	if seg.WND > math.MaxUint16 {
		panic("tcp: window overflow")
	}
	tfrm.SetSeq(seg.SEQ)
	tfrm.SetAck(seg.ACK)
	tfrm.setOffsetAndFlags(offset, seg.Flags)
	tfrm.SetWindowSize(uint16(seg.WND))
}

// ClearHeader zeros the fixed portion of the header.
func (tfrm Frame) ClearHeader() {
	clear(tfrm.buf[:sizeHeaderTCP])
}

func (tfrm Frame) String() string {
	seg := tfrm.Segment(len(tfrm.Payload()))
	return fmt.Sprintf("TCP :%d -> :%d %s", tfrm.SourcePort(), tfrm.DestinationPort(), seg.String())
}

//
// Validation API.
//

// ValidateSize checks the data offset field against the header minimum and
// the backing buffer, recording inconsistencies on v. Frames that pass can
// have [Frame.Options] and [Frame.Payload] called without panicking.
func (tfrm Frame) ValidateSize(v *ipstack.Validator) {
	hl := tfrm.HeaderLength()
	if hl < sizeHeaderTCP || hl > len(tfrm.buf) {
		v.AddBitPosErr(12*8, 4, ipstack.ErrInvalidLengthField)
	}
}

// ValidateExceptCRC runs all header checks other than the checksum.
func (tfrm Frame) ValidateExceptCRC(v *ipstack.Validator) {
	tfrm.ValidateSize(v)
	if tfrm.DestinationPort() == 0 {
		v.AddBitPosErr(2*8, 16, ipstack.ErrZeroDestination)
	}
	if tfrm.SourcePort() == 0 {
		v.AddBitPosErr(0, 16, ipstack.ErrZeroSource)
	}
}
