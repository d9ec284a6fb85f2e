package ipv4

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"

	"github.com/soypat/ipstack"
)

// Frame provides field access over the raw bytes of an IPv4 packet, header
// and payload. Accessors beyond the fixed 20-octet header panic on
// inconsistent frames; run [Frame.ValidateSize] first. See RFC 791.
type Frame struct {
	buf []byte
}

// NewFrame wraps buf as an IPv4 frame. It fails when buf cannot hold the
// fixed header. Size fields are not checked here, see [Frame.ValidateSize].
func NewFrame(buf []byte) (Frame, error) {
	if len(buf) < sizeHeader {
		return Frame{}, errTruncated
	}
	return Frame{buf: buf}, nil
}

// RawData returns the backing slice the frame was created with.
func (ifrm Frame) RawData() []byte { return ifrm.buf }

func (ifrm Frame) version() uint8 { return ifrm.buf[0] >> 4 }
func (ifrm Frame) ihl() uint8     { return ifrm.buf[0] & 0xf }

// VersionAndIHL returns the first header octet split into the version (4 for
// valid frames) and the header length in 32-bit words.
func (ifrm Frame) VersionAndIHL() (version, ihl uint8) {
	return ifrm.version(), ifrm.ihl()
}

// SetVersionAndIHL packs version and IHL into the first header octet.
func (ifrm Frame) SetVersionAndIHL(version, ihl uint8) {
	ifrm.buf[0] = version<<4 | ihl&0xf
}

// HeaderLength returns the header length in octets, options included.
func (ifrm Frame) HeaderLength() int { return int(ifrm.ihl()) * 4 }

// ToS returns the Type of Service octet.
func (ifrm Frame) ToS() ToS { return ToS(ifrm.buf[1]) }

// SetToS sets the Type of Service octet.
func (ifrm Frame) SetToS(tos ToS) { ifrm.buf[1] = byte(tos) }

// TotalLength returns the size of the datagram in octets, header included.
// For fragments this covers the fragment, not the reassembled datagram.
func (ifrm Frame) TotalLength() uint16 {
	return binary.BigEndian.Uint16(ifrm.buf[2:4])
}

// SetTotalLength sets the total length field.
func (ifrm Frame) SetTotalLength(tl uint16) {
	binary.BigEndian.PutUint16(ifrm.buf[2:4], tl)
}

// ID returns the identification field shared by all fragments of a datagram.
func (ifrm Frame) ID() uint16 { return binary.BigEndian.Uint16(ifrm.buf[4:6]) }

// SetID sets the identification field.
func (ifrm Frame) SetID(id uint16) { binary.BigEndian.PutUint16(ifrm.buf[4:6], id) }

// Flags returns the fragmentation word, flag bits and offset.
func (ifrm Frame) Flags() Flags {
	return Flags(binary.BigEndian.Uint16(ifrm.buf[6:8]))
}

// SetFlags sets the fragmentation word.
func (ifrm Frame) SetFlags(flags Flags) {
	binary.BigEndian.PutUint16(ifrm.buf[6:8], uint16(flags))
}

// TTL returns the remaining hop count.
func (ifrm Frame) TTL() uint8 { return ifrm.buf[8] }

// SetTTL sets the remaining hop count.
func (ifrm Frame) SetTTL(ttl uint8) { ifrm.buf[8] = ttl }

// Protocol returns the protocol of the payload, see [ipstack.IPProto].
func (ifrm Frame) Protocol() ipstack.IPProto { return ipstack.IPProto(ifrm.buf[9]) }

// SetProtocol sets the payload protocol field.
func (ifrm Frame) SetProtocol(proto ipstack.IPProto) { ifrm.buf[9] = uint8(proto) }

// CRC returns the header checksum field.
func (ifrm Frame) CRC() uint16 { return binary.BigEndian.Uint16(ifrm.buf[10:12]) }

// SetCRC sets the header checksum field.
func (ifrm Frame) SetCRC(checksum uint16) {
	binary.BigEndian.PutUint16(ifrm.buf[10:12], checksum)
}

// CalculateHeaderCRC computes the header checksum over the full header,
// options included, skipping the checksum field itself.
func (ifrm Frame) CalculateHeaderCRC() uint16 {
	var crc ipstack.CRC791
	crc.Write(ifrm.buf[:10])
	crc.Write(ifrm.buf[12:ifrm.HeaderLength()])
	return crc.Sum16()
}

// CRCWriteTCPPseudo adds the TCP pseudo-header derived from this frame to
// crc: both addresses, the TCP segment length and the protocol number.
func (ifrm Frame) CRCWriteTCPPseudo(crc *ipstack.CRC791) {
	crc.Write(ifrm.SourceAddr()[:])
	crc.Write(ifrm.DestinationAddr()[:])
	crc.AddUint16(ifrm.TotalLength() - uint16(ifrm.HeaderLength()))
	crc.AddUint16(uint16(ifrm.Protocol()))
}

// SourceAddr returns a pointer into the frame at the source address field.
func (ifrm Frame) SourceAddr() *[4]byte {
	return (*[4]byte)(ifrm.buf[12:16])
}

// DestinationAddr returns a pointer into the frame at the destination
// address field.
func (ifrm Frame) DestinationAddr() *[4]byte {
	return (*[4]byte)(ifrm.buf[16:20])
}

// Options returns the variable portion of the header, which may be empty.
// Call [Frame.ValidateSize] first to avoid a panic on a bad IHL.
func (ifrm Frame) Options() []byte {
	return ifrm.buf[sizeHeader:ifrm.HeaderLength()]
}

// Payload returns the data carried by the datagram, which may be empty.
// Call [Frame.ValidateSize] first to avoid a panic on bad size fields.
func (ifrm Frame) Payload() []byte {
	return ifrm.buf[ifrm.HeaderLength():ifrm.TotalLength()]
}

// ClearHeader zeros the fixed portion of the header.
func (ifrm Frame) ClearHeader() {
	clear(ifrm.buf[:sizeHeader])
}

//
// Validation API.
//

var (
	errTruncated = errors.New("ipv4: buffer shorter than total length")
	errBadTL     = errors.New("ipv4: total length below header size")
	errBadIHL    = errors.New("ipv4: IHL below 5")
	errBadVer    = errors.New("ipv4: version not 4")
	errEvil      = errors.New("ipv4: evil bit set")
)

// ValidateSize checks the size fields against each other and the backing
// buffer, recording inconsistencies on v. Frames that pass can have
// [Frame.Options] and [Frame.Payload] called without panicking.
func (ifrm Frame) ValidateSize(v *ipstack.Validator) {
	tl := ifrm.TotalLength()
	if tl < sizeHeader || int(tl) < ifrm.HeaderLength() {
		v.AddError(errBadTL)
	}
	if int(tl) > len(ifrm.buf) {
		v.AddError(errTruncated)
	}
	if ifrm.ihl() < 5 {
		v.AddError(errBadIHL)
	}
}

// ValidateExceptCRC runs all header checks other than the checksum.
func (ifrm Frame) ValidateExceptCRC(v *ipstack.Validator) {
	ifrm.ValidateSize(v)
	if ifrm.version() != 4 {
		v.AddError(errBadVer)
	}
	if v.Flags()&ipstack.ValidateEvilBit != 0 && ifrm.Flags().IsEvil() {
		v.AddError(errEvil)
	}
}

func (ifrm Frame) String() string {
	src := netip.AddrFrom4(*ifrm.SourceAddr())
	dst := netip.AddrFrom4(*ifrm.DestinationAddr())
	tl := int(ifrm.TotalLength())
	return fmt.Sprintf("IP %s SRC=%s DST=%s LEN=%d OPT=%d TTL=%d ID=%d ToS=0x%x",
		ifrm.Protocol().String(), src.String(), dst.String(), tl, ifrm.HeaderLength()-sizeHeader, ifrm.TTL(), ifrm.ID(), uint8(ifrm.ToS()))
}
