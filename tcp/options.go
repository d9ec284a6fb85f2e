package tcp

import (
	"github.com/soypat/ipstack"
)

// OptionKind is the first octet of a TCP header option.
type OptionKind uint8

const (
	OptEnd            OptionKind = 0 // end of option list
	OptNop            OptionKind = 1 // no-operation padding
	OptMaxSegmentSize OptionKind = 2
	OptWindowScale    OptionKind = 3
	OptSACKPermitted  OptionKind = 4
	OptSACK           OptionKind = 5
	OptTimestamps     OptionKind = 8
	OptUserTimeout    OptionKind = 28
)

// IsObsolete reports whether the option kind was deprecated by later TCP
// specifications and should not appear on the wire.
func (kind OptionKind) IsObsolete() bool {
	switch kind {
	case 6, 7: // echo, echo reply
		return true
	case 9, 10: // partial order connection/service
		return true
	case 11, 12, 13: // CC, CC.new, CC.echo
		return true
	case 14, 15: // alternate checksum request/data
		return true
	case 19: // MD5 signature
		return true
	}
	return false
}

// OptionFlags modify how [OptionCodec] walks an option list.
type OptionFlags uint8

const (
	// OptFlagSkipSizeValidation disables the per-kind length checks on
	// options with a fixed wire size.
	OptFlagSkipSizeValidation OptionFlags = 1 << iota
	// OptFlagSkipObsolete walks past obsolete options without invoking the
	// callback.
	OptFlagSkipObsolete
)

// OptionCodec reads and writes the kind-length-data option lists of a TCP
// header. The zero value walks strictly, see [OptionFlags] to relax checks.
type OptionCodec struct {
	Flags OptionFlags
}

// PutOption16 appends an option with a 2-octet big-endian value.
func (op OptionCodec) PutOption16(dst []byte, kind OptionKind, v uint16) (int, error) {
	return op.PutOption(dst, kind, byte(v>>8), byte(v))
}

// PutOption32 appends an option with a 4-octet big-endian value.
func (op OptionCodec) PutOption32(dst []byte, kind OptionKind, v uint32) (int, error) {
	return op.PutOption(dst, kind, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

// PutOption encodes kind, length and data at the start of dst and returns
// the encoded size. OptEnd and OptNop carry no length octet and cannot be
// written through this method.
func (op OptionCodec) PutOption(dst []byte, kind OptionKind, data ...byte) (int, error) {
	size := 2 + len(data)
	switch {
	case kind == OptEnd || kind == OptNop:
		return -1, ipstack.ErrInvalidField
	case size > 255:
		return -1, ipstack.ErrInvalidLengthField
	case size > len(dst):
		return -1, ipstack.ErrShortBuffer
	}
	dst[0] = byte(kind)
	dst[1] = byte(size)
	copy(dst[2:], data)
	return size, nil
}

// fixedOptionSize returns the mandated wire size of kind, or -1 when the
// size is variable or unspecified.
func fixedOptionSize(kind OptionKind) int {
	switch kind {
	case OptMaxSegmentSize, OptUserTimeout:
		return 4
	case OptWindowScale:
		return 3
	case OptSACKPermitted:
		return 2
	case OptTimestamps:
		return 10
	}
	return -1
}

// ForEachOption calls fn with each option's kind and data octets, stopping
// at OptEnd, the end of opts, or the first error. Unknown kinds are passed
// through to fn, which may ignore them.
func (op OptionCodec) ForEachOption(opts []byte, fn func(OptionKind, []byte) error) error {
	for len(opts) > 0 {
		kind := OptionKind(opts[0])
		if kind == OptEnd {
			return nil
		}
		if kind == OptNop {
			opts = opts[1:]
			continue
		}
		if len(opts) < 2 {
			return ipstack.ErrShortBuffer
		}
		size := int(opts[1])
		if size < 2 || size > len(opts) {
			return ipstack.ErrShortBuffer
		}
		if op.Flags&OptFlagSkipSizeValidation == 0 {
			if want := fixedOptionSize(kind); want != -1 && size != want {
				return ipstack.ErrInvalidLengthField
			}
		}
		if op.Flags&OptFlagSkipObsolete == 0 || !kind.IsObsolete() {
			if err := fn(kind, opts[2:size]); err != nil {
				return err
			}
		}
		opts = opts[size:]
	}
	return nil
}
