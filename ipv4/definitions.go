package ipv4

const sizeHeader = 20

// ToS is the Type of Service octet of the IPv4 header. The top 6 bits carry
// the Differentiated Services codepoint, the bottom 2 bits ECN.
type ToS uint8

// DSCP returns the Differentiated Services codepoint.
func (tos ToS) DSCP() uint8 { return uint8(tos) >> 2 }

// ECN returns the Explicit Congestion Notification bits.
func (tos ToS) ECN() uint8 { return uint8(tos) & 0b11 }

// Flags is the 16-bit fragmentation word of the IPv4 header: three flag bits
// followed by the 13-bit fragment offset in 8-octet units.
type Flags uint16

const (
	// FlagOffsetMask selects the fragment offset bits.
	FlagOffsetMask Flags = 1<<13 - 1
	// FlagMoreFragments is set on every fragment except the last.
	FlagMoreFragments Flags = 1 << 13
	// FlagDontFragment forbids fragmentation in transit. Routers drop the
	// datagram and report back with ICMP when it does not fit the next hop.
	FlagDontFragment Flags = 1 << 14
	// flagEvil is the reserved bit, per RFC 3514.
	flagEvil Flags = 1 << 15
)

// NewFlags packs a fragment offset in 8-octet units together with the DF and
// MF bits. fragOffset must fit in 13 bits.
func NewFlags(fragOffset uint16, dontFrag, moreFrag bool) Flags {
	f := Flags(fragOffset)
	if f > FlagOffsetMask {
		panic("ipv4: fragment offset overflows 13 bits")
	}
	if dontFrag {
		f |= FlagDontFragment
	}
	if moreFrag {
		f |= FlagMoreFragments
	}
	return f
}

// FragmentOffset returns the fragment's position within the original
// datagram, in 8-octet units. Zero for unfragmented datagrams and for the
// first fragment.
func (f Flags) FragmentOffset() uint16 { return uint16(f & FlagOffsetMask) }

// MoreFragments reports whether more fragments of the same datagram follow.
// The last fragment clears MF but carries a non-zero offset, which is what
// distinguishes it from an unfragmented datagram.
func (f Flags) MoreFragments() bool { return f&FlagMoreFragments != 0 }

// DontFragment reports whether the datagram must not be fragmented in transit.
func (f Flags) DontFragment() bool { return f&FlagDontFragment != 0 }

// IsEvil reports whether the reserved bit is set. See RFC 3514.
func (f Flags) IsEvil() bool { return f&flagEvil != 0 }
