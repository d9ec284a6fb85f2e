package tcp

// Value is a sequence space position: a sequence number, acknowledgment
// number or window edge. All arithmetic is modulo 2^32 as mandated by
// [RFC9293], so comparisons use signed differences instead of operators.
//
// [RFC9293]: https://datatracker.ietf.org/doc/html/rfc9293
type Value uint32

// Size is an offset or length in the sequence space, such as a window
// size or an amount of octets, including SYN and FIN which each occupy
// one sequence number.
type Size uint32

// Add returns v advanced by s in the sequence space.
func Add(v Value, s Size) Value { return v + Value(s) }

// Sizeof returns the distance from a to b, a result only meaningful
// when a precedes b in the sequence space.
func Sizeof(a, b Value) Size { return Size(b - a) }

// UpdateForward advances v by s in place.
func (v *Value) UpdateForward(s Size) { *v += Value(s) }

// LessThan returns v < o in modular arithmetic: true when v precedes o
// by less than half the sequence space.
func (v Value) LessThan(o Value) bool { return int32(v-o) < 0 }

// LessThanEq returns v <= o in modular arithmetic.
func (v Value) LessThanEq(o Value) bool { return v == o || v.LessThan(o) }

// InWindow reports whether v is inside the window [base, base+wnd).
// A zero window contains no values.
func (v Value) InWindow(base Value, wnd Size) bool {
	off := Sizeof(base, v)
	return off < wnd
}

// InRange reports whether v is inside [lo, hi] inclusive.
func (v Value) InRange(lo, hi Value) bool {
	return Sizeof(lo, v) <= Sizeof(lo, hi)
}

// Max returns the later of a and b in the sequence space.
func Max(a, b Value) Value {
	if a.LessThan(b) {
		return b
	}
	return a
}

// Min returns the earlier of a and b in the sequence space.
func Min(a, b Value) Value {
	if a.LessThan(b) {
		return a
	}
	return b
}

func minSize(a, b Size) Size {
	if a < b {
		return a
	}
	return b
}

func maxSize(a, b Size) Size {
	if a > b {
		return a
	}
	return b
}
