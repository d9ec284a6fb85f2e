package tcp

// oosBuffer tracks data received ahead of rcv.nxt as disjoint sequence
// ranges, plus the position of a received FIN. The data octets themselves
// live in the connection's receive buffer at their sequence offset; only the
// bookkeeping lives here. Ranges are kept sorted ascending and merged on
// insert, so no two stored ranges overlap or touch.
type oosBuffer struct {
	segs    []seqRange
	finSeq  Value
	haveFin bool
}

type seqRange struct {
	start, end Value // [start, end)
}

func (oos *oosBuffer) init(numSegs int) {
	oos.segs = make([]seqRange, 0, numSegs)
	oos.haveFin = false
}

func (oos *oosBuffer) isEmpty() bool { return len(oos.segs) == 0 && !oos.haveFin }

func (oos *oosBuffer) clear() {
	oos.segs = oos.segs[:0]
	oos.haveFin = false
}

// insert records [start, end) as received, merging with neighbors. fin marks
// end as the sequence number of a FIN. It returns false only when the
// segment is inconsistent with previously recorded data (a FIN moved, or
// data past a recorded FIN); such segments must be dropped. When capacity is
// exhausted the range is silently forgotten, together with a FIN it carries
// that was not already recorded, which is safe: the peer retransmits
// whatever is never acknowledged.
func (oos *oosBuffer) insert(start, end Value, fin bool) bool {
	hadFin := oos.haveFin
	if fin {
		if oos.haveFin && oos.finSeq != end {
			return false
		}
		for i := range oos.segs {
			if end.LessThan(oos.segs[i].end) {
				return false
			}
		}
		oos.haveFin = true
		oos.finSeq = end
	} else if oos.haveFin && oos.finSeq.LessThan(end) {
		return false
	}
	if start == end {
		return true
	}
	// Locate the run of ranges overlapping or adjacent to [start, end).
	i := 0
	for i < len(oos.segs) && oos.segs[i].end.LessThan(start) {
		i++
	}
	j := i
	for j < len(oos.segs) && oos.segs[j].start.LessThanEq(end) {
		j++
	}
	if i == j {
		if len(oos.segs) == cap(oos.segs) {
			// Full. Drop the range and a FIN first seen with it.
			if fin && !hadFin {
				oos.haveFin = false
			}
			return true
		}
		oos.segs = append(oos.segs, seqRange{})
		copy(oos.segs[i+1:], oos.segs[i:])
		oos.segs[i] = seqRange{start: start, end: end}
		return true
	}
	merged := seqRange{start: Min(oos.segs[i].start, start), end: Max(oos.segs[j-1].end, end)}
	oos.segs[i] = merged
	oos.segs = append(oos.segs[:i+1], oos.segs[j:]...)
	return true
}

// consume pops every range now contiguous with rcvNxt and returns the
// advanced receive-next value together with whether a recorded FIN lands
// exactly at it.
func (oos *oosBuffer) consume(rcvNxt Value) (newRcvNxt Value, fin bool) {
	for len(oos.segs) > 0 && oos.segs[0].start.LessThanEq(rcvNxt) {
		if rcvNxt.LessThan(oos.segs[0].end) {
			rcvNxt = oos.segs[0].end
		}
		oos.segs = oos.segs[:copy(oos.segs, oos.segs[1:])]
	}
	return rcvNxt, oos.haveFin && oos.finSeq == rcvNxt
}
