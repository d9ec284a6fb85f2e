package tcp

import (
	"errors"
	"fmt"
	"math/bits"
)

var (
	// errDropSegment is a flag that signals to drop a segment silently.
	errDropSegment = errors.New("drop segment")

	errConnNotExist      = errors.New("connection does not exist")
	errConnectionClosing = errors.New("connection closing")
	errConnectionExists  = errors.New("connection already exists")
	errBufferFull        = errors.New("send buffer full")
	errNoPortAvail       = errors.New("no ephemeral port available")
	errNoPCBAvail        = errors.New("no PCB available")
	errNoRecvBuf         = errors.New("no receive buffer installed")
	errZeroDstPort       = errors.New("zero destination port")
	errBadQueueConfig    = errors.New("accept queue needs slots and slot buffers")

	errWindowOverflow  = newRejectErr("wnd > 2**30-1")
	errSeqNotInWindow  = newRejectErr("seq not in rcv.wnd")
	errAckUnacceptable = newRejectErr("unacceptable ack")
	errStaleRST        = newRejectErr("stale RST")
)

func newRejectErr(err string) *RejectError { return &RejectError{err: "reject in/out seg: " + err} }

// RejectError represents an error that arises during admission of a segment
// into the protocol control block logic in which the packet cannot be processed.
type RejectError struct {
	err string
}

func (e *RejectError) Error() string { return e.err }

// Protocol quantities. Times are in platform ticks ([ipstack.TicksPerSecond]
// per second).
const (
	// MaxWindow bounds every window the engine computes, 2^30-1. Leaves
	// room for sequence arithmetic to distinguish old from new data.
	MaxWindow Size = 1<<30 - 1
	// maxAckBefore is how far below snd.una an ACK number may fall and
	// still be considered acceptable.
	maxAckBefore Size = 0xffff
	// minAbandonRcvWndIncr is the minimum window increment announced when
	// the user abandons a connection, so the peer can finish quickly.
	minAbandonRcvWndIncr Size = 0xffff

	synRcvdTimeout  = 20 * 1000
	synSentTimeout  = 30 * 1000
	timeWaitTimeout = 120 * 1000
	abandonTimeout  = 30 * 1000

	// defaultAcceptTimeout is how long a queued connection may go without
	// sending data before its accept queue slot is reclaimed.
	defaultAcceptTimeout = 10 * 1000

	// outputDelayTicks coalesces output triggered multiple times within
	// one event batch.
	outputDelayTicks = 1
	// Retry periods after a send rejected by the IP layer.
	outputRetryFullTicks  = 100
	outputRetryOtherTicks = 2 * 1000

	initialRtxTime = 1 * 1000
	minRtxTime     = 250
	maxRtxTime     = 60 * 1000

	// fastRtxDupAcks duplicate ACKs trigger fast retransmit; up to
	// maxAdditionalDupAcks more each inflate cwnd by one MSS.
	fastRtxDupAcks       = 3
	maxAdditionalDupAcks = 32

	// defaultWndAnnThreshold suppresses window updates smaller than this
	// many bytes unless forced.
	defaultWndAnnThreshold = 2700

	// rcvWndShift is the window scale factor advertised on SYN segments.
	// maxWndShift is the largest factor accepted from the peer per RFC 7323.
	rcvWndShift = 6
	maxWndShift = 14

	// minMTU is the IPv4 minimum MTU; MSS never drops below what it allows.
	minMTU        = 576
	minAllowedMSS = minMTU - sizeHeaderIPv4TCP

	sizeHeaderIPv4TCP = 40
)

// pcbFlags is the per-PCB flag word.
type pcbFlags uint16

const (
	// pcbAckPending marks an ACK owed to the peer.
	pcbAckPending pcbFlags = 1 << iota
	// pcbOutPending marks that the output engine should run for this PCB.
	pcbOutPending
	// pcbFinSent means a FIN occupies the sequence space below snd.nxt.
	pcbFinSent
	// pcbFinPending means a FIN should be transmitted when data runs out.
	pcbFinPending
	// pcbRttPending marks a round-trip measurement in progress.
	pcbRttPending
	// pcbRttValid marks srtt/rttvar as initialized by at least one sample.
	pcbRttValid
	// pcbCwndIncrd inhibits congestion-avoidance growth until the current
	// RTT sample completes.
	pcbCwndIncrd
	// pcbRtxActive means snd.una..snd.nxt is nonempty and the rtx timer runs.
	pcbRtxActive
	// pcbRecover marks fast-recovery; the recover variable is valid.
	pcbRecover
	// pcbIdleTimer means the rtx timer is running as an idle timer instead.
	pcbIdleTimer
	// pcbWndScale means window scaling was negotiated on this connection.
	pcbWndScale
	// pcbCwndInit means cwnd still holds the initial window.
	pcbCwndInit
	// pcbOutRetry means the output timer is running as a retry timer after
	// a send error rather than as the usual output delay.
	pcbOutRetry
	// pcbRcvWndUpd forces a window update on the next output.
	pcbRcvWndUpd
)

func (f pcbFlags) isSet(mask pcbFlags) bool { return f&mask != 0 }

// Segment locates a TCP segment in the sequence space: where it starts, what
// it acknowledges, how much data it carries and under which flags.
type Segment struct {
	SEQ     Value // number of the first octet, or the ISN when SYN is set
	ACK     Value // next number the segment's sender expects to receive
	DATALEN Size  // payload octets, excluding SYN and FIN
	WND     Size  // window advertised by the segment's sender
	Flags   Flags
}

// LEN returns the sequence space the segment occupies: its payload plus one
// for SYN and one for FIN.
func (seg *Segment) LEN() Size {
	l := seg.DATALEN
	if seg.Flags.HasAny(FlagSYN) {
		l++
	}
	if seg.Flags.HasAny(FlagFIN) {
		l++
	}
	return l
}

// Last returns the sequence number of the final octet the segment occupies,
// or SEQ itself when the segment occupies no sequence space.
func (seg *Segment) Last() Value {
	if l := seg.LEN(); l != 0 {
		return Add(seg.SEQ, l-1)
	}
	return seg.SEQ
}

func (seg Segment) String() string {
	return fmt.Sprintf("seq=%d ack=%d wnd=%d len=%d [%s]",
		uint32(seg.SEQ), uint32(seg.ACK), uint32(seg.WND), uint32(seg.DATALEN), seg.Flags.appendNames(nil))
}

// Flags holds the flag bits of a TCP header, FIN in the least significant
// position through NS per RFC 9293 and RFC 3540.
type Flags uint16

const (
	FlagFIN Flags = 1 << iota // no more data from sender
	FlagSYN                   // synchronize sequence numbers
	FlagRST                   // reset the connection
	FlagPSH                   // push buffered data to the application
	FlagACK                   // acknowledgment field significant
	FlagURG                   // urgent pointer field significant
	FlagECE                   // ECN echo
	FlagCWR                   // congestion window reduced
	FlagNS                    // ECN nonce sum

	flagMask = FlagNS<<1 - 1
)

// HasAny reports whether at least one bit of mask is set.
func (flags Flags) HasAny(mask Flags) bool { return flags&mask != 0 }

// Mask returns the flags with non-flag bits unset.
func (flags Flags) Mask() Flags { return flags & flagMask }

var flagNames = [9]string{"FIN", "SYN", "RST", "PSH", "ACK", "URG", "ECE", "CWR", "NS"}

// String formats the set flags in wire order, e.g. "[SYN,ACK]".
func (flags Flags) String() string {
	buf := make([]byte, 0, 2+4*bits.OnesCount16(uint16(flags)))
	buf = append(buf, '[')
	buf = flags.appendNames(buf)
	return string(append(buf, ']'))
}

func (flags Flags) appendNames(b []byte) []byte {
	for i, name := range flagNames {
		if flags&(1<<i) == 0 {
			continue
		}
		if len(b) > 1 {
			b = append(b, ',')
		}
		b = append(b, name...)
	}
	return b
}

// State enumerates the connection states of RFC 9293 section 3.3.2.
// StateClosed stands in for the "no connection" pseudo-state.
type State uint8

const (
	StateClosed State = iota
	// StateListen waits for a connection request from any remote endpoint.
	StateListen
	// StateSynRcvd has both received and sent a connection request and
	// waits for the peer to acknowledge ours.
	StateSynRcvd
	// StateSynSent has sent a connection request and waits for the
	// matching one from the peer.
	StateSynSent
	// StateEstablished transfers data in both directions.
	StateEstablished
	// StateFinWait1 has sent a FIN and waits for it to be acknowledged or
	// for the peer's own FIN.
	StateFinWait1
	// StateFinWait2 has its FIN acknowledged and waits for the peer's FIN.
	StateFinWait2
	// StateClosing saw the peer's FIN while waiting for ours to be
	// acknowledged.
	StateClosing
	// StateTimeWait lingers long enough to be sure the peer received the
	// acknowledgment of its FIN.
	StateTimeWait
	// StateCloseWait received the peer's FIN and waits for the local user
	// to close.
	StateCloseWait
	// StateLastAck waits for the acknowledgment of the FIN sent after the
	// peer's close.
	StateLastAck
)

var stateNames = [...]string{
	StateClosed:      "CLOSED",
	StateListen:      "LISTEN",
	StateSynRcvd:     "SYN-RECEIVED",
	StateSynSent:     "SYN-SENT",
	StateEstablished: "ESTABLISHED",
	StateFinWait1:    "FIN-WAIT-1",
	StateFinWait2:    "FIN-WAIT-2",
	StateClosing:     "CLOSING",
	StateTimeWait:    "TIME-WAIT",
	StateCloseWait:   "CLOSE-WAIT",
	StateLastAck:     "LAST-ACK",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "UNKNOWN"
}

// IsSynchronized returns true once the connection has passed through the
// established state.
func (s State) IsSynchronized() bool {
	return s >= StateEstablished
}

// isAcceptingData returns true in states where incoming segment data advances rcv.nxt.
func (s State) isAcceptingData() bool {
	return s == StateEstablished || s == StateFinWait1 || s == StateFinWait2
}

// isSndOpen returns true while the user may still queue data: no FIN counted yet.
func (s State) isSndOpen() bool {
	return s == StateSynSent || s == StateSynRcvd || s == StateEstablished || s == StateCloseWait
}

// canOutput returns true in states where the output engine may transmit
// data or FIN segments.
func (s State) canOutput() bool {
	switch s {
	case StateEstablished, StateCloseWait, StateFinWait1, StateClosing, StateLastAck:
		return true
	}
	return false
}
