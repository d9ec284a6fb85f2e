package ipstack

import "errors"

// Errors a lower IP/link layer may return synchronously from a send call.
// The stack treats these as transient: the datagram is dropped locally and
// higher layers decide whether to retry, back off or abort.
var (
	// ErrBufferFull is returned when the lower layer cannot queue the
	// datagram for transmission at this time.
	ErrBufferFull = errors.New("send buffer full")
	// ErrFragNeeded is returned when the datagram exceeds the path MTU and
	// the DontFragment flag forbids splitting it.
	ErrFragNeeded = errors.New("fragmentation needed but DF set")
	// ErrNoRoute is returned when no route exists for the destination address.
	ErrNoRoute = errors.New("no route to destination")
	// ErrARPPending is returned when link address resolution for the next hop
	// is still in progress. Senders may register for a retry callback via
	// [RetrySender].
	ErrARPPending = errors.New("link address resolution pending")
)

type errGeneric uint8

// Generic errors common to internet functioning.
const (
	_                     errGeneric = iota // non-initialized err
	ErrPacketDrop                           // packet dropped
	ErrBadCRC                               // incorrect checksum
	ErrShortFrame                           // frame shorter than header demands
	ErrShortBuffer                          // buffer shorter than frame demands
	ErrInvalidLengthField                   // length or offset field inconsistent
	ErrInvalidField                         // field holds invalid value
	ErrZeroSource                           // zero source address or port
	ErrZeroDestination                      // zero destination address or port
)

func (err errGeneric) Error() string {
	switch err {
	case ErrPacketDrop:
		return "packet dropped"
	case ErrBadCRC:
		return "incorrect checksum"
	case ErrShortFrame:
		return "frame shorter than header demands"
	case ErrShortBuffer:
		return "buffer shorter than frame demands"
	case ErrInvalidLengthField:
		return "length or offset field inconsistent"
	case ErrInvalidField:
		return "field holds invalid value"
	case ErrZeroSource:
		return "zero source address or port"
	case ErrZeroDestination:
		return "zero destination address or port"
	}
	return "unknown generic error"
}
