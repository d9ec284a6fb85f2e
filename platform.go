package ipstack

// Time is a monotonic tick count in milliseconds provided by a [Platform].
// Comparisons between Time values must tolerate wraparound, use the
// signed-difference helpers below instead of ordinary operators.
type Time uint64

// TicksPerSecond is the fixed tick frequency of [Platform.Now].
const TicksPerSecond = 1000

// LessThan reports whether t precedes other modulo wraparound.
func (t Time) LessThan(other Time) bool { return int64(t-other) < 0 }

// LessThanEq reports whether t precedes or equals other modulo wraparound.
func (t Time) LessThanEq(other Time) bool { return int64(t-other) <= 0 }

// Sub returns the signed tick difference t-other.
func (t Time) Sub(other Time) int64 { return int64(t - other) }

// Platform provides the stack with monotonic time and one-shot timers.
// All callbacks scheduled through a Platform must fire on the same
// goroutine (or other serialization domain) that drives packet input;
// the stack performs no locking of its own.
type Platform interface {
	// Now returns the current monotonic time in milliseconds.
	Now() Time
	// NewTimer allocates a timer that calls cb when it expires.
	// The returned timer starts unset.
	NewTimer(cb func()) PlatformTimer
}

// PlatformTimer is a one-shot timer bound to a callback at creation.
type PlatformTimer interface {
	// SetAt schedules the timer to fire at absolute time t,
	// replacing any previously scheduled expiration.
	SetAt(t Time)
	// Unset cancels the scheduled expiration, if any.
	Unset()
}

// IPSender is the lower-layer seam through which the stack transmits
// datagram payloads. Implementations prepend the IPv4 header, resolve
// routes and link addresses and hand the result to the network interface.
type IPSender interface {
	// SendDatagram transmits seg as the payload of an IPv4 datagram.
	// The df flag requests the DontFragment bit. It may fail synchronously
	// with [ErrBufferFull], [ErrFragNeeded], [ErrNoRoute] or [ErrARPPending].
	SendDatagram(src, dst [4]byte, proto IPProto, ttl uint8, df bool, seg []byte) error
	// LocalMTU returns the IP MTU of the local interface.
	LocalMTU() uint16
	// LocalAddr returns the primary local IPv4 address.
	LocalAddr() [4]byte
}

// RetrySender is optionally implemented by an [IPSender]. After a send
// fails with [ErrBufferFull] or [ErrARPPending] the caller may register a
// one-shot callback invoked when transmission is likely to succeed again.
type RetrySender interface {
	OnSendPossible(cb func())
}

// MtuRef tracks the path MTU estimate toward a single remote address.
// References are handed out by the IP layer's path MTU cache; consumers
// deregister by calling Close.
type MtuRef interface {
	// PMTU returns the current path MTU estimate in bytes (IP MTU, header
	// included). Zero means no estimate is available.
	PMTU() uint16
	// SetNotify registers cb to be invoked whenever the estimate changes.
	// Only one callback may be registered per reference.
	SetNotify(cb func(pmtu uint16))
	// Close releases the reference.
	Close() error
}
