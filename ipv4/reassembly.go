package ipv4

import (
	"encoding/binary"
	"errors"
	"log/slog"

	"github.com/soypat/ipstack"
	"github.com/soypat/ipstack/internal"
)

// Hole descriptors live at the start of the hole they describe, as
// suggested by RFC 815. They never leave the host so no byte order
// conversion is applied beyond fixed 16-bit accessors.
const (
	sizeHoleDescriptor = 4
	// holeNullLink terminates hole lists and doubles as the free-entry
	// marker when stored in firstHoleOffset.
	holeNullLink = 0xffff
)

// ReassemblyConfig configures a [Reassembler]. The zero value of every
// field other than Platform selects the default documented on the field.
type ReassemblyConfig struct {
	// Platform supplies monotonic time and the purge timer. Required.
	Platform ipstack.Platform
	// MaxEntries is the number of datagrams that can be reassembled
	// concurrently. Defaults to 1.
	MaxEntries int
	// MaxDatagram is the maximum reassembled payload size in bytes.
	// Defaults to 1480. May not be below 576.
	MaxDatagram uint16
	// MaxHoles caps the number of holes in a partially reassembled
	// datagram. Defaults to 10. Must be in range 1..250.
	MaxHoles uint8
	// MaxTimeSeconds limits entry lifetime in addition to the TTL
	// seconds limit. Defaults to 60, may not be below 5.
	MaxTimeSeconds uint8
	// Logger receives drop diagnostics at debug and trace levels.
	Logger *slog.Logger
}

func (rc *ReassemblyConfig) setDefaults() {
	if rc.MaxEntries == 0 {
		rc.MaxEntries = 1
	}
	if rc.MaxDatagram == 0 {
		rc.MaxDatagram = 1480
	}
	if rc.MaxHoles == 0 {
		rc.MaxHoles = 10
	}
	if rc.MaxTimeSeconds == 0 {
		rc.MaxTimeSeconds = 60
	}
}

// ApplyStack overwrites config fields with the non-zero values of the
// reassembly section of a loaded stack configuration.
func (rc *ReassemblyConfig) ApplyStack(sc *ipstack.StackConfig) {
	if sc.Reassembly.MaxEntries != 0 {
		rc.MaxEntries = sc.Reassembly.MaxEntries
	}
	if sc.Reassembly.MaxDatagram != 0 {
		rc.MaxDatagram = sc.Reassembly.MaxDatagram
	}
	if sc.Reassembly.MaxHoles != 0 {
		rc.MaxHoles = uint8(sc.Reassembly.MaxHoles)
	}
	if sc.Reassembly.MaxTimeSeconds != 0 {
		rc.MaxTimeSeconds = sc.Reassembly.MaxTimeSeconds
	}
}

var (
	errReassConfigPlatform = errors.New("ipv4: reassembly config needs Platform")
	errReassConfigSize     = errors.New("ipv4: MaxDatagram below 576 or too large")
	errReassConfigHoles    = errors.New("ipv4: MaxHoles outside 1..250")
	errReassConfigTime     = errors.New("ipv4: MaxTimeSeconds below 5")
)

// Reassembler reconstructs IPv4 datagrams from fragments using in-buffer
// hole descriptors. Entries are held in a fixed array sized at construction;
// when all are busy the entry closest to expiry is evicted.
type Reassembler struct {
	entries    []reassEntry
	plat       ipstack.Platform
	purgeTimer ipstack.PlatformTimer
	maxSize    uint16
	bufSize    uint16 // maxSize + sizeHoleDescriptor
	maxHoles   uint8
	maxTicks   ipstack.Time // entry lifetime ceiling
	log        *slog.Logger
}

type reassEntry struct {
	// firstHoleOffset is holeNullLink for a free entry. A live entry
	// always has at least one hole since the trailing descriptor-sized
	// bytes of the buffer can never be covered by a fragment.
	firstHoleOffset uint16
	// dataLength is zero until a final fragment arrives, then the total
	// payload size of the datagram.
	dataLength uint16
	expiration ipstack.Time
	ident      uint16
	proto      ipstack.IPProto
	src, dst   [4]byte
	header     [sizeHeader]byte
	buf        []byte
}

// NewReassembler validates cfg and returns a ready Reassembler with its
// periodic purge timer armed.
func NewReassembler(cfg ReassemblyConfig) (*Reassembler, error) {
	cfg.setDefaults()
	switch {
	case cfg.Platform == nil:
		return nil, errReassConfigPlatform
	case cfg.MaxDatagram < 576 || cfg.MaxDatagram > 0xffff-sizeHoleDescriptor:
		return nil, errReassConfigSize
	case cfg.MaxHoles < 1 || cfg.MaxHoles > 250:
		return nil, errReassConfigHoles
	case cfg.MaxTimeSeconds < 5:
		return nil, errReassConfigTime
	case cfg.MaxEntries < 1:
		return nil, errors.New("ipv4: MaxEntries must be positive")
	}
	rs := &Reassembler{
		entries:  make([]reassEntry, cfg.MaxEntries),
		plat:     cfg.Platform,
		maxSize:  cfg.MaxDatagram,
		bufSize:  cfg.MaxDatagram + sizeHoleDescriptor,
		maxHoles: cfg.MaxHoles,
		maxTicks: ipstack.Time(cfg.MaxTimeSeconds) * ipstack.TicksPerSecond,
		log:      cfg.Logger,
	}
	for i := range rs.entries {
		rs.entries[i].firstHoleOffset = holeNullLink
		rs.entries[i].buf = make([]byte, rs.bufSize)
	}
	rs.purgeTimer = rs.plat.NewTimer(rs.purge)
	rs.purgeTimer.SetAt(rs.plat.Now() + purgeInterval)
	return rs, nil
}

// purgeInterval only needs to be short enough that expiration times never
// become ambiguous due to clock wraparound, which for a millisecond uint64
// clock is far beyond any practical uptime. A day keeps scans cheap.
const purgeInterval = 24 * 60 * 60 * ipstack.TicksPerSecond

func (rs *Reassembler) purge() {
	rs.purgeTimer.SetAt(rs.plat.Now() + purgeInterval)
	rs.find(rs.plat.Now(), 0, [4]byte{}, [4]byte{}, 0)
}

// ProcessFragment feeds one received fragment into reassembly. The frame
// must actually be a fragment: MoreFragments set or a nonzero offset.
// On completing a datagram it returns the payload [0, dataLength), the
// stored base header of the datagram and true; the payload is only valid
// until the next call. Fragments that cannot be reconciled invalidate the
// whole entry and are dropped silently, the return is then (nil, nil, false).
func (rs *Reassembler) ProcessFragment(ifrm Frame) (payload, baseHeader []byte, complete bool) {
	flags := ifrm.Flags()
	frag := ifrm.Payload()
	fragOff := int(flags.FragmentOffset()) * 8
	moreFrags := flags.MoreFragments()
	if len(frag) == 0 {
		return nil, nil, false
	}
	now := rs.plat.Now()
	entry := rs.find(now, ifrm.ID(), *ifrm.SourceAddr(), *ifrm.DestinationAddr(), ifrm.Protocol())
	if entry == nil {
		entry = rs.alloc(now, ifrm.TTL())
		entry.ident = ifrm.ID()
		entry.proto = ifrm.Protocol()
		entry.src = *ifrm.SourceAddr()
		entry.dst = *ifrm.DestinationAddr()
		copy(entry.header[:], ifrm.RawData()[:sizeHeader])
		entry.firstHoleOffset = 0
		entry.dataLength = 0
		// One hole covering the whole buffer. Its final descriptor-sized
		// bytes cannot be filled by any fragment so it acts as infinity
		// and guarantees the hole list is never empty.
		entry.holeSet(0, rs.bufSize, holeNullLink)
	}

	// The fragment must fit the buffer.
	if fragOff > int(rs.maxSize) || len(frag) > int(rs.maxSize)-fragOff {
		rs.invalidate(entry, "frag exceeds buffer", fragOff, len(frag))
		return nil, nil, false
	}
	fragEnd := uint16(fragOff + len(frag))

	// Last-fragment bookkeeping: the first final fragment fixes the
	// datagram length, later fragments may not extend past it and any
	// repeated final fragment must agree on the end.
	if !moreFrags {
		if entry.dataLength != 0 && fragEnd != entry.dataLength {
			rs.invalidate(entry, "final frag length mismatch", fragOff, len(frag))
			return nil, nil, false
		}
		entry.dataLength = fragEnd
	} else if entry.dataLength != 0 && fragEnd > entry.dataLength {
		rs.invalidate(entry, "frag beyond final length", fragOff, len(frag))
		return nil, nil, false
	}

	// Walk the hole list dismantling every hole the fragment overlaps,
	// leaving zero to two replacement holes per dismantled hole.
	prevHole := uint16(holeNullLink)
	holeOff := entry.firstHoleOffset
	var numHoles uint8
	for holeOff != holeNullLink {
		holeSize, nextHole := entry.holeGet(holeOff)
		holeEnd := holeOff + holeSize
		if !moreFrags && holeOff > fragEnd {
			rs.invalidate(entry, "data past final frag", fragOff, len(frag))
			return nil, nil, false
		}
		if uint16(fragOff) >= holeEnd || fragEnd <= holeOff {
			prevHole = holeOff
			holeOff = nextHole
			numHoles++
			continue
		}
		if uint16(fragOff) > holeOff {
			// Left remainder keeps the old hole's position so its
			// incoming link stays valid; only the size shrinks.
			newSize := uint16(fragOff) - holeOff
			if newSize < sizeHoleDescriptor {
				rs.invalidate(entry, "left hole too small", fragOff, len(frag))
				return nil, nil, false
			}
			entry.holeSetSize(holeOff, newSize)
			prevHole = holeOff
			numHoles++
		}
		if fragEnd < holeEnd {
			newSize := holeEnd - fragEnd
			if newSize < sizeHoleDescriptor {
				rs.invalidate(entry, "right hole too small", fragOff, len(frag))
				return nil, nil, false
			}
			entry.holeSet(fragEnd, newSize, holeNullLink)
			entry.linkPrev(prevHole, fragEnd)
			prevHole = fragEnd
			numHoles++
		}
		entry.linkPrev(prevHole, nextHole)
		holeOff = nextHole
	}

	copy(entry.buf[fragOff:], frag)

	if entry.dataLength == 0 || entry.firstHoleOffset < entry.dataLength {
		if numHoles > rs.maxHoles {
			rs.invalidate(entry, "too many holes", fragOff, len(frag))
		}
		return nil, nil, false
	}
	// The only hole left starts at dataLength and spans to the end of
	// the buffer; the datagram is complete. Free the entry but hand out
	// its buffer, valid until the next fragment needs the entry.
	entry.firstHoleOffset = holeNullLink
	if rs.log != nil {
		internal.LogAttrs(rs.log, internal.LevelTrace, "reass:complete",
			slog.Uint64("id", uint64(entry.ident)),
			slog.Uint64("len", uint64(entry.dataLength)),
		)
	}
	return entry.buf[:entry.dataLength], entry.header[:], true
}

// find returns the entry matching the fragment key or nil. Expired entries
// are opportunistically freed during the scan, which is also how the purge
// timer reclaims memory: it calls find with a throwaway key.
func (rs *Reassembler) find(now ipstack.Time, ident uint16, src, dst [4]byte, proto ipstack.IPProto) *reassEntry {
	var found *reassEntry
	for i := range rs.entries {
		e := &rs.entries[i]
		if e.firstHoleOffset == holeNullLink {
			continue
		}
		if uint64(e.expiration-now) > uint64(rs.maxTicks) {
			e.firstHoleOffset = holeNullLink
			continue
		}
		// Matching compares only the 8-bit protocol, never TTL.
		if e.ident == ident && e.src == src && e.dst == dst && e.proto == proto {
			found = e
		}
	}
	return found
}

// alloc prefers a free entry and otherwise evicts the entry closest to
// expiry. The new entry's lifetime is the lesser of the fragment TTL in
// seconds and the configured maximum.
func (rs *Reassembler) alloc(now ipstack.Time, ttl uint8) *reassEntry {
	future := now + rs.maxTicks
	var result *reassEntry
	for i := range rs.entries {
		e := &rs.entries[i]
		if e.firstHoleOffset == holeNullLink {
			result = e
			break
		}
		if result == nil || uint64(future-e.expiration) > uint64(future-result.expiration) {
			result = e
		}
	}
	seconds := ipstack.Time(ttl)
	if maxSec := rs.maxTicks / ipstack.TicksPerSecond; seconds > maxSec {
		seconds = maxSec
	}
	result.expiration = now + seconds*ipstack.TicksPerSecond
	return result
}

func (rs *Reassembler) invalidate(e *reassEntry, reason string, fragOff, fragLen int) {
	e.firstHoleOffset = holeNullLink
	if rs.log != nil {
		internal.LogAttrs(rs.log, slog.LevelDebug, "reass:invalidate",
			slog.String("reason", reason),
			internal.SlogAddr4("src", &e.src),
			slog.Uint64("id", uint64(e.ident)),
			slog.Int("off", fragOff),
			slog.Int("len", fragLen),
		)
	}
}

func (e *reassEntry) holeGet(off uint16) (size, next uint16) {
	size = binary.BigEndian.Uint16(e.buf[off:])
	next = binary.BigEndian.Uint16(e.buf[off+2:])
	return size, next
}

func (e *reassEntry) holeSet(off, size, next uint16) {
	binary.BigEndian.PutUint16(e.buf[off:], size)
	binary.BigEndian.PutUint16(e.buf[off+2:], next)
}

func (e *reassEntry) holeSetSize(off, size uint16) {
	binary.BigEndian.PutUint16(e.buf[off:], size)
}

// linkPrev points the predecessor link at hole. A null predecessor means
// the list head.
func (e *reassEntry) linkPrev(prevHole, hole uint16) {
	if prevHole == holeNullLink {
		e.firstHoleOffset = hole
	} else {
		binary.BigEndian.PutUint16(e.buf[prevHole+2:], hole)
	}
}
