package ipv4

import (
	"errors"

	"github.com/soypat/ipstack"
)

// Path MTU estimates learned from fragmentation-needed reports. The cache
// hands out [ipstack.MtuRef] references to consumers such as a TCP engine
// and lowers estimates as reports arrive. Estimates age out so that a
// recovered path is probed again at the full interface MTU.

// minPathMTU is the minimum IPv4 MTU every path is assumed to support.
const minPathMTU = 576

// PathMTUConfig configures a [PathMTUCache].
type PathMTUConfig struct {
	// Platform supplies monotonic time. Required.
	Platform ipstack.Platform
	// LocalMTU caps estimates at the local interface MTU. Required.
	LocalMTU uint16
	// MaxEntries is the number of destinations tracked concurrently.
	// Defaults to 4.
	MaxEntries int
	// AgeSeconds is how long an estimate holds without fresh reports.
	// Defaults to 600.
	AgeSeconds uint16
}

// PathMTUCache tracks per-destination path MTU estimates.
type PathMTUCache struct {
	plat     ipstack.Platform
	entries  []pmtuEntry
	refs     []*pmtuRef
	localMTU uint16
	ageTicks ipstack.Time
}

type pmtuEntry struct {
	dst        [4]byte
	pmtu       uint16
	refs       uint16
	expiration ipstack.Time
}

var (
	errPmtuNilPlatform = errors.New("ipv4: nil platform")
	errPmtuBadMTU      = errors.New("ipv4: local MTU below minimum")
)

func NewPathMTUCache(cfg PathMTUConfig) (*PathMTUCache, error) {
	if cfg.Platform == nil {
		return nil, errPmtuNilPlatform
	}
	if cfg.LocalMTU < minPathMTU {
		return nil, errPmtuBadMTU
	}
	if cfg.MaxEntries == 0 {
		cfg.MaxEntries = 4
	}
	if cfg.AgeSeconds == 0 {
		cfg.AgeSeconds = 600
	}
	return &PathMTUCache{
		plat:     cfg.Platform,
		entries:  make([]pmtuEntry, cfg.MaxEntries),
		localMTU: cfg.LocalMTU,
		ageTicks: ipstack.Time(cfg.AgeSeconds) * ipstack.TicksPerSecond,
	}, nil
}

// Ref acquires a reference to the estimate toward dst, allocating an entry
// when the destination is not yet tracked. Returns nil when the cache is
// full, which consumers treat as path MTU tracking being unavailable.
func (pc *PathMTUCache) Ref(dst [4]byte) ipstack.MtuRef {
	var free *pmtuEntry
	for i := range pc.entries {
		e := &pc.entries[i]
		if e.refs == 0 && free == nil {
			free = e
		}
		if e.refs != 0 && e.dst == dst {
			e.refs++
			return &pmtuRef{cache: pc, entry: e}
		}
	}
	if free == nil {
		return nil
	}
	*free = pmtuEntry{dst: dst, refs: 1}
	return &pmtuRef{cache: pc, entry: free}
}

// Report folds a next-hop MTU report for dst into the cache. A zero
// reported MTU comes from a router that predates the MTU field and lowers
// the estimate to the minimum. Estimates only ever decrease until they
// age out. Destinations without an active reference are ignored.
func (pc *PathMTUCache) Report(dst [4]byte, mtu uint16) {
	switch {
	case mtu == 0:
		mtu = minPathMTU
	case mtu < minPathMTU:
		mtu = minPathMTU
	case mtu > pc.localMTU:
		mtu = pc.localMTU
	}
	now := pc.plat.Now()
	for i := range pc.entries {
		e := &pc.entries[i]
		if e.refs == 0 || e.dst != dst {
			continue
		}
		cur := pc.entryPMTU(e, now)
		if cur != 0 && mtu >= cur {
			return
		}
		e.pmtu = mtu
		e.expiration = now + pc.ageTicks
		for _, r := range pc.refs {
			if r.entry == e && r.notify != nil {
				r.notify(mtu)
			}
		}
		return
	}
}

// entryPMTU returns the entry's estimate, lazily clearing it once aged out.
func (pc *PathMTUCache) entryPMTU(e *pmtuEntry, now ipstack.Time) uint16 {
	if e.pmtu != 0 && e.expiration.LessThanEq(now) {
		e.pmtu = 0
	}
	return e.pmtu
}

type pmtuRef struct {
	cache  *PathMTUCache
	entry  *pmtuEntry
	notify func(pmtu uint16)
}

func (r *pmtuRef) PMTU() uint16 {
	if r.entry == nil {
		return 0
	}
	return r.cache.entryPMTU(r.entry, r.cache.plat.Now())
}

func (r *pmtuRef) SetNotify(cb func(pmtu uint16)) {
	r.notify = cb
	r.cache.refs = append(r.cache.refs, r)
}

func (r *pmtuRef) Close() error {
	if r.entry == nil {
		return nil
	}
	r.entry.refs--
	for i, other := range r.cache.refs {
		if other == r {
			r.cache.refs = append(r.cache.refs[:i], r.cache.refs[i+1:]...)
			break
		}
	}
	r.entry = nil
	return nil
}
