package epochmap

import (
	"sync"
	"sync/atomic"
	"unsafe"
)

// idleEpoch marks a reservation whose owner is not inside a critical
// section. The sentinel is the maximum epoch so idle reservations never
// constrain minActive.
const idleEpoch = ^uint64(0)

// reservation is one participant slot of the epoch registry. While its
// epoch field holds anything other than idleEpoch, no object retired at or
// after that epoch may be reclaimed by any goroutine.
//
// A reservation is published to the registry once and never removed;
// between pins it is recycled through a versioned free stack.
type reservation struct {
	//lint:ignore U1000 prevents false sharing
	pad [(CacheLineSize - unsafe.Sizeof(struct {
		epoch    atomic.Uint64
		idx      uint32
		nextFree atomic.Uint32
	}{})%CacheLineSize) % CacheLineSize]byte

	epoch atomic.Uint64
	// idx is the position in the registry slice, immutable after publish.
	idx uint32
	// nextFree links the free stack; it holds idx+1 of the next free
	// reservation and is only meaningful while this one is on the stack.
	nextFree atomic.Uint32
}

// registry tracks the global epoch and every reservation ever handed out.
//
// The free stack head packs a 32-bit version with a 32-bit index (idx+1,
// zero meaning empty) into one uint64 so that pop/push CAS cannot suffer
// from ABA when reservations are recycled.
type registry struct {
	epoch atomic.Uint64
	resvs atomic.Pointer[[]*reservation]
	free  atomic.Uint64
	// growMu serializes first-time participation only; pin/unpin of an
	// already registered reservation never takes it.
	growMu  sync.Mutex
	retires atomic.Uint64
}

func newRegistry() *registry {
	r := &registry{}
	r.epoch.Store(1)
	resvs := make([]*reservation, 0, 8)
	r.resvs.Store(&resvs)
	return r
}

// current returns the global epoch.
func (r *registry) current() uint64 {
	return r.epoch.Load()
}

// pin acquires a reservation and marks it active at the current global
// epoch. It never blocks, except for a one-time registration when all
// published reservations are in use.
func (r *registry) pin() *reservation {
	res := r.acquire()
	for {
		e := r.epoch.Load()
		res.epoch.Store(e)
		// The store must be visible before the epoch moves on, otherwise
		// a concurrent collect could miss this reservation. Re-reading
		// the epoch bounds the staleness window to a single retry.
		if r.epoch.Load() == e {
			return res
		}
	}
}

// unpin marks the reservation idle and recycles it. Objects retired while
// it was active become reclaimable as soon as every other reservation has
// moved past their retire epoch.
func (r *registry) unpin(res *reservation) {
	res.epoch.Store(idleEpoch)
	r.release(res)
}

func (r *registry) acquire() *reservation {
	for {
		h := r.free.Load()
		idx := uint32(h)
		if idx == 0 {
			return r.grow()
		}
		res := (*r.resvs.Load())[idx-1]
		next := res.nextFree.Load()
		if r.free.CompareAndSwap(h, (h>>32+1)<<32|uint64(next)) {
			return res
		}
	}
}

func (r *registry) release(res *reservation) {
	for {
		h := r.free.Load()
		res.nextFree.Store(uint32(h))
		if r.free.CompareAndSwap(h, (h>>32+1)<<32|uint64(res.idx+1)) {
			return
		}
	}
}

// grow publishes a new reservation. Copy-on-append keeps minActive scans
// free of any synchronization.
func (r *registry) grow() *reservation {
	r.growMu.Lock()
	old := *r.resvs.Load()
	res := &reservation{idx: uint32(len(old))}
	res.epoch.Store(idleEpoch)
	resvs := make([]*reservation, len(old)+1)
	copy(resvs, old)
	resvs[len(old)] = res
	r.resvs.Store(&resvs)
	r.growMu.Unlock()
	return res
}

// minActive scans all reservations and returns the smallest epoch held by
// an active one, or idleEpoch if none is active. The scan is O(number of
// reservations ever registered), which is bounded by the peak number of
// concurrent guards, not by the number of retired objects.
func (r *registry) minActive() uint64 {
	minE := uint64(idleEpoch)
	for _, res := range *r.resvs.Load() {
		if e := res.epoch.Load(); e < minE {
			minE = e
		}
	}
	return minE
}

// tryAdvance bumps the global epoch by one. It is always safe to advance;
// the CAS merely ensures that racing callers advance at most once between
// them, bounding epoch growth under write-heavy load.
func (r *registry) tryAdvance() {
	e := r.epoch.Load()
	r.epoch.CompareAndSwap(e, e+1)
}
