// Package epochmap provides a lock-free concurrent hash map built on
// epoch-based memory reclamation.
//
// Multiple goroutines may load, store and delete concurrently without any
// locking; every operation synchronizes through compare-and-swap on a
// single slot, which is also its linearization point. Entries removed or
// replaced by one goroutine may still be referenced by others that are
// mid-probe, so they are retired rather than recycled immediately: an
// entry returns to the allocation pool only once every reservation pinned
// at or before its retire epoch has been released.
//
// The zero Map is empty and ready to use.
// It must not be copied after first use.
package epochmap

import (
	"math/rand/v2"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"
)

const (
	// defaultCollectEvery is the number of retirements between
	// opportunistic epoch advances and collection passes.
	defaultCollectEvery = 128
	// collectSizeThreshold triggers a collection pass on unpin once a
	// shard holds this many retired objects.
	collectSizeThreshold = 64
)

// EntryOf is an immutable map entry. Ownership transfers atomically via
// CAS on a slot; once published an entry is never mutated until it has
// been retired and reclaimed.
type EntryOf[K comparable, V any] struct {
	Key   K
	Value V
}

// Map is a concurrent map with lock-free reads and writes.
//
// The table is open-addressed with linear probing over a power-of-two
// slot array. Removal leaves a tombstone so probe sequences stay correct;
// tombstones are purged by migrating to a fresh table generation, which
// also handles growth. Migration is cooperative: every writer that
// encounters an in-flight migration helps finish it before retrying, and
// readers help only when their probe actually hits a frozen slot.
//
// A Map must not be copied after first use.
type Map[K comparable, V any] struct {
	//lint:ignore U1000 prevents false sharing
	pad [(CacheLineSize - unsafe.Sizeof(struct {
		table         atomic.Pointer[table]
		migration     atomic.Pointer[migration]
		initMu        sync.Mutex
		reg           *registry
		retired       *retireList
		entryPool     *sync.Pool
		keyHash       hashFunc
		seed          uintptr
		minTableLen   int
		collectEvery  uint64
		totalGrowths  atomic.Uint32
		totalReclaims atomic.Uint64
	}{})%CacheLineSize) % CacheLineSize]byte

	table     atomic.Pointer[table]
	migration atomic.Pointer[migration]
	initMu    sync.Mutex
	reg       *registry
	retired   *retireList
	entryPool *sync.Pool
	keyHash   hashFunc
	seed      uintptr
	// minTableLen is the floor set by WithPresize; the table never
	// migrates below it.
	minTableLen   int
	collectEvery  uint64
	totalGrowths  atomic.Uint32
	totalReclaims atomic.Uint64
}

// Config defines configurable Map options.
type Config struct {
	sizeHint     int
	collectEvery uint64
}

// WithPresize configures a new Map with capacity enough to hold sizeHint
// entries without migrating. The capacity is a floor; the table never
// shrinks below it. Zero or negative hints are ignored.
func WithPresize(sizeHint int) func(*Config) {
	return func(c *Config) {
		c.sizeHint = sizeHint
	}
}

// WithCollectEvery sets the number of retirements between opportunistic
// epoch advances and collection passes. Smaller values reclaim memory
// sooner at the cost of more frequent reservation scans.
func WithCollectEvery(n int) func(*Config) {
	return func(c *Config) {
		if n > 0 {
			c.collectEvery = uint64(n)
		}
	}
}

// New creates a new Map instance. Direct initialization of a zero Map is
// also supported.
func New[K comparable, V any](options ...func(*Config)) *Map[K, V] {
	return NewWithHasher[K, V](nil, options...)
}

// NewWithHasher creates a Map with a custom key hash function. A nil
// keyHash selects the built-in hasher.
func NewWithHasher[K comparable, V any](
	keyHash func(key K, seed uintptr) uintptr,
	options ...func(*Config),
) *Map[K, V] {
	m := &Map[K, V]{}
	m.Init(keyHash, options...)
	return m
}

// Init configures the Map in place. It is not thread-safe and may only be
// called before the Map is used; a zero Map that skips Init falls back to
// the default configuration on first write.
func (m *Map[K, V]) Init(
	keyHash func(key K, seed uintptr) uintptr,
	options ...func(*Config),
) {
	var hs hashFunc
	if keyHash != nil {
		hs = func(ptr unsafe.Pointer, seed uintptr) uintptr {
			return keyHash(*(*K)(ptr), seed)
		}
	}
	m.doInit(hs, options...)
}

func (m *Map[K, V]) doInit(hs hashFunc, options ...func(*Config)) *table {
	c := &Config{collectEvery: defaultCollectEvery}
	for _, o := range options {
		o(c)
	}

	m.seed = uintptr(rand.Uint64())
	if hs != nil {
		m.keyHash = hs
	} else {
		m.keyHash = defaultHasher[K]()
	}
	m.collectEvery = c.collectEvery
	m.minTableLen = calcTableLen(c.sizeHint)

	cpus := runtime.GOMAXPROCS(0)
	m.reg = newRegistry()
	m.retired = newRetireList(m.reg, cpus)
	m.entryPool = &sync.Pool{
		New: func() any { return new(EntryOf[K, V]) },
	}

	t := newTable(m.minTableLen, cpus, 1)
	// The table store publishes every field above; readers always load
	// the table pointer first.
	m.table.Store(t)
	return t
}

func (m *Map[K, V]) init() *table {
	if t := m.table.Load(); t != nil {
		return t
	}
	return m.initSlow()
}

//go:noinline
func (m *Map[K, V]) initSlow() *table {
	m.initMu.Lock()
	defer m.initMu.Unlock()
	if t := m.table.Load(); t != nil {
		// Someone got to it while we were waiting.
		return t
	}
	return m.doInit(nil)
}

// Pin acquires a Guard so that multiple operations can run under a single
// epoch reservation. The caller must release it with Unpin on every exit
// path, typically via defer.
func (m *Map[K, V]) Pin() *Guard[K, V] {
	m.init()
	return &Guard[K, V]{m: m, res: m.reg.pin(), pins: 1}
}

// Load returns the value stored in the map for a key, or the zero value if
// no entry is present. The ok result indicates whether the key was found.
func (m *Map[K, V]) Load(key K) (value V, ok bool) {
	if m.table.Load() == nil {
		return
	}
	res := m.reg.pin()
	defer m.unpin(res)
	// The table must be loaded under the reservation: a pointer read before
	// the pin is invisible to minActive and could be reclaimed underneath us.
	return m.loadGuarded(res, m.table.Load(), &key)
}

func (m *Map[K, V]) loadGuarded(res *reservation, t *table, key *K) (value V, ok bool) {
	hash := m.keyHash(noescape(unsafe.Pointer(key)), m.seed)
	for {
		e, retry := m.findEntry(res, t, hash, key)
		if !retry {
			if e == nil {
				return
			}
			// The value is copied out while still pinned; the entry may be
			// reclaimed any time after the guard is released.
			return e.Value, true
		}
		t = m.table.Load()
	}
}

// findEntry probes one table for the key. The second result requests a
// retry against the current table after an encountered migration has been
// helped to completion.
func (m *Map[K, V]) findEntry(
	res *reservation,
	t *table,
	hash uintptr,
	key *K,
) (*EntryOf[K, V], bool) {
	idx := spread(hash) & t.mask
	for i := uintptr(0); i <= t.mask; i++ {
		s := &t.slots[(idx+i)&t.mask]
		p := s.load()
		if p == nil {
			// First empty slot terminates the probe: entries are only
			// ever inserted at the first empty slot of their sequence and
			// tombstones never revert to empty within a generation.
			return nil, false
		}
		if p == tombstone {
			continue
		}
		if p == frozen {
			if mg := m.migration.Load(); mg != nil {
				m.helpMigrateAndWait(res, mg)
			}
			return nil, true
		}
		if e := (*EntryOf[K, V])(p); e.Key == *key {
			return e, false
		}
	}
	return nil, false
}

type opStatus int

const (
	opDone opStatus = iota
	opRetry
	opNeedGrow
)

// processEntry funnels every mutation through one probe/CAS loop.
//
// fn receives the current entry for the key (nil if absent) and returns
// the replacement entry (nil to remove, the same pointer for no change)
// plus the operation's result. fn may be invoked multiple times when a CAS
// race forces a retry and must not have side effects beyond allocation.
func (m *Map[K, V]) processEntry(
	res *reservation,
	key *K,
	fn func(loaded *EntryOf[K, V]) (*EntryOf[K, V], V, bool),
) (V, bool) {
	hash := m.keyHash(noescape(unsafe.Pointer(key)), m.seed)
	t := m.table.Load()
	for {
		// Helping before the probe keeps the common post-migration retry
		// path short; frozen-slot checks below catch migrations that start
		// mid-probe.
		if mg := m.migration.Load(); mg != nil && mg.to.Load() != nil {
			m.helpMigrateAndWait(res, mg)
			t = m.table.Load()
			continue
		}
		v, ok, status := m.processSlot(res, t, hash, key, fn)
		if status == opDone {
			return v, ok
		}
		if status == opNeedGrow {
			m.grow(res, t)
		}
		t = m.table.Load()
	}
}

func (m *Map[K, V]) processSlot(
	res *reservation,
	t *table,
	hash uintptr,
	key *K,
	fn func(loaded *EntryOf[K, V]) (*EntryOf[K, V], V, bool),
) (V, bool, opStatus) {
	var zero V
	idx := spread(hash) & t.mask
probe:
	for i := uintptr(0); i <= t.mask; i++ {
		sidx := (idx + i) & t.mask
		s := &t.slots[sidx]
		for {
			p := s.load()
			switch p {
			case nil:
				newe, v, ok := fn(nil)
				if newe == nil {
					// Read-only outcome on an absent key.
					return v, ok, opDone
				}
				if !s.cas(nil, unsafe.Pointer(newe)) {
					// Lost the slot; the winner may even have inserted
					// this very key, so re-examine it.
					continue
				}
				t.addSize(sidx, 1)
				t.addUsed(sidx, 1)
				if t.overloaded() && m.migration.Load() == nil {
					m.grow(res, t)
				}
				return v, ok, opDone
			case tombstone:
				// Tombstoned slots are never reclaimed within a
				// generation; migration purges them.
				continue probe
			case frozen:
				if mg := m.migration.Load(); mg != nil {
					m.helpMigrateAndWait(res, mg)
				}
				return zero, false, opRetry
			default:
				e := (*EntryOf[K, V])(p)
				if e.Key != *key {
					continue probe
				}
				newe, v, ok := fn(e)
				if newe == e {
					return v, ok, opDone
				}
				if newe == nil {
					if s.cas(p, tombstone) {
						t.addSize(sidx, -1)
						m.retireEntry(res, e)
						return v, ok, opDone
					}
					continue
				}
				if s.cas(p, unsafe.Pointer(newe)) {
					m.retireEntry(res, e)
					return v, ok, opDone
				}
				continue
			}
		}
	}
	// The probe exhausted the table: every slot is claimed and the key is
	// absent. A read or remove is complete; an insert needs a migration.
	newe, v, ok := fn(nil)
	if newe == nil {
		return v, ok, opDone
	}
	return zero, false, opNeedGrow
}

// Store inserts or updates a key-value pair, compatible with `sync.Map`.
func (m *Map[K, V]) Store(key K, value V) {
	m.Swap(key, value)
}

// Swap stores value for key and returns the previous value, if any.
// The loaded result reports whether a previous value was replaced.
func (m *Map[K, V]) Swap(key K, value V) (previous V, loaded bool) {
	m.init()
	res := m.reg.pin()
	defer m.unpin(res)
	return m.processEntry(res, &key,
		func(loaded *EntryOf[K, V]) (*EntryOf[K, V], V, bool) {
			newe := m.newEntry(key, value)
			if loaded != nil {
				return newe, loaded.Value, true
			}
			var zero V
			return newe, zero, false
		})
}

// LoadOrStore returns the existing value for the key if present.
// Otherwise, it stores and returns the given value. The loaded result is
// true if the value was loaded, false if stored.
func (m *Map[K, V]) LoadOrStore(key K, value V) (actual V, loaded bool) {
	m.init()
	res := m.reg.pin()
	defer m.unpin(res)
	return m.processEntry(res, &key,
		func(loaded *EntryOf[K, V]) (*EntryOf[K, V], V, bool) {
			if loaded != nil {
				return loaded, loaded.Value, true
			}
			return m.newEntry(key, value), value, false
		})
}

// Delete removes the entry for a key, compatible with `sync.Map`.
func (m *Map[K, V]) Delete(key K) {
	m.LoadAndDelete(key)
}

// LoadAndDelete removes the entry for a key, returning the previous value
// if any. The loaded result reports whether the key was present.
func (m *Map[K, V]) LoadAndDelete(key K) (value V, loaded bool) {
	if m.table.Load() == nil {
		return
	}
	res := m.reg.pin()
	defer m.unpin(res)
	return m.processEntry(res, &key,
		func(loaded *EntryOf[K, V]) (*EntryOf[K, V], V, bool) {
			if loaded != nil {
				return nil, loaded.Value, true
			}
			var zero V
			return nil, zero, false
		})
}

// Range calls yield for each key and value present in the map. Iteration
// is weakly consistent: it reflects some state of the map during the call,
// entries stored or deleted concurrently may or may not be visited.
func (m *Map[K, V]) Range(yield func(key K, value V) bool) {
	t := m.table.Load()
	if t == nil {
		return
	}
	res := m.reg.pin()
	defer m.unpin(res)
	// Finish in-flight migrations first so the snapshot table is not
	// mid-freeze; a migration starting afterwards leaves these slots
	// intact until frozen, and frozen slots are simply skipped.
	for {
		mg := m.migration.Load()
		if mg == nil {
			break
		}
		m.helpMigrateAndWait(res, mg)
	}
	t = m.table.Load()
	for i := range t.slots {
		p := t.slots[i].load()
		if p == nil || p == tombstone || p == frozen {
			continue
		}
		e := (*EntryOf[K, V])(p)
		if !yield(e.Key, e.Value) {
			return
		}
	}
}

// Clear removes all entries, shrinking the table back to its initial
// capacity. Entries go through the regular retirement protocol.
func (m *Map[K, V]) Clear() {
	t := m.table.Load()
	if t == nil {
		return
	}
	res := m.reg.pin()
	defer m.unpin(res)
	for {
		t = m.table.Load()
		if len(t.slots) == m.minTableLen && t.isZero() {
			return
		}
		ok, mg := m.tryMigrate(res, t, m.minTableLen, true)
		if ok {
			return
		}
		if mg != nil {
			m.helpMigrateAndWait(res, mg)
		}
	}
}

// Size returns the number of entries. The count is maintained at the CAS
// linearization points and is exact in quiescence; under concurrent
// mutation it reflects some recent state.
func (m *Map[K, V]) Size() int {
	t := m.table.Load()
	if t == nil {
		return 0
	}
	return t.sumSize()
}

// IsZero reports whether the map is empty. It is cheaper than Size() == 0.
func (m *Map[K, V]) IsZero() bool {
	t := m.table.Load()
	return t == nil || t.isZero()
}

func (m *Map[K, V]) newEntry(key K, value V) *EntryOf[K, V] {
	e := m.entryPool.Get().(*EntryOf[K, V])
	e.Key = key
	e.Value = value
	return e
}

// retireEntry hands a superseded entry to the retirement list. The entry
// has already been unlinked by CAS; it returns to the pool once no
// reservation predates its retire epoch.
func (m *Map[K, V]) retireEntry(res *reservation, e *EntryOf[K, V]) {
	shard := m.retired.shardFor(res)
	m.retired.retire(shard, m.reg.current(), func() {
		*e = EntryOf[K, V]{}
		m.entryPool.Put(e)
		m.totalReclaims.Add(1)
	})
	if n := m.reg.retires.Add(1); n%m.collectEvery == 0 {
		m.reg.tryAdvance()
		m.retired.collect(shard)
	}
}

// retireTable retires a superseded table so that its slot array stays
// intact for readers pinned before the swap. The retirement node is what
// keeps the table reachable until then.
func (m *Map[K, V]) retireTable(res *reservation, t *table) {
	shard := m.retired.shardFor(res)
	m.retired.retire(shard, m.reg.current(), func() {
		// No reservation can predate the swap anymore. Dropping the slot
		// array here turns any reclamation bug into an immediate nil
		// dereference instead of a silent stale read.
		t.slots = nil
		m.totalReclaims.Add(1)
	})
	if n := m.reg.retires.Add(1); n%m.collectEvery == 0 {
		m.reg.tryAdvance()
		m.retired.collect(shard)
	}
}

// unpin releases the reservation and opportunistically collects the shard
// it was feeding once enough retirements have piled up.
func (m *Map[K, V]) unpin(res *reservation) {
	shard := m.retired.shardFor(res)
	m.reg.unpin(res)
	if shard.size.Load() >= collectSizeThreshold {
		m.reg.tryAdvance()
		m.retired.collect(shard)
	}
}
