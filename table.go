package epochmap

import (
	"sync/atomic"
	"unsafe"
)

const (
	// defaultMinTableLen is the minimum number of slots in a table.
	defaultMinTableLen = 32
	// minSlotsPerChunk is the smallest migration chunk worth claiming;
	// tables below it are migrated by a single helper.
	minSlotsPerChunk = 256
	// Load factor: a table is migrated once claimed slots (occupied plus
	// tombstones) reach 3/4 of capacity. Tombstoned slots are never reused
	// within a table generation, so they count against occupancy until a
	// migration purges them.
	loadFactorNum = 3
	loadFactorDen = 4
)

// Slot sentinels. A slot pointer is either nil (empty), one of these two
// cells, or an *EntryOf. Tombstone preserves probe sequences after a
// remove; frozen marks a slot whose content has been claimed by migration.
var (
	tombstoneCell byte
	frozenCell    byte
)

var (
	tombstone = unsafe.Pointer(&tombstoneCell)
	frozen    = unsafe.Pointer(&frozenCell)
)

// slot is one cell of a table. All transitions go through CAS on p:
//
//	nil       -> entry      insert
//	entry     -> entry      update in place
//	entry     -> tombstone  remove
//	any       -> frozen     migration claim
//
// Within one table generation a tombstone never becomes an entry again.
type slot struct {
	p unsafe.Pointer
}

func (s *slot) load() unsafe.Pointer {
	return atomic.LoadPointer(&s.p)
}

func (s *slot) cas(old, new unsafe.Pointer) bool {
	return atomic.CompareAndSwapPointer(&s.p, old, new)
}

// table is one generation of the slot array. Once superseded it becomes
// read-only for draining readers and is retired through the reclamation
// protocol, never freed in place.
type table struct {
	//lint:ignore U1000 prevents false sharing
	pad [(CacheLineSize - unsafe.Sizeof(struct {
		slots     []slot
		mask      uintptr
		gen       uint64
		size      []counterStripe
		used      []counterStripe
		chunks    int
		chunkSize int
	}{})%CacheLineSize) % CacheLineSize]byte

	slots []slot
	mask  uintptr
	gen   uint64
	// size counts live entries; used counts slot claims (entries plus
	// tombstones) within this generation. Both are striped to keep the
	// CAS hot path free of a shared counter.
	size      []counterStripe
	used      []counterStripe
	chunks    int
	chunkSize int
}

func newTable(tableLen, cpus int, gen uint64) *table {
	chunkSize, chunks := calcParallelism(tableLen, minSlotsPerChunk, cpus)
	stripes := calcStripes(tableLen, cpus)
	return &table{
		slots:     make([]slot, tableLen),
		mask:      uintptr(tableLen - 1),
		gen:       gen,
		size:      make([]counterStripe, stripes),
		used:      make([]counterStripe, stripes),
		chunks:    chunks,
		chunkSize: chunkSize,
	}
}

// calcTableLen computes the slot count needed to hold sizeHint entries
// without crossing the load factor. The result is a power of two.
func calcTableLen(sizeHint int) int {
	tableLen := defaultMinTableLen
	if sizeHint > defaultMinTableLen*loadFactorNum/loadFactorDen {
		tableLen = nextPowOf2(sizeHint*loadFactorDen/loadFactorNum + 1)
	}
	return tableLen
}

// calcStripes computes the counter stripe count; a power of two.
func calcStripes(tableLen, cpus int) int {
	return nextPowOf2(min(cpus, tableLen>>10))
}

func (t *table) addSize(idx uintptr, delta int) {
	cidx := uintptr(len(t.size)-1) & idx
	atomic.AddInt64(&t.size[cidx].c, int64(delta))
}

func (t *table) addUsed(idx uintptr, delta int) {
	cidx := uintptr(len(t.used)-1) & idx
	atomic.AddInt64(&t.used[cidx].c, int64(delta))
}

func (t *table) sumSize() int {
	var sum int64
	for i := range t.size {
		sum += atomic.LoadInt64(&t.size[i].c)
	}
	return int(sum)
}

func (t *table) sumUsed() int {
	var sum int64
	for i := range t.used {
		sum += atomic.LoadInt64(&t.used[i].c)
	}
	return int(sum)
}

func (t *table) isZero() bool {
	for i := range t.size {
		if atomic.LoadInt64(&t.size[i].c) != 0 {
			return false
		}
	}
	return true
}

// overloaded reports whether the generation has crossed the load factor.
func (t *table) overloaded() bool {
	return t.sumUsed() >= len(t.slots)*loadFactorNum/loadFactorDen
}
