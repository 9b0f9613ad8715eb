package epochmap

import (
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"
)

// migration represents one in-flight table replacement. It is installed on
// the Map by CAS; losers of that race discover it and help instead of
// allocating a second target table.
type migration struct {
	wg   sync.WaitGroup
	from *table
	to   atomic.Pointer[table]
	// clear migrations freeze and retire entries instead of copying them.
	clear     bool
	process   atomic.Int32
	completed atomic.Int32
}

// tryMigrate installs a migration from the given table to a fresh one of
// newLen slots. Returns (true, nil) when this caller ran the migration to
// completion, or (false, mg) when another migration is already in flight.
func (m *Map[K, V]) tryMigrate(
	res *reservation,
	from *table,
	newLen int,
	clear bool,
) (bool, *migration) {
	mg := m.migration.Load()
	if mg != nil {
		return false, mg
	}

	mg = &migration{from: from, clear: clear}
	mg.wg.Add(1)

	if !m.migration.CompareAndSwap(nil, mg) {
		return false, m.migration.Load()
	}

	// The table may have been swapped before we won the race.
	if m.table.Load() != from {
		m.migration.Store(nil)
		mg.wg.Done()
		return false, nil
	}

	cpus := runtime.GOMAXPROCS(0)
	mg.to.Store(newTable(newLen, cpus, from.gen+1))
	if !clear {
		m.totalGrowths.Add(1)
	}
	m.helpMigrateAndWait(res, mg)
	return true, nil
}

// helpMigrateAndWait contributes to an in-flight migration and returns
// once the table swap is complete. Work is claimed in chunks; the helper
// whose chunk completes the set performs the swap, retires the old table
// and releases all waiters. Total work is bounded by the slot count.
func (m *Map[K, V]) helpMigrateAndWait(res *reservation, mg *migration) {
	to := mg.to.Load()
	if to == nil {
		// Target still being allocated by the installer.
		mg.wg.Wait()
		return
	}
	from := mg.from
	tableLen := len(from.slots)
	chunks := int32(from.chunks)
	chunkSize := from.chunkSize
	for {
		process := mg.process.Add(1)
		if process > chunks {
			mg.wg.Wait()
			return
		}
		start := int(process-1) * chunkSize
		end := min(start+chunkSize, tableLen)
		if mg.clear {
			m.discardRange(res, from, start, end)
		} else {
			m.migrateRange(from, start, end, to)
		}
		if mg.completed.Add(1) == chunks {
			m.table.Store(to)
			m.migration.Store(nil)
			// The old array is retired, not freed: a reader pinned before
			// the swap may still be probing it.
			m.retireTable(res, from)
			mg.wg.Done()
			return
		}
	}
}

// migrateRange freezes every slot in [start, end) and inserts live entries
// into the target table. Freezing is a CAS, so concurrent helpers racing
// on the same slot are harmless: exactly one wins and only the winner
// copies, which keeps the per-slot help idempotent.
func (m *Map[K, V]) migrateRange(from *table, start, end int, to *table) {
	copied := 0
	for i := start; i < end; i++ {
		s := &from.slots[i]
		for {
			p := s.load()
			if p == frozen {
				break
			}
			if p == nil || p == tombstone {
				if s.cas(p, frozen) {
					break
				}
				continue
			}
			if s.cas(p, frozen) {
				m.migrateEntry(to, (*EntryOf[K, V])(p))
				copied++
				break
			}
		}
	}
	if copied != 0 {
		to.addSize(uintptr(start), copied)
		to.addUsed(uintptr(start), copied)
	}
}

// migrateEntry places a frozen-out entry into the target table. Before the
// swap the target receives only migrated entries, so a key can appear at
// most once and a failed CAS only ever means another helper claimed the
// slot for a different entry.
func (m *Map[K, V]) migrateEntry(to *table, e *EntryOf[K, V]) {
	// The hash is recomputed rather than stored in the entry; for simple
	// keys hashing is cheaper than the extra entry word on every load.
	hash := m.keyHash(noescape(unsafe.Pointer(&e.Key)), m.seed)
	idx := spread(hash) & to.mask
	for i := uintptr(0); i <= to.mask; i++ {
		s := &to.slots[(idx+i)&to.mask]
		for {
			p := s.load()
			if p != nil {
				break
			}
			if s.cas(nil, unsafe.Pointer(e)) {
				return
			}
		}
	}
	panic("epochmap: migration target table full")
}

// discardRange is the clear-migration worker: slots are frozen and live
// entries retired instead of copied.
func (m *Map[K, V]) discardRange(res *reservation, from *table, start, end int) {
	for i := start; i < end; i++ {
		s := &from.slots[i]
		for {
			p := s.load()
			if p == frozen {
				break
			}
			if s.cas(p, frozen) {
				if p != nil && p != tombstone {
					m.retireEntry(res, (*EntryOf[K, V])(p))
				}
				break
			}
		}
	}
}

// grow starts (or joins) a migration out of the given table. A generation
// dominated by tombstones is rebuilt at the same capacity, purging them;
// otherwise capacity doubles.
func (m *Map[K, V]) grow(res *reservation, from *table) {
	newLen := len(from.slots) * 2
	if from.sumSize() <= len(from.slots)/4 {
		newLen = len(from.slots)
	}
	if newLen < m.minTableLen {
		newLen = m.minTableLen
	}
	ok, mg := m.tryMigrate(res, from, newLen, false)
	if !ok && mg != nil {
		m.helpMigrateAndWait(res, mg)
	}
}
