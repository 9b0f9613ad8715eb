package epochmap

import "unsafe"

// Guard is a scoped epoch reservation. While held, no object the guard's
// owner can still reference (an entry observed by a load, or the table
// itself) will be reclaimed. Operations performed through the Guard skip
// the per-call pin/unpin of the Map-level API, which pays off when many
// operations are batched.
//
// A Guard is reentrant: nested scopes may call Pin again and release with
// a matching Unpin; only the outermost Unpin drops the reservation. A
// Guard must stay on the goroutine that created it, and using it after the
// final Unpin panics.
//
// Holding a Guard indefinitely does not corrupt the map, but it stalls
// reclamation globally: retired objects accumulate until the guard is
// released. That is a liveness hazard of the caller, not a correctness
// one.
type Guard[K comparable, V any] struct {
	m    *Map[K, V]
	res  *reservation
	pins int
}

func (g *Guard[K, V]) check() {
	if g.pins <= 0 {
		panic("epochmap: Guard used after Unpin")
	}
}

// Pin increments the guard's pin depth and returns the same guard. It does
// not touch the reservation, so nesting is cheap.
func (g *Guard[K, V]) Pin() *Guard[K, V] {
	g.check()
	g.pins++
	return g
}

// Unpin releases one pin level. The outermost Unpin releases the epoch
// reservation and may trigger a collection pass.
func (g *Guard[K, V]) Unpin() {
	g.check()
	g.pins--
	if g.pins == 0 {
		g.m.unpin(g.res)
		g.res = nil
	}
}

// Load is Map.Load under this guard's reservation.
func (g *Guard[K, V]) Load(key K) (value V, ok bool) {
	g.check()
	t := g.m.table.Load()
	if t == nil {
		return
	}
	return g.m.loadGuarded(g.res, t, &key)
}

// Store is Map.Store under this guard's reservation.
func (g *Guard[K, V]) Store(key K, value V) {
	g.Swap(key, value)
}

// Swap is Map.Swap under this guard's reservation.
func (g *Guard[K, V]) Swap(key K, value V) (previous V, loaded bool) {
	g.check()
	return g.m.processEntry(g.res, &key,
		func(loaded *EntryOf[K, V]) (*EntryOf[K, V], V, bool) {
			newe := g.m.newEntry(key, value)
			if loaded != nil {
				return newe, loaded.Value, true
			}
			var zero V
			return newe, zero, false
		})
}

// LoadOrStore is Map.LoadOrStore under this guard's reservation.
func (g *Guard[K, V]) LoadOrStore(key K, value V) (actual V, loaded bool) {
	g.check()
	return g.m.processEntry(g.res, &key,
		func(loaded *EntryOf[K, V]) (*EntryOf[K, V], V, bool) {
			if loaded != nil {
				return loaded, loaded.Value, true
			}
			return g.m.newEntry(key, value), value, false
		})
}

// Delete is Map.Delete under this guard's reservation.
func (g *Guard[K, V]) Delete(key K) {
	g.LoadAndDelete(key)
}

// LoadAndDelete is Map.LoadAndDelete under this guard's reservation.
func (g *Guard[K, V]) LoadAndDelete(key K) (value V, loaded bool) {
	g.check()
	return g.m.processEntry(g.res, &key,
		func(loaded *EntryOf[K, V]) (*EntryOf[K, V], V, bool) {
			if loaded != nil {
				return nil, loaded.Value, true
			}
			var zero V
			return nil, zero, false
		})
}

// retire forwards an object to the map's retirement list under this
// guard's shard, tagging it with the current global epoch.
func (g *Guard[K, V]) retire(e *EntryOf[K, V]) {
	g.check()
	g.m.retireEntry(g.res, e)
}

// protectedLoad performs a raw slot load. The returned pointer is only
// valid for the guard's lifetime.
func (g *Guard[K, V]) protectedLoad(s *slot) unsafe.Pointer {
	g.check()
	return s.load()
}
