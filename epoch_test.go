package epochmap

import (
	"sync"
	"testing"
	"unsafe"
)

func TestRegistry_PinRecordsEpoch(t *testing.T) {
	r := newRegistry()
	if e := r.current(); e != 1 {
		t.Fatalf("fresh registry epoch: %d", e)
	}
	res := r.pin()
	if e := res.epoch.Load(); e != 1 {
		t.Fatalf("expected reservation at epoch 1, got %d", e)
	}
	r.unpin(res)
	if e := res.epoch.Load(); e != idleEpoch {
		t.Fatalf("expected idle sentinel after unpin, got %d", e)
	}
}

func TestRegistry_TryAdvance(t *testing.T) {
	r := newRegistry()
	for i := uint64(2); i <= 10; i++ {
		r.tryAdvance()
		if e := r.current(); e != i {
			t.Fatalf("expected epoch %d, got %d", i, e)
		}
	}
}

func TestRegistry_MinActive(t *testing.T) {
	r := newRegistry()
	if m := r.minActive(); m != idleEpoch {
		t.Fatalf("empty registry min: %d", m)
	}

	a := r.pin() // epoch 1
	r.tryAdvance()
	b := r.pin() // epoch 2
	if m := r.minActive(); m != 1 {
		t.Fatalf("expected min 1, got %d", m)
	}
	r.unpin(a)
	if m := r.minActive(); m != 2 {
		t.Fatalf("expected min 2, got %d", m)
	}
	r.unpin(b)
	if m := r.minActive(); m != idleEpoch {
		t.Fatalf("expected idle min, got %d", m)
	}
}

func TestRegistry_ReservationReuse(t *testing.T) {
	r := newRegistry()
	a := r.pin()
	r.unpin(a)
	b := r.pin()
	if a != b {
		t.Fatal("expected the free stack to recycle the reservation")
	}
	r.unpin(b)
	if n := len(*r.resvs.Load()); n != 1 {
		t.Fatalf("expected one registered reservation, got %d", n)
	}
}

func TestRegistry_ConcurrentPinUnpin(t *testing.T) {
	const workers = 16
	const iters = 10000
	r := newRegistry()
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < iters; i++ {
				res := r.pin()
				if e := res.epoch.Load(); e == idleEpoch {
					t.Error("pinned reservation reports idle")
				}
				if i%64 == 0 {
					r.tryAdvance()
				}
				r.unpin(res)
			}
		}()
	}
	wg.Wait()

	// Registration is bounded by peak concurrency (give or take transient
	// free-stack windows), not by iterations.
	if n := len(*r.resvs.Load()); n > workers*2 {
		t.Fatalf("registered %d reservations for %d workers", n, workers)
	}
	if m := r.minActive(); m != idleEpoch {
		t.Fatalf("expected quiescent registry, min %d", m)
	}
}

func TestGuard_Reentrant(t *testing.T) {
	m := New[int, int]()
	m.Store(1, 10)

	g := m.Pin()
	inner := g.Pin()
	if inner != g {
		t.Fatal("nested Pin should return the same guard")
	}
	if v, ok := inner.Load(1); !ok || v != 10 {
		t.Fatalf("got (%v, %v)", v, ok)
	}
	inner.Unpin()
	// Outer pin still holds the reservation.
	if v, ok := g.Load(1); !ok || v != 10 {
		t.Fatalf("after inner unpin: got (%v, %v)", v, ok)
	}
	g.Unpin()

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on use after final Unpin")
		}
	}()
	g.Load(1)
}

func TestGuard_DoubleUnpinPanics(t *testing.T) {
	m := New[int, int]()
	g := m.Pin()
	g.Unpin()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on double Unpin")
		}
	}()
	g.Unpin()
}

func TestGuard_BatchOps(t *testing.T) {
	m := New[int, int]()
	g := m.Pin()
	defer g.Unpin()

	for i := 0; i < 1000; i++ {
		g.Store(i, i)
	}
	for i := 0; i < 1000; i++ {
		if v, ok := g.Load(i); !ok || v != i {
			t.Fatalf("key %d: got (%v, %v)", i, v, ok)
		}
	}
	if prev, loaded := g.Swap(0, 100); !loaded || prev != 0 {
		t.Fatalf("Swap: got (%v, %v)", prev, loaded)
	}
	if actual, loaded := g.LoadOrStore(0, -1); !loaded || actual != 100 {
		t.Fatalf("LoadOrStore: got (%v, %v)", actual, loaded)
	}
	if v, loaded := g.LoadAndDelete(0); !loaded || v != 100 {
		t.Fatalf("LoadAndDelete: got (%v, %v)", v, loaded)
	}
	g.Delete(1)
	if m.Size() != 998 {
		t.Fatalf("size %d", m.Size())
	}
}

func TestGuard_ProtectedLoad(t *testing.T) {
	m := New[int, int]()
	m.Store(3, 33)
	g := m.Pin()
	defer g.Unpin()

	tab := m.table.Load()
	k := 3
	hash := m.keyHash(noescape(unsafe.Pointer(&k)), m.seed)
	idx := spread(hash) & tab.mask
	found := false
	for i := uintptr(0); i <= tab.mask; i++ {
		p := g.protectedLoad(&tab.slots[(idx+i)&tab.mask])
		if p == nil {
			break
		}
		if p == tombstone || p == frozen {
			continue
		}
		if e := (*EntryOf[int, int])(p); e.Key == 3 {
			if e.Value != 33 {
				t.Fatalf("entry value %d", e.Value)
			}
			found = true
			break
		}
	}
	if !found {
		t.Fatal("stored entry not reachable through protected loads")
	}
}

// drain runs enough advance+collect cycles to reclaim everything whose
// protection has lapsed.
func drain[K comparable, V any](m *Map[K, V]) {
	for i := 0; i < 4; i++ {
		m.reg.tryAdvance()
		m.retired.collectAll()
	}
}

func TestMap_ReclamationSafetyBound(t *testing.T) {
	m := New[int, int](WithCollectEvery(1))
	m.Store(1, 42)

	g := m.Pin()
	k := 1
	hash := m.keyHash(noescape(unsafe.Pointer(&k)), m.seed)
	e, retry := m.findEntry(g.res, m.table.Load(), hash, &k)
	if retry || e == nil {
		t.Fatal("entry not found under guard")
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Delete(1)
		drain(m)
	}()
	<-done

	// The guard predates the removal, so nothing may have been reclaimed.
	if n := m.totalReclaims.Load(); n != 0 {
		t.Fatalf("%d objects reclaimed while a guard was held", n)
	}
	if e.Key != 1 || e.Value != 42 {
		t.Fatalf("retired entry mutated under guard: {%d, %d}", e.Key, e.Value)
	}

	g.Unpin()
	drain(m)
	if n := m.totalReclaims.Load(); n == 0 {
		t.Fatal("entry never reclaimed after guard release")
	}
}

func TestMap_OldTableProtectedAcrossGrowth(t *testing.T) {
	m := New[int, int](WithCollectEvery(1))
	m.Store(0, 0)
	old := m.table.Load()

	g := m.Pin()
	// Force at least one migration while the guard is held.
	for i := 0; i < 10000; i++ {
		m.Store(i, i)
	}
	if m.table.Load() == old {
		t.Fatal("expected the table to have been replaced")
	}
	drain(m)
	if old.slots == nil {
		t.Fatal("old table reclaimed while a guard predating the swap is held")
	}
	g.Unpin()
	drain(m)
	if old.slots != nil {
		t.Fatal("old table not reclaimed after guard release")
	}
}

func TestMap_LoadDuringGrowthAndCollection(t *testing.T) {
	const stable = 64
	m := New[int, int](WithCollectEvery(1))
	for i := 0; i < stable; i++ {
		m.Store(i, i)
	}

	// Readers hammer a fixed key set while the writer drives repeated
	// migrations and immediate collection passes. A load that probes a
	// table pointer obtained outside its reservation would index the
	// nilled slot array of a reclaimed generation here.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				for i := 0; i < stable; i++ {
					if v, ok := m.Load(i); !ok || v != i {
						t.Errorf("Load(%d) = %d, %v during churn", i, v, ok)
						return
					}
				}
			}
		}()
	}

	for round := 0; round < 20; round++ {
		for i := stable; i < 4096; i++ {
			m.Store(i, i)
		}
		for i := stable; i < 4096; i++ {
			m.Delete(i)
		}
		drain(m)
	}
	close(stop)
	wg.Wait()
}

func TestGuard_Retire(t *testing.T) {
	m := New[int, int](WithCollectEvery(1000000))
	g := m.Pin()
	e := m.newEntry(8, 80)
	g.retire(e)
	if p := m.retired.pending(); p != 1 {
		t.Fatalf("pending %d", p)
	}
	g.Unpin()
	drain(m)
	if p := m.retired.pending(); p != 0 {
		t.Fatalf("pending %d after drain", p)
	}
	if n := m.totalReclaims.Load(); n != 1 {
		t.Fatalf("reclaims %d", n)
	}
}
