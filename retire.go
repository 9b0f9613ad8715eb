package epochmap

import (
	"sync/atomic"
	"unsafe"
)

// retiredNode carries one object that has been unlinked from the live
// structure but may still be referenced by pinned readers. free performs
// the physical reclamation and runs exactly once.
type retiredNode struct {
	next  *retiredNode
	epoch uint64
	free  func()
}

// retireShard is a lock-free stack of retired objects. Sharding bounds
// cross-goroutine contention on the push path; collect takes ownership of
// a whole shard with a single swap, so no two passes can race on the same
// node.
type retireShard struct {
	//lint:ignore U1000 prevents false sharing
	pad [(CacheLineSize - unsafe.Sizeof(struct {
		head atomic.Pointer[retiredNode]
		size atomic.Int64
	}{})%CacheLineSize) % CacheLineSize]byte

	head atomic.Pointer[retiredNode]
	size atomic.Int64
}

// retireList is the set of shards plus the registry that decides when a
// retired object is provably unobserved.
type retireList struct {
	reg    *registry
	shards []retireShard
	mask   uint32
}

func newRetireList(reg *registry, shards int) *retireList {
	n := nextPowOf2(shards)
	return &retireList{
		reg:    reg,
		shards: make([]retireShard, n),
		mask:   uint32(n - 1),
	}
}

func (l *retireList) shardFor(res *reservation) *retireShard {
	return &l.shards[res.idx&l.mask]
}

// retire hands an object to the shard. The object must already be
// unreachable from the live structure; the push happens-before any epoch
// snapshot that could declare it reclaimable.
func (l *retireList) retire(s *retireShard, epoch uint64, free func()) {
	n := &retiredNode{epoch: epoch, free: free}
	for {
		h := s.head.Load()
		n.next = h
		if s.head.CompareAndSwap(h, n) {
			break
		}
	}
	s.size.Add(1)
}

// collect reclaims every node in the shard whose retire epoch lies strictly
// below the minimum active reservation epoch. Nodes that are still
// protected go back on the shard for a later pass. Returns the number of
// objects freed.
func (l *retireList) collect(s *retireShard) int {
	head := s.head.Swap(nil)
	if head == nil {
		return 0
	}
	// The minimum is read only after the swap: every retirement below was
	// made visible before this snapshot, so a reservation pinned at or
	// before a node's retire epoch is guaranteed to be seen.
	minE := l.reg.minActive()

	var keep, keepTail *retiredNode
	freed := 0
	for n := head; n != nil; {
		next := n.next
		if n.epoch < minE {
			n.free()
			freed++
		} else {
			n.next = keep
			if keep == nil {
				keepTail = n
			}
			keep = n
		}
		n = next
	}
	if keep != nil {
		for {
			h := s.head.Load()
			keepTail.next = h
			if s.head.CompareAndSwap(h, keep) {
				break
			}
		}
	}
	if freed != 0 {
		s.size.Add(int64(-freed))
	}
	return freed
}

// collectAll runs collect over every shard and reports the total freed.
func (l *retireList) collectAll() int {
	freed := 0
	for i := range l.shards {
		freed += l.collect(&l.shards[i])
	}
	return freed
}

// pending reports the number of objects awaiting reclamation.
func (l *retireList) pending() int {
	var n int64
	for i := range l.shards {
		n += l.shards[i].size.Load()
	}
	return int(n)
}
