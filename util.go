package epochmap

import (
	"math/bits"
	"unsafe"
)

// nextPowOf2 calculates the smallest power of 2 that is greater than or
// equal to n. Compatible with both 32-bit and 64-bit systems.
func nextPowOf2(n int) int {
	if n <= 0 {
		return 1
	}

	if bits.UintSize == 32 {
		v := uint32(n)
		v--
		v |= v >> 1
		v |= v >> 2
		v |= v >> 4
		v |= v >> 8
		v |= v >> 16
		v++
		return int(v)
	}

	v := uint64(n)
	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v |= v >> 32
	v++
	return int(v)
}

// spread improves hash distribution by XORing the original hash with its
// high bits. This increases randomness in the lower bits, which is where
// the slot index is taken from.
func spread(h uintptr) uintptr {
	if bits.UintSize == 64 {
		return h ^ (h >> 32) ^ (h >> 16)
	}
	return h ^ (h >> 16)
}

// calcParallelism calculates the chunking for cooperative migration help.
//
// Returns the number of chunks (degree of parallelism) and the number of
// slots processed per chunk.
func calcParallelism(items, threshold, cpus int) (chunkSize, chunks int) {
	// Small tables are processed as a single chunk; claiming overhead
	// would dominate otherwise.
	if items <= threshold {
		return items, 1
	}

	chunks = min(items/threshold, cpus)
	chunkSize = (items + chunks - 1) / chunks
	return chunkSize, chunks
}

// noescape hides a pointer from escape analysis.  noescape is
// the identity function but escape analysis doesn't think the
// output depends on the input.  noescape is inlined and currently
// compiles down to zero instructions.
// USE CAREFULLY!
//
// nolint:all
//
//go:nosplit
func noescape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}
