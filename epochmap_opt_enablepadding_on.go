//go:build epochmap_opt_enablepadding

package epochmap

import "unsafe"

// enablePadding pads counterStripe to a full cache line. This mitigates
// false sharing on some machine architectures at the cost of extra memory.
// Off by default.
const enablePadding = true

// counterStripe represents a striped counter to reduce contention.
type counterStripe struct {
	//lint:ignore U1000 prevents false sharing
	pad [(CacheLineSize - unsafe.Sizeof(struct {
		c int64
	}{})%CacheLineSize) % CacheLineSize]byte
	c int64
}
