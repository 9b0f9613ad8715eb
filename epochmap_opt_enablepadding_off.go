//go:build !epochmap_opt_enablepadding

package epochmap

// enablePadding pads counterStripe to a full cache line. This mitigates
// false sharing on some machine architectures at the cost of extra memory.
// Off by default.
const enablePadding = false

type counterStripe struct {
	c int64
}
