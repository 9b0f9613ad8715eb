//go:build epochmap_opt_cachelinesize_128

package epochmap

// CacheLineSize is used in structure padding to prevent false sharing.
const CacheLineSize = 128
