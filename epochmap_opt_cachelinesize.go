//go:build !epochmap_opt_cachelinesize_64 && !epochmap_opt_cachelinesize_128 && !epochmap_opt_cachelinesize_256

package epochmap

import (
	"unsafe"

	"golang.org/x/sys/cpu"
)

// CacheLineSize is used in structure padding to prevent false sharing.
// It's automatically calculated using the `golang.org/x/sys` package.
const CacheLineSize = unsafe.Sizeof(cpu.CacheLinePad{})
