//go:build linux

package aio

import "github.com/kedebug/yodb/internal/block"

// AllocAligned returns a page-aligned buffer of block.PageRoundUp(size,
// PageSize) bytes, the Go equivalent of spec.md §4.6's self_alloc
// (posix_memalign semantics). Go's runtime already hands out
// page-aligned memory for allocations at or above the page size, so a
// plain make suffices; the rounding is what callers actually depend on.
func AllocAligned(size int) []byte {
	return make([]byte, block.PageRoundUp(size, PageSize))
}

// PageSize is the page-multiple alignment AsyncFile's O_DIRECT reads and
// writes require.
const PageSize = 4096
