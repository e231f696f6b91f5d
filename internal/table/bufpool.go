package table

import (
	"sync"

	"github.com/kedebug/yodb/internal/aio"
	"github.com/kedebug/yodb/internal/block"
)

// Page-aligned bucket sizes for pooled writeback buffers. Node and
// header blocks are almost always small (a handful of pivots with short
// keys); anything past the largest bucket is allocated directly rather
// than pooled, since a one-off oversized node wouldn't amortize the
// pool's overhead.
const (
	bucket1Page  = pageSize      // 4 KiB
	bucket4Page  = pageSize * 4  // 16 KiB
	bucket16Page = pageSize * 16 // 64 KiB
	bucket64Page = pageSize * 64 // 256 KiB
)

// bufPool is the shared, size-bucketed pool of page-aligned buffers used
// for node writeback, avoiding an AllocAligned on every AsyncWrite. The
// checkpoint's header buffer is allocated directly, not pooled. Uses *[]byte, not []byte, in each sync.Pool to avoid the
// extra interface allocation a boxed slice value would cost.
var bufPool = struct {
	p1  sync.Pool
	p4  sync.Pool
	p16 sync.Pool
	p64 sync.Pool
}{
	p1:  sync.Pool{New: func() any { b := aio.AllocAligned(bucket1Page); return &b }},
	p4:  sync.Pool{New: func() any { b := aio.AllocAligned(bucket4Page); return &b }},
	p16: sync.Pool{New: func() any { b := aio.AllocAligned(bucket16Page); return &b }},
	p64: sync.Pool{New: func() any { b := aio.AllocAligned(bucket64Page); return &b }},
}

// getPooled returns a page-aligned buffer of at least size bytes,
// rounded up to a bucket, or a one-off AllocAligned if size exceeds the
// largest bucket.
func getPooled(size int) []byte {
	rounded := block.PageRoundUp(size, pageSize)
	switch {
	case rounded <= bucket1Page:
		return (*bufPool.p1.Get().(*[]byte))[:rounded]
	case rounded <= bucket4Page:
		return (*bufPool.p4.Get().(*[]byte))[:rounded]
	case rounded <= bucket16Page:
		return (*bufPool.p16.Get().(*[]byte))[:rounded]
	case rounded <= bucket64Page:
		return (*bufPool.p64.Get().(*[]byte))[:rounded]
	default:
		return aio.AllocAligned(size)
	}
}

// putPooled returns buf to the bucket matching its capacity. Buffers
// whose capacity doesn't match a bucket exactly (the oversized fallback
// case) are simply dropped.
func putPooled(buf []byte) {
	c := cap(buf)
	buf = buf[:c]
	switch c {
	case bucket1Page:
		bufPool.p1.Put(&buf)
	case bucket4Page:
		bufPool.p4.Put(&buf)
	case bucket16Page:
		bufPool.p16.Put(&buf)
	case bucket64Page:
		bufPool.p64.Put(&buf)
	}
}
