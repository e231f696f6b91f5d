package yodb

import (
	"bytes"

	"github.com/kedebug/yodb/internal/config"
)

// Comparator orders keys; DB uses it to keep pivots and message tables
// sorted. Must be a total order consistent across the database's
// lifetime -- changing it after data has been written produces
// undefined lookup results.
type Comparator func(a, b []byte) int

// BytesComparator is the default Comparator: plain lexicographic byte
// ordering via bytes.Compare.
func BytesComparator(a, b []byte) int { return bytes.Compare(a, b) }

// Options configures a DB. Open fills in every unset tunable from
// DefaultOptions, but not Comparator, which must be supplied explicitly or
// via DefaultOptions(); Open rejects a nil Comparator, so the zero value is
// not accepted as is.
type Options struct {
	Comparator Comparator

	// MaxNodeChildNumber bounds a node's pivot count before it splits.
	MaxNodeChildNumber int

	// MaxNodeMsgCount bounds a pivot's buffered message count before it
	// flushes toward its child.
	MaxNodeMsgCount int

	// CacheLimitedMemory bounds the in-memory node cache's tracked byte
	// footprint before eviction kicks in.
	CacheLimitedMemory int64

	// CacheDirtyNodeExpire is how long, in seconds, a dirty node may sit
	// in the cache before the writeback worker flushes it.
	CacheDirtyNodeExpire int

	// EnableMetrics turns on the internal/metrics Observer for this DB;
	// its counters are surfaced via DB.Stats().
	EnableMetrics bool
}

// DefaultOptions returns an Options with BytesComparator and the
// library's default tunables.
func DefaultOptions() Options {
	return Options{
		Comparator:           BytesComparator,
		MaxNodeChildNumber:   config.DefaultMaxNodeChildNumber,
		MaxNodeMsgCount:      config.DefaultMaxNodeMsgCount,
		CacheLimitedMemory:   config.DefaultCacheLimitedMemory,
		CacheDirtyNodeExpire: config.DefaultCacheDirtyNodeExpire,
	}
}

// withDefaults converts to the internal config type node/cache/tree
// share, filling in every zero-valued tunable along the way. Comparator
// is left to the caller to default (Open rejects a nil one outright).
func (o Options) withDefaults() config.Options {
	return config.Options{
		Comparator:           config.Comparator(o.Comparator),
		MaxNodeChildNumber:   o.MaxNodeChildNumber,
		MaxNodeMsgCount:      o.MaxNodeMsgCount,
		CacheLimitedMemory:   o.CacheLimitedMemory,
		CacheDirtyNodeExpire: o.CacheDirtyNodeExpire,
	}.WithDefaults()
}
