// Package yodb is a single-file, Bε-tree-backed key/value store: writes
// land as buffered messages at the root and are pushed toward their
// leaf lazily, batching random writes into the sequential I/O the
// asynchronous table layer is built for.
package yodb

import (
	"context"
	"os"

	"github.com/kedebug/yodb/internal/aio"
	"github.com/kedebug/yodb/internal/cache"
	"github.com/kedebug/yodb/internal/metrics"
	"github.com/kedebug/yodb/internal/table"
	"github.com/kedebug/yodb/internal/tree"
)

// DB is an open database file. Safe for concurrent use by multiple
// goroutines.
type DB struct {
	file   *aio.AsyncFile
	table  *table.Table
	cache  *cache.Cache
	tree   *tree.BufferTree
	obs    *metrics.Observer
	cancel context.CancelFunc
}

// Open opens or creates path under opts. opts.Comparator must be set,
// or DefaultOptions()'s BytesComparator used instead; every other
// tunable defaults when left at zero.
func Open(path string, opts Options) (*DB, error) {
	if opts.Comparator == nil {
		return nil, newErrorMsg("Open", ErrCodeConfig, "Options.Comparator must not be nil")
	}
	cfg := opts.withDefaults()

	_, statErr := os.Stat(path)
	fresh := os.IsNotExist(statErr)

	ctx, cancel := context.WithCancel(context.Background())

	file, err := aio.Open(ctx, path)
	if err != nil {
		cancel()
		return nil, newError("Open", ErrCodeIOFailure, err)
	}

	var obs *metrics.Observer
	if opts.EnableMetrics {
		obs = metrics.New()
	}

	tbl := table.New(file)
	tbl.SetObserver(obs)
	if err := tbl.Init(fresh); err != nil {
		cancel()
		file.Close()
		return nil, newError("Open", ErrCodeCorruption, err)
	}

	tr := tree.New(cfg, tbl)
	c := cache.New(cfg, tr, tbl, obs)
	tr.SetCache(c)
	tr.SetObserver(obs)

	if err := tr.Init(); err != nil {
		cancel()
		file.Close()
		return nil, newError("Open", ErrCodeInvariant, err)
	}

	c.Start(ctx)

	return &DB{file: file, table: tbl, cache: c, tree: tr, obs: obs, cancel: cancel}, nil
}

// Put inserts or overwrites key with value.
func (db *DB) Put(key, value []byte) error {
	if err := db.tree.Put(key, value); err != nil {
		return newError("Put", ErrCodeInvariant, err)
	}
	return nil
}

// Del removes key. Deleting an absent key is not an error.
func (db *DB) Del(key []byte) error {
	if err := db.tree.Del(key); err != nil {
		return newError("Del", ErrCodeInvariant, err)
	}
	return nil
}

// Get looks up key, reporting whether it was found.
func (db *DB) Get(key []byte) ([]byte, bool, error) {
	v, ok, err := db.tree.Get(key)
	if err != nil {
		return nil, false, newError("Get", ErrCodeInvariant, err)
	}
	return v, ok, nil
}

// Stats is a point-in-time snapshot of the database's resource usage
// and, when Options.EnableMetrics was set, operation counters.
type Stats struct {
	NodeCount  uint64
	CacheNodes int
	CacheBytes int64
	RootNID    uint64
	Metrics    metrics.Snapshot
}

// Stats reports the database's current resource usage.
func (db *DB) Stats() Stats {
	return Stats{
		NodeCount:  db.tree.NodeCount(),
		CacheNodes: db.cache.Count(),
		CacheBytes: db.cache.Size(),
		RootNID:    uint64(db.tree.RootNID()),
		Metrics:    db.obs.Snapshot(),
	}
}

// Close stops the writeback worker, drains every dirty node to disk,
// checkpoints the table, truncates the file to its live size, and
// closes the underlying file.
func (db *DB) Close() error {
	db.cache.Stop()
	if err := db.cache.Flush(); err != nil {
		db.cancel()
		db.file.Close()
		return newError("Close", ErrCodeIOFailure, err)
	}
	if err := db.table.Flush(); err != nil {
		db.cancel()
		db.file.Close()
		return newError("Close", ErrCodeIOFailure, err)
	}
	db.cancel()
	if err := db.file.Close(); err != nil {
		return newError("Close", ErrCodeIOFailure, err)
	}
	return nil
}
