// Package cache implements the in-memory node map: a bounded working set
// of *node.Node values with LRU-ish eviction and a background writeback
// worker that flushes dirty nodes to the table layer.
//
// Grounded on the original yodb cache/cache.{h,cc}, with the worker's
// start/stop lifecycle adapted from the teacher's ioLoop/ctx.Done
// pattern in internal/queue/runner.go.
package cache

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kedebug/yodb/internal/block"
	"github.com/kedebug/yodb/internal/config"
	"github.com/kedebug/yodb/internal/logging"
	"github.com/kedebug/yodb/internal/metrics"
	"github.com/kedebug/yodb/internal/node"
)

// errCorrupt reports that a node failed to deserialize from the store --
// a corruption-class failure per spec.md §7, fatal for that node.
func errCorrupt(nid node.NID) error {
	return fmt.Errorf("cache: node %d failed to deserialize: corrupt block", nid)
}

// Store is the persistence backend a Cache flushes dirty nodes to and
// loads missing nodes from. internal/table.Table satisfies it.
type Store interface {
	Read(nid node.NID) (*block.Block, error)
	AllocAligned(size int) []byte
	AsyncWrite(nid node.NID, b *block.Block, cb func(error))
	RequestCheckpoint() error
}

const evictionBudgetFraction = 100 // evict up to 1% of the ceiling per pass
const writebackInterval = 100 * time.Millisecond
const checkpointInterval = 30 * time.Second

// Cache maps node identifiers to their in-memory Node, bounded by
// options.CacheLimitedMemory and drained by a background writeback
// worker.
type Cache struct {
	opts  config.Options
	host  node.Host
	store Store
	obs   *metrics.Observer

	rw    sync.RWMutex
	nodes map[node.NID]*node.Node

	sizeMu sync.Mutex
	size   int64

	lastCheckpoint time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a cache bounded by opts, fetching missing nodes from store
// and materializing them via host's node factory. obs may be nil.
func New(opts config.Options, host node.Host, store Store, obs *metrics.Observer) *Cache {
	return &Cache{
		opts:           opts,
		host:           host,
		store:          store,
		obs:            obs,
		nodes:          make(map[node.NID]*node.Node),
		lastCheckpoint: time.Now(),
	}
}

// Start launches the background writeback worker. Calling Start twice is
// a programmer error.
func (c *Cache) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.wg.Add(1)
	go c.writebackLoop(ctx)
}

// Stop cancels the writeback worker and waits for it to exit. Callers
// should call Flush afterward to drain any remaining dirty nodes.
func (c *Cache) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

// addSize adjusts the tracked cache_size counter.
func (c *Cache) addSize(delta int64) {
	c.sizeMu.Lock()
	c.size += delta
	c.sizeMu.Unlock()
}

// Size returns the current tracked byte footprint of cached nodes.
func (c *Cache) Size() int64 {
	c.sizeMu.Lock()
	defer c.sizeMu.Unlock()
	return c.size
}

// Count returns the number of resident nodes.
func (c *Cache) Count() int {
	c.rw.RLock()
	defer c.rw.RUnlock()
	return len(c.nodes)
}

// Put registers a freshly created node, asserting its nid is not already
// present -- an invariant violation would mean the tree allocated a
// duplicate nid.
func (c *Cache) Put(nid node.NID, n *node.Node) {
	c.maybeEviction()

	c.rw.Lock()
	defer c.rw.Unlock()
	if _, exists := c.nodes[nid]; exists {
		panic("cache: duplicate nid inserted")
	}
	c.nodes[nid] = n
	c.addSize(int64(n.WriteBackSize()))
}

// Get resolves nid to its in-memory node, loading it from the store on a
// miss. The returned node has been inc-ref'd by one; callers release it
// via the tree's ReleaseNode.
func (c *Cache) Get(nid node.NID) (*node.Node, error) {
	c.rw.RLock()
	if n, ok := c.nodes[nid]; ok {
		n.IncRef()
		n.Touch()
		c.rw.RUnlock()
		c.obs.RecordCacheHit()
		return n, nil
	}
	c.rw.RUnlock()

	c.obs.RecordCacheMiss()
	c.maybeEviction()

	b, err := c.store.Read(nid)
	if err != nil {
		return nil, err
	}
	r := block.NewReader(b)
	loaded, ok := node.Deserialize(c.host, c.opts.Comparator, r)
	if !ok {
		return nil, errCorrupt(nid)
	}

	c.rw.Lock()
	if existing, raced := c.nodes[nid]; raced {
		c.rw.Unlock()
		existing.IncRef()
		existing.Touch()
		return existing, nil
	}
	c.nodes[nid] = loaded
	c.addSize(int64(loaded.WriteBackSize()))
	c.rw.Unlock()

	loaded.IncRef()
	loaded.Touch()
	return loaded, nil
}

// maybeEviction calls evictFromMemory when the tracked size has crossed
// the configured ceiling.
func (c *Cache) maybeEviction() {
	if c.Size() < c.opts.CacheLimitedMemory {
		return
	}
	c.evictFromMemory()
}

// evictFromMemory sorts unreferenced, clean, non-flushing nodes by
// last-used time and drops the oldest until the freed byte budget is
// met.
func (c *Cache) evictFromMemory() {
	c.rw.Lock()
	defer c.rw.Unlock()

	type candidate struct {
		nid      node.NID
		n        *node.Node
		size     int64
		lastUsed time.Time
	}

	var total int64
	var candidates []candidate
	for nid, n := range c.nodes {
		sz := int64(n.WriteBackSize())
		total += sz
		if n.RefCount() == 0 && !n.IsDirty() && !n.IsFlushing() {
			candidates = append(candidates, candidate{nid, n, sz, n.LastUsedTS()})
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].lastUsed.Before(candidates[j].lastUsed)
	})

	budget := c.opts.CacheLimitedMemory / evictionBudgetFraction
	if budget < 1 {
		budget = 1 // a ceiling below 100 bytes still evicts at least one node
	}
	var freed int64
	var evicted int
	for _, cand := range candidates {
		if freed >= budget {
			break
		}
		delete(c.nodes, cand.nid)
		freed += cand.size
		evicted++
	}

	c.sizeMu.Lock()
	c.size = total - freed
	c.sizeMu.Unlock()
	c.obs.RecordCacheEviction(evicted)
}

// writebackLoop is the background task described in spec.md §4.5: every
// tick, gather expired dirty nodes oldest-first, flush as many as the
// byte budget allows, and trigger a checkpoint on its own cadence.
func (c *Cache) writebackLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(writebackInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.writebackPass()
			if time.Since(c.lastCheckpoint) > checkpointInterval {
				if err := c.store.RequestCheckpoint(); err != nil {
					logging.Errorf("cache: checkpoint failed: %v", err)
				} else {
					c.obs.RecordCheckpoint()
				}
				c.lastCheckpoint = time.Now()
			}
		}
	}
}

type expiredNode struct {
	nid   node.NID
	n     *node.Node
	first time.Time
}

// writebackPass flushes a budgeted slice of the expired-dirty set.
func (c *Cache) writebackPass() {
	expireAfter := time.Duration(c.opts.CacheDirtyNodeExpire) * time.Second

	c.rw.RLock()
	var expired []expiredNode
	var dirtyBytes int64
	for nid, n := range c.nodes {
		if n.IsDirty() {
			dirtyBytes += int64(n.WriteBackSize())
		}
		if n.IsDirty() && !n.IsFlushing() && time.Since(n.FirstWriteTS()) > expireAfter {
			expired = append(expired, expiredNode{nid, n, n.FirstWriteTS()})
		}
	}
	c.rw.RUnlock()

	sort.Slice(expired, func(i, j int) bool { return expired[i].first.Before(expired[j].first) })

	budget := c.opts.CacheLimitedMemory / evictionBudgetFraction
	if dirtyBytes > (30*c.opts.CacheLimitedMemory)/100 {
		budget *= 2
	}

	var flushed int64
	for _, e := range expired {
		if flushed >= budget {
			break
		}
		if c.flushNode(e.n) {
			flushed += int64(e.n.WriteBackSize())
		}
	}
}

// flushNode serializes n and submits it for an async write, returning
// true if a flush was actually started.
func (c *Cache) flushNode(n *node.Node) bool {
	n.Lock()
	if !n.IsDirty() || n.IsFlushing() {
		n.Unlock()
		return false
	}
	n.SetFlushing(true)

	size := n.WriteBackSize()
	buf := c.store.AllocAligned(size)
	w := block.NewWriter(block.NewWindow(buf, 0, size))
	n.Serialize(w)
	n.ClearDirty()
	n.Unlock()

	b := block.NewWindow(buf, 0, size)
	c.store.AsyncWrite(n.NID(), b, func(err error) {
		n.SetFlushing(false)
		if err != nil {
			logging.Errorf("cache: writeback of node %d failed: %v", n.NID(), err)
			n.MarkDirty()
		}
		c.obs.RecordNodeFlush(err == nil)
	})
	return true
}

// Flush synchronously drains every dirty, non-flushing node and then
// asks the store to flush, for use on shutdown.
func (c *Cache) Flush() error {
	c.rw.RLock()
	var dirty []*node.Node
	for _, n := range c.nodes {
		if n.IsDirty() && !n.IsFlushing() {
			dirty = append(dirty, n)
		}
	}
	c.rw.RUnlock()

	var wg sync.WaitGroup
	for _, n := range dirty {
		n.Lock()
		if !n.IsDirty() || n.IsFlushing() {
			n.Unlock()
			continue
		}
		n.SetFlushing(true)
		size := n.WriteBackSize()
		buf := c.store.AllocAligned(size)
		w := block.NewWriter(block.NewWindow(buf, 0, size))
		n.Serialize(w)
		n.ClearDirty()
		n.Unlock()

		wg.Add(1)
		b := block.NewWindow(buf, 0, size)
		nn := n
		c.store.AsyncWrite(nn.NID(), b, func(err error) {
			nn.SetFlushing(false)
			if err != nil {
				logging.Errorf("cache: shutdown flush of node %d failed: %v", nn.NID(), err)
			}
			wg.Done()
		})
	}
	wg.Wait()

	if err := c.store.RequestCheckpoint(); err != nil {
		return err
	}
	c.obs.RecordCheckpoint()
	return nil
}
