package cache

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kedebug/yodb/internal/block"
	"github.com/kedebug/yodb/internal/config"
	"github.com/kedebug/yodb/internal/node"
	"github.com/stretchr/testify/require"
)

func cmp(a, b []byte) int { return bytes.Compare(a, b) }

// fakeStore is an in-memory Store good enough to exercise Cache's load,
// eviction and writeback paths without a real table/aio layer.
type fakeStore struct {
	mu         sync.Mutex
	blocks     map[node.NID][]byte
	checkpoint int
}

func newFakeStore() *fakeStore {
	return &fakeStore{blocks: make(map[node.NID][]byte)}
}

func (s *fakeStore) Read(nid node.NID) (*block.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf, ok := s.blocks[nid]
	if !ok {
		return nil, fakeNotFound(nid)
	}
	cloned := append([]byte(nil), buf...)
	return block.New(cloned), nil
}

func (s *fakeStore) AllocAligned(size int) []byte { return make([]byte, size) }

func (s *fakeStore) AsyncWrite(nid node.NID, b *block.Block, cb func(error)) {
	s.mu.Lock()
	s.blocks[nid] = append([]byte(nil), b.Data()...)
	s.mu.Unlock()
	cb(nil)
}

func (s *fakeStore) RequestCheckpoint() error {
	s.mu.Lock()
	s.checkpoint++
	s.mu.Unlock()
	return nil
}

type fakeNotFoundErr struct{ nid node.NID }

func (e fakeNotFoundErr) Error() string { return "not found" }
func fakeNotFound(nid node.NID) error   { return fakeNotFoundErr{nid} }

// fakeHost is a minimal node.Host wired to a Cache, enough to exercise
// Get/Put round trips.
type fakeHost struct {
	opts  config.Options
	cache *Cache
	next  node.NID
}

func (h *fakeHost) CreateNode(isLeaf bool) (*node.Node, error) {
	h.next++
	n := node.New(h, h.opts.Comparator, h.next, isLeaf)
	h.cache.Put(n.NID(), n)
	n.IncRef()
	return n, nil
}
func (h *fakeHost) GetNode(nid node.NID) (*node.Node, error) { return h.cache.Get(nid) }
func (h *fakeHost) ReleaseNode(n *node.Node)                 { n.DecRef() }
func (h *fakeHost) GrowRoot(oldRoot, sibling *node.Node, splitKey []byte) error {
	return nil
}
func (h *fakeHost) LockPathAndTrySplit(key []byte) error { return nil }
func (h *fakeHost) Options() config.Options              { return h.opts }

func newFakeHost(store Store) (*fakeHost, *Cache) {
	opts := config.Options{Comparator: cmp, MaxNodeMsgCount: 1000, MaxNodeChildNumber: 16,
		CacheLimitedMemory: 1 << 20, CacheDirtyNodeExpire: 1}
	h := &fakeHost{opts: opts}
	c := New(opts, h, store, nil)
	h.cache = c
	return h, c
}

func TestPutGetRoundTrip(t *testing.T) {
	store := newFakeStore()
	h, c := newFakeHost(store)

	n, err := h.CreateNode(true)
	require.NoError(t, err)
	require.NoError(t, n.Put([]byte("a"), []byte("1")))

	got, err := c.Get(n.NID())
	require.NoError(t, err)
	require.Equal(t, n, got)
	require.Equal(t, 1, c.Count())
}

func TestGetLoadsFromStoreOnMiss(t *testing.T) {
	store := newFakeStore()
	h, c := newFakeHost(store)

	n, _ := h.CreateNode(true)
	require.NoError(t, n.Put([]byte("x"), []byte("y")))

	buf := make([]byte, 4096)
	w := block.NewWriter(block.New(buf))
	n.Serialize(w)
	store.blocks[n.NID()] = buf

	// simulate eviction: remove from the in-memory map directly.
	c.rw.Lock()
	delete(c.nodes, n.NID())
	c.rw.Unlock()

	loaded, err := c.Get(n.NID())
	require.NoError(t, err)
	v, ok, err := loaded.Get([]byte("x"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("y"), v)
}

func TestDuplicatePutPanics(t *testing.T) {
	store := newFakeStore()
	h, c := newFakeHost(store)
	n, _ := h.CreateNode(true)

	require.Panics(t, func() { c.Put(n.NID(), n) })
}

func TestEvictionSkipsRefsAndDirty(t *testing.T) {
	store := newFakeStore()
	opts := config.Options{Comparator: cmp, MaxNodeMsgCount: 1000, MaxNodeChildNumber: 16,
		CacheLimitedMemory: 1, CacheDirtyNodeExpire: 1}
	h := &fakeHost{opts: opts}
	c := New(opts, h, store, nil)
	h.cache = c

	clean, _ := h.CreateNode(true)
	clean.DecRef() // drop the CreateNode ref so refcnt reaches 0
	clean.ClearDirty()

	dirty, _ := h.CreateNode(true)
	require.NoError(t, dirty.Put([]byte("k"), []byte("v")))

	c.evictFromMemory()

	_, cleanStillThere := c.nodes[clean.NID()]
	_, dirtyStillThere := c.nodes[dirty.NID()]
	require.False(t, cleanStillThere)
	require.True(t, dirtyStillThere)
}

func TestFlushDrainsDirtyNodes(t *testing.T) {
	store := newFakeStore()
	h, c := newFakeHost(store)

	n, _ := h.CreateNode(true)
	require.NoError(t, n.Put([]byte("k"), []byte("v")))
	require.True(t, n.IsDirty())

	require.NoError(t, c.Flush())

	require.False(t, n.IsDirty())
	require.Equal(t, 1, store.checkpoint)
	_, ok := store.blocks[n.NID()]
	require.True(t, ok)
}

func TestWritebackLoopFlushesExpiredDirtyNodes(t *testing.T) {
	store := newFakeStore()
	opts := config.Options{Comparator: cmp, MaxNodeMsgCount: 1000, MaxNodeChildNumber: 16,
		CacheLimitedMemory: 1 << 20, CacheDirtyNodeExpire: 0} // expire immediately
	h := &fakeHost{opts: opts}
	c := New(opts, h, store, nil)
	h.cache = c

	n, _ := h.CreateNode(true)
	require.NoError(t, n.Put([]byte("k"), []byte("v")))

	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)
	defer func() {
		cancel()
		c.Stop()
	}()

	require.Eventually(t, func() bool {
		return !n.IsDirty()
	}, 2*time.Second, 10*time.Millisecond)
}
