// Package tree implements the BufferTree: the owner of the root pointer
// and the node counter, and the orchestrator of lock_path's
// push-down-while-descending walk. Grounded on the original yodb
// tree/buffer_tree.{h,cc}, expanded per spec.md §4.4.
package tree

import (
	"sync"
	"time"

	"github.com/kedebug/yodb/internal/cache"
	"github.com/kedebug/yodb/internal/config"
	"github.com/kedebug/yodb/internal/metrics"
	"github.com/kedebug/yodb/internal/node"
)

// RootStore is the persistence backend the tree reads its bootstrap
// state from and records root/node-count changes to. internal/table.Table
// satisfies it.
type RootStore interface {
	RootNID() node.NID
	NodeCount() uint64
	SetRoot(nid node.NID, nodeCount uint64) error
}

// BufferTree owns the root pointer and the node counter, and serializes
// every lock_path caller behind a dedicated mutex so structural changes
// (splits, root growth) never race each other.
type BufferTree struct {
	opts  config.Options
	store RootStore
	cache *cache.Cache
	obs   *metrics.Observer

	mu         sync.Mutex // guards root, nodeCount
	root       *node.Node
	nodeCount  uint64
	lockPathMu sync.Mutex // serializes lock_path callers
}

// New constructs a tree over store and opts. Callers must call SetCache
// once the cache is wired up (cache.New needs this tree as its node
// factory, and this tree needs the cache to fetch nodes -- a one-time
// two-step wiring that avoids an import cycle) and then Init.
func New(opts config.Options, store RootStore) *BufferTree {
	return &BufferTree{opts: opts, store: store}
}

// SetCache completes construction; see New's comment.
func (t *BufferTree) SetCache(c *cache.Cache) { t.cache = c }

// SetObserver attaches obs so subsequent operations record against it.
// obs may be nil to detach.
func (t *BufferTree) SetObserver(obs *metrics.Observer) { t.obs = obs }

// Init reads root_nid and node_count from the store; if there is no
// root yet, it creates a fresh leaf root and marks it dirty.
func (t *BufferTree) Init() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nodeCount = t.store.NodeCount()
	rootNID := t.store.RootNID()

	if rootNID == node.NilNID {
		t.nodeCount++
		root := node.New(t, t.opts.Comparator, node.NID(t.nodeCount), true)
		t.cache.Put(root.NID(), root)
		root.IncRef()
		root.MarkDirty()
		t.root = root
		return t.store.SetRoot(root.NID(), t.nodeCount)
	}

	root, err := t.cache.Get(rootNID)
	if err != nil {
		return err
	}
	t.root = root
	return nil
}

// CreateNode implements node.Host: allocate a fresh nid, construct an
// in-memory node, register it with the cache, and return it refcnt 1.
func (t *BufferTree) CreateNode(isLeaf bool) (*node.Node, error) {
	t.mu.Lock()
	t.nodeCount++
	nid := node.NID(t.nodeCount)
	t.mu.Unlock()

	n := node.New(t, t.opts.Comparator, nid, isLeaf)
	t.cache.Put(nid, n)
	n.IncRef()
	return n, nil
}

// GetNode implements node.Host by delegating to the cache.
func (t *BufferTree) GetNode(nid node.NID) (*node.Node, error) {
	return t.cache.Get(nid)
}

// ReleaseNode implements node.Host.
func (t *BufferTree) ReleaseNode(n *node.Node) { n.DecRef() }

// Options implements node.Host.
func (t *BufferTree) Options() config.Options { return t.opts }

// GrowRoot implements node.Host's grow_up: swap the root pointer and
// record the new root nid, releasing the tree's hold on the previous
// root.
func (t *BufferTree) GrowRoot(oldRoot, sibling *node.Node, splitKey []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nodeCount++
	newRoot := node.NewRoot(t, t.opts.Comparator, node.NID(t.nodeCount), oldRoot.NID(), sibling.NID(), splitKey)
	newRoot.MarkDirty()

	t.cache.Put(newRoot.NID(), newRoot)
	newRoot.IncRef()

	prevRoot := t.root
	t.root = newRoot
	if prevRoot != nil {
		prevRoot.DecRef()
	}

	return t.store.SetRoot(newRoot.NID(), t.nodeCount)
}

// LockPathAndTrySplit implements node.Host's lock_path(key) +
// try_split_node(path): under the path-serializer lock, write-lock the
// current root, verify it is still root, then descend to the leaf
// covering key, write-locking each level and opportunistically pushing
// its covering pivot's buffer down into the child before continuing --
// so the path is guaranteed headroom for the pending split. Finally run
// TrySplitNode bottom-up over the locked path.
func (t *BufferTree) LockPathAndTrySplit(key []byte) error {
	t.lockPathMu.Lock()
	defer t.lockPathMu.Unlock()

	var root *node.Node
	for {
		t.mu.Lock()
		root = t.root
		t.mu.Unlock()

		root.IncRef()
		root.Lock()

		t.mu.Lock()
		stillRoot := t.root == root
		t.mu.Unlock()
		if stillRoot {
			break
		}
		root.Unlock()
		root.DecRef()
	}

	path := []*node.Node{root}
	cur := root
	for !cur.IsLeaf() {
		// cur is already write-locked by this goroutine (root.Lock() above,
		// or child.Lock() from the previous iteration), so the locked
		// lookups are used here -- FindPivot/ChildAt would try to take
		// cur's read lock themselves and deadlock against the write lock
		// this same goroutine already holds.
		idx := cur.FindPivotLocked(key)
		childNID := cur.ChildAtLocked(idx)
		child, err := t.cache.Get(childNID)
		if err != nil {
			t.unlockAndRelease(path)
			return err
		}
		child.Lock()
		cur.PushDownWhileDescending(idx, child)
		path = append(path, child)
		cur = child
	}

	// path[0] is the root, path[len-1] is the leaf; TrySplitNode expects
	// the opposite order (leaf-first, root-last).
	reversed := make([]*node.Node, len(path))
	for i, n := range path {
		reversed[len(path)-1-i] = n
	}

	err := node.TrySplitNode(reversed, t)
	t.unlockAndRelease(path)
	if err == nil {
		t.obs.RecordNodeSplit()
	}
	return err
}

func (t *BufferTree) unlockAndRelease(path []*node.Node) {
	for _, n := range path {
		n.Unlock()
		n.DecRef()
	}
}

// Put inserts key/value at the root, per spec.md §4.4's snapshot +
// inc_ref + delegate + dec_ref pattern.
func (t *BufferTree) Put(key, value []byte) error {
	start := time.Now()
	root := t.snapshotRoot()
	defer root.DecRef()
	err := root.Put(key, value)
	t.obs.RecordPut(time.Since(start))
	return err
}

// Del removes key at the root.
func (t *BufferTree) Del(key []byte) error {
	start := time.Now()
	root := t.snapshotRoot()
	defer root.DecRef()
	err := root.Del(key)
	t.obs.RecordDel(time.Since(start))
	return err
}

// Get looks up key starting at the root.
func (t *BufferTree) Get(key []byte) ([]byte, bool, error) {
	start := time.Now()
	root := t.snapshotRoot()
	defer root.DecRef()
	v, ok, err := root.Get(key)
	t.obs.RecordGet(ok, time.Since(start))
	return v, ok, err
}

func (t *BufferTree) snapshotRoot() *node.Node {
	t.mu.Lock()
	root := t.root
	t.mu.Unlock()
	root.IncRef()
	return root
}

// RootNID returns the current root's identifier, as reported by DB.Stats.
// The table learns it through SetRoot, not through this method.
func (t *BufferTree) RootNID() node.NID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.root.NID()
}

// NodeCount returns the current node counter, as reported by DB.Stats.
func (t *BufferTree) NodeCount() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nodeCount
}
