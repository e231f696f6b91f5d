// Package node implements the Bε-tree node: a pivot-indexed array of
// message buffers, each optionally owning a child subtree. Grounded on
// the original yodb tree/node.{h,cc}, restructured around spec.md §4.3's
// find_pivot/push_down/split_table/try_split_node algorithms.
package node

import (
	"sync"
	"time"

	"github.com/kedebug/yodb/internal/block"
	"github.com/kedebug/yodb/internal/config"
	"github.com/kedebug/yodb/internal/msg"
)

// NID is a node identifier. It is assigned densely and monotonically
// starting from 1 and is never reused; NilNID means "no child".
type NID uint64

// NilNID is the identifier reserved for "no child" / "no parent".
const NilNID NID = 0

// Host is the tree-level dependency a Node needs to create siblings,
// fetch children, and grow a new root. It exists so this package never
// imports the tree or cache packages, which themselves depend on Node --
// tree.BufferTree satisfies Host, fetching nodes through its cache.
type Host interface {
	// CreateNode allocates a fresh nid, constructs an in-memory node of
	// the requested leaf-ness, registers it with refcnt 1, and returns it.
	CreateNode(isLeaf bool) (*Node, error)

	// GetNode resolves nid to its in-memory Node, incrementing its
	// refcnt. The caller must call ReleaseNode when done.
	GetNode(nid NID) (*Node, error)

	// ReleaseNode decrements the node's refcnt.
	ReleaseNode(n *Node)

	// GrowRoot creates a fresh root over oldRoot and sibling (sibling's
	// left-most key is splitKey) and swings the tree's root pointer to it.
	GrowRoot(oldRoot, sibling *Node, splitKey []byte) error

	// LockPathAndTrySplit write-locks the root-to-leaf path covering key
	// and calls TrySplitNode on it. Invoked by a leaf after split_table
	// has given it an extra pivot, to fix up the path's pivot counts.
	LockPathAndTrySplit(key []byte) error

	// Options returns the tree's configuration.
	Options() config.Options
}

// Pivot is a half-open key range, its pending message buffer, and an
// optional child subtree. The first pivot in a node covers every key below
// the next pivot's, so its LeftMostKey is never compared; it is nil except
// in the upper half produced by a node split, which keeps the split key.
type Pivot struct {
	LeftMostKey []byte
	Table       *msg.Table
	ChildNID    NID
}

// Node is one level of the tree: an ordered array of pivots guarded by a
// content lock, plus bookkeeping guarded by a separate small mutex so
// refcount/dirty/flushing changes never contend with readers and writers
// of the pivot array itself.
type Node struct {
	host   Host
	cmp    config.Comparator
	nid    NID
	isLeaf bool

	rw     sync.RWMutex // guards pivots
	pivots []Pivot

	mu           sync.Mutex // guards the fields below
	refcnt       int
	dirty        bool
	flushing     bool
	firstWriteTS time.Time
	lastUsedTS   time.Time
}

// New constructs a node of the given leaf-ness holding a single pivot with
// an empty message table and no child (create_first_pivot in the original;
// here folded into New since every node needs at least one pivot to be
// well-formed).
func New(host Host, cmp config.Comparator, nid NID, isLeaf bool) *Node {
	n := &Node{host: host, cmp: cmp, nid: nid, isLeaf: isLeaf, lastUsedTS: time.Now()}
	n.pivots = []Pivot{{Table: msg.NewTable(cmp), ChildNID: NilNID}}
	return n
}

// NID returns the node's identifier.
func (n *Node) NID() NID { return n.nid }

// IsLeaf reports whether the node is a leaf (every pivot's ChildNID is
// NilNID).
func (n *Node) IsLeaf() bool { return n.isLeaf }

// RLock/RUnlock/Lock/Unlock guard the pivot array -- "read" for lookups
// and any operation that only inspects a single pivot's table, "write"
// for anything that mutates the pivots slice itself.
func (n *Node) RLock()   { n.rw.RLock() }
func (n *Node) RUnlock() { n.rw.RUnlock() }
func (n *Node) Lock()    { n.rw.Lock() }
func (n *Node) Unlock()  { n.rw.Unlock() }

// IncRef increments the node's reference count, preventing eviction.
func (n *Node) IncRef() {
	n.mu.Lock()
	n.refcnt++
	n.mu.Unlock()
}

// DecRef decrements the node's reference count.
func (n *Node) DecRef() {
	n.mu.Lock()
	n.refcnt--
	n.mu.Unlock()
}

// RefCount returns the current reference count.
func (n *Node) RefCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.refcnt
}

// markDirty sets the dirty flag, recording FirstWriteTS on the 0->1
// transition.
func (n *Node) markDirty() {
	n.mu.Lock()
	if !n.dirty {
		n.dirty = true
		n.firstWriteTS = time.Now()
	}
	n.mu.Unlock()
}

// MarkDirty is the exported form used by callers outside this package
// (e.g. the tree, when it installs a freshly grown root).
func (n *Node) MarkDirty() { n.markDirty() }

// IsDirty reports whether the node has unflushed mutations.
func (n *Node) IsDirty() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dirty
}

// ClearDirty marks the node clean after a successful flush.
func (n *Node) ClearDirty() {
	n.mu.Lock()
	n.dirty = false
	n.mu.Unlock()
}

// IsFlushing reports whether a writeback of this node is in flight.
func (n *Node) IsFlushing() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.flushing
}

// SetFlushing sets or clears the in-flight writeback flag.
func (n *Node) SetFlushing(v bool) {
	n.mu.Lock()
	n.flushing = v
	n.mu.Unlock()
}

// FirstWriteTS returns the timestamp of the node's 0->1 dirty transition.
func (n *Node) FirstWriteTS() time.Time {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.firstWriteTS
}

// Touch records the node as having just been accessed, for the cache's
// LRU eviction order.
func (n *Node) Touch() {
	n.mu.Lock()
	n.lastUsedTS = time.Now()
	n.mu.Unlock()
}

// LastUsedTS returns the timestamp of the node's most recent access.
func (n *Node) LastUsedTS() time.Time {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lastUsedTS
}

// PivotCount returns the number of pivots, taking the read lock.
func (n *Node) PivotCount() int {
	n.rw.RLock()
	defer n.rw.RUnlock()
	return len(n.pivots)
}

// ChildAt returns the child nid of the pivot at idx.
func (n *Node) ChildAt(idx int) NID {
	n.rw.RLock()
	defer n.rw.RUnlock()
	return n.pivots[idx].ChildNID
}

// ChildAtLocked is ChildAt without acquiring the lock itself, for
// callers that already hold at least n's read lock; see
// FindPivotLocked.
func (n *Node) ChildAtLocked(idx int) NID { return n.pivots[idx].ChildNID }

// NewRoot builds a fresh root node with exactly two pivots: the first
// covering everything below splitKey via leftChild, the second covering
// splitKey and above via rightChild. Used by a tree growing a new root
// over a split (spec.md §4.3's grow_up).
func NewRoot(host Host, cmp config.Comparator, nid NID, leftChild, rightChild NID, splitKey []byte) *Node {
	n := &Node{host: host, cmp: cmp, nid: nid, isLeaf: false, lastUsedTS: time.Now()}
	n.pivots = []Pivot{
		{Table: msg.NewTable(cmp), ChildNID: leftChild},
		{LeftMostKey: splitKey, Table: msg.NewTable(cmp), ChildNID: rightChild},
	}
	return n
}

// WriteBackSize approximates the node's serialized size, for sizing the
// aligned buffer a writeback allocates.
func (n *Node) WriteBackSize() int {
	n.rw.RLock()
	defer n.rw.RUnlock()
	size := 8 + 1 + 4 // self_nid, is_leaf, pivot_count
	for _, p := range n.pivots {
		size += 8 + 4 + len(p.LeftMostKey) + 4
		for _, m := range p.Table.Entries() {
			size += m.ByteSize()
		}
	}
	return size
}

// findPivot is find_pivot from spec.md §4.3: a linear scan over
// pivots[1:] returning the last index whose LeftMostKey <= key. Callers
// must hold at least the read lock.
func (n *Node) findPivot(key []byte) int {
	pivot := 0
	for i := 1; i < len(n.pivots); i++ {
		if n.cmp(key, n.pivots[i].LeftMostKey) < 0 {
			break
		}
		pivot = i
	}
	return pivot
}

// FindPivot is the exported, locked form of findPivot.
func (n *Node) FindPivot(key []byte) int {
	n.rw.RLock()
	defer n.rw.RUnlock()
	return n.findPivot(key)
}

// FindPivotLocked is FindPivot without acquiring the lock itself, for
// callers that already hold at least n's read lock -- e.g. lock_path's
// descent, which holds n's write lock across the whole visit to this
// level and would deadlock against FindPivot's own RLock.
func (n *Node) FindPivotLocked(key []byte) int { return n.findPivot(key) }

// Get implements spec.md §3's newer-wins lookup: a message in this
// node's covering pivot always shadows whatever the child subtree holds.
func (n *Node) Get(key []byte) ([]byte, bool, error) {
	n.rw.RLock()
	return n.getLocked(key)
}

// getLocked is Get's hand-over-hand body: the caller already holds n's
// read lock and getLocked is responsible for releasing it before
// returning, on every path. Per spec.md §5, the parent's read lock stays
// held across the child's read-lock acquisition and is only released
// once the child is locked, so a concurrent writer can never observe a
// window where neither level is locked.
func (n *Node) getLocked(key []byte) ([]byte, bool, error) {
	idx := n.findPivot(key)
	p := n.pivots[idx]

	if m, ok := p.Table.Find(key); ok {
		n.rw.RUnlock()
		if m.Kind == msg.Del {
			return nil, false, nil
		}
		return m.Value, true, nil
	}

	child := p.ChildNID
	if child == NilNID {
		n.rw.RUnlock()
		return nil, false, nil
	}

	childNode, err := n.host.GetNode(child)
	if err != nil {
		n.rw.RUnlock()
		return nil, false, err
	}
	childNode.rw.RLock()
	n.rw.RUnlock()

	v, ok, err := childNode.getLocked(key)
	n.host.ReleaseNode(childNode)
	return v, ok, err
}

// Put inserts key/value as a Put message at this node (the root, per
// spec.md §4.3's "insertion is performed at the root only").
func (n *Node) Put(key, value []byte) error {
	return n.Write(msg.Msg{Kind: msg.Put, Key: key, Value: value})
}

// Del inserts a Del tombstone for key.
func (n *Node) Del(key []byte) error {
	return n.Write(msg.Msg{Kind: msg.Del, Key: key})
}

// Write performs spec.md §4.3's insertion algorithm: locate the covering
// pivot, insert the message (overwriting any same-key entry), mark the
// node dirty, then loop pushing down or splitting any pivot whose table
// has grown past the configured threshold.
func (n *Node) Write(m msg.Msg) error {
	n.rw.Lock()
	idx := n.findPivot(m.Key)
	n.pivots[idx].Table.Insert(m)
	n.rw.Unlock()

	n.markDirty()

	limit := n.host.Options().MaxNodeMsgCount
	for {
		n.rw.RLock()
		overIdx := -1
		for i, p := range n.pivots {
			if p.Table.Len() > limit {
				overIdx = i
				break
			}
		}
		hasChild := overIdx >= 0 && n.pivots[overIdx].ChildNID != NilNID
		n.rw.RUnlock()

		if overIdx < 0 {
			return nil
		}
		if hasChild {
			if err := n.pushDown(overIdx); err != nil {
				return err
			}
		} else {
			if err := n.splitTable(overIdx); err != nil {
				return err
			}
		}
	}
}

// mergePivotTable is the merge-sweep at the heart of push_down: every
// message buffered at n.pivots[idx] is inserted into child's covering
// pivot (overwriting any older entry for the same key there), then the
// source table is emptied. Callers must already hold n's and child's
// write locks.
func (n *Node) mergePivotTable(idx int, child *Node) {
	entries := n.pivots[idx].Table.Entries()
	for _, m := range entries {
		ci := child.findPivot(m.Key)
		child.pivots[ci].Table.Insert(m)
	}
	n.pivots[idx].Table.Clear()
}

// PushDownWhileDescending implements the opportunistic push-down step of
// spec.md §4.4's lock_path: called while walking root-to-leaf with n and
// child already write-locked by the caller (n is the just-visited level,
// child is the next one down), it merge-sweeps idx's buffered messages --
// the pivot covering the key being descended for -- into child, so the
// path being built up is guaranteed headroom before any split runs
// against it. Locks are left exactly as the caller held them; this
// method takes none and releases none.
func (n *Node) PushDownWhileDescending(idx int, child *Node) {
	n.mergePivotTable(idx, child)
	n.markDirty()
	child.markDirty()
}

// pushDown is push_down from spec.md §4.3: with the child exclusively
// locked, merge-sweep the parent pivot's buffered messages into the
// child's pivots, then recurse if the child now has an overflowing pivot
// of its own.
func (n *Node) pushDown(idx int) error {
	n.rw.RLock()
	childNID := n.pivots[idx].ChildNID
	n.rw.RUnlock()
	if childNID == NilNID {
		return nil
	}

	child, err := n.host.GetNode(childNID)
	if err != nil {
		return err
	}
	defer n.host.ReleaseNode(child)

	child.Lock()
	n.rw.Lock()

	n.mergePivotTable(idx, child)

	n.rw.Unlock()
	n.markDirty()
	child.Unlock()
	child.markDirty()

	limit := n.host.Options().MaxNodeMsgCount
	child.rw.RLock()
	overIdx, hasChild := -1, false
	for i, p := range child.pivots {
		if p.Table.Len() > limit {
			overIdx = i
			hasChild = p.ChildNID != NilNID
			break
		}
	}
	child.rw.RUnlock()

	if overIdx < 0 {
		return nil
	}
	if hasChild {
		return child.pushDown(overIdx)
	}
	return child.splitTable(overIdx)
}

// splitTable is split_table from spec.md §4.3, leaf-only: split the
// over-limit pivot's table at its middle key and insert the upper half
// as a fresh sibling pivot in the same leaf, then trigger a structural
// fixup for the whole path down to this leaf.
func (n *Node) splitTable(idx int) error {
	n.rw.Lock()
	if n.pivots[idx].Table.Len() <= n.host.Options().MaxNodeMsgCount {
		n.rw.Unlock()
		return nil // raced with another splitter
	}

	half := n.pivots[idx].Table.Len() / 2
	upper, splitKey := n.pivots[idx].Table.SplitByCount(half)

	newPivot := Pivot{LeftMostKey: splitKey, Table: upper, ChildNID: NilNID}
	n.pivots = append(n.pivots, Pivot{})
	copy(n.pivots[idx+2:], n.pivots[idx+1:])
	n.pivots[idx+1] = newPivot

	firstLowerKey := lowestKey(n.pivots[idx].Table)
	n.rw.Unlock()
	n.markDirty()

	return n.host.LockPathAndTrySplit(firstLowerKey)
}

// lowestKey returns the smallest key buffered in t, or nil if t is empty.
func lowestKey(t *msg.Table) []byte {
	it := t.Begin()
	if !it.Valid() {
		return nil
	}
	return it.Msg().Key
}

// AddPivot inserts a new pivot at idx+1 with the given child and key, an
// empty message table, matching spec.md §4.3's add_pivot. Caller must
// hold the write lock.
func (n *Node) AddPivot(idx int, childNID NID, key []byte) {
	p := Pivot{LeftMostKey: key, Table: msg.NewTable(n.cmp), ChildNID: childNID}
	n.pivots = append(n.pivots, Pivot{})
	copy(n.pivots[idx+2:], n.pivots[idx+1:])
	n.pivots[idx+1] = p
}

// TrySplitNode is try_split_node from spec.md §4.3: with every node in
// path exclusively locked (path[0] is the leaf, path[len-1] is the
// root), walk bottom-up splitting any node whose pivot count exceeds the
// configured threshold, growing a new root if the split reaches the top.
// The caller retains ownership of path's locks and references and must
// release them once TrySplitNode returns.
func TrySplitNode(path []*Node, host Host) error {
	for i := 0; i < len(path); i++ {
		this := path[i]
		limit := host.Options().MaxNodeChildNumber
		if len(this.pivots) <= limit {
			break
		}

		half := len(this.pivots) / 2
		splitKey := this.pivots[half].LeftMostKey

		sibling, err := host.CreateNode(this.isLeaf)
		if err != nil {
			return err
		}
		sibling.pivots = append([]Pivot{}, this.pivots[half:]...)
		this.pivots = this.pivots[:half]
		this.markDirty()
		sibling.markDirty()

		if i+1 >= len(path) {
			if err := host.GrowRoot(this, sibling, splitKey); err != nil {
				return err
			}
			break
		}

		parent := path[i+1]
		pidx := -1
		for j, p := range parent.pivots {
			if p.ChildNID == this.nid {
				pidx = j
				break
			}
		}
		if pidx < 0 {
			break
		}
		parent.AddPivot(pidx, sibling.nid, splitKey)
		parent.markDirty()
	}

	return nil
}

// Serialize writes the node's on-disk representation, matching spec.md
// §6's node block layout: self_nid, is_leaf, pivot_count, then per
// pivot: child_nid, left_most_key (empty for pivot 0), and the pivot's
// message table.
func (n *Node) Serialize(w *block.BlockWriter) {
	n.rw.RLock()
	defer n.rw.RUnlock()

	w.Uint64(uint64(n.nid))
	w.Bool(n.isLeaf)
	w.Uint32(uint32(len(n.pivots)))
	for _, p := range n.pivots {
		w.Uint64(uint64(p.ChildNID))
		w.Slice(p.LeftMostKey)
		p.Table.Serialize(w)
	}
}

// Deserialize is the inverse of Serialize. The returned node is marked
// dirty so any in-place mutation during its lifetime is guaranteed to be
// flushed before eviction, matching spec.md §4.3.
func Deserialize(host Host, cmp config.Comparator, r *block.BlockReader) (*Node, bool) {
	nid := NID(r.Uint64())
	isLeaf := r.Bool()
	count := r.Uint32()
	if !r.Ok() {
		return nil, false
	}

	n := &Node{host: host, cmp: cmp, nid: nid, isLeaf: isLeaf, lastUsedTS: time.Now()}
	n.pivots = make([]Pivot, 0, count)
	for i := uint32(0); i < count; i++ {
		childNID := NID(r.Uint64())
		key := r.Slice()
		table := msg.NewTable(cmp)
		if !table.Deserialize(r) {
			return nil, false
		}
		n.pivots = append(n.pivots, Pivot{LeftMostKey: key, Table: table, ChildNID: childNID})
	}
	if !r.Ok() {
		return nil, false
	}
	n.markDirty()
	return n, true
}
