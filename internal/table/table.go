// Package table implements the on-disk free-space manager: the
// superblock, the block-index (nid -> {offset, size}), the active and
// fly-hole lists, and the checkpoint sequence that makes them durable.
//
// Grounded on the original yodb fs/table.{h,cc} and spec.md §4.6/§6.
package table

import (
	"fmt"
	"sort"
	"sync"

	"github.com/kedebug/yodb/internal/aio"
	"github.com/kedebug/yodb/internal/block"
	"github.com/kedebug/yodb/internal/metrics"
	"github.com/kedebug/yodb/internal/node"
)

const (
	pageSize        = 4096
	bootstrapSize   = pageSize
	maxHoleListSize = 1 << 20 // sanity bound, not a spec limit
)

// handle is a {offset, size} reference into the file.
type handle struct {
	offset uint64
	size   uint32
}

// hole is a free region, page-multiple in size.
type hole struct {
	offset uint64
	size   uint32
}

// File is the subset of AsyncFile the table needs; letting it be an
// interface keeps this package testable without a real kernel ring.
type File interface {
	ReadSync(offset uint64, buf []byte) error
	WriteSync(offset uint64, buf []byte) error
	AsyncWrite(offset uint64, buf []byte, cb aio.Callback)
	Truncate(size int64) error
}

// Table is the storage backend for one database file: free-space
// allocation, the persisted block-index, and checkpointing.
type Table struct {
	file File
	obs  *metrics.Observer

	mu          sync.Mutex // guards offset_ and in-flight write counter
	offset      uint64
	inFlight    int
	rootNID     node.NID
	nodeCount   uint64
	headerHdl   handle
	hasHeader   bool

	indexMu sync.Mutex // guards blockIndex
	blockIndex map[node.NID]handle

	holesMu    sync.Mutex // guards holeList
	holeList   []hole

	flyMu    sync.Mutex // guards flyHoleList
	flyHoleList []hole
}

// New constructs a Table bound to file. Callers must call Init before
// using it.
func New(file File) *Table {
	return &Table{
		file:       file,
		blockIndex: make(map[node.NID]handle),
	}
}

// SetObserver attaches obs so subsequent writes and checkpoints record
// against it. obs may be nil to detach.
func (t *Table) SetObserver(obs *metrics.Observer) { t.obs = obs }

// Init loads or creates the bootstrap state. When create is true, a
// fresh superblock is written and the append offset starts just past the
// bootstrap page. Otherwise the superblock and header are read back and
// init_holes reconstructs the free-space map from the known regions.
func (t *Table) Init(create bool) error {
	if create {
		t.offset = bootstrapSize
		return t.writeSuperBlock()
	}

	buf := aio.AllocAligned(bootstrapSize)
	if err := t.file.ReadSync(0, buf); err != nil {
		return fmt.Errorf("table: read superblock: %w", err)
	}
	r := block.NewReader(block.New(buf))
	hasHeader := r.Bool()
	if !r.Ok() {
		return fmt.Errorf("table: corrupt superblock")
	}
	t.hasHeader = hasHeader
	if hasHeader {
		t.headerHdl = handle{offset: r.Uint64(), size: r.Uint32()}
		t.rootNID = node.NID(r.Uint64())
		if !r.Ok() {
			return fmt.Errorf("table: corrupt superblock")
		}
		if err := t.loadHeader(); err != nil {
			return err
		}
	}
	return t.initHoles()
}

// RootNID returns the persisted root nid, NilNID if the database is
// freshly created.
func (t *Table) RootNID() node.NID { return t.rootNID }

// NodeCount returns the node counter: on a reopened database, the highest
// nid found in the persisted block-index; afterwards, the last value passed
// to SetRoot.
func (t *Table) NodeCount() uint64 { return t.nodeCount }

// SetRoot records the tree's current root nid and node counter. The root
// nid is persisted by the next checkpoint's superblock; the counter is not
// stored itself but is recovered from the block-index on reopen.
func (t *Table) SetRoot(nid node.NID, count uint64) error {
	t.mu.Lock()
	t.rootNID, t.nodeCount = nid, count
	t.mu.Unlock()
	return nil
}

// loadHeader reads the block-index header into memory.
func (t *Table) loadHeader() error {
	buf := aio.AllocAligned(int(t.headerHdl.size))
	if err := t.file.ReadSync(t.headerHdl.offset, buf); err != nil {
		return fmt.Errorf("table: read header: %w", err)
	}
	r := block.NewReader(block.NewWindow(buf, 0, int(t.headerHdl.size)))
	count := r.Uint32()
	index := make(map[node.NID]handle, count)
	var maxNID node.NID
	for i := uint32(0); i < count; i++ {
		nid := node.NID(r.Uint64())
		off := r.Uint64()
		size := r.Uint32()
		if !r.Ok() {
			return fmt.Errorf("table: corrupt header")
		}
		index[nid] = handle{offset: off, size: size}
		if nid > maxNID {
			maxNID = nid
		}
	}
	if !r.Ok() {
		return fmt.Errorf("table: corrupt header")
	}
	// nids are allocated densely and never reused, so the highest one on
	// disk is the node counter to resume from.
	t.nodeCount = uint64(maxNID)
	t.indexMu.Lock()
	t.blockIndex = index
	t.indexMu.Unlock()
	return nil
}

// initHoles walks every known region (the header plus every block_entry)
// sorted by offset, emitting a hole for each gap starting from the
// bootstrap page, and sets the append offset to just past the highest
// region.
func (t *Table) initHoles() error {
	type region struct {
		offset uint64
		size   uint32
	}
	var regions []region
	if t.hasHeader {
		regions = append(regions, region{t.headerHdl.offset, uint32(block.PageRoundUp(int(t.headerHdl.size), pageSize))})
	}

	t.indexMu.Lock()
	for _, h := range t.blockIndex {
		regions = append(regions, region{h.offset, uint32(block.PageRoundUp(int(h.size), pageSize))})
	}
	t.indexMu.Unlock()

	sort.Slice(regions, func(i, j int) bool { return regions[i].offset < regions[j].offset })

	var holes []hole
	cursor := uint64(bootstrapSize)
	for _, r := range regions {
		if r.offset > cursor {
			holes = append(holes, hole{offset: cursor, size: uint32(r.offset - cursor)})
		}
		end := r.offset + uint64(r.size)
		if end > cursor {
			cursor = end
		}
	}

	t.holesMu.Lock()
	t.holeList = holes
	t.holesMu.Unlock()

	t.mu.Lock()
	t.offset = cursor
	t.mu.Unlock()
	return nil
}

// writeSuperBlock (re)writes the bootstrap page at offset 0.
func (t *Table) writeSuperBlock() error {
	buf := aio.AllocAligned(bootstrapSize)
	w := block.NewWriter(block.NewWindow(buf, 0, bootstrapSize))
	w.Bool(t.hasHeader)
	if t.hasHeader {
		w.Uint64(t.headerHdl.offset)
		w.Uint32(t.headerHdl.size)
		w.Uint64(uint64(t.rootNID))
	}
	if !w.Ok() {
		return fmt.Errorf("table: superblock encode overflow")
	}
	return t.file.WriteSync(0, buf)
}

// findSpace implements find_space: take from the head of the active
// hole list on a big-enough fit, else append at the high-water mark.
func (t *Table) findSpace(size int) uint64 {
	rounded := uint32(block.PageRoundUp(size, pageSize))

	t.holesMu.Lock()
	for i, h := range t.holeList {
		if h.size >= rounded {
			offset := h.offset
			if h.size == rounded {
				t.holeList = append(t.holeList[:i], t.holeList[i+1:]...)
			} else {
				t.holeList[i] = hole{offset: h.offset + uint64(rounded), size: h.size - rounded}
			}
			t.holesMu.Unlock()
			return offset
		}
	}
	t.holesMu.Unlock()

	t.mu.Lock()
	offset := t.offset
	t.offset += uint64(rounded)
	t.mu.Unlock()
	return offset
}

// addHole implements add_hole: if the region is the file's last chunk,
// shrink the high-water mark instead of recording a hole; otherwise
// merge with adjacent holes and keep the list sorted by offset.
func (t *Table) addHole(offset uint64, size uint32) {
	t.mu.Lock()
	isTail := offset+uint64(size) == t.offset
	if isTail {
		t.offset = offset
	}
	t.mu.Unlock()
	if isTail {
		return
	}

	t.holesMu.Lock()
	defer t.holesMu.Unlock()

	idx := sort.Search(len(t.holeList), func(i int) bool { return t.holeList[i].offset >= offset })
	merged := hole{offset: offset, size: size}

	if idx > 0 {
		prev := t.holeList[idx-1]
		if prev.offset+uint64(prev.size) == merged.offset {
			merged.offset = prev.offset
			merged.size += prev.size
			idx--
			t.holeList = append(t.holeList[:idx], t.holeList[idx+1:]...)
		}
	}
	if idx < len(t.holeList) {
		next := t.holeList[idx]
		if merged.offset+uint64(merged.size) == next.offset {
			merged.size += next.size
			t.holeList = append(t.holeList[:idx], t.holeList[idx+1:]...)
		}
	}

	t.holeList = append(t.holeList, hole{})
	copy(t.holeList[idx+1:], t.holeList[idx:])
	t.holeList[idx] = merged
}

// addFlyHole records a region freed by an async write whose new home has
// superseded the old; it is not reusable until the next checkpoint
// promotes it.
func (t *Table) addFlyHole(offset uint64, size uint32) {
	t.flyMu.Lock()
	t.flyHoleList = append(t.flyHoleList, hole{offset: offset, size: size})
	t.flyMu.Unlock()
}

// flushFlyHoles promotes the first n fly-holes (the snapshot taken
// before the header flush) to active holes.
func (t *Table) flushFlyHoles(n int) {
	t.flyMu.Lock()
	if n > len(t.flyHoleList) {
		n = len(t.flyHoleList)
	}
	promoted := append([]hole(nil), t.flyHoleList[:n]...)
	t.flyHoleList = t.flyHoleList[n:]
	t.flyMu.Unlock()

	for _, h := range promoted {
		t.addHole(h.offset, h.size)
	}
}

// Read loads nid's current block from disk.
func (t *Table) Read(nid node.NID) (*block.Block, error) {
	t.indexMu.Lock()
	h, ok := t.blockIndex[nid]
	t.indexMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("table: node %d has no block entry", nid)
	}

	buf := aio.AllocAligned(int(h.size))
	if err := t.file.ReadSync(h.offset, buf); err != nil {
		return nil, fmt.Errorf("table: read node %d: %w", nid, err)
	}
	return block.NewWindow(buf, 0, int(h.size)), nil
}

// AllocAligned exposes a page-aligned, pooled allocator for the cache's
// writeback path -- buffers returned here are recycled back into the
// pool once their write completes (see AsyncWrite).
func (t *Table) AllocAligned(size int) []byte { return getPooled(size) }

// AsyncWrite implements spec.md §4.6's async_write: find space for the
// buffer, submit the write, and upsert the block-index entry on success
// (recycling the old region as a fly-hole) or return the new region to
// the active hole list on failure.
func (t *Table) AsyncWrite(nid node.NID, b *block.Block, cb func(error)) {
	offset := t.findSpace(len(b.Buffer()))
	size := uint32(b.Size())
	bufSize := uint32(len(b.Buffer()))

	t.mu.Lock()
	t.inFlight++
	t.mu.Unlock()

	t.file.AsyncWrite(offset, b.Buffer(), func(s aio.Status) {
		t.mu.Lock()
		t.inFlight--
		t.mu.Unlock()

		if !s.OK {
			t.addHole(offset, uint32(block.PageRoundUp(int(bufSize), pageSize)))
			putPooled(b.Buffer())
			cb(s.Err)
			return
		}

		t.indexMu.Lock()
		old, existed := t.blockIndex[nid]
		t.blockIndex[nid] = handle{offset: offset, size: size}
		t.indexMu.Unlock()

		if existed {
			t.addFlyHole(old.offset, uint32(block.PageRoundUp(int(old.size), pageSize)))
		}
		t.obs.RecordTableWrite(int(size))
		putPooled(b.Buffer())
		cb(nil)
	})
}

// RequestCheckpoint runs flush_immediately.
func (t *Table) RequestCheckpoint() error { return t.FlushImmediately() }

// FlushImmediately is the checkpoint sequence from spec.md §4.6: snapshot
// the fly-hole count, write a fresh header, rewrite the superblock
// pointing at it, then promote the snapshot's worth of fly-holes.
func (t *Table) FlushImmediately() error {
	t.flyMu.Lock()
	n := len(t.flyHoleList)
	t.flyMu.Unlock()

	t.indexMu.Lock()
	entries := make([]struct {
		nid node.NID
		h   handle
	}, 0, len(t.blockIndex))
	for nid, h := range t.blockIndex {
		entries = append(entries, struct {
			nid node.NID
			h   handle
		}{nid, h})
	}
	t.indexMu.Unlock()

	headerSize := 4 + len(entries)*(8+8+4)
	buf := aio.AllocAligned(headerSize)
	w := block.NewWriter(block.NewWindow(buf, 0, headerSize))
	w.Uint32(uint32(len(entries)))
	for _, e := range entries {
		w.Uint64(uint64(e.nid))
		w.Uint64(e.h.offset)
		w.Uint32(e.h.size)
	}
	if !w.Ok() {
		return fmt.Errorf("table: header encode overflow")
	}

	newOffset := t.findSpace(headerSize)
	if err := t.file.WriteSync(newOffset, buf); err != nil {
		return fmt.Errorf("table: write header: %w", err)
	}

	oldHeader := t.headerHdl
	hadHeader := t.hasHeader

	t.mu.Lock()
	t.headerHdl = handle{offset: newOffset, size: uint32(headerSize)}
	t.hasHeader = true
	t.mu.Unlock()

	if err := t.writeSuperBlock(); err != nil {
		return err
	}

	if hadHeader {
		t.addFlyHole(oldHeader.offset, uint32(block.PageRoundUp(int(oldHeader.size), pageSize)))
	}
	t.flushFlyHoles(n)
	t.obs.RecordCheckpoint()
	return nil
}

// Flush spin-waits until in-flight writers drain, checkpoints, and
// truncates the file down to the high-water mark.
func (t *Table) Flush() error {
	for {
		t.mu.Lock()
		inFlight := t.inFlight
		t.mu.Unlock()
		if inFlight == 0 {
			break
		}
	}

	if err := t.FlushImmediately(); err != nil {
		return err
	}

	t.mu.Lock()
	offset := t.offset
	t.mu.Unlock()
	return t.file.Truncate(int64(offset))
}
