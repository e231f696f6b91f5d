// Package block implements yodb's fixed-width, little-endian wire codec
// and the page-aligned buffer window that node and header blocks are
// serialized into and out of.
//
// Grounded on the original yodb util/block.{h,cc}: a Block is a window
// (offset, size) into a larger, possibly page-aligned Slice; BlockReader
// and BlockWriter carry a running cursor and a sticky "ok" bit so that a
// chain of decode/encode calls short-circuits cleanly once one of them
// runs past the end of the window.
package block

import (
	"encoding/binary"

	"github.com/kedebug/yodb/internal/slice"
)

// Block is a (offset, size) window into a byte buffer. The buffer may be
// larger than the window -- callers read blocks back in page-aligned
// chunks and only a prefix of the page is the block's actual payload.
type Block struct {
	buf  []byte
	off  int
	size int
}

// New wraps buf as a block covering its entire length.
func New(buf []byte) *Block {
	return &Block{buf: buf, off: 0, size: len(buf)}
}

// NewWindow wraps buf, exposing only buf[off : off+size] to readers/writers.
func NewWindow(buf []byte, off, size int) *Block {
	return &Block{buf: buf, off: off, size: size}
}

// Data returns the block's payload window.
func (b *Block) Data() []byte { return b.buf[b.off : b.off+b.size] }

// Buffer returns the full underlying buffer the block was carved from.
func (b *Block) Buffer() []byte { return b.buf }

// Size returns the window size in bytes.
func (b *Block) Size() int { return b.size }

// BlockReader decodes fixed-width values from a Block in order, left to
// right. Once a read runs past the end of the window, ok() returns false
// for the rest of the reader's lifetime and every further read is a no-op
// returning the zero value.
type BlockReader struct {
	block *Block
	off   int
	ok    bool
}

// NewReader returns a reader positioned at the start of block.
func NewReader(b *Block) *BlockReader {
	return &BlockReader{block: b, ok: true}
}

// Ok reports whether every read so far has stayed within the window.
func (r *BlockReader) Ok() bool { return r.ok }

func (r *BlockReader) remaining() []byte {
	return r.block.Data()[r.off:]
}

func (r *BlockReader) Bool() bool {
	return r.Uint8() != 0
}

func (r *BlockReader) Uint8() uint8 {
	if !r.ok || len(r.remaining()) < 1 {
		r.ok = false
		return 0
	}
	v := r.remaining()[0]
	r.off++
	return v
}

func (r *BlockReader) Uint16() uint16 {
	if !r.ok || len(r.remaining()) < 2 {
		r.ok = false
		return 0
	}
	v := binary.LittleEndian.Uint16(r.remaining())
	r.off += 2
	return v
}

func (r *BlockReader) Uint32() uint32 {
	if !r.ok || len(r.remaining()) < 4 {
		r.ok = false
		return 0
	}
	v := binary.LittleEndian.Uint32(r.remaining())
	r.off += 4
	return v
}

func (r *BlockReader) Uint64() uint64 {
	if !r.ok || len(r.remaining()) < 8 {
		r.ok = false
		return 0
	}
	v := binary.LittleEndian.Uint64(r.remaining())
	r.off += 8
	return v
}

// Slice decodes a length-prefixed byte slice and clones it into freshly
// owned memory so the decoded value survives the source block's release.
func (r *BlockReader) Slice() []byte {
	n := r.Uint32()
	if !r.ok {
		return nil
	}
	if uint32(len(r.remaining())) < n {
		r.ok = false
		return nil
	}
	out := slice.Clone(r.remaining()[:n])
	r.off += int(n)
	return out
}

// BlockWriter encodes fixed-width values into a Block in order. Once a
// write runs past the end of the window, Ok() returns false and further
// writes are no-ops.
type BlockWriter struct {
	block *Block
	off   int
	ok    bool
}

// NewWriter returns a writer positioned at the start of block.
func NewWriter(b *Block) *BlockWriter {
	return &BlockWriter{block: b, ok: true}
}

// Ok reports whether every write so far has stayed within the window.
func (w *BlockWriter) Ok() bool { return w.ok }

func (w *BlockWriter) remaining() []byte {
	return w.block.Data()[w.off:]
}

func (w *BlockWriter) Bool(v bool) {
	if v {
		w.Uint8(1)
	} else {
		w.Uint8(0)
	}
}

func (w *BlockWriter) Uint8(v uint8) {
	if !w.ok || len(w.remaining()) < 1 {
		w.ok = false
		return
	}
	w.remaining()[0] = v
	w.off++
}

func (w *BlockWriter) Uint16(v uint16) {
	if !w.ok || len(w.remaining()) < 2 {
		w.ok = false
		return
	}
	binary.LittleEndian.PutUint16(w.remaining(), v)
	w.off += 2
}

func (w *BlockWriter) Uint32(v uint32) {
	if !w.ok || len(w.remaining()) < 4 {
		w.ok = false
		return
	}
	binary.LittleEndian.PutUint32(w.remaining(), v)
	w.off += 4
}

func (w *BlockWriter) Uint64(v uint64) {
	if !w.ok || len(w.remaining()) < 8 {
		w.ok = false
		return
	}
	binary.LittleEndian.PutUint64(w.remaining(), v)
	w.off += 8
}

// Slice encodes a length-prefixed byte slice.
func (w *BlockWriter) Slice(s []byte) {
	w.Uint32(uint32(len(s)))
	if !w.ok {
		return
	}
	if len(w.remaining()) < len(s) {
		w.ok = false
		return
	}
	copy(w.remaining(), s)
	w.off += len(s)
}

// PageRoundUp rounds size up to the nearest multiple of pageSize.
func PageRoundUp(size, pageSize int) int {
	if rem := size % pageSize; rem != 0 {
		return size + (pageSize - rem)
	}
	return size
}

// PageRoundDown rounds offset down to the nearest multiple of pageSize.
func PageRoundDown(offset, pageSize int) int {
	return offset - (offset % pageSize)
}
