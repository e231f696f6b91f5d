// Package msg implements the tagged Put/Del message and the ordered,
// overwrite-on-duplicate-key message table that each pivot buffers writes
// in before they are pushed down or flushed to a leaf.
//
// Grounded on the original yodb tree/msg.{h,cc}: a Msg is {kind, key,
// value?}; a Table is realized on top of a skiplist so insert and lookup
// stay logarithmic under a mix of in-order and random keys (spec.md §3).
package msg

import (
	"github.com/kedebug/yodb/internal/block"
	"github.com/kedebug/yodb/internal/skiplist"
)

// Kind tags a message as a write or a tombstone.
type Kind uint8

const (
	// Put records a value for a key.
	Put Kind = 1
	// Del records that a key's value has been removed.
	Del Kind = 2
)

// Msg is a single pending mutation against a key. Value is nil for Del.
type Msg struct {
	Kind  Kind
	Key   []byte
	Value []byte
}

// ByteSize approximates the wire size of the message, used by the node to
// decide when its write-back size (and thus disk footprint) crosses a
// threshold.
func (m Msg) ByteSize() int {
	n := 1 + 4 + len(m.Key)
	if m.Kind == Put {
		n += 4 + len(m.Value)
	}
	return n
}

// Comparator orders two keys; see skiplist.Comparator.
type Comparator = skiplist.Comparator

// Table is an ordered set of messages keyed by Msg.Key. Inserting a
// message whose key matches an existing entry replaces it -- last write
// wins, unconditionally, regardless of kind (spec.md §9 resolves the
// "new messages win" ambiguity in the original source this way).
type Table struct {
	sl *skiplist.SkipList[Msg]
}

// NewTable creates an empty message table ordered by cmp.
func NewTable(cmp Comparator) *Table {
	return &Table{sl: skiplist.New[Msg](cmp)}
}

// Len returns the number of buffered messages.
func (t *Table) Len() int { return t.sl.Len() }

// Insert adds msg, overwriting and releasing any prior message for the
// same key.
func (t *Table) Insert(m Msg) { t.sl.Insert(m.Key, m) }

// Find returns the exact message stored for key, if any.
func (t *Table) Find(key []byte) (Msg, bool) { return t.sl.Find(key) }

// Clear empties the table.
func (t *Table) Clear() { t.sl.Clear() }

// Entries returns every message in ascending key order. Used for
// push-down's merge-sweep and for serialization.
func (t *Table) Entries() []Msg {
	entries := t.sl.Entries()
	out := make([]Msg, len(entries))
	for i, e := range entries {
		out[i] = e.Value
	}
	return out
}

// Iterator walks the table in ascending key order.
type Iterator struct{ it *skiplist.Iterator[Msg] }

// Begin returns an iterator positioned at the smallest key.
func (t *Table) Begin() *Iterator { return &Iterator{it: t.sl.Begin()} }

// Valid reports whether the iterator is positioned at a message.
func (it *Iterator) Valid() bool { return it.it.Valid() }

// Msg returns the message at the iterator's current position.
func (it *Iterator) Msg() Msg { return it.it.Entry().Value }

// Next advances the iterator.
func (it *Iterator) Next() { it.it.Next() }

// SplitByCount moves the messages at rank >= at (in ascending key order)
// out of the receiver and into a freshly created table, leaving the
// receiver holding only the lower half. Returns the new table and the key
// at which the split occurred (the new table's first key), matching
// spec.md §4.3's split_table: "take the table's middle key (by order, not
// by byte midpoint)".
func (t *Table) SplitByCount(at int) (upper *Table, splitKey []byte) {
	entries := t.sl.Entries()
	var key []byte
	if at < len(entries) {
		key = entries[at].Key
	}
	newSl := t.sl.SplitOff(at)
	return &Table{sl: newSl}, key
}

// Serialize writes table_msg_count followed by each message in ascending
// key order: kind, key (length-prefixed), and for Put, value
// (length-prefixed). See spec.md §6's node block layout.
func (t *Table) Serialize(w *block.BlockWriter) {
	entries := t.Entries()
	w.Uint32(uint32(len(entries)))
	for _, m := range entries {
		w.Uint8(uint8(m.Kind))
		w.Slice(m.Key)
		if m.Kind == Put {
			w.Slice(m.Value)
		}
	}
}

// Deserialize is the inverse of Serialize, replacing the receiver's
// contents. Decoded keys and values are cloned into fresh memory by
// block.BlockReader.Slice, so the table outlives the source block.
func (t *Table) Deserialize(r *block.BlockReader) bool {
	t.Clear()
	count := r.Uint32()
	for i := uint32(0); r.Ok() && i < count; i++ {
		kind := Kind(r.Uint8())
		key := r.Slice()
		var value []byte
		if kind == Put {
			value = r.Slice()
		}
		if !r.Ok() {
			return false
		}
		t.Insert(Msg{Kind: kind, Key: key, Value: value})
	}
	return r.Ok()
}
