// Package slice holds the few byte-slice helpers shared by the wire codec
// and the in-memory message table: cloning a slice into memory the
// receiver owns, and a byte-for-byte equality helper.
//
// Grounded on the original yodb util/slice.{h,cc}: keys and values decoded
// off a block, or accepted from a caller who may reuse their buffer, are
// "owned by the operation that produced them" only after a Clone.
package slice

// Clone returns a copy of b in freshly allocated memory. A nil or
// zero-length b clones to nil, matching block.BlockReader.Slice's
// zero-value behavior for an absent or empty field.
func Clone(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Equal reports whether a and b hold the same bytes.
func Equal(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
