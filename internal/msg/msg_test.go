package msg

import (
	"bytes"
	"testing"

	"github.com/kedebug/yodb/internal/block"
	"github.com/stretchr/testify/require"
)

func cmp(a, b []byte) int { return bytes.Compare(a, b) }

func TestInsertOverwrite(t *testing.T) {
	tbl := NewTable(cmp)
	tbl.Insert(Msg{Kind: Put, Key: []byte("a"), Value: []byte("1")})
	tbl.Insert(Msg{Kind: Put, Key: []byte("a"), Value: []byte("2")})
	require.Equal(t, 1, tbl.Len())

	m, ok := tbl.Find([]byte("a"))
	require.True(t, ok)
	require.Equal(t, []byte("2"), m.Value)
}

func TestDelOverwritesPut(t *testing.T) {
	tbl := NewTable(cmp)
	tbl.Insert(Msg{Kind: Put, Key: []byte("a"), Value: []byte("1")})
	tbl.Insert(Msg{Kind: Del, Key: []byte("a")})
	require.Equal(t, 1, tbl.Len())

	m, ok := tbl.Find([]byte("a"))
	require.True(t, ok)
	require.Equal(t, Del, m.Kind)
}

func TestEntriesAscending(t *testing.T) {
	tbl := NewTable(cmp)
	for _, k := range []string{"charlie", "alpha", "bravo"} {
		tbl.Insert(Msg{Kind: Put, Key: []byte(k), Value: []byte(k)})
	}
	entries := tbl.Entries()
	require.Len(t, entries, 3)
	require.Equal(t, "alpha", string(entries[0].Key))
	require.Equal(t, "bravo", string(entries[1].Key))
	require.Equal(t, "charlie", string(entries[2].Key))
}

func TestSplitByCount(t *testing.T) {
	tbl := NewTable(cmp)
	for i := 0; i < 6; i++ {
		k := []byte{byte('a' + i)}
		tbl.Insert(Msg{Kind: Put, Key: k, Value: k})
	}

	upper, splitKey := tbl.SplitByCount(3)
	require.Equal(t, 3, tbl.Len())
	require.Equal(t, 3, upper.Len())
	require.Equal(t, []byte("d"), splitKey)

	_, ok := tbl.Find([]byte("d"))
	require.False(t, ok)
	_, ok = upper.Find([]byte("d"))
	require.True(t, ok)
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	tbl := NewTable(cmp)
	tbl.Insert(Msg{Kind: Put, Key: []byte("k1"), Value: []byte("v1")})
	tbl.Insert(Msg{Kind: Del, Key: []byte("k2")})
	tbl.Insert(Msg{Kind: Put, Key: []byte("k3"), Value: []byte("v3")})

	buf := make([]byte, 4096)
	w := block.NewWriter(block.New(buf))
	tbl.Serialize(w)
	require.True(t, w.Ok())

	out := NewTable(cmp)
	r := block.NewReader(block.New(buf))
	require.True(t, out.Deserialize(r))
	require.Equal(t, 3, out.Len())

	m1, ok := out.Find([]byte("k1"))
	require.True(t, ok)
	require.Equal(t, Put, m1.Kind)
	require.Equal(t, []byte("v1"), m1.Value)

	m2, ok := out.Find([]byte("k2"))
	require.True(t, ok)
	require.Equal(t, Del, m2.Kind)
	require.Nil(t, m2.Value)
}

func TestDeserializeClonesBytes(t *testing.T) {
	tbl := NewTable(cmp)
	tbl.Insert(Msg{Kind: Put, Key: []byte("k"), Value: []byte("v")})

	buf := make([]byte, 64)
	w := block.NewWriter(block.New(buf))
	tbl.Serialize(w)

	out := NewTable(cmp)
	r := block.NewReader(block.New(buf))
	require.True(t, out.Deserialize(r))

	for i := range buf {
		buf[i] = 0xFF
	}
	m, ok := out.Find([]byte("k"))
	require.True(t, ok)
	require.Equal(t, []byte("v"), m.Value)
}

func TestByteSize(t *testing.T) {
	put := Msg{Kind: Put, Key: []byte("ab"), Value: []byte("cde")}
	require.Equal(t, 1+4+2+4+3, put.ByteSize())

	del := Msg{Kind: Del, Key: []byte("ab")}
	require.Equal(t, 1+4+2, del.ByteSize())
}
