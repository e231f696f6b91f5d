package skiplist

import (
	"bytes"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func cmp(a, b []byte) int { return bytes.Compare(a, b) }

func TestInsertFindOverwrite(t *testing.T) {
	sl := New[int](cmp)
	sl.Insert([]byte("b"), 1)
	sl.Insert([]byte("a"), 2)
	sl.Insert([]byte("b"), 3) // overwrite, not a second entry

	require.Equal(t, 2, sl.Len())

	v, ok := sl.Find([]byte("b"))
	require.True(t, ok)
	require.Equal(t, 3, v)

	_, ok = sl.Find([]byte("missing"))
	require.False(t, ok)
}

func TestIterationOrder(t *testing.T) {
	sl := New[int](cmp)
	keys := []string{"delta", "alpha", "charlie", "bravo"}
	for i, k := range keys {
		sl.Insert([]byte(k), i)
	}

	var got []string
	for it := sl.Begin(); it.Valid(); it.Next() {
		got = append(got, string(it.Entry().Key))
	}
	require.Equal(t, []string{"alpha", "bravo", "charlie", "delta"}, got)
}

func TestInsertRandomOrderStaysSorted(t *testing.T) {
	sl := New[int](cmp)
	r := rand.New(rand.NewSource(1))
	n := 2000
	seen := make(map[int]bool)
	for i := 0; i < n; i++ {
		k := r.Intn(10 * n)
		seen[k] = true
		sl.Insert([]byte(fmt.Sprintf("%08d", k)), k)
	}
	require.Equal(t, len(seen), sl.Len())

	prev := []byte{}
	count := 0
	for it := sl.Begin(); it.Valid(); it.Next() {
		require.True(t, cmp(prev, it.Entry().Key) < 0 || count == 0)
		prev = it.Entry().Key
		count++
	}
	require.Equal(t, len(seen), count)
}

func TestSplitOff(t *testing.T) {
	sl := New[int](cmp)
	for i := 0; i < 10; i++ {
		sl.Insert([]byte(fmt.Sprintf("%02d", i)), i)
	}

	upper := sl.SplitOff(5)
	require.Equal(t, 5, sl.Len())
	require.Equal(t, 5, upper.Len())

	lowerKeys := sl.Entries()
	require.Equal(t, "00", string(lowerKeys[0].Key))
	require.Equal(t, "04", string(lowerKeys[len(lowerKeys)-1].Key))

	upperKeys := upper.Entries()
	require.Equal(t, "05", string(upperKeys[0].Key))
	require.Equal(t, "09", string(upperKeys[len(upperKeys)-1].Key))
}

func TestClear(t *testing.T) {
	sl := New[int](cmp)
	sl.Insert([]byte("a"), 1)
	sl.Clear()
	require.Equal(t, 0, sl.Len())
	_, ok := sl.Find([]byte("a"))
	require.False(t, ok)
}
