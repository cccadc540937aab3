package combotree

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenInsertGetUpdateDelete(t *testing.T) {
	dir := t.TempDir()
	h, err := Open(dir, 4<<20, true)
	require.NoError(t, err)
	defer h.Close()

	require.True(t, h.Insert(1, 100))
	require.False(t, h.Insert(1, 200), "inserting an existing key must fail")

	v, ok := h.Get(1)
	require.True(t, ok)
	require.Equal(t, uint64(100), v)

	require.True(t, h.Update(1, 999))
	v, ok = h.Get(1)
	require.True(t, ok)
	require.Equal(t, uint64(999), v)

	require.True(t, h.Delete(1))
	_, ok = h.Get(1)
	require.False(t, ok)
	require.False(t, h.Delete(1), "deleting an absent key must fail")
}

func TestScanAndSize(t *testing.T) {
	dir := t.TempDir()
	h, err := Open(dir, 4<<20, true)
	require.NoError(t, err)
	defer h.Close()

	for i := uint64(0); i < 20; i++ {
		require.True(t, h.Insert(i, i*3))
	}
	require.Equal(t, uint64(20), h.Size())

	pairs := h.Scan(5, 10, 0)
	require.Len(t, pairs, 6)
	for i, p := range pairs {
		require.Equal(t, uint64(5+i), p.Key)
		require.Equal(t, p.Key*3, p.Value)
	}
}

func TestIteratorCoversEveryKeyAndSeekRestarts(t *testing.T) {
	dir := t.TempDir()
	h, err := Open(dir, 4<<20, true)
	require.NoError(t, err)
	defer h.Close()

	for i := uint64(0); i < 15; i++ {
		require.True(t, h.Insert(i, i))
	}

	it := h.Iterator()
	seen := 0
	for {
		_, ok := it.Next()
		if !ok {
			break
		}
		seen++
	}
	require.Equal(t, 15, seen)

	it2 := h.Iterator()
	it2.Seek(10)
	p, ok := it2.Next()
	require.True(t, ok)
	require.Equal(t, uint64(10), p.Key)
}

func TestReopenPreservesData(t *testing.T) {
	dir := t.TempDir()
	h, err := Open(dir, 4<<20, true)
	require.NoError(t, err)
	for i := uint64(0); i < 5; i++ {
		require.True(t, h.Insert(i, i+1))
	}
	require.NoError(t, h.Close())

	h2, err := Open(dir, 4<<20, true)
	require.NoError(t, err)
	defer h2.Close()
	for i := uint64(0); i < 5; i++ {
		v, ok := h2.Get(i)
		require.True(t, ok)
		require.Equal(t, i+1, v)
	}
}
