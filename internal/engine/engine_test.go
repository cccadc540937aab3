package engine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kvtree/combotree/internal/config"
)

func TestOpenCreatesUsingSmallByDefault(t *testing.T) {
	dir := t.TempDir()
	h, err := Open(dir, 4<<20, true, config.Options{})
	require.NoError(t, err)
	defer h.Close()

	require.Equal(t, UsingSmall, h.State())
	require.Equal(t, uint64(0), h.Size())
}

func TestInsertGetUpdateDeleteRoundTrip(t *testing.T) {
	dir := t.TempDir()
	h, err := Open(dir, 4<<20, true, config.Options{})
	require.NoError(t, err)
	defer h.Close()

	require.NoError(t, h.Insert(1, 100))
	v, err := h.Get(1)
	require.NoError(t, err)
	require.Equal(t, uint64(100), v)

	require.NoError(t, h.Update(1, 200))
	v, err = h.Get(1)
	require.NoError(t, err)
	require.Equal(t, uint64(200), v)

	removed, err := h.Delete(1)
	require.NoError(t, err)
	require.Equal(t, uint64(200), removed)
}

func TestMigrationTriggersAtThreshold(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Options{MigrationThreshold: 32}
	h, err := Open(dir, 8<<20, true, cfg)
	require.NoError(t, err)
	defer h.Close()

	for i := uint64(0); i < 64; i++ {
		require.NoError(t, h.Insert(i, i*2))
	}
	h.permitDelete.Wait()

	require.Equal(t, UsingTree, h.State())
	for i := uint64(0); i < 64; i++ {
		v, err := h.Get(i)
		require.NoError(t, err)
		require.Equal(t, i*2, v)
	}
}

func TestReopenAfterMigrationResumesInTreeMode(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Options{MigrationThreshold: 16}
	h, err := Open(dir, 8<<20, true, cfg)
	require.NoError(t, err)

	for i := uint64(0); i < 32; i++ {
		require.NoError(t, h.Insert(i, i))
	}
	h.permitDelete.Wait()
	require.Equal(t, UsingTree, h.State())
	require.NoError(t, h.Close())

	h2, err := Open(dir, 8<<20, true, cfg)
	require.NoError(t, err)
	defer h2.Close()
	require.Equal(t, UsingTree, h2.State())
	for i := uint64(0); i < 32; i++ {
		v, err := h2.Get(i)
		require.NoErrorf(t, err, "key %d missing after reopen", i)
		require.Equal(t, i, v)
	}
}

func TestScanReturnsInclusiveRangeInOrder(t *testing.T) {
	dir := t.TempDir()
	h, err := Open(dir, 4<<20, true, config.Options{})
	require.NoError(t, err)
	defer h.Close()

	for i := uint64(0); i < 10; i++ {
		require.NoError(t, h.Insert(i, i))
	}
	out := h.Scan(2, 7, 100)
	require.Len(t, out, 6)
	for i, p := range out {
		require.Equal(t, uint64(2+i), p.Key)
	}
}

func TestStateStringer(t *testing.T) {
	require.Equal(t, "UsingSmall", UsingSmall.String())
	require.Equal(t, "MigratingToTree", MigratingToTree.String())
	require.Equal(t, "UsingTree", UsingTree.String())
	require.Equal(t, "TreeExpanding", TreeExpanding.String())
}
