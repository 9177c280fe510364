package blockmgr_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blockfs/rfs/blockio"
	"github.com/blockfs/rfs/blockmgr"
)

func newFormatted(t *testing.T) *blockmgr.Manager {
	t.Helper()
	dev := blockio.NewMemDevice()
	mgr := blockmgr.New(dev)
	formatted, err := mgr.IsFormatted()
	require.NoError(t, err)
	require.False(t, formatted)
	require.NoError(t, mgr.Init(true))
	return mgr
}

func TestNewDelBlock_AllocatesLowestFreeId(t *testing.T) {
	mgr := newFormatted(t)

	for i := blockmgr.BlockID(1); i < 33; i++ {
		id, err := mgr.NewBlock()
		require.NoError(t, err)
		require.Equal(t, i, id)
	}

	require.NoError(t, mgr.DelBlock(20))
	require.NoError(t, mgr.DelBlock(10))

	id, err := mgr.NewBlock()
	require.NoError(t, err)
	require.Equal(t, blockmgr.BlockID(10), id)
}

func TestWriteReadBlock_RoundTrips(t *testing.T) {
	mgr := newFormatted(t)
	id, err := mgr.NewBlock()
	require.NoError(t, err)

	payload := make([]byte, blockio.BlockSize)
	copy(payload, []byte("payload"))
	require.NoError(t, mgr.WriteBlock(id, payload))

	data, err := mgr.ReadBlock(id)
	require.NoError(t, err)
	require.Equal(t, payload, data)
}

func TestDelBlock_PanicsOnDoubleFree(t *testing.T) {
	mgr := newFormatted(t)
	id, err := mgr.NewBlock()
	require.NoError(t, err)
	require.NoError(t, mgr.DelBlock(id))

	require.Panics(t, func() { _ = mgr.DelBlock(id) })
}

func TestInit_ReloadsPersistedBitmap(t *testing.T) {
	dev := blockio.NewMemDevice()
	mgr := blockmgr.New(dev)
	require.NoError(t, mgr.Init(true))
	id, err := mgr.NewBlock()
	require.NoError(t, err)

	reopened := blockmgr.New(dev)
	require.NoError(t, reopened.Init(false))
	require.True(t, reopened.IsAllocated(id))
}
