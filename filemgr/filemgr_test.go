package filemgr_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blockfs/rfs/blockio"
	"github.com/blockfs/rfs/blockmgr"
	"github.com/blockfs/rfs/filemgr"
)

func newFileMgr(t *testing.T) *filemgr.FileMgr {
	t.Helper()
	mgr := blockmgr.New(blockio.NewMemDevice())
	fm := filemgr.New(mgr)
	formatted, err := fm.IsFormatted()
	require.NoError(t, err)
	require.NoError(t, fm.Init(!formatted))
	return fm
}

func TestWriteInsideOneBlock(t *testing.T) {
	fm := newFileMgr(t)
	root, err := fm.ReadRootInode()
	require.NoError(t, err)

	_, err = fm.WriteFile(root, 5, []byte{1, 2, 3, 4, 5})
	require.NoError(t, err)

	data, err := fm.ReadFile(root, 0, blockio.BlockSize)
	require.NoError(t, err)
	require.Equal(t, []byte{0, 0, 0, 0, 0, 1, 2, 3, 4, 5}, data)
}

func TestReadInsideOneBlock(t *testing.T) {
	fm := newFileMgr(t)
	root, err := fm.ReadRootInode()
	require.NoError(t, err)

	_, err = fm.WriteFile(root, 0, []byte{0, 0, 0, 0, 0, 1, 2, 3, 4, 5})
	require.NoError(t, err)

	data, err := fm.ReadFile(root, 5, 5)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 4, 5}, data)
}

func sequence(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i % 256)
	}
	return out
}

func TestWriteParts(t *testing.T) {
	fm := newFileMgr(t)
	root, err := fm.ReadRootInode()
	require.NoError(t, err)

	file := sequence(10000)
	_, err = fm.WriteFile(root, 0, file[0:2000])
	require.NoError(t, err)
	_, err = fm.WriteFile(root, 2000, file[2000:8000])
	require.NoError(t, err)
	_, err = fm.WriteFile(root, 8000, file[8000:10000])
	require.NoError(t, err)

	data, err := fm.ReadFile(root, 0, 10000)
	require.NoError(t, err)
	require.Equal(t, file, data)
}

func TestReadParts(t *testing.T) {
	fm := newFileMgr(t)
	root, err := fm.ReadRootInode()
	require.NoError(t, err)

	file := sequence(10000)
	_, err = fm.WriteFile(root, 0, file)
	require.NoError(t, err)

	read0, err := fm.ReadFile(root, 0, 2000)
	require.NoError(t, err)
	require.Equal(t, file[0:2000], read0)

	read1, err := fm.ReadFile(root, 2000, 6000)
	require.NoError(t, err)
	require.Equal(t, file[2000:8000], read1)

	read2, err := fm.ReadFile(root, 8000, 2000)
	require.NoError(t, err)
	require.Equal(t, file[8000:10000], read2)
}

func TestSparseHole(t *testing.T) {
	fm := newFileMgr(t)
	root, err := fm.ReadRootInode()
	require.NoError(t, err)

	file := sequence(3000)
	_, err = fm.WriteFile(root, 6000, file)
	require.NoError(t, err)

	data, err := fm.ReadFile(root, 0, 9000)
	require.NoError(t, err)
	require.Equal(t, make([]byte, 6000), data[:6000])
	require.Equal(t, file, data[6000:])
}

func TestTruncateFile(t *testing.T) {
	fm := newFileMgr(t)
	root, err := fm.ReadRootInode()
	require.NoError(t, err)

	file := sequence(9000)
	_, err = fm.WriteFile(root, 0, file)
	require.NoError(t, err)
	require.NoError(t, fm.TruncateFile(root, 6000))
	require.NoError(t, fm.TruncateFile(root, 10000))

	data, err := fm.ReadFile(root, 0, 999999)
	require.NoError(t, err)
	require.Equal(t, file[:6000], data[:6000])
	require.Equal(t, make([]byte, 4000), data[6000:])
}

func TestShareInode(t *testing.T) {
	fm := newFileMgr(t)
	inodeA, err := fm.ReadRootInode()
	require.NoError(t, err)
	inodeB, err := fm.ReadRootInode()
	require.NoError(t, err)

	inodeA.SetUid(1)
	inodeB.SetUid(2)
	require.Equal(t, inodeA.Uid(), inodeB.Uid())
	require.NoError(t, fm.Flush(inodeA))
}

func TestWriteFile_RejectsBeyondMaxDirectBlocks(t *testing.T) {
	fm := newFileMgr(t)
	root, err := fm.ReadRootInode()
	require.NoError(t, err)

	_, err = fm.WriteFile(root, 2018*blockio.BlockSize, []byte{1})
	require.Error(t, err)
}

func TestDelInode_FreesDataBlocks(t *testing.T) {
	fm := newFileMgr(t)
	other, err := fm.NewInode()
	require.NoError(t, err)

	_, err = fm.WriteFile(other, 0, sequence(10000))
	require.NoError(t, err)

	freeBeforeDelete := fm.FreeBlockCount()
	require.NoError(t, fm.DelInode(other))
	require.Greater(t, fm.FreeBlockCount(), freeBeforeDelete)
}
