package bridge

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jacobsa/bazilfuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"

	"github.com/blockfs/rfs/blockmgr"
	"github.com/blockfs/rfs/errno"
	"github.com/blockfs/rfs/namespace"
	"github.com/blockfs/rfs/rfsinode"
)

func TestToErrno_WrapsDriverError(t *testing.T) {
	err := toErrno(errno.ErrNotFound)
	require.Equal(t, errno.ErrNotFound.ErrnoCode, err)
}

func TestToErrno_NilStaysNil(t *testing.T) {
	require.NoError(t, toErrno(nil))
}

func TestToErrno_PassesThroughPlainErrors(t *testing.T) {
	plain := os.ErrClosed
	require.Equal(t, plain, toErrno(plain))
}

func TestAccessModeOf(t *testing.T) {
	require.Equal(t, namespace.AccessReadOnly, accessModeOf(bazilfuse.OpenFlags(0)))
	require.Equal(t, namespace.AccessWriteOnly, accessModeOf(bazilfuse.OpenFlags(1)))
	require.Equal(t, namespace.AccessReadWrite, accessModeOf(bazilfuse.OpenFlags(2)))
}

func TestToFiletype(t *testing.T) {
	require.Equal(t, fuseutil.DT_Directory, toFiletype(rfsinode.ModeDir))
	require.Equal(t, fuseutil.DT_Link, toFiletype(rfsinode.ModeLink))
	require.Equal(t, fuseutil.DT_File, toFiletype(rfsinode.ModeReg))
}

func TestModeBitsFor(t *testing.T) {
	require.Equal(t, os.ModeDir, modeBitsFor(rfsinode.ModeDir))
	require.Equal(t, os.ModeSymlink, modeBitsFor(rfsinode.ModeLink))
	require.Equal(t, os.FileMode(0), modeBitsFor(rfsinode.ModeReg))
}

func TestToInodeAttributes(t *testing.T) {
	attr := namespace.Attr{
		Size:  42,
		Nlink: 3,
		Kind:  rfsinode.ModeDir,
		Perm:  0o755,
		Uid:   1000,
		Gid:   1000,
	}
	got := toInodeAttributes(attr)
	require.EqualValues(t, 42, got.Size)
	require.EqualValues(t, 3, got.Nlink)
	require.Equal(t, os.ModeDir|os.FileMode(0o755), got.Mode)
	require.EqualValues(t, 1000, got.Uid)
}

func TestToBlockIDInodeIDRoundTrip(t *testing.T) {
	id := blockmgr.BlockID(7)
	require.Equal(t, id, toBlockID(toInodeID(id)))
}

func TestCallerOf(t *testing.T) {
	h := fuseops.OpHeader{Uid: 42, Gid: 7}
	c := callerOf(h)
	require.EqualValues(t, 42, c.Uid)
	require.EqualValues(t, 7, c.Gid)
}

func TestHandleTable_AcquireLookupRelease(t *testing.T) {
	tbl := newHandleTable()
	h1 := tbl.acquire(blockmgr.BlockID(5))
	h2 := tbl.acquire(blockmgr.BlockID(9))
	require.NotEqual(t, h1, h2)

	id, ok := tbl.lookup(h1)
	require.True(t, ok)
	require.EqualValues(t, 5, id)

	tbl.release(h1)
	_, ok = tbl.lookup(h1)
	require.False(t, ok)

	id2, ok := tbl.lookup(h2)
	require.True(t, ok)
	require.EqualValues(t, 9, id2)
}

func TestHandleTable_LookupUnknownHandleFails(t *testing.T) {
	tbl := newHandleTable()
	_, ok := tbl.lookup(fuseops.HandleID(123))
	require.False(t, ok)
}

