// Package diag implements offline consistency checking and CSV export
// over an already-initialized filesystem: the read-only counterpart to
// the mutating operations in namespace and filemgr, used by the fsck
// and inspect CLI commands.
package diag

import (
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/blockfs/rfs/blockio"
	"github.com/blockfs/rfs/blockmgr"
	"github.com/blockfs/rfs/errno"
	"github.com/blockfs/rfs/namespace"
	"github.com/blockfs/rfs/rfsinode"
)

// CheckConsistency walks every inode reachable from fs's root and
// reports every invariant violation it finds rather than stopping at
// the first one: a reachable inode or active data block whose bitmap
// bit is clear, a directory whose length isn't a multiple of the entry
// size, or a directory missing its leading "." / ".." entries. A nil
// return means the walk found nothing wrong.
func CheckConsistency(mgr *blockmgr.Manager, fs *namespace.FS) error {
	root, err := fs.RootInode()
	if err != nil {
		return err
	}

	w := &walker{mgr: mgr, fs: fs, visited: make(map[blockmgr.BlockID]bool)}
	w.walk(root, true)
	return w.result
}

type walker struct {
	mgr     *blockmgr.Manager
	fs      *namespace.FS
	visited map[blockmgr.BlockID]bool
	result  error
}

func (w *walker) fail(format string, args ...interface{}) {
	w.result = multierror.Append(w.result, fmt.Errorf(format, args...))
}

// walk checks in itself, then, if it's a directory, its entries and
// everything reachable through them. expectDir records whether the
// directory entry that led here claimed in was a directory, so a mode
// mismatch between the entry and the inode it points at is caught
// too.
func (w *walker) walk(in *rfsinode.Inode, expectDir bool) {
	if w.visited[in.ID] {
		return
	}
	w.visited[in.ID] = true

	if !w.mgr.IsAllocated(in.ID) {
		w.fail("inode %d: %w", in.ID, errno.ErrCorruptBitmap)
	}
	if expectDir && in.Kind() != rfsinode.ModeDir {
		w.fail("inode %d is referenced as a directory but its mode says otherwise", in.ID)
	}

	length := int(in.Length())
	blockCount := (length + blockio.BlockSize - 1) / blockio.BlockSize
	for i := 0; i < blockCount; i++ {
		id := in.DataBlock(i)
		if id == 0 {
			continue // sparse hole, nothing to check
		}
		if !w.mgr.IsAllocated(id) {
			w.fail("inode %d data slot %d (block %d): %w", in.ID, i, id, errno.ErrCorruptBitmap)
		}
	}

	if in.Kind() != rfsinode.ModeDir {
		return
	}
	if length%namespace.EntrySize != 0 {
		w.fail("directory inode %d length %d: %w", in.ID, length, errno.ErrCorruptDirent)
		return
	}

	// ReadDir holds namespace.FS's lock for the whole walk, so the
	// yield callback only collects entries; recursing into children
	// (which re-locks via ReadInode) happens after it returns.
	var entries []namespace.DirEntry
	if err := w.fs.ReadDir(in, 0, func(e namespace.DirEntry) bool {
		entries = append(entries, e)
		return true
	}); err != nil {
		w.fail("reading directory inode %d: %v", in.ID, err)
		return
	}

	if len(entries) < 2 || entries[0].Name != "." || entries[1].Name != ".." {
		w.fail("directory inode %d is missing the leading \".\"/\"..\" entries", in.ID)
	}

	for _, e := range entries {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		child, err := w.fs.ReadInode(e.Ino)
		if err != nil {
			w.fail("directory inode %d entry %q: %v", in.ID, e.Name, err)
			continue
		}
		w.walk(child, e.Kind == rfsinode.ModeDir)
	}
}
