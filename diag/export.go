package diag

import (
	"io"

	"github.com/gocarina/gocsv"

	"github.com/blockfs/rfs/blockmgr"
	"github.com/blockfs/rfs/namespace"
	"github.com/blockfs/rfs/rfsinode"
)

// BlockRecord is one row of the bitmap occupancy CSV: one row per
// addressable block id.
type BlockRecord struct {
	BlockID   uint16 `csv:"block_id"`
	Allocated bool   `csv:"allocated"`
}

// InodeRecord is one row of the inode table CSV.
type InodeRecord struct {
	Inode blockmgr.BlockID `csv:"inode"`
	Kind  string           `csv:"kind"`
	Perm  uint16           `csv:"perm"`
	Nlink uint16           `csv:"nlink"`
	Size  uint32           `csv:"size"`
	Uid   uint32           `csv:"uid"`
	Gid   uint32           `csv:"gid"`
}

func kindString(kind uint16) string {
	switch kind {
	case rfsinode.ModeDir:
		return "dir"
	case rfsinode.ModeLink:
		return "symlink"
	default:
		return "file"
	}
}

// ExportBitmap writes one CSV row per addressable block id, reporting
// whether it's currently allocated.
func ExportBitmap(mgr *blockmgr.Manager, w io.Writer) error {
	records := make([]*BlockRecord, mgr.TotalBlocks())
	for i := range records {
		id := blockmgr.BlockID(i + 1)
		records[i] = &BlockRecord{BlockID: uint16(id), Allocated: mgr.IsAllocated(id)}
	}
	return gocsv.Marshal(records, w)
}

// ExportInodes walks every inode reachable from fs's root and writes
// one CSV row per inode visited. Unlike CheckConsistency this never
// reports a violation; it's the inspector's raw dump, not a validator.
func ExportInodes(fs *namespace.FS, w io.Writer) error {
	root, err := fs.RootInode()
	if err != nil {
		return err
	}

	visited := make(map[blockmgr.BlockID]bool)
	var records []*InodeRecord

	var walk func(in *rfsinode.Inode)
	walk = func(in *rfsinode.Inode) {
		if visited[in.ID] {
			return
		}
		visited[in.ID] = true

		attr := fs.GetAttr(in)
		records = append(records, &InodeRecord{
			Inode: in.ID,
			Kind:  kindString(attr.Kind),
			Perm:  attr.Perm,
			Nlink: uint16(attr.Nlink),
			Size:  uint32(attr.Size),
			Uid:   attr.Uid,
			Gid:   attr.Gid,
		})

		if in.Kind() != rfsinode.ModeDir {
			return
		}
		var entries []namespace.DirEntry
		if err := fs.ReadDir(in, 0, func(e namespace.DirEntry) bool {
			entries = append(entries, e)
			return true
		}); err != nil {
			return
		}
		for _, e := range entries {
			if e.Name == "." || e.Name == ".." {
				continue
			}
			child, err := fs.ReadInode(e.Ino)
			if err != nil {
				continue
			}
			walk(child)
		}
	}

	walk(root)
	return gocsv.Marshal(records, w)
}
