// Package bridge adapts the namespace layer to github.com/jacobsa/fuse's
// fuseutil.FileSystem, the interface fuseutil.NewFileSystemServer dispatches
// typed ops to. Every method here is a thin translation: decode the op's
// inode numbers into blockmgr.BlockID, call the matching namespace.FS
// method, and fill in the op's result fields.
//
// The original implementation stored an open inode's Rc<Inode> as the raw
// kernel file handle (Rc::into_raw/Rc::from_raw). That trick has no honest
// Go equivalent under a garbage collector, so OpenFile/OpenDir/CreateFile
// hand out handles from an explicit table instead (handles.go), and
// Release*Handle just drops the table entry; the inode itself stays live in
// namespace.FS's own cache until ForgetInode.
//
// hard links and extended attributes are not reachable through this
// bridge: jacobsa/fuse's op set has no Link op, and ListXattr/GetXattr are
// not handled, so the kernel gets ENOSYS for them rather than an empty
// attribute list. namespace.FS.Link
// is still fully implemented and tested for callers that don't need a FUSE
// front end.
package bridge

import (
	"os"
	"time"

	"github.com/jacobsa/bazilfuse"
	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"

	"github.com/blockfs/rfs/blockmgr"
	"github.com/blockfs/rfs/errno"
	"github.com/blockfs/rfs/namespace"
	"github.com/blockfs/rfs/rfsinode"
)

// FileSystem implements fuseutil.FileSystem over a namespace.FS.
type FileSystem struct {
	ns      *namespace.FS
	handles *handleTable
}

// New wraps an already-initialized namespace for FUSE serving.
func New(ns *namespace.FS) *FileSystem {
	return &FileSystem{ns: ns, handles: newHandleTable()}
}

func toBlockID(id fuseops.InodeID) blockmgr.BlockID {
	return blockmgr.BlockID(id)
}

func toInodeID(id blockmgr.BlockID) fuseops.InodeID {
	return fuseops.InodeID(id)
}

func toFiletype(kind uint16) fuseutil.DirentType {
	switch kind {
	case rfsinode.ModeDir:
		return fuseutil.DT_Directory
	case rfsinode.ModeLink:
		return fuseutil.DT_Link
	default:
		return fuseutil.DT_File
	}
}

func accessModeOf(flags bazilfuse.OpenFlags) namespace.AccessMode {
	const oAccmode = 0o3
	switch uint32(flags) & oAccmode {
	case 0o1:
		return namespace.AccessWriteOnly
	case 0o2:
		return namespace.AccessReadWrite
	default:
		return namespace.AccessReadOnly
	}
}

func callerOf(h fuseops.OpHeader) namespace.Caller {
	return namespace.Caller{Uid: h.Uid, Gid: h.Gid}
}

func toInodeAttributes(attr namespace.Attr) fuseops.InodeAttributes {
	return fuseops.InodeAttributes{
		Size:  attr.Size,
		Nlink: uint64(attr.Nlink),
		Mode:  os.FileMode(attr.Perm) | modeBitsFor(attr.Kind),
		Atime: attr.Atime,
		Mtime: attr.Mtime,
		Ctime: attr.Ctime,
		Uid:   attr.Uid,
		Gid:   attr.Gid,
	}
}

func modeBitsFor(kind uint16) os.FileMode {
	switch kind {
	case rfsinode.ModeDir:
		return os.ModeDir
	case rfsinode.ModeLink:
		return os.ModeSymlink
	default:
		return 0
	}
}

func childEntry(in *rfsinode.Inode, attr namespace.Attr) fuseops.ChildInodeEntry {
	return fuseops.ChildInodeEntry{
		Child:      toInodeID(in.ID),
		Generation: fuseops.GenerationNumber(attr.Generation),
		Attributes: toInodeAttributes(attr),
	}
}

// toErrno maps an errno.DriverError (or any syscall.Errno-carrying error)
// straight through; jacobsa/fuse accepts a bare syscall.Errno as the
// response error and translates it for the kernel.
func toErrno(err error) error {
	if err == nil {
		return nil
	}
	if de, ok := err.(*errno.DriverError); ok {
		return de.ErrnoCode
	}
	return err
}

func (fs *FileSystem) Init(op *fuseops.InitOp) {
	var err error
	defer fuseutil.RespondToOp(op, &err)
	err = toErrno(fs.ns.Init())
	return
}

func (fs *FileSystem) LookUpInode(op *fuseops.LookUpInodeOp) {
	var err error
	defer fuseutil.RespondToOp(op, &err)
	parent, err := fs.ns.ReadInode(toBlockID(op.Parent))
	if err != nil {
		err = toErrno(err)
		return
	}
	child, attr, err := fs.ns.Lookup(parent, op.Name)
	if err != nil {
		err = toErrno(err)
		return
	}
	op.Entry = childEntry(child, attr)
	return
}

func (fs *FileSystem) GetInodeAttributes(op *fuseops.GetInodeAttributesOp) {
	var err error
	defer fuseutil.RespondToOp(op, &err)
	in, err := fs.ns.ReadInode(toBlockID(op.Inode))
	if err != nil {
		err = toErrno(err)
		return
	}
	op.Attributes = toInodeAttributes(fs.ns.GetAttr(in))
	return
}

func (fs *FileSystem) SetInodeAttributes(op *fuseops.SetInodeAttributesOp) {
	var err error
	defer fuseutil.RespondToOp(op, &err)
	in, err := fs.ns.ReadInode(toBlockID(op.Inode))
	if err != nil {
		err = toErrno(err)
		return
	}

	var opts namespace.SetAttrOptions
	if op.Mode != nil {
		mode := in.Kind() | uint16(*op.Mode&os.ModePerm)
		opts.Mode = &mode
	}
	if op.Size != nil {
		opts.Size = op.Size
	}
	if op.Atime != nil {
		opts.Atime = op.Atime
	}
	if op.Mtime != nil {
		opts.Mtime = op.Mtime
		now := time.Now().UTC()
		opts.Ctime = &now
	}

	attr, err := fs.ns.SetAttr(in, opts)
	if err != nil {
		err = toErrno(err)
		return
	}
	op.Attributes = toInodeAttributes(attr)
	return
}

func (fs *FileSystem) ForgetInode(op *fuseops.ForgetInodeOp) {
	var err error
	defer fuseutil.RespondToOp(op, &err)
	fs.ns.Forget(toBlockID(op.Inode))
	return
}

func (fs *FileSystem) MkDir(op *fuseops.MkDirOp) {
	var err error
	defer fuseutil.RespondToOp(op, &err)
	parent, err := fs.ns.ReadInode(toBlockID(op.Parent))
	if err != nil {
		err = toErrno(err)
		return
	}
	caller := callerOf(op.Header())
	child, attr, err := fs.ns.Mkdir(parent, op.Name, uint16(op.Mode&os.ModePerm), caller)
	if err != nil {
		err = toErrno(err)
		return
	}
	op.Entry = childEntry(child, attr)
	return
}

func (fs *FileSystem) CreateFile(op *fuseops.CreateFileOp) {
	var err error
	defer fuseutil.RespondToOp(op, &err)
	parent, err := fs.ns.ReadInode(toBlockID(op.Parent))
	if err != nil {
		err = toErrno(err)
		return
	}
	caller := callerOf(op.Header())
	child, attr, err := fs.ns.Create(parent, op.Name, uint16(op.Mode&os.ModePerm), accessModeOf(op.Flags), caller)
	if err != nil {
		err = toErrno(err)
		return
	}
	op.Entry = childEntry(child, attr)
	op.Handle = fs.handles.acquire(child.ID)
	return
}

func (fs *FileSystem) CreateSymlink(op *fuseops.CreateSymlinkOp) {
	var err error
	defer fuseutil.RespondToOp(op, &err)
	parent, err := fs.ns.ReadInode(toBlockID(op.Parent))
	if err != nil {
		err = toErrno(err)
		return
	}
	caller := callerOf(op.Header())
	child, attr, err := fs.ns.Symlink(parent, op.Name, op.Target, caller)
	if err != nil {
		err = toErrno(err)
		return
	}
	op.Entry = childEntry(child, attr)
	return
}

func (fs *FileSystem) Rename(op *fuseops.RenameOp) {
	var err error
	defer fuseutil.RespondToOp(op, &err)
	oldParent, err := fs.ns.ReadInode(toBlockID(op.OldParent))
	if err != nil {
		err = toErrno(err)
		return
	}
	newParent, err := fs.ns.ReadInode(toBlockID(op.NewParent))
	if err != nil {
		err = toErrno(err)
		return
	}
	err = toErrno(fs.ns.Rename(oldParent, op.OldName, newParent, op.NewName))
	return
}

func (fs *FileSystem) RmDir(op *fuseops.RmDirOp) {
	var err error
	defer fuseutil.RespondToOp(op, &err)
	parent, err := fs.ns.ReadInode(toBlockID(op.Parent))
	if err != nil {
		err = toErrno(err)
		return
	}
	err = toErrno(fs.ns.Unlink(parent, op.Name))
	return
}

func (fs *FileSystem) Unlink(op *fuseops.UnlinkOp) {
	var err error
	defer fuseutil.RespondToOp(op, &err)
	parent, err := fs.ns.ReadInode(toBlockID(op.Parent))
	if err != nil {
		err = toErrno(err)
		return
	}
	err = toErrno(fs.ns.Unlink(parent, op.Name))
	return
}

func (fs *FileSystem) OpenDir(op *fuseops.OpenDirOp) {
	var err error
	defer fuseutil.RespondToOp(op, &err)
	id := toBlockID(op.Inode)
	if _, err = fs.ns.ReadInode(id); err != nil {
		err = toErrno(err)
		return
	}
	op.Handle = fs.handles.acquire(id)
	return
}

func (fs *FileSystem) ReadDir(op *fuseops.ReadDirOp) {
	var err error
	defer fuseutil.RespondToOp(op, &err)
	id, ok := fs.handles.lookup(op.Handle)
	if !ok {
		err = fuse.EIO
		return
	}
	in, err := fs.ns.ReadInode(id)
	if err != nil {
		err = toErrno(err)
		return
	}

	dst := make([]byte, 0, op.Size)
	startOffset := int(op.Offset) / namespace.EntrySize
	// ReadDir holds namespace.FS's lock while it calls yield, so the
	// callback uses the entry's own Kind instead of re-reading the inode.
	walkErr := fs.ns.ReadDir(in, startOffset, func(e namespace.DirEntry) bool {
		dirent := fuseutil.Dirent{
			Offset: fuseops.DirOffset((e.Offset + 1) * namespace.EntrySize),
			Inode:  toInodeID(e.Ino),
			Name:   e.Name,
			Type:   toFiletype(e.Kind),
		}
		n := fuseutil.WriteDirent(dst[len(dst):cap(dst)], dirent)
		if n == 0 {
			return false
		}
		dst = dst[:len(dst)+n]
		return true
	})
	if err != nil {
		return
	}
	if walkErr != nil {
		err = toErrno(walkErr)
		return
	}
	op.Data = dst
	return
}

func (fs *FileSystem) ReleaseDirHandle(op *fuseops.ReleaseDirHandleOp) {
	var err error
	defer fuseutil.RespondToOp(op, &err)
	fs.handles.release(op.Handle)
	return
}

func (fs *FileSystem) OpenFile(op *fuseops.OpenFileOp) {
	var err error
	defer fuseutil.RespondToOp(op, &err)
	id := toBlockID(op.Inode)
	in, err := fs.ns.ReadInode(id)
	if err != nil {
		err = toErrno(err)
		return
	}
	if err = toErrno(namespace.CheckPerm(callerOf(op.Header()), in, accessModeOf(op.Flags))); err != nil {
		return
	}
	op.Handle = fs.handles.acquire(id)
	return
}

func (fs *FileSystem) ReadFile(op *fuseops.ReadFileOp) {
	var err error
	defer fuseutil.RespondToOp(op, &err)
	id, ok := fs.handles.lookup(op.Handle)
	if !ok {
		err = fuse.EIO
		return
	}
	in, err := fs.ns.ReadInode(id)
	if err != nil {
		err = toErrno(err)
		return
	}
	data, err := fs.ns.Read(in, int(op.Offset), op.Size)
	if err != nil {
		err = toErrno(err)
		return
	}
	op.Data = data
	return
}

func (fs *FileSystem) WriteFile(op *fuseops.WriteFileOp) {
	var err error
	defer fuseutil.RespondToOp(op, &err)
	id, ok := fs.handles.lookup(op.Handle)
	if !ok {
		err = fuse.EIO
		return
	}
	in, err := fs.ns.ReadInode(id)
	if err != nil {
		err = toErrno(err)
		return
	}
	_, err = fs.ns.Write(in, int(op.Offset), op.Data)
	err = toErrno(err)
	return
}

func (fs *FileSystem) SyncFile(op *fuseops.SyncFileOp) {
	var err error
	defer fuseutil.RespondToOp(op, &err)
	// Every namespace.FS write already flushes the inode through to the
	// block device, so there's nothing left to sync here.
	return
}

func (fs *FileSystem) FlushFile(op *fuseops.FlushFileOp) {
	var err error
	defer fuseutil.RespondToOp(op, &err)
	return
}

func (fs *FileSystem) ReleaseFileHandle(op *fuseops.ReleaseFileHandleOp) {
	var err error
	defer fuseutil.RespondToOp(op, &err)
	fs.handles.release(op.Handle)
	return
}

func (fs *FileSystem) ReadSymlink(op *fuseops.ReadSymlinkOp) {
	var err error
	defer fuseutil.RespondToOp(op, &err)
	in, err := fs.ns.ReadInode(toBlockID(op.Inode))
	if err != nil {
		err = toErrno(err)
		return
	}
	target, err := fs.ns.ReadLink(in)
	if err != nil {
		err = toErrno(err)
		return
	}
	op.Target = string(target)
	return
}
