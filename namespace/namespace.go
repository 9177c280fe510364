// Package namespace implements the directory/hierarchy layer: lookup,
// link/unlink, rename, symlink, and the owner/group/other permission
// checks every open and read/write call goes through.
package namespace

import (
	"sync"
	"time"

	"github.com/blockfs/rfs/blockmgr"
	"github.com/blockfs/rfs/errno"
	"github.com/blockfs/rfs/filemgr"
	"github.com/blockfs/rfs/rfsinode"
)

// Caller carries the uid/gid a request is made on behalf of, standing
// in for the FUSE layer's per-request credentials.
type Caller struct {
	Uid, Gid uint32
}

// Attr is the attribute snapshot GetAttr/Lookup/Create/Mkdir/Symlink/Link
// return, independent of any particular host-bridge attribute struct.
type Attr struct {
	Ino        blockmgr.BlockID
	Size       uint64
	Blocks     uint64
	Atime      time.Time
	Mtime      time.Time
	Ctime      time.Time
	Kind       uint16
	Perm       uint16
	Nlink      uint32
	Uid, Gid   uint32
	Generation uint64
}

// Stat is the filesystem-level usage summary Statfs returns.
type Stat struct {
	BlockSize  uint32
	TotalBlock uint64
	FreeBlocks uint64
}

// FS is the whole namespace layer: one root-rooted tree of inodes and
// directory entries backed by a single filemgr.FileMgr.
//
// jacobsa/fuse dispatches each incoming op on its own goroutine, but the
// directory/inode mutations below (erase-then-write on rename, the
// read-modify-write dance in Unlink/Rename's nlink handling) are only
// correct if they run one at a time. mu serializes every exported
// method so the bridge sees the same strict ordering a single-threaded
// caller would get.
type FS struct {
	mu    sync.Mutex
	files *filemgr.FileMgr
}

// New wraps a file manager. Call Init before any other method.
func New(files *filemgr.FileMgr) *FS {
	return &FS{files: files}
}

// Init formats the device if necessary, creates the root inode, and
// writes its "." and ".." self-referencing entries. Root is owned by
// uid/gid 0 with mode 0777 so every caller can traverse it without a
// root-owned bypass (this is a single-user toy filesystem; see
// DESIGN.md for the rationale).
func (fs *FS) Init() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	formatted, err := fs.files.IsFormatted()
	if err != nil {
		return err
	}
	needFormat := !formatted
	if err := fs.files.Init(needFormat); err != nil {
		return err
	}
	if !needFormat {
		return nil
	}

	root, err := fs.files.ReadRootInode()
	if err != nil {
		return err
	}
	if err := fs.setNewlyCreated(root, rfsinode.ModeDir|0o777, Caller{}); err != nil {
		return err
	}
	if err := fs.writeDirItem(root.ID, root, "."); err != nil {
		return err
	}
	return fs.writeDirItem(root.ID, root, "..")
}

func (fs *FS) setNewlyCreated(in *rfsinode.Inode, mode uint16, caller Caller) error {
	now := time.Now().UTC()
	in.SetAtime(now)
	in.SetMtime(now)
	in.SetCtime(now)
	in.SetMode(mode)
	in.SetNlink(1)
	in.SetUid(caller.Uid)
	in.SetGid(caller.Gid)
	return fs.files.Flush(in)
}

// lookupItem scans parent linearly for name, returning its entry offset
// (in units of EntrySize) and inode id. Returns errno.ErrNotFound if no
// entry matches.
func (fs *FS) lookupItem(parent *rfsinode.Inode, name string) (int, blockmgr.BlockID, error) {
	offset := 0
	for {
		item, err := fs.files.ReadFile(parent, offset*EntrySize, EntrySize)
		if err != nil {
			return 0, 0, err
		}
		if len(item) == 0 {
			return 0, 0, errno.ErrNotFound
		}
		id, entryName := parseEntry(item)
		if entryName == name {
			return offset, id, nil
		}
		offset++
	}
}

// Lookup resolves name inside parent to an inode and its attributes.
func (fs *FS) Lookup(parent *rfsinode.Inode, name string) (*rfsinode.Inode, Attr, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	_, id, err := fs.lookupItem(parent, name)
	if err != nil {
		return nil, Attr{}, err
	}
	in, err := fs.files.ReadInode(id)
	if err != nil {
		return nil, Attr{}, err
	}
	return in, fs.getAttrLocked(in), nil
}

// GetAttr snapshots an inode's attributes.
func (fs *FS) GetAttr(in *rfsinode.Inode) Attr {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.getAttrLocked(in)
}

func (fs *FS) getAttrLocked(in *rfsinode.Inode) Attr {
	length := in.Length()
	return Attr{
		Ino:        in.ID,
		Size:       uint64(length),
		Blocks:     uint64((int(length) + 4095) / 4096),
		Atime:      in.Atime(),
		Mtime:      in.Mtime(),
		Ctime:      in.Ctime(),
		Kind:       in.Kind(),
		Perm:       in.Perm(),
		Nlink:      uint32(in.Nlink()),
		Uid:        in.Uid(),
		Gid:        in.Gid(),
		Generation: in.Generation(),
	}
}

// SetAttrOptions carries the optional fields SetAttr may apply, in the
// exact order mode, uid, gid, size (via truncate), atime, mtime, ctime.
type SetAttrOptions struct {
	Mode            *uint16
	Uid, Gid        *uint32
	Size            *uint64
	Atime, Mtime, Ctime *time.Time
}

// SetAttr applies every present option in order and returns the
// resulting attributes.
func (fs *FS) SetAttr(in *rfsinode.Inode, opts SetAttrOptions) (Attr, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if opts.Mode != nil {
		in.SetMode(*opts.Mode)
	}
	if opts.Uid != nil {
		in.SetUid(*opts.Uid)
	}
	if opts.Gid != nil {
		in.SetGid(*opts.Gid)
	}
	if opts.Size != nil {
		if err := fs.files.TruncateFile(in, int(*opts.Size)); err != nil {
			return Attr{}, err
		}
	}
	if opts.Atime != nil {
		in.SetAtime(*opts.Atime)
	}
	if opts.Mtime != nil {
		in.SetMtime(*opts.Mtime)
	}
	if opts.Ctime != nil {
		in.SetCtime(*opts.Ctime)
	}
	if err := fs.files.Flush(in); err != nil {
		return Attr{}, err
	}
	return fs.getAttrLocked(in), nil
}

func (fs *FS) writeDirItem(id blockmgr.BlockID, newparent *rfsinode.Inode, name string) error {
	item, err := assembleEntry(id, name)
	if err != nil {
		return err
	}
	endOfFile := int(newparent.Length())
	_, err = fs.files.WriteFile(newparent, endOfFile, item[:])
	return err
}

func (fs *FS) eraseDirItem(parent *rfsinode.Inode, offset int) error {
	lastOffset := int(parent.Length())/EntrySize - 1
	if offset < lastOffset {
		lastItem, err := fs.files.ReadFile(parent, lastOffset*EntrySize, EntrySize)
		if err != nil {
			return err
		}
		if _, err := fs.files.WriteFile(parent, offset*EntrySize, lastItem); err != nil {
			return err
		}
	}
	return fs.files.TruncateFile(parent, int(parent.Length())-EntrySize)
}

// HasReadPerm reports whether caller can read in, by owner/group/other
// permission bits.
func HasReadPerm(caller Caller, in *rfsinode.Inode) bool {
	perm := in.Perm()
	if caller.Uid == in.Uid() && perm&0o400 != 0 {
		return true
	}
	if caller.Gid == in.Gid() && perm&0o040 != 0 {
		return true
	}
	return perm&0o004 != 0
}

// HasWritePerm reports whether caller can write to in.
func HasWritePerm(caller Caller, in *rfsinode.Inode) bool {
	perm := in.Perm()
	if caller.Uid == in.Uid() && perm&0o200 != 0 {
		return true
	}
	if caller.Gid == in.Gid() && perm&0o020 != 0 {
		return true
	}
	return perm&0o002 != 0
}

// AccessMode mirrors the O_ACCMODE flag bits a caller opens a file with.
type AccessMode int

const (
	AccessReadOnly AccessMode = iota
	AccessWriteOnly
	AccessReadWrite
)

// CheckPerm validates caller's requested access against in's permission
// bits, returning errno.ErrNotPermitted on a denied mode.
func CheckPerm(caller Caller, in *rfsinode.Inode, mode AccessMode) error {
	isReading := mode == AccessReadOnly || mode == AccessReadWrite
	isWriting := mode == AccessWriteOnly || mode == AccessReadWrite
	if isReading && !HasReadPerm(caller, in) {
		return errno.ErrNotPermitted
	}
	if isWriting && !HasWritePerm(caller, in) {
		return errno.ErrNotPermitted
	}
	return nil
}

// Read reads up to size bytes at offset from in.
func (fs *FS) Read(in *rfsinode.Inode, offset, size int) ([]byte, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if offset < 0 {
		return nil, errno.ErrInvalid
	}
	return fs.files.ReadFile(in, offset, size)
}

// Write writes data at offset into in.
func (fs *FS) Write(in *rfsinode.Inode, offset int, data []byte) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if offset < 0 {
		return 0, errno.ErrInvalid
	}
	return fs.files.WriteFile(in, offset, data)
}

// Link adds a new directory entry in newparent pointing at in, bumping
// its link count.
func (fs *FS) Link(in *rfsinode.Inode, newparent *rfsinode.Inode, newname string) (Attr, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	in.SetNlink(in.Nlink() + 1)
	if err := fs.files.Flush(in); err != nil {
		return Attr{}, err
	}
	attr := fs.getAttrLocked(in)
	if err := fs.writeDirItem(in.ID, newparent, newname); err != nil {
		return Attr{}, err
	}
	return attr, nil
}

// Unlink removes name from parent, decrementing the target's link count
// and deleting it once that count reaches zero. Unlinking a non-empty
// directory (more than "." and "..") returns errno.ErrNotEmpty.
func (fs *FS) Unlink(parent *rfsinode.Inode, name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	offset, id, err := fs.lookupItem(parent, name)
	if err != nil {
		return err
	}
	in, err := fs.files.ReadInode(id)
	if err != nil {
		return err
	}
	if in.Kind() == rfsinode.ModeDir && in.Length() > 2*EntrySize {
		return errno.ErrNotEmpty
	}

	if err := fs.eraseDirItem(parent, offset); err != nil {
		return err
	}
	nlink := in.Nlink() - 1
	if nlink > 0 {
		in.SetNlink(nlink)
		return fs.files.Flush(in)
	}
	return fs.files.DelInode(in)
}

// Rename moves the entry named name in parent to newname in newparent.
// The source entry is erased first so the operation works even when
// parent and newparent are the same inode. If newname already exists in
// newparent, that destination entry is erased and its inode's link
// count decremented (freeing it if it reaches zero) before the new
// entry is written, so renaming over an existing name never leaks the
// overwritten inode.
func (fs *FS) Rename(parent *rfsinode.Inode, name string, newparent *rfsinode.Inode, newname string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	offset, id, err := fs.lookupItem(parent, name)
	if err != nil {
		return err
	}
	if err := fs.eraseDirItem(parent, offset); err != nil {
		return err
	}

	if overwrittenOffset, overwrittenID, err := fs.lookupItem(newparent, newname); err == nil {
		overwritten, err := fs.files.ReadInode(overwrittenID)
		if err != nil {
			return err
		}
		if err := fs.eraseDirItem(newparent, overwrittenOffset); err != nil {
			return err
		}
		nlink := overwritten.Nlink() - 1
		if nlink > 0 {
			overwritten.SetNlink(nlink)
			if err := fs.files.Flush(overwritten); err != nil {
				return err
			}
		} else if err := fs.files.DelInode(overwritten); err != nil {
			return err
		}
	}

	return fs.writeDirItem(id, newparent, newname)
}

// Symlink creates a symlink named name in parent whose contents are the
// bytes of target.
func (fs *FS) Symlink(parent *rfsinode.Inode, name, target string, caller Caller) (*rfsinode.Inode, Attr, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	in, err := fs.files.NewInode()
	if err != nil {
		return nil, Attr{}, err
	}
	if err := fs.setNewlyCreated(in, rfsinode.ModeLink|0o777, caller); err != nil {
		return nil, Attr{}, err
	}
	attr := fs.getAttrLocked(in)
	if err := fs.writeDirItem(in.ID, parent, name); err != nil {
		return nil, Attr{}, err
	}

	targetBytes := []byte(target)
	if err := fs.files.TruncateFile(in, len(targetBytes)); err != nil {
		return nil, Attr{}, err
	}
	if _, err := fs.files.WriteFile(in, 0, targetBytes); err != nil {
		return nil, Attr{}, err
	}
	return in, attr, nil
}

// ReadLink returns a symlink's target.
func (fs *FS) ReadLink(in *rfsinode.Inode) ([]byte, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.files.ReadFile(in, 0, int(in.Length()))
}

// Mkdir creates a new directory named name inside parent with the given
// permission bits, populating its "." and ".." entries.
func (fs *FS) Mkdir(parent *rfsinode.Inode, name string, perm uint16, caller Caller) (*rfsinode.Inode, Attr, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	in, err := fs.files.NewInode()
	if err != nil {
		return nil, Attr{}, err
	}
	if err := fs.setNewlyCreated(in, rfsinode.ModeDir|(0o7777&perm), caller); err != nil {
		return nil, Attr{}, err
	}
	if err := fs.writeDirItem(in.ID, in, "."); err != nil {
		return nil, Attr{}, err
	}
	if err := fs.writeDirItem(parent.ID, in, ".."); err != nil {
		return nil, Attr{}, err
	}
	attr := fs.getAttrLocked(in)
	if err := fs.writeDirItem(in.ID, parent, name); err != nil {
		return nil, Attr{}, err
	}
	return in, attr, nil
}

// Create makes a new regular file named name inside parent and checks
// mode against the requested access flags.
func (fs *FS) Create(parent *rfsinode.Inode, name string, perm uint16, mode AccessMode, caller Caller) (*rfsinode.Inode, Attr, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	in, err := fs.files.NewInode()
	if err != nil {
		return nil, Attr{}, err
	}
	if err := fs.setNewlyCreated(in, rfsinode.ModeReg|(0o7777&perm), caller); err != nil {
		return nil, Attr{}, err
	}
	attr := fs.getAttrLocked(in)
	if err := fs.writeDirItem(in.ID, parent, name); err != nil {
		return nil, Attr{}, err
	}
	if err := CheckPerm(caller, in, mode); err != nil {
		return nil, Attr{}, err
	}
	return in, attr, nil
}

// DirEntry is one entry yielded by ReadDir.
type DirEntry struct {
	Offset int
	Ino    blockmgr.BlockID
	Name   string
	Kind   uint16
}

// ReadDir walks in's entries starting at offset (in units of EntrySize),
// calling yield for each. ReadDir stops early if yield returns false.
func (fs *FS) ReadDir(in *rfsinode.Inode, offset int, yield func(DirEntry) bool) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if offset < 0 {
		return errno.ErrInvalid
	}
	for {
		item, err := fs.files.ReadFile(in, offset*EntrySize, EntrySize)
		if err != nil {
			return err
		}
		if len(item) == 0 {
			return nil
		}
		id, name := parseEntry(item)
		child, err := fs.files.ReadInode(id)
		if err != nil {
			return err
		}
		if !yield(DirEntry{Offset: offset, Ino: id, Name: name, Kind: child.Kind()}) {
			return nil
		}
		offset++
	}
}

// ReadInode loads (or returns the cached) inode for id, used by the
// bridge to resolve a raw FUSE inode number.
func (fs *FS) ReadInode(id blockmgr.BlockID) (*rfsinode.Inode, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.files.ReadInode(id)
}

// RootInode returns the filesystem root.
func (fs *FS) RootInode() (*rfsinode.Inode, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.files.ReadRootInode()
}

// Forget drops the cached strong reference for id once the bridge
// reports the kernel no longer holds any reference to it.
func (fs *FS) Forget(id blockmgr.BlockID) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.files.Forget(id)
}

// Statfs summarizes block usage. The bridge has no statfs handler, so it
// is not reachable through FUSE.
func (fs *FS) Statfs() Stat {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return Stat{
		BlockSize:  4096,
		TotalBlock: uint64(fs.files.TotalBlockCount()),
		FreeBlocks: uint64(fs.files.FreeBlockCount()),
	}
}
