// Package rfsinode implements the in-memory mirror of a single 4096-byte
// inode block: fixed-offset field accessors, a dirty flag, and the
// direct block table every file's data lives behind.
package rfsinode

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/blockfs/rfs/blockmgr"
)

// Byte offsets and sizes of every field in the 4096-byte inode layout.
// Generation(8) | Length(4) | atime(12) | mtime(12) | ctime(12) |
// mode(2) | nlink(2) | uid(4) | gid(4) | block table (2018 * 2).
const (
	generationOff = 0
	generationLen = 8

	lengthOff = generationOff + generationLen
	lengthLen = 4

	atimeOff = lengthOff + lengthLen
	timeLen  = 12 // int64 seconds + int32 nanoseconds

	mtimeOff = atimeOff + timeLen
	ctimeOff = mtimeOff + timeLen

	modeOff = ctimeOff + timeLen
	modeLen = 2

	nlinkOff = modeOff + modeLen
	nlinkLen = 2

	uidOff = nlinkOff + nlinkLen
	uidLen = 4

	gidOff = uidOff + uidLen
	gidLen = 4

	blockTableOff  = gidOff + gidLen
	blockTableSlot = 2
)

// MaxDirectBlocks is the number of direct block-table slots an inode
// carries, bounding a file at MaxDirectBlocks*blockio.BlockSize bytes
// (roughly 8 MiB). No indirect blocks are supported.
const MaxDirectBlocks = (4096 - blockTableOff) / blockTableSlot

// Mode bits, reusing the vocabulary the wider module's permission checks
// and the bridge's attribute translation both rely on.
const (
	ModeFmt  uint16 = 0xf000
	ModeDir  uint16 = 0x4000
	ModeReg  uint16 = 0x8000
	ModeLink uint16 = 0xa000
	ModePerm uint16 = 0x0fff
)

// Inode is the in-memory mirror of one inode block, shared by every
// strong reference filemgr's open-inode cache hands out. All mutation
// goes through a mutex rather than Rust's single-threaded RefCell,
// since the host bridge dispatches FUSE ops on separate goroutines even
// though namespace.FS serializes the operations that touch this state.
type Inode struct {
	ID   blockmgr.BlockID
	mu   sync.Mutex
	data [4096]byte
	dirty bool
}

// New wraps a block already read from storage for inode id.
func New(id blockmgr.BlockID, raw []byte) *Inode {
	in := &Inode{ID: id}
	copy(in.data[:], raw)
	return in
}

// Blank returns a zeroed inode ready to be populated by a create
// operation; the caller is responsible for setting mode/uid/gid/times
// and flushing it.
func Blank(id blockmgr.BlockID) *Inode {
	return &Inode{ID: id}
}

// Dirty reports whether the inode has unflushed changes.
func (in *Inode) Dirty() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.dirty
}

// Flush persists the inode block if dirty and clears the dirty flag.
// Dropping a dirty inode without flushing it is a programmer error; the
// mutating operations in filemgr and namespace flush before returning,
// and filemgr.FileMgr.Forget does not flush or check the dirty flag.
func (in *Inode) Flush(mgr *blockmgr.Manager) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if !in.dirty {
		return nil
	}
	if err := mgr.WriteBlock(in.ID, in.data[:]); err != nil {
		return err
	}
	in.dirty = false
	return nil
}

func readU64(b []byte) uint64 { return binary.LittleEndian.Uint64(b) }
func readU32(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }
func readU16(b []byte) uint16 { return binary.LittleEndian.Uint16(b) }

func readTime(b []byte) time.Time {
	sec := int64(readU64(b[0:8]))
	nsec := int32(readU32(b[8:12]))
	return time.Unix(sec, int64(nsec)).UTC()
}

func writeTime(b []byte, t time.Time) {
	binary.LittleEndian.PutUint64(b[0:8], uint64(t.Unix()))
	binary.LittleEndian.PutUint32(b[8:12], uint32(t.Nanosecond()))
}

// Generation returns the allocation counter that filemgr.NewInode
// advances, through SetGeneration, each time this block is handed out
// as a new inode.
func (in *Inode) Generation() uint64 {
	in.mu.Lock()
	defer in.mu.Unlock()
	return readU64(in.data[generationOff : generationOff+generationLen])
}

func (in *Inode) SetGeneration(gen uint64) {
	in.mu.Lock()
	defer in.mu.Unlock()
	binary.LittleEndian.PutUint64(in.data[generationOff:generationOff+generationLen], gen)
	in.dirty = true
}

func (in *Inode) Length() uint32 {
	in.mu.Lock()
	defer in.mu.Unlock()
	return readU32(in.data[lengthOff : lengthOff+lengthLen])
}

func (in *Inode) SetLength(length uint32) {
	in.mu.Lock()
	defer in.mu.Unlock()
	binary.LittleEndian.PutUint32(in.data[lengthOff:lengthOff+lengthLen], length)
	in.dirty = true
}

func (in *Inode) Atime() time.Time {
	in.mu.Lock()
	defer in.mu.Unlock()
	return readTime(in.data[atimeOff : atimeOff+timeLen])
}

func (in *Inode) SetAtime(t time.Time) {
	in.mu.Lock()
	defer in.mu.Unlock()
	writeTime(in.data[atimeOff:atimeOff+timeLen], t)
	in.dirty = true
}

func (in *Inode) Mtime() time.Time {
	in.mu.Lock()
	defer in.mu.Unlock()
	return readTime(in.data[mtimeOff : mtimeOff+timeLen])
}

func (in *Inode) SetMtime(t time.Time) {
	in.mu.Lock()
	defer in.mu.Unlock()
	writeTime(in.data[mtimeOff:mtimeOff+timeLen], t)
	in.dirty = true
}

func (in *Inode) Ctime() time.Time {
	in.mu.Lock()
	defer in.mu.Unlock()
	return readTime(in.data[ctimeOff : ctimeOff+timeLen])
}

func (in *Inode) SetCtime(t time.Time) {
	in.mu.Lock()
	defer in.mu.Unlock()
	writeTime(in.data[ctimeOff:ctimeOff+timeLen], t)
	in.dirty = true
}

func (in *Inode) mode() uint16 {
	return readU16(in.data[modeOff : modeOff+modeLen])
}

// Kind returns the ModeDir/ModeReg/ModeLink bits of the mode field, or 0
// if the mode doesn't carry a recognized file type.
func (in *Inode) Kind() uint16 {
	in.mu.Lock()
	defer in.mu.Unlock()
	switch kind := in.mode() & ModeFmt; kind {
	case ModeDir, ModeReg, ModeLink:
		return kind
	default:
		return 0
	}
}

// Perm returns the low 12 permission/setuid/setgid/sticky bits.
func (in *Inode) Perm() uint16 {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.mode() & ModePerm
}

// SetMode sets type and permission bits together.
func (in *Inode) SetMode(mode uint16) {
	in.mu.Lock()
	defer in.mu.Unlock()
	binary.LittleEndian.PutUint16(in.data[modeOff:modeOff+modeLen], mode)
	in.dirty = true
}

func (in *Inode) Nlink() uint16 {
	in.mu.Lock()
	defer in.mu.Unlock()
	return readU16(in.data[nlinkOff : nlinkOff+nlinkLen])
}

func (in *Inode) SetNlink(n uint16) {
	in.mu.Lock()
	defer in.mu.Unlock()
	binary.LittleEndian.PutUint16(in.data[nlinkOff:nlinkOff+nlinkLen], n)
	in.dirty = true
}

func (in *Inode) Uid() uint32 {
	in.mu.Lock()
	defer in.mu.Unlock()
	return readU32(in.data[uidOff : uidOff+uidLen])
}

func (in *Inode) SetUid(uid uint32) {
	in.mu.Lock()
	defer in.mu.Unlock()
	binary.LittleEndian.PutUint32(in.data[uidOff:uidOff+uidLen], uid)
	in.dirty = true
}

func (in *Inode) Gid() uint32 {
	in.mu.Lock()
	defer in.mu.Unlock()
	return readU32(in.data[gidOff : gidOff+gidLen])
}

func (in *Inode) SetGid(gid uint32) {
	in.mu.Lock()
	defer in.mu.Unlock()
	binary.LittleEndian.PutUint32(in.data[gidOff:gidOff+gidLen], gid)
	in.dirty = true
}

func slotOffset(index int) int {
	return blockTableOff + index*blockTableSlot
}

// DataBlock returns the external block id stored at table slot index, or
// 0 (no block / sparse hole) if it was never allocated.
func (in *Inode) DataBlock(index int) blockmgr.BlockID {
	in.mu.Lock()
	defer in.mu.Unlock()
	off := slotOffset(index)
	return blockmgr.BlockID(readU16(in.data[off : off+blockTableSlot]))
}

// SetDataBlock stores a block id in table slot index. The caller must
// flush the inode afterward.
func (in *Inode) SetDataBlock(index int, id blockmgr.BlockID) {
	in.mu.Lock()
	defer in.mu.Unlock()
	off := slotOffset(index)
	binary.LittleEndian.PutUint16(in.data[off:off+blockTableSlot], uint16(id))
	in.dirty = true
}
