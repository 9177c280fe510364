// Package blockmgr implements the block allocator: a superblock magic
// check, a 4096-byte free-block bitmap persisted write-through to block 1
// of the underlying device, and the external id <-> device block mapping
// every higher layer uses.
package blockmgr

import (
	"github.com/boljen/go-bitmap"

	"github.com/blockfs/rfs/blockio"
	"github.com/blockfs/rfs/errno"
)

// magic identifies a formatted device; written to the first four bytes of
// block 0.
var magic = [4]byte{114, 102, 115, 46} // "rfs."

// BlockID is an external, 1-based block identifier as handed out by
// NewBlock and stored in inode block tables and directory metadata. 0 is
// never issued; callers use it as a "no block" sentinel.
type BlockID uint16

// maxBlocks is the number of bits the 4096-byte bitmap block carries:
// 4096 * 8 = 32768. Only ids in [1, maxBlocks] are ever issued.
const maxBlocks = blockio.BlockSize * 8

// Manager owns the free-block bitmap and translates between the external
// ids callers use and the underlying device's block addressing.
type Manager struct {
	dev    blockio.Device
	bitmap bitmap.Bitmap // bit i tracks external id i+1
}

// New wraps dev without touching it; call Init before any other method.
func New(dev blockio.Device) *Manager {
	return &Manager{dev: dev}
}

// IsFormatted reports whether the device's superblock carries the magic
// bytes this module writes during Format.
func (m *Manager) IsFormatted() (bool, error) {
	super, err := m.dev.ReadBlock(0)
	if err != nil {
		return false, err
	}
	return len(super) >= 4 &&
		super[0] == magic[0] && super[1] == magic[1] &&
		super[2] == magic[2] && super[3] == magic[3], nil
}

// Format writes a fresh superblock and a zeroed bitmap block, discarding
// any existing allocation state.
func (m *Manager) Format() error {
	super := make([]byte, blockio.BlockSize)
	copy(super[0:4], magic[:])
	if err := m.dev.WriteBlock(0, super); err != nil {
		return err
	}
	return m.dev.WriteBlock(1, make([]byte, blockio.BlockSize))
}

// Init loads the bitmap mirror from block 1, formatting the device first
// if needFormat is set.
func (m *Manager) Init(needFormat bool) error {
	if needFormat {
		if err := m.Format(); err != nil {
			return err
		}
	}
	raw, err := m.dev.ReadBlock(1)
	if err != nil {
		return err
	}
	m.bitmap = bitmap.Bitmap(raw)
	return nil
}

func (m *Manager) persistBitmap() error {
	return m.dev.WriteBlock(1, m.bitmap.Data(false))
}

// NewBlock allocates and returns the lowest-numbered free external block
// id, marking it used in the bitmap and persisting the bitmap block.
func (m *Manager) NewBlock() (BlockID, error) {
	for i := 0; i < maxBlocks; i++ {
		if !m.bitmap.Get(i) {
			m.bitmap.Set(i, true)
			if err := m.persistBitmap(); err != nil {
				return 0, err
			}
			return BlockID(i + 1), nil
		}
	}
	return 0, errno.ErrNoSpace
}

// DelBlock frees a previously allocated block, persisting the bitmap.
// Freeing a block that is not currently allocated is a programmer error
// and panics, matching the assertion the on-disk layer relies on.
func (m *Manager) DelBlock(id BlockID) error {
	idx := int(id) - 1
	if idx < 0 || idx >= maxBlocks || !m.bitmap.Get(idx) {
		panic("blockmgr: freeing a block that is not allocated")
	}
	m.bitmap.Set(idx, false)
	return m.persistBitmap()
}

// ReadBlock reads the data stored at an allocated external block id.
func (m *Manager) ReadBlock(id BlockID) ([]byte, error) {
	idx := int(id) - 1
	if idx < 0 || idx >= maxBlocks || !m.bitmap.Get(idx) {
		panic("blockmgr: reading a block that is not allocated")
	}
	return m.dev.ReadBlock(blockio.BlockID(idx + 2))
}

// WriteBlock writes data to an allocated external block id.
func (m *Manager) WriteBlock(id BlockID, data []byte) error {
	idx := int(id) - 1
	if idx < 0 || idx >= maxBlocks || !m.bitmap.Get(idx) {
		panic("blockmgr: writing a block that is not allocated")
	}
	return m.dev.WriteBlock(blockio.BlockID(idx+2), data)
}

// FreeCount returns how many of the maxBlocks addressable blocks are
// currently unallocated, used (through filemgr) by namespace.FS.Statfs.
func (m *Manager) FreeCount() int {
	free := 0
	for i := 0; i < maxBlocks; i++ {
		if !m.bitmap.Get(i) {
			free++
		}
	}
	return free
}

// TotalBlocks is the number of external ids this bitmap can address.
func (m *Manager) TotalBlocks() int { return maxBlocks }

// IsAllocated reports whether id is currently marked used, for diag's
// consistency walk.
func (m *Manager) IsAllocated(id BlockID) bool {
	idx := int(id) - 1
	if idx < 0 || idx >= maxBlocks {
		return false
	}
	return m.bitmap.Get(idx)
}
