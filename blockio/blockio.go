// Package blockio implements the lowest layer of the filesystem: reading
// and writing fixed-size blocks to a backing store, either an in-memory
// buffer or a directory of per-block files on the host filesystem.
package blockio

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/xaionaro-go/bytesextra"

	"github.com/blockfs/rfs/errno"
)

// BlockID identifies a block on the device. The filesystem never stores
// more than 2^16 blocks, so 16 bits is enough everywhere it crosses an
// on-disk boundary; within this package it is widened to avoid constant
// casts against TotalBlocks.
type BlockID uint32

// BlockSize is the fixed size, in bytes, of every block on the device.
const BlockSize = 4096

// Device is the block-level storage contract the rest of the module is
// built on. Implementations never interpret block contents.
type Device interface {
	// ReadBlock returns a copy of the BlockSize bytes stored at id. Reading
	// a block that was never written returns all zeroes.
	ReadBlock(id BlockID) ([]byte, error)
	// WriteBlock stores exactly BlockSize bytes at id, growing the device
	// if necessary.
	WriteBlock(id BlockID, data []byte) error
	// TotalBlocks reports how many blocks the device currently holds.
	TotalBlocks() uint32
}

// Stats counts operations performed against a Device, independent of the
// backing implementation. Nothing in the hot read/write path depends on
// them, and no other package in this module reads them.
type Stats struct {
	Reads, Writes      uint64
	BytesRead, BytesWritten uint64
}

func (s *Stats) recordRead(n int)  { s.Reads++; s.BytesRead += uint64(n) }
func (s *Stats) recordWrite(n int) { s.Writes++; s.BytesWritten += uint64(n) }

func checkBlock(data []byte) error {
	if len(data) != BlockSize {
		return errno.Newf(errno.ErrInvalid.ErrnoCode, "block payload must be %d bytes, got %d", BlockSize, len(data))
	}
	return nil
}

// MemDevice is a growable in-memory block store. Each block is backed by
// its own fixed-size buffer wrapped with bytesextra.NewReadWriteSeeker so
// reads and writes go through the same io.ReadWriteSeeker contract a
// file-backed stream would expose, rather than a bare slice copy.
type MemDevice struct {
	blocks [][]byte
	Stats  Stats
}

// NewMemDevice creates an empty in-memory device.
func NewMemDevice() *MemDevice {
	return &MemDevice{}
}

func (d *MemDevice) TotalBlocks() uint32 { return uint32(len(d.blocks)) }

func (d *MemDevice) ensure(id BlockID) {
	for uint32(len(d.blocks)) <= uint32(id) {
		d.blocks = append(d.blocks, make([]byte, BlockSize))
	}
}

func (d *MemDevice) ReadBlock(id BlockID) ([]byte, error) {
	d.ensure(id)
	stream := bytesextra.NewReadWriteSeeker(d.blocks[id])
	out := make([]byte, BlockSize)
	n, err := io.ReadFull(stream, out)
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, err
	}
	d.Stats.recordRead(n)
	return out, nil
}

func (d *MemDevice) WriteBlock(id BlockID, data []byte) error {
	if err := checkBlock(data); err != nil {
		return err
	}
	d.ensure(id)
	stream := bytesextra.NewReadWriteSeeker(d.blocks[id])
	n, err := stream.Write(data)
	if err != nil {
		return err
	}
	d.Stats.recordWrite(n)
	return nil
}

// FileDevice backs each block with its own file inside a directory,
// named blk-<id>. A block that has never been written reads as all
// zeroes, matching the original Rust FileBlockIO's sparse semantics.
type FileDevice struct {
	dir    string
	total  uint32
	Stats  Stats
}

// NewFileDevice opens (creating if necessary) a directory of per-block
// files. total is the device's fixed block count.
func NewFileDevice(dir string, total uint32) (*FileDevice, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileDevice{dir: dir, total: total}, nil
}

func (d *FileDevice) TotalBlocks() uint32 { return d.total }

func (d *FileDevice) blockPath(id BlockID) string {
	return filepath.Join(d.dir, fmt.Sprintf("blk-%d", id))
}

func (d *FileDevice) ReadBlock(id BlockID) ([]byte, error) {
	out := make([]byte, BlockSize)
	f, err := os.Open(d.blockPath(id))
	if os.IsNotExist(err) {
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	n, err := io.ReadFull(f, out)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, err
	}
	d.Stats.recordRead(n)
	return out, nil
}

func (d *FileDevice) WriteBlock(id BlockID, data []byte) error {
	if err := checkBlock(data); err != nil {
		return err
	}
	f, err := os.OpenFile(d.blockPath(id), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	n, err := f.Write(data)
	if err != nil {
		return err
	}
	d.Stats.recordWrite(n)
	return nil
}
