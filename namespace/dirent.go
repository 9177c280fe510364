package namespace

import (
	"encoding/binary"

	"github.com/blockfs/rfs/blockmgr"
	"github.com/blockfs/rfs/errno"
)

// EntrySize is the fixed size of one directory entry record: a 2-byte
// little-endian inode id, a 1-byte name length, and a 61-byte name
// field, following the teacher's fixed-record dirent layout
// (drivers/unixv1/dirents.go) generalized to this module's wider names.
const EntrySize = 64

const (
	entryInodeSize   = 2
	entryNameLenSize = 1
	entryNameSize    = EntrySize - entryInodeSize - entryNameLenSize
	// MaxNameLen is the longest name a directory entry can hold.
	MaxNameLen = entryNameSize - 1
)

func parseEntry(item []byte) (blockmgr.BlockID, string) {
	ino := blockmgr.BlockID(binary.LittleEndian.Uint16(item[:entryInodeSize]))
	nameLen := int(item[entryInodeSize])
	name := string(item[entryInodeSize+entryNameLenSize : entryInodeSize+entryNameLenSize+nameLen])
	return ino, name
}

func assembleEntry(id blockmgr.BlockID, name string) ([EntrySize]byte, error) {
	var out [EntrySize]byte
	nameBytes := []byte(name)
	if len(nameBytes) > MaxNameLen {
		return out, errno.ErrNameTooLong
	}
	binary.LittleEndian.PutUint16(out[:entryInodeSize], uint16(id))
	out[entryInodeSize] = byte(len(nameBytes))
	copy(out[entryInodeSize+entryNameLenSize:], nameBytes)
	return out, nil
}
