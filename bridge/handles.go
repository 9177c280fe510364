package bridge

import (
	"sync"

	"github.com/jacobsa/fuse/fuseops"

	"github.com/blockfs/rfs/blockmgr"
)

// handleTable hands out fuseops.HandleID values for open files and
// directories. The original implementation stashed a raw Rc<Inode>
// pointer in the kernel's file handle field and recovered it with an
// unsafe cast on release; Go has no equivalent escape hatch (and
// shouldn't want one under a garbage collector), so this keeps a real
// map instead and is the one part of the bridge with no teacher
// precedent to lean on.
type handleTable struct {
	mu   sync.Mutex
	next fuseops.HandleID
	open map[fuseops.HandleID]blockmgr.BlockID
}

func newHandleTable() *handleTable {
	return &handleTable{open: make(map[fuseops.HandleID]blockmgr.BlockID)}
}

func (t *handleTable) acquire(inode blockmgr.BlockID) fuseops.HandleID {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	h := t.next
	t.open[h] = inode
	return h
}

func (t *handleTable) lookup(h fuseops.HandleID) (blockmgr.BlockID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.open[h]
	return id, ok
}

func (t *handleTable) release(h fuseops.HandleID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.open, h)
}
