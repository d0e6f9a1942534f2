// SPDX-License-Identifier: Apache-2.0

package dlm

import (
	"sync"

	"github.com/latticefs/dlmclient/wire"
)

// handleTable translates a local handle (or a server-issued remote
// handle) to its live Lock, mirroring the teacher's plain
// map[uint64]*inodeStruct global table (imgr/imgrpkg's inodeLeaseMap /
// mountMap idiom) rather than a full generation-checked handle
// allocator. Spec.md §1/§2 calls the handle store an external,
// refcounted collaborator; this is its reference implementation, held
// per-Namespace.
type handleTable struct {
	mu       sync.RWMutex
	byLocal  map[wire.Handle]*Lock
	byRemote map[wire.RemoteHandle]*Lock
}

func newHandleTable() *handleTable {
	return &handleTable{
		byLocal:  make(map[wire.Handle]*Lock),
		byRemote: make(map[wire.RemoteHandle]*Lock),
	}
}

func (t *handleTable) insert(l *Lock) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byLocal[l.Handle] = l
}

func (t *handleTable) lookup(h wire.Handle) (*Lock, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	l, ok := t.byLocal[h]
	return l, ok
}

func (t *handleTable) lookupRemote(rh wire.RemoteHandle) (*Lock, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	l, ok := t.byRemote[rh]
	return l, ok
}

// rehash installs newRemote as l's key in the by-remote index, atomically
// with respect to lookupRemote (spec.md §4.1 enqueue_fini step 4: "if an
// export-level lock hash exists, re-hash the lock object under the new
// key atomically"; spec.md §8's round-trip law).
func (t *handleTable) rehash(l *Lock, newRemote wire.RemoteHandle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if l.RemoteHandle != (wire.RemoteHandle{}) {
		delete(t.byRemote, l.RemoteHandle)
	}
	l.RemoteHandle = newRemote
	t.byRemote[newRemote] = l
}

func (t *handleTable) remove(l *Lock) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byLocal, l.Handle)
	if l.RemoteHandle != (wire.RemoteHandle{}) {
		delete(t.byRemote, l.RemoteHandle)
	}
}
