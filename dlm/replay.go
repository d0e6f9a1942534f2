// SPDX-License-Identifier: Apache-2.0

package dlm

import (
	"context"

	"github.com/google/btree"

	"github.com/latticefs/dlmclient/wire"
)

// replayItem orders one collected lock by (resourceName, handle) for the
// disciplined walk spec.md §4.4 requires, using google/btree rather than
// sorting the plain granted/waiting/unused_lru lists themselves (those
// stay in their own eviction-relevant order).
type replayItem struct {
	lock *Lock
}

func (a replayItem) Less(than btree.Item) bool {
	b := than.(replayItem)
	ar, br := a.lock.Resource.ID, b.lock.Resource.ID
	if ar.ResourceType != br.ResourceType {
		return ar.ResourceType < br.ResourceType
	}
	for i := range ar.Name {
		if ar.Name[i] != br.Name[i] {
			return ar.Name[i] < br.Name[i]
		}
	}
	return a.lock.Handle.Cookie < b.lock.Handle.Cookie
}

// RunReplay implements spec.md §4.4's replay engine, invoked once after
// reconnection before the import resumes normal traffic.
func (ns *Namespace) RunReplay(ctx context.Context, gw Gateway, conn Import) error {
	if !ns.replay.Begin() {
		return wrapErr(nil, KindProtocolMismatch, wire.StatusInval, wire.Handle{}, "replay already in flight")
	}
	defer ns.replay.End()

	if conn.RecoveryDecided() {
		return nil
	}

	if ns.config.CancelUnusedLocksBeforeReplay {
		ns.drainLRULocal(ctx, gw, conn)
	}

	tree := btree.New(32)
	ns.resources.Range(func(res *Resource) bool {
		res.mu.Lock()
		for e := res.granted.Front(); e != nil; e = e.Next() {
			lock := e.Value.(*Lock)
			lock.mu.Lock()
			qualifies := lock.Flags&(wire.FlagFailed|wire.FlagBLDone) == 0
			lock.mu.Unlock()
			if qualifies {
				tree.ReplaceOrInsert(replayItem{lock: lock})
			}
		}
		for e := res.waiting.Front(); e != nil; e = e.Next() {
			lock := e.Value.(*Lock)
			lock.mu.Lock()
			qualifies := lock.Flags&(wire.FlagFailed|wire.FlagBLDone) == 0
			lock.mu.Unlock()
			if qualifies {
				tree.ReplaceOrInsert(replayItem{lock: lock})
			}
		}
		res.mu.Unlock()
		return true
	})

	tree.Ascend(func(item btree.Item) bool {
		lock := item.(replayItem).lock
		ns.replayOne(ctx, gw, conn, lock)
		return true
	})

	return nil
}

// drainLRULocal implements spec.md §4.4 step 3: drain the LRU using
// policy NO_WAIT with flags.LOCAL. No RPCs are sent, so this cannot
// deadlock against recovery.
func (ns *Namespace) drainLRULocal(ctx context.Context, gw Gateway, conn Import) {
	var batch []*Lock
	prepareLRUList(ns, &batch, ns.NrUnused(), 0, PolicyFlagNoWait, conn)
	for _, l := range batch {
		ns.finishCanceled(l)
	}
}

// replayOne implements spec.md §4.4's replay_one.
func (ns *Namespace) replayOne(ctx context.Context, gw Gateway, conn Import, lock *Lock) {
	lock.mu.Lock()
	blDone := lock.Flags&wire.FlagBLDone != 0
	cancelOnBlock := lock.Flags&wire.FlagCancelOnBlock != 0
	lock.mu.Unlock()

	if blDone {
		return
	}

	if cancelOnBlock {
		_, _ = cancelLocal(lock)
		ns.finishCanceled(lock)
		return
	}

	lock.mu.Lock()
	granted := lock.GrantedMode
	reqMode := lock.ReqMode
	membership := lock.membership
	policy := lock.PolicyData
	lockType := lock.Type
	resID := lock.Resource.ID
	handle := lock.Handle
	lock.mu.Unlock()

	var replayFlags wire.Flags
	switch {
	case granted != wire.ModeNone && granted == reqMode:
		replayFlags = wire.FlagReplay | wire.FlagBlockGranted
	case granted != wire.ModeNone && granted != reqMode:
		replayFlags = wire.FlagReplay | wire.FlagBlockConv
	case membership == MembershipWaiting:
		replayFlags = wire.FlagReplay | wire.FlagBlockWait
	default:
		replayFlags = wire.FlagReplay
	}

	opts := EnqueueOptions{
		Resource:       resID,
		Type:           lockType,
		ReqMode:        reqMode,
		Policy:         policy,
		Flags:          replayFlags,
		Conn:           conn,
		Async:          true,
		ExistingHandle: handle,
	}

	// Enqueue's async path (opts.Async=true) drives replay_interpret
	// itself: re-hashing the lock under the returned remote handle
	// happens in enqueueFini step 4, and advancing recovery state /
	// requesting reconnection on error happens in the async callback
	// installed by Enqueue (enqueue.go).
	_, _ = ns.Enqueue(ctx, gw, opts)
}
