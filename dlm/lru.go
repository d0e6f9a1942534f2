// SPDX-License-Identifier: Apache-2.0

package dlm

import (
	"context"

	"github.com/latticefs/dlmclient/wire"
)

// prepareLRUList is the heart of eviction (spec.md §4.3): scan
// unused_lru front-to-back, ask the selected policy about each
// candidate, and move CANCEL decisions into out. Returns the number of
// locks added.
func prepareLRUList(ns *Namespace, out *[]*Lock, target, max int, policyFlags PolicyFlags, conn Import) int {
	ns.mu.Lock()

	if conn == nil || !conn.LRUResizeCapable() {
		if over := ns.nrUnused - ns.maxUnused; over > 0 {
			target += over
		}
	}

	policy := selectPolicy(conn, policyFlags)
	now := ns.coarseNow()

	added := 0
	elem := ns.unusedLRU.Front()

scan:
	for elem != nil {
		next := elem.Next()
		lock := elem.Value.(*Lock)

		lock.mu.Lock()
		skip := lock.Flags&wire.FlagSkipped != 0 && policyFlags&PolicyFlagNoWait != 0
		tooFresh := lock.LastUsed.Equal(now)
		canceling := lock.Flags&wire.FlagCanceling != 0
		lastUsedAtDecision := lock.LastUsed
		lock.mu.Unlock()

		if skip || tooFresh || canceling {
			elem = next
			continue
		}

		unused := ns.nrUnused
		ns.mu.Unlock()

		decision := policy(ns, lock, unused, added, target)

		switch decision {
		case Keep:
			ns.mu.Lock()
			break scan
		case Skip:
			ns.mu.Lock()
			ns.metrics.lruSkipped.Inc()
			elem = next
			continue
		case Cancel:
			res := lock.Resource
			res.mu.Lock()
			lock.mu.Lock()

			stillValid := lock.membership == MembershipUnusedLRU && lock.LastUsed.Equal(lastUsedAtDecision) && lock.Flags&wire.FlagCanceling == 0

			if stillValid {
				lock.Flags &^= wire.FlagCancelOnBlock
				lock.Flags |= wire.FlagCBPending | wire.FlagCanceling
				lock.state = StateCanceling
				lock.membership = MembershipBLAst
			}

			lock.mu.Unlock()
			res.mu.Unlock()

			ns.mu.Lock()
			if stillValid {
				ns.unusedLRU.Remove(elem)
				ns.nrUnused--
				*out = append(*out, lock)
				added++
				ns.metrics.lruEvicted.Inc()
			}
			elem = next
			if max > 0 && added == max {
				break scan
			}
		}
	}

	ns.mu.Unlock()
	return added
}

// cancelLRU implements spec.md §4.3's cancel_lru: prepare the eviction
// list, then either dispatch inline or hand it to a background worker.
func (ns *Namespace) cancelLRU(ctx context.Context, gw Gateway, conn Import, nr int, cancelFlags CancelFlags, policyFlags PolicyFlags) (int, error) {
	var batch []*Lock
	added := prepareLRUList(ns, &batch, nr, nr, policyFlags, conn)
	if added == 0 {
		return 0, nil
	}

	dispatch := func() error {
		err := ns.sendCancelBatch(ctx, gw, batch, cancelFlags)
		for _, l := range batch {
			ns.finishCanceled(l)
		}
		return err
	}

	if cancelFlags&CancelFlagAsync != 0 {
		go func() { _ = dispatch() }()
		return added, nil
	}

	return added, dispatch()
}

// updatePool implements spec.md §4.3's update_pool: a zero slv or limit
// means "unsupported/unknown" and must leave the namespace pool alone
// (invariant I7).
func (ns *Namespace) updatePool(reply *wire.EnqueueReply) {
	if reply.SLV == 0 || reply.Limit == 0 {
		return
	}
	ns.poolMu.Lock()
	ns.slv = reply.SLV
	ns.lvf = uint64(reply.Limit)
	ns.poolMu.Unlock()
}
