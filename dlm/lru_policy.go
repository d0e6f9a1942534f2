// SPDX-License-Identifier: Apache-2.0

package dlm

import (
	"time"

	"github.com/latticefs/dlmclient/wire"
)

// PolicyDecision is what an LRU policy function returns for one
// candidate lock (spec.md §4.3).
type PolicyDecision uint8

const (
	Keep PolicyDecision = iota
	Cancel
	Skip
)

// Policy is P(ns, lock, unused, added_so_far, target) from spec.md §4.3.
type Policy func(ns *Namespace, lock *Lock, unused, addedSoFar, target int) PolicyDecision

// PolicyFlags selects which named policy cancel_lru_policy should pick,
// mirroring the flag names in spec.md §4.3's selection-rule table.
type PolicyFlags uint8

const (
	PolicyFlagNone PolicyFlags = 0
	PolicyFlagShrink PolicyFlags = 1 << iota
	PolicyFlagLRUR
	PolicyFlagPassed
	PolicyFlagLRURNoWait
	PolicyFlagAged
	PolicyFlagNoWait
)

// DefaultPolicy ("default"/"passed"): keep once the target is met,
// cancel everything scanned before that.
func DefaultPolicy(ns *Namespace, lock *Lock, unused, addedSoFar, target int) PolicyDecision {
	if addedSoFar >= target {
		return Keep
	}
	return Cancel
}

// AgedPolicy keeps once the target is met AND the lock is younger than
// max_age; a lock older than max_age is cancelled regardless of target.
func AgedPolicy(ns *Namespace, lock *Lock, unused, addedSoFar, target int) PolicyDecision {
	lock.mu.Lock()
	age := ns.coarseNow().Sub(lock.LastUsed)
	lock.mu.Unlock()

	if addedSoFar >= target && age < ns.maxAge {
		return Keep
	}
	return Cancel
}

// LRUResizePolicy implements "lru_resize" (LRUR): keeps a lock if the
// target is already met, the server's SLV is not yet known, or the
// lock's contribution to the pool's weight (lvf * age * unused) is still
// under the SLV; otherwise cancels if the lock has aged past max_age or
// its weight alone exceeds the SLV.
func LRUResizePolicy(ns *Namespace, lock *Lock, unused, addedSoFar, target int) PolicyDecision {
	slv, lvf := ns.Pool()

	lock.mu.Lock()
	age := ns.coarseNow().Sub(lock.LastUsed)
	lock.mu.Unlock()

	if slv == 0 {
		return Keep
	}

	weight := lvf * uint64(age/time.Second) * uint64(unused)

	if addedSoFar >= target || weight < slv {
		return Keep
	}
	if age > ns.maxAge || weight > slv {
		return Cancel
	}
	return Keep
}

// NoWaitPolicy ("no_wait"): cancel if the resource type allows a
// non-blocking cancel; otherwise mark the lock SKIPPED so a later pass
// can retry it (spec.md §4.3).
func NoWaitPolicy(ns *Namespace, lock *Lock, unused, addedSoFar, target int) PolicyDecision {
	lock.mu.Lock()
	allowed := lock.Type != wire.TypeFlock
	lock.mu.Unlock()

	if allowed {
		return Cancel
	}
	lock.mu.Lock()
	lock.Flags |= wire.FlagSkipped
	lock.mu.Unlock()
	return Skip
}

// LRURNoWaitPolicy ("lrur_no_wait"): defer to LRUResizePolicy's KEEP
// decisions, otherwise fall back to NoWaitPolicy.
func LRURNoWaitPolicy(ns *Namespace, lock *Lock, unused, addedSoFar, target int) PolicyDecision {
	if d := LRUResizePolicy(ns, lock, unused, addedSoFar, target); d == Keep {
		return Keep
	}
	return NoWaitPolicy(ns, lock, unused, addedSoFar, target)
}

// ShrinkPolicy ("shrink") behaves exactly like DefaultPolicy per
// spec.md §4.3's table; kept as a distinct name so callers can select
// it explicitly via PolicyFlagShrink.
func ShrinkPolicy(ns *Namespace, lock *Lock, unused, addedSoFar, target int) PolicyDecision {
	return DefaultPolicy(ns, lock, unused, addedSoFar, target)
}

// selectPolicy implements cancel_lru_policy's selection rule (spec.md
// §4.3): NO_WAIT always wins; otherwise, on an LRU-resize-capable
// connection pick the first matching flag in order SHRINK, LRUR,
// PASSED, LRUR_NO_WAIT; else AGED if set; else default.
func selectPolicy(conn Import, flags PolicyFlags) Policy {
	if flags&PolicyFlagNoWait != 0 {
		return NoWaitPolicy
	}

	if conn != nil && conn.LRUResizeCapable() {
		switch {
		case flags&PolicyFlagShrink != 0:
			return ShrinkPolicy
		case flags&PolicyFlagLRUR != 0:
			return LRUResizePolicy
		case flags&PolicyFlagPassed != 0:
			return DefaultPolicy
		case flags&PolicyFlagLRURNoWait != 0:
			return LRURNoWaitPolicy
		}
	}

	if flags&PolicyFlagAged != 0 {
		return AgedPolicy
	}

	return DefaultPolicy
}
