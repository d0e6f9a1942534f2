// SPDX-License-Identifier: Apache-2.0

package dlm

import (
	"container/list"
	"sync"

	"github.com/latticefs/dlmclient/wire"
)

// Resource holds the granted and waiting lists for one named resource.
// Lookup and creation of Resources by name is delegated to a
// ResourceIndex (spec.md §1: the namespace/resource hash table is an
// external collaborator); Resource itself only owns the two lists a
// lock's flags/mode determine membership in.
type Resource struct {
	mu sync.Mutex

	namespace *Namespace
	ID        wire.ResourceID

	granted *list.List
	waiting *list.List
}

func newResource(ns *Namespace, id wire.ResourceID) *Resource {
	return &Resource{
		namespace: ns,
		ID:        id,
		granted:   list.New(),
		waiting:   list.New(),
	}
}

// NewResource is newResource exported for use by a ResourceIndex
// implementation outside this package (spec.md §1, §9): the index owns
// lookup and creation, but Resource itself is defined here.
func NewResource(ns *Namespace, id wire.ResourceID) *Resource {
	return newResource(ns, id)
}

// ResourceIndex is the external namespace/resource hash table interface
// (spec.md §1, §9). package reshash supplies a cityhash+sortedmap backed
// reference implementation; the engine never reaches into a hash bucket
// directly.
type ResourceIndex interface {
	// LookupOrCreate returns the Resource for id, creating it (empty
	// granted/waiting lists) if this is the first lock to reference it.
	LookupOrCreate(ns *Namespace, id wire.ResourceID) *Resource

	// Lookup returns the Resource for id if one already exists.
	Lookup(id wire.ResourceID) (*Resource, bool)

	// Range calls fn for every resource currently indexed, in the
	// index's own deterministic order (used by replay's disciplined
	// walk, spec.md §4.4).
	Range(fn func(*Resource) bool)

	// Forget removes id from the index once its last lock is gone.
	Forget(id wire.ResourceID)
}

// putOnGrantedLocked moves l onto res.granted. Caller holds res.mu and
// l.mu (double lock). Unlinks l from res.waiting first, so it is on only
// one of the two resource lists (I1); it does not set or check
// GrantedMode, which the caller is responsible for.
func (res *Resource) putOnGrantedLocked(l *Lock) {
	res.removeFromCurrentLocked(l)
	l.listElement = res.granted.PushBack(l)
	l.membership = MembershipGranted
}

func (res *Resource) putOnWaitingLocked(l *Lock) {
	res.removeFromCurrentLocked(l)
	l.listElement = res.waiting.PushBack(l)
	l.membership = MembershipWaiting
}

// removeFromCurrentLocked unlinks l from whichever of res.granted/
// res.waiting it is on, if any. It does not touch unused_lru/bl_ast/
// pending_chain membership, which are namespace-owned lists.
func (res *Resource) removeFromCurrentLocked(l *Lock) {
	if l.listElement == nil {
		return
	}
	switch l.membership {
	case MembershipGranted:
		res.granted.Remove(l.listElement)
	case MembershipWaiting:
		res.waiting.Remove(l.listElement)
	default:
		return
	}
	l.listElement = nil
	l.membership = MembershipNone
}

// unlinkLocked removes l from the resource entirely, used at cancel/
// destroy time (spec.md §4.2's cancel_local: "Unlink the lock from
// resource lists").
func (res *Resource) unlinkLocked(l *Lock) {
	res.removeFromCurrentLocked(l)
}

// isEmptyLocked reports whether the resource has no granted or waiting
// locks left, at which point the ResourceIndex may Forget it.
func (res *Resource) isEmptyLocked() bool {
	return res.granted.Len() == 0 && res.waiting.Len() == 0
}
