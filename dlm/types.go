// SPDX-License-Identifier: Apache-2.0

// Package dlm implements the client-side request engine of a distributed
// lock manager: enqueue/completion, cancel, LRU eviction, and post-
// reconnect replay for locks a client caches against a remote server.
//
// The namespace/resource hash table, the lock-object allocator, the RPC
// transport, the import (connection) state machine, and LVB wire encoding
// are treated as external collaborators reached only through the
// interfaces in this package (ResourceIndex, Gateway, Import) — see
// SPEC_FULL.md's "DOMAIN STACK" for where each concrete implementation
// lives.
package dlm

import (
	"github.com/latticefs/dlmclient/wire"
)

// ListMembership names which of the five mutually-exclusive lists a lock
// currently belongs to (spec.md §3's invariant that these are "never
// reused simultaneously for different purposes", and design note in §9
// preferring a tagged enum to intrusive list pointers so the invariant is
// checkable rather than merely conventional).
type ListMembership uint8

const (
	MembershipNone ListMembership = iota
	MembershipGranted
	MembershipWaiting
	MembershipUnusedLRU
	MembershipBLAst
	MembershipPendingChain
)

func (m ListMembership) String() string {
	switch m {
	case MembershipNone:
		return "none"
	case MembershipGranted:
		return "granted"
	case MembershipWaiting:
		return "waiting"
	case MembershipUnusedLRU:
		return "unused_lru"
	case MembershipBLAst:
		return "bl_ast"
	case MembershipPendingChain:
		return "pending_chain"
	default:
		return "unknown"
	}
}

// LockState is the coarse client-visible state machine from spec.md §4.1:
//
//	CREATED -> ENQUEUED_PENDING -> {GRANTED, ABORTED} -> {ACTIVE | CANCELING -> CANCELED} -> DESTROYED
type LockState uint8

const (
	StateCreated LockState = iota
	StateEnqueuedPending
	StateGranted
	StateAborted
	StateActive
	StateCanceling
	StateCanceled
	StateFailed
	StateDestroyed
)

// CompletionAST is the completion callback: invoked when a lock is
// granted, or (with a bit in flags) when the caller must park until it
// is. See completion.go for the sync/async variants installed by
// EnqueueOptions.Async.
type CompletionAST func(lock *Lock, flags wire.Flags, data interface{}) wire.Status

// BlockingAST is the blocking callback: invoked when a conflicting
// request arrives at the server and this lock must yield or be
// cancelled.
type BlockingAST func(lock *Lock, flags wire.Flags)

// GlimpseAST is the glimpse callback: invoked when the server wants this
// resource's value block without revoking the lock.
type GlimpseAST func(lock *Lock) (lvb []byte, err error)

// Callbacks is the capability set bound to a lock at creation time
// (spec.md §9: "Callbacks as a capability set ... not inheritance").
type Callbacks struct {
	Completion CompletionAST
	Blocking   BlockingAST
	Glimpse    GlimpseAST
}

