// SPDX-License-Identifier: Apache-2.0

package dlm

import (
	"context"
	"sync/atomic"

	"github.com/latticefs/dlmclient/wire"
)

// EnqueueOptions is the input to Enqueue (spec.md §4.1's enqueue contract).
type EnqueueOptions struct {
	Resource wire.ResourceID
	Type     wire.LockType
	ReqMode  wire.Mode
	Policy   wire.PolicyData
	Flags    wire.Flags
	Callbacks Callbacks
	Conn     Import

	LVBLen uint32
	Async  bool

	// ExistingHandle is required when Flags.REPLAY is set: the handle
	// must already exist in the namespace's handle table.
	ExistingHandle wire.Handle
}

// EnqueueResult is what Enqueue hands back on success.
type EnqueueResult struct {
	Lock          *Lock
	Handle        wire.Handle
	EffectiveFlags wire.Flags
	LVB           []byte
	Status        wire.Status
}

var nextHandleCookie uint64

func allocateHandle() wire.Handle {
	return wire.Handle{Cookie: atomic.AddUint64(&nextHandleCookie, 1), Generation: 1}
}

// isReadMode reports whether mode belongs to the read family (PR/CR),
// which take a reader refcount rather than a writer one.
func isReadMode(mode wire.Mode) bool {
	return mode == wire.ModePR || mode == wire.ModeCR
}

// Enqueue issues a lock request and, for the synchronous case, drives it
// to completion (spec.md §4.1's enqueue contract, steps 1-4).
func (ns *Namespace) Enqueue(ctx context.Context, gw Gateway, opts EnqueueOptions) (*EnqueueResult, error) {
	var lock *Lock

	if opts.Flags&wire.FlagReplay != 0 {
		var ok bool
		lock, ok = ns.handles.lookup(opts.ExistingHandle)
		if !ok {
			return nil, wrapErr(nil, KindServerForgot, wire.StatusNoLock, opts.ExistingHandle,
				"replay enqueue for unknown handle")
		}
	} else {
		if opts.Type == wire.TypeExtent && opts.Policy.Extent == (wire.ExtentPolicy{}) {
			return nil, wrapErr(nil, KindProtocolMismatch, wire.StatusInval, wire.Handle{},
				"EXTENT lock requires policy data")
		}

		res := ns.resources.LookupOrCreate(ns, opts.Resource)

		handle := allocateHandle()
		callbacks := opts.Callbacks
		if callbacks.Completion == nil {
			if opts.Async {
				callbacks.Completion = AsyncCompletionAST
			} else {
				callbacks.Completion = SyncCompletionAST
			}
		}

		lock = newLock(handle, res, opts.Type, opts.ReqMode, opts.Policy, callbacks, opts.Conn)
		lock.Flags = opts.Flags
		lock.ExpectedLVBLen = opts.LVBLen
		lock.state = StateEnqueuedPending

		if isReadMode(opts.ReqMode) {
			lock.AddReader()
		} else {
			lock.AddWriter()
		}

		ns.handles.insert(lock)
	}

	descriptor := wire.LockDescriptor{
		Resource: opts.Resource,
		Type:     opts.Type,
		ReqMode:  opts.ReqMode,
		Policy:   opts.Policy,
		Flags:    lock.FlagsSnapshot() | opts.Flags,
	}

	req := &wire.EnqueueRequest{
		Descriptor:  descriptor,
		Handles:     make([]wire.Handle, wire.LockReqHandles),
		LVBLen:      opts.LVBLen,
		AsyncReplay: opts.Flags&wire.FlagReplay != 0,
	}
	req.Handles[0] = lock.Handle

	packed, err := descriptor.Pack()
	if err != nil {
		failedLockCleanup(lock, opts.ReqMode)
		return nil, wrapErr(err, KindProtocolMismatch, wire.StatusProtoError, lock.Handle, "pack lock descriptor")
	}

	if lock.ConnExport != nil && lock.ConnExport.CancelSetCapable() && opts.Flags&wire.FlagReplay == 0 {
		avail := wire.HandlesAvail(len(packed), 1)
		if avail > 0 {
			piggyback, err := ns.prepElcReq(ctx, gw, lock.ConnExport, avail)
			if err == nil {
				req.Handles = append(req.Handles, piggyback...)
			}
		}
	}

	isReplay := opts.Flags&wire.FlagReplay != 0

	if !opts.Async {
		reply, rpcErr := gw.EnqueueSendAndWait(ctx, req)
		result, ferr := ns.enqueueFini(lock, reply, rpcErr, isReplay)
		return result, ferr
	}

	conn := opts.Conn
	gw.EnqueueSendAsync(req, func(reply *wire.EnqueueReply, rpcErr error) {
		_, ferr := ns.enqueueFini(lock, reply, rpcErr, isReplay)
		if !isReplay || conn == nil {
			return
		}
		// replay_interpret (spec.md §4.4): advance recovery state on
		// success, request reconnection on failure rather than leaving
		// replay silently incomplete.
		if ferr != nil {
			conn.RequestReconnect(ferr)
		} else {
			conn.AdvanceRecovery()
		}
	})

	return &EnqueueResult{Lock: lock, Handle: lock.Handle, Status: wire.StatusOK}, nil
}

// enqueueFini applies the enqueue_fini reconciliation rules of spec.md
// §4.1 in order.
func (ns *Namespace) enqueueFini(lock *Lock, reply *wire.EnqueueReply, rpcErr error, isReplay bool) (*EnqueueResult, error) {
	if rpcErr != nil && reply == nil {
		failedLockCleanup(lock, lock.ReqMode)
		return nil, wrapErr(rpcErr, KindTransientTransport, wire.StatusIOError, lock.Handle, "enqueue RPC failed")
	}

	// Step 1: LOCK_ABORTED with an LVB present still delivers the LVB to
	// the caller before falling through to cleanup.
	var abortedLVB []byte
	if reply.Status == wire.StatusLockAborted && len(reply.LVB) > 0 {
		abortedLVB = append([]byte(nil), reply.LVB...)
	}

	// Step 2: any non-OK, non-ABORTED status runs cleanup and returns.
	if reply.Status != wire.StatusOK && reply.Status != wire.StatusLockAborted {
		failedLockCleanup(lock, lock.ReqMode)
		return nil, wrapErr(nil, statusKind(reply.Status), reply.Status, lock.Handle, "enqueue rejected")
	}

	if reply.Status == wire.StatusLockAborted {
		failedLockCleanup(lock, lock.ReqMode)
		return &EnqueueResult{Lock: lock, Handle: lock.Handle, LVB: abortedLVB, Status: wire.StatusLockAborted}, nil
	}

	// Step 3: reject a reply whose LVB is larger than what was negotiated
	// at enqueue time (ldlm_request.c: "Replied LVB is larger than
	// expectation").
	if uint32(len(reply.LVB)) > lock.ExpectedLVBLen {
		failedLockCleanup(lock, lock.ReqMode)
		return nil, wrapErr(nil, KindProtocolMismatch, wire.StatusProtoError, lock.Handle,
			"replied LVB is larger than expectation")
	}

	// Step 4: record remote_handle, rehash atomically.
	ns.handles.rehash(lock, reply.Handle)

	// Step 5: effective_flags = reply.flags ∩ INHERIT_MASK ∪ reply.flags,
	// which reduces to reply.flags (INHERIT_MASK is already a subset).
	effectiveFlags := reply.Flags

	lock.mu.Lock()
	if reply.Flags&wire.FlagLockChanged != 0 {
		// Step 6: server rewrote the request.
		if reply.ReqMode != wire.ModeNone {
			lock.ReqMode = reply.ReqMode
		}
		lock.mu.Unlock()
		ns.changeResource(lock, reply.Resource)
		lock.mu.Lock()
		lock.PolicyData = reply.Policy
	}

	if reply.Flags&wire.FlagASTSent != 0 {
		// Step 7: a blocking notification is already in flight.
		lock.Flags |= wire.FlagCBPending | wire.FlagBLAst
	}

	// Step 8: copy the LVB in if the completion hasn't raced ahead.
	if len(reply.LVB) > 0 && lock.GrantedMode == wire.ModeNone {
		lock.LVB = append([]byte(nil), reply.LVB...)
	}
	lock.Flags |= effectiveFlags
	lock.mu.Unlock()

	if !isReplay {
		// Step 9: install into the namespace and run the completion
		// callback, which may park the caller.
		ns.lockEnqueue(lock, reply.Flags)

		status := lock.Callbacks.Completion(lock, reply.Flags, nil)
		if status != wire.StatusOK {
			return nil, wrapErr(nil, KindServerEviction, status, lock.Handle, "completion callback failed")
		}
	} else {
		lock.mu.Lock()
		lock.GrantedMode = reply.ReqMode
		if lock.GrantedMode == wire.ModeNone {
			lock.GrantedMode = lock.ReqMode
		}
		lock.state = StateGranted
		lock.mu.Unlock()
	}

	// Step 10: hand back the in-lock LVB.
	lock.mu.Lock()
	lvb := append([]byte(nil), lock.LVB...)
	lock.mu.Unlock()

	return &EnqueueResult{
		Lock:           lock,
		Handle:         lock.Handle,
		EffectiveFlags: effectiveFlags,
		LVB:            lvb,
		Status:         wire.StatusOK,
	}, nil
}

// lockEnqueue installs lock onto its resource's granted or waiting list
// based on whether the reply left it immediately granted (spec.md §4.1
// step 9, scenario 1 vs scenario 2 of §8).
func (ns *Namespace) lockEnqueue(lock *Lock, replyFlags wire.Flags) {
	res := lock.Resource

	res.mu.Lock()
	lock.mu.Lock()

	if replyFlags&BlockedMask == 0 {
		lock.GrantedMode = lock.ReqMode
		lock.state = StateGranted
		lock.LastActivity = ns.coarseNow()
		res.putOnGrantedLocked(lock)
	} else {
		lock.state = StateEnqueuedPending
		res.putOnWaitingLocked(lock)
	}

	lock.mu.Unlock()
	res.mu.Unlock()
}

// changeResource moves lock to newID's resource, allocating it via the
// ResourceIndex if this is the first lock to reference it (spec.md §4.1
// step 6, "move the lock to the new resource via resource-change").
func (ns *Namespace) changeResource(lock *Lock, newID wire.ResourceID) {
	oldRes := lock.Resource
	newRes := ns.resources.LookupOrCreate(ns, newID)
	if newRes == oldRes {
		return
	}

	oldRes.mu.Lock()
	lock.mu.Lock()
	oldRes.unlinkLocked(lock)
	lock.mu.Unlock()
	empty := oldRes.isEmptyLocked()
	oldRes.mu.Unlock()
	if empty {
		ns.resources.Forget(oldRes.ID)
	}

	lock.mu.Lock()
	lock.Resource = newRes
	lock.mu.Unlock()
}

// failedLockCleanup implements spec.md §4.1's failed_lock_cleanup: under
// the double lock, stamp the lock so any racing blocking notification is
// rejected rather than triggering a spurious cancel, then either destroy
// (FLOCK, which has no client-side blocking callback) or drop the
// requested mode.
func failedLockCleanup(lock *Lock, mode wire.Mode) {
	res := lock.Resource

	res.mu.Lock()
	lock.mu.Lock()

	if lock.state == StateGranted || lock.state == StateFailed {
		lock.mu.Unlock()
		res.mu.Unlock()
		return
	}

	lock.Flags |= wire.FlagLocalOnly | wire.FlagFailed | wire.FlagAtomicCB | wire.FlagCBPending
	lock.state = StateFailed

	if lock.Type == wire.TypeFlock {
		res.unlinkLocked(lock)
		lock.state = StateDestroyed
		lock.mu.Unlock()
		res.mu.Unlock()
		res.namespace.handles.remove(lock)
		return
	}

	if isReadMode(mode) && lock.readerCount > 0 {
		lock.readerCount--
	} else if !isReadMode(mode) && lock.writerCount > 0 {
		lock.writerCount--
	}

	// A lock that never held any reference beyond the caller's own is
	// destroyed outright rather than parked on unused_lru: it was never
	// granted, so there is nothing left for anyone else to reuse.
	destroyed := lock.isIdleLocked()
	if destroyed {
		res.unlinkLocked(lock)
		lock.state = StateDestroyed
	}

	lock.mu.Unlock()
	res.mu.Unlock()

	if destroyed {
		res.namespace.handles.remove(lock)
	}

	lock.wait.Wake(wrapErr(nil, KindServerEviction, wire.StatusIOError, lock.Handle, "enqueue failed"))
}

// statusKind maps a non-OK, non-ABORTED wire status to the error Kind a
// caller should branch on (spec.md §7).
func statusKind(status wire.Status) Kind {
	switch status {
	case wire.StatusStale:
		return KindServerForgot
	case wire.StatusProtoError:
		return KindProtocolMismatch
	case wire.StatusInterrupted:
		return KindUserInterruption
	case wire.StatusNoMem:
		return KindResourceExhaustion
	case wire.StatusTimeout:
		return KindServerEviction
	default:
		return KindTransientTransport
	}
}
