// SPDX-License-Identifier: Apache-2.0

package dlm

import (
	"time"

	"github.com/latticefs/dlmclient/wire"
)

// BlockedMask is the subset of reply/notification flags that mean "this
// lock is not yet definitively granted; the caller must wait for a
// completion notification" (spec.md §4.1).
const BlockedMask = wire.FlagBlockGranted | wire.FlagBlockWait | wire.FlagBlockConv

// SyncCompletionAST is the default synchronous completion callback
// installed by Enqueue when the caller supplies none: it parks the
// caller on lock.wait until the lock is granted, cancelled, or times
// out (spec.md §4.1).
func SyncCompletionAST(lock *Lock, flags wire.Flags, data interface{}) wire.Status {
	ns := lock.Resource.namespace

	if flags != wire.FlagWaitNoreproc {
		lock.mu.Lock()
		alreadyGranted := flags&BlockedMask == 0
		lock.mu.Unlock()

		if alreadyGranted {
			lock.wait.Wake(nil)
			return wire.StatusOK
		}
	}

	noTimeout := lock.hasFlag(wire.FlagNoTimeout)

	estimate := ns.AdaptiveEstimate()
	timeout := 3 * estimate
	minTimeout := time.Duration(ns.config.EnqueueMinSeconds) * time.Second
	if timeout < minTimeout {
		timeout = minTimeout
	}

	genAtWait := lock.ConnExport.Generation()

	start := time.Now()
	var deadline time.Time
	if !noTimeout {
		deadline = start.Add(timeout)
	}

	woken, waitErr := lock.wait.Wait(deadline)

	if !woken {
		lock.ConnExport.NotifyFailure(genAtWait, wrapErr(nil, KindServerEviction, wire.StatusTimeout, lock.Handle,
			"completion wait timed out"))
		failedLockCleanup(lock, lock.ReqMode)
		return wire.StatusTimeout
	}

	delay := time.Since(start)
	return completionTail(lock, true, delay, waitErr)
}

// AsyncCompletionAST is the default asynchronous completion callback: it
// never parks. A still-blocked lock will be granted later by an inbound
// CP_CALLBACK (OnCompletionCallback); there is nothing further to do
// here in either case.
func AsyncCompletionAST(lock *Lock, flags wire.Flags, data interface{}) wire.Status {
	return wire.StatusOK
}

// completionTail runs after a (real or already-satisfied) wait: if the
// lock was destroyed or failed while we waited, report IO_ERROR;
// otherwise, if this call actually waited, feed the observed delay to
// the namespace's adaptive estimator (spec.md §4.1).
func completionTail(lock *Lock, waited bool, delay time.Duration, waitErr error) wire.Status {
	lock.mu.Lock()
	destroyedOrFailed := lock.state == StateDestroyed || lock.Flags&wire.FlagFailed != 0
	lock.mu.Unlock()

	if destroyedOrFailed {
		return wire.StatusIOError
	}

	if waited {
		lock.Resource.namespace.estimate.observe(delay)
		lock.Resource.namespace.metrics.completionWait.WithLabelValues(lock.Resource.namespace.name).Observe(delay.Seconds())
	}

	if waitErr != nil {
		return ErrorStatus(waitErr)
	}

	return wire.StatusOK
}

// OnCompletionCallback processes an inbound CP_CALLBACK notification: the
// server has granted (or changed) the lock. It sets granted_mode, moves
// the lock to the resource's granted list, copies any LVB, and wakes
// whoever is parked in SyncCompletionAST.
func (ns *Namespace) OnCompletionCallback(req *wire.CPCallbackRequest) {
	lock, ok := ns.handles.lookupRemote(req.Handle)
	if !ok {
		ns.logWarnf("CP_CALLBACK for unknown remote handle %v ignored", req.Handle)
		return
	}

	res := lock.Resource

	res.mu.Lock()
	lock.mu.Lock()

	if lock.state == StateDestroyed || lock.Flags&wire.FlagFailed != 0 {
		lock.mu.Unlock()
		res.mu.Unlock()
		lock.wait.Wake(wrapErr(nil, KindUserInterruption, wire.StatusInval, lock.Handle, "notification after failed_lock_cleanup rejected"))
		return
	}

	lock.GrantedMode = req.GrantedMode
	lock.Flags |= req.Flags
	lock.state = StateGranted
	if len(req.LVB) > 0 {
		lock.LVB = append([]byte(nil), req.LVB...)
	}
	lock.LastActivity = ns.coarseNow()

	res.putOnGrantedLocked(lock)

	lock.mu.Unlock()
	res.mu.Unlock()

	lock.wait.Wake(nil)
}
