// SPDX-License-Identifier: Apache-2.0

package dlm

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/latticefs/dlmclient/wire"
)

// CancelFlags controls the public cancel entry point (spec.md §4.2).
type CancelFlags uint8

const (
	CancelFlagNone CancelFlags = 0
	CancelFlagAsync CancelFlags = 1 << iota
	CancelFlagLocal
)

// cancelLocal implements spec.md §4.2's cancel_local contract: mark the
// lock cancelling under the double lock, invoke its cancel callback, and
// report which path the caller must now take.
//
//	Returns one of wire.FlagBLAst (send over the blocking path),
//	wire.FlagLocalOnly (no RPC at all) or wire.FlagCanceling (ordinary
//	CANCELING path).
func cancelLocal(lock *Lock) (wire.Flags, error) {
	if lock.ConnExport == nil {
		return 0, wrapErr(nil, KindProtocolMismatch, wire.StatusInval, lock.Handle, "cancel_local requires conn_export")
	}

	ns := lock.Resource.namespace
	res := lock.Resource

	ns.mu.Lock()
	res.mu.Lock()
	lock.mu.Lock()

	lock.Flags |= wire.FlagCBPending
	localOnly := lock.Flags&(wire.FlagLocalOnly|wire.FlagCancelOnBlock) != 0
	blAst := lock.Flags&wire.FlagBLAst != 0

	if lock.Callbacks.Blocking != nil {
		flags := lock.Flags
		lock.mu.Unlock()
		res.mu.Unlock()
		ns.mu.Unlock()
		lock.Callbacks.Blocking(lock, flags)
		ns.mu.Lock()
		res.mu.Lock()
		lock.mu.Lock()
	}

	res.unlinkLocked(lock)

	var result wire.Flags
	switch {
	case blAst:
		result = wire.FlagBLAst
	case localOnly:
		result = wire.FlagLocalOnly
	default:
		result = wire.FlagCanceling
	}

	lock.mu.Unlock()
	res.mu.Unlock()

	// A cancelled lock must never linger on unused_lru (spec.md I2):
	// unlinking from the resource above only touches granted/waiting.
	ns.removeFromUnusedLocked(lock)
	ns.mu.Unlock()

	return result, nil
}

// Cancel is the public entry point of spec.md §4.2: atomic-by-flags,
// idempotent (Law: "a second cancel on an already-canceling lock is a
// no-op returning OK").
func (ns *Namespace) Cancel(ctx context.Context, gw Gateway, handle wire.Handle, flags CancelFlags) error {
	lock, ok := ns.handles.lookup(handle)
	if !ok {
		return nil
	}

	lock.mu.Lock()
	if lock.Flags&wire.FlagCanceling != 0 {
		lock.mu.Unlock()
		return nil
	}
	lock.Flags |= wire.FlagCanceling
	lock.state = StateCanceling
	lock.mu.Unlock()

	result, err := cancelLocal(lock)
	if err != nil {
		return err
	}

	lock.wait.Wake(wrapErr(nil, KindUserInterruption, wire.StatusInterrupted, lock.Handle, "cancelled"))

	if result == wire.FlagLocalOnly || flags&CancelFlagLocal != 0 {
		ns.finishCanceled(lock)
		return nil
	}

	err = ns.cancelList(ctx, gw, []*Lock{lock}, nil, flags)
	ns.finishCanceled(lock)
	return err
}

func (ns *Namespace) finishCanceled(lock *Lock) {
	lock.mu.Lock()
	lock.state = StateCanceled
	lock.mu.Unlock()
	ns.handles.remove(lock)
}

// cancelList implements spec.md §4.2's cancel_list: pack handles into an
// in-flight enqueue request when the connection supports cancel-set and
// one is supplied, otherwise send dedicated CANCEL RPCs sized to fit.
func (ns *Namespace) cancelList(ctx context.Context, gw Gateway, locks []*Lock, req *wire.EnqueueRequest, flags CancelFlags) error {
	if len(locks) == 0 {
		return nil
	}

	if req != nil {
		avail := wire.HandlesAvail(0, len(req.Handles))
		n := len(locks)
		if n > avail {
			n = avail
		}
		for _, l := range locks[:n] {
			req.Handles = append(req.Handles, wire.PiggybackHandle(l.RemoteHandle))
		}
		locks = locks[n:]
		if len(locks) == 0 {
			return nil
		}
	}

	return ns.sendCancelBatch(ctx, gw, locks, flags)
}

// sendCancelBatch runs the cancel RPC send loop of spec.md §4.2: retry
// on TIMEOUT while the connection generation is unchanged, treat ESTALE
// as success (the server already forgot the lock), stop and report on
// any other error while still considering the locks cancelled locally.
func (ns *Namespace) sendCancelBatch(ctx context.Context, gw Gateway, locks []*Lock, flags CancelFlags) error {
	handles := make([]wire.RemoteHandle, 0, len(locks))
	var conn Import
	for _, l := range locks {
		handles = append(handles, l.RemoteHandle)
		if conn == nil {
			conn = l.ConnExport
		}
	}

	req := &wire.CancelRequest{Handles: handles}

	var limiter *rate.Limiter
	if conn != nil {
		limiter = rate.NewLimiter(rate.Every(conn.AdaptiveTimeout()), 1)
	}
	genAtSend := uint64(0)
	if conn != nil {
		genAtSend = conn.Generation()
	}

	// send makes one attempt; only a transport error or a TIMEOUT reply
	// may be retried.
	send := func() (retry bool, err error) {
		reply, err := gw.CancelSend(ctx, req)
		if err != nil {
			return true, wrapErr(err, KindTransientTransport, wire.StatusIOError, wire.Handle{}, "cancel RPC failed")
		}
		switch reply.Status {
		case wire.StatusOK, wire.StatusStale:
			return false, nil
		case wire.StatusTimeout:
			return true, wrapErr(nil, KindTransientTransport, wire.StatusTimeout, wire.Handle{}, "cancel RPC timed out")
		default:
			return false, wrapErr(nil, statusKind(reply.Status), reply.Status, wire.Handle{}, "cancel RPC rejected")
		}
	}

	if flags&CancelFlagAsync != 0 && conn != nil {
		conn.Submit(req, func(reply interface{}, err error) {})
		return nil
	}

	for {
		retry, err := send()
		if err == nil {
			return nil
		}
		if !retry {
			ns.logWarnf("cancel RPC failed non-retryably: %v", err)
			return nil
		}
		if conn != nil && conn.Generation() != genAtSend {
			return nil
		}
		ns.metrics.cancelRetries.Inc()
		if limiter != nil {
			if werr := limiter.Wait(ctx); werr != nil {
				return nil
			}
		} else {
			time.Sleep(50 * time.Millisecond)
		}
	}
}

// prepElcReq implements spec.md §4.2's early-cancel piggyback protocol:
// estimate the slots available in an in-flight request, greedily take
// up to that many unused locks via the LRU policy, and return exactly
// that many handles for the caller to fold into its own request. Any
// remainder is sent from here, on a background goroutine, as a
// dedicated cancel batch through sendCancelBatch.
func (ns *Namespace) prepElcReq(ctx context.Context, gw Gateway, conn Import, avail int) ([]wire.Handle, error) {
	if avail <= 0 {
		return nil, nil
	}

	// Gather every currently-eligible unused lock (target set high enough
	// that the default policy never decides KEEP, max=0 so the scan runs
	// to list exhaustion), then split it: up to avail locks travel as
	// piggyback, the rest as a follow-up cancel batch.
	var batch []*Lock
	added := prepareLRUList(ns, &batch, 1<<30, 0, PolicyFlagNone, conn)
	if added == 0 {
		return nil, nil
	}

	p := added
	if p > avail {
		p = avail
	}

	piggyback := batch[:p]
	remainder := batch[p:]

	handles := make([]wire.Handle, 0, len(piggyback))
	for _, l := range piggyback {
		handles = append(handles, wire.PiggybackHandle(l.RemoteHandle))
	}

	if len(remainder) > 0 {
		go func() {
			_ = ns.sendCancelBatch(context.Background(), gw, remainder, CancelFlagNone)
			for _, l := range remainder {
				ns.finishCanceled(l)
			}
		}()
	}

	for _, l := range piggyback {
		ns.finishCanceled(l)
	}

	return handles, nil
}
