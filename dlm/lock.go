// SPDX-License-Identifier: Apache-2.0

package dlm

import (
	"container/list"
	"sync"
	"time"

	"github.com/latticefs/dlmclient/wire"
)

// Lock is the central entity of spec.md §3: state, callbacks, and
// membership in exactly one resource list plus, transiently, the LRU or
// a cancel/replay batch.
//
// Locking discipline (spec.md §5): a caller touching Lock fields must
// hold at least lock.mu; moving it on or off the granted/waiting lists
// additionally requires holding the owning Resource's mu first ("double
// lock"), while unused_lru membership is changed under Namespace.mu plus
// lock.mu. Namespace.mu is outermost of all three and is never
// held while blocking on lock.wait.
type Lock struct {
	mu sync.Mutex

	Handle       wire.Handle
	RemoteHandle wire.RemoteHandle
	Resource     *Resource
	Type         wire.LockType
	ReqMode      wire.Mode
	GrantedMode  wire.Mode
	PolicyData   wire.PolicyData
	Flags        wire.Flags
	LVB          []byte

	Callbacks Callbacks

	ConnExport Import

	// ExpectedLVBLen is the LVB length negotiated at enqueue time
	// (EnqueueOptions.LVBLen); enqueue_fini step 3 rejects a reply whose
	// LVB exceeds it (spec.md §4.1).
	ExpectedLVBLen uint32

	LastActivity time.Time
	LastUsed     time.Time

	readerCount int
	writerCount int

	state LockState

	membership  ListMembership
	listElement *list.Element

	wait *waitSlot
}

// waitSlot is the wake-up primitive the completion coordinator parks on,
// woken by both the RPC reply path and inbound CP_CALLBACK notifications
// (spec.md §4.1).
type waitSlot struct {
	mu   sync.Mutex
	cond *sync.Cond
	done bool
	err  error
}

func newWaitSlot() *waitSlot {
	w := &waitSlot{}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// Wake marks the wait satisfied and releases any parked waiter. Safe to
// call from a notification-delivery goroutine while the caller may or
// may not actually be parked yet.
func (w *waitSlot) Wake(err error) {
	w.mu.Lock()
	if !w.done {
		w.done = true
		w.err = err
	}
	w.cond.Broadcast()
	w.mu.Unlock()
}

// Wait parks until Wake is called or deadline elapses (zero deadline
// means wait indefinitely, used for NO_TIMEOUT locks per spec.md §4.1).
// Returns (true, err) if woken normally, (false, nil) on timeout.
func (w *waitSlot) Wait(deadline time.Time) (woken bool, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.done {
		return true, w.err
	}

	if deadline.IsZero() {
		for !w.done {
			w.cond.Wait()
		}
		return true, w.err
	}

	timer := time.AfterFunc(time.Until(deadline), func() {
		w.mu.Lock()
		w.cond.Broadcast()
		w.mu.Unlock()
	})
	defer timer.Stop()

	for !w.done && time.Now().Before(deadline) {
		w.cond.Wait()
	}
	return w.done, w.err
}

// newLock allocates a Lock in state CREATED, taking neither the caller's
// nor the server's reference yet (the caller of newLock does that).
func newLock(handle wire.Handle, resource *Resource, lockType wire.LockType, reqMode wire.Mode, policy wire.PolicyData, callbacks Callbacks, conn Import) *Lock {
	return &Lock{
		Handle:      handle,
		Resource:    resource,
		Type:        lockType,
		ReqMode:     reqMode,
		PolicyData:  policy,
		Callbacks:   callbacks,
		ConnExport:  conn,
		state:       StateCreated,
		membership:  MembershipNone,
		wait:        newWaitSlot(),
		LastActivity: time.Now(),
	}
}

func (l *Lock) hasFlag(f wire.Flags) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.Flags&f != 0
}

// isIdleLocked reports whether the lock currently has zero outstanding
// holders, the precondition (together with !NO_LRU && !canceling) for
// unused_lru membership (spec.md §3 invariants, I3).
func (l *Lock) isIdleLocked() bool {
	return l.readerCount == 0 && l.writerCount == 0
}

// AddReader/AddWriter/DropReader/DropWriter adjust holder counts. Once
// CBPENDING is set these may only decrease (spec.md §3 invariant:
// "Setting CBPENDING is one-way").
func (l *Lock) AddReader() {
	ns := l.Resource.namespace
	ns.mu.Lock()
	l.mu.Lock()
	if l.Flags&wire.FlagCBPending != 0 {
		l.mu.Unlock()
		ns.mu.Unlock()
		ns.logWarnf("AddReader on CBPENDING lock %v ignored", l.Handle)
		return
	}
	l.readerCount++
	l.mu.Unlock()
	ns.removeFromUnusedLocked(l)
	ns.mu.Unlock()
}

func (l *Lock) AddWriter() {
	ns := l.Resource.namespace
	ns.mu.Lock()
	l.mu.Lock()
	if l.Flags&wire.FlagCBPending != 0 {
		l.mu.Unlock()
		ns.mu.Unlock()
		ns.logWarnf("AddWriter on CBPENDING lock %v ignored", l.Handle)
		return
	}
	l.writerCount++
	l.mu.Unlock()
	ns.removeFromUnusedLocked(l)
	ns.mu.Unlock()
}

// DropReader/DropWriter release a holder and, if the lock is now idle,
// move it onto the namespace's unused LRU (unless NO_LRU or canceling).
func (l *Lock) DropReader() { l.dropHolder(false) }
func (l *Lock) DropWriter() { l.dropHolder(true) }

func (l *Lock) dropHolder(writer bool) {
	res := l.Resource
	ns := res.namespace

	ns.mu.Lock()
	res.mu.Lock()
	l.mu.Lock()

	if writer {
		if l.writerCount > 0 {
			l.writerCount--
		}
	} else {
		if l.readerCount > 0 {
			l.readerCount--
		}
	}
	l.LastUsed = time.Now()

	shouldLRU := l.isIdleLocked() && l.Flags&wire.FlagNoLRU == 0 && l.Flags&wire.FlagCanceling == 0 && l.membership != MembershipUnusedLRU

	l.mu.Unlock()
	res.mu.Unlock()

	if shouldLRU {
		ns.pushUnusedLocked(l)
	}
	ns.mu.Unlock()
}

// State reports the lock's coarse client-visible state.
func (l *Lock) State() LockState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// FlagsSnapshot returns the current flags word.
func (l *Lock) FlagsSnapshot() wire.Flags {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.Flags
}

// Membership reports which of the five mutually exclusive lists the lock
// is currently on, or MembershipNone (spec.md I1).
func (l *Lock) Membership() ListMembership {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.membership
}
