// SPDX-License-Identifier: Apache-2.0

package dlm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticefs/dlmclient/wire"
)

func waitingLock(ns *Namespace, res *Resource, conn Import, cookie uint64) *Lock {
	lock := newLock(wire.Handle{Cookie: cookie}, res, wire.TypePlain, wire.ModePW, wire.PolicyData{}, Callbacks{}, conn)
	lock.RemoteHandle = wire.RemoteHandle{Cookie: cookie + 1000}
	ns.handles.insert(lock)
	ns.handles.rehash(lock, lock.RemoteHandle)
	res.mu.Lock()
	lock.mu.Lock()
	res.putOnWaitingLocked(lock)
	lock.mu.Unlock()
	res.mu.Unlock()
	return lock
}

// scenario 6: one granted PR, one waiting PW, one BL_DONE lock skipped;
// replay_inflight returns to 0 afterward.
func TestReplaySendsGrantedAndWaitingSkipsBLDone(t *testing.T) {
	ns, idx := testNamespace()
	gw := newFakeGateway()
	conn := newFakeImport()

	grantedRes := idx.LookupOrCreate(ns, wire.ResourceID{ResourceType: 1, Name: [4]uint64{1}})
	granted := newLock(wire.Handle{Cookie: 10}, grantedRes, wire.TypePlain, wire.ModePR, wire.PolicyData{}, Callbacks{}, conn)
	granted.GrantedMode = wire.ModePR
	granted.RemoteHandle = wire.RemoteHandle{Cookie: 110}
	ns.handles.insert(granted)
	ns.handles.rehash(granted, granted.RemoteHandle)
	grantedRes.mu.Lock()
	granted.mu.Lock()
	grantedRes.putOnGrantedLocked(granted)
	granted.mu.Unlock()
	grantedRes.mu.Unlock()

	waitRes := idx.LookupOrCreate(ns, wire.ResourceID{ResourceType: 1, Name: [4]uint64{2}})
	waiting := waitingLock(ns, waitRes, conn, 20)

	skipRes := idx.LookupOrCreate(ns, wire.ResourceID{ResourceType: 1, Name: [4]uint64{3}})
	skipped := newLock(wire.Handle{Cookie: 30}, skipRes, wire.TypePlain, wire.ModePR, wire.PolicyData{}, Callbacks{}, conn)
	skipped.Flags |= wire.FlagBLDone
	skipped.RemoteHandle = wire.RemoteHandle{Cookie: 130}
	ns.handles.insert(skipped)
	ns.handles.rehash(skipped, skipped.RemoteHandle)
	skipRes.mu.Lock()
	skipped.mu.Lock()
	skipRes.putOnGrantedLocked(skipped)
	skipped.mu.Unlock()
	skipRes.mu.Unlock()

	err := ns.RunReplay(context.Background(), gw, conn)
	require.NoError(t, err)

	assert.Equal(t, int32(0), ns.replay.Count())

	// Replay enqueues are sent asynchronously; wait for both to land.
	require.Eventually(t, func() bool {
		gw.mu.Lock()
		defer gw.mu.Unlock()
		return len(gw.lastEnqueue) >= 2
	}, time.Second, 10*time.Millisecond)

	gw.mu.Lock()
	defer gw.mu.Unlock()
	require.Len(t, gw.lastEnqueue, 2)

	var sawGrantedFlags, sawWaitFlags wire.Flags
	for _, req := range gw.lastEnqueue {
		switch req.Handles[0] {
		case granted.Handle:
			sawGrantedFlags = req.Descriptor.Flags
		case waiting.Handle:
			sawWaitFlags = req.Descriptor.Flags
		}
	}
	assert.NotZero(t, sawGrantedFlags&wire.FlagReplay)
	assert.NotZero(t, sawGrantedFlags&wire.FlagBlockGranted)
	assert.NotZero(t, sawWaitFlags&wire.FlagReplay)
	assert.NotZero(t, sawWaitFlags&wire.FlagBlockWait)
}

func TestRunReplayRejectsConcurrentReplay(t *testing.T) {
	ns, _ := testNamespace()
	require.True(t, ns.replay.Begin())
	defer ns.replay.End()

	gw := newFakeGateway()
	conn := newFakeImport()

	err := ns.RunReplay(context.Background(), gw, conn)
	assert.Error(t, err)
}

func TestRunReplaySkipsWhenRecoveryDecided(t *testing.T) {
	ns, idx := testNamespace()
	gw := newFakeGateway()
	conn := newFakeImport()
	conn.recoveryDecided = true

	res := idx.LookupOrCreate(ns, wire.ResourceID{ResourceType: 1})
	waitingLock(ns, res, conn, 40)

	err := ns.RunReplay(context.Background(), gw, conn)
	require.NoError(t, err)
	assert.Empty(t, gw.lastEnqueue)
	assert.Equal(t, int32(0), ns.replay.Count())
}

// invariant I1: a lock is on at most one of the five mutually exclusive
// lists at a time.
func TestGrantedToWaitingTransitionIsExclusive(t *testing.T) {
	ns, idx := testNamespace()
	conn := newFakeImport()
	res := idx.LookupOrCreate(ns, wire.ResourceID{ResourceType: 1})
	lock := newLock(wire.Handle{Cookie: 1}, res, wire.TypePlain, wire.ModePR, wire.PolicyData{}, Callbacks{}, conn)

	res.mu.Lock()
	lock.mu.Lock()
	res.putOnGrantedLocked(lock)
	lock.mu.Unlock()
	res.mu.Unlock()
	assert.Equal(t, MembershipGranted, lock.Membership())
	assert.Equal(t, 1, res.granted.Len())
	assert.Equal(t, 0, res.waiting.Len())

	res.mu.Lock()
	lock.mu.Lock()
	res.putOnWaitingLocked(lock)
	lock.mu.Unlock()
	res.mu.Unlock()
	assert.Equal(t, MembershipWaiting, lock.Membership())
	assert.Equal(t, 0, res.granted.Len())
	assert.Equal(t, 1, res.waiting.Len())
}

// invariant I2: CANCELING implies not on unused_lru.
func TestCancelingLockLeavesUnusedLRU(t *testing.T) {
	ns, _ := testNamespace()
	gw := newFakeGateway()
	conn := newFakeImport()
	locks := populateUnusedLRU(ns, 1, conn, 0)
	lock := locks[0]

	err := ns.Cancel(context.Background(), gw, lock.Handle, CancelFlagNone)
	require.NoError(t, err)

	assert.NotEqual(t, MembershipUnusedLRU, lock.Membership())
}

// invariant I3: refcount > 0 implies not on unused_lru.
func TestHeldLockNeverJoinsUnusedLRU(t *testing.T) {
	ns, idx := testNamespace()
	conn := newFakeImport()
	res := idx.LookupOrCreate(ns, wire.ResourceID{ResourceType: 1})
	lock := newLock(wire.Handle{Cookie: 1}, res, wire.TypePlain, wire.ModePR, wire.PolicyData{}, Callbacks{}, conn)

	lock.AddReader()
	assert.NotEqual(t, MembershipUnusedLRU, lock.Membership())

	lock.DropReader()
	assert.Equal(t, MembershipUnusedLRU, lock.Membership())
}

// invariant I4: granted_mode == req_mode after a successful enqueue_fini.
func TestSuccessfulEnqueueSetsGrantedModeToReqMode(t *testing.T) {
	ns, _ := testNamespace()
	gw := newFakeGateway()
	conn := newFakeImport()
	conn.cancelSet = false

	gw.enqueueReply = func(req *wire.EnqueueRequest) (*wire.EnqueueReply, error) {
		return &wire.EnqueueReply{Status: wire.StatusOK, Handle: wire.RemoteHandle{Cookie: 77}}, nil
	}

	result, err := ns.Enqueue(context.Background(), gw, EnqueueOptions{
		Resource: wire.ResourceID{ResourceType: 4},
		Type:     wire.TypePlain,
		ReqMode:  wire.ModePR,
		Conn:     conn,
	})
	require.NoError(t, err)
	assert.Equal(t, result.Lock.ReqMode, result.Lock.GrantedMode)
}

// invariant I5: cancel leaves the lock destroyed/CANCELED with no further
// callback invocations.
func TestCancelLeavesLockCanceledWithNoFurtherCallbacks(t *testing.T) {
	ns, _ := testNamespace()
	gw := newFakeGateway()
	conn := newFakeImport()
	lock := grantedLock(t, ns, conn)

	callCount := 0
	lock.Callbacks.Blocking = func(l *Lock, flags wire.Flags) {
		callCount++
	}

	err := ns.Cancel(context.Background(), gw, lock.Handle, CancelFlagNone)
	require.NoError(t, err)
	assert.Equal(t, StateCanceled, lock.State())
	assert.Equal(t, 1, callCount)

	err = ns.Cancel(context.Background(), gw, lock.Handle, CancelFlagNone)
	require.NoError(t, err)
	assert.Equal(t, 1, callCount)
}
