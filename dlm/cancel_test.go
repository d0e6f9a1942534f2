// SPDX-License-Identifier: Apache-2.0

package dlm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticefs/dlmclient/wire"
)

func grantedLock(t *testing.T, ns *Namespace, conn Import) *Lock {
	t.Helper()
	res := ns.resources.LookupOrCreate(ns, wire.ResourceID{ResourceType: 5})
	lock := newLock(wire.Handle{Cookie: 99}, res, wire.TypePlain, wire.ModePW, wire.PolicyData{}, Callbacks{}, conn)
	lock.GrantedMode = wire.ModePW
	lock.RemoteHandle = wire.RemoteHandle{Cookie: 199}
	lock.state = StateGranted
	ns.handles.insert(lock)
	ns.handles.rehash(lock, lock.RemoteHandle)
	res.mu.Lock()
	lock.mu.Lock()
	res.putOnGrantedLocked(lock)
	lock.mu.Unlock()
	res.mu.Unlock()
	return lock
}

// Law: idempotence — a second cancel on an already-canceling lock is a
// no-op returning OK.
func TestCancelIsIdempotent(t *testing.T) {
	ns, _ := testNamespace()
	gw := newFakeGateway()
	conn := newFakeImport()
	lock := grantedLock(t, ns, conn)

	err := ns.Cancel(context.Background(), gw, lock.Handle, CancelFlagNone)
	require.NoError(t, err)

	err = ns.Cancel(context.Background(), gw, lock.Handle, CancelFlagNone)
	assert.NoError(t, err)
}

// Law: round-trip — handle <-> lock lookup commutes with hash-rehash.
func TestHandleTableRehashRoundTrip(t *testing.T) {
	ns, _ := testNamespace()
	conn := newFakeImport()
	lock := grantedLock(t, ns, conn)

	oldRemote := lock.RemoteHandle
	newRemote := wire.RemoteHandle{Cookie: 555}
	ns.handles.rehash(lock, newRemote)

	_, ok := ns.handles.lookupRemote(oldRemote)
	assert.False(t, ok)

	found, ok := ns.handles.lookupRemote(newRemote)
	require.True(t, ok)
	assert.Same(t, lock, found)
}

func TestCancelSendsRPCAndUnlinksFromResource(t *testing.T) {
	ns, _ := testNamespace()
	gw := newFakeGateway()
	conn := newFakeImport()
	lock := grantedLock(t, ns, conn)

	err := ns.Cancel(context.Background(), gw, lock.Handle, CancelFlagNone)
	require.NoError(t, err)

	assert.Equal(t, MembershipNone, lock.Membership())
	assert.Equal(t, StateCanceled, lock.State())
	require.Len(t, gw.lastCancel, 1)
	assert.Equal(t, lock.RemoteHandle, gw.lastCancel[0].Handles[0])
}

func TestCancelTreatsESTALEAsSuccess(t *testing.T) {
	ns, _ := testNamespace()
	gw := newFakeGateway()
	conn := newFakeImport()
	lock := grantedLock(t, ns, conn)

	gw.cancelReply = func(req *wire.CancelRequest) (*wire.CancelReply, error) {
		return &wire.CancelReply{Status: wire.StatusStale}, nil
	}

	err := ns.Cancel(context.Background(), gw, lock.Handle, CancelFlagNone)
	assert.NoError(t, err)
	assert.Equal(t, StateCanceled, lock.State())
}
