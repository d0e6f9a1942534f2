// SPDX-License-Identifier: Apache-2.0

package dlm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticefs/dlmclient/wire"
)

// scenario 1: simple grant.
func TestEnqueueSimpleGrant(t *testing.T) {
	ns, _ := testNamespace()
	gw := newFakeGateway()
	conn := newFakeImport()
	conn.cancelSet = false

	res := wire.ResourceID{ResourceType: 1}
	gw.enqueueReply = func(req *wire.EnqueueRequest) (*wire.EnqueueReply, error) {
		return &wire.EnqueueReply{Status: wire.StatusOK, Handle: wire.RemoteHandle{Cookie: 42}, Flags: 0}, nil
	}

	callbackCalls := 0
	result, err := ns.Enqueue(context.Background(), gw, EnqueueOptions{
		Resource: res,
		Type:     wire.TypePlain,
		ReqMode:  wire.ModePR,
		Conn:     conn,
		Callbacks: Callbacks{
			Completion: func(lock *Lock, flags wire.Flags, data interface{}) wire.Status {
				callbackCalls++
				assert.Equal(t, wire.Flags(0), flags)
				return SyncCompletionAST(lock, flags, data)
			},
		},
	})

	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, 1, callbackCalls)
	assert.Equal(t, wire.ModePR, result.Lock.GrantedMode)
	assert.Equal(t, MembershipGranted, result.Lock.Membership())
	assert.False(t, result.Lock.LastActivity.IsZero())
}

// scenario 3: aborted enqueue with LVB.
func TestEnqueueAbortedWithLVB(t *testing.T) {
	ns, _ := testNamespace()
	gw := newFakeGateway()
	conn := newFakeImport()
	conn.cancelSet = false

	lvb := make([]byte, 72)
	for i := range lvb {
		lvb[i] = byte(i)
	}

	gw.enqueueReply = func(req *wire.EnqueueRequest) (*wire.EnqueueReply, error) {
		return &wire.EnqueueReply{Status: wire.StatusLockAborted, LVB: lvb}, nil
	}

	result, err := ns.Enqueue(context.Background(), gw, EnqueueOptions{
		Resource: wire.ResourceID{ResourceType: 1},
		Type:     wire.TypePlain,
		ReqMode:  wire.ModePW,
		Conn:     conn,
	})

	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, wire.StatusLockAborted, result.Status)
	assert.Len(t, result.LVB, 72)
	assert.Equal(t, StateDestroyed, result.Lock.State())
	assert.Empty(t, gw.lastCancel)
}

func TestEnqueueExtentRequiresPolicy(t *testing.T) {
	ns, _ := testNamespace()
	gw := newFakeGateway()
	conn := newFakeImport()

	_, err := ns.Enqueue(context.Background(), gw, EnqueueOptions{
		Resource: wire.ResourceID{ResourceType: 1},
		Type:     wire.TypeExtent,
		ReqMode:  wire.ModePR,
		Conn:     conn,
	})

	require.Error(t, err)
	assert.Equal(t, KindProtocolMismatch, ErrorKind(err))
}
