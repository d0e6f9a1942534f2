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

// scenario 2: blocked then granted.
func TestEnqueueBlockedThenGranted(t *testing.T) {
	ns, _ := testNamespace()
	gw := newFakeGateway()
	conn := newFakeImport()
	conn.cancelSet = false

	remote := wire.RemoteHandle{Cookie: 7}
	gw.enqueueReply = func(req *wire.EnqueueRequest) (*wire.EnqueueReply, error) {
		return &wire.EnqueueReply{
			Status: wire.StatusOK,
			Handle: remote,
			Flags:  wire.FlagBlockGranted | wire.FlagASTSent,
		}, nil
	}

	go func() {
		time.Sleep(60 * time.Millisecond)
		ns.OnCompletionCallback(&wire.CPCallbackRequest{
			Handle:      remote,
			GrantedMode: wire.ModePW,
		})
	}()

	start := time.Now()
	result, err := ns.Enqueue(context.Background(), gw, EnqueueOptions{
		Resource: wire.ResourceID{ResourceType: 2},
		Type:     wire.TypePlain,
		ReqMode:  wire.ModePW,
		Conn:     conn,
	})
	elapsed := time.Since(start)

	require.NoError(t, err)
	require.NotNil(t, result)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Equal(t, wire.ModePW, result.Lock.GrantedMode)
	flags := result.Lock.FlagsSnapshot()
	assert.NotZero(t, flags&wire.FlagCBPending)
	assert.NotZero(t, flags&wire.FlagBLAst)
	assert.Equal(t, MembershipGranted, result.Lock.Membership())
}

// scenario 5: timeout evicts client with generation fencing.
func TestCompletionTimeoutEvictsWithGeneration(t *testing.T) {
	ns, _ := testNamespace()
	ns.config.EnqueueMinSeconds = 0
	ns.estimate.value = 20 * time.Millisecond
	ns.estimate.primed = true

	conn := newFakeImport()
	conn.generation = 9

	res := newResource(ns, wire.ResourceID{ResourceType: 3})
	lock := newLock(wire.Handle{Cookie: 1}, res, wire.TypePlain, wire.ModePR, wire.PolicyData{}, Callbacks{}, conn)
	lock.AddReader()

	status := SyncCompletionAST(lock, wire.FlagBlockWait, nil)

	assert.Equal(t, wire.StatusTimeout, status)
	require.Len(t, conn.failures, 1)
	assert.Equal(t, uint64(9), conn.failures[0].genAtWait)
	assert.NotZero(t, lock.FlagsSnapshot()&wire.FlagFailed)
	assert.NotZero(t, lock.FlagsSnapshot()&wire.FlagLocalOnly)
}
