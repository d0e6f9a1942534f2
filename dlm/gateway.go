// SPDX-License-Identifier: Apache-2.0

package dlm

import (
	"context"

	"github.com/latticefs/dlmclient/wire"
)

// Gateway is the narrow RPC transport interface named in spec.md §1/§9:
// request packing, queuing, reply dispatch, and portal selection are the
// transport's problem, not the engine's. package gateway supplies a
// reference implementation over HTTP/2; tests use an in-memory one.
type Gateway interface {
	// EnqueueSendAndWait issues an ENQUEUE RPC and blocks for the reply,
	// used by the synchronous enqueue path (spec.md §4.1 step 4).
	EnqueueSendAndWait(ctx context.Context, req *wire.EnqueueRequest) (*wire.EnqueueReply, error)

	// EnqueueSendAsync issues an ENQUEUE RPC without blocking; the
	// caller (an Import's async worker) is handed the prepared request
	// and owns completion (spec.md §4.1 step 4, async=true case).
	EnqueueSendAsync(req *wire.EnqueueRequest, onReply func(*wire.EnqueueReply, error))

	// CancelSend issues one CANCEL RPC over CancelRequestPortal/
	// CancelReplyPortal and blocks for the reply.
	CancelSend(ctx context.Context, req *wire.CancelRequest) (*wire.CancelReply, error)
}
