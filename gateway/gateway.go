// SPDX-License-Identifier: Apache-2.0

// Package gateway is the reference dlm.Gateway transport named in
// SPEC_FULL.md's DOMAIN STACK: one HTTP/2 connection per import, request
// bodies JSON-encoded, replies dispatched back onto the caller's
// goroutine (SendAndWait) or a background one (SendAsync). Sizing for
// the cancel-set piggyback (spec.md §6) still goes by the cstruct-packed
// length of the lock descriptor (package wire), even though the bytes
// actually placed on the wire here are JSON.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/sys/unix"

	"github.com/latticefs/dlmclient/wire"
)

// HTTP2Gateway is a dlm.Gateway over HTTP/2, mirroring the teacher's
// rpc.go custom-transport construction (a *http.Client whose Transport
// is tuned for a single long-lived server connection rather than the
// standard library's connection-pooling defaults).
type HTTP2Gateway struct {
	client   *http.Client
	baseURL  string
	deadline time.Duration
}

// New constructs an HTTP2Gateway against baseURL (e.g.
// "https://mds1.example:1234"), configuring an http2.Transport the way
// the teacher configures its RetryRPC dial (spec.md §6's transport is an
// external collaborator; this is one concrete choice among several).
func New(baseURL string, ioDeadline, keepAlive time.Duration) *HTTP2Gateway {
	transport := &http2.Transport{
		AllowHTTP:          false,
		ReadIdleTimeout:    keepAlive,
		PingTimeout:        ioDeadline,
		DisableCompression: true,
	}
	return &HTTP2Gateway{
		client:   &http.Client{Transport: transport, Timeout: ioDeadline},
		baseURL:  baseURL,
		deadline: ioDeadline,
	}
}

func (g *HTTP2Gateway) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return mapTransportErr(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return mapTransportErr(err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway: %s returned HTTP %d: %s", path, resp.StatusCode, respBody)
	}

	return json.Unmarshal(respBody, out)
}

// EnqueueSendAndWait implements dlm.Gateway.
func (g *HTTP2Gateway) EnqueueSendAndWait(ctx context.Context, req *wire.EnqueueRequest) (*wire.EnqueueReply, error) {
	var reply wire.EnqueueReply
	if err := g.post(ctx, "/dlm/enqueue", req, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// EnqueueSendAsync implements dlm.Gateway by running the same
// synchronous call on a background goroutine; a production import would
// instead route this through its own ptlrpcd-style worker queue
// (dlm.Import.Submit).
func (g *HTTP2Gateway) EnqueueSendAsync(req *wire.EnqueueRequest, onReply func(*wire.EnqueueReply, error)) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), g.deadline)
		defer cancel()
		reply, err := g.EnqueueSendAndWait(ctx, req)
		onReply(reply, err)
	}()
}

// CancelSend implements dlm.Gateway.
func (g *HTTP2Gateway) CancelSend(ctx context.Context, req *wire.CancelRequest) (*wire.CancelReply, error) {
	var reply wire.CancelReply
	if err := g.post(ctx, "/dlm/cancel", req, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// mapTransportErr annotates a transport-level error with the wire status
// name matching a recognizable errno condition, as text in the wrapped
// error's message; the result is still a plain error, not a wire.Status.
// Anything else is passed through unchanged. The engine treats every
// gateway error alike (IO_ERROR, transient transport).
func mapTransportErr(err error) error {
	switch {
	case isErrno(err, unix.ETIMEDOUT):
		return fmt.Errorf("gateway: %w (status=%s)", err, wire.StatusTimeout)
	case isErrno(err, unix.ESTALE):
		return fmt.Errorf("gateway: %w (status=%s)", err, wire.StatusStale)
	case isErrno(err, unix.EINTR):
		return fmt.Errorf("gateway: %w (status=%s)", err, wire.StatusInterrupted)
	case isErrno(err, unix.ENOMEM):
		return fmt.Errorf("gateway: %w (status=%s)", err, wire.StatusNoMem)
	case isErrno(err, unix.EINVAL):
		return fmt.Errorf("gateway: %w (status=%s)", err, wire.StatusInval)
	default:
		return err
	}
}

func isErrno(err error, errno unix.Errno) bool {
	for err != nil {
		if e, ok := err.(unix.Errno); ok {
			return e == errno
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}
