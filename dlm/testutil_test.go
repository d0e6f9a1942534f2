// SPDX-License-Identifier: Apache-2.0

package dlm

import (
	"context"
	"sync"
	"time"

	"github.com/latticefs/dlmclient/wire"
)

// memResourceIndex is a plain map-backed ResourceIndex, standing in for
// package reshash in tests that don't need cityhash/sortedmap's ordering
// guarantees (only replay's own google/btree sort matters for those).
type memResourceIndex struct {
	mu        sync.Mutex
	resources map[wire.ResourceID]*Resource
}

func newMemResourceIndex() *memResourceIndex {
	return &memResourceIndex{resources: make(map[wire.ResourceID]*Resource)}
}

func (m *memResourceIndex) LookupOrCreate(ns *Namespace, id wire.ResourceID) *Resource {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.resources[id]; ok {
		return r
	}
	r := newResource(ns, id)
	m.resources[id] = r
	return r
}

func (m *memResourceIndex) Lookup(id wire.ResourceID) (*Resource, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.resources[id]
	return r, ok
}

func (m *memResourceIndex) Range(fn func(*Resource) bool) {
	m.mu.Lock()
	snapshot := make([]*Resource, 0, len(m.resources))
	for _, r := range m.resources {
		snapshot = append(snapshot, r)
	}
	m.mu.Unlock()
	for _, r := range snapshot {
		if !fn(r) {
			return
		}
	}
}

func (m *memResourceIndex) Forget(id wire.ResourceID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.resources, id)
}

// fakeImport is a minimal Import for tests: a fixed generation, no real
// reconnection, and a Submit that just runs inline.
type fakeImport struct {
	mu               sync.Mutex
	generation       uint64
	failures         []failureReport
	cancelSet        bool
	lruResize        bool
	recoveryDecided  bool
	adaptive         time.Duration
	recoveryAdvances int
	reconnects       []error
}

type failureReport struct {
	genAtWait uint64
	err       error
}

func newFakeImport() *fakeImport {
	return &fakeImport{generation: 1, adaptive: 50 * time.Millisecond, cancelSet: true, lruResize: true}
}

func (f *fakeImport) Generation() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.generation
}

func (f *fakeImport) NotifyFailure(genAtWait uint64, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, failureReport{genAtWait: genAtWait, err: err})
}

func (f *fakeImport) AdaptiveTimeout() time.Duration { return f.adaptive }
func (f *fakeImport) RecoveryDecided() bool          { return f.recoveryDecided }
func (f *fakeImport) CancelSetCapable() bool         { return f.cancelSet }
func (f *fakeImport) LRUResizeCapable() bool         { return f.lruResize }

func (f *fakeImport) Submit(req interface{}, onReply func(reply interface{}, err error)) {
	onReply(req, nil)
}

func (f *fakeImport) AdvanceRecovery() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recoveryAdvances++
}

func (f *fakeImport) RequestReconnect(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconnects = append(f.reconnects, err)
}

// fakeGateway is a scripted Gateway: each test installs the reply (or
// error) EnqueueSendAndWait/CancelSend should hand back, optionally with
// a delay to model an asynchronous CP_CALLBACK racing the reply.
type fakeGateway struct {
	mu sync.Mutex

	enqueueReply func(*wire.EnqueueRequest) (*wire.EnqueueReply, error)
	cancelReply  func(*wire.CancelRequest) (*wire.CancelReply, error)

	lastEnqueue []*wire.EnqueueRequest
	lastCancel  []*wire.CancelRequest
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{}
}

func (g *fakeGateway) EnqueueSendAndWait(ctx context.Context, req *wire.EnqueueRequest) (*wire.EnqueueReply, error) {
	g.mu.Lock()
	g.lastEnqueue = append(g.lastEnqueue, req)
	fn := g.enqueueReply
	g.mu.Unlock()
	if fn == nil {
		return &wire.EnqueueReply{Status: wire.StatusOK}, nil
	}
	return fn(req)
}

func (g *fakeGateway) EnqueueSendAsync(req *wire.EnqueueRequest, onReply func(*wire.EnqueueReply, error)) {
	go func() {
		reply, err := g.EnqueueSendAndWait(context.Background(), req)
		onReply(reply, err)
	}()
}

func (g *fakeGateway) CancelSend(ctx context.Context, req *wire.CancelRequest) (*wire.CancelReply, error) {
	g.mu.Lock()
	g.lastCancel = append(g.lastCancel, req)
	fn := g.cancelReply
	g.mu.Unlock()
	if fn == nil {
		return &wire.CancelReply{Status: wire.StatusOK}, nil
	}
	return fn(req)
}

func testNamespace() (*Namespace, *memResourceIndex) {
	idx := newMemResourceIndex()
	cfg := DefaultConfig()
	cfg.LogToConsole = false
	ns := NewNamespace("test", idx, cfg)
	return ns, idx
}
