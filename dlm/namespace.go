// SPDX-License-Identifier: Apache-2.0

package dlm

import (
	"container/list"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Namespace is a container of resources plus the client-side LRU of
// unused locks and the server-pool feedback view (spec.md §3).
type Namespace struct {
	mu sync.Mutex

	name      string
	resources ResourceIndex
	config    Config
	logger    *logrus.Logger
	metrics   *metrics

	unusedLRU *list.List // of *Lock, front = oldest
	nrUnused  int
	maxUnused int
	maxAge    time.Duration

	handles *handleTable

	poolMu sync.RWMutex
	slv    uint64
	lvf    uint64

	estimate estimator

	replay ReplayInflight

	clock func() time.Time // overridable in tests; defaults to time.Now
}

// NewNamespace constructs a Namespace over resources, the external
// resource hash table implementation (spec.md §1).
func NewNamespace(name string, resources ResourceIndex, cfg Config) *Namespace {
	ns := &Namespace{
		name:      name,
		resources: resources,
		config:    cfg,
		logger:    newLogger(cfg),
		metrics:   newMetrics(name),
		unusedLRU: list.New(),
		maxUnused: cfg.MaxUnused,
		maxAge:    cfg.MaxAge,
		clock:     time.Now,
		estimate:  newEstimator(),
		handles:   newHandleTable(),
	}
	return ns
}

// coarseNow returns the current coarse clock tick, truncated to one
// second, matching spec.md §9(b)'s "current coarse-clock tick".
func (ns *Namespace) coarseNow() time.Time {
	return ns.clock().Truncate(time.Second)
}

// pushUnusedLocked appends l to the tail of unused_lru, stamping
// LastUsed to the current coarse tick. Caller holds ns.mu; l must not
// already be on unused_lru.
func (ns *Namespace) pushUnusedLocked(l *Lock) {
	l.mu.Lock()
	l.LastUsed = ns.coarseNow()
	l.membership = MembershipUnusedLRU
	l.mu.Unlock()

	l.listElement = ns.unusedLRU.PushBack(l)
	ns.nrUnused++
}

// removeFromUnusedLocked unlinks l from unused_lru if it is currently
// there. Caller holds ns.mu.
func (ns *Namespace) removeFromUnusedLocked(l *Lock) {
	l.mu.Lock()
	onLRU := l.membership == MembershipUnusedLRU
	l.mu.Unlock()

	if !onLRU {
		return
	}
	ns.unusedLRU.Remove(l.listElement)
	l.mu.Lock()
	l.listElement = nil
	l.membership = MembershipNone
	l.mu.Unlock()
	ns.nrUnused--
}

// Pool returns the namespace's current server-pool feedback values
// (spec.md §3, §4.3).
func (ns *Namespace) Pool() (slv uint64, lvf uint64) {
	ns.poolMu.RLock()
	defer ns.poolMu.RUnlock()
	return ns.slv, ns.lvf
}

// NrUnused reports the current unused-LRU length.
func (ns *Namespace) NrUnused() int {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return ns.nrUnused
}

// estimator is the namespace's adaptive completion-timeout estimator
// (spec.md §4.1: "feed the observed delay into the namespace's
// adaptive-timeout estimator"). A simple exponentially weighted moving
// average, matching the "3x the estimate" sizing spec.md prescribes
// without pulling in a stats dependency for a single scalar.
type estimator struct {
	mu      sync.Mutex
	value   time.Duration
	primed  bool
	alpha   float64
}

func newEstimator() estimator {
	return estimator{value: 3 * time.Second, alpha: 0.25}
}

func (e *estimator) observe(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.primed {
		e.value = d
		e.primed = true
		return
	}
	e.value = time.Duration(float64(e.value)*(1-e.alpha) + float64(d)*e.alpha)
}

func (e *estimator) get() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.value
}

// AdaptiveEstimate returns the namespace's current completion-time
// estimate, used to compute T = max(3*estimate, enqueue_min) in
// completion.go.
func (ns *Namespace) AdaptiveEstimate() time.Duration {
	if !ns.config.AdaptiveTimeoutEnabled {
		return time.Duration(ns.config.EnqueueMinSeconds) * time.Second / 3
	}
	return ns.estimate.get()
}
