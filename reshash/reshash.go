// SPDX-License-Identifier: Apache-2.0

// Package reshash is the reference ResourceIndex implementation named in
// SPEC_FULL.md's DOMAIN STACK: a cityhash-bucketed table of resources,
// each bucket an NVIDIA/sortedmap LLRBTree keyed by the resource's name
// components, so Range walks each bucket in key order. The order across
// buckets is not sorted; dlm's RunReplay sorts the locks it collects.
package reshash

import (
	"encoding/binary"
	"sync"

	"github.com/NVIDIA/sortedmap"
	"github.com/creachadair/cityhash"

	"github.com/latticefs/dlmclient/dlm"
	"github.com/latticefs/dlmclient/wire"
)

const bucketCount = 256

// Table is a cityhash-bucketed, sortedmap-ordered ResourceIndex.
type Table struct {
	mu      sync.RWMutex
	buckets [bucketCount]sortedmap.LLRBTree
}

// New constructs an empty Table, one LLRBTree per bucket, each ordered
// by the packed resource key via bytes.Compare (sortedmap.CompareItems'
// default for []byte keys).
func New() *Table {
	t := &Table{}
	for i := range t.buckets {
		t.buckets[i] = sortedmap.NewLLRBTree(sortedmap.CompareByteSlice, nil)
	}
	return t
}

func resourceKey(id wire.ResourceID) []byte {
	b := make([]byte, 4+8*4)
	binary.BigEndian.PutUint32(b[0:4], id.ResourceType)
	for i, n := range id.Name {
		binary.BigEndian.PutUint64(b[4+i*8:4+i*8+8], n)
	}
	return b
}

func bucketFor(key []byte) int {
	return int(cityhash.Hash64(key) % bucketCount)
}

// LookupOrCreate implements dlm.ResourceIndex.
func (t *Table) LookupOrCreate(ns *dlm.Namespace, id wire.ResourceID) *dlm.Resource {
	key := resourceKey(id)
	idx := bucketFor(key)

	t.mu.Lock()
	defer t.mu.Unlock()

	if v, ok, err := t.buckets[idx].GetByKey(key); err == nil && ok {
		return v.(*dlm.Resource)
	}

	res := dlm.NewResource(ns, id)
	_, _ = t.buckets[idx].Put(key, res)
	return res
}

// Lookup implements dlm.ResourceIndex.
func (t *Table) Lookup(id wire.ResourceID) (*dlm.Resource, bool) {
	key := resourceKey(id)
	idx := bucketFor(key)

	t.mu.RLock()
	defer t.mu.RUnlock()

	v, ok, err := t.buckets[idx].GetByKey(key)
	if err != nil || !ok {
		return nil, false
	}
	return v.(*dlm.Resource), true
}

// Range implements dlm.ResourceIndex, walking each bucket's LLRBTree in
// key order so the aggregate walk is deterministic bucket-by-bucket
// (the cross-bucket order is hash-bucket order, not global; dlm's
// replay driver re-sorts globally with google/btree over exactly the
// locks it collects, so bucket-local ordering here only needs to be
// stable, not globally sorted).
func (t *Table) Range(fn func(*dlm.Resource) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, bucket := range t.buckets {
		length, err := bucket.Len()
		if err != nil {
			continue
		}
		for i := 0; i < length; i++ {
			_, v, _, err := bucket.GetByIndex(i)
			if err != nil {
				continue
			}
			if !fn(v.(*dlm.Resource)) {
				return
			}
		}
	}
}

// Forget implements dlm.ResourceIndex.
func (t *Table) Forget(id wire.ResourceID) {
	key := resourceKey(id)
	idx := bucketFor(key)

	t.mu.Lock()
	defer t.mu.Unlock()
	_, _ = t.buckets[idx].DeleteByKey(key)
}
