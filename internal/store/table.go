// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

/*

Package store implements the HashTable core: a fixed array of buckets, each
a mutex-guarded doubly-linked chain of items, each item guarded by its own
reader/writer lock over its value.

Lock protocol, reproduced from the distilled spec §4.2 and never violated by
this package:

 1. Bucket mutex — guards chain structure and the existence of the item.
 2. Item rwlock (read or write) — guards value replacement and reading.

Always acquired bucket → item, in that order, and released in reverse. Get
takes the item's read lock before releasing the bucket mutex, so an item
can never be deleted out from under an in-flight reader: Del takes the
item's write lock while still holding the bucket lock, and therefore blocks
until the reader is done.

The values themselves live in a shared BlockAllocator heap rather than on
the Go heap, which is what makes internal/alloc load-bearing rather than
decorative here: every Set of a non-empty value performs one Heap.Alloc,
every superseded or deleted non-empty value performs one Heap.Release (an
empty value is stored without touching the heap). Because Heap is not internally
synchronized (distilled spec §5/§9), Table serializes all Heap access behind
a single mutex — the chosen resolution of the "non-thread-safe allocator
inside a multithreaded server" open question, option (a) in §9.

*/
package store

import (
	"hash/fnv"
	"sync"

	"github.com/golang/snappy"

	"github.com/cznic/kvserver/internal/alloc"
)

// BucketCount is B in the distilled spec: the fixed number of buckets the
// table never resizes away from (dynamic resizing is an explicit Non-goal).
const BucketCount = 256

type bucketChain struct {
	mu   sync.Mutex
	head *item
}

// Table is the HashTable core.
type Table struct {
	heap   *alloc.Heap
	heapMu sync.Mutex

	buckets [BucketCount]bucketChain

	// compressionThreshold is the smallest value size, in bytes, that
	// Set attempts to Snappy-compress. Zero disables compression
	// entirely. This is an enrichment over the distilled spec, grounded
	// directly on the teacher: lldb.Allocator.Compress does the same
	// trade for its own blocks.
	compressionThreshold int
}

// NewTable returns a Table backed by heap. compressionThreshold is the
// minimum value size, in bytes, Set will attempt to compress; pass 0 to
// disable compression.
func NewTable(heap *alloc.Heap, compressionThreshold int) *Table {
	return &Table{heap: heap, compressionThreshold: compressionThreshold}
}

// Get returns an owned copy of the current value for key, or ErrNotFound.
func (t *Table) Get(key string) ([]byte, error) {
	b := &t.buckets[bucketIndex(key)]

	b.mu.Lock()
	it := b.find(key)
	if it == nil {
		b.mu.Unlock()
		return nil, ErrNotFound
	}

	// Acquire the item's read lock before releasing the bucket mutex:
	// this is what guarantees Del cannot remove the item out from under
	// us (distilled spec §4.2 GET details).
	it.mu.RLock()
	b.mu.Unlock()
	defer it.mu.RUnlock()

	if it.valueHandle == 0 {
		return []byte{}, nil
	}

	t.heapMu.Lock()
	raw := t.heap.Read(it.valueHandle)
	t.heapMu.Unlock()
	raw = raw[:it.valueLen]

	if !it.compressed {
		out := make([]byte, len(raw))
		copy(out, raw)
		return out, nil
	}

	return snappy.Decode(nil, raw)
}

// Set inserts or replaces the value for key. value's bytes are copied into
// the allocator heap; the caller's slice is never retained. Replacement
// frees the previous value only after all locks are released, to keep
// critical sections short (distilled spec §5).
func (t *Table) Set(key string, value []byte) error {
	stored, compressed := t.maybeCompress(value)

	var handle alloc.Handle
	if len(stored) > 0 {
		var ok bool
		t.heapMu.Lock()
		handle, ok = t.heap.Alloc(len(stored))
		if ok {
			t.heap.Write(handle, stored)
		}
		t.heapMu.Unlock()

		if !ok {
			return &ErrAllocFailed{Key: key, Size: len(stored)}
		}
	}

	b := &t.buckets[bucketIndex(key)]
	b.mu.Lock()

	it := b.find(key)
	if it == nil {
		it = &item{key: key}
		b.push(it)
	}

	it.mu.Lock()
	oldHandle := it.valueHandle
	it.valueHandle, it.valueLen, it.compressed = handle, len(stored), compressed
	it.mu.Unlock()

	b.mu.Unlock()

	if oldHandle != 0 {
		t.heapMu.Lock()
		t.heap.Release(oldHandle)
		t.heapMu.Unlock()
	}

	return nil
}

// Del removes the item for key, or returns ErrNotFound.
func (t *Table) Del(key string) error {
	b := &t.buckets[bucketIndex(key)]
	b.mu.Lock()

	it := b.find(key)
	if it == nil {
		b.mu.Unlock()
		return ErrNotFound
	}

	// Take the write lock before unlinking: any GET/SET that already
	// passed traversal has necessarily already acquired the item's
	// rwlock and will run to completion before we get here (distilled
	// spec §4.2 DEL details).
	it.mu.Lock()
	b.unlink(it)
	it.mu.Unlock()

	b.mu.Unlock()

	if it.valueHandle != 0 {
		t.heapMu.Lock()
		t.heap.Release(it.valueHandle)
		t.heapMu.Unlock()
	}

	return nil
}

// Verify delegates to the underlying heap's structural verification — see
// alloc.Heap.Verify.
func (t *Table) Verify() error {
	t.heapMu.Lock()
	defer t.heapMu.Unlock()
	return t.heap.Verify()
}

func (t *Table) maybeCompress(value []byte) (stored []byte, compressed bool) {
	if t.compressionThreshold <= 0 || len(value) < t.compressionThreshold {
		return value, false
	}

	enc := snappy.Encode(nil, value)
	if len(enc) >= len(value) {
		return value, false
	}

	return enc, true
}

func bucketIndex(key string) int {
	h := fnv.New64a()
	h.Write([]byte(key))
	return int(h.Sum64() % BucketCount)
}

func (b *bucketChain) find(key string) *item {
	for it := b.head; it != nil; it = it.next {
		if it.key == key {
			return it
		}
	}

	return nil
}

func (b *bucketChain) push(it *item) {
	it.next = b.head
	it.prev = nil
	if b.head != nil {
		b.head.prev = it
	}
	b.head = it
}

func (b *bucketChain) unlink(it *item) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		b.head = it.next
	}

	if it.next != nil {
		it.next.prev = it.prev
	}

	it.prev, it.next = nil, nil
}
