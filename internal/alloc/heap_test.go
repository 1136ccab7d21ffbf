// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package alloc

import (
	"bytes"
	"testing"

	"github.com/cznic/kvserver/internal/memregion"
)

func newTestHeap(t *testing.T) *Heap {
	t.Helper()

	region, err := memregion.New(1 << 20)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { region.Close() })

	return NewHeap(region)
}

func mustAlloc(t *testing.T, h *Heap, n int) Handle {
	t.Helper()

	hd, ok := h.Alloc(n)
	if !ok {
		t.Fatalf("Alloc(%d) failed", n)
	}

	return hd
}

func TestAllocZero(t *testing.T) {
	h := newTestHeap(t)
	if _, ok := h.Alloc(0); ok {
		t.Fatal("Alloc(0) unexpectedly succeeded")
	}
}

func TestAllocNormalizesToMinimumAndAlignment(t *testing.T) {
	h := newTestHeap(t)

	hd := mustAlloc(t, h, 1)
	if got := h.Size(hd); got != MinPayload {
		t.Fatalf("Size() = %d, want %d", got, MinPayload)
	}

	hd2 := mustAlloc(t, h, MinPayload+1)
	if got := h.Size(hd2); got%WordSize != 0 {
		t.Fatalf("Size() = %d not a multiple of %d", got, WordSize)
	}
}

// Scenario 1 from the distilled spec §8: p2 is released first and absorbs
// nothing; releasing p1 then coalesces forward over the free p2, leaving one
// free block spanning both payloads.
func TestReleaseCoalescesForward(t *testing.T) {
	h := newTestHeap(t)

	p1 := mustAlloc(t, h, 16)
	p2 := mustAlloc(t, h, 40)
	size1, size2 := h.Size(p1), h.Size(p2)

	h.Release(p2)
	h.Release(p1)

	if err := h.Verify(); err != nil {
		t.Fatal(err)
	}

	// A single free block should now span both payloads: one more
	// allocation big enough to need all of that space must succeed
	// without growing the heap.
	before := h.HeapEnd()
	mustAlloc(t, h, size1+headerSize+size2)
	if h.HeapEnd() != before {
		t.Fatal("allocation after coalesce unexpectedly grew the heap")
	}
}

// Scenario 2: alloc, release, alloc of the same size reuses the same block
// (LIFO reuse on a single-block free list).
func TestReleaseThenAllocReusesBlock(t *testing.T) {
	h := newTestHeap(t)

	p := mustAlloc(t, h, 32)
	h.Release(p)
	q := mustAlloc(t, h, 32)

	if p != q {
		t.Fatalf("q = %v, want reuse of p = %v", q, p)
	}
}

// Scenario 3: a big block, once split, leaves a free remainder sized
// payload - requested - header.
func TestAllocSplitsLargeBlock(t *testing.T) {
	h := newTestHeap(t)

	a := mustAlloc(t, h, 100)
	_ = mustAlloc(t, h, 8) // b, keeps a's neighbor allocated so release can't grow past heap end
	h.Release(a)

	c := mustAlloc(t, h, 16)
	if c != a {
		t.Fatalf("c = %v, want reuse of a = %v", c, a)
	}

	if err := h.Verify(); err != nil {
		t.Fatal(err)
	}

	// Both sizes are normalized first (100 -> 104, 16 -> 24), so the
	// remaining free block starts right after c's 24-byte payload and has
	// payload == 104 - 24 - headerSize == 72.
	wantRemainder := normalize(100) - normalize(16) - headerSize
	off := handle2off(c) + headerSize + normalize(16)
	size, free := h.header(off)
	if !free || size != wantRemainder {
		t.Fatalf("remainder block: free=%t size=%d, want free=true size=%d", free, size, wantRemainder)
	}
}

func TestAllocNoSplitWhenRemainderTooSmall(t *testing.T) {
	h := newTestHeap(t)

	// payload 40: requesting 24 leaves 40-24-8 = 8 bytes, below
	// MinPayload, so no split should occur and the whole block is used.
	a := mustAlloc(t, h, 40)
	h.Release(a)

	b := mustAlloc(t, h, MinPayload)
	if b != a {
		t.Fatalf("b = %v, want reuse of a = %v", b, a)
	}

	if got := h.Size(b); got != 40 {
		t.Fatalf("Size(b) = %d, want 40 (no split)", got)
	}
}

func TestReadWriteRoundTrip(t *testing.T) {
	h := newTestHeap(t)

	hd := mustAlloc(t, h, 5)
	h.Write(hd, []byte("hello"))

	if got := h.Read(hd); !bytes.Equal(got, append([]byte("hello"), make([]byte, MinPayload-5)...)) {
		t.Fatalf("Read() = %q", got)
	}
}

func TestWriteTooLargePanics(t *testing.T) {
	h := newTestHeap(t)
	hd := mustAlloc(t, h, 8)

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic writing beyond payload size")
		}
	}()

	h.Write(hd, make([]byte, MinPayload+1))
}

func TestDoubleReleasePanics(t *testing.T) {
	h := newTestHeap(t)
	hd := mustAlloc(t, h, 8)
	h.Release(hd)

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on double release")
		}
	}()

	h.Release(hd)
}

func TestReleaseNilIsNoop(t *testing.T) {
	h := newTestHeap(t)
	h.Release(0)
}

// Property: for all sequences of alloc/release, after every release, no
// two adjacent free blocks exist, and every free block's size >= MinPayload.
func TestRandomSequenceMaintainsInvariants(t *testing.T) {
	h := newTestHeap(t)

	var live []Handle
	sizes := []int{1, 8, 24, 25, 64, 100, 4096 - 8}

	for i := 0; i < 2000; i++ {
		op := i % 3
		switch {
		case op != 0 || len(live) == 0:
			n := sizes[i%len(sizes)]
			hd, ok := h.Alloc(n)
			if !ok {
				t.Fatalf("Alloc(%d) failed at iter %d", n, i)
			}
			live = append(live, hd)
		default:
			idx := i % len(live)
			h.Release(live[idx])
			live = append(live[:idx], live[idx+1:]...)
		}

		if err := h.Verify(); err != nil {
			t.Fatalf("iter %d: %v", i, err)
		}
	}
}

// Property: returned pointers are disjoint until released.
func TestAllocationsAreDisjoint(t *testing.T) {
	h := newTestHeap(t)

	type span struct{ start, end int64 }
	var spans []span

	for i := 0; i < 200; i++ {
		hd := mustAlloc(t, h, 16+i%64)
		off := handle2off(hd)
		size := int64(h.Size(hd))

		for _, s := range spans {
			if off < s.end && s.start < off+headerSize+size {
				t.Fatalf("new block [%d,%d) overlaps existing block [%d,%d)", off, off+headerSize+size, s.start, s.end)
			}
		}

		spans = append(spans, span{off, off + headerSize + size})
	}
}
