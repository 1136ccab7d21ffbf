// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

/*

Package alloc implements the BlockAllocator: a freestanding heap allocator
handing out aligned byte ranges, with inline metadata, a singly-linked free
list, boundary splitting, and forward coalescing.

Block layout

A block is a header word followed by its payload:

	+----------------+--------------------------+
	| header (8 byte)|        payload            |
	+----------------+--------------------------+

The header packs the payload size and a free/allocated bit into one 64 bit
word, most significant bit first:

	bit 63        : 1 == free, 0 == allocated
	bits 0..62    : payload size in bytes

Payload size is always a multiple of the word size A (8) and never smaller
than M (24) — enough to host the free-list link described below. When a
block is free, the first 8 bytes of its payload hold the next free block's
Handle (0 meaning "end of list"); when allocated, the whole payload is the
caller's.

Handles

A Handle is the byte offset of a block's header, plus one. The +1 makes the
zero Handle mean "no block" without colliding with the legitimate offset 0,
the same trick the teacher's file-backed allocator applies to block offsets
(see h2off/off2h in lldb/falloc.go) — adapted here to in-process memory
offsets instead of file offsets, so no raw pointer ever needs to leave this
package.

Thread safety

Heap is not internally synchronized, matching §5/§9 of the distilled spec
exactly: it is designed to run under a single mutator, or behind a lock
supplied by the host (internal/store does this).

*/
package alloc

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/cznic/mathutil"
	"github.com/cznic/sortutil"

	"github.com/cznic/kvserver/internal/memregion"
)

const (
	// WordSize is A in the distilled spec: the alignment every block
	// size is rounded up to.
	WordSize = 8

	// MinPayload is M in the distilled spec: the smallest payload any
	// block, free or allocated, may ever have.
	MinPayload = 24

	headerSize = 8
	freeBit    = uint64(1) << 63
	sizeMask   = freeBit - 1
)

// Handle identifies a single live allocation. The zero Handle never refers
// to a block. Handles remain valid until passed to Heap.Release.
type Handle int64

// Heap is the BlockAllocator. It hands out Handles backed by a single
// memregion.Region grown on demand.
type Heap struct {
	region    *memregion.Region
	freeHead  Handle
	heapStart int64
}

// NewHeap returns a Heap backed by region. The heap is empty until the
// first successful Alloc grows it.
func NewHeap(region *memregion.Region) *Heap {
	return &Heap{region: region, heapStart: -1}
}

// HeapStart returns the offset of the first block ever allocated, or -1 if
// the heap has never grown.
func (h *Heap) HeapStart() int64 { return h.heapStart }

// HeapEnd returns the current end of the managed region.
func (h *Heap) HeapEnd() int64 { return h.region.End() }

// Alloc returns a Handle to at least n bytes, aligned to WordSize. It
// returns ok == false on n <= 0 or if growing the heap fails; no partial
// state is left behind in either case.
func (h *Heap) Alloc(n int) (handle Handle, ok bool) {
	if n <= 0 {
		return 0, false
	}

	sz := normalize(n)

	var prev Handle
	cur := h.freeHead
	for cur != 0 {
		off := handle2off(cur)
		fsize, free := h.header(off)
		if !free {
			panic(&ErrCorrupt{Reason: fmt.Sprintf("free list entry at %d is not marked free", off)})
		}

		next := h.nextFree(off)
		if fsize >= sz {
			h.unlink(prev, cur, next)
			allocSize := fsize
			if fsize >= sz+headerSize+MinPayload {
				rightOff := off + headerSize + sz
				rightSize := fsize - sz - headerSize
				h.pushFree(rightOff, rightSize)
				allocSize = sz
			}
			h.setHeader(off, allocSize, false)
			return off2handle(off), true
		}

		prev, cur = cur, next
	}

	oldEnd, grew := h.region.Grow(headerSize + sz)
	if !grew {
		return 0, false
	}

	if h.heapStart < 0 {
		h.heapStart = oldEnd
	}

	h.setHeader(oldEnd, sz, false)
	return off2handle(oldEnd), true
}

// Release returns handle's block to the allocator. Releasing the zero
// Handle is a no-op. Double-release, or releasing a Handle not obtained
// from Alloc, is undefined behavior per the distilled spec's contract; this
// implementation detects the double-release case and panics rather than
// silently corrupting the free list.
func (h *Heap) Release(handle Handle) {
	if handle == 0 {
		return
	}

	off := handle2off(handle)
	size, free := h.header(off)
	if free {
		panic(&ErrDoubleRelease{Offset: off})
	}

	h.free2(off, size)
}

// Size returns the payload size of handle's block.
func (h *Heap) Size(handle Handle) int {
	off := handle2off(handle)
	size, free := h.header(off)
	if free {
		panic(&ErrInvalid{Op: "Size", Arg: handle})
	}

	return int(size)
}

// Read copies the payload of handle's block into a freshly allocated slice.
func (h *Heap) Read(handle Handle) []byte {
	off := handle2off(handle)
	size, free := h.header(off)
	if free {
		panic(&ErrInvalid{Op: "Read", Arg: handle})
	}

	buf := make([]byte, size)
	copy(buf, h.region.Bytes()[off+headerSize:off+headerSize+size])
	return buf
}

// Write overwrites handle's payload with data. len(data) must not exceed
// the block's payload size.
func (h *Heap) Write(handle Handle, data []byte) {
	off := handle2off(handle)
	size, free := h.header(off)
	if free {
		panic(&ErrInvalid{Op: "Write", Arg: handle})
	}

	if int64(len(data)) > size {
		panic(&ErrInvalid{Op: "Write", Arg: len(data)})
	}

	copy(h.region.Bytes()[off+headerSize:], data)
}

// free2 coalesces the block forward while its physical right neighbor exists
// and is free, then marks the merged block free and pushes it to the
// free-list head. Coalescing is intentionally forward-only — see distilled
// spec §9.
func (h *Heap) free2(off, size int64) {
	end := h.region.End()
	for {
		neighbor := off + headerSize + size
		if neighbor >= end {
			break
		}

		nsize, nfree := h.header(neighbor)
		if !nfree {
			break
		}

		h.unlinkByOffset(neighbor)
		size += headerSize + nsize
	}

	h.pushFree(off, size)
}

// pushFree marks the block at off free with the given size and inserts it
// at the free-list head (LIFO).
func (h *Heap) pushFree(off, size int64) {
	h.setHeader(off, size, true)
	h.setNextFree(off, h.freeHead)
	h.freeHead = off2handle(off)
}

// unlink removes cur (whose predecessor in the scan was prev, and whose
// free-list successor is next) from the free list.
func (h *Heap) unlink(prev, cur, next Handle) {
	if prev == 0 {
		h.freeHead = next
		return
	}

	h.setNextFree(handle2off(prev), next)
}

// unlinkByOffset removes the free block at off from the free list via an
// O(n) linear scan with pointer-equality match, exactly as the distilled
// spec's free-list representation requires.
func (h *Heap) unlinkByOffset(off int64) {
	target := off2handle(off)

	var prev Handle
	cur := h.freeHead
	for cur != 0 {
		if cur == target {
			h.unlink(prev, cur, h.nextFree(handle2off(cur)))
			return
		}

		prev = cur
		cur = h.nextFree(handle2off(cur))
	}

	panic(&ErrCorrupt{Reason: fmt.Sprintf("coalesce target at %d is not on the free list", off)})
}

// Verify walks the whole heap from HeapStart to HeapEnd, checking the
// testable properties of distilled spec §8.1: no adjacent free blocks,
// every block's payload >= MinPayload, the walk visits every block exactly
// once and lands exactly on HeapEnd, and the free list agrees with the set
// of free blocks found during the walk.
func (h *Heap) Verify() error {
	if h.heapStart < 0 {
		return nil
	}

	end := h.region.End()
	seen := map[int64]bool{}
	var freeOffsets []int64

	lastFree := false
	off := h.heapStart
	for off < end {
		size, free := h.header(off)
		if size < MinPayload {
			return &ErrCorrupt{Reason: fmt.Sprintf("block at %d has payload %d below minimum %d", off, size, MinPayload)}
		}

		if free {
			if lastFree {
				return &ErrCorrupt{Reason: fmt.Sprintf("adjacent free blocks ending at %d", off)}
			}
			freeOffsets = append(freeOffsets, off)
		}

		seen[off] = true
		lastFree = free
		off += headerSize + size
	}

	if off != end {
		return &ErrCorrupt{Reason: fmt.Sprintf("heap walk ended at %d, want %d", off, end)}
	}

	var listed []int64
	cur := h.freeHead
	for cur != 0 {
		o := handle2off(cur)
		if !seen[o] {
			return &ErrCorrupt{Reason: fmt.Sprintf("free list references unknown block at %d", o)}
		}
		listed = append(listed, o)
		cur = h.nextFree(o)
	}

	walked := make(sortutil.Int64Slice, len(freeOffsets))
	copy(walked, freeOffsets)
	sort.Sort(walked)

	fromList := make(sortutil.Int64Slice, len(listed))
	copy(fromList, listed)
	sort.Sort(fromList)

	if len(walked) != len(fromList) {
		return &ErrCorrupt{Reason: "free list size disagrees with heap walk"}
	}

	for i := range walked {
		if walked[i] != fromList[i] {
			return &ErrCorrupt{Reason: "free list contents disagree with heap walk"}
		}
	}

	return nil
}

func normalize(n int) int64 {
	sz := mathutil.MaxInt64(int64(n), MinPayload)
	return (sz + WordSize - 1) &^ (WordSize - 1)
}

func (h *Heap) header(off int64) (size int64, free bool) {
	word := binary.LittleEndian.Uint64(h.region.Bytes()[off : off+headerSize])
	return int64(word & sizeMask), word&freeBit != 0
}

func (h *Heap) setHeader(off, size int64, free bool) {
	word := uint64(size)
	if free {
		word |= freeBit
	}
	binary.LittleEndian.PutUint64(h.region.Bytes()[off:off+headerSize], word)
}

func (h *Heap) nextFree(off int64) Handle {
	b := h.region.Bytes()
	return Handle(binary.LittleEndian.Uint64(b[off+headerSize : off+headerSize+8]))
}

func (h *Heap) setNextFree(off int64, next Handle) {
	b := h.region.Bytes()
	binary.LittleEndian.PutUint64(b[off+headerSize:off+headerSize+8], uint64(next))
}

func off2handle(off int64) Handle { return Handle(off + 1) }
func handle2off(h Handle) int64   { return int64(h) - 1 }
