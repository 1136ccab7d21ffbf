// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package memregion implements the "OS brk/mmap primitive" the distilled
// specification describes: a process-wide contiguous address range that
// grows monotonically and never moves.
package memregion

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

const (
	pageSize = 1 << 12

	// growChunk rounds every protection change up to a whole number of
	// these, so a long run of small Grow calls doesn't turn into a long
	// run of small mprotect syscalls. The logical, byte-exact boundary
	// callers see (requested) never depends on this rounding.
	growChunk = 1 << 20
)

// Region is a single reservation of virtual address space. Bytes beyond the
// protected prefix are mapped PROT_NONE and touching them faults; Grow moves
// the boundary forward with mprotect, never with a fresh mmap, so an offset
// computed from the start of the region stays valid for the Region's entire
// lifetime.
type Region struct {
	mu        sync.Mutex
	mem       []byte // the full PROT_NONE reservation, length == reserved
	requested int64  // heap_end: bytes actually handed out via Grow
	protected int64  // bytes currently PROT_READ|PROT_WRITE, always >= requested
	reserved  int64
}

// New reserves size bytes of address space without committing any of it.
// size is a hard ceiling on how far the region can ever Grow.
func New(size int64) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("memregion: reservation size must be positive, got %d", size)
	}

	n := alignUp(size, pageSize)
	mem, err := unix.Mmap(-1, 0, int(n), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("memregion: reserve %d bytes: %w", n, err)
	}

	return &Region{mem: mem, reserved: n}, nil
}

// Grow extends the region by exactly n bytes and returns the offset at
// which the new extent begins (heap_end before the call). ok is false, and
// nothing changes, if the reservation would be exhausted.
func (r *Region) Grow(n int64) (oldEnd int64, ok bool) {
	if n <= 0 {
		return 0, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	want := r.requested + n
	if want > r.reserved {
		return 0, false
	}

	if want > r.protected {
		newProtected := alignUp(want, growChunk)
		if newProtected > r.reserved {
			newProtected = r.reserved
		}

		if err := unix.Mprotect(r.mem[:newProtected], unix.PROT_READ|unix.PROT_WRITE); err != nil {
			return 0, false
		}

		r.protected = newProtected
	}

	oldEnd = r.requested
	r.requested = want
	return oldEnd, true
}

// Base returns the region's fixed logical origin. Every offset Grow and
// Bytes hand out is relative to this value, which is always 0: a Region
// never maps its arena at a varying base the way a file-backed filer keys
// offsets off a header, it simply is offset 0 of its own reservation.
func (r *Region) Base() int64 {
	return 0
}

// End returns heap_end: the current high-water mark of bytes handed out by
// Grow. It only ever grows.
func (r *Region) End() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.requested
}

// Bytes returns a slice over the region's requested prefix. The returned
// slice aliases the Region's backing storage and stays valid for the
// Region's lifetime; growing the region does not invalidate slices
// previously returned, since the underlying array never moves.
func (r *Region) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mem[:r.requested:r.requested]
}

// Close releases the reservation back to the operating system. It is not
// safe to use the Region, or any slice derived from Bytes, afterwards.
func (r *Region) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.mem == nil {
		return nil
	}

	err := unix.Munmap(r.mem)
	r.mem = nil
	return err
}

func alignUp(n, a int64) int64 {
	return (n + a - 1) &^ (a - 1)
}
