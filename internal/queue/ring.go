// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

/*

Package queue implements the WorkQueue: a bounded ring buffer of accepted
connections, shared between one producer (the accept loop) and a fixed
WorkerPool (distilled spec §4.3). Submit never blocks — a full queue is
backpressure the producer must act on (close the connection, or retry), exactly as the
distilled spec's C excerpt treats a full queue as a caller-visible failure
rather than something to block on.

*/
package queue

import (
	"context"
	"sync"

	"github.com/cznic/kvserver/internal/wire"
)

// Conn is the per-connection handle the core operates on. The accept loop
// builds one per accepted connection and Submits it; a worker Pops one and
// drives it to completion. The TCP accept loop and the wire codec that
// produce Conns are external collaborators — the core, including this
// package, only ever sees this interface (distilled spec §6).
type Conn interface {
	// ReadRequest parses the next request header off the connection.
	ReadRequest(ctx context.Context) (*wire.Request, error)
	// ReadPayload reads exactly n bytes of a SET value directly into buf.
	ReadPayload(ctx context.Context, n int, buf []byte) error
	// SendResponse writes one response frame.
	SendResponse(ctx context.Context, status wire.Status, payload []byte) error
	Close() error
}

// Ring is the WorkQueue: a fixed-capacity ring buffer of Conns, guarded by a
// mutex and a condition variable a worker blocks on when the queue is
// empty (distilled spec §4.3).
type Ring struct {
	mu   sync.Mutex
	cond *sync.Cond

	buf              []Conn
	head, tail, size int
	shutdown         bool
}

// NewRing returns a Ring with room for capacity pending Conns.
func NewRing(capacity int) *Ring {
	r := &Ring{buf: make([]Conn, capacity)}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Submit enqueues conn at the tail and wakes one blocked worker. It returns
// false, leaving conn untouched for the caller to handle, if the queue is
// full or Shutdown has already been called.
func (r *Ring) Submit(conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.shutdown || r.size == len(r.buf) {
		return false
	}

	r.buf[r.tail] = conn
	r.tail = (r.tail + 1) % len(r.buf)
	r.size++
	r.cond.Signal()
	return true
}

// Pop blocks until a Conn is available or the queue has been shut down and
// drained, in which case ok is false. Workers call Pop in a loop; there is
// no separate close signal beyond ok.
func (r *Ring) Pop() (conn Conn, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for r.size == 0 && !r.shutdown {
		r.cond.Wait()
	}

	if r.size == 0 {
		return nil, false
	}

	conn = r.buf[r.head]
	r.buf[r.head] = nil
	r.head = (r.head + 1) % len(r.buf)
	r.size--
	return conn, true
}

// Shutdown marks the queue closed and wakes every worker blocked in Pop.
// Conns already queued are still returned by Pop until the queue drains;
// Submit after Shutdown always returns false.
func (r *Ring) Shutdown() {
	r.mu.Lock()
	r.shutdown = true
	r.mu.Unlock()
	r.cond.Broadcast()
}

// Len reports the number of Conns currently queued. It is intended for
// metrics and tests, not for flow control — size can change the instant
// after Len returns.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}
