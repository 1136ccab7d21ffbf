// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package worker implements the fixed-size WorkerPool that drains a
// queue.Ring, dispatching each popped connection to a Handler (distilled
// spec §4.3). Pool.Run uses golang.org/x/sync/errgroup rather than a bare
// `go handler()` loop per worker, so a worker that returns an error is
// reported to the caller instead of silently vanishing.
package worker

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/cznic/kvserver/internal/queue"
)

// Handler processes one popped connection end to end: reading the request,
// dispatching to the store, and writing the response. It is the seam
// between this package and internal/server, which builds the concrete
// queue.Conn implementations and the handler that drives the store.
type Handler func(ctx context.Context, conn queue.Conn) error

// Pool is a fixed number of goroutines, each popping from the same Ring in
// a loop until the Ring reports shutdown.
type Pool struct {
	ring    *queue.Ring
	handler Handler
	size    int
}

// NewPool returns a Pool of size workers draining ring via handler.
func NewPool(ring *queue.Ring, size int, handler Handler) *Pool {
	return &Pool{ring: ring, handler: handler, size: size}
}

// Run starts all workers and blocks until every one of them has exited,
// which happens once ring.Shutdown has been called and the queue has
// drained. It returns the first error any handler call returned, if any;
// the remaining workers keep running to completion regardless, since a
// single failed connection is not grounds for tearing down the pool.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < p.size; i++ {
		g.Go(func() error {
			return p.runOne(gctx)
		})
	}

	return g.Wait()
}

func (p *Pool) runOne(ctx context.Context) error {
	var firstErr error

	for {
		conn, ok := p.ring.Pop()
		if !ok {
			return firstErr
		}

		if err := p.handler(ctx, conn); err != nil && firstErr == nil {
			firstErr = err
		}
	}
}
