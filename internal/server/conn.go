// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package server

import (
	"context"
	"io"
	"net"

	"github.com/cznic/kvserver/internal/wire"
)

// netConn adapts a net.Conn to queue.Conn. It is the one piece of this
// repository that actually touches a socket; everything upstream of it
// (the core, the queue, the workers) only ever sees the queue.Conn
// interface.
type netConn struct {
	nc net.Conn
}

func newNetConn(nc net.Conn) *netConn {
	return &netConn{nc: nc}
}

func (c *netConn) ReadRequest(ctx context.Context) (*wire.Request, error) {
	return wire.ReadRequest(c.nc)
}

func (c *netConn) ReadPayload(ctx context.Context, n int, buf []byte) error {
	_, err := io.ReadFull(c.nc, buf[:n])
	return err
}

func (c *netConn) SendResponse(ctx context.Context, status wire.Status, payload []byte) error {
	return wire.WriteResponse(c.nc, status, payload)
}

func (c *netConn) Close() error {
	return c.nc.Close()
}
