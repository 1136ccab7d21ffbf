// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cznic/kvserver/internal/metrics"
	"github.com/cznic/kvserver/internal/queue"
	"github.com/cznic/kvserver/internal/store"
	"github.com/cznic/kvserver/internal/wire"
)

// Dispatcher dispatches one request from a queue.Conn to the store, the way
// the distilled spec's worker threads do in §4.3: read, act, respond,
// repeat until the connection signals it's done or a read fails.
type Dispatcher struct {
	table *store.Table
	mx    *metrics.Metrics
	log   *slog.Logger
}

// NewDispatcher returns a Dispatcher backed by table.
func NewDispatcher(table *store.Table, mx *metrics.Metrics, log *slog.Logger) *Dispatcher {
	return &Dispatcher{table: table, mx: mx, log: log}
}

// Handle satisfies worker.Handler: it drives conn through as many
// request/response round trips as the connection offers, closing it when
// the peer disconnects or signals ConnectionClose.
func (d *Dispatcher) Handle(ctx context.Context, conn queue.Conn) error {
	defer conn.Close()

	for {
		req, err := conn.ReadRequest(ctx)
		if err != nil {
			return nil // peer closed or sent a malformed frame; nothing more to do
		}

		start := time.Now()
		status, payload, err := d.dispatch(ctx, conn, req)
		d.mx.Record(status, time.Since(start))

		if err != nil {
			d.log.Warn("request failed", "op", req.Op.String(), "status", status.String(), "err", err)
		}

		if sendErr := conn.SendResponse(ctx, status, payload); sendErr != nil {
			return sendErr
		}

		if req.ConnectionClose {
			return nil
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, conn queue.Conn, req *wire.Request) (wire.Status, []byte, error) {
	switch req.Op {
	case wire.OpGet:
		return d.handleGet(req)
	case wire.OpSet:
		return d.handleSet(ctx, conn, req)
	case wire.OpDel:
		return d.handleDel(req)
	default:
		return wire.StoreError, nil, errors.New("server: unknown op")
	}
}

func (d *Dispatcher) handleGet(req *wire.Request) (wire.Status, []byte, error) {
	value, err := d.table.Get(string(req.Key))
	if errors.Is(err, store.ErrNotFound) {
		return wire.KeyError, nil, nil
	}
	if err != nil {
		return wire.StoreError, nil, err
	}
	return wire.OK, value, nil
}

func (d *Dispatcher) handleSet(ctx context.Context, conn queue.Conn, req *wire.Request) (wire.Status, []byte, error) {
	value := make([]byte, req.MsgLen)
	if req.MsgLen > 0 {
		if err := conn.ReadPayload(ctx, req.MsgLen, value); err != nil {
			// A short read or I/O error here leaves the connection's byte
			// stream desynchronized — whatever bytes were meant to be the
			// tail of this payload are now indistinguishable from the next
			// request's header. Abort the request and mark the connection
			// for closure rather than let Handle loop back into garbage
			// (distilled spec §7; mirrors the original's
			// request->connection_close = 1 in set_request).
			req.ConnectionClose = true
			return wire.StoreError, nil, err
		}
	}

	if err := d.table.Set(string(req.Key), value); err != nil {
		return wire.StoreError, nil, err
	}
	return wire.OK, nil, nil
}

func (d *Dispatcher) handleDel(req *wire.Request) (wire.Status, []byte, error) {
	err := d.table.Del(string(req.Key))
	if errors.Is(err, store.ErrNotFound) {
		return wire.KeyError, nil, nil
	}
	if err != nil {
		return wire.StoreError, nil, err
	}
	return wire.OK, nil, nil
}
