// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package server

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"testing"

	"github.com/cznic/kvserver/internal/alloc"
	"github.com/cznic/kvserver/internal/memregion"
	"github.com/cznic/kvserver/internal/metrics"
	"github.com/cznic/kvserver/internal/store"
	"github.com/cznic/kvserver/internal/wire"
)

// pipeConn is an in-memory queue.Conn backed by a single buffer, driven by
// directly encoding requests and decoding responses, without touching a
// socket.
type pipeConn struct {
	in  *bytes.Buffer // requests waiting to be read by the dispatcher
	out *bytes.Buffer // responses written by the dispatcher
}

func newPipeConn() *pipeConn {
	return &pipeConn{in: &bytes.Buffer{}, out: &bytes.Buffer{}}
}

func (c *pipeConn) ReadRequest(context.Context) (*wire.Request, error) {
	return wire.ReadRequest(c.in)
}

func (c *pipeConn) ReadPayload(_ context.Context, n int, buf []byte) error {
	_, err := io.ReadFull(c.in, buf[:n])
	return err
}

func (c *pipeConn) SendResponse(_ context.Context, status wire.Status, payload []byte) error {
	return wire.WriteResponse(c.out, status, payload)
}

func (c *pipeConn) Close() error { return nil }

// truncatedPayloadConn is a pipeConn whose ReadPayload delivers only the
// first arrived bytes of a longer payload and then fails, the way a read
// does when the peer's stream breaks in the middle of a value.
type truncatedPayloadConn struct {
	*pipeConn
	arrived int
}

func (c *truncatedPayloadConn) ReadPayload(ctx context.Context, n int, buf []byte) error {
	if n <= c.arrived {
		return c.pipeConn.ReadPayload(ctx, n, buf)
	}
	if _, err := io.ReadFull(c.in, buf[:c.arrived]); err != nil {
		return err
	}
	return io.ErrUnexpectedEOF
}

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()

	region, err := memregion.New(1 << 20)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { region.Close() })

	table := store.NewTable(alloc.NewHeap(region), 0)
	return NewDispatcher(table, metrics.New(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestDispatcherSetThenGet(t *testing.T) {
	d := newTestDispatcher(t)
	conn := newPipeConn()

	wire.WriteRequest(conn.in, wire.OpSet, []byte("x"), []byte("hello"), false)
	wire.WriteRequest(conn.in, wire.OpGet, []byte("x"), nil, true)

	if err := d.Handle(context.Background(), conn); err != nil {
		t.Fatal(err)
	}

	setResp, err := wire.ReadResponse(conn.out)
	if err != nil {
		t.Fatal(err)
	}
	if setResp.Status != wire.OK {
		t.Fatalf("SET status = %v, want OK", setResp.Status)
	}

	getResp, err := wire.ReadResponse(conn.out)
	if err != nil {
		t.Fatal(err)
	}
	if getResp.Status != wire.OK || string(getResp.Payload) != "hello" {
		t.Fatalf("GET = %+v, want OK/hello", getResp)
	}
}

func TestDispatcherGetMissingKeyReturnsKeyError(t *testing.T) {
	d := newTestDispatcher(t)
	conn := newPipeConn()

	wire.WriteRequest(conn.in, wire.OpGet, []byte("missing"), nil, true)

	if err := d.Handle(context.Background(), conn); err != nil {
		t.Fatal(err)
	}

	resp, err := wire.ReadResponse(conn.out)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != wire.KeyError {
		t.Fatalf("status = %v, want KeyError", resp.Status)
	}
}

func TestDispatcherDelThenGetMisses(t *testing.T) {
	d := newTestDispatcher(t)
	conn := newPipeConn()

	wire.WriteRequest(conn.in, wire.OpSet, []byte("k"), []byte("v"), false)
	wire.WriteRequest(conn.in, wire.OpDel, []byte("k"), nil, false)
	wire.WriteRequest(conn.in, wire.OpGet, []byte("k"), nil, true)

	if err := d.Handle(context.Background(), conn); err != nil {
		t.Fatal(err)
	}

	for _, want := range []wire.Status{wire.OK, wire.OK, wire.KeyError} {
		resp, err := wire.ReadResponse(conn.out)
		if err != nil {
			t.Fatal(err)
		}
		if resp.Status != want {
			t.Fatalf("status = %v, want %v", resp.Status, want)
		}
	}
}

func TestDispatcherStopsOnReadError(t *testing.T) {
	d := newTestDispatcher(t)
	conn := newPipeConn() // empty: ReadRequest will hit EOF immediately

	if err := d.Handle(context.Background(), conn); err != nil {
		t.Fatal(err)
	}
	if conn.out.Len() != 0 {
		t.Fatal("expected no response written when no request was read")
	}
}

// A truncated SET payload desynchronizes the byte stream: whatever bytes
// remain can no longer be trusted as the next request's header. Handle must
// mark the connection for closure and stop, rather than try to parse the
// leftover bytes (here, a well-formed trailing GET) as a fresh request.
func TestDispatcherClosesConnectionOnTruncatedSetPayload(t *testing.T) {
	d := newTestDispatcher(t)
	conn := &truncatedPayloadConn{pipeConn: newPipeConn(), arrived: 2}

	header := []byte{byte(wire.OpSet)}
	header = binary.BigEndian.AppendUint16(header, uint16(len("k")))
	header = append(header, "k"...)
	header = binary.BigEndian.AppendUint32(header, 5) // claims 5 bytes of value
	conn.in.Write(header)
	conn.in.WriteString("ab") // only 2 of the promised 5 arrive before the read fails

	wire.WriteRequest(conn.in, wire.OpGet, []byte("trailing"), nil, true)

	if err := d.Handle(context.Background(), conn); err != nil {
		t.Fatal(err)
	}

	resp, err := wire.ReadResponse(conn.out)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != wire.StoreError {
		t.Fatalf("status = %v, want StoreError", resp.Status)
	}

	if conn.out.Len() != 0 {
		t.Fatal("expected exactly one response; trailing bytes were parsed as a second request")
	}
}
