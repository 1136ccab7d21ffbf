// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command kvctl is a small client for talking to a kvserverd instance:
// kvctl -addr host:port get|set|del key [value].
package main

import (
	"flag"
	"fmt"
	"net"
	"os"

	"github.com/fatih/color"

	"github.com/cznic/kvserver/internal/wire"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("kvctl: %v", err))
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("kvctl", flag.ExitOnError)
	addr := fs.String("addr", "127.0.0.1:6380", "kvserverd address")
	fs.Parse(args)

	rest := fs.Args()
	if len(rest) < 2 {
		return fmt.Errorf("usage: kvctl -addr host:port get|set|del key [value]")
	}

	op, key := rest[0], rest[1]
	var value []byte
	if len(rest) > 2 {
		value = []byte(rest[2])
	}

	wireOp, err := parseOp(op)
	if err != nil {
		return err
	}
	if wireOp == wire.OpSet && len(rest) < 3 {
		return fmt.Errorf("set requires a value")
	}

	conn, err := net.Dial("tcp", *addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", *addr, err)
	}
	defer conn.Close()

	if err := wire.WriteRequest(conn, wireOp, []byte(key), value, true); err != nil {
		return fmt.Errorf("sending request: %w", err)
	}

	resp, err := wire.ReadResponse(conn)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	return printResponse(wireOp, resp)
}

func parseOp(s string) (wire.Op, error) {
	switch s {
	case "get":
		return wire.OpGet, nil
	case "set":
		return wire.OpSet, nil
	case "del":
		return wire.OpDel, nil
	default:
		return 0, fmt.Errorf("unknown operation %q, want get|set|del", s)
	}
}

func printResponse(op wire.Op, resp *wire.Response) error {
	switch resp.Status {
	case wire.OK:
		if op == wire.OpGet {
			fmt.Println(string(resp.Payload))
		} else {
			fmt.Println(color.GreenString("OK"))
		}
		return nil
	case wire.KeyError:
		fmt.Println(color.YellowString("key not found"))
		return nil
	default:
		return fmt.Errorf("server returned %s", resp.Status)
	}
}
