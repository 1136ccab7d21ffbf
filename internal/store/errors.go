// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package store

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by Get and Del when no item exists for a key. Per
// the distilled spec §7 this is a lookup failure, not a programming error —
// callers translate it to wire.KeyError, never to wire.StoreError.
var ErrNotFound = errors.New("store: key not found")

// ErrAllocFailed reports that the allocator could not satisfy a Set. It
// carries enough context to log a useful STORE_ERROR without exposing the
// allocator's internals to callers.
type ErrAllocFailed struct {
	Key  string
	Size int
}

func (e *ErrAllocFailed) Error() string {
	return fmt.Sprintf("store: allocation of %d bytes for key %q failed", e.Size, e.Key)
}
