// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package store

import (
	"sync"

	"github.com/cznic/kvserver/internal/alloc"
)

// item is a node in a bucket's doubly-linked chain. Its rwlock guards
// valueHandle, valueLen and compressed; key and the chain links are only
// ever touched while the owning bucket's mutex is held (distilled spec §4.2
// lock protocol). A zero valueHandle means the item has no stored value yet
// — an empty Set still creates an item, it just never touches the heap.
type item struct {
	key string

	mu          sync.RWMutex
	valueHandle alloc.Handle
	valueLen    int
	compressed  bool

	prev, next *item
}
