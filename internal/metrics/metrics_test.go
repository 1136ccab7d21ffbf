// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package metrics

import (
	"testing"
	"time"

	"github.com/cznic/kvserver/internal/wire"
)

func TestRecordIncrementsCompletedAndStatus(t *testing.T) {
	m := New()

	m.Record(wire.OK, time.Microsecond)
	m.Record(wire.OK, time.Microsecond)
	m.Record(wire.KeyError, time.Microsecond)

	if got := m.Completed(); got != 3 {
		t.Fatalf("Completed() = %d, want 3", got)
	}

	ok, keyErr, storeErr := m.ByStatus()
	if ok != 2 || keyErr != 1 || storeErr != 0 {
		t.Fatalf("ByStatus() = (%d,%d,%d), want (2,1,0)", ok, keyErr, storeErr)
	}
}

func TestLatencyBucketMonotonic(t *testing.T) {
	for i := 1; i < numBuckets-1; i++ {
		lo := latencyBucket(time.Duration(1<<uint(i)) * time.Microsecond)
		hi := latencyBucket(time.Duration(1<<uint(i+2)) * time.Microsecond)
		if hi < lo {
			t.Fatalf("bucket decreased for larger duration: lo=%d hi=%d", lo, hi)
		}
	}
}

func TestLatencyBucketOverflow(t *testing.T) {
	if got := latencyBucket(time.Hour); got != numBuckets-1 {
		t.Fatalf("bucket = %d, want overflow bucket %d", got, numBuckets-1)
	}
}

func TestUptimeAdvances(t *testing.T) {
	m := New()
	time.Sleep(time.Millisecond)
	if m.Uptime() <= 0 {
		t.Fatal("Uptime() did not advance")
	}
}
