// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package metrics holds the process-wide counters SPEC_FULL.md's ambient
// stack calls for: a total request count, a per-status breakdown, and a
// coarse latency histogram, all updated lock-free by every worker after it
// finishes a request.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/cznic/kvserver/internal/wire"
)

// numBuckets is the number of exponential latency buckets. Bucket 0 covers
// [0, 2) microseconds and bucket i > 0 covers [2^i, 2^(i+1)); the last
// bucket is an overflow catch-all.
const numBuckets = 12

// Metrics aggregates counters across every worker. All fields are updated
// via the atomic package; there is no mutex.
type Metrics struct {
	start     time.Time
	completed uint64
	byStatus  [3]uint64
	latency   [numBuckets]uint64
}

// New returns a Metrics with its start time set to now.
func New() *Metrics {
	return &Metrics{start: time.Now()}
}

// Record accounts for one completed request: its status and how long it
// took. server.Dispatcher measures elapsed from just after the request
// header is read until the store operation returns, before the response is
// written.
func (m *Metrics) Record(status wire.Status, elapsed time.Duration) {
	atomic.AddUint64(&m.completed, 1)
	if int(status) < len(m.byStatus) {
		atomic.AddUint64(&m.byStatus[status], 1)
	}
	atomic.AddUint64(&m.latency[latencyBucket(elapsed)], 1)
}

// Completed returns the total number of requests recorded since New.
func (m *Metrics) Completed() uint64 {
	return atomic.LoadUint64(&m.completed)
}

// Uptime returns the time elapsed since New.
func (m *Metrics) Uptime() time.Duration {
	return time.Since(m.start)
}

// ByStatus returns a point-in-time snapshot of the per-status counters.
func (m *Metrics) ByStatus() (ok, keyErr, storeErr uint64) {
	return atomic.LoadUint64(&m.byStatus[wire.OK]),
		atomic.LoadUint64(&m.byStatus[wire.KeyError]),
		atomic.LoadUint64(&m.byStatus[wire.StoreError])
}

// LatencyHistogram returns a point-in-time snapshot of the latency buckets.
func (m *Metrics) LatencyHistogram() [numBuckets]uint64 {
	var out [numBuckets]uint64
	for i := range out {
		out[i] = atomic.LoadUint64(&m.latency[i])
	}
	return out
}

func latencyBucket(d time.Duration) int {
	us := d.Microseconds()
	for i := 0; i < numBuckets-1; i++ {
		if us < int64(1)<<uint(i+1) {
			return i
		}
	}
	return numBuckets - 1
}
