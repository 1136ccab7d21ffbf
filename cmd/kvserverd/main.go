// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command kvserverd wires the block allocator, hash table, work queue and
// worker pool described in SPEC_FULL.md into a runnable TCP daemon.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cznic/kvserver/internal/alloc"
	"github.com/cznic/kvserver/internal/config"
	"github.com/cznic/kvserver/internal/logging"
	"github.com/cznic/kvserver/internal/memregion"
	"github.com/cznic/kvserver/internal/metrics"
	"github.com/cznic/kvserver/internal/queue"
	"github.com/cznic/kvserver/internal/server"
	"github.com/cznic/kvserver/internal/store"
	"github.com/cznic/kvserver/internal/worker"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "kvserverd:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.FromFlags("kvserverd", args)
	if err != nil {
		return err
	}

	log := slog.New(logging.New(os.Stderr, nil))

	region, err := memregion.New(cfg.HeapReservation)
	if err != nil {
		return fmt.Errorf("reserving heap region: %w", err)
	}
	defer region.Close()

	heap := alloc.NewHeap(region)
	table := store.NewTable(heap, cfg.ValueCompressionThreshold)

	ring := queue.NewRing(cfg.QueueCapacity)
	mx := metrics.New()
	dispatcher := server.NewDispatcher(table, mx, log)
	pool := worker.NewPool(ring, cfg.WorkerCount, dispatcher.Handle)
	listener := server.NewListener(ring, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return pool.Run(gctx)
	})

	g.Go(func() error {
		err := listener.Serve(gctx, cfg.ListenAddr)
		ring.Shutdown()
		return err
	})

	if cfg.StatsInterval > 0 {
		g.Go(func() error {
			logStats(gctx, mx, log, cfg.StatsInterval)
			return nil
		})
	}

	return g.Wait()
}

// logStats periodically logs a metrics snapshot until ctx is canceled, the
// one consumer of internal/metrics' accessors outside of tests.
func logStats(ctx context.Context, mx *metrics.Metrics, log *slog.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, keyErr, storeErr := mx.ByStatus()
			log.Info("stats",
				"uptime", mx.Uptime().Round(time.Second).String(),
				"completed", mx.Completed(),
				"ok", ok,
				"key_error", keyErr,
				"store_error", storeErr,
				"latency_histogram_us", mx.LatencyHistogram(),
			)
		}
	}
}
