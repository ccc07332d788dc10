package main

import (
	"context"
	"fmt"
	"time"
)

// reportProgress prints a progress line every second.
func reportProgress(ctx context.Context, stats *Stats) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	var last Snapshot
	startTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := stats.GetSnapshot()
			elapsed := time.Since(startTime)
			opsSec := snap.Ops - last.Ops
			cumThroughput := float64(snap.Ops) / elapsed.Seconds()

			if snap.TxCount > 0 {
				fmt.Printf("[%5.0fs] ops/sec: %6d | tx/sec: %5d | total: %8d | tx: %6d | errors: %4d | retries: %4d | throughput: %.1f ops/sec | %.1f tx/sec\n",
					elapsed.Seconds(),
					opsSec,
					snap.TxCount-last.TxCount,
					snap.Ops,
					snap.TxCount,
					snap.Errors,
					snap.Retries+snap.TxRetries,
					cumThroughput,
					float64(snap.TxCount)/elapsed.Seconds(),
				)
			} else {
				fmt.Printf("[%5.0fs] ops/sec: %6d | total: %8d | errors: %4d | retries: %4d | throughput: %.1f ops/sec\n",
					elapsed.Seconds(),
					opsSec,
					snap.Ops,
					snap.Errors,
					snap.Retries,
					cumThroughput,
				)
			}
			last = snap
		}
	}
}
