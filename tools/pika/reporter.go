package main

import (
	"context"
	"fmt"
	"time"
)

// reportProgress prints real-time progress every second.
func reportProgress(ctx context.Context, stats *Stats, workload string) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	var lastSnapshot Snapshot
	startTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snapshot := stats.GetSnapshot()
			elapsed := time.Since(startTime)

			opsSec := snapshot.Ops - lastSnapshot.Ops
			cumThroughput := float64(snapshot.Ops) / elapsed.Seconds()

			fmt.Printf("[%5.0fs] %s ops/sec: %6d | total: %8d | errors: %4d | rejected: %4d | retries: %4d | throughput: %.1f ops/sec\n",
				elapsed.Seconds(),
				workload,
				opsSec,
				snapshot.Ops,
				snapshot.Errors,
				snapshot.Rejected,
				snapshot.Retries,
				cumThroughput,
			)

			lastSnapshot = snapshot
		}
	}
}
