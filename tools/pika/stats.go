package main

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

const opTypeCount = int(OpFlush) + 1

// Stats tracks benchmark statistics using atomic operations.
type Stats struct {
	// Counters per operation type
	ops      [opTypeCount]uint64
	errors   [opTypeCount]uint64
	rejected [opTypeCount]uint64

	// Retry counter
	retries uint64

	// Latency tracking (microseconds)
	mu        sync.Mutex
	latencies []int64
	lastError string
}

// NewStats creates a new stats tracker.
func NewStats() *Stats {
	return &Stats{
		latencies: make([]int64, 0, 100000),
	}
}

// RecordOp records a successful operation.
func (s *Stats) RecordOp(opType OpType, latency time.Duration) {
	atomic.AddUint64(&s.ops[opType], 1)

	// Record latency
	s.mu.Lock()
	s.latencies = append(s.latencies, latency.Microseconds())
	s.mu.Unlock()
}

// RecordError records a failed operation. Quota rejections are counted
// apart from failures.
func (s *Stats) RecordError(opType OpType, err error) {
	if IsRejected(err) {
		atomic.AddUint64(&s.rejected[opType], 1)
		return
	}
	atomic.AddUint64(&s.errors[opType], 1)

	s.mu.Lock()
	s.lastError = err.Error()
	s.mu.Unlock()
}

// RecordRetry records a retry attempt.
func (s *Stats) RecordRetry() {
	atomic.AddUint64(&s.retries, 1)
}

func sum(counters *[opTypeCount]uint64) uint64 {
	var total uint64
	for i := range counters {
		total += atomic.LoadUint64(&counters[i])
	}
	return total
}

// TotalOps returns total successful operations.
func (s *Stats) TotalOps() uint64 {
	return sum(&s.ops)
}

// TotalErrors returns total errors.
func (s *Stats) TotalErrors() uint64 {
	return sum(&s.errors)
}

// TotalRejected returns total quota rejections.
func (s *Stats) TotalRejected() uint64 {
	return sum(&s.rejected)
}

// Retries returns retry count.
func (s *Stats) Retries() uint64 {
	return atomic.LoadUint64(&s.retries)
}

// Ops returns successful operations of one type.
func (s *Stats) Ops(opType OpType) uint64 {
	return atomic.LoadUint64(&s.ops[opType])
}

// GetLatencyPercentiles returns p50, p90, p95, p99 in microseconds.
func (s *Stats) GetLatencyPercentiles() (p50, p90, p95, p99 int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.latencies) == 0 {
		return 0, 0, 0, 0
	}

	sorted := make([]int64, len(s.latencies))
	copy(sorted, s.latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	n := len(sorted)
	p50 = sorted[n*50/100]
	p90 = sorted[n*90/100]
	p95 = sorted[n*95/100]
	p99 = sorted[n*99/100]

	return p50, p90, p95, p99
}

// GetLatencyStats returns min, max, avg in microseconds.
func (s *Stats) GetLatencyStats() (min, max, avg int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.latencies) == 0 {
		return 0, 0, 0
	}

	min = s.latencies[0]
	max = s.latencies[0]
	var total int64

	for _, l := range s.latencies {
		if l < min {
			min = l
		}
		if l > max {
			max = l
		}
		total += l
	}

	avg = total / int64(len(s.latencies))
	return min, max, avg
}

// Snapshot is a copy of the running totals.
type Snapshot struct {
	Ops      uint64
	Errors   uint64
	Rejected uint64
	Retries  uint64
}

// GetSnapshot returns current stats snapshot.
func (s *Stats) GetSnapshot() Snapshot {
	return Snapshot{
		Ops:      s.TotalOps(),
		Errors:   s.TotalErrors(),
		Rejected: s.TotalRejected(),
		Retries:  s.Retries(),
	}
}

// PrintFinal prints final statistics.
func (s *Stats) PrintFinal(elapsed time.Duration) {
	totalOps := s.TotalOps()
	totalErrors := s.TotalErrors()
	totalRejected := s.TotalRejected()
	retries := s.Retries()

	throughput := float64(totalOps) / elapsed.Seconds()

	fmt.Println()
	fmt.Printf("Total time:    %.2fs\n", elapsed.Seconds())
	fmt.Printf("Throughput:    %.2f ops/sec\n", throughput)
	fmt.Println()

	fmt.Println("Operations:")
	for op := OpAppend; op <= OpFlush; op++ {
		fmt.Printf("  %-8s %d\n", op.String()+":", s.Ops(op))
	}
	fmt.Printf("  %-8s %d\n", "TOTAL:", totalOps)
	fmt.Println()

	if totalErrors > 0 || totalRejected > 0 || retries > 0 {
		fmt.Println("Errors/Retries:")
		for op := OpAppend; op <= OpFlush; op++ {
			if n := atomic.LoadUint64(&s.errors[op]); n > 0 {
				fmt.Printf("  %s errors:   %d\n", op, n)
			}
			if n := atomic.LoadUint64(&s.rejected[op]); n > 0 {
				fmt.Printf("  %s rejected: %d\n", op, n)
			}
		}
		fmt.Printf("  Total errors:   %d\n", totalErrors)
		fmt.Printf("  Total rejected: %d\n", totalRejected)
		fmt.Printf("  Retries:        %d\n", retries)
		s.mu.Lock()
		if s.lastError != "" {
			fmt.Printf("  Last error:     %s\n", s.lastError)
		}
		s.mu.Unlock()
		fmt.Println()
	}

	min, max, avg := s.GetLatencyStats()
	p50, p90, p95, p99 := s.GetLatencyPercentiles()

	fmt.Println("Latency (microseconds):")
	fmt.Printf("  Min:   %d\n", min)
	fmt.Printf("  Avg:   %d\n", avg)
	fmt.Printf("  Max:   %d\n", max)
	fmt.Printf("  P50:   %d\n", p50)
	fmt.Printf("  P90:   %d\n", p90)
	fmt.Printf("  P95:   %d\n", p95)
	fmt.Printf("  P99:   %d\n", p99)
}
