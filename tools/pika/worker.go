package main

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/maxpert/branchsync/records"
	"github.com/maxpert/branchsync/splitstore"
)

// Worker executes operations against the store.
type Worker struct {
	id         int
	store      *splitstore.Store
	picker     *BranchPicker
	opSelector *OpSelector
	stats      *Stats
	retry      bool
	maxRetries int
	updateSize int
	rng        *rand.Rand
}

// NewWorker creates a new worker.
func NewWorker(id int, store *splitstore.Store, picker *BranchPicker, opSelector *OpSelector, stats *Stats, retry bool, maxRetries int, updateSize int) *Worker {
	return &Worker{
		id:         id,
		store:      store,
		picker:     picker,
		opSelector: opSelector,
		stats:      stats,
		retry:      retry,
		maxRetries: maxRetries,
		updateSize: updateSize,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano() + int64(id))),
	}
}

// RunLoad seeds the branches in [start, end) with updates.
func (w *Worker) RunLoad(ctx context.Context, start, end, seedUpdates int, wg *sync.WaitGroup) {
	defer wg.Done()

	for i := start; i < end; i++ {
		select {
		case <-ctx.Done():
			return
		default:
		}

		values := make([]string, seedUpdates)
		for j := range values {
			values[j] = generateUpdate(w.rng, w.updateSize)
		}
		w.execute(ctx, Operation{Type: OpAppend, Key: w.picker.Key(i), Values: values})
	}
}

// RunBenchmark executes the benchmark workload.
func (w *Worker) RunBenchmark(ctx context.Context, opsChan <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-opsChan:
			if !ok {
				return
			}
			w.execute(ctx, w.generateOp(w.opSelector.Select()))
		}
	}
}

func (w *Worker) execute(ctx context.Context, op Operation) {
	start := time.Now()
	err := w.executeWithRetry(ctx, op)
	latency := time.Since(start)

	if err != nil {
		w.stats.RecordError(op.Type, err)
	} else {
		w.stats.RecordOp(op.Type, latency)
	}
}

func (w *Worker) generateOp(opType OpType) Operation {
	op := Operation{Type: opType, Key: w.picker.Random(w.rng)}
	if opType == OpAppend {
		op.Values = []string{generateUpdate(w.rng, w.updateSize)}
	}
	return op
}

func (w *Worker) executeWithRetry(ctx context.Context, op Operation) error {
	var lastErr error
	maxAttempts := 1
	if w.retry {
		maxAttempts = w.maxRetries + 1
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			// Exponential backoff with jitter
			backoff := time.Duration(1<<uint(attempt-1)) * 10 * time.Millisecond
			jitter := time.Duration(w.rng.Int63n(int64(backoff / 2)))
			time.Sleep(backoff + jitter)
			w.stats.RecordRetry()
		}

		err := ExecuteOp(ctx, w.store, op)
		if err == nil {
			return nil
		}

		lastErr = err

		if !IsRetryableError(err) {
			break
		}
	}

	return lastErr
}

// createInsts saves every inst of the layout so branches land under a known inst.
func createInsts(ctx context.Context, store *splitstore.Store, cfg *Config) error {
	picker := NewBranchPicker(cfg.Records, cfg.Insts, 1)
	for n := 0; n < picker.Count(); n++ {
		key := picker.Key(n)
		res, err := store.SaveInst(ctx, &records.Inst{RecordName: key.RecordName, Inst: key.Inst})
		if err := checkResult(res, err); err != nil {
			return fmt.Errorf("save inst %s/%s: %w", key.RecordName, key.Inst, err)
		}
	}
	return nil
}

// executeLoad runs the load phase.
func executeLoad(ctx context.Context, cfg *Config) error {
	fmt.Println("╔══════════════════════════════════════════════════════╗")
	fmt.Println("║            Pika Load Phase                           ║")
	fmt.Println("╚══════════════════════════════════════════════════════╝")
	fmt.Println()

	fmt.Printf("Data dir:    %s\n", cfg.DataDir)
	fmt.Printf("Driver:      %s\n", cfg.Driver)
	fmt.Printf("Layout:      %d records x %d insts x %d branches\n", cfg.Records, cfg.Insts, cfg.Branches)
	fmt.Printf("Seed:        %d updates of %d bytes\n", cfg.SeedUpdates, cfg.UpdateSize)
	fmt.Printf("Threads:     %d\n", cfg.Threads)
	fmt.Println()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := createInsts(ctx, store, cfg); err != nil {
		return err
	}

	stats := NewStats()
	picker := NewBranchPicker(cfg.Records, cfg.Insts, cfg.Branches)

	// Distribute branches across workers
	total := picker.Count()
	perWorker := total / cfg.Threads
	remainder := total % cfg.Threads

	var wg sync.WaitGroup
	start := time.Now()

	fmt.Printf("Seeding %d branches with %d threads...\n", total, cfg.Threads)

	// Start reporter
	reporterCtx, stopReporter := context.WithCancel(ctx)
	go reportProgress(reporterCtx, stats, "APPEND")

	for i := 0; i < cfg.Threads; i++ {
		wg.Add(1)
		from := i * perWorker
		to := from + perWorker
		if i == cfg.Threads-1 {
			to += remainder
		}

		worker := NewWorker(i, store, picker, nil, stats, true, 3, cfg.UpdateSize)
		go worker.RunLoad(ctx, from, to, cfg.SeedUpdates, &wg)
	}

	wg.Wait()
	stopReporter()

	flushed, err := store.FlushDirtyBranches(ctx)
	if err != nil {
		return fmt.Errorf("flush seeded branches: %w", err)
	}
	elapsed := time.Since(start)

	fmt.Println()
	fmt.Println("═══════════════════════════════════════════════════════")
	fmt.Println("                    LOAD COMPLETE                      ")
	fmt.Println("═══════════════════════════════════════════════════════")
	fmt.Printf("Flushed:     %d branches (%d failed)\n", flushed.Flushed, flushed.Failed)
	stats.PrintFinal(elapsed)

	return nil
}

// executeRun runs the benchmark phase.
func executeRun(ctx context.Context, cfg *Config) error {
	fmt.Println("╔══════════════════════════════════════════════════════╗")
	fmt.Println("║            Pika Benchmark Phase                      ║")
	fmt.Println("╚══════════════════════════════════════════════════════╝")
	fmt.Println()

	dist := cfg.GetWorkloadDistribution()
	if err := dist.Validate(); err != nil {
		return err
	}

	fmt.Printf("Data dir:    %s\n", cfg.DataDir)
	fmt.Printf("Driver:      %s\n", cfg.Driver)
	fmt.Printf("Layout:      %d records x %d insts x %d branches\n", cfg.Records, cfg.Insts, cfg.Branches)
	fmt.Printf("Workload:    %s\n", cfg.Workload)
	fmt.Printf("Distribution: A:%d%% C:%d%% R:%d%% H:%d%% F:%d%%\n",
		dist.Append, dist.Compact, dist.Read, dist.History, dist.Flush)
	fmt.Printf("Operations:  %d\n", cfg.Operations)
	if cfg.Duration > 0 {
		fmt.Printf("Duration:    %s\n", cfg.Duration)
	}
	fmt.Printf("Threads:     %d\n", cfg.Threads)
	fmt.Printf("Retry:       %v (max: %d)\n", cfg.Retry, cfg.MaxRetries)
	fmt.Println()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := createInsts(ctx, store, cfg); err != nil {
		return err
	}

	stats := NewStats()
	picker := NewBranchPicker(cfg.Records, cfg.Insts, cfg.Branches)

	// Create operation channel
	opsChan := make(chan struct{}, cfg.Threads*10)

	var wg sync.WaitGroup
	start := time.Now()

	// Start workers
	for i := 0; i < cfg.Threads; i++ {
		wg.Add(1)
		opSelector := NewOpSelector(dist, time.Now().UnixNano()+int64(i))
		worker := NewWorker(i, store, picker, opSelector, stats, cfg.Retry, cfg.MaxRetries, cfg.UpdateSize)
		go worker.RunBenchmark(ctx, opsChan, &wg)
	}

	// Start reporter
	reporterCtx, stopReporter := context.WithCancel(ctx)
	go reportProgress(reporterCtx, stats, cfg.Workload)

	// Feed operations
	if cfg.Duration > 0 {
		deadline := time.After(cfg.Duration)
	loop:
		for {
			select {
			case <-ctx.Done():
				break loop
			case <-deadline:
				break loop
			case opsChan <- struct{}{}:
			}
		}
	} else {
	opsLoop:
		for i := 0; i < cfg.Operations; i++ {
			select {
			case <-ctx.Done():
				break opsLoop
			case opsChan <- struct{}{}:
			}
		}
	}

	close(opsChan)
	wg.Wait()
	stopReporter()
	elapsed := time.Since(start)

	fmt.Println()
	fmt.Println("═══════════════════════════════════════════════════════")
	fmt.Println("                  BENCHMARK COMPLETE                   ")
	fmt.Println("═══════════════════════════════════════════════════════")
	stats.PrintFinal(elapsed)

	if cfg.Verify {
		fmt.Println()
		return verifyStore(context.Background(), store, cfg)
	}
	return nil
}
