package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const version = "0.2.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	// Store internals log through zerolog; keep them out of the progress lines
	log.Logger = zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger().Level(zerolog.WarnLevel)

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "load":
		runLoad(args)
	case "run":
		runBenchmark(args)
	case "verify":
		runVerify(args)
	case "version":
		fmt.Printf("pika version %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`pika - branchsync storage benchmark tool

Usage:
  pika <command> [options]

Commands:
  load      Create insts and seed every branch with updates
  run       Run benchmark workload
  verify    Flush dirty branches and compare cache with durable storage
  version   Print version
  help      Show this help

Common Options:
  --data-dir      Directory for the cache and SQLite database (default: ./pika-data)
  --driver        Durable driver: sqlite3|mysql (default: sqlite3)
  --dsn           Durable DSN (default: <data-dir>/durable.db for sqlite3)
  --records       Number of records (default: 4)
  --insts         Insts per record (default: 8)
  --branches      Branches per inst (default: 4)

Load Options:
  --threads       Number of concurrent threads (default: 10)
  --seed-updates  Updates appended to each branch (default: 10)
  --update-size   Bytes per update (default: 64)

Run Options:
  --workload      Workload type: mixed|write-heavy|read-heavy|compaction (default: mixed)
  --operations    Total operations to execute (default: 50000)
  --duration      Duration to run (e.g., 60s), overrides --operations
  --threads       Number of concurrent threads (default: 20)
  --append-pct    Append percentage (overrides workload default)
  --compact-pct   Compaction percentage (overrides workload default)
  --read-pct      Current log read percentage (overrides workload default)
  --history-pct   Full history read percentage (overrides workload default)
  --flush-pct     Flush pass percentage (overrides workload default)
  --update-size   Bytes per update (default: 64)
  --max-branch-size Branch quota in bytes, 0 for unlimited (default: 0)
  --retry         Enable retry on busy/deadlock (default: true)
  --max-retries   Maximum retry attempts (default: 3)
  --verify        Run flush verification after benchmark (default: false)
  --verify-samples Number of branches to verify (default: 100)
  --verify-timeout Verification timeout (default: 30s)

Verify Options:
  --samples       Number of random branches to verify (default: 100)
  --timeout       Timeout for the verification pass (default: 30s)

Examples:
  pika load --data-dir=/tmp/pika --records=4 --insts=8 --branches=4
  pika run --data-dir=/tmp/pika --workload=compaction --operations=50000
  pika verify --data-dir=/tmp/pika --samples=100`)
}

func commonFlags(fs *flag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.DataDir, "data-dir", "./pika-data", "Directory for the cache and SQLite database")
	fs.StringVar(&cfg.Driver, "driver", "sqlite3", "Durable driver: sqlite3|mysql")
	fs.StringVar(&cfg.DSN, "dsn", "", "Durable DSN")
	fs.IntVar(&cfg.Records, "records", 4, "Number of records")
	fs.IntVar(&cfg.Insts, "insts", 8, "Insts per record")
	fs.IntVar(&cfg.Branches, "branches", 4, "Branches per inst")
}

// signalContext cancels on SIGINT/SIGTERM and after an optional time limit.
func signalContext(timeLimit time.Duration) (context.Context, context.CancelFunc) {
	var ctx context.Context
	var cancel context.CancelFunc
	if timeLimit > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), timeLimit)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}

	// Handle interrupt
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nInterrupted, shutting down...")
		cancel()
	}()

	return ctx, cancel
}

func parseAndValidate(fs *flag.FlagSet, cfg *Config, args []string) {
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}
}

func runLoad(args []string) {
	cfg := &Config{Workload: "mixed", AppendPct: -1, CompactPct: -1, ReadPct: -1, HistoryPct: -1, FlushPct: -1}
	fs := flag.NewFlagSet("load", flag.ExitOnError)

	var timeLimit time.Duration
	fs.DurationVar(&timeLimit, "time-limit", 0, "Maximum time to run (e.g., 30s, 1m)")
	commonFlags(fs, cfg)
	fs.IntVar(&cfg.Threads, "threads", 10, "Number of concurrent threads")
	fs.IntVar(&cfg.SeedUpdates, "seed-updates", 10, "Updates appended to each branch")
	fs.IntVar(&cfg.UpdateSize, "update-size", 64, "Bytes per update")
	parseAndValidate(fs, cfg, args)

	ctx, cancel := signalContext(timeLimit)
	defer cancel()

	if err := executeLoad(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Load failed: %v\n", err)
		os.Exit(1)
	}
}

func runBenchmark(args []string) {
	cfg := &Config{}
	fs := flag.NewFlagSet("run", flag.ExitOnError)

	var timeLimit time.Duration
	fs.DurationVar(&timeLimit, "time-limit", 0, "Maximum time to run (e.g., 30s, 1m)")
	commonFlags(fs, cfg)
	fs.StringVar(&cfg.Workload, "workload", "mixed", "Workload type")
	fs.IntVar(&cfg.Operations, "operations", 50000, "Total operations to execute")
	fs.DurationVar(&cfg.Duration, "duration", 0, "Duration to run (overrides --operations)")
	fs.IntVar(&cfg.Threads, "threads", 20, "Number of concurrent threads")
	fs.IntVar(&cfg.AppendPct, "append-pct", -1, "Append percentage (overrides workload)")
	fs.IntVar(&cfg.CompactPct, "compact-pct", -1, "Compaction percentage (overrides workload)")
	fs.IntVar(&cfg.ReadPct, "read-pct", -1, "Current log read percentage (overrides workload)")
	fs.IntVar(&cfg.HistoryPct, "history-pct", -1, "Full history read percentage (overrides workload)")
	fs.IntVar(&cfg.FlushPct, "flush-pct", -1, "Flush pass percentage (overrides workload)")
	fs.IntVar(&cfg.UpdateSize, "update-size", 64, "Bytes per update")
	fs.Int64Var(&cfg.MaxBranchSize, "max-branch-size", 0, "Branch quota in bytes (0 = unlimited)")
	fs.BoolVar(&cfg.Retry, "retry", true, "Enable retry on busy/deadlock")
	fs.IntVar(&cfg.MaxRetries, "max-retries", 3, "Maximum retry attempts")
	fs.BoolVar(&cfg.Verify, "verify", false, "Run flush verification after benchmark")
	fs.IntVar(&cfg.VerifySamples, "verify-samples", 100, "Number of random branches to verify")
	fs.DurationVar(&cfg.VerifyTimeout, "verify-timeout", 30*time.Second, "Timeout for the verification pass")
	parseAndValidate(fs, cfg, args)

	ctx, cancel := signalContext(timeLimit)
	defer cancel()

	if err := executeRun(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Benchmark failed: %v\n", err)
		os.Exit(1)
	}
}

func runVerify(args []string) {
	cfg := &Config{
		Threads:    1, // Default for verify to pass validation
		Workload:   "mixed",
		AppendPct:  -1,
		CompactPct: -1,
		ReadPct:    -1,
		HistoryPct: -1,
		FlushPct:   -1,
	}
	fs := flag.NewFlagSet("verify", flag.ExitOnError)

	commonFlags(fs, cfg)
	fs.IntVar(&cfg.VerifySamples, "samples", 100, "Number of random branches to verify")
	fs.DurationVar(&cfg.VerifyTimeout, "timeout", 30*time.Second, "Timeout for the verification pass")
	parseAndValidate(fs, cfg, args)

	ctx, cancel := signalContext(0)
	defer cancel()

	if err := executeVerify(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Verify failed: %v\n", err)
		os.Exit(1)
	}
}
