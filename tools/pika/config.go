package main

import (
	"fmt"
	"path/filepath"
	"time"

	branchcfg "github.com/maxpert/branchsync/cfg"
)

type Config struct {
	// Storage
	DataDir string
	Driver  string
	DSN     string

	// Layout: records x insts x branches
	Records  int
	Insts    int
	Branches int

	// Load options
	SeedUpdates int

	// Run options
	Workload   string
	Operations int
	Duration   time.Duration
	Threads    int

	// Workload percentages (-1 means use workload default)
	AppendPct  int
	CompactPct int
	ReadPct    int
	HistoryPct int
	FlushPct   int

	// Payload
	UpdateSize    int
	MaxBranchSize int64

	// Retry
	Retry      bool
	MaxRetries int

	// Verify options
	Verify        bool          // Run verification after benchmark (for run command)
	VerifySamples int           // Number of random branches to verify
	VerifyTimeout time.Duration // Timeout for the verification pass
}

func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data-dir cannot be empty")
	}

	switch branchcfg.DurableDriver(c.Driver) {
	case branchcfg.DurableSQLite:
		if c.DSN == "" {
			c.DSN = filepath.Join(c.DataDir, "durable.db")
		}
	case branchcfg.DurableMySQL:
		if c.DSN == "" {
			return fmt.Errorf("dsn is required for the mysql driver")
		}
	default:
		return fmt.Errorf("invalid driver: %s (must be sqlite3|mysql)", c.Driver)
	}

	if c.Records < 1 || c.Insts < 1 || c.Branches < 1 {
		return fmt.Errorf("records, insts and branches must be at least 1")
	}

	if c.SeedUpdates < 1 {
		c.SeedUpdates = 1
	}

	if c.Threads < 1 {
		return fmt.Errorf("threads must be at least 1")
	}

	if c.Operations < 0 {
		return fmt.Errorf("operations must be non-negative")
	}

	if c.MaxRetries < 0 {
		return fmt.Errorf("max-retries must be non-negative")
	}

	if c.UpdateSize < 1 {
		c.UpdateSize = 64
	}

	// Validate workload type
	switch c.Workload {
	case "mixed", "write-heavy", "read-heavy", "compaction":
		// valid
	case "":
		c.Workload = "mixed"
	default:
		return fmt.Errorf("invalid workload: %s (must be mixed|write-heavy|read-heavy|compaction)", c.Workload)
	}

	return c.GetWorkloadDistribution().Validate()
}

// BranchCount is the number of branches the layout spans
func (c *Config) BranchCount() int {
	return c.Records * c.Insts * c.Branches
}

func (c *Config) GetWorkloadDistribution() WorkloadDistribution {
	var dist WorkloadDistribution

	// Start with defaults based on workload type
	switch c.Workload {
	case "mixed", "":
		dist = WorkloadDistribution{Append: 50, Compact: 10, Read: 30, History: 5, Flush: 5}
	case "write-heavy":
		dist = WorkloadDistribution{Append: 80, Compact: 15, Read: 5, History: 0, Flush: 0}
	case "read-heavy":
		dist = WorkloadDistribution{Append: 10, Compact: 0, Read: 80, History: 10, Flush: 0}
	case "compaction":
		dist = WorkloadDistribution{Append: 40, Compact: 40, Read: 15, History: 0, Flush: 5}
	}

	// Override with explicit percentages if provided
	if c.AppendPct >= 0 {
		dist.Append = c.AppendPct
	}
	if c.CompactPct >= 0 {
		dist.Compact = c.CompactPct
	}
	if c.ReadPct >= 0 {
		dist.Read = c.ReadPct
	}
	if c.HistoryPct >= 0 {
		dist.History = c.HistoryPct
	}
	if c.FlushPct >= 0 {
		dist.Flush = c.FlushPct
	}

	return dist
}

type WorkloadDistribution struct {
	Append  int
	Compact int
	Read    int
	History int
	Flush   int
}

func (w WorkloadDistribution) Total() int {
	return w.Append + w.Compact + w.Read + w.History + w.Flush
}

func (w WorkloadDistribution) Validate() error {
	total := w.Total()
	if total != 100 {
		return fmt.Errorf("workload percentages must sum to 100, got %d", total)
	}
	return nil
}
