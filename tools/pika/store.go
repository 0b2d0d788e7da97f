package main

import (
	"fmt"
	"path/filepath"

	"github.com/maxpert/branchsync/cachestore"
	branchcfg "github.com/maxpert/branchsync/cfg"
	"github.com/maxpert/branchsync/clock"
	"github.com/maxpert/branchsync/records"
	"github.com/maxpert/branchsync/splitstore"
	"github.com/maxpert/branchsync/sqlstore"
)

// openStore opens the cache and durable store under the data dir the same
// way the server does, without the publisher or flusher.
func openStore(cfg *Config) (*splitstore.Store, error) {
	clk := clock.NewSystem()
	limits := records.StaticLimits(records.Limits{MaxBranchSizeInBytes: cfg.MaxBranchSize})

	cache, err := cachestore.Open(filepath.Join(cfg.DataDir, "cache"), cachestore.Options{
		Clock:  clk,
		Limits: limits,
	})
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}

	durable, err := sqlstore.Open(sqlstore.Options{
		Driver: branchcfg.DurableDriver(cfg.Driver),
		DSN:    cfg.DSN,
		Clock:  clk,
		Limits: limits,
	})
	if err != nil {
		cache.Close()
		return nil, fmt.Errorf("open durable store: %w", err)
	}

	return splitstore.New(cache, durable, splitstore.Options{}), nil
}
