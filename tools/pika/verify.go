package main

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/maxpert/branchsync/records"
	"github.com/maxpert/branchsync/splitstore"
)

// BranchMismatch describes a branch whose cache and durable logs differ.
type BranchMismatch struct {
	Key     string
	Cache   string
	Durable string
}

// VerifyResult holds verification results.
type VerifyResult struct {
	Flush            splitstore.FlushStats
	DirtyAfterFlush  int
	SampledBranches  int
	MatchedBranches  int
	MismatchedBranch int
	Mismatches       []BranchMismatch // first N mismatches with details
}

// Verifier checks that flushed branches read the same from both stores.
type Verifier struct {
	store   *splitstore.Store
	picker  *BranchPicker
	samples int
	timeout time.Duration
	rng     *rand.Rand
}

// NewVerifier creates a new Verifier.
func NewVerifier(store *splitstore.Store, picker *BranchPicker, samples int, timeout time.Duration) *Verifier {
	return &Verifier{
		store:   store,
		picker:  picker,
		samples: samples,
		timeout: timeout,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Verify flushes every dirty branch, then compares sampled branches.
func (v *Verifier) Verify(ctx context.Context) (*VerifyResult, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	result := &VerifyResult{
		Mismatches: make([]BranchMismatch, 0),
	}

	// Step 1: Drain dirty branches into the durable store
	stats, err := v.store.FlushDirtyBranches(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to flush: %w", err)
	}
	result.Flush = stats

	_, dirty, err := v.store.DirtyStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read dirty stats: %w", err)
	}
	result.DirtyAfterFlush = dirty

	// Step 2: Compare sampled branches across both stores
	if err := v.verifyKeys(ctx, v.sampleKeys(), result); err != nil {
		return nil, fmt.Errorf("failed to verify branches: %w", err)
	}

	return result, nil
}

// sampleKeys picks distinct branches, or all of them when the layout is small.
func (v *Verifier) sampleKeys() []records.BranchKey {
	total := v.picker.Count()
	n := v.samples
	if n <= 0 || n > total {
		n = total
	}

	keys := make([]records.BranchKey, 0, n)
	for _, idx := range v.rng.Perm(total)[:n] {
		keys = append(keys, v.picker.Key(idx))
	}
	return keys
}

// verifyKeys compares each key's current log in cache and durable storage.
func (v *Verifier) verifyKeys(ctx context.Context, keys []records.BranchKey, result *VerifyResult) error {
	const maxMismatches = 10
	cache, durable := v.store.Cache(), v.store.Durable()

	for _, key := range keys {
		cached, err := cache.GetCurrentUpdates(ctx, key)
		if err != nil {
			return fmt.Errorf("cache, branch %s: %w", key, err)
		}
		if cached == nil {
			// Never written or evicted; nothing to compare
			continue
		}
		stored, err := durable.GetCurrentUpdates(ctx, key)
		if err != nil {
			return fmt.Errorf("durable, branch %s: %w", key, err)
		}

		result.SampledBranches++
		c, d := checksum(cached), checksum(stored)
		if c == d {
			result.MatchedBranches++
			continue
		}

		result.MismatchedBranch++
		if len(result.Mismatches) < maxMismatches {
			result.Mismatches = append(result.Mismatches, BranchMismatch{
				Key:     key.String(),
				Cache:   c,
				Durable: d,
			})
		}
	}

	return nil
}

// checksum summarizes a log as entry count, size and a content hash.
func checksum(u *records.Updates) string {
	if u == nil {
		return "NOT FOUND"
	}
	h := xxhash.New()
	for _, s := range u.Updates {
		_, _ = h.WriteString(s)
		_, _ = h.Write([]byte{0})
	}
	return fmt.Sprintf("n=%d size=%d hash=%016x", u.Len(), u.BranchSizeInBytes, h.Sum64())
}

// Print outputs verification results.
func (r *VerifyResult) Print() {
	fmt.Println()
	fmt.Println("Flush:")
	fmt.Printf("  Generation: %d\n", r.Flush.Generation)
	fmt.Printf("  Flushed:    %d\n", r.Flush.Flushed)
	fmt.Printf("  Failed:     %d\n", r.Flush.Failed)
	fmt.Printf("  Dirty left: %d\n", r.DirtyAfterFlush)

	fmt.Println()
	fmt.Println("Sampled Verification:")
	fmt.Printf("  Sampled branches: %d\n", r.SampledBranches)
	fmt.Printf("  Matching:         %d\n", r.MatchedBranches)
	fmt.Printf("  Mismatched:       %d\n", r.MismatchedBranch)

	if len(r.Mismatches) > 0 {
		fmt.Println()
		fmt.Println("Mismatches:")
		for _, m := range r.Mismatches {
			fmt.Printf("  Branch: %s\n", m.Key)
			fmt.Printf("    cache:   %s\n", m.Cache)
			fmt.Printf("    durable: %s\n", m.Durable)
		}
	}
}

// HasMismatches returns true if there are any mismatches.
func (r *VerifyResult) HasMismatches() bool {
	return r.Flush.Failed > 0 || r.MismatchedBranch > 0
}

// verifyStore runs the verification against an open store.
func verifyStore(ctx context.Context, store *splitstore.Store, cfg *Config) error {
	fmt.Println("╔══════════════════════════════════════════════════════╗")
	fmt.Println("║            Pika Flush Verification                   ║")
	fmt.Println("╚══════════════════════════════════════════════════════╝")
	fmt.Println()

	fmt.Printf("Data dir: %s\n", cfg.DataDir)
	fmt.Printf("Samples:  %d\n", cfg.VerifySamples)
	fmt.Printf("Timeout:  %s\n", cfg.VerifyTimeout)

	picker := NewBranchPicker(cfg.Records, cfg.Insts, cfg.Branches)
	verifier := NewVerifier(store, picker, cfg.VerifySamples, cfg.VerifyTimeout)

	fmt.Println()
	fmt.Println("Verifying cache and durable consistency...")

	result, err := verifier.Verify(ctx)
	if err != nil {
		return fmt.Errorf("verification failed: %w", err)
	}

	fmt.Println()
	fmt.Println("═══════════════════════════════════════════════════════")
	fmt.Println("              VERIFICATION RESULTS                     ")
	fmt.Println("═══════════════════════════════════════════════════════")
	result.Print()

	if result.HasMismatches() {
		return fmt.Errorf("flush verification failed: found inconsistencies")
	}

	fmt.Println()
	fmt.Println("Flush verification passed!")
	return nil
}

// executeVerify opens the store and runs the verification.
func executeVerify(ctx context.Context, cfg *Config) error {
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	return verifyStore(ctx, store, cfg)
}
