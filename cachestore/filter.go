package cachestore

import (
	"encoding/binary"
	"sync"

	"github.com/cespare/xxhash/v2"
	cuckoo "github.com/linvon/cuckoo-filter"
	"github.com/maxpert/branchsync/telemetry"
)

const (
	cuckooBucketSize      = 4
	cuckooFingerprintSize = 32
	cuckooMaxKeys         = 262144 // branches per generation before Add starts failing
)

var hashBufPool = sync.Pool{
	New: func() any { return make([]byte, 8) },
}

// dirtyFilter remembers which branches were already marked in a generation.
//
//   - Filter MISS = branch definitely not marked yet, write the mark directly
//   - Filter HIT = maybe marked, confirm with a Pebble lookup
//
// Filters only live in memory. After a restart, or once a filter is full,
// marks take the write path, which is idempotent.
type dirtyFilter struct {
	mu      sync.RWMutex
	filters map[int64]*cuckoo.Filter
}

func newDirtyFilter() *dirtyFilter {
	return &dirtyFilter{filters: make(map[int64]*cuckoo.Filter)}
}

func branchHash(ns string) uint64 {
	return xxhash.Sum64String(ns)
}

// check reports whether ns might already be marked in generation
func (f *dirtyFilter) check(generation int64, ns string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	cf, ok := f.filters[generation]
	if !ok {
		return false
	}
	buf := hashBufPool.Get().([]byte)
	binary.LittleEndian.PutUint64(buf, branchHash(ns))
	hit := cf.Contain(buf)
	hashBufPool.Put(buf)
	return hit
}

func (f *dirtyFilter) add(generation int64, ns string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	cf, ok := f.filters[generation]
	if !ok {
		cf = cuckoo.NewFilter(cuckooBucketSize, cuckooFingerprintSize, cuckooMaxKeys, cuckoo.TableTypePacked)
		f.filters[generation] = cf
	}
	buf := hashBufPool.Get().([]byte)
	binary.LittleEndian.PutUint64(buf, branchHash(ns))
	cf.Add(buf)
	hashBufPool.Put(buf)
}

// drop forgets a generation once its set is cleared
func (f *dirtyFilter) drop(generation int64) {
	f.mu.Lock()
	delete(f.filters, generation)
	f.mu.Unlock()
}

func recordFilterCheck(path string) {
	telemetry.DirtyFilterChecks.With(path).Inc()
}
