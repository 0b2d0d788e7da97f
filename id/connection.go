package id

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewConnectionID returns a server connection id. Ids are ULIDs, so they sort
// by creation time.
func NewConnectionID() string {
	return NewConnectionIDAt(time.Now())
}

// NewConnectionIDAt returns a connection id stamped with t
func NewConnectionIDAt(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
