// Package records is the shared data model of branchsync: inst and branch
// records, update batches, quota results and the store contracts that the
// cache, durable and split backends implement.
package records

import (
	"errors"
	"fmt"
	"strings"

	"github.com/maxpert/branchsync/id"
)

// InstKey identifies an inst. An empty RecordName is the null record.
type InstKey = id.InstKey

// BranchKey identifies a branch.
type BranchKey = id.BranchKey

// ErrInvalidKey is returned when an inst or branch name is empty, or when a
// record or inst name contains the '/' namespace separator.
var ErrInvalidKey = errors.New("invalid inst or branch key")

// ErrStaleSnapshot is returned by DurableStore.PersistUpdates when the branch
// was already persisted from a newer generation.
var ErrStaleSnapshot = errors.New("stale branch snapshot")

// Inst is a named workspace. Markers and subscription fields are carried
// for an external authorizer and never interpreted here.
type Inst struct {
	RecordName         string   `msgpack:"r" json:"recordName"`
	Inst               string   `msgpack:"i" json:"inst"`
	Markers            []string `msgpack:"m" json:"markers,omitempty"`
	SubscriptionID     string   `msgpack:"si,omitempty" json:"subscriptionId,omitempty"`
	SubscriptionStatus string   `msgpack:"ss,omitempty" json:"subscriptionStatus,omitempty"`
	SubscriptionType   string   `msgpack:"st,omitempty" json:"subscriptionType,omitempty"`
	CreatedAt          int64    `msgpack:"c" json:"createdAt"`
	UpdatedAt          int64    `msgpack:"u" json:"updatedAt"`
}

// Key returns the inst key
func (i *Inst) Key() InstKey {
	return InstKey{RecordName: i.RecordName, Inst: i.Inst}
}

// Branch is a named update log inside one inst.
type Branch struct {
	RecordName string `msgpack:"r" json:"recordName"`
	Inst       string `msgpack:"i" json:"inst"`
	Branch     string `msgpack:"b" json:"branch"`
	Temporary  bool   `msgpack:"t" json:"temporary"`
	CreatedAt  int64  `msgpack:"c" json:"createdAt"`
}

// Key returns the branch key
func (b *Branch) Key() BranchKey {
	return BranchKey{RecordName: b.RecordName, Inst: b.Inst, Branch: b.Branch}
}

// Updates is a branch log as parallel arrays. Legacy entries carry a
// timestamp of -1.
type Updates struct {
	Updates           []string `json:"updates"`
	Timestamps        []int64  `json:"timestamps"`
	BranchSizeInBytes int64    `json:"branchSizeInBytes"`
}

// Len returns the number of entries
func (u *Updates) Len() int {
	if u == nil {
		return 0
	}
	return len(u.Updates)
}

// Replacement describes one compaction: drop the leading Remove entries and
// append Add in their place. Sizes are computed by the caller.
type Replacement struct {
	Remove            Updates
	RemoveSizeInBytes int64
	Add               string
	AddSizeInBytes    int64
}

// Limits are the quota bounds applied to a write. Zero means unlimited.
type Limits struct {
	MaxBranchSizeInBytes int64
	MaxInstSizeInBytes   int64
}

// LimitsFunc resolves the limits for an inst, for example from its
// subscription tier.
type LimitsFunc func(recordName, inst string) Limits

// StaticLimits returns a LimitsFunc that ignores the inst
func StaticLimits(l Limits) LimitsFunc {
	return func(string, string) Limits { return l }
}

// ValidateBranchKey rejects keys without an inst or branch name. Record and
// inst names may not contain '/'; branch names may.
func ValidateBranchKey(k BranchKey) error {
	if k.Branch == "" {
		return fmt.Errorf("%w: %q", ErrInvalidKey, k.String())
	}
	return ValidateInstKey(k.RecordName, k.Inst)
}

// ValidateInstKey rejects keys without an inst name or with a '/' in the
// record or inst name
func ValidateInstKey(recordName, inst string) error {
	if inst == "" || strings.Contains(recordName, "/") || strings.Contains(inst, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, id.FormatInstID(recordName, inst))
	}
	return nil
}
