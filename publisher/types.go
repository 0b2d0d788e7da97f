package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/maxpert/branchsync/encoding"
	"github.com/maxpert/branchsync/id"
)

// Event types
const (
	EventBranchFlushed = "branch_flushed"
	EventBranchDeleted = "branch_deleted"
	EventInstDeleted   = "inst_deleted"
)

// ErrClosed is returned by operations on a closed event log
var ErrClosed = errors.New("publisher: event log closed")

// BranchEvent describes one lifecycle change of a branch or inst. Branch is
// empty for inst level events.
type BranchEvent struct {
	Seq         uint64 `msgpack:"seq" json:"seq"`
	Type        string `msgpack:"type" json:"type"`
	RecordName  string `msgpack:"rec" json:"recordName"`
	Inst        string `msgpack:"inst" json:"inst"`
	Branch      string `msgpack:"br,omitempty" json:"branch,omitempty"`
	Generation  int64  `msgpack:"gen,omitempty" json:"generation,omitempty"`
	Updates     int    `msgpack:"n,omitempty" json:"updates,omitempty"`
	SizeInBytes int64  `msgpack:"size,omitempty" json:"sizeInBytes,omitempty"`
	Timestamp   int64  `msgpack:"ts" json:"timestamp"`
	NodeID      uint64 `msgpack:"node" json:"nodeId"`
}

// PartitionKey groups events of one inst so sinks keep them ordered
func (e BranchEvent) PartitionKey() string {
	return id.FormatInstID(e.RecordName, e.Inst)
}

// Sink is a destination for encoded events
type Sink interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
	Close() error
}

// Filter decides whether events of an inst are published
type Filter interface {
	Match(recordName, inst string) bool
}

// Encoder renders an event for a sink
type Encoder func(BranchEvent) ([]byte, error)

// EncoderFor returns the encoder of a configured format
func EncoderFor(format string) (Encoder, error) {
	switch format {
	case "", "json":
		return func(e BranchEvent) ([]byte, error) { return json.Marshal(e) }, nil
	case "msgpack":
		return func(e BranchEvent) ([]byte, error) { return encoding.Marshal(&e) }, nil
	default:
		return nil, fmt.Errorf("unknown event format: %s", format)
	}
}
