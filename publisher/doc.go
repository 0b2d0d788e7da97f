// Package publisher delivers branch lifecycle events (flushed, deleted) to
// external systems.
//
// Events are first appended to a Pebble-backed EventLog, then a Worker tails
// the log and publishes each event to a Sink, advancing a persisted cursor
// only after the sink accepts it. Delivery is at least once.
//
// Sinks register themselves by type; the sink subpackage provides NATS
// JetStream and Kafka implementations:
//
//	import _ "github.com/maxpert/branchsync/publisher/sink"
//
//	p, err := publisher.NewFromConfig(cfg.Config.Publisher, cfg.PublisherPath(), nodeID)
//	if err != nil {
//		return err
//	}
//	p.Start()
//	defer p.Stop()
//
//	p.Emit(publisher.BranchEvent{Type: publisher.EventBranchDeleted, RecordName: "rec", Inst: "inst", Branch: "main"})
package publisher
