// Package publisher ships committed queue entries to external sinks. Workers
// poll the durable queue tables and publish each entry at-least-once, with a
// persisted cursor per sink.
package publisher

// Event kinds, matching the queue table an entry came from.
const (
	KindCommand = "command"
	KindDrops   = "drops"
)

// QueueEvent is one queue entry in the wire form sinks receive.
type QueueEvent struct {
	Kind     string `msgpack:"kind"`
	Position int64  `msgpack:"pos"` // queue position, monotonic per kind
	QueuedAt int64  `msgpack:"ts"`  // unix ms at enqueue
	NodeID   uint64 `msgpack:"node"`

	// Command entries
	Actor   string `msgpack:"actor,omitempty"`
	Tag     string `msgpack:"tag,omitempty"`
	Command string `msgpack:"cmd,omitempty"`

	// Drop entries carry the dropped-object payload exactly as queued.
	DroppedObjects []byte `msgpack:"drops,omitempty"`
}

// Sink is a destination for queue events (e.g. Kafka, NATS).
type Sink interface {
	// Publish sends one message to the sink.
	Publish(topic string, key string, value []byte) error
	// Close releases any resources held by the sink.
	Close() error
}

// Filter decides whether an event should be published.
type Filter interface {
	// Match returns true if the event should be published.
	Match(tag string) bool
}
