package publisher

import (
	"github.com/maxpert/shardkeeper/hlc"
	"github.com/maxpert/shardkeeper/placement"
)

// PlacementEvent is one published placement change. SeqNum orders the
// publish log; CatalogSeq is the catalog changelog sequence.
type PlacementEvent struct {
	SeqNum     uint64         `msgpack:"seq" json:"seq"`
	CatalogSeq uint64         `msgpack:"cseq" json:"catalogSeq"`
	Type       string         `msgpack:"type" json:"type"`
	Database   string         `msgpack:"db" json:"db"`
	Collection string         `msgpack:"coll,omitempty" json:"collection,omitempty"`
	Timestamp  hlc.Timestamp  `msgpack:"ts" json:"ts"`
	Version    string         `msgpack:"ver,omitempty" json:"version,omitempty"`
	Details    map[string]any `msgpack:"details,omitempty" json:"details,omitempty"`
	NodeID     uint64         `msgpack:"node" json:"node"`
}

// FromPlacement converts a catalog event. Shard-level events carry no
// namespace and are published under the "admin" database.
func FromPlacement(ev placement.Event, nodeID uint64) PlacementEvent {
	out := PlacementEvent{
		CatalogSeq: ev.Seq,
		Type:       string(ev.Type),
		Timestamp:  ev.Timestamp,
		Details:    ev.Details,
		NodeID:     nodeID,
		Database:   "admin",
	}
	if !ev.Version.IsUnsharded() {
		out.Version = ev.Version.String()
	}
	if ev.NS != "" {
		if dbName, coll, err := placement.SplitNS(ev.NS); err == nil {
			out.Database, out.Collection = dbName, coll
		} else {
			out.Database = ev.NS
		}
	}
	return out
}

// Key is the partition key sinks use: events of one namespace stay ordered.
func (e PlacementEvent) Key() string {
	if e.Collection == "" {
		return e.Database
	}
	return e.Database + "." + e.Collection
}

// Sink is a destination for events (Kafka, NATS, log).
type Sink interface {
	Publish(topic string, key string, value []byte) error
	Close() error
}

// Transformer encodes events for a sink.
type Transformer interface {
	Transform(event PlacementEvent) ([]byte, error)
}

// Filter decides whether an event is published.
type Filter interface {
	Match(database, collection string) bool
}
