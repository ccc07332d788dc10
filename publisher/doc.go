// Package publisher streams placement-change events to external systems.
//
// The catalog hands every durable event to the Registry, which appends it to
// a pebble-backed PublishLog and signals its workers. Each configured sink
// has one Worker that reads the log from its own cursor, filters by
// database and collection globs, transforms the event and publishes it with
// exponential backoff. Delivery is at-least-once.
//
// Key prefixes in the shared store:
//
//	/publog/{seq:016x}       -> msgpack(PlacementEvent)
//	/pubcursor/{sinkName}    -> uint64 (cursor)
//	/pubseq                  -> uint64 (last sequence)
//
// Sinks ("kafka", "nats", "log") and formats ("json", "msgpack") register
// themselves from the sink and transformer packages.
package publisher
