package placement

import (
	"sync"

	"github.com/maxpert/shardkeeper/hlc"
	"github.com/maxpert/shardkeeper/telemetry"
	"github.com/rs/zerolog/log"
)

// EventType names a placement change.
type EventType string

const (
	EventAddShard           EventType = "addShard"
	EventRemoveShard        EventType = "removeShard"
	EventShardZones         EventType = "updateShardZones"
	EventCreateDatabase     EventType = "createDatabase"
	EventMovePrimary        EventType = "movePrimary"
	EventShardCollection    EventType = "shardCollection"
	EventDropCollection     EventType = "dropCollection"
	EventSplitChunk         EventType = "split"
	EventMergeChunks        EventType = "merge"
	EventMoveChunk          EventType = "moveChunk"
	EventUpdateZoneKeyRange EventType = "updateZoneKeyRange"
)

// Event is a placement-change notification. Timestamps are strictly
// increasing across all events of one catalog.
type Event struct {
	Seq       uint64         `bson:"_id" msgpack:"seq"`
	Type      EventType      `bson:"what" msgpack:"type"`
	NS        string         `bson:"ns" msgpack:"ns"`
	Timestamp hlc.Timestamp  `bson:"time" msgpack:"ts"`
	Version   Version        `bson:"version,omitempty" msgpack:"version,omitempty"`
	Details   map[string]any `bson:"details,omitempty" msgpack:"details,omitempty"`
}

// Listener receives events after they are durable.
type Listener interface {
	OnPlacementEvent(ev Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ev Event)

func (f ListenerFunc) OnPlacementEvent(ev Event) { f(ev) }

type listeners struct {
	mu  sync.RWMutex
	all []Listener
}

func (l *listeners) add(fn Listener) {
	l.mu.Lock()
	l.all = append(l.all, fn)
	l.mu.Unlock()
}

func (l *listeners) dispatch(ev Event) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	telemetry.PlacementNotificationsTotal.With(string(ev.Type)).Inc()
	log.Debug().
		Uint64("seq", ev.Seq).
		Str("type", string(ev.Type)).
		Str("ns", ev.NS).
		Str("ts", ev.Timestamp.String()).
		Msg("Placement change")

	for _, fn := range l.all {
		fn.OnPlacementEvent(ev)
	}
}
