package transformer

import (
	"github.com/maxpert/shardkeeper/encoding"
	"github.com/maxpert/shardkeeper/publisher"
)

func init() {
	publisher.RegisterTransformer("msgpack", func() publisher.Transformer {
		return MsgpackTransformer{}
	})
}

// MsgpackTransformer encodes the event as-is with the node's msgpack codec.
type MsgpackTransformer struct{}

func (MsgpackTransformer) Transform(event publisher.PlacementEvent) ([]byte, error) {
	return encoding.Marshal(&event)
}
