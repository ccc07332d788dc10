// Package transformer encodes placement events for publisher sinks.
package transformer

import (
	"encoding/json"
	"fmt"

	"github.com/maxpert/shardkeeper/publisher"
)

const connectorName = "shardkeeper"

func init() {
	publisher.RegisterTransformer("json", func() publisher.Transformer {
		return NewJSONTransformer()
	})
}

// JSONTransformer emits a change envelope in the shape stream processors
// already understand: the placement change is the "after" image and the
// event type is the operation.
type JSONTransformer struct {
	connector string
}

func NewJSONTransformer() *JSONTransformer {
	return &JSONTransformer{connector: connectorName}
}

type envelope struct {
	Payload payload `json:"payload"`
}

type payload struct {
	After  map[string]any `json:"after"`
	Op     string         `json:"op"`
	TsMs   int64          `json:"ts_ms"`
	Source source         `json:"source"`
}

type source struct {
	Connector  string `json:"connector"`
	Db         string `json:"db"`
	Collection string `json:"collection,omitempty"`
	Seq        uint64 `json:"seq"`
	CatalogSeq uint64 `json:"catalog_seq"`
	HLC        string `json:"hlc"`
	Node       uint64 `json:"node"`
}

func (j *JSONTransformer) Transform(event publisher.PlacementEvent) ([]byte, error) {
	after := make(map[string]any, len(event.Details)+1)
	for k, v := range event.Details {
		after[k] = v
	}
	if event.Version != "" {
		after["version"] = event.Version
	}

	msg := envelope{Payload: payload{
		After: after,
		Op:    event.Type,
		TsMs:  event.Timestamp.PhysicalTime().UnixMilli(),
		Source: source{
			Connector:  j.connector,
			Db:         event.Database,
			Collection: event.Collection,
			Seq:        event.SeqNum,
			CatalogSeq: event.CatalogSeq,
			HLC:        event.Timestamp.String(),
			Node:       event.NodeID,
		},
	}}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s event: %w", event.Type, err)
	}
	return data, nil
}
