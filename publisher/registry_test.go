package publisher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/maxpert/shardkeeper/cfg"
	"github.com/maxpert/shardkeeper/hlc"
	"github.com/maxpert/shardkeeper/placement"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

var registrySinks = struct {
	sync.Mutex
	byName map[string]*mockSink
}{byName: map[string]*mockSink{}}

func init() {
	// The real sinks and transformers live in subpackages that import this
	// one, so tests register in-package fakes under their own names.
	RegisterSink("test", func(config cfg.SinkConfiguration) (Sink, error) {
		s := &mockSink{}
		registrySinks.Lock()
		registrySinks.byName[config.Name] = s
		registrySinks.Unlock()
		return s, nil
	})
	RegisterTransformer("test", func() Transformer { return mockTransformer{} })
}

func registrySink(name string) *mockSink {
	registrySinks.Lock()
	defer registrySinks.Unlock()
	return registrySinks.byName[name]
}

func TestNewRegistryValidation(t *testing.T) {
	_, err := NewRegistry(RegistryConfig{})
	assert.Error(t, err)

	_, err = NewRegistry(RegistryConfig{
		Store:       newTestStore(t),
		SinkConfigs: []cfg.SinkConfiguration{{Name: "x", Type: "carrier-pigeon", Format: "test"}},
	})
	assert.ErrorContains(t, err, "unknown sink type")

	_, err = NewRegistry(RegistryConfig{
		Store:       newTestStore(t),
		SinkConfigs: []cfg.SinkConfiguration{{Name: "x", Type: "test", Format: "xml"}},
	})
	assert.ErrorContains(t, err, "unknown format")

	_, err = NewRegistry(RegistryConfig{
		Store:       newTestStore(t),
		SinkConfigs: []cfg.SinkConfiguration{{Name: "x", Type: "test", Format: "test", FilterDatabases: []string{"[bad"}}},
	})
	assert.ErrorContains(t, err, "filter")
}

func TestRegistryAppendRequiresRunning(t *testing.T) {
	r, err := NewRegistry(RegistryConfig{Store: newTestStore(t)})
	require.NoError(t, err)
	assert.Error(t, r.Append(testEvents(1)))

	require.NoError(t, r.Start())
	assert.Error(t, r.Start())
	require.NoError(t, r.Append(testEvents(1)))
	r.Stop()
	r.Stop()
}

func TestRegistryPublishesCatalogEvents(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	r, err := NewRegistry(RegistryConfig{
		Store:  store,
		NodeID: 7,
		SinkConfigs: []cfg.SinkConfiguration{{
			Name:            "catalog-events",
			Type:            "test",
			Format:          "test",
			TopicPrefix:     "placement",
			FilterDatabases: []string{"app", "admin"},
			PollIntervalMS:  10,
		}},
	})
	require.NoError(t, err)
	require.NoError(t, r.Start())
	defer r.Stop()

	catalog, err := placement.Open(store, placement.Options{
		Clock: hlc.NewClock(7),
		Retry: placement.NoRetry,
	})
	require.NoError(t, err)
	catalog.Subscribe(r)

	require.NoError(t, catalog.AddShard(ctx, placement.Shard{ID: "s0", Address: "s0:27018"}))
	_, err = catalog.ShardCollection(ctx, "app.users", bson.D{{Key: "x", Value: 1}}, false, placement.ShardCollectionOptions{})
	require.NoError(t, err)
	_, err = catalog.CreateDatabase(ctx, "other", "")
	require.NoError(t, err)

	snk := registrySink("catalog-events")
	require.NotNil(t, snk)

	var published []mockPublishCall
	require.Eventually(t, func() bool {
		published = snk.getEvents()
		return len(published) >= 3
	}, 2*time.Second, 10*time.Millisecond)

	// addShard, the implicit createDatabase for app, then shardCollection.
	assert.Equal(t, "placement.admin", published[0].topic)
	assert.Equal(t, "placement.app", published[1].topic)
	assert.Equal(t, "placement.app.users", published[2].topic)
	for _, p := range published {
		assert.NotContains(t, p.topic, "other")
	}
}
