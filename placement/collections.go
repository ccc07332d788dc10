package placement

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"github.com/maxpert/shardkeeper/db"
	"github.com/maxpert/shardkeeper/errs"
	"github.com/maxpert/shardkeeper/shardkey"
	"github.com/maxpert/shardkeeper/telemetry"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
)

// ShardCollectionOptions tunes initial chunk creation.
type ShardCollectionOptions struct {
	// NumInitialChunks applies to hashed-prefix keys without zones. Zero
	// means InitialChunksPerShard times the number of active shards.
	NumInitialChunks int
}

// ShardCollection shards ns on key. Sharding an already sharded collection
// with the same key is a no-op that returns the current routing table.
func (c *Catalog) ShardCollection(ctx context.Context, ns string, key bson.D, unique bool, opts ShardCollectionOptions) (rt *RoutingTable, err error) {
	defer func() { recordOp("shardCollection", err) }()

	dbName, _, err := SplitNS(ns)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidOptions, err, "shardCollection")
	}
	pattern, err := shardkey.ParsePattern(key)
	if err != nil {
		return nil, err
	}
	if _, hashed := pattern.HashedField(); hashed && unique {
		return nil, errs.New(errs.InvalidOptions, "hashed shard keys cannot be declared unique")
	}
	if opts.NumInitialChunks < 0 {
		return nil, errs.New(errs.InvalidOptions, "numInitialChunks cannot be negative")
	}

	var pending []Event
	err = c.withLock(ctx, ns, "shardCollection", func() error {
		c.mu.Lock()
		defer c.mu.Unlock()

		if existing, ok := c.tables[ns]; ok {
			if existing.Pattern.Equal(pattern) && existing.Collection.Unique == unique {
				rt = existing
				return nil
			}
			return errs.Newf(errs.IllegalOperation, "%s is already sharded on %s", ns, existing.Pattern)
		}

		database, dbEvent, err := c.createDatabaseLocked(dbName, "")
		if err != nil {
			return err
		}
		if dbEvent.Seq != 0 {
			pending = append(pending, dbEvent)
		}

		zones, err := c.normalizedZonesLocked(ns, pattern)
		if err != nil {
			return err
		}

		coll := Collection{
			NS:         ns,
			UUID:       uuid.NewString(),
			Epoch:      uuid.NewString(),
			KeyPattern: pattern.BSON(),
			Unique:     unique,
		}

		var chunks []Chunk
		switch {
		case len(zones) > 0:
			chunks = c.chunksFromZonesLocked(pattern, zones, database.Primary)
		case pattern.IsHashedPrefix():
			chunks = c.hashedChunksLocked(pattern, opts.NumInitialChunks, database.Primary)
		default:
			chunks = []Chunk{{Min: pattern.GlobalMin(), Max: pattern.GlobalMax(), Shard: database.Primary}}
		}

		b := c.store.NewBatch()
		defer b.Discard()

		ev := Event{Type: EventShardCollection, NS: ns, Details: map[string]any{
			"key": pattern.String(), "unique": unique, "numChunks": len(chunks), "primary": database.Primary,
		}}
		if err := c.stageEvent(b, &ev); err != nil {
			return err
		}
		coll.CreatedAt = ev.Timestamp
		for i := range chunks {
			chunks[i].ID = uuid.NewString()
			chunks[i].NS = ns
			chunks[i].Version = Version{Epoch: coll.Epoch, Major: 1, Minor: uint32(i)}
			chunks[i].History = []ChunkHistory{{ValidAfter: ev.Timestamp, Shard: chunks[i].Shard}}
			if err := putBSON(b, chunkKey(ns, chunks[i].ID), chunks[i]); err != nil {
				return err
			}
		}
		if err := putBSON(b, collectionKey(ns), coll); err != nil {
			return err
		}

		table, err := NewRoutingTable(coll, chunks)
		if err != nil {
			return err
		}
		if err := table.CheckPartition(); err != nil {
			return err
		}
		ev.Version = table.Version()
		// Restage with the final version; the sequence and timestamp are kept.
		if err := putBSON(b, changelogKey(ev.Seq), ev); err != nil {
			return err
		}
		if err := c.commit(b, &ev); err != nil {
			return err
		}

		c.tables[ns] = table
		rt = table
		pending = append(pending, ev)
		telemetry.PlacementChunks.With(ns).Set(float64(table.NumChunks()))

		log.Info().
			Str("ns", ns).
			Str("key", pattern.String()).
			Int("chunks", len(chunks)).
			Str("version", table.Version().String()).
			Msg("Collection sharded")
		return nil
	})
	for _, ev := range pending {
		c.events.dispatch(ev)
	}
	return rt, err
}

func (c *Catalog) activeShardsLocked() []string {
	var out []string
	for _, s := range c.shards {
		if !s.Draining {
			out = append(out, s.ID)
		}
	}
	sort.Strings(out)
	return out
}

func (c *Catalog) hashedChunksLocked(pattern shardkey.Pattern, n int, primary string) []Chunk {
	shards := c.activeShardsLocked()
	if len(shards) == 0 {
		shards = []string{primary}
	}
	if n == 0 {
		n = c.initial * len(shards)
	}

	bounds := append([]shardkey.Key{pattern.GlobalMin()}, pattern.InitialSplitKeys(n)...)
	bounds = append(bounds, pattern.GlobalMax())

	chunks := make([]Chunk, 0, len(bounds)-1)
	for i := 0; i+1 < len(bounds); i++ {
		// Contiguous runs per shard keep neighbouring chunks mergeable.
		owner := shards[i*len(shards)/(len(bounds)-1)]
		chunks = append(chunks, Chunk{Min: bounds[i], Max: bounds[i+1], Shard: owner})
	}
	return chunks
}

func (c *Catalog) chunksFromZonesLocked(pattern shardkey.Pattern, zones []ZoneRange, primary string) []Chunk {
	next := make(map[string]int)
	var chunks []Chunk
	cursor := pattern.GlobalMin()
	for _, z := range zones {
		if cursor.Less(z.Min) {
			chunks = append(chunks, Chunk{Min: cursor, Max: z.Min, Shard: primary})
		}
		owners := c.shardsInZoneLocked(z.Zone)
		owner := owners[next[z.Zone]%len(owners)]
		next[z.Zone]++
		chunks = append(chunks, Chunk{Min: z.Min, Max: z.Max, Shard: owner})
		cursor = z.Max
	}
	if cursor.Less(pattern.GlobalMax()) {
		chunks = append(chunks, Chunk{Min: cursor, Max: pattern.GlobalMax(), Shard: primary})
	}
	return chunks
}

// normalizedZonesLocked checks zone ranges recorded before sharding against
// the chosen key and extends prefix bounds to full keys.
func (c *Catalog) normalizedZonesLocked(ns string, pattern shardkey.Pattern) ([]ZoneRange, error) {
	zones := c.zones[ns]
	out := make([]ZoneRange, 0, len(zones))
	for _, z := range zones {
		z.Min = pattern.ExtendBound(z.Min)
		z.Max = pattern.ExtendBound(z.Max)
		if err := pattern.ValidateBound(z.Min); err != nil {
			return nil, err
		}
		if err := pattern.ValidateBound(z.Max); err != nil {
			return nil, err
		}
		if len(c.shardsInZoneLocked(z.Zone)) == 0 {
			return nil, errs.Newf(errs.ZoneNotFound, "zone %s has no shards", z.Zone)
		}
		out = append(out, z)
	}
	sortZones(out)
	return out, nil
}

// DropCollection removes a sharded collection's metadata. Dropping an
// unsharded namespace is a no-op.
func (c *Catalog) DropCollection(ctx context.Context, ns string) (err error) {
	defer func() { recordOp("dropCollection", err) }()

	var ev Event
	err = c.withLock(ctx, ns, "dropCollection", func() error {
		c.mu.Lock()
		defer c.mu.Unlock()

		rt, ok := c.tables[ns]
		if !ok {
			return nil
		}

		b := c.store.NewBatch()
		defer b.Discard()
		if err := b.Delete(collectionKey(ns)); err != nil {
			return err
		}
		if err := b.DeletePrefix(chunkPrefix(ns)); err != nil {
			return err
		}
		if err := b.DeletePrefix(zonePrefix(ns)); err != nil {
			return err
		}
		ev = Event{Type: EventDropCollection, NS: ns, Version: rt.Version(), Details: map[string]any{
			"shards": rt.Shards(),
		}}
		if err := c.stageEvent(b, &ev); err != nil {
			return err
		}
		if err := c.commit(b, &ev); err != nil {
			return err
		}
		delete(c.tables, ns)
		delete(c.zones, ns)
		telemetry.PlacementChunks.With(ns).Set(0)
		return nil
	})
	if err == nil && ev.Seq != 0 {
		c.events.dispatch(ev)
	}
	return err
}

// GetRoutingTable returns the current snapshot for ns.
func (c *Catalog) GetRoutingTable(_ context.Context, ns string) (*RoutingTable, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rt, ok := c.tables[ns]
	if !ok {
		return nil, errs.Newf(errs.NamespaceNotSharded, "%s is not sharded", ns)
	}
	return rt, nil
}

// LoadRoutingTable serves shard version caches.
func (c *Catalog) LoadRoutingTable(ctx context.Context, ns string) (*RoutingTable, error) {
	return c.GetRoutingTable(ctx, ns)
}

// GetChunksForRange returns the chunks intersecting [min, max) ordered by
// min key.
func (c *Catalog) GetChunksForRange(ctx context.Context, ns string, min, max shardkey.Key) ([]Chunk, error) {
	rt, err := c.GetRoutingTable(ctx, ns)
	if err != nil {
		return nil, err
	}
	min = rt.Pattern.ExtendBound(min)
	max = rt.Pattern.ExtendBound(max)
	if err := rt.Pattern.ValidateBound(min); err != nil {
		return nil, err
	}
	if err := rt.Pattern.ValidateBound(max); err != nil {
		return nil, err
	}
	return rt.ChunksForRange(min, max, false), nil
}

// ListCollections returns sharded collections sorted by namespace.
func (c *Catalog) ListCollections() []Collection {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Collection, 0, len(c.tables))
	for _, rt := range c.tables {
		out = append(out, rt.Collection)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NS < out[j].NS })
	return out
}

// ChunkCounts reports the number of chunks per namespace.
func (c *Catalog) ChunkCounts() map[string]int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]int, len(c.tables))
	for ns, rt := range c.tables {
		out[ns] = rt.NumChunks()
	}
	return out
}

// replaceChunks stages removal of old chunks and insertion of new ones.
func replaceChunks(b *db.Batch, ns string, removed, added []Chunk) error {
	for _, ch := range removed {
		if err := b.Delete(chunkKey(ns, ch.ID)); err != nil {
			return err
		}
	}
	for _, ch := range added {
		if err := putBSON(b, chunkKey(ns, ch.ID), ch); err != nil {
			return err
		}
	}
	return nil
}
