package placement

import (
	"context"

	"github.com/google/uuid"
	"github.com/maxpert/shardkeeper/errs"
	"github.com/maxpert/shardkeeper/shardkey"
	"github.com/maxpert/shardkeeper/telemetry"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

func (c *Catalog) normalizeRange(rt *RoutingTable, r shardkey.Range) (shardkey.Range, error) {
	r.Min = rt.Pattern.ExtendBound(r.Min)
	r.Max = rt.Pattern.ExtendBound(r.Max)
	if err := rt.Pattern.ValidateBound(r.Min); err != nil {
		return r, err
	}
	if err := rt.Pattern.ValidateBound(r.Max); err != nil {
		return r, err
	}
	if !r.Valid() {
		return r, errs.Newf(errs.BadValue, "invalid range %s", r)
	}
	return r, nil
}

// SplitChunk splits the chunk with exactly the bounds of chunkRange at the
// given points. The new chunks take consecutive minor versions above the
// collection version.
func (c *Catalog) SplitChunk(ctx context.Context, ns string, chunkRange shardkey.Range, points []shardkey.Key) (out []Chunk, err error) {
	defer func() { recordOp("split", err) }()

	if len(points) == 0 {
		return nil, errs.New(errs.BadValue, "split requires at least one split point")
	}

	var ev Event
	err = c.withLock(ctx, ns, "split", func() error {
		c.mu.Lock()
		defer c.mu.Unlock()

		rt, ok := c.tables[ns]
		if !ok {
			return errs.Newf(errs.NamespaceNotSharded, "%s is not sharded", ns)
		}
		r, err := c.normalizeRange(rt, chunkRange)
		if err != nil {
			return err
		}
		chunk, ok := rt.FindExact(r)
		if !ok {
			return errs.Newf(errs.IllegalOperation, "no chunk with bounds %s in %s", r, ns)
		}

		bounds := []shardkey.Key{chunk.Min}
		for _, p := range points {
			p = rt.Pattern.ExtendBound(p)
			if err := rt.Pattern.ValidateBound(p); err != nil {
				return err
			}
			if !chunk.Min.Less(p) {
				return errs.Newf(errs.InvalidOptions, "split point %s is not above the chunk min %s", p, chunk.Min)
			}
			if !p.Less(chunk.Max) {
				return errs.Newf(errs.InvalidOptions, "split point %s is not below the chunk max %s", p, chunk.Max)
			}
			if !bounds[len(bounds)-1].Less(p) {
				return errs.Newf(errs.InvalidOptions, "split points must be strictly increasing at %s", p)
			}
			bounds = append(bounds, p)
		}
		bounds = append(bounds, chunk.Max)

		collVersion := rt.Version()
		out = make([]Chunk, 0, len(bounds)-1)
		for i := 0; i+1 < len(bounds); i++ {
			out = append(out, Chunk{
				ID:      uuid.NewString(),
				NS:      ns,
				Min:     bounds[i],
				Max:     bounds[i+1],
				Shard:   chunk.Shard,
				Version: Version{Epoch: collVersion.Epoch, Major: collVersion.Major, Minor: collVersion.Minor + 1 + uint32(i)},
				History: chunk.History,
			})
		}

		ev = Event{Type: EventSplitChunk, NS: ns, Details: map[string]any{
			"before": chunk.Range().String(), "shard": chunk.Shard, "pieces": len(out),
		}}
		return c.applyChunkChange(ns, rt, []Chunk{chunk}, out, &ev)
	})
	if err == nil && ev.Seq != 0 {
		c.events.dispatch(ev)
	}
	return out, err
}

// MergeChunks merges the chunks exactly covering r into one. They must all
// live on the same shard. Merging a range that is already one chunk returns
// that chunk unchanged.
func (c *Catalog) MergeChunks(ctx context.Context, ns string, r shardkey.Range) (merged Chunk, err error) {
	defer func() { recordOp("merge", err) }()

	var ev Event
	err = c.withLock(ctx, ns, "merge", func() error {
		c.mu.Lock()
		defer c.mu.Unlock()

		rt, ok := c.tables[ns]
		if !ok {
			return errs.Newf(errs.NamespaceNotSharded, "%s is not sharded", ns)
		}
		r, err := c.normalizeRange(rt, r)
		if err != nil {
			return err
		}

		chunks := rt.ChunksForRange(r.Min, r.Max, false)
		if len(chunks) == 0 || !chunks[0].Min.Equal(r.Min) || !chunks[len(chunks)-1].Max.Equal(r.Max) {
			return errs.Newf(errs.IllegalOperation, "range %s does not align with chunk boundaries of %s", r, ns)
		}
		for i, ch := range chunks {
			if ch.Shard != chunks[0].Shard {
				return errs.Newf(errs.IllegalOperation, "chunks in %s span shards %s and %s", r, chunks[0].Shard, ch.Shard)
			}
			if i > 0 && !chunks[i-1].Max.Equal(ch.Min) {
				return errs.Newf(errs.IllegalOperation, "chunks in %s are not contiguous at %s", r, ch.Min)
			}
		}
		if len(chunks) == 1 {
			merged = chunks[0]
			return nil
		}

		collVersion := rt.Version()
		merged = Chunk{
			ID:      uuid.NewString(),
			NS:      ns,
			Min:     r.Min,
			Max:     r.Max,
			Shard:   chunks[0].Shard,
			Version: Version{Epoch: collVersion.Epoch, Major: collVersion.Major, Minor: collVersion.Minor + 1},
			History: chunks[0].History,
		}
		ev = Event{Type: EventMergeChunks, NS: ns, Details: map[string]any{
			"range": r.String(), "shard": merged.Shard, "merged": len(chunks),
		}}
		return c.applyChunkChange(ns, rt, chunks, []Chunk{merged}, &ev)
	})
	if err == nil && ev.Seq != 0 {
		c.events.dispatch(ev)
	}
	return merged, err
}

// MoveChunk transfers the chunk with exactly the bounds of chunkRange to
// shard to. The moved chunk gets a new major version; if the donor keeps
// any chunks, one of them is bumped too so the donor's shard version moves.
func (c *Catalog) MoveChunk(ctx context.Context, ns string, chunkRange shardkey.Range, to string, waitForDelete bool) (moved Chunk, err error) {
	defer func() { recordOp("moveChunk", err) }()

	var ev Event
	err = c.withLock(ctx, ns, "moveChunk", func() error {
		c.mu.RLock()
		rt, ok := c.tables[ns]
		target, targetOK := c.shards[to]
		zones := c.zones[ns]
		migrator := c.migrator
		c.mu.RUnlock()

		if !ok {
			return errs.Newf(errs.NamespaceNotSharded, "%s is not sharded", ns)
		}
		if !targetOK {
			return errs.Newf(errs.ShardNotFound, "shard %s not found", to)
		}
		if target.Draining {
			return errs.Newf(errs.IllegalOperation, "shard %s is draining", to)
		}
		r, err := c.normalizeRange(rt, chunkRange)
		if err != nil {
			return err
		}
		chunk, ok := rt.FindExact(r)
		if !ok {
			return errs.Newf(errs.IllegalOperation, "no chunk with bounds %s in %s", r, ns)
		}
		if chunk.Shard == to {
			moved = chunk
			return nil
		}
		zone, zoned, err := ZoneFor(zones, r)
		if err != nil {
			return err
		}
		if zoned && !target.HasZone(zone) {
			return errs.Newf(errs.IllegalOperation, "chunk %s belongs to zone %s which shard %s is not in", r, zone, to)
		}

		req := MigrationRequest{NS: ns, Range: r, From: chunk.Shard, To: to, Epoch: rt.Collection.Epoch, WaitForDelete: waitForDelete}
		if migrator != nil {
			if err := migrator.CloneRange(ctx, req); err != nil {
				if ferr := migrator.FinishRange(ctx, req, false); ferr != nil {
					log.Warn().Err(ferr).Str("ns", ns).Msg("Failed to abort migration on shards")
				}
				return errors.WithMessagef(err, "clone %s from %s to %s", r, chunk.Shard, to)
			}
		}

		commitErr := func() error {
			c.mu.Lock()
			defer c.mu.Unlock()

			if cur := c.tables[ns]; cur != rt {
				return errs.Newf(errs.ConflictingOperationInProgress,
					"routing table of %s changed while moving %s", ns, r)
			}

			collVersion := rt.Version()
			moved = chunk
			moved.ID = uuid.NewString()
			moved.Shard = to
			moved.Jumbo = false
			moved.Version = Version{Epoch: collVersion.Epoch, Major: collVersion.Major + 1, Minor: 0}

			removed := []Chunk{chunk}
			added := []Chunk{moved}
			for _, other := range rt.chunks {
				if other.Shard == chunk.Shard && other.ID != chunk.ID {
					control := other
					control.Version = Version{Epoch: collVersion.Epoch, Major: collVersion.Major + 1, Minor: 1}
					removed = append(removed, other)
					added = append(added, control)
					break
				}
			}

			ev = Event{Type: EventMoveChunk, NS: ns, Details: map[string]any{
				"range": r.String(), "from": chunk.Shard, "to": to,
			}}
			if err := c.stageEventOnly(&ev); err != nil {
				return err
			}
			moved.History = append([]ChunkHistory{{ValidAfter: ev.Timestamp, Shard: to}}, chunk.History...)
			added[0] = moved
			return c.applyChunkChange(ns, rt, removed, added, &ev)
		}()

		if migrator != nil {
			if err := migrator.FinishRange(ctx, req, commitErr == nil); err != nil {
				log.Warn().Err(err).Str("ns", ns).Str("range", r.String()).Msg("Failed to finish migration on shards")
			}
		}
		if commitErr != nil {
			return commitErr
		}

		if migrator != nil {
			if waitForDelete {
				if err := migrator.CleanupRange(ctx, req); err != nil {
					return errors.WithMessagef(err, "delete moved range %s on %s", r, req.From)
				}
			} else {
				go func() {
					if err := migrator.CleanupRange(context.Background(), req); err != nil {
						log.Warn().Err(err).Str("ns", ns).Str("range", r.String()).Msg("Range deletion failed")
					}
				}()
			}
		}

		log.Info().
			Str("ns", ns).
			Str("range", r.String()).
			Str("from", req.From).
			Str("to", to).
			Str("version", moved.Version.String()).
			Msg("Chunk moved")
		return nil
	})
	if err == nil && ev.Seq != 0 {
		c.events.dispatch(ev)
	}
	return moved, err
}

// applyChunkChange durably swaps removed for added and publishes the new
// routing table. Caller holds c.mu.
func (c *Catalog) applyChunkChange(ns string, rt *RoutingTable, removed, added []Chunk, ev *Event) error {
	gone := make(map[string]bool, len(removed))
	for _, ch := range removed {
		gone[ch.ID] = true
	}
	next := make([]Chunk, 0, len(rt.chunks)-len(removed)+len(added))
	for _, ch := range rt.chunks {
		if !gone[ch.ID] {
			next = append(next, ch)
		}
	}
	next = append(next, added...)

	table, err := NewRoutingTable(rt.Collection, next)
	if err != nil {
		return err
	}
	if err := table.CheckPartition(); err != nil {
		return err
	}
	if !rt.Version().Less(table.Version()) {
		return errorf("collection version of %s did not advance: %s -> %s", ns, rt.Version(), table.Version())
	}

	b := c.store.NewBatch()
	defer b.Discard()
	if err := replaceChunks(b, ns, removed, added); err != nil {
		return err
	}
	ev.Version = table.Version()
	if ev.Seq == 0 {
		if err := c.stageEvent(b, ev); err != nil {
			return err
		}
	} else if err := putBSON(b, changelogKey(ev.Seq), ev); err != nil {
		return err
	}
	if err := c.commit(b, ev); err != nil {
		return err
	}

	c.tables[ns] = table
	telemetry.PlacementChunks.With(ns).Set(float64(table.NumChunks()))
	return nil
}
