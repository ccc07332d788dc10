package placement

import (
	"sort"

	"github.com/maxpert/shardkeeper/shardkey"
)

// RoutingTable is an immutable snapshot of a sharded collection's chunks.
// Routers and shards share snapshots freely; mutations build new tables.
type RoutingTable struct {
	Collection    Collection
	Pattern       shardkey.Pattern
	chunks        []Chunk
	version       Version
	shardVersions map[string]Version
}

// NewRoutingTable builds a snapshot from chunks in any order.
func NewRoutingTable(coll Collection, chunks []Chunk) (*RoutingTable, error) {
	pattern, err := coll.Pattern()
	if err != nil {
		return nil, err
	}

	sorted := make([]Chunk, len(chunks))
	copy(sorted, chunks)
	sort.Slice(sorted, func(i, j int) bool {
		return shardkey.Compare(sorted[i].Min, sorted[j].Min) < 0
	})

	rt := &RoutingTable{
		Collection:    coll,
		Pattern:       pattern,
		chunks:        sorted,
		version:       Version{Epoch: coll.Epoch},
		shardVersions: make(map[string]Version),
	}
	for _, c := range sorted {
		if rt.version.Less(c.Version) {
			rt.version = c.Version
		}
		sv, ok := rt.shardVersions[c.Shard]
		if !ok || sv.Less(c.Version) {
			rt.shardVersions[c.Shard] = c.Version
		}
	}
	return rt, nil
}

// NS is the collection namespace.
func (rt *RoutingTable) NS() string { return rt.Collection.NS }

// Version is the collection version: the highest chunk version.
func (rt *RoutingTable) Version() Version { return rt.version }

// ShardVersion is the highest chunk version owned by shard, or major 0 in
// the collection's epoch when the shard owns nothing.
func (rt *RoutingTable) ShardVersion(shard string) Version {
	if v, ok := rt.shardVersions[shard]; ok {
		return v
	}
	return Version{Epoch: rt.Collection.Epoch}
}

// Chunks returns the chunks ordered by min key.
func (rt *RoutingTable) Chunks() []Chunk {
	out := make([]Chunk, len(rt.chunks))
	copy(out, rt.chunks)
	return out
}

// NumChunks is the total chunk count.
func (rt *RoutingTable) NumChunks() int { return len(rt.chunks) }

// Shards lists shards owning at least one chunk, sorted.
func (rt *RoutingTable) Shards() []string {
	out := make([]string, 0, len(rt.shardVersions))
	for s := range rt.shardVersions {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// ChunkCounts returns the number of chunks per shard.
func (rt *RoutingTable) ChunkCounts() map[string]int {
	out := make(map[string]int, len(rt.shardVersions))
	for _, c := range rt.chunks {
		out[c.Shard]++
	}
	return out
}

// FindChunk returns the chunk containing k.
func (rt *RoutingTable) FindChunk(k shardkey.Key) (Chunk, bool) {
	// First chunk whose max is greater than k.
	i := sort.Search(len(rt.chunks), func(i int) bool {
		return shardkey.Compare(rt.chunks[i].Max, k) > 0
	})
	if i < len(rt.chunks) && rt.chunks[i].Range().Contains(k) {
		return rt.chunks[i], true
	}
	return Chunk{}, false
}

// ChunksForRange returns chunks intersecting [min, max), or [min, max] when
// maxInclusive is set, ordered by min key.
func (rt *RoutingTable) ChunksForRange(min, max shardkey.Key, maxInclusive bool) []Chunk {
	start := sort.Search(len(rt.chunks), func(i int) bool {
		return shardkey.Compare(rt.chunks[i].Max, min) > 0
	})
	var out []Chunk
	for i := start; i < len(rt.chunks); i++ {
		c := rt.chunks[i]
		cmp := shardkey.Compare(c.Min, max)
		if cmp > 0 || (cmp == 0 && !maxInclusive) {
			break
		}
		out = append(out, c)
	}
	return out
}

// ShardsForRange returns the distinct owners of ChunksForRange in key order
// of their first intersecting chunk.
func (rt *RoutingTable) ShardsForRange(min, max shardkey.Key, maxInclusive bool) []string {
	seen := make(map[string]bool)
	var out []string
	for _, c := range rt.ChunksForRange(min, max, maxInclusive) {
		if !seen[c.Shard] {
			seen[c.Shard] = true
			out = append(out, c.Shard)
		}
	}
	return out
}

// OwnedRanges returns the ranges owned by shard, ordered.
func (rt *RoutingTable) OwnedRanges(shard string) []shardkey.Range {
	var out []shardkey.Range
	for _, c := range rt.chunks {
		if c.Shard == shard {
			out = append(out, c.Range())
		}
	}
	return out
}

// FindExact returns the chunk with exactly the given bounds.
func (rt *RoutingTable) FindExact(r shardkey.Range) (Chunk, bool) {
	c, ok := rt.FindChunk(r.Min)
	if ok && c.Range().Equal(r) {
		return c, true
	}
	return Chunk{}, false
}

// CheckPartition verifies that chunks tile [GlobalMin, GlobalMax) without
// gaps or overlaps.
func (rt *RoutingTable) CheckPartition() error {
	if len(rt.chunks) == 0 {
		return errorf("collection %s has no chunks", rt.NS())
	}
	if !rt.chunks[0].Min.IsGlobalMin() {
		return errorf("first chunk of %s starts at %s", rt.NS(), rt.chunks[0].Min)
	}
	for i := 1; i < len(rt.chunks); i++ {
		if !rt.chunks[i-1].Max.Equal(rt.chunks[i].Min) {
			return errorf("chunks of %s are not contiguous at %s / %s", rt.NS(), rt.chunks[i-1].Max, rt.chunks[i].Min)
		}
	}
	if !rt.chunks[len(rt.chunks)-1].Max.IsGlobalMax() {
		return errorf("last chunk of %s ends at %s", rt.NS(), rt.chunks[len(rt.chunks)-1].Max)
	}
	return nil
}
