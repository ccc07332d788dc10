package balancer

import (
	"sort"

	"github.com/maxpert/shardkeeper/placement"
	"github.com/maxpert/shardkeeper/shardkey"
	"github.com/samber/lo"
)

// Reason says why a migration was chosen.
type Reason string

const (
	ReasonDrain     Reason = "drain"
	ReasonZone      Reason = "zone"
	ReasonImbalance Reason = "imbalance"
)

// Migration moves one chunk.
type Migration struct {
	NS     string
	Chunk  placement.Chunk
	From   string
	To     string
	Reason Reason
}

// Split cuts a chunk that straddles zone boundaries.
type Split struct {
	NS     string
	Range  shardkey.Range
	Points []shardkey.Key
}

// CollectionState is what the policy sees of one collection.
type CollectionState struct {
	Table *placement.RoutingTable
	Zones []placement.ZoneRange
}

// Policy picks the migrations of a round. Draining shards are emptied
// first, then chunks sitting outside their zone are moved, then chunk
// counts are evened out within each zone.
type Policy struct {
	// Threshold is the chunk count difference tolerated between the most
	// and least loaded shard.
	Threshold int
	// MaxMigrations caps a round; 0 means no cap.
	MaxMigrations int
}

// Plan never schedules two migrations touching the same shard, and never
// picks a jumbo chunk.
func (p Policy) Plan(shards []placement.Shard, collections []CollectionState) ([]Split, []Migration) {
	var (
		splits []Split
		out    []Migration
	)
	busy := map[string]bool{}
	byID := lo.KeyBy(shards, func(s placement.Shard) string { return s.ID })

	full := func() bool { return p.MaxMigrations > 0 && len(out) >= p.MaxMigrations }
	add := func(m Migration) {
		busy[m.From] = true
		busy[m.To] = true
		out = append(out, m)
	}

	sort.Slice(collections, func(i, j int) bool { return collections[i].Table.NS() < collections[j].Table.NS() })

	for _, phase := range []Reason{ReasonDrain, ReasonZone, ReasonImbalance} {
		for _, cs := range collections {
			if full() {
				return splits, out
			}
			v := newCollectionView(cs, shards)
			switch phase {
			case ReasonDrain:
				splits = append(splits, v.straddling()...)
				for _, c := range v.chunks {
					if full() {
						break
					}
					from, ok := byID[c.Shard]
					if !ok || !from.Draining || c.Jumbo || busy[c.Shard] || v.zoneOf[c.ID] == straddles {
						continue
					}
					if to, ok := v.leastLoaded(v.zoneOf[c.ID], busy); ok {
						add(Migration{NS: c.NS, Chunk: c, From: c.Shard, To: to, Reason: ReasonDrain})
						v.counts[c.Shard]--
						v.counts[to]++
					}
				}
			case ReasonZone:
				for _, c := range v.chunks {
					if full() {
						break
					}
					zone := v.zoneOf[c.ID]
					if zone == "" || zone == straddles || c.Jumbo || busy[c.Shard] {
						continue
					}
					if from, ok := byID[c.Shard]; ok && from.HasZone(zone) {
						continue
					}
					if to, ok := v.leastLoaded(zone, busy); ok {
						add(Migration{NS: c.NS, Chunk: c, From: c.Shard, To: to, Reason: ReasonZone})
						v.counts[c.Shard]--
						v.counts[to]++
					}
				}
			case ReasonImbalance:
				for _, zone := range v.zoneNames() {
					if full() {
						break
					}
					if m, ok := v.rebalance(zone, p.Threshold, busy); ok {
						add(m)
					}
				}
			}
		}
	}
	return splits, out
}

const straddles = "\x00straddles"

type collectionView struct {
	ns     string
	chunks []placement.Chunk
	zones  []placement.ZoneRange
	shards []placement.Shard
	zoneOf map[string]string
	// counts is chunks per shard for this collection.
	counts map[string]int
}

func newCollectionView(cs CollectionState, shards []placement.Shard) *collectionView {
	v := &collectionView{
		ns:     cs.Table.NS(),
		chunks: cs.Table.Chunks(),
		zones:  cs.Zones,
		shards: shards,
		zoneOf: map[string]string{},
		counts: cs.Table.ChunkCounts(),
	}
	for _, c := range v.chunks {
		zone, _, err := placement.ZoneFor(cs.Zones, c.Range())
		if err != nil {
			zone = straddles
		}
		v.zoneOf[c.ID] = zone
	}
	return v
}

// straddling returns splits that align chunks with zone boundaries.
func (v *collectionView) straddling() []Split {
	var out []Split
	for _, c := range v.chunks {
		if v.zoneOf[c.ID] != straddles {
			continue
		}
		r := c.Range()
		var points []shardkey.Key
		for _, z := range v.zones {
			for _, b := range []shardkey.Key{z.Min, z.Max} {
				if shardkey.Compare(b, r.Min) > 0 && shardkey.Compare(b, r.Max) < 0 {
					points = append(points, b)
				}
			}
		}
		points = lo.UniqBy(points, func(k shardkey.Key) string { return k.String() })
		sort.Slice(points, func(i, j int) bool { return points[i].Less(points[j]) })
		out = append(out, Split{NS: v.ns, Range: r, Points: points})
	}
	return out
}

// eligible lists the non-draining shards that may hold chunks of zone.
// Unzoned chunks may live on any shard.
func (v *collectionView) eligible(zone string) []string {
	return lo.FilterMap(v.shards, func(s placement.Shard, _ int) (string, bool) {
		return s.ID, !s.Draining && (zone == "" || s.HasZone(zone))
	})
}

func (v *collectionView) leastLoaded(zone string, busy map[string]bool) (string, bool) {
	candidates := lo.Filter(v.eligible(zone), func(id string, _ int) bool { return !busy[id] })
	if len(candidates) == 0 {
		return "", false
	}
	return lo.MinBy(candidates, func(a, b string) bool {
		if v.counts[a] != v.counts[b] {
			return v.counts[a] < v.counts[b]
		}
		return a < b
	}), true
}

func (v *collectionView) zoneNames() []string {
	names := lo.Uniq(lo.Values(v.zoneOf))
	names = lo.Without(names, straddles)
	sort.Strings(names)
	return names
}

// rebalance moves one chunk of zone from its most to its least loaded
// eligible shard when they differ by more than threshold. Shards already
// busy this round are left out.
func (v *collectionView) rebalance(zone string, threshold int, busy map[string]bool) (Migration, bool) {
	shards := v.eligible(zone)
	if len(shards) < 2 {
		return Migration{}, false
	}
	counts := map[string]int{}
	for _, id := range shards {
		counts[id] = 0
	}
	for _, c := range v.chunks {
		if _, ok := counts[c.Shard]; ok && v.zoneOf[c.ID] == zone {
			counts[c.Shard]++
		}
	}
	free := lo.Filter(shards, func(id string, _ int) bool { return !busy[id] })
	if len(free) < 2 {
		return Migration{}, false
	}
	sort.Strings(free)
	from := lo.MaxBy(free, func(a, b string) bool { return counts[a] > counts[b] })
	to := lo.MinBy(free, func(a, b string) bool { return counts[a] < counts[b] })
	if counts[from]-counts[to] <= threshold {
		return Migration{}, false
	}
	c, ok := lo.Find(v.chunks, func(c placement.Chunk) bool {
		return c.Shard == from && !c.Jumbo && v.zoneOf[c.ID] == zone
	})
	if !ok {
		return Migration{}, false
	}
	v.counts[from]--
	v.counts[to]++
	return Migration{NS: v.ns, Chunk: c, From: from, To: to, Reason: ReasonImbalance}, true
}
