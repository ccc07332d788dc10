package router

import (
	"context"
	"sort"

	"github.com/maxpert/shardkeeper/protocol"
	"go.mongodb.org/mongo-driver/bson"
)

// Index is a secondary index definition.
type Index struct {
	Name string
	Key  bson.D
}

// IndexSource lists the indexes of a namespace.
type IndexSource interface {
	Indexes(ctx context.Context, ns string) ([]Index, error)
}

// StaticIndexes serves index definitions from configuration.
type StaticIndexes map[string][]Index

func (s StaticIndexes) Indexes(_ context.Context, ns string) ([]Index, error) {
	return s[ns], nil
}

// IndexCandidate describes how well an index fits a filter.
type IndexCandidate struct {
	Index Index
	// Prefix counts leading index fields the filter constrains.
	Prefix int
	// Closed is false when the last constrained field is a one-sided
	// range.
	Closed bool
	// Extra counts index fields past the constrained prefix.
	Extra int
	Order int
}

// IndexRanker orders candidate indexes, best first.
type IndexRanker interface {
	Rank(candidates []IndexCandidate) []IndexCandidate
}

// DefaultRanker prefers the longest constrained prefix, then closed
// intervals, then the fewest extra fields, then declaration order.
type DefaultRanker struct{}

func (DefaultRanker) Rank(candidates []IndexCandidate) []IndexCandidate {
	out := append([]IndexCandidate(nil), candidates...)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Prefix != b.Prefix {
			return a.Prefix > b.Prefix
		}
		if a.Closed != b.Closed {
			return a.Closed
		}
		if a.Extra != b.Extra {
			return a.Extra < b.Extra
		}
		return a.Order < b.Order
	})
	return out
}

// Candidates scores every index a filter constrains. Indexes whose first
// field is unconstrained are left out.
func Candidates(f bson.D, indexes []Index) []IndexCandidate {
	conj, _, err := splitOr(f)
	if err != nil {
		return nil
	}
	var out []IndexCandidate
	for i, idx := range indexes {
		c := IndexCandidate{Index: idx, Closed: true, Order: i}
		for _, e := range idx.Key {
			fc := constraintFor(conj, e.Key)
			if len(fc.points) > 0 {
				c.Prefix++
				continue
			}
			if fc.ranged {
				c.Prefix++
				c.Closed = fc.lo != nil && fc.hi != nil
			}
			break
		}
		if c.Prefix == 0 {
			continue
		}
		c.Extra = len(idx.Key) - c.Prefix
		out = append(out, c)
	}
	return out
}

// Explanation describes how an operation would be routed.
type Explanation struct {
	NS         string
	Targeting  string
	Shards     []string
	Index      *IndexCandidate
	Candidates []IndexCandidate
}

// Explain targets op and ranks the indexes its filter could use. The
// shard key and _id indexes are always candidates.
func (r *Router) Explain(ctx context.Context, op protocol.Op) (Explanation, error) {
	plan, err := r.targeter.Route(ctx, op, nil)
	if err != nil {
		return Explanation{}, err
	}
	indexes := []Index{{Name: "_id_", Key: bson.D{{Key: "_id", Value: int32(1)}}}}
	if plan.Sharded() {
		indexes = append(indexes, Index{Name: "shardKey", Key: plan.Table.Collection.KeyPattern})
	}
	if r.opts.Indexes != nil {
		extra, err := r.opts.Indexes.Indexes(ctx, op.NS)
		if err != nil {
			return Explanation{}, err
		}
		indexes = append(indexes, extra...)
	}
	ex := Explanation{
		NS:         op.NS,
		Targeting:  targeting(plan),
		Shards:     plan.Shards(),
		Candidates: r.opts.Ranker.Rank(Candidates(op.Filter, indexes)),
	}
	if len(ex.Candidates) > 0 {
		ex.Index = &ex.Candidates[0]
	}
	return ex, nil
}
