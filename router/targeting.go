package router

import (
	"context"
	"sort"

	"github.com/maxpert/shardkeeper/errs"
	"github.com/maxpert/shardkeeper/placement"
	"github.com/maxpert/shardkeeper/protocol"
	"github.com/maxpert/shardkeeper/protocol/filter"
	"github.com/maxpert/shardkeeper/shardcache"
	"github.com/maxpert/shardkeeper/shardkey"
	"github.com/samber/lo"
	"go.mongodb.org/mongo-driver/bson"
)

// Target is one shard's share of an operation, already stamped.
type Target struct {
	Shard   string
	Request protocol.Request
}

// Plan is an operation routed against one placement snapshot. Targets are
// in shard key order.
type Plan struct {
	NS      string
	DB      placement.Database
	Table   *placement.RoutingTable
	Targets []Target
}

// Sharded reports whether the namespace had a routing table.
func (p *Plan) Sharded() bool { return p.Table != nil }

// Shards lists the targeted shards in order.
func (p *Plan) Shards() []string {
	return lo.Map(p.Targets, func(t Target, _ int) string { return t.Shard })
}

// DatabaseCreator creates databases on first write. The catalog satisfies
// it; routers without one fail writes to unknown databases.
type DatabaseCreator interface {
	CreateDatabase(ctx context.Context, name, primary string) (placement.Database, error)
}

// Targeter turns operations into stamped per-shard requests.
type Targeter struct {
	cache   shardcache.Cache
	creator DatabaseCreator
}

func NewTargeter(cache shardcache.Cache, creator DatabaseCreator) *Targeter {
	return &Targeter{cache: cache, creator: creator}
}

func (t *Targeter) database(ctx context.Context, name string, write bool) (placement.Database, error) {
	d, err := t.cache.GetDatabase(ctx, name)
	if errs.Is(err, errs.NamespaceNotFound) && write && t.creator != nil {
		if _, err := t.creator.CreateDatabase(ctx, name, ""); err != nil {
			return placement.Database{}, err
		}
		t.cache.InvalidateDatabase(name)
		return t.cache.GetDatabase(ctx, name)
	}
	return d, err
}

// Route targets op. stmtIDs follow op.Docs for inserts; other writes
// carry at most one.
func (t *Targeter) Route(ctx context.Context, op protocol.Op, stmtIDs []int32) (*Plan, error) {
	dbName, _, err := placement.SplitNS(op.NS)
	if err != nil {
		return nil, err
	}
	d, err := t.database(ctx, dbName, op.Kind.IsWrite())
	if err != nil {
		return nil, err
	}
	e, err := t.cache.GetCollection(ctx, op.NS)
	if err != nil {
		return nil, err
	}
	plan := &Plan{NS: op.NS, DB: d, Table: e.Table}

	if !e.Sharded() {
		plan.Targets = []Target{{Shard: d.Primary, Request: protocol.Request{
			Op:              op,
			ShardVersion:    placement.Unsharded,
			DatabaseVersion: d.Version,
			StmtIDs:         stmtIDs,
		}}}
		return plan, nil
	}

	rt := e.Table
	if op.Kind == protocol.OpInsert {
		plan.Targets, err = routeInsert(rt, op, stmtIDs)
		return plan, err
	}

	shards, point, err := shardsFor(rt, op.Filter)
	if err != nil {
		return nil, err
	}
	if err := checkSingleWrite(op, shards, point); err != nil {
		return nil, err
	}
	for _, s := range shards {
		plan.Targets = append(plan.Targets, Target{Shard: s, Request: protocol.Request{
			Op:           op,
			ShardVersion: rt.ShardVersion(s),
			StmtIDs:      stmtIDs,
		}})
	}
	return plan, nil
}

// RouteOperation is Route keyed by shard.
func (t *Targeter) RouteOperation(ctx context.Context, op protocol.Op) (map[string]protocol.Request, error) {
	plan, err := t.Route(ctx, op, nil)
	if err != nil {
		return nil, err
	}
	return lo.SliceToMap(plan.Targets, func(tg Target) (string, protocol.Request) {
		return tg.Shard, tg.Request
	}), nil
}

// TargetsForLocalValue lists the shards holding documents of ns whose
// field equals v. Per-document nested stages use it to route each outer
// document's join value.
func (t *Targeter) TargetsForLocalValue(ctx context.Context, ns, field string, v any) ([]string, error) {
	plan, err := t.Route(ctx, protocol.Op{Kind: protocol.OpFind, NS: ns, Filter: bson.D{{Key: field, Value: v}}}, nil)
	if err != nil {
		return nil, err
	}
	return plan.Shards(), nil
}

func routeInsert(rt *placement.RoutingTable, op protocol.Op, stmtIDs []int32) ([]Target, error) {
	var order []string
	byShard := make(map[string]*Target)
	for i, doc := range op.Docs {
		k, err := rt.Pattern.Extract(doc)
		if err != nil {
			return nil, err
		}
		chunk, ok := rt.FindChunk(k)
		if !ok {
			return nil, errs.Newf(errs.InternalError, "no chunk of %s owns %s", rt.NS(), k)
		}
		tg, ok := byShard[chunk.Shard]
		if !ok {
			sub := op
			sub.Docs = nil
			tg = &Target{Shard: chunk.Shard, Request: protocol.Request{Op: sub, ShardVersion: rt.ShardVersion(chunk.Shard)}}
			byShard[chunk.Shard] = tg
			order = append(order, chunk.Shard)
		}
		tg.Request.Op.Docs = append(tg.Request.Op.Docs, doc)
		if i < len(stmtIDs) {
			tg.Request.StmtIDs = append(tg.Request.StmtIDs, stmtIDs[i])
		}
	}
	return lo.Map(order, func(s string, _ int) Target { return *byShard[s] }), nil
}

// shardsFor returns the shards a filter can touch in key order. point is
// true when the filter pins a single full shard key.
func shardsFor(rt *placement.RoutingTable, f bson.D) ([]string, bool, error) {
	ranges, all, err := keyRanges(rt.Pattern, f)
	if err != nil {
		return nil, false, err
	}
	if all {
		return rt.ShardsForRange(rt.Pattern.GlobalMin(), rt.Pattern.GlobalMax(), true), false, nil
	}
	if len(ranges) == 0 {
		// Nothing can match; ask the shard owning the first chunk so the
		// version check still runs.
		chunk, _ := rt.FindChunk(rt.Pattern.GlobalMin())
		return []string{chunk.Shard}, false, nil
	}
	sort.SliceStable(ranges, func(i, j int) bool { return shardkey.Compare(ranges[i].min, ranges[j].min) < 0 })
	var out []string
	seen := make(map[string]bool)
	for _, r := range ranges {
		for _, s := range rt.ShardsForRange(r.min, r.max, true) {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	point := len(ranges) == 1 && ranges[0].point()
	return out, point, nil
}

// checkSingleWrite enforces that single-document writes reach one shard,
// except when an _id equality makes a broadcast safe.
func checkSingleWrite(op protocol.Op, shards []string, point bool) error {
	single := op.Kind == protocol.OpFindAndModify ||
		((op.Kind == protocol.OpUpdate || op.Kind == protocol.OpDelete) && !op.Multi)
	if op.Upsert && !point {
		return errs.Newf(errs.ShardKeyNotFound, "upsert on %s must specify the full shard key", op.NS)
	}
	if !single || len(shards) <= 1 {
		return nil
	}
	if _, ok := idEquality(op.Filter); ok && op.Kind != protocol.OpFindAndModify {
		return nil
	}
	return errs.Newf(errs.ShardKeyNotFound, "single document %s on %s must target one shard by shard key or _id", op.Kind, op.NS)
}

func idEquality(f bson.D) (any, bool) {
	for _, e := range f {
		if e.Key != "_id" {
			continue
		}
		if ops, isOps := filter.Operators(e.Value); isOps {
			for _, op := range ops {
				if op.Key == "$eq" {
					return op.Value, true
				}
			}
			return nil, false
		}
		return e.Value, true
	}
	return nil, false
}
