package router

import (
	"context"
	"slices"

	"github.com/maxpert/shardkeeper/errs"
	"github.com/maxpert/shardkeeper/placement"
	"github.com/maxpert/shardkeeper/protocol"
	"github.com/maxpert/shardkeeper/protocol/pipeline"
	"github.com/maxpert/shardkeeper/shardkey"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
)

// SubPipelineMode says where a nested stage runs.
type SubPipelineMode string

const (
	// PushDown runs the stage on the shards next to the outer documents.
	PushDown SubPipelineMode = "pushDown"
	// PerDocument runs the stage at the router, routing each outer
	// document's join value separately.
	PerDocument SubPipelineMode = "perDocument"
)

// SubPipelinePlan is the placement decision for one nested stage.
type SubPipelinePlan struct {
	Stage     int
	Name      string
	NS        string
	Mode      SubPipelineMode
	JoinField string
	stamp     protocol.NamespaceVersion
}

// AggregatePlan splits a pipeline between the shards and the router.
type AggregatePlan struct {
	Targets      []string
	ShardStages  []bson.D
	RouterStages []bson.D
	Nested       []SubPipelinePlan
	Output       *pipeline.OutputSpec
	plan         *Plan
}

// PlanAggregate targets op's pipeline without running it.
func (r *Router) PlanAggregate(ctx context.Context, op protocol.Op) (*AggregatePlan, error) {
	stages := op.Pipeline
	var output *pipeline.OutputSpec
	for i, st := range stages {
		name, _, err := pipeline.Name(st)
		if err != nil {
			return nil, err
		}
		if !pipeline.IsOutput(name) {
			continue
		}
		if i != len(stages)-1 {
			return nil, errs.Newf(errs.BadValue, "%s must be the last stage", name)
		}
		spec, err := pipeline.ParseOutput(st)
		if err != nil {
			return nil, err
		}
		output = &spec
		stages = stages[:i]
	}

	plan, err := r.targeter.Route(ctx, protocol.Op{Kind: protocol.OpFind, NS: op.NS, Filter: pipeline.LeadingMatch(stages)}, nil)
	if err != nil {
		return nil, err
	}
	ap := &AggregatePlan{Targets: plan.Shards(), Output: output, plan: plan}
	single := len(plan.Targets) == 1

	split := len(stages)
	for i, st := range stages {
		name, _, _ := pipeline.Name(st)
		if pipeline.IsNested(name) {
			sub, err := r.planNested(ctx, op.NS, i, st, plan)
			if err != nil {
				return nil, err
			}
			ap.Nested = append(ap.Nested, sub)
			if sub.Mode == PerDocument && i < split {
				split = i
			}
			continue
		}
		if pipeline.IsBlocking(name) && !single && i < split {
			split = i
		}
	}
	ap.ShardStages = stages[:split]
	ap.RouterStages = stages[split:]
	// A stage pushed down after the split would run at the router.
	for i := range ap.Nested {
		if ap.Nested[i].Stage >= split {
			ap.Nested[i].Mode = PerDocument
		}
	}
	return ap, nil
}

// planNested decides whether a nested stage can run on the outer targets:
// only when there is one outer target and every document of the inner
// collection lives there.
func (r *Router) planNested(ctx context.Context, outerNS string, idx int, stage bson.D, outer *Plan) (SubPipelinePlan, error) {
	name, _, _ := pipeline.Name(stage)
	coll, err := pipeline.ForeignColl(stage)
	if err != nil {
		return SubPipelinePlan{}, err
	}
	dbName, _, _ := placement.SplitNS(outerNS)
	sub := SubPipelinePlan{Stage: idx, Name: name, NS: dbName + "." + coll, Mode: PerDocument}
	if local, _, ok := pipeline.LocalJoinField(stage); ok {
		sub.JoinField = local
	}
	if len(outer.Targets) != 1 {
		return sub, nil
	}
	target := outer.Targets[0].Shard
	e, err := r.cache.GetCollection(ctx, sub.NS)
	if err != nil {
		return SubPipelinePlan{}, err
	}
	if !e.Sharded() {
		if outer.DB.Primary == target {
			sub.Mode = PushDown
			sub.stamp = protocol.NamespaceVersion{NS: sub.NS, ShardVersion: placement.Unsharded, DatabaseVersion: outer.DB.Version}
		}
		return sub, nil
	}
	if shards := e.Table.Shards(); len(shards) == 1 && shards[0] == target {
		sub.Mode = PushDown
		sub.stamp = protocol.NamespaceVersion{NS: sub.NS, ShardVersion: e.Table.ShardVersion(target)}
	}
	return sub, nil
}

func (r *Router) aggregate(ctx context.Context, op protocol.Op, t *txnState) (Page, error) {
	var docs []bson.D
	var ap *AggregatePlan
	err := r.retryStale(ctx, op.NS, t, nil, func() ([]shardResult, error) {
		var err error
		if ap, err = r.PlanAggregate(ctx, op); err != nil {
			return nil, err
		}
		if ap.Output != nil && t != nil {
			return nil, errs.Newf(errs.IllegalOperation, "%s cannot run inside a transaction", ap.Output.Stage)
		}
		recordOperation(op.Kind, ap.plan)
		var secondary []protocol.NamespaceVersion
		for _, sub := range ap.Nested {
			if sub.Mode == PushDown {
				secondary = append(secondary, sub.stamp)
			}
		}
		targets := ap.plan.Targets
		for i := range targets {
			targets[i].Request.Op = protocol.Op{Kind: protocol.OpAggregate, NS: op.NS, Pipeline: ap.ShardStages}
			targets[i].Request.Secondary = secondary
		}
		results := r.send(ctx, targets, nil, t, false)
		stale, fatal := staleness(results)
		if fatal != nil {
			return nil, fatal
		}
		if len(stale) > 0 {
			return stale, nil
		}
		docs = docs[:0]
		for _, res := range results {
			docs = append(docs, res.Response.Docs...)
		}
		return nil, nil
	})
	if err != nil {
		return Page{}, err
	}

	if len(ap.RouterStages) > 0 {
		docs, err = pipeline.Run(ctx, docs, ap.RouterStages, routerSource{r: r, db: dbOf(op.NS), txn: t})
		if err != nil {
			return Page{}, err
		}
	}
	if ap.Output != nil {
		if err := r.writeOutput(ctx, op.NS, *ap.Output, docs); err != nil {
			return Page{}, err
		}
		return Page{NS: op.NS}, nil
	}
	return r.cursors.page(op.NS, txnKey(t), docs, r.opts.CursorBatchSize), nil
}

func dbOf(ns string) string {
	name, _, _ := placement.SplitNS(ns)
	return name
}

// routerSource serves per-document nested stages with targeted finds.
type routerSource struct {
	r   *Router
	db  string
	txn *txnState
}

func (s routerSource) Foreign(ctx context.Context, coll string, f bson.D) ([]bson.D, error) {
	op := protocol.Op{Kind: protocol.OpFind, NS: s.db + "." + coll, Filter: f}
	var docs []bson.D
	err := s.r.retryStale(ctx, op.NS, nil, nil, func() ([]shardResult, error) {
		plan, err := s.r.targeter.Route(ctx, op, nil)
		if err != nil {
			return nil, err
		}
		results := s.r.send(ctx, plan.Targets, nil, s.txn, false)
		stale, fatal := staleness(results)
		if fatal != nil || len(stale) > 0 {
			return stale, fatal
		}
		docs = docs[:0]
		for _, res := range results {
			docs = append(docs, res.Response.Docs...)
		}
		return nil, nil
	})
	return docs, err
}

// outputWriter sends $merge and $out writes to the owner of an unsharded
// target. Ownership may move while it runs: before anything was written
// the writer follows the new owner, afterwards it gives up with
// QueryPlanKilled.
type outputWriter struct {
	r       *Router
	ns      string
	written bool
}

func (w *outputWriter) send(ctx context.Context, op protocol.Op) (protocol.Response, error) {
	for attempt := 0; ; attempt++ {
		plan, err := w.r.targeter.Route(ctx, op, nil)
		if err != nil {
			return protocol.Response{}, err
		}
		if plan.Sharded() {
			return protocol.Response{}, errs.Newf(errs.IllegalOperation, "cannot write aggregation output to sharded collection %s", w.ns)
		}
		results := w.r.dispatch.send(ctx, plan.Targets)
		res := results[0]
		if res.Err == nil {
			if op.Kind.IsWrite() {
				w.written = true
			}
			return res.Response, nil
		}
		if errs.CategoryOf(res.Err) != errs.Staleness {
			return protocol.Response{}, res.Err
		}
		w.r.invalidate(w.ns, results)
		if w.written {
			return protocol.Response{}, errs.Wrap(errs.QueryPlanKilled, res.Err,
				"output collection "+w.ns+" moved after output was written")
		}
		if attempt >= w.r.opts.MaxStaleRetries {
			return protocol.Response{}, res.Err
		}
		log.Debug().Err(res.Err).Str("ns", w.ns).Msg("Following moved output collection")
	}
}

func (r *Router) writeOutput(ctx context.Context, sourceNS string, spec pipeline.OutputSpec, docs []bson.D) error {
	dbName := spec.DB
	if dbName == "" {
		dbName = dbOf(sourceNS)
	}
	ns := dbName + "." + spec.Coll
	e, err := r.cache.GetCollection(ctx, ns)
	if err != nil {
		return err
	}
	if e.Sharded() {
		return errs.Newf(errs.IllegalOperation, "cannot write aggregation output to sharded collection %s", ns)
	}
	w := &outputWriter{r: r, ns: ns}

	if spec.Stage == pipeline.Out {
		if _, err := w.send(ctx, protocol.Op{Kind: protocol.OpDelete, NS: ns, Filter: bson.D{}, Multi: true}); err != nil {
			return err
		}
		batch := max(r.opts.CursorBatchSize, 1)
		for chunk := range slices.Chunk(docs, batch) {
			if _, err := w.send(ctx, protocol.Op{Kind: protocol.OpInsert, NS: ns, Docs: chunk}); err != nil {
				return err
			}
		}
		return nil
	}

	for _, doc := range docs {
		if err := r.mergeOne(ctx, w, spec, doc); err != nil {
			return err
		}
	}
	return nil
}

func (r *Router) mergeOne(ctx context.Context, w *outputWriter, spec pipeline.OutputSpec, doc bson.D) error {
	match := bson.D{}
	for _, f := range spec.On {
		v, ok := shardkey.Lookup(doc, f)
		if !ok {
			return errs.Newf(errs.BadValue, "$merge document is missing the on field %q", f)
		}
		match = append(match, bson.E{Key: f, Value: v})
	}
	found, err := w.send(ctx, protocol.Op{Kind: protocol.OpFind, NS: w.ns, Filter: match, Limit: 1})
	if err != nil {
		return err
	}
	if len(found.Docs) == 0 {
		switch spec.WhenNotMatched {
		case pipeline.WhenNotMatchedDiscard:
			return nil
		case pipeline.WhenNotMatchedFail:
			return errs.Newf(errs.BadValue, "$merge found no document matching %v in %s", match, w.ns)
		}
		_, err := w.send(ctx, protocol.Op{Kind: protocol.OpInsert, NS: w.ns, Docs: []bson.D{doc}})
		return err
	}

	var update bson.D
	switch spec.WhenMatched {
	case pipeline.WhenMatchedKeepExisting:
		return nil
	case pipeline.WhenMatchedFail:
		return errs.Newf(errs.DuplicateKey, "$merge found an existing document matching %v in %s", match, w.ns)
	case pipeline.WhenMatchedReplace:
		update = withoutID(doc)
	default:
		update = bson.D{{Key: "$set", Value: withoutID(doc)}}
	}
	if len(update) == 0 || (update[0].Key == "$set" && len(update[0].Value.(bson.D)) == 0) {
		return nil
	}
	idFilter := match
	if id, ok := shardkey.Lookup(found.Docs[0], "_id"); ok {
		idFilter = bson.D{{Key: "_id", Value: id}}
	}
	_, err = w.send(ctx, protocol.Op{Kind: protocol.OpUpdate, NS: w.ns, Filter: idFilter, Update: update})
	return err
}

func withoutID(doc bson.D) bson.D {
	out := make(bson.D, 0, len(doc))
	for _, e := range doc {
		if e.Key != "_id" {
			out = append(out, e)
		}
	}
	return out
}

var _ pipeline.Source = routerSource{}
