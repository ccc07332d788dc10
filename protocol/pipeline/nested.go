package pipeline

import (
	"context"

	"github.com/maxpert/shardkeeper/errs"
	"github.com/maxpert/shardkeeper/protocol/filter"
	"github.com/maxpert/shardkeeper/shardkey"
	"go.mongodb.org/mongo-driver/bson"
)

// ForeignColl returns the collection a nested stage reads.
func ForeignColl(stage bson.D) (string, error) {
	name, arg, err := Name(stage)
	if err != nil {
		return "", err
	}
	switch name {
	case Lookup, GraphLookup:
		spec, ok := asDoc(arg)
		if !ok {
			return "", errs.Newf(errs.BadValue, "%s needs a document", name)
		}
		return stringField(spec, "from")
	case UnionWith:
		if coll, ok := arg.(string); ok && coll != "" {
			return coll, nil
		}
		spec, ok := asDoc(arg)
		if !ok {
			return "", errs.New(errs.BadValue, "$unionWith needs a collection name or document")
		}
		return stringField(spec, "coll")
	}
	return "", errs.Newf(errs.BadValue, "%s does not read another collection", name)
}

// LocalJoinField returns the outer document path whose value drives a
// per-document lookup: localField for $lookup, the startWith path for
// $graphLookup. ok is false for stages without one.
func LocalJoinField(stage bson.D) (local, foreign string, ok bool) {
	name, arg, err := Name(stage)
	if err != nil {
		return "", "", false
	}
	spec, isDoc := asDoc(arg)
	if !isDoc {
		return "", "", false
	}
	switch name {
	case Lookup:
		l, err1 := stringField(spec, "localField")
		f, err2 := stringField(spec, "foreignField")
		return l, f, err1 == nil && err2 == nil
	case GraphLookup:
		start, _ := field(spec, "startWith")
		s, isPath := start.(string)
		f, err := stringField(spec, "connectToField")
		if !isPath || len(s) < 2 || s[0] != '$' || err != nil {
			return "", "", false
		}
		return s[1:], f, true
	}
	return "", "", false
}

func joinFilter(field string, v any) bson.D {
	if arr, ok := v.(bson.A); ok {
		return bson.D{{Key: field, Value: bson.D{{Key: "$in", Value: arr}}}}
	}
	return bson.D{{Key: field, Value: v}}
}

func runLookup(ctx context.Context, docs []bson.D, arg any, src Source) ([]bson.D, error) {
	spec, ok := asDoc(arg)
	if !ok {
		return nil, errs.New(errs.BadValue, "$lookup needs a document")
	}
	from, err := stringField(spec, "from")
	if err != nil {
		return nil, err
	}
	if _, hasPipeline := field(spec, "pipeline"); hasPipeline {
		return nil, errs.New(errs.BadValue, "$lookup with a sub-pipeline is not supported")
	}
	local, err := stringField(spec, "localField")
	if err != nil {
		return nil, err
	}
	foreign, err := stringField(spec, "foreignField")
	if err != nil {
		return nil, err
	}
	as, err := stringField(spec, "as")
	if err != nil {
		return nil, err
	}

	out := make([]bson.D, 0, len(docs))
	for _, d := range docs {
		v, _ := shardkey.Lookup(d, local)
		matches, err := src.Foreign(ctx, from, joinFilter(foreign, v))
		if err != nil {
			return nil, err
		}
		joined := make(bson.A, 0, len(matches))
		for _, m := range matches {
			joined = append(joined, m)
		}
		out = append(out, filter.Set(clone(d), as, joined))
	}
	return out, nil
}

func runUnionWith(ctx context.Context, docs []bson.D, arg any, src Source) ([]bson.D, error) {
	coll, err := ForeignColl(bson.D{{Key: UnionWith, Value: arg}})
	if err != nil {
		return nil, err
	}
	var sub []bson.D
	if spec, ok := asDoc(arg); ok {
		if p, ok := field(spec, "pipeline"); ok {
			stages, ok := p.(bson.A)
			if !ok {
				return nil, errs.New(errs.BadValue, "$unionWith pipeline must be an array")
			}
			for _, s := range stages {
				sd, ok := asDoc(s)
				if !ok {
					return nil, errs.New(errs.BadValue, "$unionWith stages must be documents")
				}
				sub = append(sub, sd)
			}
		}
	}
	other, err := src.Foreign(ctx, coll, nil)
	if err != nil {
		return nil, err
	}
	other, err = Run(ctx, other, sub, src)
	if err != nil {
		return nil, err
	}
	return append(append([]bson.D(nil), docs...), other...), nil
}

func runGraphLookup(ctx context.Context, docs []bson.D, arg any, src Source) ([]bson.D, error) {
	spec, ok := asDoc(arg)
	if !ok {
		return nil, errs.New(errs.BadValue, "$graphLookup needs a document")
	}
	from, err := stringField(spec, "from")
	if err != nil {
		return nil, err
	}
	connectFrom, err := stringField(spec, "connectFromField")
	if err != nil {
		return nil, err
	}
	connectTo, err := stringField(spec, "connectToField")
	if err != nil {
		return nil, err
	}
	as, err := stringField(spec, "as")
	if err != nil {
		return nil, err
	}
	startWith, ok := field(spec, "startWith")
	if !ok {
		return nil, errs.New(errs.BadValue, "$graphLookup needs startWith")
	}
	maxDepth := int64(-1)
	if v, ok := field(spec, "maxDepth"); ok {
		if maxDepth, ok = asInt(v); !ok || maxDepth < 0 {
			return nil, errs.New(errs.BadValue, "maxDepth must be a non-negative integer")
		}
	}

	out := make([]bson.D, 0, len(docs))
	for _, d := range docs {
		frontier := flatten(Eval(d, startWith))
		seen := map[string]bool{}
		var found bson.A
		for depth := int64(0); len(frontier) > 0 && (maxDepth < 0 || depth <= maxDepth); depth++ {
			matches, err := src.Foreign(ctx, from, bson.D{{Key: connectTo, Value: bson.D{{Key: "$in", Value: frontier}}}})
			if err != nil {
				return nil, err
			}
			var next bson.A
			for _, m := range matches {
				id, _ := shardkey.Lookup(m, "_id")
				key := idKey(id)
				if seen[key] {
					continue
				}
				seen[key] = true
				found = append(found, m)
				v, _ := shardkey.Lookup(m, connectFrom)
				next = append(next, flatten(v)...)
			}
			frontier = next
		}
		if found == nil {
			found = bson.A{}
		}
		out = append(out, filter.Set(clone(d), as, found))
	}
	return out, nil
}

func flatten(v any) bson.A {
	switch a := v.(type) {
	case nil:
		return nil
	case bson.A:
		return a
	case []any:
		return a
	}
	return bson.A{v}
}

func idKey(v any) string {
	_, raw, err := bson.MarshalValue(v)
	if err != nil {
		return shardkey.Describe(v)
	}
	return string(raw)
}

func clone(d bson.D) bson.D {
	out := make(bson.D, len(d))
	copy(out, d)
	return out
}
