// Package pipeline runs aggregation stages over in-memory documents.
// Stages that read another collection ($lookup, $unionWith, $graphLookup)
// go through a Source, so the same code serves a shard reading its local
// copy and a router issuing targeted sub-queries.
package pipeline

import (
	"context"
	"strings"

	"github.com/maxpert/shardkeeper/errs"
	"github.com/maxpert/shardkeeper/protocol/filter"
	"github.com/maxpert/shardkeeper/shardkey"
	"go.mongodb.org/mongo-driver/bson"
)

// Source reads documents of another collection in the same database.
type Source interface {
	Foreign(ctx context.Context, coll string, f bson.D) ([]bson.D, error)
}

// Stage names.
const (
	Match       = "$match"
	Sort        = "$sort"
	Skip        = "$skip"
	Limit       = "$limit"
	Project     = "$project"
	Count       = "$count"
	Group       = "$group"
	Lookup      = "$lookup"
	UnionWith   = "$unionWith"
	GraphLookup = "$graphLookup"
	Merge       = "$merge"
	Out         = "$out"
)

// Name returns a stage's operator and its argument.
func Name(stage bson.D) (string, any, error) {
	if len(stage) != 1 || !strings.HasPrefix(stage[0].Key, "$") {
		return "", nil, errs.New(errs.BadValue, "a pipeline stage must have exactly one $-prefixed field")
	}
	return stage[0].Key, stage[0].Value, nil
}

// IsNested reports whether the stage reads another collection.
func IsNested(name string) bool {
	return name == Lookup || name == UnionWith || name == GraphLookup
}

// IsOutput reports whether the stage writes its input to a collection.
func IsOutput(name string) bool {
	return name == Merge || name == Out
}

// IsBlocking reports whether the stage needs every input document, so a
// scattered pipeline must run it after merging shard results.
func IsBlocking(name string) bool {
	switch name {
	case Sort, Skip, Limit, Count, Group:
		return true
	}
	return false
}

// LeadingMatch returns the filter of a leading $match, or nil.
func LeadingMatch(stages []bson.D) bson.D {
	if len(stages) == 0 {
		return nil
	}
	name, arg, err := Name(stages[0])
	if err != nil || name != Match {
		return nil
	}
	d, _ := asDoc(arg)
	return d
}

// Run applies stages to docs in order. Output stages are rejected: the
// caller routes them.
func Run(ctx context.Context, docs []bson.D, stages []bson.D, src Source) ([]bson.D, error) {
	var err error
	for _, stage := range stages {
		if err := errs.FromContext(ctx, "aggregate"); err != nil {
			return nil, err
		}
		name, arg, nerr := Name(stage)
		if nerr != nil {
			return nil, nerr
		}
		switch name {
		case Match:
			docs, err = runMatch(docs, arg)
		case Sort:
			docs, err = runSort(docs, arg)
		case Skip:
			docs, err = runSkip(docs, arg)
		case Limit:
			docs, err = runLimit(docs, arg)
		case Project:
			docs, err = runProject(docs, arg)
		case Count:
			docs, err = runCount(docs, arg)
		case Group:
			docs, err = runGroup(docs, arg)
		case Lookup:
			docs, err = runLookup(ctx, docs, arg, src)
		case UnionWith:
			docs, err = runUnionWith(ctx, docs, arg, src)
		case GraphLookup:
			docs, err = runGraphLookup(ctx, docs, arg, src)
		case Merge, Out:
			err = errs.Newf(errs.IllegalOperation, "%s must be the last stage and is executed by the router", name)
		default:
			err = errs.Newf(errs.BadValue, "unsupported pipeline stage %s", name)
		}
		if err != nil {
			return nil, err
		}
	}
	return docs, nil
}

func runMatch(docs []bson.D, arg any) ([]bson.D, error) {
	f, ok := asDoc(arg)
	if !ok {
		return nil, errs.New(errs.BadValue, "$match needs a document")
	}
	out := docs[:0:0]
	for _, d := range docs {
		ok, err := filter.Match(d, f)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, d)
		}
	}
	return out, nil
}

func runSort(docs []bson.D, arg any) ([]bson.D, error) {
	spec, ok := asDoc(arg)
	if !ok || len(spec) == 0 {
		return nil, errs.New(errs.BadValue, "$sort needs a non-empty document")
	}
	out := append([]bson.D(nil), docs...)
	return out, filter.Sort(out, spec)
}

func runSkip(docs []bson.D, arg any) ([]bson.D, error) {
	n, ok := asInt(arg)
	if !ok || n < 0 {
		return nil, errs.New(errs.BadValue, "$skip needs a non-negative integer")
	}
	if n >= int64(len(docs)) {
		return nil, nil
	}
	return docs[n:], nil
}

func runLimit(docs []bson.D, arg any) ([]bson.D, error) {
	n, ok := asInt(arg)
	if !ok || n <= 0 {
		return nil, errs.New(errs.BadValue, "$limit needs a positive integer")
	}
	if n < int64(len(docs)) {
		return docs[:n], nil
	}
	return docs, nil
}

func runProject(docs []bson.D, arg any) ([]bson.D, error) {
	proj, ok := asDoc(arg)
	if !ok {
		return nil, errs.New(errs.BadValue, "$project needs a document")
	}
	out := make([]bson.D, 0, len(docs))
	for _, d := range docs {
		p, err := filter.Project(d, proj)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func runCount(docs []bson.D, arg any) ([]bson.D, error) {
	field, ok := arg.(string)
	if !ok || field == "" || strings.HasPrefix(field, "$") || strings.Contains(field, ".") {
		return nil, errs.New(errs.BadValue, "$count needs a plain field name")
	}
	if len(docs) == 0 {
		return nil, nil
	}
	return []bson.D{{{Key: field, Value: int32(len(docs))}}}, nil
}

// Eval resolves "$path" references against doc; other values are
// literals.
func Eval(doc bson.D, expr any) any {
	switch e := expr.(type) {
	case string:
		if strings.HasPrefix(e, "$") {
			v, _ := shardkey.Lookup(doc, e[1:])
			return v
		}
	case bson.D:
		out := make(bson.D, 0, len(e))
		for _, el := range e {
			out = append(out, bson.E{Key: el.Key, Value: Eval(doc, el.Value)})
		}
		return out
	}
	return expr
}

func asDoc(v any) (bson.D, bool) {
	switch d := v.(type) {
	case bson.D:
		return d, true
	case bson.M:
		out := make(bson.D, 0, len(d))
		for k, val := range d {
			out = append(out, bson.E{Key: k, Value: val})
		}
		return out, true
	}
	return nil, false
}

func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n == float64(int64(n)) {
			return int64(n), true
		}
	}
	return 0, false
}

func stringField(spec bson.D, name string) (string, error) {
	for _, e := range spec {
		if e.Key == name {
			if s, ok := e.Value.(string); ok && s != "" {
				return s, nil
			}
			break
		}
	}
	return "", errs.Newf(errs.BadValue, "missing string field %q", name)
}

func field(spec bson.D, name string) (any, bool) {
	for _, e := range spec {
		if e.Key == name {
			return e.Value, true
		}
	}
	return nil, false
}
