package pipeline

import (
	"github.com/maxpert/shardkeeper/errs"
	"github.com/maxpert/shardkeeper/shardkey"
	"go.mongodb.org/mongo-driver/bson"
)

type accumulator struct {
	out  string
	op   string
	expr any
}

type group struct {
	id     any
	values []any
	counts []int64
	seen   []bool
}

func runGroup(docs []bson.D, arg any) ([]bson.D, error) {
	spec, ok := asDoc(arg)
	if !ok {
		return nil, errs.New(errs.BadValue, "$group needs a document")
	}
	idExpr, ok := field(spec, "_id")
	if !ok {
		return nil, errs.New(errs.BadValue, "$group needs an _id expression")
	}
	var accs []accumulator
	for _, e := range spec {
		if e.Key == "_id" {
			continue
		}
		a, ok := asDoc(e.Value)
		if !ok || len(a) != 1 {
			return nil, errs.Newf(errs.BadValue, "$group field %s needs one accumulator", e.Key)
		}
		switch a[0].Key {
		case "$sum", "$avg", "$min", "$max", "$first", "$last", "$push":
		default:
			return nil, errs.Newf(errs.BadValue, "unsupported accumulator %s", a[0].Key)
		}
		accs = append(accs, accumulator{out: e.Key, op: a[0].Key, expr: a[0].Value})
	}

	var order []string
	groups := map[string]*group{}
	for _, d := range docs {
		id := Eval(d, idExpr)
		key := idKey(id)
		g, ok := groups[key]
		if !ok {
			g = &group{id: id, values: make([]any, len(accs)), counts: make([]int64, len(accs)), seen: make([]bool, len(accs))}
			groups[key] = g
			order = append(order, key)
		}
		for i, a := range accs {
			accumulate(g, i, a.op, Eval(d, a.expr))
		}
	}

	out := make([]bson.D, 0, len(order))
	for _, key := range order {
		g := groups[key]
		row := bson.D{{Key: "_id", Value: g.id}}
		for i, a := range accs {
			v := g.values[i]
			if a.op == "$avg" {
				if g.counts[i] == 0 {
					v = nil
				} else {
					v = toFloat(v) / float64(g.counts[i])
				}
			}
			if a.op == "$push" && v == nil {
				v = bson.A{}
			}
			row = append(row, bson.E{Key: a.out, Value: v})
		}
		out = append(out, row)
	}
	return out, nil
}

func accumulate(g *group, i int, op string, v any) {
	switch op {
	case "$sum", "$avg":
		if !isNumber(v) {
			return
		}
		g.counts[i]++
		if g.values[i] == nil {
			g.values[i] = int64(0)
		}
		g.values[i] = sum(g.values[i], v)
	case "$min", "$max":
		if v == nil {
			return
		}
		c := shardkey.CompareValues(v, g.values[i])
		if !g.seen[i] || (op == "$min" && c < 0) || (op == "$max" && c > 0) {
			g.values[i] = v
		}
		g.seen[i] = true
	case "$first":
		if !g.seen[i] {
			g.values[i] = v
			g.seen[i] = true
		}
	case "$last":
		g.values[i] = v
	case "$push":
		arr, _ := g.values[i].(bson.A)
		g.values[i] = append(arr, v)
	}
}

func isNumber(v any) bool {
	switch v.(type) {
	case int, int32, int64, float64:
		return true
	}
	return false
}

func sum(a, b any) any {
	_, af := a.(float64)
	_, bf := b.(float64)
	if af || bf {
		return toFloat(a) + toFloat(b)
	}
	x, _ := asInt(a)
	y, _ := asInt(b)
	return x + y
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}
