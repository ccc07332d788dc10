package filter

import (
	"math"
	"strings"

	"github.com/maxpert/shardkeeper/errs"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// IsReplacement reports whether update replaces the whole document rather
// than applying operators.
func IsReplacement(update bson.D) bool {
	return len(update) == 0 || !strings.HasPrefix(update[0].Key, "$")
}

// Apply returns a copy of doc with update applied. Replacement documents
// keep the original _id. insert enables $setOnInsert.
func Apply(doc, update bson.D, insert bool) (bson.D, error) {
	if IsReplacement(update) {
		for _, e := range update {
			if strings.HasPrefix(e.Key, "$") {
				return nil, errs.Newf(errs.BadValue, "replacement document cannot contain %s", e.Key)
			}
		}
		out := bson.D{}
		if id, ok := get(doc, "_id"); ok {
			out = append(out, bson.E{Key: "_id", Value: id})
		}
		for _, e := range update {
			if e.Key == "_id" {
				if len(out) > 0 && !Equal(out[0].Value, e.Value) {
					return nil, errs.New(errs.IllegalOperation, "the _id field is immutable")
				}
				continue
			}
			out = append(out, e)
		}
		return out, nil
	}

	out := clone(doc)
	for _, op := range update {
		fields, ok := op.Value.(bson.D)
		if !ok {
			if m, isMap := op.Value.(bson.M); isMap {
				fields, ok = mapToD(m), true
			}
		}
		if !ok {
			return nil, errs.Newf(errs.BadValue, "%s needs a document", op.Key)
		}
		for _, f := range fields {
			if f.Key == "_id" && !insert && op.Key != "$setOnInsert" {
				if cur, found := get(out, "_id"); op.Key != "$set" || !found || !Equal(cur, f.Value) {
					return nil, errs.New(errs.IllegalOperation, "the _id field is immutable")
				}
			}
			var err error
			switch op.Key {
			case "$set":
				out = Set(out, f.Key, f.Value)
			case "$setOnInsert":
				if insert {
					out = Set(out, f.Key, f.Value)
				}
			case "$unset":
				out = Unset(out, f.Key)
			case "$inc":
				cur, _ := get(out, f.Key)
				var sum any
				if sum, err = add(cur, f.Value); err == nil {
					out = Set(out, f.Key, sum)
				}
			default:
				err = errs.Newf(errs.BadValue, "unknown update operator: %s", op.Key)
			}
			if err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// UpsertSeed builds the document an upsert starts from: the equality
// fields of filter.
func UpsertSeed(filter bson.D) bson.D {
	out := bson.D{}
	for _, e := range filter {
		if strings.HasPrefix(e.Key, "$") {
			if e.Key == "$and" {
				clauses, _ := Clauses(e.Value)
				for _, c := range clauses {
					for _, se := range UpsertSeed(c) {
						out = Set(out, se.Key, se.Value)
					}
				}
			}
			continue
		}
		if ops, ok := Operators(e.Value); ok {
			for _, op := range ops {
				if op.Key == "$eq" {
					out = Set(out, e.Key, op.Value)
				}
			}
			continue
		}
		out = Set(out, e.Key, e.Value)
	}
	return out
}

// EnsureID adds a generated ObjectID when doc has no _id, moving _id to
// the front either way.
func EnsureID(doc bson.D) bson.D {
	id, ok := get(doc, "_id")
	if !ok {
		id = primitive.NewObjectID()
	}
	out := make(bson.D, 0, len(doc)+1)
	out = append(out, bson.E{Key: "_id", Value: id})
	for _, e := range doc {
		if e.Key != "_id" {
			out = append(out, e)
		}
	}
	return out
}

// Set writes v at a dotted path, creating intermediate documents.
func Set(doc bson.D, path string, v any) bson.D {
	head, rest, nested := strings.Cut(path, ".")
	for i, e := range doc {
		if e.Key != head {
			continue
		}
		if !nested {
			doc[i].Value = v
			return doc
		}
		sub, _ := e.Value.(bson.D)
		doc[i].Value = Set(clone(sub), rest, v)
		return doc
	}
	if !nested {
		return append(doc, bson.E{Key: head, Value: v})
	}
	return append(doc, bson.E{Key: head, Value: Set(bson.D{}, rest, v)})
}

// Unset removes a dotted path. Missing paths are ignored.
func Unset(doc bson.D, path string) bson.D {
	head, rest, nested := strings.Cut(path, ".")
	for i, e := range doc {
		if e.Key != head {
			continue
		}
		if !nested {
			return append(doc[:i:i], doc[i+1:]...)
		}
		if sub, ok := e.Value.(bson.D); ok {
			doc[i].Value = Unset(clone(sub), rest)
		}
		return doc
	}
	return doc
}

func get(doc bson.D, key string) (any, bool) {
	head, rest, nested := strings.Cut(key, ".")
	for _, e := range doc {
		if e.Key == head {
			if !nested {
				return e.Value, true
			}
			sub, ok := e.Value.(bson.D)
			if !ok {
				return nil, false
			}
			return get(sub, rest)
		}
	}
	return nil, false
}

func clone(doc bson.D) bson.D {
	out := make(bson.D, len(doc))
	copy(out, doc)
	return out
}

// add implements $inc arithmetic. Integer sums that overflow int32 widen
// to int64; any double operand makes a double.
func add(cur, delta any) (any, error) {
	if cur == nil {
		cur = int32(0)
	}
	if !isNumber(cur) || !isNumber(delta) {
		return nil, errs.New(errs.BadValue, "cannot apply $inc to a non-numeric value")
	}
	_, curFloat := cur.(float64)
	_, deltaFloat := delta.(float64)
	if curFloat || deltaFloat {
		return toFloat(cur) + toFloat(delta), nil
	}
	sum := toInt(cur) + toInt(delta)
	_, curWide := cur.(int64)
	_, deltaWide := delta.(int64)
	if !curWide && !deltaWide && sum >= math.MinInt32 && sum <= math.MaxInt32 {
		return int32(sum), nil
	}
	return sum, nil
}

func isNumber(v any) bool {
	switch v.(type) {
	case int, int32, int64, float64:
		return true
	}
	return false
}

func toInt(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	}
	return 0
}

func toFloat(v any) float64 {
	if f, ok := v.(float64); ok {
		return f
	}
	return float64(toInt(v))
}
