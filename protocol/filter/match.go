// Package filter evaluates query filters, sorts, projections and update
// documents against BSON documents. Shards use it to execute operations;
// routers use its operator helpers to pull shard-key constraints out of a
// filter.
package filter

import (
	"strings"

	"github.com/maxpert/shardkeeper/errs"
	"github.com/maxpert/shardkeeper/shardkey"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Match reports whether doc satisfies filter. An empty filter matches
// everything.
func Match(doc, filter bson.D) (bool, error) {
	for _, e := range filter {
		ok, err := matchElem(doc, e)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func matchElem(doc bson.D, e bson.E) (bool, error) {
	switch e.Key {
	case "$and", "$or", "$nor":
		clauses, err := Clauses(e.Value)
		if err != nil {
			return false, err
		}
		return matchLogical(doc, e.Key, clauses)
	}
	if strings.HasPrefix(e.Key, "$") {
		return false, errs.Newf(errs.BadValue, "unknown top level operator: %s", e.Key)
	}

	v, found := shardkey.Lookup(doc, e.Key)
	if ops, ok := Operators(e.Value); ok {
		for _, op := range ops {
			ok, err := matchOp(v, found, op)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	}
	return matchEq(v, found, e.Value), nil
}

func matchLogical(doc bson.D, op string, clauses []bson.D) (bool, error) {
	if len(clauses) == 0 {
		return false, errs.Newf(errs.BadValue, "%s must be a nonempty array", op)
	}
	for _, c := range clauses {
		ok, err := Match(doc, c)
		if err != nil {
			return false, err
		}
		switch {
		case op == "$and" && !ok:
			return false, nil
		case op == "$or" && ok:
			return true, nil
		case op == "$nor" && ok:
			return false, nil
		}
	}
	return op != "$or", nil
}

func matchOp(v any, found bool, op bson.E) (bool, error) {
	switch op.Key {
	case "$eq":
		return matchEq(v, found, op.Value), nil
	case "$ne":
		return !matchEq(v, found, op.Value), nil
	case "$gt", "$gte", "$lt", "$lte":
		if !found {
			return false, nil
		}
		return anyElement(v, func(x any) bool { return compareOp(op.Key, x, op.Value) }), nil
	case "$in", "$nin":
		values, ok := asArray(op.Value)
		if !ok {
			return false, errs.Newf(errs.BadValue, "%s needs an array", op.Key)
		}
		in := false
		for _, want := range values {
			if matchEq(v, found, want) {
				in = true
				break
			}
		}
		return in == (op.Key == "$in"), nil
	case "$exists":
		return found == truthy(op.Value), nil
	case "$not":
		ops, ok := Operators(op.Value)
		if !ok {
			return false, errs.New(errs.BadValue, "$not needs an operator document")
		}
		for _, inner := range ops {
			ok, err := matchOp(v, found, inner)
			if err != nil {
				return false, err
			}
			if !ok {
				return true, nil
			}
		}
		return false, nil
	}
	return false, errs.Newf(errs.BadValue, "unknown operator: %s", op.Key)
}

// matchEq follows query equality: null matches missing fields and an
// array field matches when any element or the whole array is equal.
func matchEq(v any, found bool, want any) bool {
	if isNull(want) {
		return !found || isNull(v)
	}
	if !found {
		return false
	}
	if Equal(v, want) {
		return true
	}
	if arr, ok := asArray(v); ok {
		for _, x := range arr {
			if Equal(x, want) {
				return true
			}
		}
	}
	return false
}

func compareOp(op string, v, bound any) bool {
	// Range operators never cross type brackets.
	if !sameBracket(v, bound) {
		return false
	}
	c := shardkey.CompareValues(v, bound)
	switch op {
	case "$gt":
		return c > 0
	case "$gte":
		return c >= 0
	case "$lt":
		return c < 0
	}
	return c <= 0
}

func sameBracket(a, b any) bool {
	ba := bracket(a)
	return ba != 0 && ba == bracket(b)
}

// bracket groups values whose types compare with range operators.
// Zero means the value never matches a range operator.
func bracket(v any) int {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint8, uint16, uint32, float32, float64, primitive.Decimal128:
		return 1
	case string, primitive.Symbol:
		return 2
	case bool:
		return 3
	case primitive.DateTime:
		return 4
	case primitive.ObjectID:
		return 5
	case bson.D, bson.M:
		return 6
	case primitive.Binary:
		return 7
	case primitive.Timestamp:
		return 8
	}
	return 0
}

func anyElement(v any, fn func(any) bool) bool {
	if fn(v) {
		return true
	}
	if arr, ok := asArray(v); ok {
		for _, x := range arr {
			if fn(x) {
				return true
			}
		}
	}
	return false
}

// Equal reports BSON value equality.
func Equal(a, b any) bool {
	return shardkey.CompareValues(a, b) == 0
}

// Operators returns v as an operator document ({$gt: 1, $lt: 5}). ok is
// false for plain values and documents whose first key is not an operator.
func Operators(v any) (bson.D, bool) {
	var d bson.D
	switch x := v.(type) {
	case bson.D:
		d = x
	case bson.M:
		for k, val := range x {
			d = append(d, bson.E{Key: k, Value: val})
		}
	default:
		return nil, false
	}
	if len(d) == 0 || !strings.HasPrefix(d[0].Key, "$") {
		return nil, false
	}
	return d, true
}

// Clauses converts the operand of $and, $or or $nor into filters.
func Clauses(v any) ([]bson.D, error) {
	arr, ok := asArray(v)
	if !ok {
		return nil, errs.New(errs.BadValue, "logical operator needs an array")
	}
	out := make([]bson.D, 0, len(arr))
	for _, c := range arr {
		switch d := c.(type) {
		case bson.D:
			out = append(out, d)
		case bson.M:
			out = append(out, mapToD(d))
		default:
			return nil, errs.New(errs.BadValue, "logical operator clauses must be documents")
		}
	}
	return out, nil
}

func asArray(v any) ([]any, bool) {
	switch a := v.(type) {
	case bson.A:
		return a, true
	case []any:
		return a, true
	}
	return nil, false
}

func isNull(v any) bool {
	switch v.(type) {
	case nil, primitive.Null, primitive.Undefined:
		return true
	}
	return false
}

func truthy(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case nil:
		return false
	case int32:
		return x != 0
	case int64:
		return x != 0
	case int:
		return x != 0
	case float64:
		return x != 0
	}
	return true
}

func mapToD(m bson.M) bson.D {
	d := make(bson.D, 0, len(m))
	for k, v := range m {
		d = append(d, bson.E{Key: k, Value: v})
	}
	return d
}
