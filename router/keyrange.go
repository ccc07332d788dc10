package router

import (
	"github.com/maxpert/shardkeeper/protocol/filter"
	"github.com/maxpert/shardkeeper/shardkey"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// maxPointFanout bounds the cross product of $in lists before targeting
// falls back to a broadcast.
const maxPointFanout = 512

// keyBounds is a closed shard key interval.
type keyBounds struct {
	min, max shardkey.Key
}

// point reports whether the bounds select a single full key.
func (b keyBounds) point() bool { return shardkey.Compare(b.min, b.max) == 0 }

// fieldConstraint is what a conjunction says about one shard key field.
type fieldConstraint struct {
	points []any
	lo, hi any
	ranged bool
}

// keyRanges derives the shard key intervals a filter can touch. all is
// true when the filter does not narrow the key.
func keyRanges(p shardkey.Pattern, f bson.D) (out []keyBounds, all bool, err error) {
	conj, branches, err := splitOr(f)
	if err != nil {
		return nil, false, err
	}
	if branches == nil {
		return conjunctionRanges(p, conj)
	}
	for _, branch := range branches {
		merged := append(append(bson.D{}, conj...), branch...)
		ranges, branchAll, err := keyRanges(p, merged)
		if err != nil {
			return nil, false, err
		}
		if branchAll {
			return nil, true, nil
		}
		out = append(out, ranges...)
	}
	return out, false, nil
}

// splitOr flattens $and and peels off the first $or.
func splitOr(f bson.D) (conj bson.D, branches []bson.D, err error) {
	for _, e := range f {
		switch e.Key {
		case "$and":
			clauses, err := filter.Clauses(e.Value)
			if err != nil {
				return nil, nil, err
			}
			for _, c := range clauses {
				inner, innerOr, err := splitOr(c)
				if err != nil {
					return nil, nil, err
				}
				conj = append(conj, inner...)
				if innerOr != nil && branches == nil {
					branches = innerOr
				} else if innerOr != nil {
					conj = append(conj, bson.E{Key: "$or", Value: innerOr})
				}
			}
		case "$or":
			clauses, err := filter.Clauses(e.Value)
			if err != nil {
				return nil, nil, err
			}
			if branches == nil {
				branches = clauses
			}
		default:
			conj = append(conj, e)
		}
	}
	return conj, branches, nil
}

func constraintFor(conj bson.D, field string) fieldConstraint {
	var c fieldConstraint
	for _, e := range conj {
		if e.Key != field {
			continue
		}
		ops, isOps := filter.Operators(e.Value)
		if !isOps {
			if _, isArr := e.Value.(bson.A); isArr {
				continue
			}
			if _, isRegex := e.Value.(primitive.Regex); isRegex {
				continue
			}
			c.points = []any{e.Value}
			return c
		}
		for _, op := range ops {
			switch op.Key {
			case "$eq":
				if _, isArr := op.Value.(bson.A); !isArr {
					c.points = []any{op.Value}
					return c
				}
			case "$in":
				if vals, ok := op.Value.(bson.A); ok && len(vals) > 0 {
					c.points = append([]any(nil), vals...)
					return c
				}
			case "$gt", "$gte":
				c.lo, c.ranged = op.Value, true
			case "$lt", "$lte":
				c.hi, c.ranged = op.Value, true
			}
		}
	}
	return c
}

func conjunctionRanges(p shardkey.Pattern, conj bson.D) ([]keyBounds, bool, error) {
	prefixes := [][]any{{}}
	var interval *fieldConstraint

	for _, field := range p.Fields {
		c := constraintFor(conj, field.Name)
		if len(c.points) > 0 {
			if len(prefixes)*len(c.points) > maxPointFanout {
				break
			}
			next := make([][]any, 0, len(prefixes)*len(c.points))
			for _, pre := range prefixes {
				for _, v := range c.points {
					if field.Hashed {
						v = shardkey.HashValue(v)
					}
					next = append(next, append(append([]any(nil), pre...), v))
				}
			}
			prefixes = next
			continue
		}
		if c.ranged && !field.Hashed {
			interval = &c
		}
		break
	}

	depth := len(prefixes[0])
	if depth == 0 && interval == nil {
		return nil, true, nil
	}

	out := make([]keyBounds, 0, len(prefixes))
	for _, pre := range prefixes {
		min := make(shardkey.Key, len(p.Fields))
		max := make(shardkey.Key, len(p.Fields))
		copy(min, pre)
		copy(max, pre)
		rest := depth
		if interval != nil {
			min[depth], max[depth] = any(primitive.MinKey{}), any(primitive.MaxKey{})
			if interval.lo != nil {
				min[depth] = interval.lo
			}
			if interval.hi != nil {
				max[depth] = interval.hi
			}
			rest++
		}
		for i := rest; i < len(p.Fields); i++ {
			min[i], max[i] = primitive.MinKey{}, primitive.MaxKey{}
		}
		if shardkey.Compare(min, max) > 0 {
			continue
		}
		out = append(out, keyBounds{min: min, max: max})
	}
	return out, false, nil
}
