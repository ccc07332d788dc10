package filter

import (
	"sort"

	"github.com/maxpert/shardkeeper/errs"
	"github.com/maxpert/shardkeeper/shardkey"
	"go.mongodb.org/mongo-driver/bson"
)

// SortField is one key of a sort specification.
type SortField struct {
	Path       string
	Descending bool
}

// ParseSort validates a sort document such as {a: 1, b: -1}.
func ParseSort(spec bson.D) ([]SortField, error) {
	out := make([]SortField, 0, len(spec))
	for _, e := range spec {
		var dir int64
		switch n := e.Value.(type) {
		case int32:
			dir = int64(n)
		case int64:
			dir = n
		case int:
			dir = int64(n)
		case float64:
			dir = int64(n)
		}
		if dir != 1 && dir != -1 {
			return nil, errs.Newf(errs.BadValue, "sort direction for %s must be 1 or -1", e.Key)
		}
		out = append(out, SortField{Path: e.Key, Descending: dir < 0})
	}
	return out, nil
}

// Compare orders two documents by fields. Missing fields sort as null.
func Compare(a, b bson.D, fields []SortField) int {
	for _, f := range fields {
		av, _ := shardkey.Lookup(a, f.Path)
		bv, _ := shardkey.Lookup(b, f.Path)
		c := shardkey.CompareValues(av, bv)
		if f.Descending {
			c = -c
		}
		if c != 0 {
			return c
		}
	}
	return 0
}

// Sort orders docs in place. Equal documents keep their relative order.
func Sort(docs []bson.D, spec bson.D) error {
	if len(spec) == 0 {
		return nil
	}
	fields, err := ParseSort(spec)
	if err != nil {
		return err
	}
	sort.SliceStable(docs, func(i, j int) bool {
		return Compare(docs[i], docs[j], fields) < 0
	})
	return nil
}

// Project applies an inclusion or exclusion projection on top-level and
// dotted fields. _id is kept unless excluded explicitly.
func Project(doc, proj bson.D) (bson.D, error) {
	if len(proj) == 0 {
		return doc, nil
	}
	include := map[string]bool{}
	mode := 0
	keepID := true
	for _, e := range proj {
		on := truthy(e.Value)
		if e.Key == "_id" {
			keepID = on
			continue
		}
		m := -1
		if on {
			m = 1
		}
		if mode != 0 && mode != m {
			return nil, errs.New(errs.BadValue, "cannot mix inclusion and exclusion in a projection")
		}
		mode = m
		include[e.Key] = true
	}

	out := bson.D{}
	if mode <= 0 {
		for _, e := range doc {
			if include[e.Key] || (e.Key == "_id" && !keepID) {
				continue
			}
			out = append(out, e)
		}
		return out, nil
	}
	if id, ok := shardkey.Lookup(doc, "_id"); ok && keepID {
		out = append(out, bson.E{Key: "_id", Value: id})
	}
	for _, e := range proj {
		if e.Key == "_id" {
			continue
		}
		if v, ok := shardkey.Lookup(doc, e.Key); ok {
			out = Set(out, e.Key, v)
		}
	}
	return out, nil
}
