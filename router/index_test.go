package router

import (
	"testing"

	"github.com/maxpert/shardkeeper/shardkey"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func idx(name string, fields ...string) Index {
	key := bson.D{}
	for _, f := range fields {
		key = append(key, bson.E{Key: f, Value: 1})
	}
	return Index{Name: name, Key: key}
}

func names(cs []IndexCandidate) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.Index.Name
	}
	return out
}

func TestDefaultRankerOrder(t *testing.T) {
	indexes := []Index{
		idx("a", "a"),
		idx("a_b_c", "a", "b", "c"),
		idx("a_b", "a", "b"),
		idx("b", "b"),
		idx("c", "c"),
	}

	open := bson.D{{Key: "a", Value: 1}, {Key: "b", Value: bson.D{{Key: "$gt", Value: 1}}}}
	ranked := DefaultRanker{}.Rank(Candidates(open, indexes))
	assert.Equal(t, []string{"a_b", "a_b_c", "a", "b"}, names(ranked))
	assert.False(t, ranked[0].Closed)

	// Between equal prefixes a closed interval wins over extra fields.
	closed := bson.D{{Key: "b", Value: bson.D{{Key: "$gt", Value: 1}, {Key: "$lt", Value: 5}}}, {Key: "c", Value: bson.D{{Key: "$gt", Value: 1}}}}
	ranked = DefaultRanker{}.Rank(Candidates(closed, indexes))
	assert.Equal(t, []string{"b", "c"}, names(ranked))
	assert.True(t, ranked[0].Closed)

	// Ties keep declaration order.
	tie := []Index{idx("x1", "x"), idx("x2", "x")}
	ranked = DefaultRanker{}.Rank(Candidates(bson.D{{Key: "x", Value: 1}}, tie))
	assert.Equal(t, []string{"x1", "x2"}, names(ranked))
}

func TestKeyRangesCompoundPrefix(t *testing.T) {
	p, err := shardkey.ParsePattern(bson.D{{Key: "a", Value: 1}, {Key: "b", Value: 1}})
	require.NoError(t, err)

	ranges, all, err := keyRanges(p, bson.D{{Key: "a", Value: bson.D{{Key: "$in", Value: bson.A{1, 2}}}}, {Key: "b", Value: 3}})
	require.NoError(t, err)
	assert.False(t, all)
	require.Len(t, ranges, 2)
	for _, r := range ranges {
		assert.True(t, r.point())
	}

	// A prefix equality pads the rest of the key.
	ranges, all, err = keyRanges(p, bson.D{{Key: "a", Value: 1}})
	require.NoError(t, err)
	assert.False(t, all)
	require.Len(t, ranges, 1)
	assert.False(t, ranges[0].point())

	// Without the first field the filter says nothing about the key.
	_, all, err = keyRanges(p, bson.D{{Key: "b", Value: 1}})
	require.NoError(t, err)
	assert.True(t, all)
}
