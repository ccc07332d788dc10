package filter

import (
	"testing"

	"github.com/maxpert/shardkeeper/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func TestMatch(t *testing.T) {
	doc := bson.D{
		{Key: "_id", Value: int32(-1)},
		{Key: "name", Value: "ada"},
		{Key: "age", Value: int64(36)},
		{Key: "tags", Value: bson.A{"x", "y"}},
		{Key: "addr", Value: bson.D{{Key: "zip", Value: "10001"}}},
	}

	tests := []struct {
		name   string
		filter bson.D
		want   bool
	}{
		{"empty", bson.D{}, true},
		{"equality", bson.D{{Key: "_id", Value: -1}}, true},
		{"numeric types compare by value", bson.D{{Key: "age", Value: 36.0}}, true},
		{"dotted path", bson.D{{Key: "addr.zip", Value: "10001"}}, true},
		{"array element", bson.D{{Key: "tags", Value: "y"}}, true},
		{"null matches missing", bson.D{{Key: "missing", Value: nil}}, true},
		{"range", bson.D{{Key: "age", Value: bson.D{{Key: "$gte", Value: 30}, {Key: "$lt", Value: 40}}}}, true},
		{"range excludes", bson.D{{Key: "age", Value: bson.D{{Key: "$gt", Value: 36}}}}, false},
		{"range does not cross types", bson.D{{Key: "name", Value: bson.D{{Key: "$gt", Value: 1}}}}, false},
		{"in", bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: bson.A{1, -1}}}}}, true},
		{"nin", bson.D{{Key: "_id", Value: bson.D{{Key: "$nin", Value: bson.A{1, -1}}}}}, false},
		{"ne", bson.D{{Key: "name", Value: bson.D{{Key: "$ne", Value: "bob"}}}}, true},
		{"exists", bson.D{{Key: "addr", Value: bson.D{{Key: "$exists", Value: false}}}}, false},
		{"not", bson.D{{Key: "age", Value: bson.D{{Key: "$not", Value: bson.D{{Key: "$gt", Value: 40}}}}}}, true},
		{"or", bson.D{{Key: "$or", Value: bson.A{
			bson.D{{Key: "name", Value: "bob"}},
			bson.D{{Key: "age", Value: 36}},
		}}}, true},
		{"nor", bson.D{{Key: "$nor", Value: bson.A{bson.D{{Key: "name", Value: "ada"}}}}}, false},
		{"and", bson.D{{Key: "$and", Value: bson.A{
			bson.D{{Key: "name", Value: "ada"}},
			bson.D{{Key: "age", Value: 1}},
		}}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Match(doc, tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMatchRejectsUnknownOperators(t *testing.T) {
	_, err := Match(bson.D{}, bson.D{{Key: "a", Value: bson.D{{Key: "$near", Value: 1}}}})
	assert.True(t, errs.Is(err, errs.BadValue))
	_, err = Match(bson.D{}, bson.D{{Key: "$where", Value: "1"}})
	assert.True(t, errs.Is(err, errs.BadValue))
}

func TestSortAndProject(t *testing.T) {
	docs := []bson.D{
		{{Key: "_id", Value: 1}, {Key: "a", Value: 2}, {Key: "b", Value: "x"}},
		{{Key: "_id", Value: 2}, {Key: "a", Value: 1}, {Key: "b", Value: "y"}},
		{{Key: "_id", Value: 3}, {Key: "a", Value: 2}, {Key: "b", Value: "a"}},
	}
	require.NoError(t, Sort(docs, bson.D{{Key: "a", Value: -1}, {Key: "b", Value: 1}}))
	ids := []any{docs[0][0].Value, docs[1][0].Value, docs[2][0].Value}
	assert.Equal(t, []any{3, 1, 2}, ids)

	p, err := Project(docs[0], bson.D{{Key: "b", Value: 1}})
	require.NoError(t, err)
	assert.Equal(t, bson.D{{Key: "_id", Value: 3}, {Key: "b", Value: "a"}}, p)

	p, err = Project(docs[0], bson.D{{Key: "_id", Value: 0}, {Key: "a", Value: 0}})
	require.NoError(t, err)
	assert.Equal(t, bson.D{{Key: "b", Value: "a"}}, p)

	_, err = Project(docs[0], bson.D{{Key: "a", Value: 1}, {Key: "b", Value: 0}})
	assert.Error(t, err)
	assert.Error(t, Sort(docs, bson.D{{Key: "a", Value: 2}}))
}

func TestApplyOperators(t *testing.T) {
	doc := bson.D{{Key: "_id", Value: 1}, {Key: "n", Value: int32(1)}, {Key: "gone", Value: true}}
	out, err := Apply(doc, bson.D{
		{Key: "$inc", Value: bson.D{{Key: "n", Value: int32(2)}}},
		{Key: "$set", Value: bson.D{{Key: "a.b", Value: "x"}}},
		{Key: "$unset", Value: bson.D{{Key: "gone", Value: ""}}},
		{Key: "$setOnInsert", Value: bson.D{{Key: "created", Value: true}}},
	}, false)
	require.NoError(t, err)
	assert.Equal(t, bson.D{
		{Key: "_id", Value: 1},
		{Key: "n", Value: int32(3)},
		{Key: "a", Value: bson.D{{Key: "b", Value: "x"}}},
	}, out)
	assert.Len(t, doc, 3, "the input document is not modified")

	_, err = Apply(doc, bson.D{{Key: "$set", Value: bson.D{{Key: "_id", Value: 2}}}}, false)
	assert.True(t, errs.Is(err, errs.IllegalOperation))
	_, err = Apply(doc, bson.D{{Key: "$inc", Value: bson.D{{Key: "gone", Value: 1}}}}, false)
	assert.True(t, errs.Is(err, errs.BadValue))
}

func TestApplyReplacementKeepsID(t *testing.T) {
	out, err := Apply(bson.D{{Key: "_id", Value: 7}, {Key: "a", Value: 1}}, bson.D{{Key: "b", Value: 2}}, false)
	require.NoError(t, err)
	assert.Equal(t, bson.D{{Key: "_id", Value: 7}, {Key: "b", Value: 2}}, out)

	_, err = Apply(bson.D{{Key: "_id", Value: 7}}, bson.D{{Key: "_id", Value: 8}}, false)
	assert.True(t, errs.Is(err, errs.IllegalOperation))
}

func TestIncOverflowWidens(t *testing.T) {
	v, err := add(int32(2147483647), int32(1))
	require.NoError(t, err)
	assert.Equal(t, int64(2147483648), v)

	v, err = add(int32(1), 0.5)
	require.NoError(t, err)
	assert.Equal(t, 1.5, v)
}

func TestUpsertSeed(t *testing.T) {
	seed := UpsertSeed(bson.D{
		{Key: "x", Value: 1},
		{Key: "y", Value: bson.D{{Key: "$eq", Value: 2}}},
		{Key: "z", Value: bson.D{{Key: "$gt", Value: 3}}},
		{Key: "$and", Value: bson.A{bson.D{{Key: "w", Value: "v"}}}},
	})
	assert.Equal(t, bson.D{{Key: "x", Value: 1}, {Key: "y", Value: 2}, {Key: "w", Value: "v"}}, seed)

	withID := EnsureID(bson.D{{Key: "a", Value: 1}})
	assert.Equal(t, "_id", withID[0].Key)
}
