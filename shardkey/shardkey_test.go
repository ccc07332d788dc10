package shardkey

import (
	"math"
	"sort"
	"testing"

	"github.com/maxpert/shardkeeper/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestParsePattern(t *testing.T) {
	p, err := ParsePattern(bson.D{{Key: "region", Value: 1}, {Key: "_id", Value: "hashed"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"region", "_id"}, p.Names())
	idx, ok := p.HashedField()
	assert.True(t, ok)
	assert.Equal(t, 1, idx)
	assert.False(t, p.IsHashedPrefix())
	assert.Equal(t, `{region: 1, _id: "hashed"}`, p.String())

	_, err = ParsePattern(bson.D{{Key: "a", Value: "hashed"}, {Key: "b", Value: "hashed"}})
	assert.True(t, errs.Is(err, errs.BadValue))

	_, err = ParsePattern(bson.D{{Key: "a", Value: -1}})
	assert.Error(t, err)

	_, err = ParsePattern(bson.D{})
	assert.Error(t, err)

	_, err = ParsePattern(bson.D{{Key: "a", Value: 1}, {Key: "a", Value: 1}})
	assert.Error(t, err)
}

func TestCompareValuesTypeOrder(t *testing.T) {
	ordered := []any{
		primitive.MinKey{},
		nil,
		int32(-5),
		float64(2.5),
		int64(3),
		"a",
		"b",
		bson.D{{Key: "x", Value: 1}},
		bson.A{int32(1)},
		primitive.Binary{Data: []byte{1}},
		primitive.ObjectID{1},
		false,
		true,
		primitive.DateTime(10),
		primitive.Timestamp{T: 1},
		primitive.MaxKey{},
	}
	for i := 0; i+1 < len(ordered); i++ {
		assert.Equal(t, -1, CompareValues(ordered[i], ordered[i+1]), "%v < %v", ordered[i], ordered[i+1])
		assert.Equal(t, 1, CompareValues(ordered[i+1], ordered[i]))
	}
}

func TestCompareNumbersAcrossTypes(t *testing.T) {
	assert.Equal(t, 0, CompareValues(int32(1), int64(1)))
	assert.Equal(t, 0, CompareValues(int64(1), float64(1)))
	assert.Equal(t, -1, CompareValues(int64(1), float64(1.5)))
	assert.Equal(t, 1, CompareValues(float64(2.5), int32(2)))
	assert.Equal(t, -1, CompareValues(math.NaN(), math.Inf(-1)))
	assert.Equal(t, -1, CompareValues(int64(math.MaxInt64), math.Exp2(63)))
	assert.Equal(t, 1, CompareValues(int64(3), 2.999))
}

func TestKeyCompareAndRange(t *testing.T) {
	p := MustParse(bson.D{{Key: "x", Value: 1}})
	r := Range{Min: Key{int64(0)}, Max: Key{int64(10)}}

	assert.True(t, r.Contains(Key{int64(0)}))
	assert.True(t, r.Contains(Key{int32(9)}))
	assert.False(t, r.Contains(Key{int64(10)}))
	assert.True(t, r.Overlaps(Range{Min: Key{int64(9)}, Max: p.GlobalMax()}))
	assert.False(t, r.Overlaps(Range{Min: Key{int64(10)}, Max: p.GlobalMax()}))
	assert.True(t, Range{Min: p.GlobalMin(), Max: p.GlobalMax()}.Covers(r))
	assert.True(t, p.GlobalMin().IsGlobalMin())
	assert.True(t, p.GlobalMax().IsGlobalMax())
}

func TestExtract(t *testing.T) {
	p := MustParse(bson.D{{Key: "user.region", Value: 1}, {Key: "_id", Value: 1}})
	doc := bson.D{{Key: "_id", Value: 7}, {Key: "user", Value: bson.D{{Key: "region", Value: "EU"}}}}

	k, err := p.Extract(doc)
	require.NoError(t, err)
	assert.Equal(t, Key{"EU", int64(7)}, k)

	k, err = p.Extract(bson.D{{Key: "_id", Value: 1}})
	require.NoError(t, err)
	assert.Nil(t, k[0], "missing fields extract as null")

	_, err = p.Extract(bson.D{{Key: "_id", Value: bson.A{1, 2}}})
	assert.True(t, errs.Is(err, errs.ShardKeyNotFound))
}

func TestHashValue(t *testing.T) {
	assert.Equal(t, HashValue(1), HashValue(int64(1)))
	assert.Equal(t, HashValue(int32(1)), HashValue(1.0))
	assert.Equal(t, HashValue(1.9), HashValue(1), "floats truncate before hashing")
	assert.NotEqual(t, HashValue(-1), HashValue(1))
	assert.NotEqual(t, HashValue("1"), HashValue(1))
	assert.Equal(t, HashValue(bson.D{{Key: "a", Value: "b"}}), HashValue(bson.D{{Key: "a", Value: "b"}}))

	p := MustParse(bson.D{{Key: "_id", Value: "hashed"}})
	k, err := p.Extract(bson.D{{Key: "_id", Value: -1}})
	require.NoError(t, err)
	assert.Equal(t, Key{HashValue(-1)}, k)
	assert.Equal(t, k, p.KeyFromValues(int32(-1)))
}

func TestHashedSplitPoints(t *testing.T) {
	assert.Nil(t, HashedSplitPoints(1))
	assert.Equal(t, []int64{0}, HashedSplitPoints(2))
	assert.Equal(t, []int64{-4611686018427387902, 0, 4611686018427387902}, HashedSplitPoints(4))
	assert.Equal(t, []int64{
		-5534023222112865483, -1844674407370955161, 1844674407370955161, 5534023222112865483,
	}, HashedSplitPoints(5))

	for n := 2; n < 40; n++ {
		pts := HashedSplitPoints(n)
		require.Len(t, pts, n-1)
		assert.True(t, sort.SliceIsSorted(pts, func(i, j int) bool { return pts[i] < pts[j] }))
		for i := 1; i < len(pts); i++ {
			assert.NotEqual(t, pts[i-1], pts[i])
		}
	}
}

func TestInitialSplitKeys(t *testing.T) {
	p := MustParse(bson.D{{Key: "_id", Value: "hashed"}, {Key: "b", Value: 1}})
	keys := p.InitialSplitKeys(4)
	require.Len(t, keys, 3)
	assert.Equal(t, int64(0), keys[1][0])
	assert.Equal(t, primitive.MinKey{}, keys[1][1])
	for _, k := range keys {
		assert.NoError(t, p.ValidateBound(k))
	}
}

func TestValidateBoundHashed(t *testing.T) {
	p := MustParse(bson.D{{Key: "x", Value: "hashed"}})

	assert.NoError(t, p.ValidateBound(Key{int64(12345)}))
	assert.NoError(t, p.ValidateBound(p.GlobalMin()))

	err := p.ValidateBound(Key{int32(5)})
	assert.True(t, errs.Is(err, errs.InvalidOptions), "plain integer on hashed field must be rejected")
	err = p.ValidateBound(Key{"abc"})
	assert.True(t, errs.Is(err, errs.InvalidOptions))
	err = p.ValidateBound(Key{int64(1), int64(2)})
	assert.True(t, errs.Is(err, errs.InvalidOptions))
}

func TestBoundFromDoc(t *testing.T) {
	p := MustParse(bson.D{{Key: "a", Value: 1}, {Key: "b", Value: 1}})

	k, err := p.BoundFromDoc(bson.D{{Key: "a", Value: 5}})
	require.NoError(t, err)
	assert.Equal(t, Key{int64(5), primitive.MinKey{}}, k)

	_, err = p.BoundFromDoc(bson.D{{Key: "b", Value: 5}})
	assert.Error(t, err)

	assert.Equal(t, bson.D{{Key: "a", Value: int64(5)}, {Key: "b", Value: primitive.MinKey{}}}, p.Doc(k))
}

func TestKeyBSONRoundTrip(t *testing.T) {
	type holder struct {
		K Key `bson:"k"`
	}
	in := holder{K: Key{primitive.MinKey{}, "x", int64(3), primitive.MaxKey{}}}
	data, err := bson.Marshal(in)
	require.NoError(t, err)

	var out holder
	require.NoError(t, bson.Unmarshal(data, &out))
	assert.True(t, in.K.Equal(out.K))
	assert.Equal(t, primitive.MinKey{}, out.K[0])
}
