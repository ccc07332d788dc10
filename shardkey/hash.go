package shardkey

import (
	"encoding/binary"
	"math"
	"sort"

	"github.com/cespare/xxhash/v2"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// HashValue computes the hashed shard key of a value. Numbers are truncated
// to int64 first, so 1, int64(1) and 1.9 hash alike, and values of different
// canonical types never collide by construction of the seed byte.
func HashValue(v any) int64 {
	d := xxhash.New()
	v = normalize(v)

	var seed [1]byte
	seed[0] = byte(rank(v))
	_, _ = d.Write(seed[:])

	switch rank(v) {
	case rankNumber:
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(truncateNumber(v)))
		_, _ = d.Write(buf[:])
	case rankMinKey, rankMaxKey, rankNull:
	case rankString:
		_, _ = d.WriteString(stringOf(v))
	default:
		_, data, err := bson.MarshalValue(v)
		if err == nil {
			_, _ = d.Write(data)
		}
	}
	return int64(d.Sum64())
}

func truncateNumber(v any) int64 {
	if i, ok := asInt64(v); ok {
		return i
	}
	f := asFloat64(v)
	switch {
	case math.IsNaN(f):
		return math.MinInt64
	case f >= math.MaxInt64:
		return math.MaxInt64
	case f <= math.MinInt64:
		return math.MinInt64
	}
	return int64(f)
}

// HashedSplitPoints returns numChunks-1 split points spreading the int64
// hash space evenly, symmetric around zero.
func HashedSplitPoints(numChunks int) []int64 {
	if numChunks <= 1 {
		return nil
	}

	interval := (math.MaxInt64 / int64(numChunks)) * 2
	var current int64
	points := make([]int64, 0, numChunks-1)
	if numChunks%2 == 0 {
		points = append(points, 0)
		current = interval
	} else {
		current = interval / 2
	}
	for i := 0; i < (numChunks-1)/2; i++ {
		points = append(points, current, -current)
		current += interval
	}
	sort.Slice(points, func(i, j int) bool { return points[i] < points[j] })
	return points
}

// InitialSplitKeys turns hashed split points into full keys for a pattern
// whose first field is hashed. Remaining fields are MinKey.
func (p Pattern) InitialSplitKeys(numChunks int) []Key {
	points := HashedSplitPoints(numChunks)
	out := make([]Key, len(points))
	for i, pt := range points {
		k := make(Key, len(p.Fields))
		k[0] = pt
		for j := 1; j < len(k); j++ {
			k[j] = primitive.MinKey{}
		}
		out[i] = k
	}
	return out
}
