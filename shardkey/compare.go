package shardkey

import (
	"bytes"
	"math"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Canonical BSON type ranks. Values of different rank compare by rank alone;
// all numeric types share one rank.
const (
	rankMinKey    = 1
	rankNull      = 5
	rankNumber    = 10
	rankString    = 15
	rankObject    = 20
	rankArray     = 25
	rankBinary    = 30
	rankObjectID  = 35
	rankBool      = 40
	rankDate      = 45
	rankTimestamp = 47
	rankRegex     = 50
	rankMaxKey    = 127
)

func rank(v any) int {
	switch v.(type) {
	case primitive.MinKey:
		return rankMinKey
	case nil, primitive.Null, primitive.Undefined:
		return rankNull
	case int, int8, int16, int32, int64, uint8, uint16, uint32, float32, float64, primitive.Decimal128:
		return rankNumber
	case string, primitive.Symbol:
		return rankString
	case bson.D, bson.M, map[string]any:
		return rankObject
	case bson.A, []any:
		return rankArray
	case primitive.Binary, []byte:
		return rankBinary
	case primitive.ObjectID:
		return rankObjectID
	case bool:
		return rankBool
	case primitive.DateTime, time.Time:
		return rankDate
	case primitive.Timestamp:
		return rankTimestamp
	case primitive.Regex:
		return rankRegex
	case primitive.MaxKey:
		return rankMaxKey
	}
	return rankObject
}

// CompareValues orders two BSON values the way the document store orders
// index keys. Returns -1, 0 or 1.
func CompareValues(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return cmpInt(int64(ra), int64(rb))
	}

	switch ra {
	case rankMinKey, rankMaxKey, rankNull:
		return 0
	case rankNumber:
		return compareNumbers(a, b)
	case rankString:
		return strings.Compare(stringOf(a), stringOf(b))
	case rankObject:
		return compareDocs(docOf(a), docOf(b))
	case rankArray:
		return compareArrays(arrayOf(a), arrayOf(b))
	case rankBinary:
		ba, bb := binaryOf(a), binaryOf(b)
		if len(ba.Data) != len(bb.Data) {
			return cmpInt(int64(len(ba.Data)), int64(len(bb.Data)))
		}
		if ba.Subtype != bb.Subtype {
			return cmpInt(int64(ba.Subtype), int64(bb.Subtype))
		}
		return bytes.Compare(ba.Data, bb.Data)
	case rankObjectID:
		oa, ob := a.(primitive.ObjectID), b.(primitive.ObjectID)
		return bytes.Compare(oa[:], ob[:])
	case rankBool:
		return cmpBool(a.(bool), b.(bool))
	case rankDate:
		return cmpInt(dateOf(a), dateOf(b))
	case rankTimestamp:
		ta, tb := a.(primitive.Timestamp), b.(primitive.Timestamp)
		if ta.T != tb.T {
			return cmpInt(int64(ta.T), int64(tb.T))
		}
		return cmpInt(int64(ta.I), int64(tb.I))
	case rankRegex:
		xa, xb := a.(primitive.Regex), b.(primitive.Regex)
		if c := strings.Compare(xa.Pattern, xb.Pattern); c != 0 {
			return c
		}
		return strings.Compare(xa.Options, xb.Options)
	}
	return 0
}

func cmpInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func cmpBool(a, b bool) int {
	switch {
	case a == b:
		return 0
	case !a:
		return -1
	}
	return 1
}

// asInt64 returns the integer value of integral numeric types.
func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	}
	return 0, false
}

func asFloat64(v any) float64 {
	if i, ok := asInt64(v); ok {
		return float64(i)
	}
	switch n := v.(type) {
	case float32:
		return float64(n)
	case float64:
		return n
	case primitive.Decimal128:
		f, err := decimalToFloat(n)
		if err != nil {
			return math.NaN()
		}
		return f
	}
	return math.NaN()
}

func decimalToFloat(d primitive.Decimal128) (float64, error) {
	bi, exp, err := d.BigInt()
	if err != nil {
		return 0, err
	}
	f, _ := bi.Float64()
	return f * math.Pow10(exp), nil
}

func compareNumbers(a, b any) int {
	ia, aInt := asInt64(a)
	ib, bInt := asInt64(b)
	if aInt && bInt {
		return cmpInt(ia, ib)
	}

	fa, fb := asFloat64(a), asFloat64(b)
	aNaN, bNaN := math.IsNaN(fa), math.IsNaN(fb)
	switch {
	case aNaN && bNaN:
		return 0
	case aNaN:
		return -1
	case bNaN:
		return 1
	}
	// Large int64 values lose precision as float64; settle exact ties on the integer side.
	if aInt && fa == fb {
		return cmpIntFloat(ia, fb)
	}
	if bInt && fa == fb {
		return -cmpIntFloat(ib, fa)
	}
	switch {
	case fa < fb:
		return -1
	case fa > fb:
		return 1
	}
	return 0
}

func cmpIntFloat(i int64, f float64) int {
	if f >= math.MaxInt64 {
		return -1
	}
	if f < math.MinInt64 {
		return 1
	}
	t := int64(f)
	if i != t {
		return cmpInt(i, t)
	}
	frac := f - math.Trunc(f)
	switch {
	case frac > 0:
		return -1
	case frac < 0:
		return 1
	}
	return 0
}

func stringOf(v any) string {
	if s, ok := v.(primitive.Symbol); ok {
		return string(s)
	}
	return v.(string)
}

func docOf(v any) bson.D {
	switch d := v.(type) {
	case bson.D:
		return d
	case bson.M:
		return mapToD(d)
	case map[string]any:
		return mapToD(d)
	}
	return nil
}

func mapToD(m map[string]any) bson.D {
	out := make(bson.D, 0, len(m))
	for k, v := range m {
		out = append(out, bson.E{Key: k, Value: v})
	}
	return out
}

func compareDocs(a, b bson.D) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if c := cmpInt(int64(rank(a[i].Value)), int64(rank(b[i].Value))); c != 0 {
			return c
		}
		if c := strings.Compare(a[i].Key, b[i].Key); c != 0 {
			return c
		}
		if c := CompareValues(a[i].Value, b[i].Value); c != 0 {
			return c
		}
	}
	return cmpInt(int64(len(a)), int64(len(b)))
}

func arrayOf(v any) []any {
	switch a := v.(type) {
	case bson.A:
		return a
	case []any:
		return a
	}
	return nil
}

func compareArrays(a, b []any) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if c := CompareValues(a[i], b[i]); c != 0 {
			return c
		}
	}
	return cmpInt(int64(len(a)), int64(len(b)))
}

func binaryOf(v any) primitive.Binary {
	if b, ok := v.([]byte); ok {
		return primitive.Binary{Data: b}
	}
	return v.(primitive.Binary)
}

func dateOf(v any) int64 {
	if t, ok := v.(time.Time); ok {
		return t.UnixMilli()
	}
	return int64(v.(primitive.DateTime))
}
