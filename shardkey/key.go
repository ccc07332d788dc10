package shardkey

import (
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Key is a shard key value: one entry per pattern field, hashed fields
// already hashed.
type Key []any

// Compare orders keys field by field.
func Compare(a, b Key) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if c := CompareValues(a[i], b[i]); c != 0 {
			return c
		}
	}
	return cmpInt(int64(len(a)), int64(len(b)))
}

func (k Key) Less(o Key) bool  { return Compare(k, o) < 0 }
func (k Key) Equal(o Key) bool { return Compare(k, o) == 0 }

// IsGlobalMin reports whether every field is MinKey.
func (k Key) IsGlobalMin() bool {
	for _, v := range k {
		if _, ok := v.(primitive.MinKey); !ok {
			return false
		}
	}
	return len(k) > 0
}

// IsGlobalMax reports whether every field is MaxKey.
func (k Key) IsGlobalMax() bool {
	for _, v := range k {
		if _, ok := v.(primitive.MaxKey); !ok {
			return false
		}
	}
	return len(k) > 0
}

func (k Key) String() string {
	parts := make([]string, len(k))
	for i, v := range k {
		parts[i] = Describe(v)
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// MarshalBSONValue stores a key as a BSON array.
func (k Key) MarshalBSONValue() (bsontype.Type, []byte, error) {
	return bson.MarshalValue(bson.A(k))
}

// UnmarshalBSONValue reads a key stored by MarshalBSONValue.
func (k *Key) UnmarshalBSONValue(t bsontype.Type, data []byte) error {
	var arr bson.A
	if err := bson.UnmarshalValue(t, data, &arr); err != nil {
		return err
	}
	out := make(Key, len(arr))
	for i, v := range arr {
		out[i] = normalize(v)
	}
	*k = out
	return nil
}

// Range is a half-open key interval [Min, Max).
type Range struct {
	Min Key `bson:"min"`
	Max Key `bson:"max"`
}

// Contains reports whether k lies in [Min, Max).
func (r Range) Contains(k Key) bool {
	return Compare(r.Min, k) <= 0 && Compare(k, r.Max) < 0
}

// Overlaps reports whether two half-open ranges intersect.
func (r Range) Overlaps(o Range) bool {
	return Compare(r.Min, o.Max) < 0 && Compare(o.Min, r.Max) < 0
}

// Covers reports whether r fully contains o.
func (r Range) Covers(o Range) bool {
	return Compare(r.Min, o.Min) <= 0 && Compare(o.Max, r.Max) <= 0
}

// Equal reports identical bounds.
func (r Range) Equal(o Range) bool {
	return r.Min.Equal(o.Min) && r.Max.Equal(o.Max)
}

// Valid reports Min < Max.
func (r Range) Valid() bool {
	return Compare(r.Min, r.Max) < 0
}

func (r Range) String() string {
	return "[" + r.Min.String() + ", " + r.Max.String() + ")"
}
