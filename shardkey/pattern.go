// Package shardkey models shard key patterns and the values they extract
// from documents: canonical ordering, hashing, bound validation and the
// initial split points of hashed collections.
package shardkey

import (
	"fmt"
	"strings"

	"github.com/maxpert/shardkeeper/errs"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Field is one component of a key pattern.
type Field struct {
	Name   string
	Hashed bool
}

// Pattern is an ordered shard key pattern such as {region: 1, _id: "hashed"}.
type Pattern struct {
	Fields []Field
}

// ParsePattern validates a key pattern document. Each value must be 1 or
// "hashed" and at most one field may be hashed.
func ParsePattern(d bson.D) (Pattern, error) {
	if len(d) == 0 {
		return Pattern{}, errs.New(errs.BadValue, "shard key pattern cannot be empty")
	}

	var p Pattern
	hashed := 0
	seen := make(map[string]bool, len(d))
	for _, e := range d {
		if e.Key == "" || strings.HasPrefix(e.Key, "$") || strings.HasSuffix(e.Key, ".") {
			return Pattern{}, errs.Newf(errs.BadValue, "invalid shard key field %q", e.Key)
		}
		if seen[e.Key] {
			return Pattern{}, errs.Newf(errs.BadValue, "duplicate shard key field %q", e.Key)
		}
		seen[e.Key] = true

		f := Field{Name: e.Key}
		switch v := e.Value.(type) {
		case string:
			if v != "hashed" {
				return Pattern{}, errs.Newf(errs.BadValue, "unsupported shard key type %q for field %q", v, e.Key)
			}
			f.Hashed = true
			hashed++
		default:
			n, ok := asInt64(v)
			if !ok {
				if fv, isFloat := v.(float64); isFloat && fv == 1 {
					n, ok = 1, true
				}
			}
			if !ok || n != 1 {
				return Pattern{}, errs.Newf(errs.BadValue, "shard key field %q must be 1 or \"hashed\"", e.Key)
			}
		}
		p.Fields = append(p.Fields, f)
	}
	if hashed > 1 {
		return Pattern{}, errs.New(errs.BadValue, "shard key can contain at most one hashed field")
	}
	return p, nil
}

// MustParse is ParsePattern for literals known to be valid.
func MustParse(d bson.D) Pattern {
	p, err := ParsePattern(d)
	if err != nil {
		panic(err)
	}
	return p
}

// BSON renders the pattern as a key pattern document.
func (p Pattern) BSON() bson.D {
	out := make(bson.D, len(p.Fields))
	for i, f := range p.Fields {
		if f.Hashed {
			out[i] = bson.E{Key: f.Name, Value: "hashed"}
		} else {
			out[i] = bson.E{Key: f.Name, Value: int32(1)}
		}
	}
	return out
}

func (p Pattern) String() string {
	parts := make([]string, len(p.Fields))
	for i, f := range p.Fields {
		if f.Hashed {
			parts[i] = f.Name + ": \"hashed\""
		} else {
			parts[i] = f.Name + ": 1"
		}
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// Len is the number of fields.
func (p Pattern) Len() int { return len(p.Fields) }

// Names returns the field paths in pattern order.
func (p Pattern) Names() []string {
	out := make([]string, len(p.Fields))
	for i, f := range p.Fields {
		out[i] = f.Name
	}
	return out
}

// HashedField returns the position of the hashed field.
func (p Pattern) HashedField() (int, bool) {
	for i, f := range p.Fields {
		if f.Hashed {
			return i, true
		}
	}
	return -1, false
}

// IsHashedPrefix reports whether the first field is hashed, the layout that
// gets evenly pre-split chunks at creation time.
func (p Pattern) IsHashedPrefix() bool {
	return len(p.Fields) > 0 && p.Fields[0].Hashed
}

// IndexOf returns the position of a field path.
func (p Pattern) IndexOf(name string) int {
	for i, f := range p.Fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// Equal reports whether two patterns are identical.
func (p Pattern) Equal(o Pattern) bool {
	if len(p.Fields) != len(o.Fields) {
		return false
	}
	for i := range p.Fields {
		if p.Fields[i] != o.Fields[i] {
			return false
		}
	}
	return true
}

// GlobalMin is the smallest key of the pattern.
func (p Pattern) GlobalMin() Key {
	k := make(Key, len(p.Fields))
	for i := range k {
		k[i] = primitive.MinKey{}
	}
	return k
}

// GlobalMax is the largest key of the pattern.
func (p Pattern) GlobalMax() Key {
	k := make(Key, len(p.Fields))
	for i := range k {
		k[i] = primitive.MaxKey{}
	}
	return k
}

// Extract builds the shard key of a document, hashing the hashed field.
// Missing fields extract as null. Array values are rejected.
func (p Pattern) Extract(doc bson.D) (Key, error) {
	k := make(Key, len(p.Fields))
	for i, f := range p.Fields {
		v, _ := Lookup(doc, f.Name)
		if _, isArr := v.(bson.A); isArr {
			return nil, errs.Newf(errs.ShardKeyNotFound, "shard key field %q cannot be an array", f.Name)
		}
		if f.Hashed {
			k[i] = HashValue(v)
		} else {
			k[i] = normalize(v)
		}
	}
	return k, nil
}

// KeyFromValues builds a key from raw field values, hashing where required.
func (p Pattern) KeyFromValues(values ...any) Key {
	k := make(Key, len(p.Fields))
	for i, f := range p.Fields {
		var v any
		if i < len(values) {
			v = values[i]
		}
		if f.Hashed {
			k[i] = HashValue(v)
		} else {
			k[i] = normalize(v)
		}
	}
	return k
}

// ValidateBound checks a chunk or zone bound against the pattern. Bounds on
// a hashed field must already be hashed int64 values (or MinKey/MaxKey).
func (p Pattern) ValidateBound(k Key) error {
	if len(k) != len(p.Fields) {
		return errs.Newf(errs.InvalidOptions, "bound %v does not match shard key %s", k, p)
	}
	for i, f := range p.Fields {
		if !f.Hashed {
			continue
		}
		switch k[i].(type) {
		case int64, primitive.MinKey, primitive.MaxKey:
		default:
			return errs.Newf(errs.InvalidOptions,
				"bound on hashed field %q must be a hashed int64 value, got %T", f.Name, k[i])
		}
	}
	return nil
}

// ExtendBound pads a prefix bound with MinKey up to the pattern length.
func (p Pattern) ExtendBound(k Key) Key {
	if len(k) >= len(p.Fields) {
		return k
	}
	out := make(Key, len(p.Fields))
	copy(out, k)
	for i := len(k); i < len(out); i++ {
		out[i] = primitive.MinKey{}
	}
	return out
}

// BoundFromDoc converts a bound document such as {x: 10, y: MinKey} into a
// key, requiring the document fields to follow the pattern order. A strict
// prefix is extended with MinKey.
func (p Pattern) BoundFromDoc(d bson.D) (Key, error) {
	if len(d) > len(p.Fields) {
		return nil, errs.Newf(errs.InvalidOptions, "bound has more fields than shard key %s", p)
	}
	k := make(Key, 0, len(p.Fields))
	for i, e := range d {
		if e.Key != p.Fields[i].Name {
			return nil, errs.Newf(errs.InvalidOptions, "bound field %q does not match shard key %s", e.Key, p)
		}
		if p.Fields[i].Hashed {
			// Hashed bounds are taken verbatim so a raw int32 or double is
			// rejected rather than widened into a plausible hash.
			k = append(k, e.Value)
			continue
		}
		k = append(k, normalize(e.Value))
	}
	k = p.ExtendBound(k)
	if err := p.ValidateBound(k); err != nil {
		return nil, err
	}
	return k, nil
}

// Doc renders a key as a bound document in pattern order.
func (p Pattern) Doc(k Key) bson.D {
	out := make(bson.D, len(p.Fields))
	for i, f := range p.Fields {
		var v any
		if i < len(k) {
			v = k[i]
		}
		out[i] = bson.E{Key: f.Name, Value: v}
	}
	return out
}

// Lookup resolves a dotted path inside a document.
func Lookup(doc bson.D, path string) (any, bool) {
	head, rest, nested := strings.Cut(path, ".")
	for _, e := range doc {
		if e.Key != head {
			continue
		}
		if !nested {
			return e.Value, true
		}
		switch sub := e.Value.(type) {
		case bson.D:
			return Lookup(sub, rest)
		case bson.M:
			return Lookup(mapToD(sub), rest)
		}
		return nil, false
	}
	return nil, false
}

// normalize maps equivalent Go representations onto the ones BSON decoding
// produces, so stored and freshly built keys compare and hash alike.
func normalize(v any) any {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int8:
		return int32(n)
	case int16:
		return int32(n)
	case uint8:
		return int32(n)
	case uint16:
		return int32(n)
	case uint32:
		return int64(n)
	case float32:
		return float64(n)
	case primitive.Null, primitive.Undefined:
		return nil
	case bson.M:
		return mapToD(n)
	case []any:
		return bson.A(n)
	}
	return v
}

// Describe formats a value for error messages.
func Describe(v any) string {
	switch v.(type) {
	case primitive.MinKey:
		return "MinKey"
	case primitive.MaxKey:
		return "MaxKey"
	}
	return fmt.Sprintf("%v", v)
}
