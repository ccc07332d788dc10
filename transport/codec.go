package transport

import (
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"google.golang.org/grpc/encoding"
)

const codecName = "bson"

// bsonCodec carries every message as a BSON document so documents, keys
// and versions cross the wire in the same form they are stored in.
type bsonCodec struct{}

func init() {
	encoding.RegisterCodec(bsonCodec{})
}

func (bsonCodec) Name() string { return codecName }

func (bsonCodec) Marshal(v any) ([]byte, error) {
	out, err := bson.Marshal(v)
	return out, errors.WithMessagef(err, "bson marshal %T", v)
}

func (bsonCodec) Unmarshal(data []byte, v any) error {
	return errors.WithMessagef(bson.Unmarshal(data, v), "bson unmarshal %T", v)
}
