package shard

import (
	"bytes"
	"errors"

	"github.com/maxpert/shardkeeper/db"
	"github.com/maxpert/shardkeeper/errs"
	"github.com/maxpert/shardkeeper/protocol/filter"
	"github.com/maxpert/shardkeeper/shardkey"
	"go.mongodb.org/mongo-driver/bson"
)

const prefixDocs = "/docs/"

func nsPrefix(ns string) []byte { return []byte(prefixDocs + ns + "/") }

func dbPrefix(name string) []byte { return []byte(prefixDocs + name + ".") }

func docKey(ns string, id any) ([]byte, error) {
	raw, err := bson.Marshal(bson.D{{Key: "_id", Value: id}})
	if err != nil {
		return nil, errs.Wrap(errs.BadValue, err, "encode _id")
	}
	return append(nsPrefix(ns), raw...), nil
}

func keyOfDoc(ns string, doc bson.D) ([]byte, error) {
	id, ok := shardkey.Lookup(doc, "_id")
	if !ok {
		return nil, errs.New(errs.BadValue, "document has no _id")
	}
	return docKey(ns, id)
}

// reader is the read side shared by the store and transaction batches.
type reader interface {
	Get(key []byte) ([]byte, error)
	Scan(prefix []byte, fn func(key, value []byte) error) error
}

type storedDoc struct {
	key []byte
	doc bson.D
}

func decodeDoc(raw []byte) (bson.D, error) {
	var d bson.D
	if err := bson.Unmarshal(raw, &d); err != nil {
		return nil, errs.Wrap(errs.InternalError, err, "decode document")
	}
	return d, nil
}

func getDoc(r reader, key []byte) (bson.D, bool, error) {
	raw, err := r.Get(key)
	if errors.Is(err, db.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	d, err := decodeDoc(raw)
	return d, err == nil, err
}

func scanDocs(r reader, prefix []byte, fn func(key []byte, doc bson.D) error) error {
	return r.Scan(prefix, func(key, value []byte) error {
		d, err := decodeDoc(bytes.Clone(value))
		if err != nil {
			return err
		}
		return fn(bytes.Clone(key), d)
	})
}

func putDoc(b *db.Batch, key []byte, doc bson.D) error {
	raw, err := bson.Marshal(doc)
	if err != nil {
		return errs.Wrap(errs.BadValue, err, "encode document")
	}
	return b.Put(key, raw)
}

// matching returns owned documents of ns that satisfy f, in _id key order.
func matching(r reader, view *nsView, f bson.D) ([]storedDoc, error) {
	var out []storedDoc
	err := scanDocs(r, nsPrefix(view.ns), func(key []byte, doc bson.D) error {
		if !view.owns(doc) {
			return nil
		}
		ok, err := filter.Match(doc, f)
		if err != nil || !ok {
			return err
		}
		out = append(out, storedDoc{key: key, doc: doc})
		return nil
	})
	return out, err
}
