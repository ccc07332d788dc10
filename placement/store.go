package placement

import (
	"context"
	"encoding/binary"
	"sort"

	"github.com/maxpert/shardkeeper/db"
	"github.com/maxpert/shardkeeper/errs"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
)

// Key layout:
//
//	/placement/shards/{id}
//	/placement/databases/{name}
//	/placement/collections/{ns}
//	/placement/chunks/{ns}/{chunkID}
//	/placement/zones/{ns}/{seq}
//	/placement/changelog/{seq:8 bytes BE}
const (
	prefixShards      = "/placement/shards/"
	prefixDatabases   = "/placement/databases/"
	prefixCollections = "/placement/collections/"
	prefixChunks      = "/placement/chunks/"
	prefixZones       = "/placement/zones/"
	prefixChangelog   = "/placement/changelog/"
)

func shardKey(id string) []byte { return []byte(prefixShards + id) }
func databaseKey(name string) []byte { return []byte(prefixDatabases + name) }
func collectionKey(ns string) []byte { return []byte(prefixCollections + ns) }
func chunkPrefix(ns string) []byte { return []byte(prefixChunks + ns + "/") }
func chunkKey(ns, id string) []byte { return []byte(prefixChunks + ns + "/" + id) }
func zonePrefix(ns string) []byte { return []byte(prefixZones + ns + "/") }
func changelogKey(seq uint64) []byte { return binary.BigEndian.AppendUint64([]byte(prefixChangelog), seq) }
func zoneKey(ns string, i int) []byte { return binary.BigEndian.AppendUint32(zonePrefix(ns), uint32(i)) }

func putBSON(b *db.Batch, key []byte, v any) error {
	data, err := bson.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

func scanBSON[T any](store *db.Store, prefix []byte) ([]T, error) {
	var out []T
	err := store.Scan(prefix, func(_, value []byte) error {
		var v T
		if err := bson.Unmarshal(value, &v); err != nil {
			return err
		}
		out = append(out, v)
		return nil
	})
	return out, err
}

func getBSON[T any](store *db.Store, key []byte) (T, bool, error) {
	var v T
	data, err := store.Get(key)
	if errors.Is(err, db.ErrNotFound) {
		return v, false, nil
	}
	if err != nil {
		return v, false, err
	}
	if err := bson.Unmarshal(data, &v); err != nil {
		return v, false, err
	}
	return v, true, nil
}

// StoreReader serves placement metadata straight from a store without the
// catalog's in-memory state. Secondaries read their replicated copy of the
// catalog through it.
type StoreReader struct {
	store *db.Store
}

// NewStoreReader wraps store.
func NewStoreReader(store *db.Store) *StoreReader {
	return &StoreReader{store: store}
}

// LoadRoutingTable reads the collection entry and its chunks.
func (r *StoreReader) LoadRoutingTable(_ context.Context, ns string) (*RoutingTable, error) {
	return readRoutingTable(r.store, ns)
}

// LoadDatabase reads a database entry.
func (r *StoreReader) LoadDatabase(_ context.Context, name string) (Database, error) {
	d, ok, err := getBSON[Database](r.store, databaseKey(name))
	if err != nil {
		return Database{}, errors.WithMessagef(err, "read database %s", name)
	}
	if !ok {
		return Database{}, errs.Newf(errs.NamespaceNotFound, "database %s not found", name)
	}
	return d, nil
}

func readRoutingTable(store *db.Store, ns string) (*RoutingTable, error) {
	coll, ok, err := getBSON[Collection](store, collectionKey(ns))
	if err != nil {
		return nil, errors.WithMessagef(err, "read collection %s", ns)
	}
	if !ok {
		return nil, errs.Newf(errs.NamespaceNotSharded, "%s is not sharded", ns)
	}
	chunks, err := scanBSON[Chunk](store, chunkPrefix(ns))
	if err != nil {
		return nil, errors.WithMessagef(err, "read chunks of %s", ns)
	}
	return NewRoutingTable(coll, chunks)
}

func readZones(store *db.Store, ns string) ([]ZoneRange, error) {
	zones, err := scanBSON[ZoneRange](store, zonePrefix(ns))
	if err != nil {
		return nil, err
	}
	sortZones(zones)
	return zones, nil
}

func sortZones(zones []ZoneRange) {
	sort.Slice(zones, func(i, j int) bool {
		return zones[i].Min.Less(zones[j].Min)
	})
}
