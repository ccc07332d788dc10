// Package placement is the catalog of shards, databases, sharded collections,
// chunks and zones. It is the single writer of placement metadata: every
// mutation runs under a per-collection lock, bumps chunk versions and
// appends a placement-change event.
package placement

import (
	"fmt"
	"strings"

	"github.com/maxpert/shardkeeper/hlc"
	"github.com/maxpert/shardkeeper/shardkey"
	"go.mongodb.org/mongo-driver/bson"
)

// Version is a collection or shard placement version. Versions from
// different epochs are incomparable.
type Version struct {
	Epoch string `bson:"epoch"`
	Major uint32 `bson:"major"`
	Minor uint32 `bson:"minor"`
}

// Unsharded is the version stamp sent for collections that are not sharded.
var Unsharded = Version{}

// IsUnsharded reports whether v is the unsharded stamp.
func (v Version) IsUnsharded() bool {
	return v == Unsharded
}

// Comparable reports whether v and o share an epoch.
func (v Version) Comparable(o Version) bool {
	return v.Epoch == o.Epoch
}

// Compare orders two versions of the same epoch. ok is false when the
// epochs differ.
func (v Version) Compare(o Version) (c int, ok bool) {
	if !v.Comparable(o) {
		return 0, false
	}
	switch {
	case v.Major != o.Major:
		if v.Major < o.Major {
			return -1, true
		}
		return 1, true
	case v.Minor != o.Minor:
		if v.Minor < o.Minor {
			return -1, true
		}
		return 1, true
	}
	return 0, true
}

// Less reports v < o within one epoch.
func (v Version) Less(o Version) bool {
	c, ok := v.Compare(o)
	return ok && c < 0
}

func (v Version) String() string {
	if v.IsUnsharded() {
		return "UNSHARDED"
	}
	epoch := v.Epoch
	if len(epoch) > 8 {
		epoch = epoch[:8]
	}
	return fmt.Sprintf("%d|%d||%s", v.Major, v.Minor, epoch)
}

// DatabaseVersion changes whenever a database's primary shard moves.
type DatabaseVersion struct {
	UUID    string `bson:"uuid"`
	LastMod int32  `bson:"lastMod"`
}

// Compare orders versions of one database incarnation. ok is false when
// the UUIDs differ.
func (v DatabaseVersion) Compare(o DatabaseVersion) (c int, ok bool) {
	if v.UUID != o.UUID {
		return 0, false
	}
	switch {
	case v.LastMod < o.LastMod:
		return -1, true
	case v.LastMod > o.LastMod:
		return 1, true
	}
	return 0, true
}

func (v DatabaseVersion) IsZero() bool { return v.UUID == "" }

func (v DatabaseVersion) String() string {
	return fmt.Sprintf("%d||%s", v.LastMod, v.UUID)
}

// Shard is a registered shard.
type Shard struct {
	ID       string   `bson:"_id"`
	Address  string   `bson:"host"`
	Zones    []string `bson:"tags,omitempty"`
	Draining bool     `bson:"draining,omitempty"`
}

// HasZone reports zone membership.
func (s Shard) HasZone(zone string) bool {
	for _, z := range s.Zones {
		if z == zone {
			return true
		}
	}
	return false
}

// Database records the primary shard of a database.
type Database struct {
	Name    string          `bson:"_id"`
	Primary string          `bson:"primary"`
	Version DatabaseVersion `bson:"version"`
}

// Collection is a sharded collection entry.
type Collection struct {
	NS         string        `bson:"_id"`
	UUID       string        `bson:"uuid"`
	Epoch      string        `bson:"epoch"`
	KeyPattern bson.D        `bson:"key"`
	Unique     bool          `bson:"unique"`
	CreatedAt  hlc.Timestamp `bson:"timestamp"`
}

// Pattern parses the stored key pattern.
func (c Collection) Pattern() (shardkey.Pattern, error) {
	return shardkey.ParsePattern(c.KeyPattern)
}

// ChunkHistory records which shard owned a chunk from a point in time.
type ChunkHistory struct {
	ValidAfter hlc.Timestamp `bson:"validAfter"`
	Shard      string        `bson:"shard"`
}

// Chunk is a contiguous shard key range owned by one shard.
type Chunk struct {
	ID      string         `bson:"_id"`
	NS      string         `bson:"ns"`
	Min     shardkey.Key   `bson:"min"`
	Max     shardkey.Key   `bson:"max"`
	Shard   string         `bson:"shard"`
	Version Version        `bson:"lastmod"`
	Jumbo   bool           `bson:"jumbo,omitempty"`
	History []ChunkHistory `bson:"history,omitempty"`
}

// Range returns the chunk bounds.
func (c Chunk) Range() shardkey.Range {
	return shardkey.Range{Min: c.Min, Max: c.Max}
}

func (c Chunk) String() string {
	return fmt.Sprintf("%s %s on %s @ %s", c.NS, c.Range(), c.Shard, c.Version)
}

// ZoneRange tags a key range with a zone.
type ZoneRange struct {
	NS   string       `bson:"ns"`
	Min  shardkey.Key `bson:"min"`
	Max  shardkey.Key `bson:"max"`
	Zone string       `bson:"tag"`
}

func (z ZoneRange) Range() shardkey.Range {
	return shardkey.Range{Min: z.Min, Max: z.Max}
}

// SplitNS splits "db.coll" into its parts.
func SplitNS(ns string) (dbName, coll string, err error) {
	dbName, coll, ok := strings.Cut(ns, ".")
	if !ok || dbName == "" || coll == "" {
		return "", "", fmt.Errorf("invalid namespace %q", ns)
	}
	return dbName, coll, nil
}
