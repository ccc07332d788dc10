// Package shardcache holds a node's view of collection and database
// placement and decides whether a request stamped with a routing version
// may run.
//
// Routers read routing tables from it to target shards. Shards use it to
// validate the ShardVersion and DatabaseVersion each request carries. The
// cache only ever calls its Source; nothing in it depends on the router.
package shardcache

import (
	"context"
	"time"

	"github.com/maxpert/shardkeeper/errs"
	"github.com/maxpert/shardkeeper/placement"
	"github.com/maxpert/shardkeeper/shardkey"
	"github.com/maxpert/shardkeeper/telemetry"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// Source is the authoritative placement metadata: the catalog itself, a
// StoreReader on secondaries or a remote config client.
type Source interface {
	LoadRoutingTable(ctx context.Context, ns string) (*placement.RoutingTable, error)
	LoadDatabase(ctx context.Context, name string) (placement.Database, error)
}

// Cache is what routers and shards consume.
type Cache interface {
	GetCollection(ctx context.Context, ns string) (Entry, error)
	GetOwnedRanges(ctx context.Context, ns string) (Snapshot, error)
	GetDatabase(ctx context.Context, name string) (placement.Database, error)
	RefreshIfStale(ctx context.Context, ns string, observed placement.Version) (Entry, error)
	CheckShardVersion(ctx context.Context, ns string, received placement.Version) (Snapshot, error)
	CheckDatabaseVersion(ctx context.Context, name string, received placement.DatabaseVersion) (placement.Database, error)
	Invalidate(ns string)
	InvalidateDatabase(name string)
}

// Entry is the cached placement of one collection. Table is nil when the
// collection is not sharded.
type Entry struct {
	NS    string
	Table *placement.RoutingTable
}

// Sharded reports whether the collection has a routing table.
func (e Entry) Sharded() bool { return e.Table != nil }

// Version is the collection version, or Unsharded.
func (e Entry) Version() placement.Version {
	if e.Table == nil {
		return placement.Unsharded
	}
	return e.Table.Version()
}

// Snapshot is one shard's known version and owned ranges for a collection.
type Snapshot struct {
	NS      string
	Version placement.Version
	Ranges  []shardkey.Range
}

// Owns reports whether k falls in one of the owned ranges. Unsharded
// snapshots own everything.
func (s Snapshot) Owns(k shardkey.Key) bool {
	if s.Version.IsUnsharded() {
		return true
	}
	for _, r := range s.Ranges {
		if r.Contains(k) {
			return true
		}
	}
	return false
}

// Options configures a ShardVersionCache.
type Options struct {
	// ShardID scopes snapshots and version checks to one shard. Routers
	// leave it empty and compare collection versions instead.
	ShardID string
	// Secondary caches are filled lazily from local metadata and ignore
	// placement-change events.
	Secondary bool
	// RefreshTimeout bounds one source load. Defaults to 30s.
	RefreshTimeout time.Duration
}

// ShardVersionCache is the concrete Cache. Entries live until explicitly
// invalidated; there is no background eviction.
type ShardVersionCache struct {
	source      Source
	opts        Options
	collections *xsync.MapOf[string, Entry]
	databases   *xsync.MapOf[string, placement.Database]
	group       singleflight.Group
}

// New creates an empty cache over source.
func New(source Source, opts Options) *ShardVersionCache {
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = 30 * time.Second
	}
	return &ShardVersionCache{
		source:      source,
		opts:        opts,
		collections: xsync.NewMapOf[string, Entry](),
		databases:   xsync.NewMapOf[string, placement.Database](),
	}
}

// ShardID is the shard this cache validates for, empty on routers.
func (c *ShardVersionCache) ShardID() string {
	return c.opts.ShardID
}

// GetCollection returns the cached entry, loading it on a miss.
func (c *ShardVersionCache) GetCollection(ctx context.Context, ns string) (Entry, error) {
	if e, ok := c.collections.Load(ns); ok {
		return e, nil
	}
	return c.refreshCollection(ctx, ns)
}

// GetOwnedRanges returns this node's snapshot of ns.
func (c *ShardVersionCache) GetOwnedRanges(ctx context.Context, ns string) (Snapshot, error) {
	e, err := c.GetCollection(ctx, ns)
	if err != nil {
		return Snapshot{}, err
	}
	return c.snapshot(e), nil
}

func (c *ShardVersionCache) snapshot(e Entry) Snapshot {
	s := Snapshot{NS: e.NS, Version: c.localVersion(e)}
	if e.Table == nil {
		return s
	}
	if c.opts.ShardID == "" {
		for _, ch := range e.Table.Chunks() {
			s.Ranges = append(s.Ranges, ch.Range())
		}
		return s
	}
	s.Ranges = e.Table.OwnedRanges(c.opts.ShardID)
	return s
}

// localVersion is the shard version on shards and the collection version
// on routers.
func (c *ShardVersionCache) localVersion(e Entry) placement.Version {
	if e.Table == nil {
		return placement.Unsharded
	}
	if c.opts.ShardID == "" {
		return e.Table.Version()
	}
	return e.Table.ShardVersion(c.opts.ShardID)
}

// RefreshIfStale reloads ns unless the cached collection version is
// already at or past observed in the same epoch.
func (c *ShardVersionCache) RefreshIfStale(ctx context.Context, ns string, observed placement.Version) (Entry, error) {
	if e, ok := c.collections.Load(ns); ok {
		if cmp, comparable := e.Version().Compare(observed); comparable && cmp >= 0 {
			return e, nil
		}
	}
	return c.refreshCollection(ctx, ns)
}

// Refresh forces a reload of ns.
func (c *ShardVersionCache) Refresh(ctx context.Context, ns string) (Entry, error) {
	return c.refreshCollection(ctx, ns)
}

// refreshCollection loads ns once for all concurrent callers.
func (c *ShardVersionCache) refreshCollection(ctx context.Context, ns string) (Entry, error) {
	v, err := c.load(ctx, "coll:"+ns, func(ctx context.Context) (any, error) {
		rt, err := c.source.LoadRoutingTable(ctx, ns)
		switch {
		case err == nil:
		case errs.Is(err, errs.NamespaceNotSharded):
			rt = nil
		default:
			telemetry.CacheRefreshesTotal.With("collection", "error").Inc()
			return Entry{}, err
		}
		e := Entry{NS: ns, Table: rt}
		c.collections.Store(ns, e)
		telemetry.CacheRefreshesTotal.With("collection", "ok").Inc()
		log.Debug().Str("ns", ns).Str("version", e.Version().String()).Msg("Refreshed collection placement")
		return e, nil
	})
	if err != nil {
		return Entry{}, err
	}
	return v.(Entry), nil
}

// load runs fn once for all concurrent callers of key. fn is detached from
// the cancellation of the caller that started it; every caller stops
// waiting when its own ctx ends.
func (c *ShardVersionCache) load(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, error) {
	ch := c.group.DoChan(key, func() (any, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.RefreshTimeout)
		defer cancel()
		return fn(lctx)
	})
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, errs.FromContext(ctx, "refresh "+key)
	}
}

// CheckShardVersion validates a request's shard version for ns:
//   - equal to the local version: proceed
//   - newer than local: refresh synchronously and check again
//   - older than local, or from another epoch: StaleConfig
//
// A StaleConfig from an epoch mismatch also drops the local entry so the
// next request starts from the authoritative placement.
func (c *ShardVersionCache) CheckShardVersion(ctx context.Context, ns string, received placement.Version) (Snapshot, error) {
	e, err := c.GetCollection(ctx, ns)
	if err != nil {
		return Snapshot{}, err
	}

	local := c.localVersion(e)
	if local == received {
		telemetry.VersionChecksTotal.With("collection", "match").Inc()
		return c.snapshot(e), nil
	}

	if cmp, ok := local.Compare(received); ok && cmp < 0 {
		if e, err = c.refreshCollection(ctx, ns); err != nil {
			return Snapshot{}, err
		}
		local = c.localVersion(e)
		if local == received {
			telemetry.VersionChecksTotal.With("collection", "refreshed").Inc()
			return c.snapshot(e), nil
		}
	}

	if !local.Comparable(received) {
		c.Invalidate(ns)
	}
	telemetry.VersionChecksTotal.With("collection", "stale").Inc()
	return Snapshot{}, StaleConfigError(ns, c.opts.ShardID, received, local)
}

// GetDatabase returns the cached database placement, loading it on a miss.
func (c *ShardVersionCache) GetDatabase(ctx context.Context, name string) (placement.Database, error) {
	if d, ok := c.databases.Load(name); ok {
		return d, nil
	}
	return c.refreshDatabase(ctx, name)
}

func (c *ShardVersionCache) refreshDatabase(ctx context.Context, name string) (placement.Database, error) {
	v, err := c.load(ctx, "db:"+name, func(ctx context.Context) (any, error) {
		d, err := c.source.LoadDatabase(ctx, name)
		if err != nil {
			telemetry.CacheRefreshesTotal.With("database", "error").Inc()
			return placement.Database{}, err
		}
		c.databases.Store(name, d)
		telemetry.CacheRefreshesTotal.With("database", "ok").Inc()
		return d, nil
	})
	if err != nil {
		return placement.Database{}, err
	}
	return v.(placement.Database), nil
}

// CheckDatabaseVersion applies the CheckShardVersion rules to database
// versions. Only the primary shard accepts a stamped request: a shard that
// is not the primary answers StaleDbVersion even when versions match.
func (c *ShardVersionCache) CheckDatabaseVersion(ctx context.Context, name string, received placement.DatabaseVersion) (placement.Database, error) {
	d, err := c.GetDatabase(ctx, name)
	if err != nil {
		return placement.Database{}, err
	}

	if d.Version == received && c.isPrimary(d) {
		telemetry.VersionChecksTotal.With("database", "match").Inc()
		return d, nil
	}
	// Equal versions on a non-primary mean the local copy predates a
	// movePrimary this node has not seen yet.
	if cmp, ok := d.Version.Compare(received); ok && cmp <= 0 {
		if d, err = c.refreshDatabase(ctx, name); err != nil {
			return placement.Database{}, err
		}
		if d.Version == received && c.isPrimary(d) {
			telemetry.VersionChecksTotal.With("database", "refreshed").Inc()
			return d, nil
		}
	}
	if _, ok := d.Version.Compare(received); !ok {
		c.InvalidateDatabase(name)
	}
	telemetry.VersionChecksTotal.With("database", "stale").Inc()
	return placement.Database{}, StaleDbVersionError(name, received, d.Version)
}

func (c *ShardVersionCache) isPrimary(d placement.Database) bool {
	return c.opts.ShardID == "" || d.Primary == c.opts.ShardID
}

// Invalidate drops the cached entry for ns.
func (c *ShardVersionCache) Invalidate(ns string) {
	c.collections.Delete(ns)
}

// InvalidateDatabase drops the cached placement for a database. The
// movePrimary critical section calls it so the next access refetches.
func (c *ShardVersionCache) InvalidateDatabase(name string) {
	c.databases.Delete(name)
}

// Clear drops everything.
func (c *ShardVersionCache) Clear() {
	c.collections.Clear()
	c.databases.Clear()
}

// Cached lists namespaces with a cached entry.
func (c *ShardVersionCache) Cached() map[string]placement.Version {
	out := make(map[string]placement.Version, c.collections.Size())
	c.collections.Range(func(ns string, e Entry) bool {
		out[ns] = e.Version()
		return true
	})
	return out
}

// OnPlacementEvent drops entries a catalog change affected, so primaries
// refetch on next use. Secondaries only refresh on a stamped mismatch.
func (c *ShardVersionCache) OnPlacementEvent(ev placement.Event) {
	if c.opts.Secondary || ev.NS == "" {
		return
	}
	switch ev.Type {
	case placement.EventCreateDatabase, placement.EventMovePrimary:
		c.InvalidateDatabase(ev.NS)
	default:
		c.Invalidate(ev.NS)
	}
}

var (
	_ Cache              = (*ShardVersionCache)(nil)
	_ placement.Listener = (*ShardVersionCache)(nil)
)
