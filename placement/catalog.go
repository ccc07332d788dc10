package placement

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/maxpert/shardkeeper/cfg"
	"github.com/maxpert/shardkeeper/db"
	"github.com/maxpert/shardkeeper/errs"
	"github.com/maxpert/shardkeeper/hlc"
	"github.com/maxpert/shardkeeper/telemetry"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
)

// Options configures a Catalog.
type Options struct {
	Clock                 *hlc.Clock
	LockLease             time.Duration
	Retry                 RetryPolicy
	InitialChunksPerShard int
	Migrator              Migrator
}

// DefaultOptions builds catalog options from cfg.Config.
func DefaultOptions(clock *hlc.Clock) Options {
	return Options{
		Clock:                 clock,
		LockLease:             cfg.Duration(cfg.Config.Placement.LockLeaseMS),
		Retry:                 DefaultRetryPolicy(),
		InitialChunksPerShard: cfg.Config.Placement.InitialChunksPerShard,
	}
}

// Catalog is the authoritative placement store. Reads are served from
// memory; every mutation is written to the store in one durable batch
// together with its changelog entry before memory is updated.
type Catalog struct {
	store    *db.Store
	clock    *hlc.Clock
	locks    *LockManager
	retry    RetryPolicy
	initial  int
	migrator Migrator
	events   listeners

	mu        sync.RWMutex
	shards    map[string]Shard
	databases map[string]Database
	tables    map[string]*RoutingTable
	zones     map[string][]ZoneRange
	seq       uint64
	lastEvent hlc.Timestamp
}

// Open loads the catalog persisted in store.
func Open(store *db.Store, opts Options) (*Catalog, error) {
	if opts.Clock == nil {
		opts.Clock = hlc.NewClock(cfg.Config.NodeID)
	}
	if opts.LockLease <= 0 {
		opts.LockLease = 30 * time.Second
	}
	if opts.InitialChunksPerShard <= 0 {
		opts.InitialChunksPerShard = 2
	}

	c := &Catalog{
		store:     store,
		clock:     opts.Clock,
		locks:     NewLockManager(opts.LockLease),
		retry:     opts.Retry,
		initial:   opts.InitialChunksPerShard,
		migrator:  opts.Migrator,
		shards:    make(map[string]Shard),
		databases: make(map[string]Database),
		tables:    make(map[string]*RoutingTable),
		zones:     make(map[string][]ZoneRange),
	}
	if err := c.load(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) load() error {
	shards, err := scanBSON[Shard](c.store, []byte(prefixShards))
	if err != nil {
		return errors.WithMessage(err, "load shards")
	}
	for _, s := range shards {
		c.shards[s.ID] = s
	}

	dbs, err := scanBSON[Database](c.store, []byte(prefixDatabases))
	if err != nil {
		return errors.WithMessage(err, "load databases")
	}
	for _, d := range dbs {
		c.databases[d.Name] = d
	}

	colls, err := scanBSON[Collection](c.store, []byte(prefixCollections))
	if err != nil {
		return errors.WithMessage(err, "load collections")
	}
	for _, coll := range colls {
		rt, err := readRoutingTable(c.store, coll.NS)
		if err != nil {
			return err
		}
		c.tables[coll.NS] = rt
		telemetry.PlacementChunks.With(coll.NS).Set(float64(rt.NumChunks()))
	}

	zones, err := scanBSON[ZoneRange](c.store, []byte(prefixZones))
	if err != nil {
		return errors.WithMessage(err, "load zones")
	}
	for _, z := range zones {
		c.zones[z.NS] = append(c.zones[z.NS], z)
	}
	for ns := range c.zones {
		sortZones(c.zones[ns])
	}

	// Resume the changelog sequence and keep the clock ahead of the last
	// notification so timestamps stay increasing across restarts.
	err = c.store.Scan([]byte(prefixChangelog), func(_, value []byte) error {
		var ev Event
		if err := bson.Unmarshal(value, &ev); err != nil {
			return err
		}
		c.seq = ev.Seq
		c.lastEvent = ev.Timestamp
		return nil
	})
	if err != nil {
		return errors.WithMessage(err, "load changelog")
	}
	if !c.lastEvent.IsZero() {
		c.clock.Update(c.lastEvent)
	}

	log.Info().
		Int("shards", len(c.shards)).
		Int("databases", len(c.databases)).
		Int("collections", len(c.tables)).
		Uint64("changelog_seq", c.seq).
		Msg("Placement catalog loaded")
	return nil
}

// Subscribe registers a listener for durable placement events.
func (c *Catalog) Subscribe(l Listener) {
	c.events.add(l)
}

// SetMigrator installs the data mover used by MoveChunk and MovePrimary.
func (c *Catalog) SetMigrator(m Migrator) {
	c.mu.Lock()
	c.migrator = m
	c.mu.Unlock()
}

// Locks exposes the lock manager for introspection.
func (c *Catalog) Locks() *LockManager {
	return c.locks
}

// stageEventOnly reserves the next sequence and a timestamp after every
// earlier event. Caller holds c.mu.
func (c *Catalog) stageEventOnly(ev *Event) error {
	if ev.Seq != 0 {
		return nil
	}
	ts := c.clock.Now()
	if !hlc.After(ts, c.lastEvent) {
		ts = c.clock.Update(c.lastEvent)
	}
	ev.Seq = c.seq + 1
	ev.Timestamp = ts
	return nil
}

// stageEvent reserves ev's slot and stages the changelog write.
func (c *Catalog) stageEvent(b *db.Batch, ev *Event) error {
	if err := c.stageEventOnly(ev); err != nil {
		return err
	}
	return putBSON(b, changelogKey(ev.Seq), ev)
}

// commit durably applies b and advances the changelog. Caller holds c.mu.
func (c *Catalog) commit(b *db.Batch, ev *Event) error {
	if err := b.Commit(true); err != nil {
		return errors.WithMessagef(err, "commit %s", ev.Type)
	}
	c.seq = ev.Seq
	c.lastEvent = ev.Timestamp
	return nil
}

// Events returns changelog entries with Seq > after, at most limit.
func (c *Catalog) Events(after uint64, limit int) ([]Event, error) {
	var out []Event
	err := c.store.ScanRange(changelogKey(after+1), db.PrefixUpperBound([]byte(prefixChangelog)), func(_, value []byte) error {
		if limit > 0 && len(out) >= limit {
			return errStopScan
		}
		var ev Event
		if err := bson.Unmarshal(value, &ev); err != nil {
			return err
		}
		out = append(out, ev)
		return nil
	})
	if err != nil && !errors.Is(err, errStopScan) {
		return nil, err
	}
	return out, nil
}

var errStopScan = errors.New("stop scan")

func (c *Catalog) withLock(ctx context.Context, resource, why string, fn func() error) error {
	owner := uuid.NewString()
	if _, err := c.locks.Acquire(ctx, c.retry, resource, owner, why); err != nil {
		return err
	}
	defer c.locks.Release(resource, owner)
	stop := c.locks.KeepAlive(resource, owner)
	defer stop()
	return fn()
}

func recordOp(op string, err error) {
	result := "ok"
	if err != nil {
		result = errs.CodeOf(err).String()
	}
	telemetry.PlacementOperationsTotal.With(op, result).Inc()
}

func errorf(format string, args ...any) error {
	return errs.Newf(errs.InternalError, format, args...)
}

// AddShard registers a shard. Re-adding the same id and address is a no-op.
func (c *Catalog) AddShard(ctx context.Context, s Shard) (err error) {
	defer func() { recordOp("addShard", err) }()

	if s.ID == "" || s.Address == "" {
		return errs.New(errs.BadValue, "shard id and address are required")
	}

	var ev Event
	err = c.withLock(ctx, "shards", "addShard", func() error {
		c.mu.Lock()
		defer c.mu.Unlock()

		if existing, ok := c.shards[s.ID]; ok {
			if existing.Address == s.Address {
				return nil
			}
			return errs.Newf(errs.IllegalOperation, "shard %s already registered at %s", s.ID, existing.Address)
		}
		s.Draining = false

		b := c.store.NewBatch()
		defer b.Discard()
		if err := putBSON(b, shardKey(s.ID), s); err != nil {
			return err
		}
		ev = Event{Type: EventAddShard, Details: map[string]any{"shard": s.ID, "host": s.Address}}
		if err := c.stageEvent(b, &ev); err != nil {
			return err
		}
		if err := c.commit(b, &ev); err != nil {
			return err
		}
		c.shards[s.ID] = s
		return nil
	})
	if err == nil && ev.Seq != 0 {
		c.events.dispatch(ev)
	}
	return err
}

// RemoveShardState reports draining progress.
type RemoveShardState string

const (
	RemoveShardStarted   RemoveShardState = "started"
	RemoveShardOngoing   RemoveShardState = "ongoing"
	RemoveShardCompleted RemoveShardState = "completed"
)

// RemoveShard starts or continues draining a shard. The shard is removed
// once it owns no chunks and is primary for no database; until then the
// balancer moves its chunks away.
func (c *Catalog) RemoveShard(ctx context.Context, id string) (state RemoveShardState, err error) {
	defer func() { recordOp("removeShard", err) }()

	var ev Event
	err = c.withLock(ctx, "shards", "removeShard", func() error {
		c.mu.Lock()
		defer c.mu.Unlock()

		s, ok := c.shards[id]
		if !ok {
			return errs.Newf(errs.ShardNotFound, "shard %s not found", id)
		}
		if !s.Draining {
			others := 0
			for _, o := range c.shards {
				if o.ID != id && !o.Draining {
					others++
				}
			}
			if others == 0 {
				return errs.New(errs.IllegalOperation, "cannot remove the last shard")
			}
		}

		chunks := 0
		for _, rt := range c.tables {
			chunks += rt.ChunkCounts()[id]
		}
		primaries := 0
		for _, d := range c.databases {
			if d.Primary == id {
				primaries++
			}
		}

		b := c.store.NewBatch()
		defer b.Discard()
		switch {
		case chunks == 0 && primaries == 0:
			if err := b.Delete(shardKey(id)); err != nil {
				return err
			}
			state = RemoveShardCompleted
		case !s.Draining:
			s.Draining = true
			if err := putBSON(b, shardKey(id), s); err != nil {
				return err
			}
			state = RemoveShardStarted
		default:
			state = RemoveShardOngoing
			return nil
		}

		ev = Event{Type: EventRemoveShard, Details: map[string]any{
			"shard": id, "state": string(state), "chunks": chunks, "primaries": primaries,
		}}
		if err := c.stageEvent(b, &ev); err != nil {
			return err
		}
		if err := c.commit(b, &ev); err != nil {
			return err
		}
		if state == RemoveShardCompleted {
			delete(c.shards, id)
		} else {
			c.shards[id] = s
		}
		return nil
	})
	if err == nil && ev.Seq != 0 {
		c.events.dispatch(ev)
	}
	return state, err
}

// ListShards returns registered shards sorted by id.
func (c *Catalog) ListShards() []Shard {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Shard, 0, len(c.shards))
	for _, s := range c.shards {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetShard looks up a shard.
func (c *Catalog) GetShard(id string) (Shard, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s, ok := c.shards[id]
	if !ok {
		return Shard{}, errs.Newf(errs.ShardNotFound, "shard %s not found", id)
	}
	return s, nil
}

// AddShardToZone tags a shard with a zone.
func (c *Catalog) AddShardToZone(ctx context.Context, id, zone string) error {
	return c.updateShardZones(ctx, id, zone, true)
}

// RemoveShardFromZone untags a shard. The last shard of a zone that still
// has key ranges cannot leave it.
func (c *Catalog) RemoveShardFromZone(ctx context.Context, id, zone string) error {
	return c.updateShardZones(ctx, id, zone, false)
}

func (c *Catalog) updateShardZones(ctx context.Context, id, zone string, add bool) (err error) {
	defer func() { recordOp("updateShardZones", err) }()

	if zone == "" {
		return errs.New(errs.BadValue, "zone name cannot be empty")
	}

	var ev Event
	err = c.withLock(ctx, "shards", "updateShardZones", func() error {
		c.mu.Lock()
		defer c.mu.Unlock()

		s, ok := c.shards[id]
		if !ok {
			return errs.Newf(errs.ShardNotFound, "shard %s not found", id)
		}
		if s.HasZone(zone) == add {
			return nil
		}

		if add {
			s.Zones = append(append([]string(nil), s.Zones...), zone)
		} else {
			if c.zoneInUseLocked(zone) && len(c.shardsInZoneLocked(zone)) == 1 {
				return errs.Newf(errs.IllegalOperation, "zone %s still has key ranges and %s is its last shard", zone, id)
			}
			kept := make([]string, 0, len(s.Zones))
			for _, z := range s.Zones {
				if z != zone {
					kept = append(kept, z)
				}
			}
			s.Zones = kept
		}

		b := c.store.NewBatch()
		defer b.Discard()
		if err := putBSON(b, shardKey(id), s); err != nil {
			return err
		}
		ev = Event{Type: EventShardZones, Details: map[string]any{"shard": id, "zone": zone, "added": add}}
		if err := c.stageEvent(b, &ev); err != nil {
			return err
		}
		if err := c.commit(b, &ev); err != nil {
			return err
		}
		c.shards[id] = s
		return nil
	})
	if err == nil && ev.Seq != 0 {
		c.events.dispatch(ev)
	}
	return err
}

func (c *Catalog) shardsInZoneLocked(zone string) []string {
	var out []string
	for _, s := range c.shards {
		if s.HasZone(zone) {
			out = append(out, s.ID)
		}
	}
	sort.Strings(out)
	return out
}

func (c *Catalog) zoneInUseLocked(zone string) bool {
	for _, zs := range c.zones {
		for _, z := range zs {
			if z.Zone == zone {
				return true
			}
		}
	}
	return false
}

// CreateDatabase registers a database. When primary is empty the shard with
// the fewest primaries is chosen. Creating an existing database returns it.
func (c *Catalog) CreateDatabase(ctx context.Context, name, primary string) (d Database, err error) {
	defer func() { recordOp("createDatabase", err) }()

	if name == "" {
		return Database{}, errs.New(errs.BadValue, "database name cannot be empty")
	}

	var ev Event
	err = c.withLock(ctx, "db:"+name, "createDatabase", func() error {
		c.mu.Lock()
		defer c.mu.Unlock()

		var err error
		d, ev, err = c.createDatabaseLocked(name, primary)
		return err
	})
	if err == nil && ev.Seq != 0 {
		c.events.dispatch(ev)
	}
	return d, err
}

func (c *Catalog) createDatabaseLocked(name, primary string) (Database, Event, error) {
	if existing, ok := c.databases[name]; ok {
		if primary != "" && existing.Primary != primary {
			return Database{}, Event{}, errs.Newf(errs.IllegalOperation, "database %s already exists with primary %s", name, existing.Primary)
		}
		return existing, Event{}, nil
	}

	if primary == "" {
		primary = c.pickPrimaryLocked()
	}
	if primary == "" {
		return Database{}, Event{}, errs.New(errs.ShardNotFound, "no shards available")
	}
	if s, ok := c.shards[primary]; !ok || s.Draining {
		return Database{}, Event{}, errs.Newf(errs.ShardNotFound, "shard %s not available", primary)
	}

	d := Database{
		Name:    name,
		Primary: primary,
		Version: DatabaseVersion{UUID: uuid.NewString(), LastMod: 1},
	}
	b := c.store.NewBatch()
	defer b.Discard()
	if err := putBSON(b, databaseKey(name), d); err != nil {
		return Database{}, Event{}, err
	}
	ev := Event{Type: EventCreateDatabase, NS: name, Details: map[string]any{"primary": primary}}
	if err := c.stageEvent(b, &ev); err != nil {
		return Database{}, Event{}, err
	}
	if err := c.commit(b, &ev); err != nil {
		return Database{}, Event{}, err
	}
	c.databases[name] = d
	return d, ev, nil
}

func (c *Catalog) pickPrimaryLocked() string {
	counts := make(map[string]int, len(c.shards))
	for _, s := range c.shards {
		if !s.Draining {
			counts[s.ID] = 0
		}
	}
	for _, d := range c.databases {
		if _, ok := counts[d.Primary]; ok {
			counts[d.Primary]++
		}
	}
	best, bestCount := "", -1
	for id, n := range counts {
		if bestCount < 0 || n < bestCount || (n == bestCount && id < best) {
			best, bestCount = id, n
		}
	}
	return best
}

// GetDatabase looks up a database entry.
func (c *Catalog) GetDatabase(_ context.Context, name string) (Database, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	d, ok := c.databases[name]
	if !ok {
		return Database{}, errs.Newf(errs.NamespaceNotFound, "database %s not found", name)
	}
	return d, nil
}

// LoadDatabase serves shard version caches.
func (c *Catalog) LoadDatabase(ctx context.Context, name string) (Database, error) {
	return c.GetDatabase(ctx, name)
}

// ListDatabases returns databases sorted by name.
func (c *Catalog) ListDatabases() []Database {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Database, 0, len(c.databases))
	for _, d := range c.databases {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// MovePrimary moves a database's unsharded data to another shard and bumps
// its DatabaseVersion so routers and shards drop cached entries.
func (c *Catalog) MovePrimary(ctx context.Context, name, to string) (d Database, err error) {
	defer func() { recordOp("movePrimary", err) }()

	var ev Event
	err = c.withLock(ctx, "db:"+name, "movePrimary", func() error {
		c.mu.RLock()
		current, ok := c.databases[name]
		target, shardOK := c.shards[to]
		migrator := c.migrator
		c.mu.RUnlock()

		if !ok {
			return errs.Newf(errs.NamespaceNotFound, "database %s not found", name)
		}
		if !shardOK || target.Draining {
			return errs.Newf(errs.ShardNotFound, "shard %s not available", to)
		}
		if current.Primary == to {
			d = current
			return nil
		}

		if migrator != nil {
			if err := migrator.MoveDatabase(ctx, name, current.Primary, to); err != nil {
				return errors.WithMessagef(err, "move primary of %s", name)
			}
		}

		commitErr := func() error {
			c.mu.Lock()
			defer c.mu.Unlock()

			d = current
			d.Primary = to
			d.Version.LastMod++

			b := c.store.NewBatch()
			defer b.Discard()
			if err := putBSON(b, databaseKey(name), d); err != nil {
				return err
			}
			ev = Event{Type: EventMovePrimary, NS: name, Details: map[string]any{"from": current.Primary, "to": to}}
			if err := c.stageEvent(b, &ev); err != nil {
				return err
			}
			if err := c.commit(b, &ev); err != nil {
				return err
			}
			c.databases[name] = d
			return nil
		}()

		if migrator != nil {
			if err := migrator.FinishDatabase(ctx, name, current.Primary, to, commitErr == nil); err != nil {
				log.Warn().Err(err).Str("database", name).Msg("Failed to finish primary move on shards")
			}
		}
		return commitErr
	})
	if err == nil && ev.Seq != 0 {
		c.events.dispatch(ev)
	}
	return d, err
}
