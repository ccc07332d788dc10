package placement

import (
	"context"

	"github.com/maxpert/shardkeeper/errs"
	"github.com/maxpert/shardkeeper/shardkey"
)

// ZoneFor returns the zone that covers r. ok is false when r touches no
// zone. A range that straddles a zone boundary is an error.
func ZoneFor(zones []ZoneRange, r shardkey.Range) (zone string, ok bool, err error) {
	for _, z := range zones {
		if !z.Range().Overlaps(r) {
			continue
		}
		if !z.Range().Covers(r) {
			return "", false, errs.Newf(errs.IllegalOperation, "range %s straddles zone %s %s", r, z.Zone, z.Range())
		}
		return z.Zone, true, nil
	}
	return "", false, nil
}

// UpdateZoneKeyRange assigns [min, max) of ns to zone, or removes the
// assignment when zone is empty. Removal needs the exact bounds of an
// existing range. Ranges may be declared before the collection is sharded;
// they are then checked against the key at sharding time.
func (c *Catalog) UpdateZoneKeyRange(ctx context.Context, ns string, min, max shardkey.Key, zone string) (err error) {
	defer func() { recordOp("updateZoneKeyRange", err) }()

	if _, _, err := SplitNS(ns); err != nil {
		return errs.Wrap(errs.InvalidOptions, err, "updateZoneKeyRange")
	}

	var ev Event
	err = c.withLock(ctx, ns, "updateZoneKeyRange", func() error {
		c.mu.Lock()
		defer c.mu.Unlock()

		r := shardkey.Range{Min: min, Max: max}
		if rt, sharded := c.tables[ns]; sharded {
			var err error
			if r, err = c.normalizeRange(rt, r); err != nil {
				return err
			}
		} else if len(min) == 0 || len(min) != len(max) || !r.Valid() {
			return errs.Newf(errs.BadValue, "invalid zone range %s", r)
		}

		current := c.zones[ns]
		next := make([]ZoneRange, 0, len(current)+1)

		if zone == "" {
			removed := false
			for _, z := range current {
				switch {
				case z.Range().Equal(r):
					removed = true
				case z.Range().Overlaps(r):
					return errs.Newf(errs.IllegalOperation, "range %s does not match zone range %s exactly", r, z.Range())
				default:
					next = append(next, z)
				}
			}
			if !removed {
				return nil
			}
		} else {
			if len(c.shardsInZoneLocked(zone)) == 0 {
				return errs.Newf(errs.ZoneNotFound, "zone %s is not assigned to any shard", zone)
			}
			for _, z := range current {
				if z.Range().Equal(r) && z.Zone == zone {
					return nil
				}
				if z.Range().Overlaps(r) {
					return errs.Newf(errs.RangeOverlapConflict, "zone range %s overlaps %s of zone %s", r, z.Range(), z.Zone)
				}
			}
			next = append(next, current...)
			next = append(next, ZoneRange{NS: ns, Min: r.Min, Max: r.Max, Zone: zone})
			sortZones(next)
		}

		b := c.store.NewBatch()
		defer b.Discard()
		if err := b.DeletePrefix(zonePrefix(ns)); err != nil {
			return err
		}
		for i, z := range next {
			if err := putBSON(b, zoneKey(ns, i), z); err != nil {
				return err
			}
		}
		ev = Event{Type: EventUpdateZoneKeyRange, NS: ns, Details: map[string]any{
			"range": r.String(), "zone": zone,
		}}
		if err := c.stageEvent(b, &ev); err != nil {
			return err
		}
		if err := c.commit(b, &ev); err != nil {
			return err
		}
		if len(next) == 0 {
			delete(c.zones, ns)
		} else {
			c.zones[ns] = next
		}
		return nil
	})
	if err == nil && ev.Seq != 0 {
		c.events.dispatch(ev)
	}
	return err
}

// GetZones returns the zone ranges of ns ordered by min key.
func (c *Catalog) GetZones(ns string) []ZoneRange {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]ZoneRange, len(c.zones[ns]))
	copy(out, c.zones[ns])
	return out
}

// ShardsInZone lists the shards tagged with zone.
func (c *Catalog) ShardsInZone(zone string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.shardsInZoneLocked(zone)
}
