// Package balancer keeps chunks spread across shards. Each round it drains
// shards being removed, moves chunks into their zones and evens out chunk
// counts, issuing at most one migration per shard.
package balancer

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/maxpert/shardkeeper/cfg"
	"github.com/maxpert/shardkeeper/errs"
	"github.com/maxpert/shardkeeper/placement"
	"github.com/maxpert/shardkeeper/telemetry"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

type Options struct {
	Enabled       bool
	Interval      time.Duration
	Threshold     int
	MaxMigrations int
	WaitForDelete bool
}

// DefaultOptions reads cfg.Config.Balancer.
func DefaultOptions() Options {
	b := cfg.Config.Balancer
	return Options{
		Enabled:       b.Enabled,
		Interval:      cfg.Duration(b.RoundIntervalMS),
		Threshold:     b.ImbalanceThreshold,
		MaxMigrations: b.MaxMigrationsPerRound,
		WaitForDelete: b.WaitForDelete,
	}
}

// RoundResult summarises one round.
type RoundResult struct {
	Splits     int
	Migrations []Migration
	Failed     int
}

type Balancer struct {
	catalog Catalog
	ops     *Operations
	policy  Policy
	opts    Options
	enabled atomic.Bool
	limiter *rate.Limiter
}

func New(catalog Catalog, ops *Operations, opts Options) *Balancer {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	b := &Balancer{
		catalog: catalog,
		ops:     ops,
		policy:  Policy{Threshold: opts.Threshold, MaxMigrations: opts.MaxMigrations},
		opts:    opts,
		limiter: rate.NewLimiter(rate.Every(opts.Interval), 1),
	}
	b.enabled.Store(opts.Enabled)
	return b
}

func (b *Balancer) SetEnabled(on bool) {
	b.enabled.Store(on)
	log.Info().Bool("enabled", on).Msg("Balancer toggled")
}

func (b *Balancer) Enabled() bool { return b.enabled.Load() }

// Run executes rounds until ctx is done.
func (b *Balancer) Run(ctx context.Context) {
	log.Info().Dur("interval", b.opts.Interval).Msg("Balancer started")
	for {
		if err := b.limiter.Wait(ctx); err != nil {
			log.Info().Msg("Balancer stopped")
			return
		}
		if !b.Enabled() {
			continue
		}
		res, err := b.Round(ctx)
		if err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("Balancer round failed")
			continue
		}
		if res.Splits > 0 || len(res.Migrations) > 0 {
			log.Info().
				Int("splits", res.Splits).
				Int("migrations", len(res.Migrations)).
				Int("failed", res.Failed).
				Msg("Balancer round done")
		}
	}
}

// Round plans and executes one round. Splits run first, then migrations
// run concurrently. A failed migration is counted and logged; it does not
// stop the others.
func (b *Balancer) Round(ctx context.Context) (RoundResult, error) {
	telemetry.BalancerRoundsTotal.Inc()

	var states []CollectionState
	for _, coll := range b.catalog.ListCollections() {
		rt, err := b.catalog.GetRoutingTable(ctx, coll.NS)
		if errs.Is(err, errs.NamespaceNotSharded) {
			continue
		}
		if err != nil {
			return RoundResult{}, err
		}
		states = append(states, CollectionState{Table: rt, Zones: b.catalog.GetZones(coll.NS)})
	}

	splits, migrations := b.policy.Plan(b.catalog.ListShards(), states)
	res := RoundResult{}
	for _, s := range splits {
		if _, err := b.ops.SplitChunk(ctx, s.NS, s.Range, s.Points); err != nil {
			log.Warn().Err(err).Str("ns", s.NS).Stringer("range", s.Range).Msg("Zone boundary split failed")
			continue
		}
		res.Splits++
	}
	if len(splits) > 0 {
		// Split chunks get new bounds; migrations are planned next round.
		return res, nil
	}

	failed := make([]bool, len(migrations))
	g, gctx := errgroup.WithContext(ctx)
	for i, m := range migrations {
		g.Go(func() error {
			_, err := b.ops.MoveChunk(gctx, m.NS, m.Chunk.Range(), m.To, b.opts.WaitForDelete)
			result := "ok"
			if err != nil {
				result = "error"
				failed[i] = true
				log.Warn().
					Err(err).
					Str("ns", m.NS).
					Str("from", m.From).
					Str("to", m.To).
					Str("reason", string(m.Reason)).
					Msg("Chunk migration failed")
			}
			telemetry.BalancerMigrationsTotal.With(string(m.Reason), result).Inc()
			return nil
		})
	}
	_ = g.Wait()

	for i, m := range migrations {
		if failed[i] {
			res.Failed++
			continue
		}
		res.Migrations = append(res.Migrations, m)
	}
	return res, ctx.Err()
}

var _ Catalog = (*placement.Catalog)(nil)
