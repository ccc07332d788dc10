// Package shard is the reference participant: a single shard that stores
// documents in pebble, validates the routing versions each request
// carries, deduplicates retryable writes through the ledger, runs
// multi-statement transactions and hosts a commit coordinator.
//
// Document layout in the shard store:
//
//	/docs/{ns}/{bson({_id: v})} -> bson(document)
package shard

import (
	"context"
	"sync"

	"github.com/maxpert/shardkeeper/coordinator"
	"github.com/maxpert/shardkeeper/db"
	"github.com/maxpert/shardkeeper/errs"
	"github.com/maxpert/shardkeeper/hlc"
	"github.com/maxpert/shardkeeper/placement"
	"github.com/maxpert/shardkeeper/shardcache"
	"github.com/maxpert/shardkeeper/txnledger"
	pkgerrors "github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

// Options configures a Shard.
type Options struct {
	ID    string
	Clock *hlc.Clock
	// Source is where the version cache loads placement from.
	Source shardcache.Source
	// Participants reaches other shards when this shard coordinates.
	Participants coordinator.ParticipantClient
	Ledger       txnledger.Options
	Coordinator  coordinator.Options
}

// Shard owns one shard's documents, ledger and coordinators.
type Shard struct {
	id     string
	store  *db.Store
	clock  *hlc.Clock
	cache  *shardcache.ShardVersionCache
	ledger *txnledger.Ledger
	coord  *coordinator.Service

	// writeMu serializes document writes and transaction commits.
	writeMu sync.Mutex

	mu       sync.Mutex
	txns     map[string]*txn // by lsid
	locks    map[string]*txn // by document key
	critical *xsync.MapOf[string, *criticalSection]
}

// Open opens a shard over store and recovers its coordinators.
func Open(ctx context.Context, store *db.Store, opts Options) (*Shard, error) {
	if opts.ID == "" {
		return nil, errs.New(errs.InvalidOptions, "shard id is required")
	}
	if opts.Clock == nil {
		return nil, errs.New(errs.InvalidOptions, "shard clock is required")
	}
	s := &Shard{
		id:       opts.ID,
		store:    store,
		clock:    opts.Clock,
		cache:    shardcache.New(opts.Source, shardcache.Options{ShardID: opts.ID}),
		txns:     make(map[string]*txn),
		locks:    make(map[string]*txn),
		critical: xsync.NewMapOf[string, *criticalSection](),
	}

	ledgerOpts := opts.Ledger
	ledgerOpts.Clock = opts.Clock
	ledgerOpts.AbortHook = s.abortSuperseded
	ledger, err := txnledger.Open(store, ledgerOpts)
	if err != nil {
		return nil, pkgerrors.WithMessage(err, "open ledger")
	}
	s.ledger = ledger

	s.coord = coordinator.NewService(store, opts.Participants, opts.Clock, opts.Coordinator)
	n, err := s.coord.Recover(ctx)
	if err != nil {
		return nil, pkgerrors.WithMessage(err, "recover coordinators")
	}
	log.Info().Str("shard", s.id).Int("coordinators", n).Msg("Shard opened")
	return s, nil
}

// ID is the shard id.
func (s *Shard) ID() string { return s.id }

// Cache is the shard's version cache.
func (s *Shard) Cache() *shardcache.ShardVersionCache { return s.cache }

// Ledger is the shard's retryable write ledger.
func (s *Shard) Ledger() *txnledger.Ledger { return s.ledger }

// Coordinators is the coordinator service hosted by this shard.
func (s *Shard) Coordinators() *coordinator.Service { return s.coord }

// OnPlacementEvent forwards catalog changes to the version cache.
func (s *Shard) OnPlacementEvent(ev placement.Event) {
	s.cache.OnPlacementEvent(ev)
}

// Close stops coordinators and aborts open transactions. The store is
// owned by the caller.
func (s *Shard) Close(ctx context.Context) error {
	err := s.coord.Shutdown(ctx)

	s.mu.Lock()
	open := make([]*txn, 0, len(s.txns))
	for _, t := range s.txns {
		open = append(open, t)
	}
	s.mu.Unlock()
	for _, t := range open {
		s.finish(t, txnAborted)
	}
	return err
}

var _ placement.Listener = (*Shard)(nil)
